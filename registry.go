package msession

import (
	"log/slog"
	"sync"
)

// activeWork is one in-flight unit of work and the cancel handle of the
// subscription observing it.
type activeWork struct {
	workID string
	cancel func()
}

// Registry maps conversation id to the in-flight unit of work for that
// conversation. It enforces the at-most-one-live-subscription-per-
// conversation invariant: setting a new entry cancels the stale one for the
// same conversation, and only that one, so concurrent conversations stream
// independently.
type Registry struct {
	mu             sync.Mutex
	byConversation map[string]activeWork
	logger         *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byConversation: make(map[string]activeWork),
		logger:         logger,
	}
}

// Set registers workID as the conversation's in-flight work, evicting and
// cancelling any previous entry for the same conversation. The stale cancel
// runs outside the registry lock: Subscription.Cancel waits for in-flight
// handlers, and those handlers may call back into the registry.
func (r *Registry) Set(conversationID, workID string, cancel func()) {
	r.mu.Lock()
	stale, hadStale := r.byConversation[conversationID]
	r.byConversation[conversationID] = activeWork{workID: workID, cancel: cancel}
	r.mu.Unlock()

	if hadStale && stale.cancel != nil {
		r.logger.Debug("evicting stale subscription",
			"conversation_id", conversationID,
			"stale_work_id", stale.workID,
			"work_id", workID,
		)
		stale.cancel()
	}
}

// Evict cancels and removes the conversation's current entry, if any.
// Dispatch and resume call this before opening a replacement subscription
// so the stale one is gone before the new one starts connecting.
func (r *Registry) Evict(conversationID string) {
	r.mu.Lock()
	stale, ok := r.byConversation[conversationID]
	delete(r.byConversation, conversationID)
	r.mu.Unlock()

	if ok && stale.cancel != nil {
		r.logger.Debug("evicting stale subscription",
			"conversation_id", conversationID,
			"stale_work_id", stale.workID,
		)
		stale.cancel()
	}
}

// Clear removes the conversation's entry, but only while it still refers to
// workID. A terminal handler clearing its own finished work never unseats a
// newer dispatch that already replaced the entry.
func (r *Registry) Clear(conversationID, workID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.byConversation[conversationID]; ok && entry.workID == workID {
		delete(r.byConversation, conversationID)
	}
}

// WorkID returns the in-flight work id for a conversation, if any.
func (r *Registry) WorkID(conversationID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byConversation[conversationID]
	return entry.workID, ok
}

// Len returns the number of conversations with in-flight work.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConversation)
}

// CancelAll cancels every live subscription. Used on client shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	entries := make([]activeWork, 0, len(r.byConversation))
	for _, entry := range r.byConversation {
		entries = append(entries, entry)
	}
	r.byConversation = make(map[string]activeWork)
	r.mu.Unlock()

	for _, entry := range entries {
		if entry.cancel != nil {
			entry.cancel()
		}
	}
}
