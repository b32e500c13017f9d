package msession

import (
	"fmt"
	"log/slog"
	"sync"
)

// Client wires the session components together: it dispatches work,
// reconciles conversations against persisted history, and owns the event
// handlers that patch the Store by turn id. One Client serves any number of
// concurrent conversations; their subscriptions never interfere.
type Client struct {
	backend  Backend
	store    *Store
	registry *Registry
	cfg      *Config
	logger   *slog.Logger

	mu         sync.Mutex
	reconciled map[string]bool
	closed     bool
	wg         sync.WaitGroup

	bookmarks BookmarkStore
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithBookmarkStore replaces the in-memory bookmark store with a persistent
// one supplied by the host application.
func WithBookmarkStore(store BookmarkStore) ClientOption {
	return func(c *Client) {
		if store != nil {
			c.bookmarks = store
		}
	}
}

// NewClient creates a session client. A nil cfg gets defaults, a nil logger
// falls back to slog.Default.
func NewClient(backend Backend, cfg *Config, logger *slog.Logger, opts ...ClientOption) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is required", ErrValidation)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		backend:    backend,
		store:      NewStore(logger),
		registry:   NewRegistry(logger),
		cfg:        cfg,
		logger:     logger,
		reconciled: make(map[string]bool),
		bookmarks:  newMemoryBookmarkStore(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Store exposes the observable conversation state.
func (c *Client) Store() *Store { return c.store }

// Registry exposes the active-work registry, mainly for inspection.
func (c *Client) Registry() *Registry { return c.registry }

// Bookmark returns the remembered conversation id, or "" if none.
func (c *Client) Bookmark() string {
	id, err := c.bookmarks.Bookmark()
	if err != nil {
		c.logger.Warn("failed to load conversation bookmark", "error", err)
		return ""
	}
	return id
}

// SetBookmark remembers the conversation to reconcile first next session.
func (c *Client) SetBookmark(conversationID string) {
	if err := c.bookmarks.SetBookmark(conversationID); err != nil {
		c.logger.Warn("failed to save conversation bookmark",
			"conversation_id", conversationID,
			"error", err,
		)
	}
}

// Close cancels every live subscription and waits for them to stop.
// The client accepts no new work afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.registry.CancelAll()
	c.wg.Wait()
	c.logger.Debug("session client closed")
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// openWork evicts any stale subscription for the conversation, then opens a
// fresh one for workID feeding the turn with turnID. Both Dispatch and
// Reconcile attach to running work through this single path.
//
// The closed re-check, wg.Add and registry registration happen under one
// lock hold: Close flips the flag under the same lock before cancelling, so
// a racing open either lands before Close (and gets cancelled by it) or
// observes the flag and opens nothing.
func (c *Client) openWork(conversationID, workID, turnID string) *Subscription {
	c.registry.Evict(conversationID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Debug("client closed, not subscribing",
			"conversation_id", conversationID,
			"work_id", workID,
		)
		return nil
	}
	c.wg.Add(1)
	sub := OpenSubscription(
		c.backend,
		workID,
		c.handlersFor(conversationID, workID, turnID),
		c.cfg.Retry,
		c.logger,
	)
	c.registry.Set(conversationID, workID, sub.Cancel)
	c.mu.Unlock()

	go func() {
		<-sub.Done()
		// Only clears while the entry still refers to this work.
		c.registry.Clear(conversationID, workID)
		c.wg.Done()
	}()

	c.logger.Info("subscribed to work",
		"conversation_id", conversationID,
		"work_id", workID,
		"turn_id", turnID,
	)
	return sub
}

// handlersFor binds the stream events of one unit of work to its assistant
// turn. All mutations go through Store.Patch keyed by turn id; the patch
// invariants (forward-only status, monotonic snapshot, sticky terminal)
// make every handler idempotent under replay.
func (c *Client) handlersFor(conversationID, workID, turnID string) Handlers {
	return Handlers{
		OnProgress: func(e ProgressEvent) {
			c.patchTurn(turnID, func(t *Turn) {
				t.ProgressSnapshot = e.Snapshot
				if t.Status == StatusPending {
					t.Status = StatusProcessing
				}
			})
		},

		OnClassification: func(e ClassificationEvent) {
			c.patchTurn(turnID, func(t *Turn) {
				classification := e.Classification
				t.Classification = &classification
				if t.Status == StatusPending {
					t.Status = StatusProcessing
				}
			})
		},

		OnStepUpdate: func(e StepUpdateEvent) {
			c.patchTurn(turnID, func(t *Turn) {
				if t.Status == StatusPending {
					t.Status = StatusProcessing
				}
				for i := range t.Steps {
					if t.Steps[i].Name == e.Name {
						t.Steps[i].Status = e.Status
						t.Steps[i].Message = e.Message
						return
					}
				}
				t.Steps = append(t.Steps, StepState{
					Name:    e.Name,
					Status:  e.Status,
					Message: e.Message,
				})
			})
		},

		OnTerminal: func(e TerminalEvent) {
			// A failed terminal always renders: synthesize the message when
			// the event arrived without one.
			if e.Status == StatusFailed && e.Error == nil {
				e.Error = &TurnError{Message: "analysis failed"}
			}
			c.patchTurn(turnID, func(t *Turn) {
				t.Status = e.Status
				if len(e.ResultBlocks) > 0 {
					t.ResultBlocks = e.ResultBlocks
				}
				if e.Error != nil {
					errCopy := *e.Error
					t.Error = &errCopy
					if len(t.ResultBlocks) == 0 {
						t.ResultBlocks = []ResultBlock{NewErrorBlock(0, errCopy)}
					}
				}
			})
			c.registry.Clear(conversationID, workID)
			c.logger.Info("work reached terminal state",
				"conversation_id", conversationID,
				"work_id", workID,
				"status", e.Status,
			)

			if e.Status == StatusCompleted && len(e.ResultBlocks) == 0 {
				// Terminal arrived without a result body; settle the final
				// blocks through the status endpoint.
				go c.settle(conversationID, workID, turnID)
			}
		},

		OnError: func(e ErrorEvent) {
			turnErr := TurnError{Code: e.Code, Message: e.Message, Retryable: e.Retryable}
			c.patchTurn(turnID, func(t *Turn) {
				t.Status = StatusFailed
				t.Error = &turnErr
				if len(t.ResultBlocks) == 0 {
					t.ResultBlocks = []ResultBlock{NewErrorBlock(0, turnErr)}
				}
			})
			c.registry.Clear(conversationID, workID)
			c.logger.Warn("work reported processing error",
				"conversation_id", conversationID,
				"work_id", workID,
				"code", e.Code,
				"retryable", e.Retryable,
			)
		},

		OnGiveUp: func(err error) {
			c.logger.Warn("stream gave up, settling from status endpoint",
				"conversation_id", conversationID,
				"work_id", workID,
				"error", err,
			)
			c.settle(conversationID, workID, turnID)
			c.registry.Clear(conversationID, workID)
		},
	}
}

// patchTurn patches and logs instead of propagating: a missing turn here is
// a programming error, not a user-visible condition.
func (c *Client) patchTurn(turnID string, fn func(*Turn)) {
	if err := c.store.Patch(turnID, fn); err != nil {
		c.logger.Error("failed to patch turn", "turn_id", turnID, "error", err)
	}
}

// BookmarkStore persists the single conversation-identifier bookmark used
// to pick which conversation to reconcile first. The default keeps it in
// memory; host applications supply a durable implementation.
type BookmarkStore interface {
	Bookmark() (string, error)
	SetBookmark(conversationID string) error
}

type memoryBookmarkStore struct {
	mu sync.Mutex
	id string
}

func newMemoryBookmarkStore() *memoryBookmarkStore {
	return &memoryBookmarkStore{}
}

func (m *memoryBookmarkStore) Bookmark() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, nil
}

func (m *memoryBookmarkStore) SetBookmark(conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = conversationID
	return nil
}
