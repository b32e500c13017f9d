package msession

import (
	"fmt"
	"log/slog"
	"sync"
)

// Store is the in-memory, observable collection of conversation turns.
// Every turn is addressable by its stable id; Patch is the only mutation
// entry point used by event handlers, so all writes for a turn funnel
// through one place and invariants are enforced centrally:
//
//   - status transitions only move forward (pending -> processing ->
//     completed|failed); terminal status is sticky, so replaying a
//     terminal event or applying a stale snapshot afterward is a no-op
//   - the progress snapshot never regresses: a shorter replacement is
//     dropped, which makes patches idempotent under replay and safe when
//     a resumed subscription races a fresh one
//
// Turns are appended, never reordered and never removed; readers observe
// the ordered per-conversation list via Turns and Watch.
type Store struct {
	mu        sync.RWMutex
	turns     map[string]*Turn    // turn id -> turn
	order     map[string][]string // conversation id -> ordered turn ids
	watchers  map[string]map[int]chan struct{}
	nextWatch int
	logger    *slog.Logger
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		turns:    make(map[string]*Turn),
		order:    make(map[string][]string),
		watchers: make(map[string]map[int]chan struct{}),
		logger:   logger,
	}
}

// Append adds a new turn at the end of its conversation's list.
// Returns ErrConflict if a turn with the same id already exists and
// ErrValidation if the turn is missing its identifiers.
func (s *Store) Append(turn Turn) error {
	if turn.ID == "" || turn.ConversationID == "" {
		return fmt.Errorf("%w: turn requires id and conversation_id", ErrValidation)
	}
	if turn.Status == "" {
		turn.Status = StatusPending
	}

	s.mu.Lock()
	if _, ok := s.turns[turn.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: turn %s", ErrConflict, turn.ID)
	}
	stored := turn.clone()
	s.turns[turn.ID] = &stored
	s.order[turn.ConversationID] = append(s.order[turn.ConversationID], turn.ID)
	s.mu.Unlock()

	s.notify(turn.ConversationID)
	return nil
}

// Patch applies fn to the turn with the given id. The updater receives a
// working copy; the result is merged back under the forward-only status
// and monotonic snapshot rules above. Returns ErrNotFound for unknown ids.
func (s *Store) Patch(turnID string, fn func(*Turn)) error {
	s.mu.Lock()
	current, ok := s.turns[turnID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: turn %s", ErrNotFound, turnID)
	}

	next := current.clone()
	fn(&next)

	// Identity is immutable under patch.
	next.ID = current.ID
	next.ConversationID = current.ConversationID
	next.Role = current.Role
	next.CreatedAt = current.CreatedAt

	if current.Terminal() && next.Status != current.Status {
		// Terminal state is sticky; drop the whole patch rather than let a
		// late event resurrect a settled turn.
		s.mu.Unlock()
		s.logger.Debug("dropping patch against terminal turn",
			"turn_id", turnID,
			"status", current.Status,
			"patched_status", next.Status,
		)
		return nil
	}
	if statusRank(next.Status) < statusRank(current.Status) {
		next.Status = current.Status
	}
	if len(next.ProgressSnapshot) < len(current.ProgressSnapshot) {
		next.ProgressSnapshot = current.ProgressSnapshot
	}

	*current = next
	conversationID := current.ConversationID
	s.mu.Unlock()

	s.notify(conversationID)
	return nil
}

// Turn returns a copy of the turn with the given id.
func (s *Store) Turn(turnID string) (Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.turns[turnID]
	if !ok {
		return Turn{}, false
	}
	return t.clone(), true
}

// TurnByWorkID returns a copy of the conversation's turn tracking the given
// unit of work.
func (s *Store) TurnByWorkID(conversationID, workID string) (Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order[conversationID] {
		t := s.turns[id]
		if t.WorkID != nil && *t.WorkID == workID {
			return t.clone(), true
		}
	}
	return Turn{}, false
}

// Turns returns copies of a conversation's turns in append order.
func (s *Store) Turns(conversationID string) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.order[conversationID]
	out := make([]Turn, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.turns[id].clone())
	}
	return out
}

// Watch subscribes to change notifications for one conversation. The
// returned channel receives a coalesced signal after every append or patch;
// readers re-fetch via Turns. The second return value unsubscribes and must
// be called when done.
func (s *Store) Watch(conversationID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	if s.watchers[conversationID] == nil {
		s.watchers[conversationID] = make(map[int]chan struct{})
	}
	id := s.nextWatch
	s.nextWatch++
	s.watchers[conversationID][id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.watchers[conversationID], id)
		s.mu.Unlock()
	}
	return ch, cancel
}

// notify signals every watcher of the conversation without blocking;
// a watcher with a pending signal is already due for a re-read.
func (s *Store) notify(conversationID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.watchers[conversationID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
