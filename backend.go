package msession

import (
	"context"
)

// TurnRecord is one persisted turn as reported by the history endpoint,
// oldest first. Non-terminal records carry the work id needed to reattach
// a live subscription.
type TurnRecord struct {
	TurnID           string        `json:"turn_id"`
	Role             string        `json:"role,omitempty"`
	Status           string        `json:"status"`
	ProgressSnapshot string        `json:"progress_snapshot,omitempty"`
	ResultBlocks     []ResultBlock `json:"result_blocks,omitempty"`
	Classification   *string       `json:"classification,omitempty"`
	WorkID           *string       `json:"work_id,omitempty"`
}

// WorkStatus is the point-in-time state of a unit of work, used by the
// status fallback when the stream can no longer be observed.
type WorkStatus struct {
	Status         string        `json:"status"`
	ResultBlocks   []ResultBlock `json:"result_blocks,omitempty"`
	Classification *string       `json:"classification,omitempty"`
}

// Backend is the collaborator contract the session client assumes. The
// worker performing the analysis and the durable store it publishes through
// sit behind it; package httpapi implements it over HTTP + SSE.
type Backend interface {
	// StartWork schedules a unit of work and returns its id immediately.
	// The backend continues whether or not anyone subscribes.
	StartWork(ctx context.Context, conversationID string, input string) (string, error)

	// Subscribe opens one live event stream for a unit of work. On
	// (re)subscribe the server replays already-buffered progress,
	// classification and step state before live events, so a late
	// subscriber reconstructs full history without gaps.
	Subscribe(ctx context.Context, workID string) (EventStream, error)

	// History returns the persisted turns of a conversation, oldest first.
	History(ctx context.Context, conversationID string) ([]TurnRecord, error)

	// Status returns the last known server-side state of a unit of work.
	// Returns ErrNotFound if the backend no longer tracks it.
	Status(ctx context.Context, conversationID string, workID string) (*WorkStatus, error)
}

// StreamOpener is the slice of Backend a Subscription needs. Split out so
// subscriptions can be exercised without a full backend.
type StreamOpener interface {
	Subscribe(ctx context.Context, workID string) (EventStream, error)
}

// EventStream is one live connection to a unit of work's event channel.
type EventStream interface {
	// Next blocks until the next decoded event arrives. It returns io.EOF
	// when the server closes the stream and other errors on transport
	// failure; both are treated as connection-level failures by the
	// subscription unless a terminal event was already observed.
	Next(ctx context.Context) (Event, error)

	// Close releases the connection. Safe to call more than once.
	Close() error
}
