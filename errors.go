package msession

import (
	"errors"
	"fmt"
)

// Sentinel errors - use with errors.Is()
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("already exists")
	ErrValidation   = errors.New("validation failed")
	ErrClosed       = errors.New("client closed")
	ErrUnknownEvent = errors.New("unknown event type")
)

// DispatchError reports that a unit of work could not be created. The turn
// it was meant to produce has already been marked failed in the store;
// dispatch failures are surfaced once and never retried automatically.
type DispatchError struct {
	ConversationID string
	Err            error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch work for conversation %s: %v", e.ConversationID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
