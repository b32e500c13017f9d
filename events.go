package msession

import (
	"encoding/json"
	"fmt"
)

// Stream event type constants
const (
	EventProgress       = "progress"       // Full-snapshot progress trace
	EventClassification = "classification" // Tag determined mid-stream
	EventStepUpdate     = "step_update"    // Phase name + status + optional message
	EventTerminal       = "terminal"       // Final result blocks, work is done
	EventError          = "error"          // Backend-reported processing error
	EventHeartbeat      = "heartbeat"      // Keep-alive, no state change
)

// Event is a decoded push message. It is a closed union: the only
// implementations are the event types in this file, produced by DecodeEvent.
type Event interface {
	// EventName returns the wire event type.
	EventName() string
}

// ProgressEvent carries the full accumulated progress trace. Always a
// replacement value, never a delta, so replay and resume need no offset
// tracking.
type ProgressEvent struct {
	WorkID   string `json:"work_id,omitempty"`
	Snapshot string `json:"snapshot"`
}

// ClassificationEvent carries the tag determined mid-stream.
type ClassificationEvent struct {
	WorkID         string `json:"work_id,omitempty"`
	Classification string `json:"classification"`
}

// StepUpdateEvent reports one named phase changing status.
type StepUpdateEvent struct {
	WorkID  string  `json:"work_id,omitempty"`
	Name    string  `json:"name"`
	Status  string  `json:"status"`
	Message *string `json:"message,omitempty"`
}

// TerminalEvent signals the unit of work will produce no further updates.
// Status is "completed" or "failed"; a completed terminal carries the final
// result blocks.
type TerminalEvent struct {
	WorkID       string        `json:"work_id,omitempty"`
	Status       string        `json:"status"`
	ResultBlocks []ResultBlock `json:"result_blocks,omitempty"`
	Error        *TurnError    `json:"error,omitempty"`
}

// ErrorEvent is an application-level processing error reported by the
// backend. Distinct from connection failures, which the subscription
// absorbs and retries.
type ErrorEvent struct {
	WorkID    string `json:"work_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// HeartbeatEvent is a keep-alive. It carries no state.
type HeartbeatEvent struct{}

func (ProgressEvent) EventName() string       { return EventProgress }
func (ClassificationEvent) EventName() string { return EventClassification }
func (StepUpdateEvent) EventName() string     { return EventStepUpdate }
func (TerminalEvent) EventName() string       { return EventTerminal }
func (ErrorEvent) EventName() string          { return EventError }
func (HeartbeatEvent) EventName() string      { return EventHeartbeat }

// FormatSSE formats an event record for transmission (or test fixtures).
// Returns a string in SSE format:
//
//	event: event_name
//	data: {"field": "value"}
//	\n
func FormatSSE(eventType string, data interface{}) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal SSE event data: %w", err)
	}

	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, string(jsonData)), nil
}
