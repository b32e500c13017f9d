package msession

import (
	"encoding/json"
	"fmt"
)

// DecodeError reports a frame that could not be mapped to the event union.
// Callers typically log and skip the frame; a bad frame never fails the
// subscription.
type DecodeError struct {
	EventType string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q event: %v", e.EventType, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeEvent maps one wire frame (type + JSON payload) to the typed event
// union. This is the single place parse failures are handled; every path
// that receives push messages goes through it.
func DecodeEvent(eventType string, data []byte) (Event, error) {
	switch eventType {
	case EventProgress:
		var e ProgressEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, &DecodeError{EventType: eventType, Err: err}
		}
		return e, nil

	case EventClassification:
		var e ClassificationEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, &DecodeError{EventType: eventType, Err: err}
		}
		return e, nil

	case EventStepUpdate:
		var e StepUpdateEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, &DecodeError{EventType: eventType, Err: err}
		}
		if e.Name == "" {
			return nil, &DecodeError{EventType: eventType, Err: fmt.Errorf("step_update missing name")}
		}
		return e, nil

	case EventTerminal:
		var e TerminalEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, &DecodeError{EventType: eventType, Err: err}
		}
		// A terminal without an explicit status means the work finished
		// normally; failed terminals always carry status + error.
		if e.Status == "" {
			e.Status = StatusCompleted
		}
		if !IsTerminalStatus(e.Status) {
			return nil, &DecodeError{EventType: eventType, Err: fmt.Errorf("non-terminal status %q", e.Status)}
		}
		// Every terminal failure carries a human-readable message, even when
		// the backend omits the payload.
		if e.Status == StatusFailed {
			if e.Error == nil {
				e.Error = &TurnError{Message: "analysis failed"}
			} else if e.Error.Message == "" {
				e.Error.Message = "analysis failed"
			}
		}
		return e, nil

	case EventError:
		var e ErrorEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, &DecodeError{EventType: eventType, Err: err}
		}
		if e.Message == "" {
			e.Message = "analysis failed"
		}
		return e, nil

	case EventHeartbeat:
		// Payload intentionally ignored, heartbeats carry no state.
		return HeartbeatEvent{}, nil

	default:
		return nil, &DecodeError{EventType: eventType, Err: ErrUnknownEvent}
	}
}
