package msession

import (
	"time"
)

// Turn status constants. Transitions only move forward:
// pending -> processing -> (completed | failed). Store.Patch enforces this.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// statusRank orders statuses for the forward-only transition check.
// Terminal statuses share a rank: once terminal, a turn is frozen.
func statusRank(status string) int {
	switch status {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// IsTerminalStatus returns true for statuses that produce no further updates.
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Turn role constants
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Result block type constants
const (
	BlockTypeText     = "text"
	BlockTypeMarkdown = "markdown"
	BlockTypeTable    = "table"
	BlockTypeChart    = "chart"
	BlockTypeError    = "error"
)

// Step status constants
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// Turn represents one exchange unit in a conversation (user or assistant).
// Exactly one assistant Turn exists per unit of work. Turns are created when
// work is dispatched or discovered in history and mutated only through
// Store.Patch keyed by id, never by position.
type Turn struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`   // "user" or "assistant"
	Status         string `json:"status"` // "pending", "processing", "completed", "failed"

	// ProgressSnapshot is the accumulated progress trace. Every update is a
	// full replacement value, never a delta; it survives completion so a
	// finished trace stays inspectable after reload.
	ProgressSnapshot string `json:"progress_snapshot,omitempty"`

	// ResultBlocks is the ordered final content, populated at completion.
	ResultBlocks []ResultBlock `json:"result_blocks,omitempty"`

	// Steps are the named work phases reported mid-stream, in first-seen order.
	Steps []StepState `json:"steps,omitempty"`

	// Classification is the tag determined mid-stream, e.g. whether the turn
	// resolves to a conversational answer or a full analysis.
	Classification *string `json:"classification,omitempty"`

	// Error carries the terminal failure for failed turns. Retryable errors
	// invite the caller to re-dispatch the same input.
	Error *TurnError `json:"error,omitempty"`

	// WorkID is the backend job identifier for assistant turns.
	WorkID *string `json:"work_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Terminal returns true once the turn will receive no further updates.
func (t *Turn) Terminal() bool {
	return IsTerminalStatus(t.Status)
}

// clone returns a deep enough copy for handing to readers: slices are
// copied, block content maps are copied one level deep. Handlers never
// mutate content values in place, so nested sharing is safe.
func (t *Turn) clone() Turn {
	out := *t
	if t.ResultBlocks != nil {
		out.ResultBlocks = make([]ResultBlock, len(t.ResultBlocks))
		for i, b := range t.ResultBlocks {
			out.ResultBlocks[i] = b.clone()
		}
	}
	if t.Steps != nil {
		out.Steps = make([]StepState, len(t.Steps))
		copy(out.Steps, t.Steps)
	}
	if t.Classification != nil {
		c := *t.Classification
		out.Classification = &c
	}
	if t.Error != nil {
		e := *t.Error
		out.Error = &e
	}
	if t.WorkID != nil {
		w := *t.WorkID
		out.WorkID = &w
	}
	return out
}

// ResultBlock represents one typed content block of a finished turn.
//
// The content field stores block-type-specific structured data:
// - text/markdown: nil (text in text_content field)
// - table: {"columns": [...], "rows": [[...], ...]}
// - chart: {"chart_type": "...", "series": [...], ...}
// - error: {"code": "...", "retryable": bool}
type ResultBlock struct {
	BlockType   string                 `json:"block_type"`
	Sequence    int                    `json:"sequence"`
	TextContent *string                `json:"text_content,omitempty"`
	Content     map[string]interface{} `json:"content,omitempty"`
}

func (b ResultBlock) clone() ResultBlock {
	out := b
	if b.TextContent != nil {
		s := *b.TextContent
		out.TextContent = &s
	}
	if b.Content != nil {
		out.Content = make(map[string]interface{}, len(b.Content))
		for k, v := range b.Content {
			out.Content[k] = v
		}
	}
	return out
}

// NewTextBlock creates a text result block.
func NewTextBlock(sequence int, text string) ResultBlock {
	return ResultBlock{
		BlockType:   BlockTypeText,
		Sequence:    sequence,
		TextContent: &text,
	}
}

// NewErrorBlock creates an error result block from a turn error.
func NewErrorBlock(sequence int, turnErr TurnError) ResultBlock {
	msg := turnErr.Message
	return ResultBlock{
		BlockType:   BlockTypeError,
		Sequence:    sequence,
		TextContent: &msg,
		Content: map[string]interface{}{
			"code":      turnErr.Code,
			"retryable": turnErr.Retryable,
		},
	}
}

// StepState is one named work phase with its reported status.
type StepState struct {
	Name    string  `json:"name"`
	Status  string  `json:"status"` // "pending", "running", "completed", "failed"
	Message *string `json:"message,omitempty"`
}

// TurnError is the terminal failure attached to a failed turn. Every
// terminal failure carries a human-readable message; Retryable signals the
// caller may re-dispatch the same input.
type TurnError struct {
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}
