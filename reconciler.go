package msession

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Reconcile brings a conversation's local state in line with its persisted
// history, typically on (re)entry: page reload, tab switch, process
// restart. Terminal turns are materialized as recorded, including any final
// progress snapshot so a finished trace stays inspectable. The most recent
// non-terminal turn is resumed - a live placeholder carrying its partial
// snapshot is created, its work id registered, and a stream subscription
// opened exactly as Dispatch would. Because the server replays accumulated
// state on subscribe, the placeholder catches up without gaps.
//
// Reconcile is idempotent per conversation: repeated activation (re-render,
// strict-mode double invoke) is a no-op after the first success. History
// reporting more than one non-terminal turn is an inconsistency; only the
// most recent resumable one is resumed and the rest are surfaced as failed.
func (c *Client) Reconcile(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversation id is required", ErrValidation)
	}
	if c.isClosed() {
		return ErrClosed
	}

	c.mu.Lock()
	if c.reconciled[conversationID] {
		c.mu.Unlock()
		c.logger.Debug("conversation already reconciled", "conversation_id", conversationID)
		return nil
	}
	c.reconciled[conversationID] = true
	c.mu.Unlock()

	records, err := c.backend.History(ctx, conversationID)
	if err != nil {
		// Allow a later attempt; this one never touched the store.
		c.mu.Lock()
		delete(c.reconciled, conversationID)
		c.mu.Unlock()
		return fmt.Errorf("fetch history for conversation %s: %w", conversationID, err)
	}

	resumeIdx := resumableIndex(records)
	inconsistent := 0

	for i, rec := range records {
		turn := materializeTurn(conversationID, rec)

		switch {
		case IsTerminalStatus(rec.Status):
			// As recorded.

		case i == resumeIdx:
			turn.Status = StatusProcessing

		default:
			// Non-terminal but not resumed: either superseded by a newer
			// run or missing the work id needed to reattach.
			inconsistent++
			turnErr := TurnError{
				Code:    "inconsistent_history",
				Message: "in-flight work could not be resumed: superseded by a newer run",
			}
			if rec.WorkID == nil || *rec.WorkID == "" {
				turnErr.Message = "in-flight work could not be resumed: missing work id"
			}
			turn.Status = StatusFailed
			turn.Error = &turnErr
			if len(turn.ResultBlocks) == 0 {
				turn.ResultBlocks = []ResultBlock{NewErrorBlock(0, turnErr)}
			}
		}

		if err := c.store.Append(turn); err != nil {
			if errors.Is(err, ErrConflict) {
				// Turn already materialized, e.g. dispatched in this
				// session; leave it alone.
				continue
			}
			return err
		}
	}

	if inconsistent > 0 {
		c.logger.Warn("history reported multiple non-terminal turns",
			"conversation_id", conversationID,
			"failed", inconsistent,
		)
	}

	if resumeIdx >= 0 {
		rec := records[resumeIdx]
		workID := *rec.WorkID
		if active, ok := c.registry.WorkID(conversationID); ok && active == workID {
			c.logger.Debug("work already subscribed, skipping resume",
				"conversation_id", conversationID,
				"work_id", workID,
			)
		} else {
			c.logger.Info("resuming in-flight work",
				"conversation_id", conversationID,
				"work_id", workID,
				"turn_id", rec.TurnID,
				"snapshot_len", len(rec.ProgressSnapshot),
			)
			c.openWork(conversationID, workID, rec.TurnID)
		}
	}

	c.SetBookmark(conversationID)
	return nil
}

// resumableIndex returns the index of the most recent non-terminal record
// that carries a work id, or -1. History is ordered oldest first, so the
// last match wins.
func resumableIndex(records []TurnRecord) int {
	idx := -1
	for i, rec := range records {
		if IsTerminalStatus(rec.Status) {
			continue
		}
		if rec.WorkID != nil && *rec.WorkID != "" {
			idx = i
		}
	}
	return idx
}

// materializeTurn converts a history record into a store turn.
func materializeTurn(conversationID string, rec TurnRecord) Turn {
	role := rec.Role
	if role == "" {
		role = RoleAssistant
	}
	status := rec.Status
	if status == "" {
		status = StatusPending
	}
	return Turn{
		ID:               rec.TurnID,
		ConversationID:   conversationID,
		Role:             role,
		Status:           status,
		ProgressSnapshot: rec.ProgressSnapshot,
		ResultBlocks:     rec.ResultBlocks,
		Classification:   rec.Classification,
		WorkID:           rec.WorkID,
		CreatedAt:        time.Now(),
	}
}
