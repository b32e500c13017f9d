package msession

import (
	"context"
	"fmt"
)

// Settle resolves the final state of a unit of work through a single
// point-in-time status fetch. It is the fallback for when the stream cannot
// be observed: a subscription that exhausted its retries, or a terminal
// event that arrived without a result body.
//
// A completed status populates the turn's result blocks and classification
// and marks it completed. Any other outcome - a non-terminal status, an
// unknown work id, or the fetch failing - marks the turn failed with a
// "lost connection" error block: the stream giving up does not mean the
// backend job failed, only that the client can no longer observe it live.
// Either way the turn is never left in processing.
func (c *Client) Settle(ctx context.Context, conversationID, workID string) error {
	turn, ok := c.store.TurnByWorkID(conversationID, workID)
	if !ok {
		return fmt.Errorf("%w: no turn tracks work %s in conversation %s", ErrNotFound, workID, conversationID)
	}
	c.settleTurn(ctx, conversationID, workID, turn.ID)
	return nil
}

// settle is the internal entry used by the subscription handlers, which
// already know the turn id. It runs with its own timeout since the
// originating request is long gone.
func (c *Client) settle(conversationID, workID, turnID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	c.settleTurn(ctx, conversationID, workID, turnID)
}

func (c *Client) settleTurn(ctx context.Context, conversationID, workID, turnID string) {
	status, err := c.backend.Status(ctx, conversationID, workID)

	if err == nil && status != nil && status.Status == StatusCompleted {
		c.patchTurn(turnID, func(t *Turn) {
			t.Status = StatusCompleted
			if len(status.ResultBlocks) > 0 {
				t.ResultBlocks = status.ResultBlocks
			}
			if status.Classification != nil {
				classification := *status.Classification
				t.Classification = &classification
			}
		})
		c.logger.Info("settled work from status endpoint",
			"conversation_id", conversationID,
			"work_id", workID,
			"status", StatusCompleted,
		)
		return
	}

	turnErr := TurnError{
		Code:      "stream_lost",
		Message:   "lost connection to the analysis stream; the work may still be running on the backend",
		Retryable: true,
	}
	c.patchTurn(turnID, func(t *Turn) {
		t.Status = StatusFailed
		t.Error = &turnErr
		if len(t.ResultBlocks) == 0 {
			t.ResultBlocks = []ResultBlock{NewErrorBlock(0, turnErr)}
		}
	})

	if err != nil {
		c.logger.Warn("status fallback failed, marking turn failed",
			"conversation_id", conversationID,
			"work_id", workID,
			"error", err,
		)
	} else {
		reported := ""
		if status != nil {
			reported = status.Status
		}
		c.logger.Info("settled work as failed",
			"conversation_id", conversationID,
			"work_id", workID,
			"reported_status", reported,
		)
	}
}
