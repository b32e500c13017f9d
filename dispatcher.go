package msession

import (
	"context"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

// dispatchRequest exists so the input constraints live in one place.
type dispatchRequest struct {
	ConversationID string
	Input          string
}

func (r dispatchRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ConversationID, validation.Required),
		validation.Field(&r.Input, validation.Required),
	)
}

// Dispatch starts a new unit of work for a conversation and returns its
// work id. It records the user's turn, appends an assistant placeholder in
// processing status, registers the work as the conversation's active one
// (evicting a stale subscription for this conversation only), and opens a
// stream subscription.
//
// If the backend rejects or is unreachable, the assistant placeholder is
// marked failed with a synthesized error block, no subscription is opened,
// and a *DispatchError is returned. Dispatch failures are never retried
// automatically.
func (c *Client) Dispatch(ctx context.Context, conversationID, input string) (string, error) {
	req := dispatchRequest{ConversationID: conversationID, Input: input}
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if c.isClosed() {
		return "", ErrClosed
	}

	now := time.Now()
	userTurn := Turn{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           RoleUser,
		Status:         StatusPending,
		ResultBlocks:   []ResultBlock{NewTextBlock(0, input)},
		CreatedAt:      now,
	}
	assistantTurn := Turn{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           RoleAssistant,
		Status:         StatusProcessing,
		CreatedAt:      now,
	}

	if err := c.store.Append(userTurn); err != nil {
		return "", err
	}
	if err := c.store.Append(assistantTurn); err != nil {
		return "", err
	}

	c.logger.Info("dispatching work",
		"conversation_id", conversationID,
		"user_turn_id", userTurn.ID,
		"assistant_turn_id", assistantTurn.ID,
	)

	workID, err := c.backend.StartWork(ctx, conversationID, input)

	// The user's input is recorded either way; only the assistant
	// placeholder reflects the dispatch outcome.
	c.patchTurn(userTurn.ID, func(t *Turn) {
		t.Status = StatusCompleted
	})

	if err != nil {
		turnErr := TurnError{
			Code:      "dispatch_failed",
			Message:   fmt.Sprintf("failed to start analysis: %v", err),
			Retryable: true,
		}
		c.patchTurn(assistantTurn.ID, func(t *Turn) {
			t.Status = StatusFailed
			t.Error = &turnErr
			t.ResultBlocks = []ResultBlock{NewErrorBlock(0, turnErr)}
		})
		c.logger.Error("work dispatch failed",
			"conversation_id", conversationID,
			"assistant_turn_id", assistantTurn.ID,
			"error", err,
		)
		return "", &DispatchError{ConversationID: conversationID, Err: err}
	}

	c.patchTurn(assistantTurn.ID, func(t *Turn) {
		w := workID
		t.WorkID = &w
	})

	c.openWork(conversationID, workID, assistantTurn.ID)
	c.SetBookmark(conversationID)

	c.logger.Info("work dispatched",
		"conversation_id", conversationID,
		"work_id", workID,
		"assistant_turn_id", assistantTurn.ID,
	)
	return workID, nil
}
