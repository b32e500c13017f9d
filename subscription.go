package msession

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	retry "github.com/sethvargo/go-retry"
)

// Subscription connection states. The transition table:
//
//	connecting -> open              (stream established)
//	connecting -> retrying          (connect failed, backoff pending)
//	open       -> retrying          (transport failure, backoff pending)
//	retrying   -> connecting        (next attempt)
//	open       -> closed-terminal   (terminal or error event observed)
//	any        -> closed-cancelled  (Cancel)
//	retrying   -> errored           (retries exhausted, onGiveUp fires)
//
// closed-terminal, closed-cancelled and errored are final. Terminal is
// sticky: a connection error racing a terminal event never restarts the
// retry loop.
const (
	StateConnecting = "connecting"
	StateOpen       = "open"
	StateRetrying   = "retrying"
	StateTerminal   = "closed-terminal"
	StateCancelled  = "closed-cancelled"
	StateErrored    = "errored"
)

// Handlers receives the decoded events of one unit of work. Callbacks run
// sequentially on the subscription's goroutine; none is invoked after
// Cancel returns. OnGiveUp fires once if the subscription exhausts its
// reconnect attempts, so the caller can fall back to a status fetch.
//
// Handlers must not call Cancel on their own subscription.
type Handlers struct {
	OnProgress       func(ProgressEvent)
	OnClassification func(ClassificationEvent)
	OnStepUpdate     func(StepUpdateEvent)
	OnTerminal       func(TerminalEvent)
	OnError          func(ErrorEvent)
	OnGiveUp         func(err error)
}

// Subscription owns one live connection to one unit of work's event
// channel, reconnecting with exponential backoff on transport failure.
// Heartbeats refresh nothing here; staleness detection lives in the
// EventStream implementation, which surfaces a silent stream as a
// transport error.
type Subscription struct {
	workID string
	opener StreamOpener
	policy RetryPolicy
	logger *slog.Logger

	mu       sync.Mutex
	state    string
	retries  int
	lastSeq  int64 // diagnostics only; the protocol needs no gapless tracking
	handlers Handlers

	// dispatchMu is held for the duration of every handler invocation.
	// Cancel acquires it after flipping the state, which is what makes
	// cancellation synchronous: once Cancel returns, no handler is running
	// and none will run again.
	dispatchMu sync.Mutex

	cancelCtx context.CancelFunc
	done      chan struct{}
}

// OpenSubscription starts observing a unit of work. The connection is
// established asynchronously; events flow into handlers as they arrive.
// The returned subscription's Cancel tears everything down, including any
// pending retry timer, and is idempotent.
func OpenSubscription(opener StreamOpener, workID string, handlers Handlers, policy RetryPolicy, logger *slog.Logger) *Subscription {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		workID:    workID,
		opener:    opener,
		policy:    policy.withDefaults(),
		logger:    logger,
		state:     StateConnecting,
		handlers:  handlers,
		cancelCtx: cancel,
		done:      make(chan struct{}),
	}

	go s.run(ctx)
	return s
}

// WorkID returns the unit of work this subscription observes.
func (s *Subscription) WorkID() string { return s.workID }

// State returns the current connection state.
func (s *Subscription) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Retries returns how many reconnect attempts have been made.
func (s *Subscription) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// LastEventSeq returns the arrival index of the last handled event.
func (s *Subscription) LastEventSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Done is closed when the subscription has fully stopped, whatever the
// reason.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel tears down the connection and clears any pending retry timer.
// It is idempotent and safe to call after natural completion. When Cancel
// returns, no handler invocation for this subscription will occur again.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.state != StateTerminal && s.state != StateErrored {
		s.state = StateCancelled
	}
	s.mu.Unlock()

	s.cancelCtx()

	// Wait out any handler that was already running when the state
	// flipped.
	s.dispatchMu.Lock()
	s.dispatchMu.Unlock() //nolint:staticcheck // empty critical section is the barrier
}

// run drives the connect/consume loop under bounded exponential backoff.
func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)

	backoff := retry.NewExponential(s.policy.BaseDelay)
	backoff = retry.WithCappedDuration(s.policy.MaxDelay, backoff)
	if s.policy.Jitter > 0 {
		backoff = retry.WithJitter(s.policy.Jitter, backoff)
	}
	backoff = retry.WithMaxRetries(uint64(s.policy.MaxAttempts), backoff)

	err := retry.Do(ctx, backoff, s.consumeOnce)
	if err == nil {
		// Terminal event observed; state already closed-terminal.
		return
	}

	if s.cancelled() {
		s.logger.Debug("subscription cancelled",
			"work_id", s.workID,
		)
		return
	}

	// Retries exhausted. Hand control to the caller's fallback exactly
	// once, under the same no-handler-after-cancel barrier as every other
	// callback.
	giveUp := fmt.Errorf("stream for work %s gave up after %d reconnect attempts: %w", s.workID, s.Retries(), err)
	s.logger.Warn("stream subscription exhausted retries",
		"work_id", s.workID,
		"retries", s.Retries(),
		"error", err,
	)

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	s.mu.Lock()
	if s.state == StateCancelled {
		s.mu.Unlock()
		return
	}
	s.state = StateErrored
	onGiveUp := s.handlers.OnGiveUp
	s.mu.Unlock()

	if onGiveUp != nil {
		onGiveUp(giveUp)
	}
}

// consumeOnce performs one connect attempt and consumes the stream until
// terminal, cancellation, or transport failure. Transport failures are
// returned as retryable; terminal returns nil and stops the retry loop.
func (s *Subscription) consumeOnce(ctx context.Context) error {
	s.setState(StateConnecting)

	stream, err := s.opener.Subscribe(ctx, s.workID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.noteRetry()
		s.logger.Debug("stream connect failed, will retry",
			"work_id", s.workID,
			"retries", s.Retries(),
			"error", err,
		)
		return retry.RetryableError(err)
	}
	defer stream.Close()

	s.setState(StateOpen)
	s.logger.Debug("stream open",
		"work_id", s.workID,
		"work_retries", s.Retries(),
	)

	for {
		event, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.terminalSeen() {
				// Spurious connection error after the terminal event;
				// terminal is sticky, never retry past it.
				return nil
			}
			s.noteRetry()
			s.setState(StateRetrying)
			s.logger.Debug("stream read failed, will retry",
				"work_id", s.workID,
				"retries", s.Retries(),
				"error", err,
			)
			return retry.RetryableError(err)
		}

		if done := s.dispatch(event); done {
			return nil
		}
	}
}

// dispatch invokes the handler matching the event. Returns true when the
// subscription should stop consuming: terminal event, application error
// event, or cancellation observed.
func (s *Subscription) dispatch(event Event) bool {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	if s.state == StateCancelled {
		s.mu.Unlock()
		return true
	}
	s.lastSeq++
	handlers := s.handlers

	switch event.(type) {
	case TerminalEvent, ErrorEvent:
		// Flip before invoking the handler so a racing transport error
		// already sees the sticky terminal state.
		s.state = StateTerminal
	}
	s.mu.Unlock()

	switch e := event.(type) {
	case HeartbeatEvent:
		// Keep-alive, no state change.
		return false
	case ProgressEvent:
		if handlers.OnProgress != nil {
			handlers.OnProgress(e)
		}
		return false
	case ClassificationEvent:
		if handlers.OnClassification != nil {
			handlers.OnClassification(e)
		}
		return false
	case StepUpdateEvent:
		if handlers.OnStepUpdate != nil {
			handlers.OnStepUpdate(e)
		}
		return false
	case TerminalEvent:
		if handlers.OnTerminal != nil {
			handlers.OnTerminal(e)
		}
		return true
	case ErrorEvent:
		// The backend reported a processing error; the work will produce
		// nothing further, so the subscription self-closes like a terminal.
		if handlers.OnError != nil {
			handlers.OnError(e)
		}
		return true
	default:
		s.logger.Warn("unhandled event type",
			"work_id", s.workID,
			"event", event.EventName(),
		)
		return false
	}
}

func (s *Subscription) setState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Final states win over loop bookkeeping.
	if s.state == StateCancelled || s.state == StateTerminal || s.state == StateErrored {
		return
	}
	s.state = state
}

func (s *Subscription) noteRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
}

func (s *Subscription) cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateCancelled
}

func (s *Subscription) terminalSeen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateTerminal
}
