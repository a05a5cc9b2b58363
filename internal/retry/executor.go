package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrCircuitOpen is the synthetic error emitted when the breaker
// refuses a call without invoking the operation.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Verdict classifies one attempt's outcome.
type Verdict int

const (
	// VerdictSuccess stops the loop and returns the attempt's result.
	VerdictSuccess Verdict = iota
	// VerdictRetry schedules another attempt if budget remains.
	VerdictRetry
	// VerdictFatal aborts immediately; the error propagates as-is.
	VerdictFatal
)

// Operation is one request attempt. The verdict drives the loop; the
// error is what propagates when no further attempt is made.
type Operation func(ctx context.Context, attempt int) (Verdict, error)

// Executor replays an operation under a policy and an optional breaker.
type Executor struct {
	policy  Policy
	breaker *Breaker
	logger  *slog.Logger
}

// NewExecutor builds an executor. breaker may be nil.
func NewExecutor(policy Policy, breaker *Breaker, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{policy: policy, breaker: breaker, logger: logger}
}

// Execute runs op until it succeeds, fails fatally, exhausts the retry
// budget, or the breaker refuses. Cancellation is checked before each
// attempt and during each backoff sleep. When the budget is exhausted
// the last underlying error is preserved.
func (e *Executor) Execute(ctx context.Context, op Operation) error {
	if !e.breaker.Allow() {
		e.logger.Debug("circuit_refused", "state", e.breaker.State().String())
		return ErrCircuitOpen
	}

	bo := e.policy.newBackOff()
	var lastErr error

	maxAttempts := e.policy.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		verdict, err := op(ctx, attempt)
		switch verdict {
		case VerdictSuccess:
			e.breaker.RecordSuccess()
			return nil
		case VerdictFatal:
			e.breaker.RecordFailure()
			return err
		}

		e.breaker.RecordFailure()
		lastErr = err
		if attempt == maxAttempts {
			break
		}

		delay := nextDelay(bo, e.policy.MaxDelay)
		e.logger.Debug("retry_scheduled",
			"attempt", attempt,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		// A breaker opened by this attempt's failure refuses the next.
		if !e.breaker.Allow() {
			return ErrCircuitOpen
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("retry budget exhausted after %d attempts", maxAttempts)
	}
	return fmt.Errorf("retry budget exhausted: %w", lastErr)
}
