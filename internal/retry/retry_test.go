package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffDelaysAndSuccess(t *testing.T) {
	// Network failures on attempts 1 and 2, success on attempt 3:
	// expected sleeps of ~100ms and ~200ms with jitter disabled.
	policy := DefaultPolicy()
	policy.JitterFactor = 0

	attempts := 0
	start := time.Now()
	err := NewExecutor(policy, nil, nil).Execute(context.Background(),
		func(ctx context.Context, attempt int) (Verdict, error) {
			attempts = attempt
			if attempt < 3 {
				return VerdictRetry, errors.New("network error")
			}
			return VerdictSuccess, nil
		})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if elapsed < 280*time.Millisecond || elapsed > 600*time.Millisecond {
		t.Fatalf("expected ~300ms of backoff, got %v", elapsed)
	}
}

func TestDelayNeverExceedsMaxDelay(t *testing.T) {
	policy := Policy{
		MaxRetries:    50,
		BaseDelay:     10 * time.Millisecond,
		MaxDelay:      40 * time.Millisecond,
		BackoffFactor: 3.0,
		JitterFactor:  1.0,
	}
	bo := policy.newBackOff()
	for i := 0; i < 50; i++ {
		if d := nextDelay(bo, policy.MaxDelay); d > policy.MaxDelay {
			t.Fatalf("draw %d: delay %v exceeds max %v", i, d, policy.MaxDelay)
		}
	}
}

func TestBudgetExhaustedPreservesLastError(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxRetries = 2
	policy.BaseDelay = time.Millisecond
	policy.JitterFactor = 0

	underlying := errors.New("connection reset")
	attempts := 0
	err := NewExecutor(policy, nil, nil).Execute(context.Background(),
		func(ctx context.Context, attempt int) (Verdict, error) {
			attempts++
			return VerdictRetry, underlying
		})

	if attempts != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", attempts)
	}
	if !errors.Is(err, underlying) {
		t.Fatalf("expected the last underlying error to be preserved, got %v", err)
	}
}

func TestFatalAbortsImmediately(t *testing.T) {
	attempts := 0
	fatal := errors.New("bad request")
	err := NewExecutor(DefaultPolicy(), nil, nil).Execute(context.Background(),
		func(ctx context.Context, attempt int) (Verdict, error) {
			attempts++
			return VerdictFatal, fatal
		})
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestCancellationDuringBackoff(t *testing.T) {
	policy := DefaultPolicy()
	policy.BaseDelay = time.Hour
	policy.JitterFactor = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewExecutor(policy, nil, nil).Execute(ctx,
			func(ctx context.Context, attempt int) (Verdict, error) {
				return VerdictRetry, errors.New("flaky")
			})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("executor did not observe cancellation")
	}
}

func TestPolicyClassification(t *testing.T) {
	p := DefaultPolicy()
	for _, status := range []int{429, 500, 502, 503, 504} {
		if !p.RetriableStatus(status) {
			t.Fatalf("status %d should be retriable", status)
		}
	}
	for _, status := range []int{200, 301, 400, 404} {
		if p.RetriableStatus(status) {
			t.Fatalf("status %d should not be retriable", status)
		}
	}
	if !p.RetriableError(ClassDNS) || p.RetriableError(ClassTLS) {
		t.Fatal("default policy retries DNS but not TLS errors")
	}
}

func TestBreakerTripAndRecovery(t *testing.T) {
	b := NewBreaker(2, 50*time.Millisecond)

	if b.State() != BreakerClosed {
		t.Fatal("breaker starts closed")
	}
	b.RecordFailure()
	if b.State() != BreakerClosed {
		t.Fatal("one failure below threshold keeps the breaker closed")
	}
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatal("threshold failures must open the breaker")
	}
	if b.Allow() {
		t.Fatal("open breaker must refuse within the cool-down")
	}

	time.Sleep(60 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected half-open probe after cool-down")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}
	// Only one probe is admitted.
	if b.Allow() {
		t.Fatal("second call during half-open must be refused")
	}

	b.RecordSuccess()
	if b.State() != BreakerClosed || b.ConsecutiveFailures() != 0 {
		t.Fatal("probe success must close the breaker and zero failures")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(1, 30*time.Millisecond)
	b.RecordFailure()
	time.Sleep(40 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected probe")
	}
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatal("probe failure must re-open the breaker")
	}
	if b.Allow() {
		t.Fatal("re-opened breaker must refuse before the new cool-down")
	}
}

func TestExecutorEmitsCircuitOpen(t *testing.T) {
	// Scenario: threshold 2, two failing calls trip the circuit; the
	// third call is refused without invoking the operation.
	b := NewBreaker(2, time.Minute)
	policy := DefaultPolicy()
	policy.MaxRetries = 0
	exec := NewExecutor(policy, b, nil)

	invoked := 0
	fail := func(ctx context.Context, attempt int) (Verdict, error) {
		invoked++
		return VerdictRetry, errors.New("boom")
	}
	_ = exec.Execute(context.Background(), fail)
	_ = exec.Execute(context.Background(), fail)

	err := exec.Execute(context.Background(), fail)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if invoked != 2 {
		t.Fatalf("third call must not invoke the operation, invoked=%d", invoked)
	}
}
