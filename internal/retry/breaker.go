package retry

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Breaker is an advisory circuit breaker. Closed admits all calls and
// opens at the failure threshold; Open refuses calls until the cool-down
// elapses; HalfOpen admits a single probe whose outcome closes or
// re-opens the circuit.
type Breaker struct {
	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	threshold           int
	coolDown            time.Duration
	probing             bool
}

// NewBreaker builds a breaker. A threshold of 0 disables it: Allow
// always admits.
func NewBreaker(threshold int, coolDown time.Duration) *Breaker {
	return &Breaker{threshold: threshold, coolDown: coolDown}
}

// Allow reports whether a call may proceed, transitioning Open to
// HalfOpen once the cool-down has elapsed. In HalfOpen only the first
// caller is admitted as the probe.
func (b *Breaker) Allow() bool {
	if b == nil || b.threshold <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.openedAt) < b.coolDown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return true
}

// RecordSuccess closes the circuit and zeroes the failure counter.
func (b *Breaker) RecordSuccess() {
	if b == nil || b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.consecutiveFailures = 0
	b.probing = false
}

// RecordFailure counts a failure, opening the circuit at the threshold.
// A HalfOpen probe failure re-opens immediately and resets the
// cool-down clock.
func (b *Breaker) RecordFailure() {
	if b == nil || b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if b.state == BreakerHalfOpen || b.consecutiveFailures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.probing = false
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() BreakerState {
	if b == nil || b.threshold <= 0 {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}
