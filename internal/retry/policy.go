// Package retry implements the request-boundary retry executor and its
// advisory circuit breaker. Retries apply to whole request attempts,
// never within a single response stream.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrorClass buckets transport failures for retry decisions.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassNetwork
	ClassTimeout
	ClassConnection
	ClassDNS
	ClassTLS
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNetwork:
		return "network"
	case ClassTimeout:
		return "timeout"
	case ClassConnection:
		return "connection"
	case ClassDNS:
		return "dns"
	case ClassTLS:
		return "tls"
	}
	return "none"
}

// Policy controls retry behavior. The zero value never retries; use
// DefaultPolicy for the standard settings.
type Policy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64 // >= 1.0
	JitterFactor  float64 // in [0, 1]
	RetryOnStatus map[int]bool
	RetryOnErrors map[ErrorClass]bool
}

// DefaultPolicy returns the standard policy: 3 retries, 100ms base,
// 30s cap, doubling with 10% jitter, on 429/5xx gateway statuses and
// network-shaped errors.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
		RetryOnStatus: map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true},
		RetryOnErrors: map[ErrorClass]bool{
			ClassNetwork:    true,
			ClassTimeout:    true,
			ClassConnection: true,
			ClassDNS:        true,
		},
	}
}

// RetriableStatus reports whether an HTTP status warrants a retry.
func (p Policy) RetriableStatus(status int) bool {
	return p.RetryOnStatus[status]
}

// RetriableError reports whether an error class warrants a retry.
func (p Policy) RetriableError(class ErrorClass) bool {
	return p.RetryOnErrors[class]
}

// newBackOff builds the per-execution delay source. Delays follow
// min(maxDelay, baseDelay·factor^(attempt-1)) · (1 ± rand·jitter); the
// executor clamps the jittered value so a computed delay never exceeds
// MaxDelay.
func (p Policy) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.JitterFactor,
		Multiplier:          p.BackoffFactor,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0, // attempts bound the loop, not wall clock
		Clock:               backoff.SystemClock,
		Stop:                backoff.Stop,
	}
	b.Reset()
	return b
}

// nextDelay draws the next backoff interval, clamped to maxDelay so a
// jittered value never exceeds the policy cap.
func nextDelay(b backoff.BackOff, maxDelay time.Duration) time.Duration {
	d := b.NextBackOff()
	if d == backoff.Stop {
		return maxDelay
	}
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	return d
}
