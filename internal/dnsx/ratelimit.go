package dnsx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterKey scopes rate limiting to one (hostname, qtype) pair so a
// burst of A lookups cannot starve AAAA lookups for the same host.
type limiterKey struct {
	host  string
	qtype uint16
}

// queryLimiter protects the resolver and shared DNS infrastructure from
// lookup storms: a token-bucket limiter per (hostname, qtype) refilled
// over a sliding window.
type queryLimiter struct {
	mu       sync.Mutex
	limiters map[limiterKey]*rate.Limiter
	window   time.Duration
	perWin   int
}

func newQueryLimiter(window time.Duration, perWindow int) *queryLimiter {
	if window <= 0 {
		window = time.Second
	}
	if perWindow <= 0 {
		perWindow = defaultQueriesPerWindow
	}
	return &queryLimiter{
		limiters: make(map[limiterKey]*rate.Limiter),
		window:   window,
		perWin:   perWindow,
	}
}

// acquire admits one query or returns the duration after which a retry
// would be admitted.
func (q *queryLimiter) acquire(host string, qtype uint16) (time.Duration, bool) {
	q.mu.Lock()
	key := limiterKey{host: host, qtype: qtype}
	lim, ok := q.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(q.window/time.Duration(q.perWin)), q.perWin)
		q.limiters[key] = lim
	}
	q.mu.Unlock()

	if lim.Allow() {
		return 0, true
	}
	res := lim.Reserve()
	delay := res.Delay()
	res.Cancel()
	if delay <= 0 {
		delay = q.window
	}
	return delay, false
}
