// Package dnsx is the hostname resolution adapter behind the transport:
// A/AAAA lookups with family preference, per-attempt timeouts, bounded
// retries, and per-(hostname, qtype) rate limiting.
package dnsx

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

const (
	// DefaultBudget is the overall wall-clock budget for one Resolve.
	DefaultBudget = 5 * time.Second

	// defaultAttemptTimeout bounds a single query exchange.
	defaultAttemptTimeout = 1500 * time.Millisecond

	// defaultBackoffMultiplier grows the inter-attempt delay.
	defaultBackoffMultiplier = 2.0

	defaultMaxAttempts      = 3
	defaultQueriesPerWindow = 8

	// HappyEyeballsDelay is the suggested inter-family dial stagger;
	// OverallDialBudget bounds the whole dial fan-out. Both are hints
	// for the dialer, not contracts.
	HappyEyeballsDelay = 300 * time.Millisecond
	OverallDialBudget  = 30 * time.Second

	resolvConfPath = "/etc/resolv.conf"
)

// Family selects address-ordering preference.
type Family int

const (
	IPv4First Family = iota
	IPv6First
)

// ErrorKind classifies resolution failures.
type ErrorKind int

const (
	ErrLookup ErrorKind = iota
	ErrTimeout
	ErrEmptyResult
	ErrRateLimited
)

// Error is a resolution failure with its kind and, for rate limiting,
// a suggested retry-after.
type Error struct {
	Kind       ErrorKind
	Host       string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrTimeout:
		return fmt.Sprintf("dnsx: lookup %s timed out", e.Host)
	case ErrEmptyResult:
		return fmt.Sprintf("dnsx: lookup %s returned no addresses", e.Host)
	case ErrRateLimited:
		return fmt.Sprintf("dnsx: lookup %s rate limited, retry after %s", e.Host, e.RetryAfter)
	default:
		return fmt.Sprintf("dnsx: lookup %s failed: %v", e.Host, e.cause)
	}
}

func (e *Error) Unwrap() error { return e.cause }

// Config tunes a Resolver. Zero fields take defaults.
type Config struct {
	Preference        Family
	Budget            time.Duration
	AttemptTimeout    time.Duration
	MaxAttempts       int
	BackoffMultiplier float64
	RateWindow        time.Duration
	QueriesPerWindow  int
}

// Result is one resolution outcome. Addresses are sorted by the
// configured family preference.
type Result struct {
	Hostname string
	Addrs    []netip.Addr
	Elapsed  time.Duration
}

// Resolver resolves hostnames via the system's configured DNS servers,
// falling back to the stdlib resolver when resolv.conf is unavailable.
// Safe for concurrent use.
type Resolver struct {
	cfg      Config
	logger   *slog.Logger
	limiter  *queryLimiter
	client   *dns.Client
	servers  []string
	fallback *net.Resolver
}

// New builds a resolver.
func New(cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = defaultBackoffMultiplier
	}

	r := &Resolver{
		cfg:      cfg,
		logger:   logger,
		limiter:  newQueryLimiter(cfg.RateWindow, cfg.QueriesPerWindow),
		fallback: net.DefaultResolver,
	}
	if conf, err := dns.ClientConfigFromFile(resolvConfPath); err == nil && len(conf.Servers) > 0 {
		r.client = &dns.Client{Timeout: cfg.AttemptTimeout}
		for _, s := range conf.Servers {
			r.servers = append(r.servers, net.JoinHostPort(s, conf.Port))
		}
	} else {
		logger.Debug("dns_fallback_stdlib", "reason", err)
	}
	return r
}

// Resolve looks up a hostname and returns a single result whose
// addresses are ordered by family preference. A literal IP resolves to
// itself without a query. Zero addresses is an error.
func (r *Resolver) Resolve(ctx context.Context, host string) (*Result, error) {
	start := time.Now()
	if addr, err := netip.ParseAddr(host); err == nil {
		return &Result{Hostname: host, Addrs: []netip.Addr{addr}, Elapsed: time.Since(start)}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Budget)
	defer cancel()

	v4, err4 := r.lookup(ctx, host, dns.TypeA)
	v6, err6 := r.lookup(ctx, host, dns.TypeAAAA)
	if err4 != nil && err6 != nil {
		return nil, err4
	}

	addrs := SortByPreference(append(v4, v6...), r.cfg.Preference)
	if len(addrs) == 0 {
		return nil, &Error{Kind: ErrEmptyResult, Host: host}
	}
	return &Result{Hostname: host, Addrs: addrs, Elapsed: time.Since(start)}, nil
}

// lookup performs one qtype's query with bounded retries and
// fixed-multiplier backoff.
func (r *Resolver) lookup(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	if delay, ok := r.limiter.acquire(host, qtype); !ok {
		return nil, &Error{Kind: ErrRateLimited, Host: host, RetryAfter: delay}
	}

	delay := 100 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		addrs, err := r.query(ctx, host, qtype)
		if err == nil {
			return addrs, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, &Error{Kind: ErrTimeout, Host: host, cause: ctx.Err()}
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &Error{Kind: ErrTimeout, Host: host, cause: ctx.Err()}
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * r.cfg.BackoffMultiplier)
	}
	return nil, &Error{Kind: ErrLookup, Host: host, cause: lastErr}
}

func (r *Resolver) query(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	if r.client == nil || len(r.servers) == 0 {
		return r.queryStdlib(ctx, host, qtype)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		var addrs []netip.Addr
		for _, rr := range in.Answer {
			switch a := rr.(type) {
			case *dns.A:
				if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
					addrs = append(addrs, addr)
				}
			case *dns.AAAA:
				if addr, ok := netip.AddrFromSlice(a.AAAA); ok {
					addrs = append(addrs, addr)
				}
			}
		}
		return addrs, nil
	}
	return nil, lastErr
}

func (r *Resolver) queryStdlib(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	network := "ip4"
	if qtype == dns.TypeAAAA {
		network = "ip6"
	}
	ips, err := r.fallback.LookupIP(ctx, network, host)
	if err != nil {
		return nil, err
	}
	var addrs []netip.Addr
	for _, ip := range ips {
		if addr, ok := netip.AddrFromSlice(ip); ok {
			addrs = append(addrs, addr.Unmap())
		}
	}
	return addrs, nil
}

// SortByPreference orders addresses with the preferred family first,
// keeping relative order within each family.
func SortByPreference(addrs []netip.Addr, pref Family) []netip.Addr {
	var first, second []netip.Addr
	for _, a := range addrs {
		is4 := a.Unmap().Is4()
		if (pref == IPv4First) == is4 {
			first = append(first, a)
		} else {
			second = append(second, a)
		}
	}
	return append(first, second...)
}

// Interleave alternates address families starting with the preferred
// one, the ordering used by happy-eyeballs dialing.
func Interleave(addrs []netip.Addr, pref Family) []netip.Addr {
	var first, second []netip.Addr
	for _, a := range addrs {
		is4 := a.Unmap().Is4()
		if (pref == IPv4First) == is4 {
			first = append(first, a)
		} else {
			second = append(second, a)
		}
	}
	out := make([]netip.Addr, 0, len(addrs))
	for i := 0; i < len(first) || i < len(second); i++ {
		if i < len(first) {
			out = append(out, first[i])
		}
		if i < len(second) {
			out = append(out, second[i])
		}
	}
	return out
}
