package dnsx

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func addr(s string) netip.Addr {
	return netip.MustParseAddr(s)
}

func TestSortByPreference(t *testing.T) {
	addrs := []netip.Addr{
		addr("2001:db8::1"),
		addr("192.0.2.1"),
		addr("2001:db8::2"),
		addr("192.0.2.2"),
	}

	v4First := SortByPreference(addrs, IPv4First)
	require.Equal(t, addr("192.0.2.1"), v4First[0])
	require.Equal(t, addr("192.0.2.2"), v4First[1])
	require.True(t, v4First[2].Is6())

	v6First := SortByPreference(addrs, IPv6First)
	require.Equal(t, addr("2001:db8::1"), v6First[0])
	require.Equal(t, addr("2001:db8::2"), v6First[1])
}

func TestInterleaveAlternatesFamilies(t *testing.T) {
	addrs := []netip.Addr{
		addr("192.0.2.1"),
		addr("192.0.2.2"),
		addr("2001:db8::1"),
	}
	got := Interleave(addrs, IPv6First)
	require.Equal(t, addr("2001:db8::1"), got[0])
	require.Equal(t, addr("192.0.2.1"), got[1])
	require.Equal(t, addr("192.0.2.2"), got[2])
}

func TestResolveLiteralAddressSkipsLookup(t *testing.T) {
	r := New(Config{}, nil)
	res, err := r.Resolve(context.Background(), "192.0.2.7")
	require.NoError(t, err)
	require.Len(t, res.Addrs, 1)
	require.Equal(t, addr("192.0.2.7"), res.Addrs[0])
}

func TestRateLimiterKeyedByHostAndType(t *testing.T) {
	q := newQueryLimiter(time.Second, 2)

	for i := 0; i < 2; i++ {
		_, ok := q.acquire("example.com", dns.TypeA)
		require.True(t, ok, "within budget")
	}
	retryAfter, ok := q.acquire("example.com", dns.TypeA)
	require.False(t, ok, "budget exceeded")
	require.Greater(t, retryAfter, time.Duration(0), "retry-after must be suggested")

	// A different qtype and a different host have their own budgets.
	_, ok = q.acquire("example.com", dns.TypeAAAA)
	require.True(t, ok)
	_, ok = q.acquire("other.example", dns.TypeA)
	require.True(t, ok)
}

func TestRateLimitedLookupReturnsTypedError(t *testing.T) {
	r := New(Config{RateWindow: time.Second, QueriesPerWindow: 1}, nil)
	// Exhaust the A budget directly.
	_, ok := r.limiter.acquire("example.com", dns.TypeA)
	require.True(t, ok)

	_, err := r.lookup(context.Background(), "example.com", dns.TypeA)
	var dnsErr *Error
	require.True(t, errors.As(err, &dnsErr))
	require.Equal(t, ErrRateLimited, dnsErr.Kind)
	require.Greater(t, dnsErr.RetryAfter, time.Duration(0))
}

func TestBudgetDefaultsApplied(t *testing.T) {
	r := New(Config{}, nil)
	require.Equal(t, DefaultBudget, r.cfg.Budget)
	require.Equal(t, defaultMaxAttempts, r.cfg.MaxAttempts)
	require.Equal(t, defaultBackoffMultiplier, r.cfg.BackoffMultiplier)
}
