package proxymatch

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http/httpproxy"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

// newMatcher builds a matcher with the process environment blanked so
// test outcomes do not depend on ambient proxy variables.
func newMatcher(opts ...Option) *Matcher {
	m := New(opts...)
	m.env = &httpproxy.Config{}
	return m
}

func TestRuleAll(t *testing.T) {
	proxy := mustURL(t, "http://proxy.internal:3128")
	m := newMatcher(WithRule(RuleAll, proxy))

	match := m.Match(mustURL(t, "https://example.com/path"))
	require.NotNil(t, match)
	require.Equal(t, proxy, match.Proxy)
	require.Equal(t, ViaHTTP, match.Via)
}

func TestSchemeRules(t *testing.T) {
	proxy := mustURL(t, "https://proxy.internal:3128")

	httpsOnly := newMatcher(WithRule(RuleHTTPS, proxy))
	require.NotNil(t, httpsOnly.Match(mustURL(t, "https://example.com/")))
	require.Nil(t, httpsOnly.Match(mustURL(t, "http://example.com/")))

	httpOnly := newMatcher(WithRule(RuleHTTP, proxy))
	require.Nil(t, httpOnly.Match(mustURL(t, "https://example.com/")))

	match := httpOnly.Match(mustURL(t, "http://example.com/"))
	require.NotNil(t, match)
	require.Equal(t, ViaHTTPS, match.Via)
}

func TestCustomRule(t *testing.T) {
	proxy := mustURL(t, "http://proxy.internal:3128")
	m := newMatcher(WithCustom(func(u *url.URL) bool {
		return u.Hostname() == "internal.example"
	}, proxy))

	require.NotNil(t, m.Match(mustURL(t, "https://internal.example/x")))
	require.Nil(t, m.Match(mustURL(t, "https://public.example/x")))
}

func TestNoProxyPatterns(t *testing.T) {
	proxy := mustURL(t, "http://proxy.internal:3128")

	m := newMatcher(WithRule(RuleAll, proxy), WithNoProxy("*.corp.example", "localhost"))
	require.Nil(t, m.Match(mustURL(t, "https://api.corp.example/")))
	require.Nil(t, m.Match(mustURL(t, "https://corp.example/")))
	require.Nil(t, m.Match(mustURL(t, "http://localhost:8080/")))
	require.NotNil(t, m.Match(mustURL(t, "https://example.com/")))

	wildcard := newMatcher(WithRule(RuleAll, proxy), WithNoProxy("*"))
	require.Nil(t, wildcard.Match(mustURL(t, "https://example.com/")))
}

func TestAuthAndHeadersCarried(t *testing.T) {
	proxy := mustURL(t, "http://proxy.internal:3128")
	m := newMatcher(
		WithRule(RuleAll, proxy),
		WithAuth("Basic dXNlcjpwYXNz"),
		WithHeaders(map[string]string{"X-Trace": "on"}),
	)
	match := m.Match(mustURL(t, "https://example.com/"))
	require.NotNil(t, match)
	require.Equal(t, "Basic dXNlcjpwYXNz", match.AuthHeader)
	require.Equal(t, "on", match.Headers["X-Trace"])
}
