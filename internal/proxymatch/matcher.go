// Package proxymatch routes request URIs to proxies: intercept rules,
// a no-proxy pattern list, and the HTTP_PROXY/HTTPS_PROXY/NO_PROXY
// environment (case-insensitive variants included).
package proxymatch

import (
	"net/url"
	"strings"

	"golang.org/x/net/http/httpproxy"
)

// Rule selects which requests a proxy intercepts.
type Rule int

const (
	// RuleNone disables interception from explicit config; the
	// environment may still apply.
	RuleNone Rule = iota
	// RuleAll intercepts every request.
	RuleAll
	// RuleHTTP intercepts plain-http requests only.
	RuleHTTP
	// RuleHTTPS intercepts https requests only.
	RuleHTTPS
	// RuleCustom consults the Custom predicate.
	RuleCustom
)

// Via is the proxy transport scheme.
type Via int

const (
	ViaHTTP Via = iota
	ViaHTTPS
)

// Match is a routing decision to intercept through a proxy.
type Match struct {
	Proxy      *url.URL
	Via        Via
	AuthHeader string            // Proxy-Authorization value, if any
	Headers    map[string]string // extra headers for the proxy
}

// Matcher decides per-URI proxy routing. Construct with New; the zero
// value routes everything direct.
type Matcher struct {
	rule    Rule
	custom  func(*url.URL) bool
	proxy   *url.URL
	noProxy []string
	auth    string
	headers map[string]string
	env     *httpproxy.Config
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithRule sets the intercept rule and the proxy it routes to.
func WithRule(rule Rule, proxy *url.URL) Option {
	return func(m *Matcher) {
		m.rule = rule
		m.proxy = proxy
	}
}

// WithCustom installs the RuleCustom predicate.
func WithCustom(pred func(*url.URL) bool, proxy *url.URL) Option {
	return func(m *Matcher) {
		m.rule = RuleCustom
		m.custom = pred
		m.proxy = proxy
	}
}

// WithNoProxy adds no-proxy patterns: "*", "*.domain", or exact hosts.
func WithNoProxy(patterns ...string) Option {
	return func(m *Matcher) {
		m.noProxy = append(m.noProxy, patterns...)
	}
}

// WithAuth sets the Proxy-Authorization header value.
func WithAuth(header string) Option {
	return func(m *Matcher) { m.auth = header }
}

// WithHeaders sets extra headers sent to the proxy.
func WithHeaders(headers map[string]string) Option {
	return func(m *Matcher) { m.headers = headers }
}

// New builds a matcher that layers explicit rules over the process
// environment.
func New(opts ...Option) *Matcher {
	m := &Matcher{env: httpproxy.FromEnvironment()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match returns the proxy decision for a URI, or nil for a direct
// connection.
func (m *Matcher) Match(u *url.URL) *Match {
	host := strings.ToLower(u.Hostname())
	if m.noProxyMatches(host) {
		return nil
	}

	if proxy := m.ruleProxy(u); proxy != nil {
		return m.intercept(proxy)
	}

	// Fall back to the environment. httpproxy implements NO_PROXY
	// semantics for the env-configured patterns.
	if m.env != nil {
		proxyFor := m.env.ProxyFunc()
		if proxy, err := proxyFor(u); err == nil && proxy != nil {
			return m.intercept(proxy)
		}
	}
	return nil
}

func (m *Matcher) ruleProxy(u *url.URL) *url.URL {
	if m.proxy == nil {
		return nil
	}
	switch m.rule {
	case RuleAll:
		return m.proxy
	case RuleHTTP:
		if u.Scheme == "http" {
			return m.proxy
		}
	case RuleHTTPS:
		if u.Scheme == "https" {
			return m.proxy
		}
	case RuleCustom:
		if m.custom != nil && m.custom(u) {
			return m.proxy
		}
	}
	return nil
}

func (m *Matcher) intercept(proxy *url.URL) *Match {
	via := ViaHTTP
	if proxy.Scheme == "https" {
		via = ViaHTTPS
	}
	return &Match{
		Proxy:      proxy,
		Via:        via,
		AuthHeader: m.auth,
		Headers:    m.headers,
	}
}

// noProxyMatches applies the explicit pattern list: "*" matches every
// host, "*.domain" matches subdomains (and the bare domain), and other
// entries match exactly.
func (m *Matcher) noProxyMatches(host string) bool {
	for _, pattern := range m.noProxy {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		switch {
		case pattern == "":
			continue
		case pattern == "*":
			return true
		case strings.HasPrefix(pattern, "*."):
			domain := pattern[2:]
			if host == domain || strings.HasSuffix(host, "."+domain) {
				return true
			}
		case host == pattern:
			return true
		}
	}
	return false
}
