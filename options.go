package quicfetch

import (
	"log/slog"
	"time"

	"github.com/bc-dunia/quicfetch/internal/cache"
	"github.com/bc-dunia/quicfetch/internal/config"
	"github.com/bc-dunia/quicfetch/internal/dnsx"
	"github.com/bc-dunia/quicfetch/internal/otel"
	"github.com/bc-dunia/quicfetch/internal/proxymatch"
	"github.com/bc-dunia/quicfetch/internal/retry"
	"github.com/bc-dunia/quicfetch/internal/tlsconn"
)

// clientConfig collects everything an option can set.
type clientConfig struct {
	http3Enabled  bool
	timeouts      config.Timeouts
	pool          config.Pool
	quic          config.QUIC
	decompression config.Decompression
	maxRedirects  int
	errorOnStatus bool

	retryPolicy      retry.Policy
	breakerThreshold int
	breakerCoolDown  time.Duration

	cacheConfig cache.Config

	tls      tlsconn.Config
	resolver *dnsx.Resolver
	proxy    *proxymatch.Matcher

	telemetry *otel.Config
	logger    *slog.Logger
}

func defaultClientConfig() *clientConfig {
	return &clientConfig{
		http3Enabled:  true,
		timeouts:      config.DefaultTimeouts(),
		pool:          config.DefaultPool(),
		quic:          config.DefaultQUIC(),
		decompression: config.DefaultDecompression(),
		maxRedirects:  config.DefaultMaxRedirects,
		retryPolicy:   retry.DefaultPolicy(),
		cacheConfig:   cache.DefaultConfig(),
		telemetry:     otel.DefaultConfig(),
	}
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

// WithHTTP3 toggles HTTP/3 negotiation (default on).
func WithHTTP3(enabled bool) ClientOption {
	return func(c *clientConfig) { c.http3Enabled = enabled }
}

// WithTimeout sets the per-request ceiling from emission to terminal
// chunk.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeouts.Request = d }
}

// WithConnectTimeout sets the dial-plus-TLS deadline.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeouts.Connect = d }
}

// WithTCPKeepAlive sets the TCP keep-alive interval.
func WithTCPKeepAlive(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeouts.TCPKeepAlive = d }
}

// WithPool sizes per-origin connection reuse.
func WithPool(maxIdlePerHost int, idleTimeout time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.pool.MaxIdlePerHost = maxIdlePerHost
		c.pool.IdleTimeout = idleTimeout
	}
}

// WithQUIC applies HTTP/3 transport tuning.
func WithQUIC(q config.QUIC) ClientOption {
	return func(c *clientConfig) { c.quic = q }
}

// WithDecompression selects which content codings are transparently
// decoded by the body adapters.
func WithDecompression(gzip, brotli, deflate bool) ClientOption {
	return func(c *clientConfig) {
		c.decompression = config.Decompression{Gzip: gzip, Brotli: brotli, Deflate: deflate}
	}
}

// WithMaxRedirects caps the redirect chain (default 10). Zero disables
// following redirects.
func WithMaxRedirects(n int) ClientOption {
	return func(c *clientConfig) { c.maxRedirects = n }
}

// WithErrorOnStatus makes non-2xx responses surface as errors.
func WithErrorOnStatus(enabled bool) ClientOption {
	return func(c *clientConfig) { c.errorOnStatus = enabled }
}

// WithRetryPolicy replaces the retry policy.
func WithRetryPolicy(p retry.Policy) ClientOption {
	return func(c *clientConfig) { c.retryPolicy = p }
}

// WithCircuitBreaker enables the breaker with a failure threshold and
// cool-down.
func WithCircuitBreaker(threshold int, coolDown time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.breakerThreshold = threshold
		c.breakerCoolDown = coolDown
	}
}

// WithCache replaces the response cache configuration. Use
// cache.NoCacheConfig() to disable caching.
func WithCache(cfg cache.Config) ClientOption {
	return func(c *clientConfig) { c.cacheConfig = cfg }
}

// WithTLS applies TLS connector settings.
func WithTLS(cfg tlsconn.Config) ClientOption {
	return func(c *clientConfig) { c.tls = cfg }
}

// WithResolver installs a custom DNS resolver.
func WithResolver(r *dnsx.Resolver) ClientOption {
	return func(c *clientConfig) { c.resolver = r }
}

// WithProxy installs a proxy matcher. Without one, only the
// environment variables apply.
func WithProxy(m *proxymatch.Matcher) ClientOption {
	return func(c *clientConfig) { c.proxy = m }
}

// WithTelemetry enables OpenTelemetry tracing and metrics.
func WithTelemetry(cfg *otel.Config) ClientOption {
	return func(c *clientConfig) { c.telemetry = cfg }
}

// WithLogger installs a structured logger (default slog.Default()).
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = logger }
}
