// Package quicfetch is a streaming-first HTTP/2 and HTTP/3 client
// engine. Responses are lazy sequences of typed chunks; bodies can be
// filtered by an RFC 9535 JSONPath expression so individual JSON
// elements are delivered as soon as they are complete, without
// materializing the full document.
//
// Example:
//
//	client := quicfetch.New()
//	defer client.Close()
//
//	req, _ := quicfetch.NewRequest("GET", "https://api.example.com/items")
//	resp, err := client.Do(ctx, req)
//	if err != nil {
//		return err
//	}
//	stream, _ := quicfetch.StreamObjects[Item](resp, "$.data[*]")
//	for {
//		item, err := stream.Next()
//		if errors.Is(err, quicfetch.Done) {
//			break
//		}
//		if err != nil {
//			return err
//		}
//		use(item)
//	}
package quicfetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/bc-dunia/quicfetch/internal/cache"
	"github.com/bc-dunia/quicfetch/internal/dispatch"
	"github.com/bc-dunia/quicfetch/internal/otel"
	"github.com/bc-dunia/quicfetch/internal/protocol"
	"github.com/bc-dunia/quicfetch/internal/retry"
)

// transport abstracts the dispatch layer for tests.
type transport interface {
	Do(ctx context.Context, method string, u *url.URL, header map[string][]string, body []byte) (<-chan protocol.Chunk, func(), error)
	Close()
}

// Client is the engine entry point. Safe for concurrent use; create
// one and share it.
type Client struct {
	cfg       *clientConfig
	transport transport
	cache     *cache.Cache
	breaker   *retry.Breaker
	tracer    *otel.Tracer
	metrics   *otel.Metrics
	logger    *slog.Logger
}

// New builds a client.
func New(opts ...ClientOption) *Client {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	tracer, err := otel.NewTracer(context.Background(), cfg.telemetry)
	if err != nil {
		logger.Warn("telemetry_tracer_disabled", "error", err)
		tracer, _ = otel.NewTracer(context.Background(), nil)
	}
	metrics, err := otel.NewMetrics(context.Background(), cfg.telemetry)
	if err != nil {
		logger.Warn("telemetry_metrics_disabled", "error", err)
		metrics, _ = otel.NewMetrics(context.Background(), nil)
	}

	c := &Client{
		cfg:     cfg,
		cache:   cache.New(cfg.cacheConfig, logger),
		breaker: retry.NewBreaker(cfg.breakerThreshold, cfg.breakerCoolDown),
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
	}
	c.transport = dispatch.New(dispatch.Options{
		HTTP3Enabled: cfg.http3Enabled,
		Timeouts:     cfg.timeouts,
		Pool:         cfg.pool,
		QUIC:         cfg.quic,
		TLS:          cfg.tls,
		Resolver:     cfg.resolver,
		Proxy:        cfg.proxy,
		Logger:       logger,
	})
	return c
}

// CacheStats exposes the response cache counters.
func (c *Client) CacheStats() *cache.Stats { return c.cache.Stats() }

// Close releases pooled connections and flushes telemetry.
func (c *Client) Close() {
	c.transport.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.tracer.Shutdown(ctx)
	_ = c.metrics.Shutdown(ctx)
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	req, err := NewRequest("GET", rawURL)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Post issues a POST request with a body.
func (c *Client) Post(ctx context.Context, rawURL string, body Body) (*Response, error) {
	req, err := NewRequest("POST", rawURL)
	if err != nil {
		return nil, err
	}
	req, err = req.WithBody(body)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Do executes a request: cache lookup, retries under the circuit
// breaker, protocol dispatch, and redirect handling. The response body
// is lazy; nothing past the Headers chunk has necessarily been read
// when Do returns.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	for name, values := range req.header {
		for _, v := range values {
			if !validHeader(name, v) {
				return nil, protocol.NewError(protocol.ErrorTypeBuilder, protocol.CodeInvalidHeader,
					fmt.Sprintf("invalid header %q", name)).WithURL(req.url.String())
			}
		}
	}

	timeout := req.timeout
	if timeout == 0 {
		timeout = c.cfg.timeouts.Request
	}
	// The per-request deadline covers emission to terminal chunk, so
	// the timer is released by the response, not when Do returns.
	ctxCancel := func() {}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		ctxCancel = cancel
	}

	key := cache.NewKey(req.method, req.url.String(), req.header)
	cacheable := req.method == "GET"

	var validators *cache.Entry
	if cacheable {
		if entry := c.cache.Get(key); entry != nil {
			c.metrics.RecordCacheLookup(ctx, true)
			ctxCancel()
			return c.responseFromCache(req, key, entry), nil
		}
		c.metrics.RecordCacheLookup(ctx, false)
		validators = c.cache.Stale(key)
	}

	ctx, span := c.tracer.StartRequest(ctx, req.method, req.url.String(), "")
	exec := retry.NewExecutor(c.cfg.retryPolicy, c.breaker, c.logger)
	maxAttempts := c.cfg.retryPolicy.MaxRetries + 1

	var resp *Response
	err := exec.Execute(ctx, func(ctx context.Context, attempt int) (retry.Verdict, error) {
		if attempt > 1 {
			c.metrics.RecordRetry(ctx)
		}
		r, err := c.attempt(ctx, req, key, validators)
		if err != nil {
			ce := protocol.MapError(err)
			if c.cfg.retryPolicy.RetriableError(ce.RetryClass()) && attempt < maxAttempts {
				return retry.VerdictRetry, ce
			}
			return retry.VerdictFatal, ce
		}
		if c.cfg.retryPolicy.RetriableStatus(r.Status()) && attempt < maxAttempts {
			r.Discard()
			return retry.VerdictRetry, protocol.NewError(protocol.ErrorTypeHTTP, protocol.CodeResponseStatus,
				fmt.Sprintf("retriable status %d", r.Status())).
				WithURL(req.url.String()).WithStatus(r.Status())
		}
		resp = r
		return retry.VerdictSuccess, nil
	})
	if err != nil {
		ctxCancel()
		ce := protocol.MapError(err)
		c.metrics.RecordError(ctx, string(ce.Type))
		c.tracer.EndRequest(span, ce.Status, ce)
		return nil, ce
	}

	c.tracer.EndRequest(span, resp.Status(), nil)
	c.metrics.StreamOpened(ctx)
	resp.onClose = func() {
		ctxCancel()
		c.metrics.StreamClosed(context.Background())
	}

	if c.cfg.errorOnStatus && resp.Status() >= 400 {
		resp.Discard()
		return nil, protocol.NewError(protocol.ErrorTypeHTTP, protocol.CodeResponseStatus,
			fmt.Sprintf("status %d", resp.Status())).
			WithURL(req.url.String()).WithStatus(resp.Status())
	}
	return resp, nil
}

// attempt performs one network attempt including the redirect chain.
func (c *Client) attempt(ctx context.Context, req *Request, key cache.Key, validators *cache.Entry) (*Response, error) {
	method := req.method
	u := req.url
	header := c.buildHeaders(req, validators)
	body := req.body
	hops := 0

	for {
		ch, cancel, err := c.transport.Do(ctx, method, u, header, body)
		if err != nil {
			return nil, err
		}

		var first protocol.Chunk
		select {
		case <-ctx.Done():
			cancel()
			return nil, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				cancel()
				return nil, protocol.NewError(protocol.ErrorTypeHTTP, protocol.CodeIncompleteMessage,
					"stream closed before headers").WithURL(u.String())
			}
			first = chunk
		}

		switch first.Kind {
		case protocol.ChunkError:
			cancel()
			return nil, first.Err
		case protocol.ChunkHeaders:
		default:
			cancel()
			return nil, protocol.NewError(protocol.ErrorTypeProtocol, protocol.CodeProtocolState,
				fmt.Sprintf("%s chunk before headers", first.Kind)).WithURL(u.String())
		}

		if loc := redirectLocation(first); loc != "" && c.cfg.maxRedirects > 0 {
			if hops >= c.cfg.maxRedirects {
				cancel()
				return nil, protocol.NewError(protocol.ErrorTypeHTTP, protocol.CodeResponseStatus,
					fmt.Sprintf("redirect chain exceeded %d hops", c.cfg.maxRedirects)).
					WithURL(u.String()).WithStatus(first.Status)
			}
			next, err := u.Parse(loc)
			if err != nil {
				cancel()
				return nil, protocol.NewError(protocol.ErrorTypeHTTP, protocol.CodeInvalidURL,
					fmt.Sprintf("redirect location %q: %v", loc, err)).WithURL(u.String())
			}
			cancel()

			// 303 (and the historical 301/302 POST behavior) switches
			// to GET and drops the body; 307/308 preserve both.
			if first.Status == 303 || ((first.Status == 301 || first.Status == 302) && method != "GET" && method != "HEAD") {
				method = "GET"
				body = nil
			}
			if crossOrigin(u, next) {
				header = stripSensitive(header)
			}
			u = next
			hops++
			c.logger.Debug("redirect_followed", "status", first.Status, "location", next.String(), "hop", hops)
			continue
		}

		// 304 refreshes the stale entry instead of carrying a body.
		if first.Status == 304 && validators != nil {
			cancel()
			refreshed := c.cache.Revalidate(key, validators, first.Header)
			return c.responseFromCache(req, key, refreshed), nil
		}

		return &Response{
			status:   first.Status,
			header:   first.Header,
			ch:       ch,
			cancel:   cancel,
			client:   c,
			method:   method,
			url:      u.String(),
			cacheKey: key,
		}, nil
	}
}

// buildHeaders assembles the wire headers: request headers plus
// content-type, accept-encoding for the enabled codings, and cache
// validators for revalidation.
func (c *Client) buildHeaders(req *Request, validators *cache.Entry) map[string][]string {
	header := make(map[string][]string, len(req.header)+3)
	for k, v := range req.header {
		header[k] = append([]string(nil), v...)
	}
	if req.contentType != "" && len(header["content-type"]) == 0 {
		header["content-type"] = []string{req.contentType}
	}
	if encodings := c.acceptEncoding(); encodings != "" && len(header["accept-encoding"]) == 0 {
		header["accept-encoding"] = []string{encodings}
	}
	if validators != nil {
		if validators.ETag != "" {
			header["if-none-match"] = []string{validators.ETag}
		}
		if validators.LastModified != "" {
			header["if-modified-since"] = []string{validators.LastModified}
		}
	}
	return header
}

func (c *Client) acceptEncoding() string {
	var parts []string
	if c.cfg.decompression.Gzip {
		parts = append(parts, "gzip")
	}
	if c.cfg.decompression.Deflate {
		parts = append(parts, "deflate")
	}
	if c.cfg.decompression.Brotli {
		parts = append(parts, "br")
	}
	return strings.Join(parts, ", ")
}

// responseFromCache synthesizes a chunk stream from a cache entry.
func (c *Client) responseFromCache(req *Request, key cache.Key, entry *cache.Entry) *Response {
	ch := make(chan protocol.Chunk, 2)
	if len(entry.Body) > 0 {
		ch <- protocol.BodyChunk(0, entry.Body, true)
	}
	ch <- protocol.EndChunk()
	close(ch)
	return &Response{
		status:    entry.Status,
		header:    entry.Header,
		ch:        ch,
		cancel:    func() {},
		client:    c,
		method:    req.method,
		url:       req.url.String(),
		cacheKey:  key,
		fromCache: true,
	}
}

// maybeStore caches a completed GET response.
func (c *Client) maybeStore(resp *Response, body []byte) {
	if resp.fromCache || resp.method != "GET" || resp.status != 200 {
		return
	}
	entry := cache.NewEntry(resp.status, resp.header, body, c.cfg.cacheConfig.DefaultTTL)
	if entry == nil {
		return
	}
	c.cache.Put(resp.cacheKey, entry)
}

func redirectLocation(headers protocol.Chunk) string {
	switch headers.Status {
	case 301, 302, 303, 307, 308:
	default:
		return ""
	}
	for k, v := range headers.Header {
		if strings.EqualFold(k, "location") && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func crossOrigin(from, to *url.URL) bool {
	return !strings.EqualFold(from.Hostname(), to.Hostname()) ||
		from.Scheme != to.Scheme || from.Port() != to.Port()
}

// stripSensitive drops credentials-bearing headers on cross-origin
// redirect hops.
func stripSensitive(header map[string][]string) map[string][]string {
	out := make(map[string][]string, len(header))
	for k, v := range header {
		switch strings.ToLower(k) {
		case "authorization", "cookie", "proxy-authorization":
			continue
		}
		out[k] = v
	}
	return out
}
