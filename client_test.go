package quicfetch

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/bc-dunia/quicfetch/internal/cache"
	"github.com/bc-dunia/quicfetch/internal/protocol"
	"github.com/bc-dunia/quicfetch/internal/retry"
)

// stubCall records one request the stub transport received.
type stubCall struct {
	Method string
	URL    string
	Header map[string][]string
	Body   []byte
}

// stubTransport scripts chunk streams per call, in order.
type stubTransport struct {
	mu      sync.Mutex
	scripts []func(call stubCall) ([]protocol.Chunk, error)
	calls   []stubCall
}

func (s *stubTransport) Do(ctx context.Context, method string, u *url.URL, header map[string][]string, body []byte) (<-chan protocol.Chunk, func(), error) {
	s.mu.Lock()
	call := stubCall{Method: method, URL: u.String(), Header: header, Body: body}
	s.calls = append(s.calls, call)
	idx := len(s.calls) - 1
	script := s.scripts[len(s.scripts)-1]
	if idx < len(s.scripts) {
		script = s.scripts[idx]
	}
	s.mu.Unlock()

	chunks, err := script(call)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan protocol.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, func() {}, nil
}

func (s *stubTransport) Close() {}

func (s *stubTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func okResponse(header map[string][]string, body string) func(stubCall) ([]protocol.Chunk, error) {
	return func(stubCall) ([]protocol.Chunk, error) {
		return []protocol.Chunk{
			protocol.HeadersChunk(200, header),
			protocol.BodyChunk(0, []byte(body), false),
			protocol.EndChunk(),
		}, nil
	}
}

func newTestClient(stub *stubTransport, opts ...ClientOption) *Client {
	opts = append([]ClientOption{WithCache(cache.NoCacheConfig())}, opts...)
	c := New(opts...)
	c.transport.Close()
	c.transport = stub
	return c
}

func TestDoDeliversBody(t *testing.T) {
	stub := &stubTransport{scripts: []func(stubCall) ([]protocol.Chunk, error){
		okResponse(map[string][]string{"content-type": {"text/plain"}}, "hello world"),
	}}
	c := newTestClient(stub)
	defer c.Close()

	resp, err := c.Get(context.Background(), "https://example.com/greeting")
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status())
	require.Equal(t, "text/plain", resp.Header("Content-Type"))

	text, err := resp.Text()
	require.NoError(t, err)
	require.Equal(t, "hello world", text)
}

func TestBodyConsumedOnce(t *testing.T) {
	stub := &stubTransport{scripts: []func(stubCall) ([]protocol.Chunk, error){
		okResponse(nil, "once"),
	}}
	c := newTestClient(stub)
	defer c.Close()

	resp, err := c.Get(context.Background(), "https://example.com/x")
	require.NoError(t, err)
	_, err = resp.Bytes()
	require.NoError(t, err)

	// The second claim yields a single Error chunk.
	var second []protocol.Chunk
	for chunk := range resp.Chunks() {
		second = append(second, chunk)
	}
	require.Len(t, second, 1)
	require.Equal(t, protocol.ChunkError, second[0].Kind)
	require.Equal(t, protocol.CodeBodyConsumed, second[0].Err.Code)
}

func TestCacheHitServesStoredResponse(t *testing.T) {
	stub := &stubTransport{scripts: []func(stubCall) ([]protocol.Chunk, error){
		okResponse(map[string][]string{"Cache-Control": {"max-age=60"}}, "cached payload"),
	}}
	c := newTestClient(stub, WithCache(cache.DefaultConfig()))
	defer c.Close()

	resp, err := c.Get(context.Background(), "https://example.com/data")
	require.NoError(t, err)
	body, err := resp.Bytes()
	require.NoError(t, err)
	require.Equal(t, "cached payload", string(body))

	resp2, err := c.Get(context.Background(), "https://example.com/data")
	require.NoError(t, err)
	require.True(t, resp2.FromCache())
	body2, err := resp2.Bytes()
	require.NoError(t, err)
	require.Equal(t, "cached payload", string(body2))

	require.Equal(t, 1, stub.callCount(), "second request must not hit the network")
	require.Equal(t, uint64(1), c.CacheStats().Hits())
}

func TestNoStoreResponsesNotCached(t *testing.T) {
	script := okResponse(map[string][]string{"Cache-Control": {"no-store"}}, "secret")
	stub := &stubTransport{scripts: []func(stubCall) ([]protocol.Chunk, error){script, script}}
	c := newTestClient(stub, WithCache(cache.DefaultConfig()))
	defer c.Close()

	for i := 0; i < 2; i++ {
		resp, err := c.Get(context.Background(), "https://example.com/secret")
		require.NoError(t, err)
		_, err = resp.Bytes()
		require.NoError(t, err)
	}
	require.Equal(t, 2, stub.callCount())
}

func TestRetryOnRetriableStatus(t *testing.T) {
	fail := func(stubCall) ([]protocol.Chunk, error) {
		return []protocol.Chunk{
			protocol.HeadersChunk(503, nil),
			protocol.EndChunk(),
		}, nil
	}
	stub := &stubTransport{scripts: []func(stubCall) ([]protocol.Chunk, error){
		fail, fail, okResponse(nil, "recovered"),
	}}

	policy := retry.DefaultPolicy()
	policy.BaseDelay = time.Millisecond
	policy.JitterFactor = 0
	c := newTestClient(stub, WithRetryPolicy(policy))
	defer c.Close()

	resp, err := c.Get(context.Background(), "https://example.com/flaky")
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status())
	require.Equal(t, 3, stub.callCount())

	body, err := resp.Bytes()
	require.NoError(t, err)
	require.Equal(t, "recovered", string(body))
}

func TestRetryBudgetDeliversLastResponse(t *testing.T) {
	fail := func(stubCall) ([]protocol.Chunk, error) {
		return []protocol.Chunk{protocol.HeadersChunk(503, nil), protocol.EndChunk()}, nil
	}
	stub := &stubTransport{scripts: []func(stubCall) ([]protocol.Chunk, error){fail}}

	policy := retry.DefaultPolicy()
	policy.MaxRetries = 2
	policy.BaseDelay = time.Millisecond
	policy.JitterFactor = 0
	c := newTestClient(stub, WithRetryPolicy(policy))
	defer c.Close()

	resp, err := c.Get(context.Background(), "https://example.com/down")
	require.NoError(t, err, "the final retriable response is delivered, not swallowed")
	require.Equal(t, 503, resp.Status())
	require.Equal(t, 3, stub.callCount())
}

func TestCircuitBreakerRefusesAfterFailures(t *testing.T) {
	boom := func(stubCall) ([]protocol.Chunk, error) {
		return nil, errors.New("dial tcp: connection refused")
	}
	stub := &stubTransport{scripts: []func(stubCall) ([]protocol.Chunk, error){boom}}

	policy := retry.DefaultPolicy()
	policy.MaxRetries = 0
	c := newTestClient(stub, WithRetryPolicy(policy), WithCircuitBreaker(2, time.Minute))
	defer c.Close()

	_, err := c.Get(context.Background(), "https://example.com/a")
	require.Error(t, err)
	_, err = c.Get(context.Background(), "https://example.com/a")
	require.Error(t, err)

	before := stub.callCount()
	_, err = c.Get(context.Background(), "https://example.com/a")
	require.Error(t, err)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	require.Equal(t, ErrorTypeCircuit, ce.Type)
	require.Equal(t, before, stub.callCount(), "open circuit must not invoke the transport")
}

func TestRedirectFollowedAndSensitiveHeadersStripped(t *testing.T) {
	redirect := func(stubCall) ([]protocol.Chunk, error) {
		return []protocol.Chunk{
			protocol.HeadersChunk(302, map[string][]string{"Location": {"https://other.example/landing"}}),
			protocol.EndChunk(),
		}, nil
	}
	stub := &stubTransport{scripts: []func(stubCall) ([]protocol.Chunk, error){
		redirect, okResponse(nil, "landed"),
	}}
	c := newTestClient(stub)
	defer c.Close()

	req, err := NewRequest("GET", "https://example.com/start")
	require.NoError(t, err)
	req = req.WithBearerAuth("secret-token").WithHeader("X-Keep", "yes")

	resp, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status())
	require.Equal(t, "https://other.example/landing", resp.URL())

	require.Equal(t, 2, stub.callCount())
	first, second := stub.calls[0], stub.calls[1]
	require.NotEmpty(t, first.Header["Authorization"])
	require.Empty(t, second.Header["Authorization"], "authorization must not cross origins")
	require.Equal(t, []string{"yes"}, second.Header["X-Keep"])
}

func TestRedirectChainCapped(t *testing.T) {
	loop := func(call stubCall) ([]protocol.Chunk, error) {
		return []protocol.Chunk{
			protocol.HeadersChunk(302, map[string][]string{"Location": {call.URL + "/again"}}),
			protocol.EndChunk(),
		}, nil
	}
	stub := &stubTransport{scripts: []func(stubCall) ([]protocol.Chunk, error){loop}}
	c := newTestClient(stub, WithMaxRedirects(3))
	defer c.Close()

	_, err := c.Get(context.Background(), "https://example.com/loop")
	require.Error(t, err)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	require.Contains(t, ce.Message, "redirect chain")
}

func TestErrorOnStatus(t *testing.T) {
	stub := &stubTransport{scripts: []func(stubCall) ([]protocol.Chunk, error){
		func(stubCall) ([]protocol.Chunk, error) {
			return []protocol.Chunk{protocol.HeadersChunk(404, nil), protocol.EndChunk()}, nil
		},
	}}
	c := newTestClient(stub, WithErrorOnStatus(true))
	defer c.Close()

	_, err := c.Get(context.Background(), "https://example.com/missing")
	require.Error(t, err)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	require.Equal(t, 404, ce.Status)
}

func TestGzipDecompression(t *testing.T) {
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	_, err := zw.Write([]byte(`{"msg":"squeezed"}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	stub := &stubTransport{scripts: []func(stubCall) ([]protocol.Chunk, error){
		okResponse(map[string][]string{"Content-Encoding": {"gzip"}}, compressed.String()),
	}}
	c := newTestClient(stub)
	defer c.Close()

	resp, err := c.Get(context.Background(), "https://example.com/zipped")
	require.NoError(t, err)

	var decoded struct {
		Msg string `json:"msg"`
	}
	require.NoError(t, resp.JSON(&decoded))
	require.Equal(t, "squeezed", decoded.Msg)

	// The client advertises only the codings it can decode.
	require.Contains(t, stub.calls[0].Header["accept-encoding"][0], "gzip")
}

func TestStreamObjectsRootArray(t *testing.T) {
	// Scenario: three elements emitted in order, then Done.
	stub := &stubTransport{scripts: []func(stubCall) ([]protocol.Chunk, error){
		okResponse(nil, `[{"id":1},{"id":2},{"id":3}]`),
	}}
	c := newTestClient(stub)
	defer c.Close()

	resp, err := c.Get(context.Background(), "https://example.com/items")
	require.NoError(t, err)

	type item struct {
		ID int `json:"id"`
	}
	stream, err := StreamObjects[item](resp, "$[*]")
	require.NoError(t, err)

	var ids []int
	for {
		it, err := stream.Next()
		if errors.Is(err, Done) {
			break
		}
		require.NoError(t, err)
		ids = append(ids, it.ID)
	}
	require.Equal(t, []int{1, 2, 3}, ids)
}

func TestStreamObjectsChunkedDelivery(t *testing.T) {
	// Scenario: the document arrives in three pieces; bytes before the
	// target array are never surfaced as elements.
	stub := &stubTransport{scripts: []func(stubCall) ([]protocol.Chunk, error){
		func(stubCall) ([]protocol.Chunk, error) {
			return []protocol.Chunk{
				protocol.HeadersChunk(200, nil),
				protocol.BodyChunk(0, []byte(`{"data":[`), false),
				protocol.BodyChunk(9, []byte(`{"k":"a"},{"k":"b"}`), false),
				protocol.BodyChunk(28, []byte(`]}`), false),
				protocol.EndChunk(),
			}, nil
		},
	}}
	c := newTestClient(stub)
	defer c.Close()

	resp, err := c.Get(context.Background(), "https://example.com/wrapped")
	require.NoError(t, err)

	type kv struct {
		K string `json:"k"`
	}
	stream, err := StreamObjects[kv](resp, "$.data[*]")
	require.NoError(t, err)

	var got []string
	for {
		v, err := stream.Next()
		if errors.Is(err, Done) {
			break
		}
		require.NoError(t, err)
		got = append(got, v.K)
	}
	require.Equal(t, []string{"a", "b"}, got)
}

func TestStreamObjectsFilter(t *testing.T) {
	// Scenario: missing and null properties are not truthy.
	stub := &stubTransport{scripts: []func(stubCall) ([]protocol.Chunk, error){
		okResponse(nil, `{"items":[{"p":1},{"q":2},{"p":null}]}`),
	}}
	c := newTestClient(stub)
	defer c.Close()

	resp, err := c.Get(context.Background(), "https://example.com/filtered")
	require.NoError(t, err)

	stream, err := StreamObjects[map[string]any](resp, "$.items[?@.p]")
	require.NoError(t, err)

	var got []map[string]any
	for {
		v, err := stream.Next()
		if errors.Is(err, Done) {
			break
		}
		require.NoError(t, err)
		got = append(got, v)
	}
	require.Len(t, got, 1)
	require.Equal(t, float64(1), got[0]["p"])
}

func TestInvalidJSONPathRejected(t *testing.T) {
	stub := &stubTransport{scripts: []func(stubCall) ([]protocol.Chunk, error){
		okResponse(nil, `[]`),
	}}
	c := newTestClient(stub)
	defer c.Close()

	resp, err := c.Get(context.Background(), "https://example.com/items")
	require.NoError(t, err)

	_, err = StreamObjects[any](resp, "$[?@.a = 1]")
	require.Error(t, err)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	require.Equal(t, protocol.CodeInvalidJSONPath, ce.Code)
}

func TestBuilderErrors(t *testing.T) {
	_, err := NewRequest("GET", "ftp://example.com/x")
	require.Error(t, err)

	_, err = NewRequest("GET", "https://")
	require.Error(t, err)

	stub := &stubTransport{scripts: []func(stubCall) ([]protocol.Chunk, error){okResponse(nil, "")}}
	c := newTestClient(stub)
	defer c.Close()

	req, err := NewRequest("GET", "https://example.com/")
	require.NoError(t, err)
	req = req.WithHeader("Bad\nName", "v")
	_, err = c.Do(context.Background(), req)
	require.Error(t, err)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	require.Equal(t, protocol.CodeInvalidHeader, ce.Code)
}

func TestAuthHelpers(t *testing.T) {
	require.Equal(t, "Basic dXNlcjpwYXNz", BasicAuth("user", "pass"))
	require.Equal(t, "Bearer tok", BearerAuth("tok"))

	req, err := NewRequest("GET", "https://example.com/")
	require.NoError(t, err)
	withKey := req.WithAPIKey("k123")
	require.Equal(t, []string{"k123"}, withKey.Header(APIKeyHeader))
	require.Empty(t, req.Header(APIKeyHeader), "requests are immutable")
}

func TestRevalidationWith304(t *testing.T) {
	etagged := okResponse(map[string][]string{
		"Cache-Control": {"max-age=0"},
		"Etag":          {`"v1"`},
	}, "validated body")
	notModified := func(call stubCall) ([]protocol.Chunk, error) {
		return []protocol.Chunk{
			protocol.HeadersChunk(304, map[string][]string{"Cache-Control": {"max-age=60"}}),
			protocol.EndChunk(),
		}, nil
	}
	stub := &stubTransport{scripts: []func(stubCall) ([]protocol.Chunk, error){etagged, notModified}}
	c := newTestClient(stub, WithCache(cache.DefaultConfig()))
	defer c.Close()

	resp, err := c.Get(context.Background(), "https://example.com/doc")
	require.NoError(t, err)
	_, err = resp.Bytes()
	require.NoError(t, err)

	// The entry expired immediately (max-age=0); the next request must
	// revalidate with If-None-Match and serve the stored body on 304.
	resp2, err := c.Get(context.Background(), "https://example.com/doc")
	require.NoError(t, err)
	body, err := resp2.Bytes()
	require.NoError(t, err)
	require.Equal(t, "validated body", string(body))

	require.Equal(t, 2, stub.callCount())
	require.Equal(t, []string{`"v1"`}, stub.calls[1].Header["if-none-match"])
	require.Equal(t, uint64(1), c.CacheStats().Validations())
}
