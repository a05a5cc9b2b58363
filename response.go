package quicfetch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/bc-dunia/quicfetch/internal/cache"
	"github.com/bc-dunia/quicfetch/internal/protocol"
)

// Chunk is one element of a response body stream.
type Chunk = protocol.Chunk

// Chunk kinds, re-exported for consumers of Response.Chunks.
const (
	ChunkHeaders = protocol.ChunkHeaders
	ChunkBody    = protocol.ChunkBody
	ChunkEnd     = protocol.ChunkEnd
	ChunkError   = protocol.ChunkError
)

// Response is a lazily-consumed response. The Headers chunk has been
// read by the time a Response exists; body chunks flow on demand and
// are consumed exactly once.
type Response struct {
	status int
	header map[string][]string

	ch     <-chan protocol.Chunk
	cancel func()

	client    *Client
	method    string
	url       string
	cacheKey  cache.Key
	fromCache bool

	consumed atomic.Bool
	closed   atomic.Bool
	onClose  func()
}

// Status returns the HTTP status code.
func (r *Response) Status() int { return r.status }

// Headers returns the response header map.
func (r *Response) Headers() map[string][]string { return r.header }

// Header returns the first value for a name, case-insensitively.
func (r *Response) Header(name string) string {
	for k, v := range r.header {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// FromCache reports whether the response was served from the cache.
func (r *Response) FromCache() bool { return r.fromCache }

// URL returns the final request URL after redirects.
func (r *Response) URL() string { return r.url }

// Chunks returns the raw body chunk stream: zero or more offset-ordered
// Body chunks and exactly one terminal End or Error. The stream can be
// claimed once; a second claim yields a single Error chunk.
func (r *Response) Chunks() <-chan Chunk {
	if !r.consumed.CompareAndSwap(false, true) {
		ch := make(chan Chunk, 1)
		ch <- protocol.ErrorChunk(protocol.NewError(
			protocol.ErrorTypeBody, protocol.CodeBodyConsumed,
			"response body already consumed").WithURL(r.url))
		close(ch)
		return ch
	}
	return r.ch
}

// Discard cancels the stream and releases the underlying resources
// without reading the body.
func (r *Response) Discard() {
	r.consumed.Store(true)
	r.cancel()
	r.finish()
}

func (r *Response) finish() {
	if r.closed.CompareAndSwap(false, true) && r.onClose != nil {
		r.onClose()
	}
}

// Bytes reads the remaining body to completion, applying content
// decoding, and populates the cache for cacheable responses.
func (r *Response) Bytes() ([]byte, error) {
	defer r.finish()

	var raw []byte
	for chunk := range r.Chunks() {
		switch chunk.Kind {
		case protocol.ChunkBody:
			if int64(len(raw)) != chunk.Offset {
				return nil, protocol.NewError(protocol.ErrorTypeBody, protocol.CodeBodyDecode,
					fmt.Sprintf("body gap at offset %d", chunk.Offset)).WithURL(r.url)
			}
			raw = append(raw, chunk.Data...)
		case protocol.ChunkEnd:
			r.client.maybeStore(r, raw)
			return r.decode(raw)
		case protocol.ChunkError:
			return nil, chunk.Err
		}
	}
	return nil, protocol.NewError(protocol.ErrorTypeHTTP, protocol.CodeIncompleteMessage,
		"stream ended without a terminal chunk").WithURL(r.url)
}

// Text reads the body as a string.
func (r *Response) Text() (string, error) {
	b, err := r.Bytes()
	return string(b), err
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	b, err := r.Bytes()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return protocol.NewError(protocol.ErrorTypeBody, protocol.CodeBodyDecode,
			fmt.Sprintf("decode json: %v", err)).WithURL(r.url).WithCause(err)
	}
	return nil
}

// decode applies the response's content coding when enabled.
func (r *Response) decode(raw []byte) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(r.Header("Content-Encoding")))
	reader, err := r.client.newBodyDecoder(encoding, bytes.NewReader(raw))
	if err != nil {
		return nil, protocol.NewError(protocol.ErrorTypeBody, protocol.CodeBodyDecode,
			fmt.Sprintf("content-encoding %q: %v", encoding, err)).WithURL(r.url).WithCause(err)
	}
	if reader == nil {
		return raw, nil
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrorTypeBody, protocol.CodeBodyDecode,
			fmt.Sprintf("decompress %q: %v", encoding, err)).WithURL(r.url).WithCause(err)
	}
	return decoded, nil
}

// bodyReader adapts the chunk stream to io.Reader for the streaming
// deserializer, preserving offset ordering checks.
type bodyReader struct {
	ch      <-chan protocol.Chunk
	buf     []byte
	offset  int64
	err     error
	done    bool
	resp    *Response
	rawSeen []byte
	capture bool
}

func (br *bodyReader) Read(p []byte) (int, error) {
	for len(br.buf) == 0 {
		if br.err != nil {
			return 0, br.err
		}
		if br.done {
			return 0, io.EOF
		}
		chunk, ok := <-br.ch
		if !ok {
			br.done = true
			return 0, io.EOF
		}
		switch chunk.Kind {
		case protocol.ChunkBody:
			if chunk.Offset != br.offset {
				br.err = protocol.NewError(protocol.ErrorTypeBody, protocol.CodeBodyDecode,
					fmt.Sprintf("body gap at offset %d", chunk.Offset))
				return 0, br.err
			}
			br.offset += int64(len(chunk.Data))
			br.buf = chunk.Data
			if br.capture {
				br.rawSeen = append(br.rawSeen, chunk.Data...)
			}
		case protocol.ChunkEnd:
			br.done = true
			if br.capture && br.resp != nil {
				br.resp.client.maybeStore(br.resp, br.rawSeen)
			}
		case protocol.ChunkError:
			br.err = chunk.Err
		}
	}
	n := copy(p, br.buf)
	br.buf = br.buf[n:]
	return n, nil
}
