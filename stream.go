package quicfetch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bc-dunia/quicfetch/internal/protocol"
	"github.com/bc-dunia/quicfetch/jsonpath"
	"github.com/bc-dunia/quicfetch/jsonpath/jsonstream"
)

// Done is returned by ObjectStream.Next when iteration is complete.
var Done = errors.New("quicfetch: no more elements")

// readBlockSize is how much decoded body is fed to the streaming
// matcher per pull.
const readBlockSize = 8 * 1024

// ObjectStream yields typed elements extracted from a streaming
// response body by a JSONPath expression.
//
// Example:
//
//	stream, err := quicfetch.StreamObjects[Item](resp, "$.data[*]")
//	for {
//		item, err := stream.Next()
//		if errors.Is(err, quicfetch.Done) {
//			break
//		}
//		...
//	}
type ObjectStream[T any] struct {
	resp    *Response
	machine *jsonstream.Machine
	body    io.Reader
	pending [][]byte
	block   []byte
	done    bool
	err     error
}

// StreamObjects attaches a JSONPath to a response and returns the typed
// element stream. The expression must be streamable (an array location
// without recursive descent, negative steps, from-end indices or negative
// slice bounds); the Headers chunk has
// already been delivered via resp.
func StreamObjects[T any](resp *Response, path string) (*ObjectStream[T], error) {
	expr, err := jsonpath.Compile(path)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrorTypeBuilder, protocol.CodeInvalidJSONPath,
			err.Error()).WithCause(err)
	}
	return StreamObjectsExpr[T](resp, expr)
}

// StreamObjectsExpr is StreamObjects for a pre-compiled expression.
func StreamObjectsExpr[T any](resp *Response, expr *jsonpath.Expression) (*ObjectStream[T], error) {
	machine, err := jsonstream.New(expr, jsonstream.Options{})
	if err != nil {
		return nil, protocol.NewError(protocol.ErrorTypeBuilder, protocol.CodeInvalidJSONPath,
			err.Error()).WithCause(err)
	}

	raw := &bodyReader{ch: resp.Chunks(), resp: resp, capture: !resp.fromCache}
	var body io.Reader = raw
	encoding := strings.ToLower(strings.TrimSpace(resp.Header("Content-Encoding")))
	if dec, err := resp.client.newBodyDecoder(encoding, raw); err != nil {
		return nil, protocol.NewError(protocol.ErrorTypeBody, protocol.CodeBodyDecode,
			fmt.Sprintf("content-encoding %q: %v", encoding, err)).WithCause(err)
	} else if dec != nil {
		body = dec
	}

	return &ObjectStream[T]{
		resp:    resp,
		machine: machine,
		body:    body,
		block:   make([]byte, readBlockSize),
	}, nil
}

// Next returns the next element, Done at end of stream, or an error.
// Malformed elements are skipped when recoverable; all other errors are
// terminal.
func (s *ObjectStream[T]) Next() (T, error) {
	var zero T
	for {
		if len(s.pending) > 0 {
			frag := s.pending[0]
			s.pending = s.pending[1:]
			var v T
			if err := json.Unmarshal(frag, &v); err != nil {
				return zero, protocol.NewError(protocol.ErrorTypeBody, protocol.CodeBodyDecode,
					fmt.Sprintf("decode element: %v", err)).WithCause(err)
			}
			return v, nil
		}
		if s.err != nil {
			return zero, s.err
		}
		if s.done {
			return zero, Done
		}
		if err := s.pull(); err != nil {
			s.err = err
			return zero, err
		}
	}
}

// pull feeds the next decoded block into the machine and queues any
// completed elements.
func (s *ObjectStream[T]) pull() error {
	n, readErr := s.body.Read(s.block)
	if n > 0 {
		bounds, err := s.machine.Feed(s.block[:n])
		for err != nil {
			var se *jsonstream.StreamError
			if !errors.As(err, &se) || !se.Recoverable {
				return s.streamError(err)
			}
			// Skip the malformed element and continue at the next
			// boundary, rescanning the bytes already buffered.
			s.resp.client.logger.Debug("stream_element_skipped", "error", se.Msg, "offset", se.Offset)
			if rerr := s.machine.Recover(); rerr != nil {
				return s.streamError(rerr)
			}
			var more []jsonstream.ObjectBoundary
			more, err = s.machine.Feed(nil)
			bounds = append(bounds, more...)
		}
		for _, b := range bounds {
			frags, err := s.machine.ExtractElement(s.machine.ElementBytes(b))
			if err != nil {
				return s.streamError(err)
			}
			s.pending = append(s.pending, frags...)
		}
	}
	if readErr == io.EOF {
		if err := s.machine.Finish(); err != nil {
			return s.streamError(err)
		}
		s.done = true
		s.resp.finish()
		return nil
	}
	if readErr != nil {
		s.resp.finish()
		return protocol.MapError(readErr)
	}
	return nil
}

func (s *ObjectStream[T]) streamError(err error) error {
	s.resp.finish()
	var se *jsonstream.StreamError
	if errors.As(err, &se) {
		return protocol.NewError(protocol.ErrorTypeStream, protocol.CodeStreamParse, se.Error()).WithCause(err)
	}
	if errors.Is(err, jsonpath.ErrTimeout) || errors.Is(err, jsonpath.ErrRegexTimeout) {
		return protocol.NewError(protocol.ErrorTypeStream, protocol.CodeStreamTimeout, err.Error()).WithCause(err)
	}
	return protocol.MapError(err)
}

// Close abandons the stream and resets the underlying response.
func (s *ObjectStream[T]) Close() {
	s.done = true
	s.resp.Discard()
}
