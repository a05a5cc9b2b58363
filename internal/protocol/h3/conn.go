package h3

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/qpack"
	"github.com/quic-go/quic-go"

	"github.com/bc-dunia/quicfetch/internal/config"
	"github.com/bc-dunia/quicfetch/internal/protocol"
)

// NextProtoH3 is the ALPN token for HTTP/3.
const NextProtoH3 = "h3"

// Error codes per RFC 9114 §8.1 (the subset a client emits).
const (
	errRequestCancelled quic.StreamErrorCode      = 0x10c
	errConnNoError      quic.ApplicationErrorCode = 0x100
)

// Options tunes a connection.
type Options struct {
	QUIC       config.QUIC
	ChunkDepth int
	OnFrame    func(protocol.FrameEvent)
	Logger     *slog.Logger
}

// Conn is one HTTP/3 connection. Each request opens its own
// bidirectional QUIC stream; the connection owns a control stream and a
// reader for server-initiated unidirectional streams.
type Conn struct {
	qconn      quic.Connection
	opts       Options
	logger     *slog.Logger
	chunkDepth int

	mu       sync.Mutex
	closed   bool
	goAway   bool
	active   int
	lastUsed time.Time
}

// Dial establishes a QUIC connection to addr (host:port) and performs
// the HTTP/3 control-stream setup. tlsConf must offer ALPN "h3"; 0-RTT
// is attempted when the config enables early data.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, opts Options) (*Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ChunkDepth <= 0 {
		opts.ChunkDepth = 1024
	}

	tlsConf = tlsConf.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{NextProtoH3}
	}

	qcfg := &quic.Config{
		MaxIdleTimeout:                 opts.QUIC.MaxIdleTimeout,
		InitialStreamReceiveWindow:     opts.QUIC.StreamReceiveWindow,
		MaxStreamReceiveWindow:         opts.QUIC.StreamReceiveWindow,
		InitialConnectionReceiveWindow: opts.QUIC.ReceiveWindow,
		MaxConnectionReceiveWindow:     opts.QUIC.ReceiveWindow,
		EnableDatagrams:                false,
	}

	var (
		qconn quic.Connection
		err   error
	)
	if opts.QUIC.EarlyData {
		qconn, err = quic.DialAddrEarly(ctx, addr, tlsConf, qcfg)
	} else {
		qconn, err = quic.DialAddr(ctx, addr, tlsConf, qcfg)
	}
	if err != nil {
		return nil, fmt.Errorf("h3: dial %s: %w", addr, err)
	}

	c := &Conn{
		qconn:      qconn,
		opts:       opts,
		logger:     logger,
		chunkDepth: opts.ChunkDepth,
		lastUsed:   time.Now(),
	}
	if err := c.openControlStream(); err != nil {
		_ = qconn.CloseWithError(errConnNoError, "setup failed")
		return nil, err
	}
	go c.acceptUniStreams()
	return c, nil
}

// openControlStream sends the client control stream: stream type then
// SETTINGS.
func (c *Conn) openControlStream() error {
	ctrl, err := c.qconn.OpenUniStream()
	if err != nil {
		return fmt.Errorf("h3: open control stream: %w", err)
	}
	var b []byte
	b = appendVarint(b, streamTypeControl)
	b = appendFrame(b, frameSettings,
		settingsPayload(c.opts.QUIC.MaxFieldSectionSize, c.opts.QUIC.EnableGrease))
	if _, err := ctrl.Write(b); err != nil {
		return fmt.Errorf("h3: write settings: %w", err)
	}
	return nil
}

// acceptUniStreams consumes server-initiated unidirectional streams:
// the control stream (SETTINGS, GOAWAY, CANCEL_PUSH, MAX_PUSH_ID are
// accepted, never answered) and QPACK streams, which are drained since
// the client operates with a zero-capacity dynamic table.
func (c *Conn) acceptUniStreams() {
	for {
		stream, err := c.qconn.AcceptUniStream(context.Background())
		if err != nil {
			c.markClosed()
			return
		}
		go c.readUniStream(stream)
	}
}

func (c *Conn) readUniStream(stream quic.ReceiveStream) {
	br := bufio.NewReader(&receiveStreamReader{stream})
	stype, err := readVarint(br)
	if err != nil {
		return
	}
	switch stype {
	case streamTypeControl:
		c.readControlStream(br)
	case streamTypeQPACKEnc, streamTypeQPACKDec:
		_, _ = io.Copy(io.Discard, br)
	case streamTypePush:
		// Push was never solicited (no MAX_PUSH_ID is emitted).
		stream.CancelRead(errRequestCancelled)
	default:
		// Unknown stream types are discarded per RFC 9114 §9.
		_, _ = io.Copy(io.Discard, br)
	}
}

func (c *Conn) readControlStream(br *bufio.Reader) {
	for {
		fh, err := readFrameHeader(br)
		if err != nil {
			return
		}
		payload := make([]byte, fh.length)
		if _, err := io.ReadFull(br, payload); err != nil {
			return
		}
		switch fh.ftype {
		case frameSettings:
			c.emitFrame(protocol.FrameEvent{H3: true, H3Type: protocol.H3Settings, Payload: payload})
		case frameGoAway:
			c.mu.Lock()
			c.goAway = true
			c.mu.Unlock()
			c.emitFrame(protocol.FrameEvent{H3: true, H3Type: protocol.H3GoAway})
			c.logger.Debug("h3_goaway")
		case frameCancelPush:
			c.emitFrame(protocol.FrameEvent{H3: true, H3Type: protocol.H3CancelPush, Payload: payload})
		case frameMaxPushID:
			c.emitFrame(protocol.FrameEvent{H3: true, H3Type: protocol.H3MaxPushID, Payload: payload})
		}
	}
}

func (c *Conn) emitFrame(ev protocol.FrameEvent) {
	if c.opts.OnFrame != nil {
		c.opts.OnFrame(ev)
	}
}

func (c *Conn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Usable reports whether new requests may be issued.
func (c *Conn) Usable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.goAway
}

// ActiveStreams returns the number of in-flight requests.
func (c *Conn) ActiveStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// IdleSince reports when the connection last carried a request.
func (c *Conn) IdleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// Close tears down the QUIC connection.
func (c *Conn) Close() error {
	c.markClosed()
	return c.qconn.CloseWithError(errConnNoError, "")
}

// RoundTrip opens a request stream, writes the QPACK-encoded HEADERS
// and the body, and streams response chunks into a bounded channel.
func (c *Conn) RoundTrip(ctx context.Context, method, scheme, authority, path string, header map[string][]string, body []byte) (<-chan protocol.Chunk, func(), error) {
	c.mu.Lock()
	if c.closed || c.goAway {
		c.mu.Unlock()
		return nil, nil, protocol.NewError(protocol.ErrorTypeConnect, protocol.CodeConnectionClosed, "connection not usable")
	}
	c.active++
	c.lastUsed = time.Now()
	c.mu.Unlock()

	stream, err := c.qconn.OpenStreamSync(ctx)
	if err != nil {
		c.decActive()
		return nil, nil, protocol.NewError(protocol.ErrorTypeConnect, protocol.CodeConnectFailed,
			fmt.Sprintf("open stream: %v", err)).WithCause(err)
	}

	if err := c.writeRequest(stream, method, scheme, authority, path, header, body); err != nil {
		stream.CancelWrite(errRequestCancelled)
		stream.CancelRead(errRequestCancelled)
		c.decActive()
		return nil, nil, protocol.NewError(protocol.ErrorTypeHTTP, protocol.CodeRequestWrite, err.Error()).WithCause(err)
	}

	ch := make(chan protocol.Chunk, c.chunkDepth)
	go c.readResponse(stream, ch)

	cancel := func() {
		stream.CancelRead(errRequestCancelled)
		stream.CancelWrite(errRequestCancelled)
	}
	return ch, cancel, nil
}

func (c *Conn) decActive() {
	c.mu.Lock()
	c.active--
	c.mu.Unlock()
}

// writeRequest emits the HEADERS frame and the body as DATA frames,
// then closes the write side (the H3 equivalent of END_STREAM).
func (c *Conn) writeRequest(stream quic.Stream, method, scheme, authority, path string, header map[string][]string, body []byte) error {
	var fieldSection bytes.Buffer
	enc := qpack.NewEncoder(&fieldSection)
	writeField := func(name, value string) error {
		return enc.WriteField(qpack.HeaderField{Name: name, Value: value})
	}
	// The encoder emits the required-insert-count and base prefix
	// (both zero for static-only encoding) before the first field.
	if err := writeField(":method", method); err != nil {
		return err
	}
	if err := writeField(":path", path); err != nil {
		return err
	}
	if err := writeField(":scheme", scheme); err != nil {
		return err
	}
	if err := writeField(":authority", authority); err != nil {
		return err
	}
	for name, values := range header {
		lower := strings.ToLower(name)
		switch lower {
		case "host", "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
			continue
		}
		for _, v := range values {
			if err := writeField(lower, v); err != nil {
				return err
			}
		}
	}

	var out []byte
	out = appendFrame(out, frameHeaders, fieldSection.Bytes())
	if len(body) > 0 {
		out = appendFrame(out, frameData, body)
	}
	if _, err := stream.Write(out); err != nil {
		return err
	}
	return stream.Close()
}

// readResponse decodes response frames into chunks. Exactly one
// terminal chunk is emitted.
func (c *Conn) readResponse(stream quic.Stream, ch chan protocol.Chunk) {
	defer c.decActive()
	defer close(ch)

	br := bufio.NewReader(&receiveStreamReader{stream})
	headersSeen := false
	var offset int64

	fail := func(cerr *protocol.ClientError) {
		ch <- protocol.ErrorChunk(cerr)
	}

	for {
		fh, err := readFrameHeader(br)
		if err == io.EOF {
			if !headersSeen {
				fail(protocol.NewError(protocol.ErrorTypeHTTP, protocol.CodeIncompleteMessage,
					"stream ended before headers"))
				return
			}
			ch <- protocol.EndChunk()
			return
		}
		if err != nil {
			fail(protocol.NewError(protocol.ErrorTypeProtocol, protocol.CodeProtocolDecode,
				fmt.Sprintf("frame header: %v", err)).WithCause(err))
			return
		}

		payload := make([]byte, fh.length)
		if _, err := io.ReadFull(br, payload); err != nil {
			fail(protocol.NewError(protocol.ErrorTypeHTTP, protocol.CodeIncompleteMessage,
				"connection closed mid-frame").WithCause(err))
			return
		}

		switch fh.ftype {
		case frameHeaders:
			if headersSeen {
				// Trailers; surfaced as a frame event, not chunks.
				c.emitFrame(protocol.FrameEvent{H3: true, H3Type: protocol.H3Headers, Payload: payload})
				continue
			}
			status, header, err := decodeFieldSection(payload)
			if err != nil {
				fail(protocol.NewError(protocol.ErrorTypeProtocol, protocol.CodeProtocolDecode,
					fmt.Sprintf("qpack: %v", err)).WithCause(err))
				return
			}
			headersSeen = true
			c.emitFrame(protocol.FrameEvent{H3: true, H3Type: protocol.H3Headers})
			ch <- protocol.HeadersChunk(status, header)
		case frameData:
			if !headersSeen {
				fail(protocol.NewError(protocol.ErrorTypeProtocol, protocol.CodeProtocolState,
					"DATA before HEADERS"))
				return
			}
			c.emitFrame(protocol.FrameEvent{H3: true, H3Type: protocol.H3Data})
			ch <- protocol.BodyChunk(offset, payload, false)
			offset += int64(len(payload))
		case framePushPromise:
			c.emitFrame(protocol.FrameEvent{H3: true, H3Type: protocol.H3PushPromise, Payload: payload})
		default:
			// Unknown frame types are ignored per RFC 9114 §9.
		}
	}
}

// decodeFieldSection decodes a QPACK field section into status and
// headers.
func decodeFieldSection(payload []byte) (int, map[string][]string, error) {
	status := 0
	header := make(map[string][]string)
	dec := qpack.NewDecoder(func(hf qpack.HeaderField) {
		if hf.Name == ":status" {
			for _, r := range hf.Value {
				if r < '0' || r > '9' {
					return
				}
				status = status*10 + int(r-'0')
			}
			return
		}
		if strings.HasPrefix(hf.Name, ":") {
			return
		}
		header[hf.Name] = append(header[hf.Name], hf.Value)
	})
	if _, err := dec.Write(payload); err != nil {
		return 0, nil, err
	}
	return status, header, nil
}

// receiveStreamReader adapts a QUIC receive stream to io.Reader for
// buffered decoding.
type receiveStreamReader struct {
	s quic.ReceiveStream
}

func (r *receiveStreamReader) Read(p []byte) (int, error) {
	return r.s.Read(p)
}
