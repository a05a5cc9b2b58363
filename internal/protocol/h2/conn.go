// Package h2 implements the HTTP/2 client connection driver: one
// goroutine owns the frame reader, requests multiplex onto odd stream
// ids, and response frames are converted into the chunk model. Header
// compression is HPACK via x/net/http2/hpack.
package h2

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/bc-dunia/quicfetch/internal/protocol"
	"github.com/bc-dunia/quicfetch/internal/tlsconn"
)

const (
	// initialWindowSize is the receive window we advertise per stream.
	initialWindowSize = 1 << 20

	// connWindowSize is the connection-level receive window.
	connWindowSize = 4 << 20

	// defaultPeerWindow is the pre-SETTINGS send window per RFC 7540.
	defaultPeerWindow = 65535

	// maxHeaderTableSize is the HPACK dynamic table size we offer.
	maxHeaderTableSize = 4096

	clientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"
)

// stream is one in-flight request.
type stream struct {
	id     uint32
	ch     chan protocol.Chunk
	offset int64

	mu         sync.Mutex
	sendWindow int64
	sendReady  *sync.Cond
	done       bool
}

func (s *stream) terminate(c protocol.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.ch <- c
	close(s.ch)
}

// Conn is one HTTP/2 connection. Safe for concurrent RoundTrip calls.
type Conn struct {
	transport tlsconn.Stream
	fr        *http2.Framer
	logger    *slog.Logger

	// wmu serializes frame writes and the HPACK encoder state.
	wmu  sync.Mutex
	henc *hpack.Encoder
	hbuf bytes.Buffer

	mu             sync.Mutex
	streams        map[uint32]*stream
	nextStreamID   uint32
	peerInitWindow int64
	peerMaxFrame   uint32
	connSendWindow int64
	connSendReady  *sync.Cond
	goAway         bool
	closed         bool
	lastUsed       time.Time

	chunkDepth int
	onFrame    func(protocol.FrameEvent)
	readerDone chan struct{}
}

// Options tunes a connection.
type Options struct {
	ChunkDepth int
	OnFrame    func(protocol.FrameEvent) // observability hook, may be nil
	Logger     *slog.Logger
}

// New performs the HTTP/2 client connection setup on an established
// stream: preface, SETTINGS (push disabled), and the reader goroutine.
func New(transport tlsconn.Stream, opts Options) (*Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	depth := opts.ChunkDepth
	if depth <= 0 {
		depth = 1024
	}

	c := &Conn{
		transport:      transport,
		fr:             http2.NewFramer(transport, transport),
		logger:         logger,
		streams:        make(map[uint32]*stream),
		nextStreamID:   1,
		peerInitWindow: defaultPeerWindow,
		peerMaxFrame:   16384,
		connSendWindow: defaultPeerWindow,
		chunkDepth:     depth,
		onFrame:        opts.OnFrame,
		readerDone:     make(chan struct{}),
		lastUsed:       time.Now(),
	}
	c.connSendReady = sync.NewCond(&c.mu)
	c.henc = hpack.NewEncoder(&c.hbuf)
	c.fr.ReadMetaHeaders = hpack.NewDecoder(maxHeaderTableSize, nil)

	c.fr.SetMaxReadFrameSize(1 << 20)

	if _, err := io.WriteString(transport, clientPreface); err != nil {
		return nil, fmt.Errorf("h2: write preface: %w", err)
	}
	err := c.fr.WriteSettings(
		http2.Setting{ID: http2.SettingEnablePush, Val: 0},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: initialWindowSize},
		http2.Setting{ID: http2.SettingMaxFrameSize, Val: 1 << 20},
	)
	if err != nil {
		return nil, fmt.Errorf("h2: write settings: %w", err)
	}
	if err := c.fr.WriteWindowUpdate(0, connWindowSize-defaultPeerWindow); err != nil {
		return nil, fmt.Errorf("h2: grow connection window: %w", err)
	}

	go c.readLoop()
	return c, nil
}

// ActiveStreams returns the number of in-flight requests.
func (c *Conn) ActiveStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// IdleSince reports when the connection last carried a request.
func (c *Conn) IdleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// Usable reports whether new streams may be opened.
func (c *Conn) Usable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.goAway
}

// Close tears down the connection and fails in-flight streams.
func (c *Conn) Close() error {
	c.failAll(protocol.NewError(protocol.ErrorTypeConnect, protocol.CodeConnectionClosed, "connection closed"))
	return c.transport.Close()
}

// RoundTrip opens a stream, sends the request, and returns the bounded
// chunk channel plus a cancel function that resets the stream.
func (c *Conn) RoundTrip(ctx context.Context, method, scheme, authority, path string, header map[string][]string, body []byte) (<-chan protocol.Chunk, func(), error) {
	c.mu.Lock()
	if c.closed || c.goAway {
		c.mu.Unlock()
		return nil, nil, protocol.NewError(protocol.ErrorTypeConnect, protocol.CodeConnectionClosed, "connection not usable")
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	st := &stream{
		id:         id,
		ch:         make(chan protocol.Chunk, c.chunkDepth),
		sendWindow: c.peerInitWindow,
	}
	st.sendReady = sync.NewCond(&st.mu)
	c.streams[id] = st
	c.lastUsed = time.Now()
	c.mu.Unlock()

	endStream := len(body) == 0
	if err := c.writeHeaders(id, method, scheme, authority, path, header, endStream); err != nil {
		c.forget(id)
		return nil, nil, protocol.NewError(protocol.ErrorTypeHTTP, protocol.CodeRequestWrite, err.Error()).WithCause(err)
	}

	if !endStream {
		if err := c.writeBody(ctx, st, body); err != nil {
			c.resetStream(id, http2.ErrCodeCancel)
			c.forget(id)
			return nil, nil, protocol.NewError(protocol.ErrorTypeHTTP, protocol.CodeRequestWrite, err.Error()).WithCause(err)
		}
	}

	// Cancellation resets the stream and stops tracking it. No terminal
	// chunk is synthesized: chunk sends stay single-writer from the
	// read loop, and the cancelling consumer has stopped reading.
	cancel := func() {
		c.resetStream(id, http2.ErrCodeCancel)
		c.forget(id)
	}
	return st.ch, cancel, nil
}

// writeHeaders compresses and writes the request field section. The
// HPACK encoder round-trips any header set: pseudo-headers first, then
// regular fields lowercased.
func (c *Conn) writeHeaders(id uint32, method, scheme, authority, path string, header map[string][]string, endStream bool) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.hbuf.Reset()
	writeField := func(name, value string) {
		_ = c.henc.WriteField(hpack.HeaderField{Name: name, Value: value})
	}
	writeField(":method", method)
	writeField(":path", path)
	writeField(":scheme", scheme)
	writeField(":authority", authority)
	for name, values := range header {
		lower := strings.ToLower(name)
		switch lower {
		case "host", "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
			continue
		}
		for _, v := range values {
			writeField(lower, v)
		}
	}

	return c.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: c.hbuf.Bytes(),
		EndHeaders:    true,
		EndStream:     endStream,
	})
}

// writeBody sends DATA frames under connection and stream flow control,
// ending the stream on the final frame.
func (c *Conn) writeBody(ctx context.Context, st *stream, body []byte) error {
	for len(body) > 0 {
		frame := len(body)
		if max := int(c.maxFrameSize()); frame > max {
			frame = max
		}
		granted, err := c.takeSendWindow(ctx, st, frame)
		if err != nil {
			return err
		}
		last := granted == len(body)
		c.wmu.Lock()
		err = c.fr.WriteData(st.id, last, body[:granted])
		c.wmu.Unlock()
		if err != nil {
			return err
		}
		body = body[granted:]
	}
	return nil
}

func (c *Conn) maxFrameSize() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerMaxFrame
}

// takeSendWindow blocks until both the connection and stream windows
// admit at least one byte, returning the number of bytes granted.
func (c *Conn) takeSendWindow(ctx context.Context, st *stream, want int) (int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return 0, fmt.Errorf("h2: connection closed")
		}
		connAvail := c.connSendWindow
		c.mu.Unlock()

		st.mu.Lock()
		avail := st.sendWindow
		st.mu.Unlock()
		if connAvail < avail {
			avail = connAvail
		}

		if avail > 0 {
			granted := want
			if int64(granted) > avail {
				granted = int(avail)
			}
			c.mu.Lock()
			c.connSendWindow -= int64(granted)
			c.mu.Unlock()
			st.mu.Lock()
			st.sendWindow -= int64(granted)
			st.mu.Unlock()
			return granted, nil
		}

		// Wait for a WINDOW_UPDATE. Cond waits are not cancellable, so
		// the wait runs in a goroutine and the context is selected on
		// alongside it.
		waitCh := make(chan struct{})
		go func() {
			c.mu.Lock()
			c.connSendReady.Wait()
			c.mu.Unlock()
			close(waitCh)
		}()
		select {
		case <-ctx.Done():
			c.connSendReady.Broadcast()
			return 0, ctx.Err()
		case <-waitCh:
		}
	}
}

func (c *Conn) resetStream(id uint32, code http2.ErrCode) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.fr.WriteRSTStream(id, code)
}

func (c *Conn) forget(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

func (c *Conn) lookup(id uint32) *stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (c *Conn) emitFrame(ev protocol.FrameEvent) {
	if c.onFrame != nil {
		c.onFrame(ev)
	}
}

// readLoop owns the framer's read side for the connection's lifetime.
func (c *Conn) readLoop() {
	defer close(c.readerDone)
	for {
		frame, err := c.fr.ReadFrame()
		if err != nil {
			c.failAll(protocol.NewError(protocol.ErrorTypeConnect, protocol.CodeConnectionClosed,
				"connection closed mid-stream").WithCause(err))
			return
		}

		switch f := frame.(type) {
		case *http2.MetaHeadersFrame:
			c.handleHeaders(f)
		case *http2.DataFrame:
			c.handleData(f)
		case *http2.SettingsFrame:
			c.handleSettings(f)
		case *http2.PingFrame:
			if !f.IsAck() {
				c.wmu.Lock()
				_ = c.fr.WritePing(true, f.Data)
				c.wmu.Unlock()
			}
		case *http2.WindowUpdateFrame:
			c.handleWindowUpdate(f)
		case *http2.RSTStreamFrame:
			c.emitFrame(protocol.FrameEvent{H2Type: protocol.H2RstStream, StreamID: uint64(f.StreamID)})
			if st := c.lookup(f.StreamID); st != nil {
				c.forget(f.StreamID)
				st.terminate(protocol.ErrorChunk(protocol.NewError(
					protocol.ErrorTypeProtocol, protocol.CodeProtocolState,
					fmt.Sprintf("stream reset by peer: %v", f.ErrCode))))
			}
		case *http2.GoAwayFrame:
			c.handleGoAway(f)
		case *http2.PushPromiseFrame:
			// Push is disabled in our SETTINGS; refuse any promise.
			c.emitFrame(protocol.FrameEvent{H2Type: protocol.H2PushPromise, StreamID: uint64(f.StreamID), PushID: uint64(f.PromiseID)})
			c.resetStream(f.PromiseID, http2.ErrCodeRefusedStream)
		}
	}
}

func (c *Conn) handleHeaders(f *http2.MetaHeadersFrame) {
	st := c.lookup(f.StreamID)
	if st == nil {
		return
	}
	status := 0
	header := make(map[string][]string)
	for _, hf := range f.Fields {
		if hf.Name == ":status" {
			status = parseStatus(hf.Value)
			continue
		}
		if strings.HasPrefix(hf.Name, ":") {
			continue
		}
		header[hf.Name] = append(header[hf.Name], hf.Value)
	}
	c.emitFrame(protocol.FrameEvent{H2Type: protocol.H2Headers, StreamID: uint64(f.StreamID)})

	st.ch <- protocol.HeadersChunk(status, header)
	if f.StreamEnded() {
		c.forget(f.StreamID)
		st.terminate(protocol.EndChunk())
	}
}

func (c *Conn) handleData(f *http2.DataFrame) {
	st := c.lookup(f.StreamID)
	data := f.Data()
	if st == nil {
		// Credit unclaimed data so the peer's window does not leak.
		c.returnCredit(0, len(data))
		return
	}
	if len(data) > 0 {
		buf := make([]byte, len(data))
		copy(buf, data)
		st.ch <- protocol.BodyChunk(st.offset, buf, false)
		st.offset += int64(len(buf))
		c.returnCredit(f.StreamID, len(data))
	}
	c.emitFrame(protocol.FrameEvent{H2Type: protocol.H2Data, StreamID: uint64(f.StreamID)})
	if f.StreamEnded() {
		c.forget(f.StreamID)
		st.terminate(protocol.EndChunk())
	}
}

// returnCredit grants receive window back to the peer after data has
// been handed to the consumer.
func (c *Conn) returnCredit(streamID uint32, n int) {
	if n <= 0 {
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.fr.WriteWindowUpdate(0, uint32(n))
	if streamID != 0 {
		_ = c.fr.WriteWindowUpdate(streamID, uint32(n))
	}
}

func (c *Conn) handleSettings(f *http2.SettingsFrame) {
	if f.IsAck() {
		return
	}
	_ = f.ForeachSetting(func(s http2.Setting) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		switch s.ID {
		case http2.SettingInitialWindowSize:
			delta := int64(s.Val) - c.peerInitWindow
			c.peerInitWindow = int64(s.Val)
			for _, st := range c.streams {
				st.mu.Lock()
				st.sendWindow += delta
				st.mu.Unlock()
				st.sendReady.Broadcast()
			}
			c.connSendReady.Broadcast()
		case http2.SettingMaxFrameSize:
			c.peerMaxFrame = s.Val
		}
		return nil
	})
	// The ACK is written off the read loop so that a peer blocked on
	// writing to us cannot stall frame reading.
	go func() {
		c.wmu.Lock()
		_ = c.fr.WriteSettingsAck()
		c.wmu.Unlock()
	}()
	c.emitFrame(protocol.FrameEvent{H2Type: protocol.H2Settings})
}

func (c *Conn) handleWindowUpdate(f *http2.WindowUpdateFrame) {
	if f.StreamID == 0 {
		c.mu.Lock()
		c.connSendWindow += int64(f.Increment)
		c.mu.Unlock()
		c.connSendReady.Broadcast()
		return
	}
	if st := c.lookup(f.StreamID); st != nil {
		st.mu.Lock()
		st.sendWindow += int64(f.Increment)
		st.mu.Unlock()
		st.sendReady.Broadcast()
		c.connSendReady.Broadcast()
	}
}

func (c *Conn) handleGoAway(f *http2.GoAwayFrame) {
	c.mu.Lock()
	c.goAway = true
	var above []*stream
	for id, st := range c.streams {
		if id > f.LastStreamID {
			above = append(above, st)
			delete(c.streams, id)
		}
	}
	c.mu.Unlock()
	c.emitFrame(protocol.FrameEvent{H2Type: protocol.H2GoAway})
	c.logger.Debug("h2_goaway",
		"last_stream_id", f.LastStreamID,
		"refused_streams", len(above))
	for _, st := range above {
		st.terminate(protocol.ErrorChunk(protocol.NewError(
			protocol.ErrorTypeConnect, protocol.CodeConnectionClosed,
			"stream refused by GOAWAY")))
	}
}

// failAll terminates every in-flight stream with an error chunk.
func (c *Conn) failAll(cerr *protocol.ClientError) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	streams := make([]*stream, 0, len(c.streams))
	for id, st := range c.streams {
		streams = append(streams, st)
		delete(c.streams, id)
	}
	c.mu.Unlock()
	c.connSendReady.Broadcast()

	for _, st := range streams {
		st.terminate(protocol.ErrorChunk(cerr))
	}
}

func parseStatus(s string) int {
	status := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		status = status*10 + int(r-'0')
	}
	return status
}
