package protocol

// H2FrameType enumerates HTTP/2 frame types per RFC 7540 §6.
type H2FrameType uint8

const (
	H2Data         H2FrameType = 0x0
	H2Headers      H2FrameType = 0x1
	H2Priority     H2FrameType = 0x2
	H2RstStream    H2FrameType = 0x3
	H2Settings     H2FrameType = 0x4
	H2PushPromise  H2FrameType = 0x5
	H2Ping         H2FrameType = 0x6
	H2GoAway       H2FrameType = 0x7
	H2WindowUpdate H2FrameType = 0x8
	H2Continuation H2FrameType = 0x9
)

// H3FrameType enumerates HTTP/3 frame types per RFC 9114 §7.2, plus a
// synthetic connection-close marker.
type H3FrameType uint64

const (
	H3Data        H3FrameType = 0x0
	H3Headers     H3FrameType = 0x1
	H3CancelPush  H3FrameType = 0x3
	H3Settings    H3FrameType = 0x4
	H3PushPromise H3FrameType = 0x5
	H3GoAway      H3FrameType = 0x7
	H3MaxPushID   H3FrameType = 0xd

	// H3ConnectionClose is not a wire frame; it marks the peer closing
	// the QUIC connection inside the event stream.
	H3ConnectionClose H3FrameType = 0x1f
)

// FrameEvent is the version-tagged union surfaced by the connection
// drivers for observability and tests. Decode failures travel inside
// the stream as events carrying Err rather than tearing down the
// reader.
type FrameEvent struct {
	H3       bool
	H2Type   H2FrameType
	H3Type   H3FrameType
	StreamID uint64
	PushID   uint64
	Payload  []byte
	Err      *ClientError
}
