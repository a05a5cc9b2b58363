package quicfetch

import "github.com/bc-dunia/quicfetch/internal/protocol"

// Error is the failure value surfaced by the client: a stable type and
// code, a human-readable message, and, when known, the URL and HTTP
// status.
type Error = protocol.ClientError

// ErrorType categories, re-exported for callers matching on failures.
const (
	ErrorTypeBuilder  = protocol.ErrorTypeBuilder
	ErrorTypeDNS      = protocol.ErrorTypeDNS
	ErrorTypeConnect  = protocol.ErrorTypeConnect
	ErrorTypeTLS      = protocol.ErrorTypeTLS
	ErrorTypeTimeout  = protocol.ErrorTypeTimeout
	ErrorTypeHTTP     = protocol.ErrorTypeHTTP
	ErrorTypeProtocol = protocol.ErrorTypeProtocol
	ErrorTypeBody     = protocol.ErrorTypeBody
	ErrorTypeStream   = protocol.ErrorTypeStream
	ErrorTypeCircuit  = protocol.ErrorTypeCircuit
	ErrorTypeCancel   = protocol.ErrorTypeCancel
)
