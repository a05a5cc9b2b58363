package protocol

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/bc-dunia/quicfetch/internal/dnsx"
	"github.com/bc-dunia/quicfetch/internal/retry"
)

// ErrorType is the stable failure category of a request.
type ErrorType string

const (
	ErrorTypeBuilder  ErrorType = "builder_error"
	ErrorTypeDNS      ErrorType = "dns_error"
	ErrorTypeConnect  ErrorType = "connect_error"
	ErrorTypeTLS      ErrorType = "tls_error"
	ErrorTypeTimeout  ErrorType = "timeout"
	ErrorTypeHTTP     ErrorType = "http_error"
	ErrorTypeProtocol ErrorType = "protocol_error"
	ErrorTypeBody     ErrorType = "body_error"
	ErrorTypeStream   ErrorType = "stream_error"
	ErrorTypeCircuit  ErrorType = "circuit_open"
	ErrorTypeCancel   ErrorType = "cancelled"
)

// ErrorCode narrows an ErrorType to a specific condition.
type ErrorCode string

const (
	CodeInvalidURL        ErrorCode = "INVALID_URL"
	CodeInvalidScheme     ErrorCode = "INVALID_SCHEME"
	CodeInvalidHeader     ErrorCode = "INVALID_HEADER"
	CodeInvalidJSONPath   ErrorCode = "INVALID_JSONPATH"
	CodeInvalidConfig     ErrorCode = "INVALID_CONFIG"
	CodeDNSLookupFailed   ErrorCode = "DNS_LOOKUP_FAILED"
	CodeDNSTimeout        ErrorCode = "DNS_TIMEOUT"
	CodeDNSEmpty          ErrorCode = "DNS_EMPTY_RESULT"
	CodeDNSRateLimited    ErrorCode = "DNS_RATE_LIMITED"
	CodeConnectFailed     ErrorCode = "CONNECT_FAILED"
	CodeConnectTimeout    ErrorCode = "CONNECT_TIMEOUT"
	CodeTLSHandshake      ErrorCode = "TLS_HANDSHAKE_FAILED"
	CodeRequestTimeout    ErrorCode = "REQUEST_TIMEOUT"
	CodeRequestWrite      ErrorCode = "REQUEST_WRITE_FAILED"
	CodeResponseStatus    ErrorCode = "RESPONSE_STATUS"
	CodeBodyDecode        ErrorCode = "BODY_DECODE_FAILED"
	CodeIncompleteMessage ErrorCode = "INCOMPLETE_MESSAGE"
	CodeConnectionClosed  ErrorCode = "CONNECTION_CLOSED"
	CodeProtocolDecode    ErrorCode = "PROTOCOL_DECODE_ERROR"
	CodeProtocolState     ErrorCode = "PROTOCOL_STATE_ERROR"
	CodeStreamParse       ErrorCode = "STREAM_PARSE_ERROR"
	CodeStreamTimeout     ErrorCode = "STREAM_EVAL_TIMEOUT"
	CodeStreamLimits      ErrorCode = "STREAM_LIMIT_EXCEEDED"
	CodeBodyConsumed      ErrorCode = "BODY_ALREADY_CONSUMED"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeCancelled         ErrorCode = "CANCELLED"
)

// ClientError is the error surfaced to callers: a stable type and code,
// a human-readable message, and, when known, the URL and HTTP status.
type ClientError struct {
	Type    ErrorType
	Code    ErrorCode
	Message string
	URL     string
	Status  int
	cause   error
}

func (e *ClientError) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Type))
	if e.Code != "" {
		sb.WriteString("/")
		sb.WriteString(string(e.Code))
	}
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.URL != "" {
		sb.WriteString(" (")
		sb.WriteString(e.URL)
		sb.WriteString(")")
	}
	if e.Status != 0 {
		fmt.Fprintf(&sb, " [status %d]", e.Status)
	}
	return sb.String()
}

func (e *ClientError) Unwrap() error { return e.cause }

// NewError builds a ClientError.
func NewError(typ ErrorType, code ErrorCode, msg string) *ClientError {
	return &ClientError{Type: typ, Code: code, Message: msg}
}

// WithURL attaches the request URL.
func (e *ClientError) WithURL(url string) *ClientError {
	e.URL = url
	return e
}

// WithStatus attaches the HTTP status.
func (e *ClientError) WithStatus(status int) *ClientError {
	e.Status = status
	return e
}

// WithCause attaches the underlying error.
func (e *ClientError) WithCause(err error) *ClientError {
	e.cause = err
	return e
}

// MapError converts an arbitrary transport error into a ClientError
// with a stable type and code. Timeouts stay distinguishable from
// connection errors and from status errors.
func MapError(err error) *ClientError {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(ErrorTypeTimeout, CodeRequestTimeout, "request deadline exceeded").WithCause(err)
	case errors.Is(err, context.Canceled):
		return NewError(ErrorTypeCancel, CodeCancelled, "request cancelled").WithCause(err)
	case errors.Is(err, retry.ErrCircuitOpen):
		return NewError(ErrorTypeCircuit, CodeCircuitOpen, "circuit breaker open").WithCause(err)
	}

	var dnsErr *dnsx.Error
	if errors.As(err, &dnsErr) {
		switch dnsErr.Kind {
		case dnsx.ErrTimeout:
			return NewError(ErrorTypeDNS, CodeDNSTimeout, dnsErr.Error()).WithCause(err)
		case dnsx.ErrEmptyResult:
			return NewError(ErrorTypeDNS, CodeDNSEmpty, dnsErr.Error()).WithCause(err)
		case dnsx.ErrRateLimited:
			return NewError(ErrorTypeDNS, CodeDNSRateLimited, dnsErr.Error()).WithCause(err)
		default:
			return NewError(ErrorTypeDNS, CodeDNSLookupFailed, dnsErr.Error()).WithCause(err)
		}
	}

	var recordErr *tls.CertificateVerificationError
	if errors.As(err, &recordErr) {
		return NewError(ErrorTypeTLS, CodeTLSHandshake, err.Error()).WithCause(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(ErrorTypeTimeout, CodeConnectTimeout, err.Error()).WithCause(err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewError(ErrorTypeConnect, CodeConnectFailed, err.Error()).WithCause(err)
	}

	return NewError(ErrorTypeConnect, CodeConnectFailed, err.Error()).WithCause(err)
}

// RetryClass maps an error type onto the retry controller's error
// classes.
func (e *ClientError) RetryClass() retry.ErrorClass {
	switch e.Type {
	case ErrorTypeDNS:
		return retry.ClassDNS
	case ErrorTypeTimeout:
		return retry.ClassTimeout
	case ErrorTypeConnect:
		return retry.ClassConnection
	case ErrorTypeTLS:
		return retry.ClassTLS
	case ErrorTypeProtocol, ErrorTypeStream, ErrorTypeBody:
		return retry.ClassNetwork
	}
	return retry.ClassNone
}
