// Package tlsconn defines the TLS stream contract the protocol layer
// dials through, plus the default crypto/tls connector. The contract
// keeps the dispatcher independent of how the stream is produced, so a
// proxy tunnel or a test pipe can stand in for a direct connection.
package tlsconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// Stream is an established byte stream to a peer.
type Stream interface {
	io.ReadWriteCloser
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Connector produces TLS streams. Implementations validate the server
// certificate chain and hostname (RFC 6125) unless explicitly disabled.
type Connector interface {
	Connect(ctx context.Context, host string, port int) (Stream, error)
}

// Config tunes the default connector.
type Config struct {
	// ALPN protocols offered during the handshake, e.g. ["h2"].
	NextProtos []string

	// RootCAs overrides the system pool when non-nil.
	RootCAs *x509.CertPool

	// InsecureSkipVerify disables certificate and hostname validation.
	// Only for test endpoints; Connect and Upgrade log a warning on every
	// call. ClientConfig logs nothing.
	InsecureSkipVerify bool

	// HandshakeTimeout bounds dial plus TLS handshake.
	HandshakeTimeout time.Duration

	// EnableEarlyData is carried in the configuration but not read by
	// Dialer: its TLS-over-TCP connections never send 0-RTT data. HTTP/3
	// early data is selected by config.QUIC.EarlyData instead.
	EnableEarlyData bool

	// KeepAlive is the TCP keep-alive interval; zero uses the dialer
	// default, negative disables.
	KeepAlive time.Duration

	// NoDelay disables Nagle's algorithm when true.
	NoDelay bool
}

// tlsStream adapts *tls.Conn to the Stream contract.
type tlsStream struct {
	*tls.Conn
}

// Dialer is the default Connector over crypto/tls.
type Dialer struct {
	cfg    Config
	logger *slog.Logger
}

// New builds the default connector.
func New(cfg Config, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Dialer{cfg: cfg, logger: logger}
}

// Connect dials host:port and completes the TLS handshake. The server
// certificate is validated against the configured roots and the
// hostname unless InsecureSkipVerify is set.
func (d *Dialer) Connect(ctx context.Context, host string, port int) (Stream, error) {
	if d.cfg.InsecureSkipVerify {
		d.logger.Warn("tls_verification_disabled",
			"warning", "TLS certificate verification is DISABLED - connections are vulnerable to MITM attacks",
			"host", host)
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
	defer cancel()

	netDialer := &net.Dialer{KeepAlive: d.cfg.KeepAlive}
	raw, err := netDialer.DialContext(dialCtx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, fmt.Errorf("tlsconn: dial %s:%d: %w", host, port, err)
	}
	if tcp, ok := raw.(*net.TCPConn); ok && d.cfg.NoDelay {
		_ = tcp.SetNoDelay(true)
	}

	tlsConf := &tls.Config{
		ServerName:         host,
		NextProtos:         d.cfg.NextProtos,
		RootCAs:            d.cfg.RootCAs,
		InsecureSkipVerify: d.cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	conn := tls.Client(raw, tlsConf)
	if err := conn.HandshakeContext(dialCtx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("tlsconn: handshake with %s: %w", host, err)
	}
	return &tlsStream{Conn: conn}, nil
}

// Upgrade wraps an established raw connection (e.g. a proxy CONNECT
// tunnel) in TLS toward the target host, with the same validation rules
// as Connect.
func (d *Dialer) Upgrade(ctx context.Context, raw net.Conn, host string) (Stream, error) {
	if d.cfg.InsecureSkipVerify {
		d.logger.Warn("tls_verification_disabled",
			"warning", "TLS certificate verification is DISABLED - connections are vulnerable to MITM attacks",
			"host", host)
	}
	hsCtx, cancel := context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
	defer cancel()

	conn := tls.Client(raw, d.ClientConfig(host))
	if err := conn.HandshakeContext(hsCtx); err != nil {
		return nil, fmt.Errorf("tlsconn: handshake with %s: %w", host, err)
	}
	return &tlsStream{Conn: conn}, nil
}

// NegotiatedProtocol returns the ALPN protocol of an established
// stream, or empty when the stream is not TLS.
func NegotiatedProtocol(s Stream) string {
	if ts, ok := s.(*tlsStream); ok {
		return ts.ConnectionState().NegotiatedProtocol
	}
	return ""
}

// ClientConfig exposes a tls.Config equivalent to the connector's
// settings, for dialers that need the raw config (QUIC).
func (d *Dialer) ClientConfig(host string) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		NextProtos:         d.cfg.NextProtos,
		RootCAs:            d.cfg.RootCAs,
		InsecureSkipVerify: d.cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}
