// Package dispatch executes requests over the protocol drivers: version
// selection, DNS resolution, proxy routing, TLS setup, per-origin
// connection pooling, and H3-to-H2 fallback.
package dispatch

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/bc-dunia/quicfetch/internal/config"
	"github.com/bc-dunia/quicfetch/internal/dnsx"
	"github.com/bc-dunia/quicfetch/internal/protocol"
	"github.com/bc-dunia/quicfetch/internal/protocol/h2"
	"github.com/bc-dunia/quicfetch/internal/protocol/h3"
	"github.com/bc-dunia/quicfetch/internal/proxymatch"
	"github.com/bc-dunia/quicfetch/internal/tlsconn"
)

// Options configures a Dispatcher.
type Options struct {
	HTTP3Enabled bool
	Timeouts     config.Timeouts
	Pool         config.Pool
	QUIC         config.QUIC
	TLS          tlsconn.Config
	Resolver     *dnsx.Resolver
	Proxy        *proxymatch.Matcher
	ChunkDepth   int
	OnFrame      func(protocol.FrameEvent)
	Logger       *slog.Logger
}

// Dispatcher owns the connection pools and executes round trips.
type Dispatcher struct {
	opts     Options
	strategy *protocol.Strategy
	logger   *slog.Logger

	mu      sync.Mutex
	h2Pools map[string][]*h2.Conn
	h3Conns map[string]*h3.Conn
}

// New builds a dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ChunkDepth <= 0 {
		opts.ChunkDepth = config.DefaultChunkChannelSize
	}
	if opts.Resolver == nil {
		opts.Resolver = dnsx.New(dnsx.Config{}, opts.Logger)
	}
	if opts.Proxy == nil {
		opts.Proxy = proxymatch.New()
	}
	return &Dispatcher{
		opts:     opts,
		strategy: protocol.NewStrategy(opts.HTTP3Enabled),
		logger:   opts.Logger,
		h2Pools:  make(map[string][]*h2.Conn),
		h3Conns:  make(map[string]*h3.Conn),
	}
}

// Do executes one request and returns its chunk stream and a cancel
// function that resets the underlying stream.
func (d *Dispatcher) Do(ctx context.Context, method string, u *url.URL, header map[string][]string, body []byte) (<-chan protocol.Chunk, func(), error) {
	authority := u.Host
	path := u.RequestURI()

	version := d.strategy.Select(u)
	if version == protocol.VersionH3 {
		ch, cancel, err := d.doH3(ctx, method, u, authority, path, header, body)
		if err == nil {
			d.strategy.Record(u, protocol.VersionH3, true)
			return ch, cancel, nil
		}
		d.strategy.Record(u, protocol.VersionH3, false)
		d.logger.Debug("h3_fallback", "origin", protocol.Origin(u), "error", err)
	}

	return d.doH2(ctx, method, u, authority, path, header, body)
}

// Version reports which protocol the dispatcher would pick for a URL.
func (d *Dispatcher) Version(u *url.URL) protocol.Version {
	return d.strategy.Select(u)
}

// Close tears down all pooled connections.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, conns := range d.h2Pools {
		for _, c := range conns {
			_ = c.Close()
		}
	}
	for _, c := range d.h3Conns {
		_ = c.Close()
	}
	d.h2Pools = make(map[string][]*h2.Conn)
	d.h3Conns = make(map[string]*h3.Conn)
}

func (d *Dispatcher) doH3(ctx context.Context, method string, u *url.URL, authority, path string, header map[string][]string, body []byte) (<-chan protocol.Chunk, func(), error) {
	origin := protocol.Origin(u)

	d.mu.Lock()
	c := d.h3Conns[origin]
	if c != nil && !c.Usable() {
		delete(d.h3Conns, origin)
		c = nil
	}
	d.mu.Unlock()

	if c == nil {
		addr, err := d.resolveAddr(ctx, u)
		if err != nil {
			return nil, nil, err
		}
		tlsCfg := d.opts.TLS
		tlsCfg.NextProtos = []string{h3.NextProtoH3}
		dialer := tlsconn.New(tlsCfg, d.logger)

		dialCtx := ctx
		if d.opts.Timeouts.Connect > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, d.opts.Timeouts.Connect)
			defer cancel()
		}
		c, err = h3.Dial(dialCtx, addr, dialer.ClientConfig(u.Hostname()), h3.Options{
			QUIC:       d.opts.QUIC,
			ChunkDepth: d.opts.ChunkDepth,
			OnFrame:    d.opts.OnFrame,
			Logger:     d.logger,
		})
		if err != nil {
			return nil, nil, err
		}
		d.mu.Lock()
		d.h3Conns[origin] = c
		d.mu.Unlock()
	}

	return c.RoundTrip(ctx, method, u.Scheme, authority, path, header, body)
}

func (d *Dispatcher) doH2(ctx context.Context, method string, u *url.URL, authority, path string, header map[string][]string, body []byte) (<-chan protocol.Chunk, func(), error) {
	origin := protocol.Origin(u)

	if c := d.pooledH2(origin); c != nil {
		ch, cancel, err := c.RoundTrip(ctx, method, u.Scheme, authority, path, header, body)
		if err == nil {
			return ch, cancel, nil
		}
		// The pooled connection went bad between checkout and use.
		d.dropH2(origin, c)
	}

	c, err := d.dialH2(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	d.mu.Lock()
	d.h2Pools[origin] = append(d.h2Pools[origin], c)
	d.mu.Unlock()
	d.strategy.Record(u, protocol.VersionH2, true)

	return c.RoundTrip(ctx, method, u.Scheme, authority, path, header, body)
}

// pooledH2 returns a usable pooled connection, reaping idle and dead
// ones lazily on acquisition.
func (d *Dispatcher) pooledH2(origin string) *h2.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()

	conns := d.h2Pools[origin]
	var kept []*h2.Conn
	var picked *h2.Conn
	for _, c := range conns {
		if !c.Usable() {
			_ = c.Close()
			continue
		}
		if d.opts.Pool.IdleTimeout > 0 && c.ActiveStreams() == 0 &&
			time.Since(c.IdleSince()) > d.opts.Pool.IdleTimeout {
			_ = c.Close()
			continue
		}
		kept = append(kept, c)
		if picked == nil {
			picked = c
		}
	}
	if max := d.opts.Pool.MaxIdlePerHost; max > 0 && len(kept) > max {
		for _, c := range kept[max:] {
			if c.ActiveStreams() == 0 {
				_ = c.Close()
			}
		}
		kept = kept[:max]
	}
	d.h2Pools[origin] = kept
	return picked
}

func (d *Dispatcher) dropH2(origin string, dead *h2.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conns := d.h2Pools[origin]
	var kept []*h2.Conn
	for _, c := range conns {
		if c != dead {
			kept = append(kept, c)
		}
	}
	d.h2Pools[origin] = kept
	_ = dead.Close()
}

// dialH2 establishes a new HTTP/2 connection, through a proxy tunnel
// when the matcher intercepts the URL.
func (d *Dispatcher) dialH2(ctx context.Context, u *url.URL) (*h2.Conn, error) {
	if d.opts.Timeouts.Connect > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeouts.Connect)
		defer cancel()
	}

	tlsCfg := d.opts.TLS
	tlsCfg.NextProtos = []string{"h2"}
	tlsCfg.KeepAlive = d.opts.Timeouts.TCPKeepAlive
	tlsCfg.NoDelay = config.DefaultTCPNoDelay
	dialer := tlsconn.New(tlsCfg, d.logger)

	var stream tlsconn.Stream
	if match := d.opts.Proxy.Match(u); match != nil {
		raw, err := d.dialProxyTunnel(ctx, match, u)
		if err != nil {
			return nil, err
		}
		stream, err = dialer.Upgrade(ctx, raw, u.Hostname())
		if err != nil {
			_ = raw.Close()
			return nil, err
		}
	} else {
		addr, port, err := d.resolveHostPort(ctx, u)
		if err != nil {
			return nil, err
		}
		stream, err = dialer.Connect(ctx, addr, port)
		if err != nil {
			return nil, err
		}
	}

	if proto := tlsconn.NegotiatedProtocol(stream); proto != "" && proto != "h2" {
		_ = stream.Close()
		return nil, protocol.NewError(protocol.ErrorTypeProtocol, protocol.CodeProtocolState,
			fmt.Sprintf("peer negotiated %q, want h2", proto))
	}

	return h2.New(stream, h2.Options{
		ChunkDepth: d.opts.ChunkDepth,
		OnFrame:    d.opts.OnFrame,
		Logger:     d.logger,
	})
}

// dialProxyTunnel opens a CONNECT tunnel through the matched proxy.
func (d *Dispatcher) dialProxyTunnel(ctx context.Context, match *proxymatch.Match, target *url.URL) (net.Conn, error) {
	proxyAddr := match.Proxy.Host
	if match.Proxy.Port() == "" {
		if match.Via == proxymatch.ViaHTTPS {
			proxyAddr = net.JoinHostPort(match.Proxy.Hostname(), "443")
		} else {
			proxyAddr = net.JoinHostPort(match.Proxy.Hostname(), "80")
		}
	}

	var netDialer net.Dialer
	raw, err := netDialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrorTypeConnect, protocol.CodeConnectFailed,
			fmt.Sprintf("dial proxy %s: %v", proxyAddr, err)).WithCause(err)
	}

	targetPort := target.Port()
	if targetPort == "" {
		targetPort = "443"
	}
	targetAddr := net.JoinHostPort(target.Hostname(), targetPort)

	req := "CONNECT " + targetAddr + " HTTP/1.1\r\nHost: " + targetAddr + "\r\n"
	if match.AuthHeader != "" {
		req += "Proxy-Authorization: " + match.AuthHeader + "\r\n"
	}
	for name, value := range match.Headers {
		req += name + ": " + value + "\r\n"
	}
	req += "\r\n"

	if _, err := raw.Write([]byte(req)); err != nil {
		_ = raw.Close()
		return nil, protocol.NewError(protocol.ErrorTypeConnect, protocol.CodeConnectFailed,
			fmt.Sprintf("proxy CONNECT write: %v", err)).WithCause(err)
	}

	br := bufio.NewReader(raw)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		_ = raw.Close()
		return nil, protocol.NewError(protocol.ErrorTypeConnect, protocol.CodeConnectFailed,
			fmt.Sprintf("proxy CONNECT read: %v", err)).WithCause(err)
	}
	if len(statusLine) < 12 || statusLine[9:12] != "200" {
		_ = raw.Close()
		return nil, protocol.NewError(protocol.ErrorTypeConnect, protocol.CodeConnectFailed,
			fmt.Sprintf("proxy refused CONNECT: %q", statusLine))
	}
	// Drain response headers up to the blank line.
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			_ = raw.Close()
			return nil, protocol.NewError(protocol.ErrorTypeConnect, protocol.CodeConnectFailed,
				"proxy CONNECT header read failed").WithCause(err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	return raw, nil
}

// resolveAddr resolves the URL host and joins the first preferred
// address with the port.
func (d *Dispatcher) resolveAddr(ctx context.Context, u *url.URL) (string, error) {
	host, port, err := d.resolveHostPort(ctx, u)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func (d *Dispatcher) resolveHostPort(ctx context.Context, u *url.URL) (string, int, error) {
	port := 443
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, protocol.NewError(protocol.ErrorTypeBuilder, protocol.CodeInvalidURL,
				fmt.Sprintf("invalid port %q", p))
		}
		port = n
	} else if u.Scheme == "http" {
		port = 80
	}

	res, err := d.opts.Resolver.Resolve(ctx, u.Hostname())
	if err != nil {
		return "", 0, err
	}
	// The resolver already ordered the addresses by the configured
	// family preference; only the first address is dialed.
	pref := dnsx.IPv4First
	if !res.Addrs[0].Is4() {
		pref = dnsx.IPv6First
	}
	ordered := dnsx.Interleave(res.Addrs, pref)
	return ordered[0].String(), port, nil
}
