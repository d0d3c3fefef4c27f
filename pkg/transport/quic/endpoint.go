// Package quic builds loopback QUIC endpoints for the harness and negotiates
// a connected client/server session pair between them.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/lachieh/wrpc/pkg/stage"
	"github.com/lachieh/wrpc/pkg/trust"
)

// Options tunes the QUIC endpoints. Zero values leave quic-go defaults.
type Options struct {
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	KeepAlive        time.Duration
	// Protocols is the ALPN list the client offers. Defaults to trust.ProtoWRPC.
	Protocols []string
	// Datagrams enables QUIC datagrams, required by WebTransport.
	Datagrams bool
}

// Config returns the quic-go configuration derived from o.
func (o Options) Config() *quicgo.Config {
	return &quicgo.Config{
		HandshakeIdleTimeout: o.HandshakeTimeout,
		MaxIdleTimeout:       o.IdleTimeout,
		KeepAlivePeriod:      o.KeepAlive,
		EnableDatagrams:      o.Datagrams,
	}
}

func (o Options) protocols() []string {
	if len(o.Protocols) == 0 {
		return []string{trust.ProtoWRPC}
	}
	return slices.Clone(o.Protocols)
}

var loopback = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}

// ClientEndpoint originates sessions from a loopback UDP socket. It never
// accepts inbound connections.
type ClientEndpoint struct {
	udp  *net.UDPConn
	tr   *quicgo.Transport
	tls  *tls.Config
	conf *quicgo.Config
}

// NewClientEndpoint binds a client endpoint to an OS-assigned loopback port.
func NewClientEndpoint(tlsConf *tls.Config, opts Options) (*ClientEndpoint, error) {
	if tlsConf == nil {
		return nil, stage.New(stage.EndpointCreate, "client endpoint needs a TLS config")
	}
	udp, err := net.ListenUDP("udp", loopback)
	if err != nil {
		return nil, stage.Wrapf(stage.EndpointCreate, err, "failed to create client endpoint")
	}
	c := tlsConf.Clone()
	c.NextProtos = opts.protocols()
	return &ClientEndpoint{
		udp:  udp,
		tr:   &quicgo.Transport{Conn: udp},
		tls:  c,
		conf: opts.Config(),
	}, nil
}

// LocalAddr is the client's bound address.
func (c *ClientEndpoint) LocalAddr() net.Addr { return c.udp.LocalAddr() }

// Connect dials addr presenting serverName as SNI and returns once the
// handshake has completed.
func (c *ClientEndpoint) Connect(ctx context.Context, addr net.Addr, serverName string) (*quicgo.Conn, error) {
	if addr == nil {
		return nil, stage.New(stage.ClientConnect, "no server address")
	}
	if serverName == "" {
		return nil, stage.New(stage.ClientConnect, "no server name")
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		var err error
		if udpAddr, err = net.ResolveUDPAddr("udp", addr.String()); err != nil {
			return nil, stage.Wrap(stage.ClientConnect, err)
		}
	}

	tlsConf := c.tls.Clone()
	tlsConf.ServerName = serverName
	conn, err := c.tr.Dial(ctx, udpAddr, tlsConf, c.conf)
	if err != nil {
		if errors.Is(err, quicgo.ErrTransportClosed) {
			return nil, stage.Wrap(stage.ClientConnect, err)
		}
		return nil, stage.Wrap(stage.ClientHandshake, err)
	}
	zap.L().Named("quic").Debug("client connection established",
		zap.Stringer("local", conn.LocalAddr()),
		zap.Stringer("remote", conn.RemoteAddr()),
		zap.String("alpn", conn.ConnectionState().TLS.NegotiatedProtocol))
	return conn, nil
}

// Close stops the endpoint and releases its socket.
func (c *ClientEndpoint) Close() error {
	return errors.Join(c.tr.Close(), ignoreClosed(c.udp.Close()))
}

// ServerEndpoint accepts sessions on a loopback UDP socket.
type ServerEndpoint struct {
	udp *net.UDPConn
	tr  *quicgo.Transport
	ln  *quicgo.EarlyListener
}

// NewServerEndpoint binds a listening endpoint to an OS-assigned loopback port.
func NewServerEndpoint(tlsConf *tls.Config, opts Options) (*ServerEndpoint, error) {
	if tlsConf == nil {
		return nil, stage.New(stage.EndpointCreate, "server endpoint needs a TLS config")
	}
	udp, err := net.ListenUDP("udp", loopback)
	if err != nil {
		return nil, stage.Wrapf(stage.EndpointCreate, err, "failed to create server endpoint")
	}
	tr := &quicgo.Transport{Conn: udp}
	ln, err := tr.ListenEarly(tlsConf, opts.Config())
	if err != nil {
		_ = tr.Close()
		_ = udp.Close()
		return nil, stage.Wrapf(stage.EndpointCreate, err, "failed to create server endpoint")
	}
	return &ServerEndpoint{udp: udp, tr: tr, ln: ln}, nil
}

// Addr queries the server's bound address.
func (s *ServerEndpoint) Addr() (*net.UDPAddr, error) {
	addr, ok := s.ln.Addr().(*net.UDPAddr)
	if !ok {
		return nil, stage.New(stage.QueryAddress, fmt.Sprintf("unexpected listener address %T", s.ln.Addr()))
	}
	if addr.Port == 0 {
		return nil, stage.New(stage.QueryAddress, "listener reported port 0")
	}
	return addr, nil
}

// Accept waits for one inbound connection and for its handshake to complete.
func (s *ServerEndpoint) Accept(ctx context.Context) (*quicgo.Conn, error) {
	conn, err := s.ln.Accept(ctx)
	if err != nil {
		return nil, stage.Wrap(stage.ServerAccept, err)
	}
	select {
	case <-conn.HandshakeComplete():
	case <-conn.Context().Done():
		return nil, stage.Wrap(stage.ServerHandshake, context.Cause(conn.Context()))
	case <-ctx.Done():
		_ = conn.CloseWithError(0, "handshake abandoned")
		return nil, stage.Wrap(stage.ServerHandshake, ctx.Err())
	}
	zap.L().Named("quic").Debug("server connection established",
		zap.Stringer("local", conn.LocalAddr()),
		zap.Stringer("remote", conn.RemoteAddr()),
		zap.String("alpn", conn.ConnectionState().TLS.NegotiatedProtocol))
	return conn, nil
}

// Close stops accepting, closes the endpoint and releases its socket.
func (s *ServerEndpoint) Close() error {
	return errors.Join(s.tr.Close(), ignoreClosed(s.udp.Close()))
}

// Endpoints is a client and server endpoint pair on loopback.
type Endpoints struct {
	ServerAddr *net.UDPAddr
	ServerName string
	Client     *ClientEndpoint
	Server     *ServerEndpoint
}

// NewEndpoints creates both endpoints from pair. On failure nothing is left open.
func NewEndpoints(pair *trust.Pair, opts Options) (*Endpoints, error) {
	clt, err := NewClientEndpoint(pair.ClientTLS(), opts)
	if err != nil {
		return nil, err
	}
	srv, err := NewServerEndpoint(pair.ServerTLS(), opts)
	if err != nil {
		_ = clt.Close()
		return nil, err
	}
	addr, err := srv.Addr()
	if err != nil {
		_ = clt.Close()
		_ = srv.Close()
		return nil, err
	}
	zap.L().Named("quic").Debug("endpoints ready",
		zap.Stringer("client", clt.LocalAddr()),
		zap.Stringer("server", addr))
	return &Endpoints{ServerAddr: addr, ServerName: pair.Server.Name, Client: clt, Server: srv}, nil
}

// Negotiate connects the client endpoint to the server endpoint.
func (e *Endpoints) Negotiate(ctx context.Context) (*quicgo.Conn, *quicgo.Conn, error) {
	return Negotiate(ctx, e.ServerAddr, e.ServerName, e.Client, e.Server)
}

// Close releases both endpoints.
func (e *Endpoints) Close() error {
	return errors.Join(e.Client.Close(), e.Server.Close())
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
