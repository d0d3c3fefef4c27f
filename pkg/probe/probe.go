// Package probe checks that a negotiated session pair is usable end to end:
// the client opens a stream, both sides exchange a Hello and the Report
// records what each side believes about the session.
package probe

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lachieh/wrpc/pkg/crypto/sign"
	"github.com/lachieh/wrpc/pkg/protocol/codec"
	"github.com/lachieh/wrpc/pkg/transport/webtransport"
	"github.com/lachieh/wrpc/pkg/trust"
)

const nonceSize = 16

type options struct {
	client, server *trust.Identity
	maxSkew        time.Duration
}

// Option configures an exchange.
type Option func(*options)

// WithIdentities signs each Hello with the sender's private key and requires
// the receiver to verify it against the certificate presented in the TLS
// handshake.
func WithIdentities(client, server *trust.Identity) Option {
	return func(o *options) { o.client, o.server = client, server }
}

// WithMaxSkew bounds the accepted Hello timestamp drift. Default 5m.
func WithMaxSkew(d time.Duration) Option { return func(o *options) { o.maxSkew = d } }

// Report is the outcome of one exchange.
type Report struct {
	Codec  string        `json:"codec" yaml:"codec"`
	Client Hello         `json:"client" yaml:"client"`
	Server Hello         `json:"server" yaml:"server"`
	RTT    time.Duration `json:"rtt" yaml:"rtt"`
	Signed bool          `json:"signed" yaml:"signed"`
}

// Check reports whether both sides agree on the session: same ALPN, each
// names the other correctly and the nonce was echoed.
func (r *Report) Check() error {
	var errs []error
	if r.Client.Role != RoleClient || r.Server.Role != RoleServer {
		errs = append(errs, fmt.Errorf("roles %q/%q", r.Client.Role, r.Server.Role))
	}
	if r.Client.Proto != r.Server.Proto {
		errs = append(errs, fmt.Errorf("alpn mismatch: client %q server %q", r.Client.Proto, r.Server.Proto))
	}
	if r.Client.PeerName != r.Server.Name {
		errs = append(errs, fmt.Errorf("client sees server as %q, server is %q", r.Client.PeerName, r.Server.Name))
	}
	if r.Server.PeerName != r.Client.Name {
		errs = append(errs, fmt.Errorf("server sees client as %q, client is %q", r.Server.PeerName, r.Client.Name))
	}
	if len(r.Client.Nonce) == 0 || !bytes.Equal(r.Client.Nonce, r.Server.Nonce) {
		errs = append(errs, errors.New("nonce not echoed"))
	}
	return errors.Join(errs...)
}

type opener func(context.Context) (io.ReadWriteCloser, error)

type side struct {
	role   Role
	name   string
	id     *trust.Identity
	state  tls.ConnectionState
	stream opener
}

func (s side) peerName() string {
	if len(s.state.PeerCertificates) == 0 {
		return ""
	}
	return s.state.PeerCertificates[0].Subject.CommonName
}

func (s side) peerCert() *x509.Certificate {
	if len(s.state.PeerCertificates) == 0 {
		return nil
	}
	return s.state.PeerCertificates[0]
}

// Exchange runs the probe over a raw QUIC session pair.
func Exchange(ctx context.Context, clt, srv *quicgo.Conn, c codec.Codec, opts ...Option) (*Report, error) {
	return exchange(ctx, c, opts,
		side{role: RoleClient, state: clt.ConnectionState().TLS,
			stream: func(ctx context.Context) (io.ReadWriteCloser, error) { return clt.OpenStreamSync(ctx) }},
		side{role: RoleServer, state: srv.ConnectionState().TLS,
			stream: func(ctx context.Context) (io.ReadWriteCloser, error) { return srv.AcceptStream(ctx) }},
	)
}

// ExchangeWebTransport runs the probe over an upgraded WebTransport pair.
func ExchangeWebTransport(ctx context.Context, p *webtransport.Pair, c codec.Codec, opts ...Option) (*Report, error) {
	clt, srv := p.Conns()
	return exchange(ctx, c, opts,
		side{role: RoleClient, state: clt.ConnectionState().TLS,
			stream: func(ctx context.Context) (io.ReadWriteCloser, error) { return p.Client.OpenStreamSync(ctx) }},
		side{role: RoleServer, state: srv.ConnectionState().TLS,
			stream: func(ctx context.Context) (io.ReadWriteCloser, error) { return p.Server.AcceptStream(ctx) }},
	)
}

func exchange(ctx context.Context, c codec.Codec, opts []Option, clt, srv side) (*Report, error) {
	o := options{maxSkew: 5 * time.Minute}
	for _, fn := range opts {
		fn(&o)
	}
	signed := o.client != nil && o.server != nil
	clt.id, srv.id = o.client, o.server
	clt.name, srv.name = trust.ClientName, trust.ServerName
	if signed {
		clt.name, srv.name = o.client.Name, o.server.Name
	}
	log := zap.L().Named("probe").With(zap.String("codec", c.Name()), zap.Bool("signed", signed))

	rep := &Report{Codec: c.Name(), Signed: signed}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st, err := clt.stream(gctx)
		if err != nil {
			return fmt.Errorf("probe: open stream: %w", err)
		}
		defer bindDeadline(gctx, st)()
		fc := newFrameConn(st)

		nonce := make([]byte, nonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return err
		}
		hello, err := newHello(clt, nonce)
		if err != nil {
			return err
		}
		start := time.Now()
		if err := send(fc, c, hello); err != nil {
			return fmt.Errorf("probe: client send: %w", err)
		}
		if err := st.Close(); err != nil {
			return fmt.Errorf("probe: client close: %w", err)
		}
		reply, err := recv(fc, c, clt, signed, o.maxSkew)
		if err != nil {
			return fmt.Errorf("probe: client recv: %w", err)
		}
		rep.RTT = time.Since(start)
		rep.Client, rep.Server = hello, reply
		return nil
	})
	g.Go(func() error {
		st, err := srv.stream(gctx)
		if err != nil {
			return fmt.Errorf("probe: accept stream: %w", err)
		}
		defer bindDeadline(gctx, st)()
		fc := newFrameConn(st)

		in, err := recv(fc, c, srv, signed, o.maxSkew)
		if err != nil {
			return fmt.Errorf("probe: server recv: %w", err)
		}
		reply, err := newHello(srv, in.Nonce)
		if err != nil {
			return err
		}
		if err := send(fc, c, reply); err != nil {
			return fmt.Errorf("probe: server send: %w", err)
		}
		return st.Close()
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Debug("probe complete", zap.Duration("rtt", rep.RTT), zap.String("alpn", rep.Client.Proto))
	return rep, nil
}

func newHello(s side, nonce []byte) (Hello, error) {
	h := Hello{
		Role:      s.role,
		Name:      s.name,
		Proto:     s.state.NegotiatedProtocol,
		PeerName:  s.peerName(),
		Nonce:     nonce,
		Timestamp: time.Now().UnixMilli(),
	}
	if s.id != nil {
		sig, err := sign.Sign(s.id.Key, h.Transcript())
		if err != nil {
			return Hello{}, err
		}
		h.Sig = sig
	}
	return h, nil
}

func send(fc *frameConn, c codec.Codec, h Hello) error {
	b, err := encodeHello(c, h)
	if err != nil {
		return err
	}
	return fc.Send(b)
}

// recv reads the peer's Hello on behalf of s and, when signed, verifies it
// against the certificate s saw during the handshake.
func recv(fc *frameConn, c codec.Codec, s side, signed bool, maxSkew time.Duration) (Hello, error) {
	b, err := fc.Recv()
	if err != nil {
		return Hello{}, err
	}
	h, err := decodeHello(c, b)
	if err != nil {
		return Hello{}, fmt.Errorf("decode: %w", err)
	}
	if skew := time.Since(time.UnixMilli(h.Timestamp)); skew > maxSkew || skew < -maxSkew {
		return Hello{}, fmt.Errorf("hello timestamp out of bounds by %s", skew)
	}
	if !signed {
		return h, nil
	}
	cert := s.peerCert()
	if cert == nil {
		return Hello{}, errors.New("peer presented no certificate")
	}
	if len(h.Sig) == 0 {
		return Hello{}, errors.New("hello is unsigned")
	}
	if err := sign.Verify(cert.PublicKey, h.Transcript(), h.Sig); err != nil {
		return Hello{}, err
	}
	return h, nil
}

// bindDeadline applies ctx's deadline to st and interrupts blocked I/O when
// ctx is cancelled. The returned func releases the binding.
func bindDeadline(ctx context.Context, st io.ReadWriteCloser) func() {
	ds, ok := st.(interface{ SetDeadline(time.Time) error })
	if !ok {
		return func() {}
	}
	if d, ok := ctx.Deadline(); ok {
		_ = ds.SetDeadline(d)
	}
	stop := context.AfterFunc(ctx, func() { _ = ds.SetDeadline(time.Now()) })
	return func() { stop() }
}
