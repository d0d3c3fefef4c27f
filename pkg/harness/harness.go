// Package harness runs test bodies against freshly built fixtures: QUIC
// endpoints, session pairs, WebTransport sessions and a NATS broker. Every
// fixture is created for one call and released when the body returns.
package harness

import (
	"context"
	"net"

	quicgo "github.com/quic-go/quic-go"
	wtgo "github.com/quic-go/webtransport-go"
	"go.uber.org/zap"

	"github.com/lachieh/wrpc/pkg/stage"
	tquic "github.com/lachieh/wrpc/pkg/transport/quic"
	"github.com/lachieh/wrpc/pkg/transport/webtransport"
	"github.com/lachieh/wrpc/pkg/trust"
)

// WithQUICEndpoints builds a trust pair and a client/server endpoint pair,
// then runs f with the server address and both endpoints.
func WithQUICEndpoints[T any](ctx context.Context, f func(ctx context.Context, addr *net.UDPAddr, clt *tquic.ClientEndpoint, srv *tquic.ServerEndpoint) (T, error), opts ...Option) (T, error) {
	o := newOptions(opts)
	return withEndpoints(o, o.quic, func(eps *tquic.Endpoints) (T, error) {
		return closure(f(ctx, eps.ServerAddr, eps.Client, eps.Server))
	})
}

// WithQUIC negotiates a raw QUIC session pair and runs f with both ends.
func WithQUIC[T any](ctx context.Context, f func(ctx context.Context, clt, srv *quicgo.Conn) (T, error), opts ...Option) (T, error) {
	o := newOptions(opts)
	return withEndpoints(o, o.quic, func(eps *tquic.Endpoints) (T, error) {
		clt, srv, err := eps.Negotiate(ctx)
		if err != nil {
			var zero T
			return zero, err
		}
		defer tquic.CloseConn(clt, "")
		defer tquic.CloseConn(srv, "")
		o.log.Debug("quic session pair ready", zap.Stringer("client", clt.LocalAddr()), zap.Stringer("server", srv.LocalAddr()))
		return closure(f(ctx, clt, srv))
	})
}

// WithWebTransport negotiates a QUIC pair, upgrades it to WebTransport and
// runs f with both sessions.
func WithWebTransport[T any](ctx context.Context, f func(ctx context.Context, clt, srv *wtgo.Session) (T, error), opts ...Option) (T, error) {
	return WithWebTransportPair(ctx, func(ctx context.Context, p *webtransport.Pair) (T, error) {
		return f(ctx, p.Client, p.Server)
	}, opts...)
}

// WithWebTransportPair is WithWebTransport handing f the whole Pair, which
// also exposes the underlying QUIC connections.
func WithWebTransportPair[T any](ctx context.Context, f func(ctx context.Context, p *webtransport.Pair) (T, error), opts ...Option) (T, error) {
	o := newOptions(opts)
	return withEndpoints(o, webtransport.EndpointOptions(o.quic), func(eps *tquic.Endpoints) (T, error) {
		p, err := webtransport.Negotiate(ctx, eps)
		if err != nil {
			var zero T
			return zero, err
		}
		defer func() {
			if err := p.Close(); err != nil {
				o.log.Debug("webtransport teardown", zap.Error(err))
			}
		}()
		o.log.Debug("webtransport session pair ready")
		return closure(f(ctx, p))
	})
}

func withEndpoints[T any](o options, qo tquic.Options, f func(*tquic.Endpoints) (T, error)) (T, error) {
	var zero T
	pair := o.pair
	if pair == nil {
		var err error
		if pair, err = trust.NewPair(trust.WithClientPolicy(o.policy)); err != nil {
			return zero, err
		}
	}
	eps, err := tquic.NewEndpoints(pair, qo)
	if err != nil {
		return zero, err
	}
	defer func() {
		if err := eps.Close(); err != nil {
			o.log.Debug("endpoint teardown", zap.Error(err))
		}
	}()
	o.log.Debug("endpoints ready", zap.Stringer("server", eps.ServerAddr))
	return f(eps)
}

// closure marks an error returned by a caller-supplied body.
func closure[T any](v T, err error) (T, error) {
	if err != nil {
		var zero T
		return zero, stage.Wrap(stage.Closure, err)
	}
	return v, nil
}
