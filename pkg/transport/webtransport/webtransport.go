// Package webtransport upgrades an established QUIC session pair into a
// WebTransport session pair over the same connection.
package webtransport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	quicgo "github.com/quic-go/quic-go"
	wtgo "github.com/quic-go/webtransport-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lachieh/wrpc/pkg/stage"
	tquic "github.com/lachieh/wrpc/pkg/transport/quic"
	"github.com/lachieh/wrpc/pkg/trust"
)

// EndpointOptions adjusts base so the endpoints can carry WebTransport:
// ALPN h3 and QUIC datagrams.
func EndpointOptions(base tquic.Options) tquic.Options {
	base.Protocols = []string{trust.ProtoH3}
	base.Datagrams = true
	return base
}

// URL returns the session target https://<serverName>:<port> for a server
// listening on addr.
func URL(serverName string, addr net.Addr) (*url.URL, error) {
	if addr == nil {
		return nil, stage.New(stage.URL, "no server address")
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, stage.Wrap(stage.URL, err)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return nil, stage.Wrap(stage.URL, err)
	}
	u, err := url.Parse("https://" + net.JoinHostPort(serverName, port))
	if err != nil {
		return nil, stage.Wrap(stage.URL, err)
	}
	return u, nil
}

// Pair is a client and server WebTransport session sharing one QUIC connection.
type Pair struct {
	Client *wtgo.Session
	Server *wtgo.Session

	dialer *wtgo.Dialer
	server *wtgo.Server
	clt    *quicgo.Conn
	srv    *quicgo.Conn
	owned  bool
}

// Conns returns the QUIC connections the sessions run over.
func (p *Pair) Conns() (clt, srv *quicgo.Conn) { return p.clt, p.srv }

// Close ends both sessions, stops the HTTP/3 machinery and closes any QUIC
// connections the pair owns.
func (p *Pair) Close() error {
	_ = p.Client.CloseWithError(0, "")
	_ = p.Server.CloseWithError(0, "")
	errs := []error{p.server.Close(), p.dialer.Close()}
	if p.owned {
		tquic.CloseConn(p.clt, "")
		tquic.CloseConn(p.srv, "")
	}
	return errors.Join(errs...)
}

// Upgrade runs the WebTransport exchange on an established QUIC pair: the
// client sends an extended CONNECT for target over clt while the server
// serves HTTP/3 on srv, accepts that request and confirms it. Both sides must
// succeed. The QUIC connections stay owned by the caller.
func Upgrade(ctx context.Context, target *url.URL, clt, srv *quicgo.Conn) (*Pair, error) {
	if target == nil {
		return nil, stage.New(stage.URL, "no session URL")
	}
	log := zap.L().Named("webtransport").With(zap.Stringer("url", target))

	var (
		once     sync.Once
		accepted = make(chan struct{})
		sessions = make(chan *wtgo.Session, 1)
		confirm  = make(chan error, 1)
		served   = make(chan error, 1)
	)
	wts := &wtgo.Server{CheckOrigin: func(*http.Request) bool { return true }}
	wts.H3.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		first := false
		once.Do(func() {
			first = true
			close(accepted)
		})
		if !first {
			w.WriteHeader(http.StatusConflict)
			return
		}
		sess, err := wts.Upgrade(w, r)
		if err != nil {
			confirm <- err
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		sessions <- sess
		<-sess.Context().Done()
	})
	go func() { served <- wts.ServeQUICConn(srv) }()

	dialer := &wtgo.Dialer{
		DialAddr: func(context.Context, string, *tls.Config, *quicgo.Config) (*quicgo.Conn, error) {
			return clt, nil
		},
	}

	var cs, ss *wtgo.Session
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Dial waits on the dialer's own context rather than gctx.
		stop := context.AfterFunc(gctx, func() { _ = dialer.Close() })
		defer stop()
		rsp, sess, err := dialer.Dial(gctx, target.String(), nil)
		if err != nil {
			return stage.Wrap(stage.WebTransportConnect, err)
		}
		log.Debug("client session established", zap.Int("status", rsp.StatusCode))
		cs = sess
		return nil
	})
	g.Go(func() error {
		select {
		case <-accepted:
		case err := <-served:
			return stage.Wrap(stage.WebTransportAccept, fmt.Errorf("HTTP/3 server stopped: %w", err))
		case <-gctx.Done():
			return stage.Wrap(stage.WebTransportAccept, gctx.Err())
		}
		select {
		case ss = <-sessions:
			log.Debug("server session confirmed")
			return nil
		case err := <-confirm:
			return stage.Wrap(stage.WebTransportConfirm, err)
		case err := <-served:
			return stage.Wrap(stage.WebTransportConfirm, fmt.Errorf("HTTP/3 server stopped: %w", err))
		case <-gctx.Done():
			return stage.Wrap(stage.WebTransportConfirm, gctx.Err())
		}
	})
	if err := g.Wait(); err != nil {
		if cs != nil {
			_ = cs.CloseWithError(0, "upgrade failed")
		}
		if ss != nil {
			_ = ss.CloseWithError(0, "upgrade failed")
		}
		_ = wts.Close()
		_ = dialer.Close()
		return nil, err
	}
	return &Pair{Client: cs, Server: ss, dialer: dialer, server: wts, clt: clt, srv: srv}, nil
}

// Negotiate establishes a QUIC pair between eps and upgrades it. The
// returned Pair owns the QUIC connections. eps must have been built with
// EndpointOptions.
func Negotiate(ctx context.Context, eps *tquic.Endpoints) (*Pair, error) {
	target, err := URL(eps.ServerName, eps.ServerAddr)
	if err != nil {
		return nil, err
	}
	clt, srv, err := eps.Negotiate(ctx)
	if err != nil {
		return nil, err
	}
	p, err := Upgrade(ctx, target, clt, srv)
	if err != nil {
		tquic.CloseConn(clt, "upgrade failed")
		tquic.CloseConn(srv, "upgrade failed")
		return nil, err
	}
	p.owned = true
	return p, nil
}
