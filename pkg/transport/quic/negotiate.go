package quic

import (
	"context"
	"net"

	quicgo "github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"
)

// Negotiate has clt connect to addr as serverName while srv accepts the
// inbound side. Both halves must complete their handshake; the first failure
// cancels the other half and is returned alone. On error no connection is
// left open.
func Negotiate(ctx context.Context, addr net.Addr, serverName string, clt *ClientEndpoint, srv *ServerEndpoint) (*quicgo.Conn, *quicgo.Conn, error) {
	var cc, sc *quicgo.Conn
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		cc, err = clt.Connect(gctx, addr, serverName)
		return err
	})
	g.Go(func() (err error) {
		sc, err = srv.Accept(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		closeConn(cc, "negotiation failed")
		closeConn(sc, "negotiation failed")
		return nil, nil, err
	}
	return cc, sc, nil
}

// CloseConn closes c with application error code 0. A nil c is ignored.
func CloseConn(c *quicgo.Conn, reason string) { closeConn(c, reason) }

func closeConn(c *quicgo.Conn, reason string) {
	if c != nil {
		_ = c.CloseWithError(0, reason)
	}
}
