package quic

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/lachieh/wrpc/pkg/stage"
	"github.com/lachieh/wrpc/pkg/trust"
)

func setup(t *testing.T) (context.Context, *trust.Pair) {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	pair, err := trust.NewPair()
	require.NoError(t, err)
	return ctx, pair
}

func TestNewEndpointsBindsLoopback(t *testing.T) {
	_, pair := setup(t)
	eps, err := NewEndpoints(pair, Options{})
	require.NoError(t, err)
	defer eps.Close()

	assert.True(t, eps.ServerAddr.IP.IsLoopback())
	assert.NotZero(t, eps.ServerAddr.Port)
	assert.Equal(t, trust.ServerName, eps.ServerName)
	assert.Contains(t, eps.Client.LocalAddr().String(), "127.0.0.1:")
}

func TestNegotiateRawPair(t *testing.T) {
	ctx, pair := setup(t)
	eps, err := NewEndpoints(pair, Options{})
	require.NoError(t, err)
	defer eps.Close()

	clt, srv, err := eps.Negotiate(ctx)
	require.NoError(t, err)
	defer CloseConn(clt, "done")
	defer CloseConn(srv, "done")

	cs, ss := clt.ConnectionState().TLS, srv.ConnectionState().TLS
	assert.True(t, cs.HandshakeComplete)
	assert.True(t, ss.HandshakeComplete)
	assert.Equal(t, trust.ProtoWRPC, cs.NegotiatedProtocol)
	assert.Equal(t, cs.NegotiatedProtocol, ss.NegotiatedProtocol)
	require.NotEmpty(t, cs.PeerCertificates)
	assert.Equal(t, trust.ServerName, cs.PeerCertificates[0].Subject.CommonName)
	require.NotEmpty(t, ss.PeerCertificates)
	assert.Equal(t, trust.ClientName, ss.PeerCertificates[0].Subject.CommonName)
	assert.Equal(t, clt.LocalAddr().String(), srv.RemoteAddr().String())

	// the pair is usable: one request/response stream
	errc := make(chan error, 1)
	go func() {
		st, err := srv.AcceptStream(ctx)
		if err != nil {
			errc <- err
			return
		}
		b, err := io.ReadAll(st)
		if err != nil {
			errc <- err
			return
		}
		if _, err := st.Write(append([]byte("pong:"), b...)); err != nil {
			errc <- err
			return
		}
		errc <- st.Close()
	}()

	st, err := clt.OpenStreamSync(ctx)
	require.NoError(t, err)
	_, err = st.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, st.Close())
	resp, err := io.ReadAll(st)
	require.NoError(t, err)
	assert.Equal(t, "pong:ping", string(resp))
	require.NoError(t, <-errc)
}

func TestConnectToForeignServerFailsHandshake(t *testing.T) {
	ctx, pair := setup(t)
	other, err := trust.NewPair()
	require.NoError(t, err)

	clt, err := NewClientEndpoint(pair.ClientTLS(), Options{})
	require.NoError(t, err)
	defer clt.Close()
	srv, err := NewServerEndpoint(other.ServerTLS(), Options{})
	require.NoError(t, err)
	defer srv.Close()
	addr, err := srv.Addr()
	require.NoError(t, err)

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _, _ = srv.Accept(actx) }()

	conn, err := clt.Connect(ctx, addr, trust.ServerName)
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.Equal(t, stage.ClientHandshake, stage.Of(err))
	assert.Equal(t, stage.CategoryHandshake, stage.Of(err).Category())
}

func TestNegotiateIsBothOrNone(t *testing.T) {
	ctx, pair := setup(t)
	other, err := trust.NewPair()
	require.NoError(t, err)

	clt, err := NewClientEndpoint(pair.ClientTLS(), Options{})
	require.NoError(t, err)
	defer clt.Close()
	srv, err := NewServerEndpoint(other.ServerTLS(), Options{})
	require.NoError(t, err)
	defer srv.Close()
	addr, err := srv.Addr()
	require.NoError(t, err)

	cc, sc, err := Negotiate(ctx, addr, trust.ServerName, clt, srv)
	require.Error(t, err)
	assert.Nil(t, cc)
	assert.Nil(t, sc)
	assert.Equal(t, stage.CategoryHandshake, stage.Of(err).Category())
}

func TestConnectRequiresTarget(t *testing.T) {
	ctx, pair := setup(t)
	clt, err := NewClientEndpoint(pair.ClientTLS(), Options{})
	require.NoError(t, err)
	defer clt.Close()

	_, err = clt.Connect(ctx, nil, trust.ServerName)
	assert.Equal(t, stage.ClientConnect, stage.Of(err))
	_, err = clt.Connect(ctx, clt.LocalAddr(), "")
	assert.Equal(t, stage.ClientConnect, stage.Of(err))
}

func TestAcceptHonoursContext(t *testing.T) {
	ctx, pair := setup(t)
	srv, err := NewServerEndpoint(pair.ServerTLS(), Options{})
	require.NoError(t, err)
	defer srv.Close()

	actx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = srv.Accept(actx)
	require.Error(t, err)
	assert.Equal(t, stage.ServerAccept, stage.Of(err))
}

func TestEndpointsNeedTLS(t *testing.T) {
	_, err := NewClientEndpoint(nil, Options{})
	assert.Equal(t, stage.EndpointCreate, stage.Of(err))
	_, err = NewServerEndpoint(nil, Options{})
	assert.Equal(t, stage.EndpointCreate, stage.Of(err))
}
