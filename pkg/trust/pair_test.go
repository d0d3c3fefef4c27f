package trust

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type side struct {
	state tls.ConnectionState
	err   error
}

// handshake runs a TLS handshake between the two configs over loopback TCP.
func handshake(t *testing.T, clientConf, serverConf *tls.Config) (clt, srv side) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c, err := ln.Accept()
		if err != nil {
			srv.err = err
			return
		}
		defer c.Close()
		_ = c.SetDeadline(time.Now().Add(5 * time.Second))
		tc := tls.Server(c, serverConf)
		srv.err = tc.Handshake()
		srv.state = tc.ConnectionState()
	}()
	go func() {
		defer wg.Done()
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			clt.err = err
			return
		}
		defer c.Close()
		_ = c.SetDeadline(time.Now().Add(5 * time.Second))
		tc := tls.Client(c, clientConf)
		clt.err = tc.Handshake()
		clt.state = tc.ConnectionState()
	}()
	wg.Wait()
	return clt, srv
}

func TestBuildPairIdentities(t *testing.T) {
	p, err := NewPair()
	require.NoError(t, err)

	assert.Equal(t, ServerName, p.Server.Name)
	assert.Equal(t, []string{ServerName}, p.Server.Certificate.DNSNames)
	assert.Equal(t, ClientName, p.Client.Name)
	assert.Equal(t, ClientName, p.Client.Certificate.Subject.CommonName)
	assert.False(t, p.Server.Certificate.Equal(p.Client.Certificate))

	_, err = p.Server.Certificate.Verify(x509.VerifyOptions{Roots: p.Anchors, DNSName: ServerName})
	assert.NoError(t, err, "server certificate must verify against the anchors")
	_, err = p.Client.Certificate.Verify(x509.VerifyOptions{Roots: p.Anchors, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}})
	assert.Error(t, err, "anchors must hold the server certificate only")
}

func TestClientConfigPinnedToTLS13(t *testing.T) {
	p, err := NewPair()
	require.NoError(t, err)

	c := p.ClientTLS()
	assert.Equal(t, uint16(tls.VersionTLS13), c.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), c.MaxVersion)
	assert.Same(t, p.Anchors, c.RootCAs)
	require.Len(t, c.Certificates, 1)
	assert.Equal(t, []string{ProtoWRPC, ProtoH3}, c.NextProtos)

	assert.Equal(t, []string{ProtoH3}, p.ClientTLS(ProtoH3).NextProtos)
	// copies are independent
	assert.Equal(t, []string{ProtoWRPC, ProtoH3}, p.ClientTLS().NextProtos)
}

func TestHandshakeSeesBothIdentities(t *testing.T) {
	p, err := NewPair()
	require.NoError(t, err)

	clt, srv := handshake(t, p.ClientTLS(), p.ServerTLS())
	require.NoError(t, clt.err)
	require.NoError(t, srv.err)

	require.NotEmpty(t, clt.state.PeerCertificates)
	assert.Equal(t, ServerName, clt.state.PeerCertificates[0].Subject.CommonName)
	require.NotEmpty(t, srv.state.PeerCertificates)
	assert.Equal(t, ClientName, srv.state.PeerCertificates[0].Subject.CommonName)
	assert.Equal(t, ProtoWRPC, clt.state.NegotiatedProtocol)
	assert.Equal(t, clt.state.NegotiatedProtocol, srv.state.NegotiatedProtocol)
	assert.Equal(t, uint16(tls.VersionTLS13), clt.state.Version)
}

func TestForeignServerIsRejectedByClient(t *testing.T) {
	p, err := NewPair()
	require.NoError(t, err)
	other, err := NewPair()
	require.NoError(t, err)

	clt, _ := handshake(t, p.ClientTLS(), other.ServerTLS())
	require.Error(t, clt.err)
	var verr *tls.CertificateVerificationError
	assert.True(t, errors.As(clt.err, &verr), "got %v", clt.err)
}

func TestRequireAnchorRejectsUnknownClient(t *testing.T) {
	stranger, err := NewIdentity("stranger")
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(stranger.Certificate)

	p, err := NewPair(WithClientPolicy(RequireAnchor(pool)))
	require.NoError(t, err)

	_, srv := handshake(t, p.ClientTLS(), p.ServerTLS())
	require.Error(t, srv.err)
}

func TestRequireAnchorAcceptsKnownClient(t *testing.T) {
	p, err := NewPair()
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(p.Client.Certificate)

	strict, err := NewPair(WithClientPolicy(RequireAnchor(pool)))
	require.NoError(t, err)
	// reuse the first pair's client identity against the strict server
	clientConf := strict.ClientTLS()
	clientConf.Certificates = []tls.Certificate{p.Client.TLSCertificate()}

	clt, srv := handshake(t, clientConf, strict.ServerTLS())
	require.NoError(t, clt.err)
	require.NoError(t, srv.err)
}

func TestRequireAnchorWithoutCertificate(t *testing.T) {
	assert.ErrorIs(t, RequireAnchor(x509.NewCertPool()).VerifyClient(nil), ErrNoClientCert)
	assert.NoError(t, AcceptAny.VerifyClient(nil))
}

func TestPEMRoundTrip(t *testing.T) {
	id, err := NewIdentity("pem.wrpc")
	require.NoError(t, err)
	keyPEM, err := id.KeyPEM()
	require.NoError(t, err)

	cert, err := tls.X509KeyPair(id.CertPEM(), keyPEM)
	require.NoError(t, err)
	assert.Equal(t, id.Certificate.Raw, cert.Certificate[0])
}
