package trust

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"slices"

	"github.com/lachieh/wrpc/pkg/stage"
)

// Application protocols negotiated over the harness's QUIC sessions.
const (
	ProtoWRPC = "wrpc"
	ProtoH3   = "h3"
)

// ClientPolicy decides whether the certificate chain a client presented is
// acceptable to the server. It runs after the TLS handshake has parsed the
// chain; certs is empty when the client presented nothing.
type ClientPolicy interface {
	VerifyClient(certs []*x509.Certificate) error
}

// PolicyFunc adapts a function to ClientPolicy.
type PolicyFunc func(certs []*x509.Certificate) error

func (f PolicyFunc) VerifyClient(certs []*x509.Certificate) error { return f(certs) }

// AcceptAny accepts whatever the client presents, including nothing.
var AcceptAny ClientPolicy = PolicyFunc(func([]*x509.Certificate) error { return nil })

// ErrNoClientCert is returned by RequireAnchor when the client presented no certificate.
var ErrNoClientCert = errors.New("trust: client presented no certificate")

// RequireAnchor accepts only clients whose leaf certificate chains to pool.
func RequireAnchor(pool *x509.CertPool) ClientPolicy {
	return PolicyFunc(func(certs []*x509.Certificate) error {
		if len(certs) == 0 {
			return ErrNoClientCert
		}
		opts := x509.VerifyOptions{
			Roots:         pool,
			Intermediates: x509.NewCertPool(),
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		}
		for _, c := range certs[1:] {
			opts.Intermediates.AddCert(c)
		}
		if _, err := certs[0].Verify(opts); err != nil {
			return fmt.Errorf("trust: client certificate rejected: %w", err)
		}
		return nil
	})
}

// Pair is a server and client identity plus the TLS configurations built
// from them. The client trusts exactly the server's certificate.
type Pair struct {
	Server  *Identity
	Client  *Identity
	Anchors *x509.CertPool

	serverTLS *tls.Config
	clientTLS *tls.Config
}

type pairOptions struct {
	policy    ClientPolicy
	protocols []string
}

// Option tweaks BuildPair.
type Option func(*pairOptions)

// WithClientPolicy replaces AcceptAny as the server's client certificate policy.
func WithClientPolicy(p ClientPolicy) Option {
	return func(o *pairOptions) {
		if p != nil {
			o.policy = p
		}
	}
}

// WithProtocols sets the ALPN protocols the server offers, in preference order.
func WithProtocols(protos ...string) Option {
	return func(o *pairOptions) {
		if len(protos) > 0 {
			o.protocols = slices.Clone(protos)
		}
	}
}

// NewPair is BuildPair for the harness's fixed ServerName and ClientName.
func NewPair(opts ...Option) (*Pair, error) { return BuildPair(ServerName, ClientName, opts...) }

// BuildPair generates independent identities for serverName and clientName
// and the TLS configurations for both roles.
func BuildPair(serverName, clientName string, opts ...Option) (*Pair, error) {
	o := pairOptions{policy: AcceptAny, protocols: []string{ProtoWRPC, ProtoH3}}
	for _, opt := range opts {
		opt(&o)
	}

	srv, err := NewIdentity(serverName)
	if err != nil {
		return nil, err
	}
	clt, err := NewIdentity(clientName)
	if err != nil {
		return nil, err
	}

	anchors := x509.NewCertPool()
	if !anchors.AppendCertsFromPEM(srv.CertPEM()) {
		return nil, stage.New(stage.ClientConfigBuild, "failed to add server certificate to trust anchors")
	}

	clientTLS := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
		RootCAs:      anchors,
		Certificates: []tls.Certificate{clt.TLSCertificate()},
		ServerName:   serverName,
		NextProtos:   slices.Clone(o.protocols),
	}

	if len(srv.TLSCertificate().Certificate) == 0 {
		return nil, stage.New(stage.ServerConfigBuild, "server identity has no certificate chain")
	}
	policy := o.policy
	serverTLS := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{srv.TLSCertificate()},
		// Request but never require: the policy decides.
		ClientAuth: tls.RequestClientCert,
		NextProtos: slices.Clone(o.protocols),
		VerifyConnection: func(cs tls.ConnectionState) error {
			return policy.VerifyClient(cs.PeerCertificates)
		},
	}

	return &Pair{
		Server:    srv,
		Client:    clt,
		Anchors:   anchors,
		serverTLS: serverTLS,
		clientTLS: clientTLS,
	}, nil
}

// ServerTLS returns a copy of the server configuration.
func (p *Pair) ServerTLS() *tls.Config { return p.serverTLS.Clone() }

// ClientTLS returns a copy of the client configuration. When protos is
// non-empty it replaces the offered ALPN list.
func (p *Pair) ClientTLS(protos ...string) *tls.Config {
	c := p.clientTLS.Clone()
	if len(protos) > 0 {
		c.NextProtos = slices.Clone(protos)
	}
	return c
}
