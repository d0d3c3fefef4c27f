// Package trust issues ephemeral self-signed identities for a local trust
// domain and turns them into client and server TLS configurations.
//
// Nothing here is persisted: every Pair is generated in memory for a single
// test invocation and discarded with it.
package trust

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/lachieh/wrpc/pkg/stage"
)

// Identity names used by the harness for the two roles.
const (
	ServerName = "localhost"
	ClientName = "client.wrpc"
)

// Identity is a self-signed certificate and its private key, bound to Name.
type Identity struct {
	Name        string
	Certificate *x509.Certificate
	Key         *ecdsa.PrivateKey

	tls tls.Certificate
}

// NewIdentity generates a fresh ECDSA P-256 key and a self-signed certificate
// valid for name as both DNS SAN and common name.
func NewIdentity(name string) (*Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, stage.Wrapf(stage.CertGen, err, "failed to generate key for %q", name)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, stage.Wrapf(stage.CertGen, err, "failed to generate serial for %q", name)
	}
	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{name},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, stage.Wrapf(stage.CertGen, err, "failed to generate certificate for %q", name)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, stage.Wrapf(stage.CertGen, err, "failed to parse certificate for %q", name)
	}

	id := &Identity{Name: name, Certificate: cert, Key: key}
	keyPEM, err := id.KeyPEM()
	if err != nil {
		return nil, stage.Wrap(stage.ConfigConversion, err)
	}
	id.tls, err = tls.X509KeyPair(id.CertPEM(), keyPEM)
	if err != nil {
		return nil, stage.Wrap(stage.ConfigConversion, err)
	}
	return id, nil
}

// TLSCertificate returns the identity in the form crypto/tls presents it.
func (id *Identity) TLSCertificate() tls.Certificate { return id.tls }

// CertPEM encodes the certificate as a PEM block.
func (id *Identity) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.Certificate.Raw})
}

// KeyPEM encodes the private key as a PKCS #8 PEM block.
func (id *Identity) KeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(id.Key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
