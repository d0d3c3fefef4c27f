package sign

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscriptFormat(t *testing.T) {
	got := Transcript(" Client", "client.wrpc", "localhost", "wrpc", []byte{0xfb, 0xff}, 42)
	assert.Equal(t, "wrpc:probe|v=1|role=client|name=client.wrpc|peer=localhost|proto=wrpc|ts=42|nonce=-_8", string(got))
}

func TestECDSARoundTrip(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	msg := Transcript("server", "localhost", "client.wrpc", "h3", []byte("n"), 1)

	sig, err := Sign(key, msg)
	require.NoError(t, err)
	assert.NoError(t, Verify(&key.PublicKey, msg, sig))
	assert.Error(t, Verify(&key.PublicKey, append(msg, 'x'), sig))
}

func TestEd25519RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	msg := []byte("payload")

	sig, err := Sign(priv, msg)
	require.NoError(t, err)
	assert.NoError(t, Verify(pub, msg, sig))
	assert.Error(t, Verify(pub, []byte("other"), sig))
}

func TestVerifyRejectsUnknownKey(t *testing.T) {
	assert.ErrorContains(t, Verify("not a key", nil, nil), "unsupported")
	_, err := Sign(nil, nil)
	assert.Error(t, err)
}
