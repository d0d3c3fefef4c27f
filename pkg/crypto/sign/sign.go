// Package sign produces and checks signatures over probe transcripts using
// the private keys behind the session certificates.
package sign

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Transcript builds the canonical bytes a probe Hello is signed over:
//
//	wrpc:probe|v=1|role=<role>|name=<name>|peer=<peer>|proto=<alpn>|ts=<unix_ms>|nonce=<b64url>
func Transcript(role, name, peer, proto string, nonce []byte, tsUnixMS int64) []byte {
	var sb strings.Builder
	sb.Grow(96 + len(name) + len(peer))
	sb.WriteString("wrpc:probe|v=1|role=")
	sb.WriteString(strings.ToLower(strings.TrimSpace(role)))
	sb.WriteString("|name=")
	sb.WriteString(name)
	sb.WriteString("|peer=")
	sb.WriteString(peer)
	sb.WriteString("|proto=")
	sb.WriteString(proto)
	sb.WriteString("|ts=")
	sb.WriteString(strconv.FormatInt(tsUnixMS, 10))
	sb.WriteString("|nonce=")
	sb.WriteString(base64.RawURLEncoding.EncodeToString(nonce))
	return []byte(sb.String())
}

// Sign signs data with key. ECDSA and RSA keys sign the SHA-256 digest;
// ed25519 keys sign the message itself.
func Sign(key crypto.Signer, data []byte) ([]byte, error) {
	if key == nil {
		return nil, errors.New("sign: no key")
	}
	if _, ok := key.Public().(ed25519.PublicKey); ok {
		return key.Sign(rand.Reader, data, crypto.Hash(0))
	}
	digest := sha256.Sum256(data)
	return key.Sign(rand.Reader, digest[:], crypto.SHA256)
}

// Verify checks sig over data against pub.
func Verify(pub crypto.PublicKey, data, sig []byte) error {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(data)
		if !ecdsa.VerifyASN1(k, digest[:], sig) {
			return errors.New("sign: ecdsa signature invalid")
		}
		return nil
	case ed25519.PublicKey:
		if !ed25519.Verify(k, data, sig) {
			return errors.New("sign: ed25519 signature invalid")
		}
		return nil
	default:
		return fmt.Errorf("sign: unsupported public key %T", pub)
	}
}
