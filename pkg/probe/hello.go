package probe

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lachieh/wrpc/pkg/crypto/sign"
	"github.com/lachieh/wrpc/pkg/protocol/codec"
)

// Role names which end of a session sent a Hello.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// Hello is the identity message each side sends on the probe stream. It
// states who the sender is, who it believes the peer is and which ALPN it
// negotiated. The server echoes the client nonce.
type Hello struct {
	Role      Role   `json:"role" yaml:"role"`
	Name      string `json:"name" yaml:"name"`
	Proto     string `json:"proto" yaml:"proto"`
	PeerName  string `json:"peer_name" yaml:"peer_name"`
	Nonce     []byte `json:"nonce" yaml:"nonce"`
	Timestamp int64  `json:"ts_unix_ms" yaml:"ts_unix_ms"`
	Sig       []byte `json:"sig,omitempty" yaml:"sig,omitempty"`
}

// Transcript is the byte string Sig covers.
func (h Hello) Transcript() []byte {
	return sign.Transcript(string(h.Role), h.Name, h.PeerName, h.Proto, h.Nonce, h.Timestamp)
}

func (h Hello) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"role":       string(h.Role),
		"name":       h.Name,
		"proto":      h.Proto,
		"peer_name":  h.PeerName,
		"nonce":      h.Nonce,
		"ts_unix_ms": h.Timestamp,
		"sig":        h.Sig,
	})
}

func helloFromStruct(s *structpb.Struct) (Hello, error) {
	f := s.GetFields()
	nonce, err := base64.StdEncoding.DecodeString(f["nonce"].GetStringValue())
	if err != nil {
		return Hello{}, fmt.Errorf("nonce: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(f["sig"].GetStringValue())
	if err != nil {
		return Hello{}, fmt.Errorf("sig: %w", err)
	}
	return Hello{
		Role:      Role(f["role"].GetStringValue()),
		Name:      f["name"].GetStringValue(),
		Proto:     f["proto"].GetStringValue(),
		PeerName:  f["peer_name"].GetStringValue(),
		Nonce:     nonce,
		Timestamp: int64(f["ts_unix_ms"].GetNumberValue()),
		Sig:       sig,
	}, nil
}

// encodeHello marshals h with c. Protobuf codecs carry it as a
// google.protobuf.Struct.
func encodeHello(c codec.Codec, h Hello) ([]byte, error) {
	if !wantsProto(c) {
		return c.Marshal(h)
	}
	s, err := h.toStruct()
	if err != nil {
		return nil, err
	}
	return c.Marshal(s)
}

func decodeHello(c codec.Codec, data []byte) (Hello, error) {
	if !wantsProto(c) {
		var h Hello
		err := c.Unmarshal(data, &h)
		return h, err
	}
	var s structpb.Struct
	if err := c.Unmarshal(data, &s); err != nil {
		return Hello{}, err
	}
	return helloFromStruct(&s)
}

func wantsProto(c codec.Codec) bool {
	return c.ContentType() == codec.Proto().ContentType()
}
