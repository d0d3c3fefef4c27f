package config

import (
	"fmt"
	"strings"
	"time"
)

// HarnessConfig tunes the test harness. Durations are milliseconds; zero
// leaves the transport default.
type HarnessConfig struct {
	HandshakeTimeoutMS int `mapstructure:"handshake_timeout_ms"`
	IdleTimeoutMS      int `mapstructure:"idle_timeout_ms"`
	KeepAliveMS        int `mapstructure:"keep_alive_ms"`
	// Codec names the probe payload encoding: json, cbor or proto.
	Codec string `mapstructure:"codec"`

	NATS NATSConfig `mapstructure:"nats"`
}

// NATSConfig describes how the broker helper launches nats-server.
type NATSConfig struct {
	Binary string `mapstructure:"binary"`
	// Args are appended after the listen flags.
	Args             []string `mapstructure:"args"`
	ConnectTimeoutMS int      `mapstructure:"connect_timeout_ms"`
}

func (h HarnessConfig) HandshakeTimeout() time.Duration { return ms(h.HandshakeTimeoutMS) }
func (h HarnessConfig) IdleTimeout() time.Duration      { return ms(h.IdleTimeoutMS) }
func (h HarnessConfig) KeepAlive() time.Duration        { return ms(h.KeepAliveMS) }
func (n NATSConfig) ConnectTimeout() time.Duration      { return ms(n.ConnectTimeoutMS) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (h *HarnessConfig) validate() error {
	for name, v := range map[string]int{
		"harness.handshake_timeout_ms":    h.HandshakeTimeoutMS,
		"harness.idle_timeout_ms":         h.IdleTimeoutMS,
		"harness.keep_alive_ms":           h.KeepAliveMS,
		"harness.nats.connect_timeout_ms": h.NATS.ConnectTimeoutMS,
	} {
		if v < 0 {
			return fmt.Errorf("invalid %s: %d", name, v)
		}
	}
	h.Codec = strings.ToLower(strings.TrimSpace(h.Codec))
	switch h.Codec {
	case "":
		h.Codec = "json"
	case "json", "cbor", "proto":
	default:
		return fmt.Errorf("invalid harness.codec: %q", h.Codec)
	}
	if strings.TrimSpace(h.NATS.Binary) == "" {
		h.NATS.Binary = "nats-server"
	}
	return nil
}
