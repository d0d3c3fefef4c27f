package harness

import (
	"time"

	"go.uber.org/zap"

	"github.com/lachieh/wrpc/pkg/config"
	tquic "github.com/lachieh/wrpc/pkg/transport/quic"
	"github.com/lachieh/wrpc/pkg/trust"
)

type options struct {
	log    *zap.Logger
	quic   tquic.Options
	policy trust.ClientPolicy
	pair   *trust.Pair

	natsBinary  string
	natsArgs    []string
	natsConnect time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		policy:      trust.AcceptAny,
		natsBinary:  "nats-server",
		natsConnect: 5 * time.Second,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = zap.L()
	}
	o.log = o.log.Named("harness")
	return o
}

// Option configures a harness helper.
type Option func(*options)

// WithLogger routes harness logs to l. Defaults to zap.L().
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

// WithHandshakeTimeout bounds the QUIC handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.quic.HandshakeTimeout = d }
}

// WithIdleTimeout sets the QUIC idle timeout.
func WithIdleTimeout(d time.Duration) Option { return func(o *options) { o.quic.IdleTimeout = d } }

// WithKeepAlive sets the QUIC keep-alive period.
func WithKeepAlive(d time.Duration) Option { return func(o *options) { o.quic.KeepAlive = d } }

// WithClientPolicy decides which client certificates the server accepts.
// Defaults to trust.AcceptAny.
func WithClientPolicy(p trust.ClientPolicy) Option { return func(o *options) { o.policy = p } }

// WithPair uses a caller-built trust pair instead of generating one. The
// client policy option is ignored when a pair is supplied.
func WithPair(p *trust.Pair) Option { return func(o *options) { o.pair = p } }

// WithNATSBinary sets the nats-server executable. Defaults to "nats-server"
// resolved through PATH.
func WithNATSBinary(path string) Option { return func(o *options) { o.natsBinary = path } }

// WithNATSArgs appends extra arguments to the nats-server command line.
func WithNATSArgs(args ...string) Option {
	return func(o *options) { o.natsArgs = append(o.natsArgs, args...) }
}

// WithNATSConnectTimeout bounds how long the client waits for the broker to
// accept connections.
func WithNATSConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.natsConnect = d }
}

// FromConfig applies the harness section of cfg. Later options override it.
func FromConfig(cfg *config.Config) Option {
	return func(o *options) {
		if cfg == nil {
			return
		}
		h := cfg.Harness
		o.quic.HandshakeTimeout = h.HandshakeTimeout()
		o.quic.IdleTimeout = h.IdleTimeout()
		o.quic.KeepAlive = h.KeepAlive()
		if h.NATS.Binary != "" {
			o.natsBinary = h.NATS.Binary
		}
		o.natsArgs = append(o.natsArgs, h.NATS.Args...)
		if d := h.NATS.ConnectTimeout(); d > 0 {
			o.natsConnect = d
		}
	}
}
