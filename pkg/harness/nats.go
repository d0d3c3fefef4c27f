package harness

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/jpillora/backoff"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lachieh/wrpc/pkg/port"
	"github.com/lachieh/wrpc/pkg/process"
	"github.com/lachieh/wrpc/pkg/stage"
)

// NATS is a supervised nats-server with a connected client.
type NATS struct {
	Port uint16
	URL  string
	Conn *nats.Conn

	handle  *process.Handle
	trigger *process.Trigger
	log     *zap.Logger
}

// StartNATS launches nats-server on a free loopback port and connects to it.
// The broker lives no longer than ctx. Call Stop to shut it down.
func StartNATS(ctx context.Context, opts ...Option) (*NATS, error) {
	o := newOptions(opts)
	p, err := port.Free()
	if err != nil {
		return nil, err
	}
	args := append([]string{"-T=false", "-a", port.Loopback.String(), "-p", strconv.Itoa(int(p))}, o.natsArgs...)
	h, trig, err := process.Spawn(ctx, exec.Command(o.natsBinary, args...))
	if err != nil {
		return nil, err
	}
	n := &NATS{
		Port:    p,
		URL:     fmt.Sprintf("nats://%s:%d", port.Loopback, p),
		handle:  h,
		trigger: trig,
		log:     o.log.With(zap.Uint16("port", p), zap.Int("pid", h.Pid())),
	}
	n.Conn, err = n.connect(ctx, o.natsConnect)
	if err != nil {
		_ = trig.Fire()
		_, _ = h.Wait(context.Background())
		return nil, err
	}
	n.log.Debug("nats broker ready", zap.String("url", n.URL))
	return n, nil
}

// connect retries until the broker accepts the client, the broker exits or
// the timeout elapses.
func (n *NATS) connect(ctx context.Context, timeout time.Duration) (*nats.Conn, error) {
	nc, err := nats.Connect(n.URL,
		nats.Name("wrpctest"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(25*time.Millisecond),
		nats.Timeout(timeout),
	)
	if err != nil {
		return nil, stage.Wrap(stage.BrokerConnect, err)
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: 200 * time.Millisecond}
	for !nc.IsConnected() {
		select {
		case <-time.After(b.Duration()):
		case <-n.handle.Done():
			nc.Close()
			st, err := n.handle.Wait(ctx)
			if err == nil {
				err = fmt.Errorf("nats-server exited: %s", st)
			}
			return nil, stage.Wrap(stage.BrokerConnect, err)
		case <-deadline.C:
			nc.Close()
			return nil, stage.Wrap(stage.BrokerConnect, fmt.Errorf("not connected after %s", timeout))
		case <-ctx.Done():
			nc.Close()
			return nil, stage.Wrap(stage.BrokerConnect, ctx.Err())
		}
	}
	return nc, nil
}

// Stop closes the client, fires the shutdown trigger and waits for the
// broker to be reaped.
func (n *NATS) Stop(ctx context.Context) error {
	n.Conn.Close()
	if err := n.trigger.Fire(); err != nil && !errors.Is(err, process.ErrExited) {
		return stage.Wrap(stage.Teardown, err)
	}
	st, err := n.handle.Wait(ctx)
	if err != nil {
		return stage.Wrap(stage.Teardown, err)
	}
	n.log.Debug("nats broker stopped", zap.Stringer("state", st))
	return nil
}

// WithNATS starts a broker, runs f with its port and a connected client, then
// stops the broker. An error from f takes precedence over a teardown failure.
func WithNATS[T any](ctx context.Context, f func(ctx context.Context, port uint16, nc *nats.Conn) (T, error), opts ...Option) (T, error) {
	var zero T
	n, err := StartNATS(ctx, opts...)
	if err != nil {
		return zero, err
	}
	v, ferr := closure(f(ctx, n.Port, n.Conn))
	if err := n.Stop(ctx); err != nil {
		if ferr != nil {
			return zero, errors.Join(ferr, err)
		}
		return zero, err
	}
	return v, ferr
}
