// Package process supervises a single child process for the lifetime of a test.
//
// Spawn starts the child and a supervisor goroutine that races the shutdown
// Trigger against the child exiting on its own. Exactly one of the two paths
// produces the final status, which the Handle reports to any number of
// readers.
package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/lachieh/wrpc/pkg/stage"
)

// ErrExited is returned by Trigger.Fire once the child has already exited
// naturally. The child's status is unaffected.
var ErrExited = errors.New("process: child already exited")

// ErrTriggerSpent is returned when a Trigger is fired or closed a second time.
var ErrTriggerSpent = errors.New("process: shutdown trigger already used")

// Trigger is a single-use shutdown switch for a supervised child.
type Trigger struct {
	once sync.Once
	ch   chan struct{}
	done <-chan struct{}
}

// Fire asks the supervisor to kill the child. It never blocks.
func (t *Trigger) Fire() error {
	select {
	case <-t.done:
		return ErrExited
	default:
	}
	used := true
	t.once.Do(func() {
		used = false
		t.ch <- struct{}{}
	})
	if used {
		return ErrTriggerSpent
	}
	return nil
}

// Close drops the trigger without firing it. A supervisor still waiting on
// a live child treats this as an abandoned shutdown channel: it kills and
// reaps the child and reports stage.ShutdownChannelClosed.
func (t *Trigger) Close() error {
	used := true
	t.once.Do(func() {
		used = false
		close(t.ch)
	})
	if used {
		return ErrTriggerSpent
	}
	return nil
}

// Handle is the completion side of a supervised child.
type Handle struct {
	cmd  *exec.Cmd
	done chan struct{}

	// written once by the supervisor before done is closed
	state *os.ProcessState
	err   error
}

// Pid of the running child.
func (h *Handle) Pid() int { return h.cmd.Process.Pid }

// Done is closed once the final status is known.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the child has been reaped or ctx is done. A non-zero
// exit status, including death by signal, is reported through the
// returned state, not as an error.
func (h *Handle) Wait(ctx context.Context) (*os.ProcessState, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.state, h.err
	}
}

// Spawn starts cmd and supervises it.
//
// cmd must not have been started. Cancelling ctx abandons supervision and
// forcibly kills the child, so it is never leaked past the scope that spawned
// it.
func Spawn(ctx context.Context, cmd *exec.Cmd) (*Handle, *Trigger, error) {
	if err := start(cmd); err != nil {
		return nil, nil, stage.Wrap(stage.Spawn, err)
	}
	log := zap.L().Named("process").With(zap.String("path", cmd.Path), zap.Int("pid", cmd.Process.Pid))
	log.Debug("spawned child", zap.String("cmd", shellquote.Join(cmd.Args...)))

	h := &Handle{cmd: cmd, done: make(chan struct{})}
	t := &Trigger{ch: make(chan struct{}, 1), done: h.done}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	go func() {
		defer close(h.done)
		select {
		case _, ok := <-t.ch:
			if !ok {
				log.Debug("shutdown trigger dropped, killing child")
				h.state, h.err = killAndReap(cmd, exited)
				if h.err == nil {
					h.err = stage.New(stage.ShutdownChannelClosed, "")
				}
				return
			}
			log.Debug("shutdown requested, killing child")
			h.state, h.err = killAndReap(cmd, exited)
		case err := <-exited:
			h.state, h.err = status(cmd, err)
			log.Debug("child exited", zap.Stringer("state", h.state))
		case <-ctx.Done():
			log.Debug("supervision abandoned, killing child", zap.Error(ctx.Err()))
			h.state, h.err = killAndReap(cmd, exited)
			if h.err == nil {
				h.err = stage.Wrap(stage.ShutdownChannelClosed, context.Cause(ctx))
			}
		}
	}()
	return h, t, nil
}

// killAndReap kills the child and waits for the pending Wait to return.
// A child that already exited by the time of the kill keeps its own status.
func killAndReap(cmd *exec.Cmd, exited <-chan error) (*os.ProcessState, error) {
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return nil, stage.Wrap(stage.KillFailed, err)
	}
	return status(cmd, <-exited)
}

func status(cmd *exec.Cmd, err error) (*os.ProcessState, error) {
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return cmd.ProcessState, nil
	case errors.As(err, &exitErr):
		return exitErr.ProcessState, nil
	case cmd.ProcessState != nil:
		// e.g. stdio copy failures after the child was reaped
		return cmd.ProcessState, stage.Wrap(stage.WaitFailed, err)
	default:
		return nil, stage.Wrap(stage.WaitFailed, err)
	}
}
