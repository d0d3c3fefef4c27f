//go:build unix

package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/lachieh/wrpc/pkg/stage"
)

func withTestLogger(t *testing.T) {
	t.Helper()
	restore := zap.ReplaceGlobals(zaptest.NewLogger(t))
	t.Cleanup(restore)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func requireKilled(t *testing.T, state *os.ProcessState) {
	t.Helper()
	require.NotNil(t, state)
	assert.Equal(t, -1, state.ExitCode())
	ws, ok := state.Sys().(syscall.WaitStatus)
	require.True(t, ok)
	assert.True(t, ws.Signaled())
	assert.Equal(t, syscall.SIGKILL, ws.Signal())
}

func TestFireKillsLongRunningChild(t *testing.T) {
	withTestLogger(t)
	h, trig, err := Spawn(context.Background(), exec.Command("sleep", "30"))
	require.NoError(t, err)
	require.NotZero(t, h.Pid())

	require.NoError(t, trig.Fire())
	state, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	requireKilled(t, state)
}

func TestNaturalExitLeavesTriggerInert(t *testing.T) {
	withTestLogger(t)
	h, trig, err := Spawn(context.Background(), exec.Command("sh", "-c", "exit 0"))
	require.NoError(t, err)

	state, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 0, state.ExitCode())
	assert.True(t, state.Success())

	assert.ErrorIs(t, trig.Fire(), ErrExited)

	// the result is stable across reads
	again, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Same(t, state, again)
}

func TestNonZeroExitIsAStatus(t *testing.T) {
	withTestLogger(t)
	h, _, err := Spawn(context.Background(), exec.Command("sh", "-c", "exit 3"))
	require.NoError(t, err)

	state, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 3, state.ExitCode())
}

func TestClosedTriggerReportsShutdownChannelClosed(t *testing.T) {
	withTestLogger(t)
	h, trig, err := Spawn(context.Background(), exec.Command("sleep", "30"))
	require.NoError(t, err)

	require.NoError(t, trig.Close())
	state, err := h.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Equal(t, stage.ShutdownChannelClosed, stage.Of(err))
	requireKilled(t, state)
}

func TestCancelledScopeKillsChild(t *testing.T) {
	withTestLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	h, _, err := Spawn(ctx, exec.Command("sleep", "30"))
	require.NoError(t, err)

	cancel()
	state, err := h.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Equal(t, stage.ShutdownChannelClosed, stage.Of(err))
	assert.ErrorIs(t, err, context.Canceled)
	requireKilled(t, state)
}

func TestTriggerIsSingleUse(t *testing.T) {
	withTestLogger(t)
	h, trig, err := Spawn(context.Background(), exec.Command("sleep", "30"))
	require.NoError(t, err)

	require.NoError(t, trig.Fire())
	err = trig.Fire()
	assert.True(t, errors.Is(err, ErrTriggerSpent) || errors.Is(err, ErrExited), "got %v", err)
	err = trig.Close()
	assert.True(t, errors.Is(err, ErrTriggerSpent), "got %v", err)

	state, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	requireKilled(t, state)
}

func TestWaitHonoursContext(t *testing.T) {
	withTestLogger(t)
	h, trig, err := Spawn(context.Background(), exec.Command("sleep", "30"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = trig.Fire()
		<-h.Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-h.Done():
		t.Fatalf("child should still be running")
	default:
	}
}

func TestSpawnFailure(t *testing.T) {
	withTestLogger(t)
	_, _, err := Spawn(context.Background(), exec.Command("/nonexistent/wrpc-test-binary"))
	require.Error(t, err)
	assert.Equal(t, stage.Spawn, stage.Of(err))
}
