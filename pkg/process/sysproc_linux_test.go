//go:build linux

package process

import (
	"os/exec"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSetsParentDeathSignal(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, start(cmd))
	require.NoError(t, cmd.Wait())
	assert.Equal(t, syscall.SIGKILL, cmd.SysProcAttr.Pdeathsig)

	cmd = exec.Command("true")
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
	require.NoError(t, start(cmd))
	require.NoError(t, cmd.Wait())
	assert.Equal(t, syscall.SIGTERM, cmd.SysProcAttr.Pdeathsig)
}

func TestChildSurvivesSpawningThreadExit(t *testing.T) {
	withTestLogger(t)
	type spawned struct {
		h    *Handle
		trig *Trigger
		err  error
	}
	res := make(chan spawned, 1)
	go func() {
		// Exiting while locked terminates this OS thread.
		runtime.LockOSThread()
		h, trig, err := Spawn(waitCtx(t), exec.Command("sleep", "30"))
		res <- spawned{h, trig, err}
	}()
	r := <-res
	require.NoError(t, r.err)

	select {
	case <-r.h.Done():
		t.Fatalf("child died with its spawning thread: %v", r.h.state)
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, r.trig.Fire())
	state, err := r.h.Wait(waitCtx(t))
	require.NoError(t, err)
	requireKilled(t, state)
}
