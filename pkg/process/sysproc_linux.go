//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// start launches cmd with a parent-death SIGKILL so the child cannot outlive
// the test binary.
//
// Pdeathsig fires when the forking OS thread exits, not the process. A caller
// locked to its thread (runtime.LockOSThread) may let that thread die while
// the child still runs, so the fork happens on a fresh goroutine, which never
// inherits the lock.
func start(cmd *exec.Cmd) error {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	if cmd.SysProcAttr.Pdeathsig == 0 {
		cmd.SysProcAttr.Pdeathsig = syscall.SIGKILL
	}
	errc := make(chan error, 1)
	go func() { errc <- cmd.Start() }()
	return <-errc
}
