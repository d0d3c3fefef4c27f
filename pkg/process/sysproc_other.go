//go:build !linux

package process

import "os/exec"

// start launches cmd. Without a parent-death signal the supervising context
// is what kills the child.
func start(cmd *exec.Cmd) error { return cmd.Start() }
