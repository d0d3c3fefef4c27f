// Command wrpctest exposes the integration harness fixtures from the shell:
// free ports, trust material, supervised processes and a session self-test.
package main

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// exitCode propagates a child's exit status without printing an error.
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

// exitStatus maps a finished child to a shell style code: its exit status,
// or 128 plus the signal number when a signal ended it.
func exitStatus(st *os.ProcessState) int {
	if ws, ok := st.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return st.ExitCode()
}
