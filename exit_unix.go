//go:build unix

package frontdoor

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// decodeExit turns a reaped process state into an exitStatus.
func decodeExit(ps *os.ProcessState) exitStatus {
	if ps == nil {
		return exitStatus{}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return exitStatus{Signal: unix.SignalName(ws.Signal())}
	}
	code := ps.ExitCode()
	if code < 0 {
		return exitStatus{}
	}
	return exitStatus{Code: &code}
}

// terminate sends SIGTERM to the backend's process group, falling back to
// the process itself when the group is already gone.
func terminate(p *os.Process) error {
	err := unix.Kill(-p.Pid, unix.SIGTERM)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ESRCH) || errors.Is(err, unix.EPERM) {
		return p.Signal(syscall.SIGTERM)
	}
	return err
}
