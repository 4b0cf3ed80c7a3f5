//go:build !unix

package frontdoor

import (
	"os"
	"os/exec"
)

func configureBackendProcAttrs(cmd *exec.Cmd) {}

func decodeExit(ps *os.ProcessState) exitStatus {
	if ps == nil {
		return exitStatus{}
	}
	code := ps.ExitCode()
	if code < 0 {
		return exitStatus{}
	}
	return exitStatus{Code: &code}
}

// terminate kills the backend outright; there is no SIGTERM to send here.
func terminate(p *os.Process) error {
	return p.Kill()
}
