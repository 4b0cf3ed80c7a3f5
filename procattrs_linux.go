//go:build linux

package frontdoor

import (
	"os/exec"
	"syscall"
)

func configureBackendProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
