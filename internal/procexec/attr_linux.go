//go:build linux

package procexec

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the child in its own process group and arranges for it to
// receive SIGHUP if we die first, so a crashed daemon doesn't leak compiler
// subprocesses.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGHUP,
		Setpgid:   true,
	}
}
