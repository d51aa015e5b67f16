//go:build !linux

package procexec

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the child in its own process group on platforms that
// support it; there's no Linux-specific Pdeathsig equivalent here.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
