//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// configureCmdSysProcAttr puts the child in its own process group when
// ownGroup is set. Pdeathsig makes the kernel kill the child when the
// supervisor dies from a signal it cannot intercept, such as SIGKILL.
func configureCmdSysProcAttr(cmd *exec.Cmd, ownGroup bool) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   ownGroup,
		Pdeathsig: syscall.SIGKILL,
	}
}
