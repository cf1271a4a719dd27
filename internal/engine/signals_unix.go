//go:build !windows

package engine

import (
	"os"
	"syscall"
)

func platformActions(actions map[os.Signal]Action) {
	actions[syscall.SIGCHLD] = ActionReap
}
