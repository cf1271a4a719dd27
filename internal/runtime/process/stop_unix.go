//go:build !windows

package process

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Kill sends SIGKILL to the child's process group, when it leads one, and
// then to the child itself, in case the child moved to a group of its own.
// A child sharing the supervisor's group is killed alone and its
// descendants are left to the reaper.
func (p *processInstance) Kill() error {
	if p.exited() {
		return nil
	}

	if p.ownGroup {
		if err := unix.Kill(-p.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("kill process group %d: %w", p.pid, err)
		}
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill process %d: %w", p.pid, err)
	}
	return nil
}
