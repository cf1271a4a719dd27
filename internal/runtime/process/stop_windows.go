//go:build windows

package process

import (
	"errors"
	"fmt"
	"os"
)

func (p *processInstance) Kill() error {
	if p.exited() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill process %d: %w", p.pid, err)
	}
	return nil
}
