//go:build linux

package reaper

import (
	"errors"
	"fmt"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

func configurePlatform(r *Reaper) {
	r.list = listProcesses
	r.kill = killProcess
	r.reap = reapProcess
}

// EnableSubreaper marks the calling process as a child subreaper so orphaned
// descendants re-parent to it instead of init.
func EnableSubreaper() error {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set child subreaper: %w", err)
	}
	return nil
}

func listProcesses() (map[int]procInfo, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	table := make(map[int]procInfo, len(procs))
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			// The process exited between listing and reading its stat.
			continue
		}
		table[stat.PID] = procInfo{ppid: stat.PPID, zombie: stat.State == "Z"}
	}
	return table, nil
}

func killProcess(pid int) error {
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func reapProcess(pid int) (bool, error) {
	var status unix.WaitStatus
	for {
		wpid, err := unix.Wait4(pid, &status, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return false, nil
		case err != nil:
			return false, err
		}
		return wpid == pid, nil
	}
}
