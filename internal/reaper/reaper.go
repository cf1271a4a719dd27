package reaper

import (
	"errors"
	"log/slog"
	"os"
	"slices"
	"time"
)

// ErrSubreaperUnsupported is returned by EnableSubreaper on platforms without
// child subreaper support.
var ErrSubreaperUnsupported = errors.New("child subreaper not supported on this platform")

const (
	defaultSettleInterval = 10 * time.Millisecond
	defaultMaxRounds      = 50
)

// Result lists the processes a sweep acted on.
type Result struct {
	Killed []int
	Reaped []int
}

// Empty reports whether the sweep found nothing to do.
func (r Result) Empty() bool {
	return len(r.Killed) == 0 && len(r.Reaped) == 0
}

type procInfo struct {
	ppid   int
	zombie bool
}

// Reaper kills and reaps the descendants of a root process, normally the
// supervisor itself.
type Reaper struct {
	root int
	log  *slog.Logger

	list func() (map[int]procInfo, error)
	kill func(pid int) error
	reap func(pid int) (bool, error)

	settle    time.Duration
	maxRounds int
	sleep     func(time.Duration)
}

// New constructs a Reaper rooted at the calling process. If logger is nil,
// slog.Default() is used.
func New(logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reaper{
		root:      os.Getpid(),
		log:       logger,
		settle:    defaultSettleInterval,
		maxRounds: defaultMaxRounds,
		sleep:     time.Sleep,
	}
	configurePlatform(r)
	return r
}

// Descendants returns every transitive descendant of the reaper's root.
func (r *Reaper) Descendants() ([]int, error) {
	if r.list == nil {
		return nil, nil
	}
	table, err := r.list()
	if err != nil {
		return nil, err
	}
	return descendantsOf(r.root, table), nil
}

// Sweep force-kills every descendant except exclude and reaps the zombies
// among the root's direct children, again skipping exclude. The excluded pid
// is the tracked child, whose exit status belongs to the process runtime.
//
// Sweep repeats until no killed process is still pending or the round budget
// runs out, so descendants forked while the sweep runs are caught as well.
func (r *Reaper) Sweep(exclude int) (Result, error) {
	var res Result
	if r.list == nil {
		return res, nil
	}

	signalled := make(map[int]struct{})
	for round := 0; round < r.maxRounds; round++ {
		table, err := r.list()
		if err != nil {
			return res, err
		}

		pending := false
		for _, pid := range descendantsOf(r.root, table) {
			if pid == exclude {
				continue
			}
			info := table[pid]
			if info.zombie {
				if info.ppid != r.root {
					continue
				}
				reaped, err := r.reap(pid)
				if err != nil {
					r.log.Debug("reap failed", "pid", pid, "error", err)
					continue
				}
				if reaped {
					res.Reaped = append(res.Reaped, pid)
				}
				continue
			}
			if _, ok := signalled[pid]; ok {
				pending = true
				continue
			}
			if err := r.kill(pid); err != nil {
				r.log.Debug("kill failed", "pid", pid, "error", err)
				continue
			}
			signalled[pid] = struct{}{}
			res.Killed = append(res.Killed, pid)
			pending = true
		}

		if !pending {
			break
		}
		r.sleep(r.settle)
	}
	return res, nil
}

// Reap collects every zombie direct child of the root except exclude without
// signalling anything. It returns the reaped pids.
func (r *Reaper) Reap(exclude int) ([]int, error) {
	if r.list == nil {
		return nil, nil
	}
	table, err := r.list()
	if err != nil {
		return nil, err
	}
	var reaped []int
	for _, pid := range sortedPIDs(table) {
		info := table[pid]
		if pid == exclude || info.ppid != r.root || !info.zombie {
			continue
		}
		ok, err := r.reap(pid)
		if err != nil {
			r.log.Debug("reap failed", "pid", pid, "error", err)
			continue
		}
		if ok {
			reaped = append(reaped, pid)
		}
	}
	return reaped, nil
}

// descendantsOf walks the parent links in table breadth-first from root.
// The result excludes root and is ordered by depth, then by pid.
func descendantsOf(root int, table map[int]procInfo) []int {
	children := make(map[int][]int, len(table))
	for _, pid := range sortedPIDs(table) {
		ppid := table[pid].ppid
		children[ppid] = append(children[ppid], pid)
	}

	var out []int
	seen := map[int]struct{}{root: {}}
	queue := []int{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, child := range children[pid] {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

func sortedPIDs(table map[int]procInfo) []int {
	pids := make([]int, 0, len(table))
	for pid := range table {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids
}
