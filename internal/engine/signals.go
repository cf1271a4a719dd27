package engine

import (
	"os"
	"syscall"
)

// Action is the supervisor's response to a delivered signal.
type Action int

const (
	// ActionIgnore drops the signal.
	ActionIgnore Action = iota
	// ActionRestart kills the current child and its descendants and lets the
	// loop spawn a replacement.
	ActionRestart
	// ActionStop kills the current child and its descendants and ends the
	// loop.
	ActionStop
	// ActionReap collects orphaned children without signalling anything.
	ActionReap
)

func (a Action) String() string {
	switch a {
	case ActionRestart:
		return "restart"
	case ActionStop:
		return "stop"
	case ActionReap:
		return "reap"
	default:
		return "ignore"
	}
}

// DefaultActions maps interrupt to kill-and-restart and termination to
// kill-and-stop. SIGKILL is listed for completeness; it never reaches a
// process on POSIX systems.
func DefaultActions() map[os.Signal]Action {
	actions := map[os.Signal]Action{
		os.Interrupt:    ActionRestart,
		syscall.SIGTERM: ActionStop,
		syscall.SIGKILL: ActionStop,
	}
	platformActions(actions)
	return actions
}

// NotifySignals returns the signals worth registering with signal.Notify for
// the given action table. Signals that cannot be caught are left out, as is
// the reap trigger unless reap is true.
func NotifySignals(actions map[os.Signal]Action, reap bool) []os.Signal {
	var out []os.Signal
	for sig, action := range actions {
		if sig == syscall.SIGKILL || action == ActionIgnore {
			continue
		}
		if action == ActionReap && !reap {
			continue
		}
		out = append(out, sig)
	}
	return out
}
