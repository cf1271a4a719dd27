package engine

import (
	"time"

	"github.com/Paintersrp/supervisor/internal/runtime"
)

// EventType captures high level lifecycle notifications emitted by the
// supervisor loop.
type EventType string

const (
	EventTypeStarting    EventType = "starting"
	EventTypeStarted     EventType = "started"
	EventTypeStartFailed EventType = "start_failed"
	EventTypeExited      EventType = "exited"
	EventTypeSignal      EventType = "signal"
	EventTypeKilled      EventType = "killed"
	EventTypeSwept       EventType = "swept"
	EventTypeReaped      EventType = "reaped"
	EventTypeStopping    EventType = "stopping"
	EventTypeStopped     EventType = "stopped"
	EventTypeError       EventType = "error"
)

// Event represents a single lifecycle notification.
type Event struct {
	Timestamp  time.Time
	Type       EventType
	Message    string
	Level      string
	PID        int
	Generation int
	Status     *runtime.ExitStatus
	Signal     string
	PIDs       []int
	Err        error
	Reason     string
}

const (
	ReasonSpawn        = "spawn"
	ReasonChildExit    = "child_exit"
	ReasonStartFailure = "start_failure"
	ReasonInterrupt    = "interrupt"
	ReasonRestart      = "restart_request"
	ReasonTerminate    = "terminate"
	ReasonContextDone  = "context_done"
	ReasonOrphanReaped = "orphan_reaped"
	ReasonKillFailed   = "kill_failed"
	ReasonSweepFailed  = "sweep_failed"
	ReasonExitTimeout  = "exit_timeout"
)

func sendEvent(events chan<- Event, evt Event) {
	if events == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	events <- evt
}
