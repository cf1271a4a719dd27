package api

import (
	stdcontext "context"
	"errors"
	"time"
)

var (
	ErrNotRunning        = errors.New("no child running")
	ErrSupervisorStopped = errors.New("supervisor stopped")
)

// StatusReport describes the supervised child slot.
type StatusReport struct {
	PID         int        `json:"pid"`
	Running     bool       `json:"running"`
	Generation  int        `json:"generation"`
	Command     []string   `json:"command"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	GeneratedAt time.Time  `json:"generated_at"`
}

// RestartResult captures the outcome of a restart request.
type RestartResult struct {
	PreviousPID int       `json:"previous_pid"`
	Generation  int       `json:"generation"`
	RequestedAt time.Time `json:"requested_at"`
}

// Controller exposes supervisor operations required by the HTTP server.
type Controller interface {
	Status(stdcontext.Context) (*StatusReport, error)
	Restart(stdcontext.Context) (*RestartResult, error)
}
