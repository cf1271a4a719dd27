package cli

import (
	stdcontext "context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Paintersrp/supervisor/internal/api"
	"github.com/Paintersrp/supervisor/internal/cliutil"
	"github.com/Paintersrp/supervisor/internal/engine"
)

// supervisorView is the part of engine.Supervisor the control API needs.
type supervisorView interface {
	Snapshot() engine.Snapshot
	Restart()
}

// ControlAPI exposes supervisor operations for the HTTP control plane.
type ControlAPI struct {
	sup     supervisorView
	stopped atomic.Bool
	now     func() time.Time
}

// NewControlAPI wraps sup for the HTTP server.
func NewControlAPI(sup supervisorView) *ControlAPI {
	if sup == nil {
		return nil
	}
	return &ControlAPI{sup: sup, now: time.Now}
}

// Status returns the current child slot.
func (apiCtrl *ControlAPI) Status(ctx stdcontext.Context) (*api.StatusReport, error) {
	if err := apiCtrl.check(ctx); err != nil {
		return nil, err
	}
	snap := apiCtrl.sup.Snapshot()
	report := &api.StatusReport{
		PID:         snap.PID,
		Running:     snap.PID != 0,
		Generation:  snap.Generation,
		Command:     cliutil.RedactArgs(snap.Command),
		GeneratedAt: apiCtrl.now(),
	}
	if report.Running && !snap.StartedAt.IsZero() {
		startedAt := snap.StartedAt
		report.StartedAt = &startedAt
	}
	return report, nil
}

// Restart kills the running child and its descendants so the loop spawns a
// replacement, exactly as an interrupt does.
func (apiCtrl *ControlAPI) Restart(ctx stdcontext.Context) (*api.RestartResult, error) {
	if err := apiCtrl.check(ctx); err != nil {
		return nil, err
	}
	snap := apiCtrl.sup.Snapshot()
	if snap.PID == 0 {
		return nil, fmt.Errorf("%w to restart", api.ErrNotRunning)
	}
	apiCtrl.sup.Restart()
	return &api.RestartResult{
		PreviousPID: snap.PID,
		Generation:  snap.Generation,
		RequestedAt: apiCtrl.now(),
	}, nil
}

func (apiCtrl *ControlAPI) check(ctx stdcontext.Context) error {
	if apiCtrl == nil || apiCtrl.sup == nil {
		return api.ErrSupervisorStopped
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if apiCtrl.stopped.Load() {
		return api.ErrSupervisorStopped
	}
	return nil
}

func (apiCtrl *ControlAPI) markStopped() {
	apiCtrl.stopped.Store(true)
}

// Ensure interface compliance at compile time.
var _ api.Controller = (*ControlAPI)(nil)
