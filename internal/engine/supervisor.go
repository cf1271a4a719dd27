package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Paintersrp/supervisor/internal/reaper"
	"github.com/Paintersrp/supervisor/internal/runtime"
)

// ErrNoCommand is returned by New when the command line is empty.
var ErrNoCommand = errors.New("no command to supervise")

const defaultKillTimeout = 5 * time.Second

// Sweeper kills and reaps processes outside the tracked child.
type Sweeper interface {
	// Sweep force-kills every descendant except exclude and reaps orphaned
	// zombies.
	Sweep(exclude int) (reaper.Result, error)
	// Reap collects orphaned zombies except exclude.
	Reap(exclude int) ([]int, error)
}

type noopSweeper struct{}

func (noopSweeper) Sweep(int) (reaper.Result, error) { return reaper.Result{}, nil }
func (noopSweeper) Reap(int) ([]int, error)          { return nil, nil }

// Snapshot describes the current child slot.
type Snapshot struct {
	PID        int
	Generation int
	Command    []string
	StartedAt  time.Time
}

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithEvents routes lifecycle events to ch. The channel must be drained;
// the loop blocks while it is full.
func WithEvents(ch chan<- Event) Option {
	return func(s *Supervisor) {
		s.events = ch
	}
}

// WithSweeper sets the descendant cleanup used after every forced kill.
func WithSweeper(sw Sweeper) Option {
	return func(s *Supervisor) {
		if sw != nil {
			s.sweeper = sw
		}
	}
}

// WithKillTimeout bounds how long termination waits for the killed child to
// be reaped.
func WithKillTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.killTimeout = d
		}
	}
}

// WithActions replaces the signal disposition table.
func WithActions(actions map[os.Signal]Action) Option {
	return func(s *Supervisor) {
		if actions != nil {
			s.actions = actions
		}
	}
}

// WithLogger sets the logger used for diagnostics that are not events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Supervisor runs a command line as a child process over and over until it is
// told to stop. Only one child exists at a time.
type Supervisor struct {
	argv    []string
	runtime runtime.Runtime
	sweeper Sweeper
	events  chan<- Event
	actions map[os.Signal]Action
	log     *slog.Logger

	killTimeout time.Duration

	restartCh chan struct{}

	// mu guards the child slot. It is written by the loop and read by
	// Snapshot, CurrentPID, and the HTTP API.
	mu         sync.Mutex
	pid        int
	generation int
	startedAt  time.Time
}

// New constructs a Supervisor for argv, which is copied and reused verbatim
// for every spawn.
func New(argv []string, rt runtime.Runtime, opts ...Option) (*Supervisor, error) {
	if len(argv) == 0 {
		return nil, ErrNoCommand
	}
	if rt == nil {
		return nil, errors.New("runtime is required")
	}
	s := &Supervisor{
		argv:        append([]string(nil), argv...),
		runtime:     rt,
		sweeper:     noopSweeper{},
		actions:     DefaultActions(),
		log:         slog.Default(),
		killTimeout: defaultKillTimeout,
		restartCh:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CurrentPID returns the pid of the running child, or 0 between children.
func (s *Supervisor) CurrentPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Generation returns the number of spawn attempts so far.
func (s *Supervisor) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Snapshot returns a copy of the child slot.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		PID:        s.pid,
		Generation: s.generation,
		Command:    append([]string(nil), s.argv...),
		StartedAt:  s.startedAt,
	}
}

// Restart asks the loop to kill the current child and spawn a new one, as an
// interrupt does. Requests made while one is pending are coalesced.
func (s *Supervisor) Restart() {
	select {
	case s.restartCh <- struct{}{}:
	default:
	}
}

// Run spawns the command, waits for it to exit, and spawns it again until a
// stop signal arrives or ctx is cancelled. A stop signal makes Run return nil
// after the child and its descendants have been killed; cancellation returns
// ctx.Err() after the same cleanup. The child's exit status never affects the
// loop.
func (s *Supervisor) Run(ctx context.Context, signals <-chan os.Signal) error {
	// failures counts consecutive failed launches. Only the first of a run
	// is reported above debug.
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		gen := s.beginGeneration()
		sendEvent(s.events, Event{
			Type:       EventTypeStarting,
			Message:    "starting child",
			Level:      retryLevel(failures, "info"),
			Generation: gen,
			Reason:     ReasonSpawn,
		})

		handle, err := s.runtime.Start(ctx, runtime.StartSpec{Argv: s.argv})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A failed launch counts as a clean exit and is retried at once.
			failures++
			message := "child failed to start"
			if failures > 1 {
				message = fmt.Sprintf("child failed to start (%d consecutive failures)", failures)
			}
			sendEvent(s.events, Event{
				Type:       EventTypeStartFailed,
				Message:    message,
				Level:      retryLevel(failures-1, "warn"),
				Generation: gen,
				Status:     &runtime.ExitStatus{},
				Err:        err,
				Reason:     ReasonStartFailure,
			})
			if stop, err := s.pollSignals(ctx, signals); stop {
				return err
			}
			continue
		}

		failures = 0
		s.setCurrent(handle.PID())
		sendEvent(s.events, Event{
			Type:       EventTypeStarted,
			Message:    "child started",
			PID:        handle.PID(),
			Generation: gen,
			Reason:     ReasonSpawn,
		})

		stop, err := s.supervise(ctx, handle, gen, signals)
		s.setCurrent(0)
		if stop {
			return err
		}
	}
}

// supervise blocks until the child exits or the loop must stop.
func (s *Supervisor) supervise(ctx context.Context, handle runtime.Handle, gen int, signals <-chan os.Signal) (bool, error) {
	for {
		select {
		case <-handle.Done():
			status, err := handle.Wait(context.Background())
			level := "info"
			if err != nil {
				level = "warn"
			}
			sendEvent(s.events, Event{
				Type:       EventTypeExited,
				Message:    "child exited",
				Level:      level,
				PID:        handle.PID(),
				Generation: gen,
				Status:     &status,
				Err:        err,
				Reason:     ReasonChildExit,
			})
			return false, nil
		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			if stop, err := s.handleSignal(handle, gen, sig); stop {
				return true, err
			}
		case <-s.restartCh:
			s.cleanup(handle, gen, ReasonRestart)
		case <-ctx.Done():
			s.shutdown(handle, gen, ReasonContextDone)
			return true, ctx.Err()
		}
	}
}

// pollSignals handles whatever is already pending without blocking. It is
// used between spawns when no child is running.
func (s *Supervisor) pollSignals(ctx context.Context, signals <-chan os.Signal) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return false, nil
			}
			if stop, err := s.handleSignal(nil, 0, sig); stop {
				return true, err
			}
		case <-s.restartCh:
		default:
			return false, nil
		}
	}
}

func (s *Supervisor) handleSignal(handle runtime.Handle, gen int, sig os.Signal) (bool, error) {
	action := s.actions[sig]
	if action != ActionReap {
		sendEvent(s.events, Event{
			Type:       EventTypeSignal,
			Message:    fmt.Sprintf("received %s", sig),
			Generation: gen,
			Signal:     sig.String(),
			Reason:     action.String(),
		})
	}

	switch action {
	case ActionRestart:
		if handle != nil {
			s.cleanup(handle, gen, ReasonInterrupt)
		} else {
			s.sweep(0, gen)
		}
	case ActionStop:
		if handle != nil {
			s.shutdown(handle, gen, ReasonTerminate)
		} else {
			s.sweep(0, gen)
			sendEvent(s.events, Event{Type: EventTypeStopped, Message: "supervisor stopped", Reason: ReasonTerminate})
		}
		return true, nil
	case ActionReap:
		exclude := 0
		if handle != nil {
			exclude = handle.PID()
		}
		s.reapOrphans(exclude, gen)
	}
	return false, nil
}

// cleanup force-kills every other descendant while they are still reachable
// through the child, then the child itself.
func (s *Supervisor) cleanup(handle runtime.Handle, gen int, reason string) {
	s.sweep(handle.PID(), gen)
	if err := handle.Kill(); err != nil {
		sendEvent(s.events, Event{
			Type:       EventTypeError,
			Message:    "kill child failed",
			Level:      "error",
			PID:        handle.PID(),
			Generation: gen,
			Err:        err,
			Reason:     ReasonKillFailed,
		})
	} else {
		sendEvent(s.events, Event{
			Type:       EventTypeKilled,
			Message:    "child killed",
			PID:        handle.PID(),
			Generation: gen,
			Reason:     reason,
		})
	}
}

func (s *Supervisor) sweep(exclude, gen int) {
	res, err := s.sweeper.Sweep(exclude)
	if err != nil {
		sendEvent(s.events, Event{
			Type:       EventTypeError,
			Message:    "descendant sweep failed",
			Level:      "warn",
			Generation: gen,
			Err:        err,
			Reason:     ReasonSweepFailed,
		})
	}
	if res.Empty() {
		return
	}
	if len(res.Killed) > 0 {
		sendEvent(s.events, Event{
			Type:       EventTypeSwept,
			Message:    "descendants killed",
			Generation: gen,
			PIDs:       res.Killed,
		})
	}
	if len(res.Reaped) > 0 {
		sendEvent(s.events, Event{
			Type:       EventTypeReaped,
			Message:    "orphans reaped",
			Generation: gen,
			PIDs:       res.Reaped,
			Reason:     ReasonOrphanReaped,
		})
	}
}

func (s *Supervisor) reapOrphans(exclude, gen int) {
	reaped, err := s.sweeper.Reap(exclude)
	if err != nil {
		s.log.Debug("reap orphans failed", "error", err)
		return
	}
	if len(reaped) == 0 {
		return
	}
	sendEvent(s.events, Event{
		Type:       EventTypeReaped,
		Message:    "orphans reaped",
		Level:      "debug",
		Generation: gen,
		PIDs:       reaped,
		Reason:     ReasonOrphanReaped,
	})
}

// shutdown kills everything and waits, bounded by killTimeout, for the child
// to be reaped.
func (s *Supervisor) shutdown(handle runtime.Handle, gen int, reason string) {
	sendEvent(s.events, Event{
		Type:       EventTypeStopping,
		Message:    "stopping supervisor",
		PID:        handle.PID(),
		Generation: gen,
		Reason:     reason,
	})
	s.cleanup(handle, gen, reason)

	waitCtx, cancel := context.WithTimeout(context.Background(), s.killTimeout)
	defer cancel()
	status, err := handle.Wait(waitCtx)
	if err != nil && waitCtx.Err() != nil {
		sendEvent(s.events, Event{
			Type:       EventTypeError,
			Message:    fmt.Sprintf("child did not exit within %s", s.killTimeout),
			Level:      "warn",
			PID:        handle.PID(),
			Generation: gen,
			Err:        err,
			Reason:     ReasonExitTimeout,
		})
	} else {
		sendEvent(s.events, Event{
			Type:       EventTypeExited,
			Message:    "child exited",
			PID:        handle.PID(),
			Generation: gen,
			Status:     &status,
			Reason:     reason,
		})
	}
	sendEvent(s.events, Event{
		Type:       EventTypeStopped,
		Message:    "supervisor stopped",
		Generation: gen,
		Reason:     reason,
	})
}

// retryLevel demotes level to debug once a launch has already failed.
func retryLevel(failures int, level string) string {
	if failures > 0 {
		return "debug"
	}
	return level
}

func (s *Supervisor) beginGeneration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	return s.generation
}

func (s *Supervisor) setCurrent(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pid = pid
	if pid != 0 {
		s.startedAt = time.Now()
	}
}
