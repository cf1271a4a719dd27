package engine

import (
	"context"
	"errors"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/Paintersrp/supervisor/internal/reaper"
	"github.com/Paintersrp/supervisor/internal/runtime"
)

func TestNewRejectsEmptyCommand(t *testing.T) {
	if _, err := New(nil, &fakeRuntime{}); !errors.Is(err, ErrNoCommand) {
		t.Fatalf("expected ErrNoCommand, got %v", err)
	}
}

func TestSupervisorRespawnsAfterEveryExit(t *testing.T) {
	codes := []int{0, 1, 2}
	rt := &fakeRuntime{
		newInstance: func(n int) *fakeInstance {
			inst := newFakeInstance(1000 + n)
			if n <= len(codes) {
				inst.exit(runtime.ExitStatus{Code: codes[n-1]})
			} else {
				inst.exit(runtime.ExitStatus{Code: -1, Signal: "killed"})
			}
			return inst
		},
	}

	events := make(chan Event, 8)
	signals := make(chan os.Signal, 1)
	sup := mustSupervisor(t, rt, WithEvents(events))

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(context.Background(), signals) }()

	var seen []Event
	sent := false
	for {
		select {
		case evt := <-events:
			seen = append(seen, evt)
			if !sent && countType(seen, EventTypeExited) >= len(codes) {
				signals <- syscall.SIGTERM
				sent = true
			}
		case err := <-errCh:
			if err != nil {
				t.Fatalf("run returned %v", err)
			}
			for len(events) > 0 {
				seen = append(seen, <-events)
			}
			assertRespawnAfterExit(t, seen, codes)
			return
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out; events so far: %v", eventTypes(seen))
		}
	}
}

func assertRespawnAfterExit(t *testing.T, seen []Event, codes []int) {
	t.Helper()
	var exits []Event
	for i, evt := range seen {
		if evt.Type != EventTypeExited || evt.Reason != ReasonChildExit {
			continue
		}
		exits = append(exits, evt)
		// The next lifecycle event after a natural exit is the next spawn.
		for _, next := range seen[i+1:] {
			if next.Type == EventTypeSignal || next.Type == EventTypeStopping {
				break
			}
			if next.Type == EventTypeStarting {
				if next.Generation != evt.Generation+1 {
					t.Fatalf("expected generation %d after exit of %d, got %d", evt.Generation+1, evt.Generation, next.Generation)
				}
				break
			}
		}
	}
	if len(exits) < len(codes) {
		t.Fatalf("expected at least %d exits, got %d", len(codes), len(exits))
	}
	for i, code := range codes {
		if exits[i].Status == nil || exits[i].Status.Code != code {
			t.Fatalf("exit %d: expected code %d, got %+v", i, code, exits[i].Status)
		}
	}
}

func TestSupervisorInterruptKillsAndRestarts(t *testing.T) {
	rt := &fakeRuntime{startCh: make(chan *fakeInstance, 4)}
	sweeper := &fakeSweeper{}
	signals := make(chan os.Signal, 1)
	events := make(chan Event, 64)
	sup := mustSupervisor(t, rt, WithEvents(events), WithSweeper(sweeper))

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(context.Background(), signals) }()

	first := waitForStart(t, rt.startCh)
	waitForPID(t, sup, first.pid)

	signals <- os.Interrupt

	second := waitForStart(t, rt.startCh)
	if first.killed.Load() != 1 {
		t.Fatalf("expected first child to be killed once, got %d", first.killed.Load())
	}
	if got := sweeper.sweeps(); !slices.Equal(got, []int{first.pid}) {
		t.Fatalf("expected sweep excluding %d, got %v", first.pid, got)
	}
	waitForPID(t, sup, second.pid)

	select {
	case err := <-errCh:
		t.Fatalf("interrupt must not stop the supervisor, run returned %v", err)
	default:
	}

	signals <- syscall.SIGTERM
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected nil after termination, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("supervisor did not stop after SIGTERM")
	}

	if second.killed.Load() != 1 {
		t.Fatalf("expected second child killed on termination, got %d", second.killed.Load())
	}
	if n := rt.starts(); n != 2 {
		t.Fatalf("expected no spawn after termination, got %d starts", n)
	}
	if pid := sup.CurrentPID(); pid != 0 {
		t.Fatalf("expected no current pid after stop, got %d", pid)
	}

	var types []EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	want := []EventType{
		EventTypeStarted, EventTypeSignal, EventTypeKilled, EventTypeExited,
		EventTypeStarting, EventTypeStarted, EventTypeSignal, EventTypeStopping,
		EventTypeKilled, EventTypeExited, EventTypeStopped,
	}
	if !containsSequence(types, want) {
		t.Fatalf("expected sequence %v in %v", want, types)
	}
}

func TestSupervisorRestartRequest(t *testing.T) {
	rt := &fakeRuntime{startCh: make(chan *fakeInstance, 4)}
	sup := mustSupervisor(t, rt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx, nil) }()

	first := waitForStart(t, rt.startCh)
	sup.Restart()
	second := waitForStart(t, rt.startCh)

	if first.killed.Load() != 1 {
		t.Fatalf("expected restart to kill the running child")
	}
	if sup.Generation() != 2 {
		t.Fatalf("expected generation 2, got %d", sup.Generation())
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("supervisor did not stop on cancellation")
	}
	if second.killed.Load() != 1 {
		t.Fatalf("expected cancellation to kill the running child")
	}
}

func TestSupervisorStartFailureCountsAsCleanExit(t *testing.T) {
	launchErr := errors.New("exec: not found")
	rt := &fakeRuntime{
		startCh:  make(chan *fakeInstance, 4),
		failures: 2,
		startErr: launchErr,
	}
	events := make(chan Event, 64)
	sup := mustSupervisor(t, rt, WithEvents(events))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx, nil) }()

	inst := waitForStart(t, rt.startCh)
	if sup.Generation() != 3 {
		t.Fatalf("expected two failed attempts before the third spawn, got generation %d", sup.Generation())
	}
	cancel()
	<-errCh

	failures := 0
	for len(events) > 0 {
		evt := <-events
		if evt.Type != EventTypeStartFailed {
			continue
		}
		failures++
		if !errors.Is(evt.Err, launchErr) {
			t.Fatalf("expected launch error on event, got %v", evt.Err)
		}
		if evt.Status == nil || evt.Status.Code != 0 || evt.Status.Signaled() {
			t.Fatalf("expected failed start to report exit status 0, got %+v", evt.Status)
		}
	}
	if failures != 2 {
		t.Fatalf("expected 2 start_failed events, got %d", failures)
	}
	if inst.killed.Load() != 1 {
		t.Fatalf("expected running child to be killed on cancellation")
	}
}

func TestSupervisorDemotesRepeatedStartFailures(t *testing.T) {
	rt := &fakeRuntime{
		startCh:  make(chan *fakeInstance, 1),
		failures: 3,
		startErr: errors.New("no such file"),
	}
	events := make(chan Event, 64)
	sup := mustSupervisor(t, rt, WithEvents(events))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx, nil) }()

	waitForStart(t, rt.startCh)
	cancel()
	<-errCh

	var starting, failed []string
	for len(events) > 0 {
		evt := <-events
		switch evt.Type {
		case EventTypeStarting:
			starting = append(starting, evt.Level)
		case EventTypeStartFailed:
			failed = append(failed, evt.Level)
		}
	}
	if want := []string{"warn", "debug", "debug"}; !slices.Equal(failed, want) {
		t.Fatalf("expected start_failed levels %v, got %v", want, failed)
	}
	if want := []string{"info", "debug", "debug", "debug"}; !slices.Equal(starting, want) {
		t.Fatalf("expected starting levels %v, got %v", want, starting)
	}
}

func TestSupervisorStopsBetweenFailedStarts(t *testing.T) {
	rt := &fakeRuntime{failures: -1, startErr: errors.New("no such file")}
	signals := make(chan os.Signal, 1)
	sweeper := &fakeSweeper{}
	sup := mustSupervisor(t, rt, WithSweeper(sweeper))

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(context.Background(), signals) }()

	signals <- syscall.SIGTERM
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("supervisor ignored SIGTERM while launches were failing")
	}
	if got := sweeper.sweeps(); !slices.Equal(got, []int{0}) {
		t.Fatalf("expected a single sweep without exclusion, got %v", got)
	}
}

func TestSupervisorReapSignalLeavesChildRunning(t *testing.T) {
	reapSig := testSignal("reap")
	rt := &fakeRuntime{startCh: make(chan *fakeInstance, 2)}
	sweeper := &fakeSweeper{reaped: []int{42}}
	signals := make(chan os.Signal, 1)
	events := make(chan Event, 64)
	actions := DefaultActions()
	actions[reapSig] = ActionReap
	sup := mustSupervisor(t, rt, WithEvents(events), WithSweeper(sweeper), WithActions(actions))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx, signals) }()

	inst := waitForStart(t, rt.startCh)
	signals <- reapSig

	deadline := time.After(5 * time.Second)
	for {
		var evt Event
		select {
		case evt = <-events:
		case <-deadline:
			t.Fatalf("timed out waiting for reaped event")
		}
		if evt.Type != EventTypeReaped {
			continue
		}
		if !slices.Equal(evt.PIDs, []int{42}) {
			t.Fatalf("expected reaped [42], got %v", evt.PIDs)
		}
		break
	}

	if inst.killed.Load() != 0 {
		t.Fatalf("reap must not kill the running child")
	}
	if got := sweeper.reapExcludes(); !slices.Equal(got, []int{inst.pid}) {
		t.Fatalf("expected reap to exclude %d, got %v", inst.pid, got)
	}
	cancel()
	<-errCh
}

func TestSupervisorShutdownTimeout(t *testing.T) {
	rt := &fakeRuntime{
		startCh: make(chan *fakeInstance, 1),
		newInstance: func(n int) *fakeInstance {
			inst := newFakeInstance(1000 + n)
			inst.ignoreKill = true
			return inst
		},
	}
	events := make(chan Event, 64)
	signals := make(chan os.Signal, 1)
	sup := mustSupervisor(t, rt, WithEvents(events), WithKillTimeout(20*time.Millisecond))

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(context.Background(), signals) }()

	waitForStart(t, rt.startCh)
	signals <- syscall.SIGTERM

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("shutdown did not honour the kill timeout")
	}

	found := false
	for len(events) > 0 {
		if evt := <-events; evt.Reason == ReasonExitTimeout {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an exit timeout event")
	}
}

func TestSupervisorContextCancelKillsChild(t *testing.T) {
	rt := &fakeRuntime{startCh: make(chan *fakeInstance, 1)}
	sweeper := &fakeSweeper{}
	events := make(chan Event, 64)
	sup := mustSupervisor(t, rt, WithEvents(events), WithSweeper(sweeper))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx, nil) }()

	inst := waitForStart(t, rt.startCh)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after cancellation")
	}
	if inst.killed.Load() == 0 {
		t.Fatalf("expected child to be killed on cancellation")
	}
	if got := sweeper.sweeps(); !slices.Equal(got, []int{inst.pid}) {
		t.Fatalf("expected one sweep excluding %d, got %v", inst.pid, got)
	}
	if sup.CurrentPID() != 0 {
		t.Fatalf("expected empty child slot after run, got %d", sup.CurrentPID())
	}
	if rt.starts() != 1 {
		t.Fatalf("expected no respawn after cancellation, got %d starts", rt.starts())
	}
}

func TestSnapshotCopiesCommand(t *testing.T) {
	argv := []string{"/bin/sleep", "1"}
	sup, err := New(argv, &fakeRuntime{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	argv[0] = "mutated"

	snap := sup.Snapshot()
	if snap.Command[0] != "/bin/sleep" {
		t.Fatalf("expected command to be copied, got %v", snap.Command)
	}
	snap.Command[1] = "changed"
	if sup.Snapshot().Command[1] != "1" {
		t.Fatalf("snapshot must not alias supervisor state")
	}
	if snap.PID != 0 || snap.Generation != 0 {
		t.Fatalf("expected empty slot before run, got %+v", snap)
	}
}

func TestNotifySignalsSkipsUncatchable(t *testing.T) {
	actions := DefaultActions()

	sigs := NotifySignals(actions, false)
	if slices.Contains(sigs, os.Signal(syscall.SIGKILL)) {
		t.Fatalf("SIGKILL must not be registered")
	}
	if !slices.Contains(sigs, os.Interrupt) || !slices.Contains(sigs, os.Signal(syscall.SIGTERM)) {
		t.Fatalf("expected interrupt and SIGTERM, got %v", sigs)
	}
	for _, sig := range sigs {
		if actions[sig] == ActionReap {
			t.Fatalf("reap trigger %v registered without reaping enabled", sig)
		}
	}
}

func mustSupervisor(t *testing.T, rt runtime.Runtime, opts ...Option) *Supervisor {
	t.Helper()
	sup, err := New([]string{"/bin/true"}, rt, opts...)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	return sup
}

func countType(events []Event, typ EventType) int {
	n := 0
	for _, evt := range events {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.Type)
	}
	return out
}

func containsSequence(events []EventType, seq []EventType) bool {
	if len(seq) == 0 {
		return true
	}
	idx := 0
	for _, t := range events {
		if t == seq[idx] {
			idx++
			if idx == len(seq) {
				return true
			}
		}
	}
	return false
}

func waitForStart(t *testing.T, ch <-chan *fakeInstance) *fakeInstance {
	t.Helper()
	select {
	case inst := <-ch:
		return inst
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for runtime start")
		return nil
	}
}

func waitForPID(t *testing.T, sup *Supervisor, pid int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for sup.CurrentPID() != pid {
		if time.Now().After(deadline) {
			t.Fatalf("expected current pid %d, got %d", pid, sup.CurrentPID())
		}
		time.Sleep(time.Millisecond)
	}
}

type testSignal string

func (s testSignal) String() string { return string(s) }
func (testSignal) Signal()          {}

type fakeRuntime struct {
	mu          sync.Mutex
	count       int
	failures    int // number of failing starts; negative fails forever
	startErr    error
	newInstance func(n int) *fakeInstance
	startCh     chan *fakeInstance
}

func (f *fakeRuntime) Start(ctx context.Context, spec runtime.StartSpec) (runtime.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return nil, f.startErr
	}
	var inst *fakeInstance
	if f.newInstance != nil {
		inst = f.newInstance(f.count)
	} else {
		inst = newFakeInstance(1000 + f.count)
	}
	if f.startCh != nil {
		f.startCh <- inst
	}
	return inst, nil
}

func (f *fakeRuntime) starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

type fakeInstance struct {
	pid        int
	done       chan struct{}
	once       sync.Once
	status     runtime.ExitStatus
	ignoreKill bool
	killed     atomic.Int32
}

func newFakeInstance(pid int) *fakeInstance {
	return &fakeInstance{pid: pid, done: make(chan struct{})}
}

func (f *fakeInstance) exit(status runtime.ExitStatus) {
	f.once.Do(func() {
		f.status = status
		close(f.done)
	})
}

func (f *fakeInstance) PID() int { return f.pid }

func (f *fakeInstance) Done() <-chan struct{} { return f.done }

func (f *fakeInstance) Wait(ctx context.Context) (runtime.ExitStatus, error) {
	select {
	case <-f.done:
		return f.status, nil
	case <-ctx.Done():
		return runtime.ExitStatus{}, ctx.Err()
	}
}

func (f *fakeInstance) Kill() error {
	f.killed.Add(1)
	if !f.ignoreKill {
		f.exit(runtime.ExitStatus{Code: -1, Signal: "killed"})
	}
	return nil
}

type fakeSweeper struct {
	mu       sync.Mutex
	excludes []int
	reaps    []int
	reaped   []int
}

func (f *fakeSweeper) Sweep(exclude int) (reaper.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.excludes = append(f.excludes, exclude)
	return reaper.Result{}, nil
}

func (f *fakeSweeper) Reap(exclude int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reaps = append(f.reaps, exclude)
	return f.reaped, nil
}

func (f *fakeSweeper) sweeps() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.excludes...)
}

func (f *fakeSweeper) reapExcludes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.reaps...)
}
