package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/term"

	"github.com/Paintersrp/supervisor/internal/runtime"
)

// ErrEmptyCommand is returned by Start when StartSpec carries no argv.
var ErrEmptyCommand = errors.New("command must not be empty")

type runtimeImpl struct {
	stdin  *os.File
	stdout *os.File
	stderr *os.File
}

// New constructs a runtime that executes commands as local processes. The
// child inherits the supervisor's environment and standard streams.
func New() runtime.Runtime {
	return &runtimeImpl{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
}

func (r *runtimeImpl) Start(ctx context.Context, spec runtime.StartSpec) (runtime.Handle, error) {
	if len(spec.Argv) == 0 {
		return nil, ErrEmptyCommand
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Cancellation is left to Kill.
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	if r.stdin != nil {
		cmd.Stdin = r.stdin
	}
	if r.stdout != nil {
		cmd.Stdout = r.stdout
	}
	if r.stderr != nil {
		cmd.Stderr = r.stderr
	}

	// A child reading a terminal must stay in the terminal's foreground
	// group or its first read stops it with SIGTTIN.
	ownGroup := !isTerminal(r.stdin)
	configureCmdSysProcAttr(cmd, ownGroup)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}

	inst := &processInstance{
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		ownGroup: ownGroup,
		done:     make(chan struct{}),
	}

	// cmd.Wait must be called exactly once per started process.
	go func() {
		err := cmd.Wait()
		inst.status = exitStatusOf(cmd.ProcessState)
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			inst.waitErr = fmt.Errorf("wait %s: %w", spec.Argv[0], err)
		}
		close(inst.done)
	}()

	return inst, nil
}

type processInstance struct {
	cmd      *exec.Cmd
	pid      int
	ownGroup bool

	// status and waitErr are written once before done is closed.
	done    chan struct{}
	status  runtime.ExitStatus
	waitErr error
}

func (p *processInstance) PID() int {
	return p.pid
}

func (p *processInstance) Done() <-chan struct{} {
	return p.done
}

func (p *processInstance) Wait(ctx context.Context) (runtime.ExitStatus, error) {
	select {
	case <-p.done:
		return p.status, p.waitErr
	case <-ctx.Done():
		return runtime.ExitStatus{}, ctx.Err()
	}
}

func (p *processInstance) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func isTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

func exitStatusOf(state *os.ProcessState) runtime.ExitStatus {
	if state == nil {
		return runtime.ExitStatus{Code: -1}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return runtime.ExitStatus{Code: -1, Signal: ws.Signal().String()}
	}
	return runtime.ExitStatus{Code: state.ExitCode()}
}
