package runtime

import (
	"context"
	"fmt"
)

// StartSpec describes the child process a runtime should launch.
type StartSpec struct {
	// Argv is the command and its arguments. Argv[0] is resolved through
	// PATH when it does not contain a path separator.
	Argv []string
}

// ExitStatus reports how a child process terminated.
type ExitStatus struct {
	Code   int
	Signal string
}

// Signaled reports whether the process was terminated by a signal.
func (s ExitStatus) Signaled() bool {
	return s.Signal != ""
}

func (s ExitStatus) String() string {
	if s.Signaled() {
		return "signal: " + s.Signal
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

// Handle represents a single running child process managed by a runtime.
type Handle interface {
	// PID returns the operating system identifier of the child.
	PID() int

	// Done is closed once the child has terminated and been reaped.
	Done() <-chan struct{}

	// Wait blocks until the child terminates or the context is cancelled.
	// It may be called any number of times; every call after termination
	// returns the same status.
	Wait(ctx context.Context) (ExitStatus, error)

	// Kill forcibly terminates the child and every member of its process
	// group. Killing an already terminated child is not an error.
	Kill() error
}

// Runtime describes a backend capable of launching child processes.
type Runtime interface {
	// Start launches the provided command and returns a handle to the
	// running child.
	Start(ctx context.Context, spec StartSpec) (Handle, error)
}
