package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/supervisor/internal/engine"
	"github.com/Paintersrp/supervisor/internal/reaper"
	"github.com/Paintersrp/supervisor/internal/runtime"
	"github.com/Paintersrp/supervisor/internal/runtime/process"
)

// ErrNoCommand is returned when no command line follows the flags.
var ErrNoCommand = engine.ErrNoCommand

const (
	usageMessage = "number of the arguments must be over and equal 2"

	exitOK    = 0
	exitError = 1
	exitUsage = 255

	defaultKillTimeout = 5 * time.Second
)

// NewRootCmd builds the supervisor command with flags defaulted from the
// environment.
func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	ctx := newContext()
	opts := &ctx.options

	root := &cobra.Command{
		Use:   "supervisor [flags] <command> [args...]",
		Short: "Run a command forever, restarting it whenever it exits",
		Long: "supervisor runs the given command as a child process and starts it again " +
			"every time it exits. SIGINT kills the child and its descendants and starts a " +
			"fresh one; SIGTERM kills them and exits with status 0.",
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return ErrNoCommand
			}
			return ctx.run(cmd.Context(), args, cmd.ErrOrStderr())
		},
	}

	flags := root.Flags()
	flags.SetInterspersed(false)
	flags.StringVar(&opts.logLevel, "log-level", opts.logLevel, "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", opts.logFormat, "Log format (auto, text, json)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", opts.metricsAddr, "Address serving /metrics and the control API; empty disables it")
	flags.BoolVar(&opts.subreaper, "subreaper", opts.subreaper, "Adopt orphaned descendants as a child subreaper (linux only)")
	flags.DurationVar(&opts.killTimeout, "kill-timeout", opts.killTimeout, "How long termination waits for the killed child to be reaped")

	root.SilenceUsage = true
	root.SilenceErrors = true
	root.CompletionOptions.DisableDefaultCmd = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	root := NewRootCmd()
	err := root.ExecuteContext(stdcontext.Background())
	os.Exit(exitCode(root.OutOrStdout(), root.ErrOrStderr(), err))
}

// exitCode reports err to the user and maps it to the process exit status.
func exitCode(stdout, stderr io.Writer, err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, ErrNoCommand):
		fmt.Fprintln(stdout, usageMessage)
		return exitUsage
	default:
		fmt.Fprintln(stderr, err)
		return exitError
	}
}

type options struct {
	logLevel    string
	logFormat   string
	metricsAddr string
	subreaper   bool
	killTimeout time.Duration
}

type context struct {
	options options

	runtime    runtime.Runtime
	newSweeper func(*slog.Logger) engine.Sweeper
	notify     func(chan<- os.Signal, ...os.Signal)
	stopNotify func(chan<- os.Signal)
}

func newContext() *context {
	return &context{
		options:    optionsFromEnv(),
		runtime:    process.New(),
		newSweeper: func(logger *slog.Logger) engine.Sweeper { return reaper.New(logger) },
		notify:     signal.Notify,
		stopNotify: signal.Stop,
	}
}

func optionsFromEnv() options {
	opts := options{
		logLevel:    "info",
		logFormat:   "auto",
		killTimeout: defaultKillTimeout,
	}
	if value := os.Getenv("SUPERVISOR_LOG_LEVEL"); value != "" {
		opts.logLevel = value
	}
	if value := os.Getenv("SUPERVISOR_LOG_FORMAT"); value != "" {
		opts.logFormat = value
	}
	opts.metricsAddr = os.Getenv("SUPERVISOR_METRICS_ADDR")
	if value := os.Getenv("SUPERVISOR_SUBREAPER"); value != "" {
		if enabled, err := strconv.ParseBool(value); err == nil {
			opts.subreaper = enabled
		}
	}
	if value := os.Getenv("SUPERVISOR_KILL_TIMEOUT"); value != "" {
		if timeout, err := time.ParseDuration(value); err == nil && timeout > 0 {
			opts.killTimeout = timeout
		}
	}
	return opts
}
