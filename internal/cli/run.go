package cli

import (
	stdcontext "context"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sync/errgroup"

	apihttp "github.com/Paintersrp/supervisor/internal/api/http"
	"github.com/Paintersrp/supervisor/internal/cliutil"
	"github.com/Paintersrp/supervisor/internal/engine"
	"github.com/Paintersrp/supervisor/internal/metrics"
	"github.com/Paintersrp/supervisor/internal/reaper"
)

const (
	eventBuffer  = 64
	signalBuffer = 8
)

// run supervises argv until a stop signal arrives or ctx is cancelled.
func (c *context) run(ctx stdcontext.Context, argv []string, stderr io.Writer) error {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	opts := c.options
	if opts.killTimeout <= 0 {
		return fmt.Errorf("kill timeout must be positive, got %s", opts.killTimeout)
	}
	logger, err := cliutil.NewLogger(stderr, opts.logFormat, opts.logLevel)
	if err != nil {
		return err
	}

	if opts.subreaper {
		if err := reaper.EnableSubreaper(); err != nil {
			return fmt.Errorf("enable subreaper: %w", err)
		}
		logger.Debug("registered as child subreaper")
	}

	var listener net.Listener
	if opts.metricsAddr != "" {
		listener, err = apihttp.Listen(opts.metricsAddr)
		if err != nil {
			return err
		}
	}

	events := make(chan engine.Event, eventBuffer)
	sup, err := engine.New(argv, c.runtime,
		engine.WithEvents(events),
		engine.WithSweeper(c.newSweeper(logger)),
		engine.WithKillTimeout(opts.killTimeout),
		engine.WithLogger(logger),
	)
	if err != nil {
		closeListener(listener)
		return err
	}

	var server *apihttp.Server
	controller := NewControlAPI(sup)
	if listener != nil {
		server, err = apihttp.NewServer(apihttp.Config{Controller: controller, Listener: listener})
		if err != nil {
			closeListener(listener)
			return err
		}
	}

	signals := make(chan os.Signal, signalBuffer)
	c.notify(signals, engine.NotifySignals(engine.DefaultActions(), opts.subreaper)...)
	defer c.stopNotify(signals)

	logger.Info("supervising command", "command", cliutil.RedactArgs(argv), "kill_timeout", opts.killTimeout.String())

	group, groupCtx := errgroup.WithContext(ctx)
	serveCtx, stopServing := stdcontext.WithCancel(groupCtx)
	defer stopServing()

	group.Go(func() error {
		defer close(events)
		defer stopServing()
		defer controller.markStopped()
		return sup.Run(groupCtx, signals)
	})
	group.Go(func() error {
		for evt := range events {
			cliutil.LogEvent(ctx, logger, evt)
			observeEvent(evt)
		}
		return nil
	})
	if server != nil {
		logger.Info("serving metrics and control API", "addr", server.Addr())
		group.Go(func() error {
			if err := server.Run(serveCtx); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	return group.Wait()
}

// observeEvent feeds lifecycle events into the Prometheus collectors.
func observeEvent(evt engine.Event) {
	switch evt.Type {
	case engine.EventTypeStarted:
		metrics.ObserveSpawn(evt.PID)
	case engine.EventTypeStartFailed:
		metrics.ObserveExit(metrics.ExitReasonStartFailed)
	case engine.EventTypeExited:
		reason := metrics.ExitReasonExit
		if evt.Status != nil && evt.Status.Signaled() {
			reason = metrics.ExitReasonSignal
		}
		metrics.ObserveExit(reason)
	case engine.EventTypeSignal:
		metrics.ObserveSignal(evt.Signal)
	case engine.EventTypeSwept:
		metrics.AddDescendantsKilled(len(evt.PIDs))
	case engine.EventTypeReaped:
		metrics.AddOrphansReaped(len(evt.PIDs))
	}
}

func closeListener(ln net.Listener) {
	if ln != nil {
		_ = ln.Close()
	}
}
