package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Exit reasons recorded on the child exit counter.
const (
	ExitReasonExit        = "exit"
	ExitReasonSignal      = "signal"
	ExitReasonStartFailed = "start_failed"
)

var (
	registry = prometheus.NewRegistry()

	spawns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "spawns_total",
		Help:      "Total number of child processes started.",
	})

	childExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "child_exits_total",
		Help:      "Total number of child terminations by reason (exit, signal, start_failed).",
	}, []string{"reason"})

	signalsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "signals_total",
		Help:      "Signals received by the supervisor.",
	}, []string{"signal"})

	descendantsKilled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "descendants_killed_total",
		Help:      "Descendant processes force-killed during cleanup, excluding the tracked child.",
	})

	orphansReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "orphans_reaped_total",
		Help:      "Orphaned child processes reaped by the supervisor.",
	})

	childPID = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "supervisor",
		Name:      "child_pid",
		Help:      "Process id of the running child (0 when none).",
	})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "supervisor",
		Name:      "build_info",
		Help:      "Build metadata for the running supervisor binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(spawns, childExits, signalsReceived, descendantsKilled, orphansReaped, childPID, buildInfo)
}

// Registry returns the Prometheus registry containing all supervisor metrics.
func Registry() *prometheus.Registry {
	return registry
}

// ObserveSpawn records a started child and its pid.
func ObserveSpawn(pid int) {
	spawns.Inc()
	childPID.Set(float64(pid))
}

// ObserveExit records a child termination for the given reason and clears the
// pid gauge.
func ObserveExit(reason string) {
	if reason == "" {
		reason = ExitReasonExit
	}
	childExits.WithLabelValues(reason).Inc()
	childPID.Set(0)
}

// ObserveSignal counts a signal delivered to the supervisor.
func ObserveSignal(signal string) {
	if signal == "" {
		return
	}
	signalsReceived.WithLabelValues(signal).Inc()
}

// AddDescendantsKilled adds n force-killed descendants.
func AddDescendantsKilled(n int) {
	if n <= 0 {
		return
	}
	descendantsKilled.Add(float64(n))
}

// AddOrphansReaped adds n reaped orphans.
func AddOrphansReaped(n int) {
	if n <= 0 {
		return
	}
	orphansReaped.Add(float64(n))
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}
