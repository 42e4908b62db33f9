package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	restarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hbwatch",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Number of restart attempts triggered by unresponsiveness or force.",
		},
	)
	alerts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hbwatch",
			Subsystem: "supervisor",
			Name:      "alerts_total",
			Help:      "Number of terminal alerts raised after restart attempts were exhausted.",
		},
	)
	unstableRestarts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hbwatch",
			Subsystem: "supervisor",
			Name:      "unstable_restarts",
			Help:      "Restart attempts since the application was last stable.",
		},
	)
	silenceSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hbwatch",
			Subsystem: "supervisor",
			Name:      "silence_seconds",
			Help:      "Seconds since the last heartbeat byte was received.",
		},
	)
	connectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hbwatch",
			Subsystem: "heartbeat",
			Name:      "connect_attempts_total",
			Help:      "Number of heartbeat connect attempts.",
		},
	)
	heartbeatBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hbwatch",
			Subsystem: "heartbeat",
			Name:      "bytes_total",
			Help:      "Heartbeat bytes received.",
		},
	)
	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hbwatch",
			Subsystem: "heartbeat",
			Name:      "connection_state",
			Help:      "Current heartbeat connection state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	archives = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hbwatch",
			Subsystem: "archive",
			Name:      "archives_total",
			Help:      "Number of archive snapshots written, by trigger mode.",
		}, []string{"mode"},
	)
	appStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hbwatch",
			Subsystem: "app",
			Name:      "starts_total",
			Help:      "Number of successful application launches.",
		},
	)
	appStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hbwatch",
			Subsystem: "app",
			Name:      "stops_total",
			Help:      "Number of application terminations requested.",
		},
	)
	appCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hbwatch",
			Subsystem: "app",
			Name:      "cpu_percent",
			Help:      "CPU usage of the monitored application summed over matching processes.",
		},
	)
	appMemory = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hbwatch",
			Subsystem: "app",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the monitored application summed over matching processes.",
		},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hbwatch",
			Subsystem: "command",
			Name:      "executed_total",
			Help:      "Admin commands executed, by command head.",
		}, []string{"command"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		restarts, alerts, unstableRestarts, silenceSeconds, connectAttempts, heartbeatBytes,
		connectionState, archives, appStarts, appStops, appCPU, appMemory, commands,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncRestart() {
	if regOK.Load() {
		restarts.Inc()
	}
}

func IncAlert() {
	if regOK.Load() {
		alerts.Inc()
	}
}

func SetUnstableRestarts(n int) {
	if regOK.Load() {
		unstableRestarts.Set(float64(n))
	}
}

func SetSilence(seconds float64) {
	if regOK.Load() {
		silenceSeconds.Set(seconds)
	}
}

func IncConnectAttempt() {
	if regOK.Load() {
		connectAttempts.Inc()
	}
}

func AddHeartbeatBytes(n int) {
	if regOK.Load() && n > 0 {
		heartbeatBytes.Add(float64(n))
	}
}

// SetConnectionState marks state as active and every other known state inactive.
func SetConnectionState(state string, known []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range known {
		var v float64
		if s == state {
			v = 1
		}
		connectionState.WithLabelValues(s).Set(v)
	}
}

func IncArchive(mode string) {
	if regOK.Load() {
		archives.WithLabelValues(mode).Inc()
	}
}

func IncAppStart() {
	if regOK.Load() {
		appStarts.Inc()
	}
}

func IncAppStop() {
	if regOK.Load() {
		appStops.Inc()
	}
}

func SetAppUsage(cpuPercent float64, rssBytes uint64) {
	if regOK.Load() {
		appCPU.Set(cpuPercent)
		appMemory.Set(float64(rssBytes))
	}
}

func IncCommand(head string) {
	if regOK.Load() {
		commands.WithLabelValues(head).Inc()
	}
}
