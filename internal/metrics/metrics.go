package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devdock"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	projectStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "project",
			Name:      "starts_total",
			Help:      "Number of successful project starts.",
		}, []string{"project"},
	)
	projectStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "project",
			Name:      "stops_total",
			Help:      "Number of requested stops (graceful or kill).",
		}, []string{"project"},
	)
	projectCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "project",
			Name:      "crashes_total",
			Help:      "Number of unexpected exits and spawn failures.",
		}, []string{"project"},
	)
	projectForceKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "project",
			Name:      "force_kills_total",
			Help:      "Number of stops that needed SIGKILL after the grace period.",
		}, []string{"project"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "project",
			Name:      "state_transitions_total",
			Help:      "Number of runtime status transitions.",
		}, []string{"project", "from", "to"},
	)
	projectRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "project",
			Name:      "running",
			Help:      "1 while the project has a managed process, 0 otherwise.",
		}, []string{"project"},
	)
	projectCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "project",
			Name:      "cpu_percent",
			Help:      "CPU usage of the project's process tree, 0-100.",
		}, []string{"project"},
	)
	projectMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "project",
			Name:      "memory_bytes",
			Help:      "Resident memory of the project's process tree.",
		}, []string{"project"},
	)
	projectHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "project",
			Name:      "health",
			Help:      "Health probe result: 1 healthy, -1 unhealthy, 0 unknown.",
		}, []string{"project"},
	)
	listeningPorts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ports",
			Name:      "listening",
			Help:      "Listening sockets seen in the last port scan.",
		},
	)
	portConflicts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ports",
			Name:      "conflicts",
			Help:      "Port records flagged as conflicting in the last port scan.",
		},
	)
	logLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logs",
			Name:      "lines_total",
			Help:      "Captured output lines.",
		}, []string{"stream"},
	)
	eventDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_subscribers_total",
			Help:      "Subscribers dropped because they fell behind.",
		}, []string{"topic"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		projectStarts, projectStops, projectCrashes, projectForceKills, stateTransitions,
		projectRunning, projectCPU, projectMemory, projectHealth,
		listeningPorts, portConflicts, logLines, eventDrops,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
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

func IncStart(project string) {
	if regOK.Load() {
		projectStarts.WithLabelValues(project).Inc()
	}
}

func IncStop(project string) {
	if regOK.Load() {
		projectStops.WithLabelValues(project).Inc()
	}
}

func IncCrash(project string) {
	if regOK.Load() {
		projectCrashes.WithLabelValues(project).Inc()
	}
}

func IncForceKill(project string) {
	if regOK.Load() {
		projectForceKills.WithLabelValues(project).Inc()
	}
}

func RecordStateTransition(project, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(project, from, to).Inc()
	}
}

func SetRunning(project string, running bool) {
	if regOK.Load() {
		v := 0.0
		if running {
			v = 1
		}
		projectRunning.WithLabelValues(project).Set(v)
	}
}

func SetUsage(project string, cpuPercent float64, memoryBytes uint64) {
	if regOK.Load() {
		projectCPU.WithLabelValues(project).Set(cpuPercent)
		projectMemory.WithLabelValues(project).Set(float64(memoryBytes))
	}
}

// DeleteUsage drops the resource series of a project that is no longer running.
func DeleteUsage(project string) {
	if regOK.Load() {
		projectCPU.DeleteLabelValues(project)
		projectMemory.DeleteLabelValues(project)
	}
}

// SetHealth records a health state as 1 (healthy), -1 (unhealthy) or 0.
func SetHealth(project, state string) {
	if !regOK.Load() {
		return
	}
	v := 0.0
	switch state {
	case "healthy":
		v = 1
	case "unhealthy":
		v = -1
	}
	projectHealth.WithLabelValues(project).Set(v)
}

func SetPortTable(total, conflicts int) {
	if regOK.Load() {
		listeningPorts.Set(float64(total))
		portConflicts.Set(float64(conflicts))
	}
}

func IncLogLines(stream string, n int) {
	if regOK.Load() && n > 0 {
		logLines.WithLabelValues(stream).Add(float64(n))
	}
}

func IncEventDrop(topic string) {
	if regOK.Load() {
		eventDrops.WithLabelValues(topic).Inc()
	}
}
