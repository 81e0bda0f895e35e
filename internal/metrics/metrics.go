package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Trigger results reported on the control port.
const (
	TriggerSpawned        = "spawned"
	TriggerAlreadyRunning = "already_running"
	TriggerFailed         = "failed"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	controlTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uprunner",
			Subsystem: "control",
			Name:      "triggers_total",
			Help:      "Number of spawn triggers received on the control port, by result.",
		}, []string{"result"},
	)
	controlConnections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "uprunner",
			Subsystem: "control",
			Name:      "connections_total",
			Help:      "Number of accepted control connections.",
		},
	)
	childSpawns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "uprunner",
			Subsystem: "child",
			Name:      "spawns_total",
			Help:      "Number of successful child launches.",
		},
	)
	childSpawnFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "uprunner",
			Subsystem: "child",
			Name:      "spawn_failures_total",
			Help:      "Number of failed child launches.",
		},
	)
	childExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uprunner",
			Subsystem: "child",
			Name:      "exits_total",
			Help:      "Number of child exits by reason (exited, terminated, killed).",
		}, []string{"reason"},
	)
	childRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "uprunner",
			Subsystem: "child",
			Name:      "running",
			Help:      "1 while the child handle is held, 0 otherwise.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{controlTriggers, controlConnections, childSpawns, childSpawnFailures, childExits, childRunning}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the given gatherer; used when metrics live in a private registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has succeeded.

func IncTrigger(result string) {
	if regOK.Load() {
		controlTriggers.WithLabelValues(result).Inc()
	}
}

func IncConnection() {
	if regOK.Load() {
		controlConnections.Inc()
	}
}

func IncSpawn() {
	if regOK.Load() {
		childSpawns.Inc()
	}
}

func IncSpawnFailure() {
	if regOK.Load() {
		childSpawnFailures.Inc()
	}
}

func IncExit(reason string) {
	if regOK.Load() {
		childExits.WithLabelValues(reason).Inc()
	}
}

func SetChildRunning(running bool) {
	if regOK.Load() {
		v := 0.0
		if running {
			v = 1
		}
		childRunning.Set(v)
	}
}
