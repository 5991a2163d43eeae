package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "tunnelpanel"
	subsystem = "tunnel"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	tunnelStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "starts_total",
			Help:      "Number of tunnel process starts that passed startup detection.",
		}, []string{"mode"},
	)
	startupFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "startup_failures_total",
			Help:      "Number of tunnel launches that failed startup detection.",
		}, []string{"mode"},
	)
	tunnelStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stops_total",
			Help:      "Number of shutdowns, by whether SIGKILL was needed.",
		}, []string{"forced"},
	)
	restartAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "restart_attempts_total",
			Help:      "Number of restart attempts by result.",
		}, []string{"result"},
	)
	exits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "exits_total",
			Help:      "Number of observed tunnel process exits.",
		},
	)
	running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "running",
			Help:      "1 while a tunnel process occupies the supervisor slot.",
		},
	)
	relayDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "dropped_events_total",
			Help:      "Events not delivered because a subscriber buffer was full.",
		}, []string{"type"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{tunnelStarts, startupFailures, tunnelStops, restartAttempts, exits, running, relayDropped}
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

// HandlerFor serves a specific gatherer; used when a private registry is configured.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has succeeded.

func IncStart(mode string) {
	if regOK.Load() {
		tunnelStarts.WithLabelValues(mode).Inc()
	}
}

func IncStartupFailure(mode string) {
	if regOK.Load() {
		startupFailures.WithLabelValues(mode).Inc()
	}
}

func IncStop(forced bool) {
	if regOK.Load() {
		label := "false"
		if forced {
			label = "true"
		}
		tunnelStops.WithLabelValues(label).Inc()
	}
}

func IncRestartAttempt(result string) {
	if regOK.Load() {
		restartAttempts.WithLabelValues(result).Inc()
	}
}

func IncExit() {
	if regOK.Load() {
		exits.Inc()
	}
}

func SetRunning(on bool) {
	if regOK.Load() {
		if on {
			running.Set(1)
		} else {
			running.Set(0)
		}
	}
}

func IncRelayDropped(eventType string) {
	if regOK.Load() {
		relayDropped.WithLabelValues(eventType).Inc()
	}
}
