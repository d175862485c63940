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

	childStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bootvisor",
			Subsystem: "child",
			Name:      "starts_total",
			Help:      "Number of successful child starts.",
		},
	)
	childStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bootvisor",
			Subsystem: "child",
			Name:      "stops_total",
			Help:      "Number of child stops by reason (requested, unexpected, failed).",
		}, []string{"reason"},
	)
	childRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bootvisor",
			Subsystem: "child",
			Name:      "restarts_total",
			Help:      "Number of restart sequences by initiator (user, watchdog).",
		}, []string{"initiator"},
	)
	forcedKills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bootvisor",
			Subsystem: "child",
			Name:      "forced_kills_total",
			Help:      "Number of stops that had to escalate to a forced kill.",
		},
	)
	startDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "bootvisor",
			Subsystem: "child",
			Name:      "start_duration_seconds",
			Help:      "Time from start request to Running, including the runtime probe.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bootvisor",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bootvisor",
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	childCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bootvisor",
			Subsystem: "child",
			Name:      "cpu_percent",
			Help:      "CPU usage of the child process at the last sample.",
		},
	)
	childRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bootvisor",
			Subsystem: "child",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the child process at the last sample.",
		},
	)

	logIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bootvisor",
			Subsystem: "logs",
			Name:      "ingested_total",
			Help:      "Lines accepted into the log queue by source.",
		}, []string{"source"},
	)
	logEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bootvisor",
			Subsystem: "logs",
			Name:      "evicted_total",
			Help:      "Lines evicted from a full log queue.",
		},
	)
	logDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bootvisor",
			Subsystem: "logs",
			Name:      "dropped_total",
			Help:      "Lines dropped because they could not be normalized.",
		},
	)
	logBatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bootvisor",
			Subsystem: "logs",
			Name:      "batches_total",
			Help:      "Batches delivered to the consumer.",
		},
	)
	drainSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bootvisor",
			Subsystem: "logs",
			Name:      "drain_skipped_total",
			Help:      "Scheduler ticks skipped because a drain was still running.",
		},
	)

	watchdogRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bootvisor",
			Subsystem: "watchdog",
			Name:      "restarts_total",
			Help:      "Restarts triggered by the watchdog.",
		},
	)
	watchdogSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bootvisor",
			Subsystem: "watchdog",
			Name:      "suppressed_total",
			Help:      "Unexpected stops seen inside the cooldown window.",
		},
	)
	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bootvisor",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events not delivered to a slow subscriber, by topic.",
		}, []string{"topic"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		childStarts, childStops, childRestarts, forcedKills, startDuration,
		stateTransitions, currentState, childCPU, childRSS,
		logIngested, logEvicted, logDropped, logBatches, drainSkipped,
		watchdogRestarts, watchdogSuppressed, eventsDropped,
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

// Registered reports whether Register has succeeded.
func Registered() bool { return regOK.Load() }

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart() {
	if regOK.Load() {
		childStarts.Inc()
	}
}

func IncStop(reason string) {
	if regOK.Load() {
		childStops.WithLabelValues(reason).Inc()
	}
}

func IncRestart(initiator string) {
	if regOK.Load() {
		childRestarts.WithLabelValues(initiator).Inc()
	}
}

func IncForcedKill() {
	if regOK.Load() {
		forcedKills.Inc()
	}
}

func ObserveStartDuration(seconds float64) {
	if regOK.Load() {
		startDuration.Observe(seconds)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

// SetCurrentState marks state as the only active state among all.
func SetCurrentState(state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		var value float64 = 0
		if s == state {
			value = 1
		}
		currentState.WithLabelValues(s).Set(value)
	}
}

func SetChildUsage(cpuPercent float64, rssBytes uint64) {
	if regOK.Load() {
		childCPU.Set(cpuPercent)
		childRSS.Set(float64(rssBytes))
	}
}

func IncLogIngested(source string) {
	if regOK.Load() {
		logIngested.WithLabelValues(source).Inc()
	}
}

func AddLogEvicted(n int) {
	if regOK.Load() && n > 0 {
		logEvicted.Add(float64(n))
	}
}

func IncLogDropped() {
	if regOK.Load() {
		logDropped.Inc()
	}
}

func IncLogBatch() {
	if regOK.Load() {
		logBatches.Inc()
	}
}

func IncDrainSkipped() {
	if regOK.Load() {
		drainSkipped.Inc()
	}
}

func IncWatchdogRestart() {
	if regOK.Load() {
		watchdogRestarts.Inc()
	}
}

func IncWatchdogSuppressed() {
	if regOK.Load() {
		watchdogSuppressed.Inc()
	}
}

func IncEventDropped(topic string) {
	if regOK.Load() {
		eventsDropped.WithLabelValues(topic).Inc()
	}
}
