// Package metrics defines the Prometheus collectors for the voice loop and
// the vision pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "companion"

var (
	// stateTransitionsTotal counts turn controller transitions.
	stateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Turn controller state transitions",
		},
		[]string{"from", "to"},
	)

	interruptionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Assistant utterances cut short by user speech",
		},
	)

	// turnFailuresTotal counts recovered conversational failures.
	turnFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_failures_total",
			Help:      "Recovered conversational failures by kind",
		},
		[]string{"kind"},
	)

	capabilityCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_calls_total",
			Help:      "Capability resolutions by name and outcome",
		},
		[]string{"name", "outcome"}, // outcome: ok, error
	)

	// analyzeTotal counts vision analyses by outcome.
	analyzeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vision_analyze_total",
			Help:      "Vision analyses by outcome",
		},
		[]string{"outcome"}, // outcome: ok, error
	)

	analyzeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vision_analyze_duration_seconds",
			Help:      "Duration of multimodal analysis calls",
			Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// snapshotAge is the age of the snapshot at its most recent read.
	snapshotAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_age_seconds",
			Help:      "Age of the vision snapshot observed by the last read",
		},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Voice sessions currently running",
		},
	)
)

var allMetrics = []prometheus.Collector{
	stateTransitionsTotal,
	interruptionsTotal,
	turnFailuresTotal,
	capabilityCallsTotal,
	analyzeTotal,
	analyzeDuration,
	snapshotAge,
	sessionsActive,
}

// NewRegistry returns a registry with all collectors plus Go runtime metrics.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range allMetrics {
		reg.MustRegister(c)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the registry in the exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func RecordTransition(from, to string) { stateTransitionsTotal.WithLabelValues(from, to).Inc() }

func RecordInterruption() { interruptionsTotal.Inc() }

func RecordTurnFailure(kind string) { turnFailuresTotal.WithLabelValues(kind).Inc() }

func RecordCapability(name string, err error) {
	capabilityCallsTotal.WithLabelValues(name, outcome(err)).Inc()
}

// RecordAnalyze records one vision analysis and its wall time.
func RecordAnalyze(seconds float64, err error) {
	analyzeTotal.WithLabelValues(outcome(err)).Inc()
	analyzeDuration.Observe(seconds)
}

func ObserveSnapshotAge(seconds float64) { snapshotAge.Set(seconds) }

func SessionStarted() { sessionsActive.Inc() }

func SessionEnded() { sessionsActive.Dec() }

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
