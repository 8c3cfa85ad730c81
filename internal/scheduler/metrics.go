package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchTotal counts fetch cycles by outcome.
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "calfeed",
			Name:      "fetch_total",
			Help:      "Total number of fetch cycles",
		},
		[]string{"source", "result"},
	)

	// FetchDuration measures fetch+build time per cycle.
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "calfeed",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of fetch cycles in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// EventsEmitted is the size of the last batch per source.
	EventsEmitted = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "calfeed",
			Name:      "events_emitted",
			Help:      "Number of events in the last delivered batch",
		},
		[]string{"source"},
	)

	// RetryCount is the current consecutive failure count per source.
	RetryCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "calfeed",
			Name:      "retry_count",
			Help:      "Consecutive failed fetch cycles",
		},
		[]string{"source"},
	)

	// ErrorsTotal counts failed cycles by error kind.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "calfeed",
			Name:      "errors_total",
			Help:      "Total number of failed fetch cycles",
		},
		[]string{"source", "kind"},
	)

	// ActiveSources tracks registered sources that are not stopped.
	ActiveSources = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "calfeed",
			Name:      "active_sources",
			Help:      "Number of registered sources that are not stopped",
		},
	)
)

func recordSuccess(source string, events int, seconds float64) {
	FetchTotal.WithLabelValues(source, "success").Inc()
	FetchDuration.WithLabelValues(source).Observe(seconds)
	EventsEmitted.WithLabelValues(source).Set(float64(events))
	RetryCount.WithLabelValues(source).Set(0)
}

func recordFailure(source, kind string, retries int, seconds float64) {
	FetchTotal.WithLabelValues(source, "failure").Inc()
	FetchDuration.WithLabelValues(source).Observe(seconds)
	ErrorsTotal.WithLabelValues(source, kind).Inc()
	RetryCount.WithLabelValues(source).Set(float64(retries))
}

func forgetSource(source string) {
	EventsEmitted.DeleteLabelValues(source)
	RetryCount.DeleteLabelValues(source)
}
