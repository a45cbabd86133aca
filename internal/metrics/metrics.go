// Package metrics exposes Prometheus collectors for the poll engine.
// Grounded on internal/metrics/metrics.go's package-level-collector +
// sync.Once + Observe/Inc helper-function shape.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal        *prometheus.CounterVec
	requestDurationSecs  *prometheus.HistogramVec
	retriesTotal         *prometheus.CounterVec
	circuitState         *prometheus.GaugeVec
	eventsEmittedTotal   *prometheus.CounterVec
	eventsDroppedTotal   *prometheus.CounterVec
	outputQueueDepth     prometheus.Gauge
	stateWriteErrorTotal *prometheus.CounterVec
	hookErrorsTotal      *prometheus.CounterVec
	pollTickDurationSecs *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors. Safe to call more
// than once.
func Init() {
	once.Do(func() {
		requestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hel_requests_total",
				Help: "Total HTTP requests issued by poll ticks, labeled by source and status class.",
			},
			[]string{"source", "status_class"},
		)

		requestDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hel_request_duration_seconds",
				Help:    "Histogram of per-attempt HTTP request latencies, labeled by source.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hel_retries_total",
				Help: "Total retry attempts, labeled by source.",
			},
			[]string{"source"},
		)

		circuitState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hel_circuit_state",
				Help: "Circuit breaker state per source: 0=closed, 1=half_open, 2=open.",
			},
			[]string{"source"},
		)

		eventsEmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hel_events_emitted_total",
				Help: "Total events successfully offered to the output sink, labeled by source.",
			},
			[]string{"source"},
		)

		eventsDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hel_events_dropped_total",
				Help: "Total events dropped by the output sink, labeled by source and reason.",
			},
			[]string{"source", "reason"},
		)

		outputQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "hel_output_queue_depth",
				Help: "Current depth of the global output queue.",
			},
		)

		stateWriteErrorTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hel_state_write_errors_total",
				Help: "Total state store write failures, labeled by source.",
			},
			[]string{"source"},
		)

		hookErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hel_hook_errors_total",
				Help: "Total hook invocation errors, labeled by source and function.",
			},
			[]string{"source", "function"},
		)

		pollTickDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hel_poll_tick_duration_seconds",
				Help:    "Histogram of whole poll tick durations, labeled by source.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"source"},
		)
	})
}

// ObserveRequest records one HTTP attempt's outcome.
func ObserveRequest(source, statusClass string, duration time.Duration) {
	Init()
	requestsTotal.WithLabelValues(source, statusClass).Inc()
	requestDurationSecs.WithLabelValues(source).Observe(duration.Seconds())
}

// IncRetries increments the retry counter for source.
func IncRetries(source string) {
	Init()
	retriesTotal.WithLabelValues(source).Inc()
}

// SetCircuitState records a source's circuit breaker state, encoded as
// 0=closed, 1=half_open, 2=open per spec.md section 4.D.
func SetCircuitState(source string, state int) {
	Init()
	circuitState.WithLabelValues(source).Set(float64(state))
}

// IncEventsEmitted increments the emitted-events counter for source.
func IncEventsEmitted(source string, n int) {
	if n <= 0 {
		return
	}
	Init()
	eventsEmittedTotal.WithLabelValues(source).Add(float64(n))
}

// IncEventsDropped increments the dropped-events counter for source,
// labeled with the drop reason (backpressure or max_queue_age).
func IncEventsDropped(source, reason string) {
	Init()
	eventsDroppedTotal.WithLabelValues(source, reason).Inc()
}

// SetOutputQueueDepth records the current output queue depth.
func SetOutputQueueDepth(depth int) {
	Init()
	outputQueueDepth.Set(float64(depth))
}

// IncStateWriteErrors increments the state-write-error counter for source.
func IncStateWriteErrors(source string) {
	Init()
	stateWriteErrorTotal.WithLabelValues(source).Inc()
}

// IncHookErrors increments the hook-error counter for source and function.
func IncHookErrors(source, function string) {
	Init()
	hookErrorsTotal.WithLabelValues(source, function).Inc()
}

// ObservePollTick records one poll tick's total duration.
func ObservePollTick(source string, duration time.Duration) {
	Init()
	pollTickDurationSecs.WithLabelValues(source).Observe(duration.Seconds())
}
