// Package metrics provides Prometheus-based recording for loop
// operations, plus a query service for aggregating past runs from a
// Prometheus server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder records loop-level metrics. Registration happens once via
// promauto on construction.
type Recorder struct {
	iterationsTotal    *prometheus.CounterVec
	storiesAccepted    prometheus.Counter
	testRunsTotal      *prometheus.CounterVec
	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
}

// NewRecorder creates the recorder and registers its collectors on the
// default registry.
func NewRecorder() *Recorder {
	return &Recorder{
		iterationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loop_iterations_total",
				Help: "Total loop iterations by outcome",
			},
			[]string{"outcome"},
		),
		storiesAccepted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "loop_stories_accepted_total",
				Help: "Total stories accepted by the loop",
			},
		),
		testRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loop_test_runs_total",
				Help: "Total acceptance test runs by status",
			},
			[]string{"status"},
		),
		invocationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loop_agent_invocations_total",
				Help: "Total agent invocations by backend and status",
			},
			[]string{"backend", "status"},
		),
		invocationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loop_agent_invocation_duration_seconds",
				Help:    "Duration of agent invocations in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"backend"},
		),
	}
}

// ObserveIteration records one finished iteration.
func (r *Recorder) ObserveIteration(outcome string) {
	r.iterationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveStoryAccepted records a story passing acceptance.
func (r *Recorder) ObserveStoryAccepted() {
	r.storiesAccepted.Inc()
}

// ObserveTestRun records one acceptance test run.
func (r *Recorder) ObserveTestRun(passed bool) {
	status := "pass"
	if !passed {
		status = "fail"
	}
	r.testRunsTotal.WithLabelValues(status).Inc()
}

// ObserveInvocation records one agent invocation.
func (r *Recorder) ObserveInvocation(backend string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	r.invocationsTotal.WithLabelValues(backend, status).Inc()
	r.invocationDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// Serve exposes /metrics on addr. Blocks until the listener fails, so
// callers run it in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	//nolint:gosec // Internal metrics endpoint, no timeout tuning needed
	return http.ListenAndServe(addr, mux)
}
