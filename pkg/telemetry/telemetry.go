// Package telemetry wires Prometheus metrics and OpenTelemetry tracing for
// the workflow engine.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/tasker-systems/tasker"

// Tracer returns the engine's tracer from the globally configured provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	// StepDuration observes handler execution time per template and
	// outcome (complete, error, claim_lost).
	StepDuration *prometheus.HistogramVec

	// StepsExecuted counts step attempts by outcome.
	StepsExecuted *prometheus.CounterVec

	// TasksFinalized counts finalizer verdicts by resulting action.
	TasksFinalized *prometheus.CounterVec

	// AmbiguousPasses counts coordinator passes that found no actionable
	// work on a live task. A growing rate means a stalled workflow.
	AmbiguousPasses prometheus.Counter

	// RunsClaimed counts run-queue claims per worker.
	RunsClaimed *prometheus.CounterVec

	// BatchSize observes the readiness batch size after backpressure.
	BatchSize prometheus.Histogram
}

// NewMetrics builds and registers the engine collectors. Pass
// prometheus.DefaultRegisterer in production; tests use a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tasker",
			Name:      "step_duration_seconds",
			Help:      "Step handler execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"namespace", "template", "step", "outcome"}),
		StepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tasker",
			Name:      "steps_executed_total",
			Help:      "Step attempts by outcome.",
		}, []string{"outcome"}),
		TasksFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tasker",
			Name:      "tasks_finalized_total",
			Help:      "Finalizer verdicts by action.",
		}, []string{"action"}),
		AmbiguousPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tasker",
			Name:      "ambiguous_passes_total",
			Help:      "Coordinator passes that found no actionable work.",
		}),
		RunsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tasker",
			Name:      "runs_claimed_total",
			Help:      "Run-queue claims per worker.",
		}, []string{"worker"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tasker",
			Name:      "execution_batch_size",
			Help:      "Ready steps executed per coordinator pass.",
			Buckets:   prometheus.LinearBuckets(1, 2, 13),
		}),
	}
	reg.MustRegister(
		m.StepDuration, m.StepsExecuted, m.TasksFinalized,
		m.AmbiguousPasses, m.RunsClaimed, m.BatchSize,
	)
	return m
}
