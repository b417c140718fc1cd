package coordinator

import (
	"context"
	"time"

	"github.com/tasker-systems/tasker/pkg/logger"
	"github.com/tasker-systems/tasker/pkg/storage"
	"github.com/tasker-systems/tasker/pkg/telemetry"
)

// DefaultPollInterval is the idle sleep between run-queue polls.
const DefaultPollInterval = time.Second

// Worker polls the run queue and hands claimed runs to the coordinator.
// Multiple workers may poll the same queue; the claim protocol guarantees
// each run executes once.
type Worker struct {
	id           string
	runs         storage.RunStore
	coordinator  *Coordinator
	metrics      *telemetry.Metrics
	pollInterval time.Duration
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithPollInterval overrides the idle poll interval.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.pollInterval = d }
}

// WithWorkerMetrics attaches Prometheus collectors.
func WithWorkerMetrics(m *telemetry.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// NewWorker creates a run-queue worker.
func NewWorker(id string, runs storage.RunStore, c *Coordinator, opts ...WorkerOption) *Worker {
	w := &Worker{
		id:           id,
		runs:         runs,
		coordinator:  c,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until the context is cancelled. Runs claim, execute, complete;
// a failed pass logs and completes the run anyway, because the coordinator
// re-enqueues recoverable situations itself and a poisoned run must not
// wedge the queue.
func (w *Worker) Run(ctx context.Context) error {
	logger.Infow("worker started", "worker_id", w.id, "poll_interval", w.pollInterval)
	for {
		if err := ctx.Err(); err != nil {
			logger.Infow("worker stopping", "worker_id", w.id)
			return err
		}

		run, err := w.runs.ClaimDueRun(ctx, w.id)
		if err != nil {
			logger.Errorf("claiming run: %v", err)
			w.sleep(ctx)
			continue
		}
		if run == nil {
			w.sleep(ctx)
			continue
		}

		if w.metrics != nil {
			w.metrics.RunsClaimed.WithLabelValues(w.id).Inc()
		}
		logger.Debugf("worker %s claimed run %d for task %s (%s)", w.id, run.ID, run.TaskID, run.Reason)

		if err := w.coordinator.ExecuteWorkflow(ctx, run.TaskID); err != nil {
			logger.Errorf("pass for task %s failed: %v", run.TaskID, err)
		}
		if err := w.runs.CompleteRun(ctx, run.ID); err != nil {
			logger.Errorf("completing run %d: %v", run.ID, err)
		}
	}
}

func (w *Worker) sleep(ctx context.Context) {
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
