// Package coordinator drives workflow execution: it discovers ready steps,
// executes them in parallel through registered handlers, persists outcomes,
// and finalizes or re-enqueues the task.
//
// A coordinator pass is stateless. Everything it needs lives in the
// database, so any worker of the fleet can pick up any task's next pass.
package coordinator

import (
	"context"
	"encoding/json"
	"time"

	cbackoff "github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	taskererr "github.com/tasker-systems/tasker/pkg/errors"
	"github.com/tasker-systems/tasker/pkg/events"
	"github.com/tasker-systems/tasker/pkg/handler"
	"github.com/tasker-systems/tasker/pkg/logger"
	"github.com/tasker-systems/tasker/pkg/storage"
	"github.com/tasker-systems/tasker/pkg/telemetry"
	"github.com/tasker-systems/tasker/pkg/workflow"
	"github.com/tasker-systems/tasker/pkg/workflow/statemachine"
)

// Defaults applied when Config leaves fields zero.
const (
	DefaultMaxConcurrency      = 10
	DefaultStepTimeout         = 30 * time.Second
	DefaultAmbiguousDelay      = 30 * time.Second
	DefaultMaxAmbiguousPasses  = 10
	DefaultMinBatchSize        = 3
	DefaultMaxBatchSize        = 25

	// storage-conflict retries on task transitions
	transitionRetryDelay = 50 * time.Millisecond
	transitionMaxTries   = 3
)

// Config tunes a Coordinator.
type Config struct {
	// MaxConcurrency is the worker's step execution pool size.
	MaxConcurrency int

	// StepTimeout bounds one handler attempt when the step template does
	// not set its own timeout.
	StepTimeout time.Duration

	// AmbiguousDelay is the re-enqueue delay when a pass finds a live task
	// with no actionable work.
	AmbiguousDelay time.Duration

	// MaxAmbiguousPasses bounds consecutive ambiguous passes; the next one
	// fails the task as stalled.
	MaxAmbiguousPasses int

	// MinBatchSize is the readiness batch floor under pressure; the ceiling
	// is MaxBatchSize.
	MinBatchSize int
	MaxBatchSize int

	// PoolPressure reports database connection pressure in [0, 1] for
	// backpressure. Nil means unloaded.
	PoolPressure func() float64
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxConcurrency <= 0 {
		out.MaxConcurrency = DefaultMaxConcurrency
	}
	if out.StepTimeout <= 0 {
		out.StepTimeout = DefaultStepTimeout
	}
	if out.AmbiguousDelay <= 0 {
		out.AmbiguousDelay = DefaultAmbiguousDelay
	}
	if out.MaxAmbiguousPasses <= 0 {
		out.MaxAmbiguousPasses = DefaultMaxAmbiguousPasses
	}
	if out.MinBatchSize <= 0 {
		out.MinBatchSize = DefaultMinBatchSize
	}
	if out.MaxBatchSize <= 0 {
		out.MaxBatchSize = DefaultMaxBatchSize
	}
	if out.MaxBatchSize < out.MinBatchSize {
		out.MaxBatchSize = out.MinBatchSize
	}
	return out
}

// Coordinator executes workflow passes.
type Coordinator struct {
	store      storage.Store
	registry   *handler.Registry
	bus        events.Publisher
	reenqueuer Reenqueuer
	payload    *events.PayloadBuilder
	metrics    *telemetry.Metrics
	clock      func() time.Time
	cfg        Config
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.clock = now }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithConfig overrides the default tuning.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) { c.cfg = cfg.withDefaults() }
}

// New creates a Coordinator.
func New(store storage.Store, registry *handler.Registry, bus events.Publisher, reenqueuer Reenqueuer, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      store,
		registry:   registry,
		bus:        bus,
		reenqueuer: reenqueuer,
		clock:      time.Now,
		cfg:        (&Config{}).withDefaults(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.payload = events.NewPayloadBuilder(c.clock)
	return c
}

/// ExecuteWorkflow runs one coordinator pass for the task: move it into
// in_progress if needed, execute ready steps until none remain, then
// finalize. Safe to call concurrently for different tasks; concurrent
// passes over the same task are serialized per step by the claim protocol.
func (c *Coordinator) ExecuteWorkflow(ctx context.Context, taskID uuid.UUID) error {
	ctx, span := telemetry.Tracer().Start(ctx, "coordinator.ExecuteWorkflow")
	defer span.End()

	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	state, err := c.store.TaskState(ctx, taskID)
	if err != nil {
		return err
	}

	switch state {
	case workflow.TaskStatePending:
		if err := c.transitionTask(ctx, task, workflow.TaskStatePending, workflow.TaskStateInProgress, nil); err != nil {
			return err
		}
	case workflow.TaskStateInProgress:
		// A continuation pass.
	case workflow.TaskStateError:
		// Failed tasks stay failed until a manual retry pass.
		logger.Debugf("skipping pass for failed task %s", taskID)
		return nil
	default:
		// Terminal states have nothing to execute.
		logger.Debugf("skipping pass for %s task %s", state, taskID)
		return nil
	}

	registration, err := c.registry.Resolve(task.Template)
	if err != nil {
		return err
	}

	for {
		rows, err := c.store.StepReadiness(ctx, taskID)
		if err != nil {
			return err
		}
		ready := readyRows(rows)
		if len(ready) == 0 {
			break
		}

		limit := c.cfg.batchLimit(len(ready), c.poolPressure())
		if c.metrics != nil {
			c.metrics.BatchSize.Observe(float64(limit))
		}
		if err := c.executeBatch(ctx, task, registration, ready[:limit]); err != nil {
			return err
		}
	}

	return c.finalize(ctx, task)
}

// RetryTask moves a failed task back into execution and schedules an
// immediate pass.
func (c *Coordinator) RetryTask(ctx context.Context, taskID uuid.UUID) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := c.transitionTask(ctx, task, workflow.TaskStateError, workflow.TaskStateInProgress, nil); err != nil {
		return err
	}
	return c.reenqueuer.Reenqueue(ctx, taskID, c.clock(), workflow.RunReasonInitial)
}

// CancelTask cancels a task. Pending steps are cancelled immediately;
// in-flight steps drain and their outcomes are recorded, but no further
// steps will execute.
func (c *Coordinator) CancelTask(ctx context.Context, taskID uuid.UUID) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	state, err := c.store.TaskState(ctx, taskID)
	if err != nil {
		return err
	}
	if state != workflow.TaskStatePending && state != workflow.TaskStateInProgress {
		return taskererr.NewConflictError("cannot cancel task in state "+string(state), nil)
	}

	if err := c.transitionTask(ctx, task, state, workflow.TaskStateCancelled, nil); err != nil {
		return err
	}

	cancelled, err := c.store.CancelPendingSteps(ctx, taskID)
	if err != nil {
		return err
	}
	for _, stepID := range cancelled {
		step, err := c.store.GetStep(ctx, stepID)
		if err != nil {
			return err
		}
		c.publish(ctx, events.StepCancelled,
			c.payload.Step(task, step, events.Timing{}, nil))
	}
	return nil
}

// ResolveStepManually marks a stuck step resolved by an operator, making its
// dependents eligible. Optional results replace the step's results document.
func (c *Coordinator) ResolveStepManually(ctx context.Context, taskID, stepID uuid.UUID, results json.RawMessage) (*workflow.WorkflowStep, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	step, err := c.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if step.TaskID != taskID {
		return nil, taskererr.NewNotFoundError("step "+stepID.String()+" does not belong to task "+taskID.String(), nil)
	}

	resolved, err := c.store.ResolveStepManually(ctx, stepID, results)
	if err != nil {
		return nil, err
	}
	c.publish(ctx, events.StepResolvedManually, c.payload.Step(task, resolved, events.Timing{}, nil))
	return resolved, nil
}

// ResolveTaskManually marks a stuck task resolved by an operator.
func (c *Coordinator) ResolveTaskManually(ctx context.Context, taskID uuid.UUID) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	state, err := c.store.TaskState(ctx, taskID)
	if err != nil {
		return err
	}
	return c.transitionTask(ctx, task, state, workflow.TaskStateResolvedManually, nil)
}

// transitionTask appends a task transition, retrying storage conflicts a
// few times before giving up, and publishes the transition's event.
func (c *Coordinator) transitionTask(ctx context.Context, task *workflow.Task, from, to workflow.TaskState, metadata map[string]any) error {
	op := func() (struct{}, error) {
		err := c.store.TransitionTask(ctx, task.ID, from, to, metadata)
		if err != nil && !taskererr.IsStorageConflict(err) {
			return struct{}{}, cbackoff.Permanent(err)
		}
		return struct{}{}, err
	}
	_, err := cbackoff.Retry(ctx, op,
		cbackoff.WithBackOff(cbackoff.NewConstantBackOff(transitionRetryDelay)),
		cbackoff.WithMaxTries(transitionMaxTries))
	if err != nil {
		return err
	}

	name, err := statemachine.TaskEvent(from, to)
	if err != nil {
		return taskererr.NewInternalError("transition committed without an event", err)
	}
	c.publish(ctx, name, c.payload.Task(task, events.Timing{}, metadata))
	return nil
}

// publish fires an event, logging rather than failing the pass when a
// subscriber misbehaves. Observability sink errors are surfaced by the bus.
func (c *Coordinator) publish(ctx context.Context, name string, payload map[string]any) {
	if err := c.bus.Publish(ctx, name, payload); err != nil {
		logger.Warnw("event publication failed", "event", name, "error", err)
	}
}

func (c *Coordinator) poolPressure() float64 {
	if c.cfg.PoolPressure == nil {
		return 0
	}
	return c.cfg.PoolPressure()
}

// readyRows filters readiness rows down to executable ones.
func readyRows(rows []workflow.StepReadiness) []workflow.StepReadiness {
	var ready []workflow.StepReadiness
	for _, row := range rows {
		if row.ReadyForExecution {
			ready = append(ready, row)
		}
	}
	return ready
}
