package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"runtime/debug"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	taskererr "github.com/tasker-systems/tasker/pkg/errors"
	"github.com/tasker-systems/tasker/pkg/events"
	"github.com/tasker-systems/tasker/pkg/handler"
	"github.com/tasker-systems/tasker/pkg/logger"
	"github.com/tasker-systems/tasker/pkg/storage"
	"github.com/tasker-systems/tasker/pkg/telemetry"
	"github.com/tasker-systems/tasker/pkg/workflow"
	"github.com/tasker-systems/tasker/pkg/workflow/statemachine"
)

// executeBatch claims and executes ready steps in parallel, bounded by the
// worker pool. A lost claim is not an error; another worker won the step.
func (c *Coordinator) executeBatch(ctx context.Context, task *workflow.Task, registration *handler.Registration, ready []workflow.StepReadiness) error {
	sem := semaphore.NewWeighted(int64(c.cfg.MaxConcurrency))
	g, gctx := errgroup.WithContext(ctx)

	for _, row := range ready {
		row := row
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return c.executeStep(gctx, task, registration, row)
		})
	}
	return g.Wait()
}

// executeStep runs one step attempt end to end: claim, handle, persist,
// publish. Handler execution happens outside any database lock.
func (c *Coordinator) executeStep(ctx context.Context, task *workflow.Task, registration *handler.Registration, row workflow.StepReadiness) error {
	ctx, span := c.tracerSpan(ctx, "coordinator.executeStep")
	defer span()

	claimed, err := c.store.ClaimStep(ctx, row.StepID)
	if taskererr.IsClaimLost(err) {
		c.countStep("claim_lost")
		logger.Debugf("claim lost for step %s of task %s", row.Name, task.ID)
		return nil
	}
	if err != nil {
		return err
	}
	step := claimed.Step

	claimEvent, evErr := statemachine.StepEvent(claimed.From, workflow.StepStateInProgress)
	if evErr != nil {
		return taskererr.NewInternalError("claim committed without an event", evErr)
	}
	startedAt := c.clock().UTC()
	c.publish(ctx, claimEvent, c.payload.Step(task, &step, events.Timing{StartedAt: startedAt}, nil))

	results, handlerErr := c.runHandler(ctx, task, registration, &step)
	timing := events.Timing{StartedAt: startedAt, CompletedAt: c.clock().UTC()}

	if handlerErr == nil {
		completed, err := c.store.CompleteStep(ctx, step.ID, results)
		if err != nil {
			return err
		}
		c.countStep("complete")
		c.observeStep(task, &step, "complete", timing)
		c.publish(ctx, events.StepCompleted, c.payload.Step(task, completed, timing, nil))
		return nil
	}

	return c.persistFailure(ctx, task, &step, handlerErr, timing)
}

// runHandler executes the step's handler with a per-attempt timeout and
// panic capture. A panic is recorded like any retryable failure, with the
// stack preserved for the results document.
func (c *Coordinator) runHandler(ctx context.Context, task *workflow.Task, registration *handler.Registration, step *workflow.WorkflowStep) (results json.RawMessage, err error) {
	h, ok := registration.Handler(step.Name)
	if !ok {
		return nil, taskererr.NewInterfaceViolationError(
			"no handler for step "+step.Name+" in "+task.Template.String(), nil)
	}

	timeout := c.cfg.StepTimeout
	if tmpl, ok := registration.Template.Step(step.Name); ok && tmpl.Timeout > 0 {
		timeout = tmpl.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()

	settled, listErr := c.settledSteps(attemptCtx, task.ID)
	if listErr != nil {
		return nil, listErr
	}
	sequence := handler.NewSequence(settled)

	results, err = h.Process(attemptCtx, task, sequence, step)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded {
		return nil, taskererr.NewTimeoutError(
			fmt.Sprintf("step %s exceeded its %s timeout", step.Name, timeout), err)
	}
	if err != nil {
		return nil, err
	}

	if rp, ok := h.(handler.ResultsProcessor); ok {
		results, err = rp.ProcessResults(attemptCtx, step, results)
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// settledSteps returns the task's steps that are in the completion set,
// i.e. whose results dependents may read.
func (c *Coordinator) settledSteps(ctx context.Context, taskID uuid.UUID) ([]workflow.WorkflowStep, error) {
	steps, err := c.store.ListSteps(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var settled []workflow.WorkflowStep
	for _, st := range steps {
		if st.Processed {
			settled = append(settled, st)
		}
	}
	return settled, nil
}

// persistFailure maps a handler error onto the retryable/permanent taxonomy
// and records the failed attempt.
func (c *Coordinator) persistFailure(ctx context.Context, task *workflow.Task, step *workflow.WorkflowStep, handlerErr error, timing events.Timing) error {
	failure := storage.StepFailure{
		Message:        handlerErr.Error(),
		ExceptionClass: fmt.Sprintf("%T", handlerErr),
	}

	var backtrace string
	if pe, ok := handlerErr.(*panicError); ok {
		backtrace = pe.stack
		failure.Backtrace = pe.stack
	}

	if taskererr.IsTimeout(handlerErr) {
		// Timeouts consume an attempt and retry on the standard curve.
	} else if retryable, permanent := taskererr.ClassifyStepError(handlerErr); permanent != nil {
		failure.Exhaust = true
		if len(permanent.Context) > 0 {
			failure.Context = permanent.Context
		}
	} else {
		if retryable.RetryAfter != nil {
			secs := int(math.Ceil(retryable.RetryAfter.Seconds()))
			failure.BackoffRequestSeconds = &secs
		}
		if len(retryable.Context) > 0 {
			failure.Context = retryable.Context
		}
	}

	failed, err := c.store.FailStep(ctx, step.ID, failure)
	if err != nil {
		return err
	}

	c.countStep("error")
	c.observeStep(task, step, "error", timing)
	c.publish(ctx, events.StepFailed, c.payload.Failure(task, failed, timing, handlerErr, backtrace))
	if failed.Attempts >= failed.RetryLimit {
		c.publish(ctx, events.StepMaxRetriesReached, c.payload.Step(task, failed, timing, map[string]any{
			"retry_limit": failed.RetryLimit,
		}))
	}
	return nil
}

// panicError wraps a recovered handler panic. It classifies as retryable.
type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", p.value)
}

func (c *Coordinator) countStep(outcome string) {
	if c.metrics != nil {
		c.metrics.StepsExecuted.WithLabelValues(outcome).Inc()
	}
}

func (c *Coordinator) observeStep(task *workflow.Task, step *workflow.WorkflowStep, outcome string, timing events.Timing) {
	if c.metrics == nil {
		return
	}
	c.metrics.StepDuration.WithLabelValues(
		task.Template.Namespace, task.Template.Name, step.Name, outcome,
	).Observe(timing.CompletedAt.Sub(timing.StartedAt).Seconds())
}

// tracerSpan starts a span and returns its End as a closure, keeping call
// sites compact.
func (c *Coordinator) tracerSpan(ctx context.Context, name string) (context.Context, func()) {
	ctx, span := telemetry.Tracer().Start(ctx, name)
	return ctx, func() { span.End() }
}
