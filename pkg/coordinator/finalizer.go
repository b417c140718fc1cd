package coordinator

import (
	"context"
	"time"

	"github.com/tasker-systems/tasker/pkg/events"
	"github.com/tasker-systems/tasker/pkg/logger"
	"github.com/tasker-systems/tasker/pkg/workflow"
)

// Finalization actions, recorded in metrics and logs.
const (
	actionCompleted  = "completed"
	actionFailed     = "failed"
	actionReenqueued = "reenqueued"
	actionAwaitRetry = "await_retry"
	actionAmbiguous  = "ambiguous"
	actionStalled    = "stalled"
)

/// finalize decides a task's fate after a pass stops producing ready steps:
// complete it, fail it, or schedule the next pass.
func (c *Coordinator) finalize(ctx context.Context, task *workflow.Task) error {
	ec, err := c.store.ExecutionContext(ctx, task.ID)
	if err != nil {
		return err
	}

	switch {
	case ec.AllStepsSettled():
		if err := c.transitionTask(ctx, task, workflow.TaskStateInProgress, workflow.TaskStateComplete, nil); err != nil {
			return err
		}
		c.countFinalization(actionCompleted)
		logger.Infow("task completed", "task_id", task.ID, "template", task.Template.String(),
			"total_steps", ec.TotalSteps)
		return nil

	case ec.ExhaustedSteps > 0:
		metadata := map[string]any{
			"exhausted_steps": ec.ExhaustedSteps,
		}
		if ec.FirstExhaustedStepID != nil {
			metadata["failed_step_id"] = ec.FirstExhaustedStepID.String()
			metadata["failed_step_name"] = ec.FirstExhaustedStepName
		}
		if err := c.transitionTask(ctx, task, workflow.TaskStateInProgress, workflow.TaskStateError, metadata); err != nil {
			return err
		}
		c.countFinalization(actionFailed)
		logger.Warnw("task failed", "task_id", task.ID, "template", task.Template.String(),
			"failed_step", ec.FirstExhaustedStepName, "exhausted_steps", ec.ExhaustedSteps)
		return nil

	case ec.ReadySteps > 0 || ec.InProgressSteps > 0:
		// More work is actionable right now (typically steps claimed by
		// other workers). Hand the task straight back to the queue.
		if err := c.store.ResetAmbiguousPasses(ctx, task.ID); err != nil {
			return err
		}
		return c.reenqueue(ctx, task, actionReenqueued, workflow.RunReasonAwaitingWork, c.clock())

	case ec.BlockedOnBackoff > 0:
		if err := c.store.ResetAmbiguousPasses(ctx, task.ID); err != nil {
			return err
		}
		at := c.clock()
		if ec.EarliestRetryAt != nil {
			at = *ec.EarliestRetryAt
		}
		return c.reenqueue(ctx, task, actionAwaitRetry, workflow.RunReasonAwaitingRetry, at)

	default:
		// Live task, nothing actionable, nothing scheduled. This should
		// not happen; re-enqueue with a delay rather than stranding the
		// task, and make noise. A task that stays ambiguous pass after
		// pass is stalled and fails rather than looping forever.
		if c.metrics != nil {
			c.metrics.AmbiguousPasses.Inc()
		}
		passes, err := c.store.IncrementAmbiguousPasses(ctx, task.ID)
		if err != nil {
			return err
		}
		if passes >= c.cfg.MaxAmbiguousPasses {
			metadata := map[string]any{
				"reason":           "stalled",
				"ambiguous_passes": passes,
			}
			if err := c.transitionTask(ctx, task, workflow.TaskStateInProgress, workflow.TaskStateError, metadata); err != nil {
				return err
			}
			c.countFinalization(actionStalled)
			logger.Errorw("task stalled", "task_id", task.ID,
				"template", task.Template.String(), "ambiguous_passes", passes)
			return nil
		}
		logger.Warnw("ambiguous finalization state", "task_id", task.ID,
			"ambiguous_passes", passes,
			"pending_steps", ec.PendingSteps, "error_steps", ec.ErrorSteps,
			"cancelled_steps", ec.CancelledSteps)
		return c.reenqueue(ctx, task, actionAmbiguous, workflow.RunReasonAmbiguous,
			c.clock().Add(c.cfg.AmbiguousDelay))
	}
}

func (c *Coordinator) reenqueue(ctx context.Context, task *workflow.Task, action, reason string, at time.Time) error {
	if err := c.reenqueuer.Reenqueue(ctx, task.ID, at, reason); err != nil {
		return err
	}
	c.countFinalization(action)
	c.publish(ctx, events.WorkflowTaskReenqueued, c.payload.Task(task, events.Timing{}, map[string]any{
		"reason": reason,
		"run_at": at.UTC(),
	}))
	return nil
}

func (c *Coordinator) countFinalization(action string) {
	if c.metrics != nil {
		c.metrics.TasksFinalized.WithLabelValues(action).Inc()
	}
}
