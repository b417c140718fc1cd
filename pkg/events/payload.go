package events

import (
	"fmt"
	"time"

	"github.com/tasker-systems/tasker/pkg/workflow"
)

// PayloadBuilder standardizes every event payload. All publishers build
// their payloads through it so subscribers can rely on a stable shape:
// task_id plus started_at / completed_at / execution_duration are always
// present; failure payloads additionally carry error_message,
// exception_class, backtrace, and attempt_number.
type PayloadBuilder struct {
	now func() time.Time
}

// NewPayloadBuilder creates a builder using the given clock. A nil clock
// defaults to time.Now.
func NewPayloadBuilder(now func() time.Time) *PayloadBuilder {
	if now == nil {
		now = time.Now
	}
	return &PayloadBuilder{now: now}
}

// Timing captures the observed execution window for an event. Zero values
// fall back to the builder's clock so the fields are always present.
type Timing struct {
	StartedAt   time.Time
	CompletedAt time.Time
}

// Task builds the payload for a task-level event.
func (b *PayloadBuilder) Task(task *workflow.Task, timing Timing, extra map[string]any) map[string]any {
	p := b.base(timing)
	p["task_id"] = task.ID.String()
	p["task_name"] = task.Template.Name
	p["namespace"] = task.Template.Namespace
	p["version"] = task.Template.Version
	for k, v := range extra {
		p[k] = v
	}
	return p
}

// Step builds the payload for a step-level event.
func (b *PayloadBuilder) Step(task *workflow.Task, step *workflow.WorkflowStep, timing Timing, extra map[string]any) map[string]any {
	p := b.Task(task, timing, nil)
	p["step_id"] = step.ID.String()
	p["step_name"] = step.Name
	p["attempt_number"] = step.Attempts
	for k, v := range extra {
		p[k] = v
	}
	return p
}

// Failure decorates a step payload with the standardized failure fields.
func (b *PayloadBuilder) Failure(task *workflow.Task, step *workflow.WorkflowStep, timing Timing, cause error, backtrace string) map[string]any {
	p := b.Step(task, step, timing, nil)
	p["error_message"] = cause.Error()
	p["exception_class"] = fmt.Sprintf("%T", cause)
	p["backtrace"] = backtrace
	return p
}

func (b *PayloadBuilder) base(timing Timing) map[string]any {
	started := timing.StartedAt
	completed := timing.CompletedAt
	if started.IsZero() {
		started = b.now().UTC()
	}
	if completed.IsZero() {
		completed = b.now().UTC()
	}
	return map[string]any{
		"started_at":         started.UTC().Format(time.RFC3339Nano),
		"completed_at":       completed.UTC().Format(time.RFC3339Nano),
		"execution_duration": completed.Sub(started).Seconds(),
	}
}
