// Package workflow defines the core tasker domain model: tasks, workflow
// steps, dependency edges, transition-log records, and the named templates
// tasks are instantiated from.
package workflow

// TaskState is the lifecycle state of a task.
type TaskState string

// Task states.
const (
	TaskStatePending          TaskState = "pending"
	TaskStateInProgress       TaskState = "in_progress"
	TaskStateComplete         TaskState = "complete"
	TaskStateError            TaskState = "error"
	TaskStateCancelled        TaskState = "cancelled"
	TaskStateResolvedManually TaskState = "resolved_manually"
)

// Terminal reports whether the task state admits no further transitions
// except error -> in_progress retries.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateComplete, TaskStateCancelled, TaskStateResolvedManually:
		return true
	default:
		return false
	}
}

// StepState is the lifecycle state of a workflow step.
type StepState string

// Step states.
const (
	StepStatePending          StepState = "pending"
	StepStateInProgress       StepState = "in_progress"
	StepStateComplete         StepState = "complete"
	StepStateError            StepState = "error"
	StepStateCancelled        StepState = "cancelled"
	StepStateResolvedManually StepState = "resolved_manually"
)

// InCompletionSet reports whether the state counts a parent as satisfying a
// child's dependency.
func (s StepState) InCompletionSet() bool {
	return s == StepStateComplete || s == StepStateResolvedManually
}

// Terminal reports whether the step state admits no further transitions
// except error -> in_progress retries.
func (s StepState) Terminal() bool {
	switch s {
	case StepStateComplete, StepStateCancelled, StepStateResolvedManually:
		return true
	default:
		return false
	}
}
