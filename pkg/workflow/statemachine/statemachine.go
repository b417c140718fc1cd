// Package statemachine owns the canonical transition tables for tasks and
// workflow steps, and the static mapping from transitions to event names.
// Storage implementations consult it before writing transition-log rows so
// current_state stays derivable and idempotent.
package statemachine

import (
	"fmt"

	"github.com/tasker-systems/tasker/pkg/events"
	"github.com/tasker-systems/tasker/pkg/workflow"
)

// Initial is the synthetic from-state of a record's first transition.
const Initial = ""

type edge struct {
	from string
	to   string
}

// taskEdges maps each allowed task transition to its event name. Initial
// transitions are represented so no transition is event-less.
var taskEdges = map[edge]string{
	{Initial, string(workflow.TaskStatePending)}:                                        events.TaskInitializeRequested,
	{string(workflow.TaskStatePending), string(workflow.TaskStateInProgress)}:           events.TaskStartRequested,
	{string(workflow.TaskStatePending), string(workflow.TaskStateCancelled)}:            events.TaskCancelled,
	{string(workflow.TaskStatePending), string(workflow.TaskStateResolvedManually)}:     events.TaskResolvedManually,
	{string(workflow.TaskStateInProgress), string(workflow.TaskStateComplete)}:          events.TaskCompleted,
	{string(workflow.TaskStateInProgress), string(workflow.TaskStateError)}:             events.TaskFailed,
	{string(workflow.TaskStateInProgress), string(workflow.TaskStateCancelled)}:         events.TaskCancelled,
	{string(workflow.TaskStateError), string(workflow.TaskStateInProgress)}:             events.TaskRetryRequested,
	{string(workflow.TaskStateError), string(workflow.TaskStateResolvedManually)}:       events.TaskResolvedManually,
}

// stepEdges maps each allowed step transition to its event name. A direct
// pending -> complete edge is deliberately absent: a step must be claimed
// before it can complete.
var stepEdges = map[edge]string{
	{Initial, string(workflow.StepStatePending)}:                                    events.StepInitializeRequested,
	{string(workflow.StepStatePending), string(workflow.StepStateInProgress)}:       events.StepExecutionRequested,
	{string(workflow.StepStatePending), string(workflow.StepStateCancelled)}:        events.StepCancelled,
	{string(workflow.StepStatePending), string(workflow.StepStateResolvedManually)}: events.StepResolvedManually,
	{string(workflow.StepStateInProgress), string(workflow.StepStateComplete)}:      events.StepCompleted,
	{string(workflow.StepStateInProgress), string(workflow.StepStateError)}:         events.StepFailed,
	{string(workflow.StepStateInProgress), string(workflow.StepStateCancelled)}:     events.StepCancelled,
	{string(workflow.StepStateError), string(workflow.StepStateInProgress)}:         events.StepRetryRequested,
	{string(workflow.StepStateError), string(workflow.StepStateResolvedManually)}:   events.StepResolvedManually,
}

// CanTransitionTask reports whether from -> to is an allowed task edge.
func CanTransitionTask(from, to workflow.TaskState) bool {
	_, ok := taskEdges[edge{string(from), string(to)}]
	return ok
}

// CanTransitionStep reports whether from -> to is an allowed step edge.
func CanTransitionStep(from, to workflow.StepState) bool {
	_, ok := stepEdges[edge{string(from), string(to)}]
	return ok
}

// TaskEvent returns the event name fired by a task transition.
func TaskEvent(from, to workflow.TaskState) (string, error) {
	name, ok := taskEdges[edge{string(from), string(to)}]
	if !ok {
		return "", fmt.Errorf("no task transition %q -> %q", from, to)
	}
	return name, nil
}

// StepEvent returns the event name fired by a step transition.
func StepEvent(from, to workflow.StepState) (string, error) {
	name, ok := stepEdges[edge{string(from), string(to)}]
	if !ok {
		return "", fmt.Errorf("no step transition %q -> %q", from, to)
	}
	return name, nil
}

// InitialTaskState is the state a task's first transition targets.
const InitialTaskState = workflow.TaskStatePending

// InitialStepState is the state a step's first transition targets.
const InitialStepState = workflow.StepStatePending

// StepGuardError explains why a guarded step transition was rejected.
type StepGuardError struct {
	From   workflow.StepState
	To     workflow.StepState
	Reason string
}

func (e *StepGuardError) Error() string {
	return fmt.Sprintf("step transition %q -> %q rejected: %s", e.From, e.To, e.Reason)
}

// GuardStepClaim enforces the guards on claiming a step for execution
// (pending|error -> in_progress). The readiness row must be current at the
// moment of the claim; storage enforces that with row locking.
func GuardStepClaim(readiness workflow.StepReadiness) error {
	from := readiness.CurrentState
	if !CanTransitionStep(from, workflow.StepStateInProgress) {
		return &StepGuardError{From: from, To: workflow.StepStateInProgress, Reason: "no such transition"}
	}
	if !readiness.ReadyForExecution {
		return &StepGuardError{From: from, To: workflow.StepStateInProgress, Reason: "not ready for execution"}
	}
	if from == workflow.StepStateError && readiness.Attempts >= readiness.RetryLimit {
		return &StepGuardError{From: from, To: workflow.StepStateInProgress, Reason: "retry limit exhausted"}
	}
	return nil
}
