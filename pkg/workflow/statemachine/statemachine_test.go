package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasker-systems/tasker/pkg/events"
	"github.com/tasker-systems/tasker/pkg/workflow"
)

func TestTaskTransitionTable(t *testing.T) {
	t.Parallel()

	allowed := []struct {
		from workflow.TaskState
		to   workflow.TaskState
		ev   string
	}{
		{"", workflow.TaskStatePending, events.TaskInitializeRequested},
		{workflow.TaskStatePending, workflow.TaskStateInProgress, events.TaskStartRequested},
		{workflow.TaskStatePending, workflow.TaskStateCancelled, events.TaskCancelled},
		{workflow.TaskStatePending, workflow.TaskStateResolvedManually, events.TaskResolvedManually},
		{workflow.TaskStateInProgress, workflow.TaskStateComplete, events.TaskCompleted},
		{workflow.TaskStateInProgress, workflow.TaskStateError, events.TaskFailed},
		{workflow.TaskStateInProgress, workflow.TaskStateCancelled, events.TaskCancelled},
		{workflow.TaskStateError, workflow.TaskStateInProgress, events.TaskRetryRequested},
		{workflow.TaskStateError, workflow.TaskStateResolvedManually, events.TaskResolvedManually},
	}
	for _, tt := range allowed {
		assert.True(t, CanTransitionTask(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
		ev, err := TaskEvent(tt.from, tt.to)
		require.NoError(t, err)
		assert.Equal(t, tt.ev, ev)
	}

	forbidden := [][2]workflow.TaskState{
		{workflow.TaskStatePending, workflow.TaskStateComplete},
		{workflow.TaskStatePending, workflow.TaskStateError},
		{workflow.TaskStateComplete, workflow.TaskStateInProgress},
		{workflow.TaskStateCancelled, workflow.TaskStateInProgress},
		{workflow.TaskStateResolvedManually, workflow.TaskStateInProgress},
		{workflow.TaskStateComplete, workflow.TaskStateError},
	}
	for _, pair := range forbidden {
		assert.False(t, CanTransitionTask(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
		_, err := TaskEvent(pair[0], pair[1])
		require.Error(t, err)
	}
}

func TestStepTransitionTable(t *testing.T) {
	t.Parallel()

	// A step must be claimed before it can complete.
	assert.False(t, CanTransitionStep(workflow.StepStatePending, workflow.StepStateComplete))

	assert.True(t, CanTransitionStep(workflow.StepStatePending, workflow.StepStateInProgress))
	assert.True(t, CanTransitionStep(workflow.StepStateInProgress, workflow.StepStateComplete))
	assert.True(t, CanTransitionStep(workflow.StepStateInProgress, workflow.StepStateError))
	assert.True(t, CanTransitionStep(workflow.StepStateError, workflow.StepStateInProgress))
	assert.True(t, CanTransitionStep(workflow.StepStateError, workflow.StepStateResolvedManually))
	assert.False(t, CanTransitionStep(workflow.StepStateComplete, workflow.StepStateInProgress))

	ev, err := StepEvent("", workflow.StepStatePending)
	require.NoError(t, err)
	assert.Equal(t, events.StepInitializeRequested, ev)

	ev, err = StepEvent(workflow.StepStateError, workflow.StepStateInProgress)
	require.NoError(t, err)
	assert.Equal(t, events.StepRetryRequested, ev)
}

func TestEveryTransitionHasACataloguedEvent(t *testing.T) {
	t.Parallel()

	catalog := events.NewCatalog()
	for e, name := range taskEdges {
		_, ok := catalog.Lookup(name)
		assert.True(t, ok, "task %s -> %s maps to unknown event %s", e.from, e.to, name)
	}
	for e, name := range stepEdges {
		_, ok := catalog.Lookup(name)
		assert.True(t, ok, "step %s -> %s maps to unknown event %s", e.from, e.to, name)
	}
}

func TestGuardStepClaim(t *testing.T) {
	t.Parallel()

	ready := workflow.StepReadiness{
		CurrentState:          workflow.StepStatePending,
		DependenciesSatisfied: true,
		RetryEligible:         true,
		ReadyForExecution:     true,
		RetryLimit:            3,
	}
	require.NoError(t, GuardStepClaim(ready))

	notReady := ready
	notReady.ReadyForExecution = false
	err := GuardStepClaim(notReady)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")

	exhausted := ready
	exhausted.CurrentState = workflow.StepStateError
	exhausted.Attempts = 3
	require.Error(t, GuardStepClaim(exhausted))

	complete := ready
	complete.CurrentState = workflow.StepStateComplete
	err = GuardStepClaim(complete)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such transition")
}
