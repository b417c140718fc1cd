package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tasker-systems/tasker/pkg/backoff"
	taskererr "github.com/tasker-systems/tasker/pkg/errors"
	"github.com/tasker-systems/tasker/pkg/workflow"
)

// StepReadiness implements storage.ReadinessStore. The computation mirrors
// the Postgres readiness function row for row.
func (s *Store) StepReadiness(_ context.Context, taskID uuid.UUID) ([]workflow.StepReadiness, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return nil, taskererr.NewNotFoundError("task "+taskID.String(), nil)
	}
	return s.readinessRows(taskID), nil
}

// StepReadinessBatch implements storage.ReadinessStore.
func (s *Store) StepReadinessBatch(_ context.Context, taskIDs []uuid.UUID) (map[uuid.UUID][]workflow.StepReadiness, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID][]workflow.StepReadiness, len(taskIDs))
	for _, id := range taskIDs {
		if _, ok := s.tasks[id]; !ok {
			return nil, taskererr.NewNotFoundError("task "+id.String(), nil)
		}
		out[id] = s.readinessRows(id)
	}
	return out, nil
}

// readinessRows computes readiness for every step of a task. Callers hold
// s.mu.
func (s *Store) readinessRows(taskID uuid.UUID) []workflow.StepReadiness {
	rows := make([]workflow.StepReadiness, 0, len(s.taskSteps[taskID]))
	for _, stepID := range s.taskSteps[taskID] {
		rows = append(rows, s.readinessRow(s.steps[stepID]))
	}
	return rows
}

// readinessRow computes one readiness row. Callers hold s.mu.
func (s *Store) readinessRow(step *workflow.WorkflowStep) workflow.StepReadiness {
	now := s.now().UTC()
	state := workflow.StepState(s.currentState(step.ID, string(workflow.StepStatePending)))

	total, completed := 0, 0
	for _, e := range s.edges[step.TaskID] {
		if e.ToStepID != step.ID {
			continue
		}
		total++
		parentState := workflow.StepState(s.currentState(e.FromStepID, string(workflow.StepStatePending)))
		if parentState.InCompletionSet() {
			completed++
		}
	}
	depsSatisfied := total == 0 || completed == total

	eligible, nextAt := retryEligibility(step, now)

	row := workflow.StepReadiness{
		StepID:                step.ID,
		Name:                  step.Name,
		CurrentState:          state,
		TotalParents:          total,
		CompletedParents:      completed,
		DependenciesSatisfied: depsSatisfied,
		Attempts:              step.Attempts,
		RetryLimit:            step.RetryLimit,
		RetryEligible:         eligible,
	}
	row.ReadyForExecution = (state == workflow.StepStatePending || state == workflow.StepStateError) &&
		depsSatisfied && eligible
	if state == workflow.StepStateError && !eligible && nextAt != nil {
		row.NextEligibleAt = nextAt
	}
	return row
}

// retryEligibility evaluates the retry arm of the readiness predicate.
// Returns whether the step may attempt now, and, when blocked purely on
// backoff, the instant it becomes eligible.
func retryEligibility(step *workflow.WorkflowStep, now time.Time) (bool, *time.Time) {
	if step.Attempts >= step.RetryLimit {
		return false, nil
	}
	if step.LastFailedAt == nil {
		// No prior failure record.
		return true, nil
	}
	if !step.Retryable {
		return false, nil
	}
	at := backoff.NextEligibleAt(step.Attempts, step.BackoffRequestSeconds, step.LastAttemptedAt, step.LastFailedAt)
	if at == nil || !at.After(now) {
		return true, nil
	}
	return false, at
}

// ExecutionContext implements storage.ReadinessStore.
func (s *Store) ExecutionContext(_ context.Context, taskID uuid.UUID) (*workflow.ExecutionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return nil, taskererr.NewNotFoundError("task "+taskID.String(), nil)
	}

	ec := &workflow.ExecutionContext{TaskID: taskID}
	for _, stepID := range s.taskSteps[taskID] {
		step := s.steps[stepID]
		row := s.readinessRow(step)
		ec.TotalSteps++

		switch row.CurrentState {
		case workflow.StepStatePending:
			ec.PendingSteps++
		case workflow.StepStateInProgress:
			ec.InProgressSteps++
		case workflow.StepStateComplete:
			ec.CompleteSteps++
		case workflow.StepStateError:
			ec.ErrorSteps++
		case workflow.StepStateCancelled:
			ec.CancelledSteps++
		case workflow.StepStateResolvedManually:
			ec.ResolvedSteps++
		}

		if row.ReadyForExecution {
			ec.ReadySteps++
		}
		if row.CurrentState != workflow.StepStateError || row.RetryEligible {
			continue
		}
		if row.NextEligibleAt != nil {
			ec.BlockedOnBackoff++
			if ec.EarliestRetryAt == nil || row.NextEligibleAt.Before(*ec.EarliestRetryAt) {
				ec.EarliestRetryAt = row.NextEligibleAt
			}
		} else {
			ec.ExhaustedSteps++
			if ec.FirstExhaustedStepID == nil {
				id := step.ID
				ec.FirstExhaustedStepID = &id
				ec.FirstExhaustedStepName = step.Name
			}
		}
	}
	return ec, nil
}
