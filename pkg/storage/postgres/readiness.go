package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	taskererr "github.com/tasker-systems/tasker/pkg/errors"
	"github.com/tasker-systems/tasker/pkg/workflow"
)

const readinessQuery = `SELECT task_id, workflow_step_id, name, current_state,
	total_parents, completed_parents, dependencies_satisfied,
	attempts, retry_limit, retry_eligible, ready_for_execution, next_eligible_at
 FROM step_readiness($1)`

// StepReadiness implements storage.ReadinessStore. The heavy lifting is the
// step_readiness SQL function; this is one round trip per task.
func (s *Store) StepReadiness(ctx context.Context, taskID uuid.UUID) ([]workflow.StepReadiness, error) {
	byTask, err := s.StepReadinessBatch(ctx, []uuid.UUID{taskID})
	if err != nil {
		return nil, err
	}
	return byTask[taskID], nil
}

// StepReadinessBatch implements storage.ReadinessStore.
func (s *Store) StepReadinessBatch(ctx context.Context, taskIDs []uuid.UUID) (map[uuid.UUID][]workflow.StepReadiness, error) {
	out := make(map[uuid.UUID][]workflow.StepReadiness, len(taskIDs))
	for _, id := range taskIDs {
		if _, err := s.GetTask(ctx, id); err != nil {
			return nil, err
		}
		out[id] = nil
	}

	rows, err := s.pool.Query(ctx, readinessQuery, taskIDs)
	if err != nil {
		return nil, fmt.Errorf("postgres: step readiness: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var taskID uuid.UUID
		var r workflow.StepReadiness
		err := rows.Scan(&taskID, &r.StepID, &r.Name, &r.CurrentState,
			&r.TotalParents, &r.CompletedParents, &r.DependenciesSatisfied,
			&r.Attempts, &r.RetryLimit, &r.RetryEligible, &r.ReadyForExecution,
			&r.NextEligibleAt)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan readiness: %w", err)
		}
		out[taskID] = append(out[taskID], r)
	}
	return out, rows.Err()
}

// stepReadinessRow evaluates readiness for a single step within the
// caller's transaction, so ClaimStep sees state consistent with its row
// lock.
func (s *Store) stepReadinessRow(ctx context.Context, q querier, taskID, stepID uuid.UUID) (workflow.StepReadiness, error) {
	rows, err := q.Query(ctx, readinessQuery, []uuid.UUID{taskID})
	if err != nil {
		return workflow.StepReadiness{}, fmt.Errorf("postgres: step readiness: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rowTaskID uuid.UUID
		var r workflow.StepReadiness
		err := rows.Scan(&rowTaskID, &r.StepID, &r.Name, &r.CurrentState,
			&r.TotalParents, &r.CompletedParents, &r.DependenciesSatisfied,
			&r.Attempts, &r.RetryLimit, &r.RetryEligible, &r.ReadyForExecution,
			&r.NextEligibleAt)
		if err != nil {
			return workflow.StepReadiness{}, fmt.Errorf("postgres: scan readiness: %w", err)
		}
		if r.StepID == stepID {
			return r, nil
		}
	}
	if err := rows.Err(); err != nil {
		return workflow.StepReadiness{}, err
	}
	return workflow.StepReadiness{}, taskererr.NewNotFoundError("step "+stepID.String(), nil)
}

// ExecutionContext implements storage.ReadinessStore. Aggregation happens
// over the readiness rows so the counts and the per-step verdicts can never
// disagree.
func (s *Store) ExecutionContext(ctx context.Context, taskID uuid.UUID) (*workflow.ExecutionContext, error) {
	rows, err := s.StepReadiness(ctx, taskID)
	if err != nil {
		return nil, err
	}

	ec := &workflow.ExecutionContext{TaskID: taskID}
	for _, row := range rows {
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
				id := row.StepID
				ec.FirstExhaustedStepID = &id
				ec.FirstExhaustedStepName = row.Name
			}
		}
	}
	return ec, nil
}
