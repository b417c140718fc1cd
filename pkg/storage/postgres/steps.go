package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	taskererr "github.com/tasker-systems/tasker/pkg/errors"
	"github.com/tasker-systems/tasker/pkg/storage"
	"github.com/tasker-systems/tasker/pkg/workflow"
	"github.com/tasker-systems/tasker/pkg/workflow/statemachine"
)

// GetStep implements storage.StepStore.
func (s *Store) GetStep(ctx context.Context, stepID uuid.UUID) (*workflow.WorkflowStep, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps WHERE id = $1`, stepID)
	st, err := scanStep(row)
	if err != nil {
		return nil, notFoundIfNoRows(err, "step "+stepID.String())
	}
	return st, nil
}

// ListSteps implements storage.StepStore.
func (s *Store) ListSteps(ctx context.Context, taskID uuid.UUID) ([]workflow.WorkflowStep, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps
		 WHERE task_id = $1 ORDER BY position`, taskID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list steps: %w", err)
	}
	defer rows.Close()

	var steps []workflow.WorkflowStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan step: %w", err)
		}
		steps = append(steps, *st)
	}
	return steps, rows.Err()
}

// ListEdges implements storage.StepStore.
func (s *Store) ListEdges(ctx context.Context, taskID uuid.UUID) ([]workflow.StepEdge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT task_id, from_step_id, to_step_id, name
		 FROM workflow_step_edges WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list edges: %w", err)
	}
	defer rows.Close()

	var edges []workflow.StepEdge
	for rows.Next() {
		var e workflow.StepEdge
		if err := rows.Scan(&e.TaskID, &e.FromStepID, &e.ToStepID, &e.Name); err != nil {
			return nil, fmt.Errorf("postgres: scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// StepState implements storage.StepStore.
func (s *Store) StepState(ctx context.Context, stepID uuid.UUID) (workflow.StepState, error) {
	if _, err := s.GetStep(ctx, stepID); err != nil {
		return "", err
	}
	state, err := currentState(ctx, s.pool, "workflow_step_transitions", "workflow_step_id",
		stepID, string(workflow.StepStatePending))
	if err != nil {
		return "", err
	}
	return workflow.StepState(state), nil
}

// ClaimStep implements storage.StepStore. SKIP LOCKED makes losing claimers
// fail fast instead of queueing on the row; the readiness predicate is then
// re-evaluated under the lock so only one eligible claim ever commits.
func (s *Store) ClaimStep(ctx context.Context, stepID uuid.UUID) (*storage.ClaimedStep, error) {
	var claimed *storage.ClaimedStep
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var taskID uuid.UUID
		err := tx.QueryRow(ctx,
			`SELECT task_id FROM workflow_steps WHERE id = $1 FOR UPDATE SKIP LOCKED`,
			stepID).Scan(&taskID)
		if errors.Is(err, pgx.ErrNoRows) {
			// Either the step does not exist or another worker holds the
			// row. Distinguish for callers.
			var exists bool
			if probeErr := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM workflow_steps WHERE id = $1)`,
				stepID).Scan(&exists); probeErr != nil {
				return fmt.Errorf("postgres: probe step: %w", probeErr)
			}
			if !exists {
				return taskererr.NewNotFoundError("step "+stepID.String(), nil)
			}
			return taskererr.NewClaimLostError("step "+stepID.String()+" locked by another worker", nil)
		}
		if err != nil {
			return fmt.Errorf("postgres: lock step: %w", err)
		}

		readiness, err := s.stepReadinessRow(ctx, tx, taskID, stepID)
		if err != nil {
			return err
		}
		if err := statemachine.GuardStepClaim(readiness); err != nil {
			return taskererr.NewClaimLostError("step "+stepID.String(), err)
		}

		row := tx.QueryRow(ctx,
			`UPDATE workflow_steps
			 SET attempts = attempts + 1, in_process = TRUE,
			     last_attempted_at = now(), updated_at = now()
			 WHERE id = $1
			 RETURNING `+stepColumns, stepID)
		st, err := scanStep(row)
		if err != nil {
			return fmt.Errorf("postgres: claim update: %w", err)
		}

		if err := appendTransition(ctx, tx, "workflow_step_transitions", "workflow_step_id",
			stepID, string(readiness.CurrentState), string(workflow.StepStateInProgress), nil); err != nil {
			return err
		}
		claimed = &storage.ClaimedStep{Step: *st, From: readiness.CurrentState}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteStep implements storage.StepStore.
func (s *Store) CompleteStep(ctx context.Context, stepID uuid.UUID, results json.RawMessage) (*workflow.WorkflowStep, error) {
	return s.finishStep(ctx, stepID, func(tx pgx.Tx) (*workflow.WorkflowStep, error) {
		row := tx.QueryRow(ctx,
			`UPDATE workflow_steps
			 SET results = $2, processed = TRUE, in_process = FALSE,
			     processed_at = now(), updated_at = now()
			 WHERE id = $1
			 RETURNING `+stepColumns, stepID, results)
		st, err := scanStep(row)
		if err != nil {
			return nil, fmt.Errorf("postgres: complete update: %w", err)
		}
		if err := appendTransition(ctx, tx, "workflow_step_transitions", "workflow_step_id",
			stepID, string(workflow.StepStateInProgress), string(workflow.StepStateComplete), nil); err != nil {
			return nil, err
		}
		return st, nil
	})
}

// FailStep implements storage.StepStore.
func (s *Store) FailStep(ctx context.Context, stepID uuid.UUID, failure storage.StepFailure) (*workflow.WorkflowStep, error) {
	return s.finishStep(ctx, stepID, func(tx pgx.Tx) (*workflow.WorkflowStep, error) {
		var prior json.RawMessage
		if err := tx.QueryRow(ctx,
			`SELECT results FROM workflow_steps WHERE id = $1`, stepID).Scan(&prior); err != nil {
			return nil, fmt.Errorf("postgres: read results: %w", err)
		}

		row := tx.QueryRow(ctx,
			`UPDATE workflow_steps
			 SET results = $2, in_process = FALSE, last_failed_at = now(),
			     backoff_request_seconds = $3,
			     attempts = CASE WHEN $4 THEN retry_limit ELSE attempts END,
			     updated_at = now()
			 WHERE id = $1
			 RETURNING `+stepColumns,
			stepID, mergeError(prior, failure), failure.BackoffRequestSeconds, failure.Exhaust)
		st, err := scanStep(row)
		if err != nil {
			return nil, fmt.Errorf("postgres: fail update: %w", err)
		}
		if err := appendTransition(ctx, tx, "workflow_step_transitions", "workflow_step_id",
			stepID, string(workflow.StepStateInProgress), string(workflow.StepStateError),
			map[string]any{"error_message": failure.Message}); err != nil {
			return nil, err
		}
		return st, nil
	})
}

// finishStep runs an attempt-completion write after verifying the step is
// in flight, all under the step's row lock.
func (s *Store) finishStep(ctx context.Context, stepID uuid.UUID, write func(tx pgx.Tx) (*workflow.WorkflowStep, error)) (*workflow.WorkflowStep, error) {
	var out *workflow.WorkflowStep
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var locked uuid.UUID
		err := tx.QueryRow(ctx,
			`SELECT id FROM workflow_steps WHERE id = $1 FOR UPDATE`, stepID).Scan(&locked)
		if err != nil {
			return notFoundIfNoRows(err, "step "+stepID.String())
		}

		current, err := currentState(ctx, tx, "workflow_step_transitions", "workflow_step_id",
			stepID, string(workflow.StepStatePending))
		if err != nil {
			return err
		}
		if workflow.StepState(current) != workflow.StepStateInProgress {
			return taskererr.NewConflictError("step is "+current+", not in_progress", nil)
		}

		out, err = write(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveStepManually implements storage.StepStore.
func (s *Store) ResolveStepManually(ctx context.Context, stepID uuid.UUID, results json.RawMessage) (*workflow.WorkflowStep, error) {
	var out *workflow.WorkflowStep
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var locked uuid.UUID
		err := tx.QueryRow(ctx,
			`SELECT id FROM workflow_steps WHERE id = $1 FOR UPDATE`, stepID).Scan(&locked)
		if err != nil {
			return notFoundIfNoRows(err, "step "+stepID.String())
		}

		current, err := currentState(ctx, tx, "workflow_step_transitions", "workflow_step_id",
			stepID, string(workflow.StepStatePending))
		if err != nil {
			return err
		}
		if !statemachine.CanTransitionStep(workflow.StepState(current), workflow.StepStateResolvedManually) {
			return taskererr.NewConflictError("cannot resolve step from "+current, nil)
		}

		row := tx.QueryRow(ctx,
			`UPDATE workflow_steps
			 SET results = COALESCE($2, results), processed = TRUE, in_process = FALSE,
			     processed_at = now(), updated_at = now()
			 WHERE id = $1
			 RETURNING `+stepColumns, stepID, results)
		out, err = scanStep(row)
		if err != nil {
			return fmt.Errorf("postgres: resolve update: %w", err)
		}

		return appendTransition(ctx, tx, "workflow_step_transitions", "workflow_step_id",
			stepID, current, string(workflow.StepStateResolvedManually), nil)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelPendingSteps implements storage.StepStore.
func (s *Store) CancelPendingSteps(ctx context.Context, taskID uuid.UUID) ([]uuid.UUID, error) {
	var cancelled []uuid.UUID
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT ws.id FROM workflow_steps ws
			 LEFT JOIN workflow_step_transitions t
			     ON t.workflow_step_id = ws.id AND t.most_recent
			 WHERE ws.task_id = $1 AND COALESCE(t.to_state, 'pending') = 'pending'
			 ORDER BY ws.position
			 FOR UPDATE OF ws`, taskID)
		if err != nil {
			return fmt.Errorf("postgres: select pending steps: %w", err)
		}
		var ids []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("postgres: scan step id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if err := appendTransition(ctx, tx, "workflow_step_transitions", "workflow_step_id",
				id, string(workflow.StepStatePending), string(workflow.StepStateCancelled), nil); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`UPDATE workflow_steps SET updated_at = now() WHERE id = $1`, id); err != nil {
				return fmt.Errorf("postgres: touch step: %w", err)
			}
		}
		cancelled = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// mergeError writes the failure under the step results' "error" key,
// preserving any prior result fields.
func mergeError(prior json.RawMessage, failure storage.StepFailure) json.RawMessage {
	doc := map[string]any{}
	if len(prior) > 0 {
		// Non-object priors are replaced wholesale.
		_ = json.Unmarshal(prior, &doc)
	}
	errDoc := map[string]any{
		"message":         failure.Message,
		"exception_class": failure.ExceptionClass,
	}
	if failure.Backtrace != "" {
		errDoc["backtrace"] = failure.Backtrace
	}
	if len(failure.Context) > 0 {
		errDoc["context"] = failure.Context
	}
	doc["error"] = errDoc
	merged, err := json.Marshal(doc)
	if err != nil {
		return prior
	}
	return merged
}
