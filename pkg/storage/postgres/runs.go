package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	taskererr "github.com/tasker-systems/tasker/pkg/errors"
	"github.com/tasker-systems/tasker/pkg/workflow"
)

// EnqueueRun implements storage.RunStore.
func (s *Store) EnqueueRun(ctx context.Context, taskID uuid.UUID, runAt time.Time, reason string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_runs (task_id, run_at, reason) VALUES ($1, $2, $3)`,
		taskID, runAt, reason)
	if err != nil {
		return fmt.Errorf("postgres: enqueue run: %w", err)
	}
	return nil
}

// ClaimDueRun implements storage.RunStore. SKIP LOCKED lets a fleet of
// workers poll the same queue without serializing on the head row.
func (s *Store) ClaimDueRun(ctx context.Context, workerID string) (*workflow.Run, error) {
	var run *workflow.Run
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`UPDATE task_runs SET claimed_by = $1
			 WHERE id = (
			     SELECT id FROM task_runs
			     WHERE claimed_by = '' AND run_at <= now()
			     ORDER BY run_at
			     LIMIT 1
			     FOR UPDATE SKIP LOCKED
			 )
			 RETURNING id, task_id, run_at, reason, claimed_by, created_at`,
			workerID)

		var r workflow.Run
		err := row.Scan(&r.ID, &r.TaskID, &r.RunAt, &r.Reason, &r.ClaimedBy, &r.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("postgres: claim run: %w", err)
		}
		run = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteRun implements storage.RunStore.
func (s *Store) CompleteRun(ctx context.Context, runID int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM task_runs WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("postgres: complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return taskererr.NewNotFoundError("run", nil)
	}
	return nil
}
