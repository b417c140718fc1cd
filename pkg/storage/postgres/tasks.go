package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	taskererr "github.com/tasker-systems/tasker/pkg/errors"
	"github.com/tasker-systems/tasker/pkg/storage"
	"github.com/tasker-systems/tasker/pkg/workflow"
	"github.com/tasker-systems/tasker/pkg/workflow/statemachine"
)

// CreateTask implements storage.TaskStore. The task row, its steps, its
// edges, and the initial pending transitions land in one transaction.
func (s *Store) CreateTask(ctx context.Context, task *workflow.Task, steps []workflow.WorkflowStep, edges []workflow.StepEdge) error {
	if err := workflow.ValidateEdges(steps, edges); err != nil {
		return taskererr.NewValidationError("rejecting cyclic step edges", err)
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		tags := task.Tags
		if tags == nil {
			tags = []string{}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO tasks (id, namespace, name, version, context, identity_hash,
			    initiator, reason, source_system, tags)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			task.ID, task.Template.Namespace, task.Template.Name, task.Template.Version,
			task.Context, task.IdentityHash, task.Initiator, task.Reason,
			task.SourceSystem, tags)
		if err != nil {
			if isUniqueViolation(err) {
				return taskererr.NewConflictError("task already exists", err)
			}
			return fmt.Errorf("postgres: insert task: %w", err)
		}

		if err := appendTransition(ctx, tx, "task_transitions", "task_id",
			task.ID, statemachine.Initial, string(workflow.TaskStatePending), nil); err != nil {
			return err
		}

		for i, st := range steps {
			_, err := tx.Exec(ctx,
				`INSERT INTO workflow_steps (id, task_id, name, position, retryable,
				    retry_limit, inputs)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				st.ID, task.ID, st.Name, i, st.Retryable, st.RetryLimit, st.Inputs)
			if err != nil {
				return fmt.Errorf("postgres: insert step %s: %w", st.Name, err)
			}
			if err := appendTransition(ctx, tx, "workflow_step_transitions", "workflow_step_id",
				st.ID, statemachine.Initial, string(workflow.StepStatePending), nil); err != nil {
				return err
			}
		}

		for _, e := range edges {
			_, err := tx.Exec(ctx,
				`INSERT INTO workflow_step_edges (task_id, from_step_id, to_step_id, name)
				 VALUES ($1, $2, $3, $4)`,
				task.ID, e.FromStepID, e.ToStepID, e.Name)
			if err != nil {
				return fmt.Errorf("postgres: insert edge: %w", err)
			}
		}
		return nil
	})
}

// GetTask implements storage.TaskStore.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*workflow.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundIfNoRows(err, "task "+id.String())
	}
	return t, nil
}

// ListTasks implements storage.TaskStore.
func (s *Store) ListTasks(ctx context.Context, filter storage.TaskFilter) ([]workflow.Task, error) {
	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Namespace != "" {
		clauses = append(clauses, "t.namespace = "+arg(filter.Namespace))
	}
	if filter.Name != "" {
		clauses = append(clauses, "t.name = "+arg(filter.Name))
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		clauses = append(clauses, `COALESCE(tt.to_state, 'pending') = ANY(`+arg(states)+`)`)
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT t.id, t.namespace, t.name, t.version, t.context, t.identity_hash,
	    t.initiator, t.reason, t.source_system, t.tags, t.complete, t.created_at, t.updated_at
	 FROM tasks t
	 LEFT JOIN task_transitions tt ON tt.task_id = t.id AND tt.most_recent` +
		where + `
	 ORDER BY t.created_at DESC
	 LIMIT ` + arg(limit) + ` OFFSET ` + arg(filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []workflow.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// FindTaskByIdentityHash implements storage.TaskStore.
func (s *Store) FindTaskByIdentityHash(ctx context.Context, hash string, since time.Time) (*workflow.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE identity_hash = $1 AND created_at >= $2
		 ORDER BY created_at DESC
		 LIMIT 1`, hash, since)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find by identity hash: %w", err)
	}
	return t, nil
}

// TaskState implements storage.TaskStore.
func (s *Store) TaskState(ctx context.Context, id uuid.UUID) (workflow.TaskState, error) {
	if _, err := s.GetTask(ctx, id); err != nil {
		return "", err
	}
	state, err := currentState(ctx, s.pool, "task_transitions", "task_id",
		id, string(workflow.TaskStatePending))
	if err != nil {
		return "", err
	}
	return workflow.TaskState(state), nil
}

// IncrementAmbiguousPasses implements storage.TaskStore.
func (s *Store) IncrementAmbiguousPasses(ctx context.Context, id uuid.UUID) (int, error) {
	var passes int
	err := s.pool.QueryRow(ctx,
		`UPDATE tasks SET ambiguous_passes = ambiguous_passes + 1, updated_at = now()
		 WHERE id = $1
		 RETURNING ambiguous_passes`, id).Scan(&passes)
	if err != nil {
		return 0, notFoundIfNoRows(err, "task "+id.String())
	}
	return passes, nil
}

// ResetAmbiguousPasses implements storage.TaskStore.
func (s *Store) ResetAmbiguousPasses(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET ambiguous_passes = 0, updated_at = now()
		 WHERE id = $1 AND ambiguous_passes > 0`, id)
	if err != nil {
		return fmt.Errorf("postgres: reset ambiguous passes: %w", err)
	}
	return nil
}

// TransitionTask implements storage.TaskStore. The task row is locked for
// the duration so the state check and the append are atomic.
func (s *Store) TransitionTask(ctx context.Context, id uuid.UUID, from, to workflow.TaskState, metadata map[string]any) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var locked uuid.UUID
		err := tx.QueryRow(ctx,
			`SELECT id FROM tasks WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
		if err != nil {
			return notFoundIfNoRows(err, "task "+id.String())
		}

		current, err := currentState(ctx, tx, "task_transitions", "task_id",
			id, string(workflow.TaskStatePending))
		if err != nil {
			return err
		}
		if workflow.TaskState(current) != from {
			return taskererr.NewConflictError("task is "+current+", not "+string(from), nil)
		}
		if !statemachine.CanTransitionTask(from, to) {
			return taskererr.NewConflictError("no task transition "+string(from)+" -> "+string(to), nil)
		}

		if err := appendTransition(ctx, tx, "task_transitions", "task_id",
			id, string(from), string(to), metadata); err != nil {
			return err
		}

		complete := to.Terminal() || to == workflow.TaskStateError
		_, err = tx.Exec(ctx,
			`UPDATE tasks SET complete = $2, updated_at = now() WHERE id = $1`,
			id, complete)
		if err != nil {
			return fmt.Errorf("postgres: update task: %w", err)
		}
		return nil
	})
}
