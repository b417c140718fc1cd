// Package postgres implements storage.Store backed by PostgreSQL.
//
// All workers of a deployment share one database; claim contention is
// resolved with row locks (FOR UPDATE SKIP LOCKED) and the readiness
// predicate is evaluated server-side by the step_readiness SQL function so
// a coordinator pass costs one round trip per task batch.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	taskererr "github.com/tasker-systems/tasker/pkg/errors"
	"github.com/tasker-systems/tasker/pkg/storage"
	"github.com/tasker-systems/tasker/pkg/workflow"
)

const defaultListLimit = 100

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool     *pgxpool.Pool
	ownsPool bool
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool for the DSN, verifies connectivity, and applies any
// pending migrations. The returned store owns the pool.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		pool.Close()
		return nil, err
	}
	if err := db.Close(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: close migration handle: %w", err)
	}

	return &Store{pool: pool, ownsPool: true}, nil
}

// Close releases the pool when this store owns it.
func (s *Store) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

// Ping verifies database connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// PoolPressure reports the fraction of pool connections currently in use,
// consumed by the coordinator's backpressure table.
func (s *Store) PoolPressure() float64 {
	stat := s.pool.Stat()
	max := stat.MaxConns()
	if max <= 0 {
		return 0
	}
	return float64(stat.AcquiredConns()) / float64(max)
}

// withTx runs fn inside a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// appendTransition demotes the record's most-recent transition row and
// inserts the new one, within the caller's transaction. The partial unique
// index on most_recent turns racing appenders into storage_conflict errors.
func appendTransition(ctx context.Context, tx pgx.Tx, table, idColumn string, recordID uuid.UUID, from, to string, metadata map[string]any) error {
	var metaJSON []byte
	if len(metadata) > 0 {
		var err error
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("postgres: marshal transition metadata: %w", err)
		}
	}

	demote := fmt.Sprintf(
		`UPDATE %s SET most_recent = FALSE WHERE %s = $1 AND most_recent`, table, idColumn)
	if _, err := tx.Exec(ctx, demote, recordID); err != nil {
		return fmt.Errorf("postgres: demote transition: %w", err)
	}

	insert := fmt.Sprintf(
		`INSERT INTO %s (%s, from_state, to_state, metadata, sort_key, most_recent)
		 SELECT $1, $2, $3, $4, COALESCE(MAX(sort_key), 0) + 1, TRUE
		 FROM %s WHERE %s = $1`, table, idColumn, table, idColumn)
	if _, err := tx.Exec(ctx, insert, recordID, from, to, metaJSON); err != nil {
		if isUniqueViolation(err) {
			return taskererr.NewStorageConflictError("concurrent transition on "+recordID.String(), err)
		}
		return fmt.Errorf("postgres: insert transition: %w", err)
	}
	return nil
}

// currentState reads a record's state from its most-recent transition row
// using the caller's querier (pool or transaction).
func currentState(ctx context.Context, q querier, table, idColumn string, recordID uuid.UUID, initial string) (string, error) {
	query := fmt.Sprintf(
		`SELECT to_state FROM %s WHERE %s = $1 AND most_recent`, table, idColumn)
	var state string
	err := q.QueryRow(ctx, query, recordID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return initial, nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres: current state: %w", err)
	}
	return state, nil
}

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// scanStep scans a full workflow_steps row. The column order matches
// stepColumns.
const stepColumns = `id, task_id, name, retryable, retry_limit, attempts,
	in_process, processed, processed_at, last_attempted_at, last_failed_at,
	backoff_request_seconds, inputs, results, created_at, updated_at`

func scanStep(row pgx.Row) (*workflow.WorkflowStep, error) {
	var st workflow.WorkflowStep
	err := row.Scan(
		&st.ID, &st.TaskID, &st.Name, &st.Retryable, &st.RetryLimit, &st.Attempts,
		&st.InProcess, &st.Processed, &st.ProcessedAt, &st.LastAttemptedAt, &st.LastFailedAt,
		&st.BackoffRequestSeconds, &st.Inputs, &st.Results, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

const taskColumns = `id, namespace, name, version, context, identity_hash,
	initiator, reason, source_system, tags, complete, created_at, updated_at`

func scanTask(row pgx.Row) (*workflow.Task, error) {
	var t workflow.Task
	err := row.Scan(
		&t.ID, &t.Template.Namespace, &t.Template.Name, &t.Template.Version,
		&t.Context, &t.IdentityHash, &t.Initiator, &t.Reason, &t.SourceSystem,
		&t.Tags, &t.Complete, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// notFoundIfNoRows maps pgx.ErrNoRows to the domain not_found error.
func notFoundIfNoRows(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return taskererr.NewNotFoundError(what, err)
	}
	return err
}
