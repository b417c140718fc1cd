// Package storage defines the persistence interfaces for tasker.
//
// Implementations: postgres (production, shared by all workers) and memory
// (tests and the synchronous strategy). Both enforce the transition-log
// discipline: every state change appends a row with most_recent=true and
// demotes the prior row in the same transaction, so current_state is always
// derivable from the newest row.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tasker-systems/tasker/pkg/workflow"
)

// TaskFilter configures ListTasks.
type TaskFilter struct {
	// Namespace filters by template namespace. Empty matches all.
	Namespace string
	// Name filters by template name. Empty matches all.
	Name string
	// States filters by current task state. Empty matches all.
	States []workflow.TaskState
	// Limit bounds the result set. Zero means the implementation default.
	Limit int
	// Offset skips rows for pagination.
	Offset int
}

// ClaimedStep is the result of a successful step claim.
type ClaimedStep struct {
	// Step is the post-claim row: in_progress, attempts bumped,
	// last_attempted_at set.
	Step workflow.WorkflowStep

	// From is the state the claim transitioned out of. A claim from error
	// is a retry.
	From workflow.StepState
}

// StepFailure describes a failed attempt for persistence.
type StepFailure struct {
	// Message is the handler error message.
	Message string

	// ExceptionClass is the concrete error type, for event payloads.
	ExceptionClass string

	// Backtrace is the captured stack for panics, empty otherwise.
	Backtrace string

	// Context is handler-supplied diagnostic data.
	Context map[string]any

	// BackoffRequestSeconds, when non-nil, records a server-requested
	// delay and clears any prior value. Nil clears the column so
	// exponential backoff applies.
	BackoffRequestSeconds *int

	// Exhaust forces attempts := retry_limit (permanent errors).
	Exhaust bool
}

// TaskStore manages task rows and task transitions.
type TaskStore interface {
	// CreateTask atomically persists the task, its steps, its edges, and
	// the initial pending transitions for all of them. Rejects edge sets
	// containing cycles.
	CreateTask(ctx context.Context, task *workflow.Task, steps []workflow.WorkflowStep, edges []workflow.StepEdge) error

	// GetTask retrieves a task by ID. Returns a not_found error if absent.
	GetTask(ctx context.Context, id uuid.UUID) (*workflow.Task, error)

	// ListTasks returns tasks matching the filter, newest first.
	ListTasks(ctx context.Context, filter TaskFilter) ([]workflow.Task, error)

	// FindTaskByIdentityHash returns the newest task with the given
	// identity hash created at or after since. Returns nil, nil if none.
	FindTaskByIdentityHash(ctx context.Context, hash string, since time.Time) (*workflow.Task, error)

	// TaskState derives the task's current state from the transition log.
	TaskState(ctx context.Context, id uuid.UUID) (workflow.TaskState, error)

	// TransitionTask appends a task transition after checking the state
	// machine. Returns a conflict error when the current state does not
	// match from, and a storage_conflict error on concurrent writers.
	TransitionTask(ctx context.Context, id uuid.UUID, from, to workflow.TaskState, metadata map[string]any) error

	// IncrementAmbiguousPasses bumps the task's consecutive ambiguous-pass
	// counter and returns the new value.
	IncrementAmbiguousPasses(ctx context.Context, id uuid.UUID) (int, error)

	// ResetAmbiguousPasses zeroes the counter once a pass finds actionable
	// work again.
	ResetAmbiguousPasses(ctx context.Context, id uuid.UUID) error
}

// StepStore manages step rows, edges, and step execution writes.
type StepStore interface {
	// GetStep retrieves a step by ID.
	GetStep(ctx context.Context, stepID uuid.UUID) (*workflow.WorkflowStep, error)

	// ListSteps returns all steps of a task in creation order.
	ListSteps(ctx context.Context, taskID uuid.UUID) ([]workflow.WorkflowStep, error)

	// ListEdges returns all dependency edges of a task.
	ListEdges(ctx context.Context, taskID uuid.UUID) ([]workflow.StepEdge, error)

	// StepState derives the step's current state from the transition log.
	StepState(ctx context.Context, stepID uuid.UUID) (workflow.StepState, error)

	// ClaimStep atomically transitions pending|error -> in_progress under a
	// row lock, bumps attempts, and stamps last_attempted_at. Returns a
	// claim_lost error when another worker holds the row or the step is no
	// longer eligible.
	ClaimStep(ctx context.Context, stepID uuid.UUID) (*ClaimedStep, error)

	// CompleteStep persists a successful attempt in one transaction:
	// results written, processed=true, in_process=false, processed_at set,
	// transition in_progress -> complete appended.
	CompleteStep(ctx context.Context, stepID uuid.UUID, results json.RawMessage) (*workflow.WorkflowStep, error)

	// FailStep persists a failed attempt in one transaction: the failure
	// recorded under results.error, backoff fields updated, transition
	// in_progress -> error appended.
	FailStep(ctx context.Context, stepID uuid.UUID, failure StepFailure) (*workflow.WorkflowStep, error)

	// ResolveStepManually transitions pending|error -> resolved_manually
	// and marks the step processed. Optional results overwrite.
	ResolveStepManually(ctx context.Context, stepID uuid.UUID, results json.RawMessage) (*workflow.WorkflowStep, error)

	// CancelPendingSteps cancels every step still in pending state and
	// returns their IDs. In-flight steps are left to finish their attempt.
	CancelPendingSteps(ctx context.Context, taskID uuid.UUID) ([]uuid.UUID, error)
}

// ReadinessStore exposes the readiness predicate and finalization aggregate.
type ReadinessStore interface {
	// StepReadiness returns one readiness row per step of the task.
	StepReadiness(ctx context.Context, taskID uuid.UUID) ([]workflow.StepReadiness, error)

	// StepReadinessBatch is the batch form over several tasks.
	StepReadinessBatch(ctx context.Context, taskIDs []uuid.UUID) (map[uuid.UUID][]workflow.StepReadiness, error)

	// ExecutionContext aggregates step counts for the finalizer.
	ExecutionContext(ctx context.Context, taskID uuid.UUID) (*workflow.ExecutionContext, error)
}

// RunStore is the durable queue of scheduled coordinator passes.
type RunStore interface {
	// EnqueueRun schedules a coordinator pass for the task at runAt.
	EnqueueRun(ctx context.Context, taskID uuid.UUID, runAt time.Time, reason string) error

	// ClaimDueRun claims the oldest due run for the worker, skipping rows
	// locked by other workers. Returns nil, nil when nothing is due.
	ClaimDueRun(ctx context.Context, workerID string) (*workflow.Run, error)

	// CompleteRun removes a claimed run.
	CompleteRun(ctx context.Context, runID int64) error
}

// TransitionStore exposes the raw transition log for APIs and tests.
type TransitionStore interface {
	// ListTransitions returns the record's transitions ordered by sort key.
	ListTransitions(ctx context.Context, recordID uuid.UUID) ([]workflow.Transition, error)
}

// Store is the full persistence surface the engine runs against.
type Store interface {
	TaskStore
	StepStore
	ReadinessStore
	RunStore
	TransitionStore

	// Close releases any resources held by the store.
	Close() error
}
