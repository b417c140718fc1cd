// Package memory provides an in-memory storage.Store implementation.
//
// It mirrors the Postgres store's semantics exactly, including the
// transition-log discipline and the readiness predicate, so coordinator
// behavior can be tested deterministically with an injected clock. State is
// lost on process exit and there is no cross-process coordination.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	taskererr "github.com/tasker-systems/tasker/pkg/errors"
	"github.com/tasker-systems/tasker/pkg/storage"
	"github.com/tasker-systems/tasker/pkg/workflow"
	"github.com/tasker-systems/tasker/pkg/workflow/statemachine"
)

const defaultListLimit = 100

// Store is an in-memory storage.Store. Safe for concurrent use; a single
// mutex stands in for the database's row locks, which preserves the
// exactly-one-claim guarantee.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	tasks       map[uuid.UUID]*workflow.Task
	taskOrder   []uuid.UUID
	steps       map[uuid.UUID]*workflow.WorkflowStep
	taskSteps   map[uuid.UUID][]uuid.UUID
	edges       map[uuid.UUID][]workflow.StepEdge
	transitions map[uuid.UUID][]workflow.Transition
	ambiguous   map[uuid.UUID]int

	runs      []*workflow.Run
	nextTxnID int64
	nextRunID int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the time source. Tests use this to advance virtual time
// through backoff windows.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		tasks:       make(map[uuid.UUID]*workflow.Task),
		steps:       make(map[uuid.UUID]*workflow.WorkflowStep),
		taskSteps:   make(map[uuid.UUID][]uuid.UUID),
		edges:       make(map[uuid.UUID][]workflow.StepEdge),
		transitions: make(map[uuid.UUID][]workflow.Transition),
		ambiguous:   make(map[uuid.UUID]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ storage.Store = (*Store)(nil)

// Close implements storage.Store.
func (*Store) Close() error {
	return nil
}

// Ping always succeeds; the in-memory store has no backend to lose.
func (*Store) Ping(context.Context) error {
	return nil
}

// appendTransition writes a transition-log row, demoting the prior
// most-recent row. Callers hold s.mu.
func (s *Store) appendTransition(recordID uuid.UUID, from, to string, metadata map[string]any) {
	rows := s.transitions[recordID]
	if n := len(rows); n > 0 {
		rows[n-1].MostRecent = false
	}
	s.nextTxnID++
	s.transitions[recordID] = append(rows, workflow.Transition{
		ID:         s.nextTxnID,
		RecordID:   recordID,
		FromState:  from,
		ToState:    to,
		Metadata:   metadata,
		SortKey:    len(rows) + 1,
		MostRecent: true,
		CreatedAt:  s.now().UTC(),
	})
}

// currentState derives a record's state from its newest transition row.
// Callers hold s.mu.
func (s *Store) currentState(recordID uuid.UUID, initial string) string {
	rows := s.transitions[recordID]
	if len(rows) == 0 {
		return initial
	}
	return rows[len(rows)-1].ToState
}

// --- TaskStore ---

// CreateTask implements storage.TaskStore.
func (s *Store) CreateTask(_ context.Context, task *workflow.Task, steps []workflow.WorkflowStep, edges []workflow.StepEdge) error {
	if err := workflow.ValidateEdges(steps, edges); err != nil {
		return taskererr.NewValidationError("rejecting cyclic step edges", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return taskererr.NewConflictError("task already exists", nil)
	}

	now := s.now().UTC()
	t := *task
	t.CreatedAt = now
	t.UpdatedAt = now
	s.tasks[task.ID] = &t
	s.taskOrder = append(s.taskOrder, task.ID)
	s.appendTransition(task.ID, statemachine.Initial, string(workflow.TaskStatePending), nil)

	for i := range steps {
		st := steps[i]
		st.CreatedAt = now
		st.UpdatedAt = now
		s.steps[st.ID] = &st
		s.taskSteps[task.ID] = append(s.taskSteps[task.ID], st.ID)
		s.appendTransition(st.ID, statemachine.Initial, string(workflow.StepStatePending), nil)
	}
	s.edges[task.ID] = append([]workflow.StepEdge(nil), edges...)
	return nil
}

// GetTask implements storage.TaskStore.
func (s *Store) GetTask(_ context.Context, id uuid.UUID) (*workflow.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, taskererr.NewNotFoundError("task "+id.String(), nil)
	}
	copied := *t
	return &copied, nil
}

// ListTasks implements storage.TaskStore.
func (s *Store) ListTasks(_ context.Context, filter storage.TaskFilter) ([]workflow.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var out []workflow.Task
	skipped := 0
	// Newest first.
	for i := len(s.taskOrder) - 1; i >= 0; i-- {
		t := s.tasks[s.taskOrder[i]]
		if filter.Namespace != "" && t.Template.Namespace != filter.Namespace {
			continue
		}
		if filter.Name != "" && t.Template.Name != filter.Name {
			continue
		}
		if len(filter.States) > 0 {
			state := workflow.TaskState(s.currentState(t.ID, string(workflow.TaskStatePending)))
			match := false
			for _, want := range filter.States {
				if state == want {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, *t)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// FindTaskByIdentityHash implements storage.TaskStore.
func (s *Store) FindTaskByIdentityHash(_ context.Context, hash string, since time.Time) (*workflow.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.taskOrder) - 1; i >= 0; i-- {
		t := s.tasks[s.taskOrder[i]]
		if t.IdentityHash == hash && !t.CreatedAt.Before(since) {
			copied := *t
			return &copied, nil
		}
	}
	return nil, nil
}

// TaskState implements storage.TaskStore.
func (s *Store) TaskState(_ context.Context, id uuid.UUID) (workflow.TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return "", taskererr.NewNotFoundError("task "+id.String(), nil)
	}
	return workflow.TaskState(s.currentState(id, string(workflow.TaskStatePending))), nil
}

// TransitionTask implements storage.TaskStore.
func (s *Store) TransitionTask(_ context.Context, id uuid.UUID, from, to workflow.TaskState, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return taskererr.NewNotFoundError("task "+id.String(), nil)
	}
	current := workflow.TaskState(s.currentState(id, string(workflow.TaskStatePending)))
	if current != from {
		return taskererr.NewConflictError("task is "+string(current)+", not "+string(from), nil)
	}
	if !statemachine.CanTransitionTask(from, to) {
		return taskererr.NewConflictError("no task transition "+string(from)+" -> "+string(to), nil)
	}
	s.appendTransition(id, string(from), string(to), metadata)
	task.Complete = to.Terminal() || to == workflow.TaskStateError
	task.UpdatedAt = s.now().UTC()
	return nil
}

// IncrementAmbiguousPasses implements storage.TaskStore.
func (s *Store) IncrementAmbiguousPasses(_ context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return 0, taskererr.NewNotFoundError("task "+id.String(), nil)
	}
	s.ambiguous[id]++
	return s.ambiguous[id], nil
}

// ResetAmbiguousPasses implements storage.TaskStore.
func (s *Store) ResetAmbiguousPasses(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return taskererr.NewNotFoundError("task "+id.String(), nil)
	}
	delete(s.ambiguous, id)
	return nil
}

// --- StepStore ---

// GetStep implements storage.StepStore.
func (s *Store) GetStep(_ context.Context, stepID uuid.UUID) (*workflow.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[stepID]
	if !ok {
		return nil, taskererr.NewNotFoundError("step "+stepID.String(), nil)
	}
	copied := *st
	return &copied, nil
}

// ListSteps implements storage.StepStore.
func (s *Store) ListSteps(_ context.Context, taskID uuid.UUID) ([]workflow.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.taskSteps[taskID]
	if !ok {
		if _, taskExists := s.tasks[taskID]; !taskExists {
			return nil, taskererr.NewNotFoundError("task "+taskID.String(), nil)
		}
	}
	out := make([]workflow.WorkflowStep, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.steps[id])
	}
	return out, nil
}

// ListEdges implements storage.StepStore.
func (s *Store) ListEdges(_ context.Context, taskID uuid.UUID) ([]workflow.StepEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]workflow.StepEdge(nil), s.edges[taskID]...), nil
}

// StepState implements storage.StepStore.
func (s *Store) StepState(_ context.Context, stepID uuid.UUID) (workflow.StepState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[stepID]; !ok {
		return "", taskererr.NewNotFoundError("step "+stepID.String(), nil)
	}
	return workflow.StepState(s.currentState(stepID, string(workflow.StepStatePending))), nil
}

// ClaimStep implements storage.StepStore. The store mutex plays the role of
// the database row lock: between readiness evaluation and the transition
// write no other claimer can interleave.
func (s *Store) ClaimStep(_ context.Context, stepID uuid.UUID) (*storage.ClaimedStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[stepID]
	if !ok {
		return nil, taskererr.NewNotFoundError("step "+stepID.String(), nil)
	}
	readiness := s.readinessRow(step)
	if err := statemachine.GuardStepClaim(readiness); err != nil {
		return nil, taskererr.NewClaimLostError("step "+stepID.String(), err)
	}

	from := readiness.CurrentState
	now := s.now().UTC()
	step.Attempts++
	step.InProcess = true
	step.LastAttemptedAt = &now
	step.UpdatedAt = now
	s.appendTransition(stepID, string(from), string(workflow.StepStateInProgress), nil)

	copied := *step
	return &storage.ClaimedStep{Step: copied, From: from}, nil
}

// CompleteStep implements storage.StepStore.
func (s *Store) CompleteStep(_ context.Context, stepID uuid.UUID, results json.RawMessage) (*workflow.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[stepID]
	if !ok {
		return nil, taskererr.NewNotFoundError("step "+stepID.String(), nil)
	}
	current := workflow.StepState(s.currentState(stepID, string(workflow.StepStatePending)))
	if current != workflow.StepStateInProgress {
		return nil, taskererr.NewConflictError("step is "+string(current)+", not in_progress", nil)
	}

	now := s.now().UTC()
	step.Results = append(json.RawMessage(nil), results...)
	step.Processed = true
	step.InProcess = false
	step.ProcessedAt = &now
	step.UpdatedAt = now
	s.appendTransition(stepID, string(workflow.StepStateInProgress), string(workflow.StepStateComplete), nil)

	copied := *step
	return &copied, nil
}

// FailStep implements storage.StepStore.
func (s *Store) FailStep(_ context.Context, stepID uuid.UUID, failure storage.StepFailure) (*workflow.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[stepID]
	if !ok {
		return nil, taskererr.NewNotFoundError("step "+stepID.String(), nil)
	}
	current := workflow.StepState(s.currentState(stepID, string(workflow.StepStatePending)))
	if current != workflow.StepStateInProgress {
		return nil, taskererr.NewConflictError("step is "+string(current)+", not in_progress", nil)
	}

	now := s.now().UTC()
	step.Results = mergeError(step.Results, failure)
	step.InProcess = false
	step.LastFailedAt = &now
	step.BackoffRequestSeconds = failure.BackoffRequestSeconds
	if failure.Exhaust {
		step.Attempts = step.RetryLimit
	}
	step.UpdatedAt = now
	s.appendTransition(stepID, string(workflow.StepStateInProgress), string(workflow.StepStateError), map[string]any{
		"error_message": failure.Message,
	})

	copied := *step
	return &copied, nil
}

// ResolveStepManually implements storage.StepStore.
func (s *Store) ResolveStepManually(_ context.Context, stepID uuid.UUID, results json.RawMessage) (*workflow.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[stepID]
	if !ok {
		return nil, taskererr.NewNotFoundError("step "+stepID.String(), nil)
	}
	current := workflow.StepState(s.currentState(stepID, string(workflow.StepStatePending)))
	if !statemachine.CanTransitionStep(current, workflow.StepStateResolvedManually) {
		return nil, taskererr.NewConflictError("cannot resolve step from "+string(current), nil)
	}

	now := s.now().UTC()
	if results != nil {
		step.Results = append(json.RawMessage(nil), results...)
	}
	step.Processed = true
	step.InProcess = false
	step.ProcessedAt = &now
	step.UpdatedAt = now
	s.appendTransition(stepID, string(current), string(workflow.StepStateResolvedManually), nil)

	copied := *step
	return &copied, nil
}

// CancelPendingSteps implements storage.StepStore.
func (s *Store) CancelPendingSteps(_ context.Context, taskID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cancelled []uuid.UUID
	for _, stepID := range s.taskSteps[taskID] {
		current := workflow.StepState(s.currentState(stepID, string(workflow.StepStatePending)))
		if current != workflow.StepStatePending {
			continue
		}
		s.appendTransition(stepID, string(current), string(workflow.StepStateCancelled), nil)
		s.steps[stepID].UpdatedAt = s.now().UTC()
		cancelled = append(cancelled, stepID)
	}
	return cancelled, nil
}

// --- TransitionStore ---

// ListTransitions implements storage.TransitionStore.
func (s *Store) ListTransitions(_ context.Context, recordID uuid.UUID) ([]workflow.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := append([]workflow.Transition(nil), s.transitions[recordID]...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].SortKey < rows[j].SortKey })
	return rows, nil
}

// --- RunStore ---

// EnqueueRun implements storage.RunStore.
func (s *Store) EnqueueRun(_ context.Context, taskID uuid.UUID, runAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRunID++
	s.runs = append(s.runs, &workflow.Run{
		ID:        s.nextRunID,
		TaskID:    taskID,
		RunAt:     runAt.UTC(),
		Reason:    reason,
		CreatedAt: s.now().UTC(),
	})
	return nil
}

// ClaimDueRun implements storage.RunStore.
func (s *Store) ClaimDueRun(_ context.Context, workerID string) (*workflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	var due *workflow.Run
	for _, run := range s.runs {
		if run.ClaimedBy != "" || run.RunAt.After(now) {
			continue
		}
		if due == nil || run.RunAt.Before(due.RunAt) {
			due = run
		}
	}
	if due == nil {
		return nil, nil
	}
	due.ClaimedBy = workerID
	copied := *due
	return &copied, nil
}

// CompleteRun implements storage.RunStore.
func (s *Store) CompleteRun(_ context.Context, runID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, run := range s.runs {
		if run.ID == runID {
			s.runs = append(s.runs[:i], s.runs[i+1:]...)
			return nil
		}
	}
	return taskererr.NewNotFoundError("run", nil)
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
