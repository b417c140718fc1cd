package workflow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TemplateRef identifies a named task template by its identity triple.
// Names, namespaces, and versions are case-sensitive.
type TemplateRef struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Version   string `json:"version"`
}

// Defaults applied when a task request omits namespace or version.
const (
	DefaultNamespace = "default"
	DefaultVersion   = "0.1.0"
)

// String renders the ref as namespace/name@version.
func (r TemplateRef) String() string {
	return r.Namespace + "/" + r.Name + "@" + r.Version
}

// Task is an instance of a named workflow template.
type Task struct {
	ID       uuid.UUID   `json:"task_id"`
	Template TemplateRef `json:"template"`

	// Context is the validated task input. Immutable after creation.
	Context json.RawMessage `json:"context"`

	// IdentityHash deduplicates equivalent task-creation requests.
	IdentityHash string `json:"identity_hash"`

	Initiator    string   `json:"initiator,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	SourceSystem string   `json:"source_system,omitempty"`
	Tags         []string `json:"tags,omitempty"`

	// Complete caches whether the task reached a terminal state.
	Complete bool `json:"complete"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkflowStep is a single unit of work within a task. It has its own state
// machine and retry budget.
type WorkflowStep struct {
	ID     uuid.UUID `json:"workflow_step_id"`
	TaskID uuid.UUID `json:"task_id"`

	// Name is the named-step template this step was created from.
	Name string `json:"name"`

	Retryable  bool `json:"retryable"`
	RetryLimit int  `json:"retry_limit"`
	Attempts   int  `json:"attempts"`

	InProcess bool `json:"in_process"`
	Processed bool `json:"processed"`

	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	LastAttemptedAt *time.Time `json:"last_attempted_at,omitempty"`
	LastFailedAt    *time.Time `json:"last_failed_at,omitempty"`

	// BackoffRequestSeconds is a server-requested retry delay. Nil means
	// exponential backoff applies.
	BackoffRequestSeconds *int `json:"backoff_request_seconds,omitempty"`

	Inputs  json.RawMessage `json:"inputs,omitempty"`
	Results json.RawMessage `json:"results,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepEdge is a parent -> child dependency between two steps of one task.
type StepEdge struct {
	TaskID     uuid.UUID `json:"task_id"`
	FromStepID uuid.UUID `json:"from_step_id"`
	ToStepID   uuid.UUID `json:"to_step_id"`

	// Name labels the edge for diagram rendering. Not consulted by the
	// readiness computation.
	Name string `json:"name,omitempty"`
}

// Transition is one row of the append-only transition log. Exactly one row
// per record carries MostRecent=true.
type Transition struct {
	ID         int64          `json:"id"`
	RecordID   uuid.UUID      `json:"record_id"`
	FromState  string         `json:"from_state,omitempty"`
	ToState    string         `json:"to_state"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	SortKey    int            `json:"sort_key"`
	MostRecent bool           `json:"most_recent"`
	CreatedAt  time.Time      `json:"created_at"`
}

// StepReadiness is one row of the readiness query: everything the
// coordinator needs to decide whether a step may execute now.
type StepReadiness struct {
	StepID                uuid.UUID `json:"workflow_step_id"`
	Name                  string    `json:"name"`
	CurrentState          StepState `json:"current_state"`
	TotalParents          int       `json:"total_parents"`
	CompletedParents      int       `json:"completed_parents"`
	DependenciesSatisfied bool      `json:"dependencies_satisfied"`
	Attempts              int       `json:"attempts"`
	RetryLimit            int       `json:"retry_limit"`
	RetryEligible         bool      `json:"retry_eligible"`
	ReadyForExecution     bool      `json:"ready_for_execution"`

	// NextEligibleAt is the earliest instant a backoff-blocked step becomes
	// retry-eligible. Nil when the step is not waiting on backoff.
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
}

// ExecutionContext aggregates per-task step counts for finalization.
type ExecutionContext struct {
	TaskID     uuid.UUID `json:"task_id"`
	TotalSteps int       `json:"total_steps"`

	PendingSteps    int `json:"pending_steps"`
	InProgressSteps int `json:"in_progress_steps"`
	CompleteSteps   int `json:"complete_steps"`
	ErrorSteps      int `json:"error_steps"`
	CancelledSteps  int `json:"cancelled_steps"`
	ResolvedSteps   int `json:"resolved_steps"`

	// ReadySteps counts steps with ready_for_execution=true right now.
	ReadySteps int `json:"ready_steps"`

	// BlockedOnBackoff counts error steps that are retry-ineligible now but
	// will become eligible once backoff elapses.
	BlockedOnBackoff int `json:"blocked_on_backoff"`

	// ExhaustedSteps counts error steps with no retry budget left.
	ExhaustedSteps int `json:"exhausted_steps"`

	// EarliestRetryAt is the min next-eligible instant across
	// backoff-blocked steps.
	EarliestRetryAt *time.Time `json:"earliest_retry_at,omitempty"`

	// FirstExhaustedStep identifies the earliest unrecoverable step, used as
	// the failure cause in task.failed payloads.
	FirstExhaustedStepID   *uuid.UUID `json:"first_exhausted_step_id,omitempty"`
	FirstExhaustedStepName string     `json:"first_exhausted_step_name,omitempty"`
}

// AllStepsSettled reports whether every step is in the completion set.
func (c *ExecutionContext) AllStepsSettled() bool {
	return c.TotalSteps > 0 && c.CompleteSteps+c.ResolvedSteps == c.TotalSteps
}

// TaskRequest is the external input that creates a task.
type TaskRequest struct {
	Name         string          `json:"name"`
	Namespace    string          `json:"namespace,omitempty"`
	Version      string          `json:"version,omitempty"`
	Context      json.RawMessage `json:"context"`
	Initiator    string          `json:"initiator,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	SourceSystem string          `json:"source_system,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
}

// Ref resolves the request's template identity, applying defaults.
func (r *TaskRequest) Ref() TemplateRef {
	ref := TemplateRef{Namespace: r.Namespace, Name: r.Name, Version: r.Version}
	if ref.Namespace == "" {
		ref.Namespace = DefaultNamespace
	}
	if ref.Version == "" {
		ref.Version = DefaultVersion
	}
	return ref
}

// Run is one scheduled invocation of the coordinator for a task.
type Run struct {
	ID        int64     `json:"id"`
	TaskID    uuid.UUID `json:"task_id"`
	RunAt     time.Time `json:"run_at"`
	Reason    string    `json:"reason"`
	ClaimedBy string    `json:"claimed_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Re-enqueue reasons recorded on runs.
const (
	RunReasonInitial       = "initial"
	RunReasonAwaitingWork  = "awaiting_work"
	RunReasonAwaitingRetry = "awaiting_retry"
	RunReasonAmbiguous     = "ambiguous"
)
