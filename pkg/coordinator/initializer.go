package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	taskererr "github.com/tasker-systems/tasker/pkg/errors"
	"github.com/tasker-systems/tasker/pkg/events"
	"github.com/tasker-systems/tasker/pkg/handler"
	"github.com/tasker-systems/tasker/pkg/identity"
	"github.com/tasker-systems/tasker/pkg/logger"
	"github.com/tasker-systems/tasker/pkg/storage"
	"github.com/tasker-systems/tasker/pkg/workflow"
)

// Initializer turns task requests into persisted tasks: it resolves the
// template, validates the context against the template's schema, applies
// identity-hash deduplication, materializes the step DAG, and schedules the
// first coordinator pass.
type Initializer struct {
	store      storage.Store
	registry   *handler.Registry
	reenqueuer Reenqueuer
	bus        events.Publisher
	hasher     identity.Hasher
	payload    *events.PayloadBuilder
	clock      func() time.Time

	// dedupWindow is how far back identical requests are deduplicated.
	// Zero disables deduplication.
	dedupWindow time.Duration
}

// InitializerOption configures an Initializer.
type InitializerOption func(*Initializer)

// WithDedupWindow enables identity-hash deduplication over the window.
func WithDedupWindow(window time.Duration) InitializerOption {
	return func(i *Initializer) { i.dedupWindow = window }
}

// WithInitializerClock injects the time source.
func WithInitializerClock(now func() time.Time) InitializerOption {
	return func(i *Initializer) { i.clock = now }
}

// NewInitializer creates an Initializer.
func NewInitializer(store storage.Store, registry *handler.Registry, reenqueuer Reenqueuer, bus events.Publisher, opts ...InitializerOption) *Initializer {
	i := &Initializer{
		store:      store,
		registry:   registry,
		reenqueuer: reenqueuer,
		bus:        bus,
		hasher:     identity.NewHasher(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.payload = events.NewPayloadBuilder(i.clock)
	return i
}

// Initialize creates a task from the request. The bool reports whether a
// new task was created; false means an equivalent task inside the dedup
// window was returned instead.
func (i *Initializer) Initialize(ctx context.Context, req workflow.TaskRequest) (*workflow.Task, bool, error) {
	ref := req.Ref()
	registration, err := i.registry.Resolve(ref)
	if err != nil {
		return nil, false, err
	}
	template := registration.Template

	if err := validateContext(template, req.Context); err != nil {
		return nil, false, err
	}

	hash, err := i.hasher.Hash(&req)
	if err != nil {
		return nil, false, taskererr.NewValidationError("hashing task request", err)
	}

	if i.dedupWindow > 0 {
		since := i.clock().Add(-i.dedupWindow)
		existing, err := i.store.FindTaskByIdentityHash(ctx, hash, since)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			logger.Infow("deduplicated task request", "task_id", existing.ID,
				"template", ref.String(), "identity_hash", hash)
			return existing, false, nil
		}
	}

	task := &workflow.Task{
		ID:           uuid.New(),
		Template:     ref,
		Context:      req.Context,
		IdentityHash: hash,
		Initiator:    req.Initiator,
		Reason:       req.Reason,
		SourceSystem: req.SourceSystem,
		Tags:         req.Tags,
	}
	steps, edges := materialize(task.ID, template)

	if err := i.store.CreateTask(ctx, task, steps, edges); err != nil {
		return nil, false, err
	}

	if err := i.bus.Publish(ctx, events.TaskInitializeRequested,
		i.payload.Task(task, events.Timing{}, map[string]any{"step_count": len(steps)})); err != nil {
		logger.Warnw("event publication failed", "event", events.TaskInitializeRequested, "error", err)
	}

	if err := i.reenqueuer.Reenqueue(ctx, task.ID, i.clock(), workflow.RunReasonInitial); err != nil {
		return nil, false, err
	}

	logger.Infow("task initialized", "task_id", task.ID, "template", ref.String(),
		"steps", len(steps), "edges", len(edges))
	return task, true, nil
}

// validateContext checks the request context against the template's JSON
// Schema, if it declares one.
func validateContext(template workflow.NamedTask, raw []byte) error {
	if len(template.ContextSchema) == 0 {
		return nil
	}
	doc := raw
	if len(doc) == 0 {
		doc = []byte("null")
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(template.ContextSchema),
		gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return taskererr.NewValidationError("context validation for "+template.Ref.String(), err)
	}
	if !result.Valid() {
		msg := "context does not match schema for " + template.Ref.String()
		for _, desc := range result.Errors() {
			msg += "; " + desc.String()
		}
		return taskererr.NewValidationError(msg, nil)
	}
	return nil
}

// materialize instantiates the template's steps and edges for a task.
func materialize(taskID uuid.UUID, template workflow.NamedTask) ([]workflow.WorkflowStep, []workflow.StepEdge) {
	idsByName := make(map[string]uuid.UUID, len(template.Steps))
	steps := make([]workflow.WorkflowStep, 0, len(template.Steps))
	for _, tmpl := range template.Steps {
		id := uuid.New()
		idsByName[tmpl.Name] = id
		steps = append(steps, workflow.WorkflowStep{
			ID:         id,
			TaskID:     taskID,
			Name:       tmpl.Name,
			Retryable:  tmpl.Retryable,
			RetryLimit: tmpl.RetryLimit,
			Inputs:     tmpl.Inputs,
		})
	}

	var edges []workflow.StepEdge
	for _, tmpl := range template.Steps {
		for _, parent := range tmpl.DependsOn {
			edges = append(edges, workflow.StepEdge{
				TaskID:     taskID,
				FromStepID: idsByName[parent],
				ToStepID:   idsByName[tmpl.Name],
				Name:       tmpl.EdgeNames[parent],
			})
		}
	}
	return steps, edges
}
