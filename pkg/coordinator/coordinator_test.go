package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	taskererr "github.com/tasker-systems/tasker/pkg/errors"
	"github.com/tasker-systems/tasker/pkg/events"
	"github.com/tasker-systems/tasker/pkg/handler"
	"github.com/tasker-systems/tasker/pkg/storage/memory"
	"github.com/tasker-systems/tasker/pkg/workflow"
)

// eventRecorder captures every published event in order.
type eventRecorder struct {
	mu     sync.Mutex
	names  []string
	events []events.Event
}

func (r *eventRecorder) Name() string { return "test-recorder" }

func (r *eventRecorder) Subscriptions() []string { return r.names }

func (r *eventRecorder) Handle(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) sequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

func (r *eventRecorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(name string) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Name == name {
			return r.events[i], true
		}
	}
	return events.Event{}, false
}

// recordingReenqueuer delegates to the durable queue and remembers every
// scheduled instant so tests can advance virtual time to the next run.
type recordingReenqueuer struct {
	inner Reenqueuer

	mu      sync.Mutex
	entries []scheduledRun
}

type scheduledRun struct {
	taskID uuid.UUID
	runAt  time.Time
	reason string
}

func (r *recordingReenqueuer) Reenqueue(ctx context.Context, taskID uuid.UUID, runAt time.Time, reason string) error {
	r.mu.Lock()
	r.entries = append(r.entries, scheduledRun{taskID: taskID, runAt: runAt, reason: reason})
	r.mu.Unlock()
	return r.inner.Reenqueue(ctx, taskID, runAt, reason)
}

// nextAfter returns the earliest scheduled instant strictly after now.
func (r *recordingReenqueuer) nextAfter(now time.Time) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best time.Time
	found := false
	for _, e := range r.entries {
		if e.runAt.After(now) && (!found || e.runAt.Before(best)) {
			best = e.runAt
			found = true
		}
	}
	return best, found
}

func (r *recordingReenqueuer) reasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.reason
	}
	return out
}

type env struct {
	store    *memory.Store
	clock    time.Time
	bus      *events.Bus
	registry *handler.Registry
	reenq    *recordingReenqueuer
	coord    *Coordinator
	init     *Initializer
	recorder *eventRecorder
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()

	e := &env{clock: time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)}
	now := func() time.Time { return e.clock }

	e.store = memory.New(memory.WithClock(now))
	catalog := events.NewCatalog()
	e.bus = events.NewBus(catalog)
	e.registry = handler.NewRegistry(catalog)
	e.reenq = &recordingReenqueuer{inner: NewQueueReenqueuer(e.store)}

	e.recorder = &eventRecorder{}
	for _, info := range catalog.List() {
		e.recorder.names = append(e.recorder.names, info.Name)
	}
	require.NoError(t, e.bus.Subscribe(e.recorder))

	opts = append([]Option{WithClock(now)}, opts...)
	e.coord = New(e.store, e.registry, e.bus, e.reenq, opts...)
	e.init = NewInitializer(e.store, e.registry, e.reenq, e.bus, WithInitializerClock(now))
	return e
}

// drive claims and executes due runs, advancing virtual time through
// scheduled backoffs, until the queue drains or the iteration budget runs
// out.
func (e *env) drive(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		run, err := e.store.ClaimDueRun(ctx, "test-worker")
		require.NoError(t, err)
		if run == nil {
			next, ok := e.reenq.nextAfter(e.clock)
			if !ok {
				return
			}
			e.clock = next
			continue
		}
		require.NoError(t, e.coord.ExecuteWorkflow(ctx, run.TaskID))
		require.NoError(t, e.store.CompleteRun(ctx, run.ID))
	}
	t.Fatal("drive did not drain the run queue")
}

func (e *env) taskState(t *testing.T, taskID uuid.UUID) workflow.TaskState {
	t.Helper()
	state, err := e.store.TaskState(context.Background(), taskID)
	require.NoError(t, err)
	return state
}

func (e *env) stepByName(t *testing.T, taskID uuid.UUID, name string) workflow.WorkflowStep {
	t.Helper()
	steps, err := e.store.ListSteps(context.Background(), taskID)
	require.NoError(t, err)
	for _, st := range steps {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("no step %q", name)
	return workflow.WorkflowStep{}
}

// okHandler returns a fixed result document.
func okHandler(result string) handler.Handler {
	return handler.HandlerFunc(func(context.Context, *workflow.Task, *handler.Sequence, *workflow.WorkflowStep) (json.RawMessage, error) {
		return json.RawMessage(result), nil
	})
}

func registerLinear(t *testing.T, e *env, handlers map[string]handler.Handler) workflow.TemplateRef {
	t.Helper()
	template := workflow.NamedTask{
		Ref: workflow.TemplateRef{Namespace: "orders", Name: "fulfillment", Version: "1.0.0"},
		Steps: []workflow.NamedStep{
			workflow.NewNamedStep("reserve"),
			workflow.NewNamedStep("charge", "reserve"),
			workflow.NewNamedStep("ship", "charge"),
		},
	}
	require.NoError(t, e.registry.Register(template, handlers))
	return template.Ref
}

func TestLinearWorkflowCompletes(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ref := registerLinear(t, e, map[string]handler.Handler{
		"reserve": okHandler(`{"reservation":"r-1"}`),
		"charge": handler.HandlerFunc(func(_ context.Context, task *workflow.Task, seq *handler.Sequence, _ *workflow.WorkflowStep) (json.RawMessage, error) {
			// Prior results are visible through the sequence.
			if seq.Get("reserve", "reservation").String() != "r-1" {
				return nil, taskererr.NewPermanentError("missing reservation", "bad_sequence")
			}
			if gjson.GetBytes(task.Context, "order_id").Int() != 42 {
				return nil, taskererr.NewPermanentError("missing context", "bad_context")
			}
			return json.RawMessage(`{"charged":true}`), nil
		}),
		"ship": okHandler(`{"tracking":"t-9"}`),
	})

	task, created, err := e.init.Initialize(context.Background(), workflow.TaskRequest{
		Namespace: ref.Namespace, Name: ref.Name, Version: ref.Version,
		Context: json.RawMessage(`{"order_id":42}`),
	})
	require.NoError(t, err)
	require.True(t, created)

	e.drive(t)

	assert.Equal(t, workflow.TaskStateComplete, e.taskState(t, task.ID))
	for _, name := range []string{"reserve", "charge", "ship"} {
		st := e.stepByName(t, task.ID, name)
		assert.True(t, st.Processed, name)
		assert.Equal(t, 1, st.Attempts, name)
	}

	// The lifecycle events arrive in causal order.
	assert.Equal(t, []string{
		events.TaskInitializeRequested,
		events.TaskStartRequested,
		events.StepExecutionRequested,
		events.StepCompleted,
		events.StepExecutionRequested,
		events.StepCompleted,
		events.StepExecutionRequested,
		events.StepCompleted,
		events.TaskCompleted,
	}, e.recorder.sequence())
}

func TestDiamondRunsAllBranches(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	template := workflow.NamedTask{
		Ref: workflow.TemplateRef{Namespace: "default", Name: "diamond", Version: "0.1.0"},
		Steps: []workflow.NamedStep{
			workflow.NewNamedStep("start"),
			workflow.NewNamedStep("left", "start"),
			workflow.NewNamedStep("right", "start"),
			workflow.NewNamedStep("join", "left", "right"),
		},
	}
	require.NoError(t, e.registry.Register(template, map[string]handler.Handler{
		"start": okHandler(`{"seed":1}`),
		"left":  okHandler(`{"left":true}`),
		"right": okHandler(`{"right":true}`),
		"join": handler.HandlerFunc(func(_ context.Context, _ *workflow.Task, seq *handler.Sequence, _ *workflow.WorkflowStep) (json.RawMessage, error) {
			if !seq.Get("left", "left").Bool() || !seq.Get("right", "right").Bool() {
				return nil, taskererr.NewPermanentError("join ran before both branches", "ordering")
			}
			return json.RawMessage(`{"joined":true}`), nil
		}),
	}))

	task, _, err := e.init.Initialize(context.Background(), workflow.TaskRequest{
		Name: "diamond", Context: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	e.drive(t)

	assert.Equal(t, workflow.TaskStateComplete, e.taskState(t, task.ID))
	assert.Equal(t, 4, e.recorder.count(events.StepCompleted))
}

func TestRetryableFailureBacksOffAndRecovers(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	var mu sync.Mutex
	attempts := 0
	ref := registerLinear(t, e, map[string]handler.Handler{
		"reserve": okHandler(`{}`),
		"charge": handler.HandlerFunc(func(context.Context, *workflow.Task, *handler.Sequence, *workflow.WorkflowStep) (json.RawMessage, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return nil, taskererr.NewRetryableError("gateway wobble")
			}
			return json.RawMessage(`{"charged":true}`), nil
		}),
		"ship": okHandler(`{}`),
	})

	task, _, err := e.init.Initialize(context.Background(), workflow.TaskRequest{
		Namespace: ref.Namespace, Name: ref.Name, Version: ref.Version,
		Context: json.RawMessage(`{"order_id":1}`),
	})
	require.NoError(t, err)

	e.drive(t)

	assert.Equal(t, workflow.TaskStateComplete, e.taskState(t, task.ID))
	st := e.stepByName(t, task.ID, "charge")
	assert.Equal(t, 3, st.Attempts)

	// Two failures mean two backoff re-enqueues and two retry claims.
	assert.Equal(t, 2, e.recorder.count(events.StepFailed))
	assert.Equal(t, 2, e.recorder.count(events.StepRetryRequested))
	reasons := e.reenq.reasons()
	retries := 0
	for _, r := range reasons {
		if r == workflow.RunReasonAwaitingRetry {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestPermanentFailureFailsTask(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ref := registerLinear(t, e, map[string]handler.Handler{
		"reserve": okHandler(`{}`),
		"charge": handler.HandlerFunc(func(context.Context, *workflow.Task, *handler.Sequence, *workflow.WorkflowStep) (json.RawMessage, error) {
			return nil, taskererr.NewPermanentError("card declined", "payment_rejected")
		}),
		"ship": okHandler(`{}`),
	})

	task, _, err := e.init.Initialize(context.Background(), workflow.TaskRequest{
		Namespace: ref.Namespace, Name: ref.Name, Version: ref.Version,
		Context: json.RawMessage(`{"order_id":2}`),
	})
	require.NoError(t, err)

	e.drive(t)

	assert.Equal(t, workflow.TaskStateError, e.taskState(t, task.ID))

	// One attempt only: permanent errors exhaust the budget immediately.
	st := e.stepByName(t, task.ID, "charge")
	assert.Equal(t, st.RetryLimit, st.Attempts)
	assert.Equal(t, 1, e.recorder.count(events.StepFailed))
	assert.Equal(t, 1, e.recorder.count(events.StepMaxRetriesReached))

	failed, ok := e.recorder.last(events.TaskFailed)
	require.True(t, ok)
	assert.Equal(t, "charge", failed.Payload["failed_step_name"])

	// The dependent step never ran.
	assert.False(t, e.stepByName(t, task.ID, "ship").Processed)
}

func TestManualResolutionUnblocksRetry(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ref := registerLinear(t, e, map[string]handler.Handler{
		"reserve": okHandler(`{}`),
		"charge": handler.HandlerFunc(func(context.Context, *workflow.Task, *handler.Sequence, *workflow.WorkflowStep) (json.RawMessage, error) {
			return nil, taskererr.NewPermanentError("card declined", "payment_rejected")
		}),
		"ship": okHandler(`{}`),
	})

	ctx := context.Background()
	task, _, err := e.init.Initialize(ctx, workflow.TaskRequest{
		Namespace: ref.Namespace, Name: ref.Name, Version: ref.Version,
		Context: json.RawMessage(`{"order_id":3}`),
	})
	require.NoError(t, err)
	e.drive(t)
	require.Equal(t, workflow.TaskStateError, e.taskState(t, task.ID))

	// An operator resolves the stuck step and retries the task.
	charge := e.stepByName(t, task.ID, "charge")
	_, err = e.coord.ResolveStepManually(ctx, task.ID, charge.ID, json.RawMessage(`{"charged":"manually"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, e.recorder.count(events.StepResolvedManually))
	require.NoError(t, e.coord.RetryTask(ctx, task.ID))

	e.drive(t)

	assert.Equal(t, workflow.TaskStateComplete, e.taskState(t, task.ID))
	assert.True(t, e.stepByName(t, task.ID, "ship").Processed)
	assert.Equal(t, 1, e.recorder.count(events.TaskRetryRequested))
}

func TestServerRequestedBackoffWins(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	var mu sync.Mutex
	attempts := 0
	ref := registerLinear(t, e, map[string]handler.Handler{
		"reserve": okHandler(`{}`),
		"charge": handler.HandlerFunc(func(context.Context, *workflow.Task, *handler.Sequence, *workflow.WorkflowStep) (json.RawMessage, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return nil, taskererr.NewRetryableErrorAfter("rate limited", 10*time.Second)
			}
			return json.RawMessage(`{}`), nil
		}),
		"ship": okHandler(`{}`),
	})

	task, _, err := e.init.Initialize(context.Background(), workflow.TaskRequest{
		Namespace: ref.Namespace, Name: ref.Name, Version: ref.Version,
		Context: json.RawMessage(`{"order_id":4}`),
	})
	require.NoError(t, err)
	start := e.clock

	e.drive(t)

	assert.Equal(t, workflow.TaskStateComplete, e.taskState(t, task.ID))

	// The server-requested 10s delay overrides the 2s exponential default.
	st := e.stepByName(t, task.ID, "charge")
	require.NotNil(t, st.BackoffRequestSeconds)
	assert.Equal(t, 10, *st.BackoffRequestSeconds)

	var retryAt time.Time
	for _, entry := range e.reenq.entries {
		if entry.reason == workflow.RunReasonAwaitingRetry {
			retryAt = entry.runAt
		}
	}
	assert.WithinDuration(t, start.Add(10*time.Second), retryAt, 0)
}

func TestCancelTask(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ref := registerLinear(t, e, map[string]handler.Handler{
		"reserve": okHandler(`{}`), "charge": okHandler(`{}`), "ship": okHandler(`{}`),
	})

	ctx := context.Background()
	task, _, err := e.init.Initialize(ctx, workflow.TaskRequest{
		Namespace: ref.Namespace, Name: ref.Name, Version: ref.Version,
		Context: json.RawMessage(`{"order_id":5}`),
	})
	require.NoError(t, err)

	require.NoError(t, e.coord.CancelTask(ctx, task.ID))
	assert.Equal(t, workflow.TaskStateCancelled, e.taskState(t, task.ID))
	assert.Equal(t, 3, e.recorder.count(events.StepCancelled))
	assert.Equal(t, 1, e.recorder.count(events.TaskCancelled))

	// The pending initial run becomes a no-op pass.
	e.drive(t)
	assert.Equal(t, workflow.TaskStateCancelled, e.taskState(t, task.ID))
	assert.Zero(t, e.recorder.count(events.StepCompleted))

	// Cancelling twice is a conflict.
	err = e.coord.CancelTask(ctx, task.ID)
	require.Error(t, err)
	assert.True(t, taskererr.IsConflict(err))
}

func TestStepTimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	var mu sync.Mutex
	attempts := 0
	template := workflow.NamedTask{
		Ref: workflow.TemplateRef{Namespace: "default", Name: "slow", Version: "0.1.0"},
		Steps: []workflow.NamedStep{
			func() workflow.NamedStep {
				s := workflow.NewNamedStep("crawl")
				s.Timeout = 20 * time.Millisecond
				return s
			}(),
		},
	}
	require.NoError(t, e.registry.Register(template, map[string]handler.Handler{
		"crawl": handler.HandlerFunc(func(ctx context.Context, _ *workflow.Task, _ *handler.Sequence, _ *workflow.WorkflowStep) (json.RawMessage, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return json.RawMessage(`{"pages":10}`), nil
		}),
	}))

	task, _, err := e.init.Initialize(context.Background(), workflow.TaskRequest{
		Name: "slow", Context: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	e.drive(t)

	assert.Equal(t, workflow.TaskStateComplete, e.taskState(t, task.ID))
	st := e.stepByName(t, task.ID, "crawl")
	assert.Equal(t, 2, st.Attempts)
	assert.Equal(t, 1, e.recorder.count(events.StepFailed))
}

func TestHandlerPanicIsCaptured(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	var mu sync.Mutex
	attempts := 0
	template := workflow.NamedTask{
		Ref:   workflow.TemplateRef{Namespace: "default", Name: "fragile", Version: "0.1.0"},
		Steps: []workflow.NamedStep{workflow.NewNamedStep("boom")},
	}
	require.NoError(t, e.registry.Register(template, map[string]handler.Handler{
		"boom": handler.HandlerFunc(func(context.Context, *workflow.Task, *handler.Sequence, *workflow.WorkflowStep) (json.RawMessage, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n == 1 {
				panic("nil map write")
			}
			return json.RawMessage(`{}`), nil
		}),
	}))

	task, _, err := e.init.Initialize(context.Background(), workflow.TaskRequest{
		Name: "fragile", Context: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	e.drive(t)

	assert.Equal(t, workflow.TaskStateComplete, e.taskState(t, task.ID))

	// The panic was recorded with its stack and then retried.
	st := e.stepByName(t, task.ID, "boom")
	assert.Equal(t, 2, st.Attempts)

	failed, ok := e.recorder.last(events.StepFailed)
	require.True(t, ok)
	assert.Contains(t, failed.Payload["error_message"], "nil map write")
	assert.NotEmpty(t, failed.Payload["backtrace"])
}

func TestInitializerDedup(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ref := registerLinear(t, e, map[string]handler.Handler{
		"reserve": okHandler(`{}`), "charge": okHandler(`{}`), "ship": okHandler(`{}`),
	})
	e.init = NewInitializer(e.store, e.registry, e.reenq, e.bus,
		WithInitializerClock(func() time.Time { return e.clock }),
		WithDedupWindow(time.Hour))

	ctx := context.Background()
	req := workflow.TaskRequest{
		Namespace: ref.Namespace, Name: ref.Name, Version: ref.Version,
		Context: json.RawMessage(`{"order_id":9}`), Initiator: "api",
	}

	first, created, err := e.init.Initialize(ctx, req)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := e.init.Initialize(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// Reason and tags do not participate in identity.
	req.Reason = "resubmitted by support"
	req.Tags = []string{"vip"}
	third, created, err := e.init.Initialize(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, third.ID)

	// A different context is a different task.
	req.Context = json.RawMessage(`{"order_id":10}`)
	fourth, created, err := e.init.Initialize(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, fourth.ID)

	// Outside the window the same request creates a fresh task.
	e.clock = e.clock.Add(2 * time.Hour)
	req.Context = json.RawMessage(`{"order_id":9}`)
	fifth, created, err := e.init.Initialize(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, fifth.ID)
}

func TestInitializerValidatesContext(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	template := workflow.NamedTask{
		Ref: workflow.TemplateRef{Namespace: "default", Name: "strict", Version: "0.1.0"},
		ContextSchema: json.RawMessage(`{
			"type": "object",
			"required": ["order_id"],
			"properties": {"order_id": {"type": "integer"}}
		}`),
		Steps: []workflow.NamedStep{workflow.NewNamedStep("only")},
	}
	require.NoError(t, e.registry.Register(template, map[string]handler.Handler{
		"only": okHandler(`{}`),
	}))

	ctx := context.Background()
	_, _, err := e.init.Initialize(ctx, workflow.TaskRequest{
		Name: "strict", Context: json.RawMessage(`{"order_id":"not-a-number"}`),
	})
	require.Error(t, err)
	assert.True(t, taskererr.IsValidation(err))

	_, _, err = e.init.Initialize(ctx, workflow.TaskRequest{Name: "strict"})
	require.Error(t, err)

	_, created, err := e.init.Initialize(ctx, workflow.TaskRequest{
		Name: "strict", Context: json.RawMessage(`{"order_id":77}`),
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestInitializerUnknownTemplate(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	_, _, err := e.init.Initialize(context.Background(), workflow.TaskRequest{
		Name: "nonexistent", Context: json.RawMessage(`{}`),
	})
	require.Error(t, err)
	assert.True(t, taskererr.IsNotFound(err))
}

func TestRepeatedAmbiguityStallsTask(t *testing.T) {
	t.Parallel()

	e := newEnv(t, WithConfig(Config{MaxAmbiguousPasses: 3}))
	ref := registerLinear(t, e, map[string]handler.Handler{
		"reserve": okHandler(`{}`),
		"charge":  okHandler(`{}`),
		"ship":    okHandler(`{}`),
	})

	task, _, err := e.init.Initialize(context.Background(), workflow.TaskRequest{
		Namespace: ref.Namespace, Name: ref.Name, Version: ref.Version,
		Context: json.RawMessage(`{"order_id":7}`),
	})
	require.NoError(t, err)

	// Strand the task: every step cancelled while the task stays live, so
	// no pass can ever make progress.
	_, err = e.store.CancelPendingSteps(context.Background(), task.ID)
	require.NoError(t, err)

	e.drive(t)

	// Two ambiguous re-enqueues, then the bounded third pass fails the
	// task instead of looping forever.
	assert.Equal(t, workflow.TaskStateError, e.taskState(t, task.ID))
	assert.Equal(t, []string{
		workflow.RunReasonInitial,
		workflow.RunReasonAmbiguous,
		workflow.RunReasonAmbiguous,
	}, e.reenq.reasons())
	assert.Equal(t, 1, e.recorder.count(events.TaskFailed))

	transitions, err := e.store.ListTransitions(context.Background(), task.ID)
	require.NoError(t, err)
	last := transitions[len(transitions)-1]
	assert.Equal(t, string(workflow.TaskStateError), last.ToState)
	assert.Equal(t, "stalled", last.Metadata["reason"])
	assert.Equal(t, 3, last.Metadata["ambiguous_passes"])
}

func TestBatchLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		ready    int
		pressure float64
		cfg      Config
		want     int
	}{
		{"idle pool takes most of the batch", 20, 0.1, Config{MaxConcurrency: 50}, 16},
		{"moderate pressure scales down", 20, 0.6, Config{MaxConcurrency: 50}, 12},
		{"high pressure scales harder", 20, 0.8, Config{MaxConcurrency: 50}, 8},
		{"critical pressure scales hardest", 20, 0.95, Config{MaxConcurrency: 50}, 4},
		{"floor keeps small batches moving", 2, 0.95, Config{MaxConcurrency: 50}, 2},
		{"ceiling caps huge batches", 200, 0.1, Config{MaxConcurrency: 100}, 25},
		{"pool share wins over ceiling", 200, 0.1, Config{MaxConcurrency: 10}, 6},
		{"zero ready is zero", 0, 0.1, Config{MaxConcurrency: 10}, 0},
		{"configured floor still clamps to ready", 2, 0.95, Config{MaxConcurrency: 50, MinBatchSize: 8}, 2},
		{"configured floor lifts small limits", 10, 0.95, Config{MaxConcurrency: 50, MinBatchSize: 8}, 8},
		{"configured ceiling caps lower", 200, 0.1, Config{MaxConcurrency: 100, MaxBatchSize: 40}, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg.withDefaults()
			assert.Equal(t, tt.want, cfg.batchLimit(tt.ready, tt.pressure))
		})
	}
}

func TestWorkerExecutesClaimedRuns(t *testing.T) {
	t.Parallel()

	// The worker path uses wall-clock polling, so this env runs on real
	// time rather than the virtual clock.
	store := memory.New()
	catalog := events.NewCatalog()
	bus := events.NewBus(catalog)
	registry := handler.NewRegistry(catalog)
	reenq := NewQueueReenqueuer(store)
	coord := New(store, registry, bus, reenq)
	init := NewInitializer(store, registry, reenq, bus)

	template := workflow.NamedTask{
		Ref:   workflow.TemplateRef{Namespace: "default", Name: "quick", Version: "0.1.0"},
		Steps: []workflow.NamedStep{workflow.NewNamedStep("only")},
	}
	require.NoError(t, registry.Register(template, map[string]handler.Handler{
		"only": okHandler(`{"done":true}`),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, _, err := init.Initialize(ctx, workflow.TaskRequest{
		Name: "quick", Context: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	worker := NewWorker("w-1", store, coord, WithPollInterval(5*time.Millisecond))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		state, err := store.TaskState(context.Background(), task.ID)
		return err == nil && state == workflow.TaskStateComplete
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
