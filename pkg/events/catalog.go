// Package events provides tasker's in-process publish/subscribe bus, the
// runtime-discoverable event catalog, and the payload builder that
// standardizes every published payload.
package events

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// System event names. The mapping from state transitions to these names is
// owned by the statemachine package.
const (
	TaskInitializeRequested = "task.initialize_requested"
	TaskStartRequested      = "task.start_requested"
	TaskCompleted           = "task.completed"
	TaskFailed              = "task.failed"
	TaskCancelled           = "task.cancelled"
	TaskRetryRequested      = "task.retry_requested"
	TaskResolvedManually    = "task.resolved_manually"

	StepInitializeRequested = "step.initialize_requested"
	StepExecutionRequested  = "step.execution_requested"
	StepCompleted           = "step.completed"
	StepFailed              = "step.failed"
	StepRetryRequested      = "step.retry_requested"
	StepCancelled           = "step.cancelled"
	StepResolvedManually    = "step.resolved_manually"
	StepMaxRetriesReached   = "step.max_retries_reached"

	WorkflowTaskReenqueued = "workflow.task_reenqueued"
)

// reservedNamespaces may not be used by handler-declared custom events.
var reservedNamespaces = []string{"task", "step", "workflow", "observability", "test"}

// customEventName enforces the <domain>.<action> shape for custom events.
var customEventName = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[a-z][a-z0-9_]*$`)

// EventInfo is one catalog entry.
type EventInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	PayloadSchema map[string]any `json:"payload_schema,omitempty"`
	FiredBy     []string       `json:"fired_by,omitempty"`

	// Custom marks handler-declared events as opposed to system events.
	Custom bool `json:"custom,omitempty"`
}

// Catalog is the queryable mapping from event name to its description and
// payload schema. System events are populated statically; custom events are
// registered when their declaring handler is registered.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]EventInfo
}

// NewCatalog returns a catalog pre-populated with every system event.
func NewCatalog() *Catalog {
	c := &Catalog{entries: make(map[string]EventInfo)}
	for _, info := range systemEvents() {
		c.entries[info.Name] = info
	}
	return c
}

// RegisterCustom adds a handler-declared event to the catalog. Names must be
// namespaced <domain>.<action> and must not collide with reserved
// namespaces or an existing entry.
func (c *Catalog) RegisterCustom(name, description string) error {
	if !customEventName.MatchString(name) {
		return fmt.Errorf("custom event %q must be named <domain>.<action>", name)
	}
	domain := strings.SplitN(name, ".", 2)[0]
	for _, reserved := range reservedNamespaces {
		if domain == reserved {
			return fmt.Errorf("custom event %q uses reserved namespace %q", name, reserved)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[name]; exists {
		return fmt.Errorf("event %q already registered", name)
	}
	c.entries[name] = EventInfo{
		Name:        name,
		Description: description,
		PayloadSchema: map[string]any{
			"type":     "object",
			"required": []string{"task_id"},
		},
		FiredBy: []string{"step_handler"},
		Custom:  true,
	}
	return nil
}

// Lookup returns the catalog entry for an event name.
func (c *Catalog) Lookup(name string) (EventInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.entries[name]
	return info, ok
}

// List returns all catalog entries sorted by name.
func (c *Catalog) List() []EventInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]EventInfo, 0, len(c.entries))
	for _, info := range c.entries {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func basePayloadSchema(extraRequired ...string) map[string]any {
	required := append([]string{"task_id", "started_at", "completed_at", "execution_duration"}, extraRequired...)
	return map[string]any{
		"type":     "object",
		"required": required,
	}
}

func failurePayloadSchema() map[string]any {
	return basePayloadSchema("error_message", "exception_class", "backtrace", "attempt_number")
}

func systemEvents() []EventInfo {
	return []EventInfo{
		{Name: TaskInitializeRequested, Description: "Task record and its steps were created", PayloadSchema: basePayloadSchema(), FiredBy: []string{"initializer"}},
		{Name: TaskStartRequested, Description: "Task moved from pending to in_progress", PayloadSchema: basePayloadSchema(), FiredBy: []string{"coordinator"}},
		{Name: TaskCompleted, Description: "Every step settled and the task completed", PayloadSchema: basePayloadSchema(), FiredBy: []string{"finalizer"}},
		{Name: TaskFailed, Description: "A step exhausted its retries and the task failed", PayloadSchema: failurePayloadSchema(), FiredBy: []string{"finalizer"}},
		{Name: TaskCancelled, Description: "Task was cancelled", PayloadSchema: basePayloadSchema(), FiredBy: []string{"coordinator"}},
		{Name: TaskRetryRequested, Description: "A failed task re-entered in_progress", PayloadSchema: basePayloadSchema(), FiredBy: []string{"coordinator"}},
		{Name: TaskResolvedManually, Description: "Task was resolved by an operator", PayloadSchema: basePayloadSchema(), FiredBy: []string{"api"}},

		{Name: StepInitializeRequested, Description: "Step record was created", PayloadSchema: basePayloadSchema("step_id"), FiredBy: []string{"initializer"}},
		{Name: StepExecutionRequested, Description: "Step was claimed for its first attempt", PayloadSchema: basePayloadSchema("step_id"), FiredBy: []string{"coordinator"}},
		{Name: StepCompleted, Description: "Step attempt succeeded and results were persisted", PayloadSchema: basePayloadSchema("step_id"), FiredBy: []string{"coordinator"}},
		{Name: StepFailed, Description: "Step attempt failed", PayloadSchema: failurePayloadSchema(), FiredBy: []string{"coordinator"}},
		{Name: StepRetryRequested, Description: "A failed step was claimed for another attempt", PayloadSchema: basePayloadSchema("step_id"), FiredBy: []string{"coordinator"}},
		{Name: StepCancelled, Description: "Step was cancelled", PayloadSchema: basePayloadSchema("step_id"), FiredBy: []string{"coordinator"}},
		{Name: StepResolvedManually, Description: "Step was resolved by an operator", PayloadSchema: basePayloadSchema("step_id"), FiredBy: []string{"api"}},
		{Name: StepMaxRetriesReached, Description: "Step exhausted its retry budget", PayloadSchema: failurePayloadSchema(), FiredBy: []string{"coordinator"}},

		{Name: WorkflowTaskReenqueued, Description: "Task was scheduled for another coordinator pass", PayloadSchema: basePayloadSchema("reason", "run_at"), FiredBy: []string{"reenqueuer"}},
	}
}
