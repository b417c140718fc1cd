package handler

import (
	"sort"
	"sync"

	taskererr "github.com/tasker-systems/tasker/pkg/errors"
	"github.com/tasker-systems/tasker/pkg/events"
	"github.com/tasker-systems/tasker/pkg/workflow"
)

// Registration binds a named task template to the handlers for its steps.
type Registration struct {
	Template workflow.NamedTask

	// Handlers is keyed by step name. Every step of the template has an
	// entry; Register enforces this.
	Handlers map[string]Handler
}

// Handler returns the handler for a step name.
func (r *Registration) Handler(stepName string) (Handler, bool) {
	h, ok := r.Handlers[stepName]
	return h, ok
}

// Registry resolves (namespace, name, version) triples to registrations.
// Resolution is an O(1) map lookup; registration normally happens once at
// boot but re-registering a ref replaces it, which supports config reload.
type Registry struct {
	mu      sync.RWMutex
	entries map[workflow.TemplateRef]*Registration
	catalog *events.Catalog
}

// NewRegistry creates an empty registry. Custom events declared by
// registered templates land in the catalog.
func NewRegistry(catalog *events.Catalog) *Registry {
	return &Registry{
		entries: make(map[workflow.TemplateRef]*Registration),
		catalog: catalog,
	}
}

// Register validates the template and binds its step handlers. Every step
// must have a handler; custom events are registered with the catalog before
// the registration becomes visible.
func (r *Registry) Register(template workflow.NamedTask, handlers map[string]Handler) error {
	if err := template.Validate(); err != nil {
		return taskererr.NewValidationError("invalid template "+template.Ref.String(), err)
	}
	for _, step := range template.Steps {
		if _, ok := handlers[step.Name]; !ok {
			return taskererr.NewConfigurationError(
				"template "+template.Ref.String()+" has no handler for step "+step.Name, nil)
		}
	}
	for name := range handlers {
		if _, ok := template.Step(name); !ok {
			return taskererr.NewConfigurationError(
				"handler for unknown step "+name+" in "+template.Ref.String(), nil)
		}
	}

	for _, ev := range template.CustomEvents {
		if err := r.catalog.RegisterCustom(ev.Name, ev.Description); err != nil {
			return taskererr.NewValidationError("template "+template.Ref.String(), err)
		}
	}

	bound := make(map[string]Handler, len(handlers))
	for name, h := range handlers {
		bound[name] = h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[template.Ref] = &Registration{Template: template, Handlers: bound}
	return nil
}

// Resolve returns the registration for a template ref.
func (r *Registry) Resolve(ref workflow.TemplateRef) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[ref]
	if !ok {
		return nil, taskererr.NewNotFoundError("no handler registered for "+ref.String(), nil)
	}
	return reg, nil
}

// List returns all registered templates, sorted by ref, optionally filtered
// to one namespace.
func (r *Registry) List(namespace string) []workflow.NamedTask {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []workflow.NamedTask
	for ref, reg := range r.entries {
		if namespace != "" && ref.Namespace != namespace {
			continue
		}
		out = append(out, reg.Template)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Ref.String() < out[j].Ref.String()
	})
	return out
}

// Namespaces returns the distinct namespaces with registrations, sorted.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for ref := range r.entries {
		seen[ref.Namespace] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for ns := range seen {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}
