package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// DefaultRetryLimit is the retry budget applied when a step template
	// does not override it.
	DefaultRetryLimit = 3

	// maxTemplateSteps bounds template size to prevent resource exhaustion
	// from pathologically large workflows.
	maxTemplateSteps = 100
)

// NamedTask is the template a task is instantiated from: a context schema
// plus an ordered list of step templates forming a DAG.
type NamedTask struct {
	Ref         TemplateRef `json:"ref"`
	Description string      `json:"description,omitempty"`

	// ContextSchema is a JSON Schema document validating task context at
	// creation. Nil accepts any context.
	ContextSchema json.RawMessage `json:"context_schema,omitempty"`

	Steps []NamedStep `json:"steps"`

	// CustomEvents are handler-declared events registered into the catalog.
	CustomEvents []CustomEvent `json:"custom_events,omitempty"`
}

// NamedStep is the template for one workflow step.
type NamedStep struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// DependsOn lists parent step names that must settle before this step
	// may execute.
	DependsOn []string `json:"depends_on,omitempty"`

	// EdgeNames optionally labels the edge from a parent, keyed by parent
	// step name. Used only by diagram rendering.
	EdgeNames map[string]string `json:"edge_names,omitempty"`

	Retryable  bool `json:"retryable"`
	RetryLimit int  `json:"retry_limit"`

	// Timeout bounds one attempt of this step. Zero uses the coordinator
	// default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Inputs are static defaults merged into the step's inputs at creation.
	Inputs json.RawMessage `json:"inputs,omitempty"`
}

// CustomEvent declares a handler-published event for the catalog.
type CustomEvent struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// NewNamedStep returns a step template with default retry settings.
func NewNamedStep(name string, dependsOn ...string) NamedStep {
	return NamedStep{
		Name:       name,
		DependsOn:  dependsOn,
		Retryable:  true,
		RetryLimit: DefaultRetryLimit,
	}
}

// Validate checks the template for structural errors: empty or duplicate
// step names, dangling dependencies, oversized templates, and cycles.
func (t *NamedTask) Validate() error {
	if t.Ref.Name == "" {
		return fmt.Errorf("named task requires a name")
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("named task %s has no steps", t.Ref)
	}
	if len(t.Steps) > maxTemplateSteps {
		return fmt.Errorf("named task %s exceeds %d steps", t.Ref, maxTemplateSteps)
	}

	seen := make(map[string]struct{}, len(t.Steps))
	for _, s := range t.Steps {
		if s.Name == "" {
			return fmt.Errorf("named task %s contains a step without a name", t.Ref)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("named task %s has duplicate step %q", t.Ref, s.Name)
		}
		seen[s.Name] = struct{}{}
	}

	deps := make(map[string][]string, len(t.Steps))
	for _, s := range t.Steps {
		for _, parent := range s.DependsOn {
			if _, ok := seen[parent]; !ok {
				return fmt.Errorf("step %q depends on unknown step %q", s.Name, parent)
			}
			if parent == s.Name {
				return fmt.Errorf("step %q depends on itself", s.Name)
			}
		}
		deps[s.Name] = s.DependsOn
	}

	if _, err := TopologicalOrder(deps); err != nil {
		return fmt.Errorf("named task %s: %w", t.Ref, err)
	}
	return nil
}

// Step returns the named step template, if present.
func (t *NamedTask) Step(name string) (NamedStep, bool) {
	for _, s := range t.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return NamedStep{}, false
}
