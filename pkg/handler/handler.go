// Package handler defines the step handler contract and the registry that
// resolves named task templates to their handlers.
//
// A handler receives the immutable task context, the results of every
// prior step, and its own step row, and returns the step's results.
// Failure semantics ride on the returned error type: errors.RetryableError
// consumes one attempt and schedules a retry, errors.PermanentError
// exhausts the retry budget, and anything else is treated as retryable.
package handler

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/tasker-systems/tasker/pkg/workflow"
)

// Handler processes one step attempt.
type Handler interface {
	// Process executes the step's work. The returned document is persisted
	// as the step's results and becomes visible to dependent steps through
	// the sequence.
	Process(ctx context.Context, task *workflow.Task, sequence *Sequence, step *workflow.WorkflowStep) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *workflow.Task, sequence *Sequence, step *workflow.WorkflowStep) (json.RawMessage, error)

// Process implements Handler.
func (f HandlerFunc) Process(ctx context.Context, task *workflow.Task, sequence *Sequence, step *workflow.WorkflowStep) (json.RawMessage, error) {
	return f(ctx, task, sequence, step)
}

// ResultsProcessor is an optional interface a Handler may implement to
// transform the raw Process output before persistence, e.g. stripping
// transport envelopes down to the domain payload.
type ResultsProcessor interface {
	ProcessResults(ctx context.Context, step *workflow.WorkflowStep, raw json.RawMessage) (json.RawMessage, error)
}

// Sequence exposes the results of steps that settled before the current
// one. Lookups are by step name within the task.
type Sequence struct {
	results map[string]json.RawMessage
}

// NewSequence builds a sequence from settled steps. Steps without results
// are present with a nil document.
func NewSequence(steps []workflow.WorkflowStep) *Sequence {
	results := make(map[string]json.RawMessage, len(steps))
	for _, st := range steps {
		results[st.Name] = st.Results
	}
	return &Sequence{results: results}
}

// Results returns the named step's result document.
func (s *Sequence) Results(stepName string) (json.RawMessage, bool) {
	doc, ok := s.results[stepName]
	return doc, ok
}

// Get extracts a field from the named step's results using gjson path
// syntax, e.g. Get("fetch_cart", "cart.total").
func (s *Sequence) Get(stepName, path string) gjson.Result {
	doc, ok := s.results[stepName]
	if !ok {
		return gjson.Result{}
	}
	return gjson.GetBytes(doc, path)
}

// Names lists the step names visible in the sequence.
func (s *Sequence) Names() []string {
	names := make([]string, 0, len(s.results))
	for name := range s.results {
		names = append(names, name)
	}
	return names
}
