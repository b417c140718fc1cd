package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasker-systems/tasker/pkg/errors"
	"github.com/tasker-systems/tasker/pkg/events"
	"github.com/tasker-systems/tasker/pkg/workflow"
)

func noopHandler() Handler {
	return HandlerFunc(func(context.Context, *workflow.Task, *Sequence, *workflow.WorkflowStep) (json.RawMessage, error) {
		return nil, nil
	})
}

func linearTemplate() workflow.NamedTask {
	fetch := workflow.NewNamedStep("fetch")
	process := workflow.NewNamedStep("process", "fetch")
	return workflow.NamedTask{
		Ref:   workflow.TemplateRef{Namespace: "orders", Name: "checkout", Version: "1.0.0"},
		Steps: []workflow.NamedStep{fetch, process},
	}
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(events.NewCatalog())
	template := linearTemplate()
	require.NoError(t, reg.Register(template, map[string]Handler{
		"fetch":   noopHandler(),
		"process": noopHandler(),
	}))

	got, err := reg.Resolve(template.Ref)
	require.NoError(t, err)
	assert.Equal(t, template.Ref, got.Template.Ref)

	_, ok := got.Handler("fetch")
	assert.True(t, ok)
	_, ok = got.Handler("missing")
	assert.False(t, ok)

	// Version is part of the key.
	other := template.Ref
	other.Version = "2.0.0"
	_, err = reg.Resolve(other)
	require.Error(t, err)
}

func TestRegistryRejectsIncompleteHandlers(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(events.NewCatalog())
	err := reg.Register(linearTemplate(), map[string]Handler{
		"fetch": noopHandler(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler for step process")

	err = reg.Register(linearTemplate(), map[string]Handler{
		"fetch":   noopHandler(),
		"process": noopHandler(),
		"extra":   noopHandler(),
	})
	require.Error(t, err)
}

func TestRegistryRegistersCustomEvents(t *testing.T) {
	t.Parallel()

	catalog := events.NewCatalog()
	reg := NewRegistry(catalog)
	template := linearTemplate()
	template.CustomEvents = []workflow.CustomEvent{
		{Name: "order.shipped", Description: "order left the warehouse"},
	}
	require.NoError(t, reg.Register(template, map[string]Handler{
		"fetch":   noopHandler(),
		"process": noopHandler(),
	}))

	info, ok := catalog.Lookup("order.shipped")
	require.True(t, ok)
	assert.True(t, info.Custom)

	// Reserved namespaces are rejected and the registration fails whole.
	bad := linearTemplate()
	bad.Ref.Version = "3.0.0"
	bad.CustomEvents = []workflow.CustomEvent{{Name: "task.shipped"}}
	err := reg.Register(bad, map[string]Handler{
		"fetch":   noopHandler(),
		"process": noopHandler(),
	})
	require.Error(t, err)
	_, resolveErr := reg.Resolve(bad.Ref)
	require.Error(t, resolveErr)
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(events.NewCatalog())
	handlers := map[string]Handler{"fetch": noopHandler(), "process": noopHandler()}

	a := linearTemplate()
	a.Ref = workflow.TemplateRef{Namespace: "billing", Name: "invoice", Version: "1.0.0"}
	b := linearTemplate()
	require.NoError(t, reg.Register(a, handlers))
	require.NoError(t, reg.Register(b, handlers))

	all := reg.List("")
	require.Len(t, all, 2)
	assert.Equal(t, "billing", all[0].Ref.Namespace)

	billing := reg.List("billing")
	require.Len(t, billing, 1)

	assert.Equal(t, []string{"billing", "orders"}, reg.Namespaces())
}

func TestSequenceAccess(t *testing.T) {
	t.Parallel()

	seq := NewSequence([]workflow.WorkflowStep{
		{Name: "fetch", Results: json.RawMessage(`{"cart":{"total":99.5,"items":3}}`)},
		{Name: "validate"},
	})

	doc, ok := seq.Results("fetch")
	require.True(t, ok)
	assert.JSONEq(t, `{"cart":{"total":99.5,"items":3}}`, string(doc))

	assert.Equal(t, 99.5, seq.Get("fetch", "cart.total").Float())
	assert.False(t, seq.Get("fetch", "cart.discount").Exists())
	assert.False(t, seq.Get("missing", "x").Exists())

	_, ok = seq.Results("validate")
	assert.True(t, ok)
	_, ok = seq.Results("missing")
	assert.False(t, ok)
}

func httpFixtures() (*workflow.Task, *Sequence, *workflow.WorkflowStep) {
	task := &workflow.Task{Context: json.RawMessage(`{"order_id":7}`)}
	seq := NewSequence([]workflow.WorkflowStep{
		{Name: "fetch", Results: json.RawMessage(`{"sku":"A-1"}`)},
	})
	step := &workflow.WorkflowStep{Name: "reserve", Attempts: 1}
	return task, seq, step
}

func TestHTTPHandlerSuccess(t *testing.T) {
	t.Parallel()

	var received httpStepRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reserved":true}`))
	}))
	defer srv.Close()

	h := NewHTTPHandler(HTTPConfig{URL: srv.URL}, nil)
	task, seq, step := httpFixtures()
	results, err := h.Process(context.Background(), task, seq, step)
	require.NoError(t, err)
	assert.JSONEq(t, `{"reserved":true}`, string(results))

	assert.Equal(t, "reserve", received.StepName)
	assert.Equal(t, 1, received.Attempt)
	assert.JSONEq(t, `{"order_id":7}`, string(received.TaskContext))
	assert.JSONEq(t, `{"sku":"A-1"}`, string(received.Previous["fetch"]))
}

func TestHTTPHandlerRetryAfter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h := NewHTTPHandler(HTTPConfig{URL: srv.URL}, nil)
	task, seq, step := httpFixtures()
	_, err := h.Process(context.Background(), task, seq, step)
	require.Error(t, err)

	re, ok := errors.AsRetryable(err)
	require.True(t, ok)
	require.NotNil(t, re.RetryAfter)
	assert.Equal(t, 7*time.Second, *re.RetryAfter)
}

func TestHTTPHandlerServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := NewHTTPHandler(HTTPConfig{URL: srv.URL}, nil)
	task, seq, step := httpFixtures()
	_, err := h.Process(context.Background(), task, seq, step)
	require.Error(t, err)

	re, ok := errors.AsRetryable(err)
	require.True(t, ok)
	assert.Nil(t, re.RetryAfter)
}

func TestHTTPHandlerClientError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"invalid sku"}`))
	}))
	defer srv.Close()

	h := NewHTTPHandler(HTTPConfig{URL: srv.URL}, nil)
	task, seq, step := httpFixtures()
	_, err := h.Process(context.Background(), task, seq, step)
	require.Error(t, err)

	pe, ok := errors.AsPermanent(err)
	require.True(t, ok)
	assert.Contains(t, pe.Message, "invalid sku")
}

func TestHTTPHandlerConnectionRefused(t *testing.T) {
	t.Parallel()

	h := NewHTTPHandler(HTTPConfig{URL: "http://127.0.0.1:1", Timeout: time.Second}, nil)
	task, seq, step := httpFixtures()
	_, err := h.Process(context.Background(), task, seq, step)
	require.Error(t, err)

	_, ok := errors.AsRetryable(err)
	assert.True(t, ok)
}
