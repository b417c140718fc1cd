package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasker-systems/tasker/pkg/api"
	"github.com/tasker-systems/tasker/pkg/config"
	"github.com/tasker-systems/tasker/pkg/coordinator"
	"github.com/tasker-systems/tasker/pkg/events"
	"github.com/tasker-systems/tasker/pkg/handler"
	"github.com/tasker-systems/tasker/pkg/storage/memory"
	"github.com/tasker-systems/tasker/pkg/telemetry"
	"github.com/tasker-systems/tasker/pkg/workflow"
)

type testServer struct {
	router http.Handler
	store  *memory.Store
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
	}

	store := memory.New()
	catalog := events.NewCatalog()
	bus := events.NewBus(catalog)
	registry := handler.NewRegistry(catalog)
	reenq := coordinator.NewQueueReenqueuer(store)
	coord := coordinator.New(store, registry, bus, reenq)
	init := coordinator.NewInitializer(store, registry, reenq, bus)

	template := workflow.NamedTask{
		Ref:         workflow.TemplateRef{Namespace: "orders", Name: "fulfillment", Version: "1.0.0"},
		Description: "order fulfillment",
		Steps: []workflow.NamedStep{
			workflow.NewNamedStep("reserve"),
			workflow.NewNamedStep("charge", "reserve"),
		},
	}
	ok := handler.HandlerFunc(func(_ context.Context, _ *workflow.Task, _ *handler.Sequence, _ *workflow.WorkflowStep) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	require.NoError(t, registry.Register(template, map[string]handler.Handler{
		"reserve": ok, "charge": ok,
	}))

	promReg := prometheus.NewRegistry()
	telemetry.NewMetrics(promReg)

	router, err := api.Router(cfg, api.Deps{
		Store:       store,
		Pinger:      store,
		Coordinator: coord,
		Initializer: init,
		Registry:    registry,
		Catalog:     catalog,
		Gatherer:    promReg,
		Version:     "test",
		JWTSecret:   []byte("test-secret"),
	})
	require.NoError(t, err)

	return &testServer{router: router, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func (s *testServer) createTask(t *testing.T) string {
	t.Helper()
	var resp struct {
		TaskID string `json:"task_id"`
		State  string `json:"state"`
	}
	rec := s.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"namespace": "orders", "name": "fulfillment", "version": "1.0.0",
		"context": map[string]any{"order_id": 1},
	}, &resp)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotEmpty(t, resp.TaskID)
	assert.Equal(t, "pending", resp.State)
	return resp.TaskID
}

func TestCreateTask(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	s.createTask(t)

	// Unknown template.
	rec := s.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"name": "nope", "context": map[string]any{},
	}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Malformed body.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader([]byte("{not json")))
	rec2 := httptest.NewRecorder()
	s.router.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestListAndGetTask(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	taskID := s.createTask(t)

	var list struct {
		Tasks []struct {
			TaskID string `json:"task_id"`
			State  string `json:"state"`
		} `json:"tasks"`
	}
	rec := s.do(t, http.MethodGet, "/api/v1/tasks?namespace=orders", nil, &list)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, taskID, list.Tasks[0].TaskID)

	// Filtered out by state.
	rec = s.do(t, http.MethodGet, "/api/v1/tasks?state=complete", nil, &list)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, list.Tasks)

	var detail struct {
		TaskID string `json:"task_id"`
		State  string `json:"state"`
		Steps  []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"workflow_steps"`
		Edges []any `json:"edges"`
	}
	rec = s.do(t, http.MethodGet, "/api/v1/tasks/"+taskID+"?include=graph", nil, &detail)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", detail.State)
	require.Len(t, detail.Steps, 2)
	assert.Len(t, detail.Edges, 1)

	rec = s.do(t, http.MethodGet, "/api/v1/tasks/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/tasks/00000000-0000-0000-0000-000000000000", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTask(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	taskID := s.createTask(t)

	var resp struct {
		State string `json:"state"`
	}
	rec := s.do(t, http.MethodDelete, "/api/v1/tasks/"+taskID, nil, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", resp.State)

	// Cancelling a cancelled task conflicts.
	rec = s.do(t, http.MethodDelete, "/api/v1/tasks/"+taskID, nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPatchTask(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	taskID := s.createTask(t)

	// Only cancellation is accepted.
	rec := s.do(t, http.MethodPatch, "/api/v1/tasks/"+taskID, map[string]any{"state": "complete"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPatch, "/api/v1/tasks/"+taskID, map[string]any{"state": "cancelled"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResolveStepManually(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	taskID := s.createTask(t)

	var steps []struct {
		StepID string `json:"workflow_step_id"`
		Name   string `json:"name"`
	}
	rec := s.do(t, http.MethodGet, "/api/v1/tasks/"+taskID+"/workflow_steps", nil, &steps)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, steps, 2)

	var resolved struct {
		State   string          `json:"state"`
		Results json.RawMessage `json:"results"`
	}
	rec = s.do(t, http.MethodPatch,
		fmt.Sprintf("/api/v1/tasks/%s/workflow_steps/%s", taskID, steps[0].StepID),
		map[string]any{"state": "resolved_manually", "results": map[string]any{"fixed": true}},
		&resolved)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "resolved_manually", resolved.State)
	assert.JSONEq(t, `{"fixed":true}`, string(resolved.Results))

	// A well-formed body asking for any other state is unprocessable,
	// while a malformed body stays a bad request.
	rec = s.do(t, http.MethodPatch,
		fmt.Sprintf("/api/v1/tasks/%s/workflow_steps/%s", taskID, steps[1].StepID),
		map[string]any{"state": "complete"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDiagram(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	taskID := s.createTask(t)

	var d struct {
		Title string `json:"title"`
		Nodes []any  `json:"nodes"`
		Edges []any  `json:"edges"`
	}
	rec := s.do(t, http.MethodGet, "/api/v1/tasks/"+taskID+"/diagram", nil, &d)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "orders/fulfillment@1.0.0", d.Title)
	assert.Len(t, d.Nodes, 2)
	assert.Len(t, d.Edges, 1)

	rec = s.do(t, http.MethodGet, "/api/v1/tasks/"+taskID+"/diagram?format=mermaid", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "flowchart TD")
	assert.Contains(t, rec.Body.String(), "-->")
}

func TestHandlersBrowse(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	var ns struct {
		Namespaces []string `json:"namespaces"`
	}
	rec := s.do(t, http.MethodGet, "/api/v1/handlers", nil, &ns)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"orders"}, ns.Namespaces)

	var regs []struct {
		Ref   workflow.TemplateRef `json:"ref"`
		Steps []any                `json:"steps"`
	}
	rec = s.do(t, http.MethodGet, "/api/v1/handlers/orders", nil, &regs)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, regs, 1)
	assert.Equal(t, "fulfillment", regs[0].Ref.Name)
	assert.Len(t, regs[0].Steps, 2)

	rec = s.do(t, http.MethodGet, "/api/v1/handlers/orders/fulfillment?version=1.0.0", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/handlers/orders/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventCatalogEndpoint(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	var resp struct {
		Events []struct {
			Name string `json:"name"`
		} `json:"events"`
	}
	rec := s.do(t, http.MethodGet, "/api/v1/events", nil, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, resp.Events)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	var status struct {
		Version string `json:"version"`
		Storage string `json:"storage"`
	}
	rec = s.do(t, http.MethodGet, "/health/status", nil, &status)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, "ok", status.Storage)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tasker_")
}

func TestAuthenticationGatesAPI(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, func(c *config.Config) {
		c.Auth.AuthenticationEnabled = true
	})

	// API without a token is rejected.
	rec := s.do(t, http.MethodGet, "/api/v1/tasks", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Probes stay open.
	rec = s.do(t, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// A valid token passes.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"iss": "tasker",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec2 := httptest.NewRecorder()
	s.router.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusOK, rec2.Code)
}
