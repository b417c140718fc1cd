package v1

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tasker-systems/tasker/pkg/auth"
	"github.com/tasker-systems/tasker/pkg/coordinator"
	"github.com/tasker-systems/tasker/pkg/diagram"
	taskererr "github.com/tasker-systems/tasker/pkg/errors"
	"github.com/tasker-systems/tasker/pkg/storage"
	"github.com/tasker-systems/tasker/pkg/workflow"
)

// TasksRoutes serves the task resource: creation, inspection, cancellation,
// step browsing, and diagram rendering.
type TasksRoutes struct {
	store       storage.Store
	coordinator *coordinator.Coordinator
	initializer *coordinator.Initializer
	authorizer  auth.Authorizer
}

// TasksRouter creates the /tasks subrouter.
func TasksRouter(store storage.Store, coord *coordinator.Coordinator, init *coordinator.Initializer, authorizer auth.Authorizer) http.Handler {
	routes := TasksRoutes{
		store:       store,
		coordinator: coord,
		initializer: init,
		authorizer:  authorizer,
	}

	authz := func(action string, h http.HandlerFunc) http.HandlerFunc {
		return auth.RequireAuthorization(authorizer, auth.ResourceTask, action, h)
	}
	stepAuthz := func(action string, h http.HandlerFunc) http.HandlerFunc {
		return auth.RequireAuthorization(authorizer, auth.ResourceStep, action, h)
	}

	r := chi.NewRouter()
	r.Post("/", authz(auth.ActionCreate, routes.createTask))
	r.Get("/", authz(auth.ActionIndex, routes.listTasks))
	r.Get("/{taskID}", authz(auth.ActionShow, routes.getTask))
	r.Patch("/{taskID}", authz(auth.ActionUpdate, routes.patchTask))
	r.Delete("/{taskID}", authz(auth.ActionDelete, routes.cancelTask))
	r.Get("/{taskID}/diagram", authz(auth.ActionShow, routes.getDiagram))
	r.Get("/{taskID}/workflow_steps", stepAuthz(auth.ActionIndex, routes.listSteps))
	r.Get("/{taskID}/workflow_steps/{stepID}", stepAuthz(auth.ActionShow, routes.getStep))
	r.Patch("/{taskID}/workflow_steps/{stepID}", stepAuthz(auth.ActionUpdate, routes.patchStep))
	return r
}

// taskResponse decorates a task with its derived current state.
type taskResponse struct {
	workflow.Task
	State workflow.TaskState `json:"state"`

	// Steps and Edges are present only when the graph was requested.
	Steps []stepResponse       `json:"workflow_steps,omitempty"`
	Edges []workflow.StepEdge  `json:"edges,omitempty"`
}

type stepResponse struct {
	workflow.WorkflowStep
	State workflow.StepState `json:"state"`
}

type taskListResponse struct {
	Tasks []taskResponse `json:"tasks"`
}

type createTaskResponse struct {
	TaskID string             `json:"task_id"`
	State  workflow.TaskState `json:"state"`

	// Created is false when the request deduplicated to an existing task.
	Created bool `json:"created"`
}

// createTask
//
//	@Summary		Create and enqueue a task
//	@Description	Validate the request against the named task's schema, create the task, and schedule its first pass
//	@Tags			tasks
//	@Accept			json
//	@Produce		json
//	@Param			task	body		workflow.TaskRequest	true	"Task request"
//	@Success		201		{object}	createTaskResponse
//	@Failure		400		{object}	errorResponse
//	@Failure		404		{object}	errorResponse
//	@Router			/api/v1/tasks [post]
func (s *TasksRoutes) createTask(w http.ResponseWriter, r *http.Request) {
	var req workflow.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, taskererr.NewValidationError("decoding task request", err))
		return
	}

	task, created, err := s.initializer.Initialize(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	state, err := s.store.TaskState(r.Context(), task.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, createTaskResponse{TaskID: task.ID.String(), State: state, Created: created})
}

// listTasks
//
//	@Summary		List tasks
//	@Description	List tasks filtered by namespace, name, and state, newest first
//	@Tags			tasks
//	@Produce		json
//	@Param			namespace	query		string	false	"Template namespace"
//	@Param			name		query		string	false	"Template name"
//	@Param			state		query		string	false	"Current task state"
//	@Param			limit		query		int		false	"Page size"
//	@Param			offset		query		int		false	"Page offset"
//	@Success		200			{object}	taskListResponse
//	@Router			/api/v1/tasks [get]
func (s *TasksRoutes) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.TaskFilter{
		Namespace: q.Get("namespace"),
		Name:      q.Get("name"),
	}
	if state := q.Get("state"); state != "" {
		filter.States = []workflow.TaskState{workflow.TaskState(state)}
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil && offset > 0 {
		filter.Offset = offset
	}

	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	out := taskListResponse{Tasks: make([]taskResponse, 0, len(tasks))}
	for i := range tasks {
		state, err := s.store.TaskState(r.Context(), tasks[i].ID)
		if err != nil {
			writeError(w, err)
			return
		}
		out.Tasks = append(out.Tasks, taskResponse{Task: tasks[i], State: state})
	}
	writeJSON(w, http.StatusOK, out)
}

// getTask
//
//	@Summary		Get task details
//	@Description	Get one task; include=graph adds its steps and dependency edges
//	@Tags			tasks
//	@Produce		json
//	@Param			taskID	path		string	true	"Task ID"
//	@Param			include	query		string	false	"Set to graph to embed steps and edges"
//	@Success		200		{object}	taskResponse
//	@Failure		404		{object}	errorResponse
//	@Router			/api/v1/tasks/{taskID} [get]
func (s *TasksRoutes) getTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathUUID(w, r, "taskID")
	if !ok {
		return
	}

	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	state, err := s.store.TaskState(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}

	out := taskResponse{Task: *task, State: state}
	if r.URL.Query().Get("include") == "graph" {
		steps, edges, err := s.taskGraph(r, taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		out.Steps = steps
		out.Edges = edges
	}
	writeJSON(w, http.StatusOK, out)
}

type patchTaskRequest struct {
	State workflow.TaskState `json:"state"`
}

// patchTask
//
//	@Summary		Cancel a task
//	@Description	Cancellation is the only state mutation PATCH accepts
//	@Tags			tasks
//	@Accept			json
//	@Produce		json
//	@Param			taskID	path		string				true	"Task ID"
//	@Param			patch	body		patchTaskRequest	true	"Requested state"
//	@Success		200		{object}	taskResponse
//	@Failure		400		{object}	errorResponse
//	@Failure		409		{object}	errorResponse
//	@Router			/api/v1/tasks/{taskID} [patch]
func (s *TasksRoutes) patchTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathUUID(w, r, "taskID")
	if !ok {
		return
	}

	var req patchTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, taskererr.NewValidationError("decoding patch request", err))
		return
	}
	if req.State != workflow.TaskStateCancelled {
		writeError(w, taskererr.NewValidationError("only state=cancelled may be requested", nil))
		return
	}
	s.doCancel(w, r, taskID)
}

// cancelTask
//
//	@Summary		Cancel a task
//	@Tags			tasks
//	@Produce		json
//	@Param			taskID	path		string	true	"Task ID"
//	@Success		200		{object}	taskResponse
//	@Failure		404		{object}	errorResponse
//	@Failure		409		{object}	errorResponse
//	@Router			/api/v1/tasks/{taskID} [delete]
func (s *TasksRoutes) cancelTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathUUID(w, r, "taskID")
	if !ok {
		return
	}
	s.doCancel(w, r, taskID)
}

func (s *TasksRoutes) doCancel(w http.ResponseWriter, r *http.Request, taskID uuid.UUID) {
	if err := s.coordinator.CancelTask(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: *task, State: workflow.TaskStateCancelled})
}

// getDiagram
//
//	@Summary		Render the task's step DAG
//	@Description	Returns the graph document, or Mermaid flowchart text with format=mermaid
//	@Tags			tasks
//	@Produce		json
//	@Param			taskID	path		string	true	"Task ID"
//	@Param			format	query		string	false	"json (default) or mermaid"
//	@Success		200		{object}	diagram.Diagram
//	@Failure		404		{object}	errorResponse
//	@Router			/api/v1/tasks/{taskID}/diagram [get]
func (s *TasksRoutes) getDiagram(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathUUID(w, r, "taskID")
	if !ok {
		return
	}

	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	steps, err := s.store.ListSteps(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	edges, err := s.store.ListEdges(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}

	states := make(map[string]workflow.StepState, len(steps))
	for _, step := range steps {
		state, err := s.store.StepState(r.Context(), step.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		states[step.ID.String()] = state
	}

	d := diagram.FromTask(task, steps, edges, states)
	if r.URL.Query().Get("format") == "mermaid" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(d.Mermaid()))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// listSteps
//
//	@Summary		List a task's workflow steps
//	@Tags			workflow_steps
//	@Produce		json
//	@Param			taskID	path		string	true	"Task ID"
//	@Success		200		{array}		stepResponse
//	@Failure		404		{object}	errorResponse
//	@Router			/api/v1/tasks/{taskID}/workflow_steps [get]
func (s *TasksRoutes) listSteps(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathUUID(w, r, "taskID")
	if !ok {
		return
	}
	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}

	steps, _, err := s.taskGraph(r, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

// getStep
//
//	@Summary		Get one workflow step
//	@Tags			workflow_steps
//	@Produce		json
//	@Param			taskID	path		string	true	"Task ID"
//	@Param			stepID	path		string	true	"Step ID"
//	@Success		200		{object}	stepResponse
//	@Failure		404		{object}	errorResponse
//	@Router			/api/v1/tasks/{taskID}/workflow_steps/{stepID} [get]
func (s *TasksRoutes) getStep(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathUUID(w, r, "taskID")
	if !ok {
		return
	}
	stepID, ok := pathUUID(w, r, "stepID")
	if !ok {
		return
	}

	step, err := s.store.GetStep(r.Context(), stepID)
	if err != nil {
		writeError(w, err)
		return
	}
	if step.TaskID != taskID {
		writeError(w, taskererr.NewNotFoundError("step not found in task", nil))
		return
	}
	state, err := s.store.StepState(r.Context(), stepID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stepResponse{WorkflowStep: *step, State: state})
}

type patchStepRequest struct {
	State   workflow.StepState `json:"state"`
	Results json.RawMessage    `json:"results,omitempty"`
}

// patchStep
//
//	@Summary		Manually resolve a workflow step
//	@Description	Moves a stuck step to resolved_manually so its dependents become eligible
//	@Tags			workflow_steps
//	@Accept			json
//	@Produce		json
//	@Param			taskID	path		string				true	"Task ID"
//	@Param			stepID	path		string				true	"Step ID"
//	@Param			patch	body		patchStepRequest	true	"Requested state"
//	@Success		200		{object}	stepResponse
//	@Failure		400		{object}	errorResponse
//	@Failure		409		{object}	errorResponse
//	@Failure		422		{object}	errorResponse
//	@Router			/api/v1/tasks/{taskID}/workflow_steps/{stepID} [patch]
func (s *TasksRoutes) patchStep(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathUUID(w, r, "taskID")
	if !ok {
		return
	}
	stepID, ok := pathUUID(w, r, "stepID")
	if !ok {
		return
	}

	var req patchStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, taskererr.NewValidationError("decoding patch request", err))
		return
	}
	// The body parsed but asks for a state transition the API does not
	// perform: unprocessable, as opposed to malformed.
	if req.State != workflow.StepStateResolvedManually {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error: "only state=resolved_manually may be requested",
			Type:  taskererr.ErrValidation,
		})
		return
	}

	resolved, err := s.coordinator.ResolveStepManually(r.Context(), taskID, stepID, req.Results)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stepResponse{WorkflowStep: *resolved, State: workflow.StepStateResolvedManually})
}

// taskGraph loads a task's steps with their states, plus its edges.
func (s *TasksRoutes) taskGraph(r *http.Request, taskID uuid.UUID) ([]stepResponse, []workflow.StepEdge, error) {
	steps, err := s.store.ListSteps(r.Context(), taskID)
	if err != nil {
		return nil, nil, err
	}
	edges, err := s.store.ListEdges(r.Context(), taskID)
	if err != nil {
		return nil, nil, err
	}

	out := make([]stepResponse, 0, len(steps))
	for i := range steps {
		state, err := s.store.StepState(r.Context(), steps[i].ID)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, stepResponse{WorkflowStep: steps[i], State: state})
	}
	return out, edges, nil
}

// pathUUID parses a UUID path parameter, writing a validation error on
// failure.
func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, taskererr.NewValidationError("invalid "+param, err))
		return uuid.Nil, false
	}
	return id, true
}
