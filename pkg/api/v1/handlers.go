package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tasker-systems/tasker/pkg/auth"
	"github.com/tasker-systems/tasker/pkg/handler"
	"github.com/tasker-systems/tasker/pkg/workflow"
)

// HandlersRoutes exposes the handler registry for browsing.
type HandlersRoutes struct {
	registry   *handler.Registry
	authorizer auth.Authorizer
}

// HandlersRouter creates the /handlers subrouter.
func HandlersRouter(registry *handler.Registry, authorizer auth.Authorizer) http.Handler {
	routes := HandlersRoutes{registry: registry, authorizer: authorizer}

	authz := func(h http.HandlerFunc) http.HandlerFunc {
		return auth.RequireAuthorization(authorizer, auth.ResourceHandler, auth.ActionIndex, h)
	}

	r := chi.NewRouter()
	r.Get("/", authz(routes.listNamespaces))
	r.Get("/{namespace}", authz(routes.listHandlers))
	r.Get("/{namespace}/{name}", authz(routes.getHandler))
	return r
}

type namespacesResponse struct {
	Namespaces []string `json:"namespaces"`
}

// registrationResponse describes one registered template and its steps.
type registrationResponse struct {
	Ref         workflow.TemplateRef `json:"ref"`
	Description string               `json:"description,omitempty"`
	Steps       []stepSummary        `json:"steps"`
}

type stepSummary struct {
	Name       string   `json:"name"`
	DependsOn  []string `json:"depends_on,omitempty"`
	Retryable  bool     `json:"retryable"`
	RetryLimit int      `json:"retry_limit"`
}

func toRegistrationResponse(tmpl workflow.NamedTask) registrationResponse {
	out := registrationResponse{
		Ref:         tmpl.Ref,
		Description: tmpl.Description,
		Steps:       make([]stepSummary, 0, len(tmpl.Steps)),
	}
	for _, s := range tmpl.Steps {
		out.Steps = append(out.Steps, stepSummary{
			Name:       s.Name,
			DependsOn:  s.DependsOn,
			Retryable:  s.Retryable,
			RetryLimit: s.RetryLimit,
		})
	}
	return out
}

// listNamespaces
//
//	@Summary	List handler namespaces
//	@Tags		handlers
//	@Produce	json
//	@Success	200	{object}	namespacesResponse
//	@Router		/api/v1/handlers [get]
func (s *HandlersRoutes) listNamespaces(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, namespacesResponse{Namespaces: s.registry.Namespaces()})
}

// listHandlers
//
//	@Summary	List registered templates in a namespace
//	@Tags		handlers
//	@Produce	json
//	@Param		namespace	path		string	true	"Namespace"
//	@Success	200			{array}		registrationResponse
//	@Router		/api/v1/handlers/{namespace} [get]
func (s *HandlersRoutes) listHandlers(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	regs := s.registry.List(namespace)

	out := make([]registrationResponse, 0, len(regs))
	for _, reg := range regs {
		out = append(out, toRegistrationResponse(reg))
	}
	writeJSON(w, http.StatusOK, out)
}

// getHandler
//
//	@Summary	Get one registered template
//	@Tags		handlers
//	@Produce	json
//	@Param		namespace	path		string	true	"Namespace"
//	@Param		name		path		string	true	"Template name"
//	@Param		version		query		string	false	"Template version, defaults to 0.1.0"
//	@Success	200			{object}	registrationResponse
//	@Failure	404			{object}	errorResponse
//	@Router		/api/v1/handlers/{namespace}/{name} [get]
func (s *HandlersRoutes) getHandler(w http.ResponseWriter, r *http.Request) {
	ref := workflow.TemplateRef{
		Namespace: chi.URLParam(r, "namespace"),
		Name:      chi.URLParam(r, "name"),
		Version:   r.URL.Query().Get("version"),
	}
	if ref.Version == "" {
		ref.Version = workflow.DefaultVersion
	}

	reg, err := s.registry.Resolve(ref)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRegistrationResponse(reg.Template))
}
