package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tasker-systems/tasker/pkg/auth"
	"github.com/tasker-systems/tasker/pkg/events"
)

// EventsRoutes exposes the runtime-discoverable event catalog.
type EventsRoutes struct {
	catalog    *events.Catalog
	authorizer auth.Authorizer
}

// EventsRouter creates the /events subrouter.
func EventsRouter(catalog *events.Catalog, authorizer auth.Authorizer) http.Handler {
	routes := EventsRoutes{catalog: catalog, authorizer: authorizer}
	r := chi.NewRouter()
	r.Get("/", auth.RequireAuthorization(authorizer, auth.ResourceSystem, auth.ActionIndex, routes.listEvents))
	return r
}

type eventCatalogResponse struct {
	Events []events.EventInfo `json:"events"`
}

// listEvents
//
//	@Summary	List the event catalog
//	@Description	Every system and handler-declared event with its payload schema
//	@Tags		events
//	@Produce	json
//	@Success	200	{object}	eventCatalogResponse
//	@Router		/api/v1/events [get]
func (s *EventsRoutes) listEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, eventCatalogResponse{Events: s.catalog.List()})
}
