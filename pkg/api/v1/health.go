package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger reports storage connectivity. The Postgres store implements it; the
// in-memory store's Ping always succeeds.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthRoutes serves the readiness, liveness, and status probes. Readiness
// and liveness never require authentication; status may, depending on
// configuration.
type HealthRoutes struct {
	pinger    Pinger
	version   string
	startedAt time.Time
}

// HealthRouter creates the /health subrouter. statusMiddleware guards only
// the status endpoint; pass nil to leave it open.
func HealthRouter(pinger Pinger, version string, statusMiddleware func(http.Handler) http.Handler) http.Handler {
	routes := HealthRoutes{pinger: pinger, version: version, startedAt: time.Now()}

	r := chi.NewRouter()
	r.Get("/live", routes.getLive)
	r.Get("/ready", routes.getReady)

	status := http.Handler(http.HandlerFunc(routes.getStatus))
	if statusMiddleware != nil {
		status = statusMiddleware(status)
	}
	r.Method(http.MethodGet, "/status", status)
	return r
}

// getLive
//
//	@Summary	Liveness probe
//	@Tags		system
//	@Success	204	{string}	string	"No Content"
//	@Router		/health/live [get]
func (*HealthRoutes) getLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// getReady
//
//	@Summary	Readiness probe
//	@Description	Ready when the storage backend answers a ping
//	@Tags		system
//	@Success	204	{string}	string	"No Content"
//	@Failure	503	{string}	string	"Service Unavailable"
//	@Router		/health/ready [get]
func (s *HealthRoutes) getReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.pinger.Ping(ctx); err != nil {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Storage string `json:"storage"`
}

// getStatus
//
//	@Summary	Detailed status
//	@Tags		system
//	@Produce	json
//	@Success	200	{object}	statusResponse
//	@Router		/health/status [get]
func (s *HealthRoutes) getStatus(w http.ResponseWriter, r *http.Request) {
	storageState := "ok"
	if err := s.pinger.Ping(r.Context()); err != nil {
		storageState = "unavailable"
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Version: s.version,
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
		Storage: storageState,
	})
}
