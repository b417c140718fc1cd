// Package api contains the REST API for tasker.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "github.com/tasker-systems/tasker/pkg/api/v1"
	"github.com/tasker-systems/tasker/pkg/auth"
	"github.com/tasker-systems/tasker/pkg/config"
	"github.com/tasker-systems/tasker/pkg/coordinator"
	"github.com/tasker-systems/tasker/pkg/events"
	"github.com/tasker-systems/tasker/pkg/handler"
	"github.com/tasker-systems/tasker/pkg/logger"
	"github.com/tasker-systems/tasker/pkg/storage"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Deps are the engine components the API serves.
type Deps struct {
	Store       storage.Store
	Pinger      v1.Pinger
	Coordinator *coordinator.Coordinator
	Initializer *coordinator.Initializer
	Registry    *handler.Registry
	Catalog     *events.Catalog
	Authorizer  auth.Authorizer

	// Gatherer serves /metrics when telemetry is enabled.
	Gatherer prometheus.Gatherer

	// Version is reported by the status endpoint.
	Version string

	// JWTSecret signs API tokens when authentication is enabled.
	JWTSecret []byte
}

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// Router assembles the full HTTP surface: the versioned API, health probes,
// and optionally the Prometheus scrape endpoint. Health ready/live stay
// outside authentication.
func Router(cfg *config.Config, deps Deps) (http.Handler, error) {
	authMiddleware, err := auth.GetAuthenticationMiddleware(
		cfg.Auth.AuthenticationEnabled, deps.JWTSecret,
		cfg.Telemetry.ServiceName, "")
	if err != nil {
		return nil, err
	}

	authorizer := deps.Authorizer
	if authorizer == nil || !cfg.Auth.AuthorizationEnabled {
		authorizer = auth.PermitAll{}
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(middlewareTimeout),
		headersMiddleware,
	)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(authMiddleware)
		api.Mount("/tasks", v1.TasksRouter(deps.Store, deps.Coordinator, deps.Initializer, authorizer))
		api.Mount("/handlers", v1.HandlersRouter(deps.Registry, authorizer))
		api.Mount("/events", v1.EventsRouter(deps.Catalog, authorizer))
	})

	var statusMiddleware func(http.Handler) http.Handler
	if cfg.Health.StatusRequiresAuthentication {
		statusMiddleware = authMiddleware
	}
	r.Mount("/health", v1.HealthRouter(deps.Pinger, deps.Version, statusMiddleware))

	if cfg.Telemetry.MetricsEnabled && deps.Gatherer != nil {
		r.Method(http.MethodGet, cfg.Telemetry.PrometheusEndpoint,
			promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return r, nil
}

// Serve runs the API server until the context is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, cfg *config.Config, deps Deps) error {
	router, err := Router(cfg, deps)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.API.Address,
		Handler:           router,
		ReadTimeout:       cfg.API.ReadTimeout,
		WriteTimeout:      cfg.API.WriteTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("api server listening", "address", cfg.API.Address)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Infow("api server shutting down")
	return srv.Shutdown(shutdownCtx)
}
