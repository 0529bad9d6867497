package httpx

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/clipforge/taskd/internal/core"
	"github.com/clipforge/taskd/internal/observability/metrics"
	"github.com/clipforge/taskd/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Jobs        *service.JobService        // Required
	Assignments *service.AssignmentService // Required
	Auth        *service.AuthService       // Required
	Metrics     *metrics.Collector         // Optional: enables /metrics
	DB          *sql.DB                    // Optional: health check dependency
	Cache       core.CacheRepository       // Optional: health check dependency
	Logger      *slog.Logger               // Optional
}

// NewRouter creates and configures the HTTP router. All /api routes require
// worker API-key authentication; /healthz and /metrics are unauthenticated.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	jobHandlers := &JobHandlers{Jobs: services.Jobs, Assignments: services.Assignments}
	healthHandlers := &HealthHandlers{DB: services.DB, Cache: services.Cache}

	authed := func(handler http.HandlerFunc) http.Handler {
		return RequireAPIKey(services.Auth, services.Logger, handler)
	}

	mux.Handle("POST /api/jobs", authed(jobHandlers.CreateJob))
	mux.Handle("GET /api/jobs/stats", authed(jobHandlers.GetStats))
	mux.Handle("GET /api/jobs/{id}", authed(jobHandlers.GetJob))
	mux.Handle("POST /api/jobs/fetch", authed(jobHandlers.FetchJobs))

	mux.Handle("GET /healthz", http.HandlerFunc(healthHandlers.Healthz))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandlers.Healthz))
	mux.Handle("GET /metrics", services.Metrics.Handler())

	return mux
}
