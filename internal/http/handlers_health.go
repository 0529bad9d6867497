package httpx

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/clipforge/taskd/internal/core"
)

// HealthHandlers reports process liveness and dependency reachability.
type HealthHandlers struct {
	DB    *sql.DB
	Cache core.CacheRepository
}

// Healthz answers liveness probes. The database is load-bearing, so an
// unreachable database fails the check; the cache is best-effort and only
// degrades the report.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok"}
	code := http.StatusOK

	if h.DB != nil {
		if err := h.DB.PingContext(ctx); err != nil {
			status["status"] = "unavailable"
			status["database"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if h.Cache != nil && code == http.StatusOK {
		if err := h.Cache.Health(ctx); err != nil {
			status["status"] = "degraded"
			status["cache"] = err.Error()
		}
	}

	WriteJSON(w, code, status)
}
