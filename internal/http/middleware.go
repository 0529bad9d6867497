package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/clipforge/taskd/internal/domain/model"
	"github.com/clipforge/taskd/internal/service"
)

type contextKey string

const workerContextKey contextKey = "worker"

// WorkerFromContext returns the authenticated worker stored by RequireAPIKey.
func WorkerFromContext(ctx context.Context) (*model.Worker, bool) {
	worker, ok := ctx.Value(workerContextKey).(*model.Worker)
	return worker, ok
}

// ContextWithWorker stores a worker on the context. Exposed for handler tests.
func ContextWithWorker(ctx context.Context, worker *model.Worker) context.Context {
	return context.WithValue(ctx, workerContextKey, worker)
}

// RequireAPIKey authenticates the request's API key and stores the resolved
// worker on the context. The key comes from "Authorization: Bearer <key>" or
// the X-API-Key header.
func RequireAPIKey(auth *service.AuthService, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		worker, err := auth.Authenticate(r.Context(), extractAPIKey(r))
		if err != nil {
			if errors.Is(err, service.ErrInvalidAPIKey) {
				WriteError(w, ErrorParams{Code: http.StatusUnauthorized, ErrCode: "unauthorized", Err: err})
				return
			}
			if logger != nil {
				logger.ErrorContext(r.Context(), "api key auth failed", "error", err)
			}
			WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "auth_failed", Err: errors.New("authentication unavailable")})
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithWorker(r.Context(), worker)))
	})
}

func extractAPIKey(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if key, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(key)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}
