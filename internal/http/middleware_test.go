package httpx

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/clipforge/taskd/internal/data"
	"github.com/clipforge/taskd/internal/domain/model"
	"github.com/clipforge/taskd/internal/mocks"
	"github.com/clipforge/taskd/internal/service"
)

func newAuthMiddlewareForTest(t *testing.T) (*service.AuthService, *mocks.MockWorkerRepository) {
	t.Helper()
	ctrl := gomock.NewController(t)
	workers := mocks.NewMockWorkerRepository(ctrl)
	tenants := mocks.NewMockTenantRepository(ctrl)
	auth := service.MustNewAuthService(service.AuthServiceOptions{Workers: workers, Tenants: tenants})
	return auth, workers
}

func TestRequireAPIKey(t *testing.T) {
	worker := &model.Worker{ID: "worker-1", TenantID: "tenant-1"}

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := WorkerFromContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, "worker-1", got.ID)
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("bearer token", func(t *testing.T) {
		auth, workers := newAuthMiddlewareForTest(t)
		workers.EXPECT().GetByAPIKey(gomock.Any(), "key-abc").Return(worker, nil)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/jobs/stats", nil)
		req.Header.Set("Authorization", "Bearer key-abc")
		RequireAPIKey(auth, nil, next).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("x-api-key header", func(t *testing.T) {
		auth, workers := newAuthMiddlewareForTest(t)
		workers.EXPECT().GetByAPIKey(gomock.Any(), "key-abc").Return(worker, nil)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/jobs/stats", nil)
		req.Header.Set("X-API-Key", "key-abc")
		RequireAPIKey(auth, nil, next).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("missing key is 401", func(t *testing.T) {
		auth, _ := newAuthMiddlewareForTest(t)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/jobs/stats", nil)
		RequireAPIKey(auth, nil, next).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown key is 401", func(t *testing.T) {
		auth, workers := newAuthMiddlewareForTest(t)
		workers.EXPECT().GetByAPIKey(gomock.Any(), "key-bad").Return(nil, data.ErrWorkerNotFound)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/jobs/stats", nil)
		req.Header.Set("X-API-Key", "key-bad")
		RequireAPIKey(auth, nil, next).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("repository failure is 500, not 401", func(t *testing.T) {
		auth, workers := newAuthMiddlewareForTest(t)
		workers.EXPECT().GetByAPIKey(gomock.Any(), "key-abc").Return(nil, errors.New("connection reset"))

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/jobs/stats", nil)
		req.Header.Set("X-API-Key", "key-abc")
		RequireAPIKey(auth, nil, next).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
