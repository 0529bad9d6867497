package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/clipforge/taskd/internal/mocks"
)

func TestHealthz(t *testing.T) {
	t.Run("ok without dependencies", func(t *testing.T) {
		handlers := &HealthHandlers{}

		rec := httptest.NewRecorder()
		handlers.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var status map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, "ok", status["status"])
	})

	t.Run("cache failure degrades but stays 200", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		cache := mocks.NewMockCacheRepository(ctrl)
		cache.EXPECT().Health(gomock.Any()).Return(errors.New("connection refused"))

		handlers := &HealthHandlers{Cache: cache}
		rec := httptest.NewRecorder()
		handlers.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var status map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, "degraded", status["status"])
		assert.Contains(t, status["cache"], "connection refused")
	})

	t.Run("healthy cache reports ok", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		cache := mocks.NewMockCacheRepository(ctrl)
		cache.EXPECT().Health(gomock.Any()).Return(nil)

		handlers := &HealthHandlers{Cache: cache}
		rec := httptest.NewRecorder()
		handlers.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_request", Err: errors.New("payload is required")})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error": "invalid_request", "message": "payload is required"}`, rec.Body.String())
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name": "x", "surprise": true}`))

	var dst struct {
		Name string `json:"name"`
	}
	ok := DecodeJSON(rec, req, &dst)
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
