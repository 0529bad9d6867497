// Package httpx provides the HTTP API for the taskd job engine.
package httpx

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/clipforge/taskd/internal/data"
	"github.com/clipforge/taskd/internal/domain/model"
	"github.com/clipforge/taskd/internal/service"
)

// JobHandlers provides HTTP handlers for job-related operations. Every
// handler assumes RequireAPIKey already resolved the worker; the tenant scope
// of each operation comes from that worker, never from the request body.
type JobHandlers struct {
	Jobs        *service.JobService
	Assignments *service.AssignmentService
}

// CreateJob handles job submission. Responds 202: the job is accepted for
// asynchronous execution, not yet run.
func (h *JobHandlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	worker, ok := WorkerFromContext(r.Context())
	if !ok {
		WriteError(w, ErrorParams{Code: http.StatusUnauthorized, ErrCode: "unauthorized", Err: errors.New("no authenticated worker")})
		return
	}

	var req model.CreateJobRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	req.TenantID = worker.TenantID

	job, err := h.Jobs.Create(r.Context(), &req)
	if err != nil {
		var validationErr *model.ValidationError
		if errors.As(err, &validationErr) {
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_request", Err: err})
			return
		}
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "create_failed", Err: err})
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]any{
		"id":    job.ID,
		"state": job.State,
	})
}

// GetJob handles status lookup for one job, scoped to the worker's tenant.
func (h *JobHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	worker, ok := WorkerFromContext(r.Context())
	if !ok {
		WriteError(w, ErrorParams{Code: http.StatusUnauthorized, ErrCode: "unauthorized", Err: errors.New("no authenticated worker")})
		return
	}

	id := r.PathValue("id")
	status, err := h.Jobs.Status(r.Context(), worker.TenantID, id)
	if err != nil {
		if errors.Is(err, data.ErrJobNotFound) {
			WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Err: err})
			return
		}
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "status_failed", Err: err})
		return
	}

	WriteJSON(w, http.StatusOK, status)
}

// FetchJobs claims a batch of due jobs for the worker. An empty queue yields
// an empty batch with 200, not 204: clients iterate the array either way.
func (h *JobHandlers) FetchJobs(w http.ResponseWriter, r *http.Request) {
	worker, ok := WorkerFromContext(r.Context())
	if !ok {
		WriteError(w, ErrorParams{Code: http.StatusUnauthorized, ErrCode: "unauthorized", Err: errors.New("no authenticated worker")})
		return
	}

	limit := parseIntQuery(r, "limit", 1)
	jobs, err := h.Assignments.Fetch(r.Context(), worker, limit)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "fetch_failed", Err: err})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// GetStats returns the per-state job counts for the worker's tenant.
func (h *JobHandlers) GetStats(w http.ResponseWriter, r *http.Request) {
	worker, ok := WorkerFromContext(r.Context())
	if !ok {
		WriteError(w, ErrorParams{Code: http.StatusUnauthorized, ErrCode: "unauthorized", Err: errors.New("no authenticated worker")})
		return
	}

	stats, err := h.Jobs.Stats(r.Context(), worker.TenantID)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "stats_failed", Err: err})
		return
	}

	WriteJSON(w, http.StatusOK, stats)
}

// parseIntQuery parses an integer query parameter, using def when absent or
// malformed.
func parseIntQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return value
}
