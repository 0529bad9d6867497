package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clipforge/taskd/internal/core"
	"github.com/clipforge/taskd/internal/domain/model"
	"github.com/clipforge/taskd/internal/observability/metrics"
)

// Batch limits for a single fetch request.
const (
	defaultFetchLimit = 1
	maxFetchLimit     = 50
)

// AssignmentServiceOptions groups dependencies for AssignmentService.
type AssignmentServiceOptions struct {
	Repo    core.JobRepository    // Required: job repository
	Workers core.WorkerRepository // Optional: enables last-seen tracking
	Logger  *slog.Logger          // Optional: structured logger
	Metrics *metrics.Collector    // Optional: lifecycle metrics
}

// AssignmentService hands out batches of due jobs to workers. The claim is
// atomic in the repository: concurrent fetches for the same tenant receive
// disjoint batches, contested rows are skipped rather than waited on, and
// within a batch jobs come back oldest first.
type AssignmentService struct {
	repo    core.JobRepository
	workers core.WorkerRepository
	logger  *slog.Logger
	metrics *metrics.Collector
}

// NewAssignmentService constructs an AssignmentService.
func NewAssignmentService(opts AssignmentServiceOptions) (*AssignmentService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	return &AssignmentService{
		repo:    opts.Repo,
		workers: opts.Workers,
		logger:  resolveLogger(opts.Logger).With("component", "assignment_service"),
		metrics: opts.Metrics,
	}, nil
}

// MustNewAssignmentService constructs an AssignmentService and panics on error.
func MustNewAssignmentService(opts AssignmentServiceOptions) *AssignmentService {
	svc, err := NewAssignmentService(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create AssignmentService: %v", err))
	}
	return svc
}

// Fetch claims up to limit due pending jobs for the worker's tenant. A limit
// outside [1, 50] is clamped, not rejected. An empty queue yields an empty
// batch, never an error.
func (s *AssignmentService) Fetch(ctx context.Context, worker *model.Worker, limit int) ([]*model.Job, error) {
	if worker == nil {
		return nil, errors.New("worker is required")
	}
	limit = clampFetchLimit(limit)

	jobs, err := s.repo.FetchPending(ctx, core.FetchParams{
		TenantID: worker.TenantID,
		WorkerID: worker.ID,
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch pending jobs: %w", err)
	}

	if s.workers != nil {
		if err := s.workers.TouchLastSeen(ctx, worker.ID); err != nil {
			s.logger.WarnContext(ctx, "touch worker last seen failed",
				"worker_id", worker.ID,
				"error", err,
			)
		}
	}

	for _, job := range jobs {
		s.metrics.EmitJobLifecycle(metrics.JobMetric{
			JobType:    string(job.Type),
			Transition: "assign",
			Result:     metrics.ResultSuccess,
		})
	}
	if len(jobs) > 0 {
		s.logger.DebugContext(ctx, "jobs assigned",
			"tenant_id", worker.TenantID,
			"worker_id", worker.ID,
			"count", len(jobs),
		)
	}
	return jobs, nil
}

func clampFetchLimit(limit int) int {
	switch {
	case limit < 1:
		return defaultFetchLimit
	case limit > maxFetchLimit:
		return maxFetchLimit
	default:
		return limit
	}
}
