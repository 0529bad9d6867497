package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/clipforge/taskd/internal/core"
	"github.com/clipforge/taskd/internal/domain/model"
	"github.com/clipforge/taskd/internal/observability/metrics"
)

// DefaultDownloadPathExpr locates the produced artifact inside a completed
// job's result document. Handlers may place it at the top level or under an
// output object.
const DefaultDownloadPathExpr = "download_path || output.download_path"

// defaultStatusCacheTTL bounds how long a terminal job's status response may
// be served from cache. Terminal states never change, so the TTL only limits
// cache growth.
const defaultStatusCacheTTL = 10 * time.Minute

// JMESPathEvaluator abstracts JMESPath operations for testability.
type JMESPathEvaluator interface {
	Validate(expr string) error
	Evaluate(expr string, data any) (any, error)
}

type jmespathLibEvaluator struct{}

func (j jmespathLibEvaluator) Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := jmespath.Compile(expr)
	return err
}

func (j jmespathLibEvaluator) Evaluate(expr string, data any) (any, error) {
	return jmespath.Search(expr, data)
}

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo             core.JobRepository   // Required: job repository
	Cache            core.CacheRepository // Optional: status response cache
	Logger           *slog.Logger         // Optional: structured logger
	Metrics          *metrics.Collector   // Optional: lifecycle metrics
	Evaluator        JMESPathEvaluator    // Optional: custom JMESPath evaluator
	DownloadPathExpr string               // Optional: defaults to DefaultDownloadPathExpr
	StatusCacheTTL   time.Duration        // Optional: defaults to 10 minutes
}

// JobService provides the tenant-facing job operations: submission, status
// lookup and queue statistics. Submission notifies waiting workers through the
// repository; status responses for terminal jobs are cached since they can
// never change again.
type JobService struct {
	repo           core.JobRepository
	cache          core.CacheRepository
	logger         *slog.Logger
	metrics        *metrics.Collector
	evaluator      JMESPathEvaluator
	downloadExpr   string
	statusCacheTTL time.Duration
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	evaluator := opts.Evaluator
	if evaluator == nil {
		evaluator = jmespathLibEvaluator{}
	}
	expr := opts.DownloadPathExpr
	if expr == "" {
		expr = DefaultDownloadPathExpr
	}
	if err := evaluator.Validate(expr); err != nil {
		return nil, fmt.Errorf("invalid download path expression %q: %w", expr, err)
	}
	ttl := opts.StatusCacheTTL
	if ttl <= 0 {
		ttl = defaultStatusCacheTTL
	}
	return &JobService{
		repo:           opts.Repo,
		cache:          opts.Cache,
		logger:         resolveLogger(opts.Logger).With("component", "job_service"),
		metrics:        opts.Metrics,
		evaluator:      evaluator,
		downloadExpr:   expr,
		statusCacheTTL: ttl,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Create validates and persists a new job in the pending state. Workers
// waiting on the tenant's notification channel wake up as part of the same
// commit.
func (s *JobService) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	job, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.metrics.EmitJobLifecycle(metrics.JobMetric{
		JobType:    string(job.Type),
		Transition: "create",
		Result:     metrics.ResultSuccess,
	})
	s.logger.DebugContext(ctx, "job created",
		"id", job.ID,
		"tenant_id", job.TenantID,
		"type", job.Type,
	)
	return job, nil
}

// Status returns the tenant-facing view of a job. Terminal responses are
// served from and written to the cache.
func (s *JobService) Status(ctx context.Context, tenantID, id string) (*model.JobStatusResponse, error) {
	key := statusCacheKey(tenantID, id)
	if cached := s.cachedStatus(ctx, key); cached != nil {
		return cached, nil
	}

	job, err := s.repo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	resp := s.buildStatus(ctx, job)
	if job.State.Terminal() {
		s.storeStatus(ctx, key, resp)
	}
	return resp, nil
}

// Stats returns the per-state job counts for a tenant and publishes them as
// queue depth gauges.
func (s *JobService) Stats(ctx context.Context, tenantID string) (*model.JobStats, error) {
	stats, err := s.repo.Stats(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	s.metrics.SetQueueDepth(tenantID, string(model.JobStatePending), stats.Pending)
	s.metrics.SetQueueDepth(tenantID, string(model.JobStateAssigned), stats.Assigned)
	s.metrics.SetQueueDepth(tenantID, string(model.JobStateRunning), stats.Running)
	s.metrics.SetQueueDepth(tenantID, string(model.JobStateCompleted), stats.Completed)
	s.metrics.SetQueueDepth(tenantID, string(model.JobStateFailed), stats.Failed)
	return stats, nil
}

func (s *JobService) buildStatus(ctx context.Context, job *model.Job) *model.JobStatusResponse {
	resp := &model.JobStatusResponse{
		ID:         job.ID,
		Type:       job.Type,
		State:      job.State,
		CreatedAt:  job.CreatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
	}

	switch job.State {
	case model.JobStateCompleted:
		resp.Result = job.Result
		resp.Usage = job.Usage
		resp.DownloadPath = s.extractDownloadPath(ctx, job)
	case model.JobStateFailed:
		var summary model.ErrorSummary
		if len(job.Result) > 0 && json.Unmarshal(job.Result, &summary) == nil && summary.Error != "" {
			resp.ErrorSummary = &summary
		} else if job.LastError != nil {
			resp.ErrorSummary = &model.ErrorSummary{Error: *job.LastError}
		}
	}
	return resp
}

// extractDownloadPath evaluates the configured JMESPath expression against a
// completed job's result document. Extraction failures degrade to an absent
// path, never an error: the result itself is still served.
func (s *JobService) extractDownloadPath(ctx context.Context, job *model.Job) *string {
	if len(job.Result) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(job.Result, &doc); err != nil {
		return nil
	}
	value, err := s.evaluator.Evaluate(s.downloadExpr, doc)
	if err != nil {
		s.logger.DebugContext(ctx, "download path extraction failed",
			"id", job.ID,
			"error", err,
		)
		return nil
	}
	path, ok := value.(string)
	if !ok || path == "" {
		return nil
	}
	return &path
}

func (s *JobService) cachedStatus(ctx context.Context, key string) *model.JobStatusResponse {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, key)
	if err != nil || raw == nil {
		return nil
	}
	var resp model.JobStatusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil
	}
	return &resp
}

func (s *JobService) storeStatus(ctx context.Context, key string, resp *model.JobStatusResponse) {
	if s.cache == nil {
		return
	}
	encoded, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, encoded, s.statusCacheTTL); err != nil {
		s.logger.DebugContext(ctx, "status cache write failed", "key", key, "error", err)
	}
}

func statusCacheKey(tenantID, id string) string {
	return "job_status:" + tenantID + ":" + id
}
