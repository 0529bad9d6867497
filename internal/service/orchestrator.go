package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipforge/taskd/internal/core"
	"github.com/clipforge/taskd/internal/data"
	"github.com/clipforge/taskd/internal/domain/model"
	"github.com/clipforge/taskd/internal/domain/retry"
	"github.com/clipforge/taskd/internal/domain/usage"
	"github.com/clipforge/taskd/internal/observability/metrics"
)

// JobOrchestratorOptions groups dependencies for JobOrchestrator.
type JobOrchestratorOptions struct {
	Repo     core.JobRepository // Required: job repository
	Registry *HandlerRegistry   // Required: handler registry
	Policy   *retry.Policy      // Optional: job re-queue policy, defaults to retry.DefaultJobPolicy
	Classify retry.Classifier   // Optional: defaults to retry.ClassifyJob
	Logger   *slog.Logger       // Optional: structured logger
	Metrics  *metrics.Collector // Optional: lifecycle metrics
	Now      func() time.Time   // Optional: defaults to time.Now
}

// JobOrchestrator drives one job through its lifecycle: mark it running,
// resolve and invoke its handler, then persist exactly one terminal or
// re-queue transition. Each transition is a single guarded statement in the
// repository, so a crash between steps leaves the record in a consistent
// state for the reaper to recover.
type JobOrchestrator struct {
	repo     core.JobRepository
	registry *HandlerRegistry
	policy   retry.Policy
	classify retry.Classifier
	logger   *slog.Logger
	metrics  *metrics.Collector
	now      func() time.Time
}

// NewJobOrchestrator constructs a JobOrchestrator.
func NewJobOrchestrator(opts JobOrchestratorOptions) (*JobOrchestrator, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("HandlerRegistry is required")
	}
	policy := retry.DefaultJobPolicy
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	classify := opts.Classify
	if classify == nil {
		classify = retry.ClassifyJob
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &JobOrchestrator{
		repo:     opts.Repo,
		registry: opts.Registry,
		policy:   policy,
		classify: classify,
		logger:   resolveLogger(opts.Logger).With("component", "orchestrator"),
		metrics:  opts.Metrics,
		now:      now,
	}, nil
}

// MustNewJobOrchestrator constructs a JobOrchestrator and panics on error.
func MustNewJobOrchestrator(opts JobOrchestratorOptions) *JobOrchestrator {
	o, err := NewJobOrchestrator(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create JobOrchestrator: %v", err))
	}
	return o
}

// Run executes the job with the given id. It returns an error only for
// infrastructure failures (lost database, missing job); handler failures are
// absorbed into the job record as a re-queue or a failed terminal state.
func (o *JobOrchestrator) Run(ctx context.Context, jobID string) error {
	job, err := o.repo.MarkRunning(ctx, jobID)
	if err != nil {
		if errors.Is(err, data.ErrJobNotClaimable) {
			// Duplicate dispatch: another worker beat us to it or the job
			// was already finished. Nothing to do.
			o.logger.WarnContext(ctx, "job not claimable, skipping", "id", jobID)
			o.metrics.EmitJobLifecycle(metrics.JobMetric{
				Transition: "start",
				Result:     metrics.ResultNoop,
			})
			return nil
		}
		return fmt.Errorf("mark job running: %w", err)
	}

	o.logger.InfoContext(ctx, "job started",
		"id", job.ID,
		"tenant_id", job.TenantID,
		"type", job.Type,
		"attempt", job.Attempt,
	)

	handler, err := o.registry.Resolve(job.Type)
	if err != nil {
		// No handler can appear by retrying; fail immediately with
		// started_at already recorded.
		return o.fail(ctx, job, err, retry.Fatal)
	}

	result, err := handler.Handle(ctx, job)
	if err != nil {
		class := o.classify(err)
		if class == retry.Retryable && job.Attempt+1 < o.attemptBound(job) {
			return o.requeue(ctx, job, err)
		}
		return o.fail(ctx, job, err, class)
	}

	return o.complete(ctx, job, result)
}

// attemptBound is the job's own attempt cap clamped by the configured policy,
// so the operator-set bound holds even for jobs submitted with a larger
// max_attempts.
func (o *JobOrchestrator) attemptBound(job *model.Job) int {
	if o.policy.MaxAttempts > 0 && o.policy.MaxAttempts < job.MaxAttempts {
		return o.policy.MaxAttempts
	}
	return job.MaxAttempts
}

func (o *JobOrchestrator) complete(ctx context.Context, job *model.Job, result *HandlerResult) error {
	payload := json.RawMessage(`{}`)
	if result != nil && len(result.Result) > 0 {
		payload = result.Result
	}
	var usageDoc json.RawMessage
	if result != nil {
		usageDoc = usage.MarshalTotal(result.Usage)
	}

	ok, err := o.repo.Complete(ctx, core.CompleteParams{ID: job.ID, Result: payload, Usage: usageDoc})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if !ok {
		o.logger.WarnContext(ctx, "job no longer running, completion dropped", "id", job.ID)
		return nil
	}

	o.metrics.EmitJobLifecycle(metrics.JobMetric{
		JobType:    string(job.Type),
		Transition: "complete",
		Result:     metrics.ResultSuccess,
		Duration:   o.now().Sub(startedOr(job, o.now())),
	})
	o.logger.InfoContext(ctx, "job completed", "id", job.ID, "type", job.Type)
	return nil
}

func (o *JobOrchestrator) requeue(ctx context.Context, job *model.Job, cause error) error {
	delay := o.policy.Delay(job.Attempt)
	ok, err := o.repo.RequeueForRetry(ctx, core.RequeueParams{
		ID:    job.ID,
		Delay: delay,
		Cause: cause.Error(),
	})
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", job.ID, err)
	}
	if !ok {
		o.logger.WarnContext(ctx, "job no longer running, requeue dropped", "id", job.ID)
		return nil
	}

	o.metrics.RecordRetry(string(job.Type))
	o.logger.InfoContext(ctx, "job requeued for retry",
		"id", job.ID,
		"type", job.Type,
		"attempt", job.Attempt+1,
		"max_attempts", job.MaxAttempts,
		"delay", delay,
		"cause", cause,
	)
	return nil
}

func (o *JobOrchestrator) fail(ctx context.Context, job *model.Job, cause error, class retry.Class) error {
	summary := model.ErrorSummary{Error: cause.Error(), Class: class.String()}
	ok, err := o.repo.Fail(ctx, core.FailParams{ID: job.ID, Summary: summary})
	if err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if !ok {
		o.logger.WarnContext(ctx, "job already terminal, failure dropped", "id", job.ID)
		return nil
	}

	o.metrics.EmitJobLifecycle(metrics.JobMetric{
		JobType:    string(job.Type),
		Transition: "fail",
		Result:     metrics.ResultError,
		Duration:   o.now().Sub(startedOr(job, o.now())),
		Err:        cause,
	})
	o.logger.ErrorContext(ctx, "job failed",
		"id", job.ID,
		"type", job.Type,
		"attempt", job.Attempt,
		"class", class.String(),
		"error", cause,
	)
	return nil
}

func startedOr(job *model.Job, fallback time.Time) time.Time {
	if job.StartedAt != nil {
		return *job.StartedAt
	}
	return fallback
}

func resolveLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}
