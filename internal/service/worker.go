package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/clipforge/taskd/config"
	"github.com/clipforge/taskd/internal/core"
)

// WorkerPoolOptions groups dependencies for WorkerPool.
type WorkerPoolOptions struct {
	Repo         core.JobRepository // Required: job repository
	Orchestrator *JobOrchestrator   // Required: runs individual jobs
	Config       config.WorkerConfig
	Logger       *slog.Logger // Optional: structured logger
	WorkerID     string       // Optional: defaults to a generated id
}

// WorkerPool is the in-process execution path: it claims due jobs across all
// tenants and runs them through the orchestrator under a concurrency bound.
// Idle pools sleep on the global new-job notification channel with a poll
// ticker as fallback, so delayed re-dispatches are picked up even when no
// submission fires a notification.
type WorkerPool struct {
	repo         core.JobRepository
	orchestrator *JobOrchestrator
	config       config.WorkerConfig
	logger       *slog.Logger
	workerID     string
}

// NewWorkerPool constructs a WorkerPool.
func NewWorkerPool(opts WorkerPoolOptions) (*WorkerPool, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Orchestrator == nil {
		return nil, errors.New("JobOrchestrator is required")
	}
	workerID := opts.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()
	}
	return &WorkerPool{
		repo:         opts.Repo,
		orchestrator: opts.Orchestrator,
		config:       opts.Config,
		logger:       resolveLogger(opts.Logger).With("component", "worker_pool", "worker_id", workerID),
		workerID:     workerID,
	}, nil
}

// MustNewWorkerPool constructs a WorkerPool and panics on error.
func MustNewWorkerPool(opts WorkerPoolOptions) *WorkerPool {
	pool, err := NewWorkerPool(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create WorkerPool: %v", err))
	}
	return pool
}

// Run starts the pool and blocks until the context is cancelled. Returns nil
// on graceful shutdown.
func (p *WorkerPool) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "starting worker pool",
		"concurrency", p.config.Concurrency,
		"batch_size", p.config.BatchSize,
		"poll_interval", p.config.PollInterval,
	)

	wake := make(chan struct{}, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.listen(gctx, wake) })
	g.Go(func() error { return p.dispatch(gctx, wake) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	p.logger.InfoContext(ctx, "worker pool stopped")
	return nil
}

// listen wakes the dispatcher whenever any tenant submits a job. Failures
// degrade to polling: the dispatcher's ticker still fires.
func (p *WorkerPool) listen(ctx context.Context, wake chan<- struct{}) error {
	for {
		if err := p.repo.WaitForNotification(ctx, ""); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.WarnContext(ctx, "notification wait failed, polling only", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.config.PollInterval):
			}
			continue
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

func (p *WorkerPool) dispatch(ctx context.Context, wake <-chan struct{}) error {
	sem := semaphore.NewWeighted(int64(p.config.Concurrency))
	var runners sync.WaitGroup
	defer runners.Wait()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		claimed, err := p.drain(ctx, sem, &runners)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			p.logger.ErrorContext(ctx, "claim pass failed", "error", err)
		}
		if claimed > 0 {
			// More jobs may already be due; go straight back for them.
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

// drain claims one batch per tenant with due jobs and hands each claimed job
// to a bounded runner goroutine.
func (p *WorkerPool) drain(ctx context.Context, sem *semaphore.Weighted, runners *sync.WaitGroup) (int, error) {
	tenants, err := p.repo.TenantsWithDueJobs(ctx, p.config.TenantScanLimit)
	if err != nil {
		return 0, fmt.Errorf("list tenants with due jobs: %w", err)
	}

	total := 0
	for _, tenantID := range tenants {
		jobs, err := p.repo.FetchPending(ctx, core.FetchParams{
			TenantID: tenantID,
			WorkerID: p.workerID,
			Limit:    p.config.BatchSize,
		})
		if err != nil {
			return total, fmt.Errorf("fetch pending for tenant %s: %w", tenantID, err)
		}

		for _, job := range jobs {
			if err := sem.Acquire(ctx, 1); err != nil {
				return total, err
			}
			total++
			runners.Add(1)
			go func(jobID string) {
				defer runners.Done()
				defer sem.Release(1)
				if err := p.orchestrator.Run(ctx, jobID); err != nil && ctx.Err() == nil {
					p.logger.ErrorContext(ctx, "job run failed", "id", jobID, "error", err)
				}
			}(job.ID)
		}
	}
	return total, nil
}
