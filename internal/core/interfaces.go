// Package core defines the ports between the service layer and the data
// layer of the taskd job engine. Services depend on these interfaces, never
// on concrete repositories.
package core

import (
	"context"
	"time"

	"github.com/clipforge/taskd/internal/domain/model"
)

// FetchParams groups parameters for JobRepository.FetchPending.
type FetchParams struct {
	TenantID string
	WorkerID string
	Limit    int
}

// CompleteParams groups parameters for JobRepository.Complete.
type CompleteParams struct {
	ID     string
	Result []byte
	Usage  []byte
}

// RequeueParams groups parameters for JobRepository.RequeueForRetry.
type RequeueParams struct {
	ID    string
	Delay time.Duration
	Cause string
}

// FailParams groups parameters for JobRepository.Fail.
type FailParams struct {
	ID      string
	Summary model.ErrorSummary
}

// JobRepository defines job persistence operations. Every transition method
// performs its state change and the associated field writes in one atomic
// statement, guarded by the current state, so a record is never observably
// stuck between two writes and duplicate dispatch is rejected at the row.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	// GetByID is tenant-scoped; it never returns another tenant's job.
	GetByID(ctx context.Context, tenantID, id string) (*model.Job, error)
	// Load fetches a job by id without tenant scoping, for the orchestrator
	// running a job it was handed by the assignment path.
	Load(ctx context.Context, id string) (*model.Job, error)
	// FetchPending claims up to Limit due pending jobs for the tenant, oldest
	// first, transitioning each to assigned with the worker id inside one
	// transaction. Concurrent callers receive disjoint sets; contested rows
	// are skipped, not waited on. Returns an empty slice when nothing is due.
	FetchPending(ctx context.Context, params FetchParams) ([]*model.Job, error)
	// MarkRunning transitions assigned -> running and records started_at.
	// Returns model.ErrNoJobsAvailable semantics via a false bool when the
	// job is not in a claimable state (duplicate dispatch).
	MarkRunning(ctx context.Context, id string) (*model.Job, error)
	Complete(ctx context.Context, params CompleteParams) (bool, error)
	RequeueForRetry(ctx context.Context, params RequeueParams) (bool, error)
	Fail(ctx context.Context, params FailParams) (bool, error)
	Stats(ctx context.Context, tenantID string) (*model.JobStats, error)
	// TenantsWithDueJobs lists tenants that currently have pending jobs whose
	// scheduled_at has passed, for the worker pool to iterate.
	TenantsWithDueJobs(ctx context.Context, limit int) ([]string, error)
	// WaitForNotification blocks until a new-job notification for the tenant
	// arrives or ctx is done. An empty tenantID waits on the global channel
	// that fires for every tenant's submissions.
	WaitForNotification(ctx context.Context, tenantID string) error
}

// ReaperRepository defines cleanup operations for stuck jobs.
type ReaperRepository interface {
	// RequeueStaleAssigned returns assigned-but-never-started jobs older than
	// cutoff to pending so another worker can claim them.
	RequeueStaleAssigned(ctx context.Context, cutoff time.Time) (int64, error)
	// FailStalePending fails pending jobs whose scheduled_at fell before
	// cutoff without any worker picking them up, so retries with a fresh
	// scheduled_at survive the sweep.
	FailStalePending(ctx context.Context, cutoff time.Time) (int64, error)
}

// TenantRepository defines tenant persistence operations.
type TenantRepository interface {
	Create(ctx context.Context, name string) (*model.Tenant, error)
	GetByID(ctx context.Context, id string) (*model.Tenant, error)
	List(ctx context.Context, limit, offset int) ([]*model.Tenant, error)
}

// WorkerRepository defines worker (edge instance) persistence operations.
type WorkerRepository interface {
	Create(ctx context.Context, req *model.CreateWorkerRequest) (*model.Worker, error)
	// GetByAPIKey resolves a worker from its API key; the tenant scope of
	// every request derives from this lookup.
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Worker, error)
	TouchLastSeen(ctx context.Context, id string) error
}

// CacheRepository defines the cache operations used by the status path.
type CacheRepository interface {
	// Set stores a value with the given TTL. A TTL of 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns nil when the key does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes a key, reporting whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Health checks the cache connection.
	Health(ctx context.Context) error
}
