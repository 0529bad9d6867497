package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/taskd/internal/core"
	"github.com/clipforge/taskd/internal/domain/model"
	"github.com/clipforge/taskd/internal/testutil"
)

func newJobRepoForTest(db *sql.DB) (*JobRepo, *FixedTimeProvider) {
	tp := NewFixedTimeProvider(testutil.TestTime())
	return NewJobRepo(db, RepoConfig{TimeProvider: tp}), tp
}

func createJobForTest(t *testing.T, repo *JobRepo, tenantID string) *model.Job {
	t.Helper()
	job, err := repo.Create(context.Background(), testutil.NewJobRequest(tenantID).Build())
	require.NoError(t, err)
	return job
}

func claimOneForTest(t *testing.T, repo *JobRepo, tenantID, workerID string) *model.Job {
	t.Helper()
	jobs, err := repo.FetchPending(context.Background(), core.FetchParams{
		TenantID: tenantID,
		WorkerID: workerID,
		Limit:    1,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return jobs[0]
}

func TestJobRepoCreateAndGet(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo, _ := newJobRepoForTest(db)
		tenant := testutil.SeedTenant(t, db, "acme")
		other := testutil.SeedTenant(t, db, "globex")
		ctx := context.Background()

		job := createJobForTest(t, repo, tenant.ID)
		assert.Equal(t, model.JobStatePending, job.State)
		assert.Equal(t, 0, job.Attempt)
		assert.Equal(t, 3, job.MaxAttempts)

		t.Run("get scoped to owning tenant", func(t *testing.T) {
			got, err := repo.GetByID(ctx, tenant.ID, job.ID)
			require.NoError(t, err)
			assert.Equal(t, job.ID, got.ID)
		})

		t.Run("other tenant cannot see the job", func(t *testing.T) {
			_, err := repo.GetByID(ctx, other.ID, job.ID)
			require.ErrorIs(t, err, ErrJobNotFound)
		})

		t.Run("load is unscoped", func(t *testing.T) {
			got, err := repo.Load(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, tenant.ID, got.TenantID)
		})
	})
}

func TestJobRepoFetchPendingFIFO(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo, _ := newJobRepoForTest(db)
		tenant := testutil.SeedTenant(t, db, "acme")
		ctx := context.Background()

		first := createJobForTest(t, repo, tenant.ID)
		second := createJobForTest(t, repo, tenant.ID)
		third := createJobForTest(t, repo, tenant.ID)

		jobs, err := repo.FetchPending(ctx, core.FetchParams{TenantID: tenant.ID, WorkerID: "worker-1", Limit: 2})
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, first.ID, jobs[0].ID)
		assert.Equal(t, second.ID, jobs[1].ID)
		for _, j := range jobs {
			assert.Equal(t, model.JobStateAssigned, j.State)
			require.NotNil(t, j.AssignedWorkerID)
			assert.Equal(t, "worker-1", *j.AssignedWorkerID)
		}

		rest, err := repo.FetchPending(ctx, core.FetchParams{TenantID: tenant.ID, WorkerID: "worker-2", Limit: 10})
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, third.ID, rest[0].ID)

		empty, err := repo.FetchPending(ctx, core.FetchParams{TenantID: tenant.ID, WorkerID: "worker-2", Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestJobRepoFetchPendingRespectsScheduledAt(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo, tp := newJobRepoForTest(db)
		tenant := testutil.SeedTenant(t, db, "acme")
		ctx := context.Background()

		job := createJobForTest(t, repo, tenant.ID)
		claimed := claimOneForTest(t, repo, tenant.ID, "worker-1")
		require.Equal(t, job.ID, claimed.ID)
		_, err := repo.MarkRunning(ctx, job.ID)
		require.NoError(t, err)

		ok, err := repo.RequeueForRetry(ctx, core.RequeueParams{ID: job.ID, Delay: 5 * time.Minute, Cause: "quota exhausted"})
		require.NoError(t, err)
		require.True(t, ok)

		// Not due yet.
		jobs, err := repo.FetchPending(ctx, core.FetchParams{TenantID: tenant.ID, WorkerID: "worker-1", Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, jobs)

		tp.Advance(6 * time.Minute)
		jobs, err = repo.FetchPending(ctx, core.FetchParams{TenantID: tenant.ID, WorkerID: "worker-1", Limit: 10})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, 1, jobs[0].Attempt)
		require.NotNil(t, jobs[0].LastError)
		assert.Equal(t, "quota exhausted", *jobs[0].LastError)
	})
}

func TestJobRepoFetchPendingConcurrentClaimsAreDisjoint(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo, _ := newJobRepoForTest(db)
		tenant := testutil.SeedTenant(t, db, "acme")

		const jobCount = 20
		for i := 0; i < jobCount; i++ {
			createJobForTest(t, repo, tenant.ID)
		}

		const fetchers = 4
		var mu sync.Mutex
		claimedBy := make(map[string]string)

		workers := []string{"worker-0", "worker-1", "worker-2", "worker-3"}
		fns := make([]func() error, 0, fetchers)
		for _, workerID := range workers {
			workerID := workerID
			fns = append(fns, func() error {
				jobs, err := repo.FetchPending(context.Background(), core.FetchParams{
					TenantID: tenant.ID,
					WorkerID: workerID,
					Limit:    5,
				})
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				for _, j := range jobs {
					if prev, dup := claimedBy[j.ID]; dup {
						t.Errorf("job %s claimed by both %s and %s", j.ID, prev, workerID)
					}
					claimedBy[j.ID] = workerID
				}
				return nil
			})
		}

		for _, err := range testutil.RunConcurrent(fns...) {
			require.NoError(t, err)
		}
		assert.Len(t, claimedBy, jobCount)
	})
}

func TestJobRepoMarkRunning(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo, _ := newJobRepoForTest(db)
		tenant := testutil.SeedTenant(t, db, "acme")
		ctx := context.Background()

		job := createJobForTest(t, repo, tenant.ID)

		t.Run("pending job is not claimable", func(t *testing.T) {
			_, err := repo.MarkRunning(ctx, job.ID)
			require.ErrorIs(t, err, ErrJobNotClaimable)
		})

		claimOneForTest(t, repo, tenant.ID, "worker-1")

		t.Run("assigned job starts", func(t *testing.T) {
			running, err := repo.MarkRunning(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStateRunning, running.State)
			assert.NotNil(t, running.StartedAt)
		})

		t.Run("duplicate dispatch rejected", func(t *testing.T) {
			_, err := repo.MarkRunning(ctx, job.ID)
			require.ErrorIs(t, err, ErrJobNotClaimable)
		})
	})
}

func TestJobRepoComplete(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo, tp := newJobRepoForTest(db)
		tenant := testutil.SeedTenant(t, db, "acme")
		ctx := context.Background()

		job := createJobForTest(t, repo, tenant.ID)
		claimOneForTest(t, repo, tenant.ID, "worker-1")
		_, err := repo.MarkRunning(ctx, job.ID)
		require.NoError(t, err)
		tp.Advance(30 * time.Second)

		t.Run("result required", func(t *testing.T) {
			_, err := repo.Complete(ctx, core.CompleteParams{ID: job.ID})
			require.ErrorIs(t, err, model.ErrResultRequired)
		})

		t.Run("running job completes with usage and duration", func(t *testing.T) {
			ok, err := repo.Complete(ctx, core.CompleteParams{
				ID:     job.ID,
				Result: json.RawMessage(`{"output": "done"}`),
				Usage:  json.RawMessage(`{"characters": 200}`),
			})
			require.NoError(t, err)
			require.True(t, ok)

			got, err := repo.Load(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStateCompleted, got.State)
			assert.JSONEq(t, `{"output": "done"}`, string(got.Result))
			assert.JSONEq(t, `{"characters": 200}`, string(got.Usage))
			require.NotNil(t, got.Duration)
			assert.Equal(t, 30*time.Second, *got.Duration)
		})

		t.Run("terminal job never completes again", func(t *testing.T) {
			ok, err := repo.Complete(ctx, core.CompleteParams{ID: job.ID, Result: json.RawMessage(`{}`)})
			require.NoError(t, err)
			assert.False(t, ok)
		})
	})
}

func TestJobRepoFail(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo, _ := newJobRepoForTest(db)
		tenant := testutil.SeedTenant(t, db, "acme")
		ctx := context.Background()
		summary := model.ErrorSummary{Error: "no handler registered", Class: "fatal"}

		t.Run("pending job can fail", func(t *testing.T) {
			job := createJobForTest(t, repo, tenant.ID)
			ok, err := repo.Fail(ctx, core.FailParams{ID: job.ID, Summary: summary})
			require.NoError(t, err)
			require.True(t, ok)

			got, err := repo.Load(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStateFailed, got.State)
			assert.JSONEq(t, `{"error": "no handler registered", "class": "fatal"}`, string(got.Result))
			require.NotNil(t, got.LastError)
			assert.Equal(t, "no handler registered", *got.LastError)
			assert.Nil(t, got.Duration)
		})

		t.Run("terminal job is never overwritten", func(t *testing.T) {
			job := createJobForTest(t, repo, tenant.ID)
			claimOneForTest(t, repo, tenant.ID, "worker-1")
			_, err := repo.MarkRunning(ctx, job.ID)
			require.NoError(t, err)
			ok, err := repo.Complete(ctx, core.CompleteParams{ID: job.ID, Result: json.RawMessage(`{}`)})
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = repo.Fail(ctx, core.FailParams{ID: job.ID, Summary: summary})
			require.NoError(t, err)
			assert.False(t, ok)
		})
	})
}

func TestJobRepoStats(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo, _ := newJobRepoForTest(db)
		tenant := testutil.SeedTenant(t, db, "acme")
		other := testutil.SeedTenant(t, db, "globex")
		ctx := context.Background()

		createJobForTest(t, repo, tenant.ID)
		createJobForTest(t, repo, tenant.ID)
		claimed := createJobForTest(t, repo, tenant.ID)
		createJobForTest(t, repo, other.ID)

		// Move one job to assigned; claims are FIFO so drain the older two first.
		jobs, err := repo.FetchPending(ctx, core.FetchParams{TenantID: tenant.ID, WorkerID: "worker-1", Limit: 3})
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		_, err = repo.MarkRunning(ctx, claimed.ID)
		require.NoError(t, err)

		stats, err := repo.Stats(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, &model.JobStats{Assigned: 2, Running: 1}, stats)

		otherStats, err := repo.Stats(ctx, other.ID)
		require.NoError(t, err)
		assert.Equal(t, &model.JobStats{Pending: 1}, otherStats)
	})
}

func TestJobRepoTenantsWithDueJobs(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo, _ := newJobRepoForTest(db)
		acme := testutil.SeedTenant(t, db, "acme")
		globex := testutil.SeedTenant(t, db, "globex")
		idle := testutil.SeedTenant(t, db, "idle")
		ctx := context.Background()

		createJobForTest(t, repo, acme.ID)
		createJobForTest(t, repo, globex.ID)

		tenants, err := repo.TenantsWithDueJobs(ctx, 100)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{acme.ID, globex.ID}, tenants)
		assert.NotContains(t, tenants, idle.ID)

		limited, err := repo.TenantsWithDueJobs(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

func TestJobRepoWaitForNotification(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo, _ := newJobRepoForTest(db)
		tenant := testutil.SeedTenant(t, db, "acme")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		waitDone := make(chan error, 1)
		go func() {
			// Global channel: fires for any tenant's submission.
			waitDone <- repo.WaitForNotification(ctx, "")
		}()

		// Give the listener time to subscribe before notifying.
		time.Sleep(500 * time.Millisecond)
		createJobForTest(t, repo, tenant.ID)

		select {
		case err := <-waitDone:
			require.NoError(t, err)
		case <-ctx.Done():
			t.Fatal("notification never arrived")
		}
	})
}

func TestJobRepoReaper(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo, tp := newJobRepoForTest(db)
		tenant := testutil.SeedTenant(t, db, "acme")
		ctx := context.Background()

		t.Run("requeue stale assigned", func(t *testing.T) {
			job := createJobForTest(t, repo, tenant.ID)
			claimOneForTest(t, repo, tenant.ID, "worker-1")

			// Cutoff after the claim's updated_at makes it stale.
			count, err := repo.RequeueStaleAssigned(ctx, tp.Now().Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)

			got, err := repo.Load(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatePending, got.State)
		})

		t.Run("fail stale pending", func(t *testing.T) {
			job := createJobForTest(t, repo, tenant.ID)

			count, err := repo.FailStalePending(ctx, tp.Now().Add(time.Minute))
			require.NoError(t, err)
			assert.GreaterOrEqual(t, count, int64(1))

			got, err := repo.Load(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStateFailed, got.State)
			require.NotNil(t, got.LastError)
			assert.Contains(t, *got.LastError, "expired")
		})

		t.Run("fresh jobs untouched", func(t *testing.T) {
			job := createJobForTest(t, repo, tenant.ID)

			count, err := repo.FailStalePending(ctx, tp.Now().Add(-time.Hour))
			require.NoError(t, err)
			assert.Zero(t, count)

			got, err := repo.Load(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatePending, got.State)
		})

		t.Run("retry with a fresh schedule survives the sweep", func(t *testing.T) {
			job := createJobForTest(t, repo, tenant.ID)
			// Drain the queue so the new job is among the claims.
			_, err := repo.FetchPending(ctx, core.FetchParams{TenantID: tenant.ID, WorkerID: "worker-1", Limit: 50})
			require.NoError(t, err)
			_, err = repo.MarkRunning(ctx, job.ID)
			require.NoError(t, err)
			ok, err := repo.RequeueForRetry(ctx, core.RequeueParams{ID: job.ID, Delay: 5 * time.Minute, Cause: "rate limited"})
			require.NoError(t, err)
			require.True(t, ok)

			// A cutoff past the job's creation but before its retry slot:
			// the requeue moved scheduled_at forward, so it must survive.
			_, err = repo.FailStalePending(ctx, tp.Now().Add(time.Minute))
			require.NoError(t, err)

			got, err := repo.Load(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatePending, got.State)
		})
	})
}
