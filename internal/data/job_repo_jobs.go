package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/clipforge/taskd/internal/core"
	"github.com/clipforge/taskd/internal/data/pgxutil"
	"github.com/clipforge/taskd/internal/domain/model"
)

// SQL used by FetchPending to atomically claim a batch of due pending jobs.
// Contested rows are skipped rather than waited on, so concurrent fetches
// against the same tenant receive disjoint sets without serializing.
const fetchPendingSQL = `
  WITH cte AS (
    SELECT id FROM jobs
    WHERE tenant_id = $1 AND state = 'pending' AND scheduled_at <= $2
    ORDER BY created_at ASC
    LIMIT $3
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    state = 'assigned',
    assigned_worker_id = $4,
    updated_at = $5
  FROM cte
  WHERE j.id = cte.id
  RETURNING ` + jobQualifiedColumns

const jobQualifiedColumns = `
  j.id, j.tenant_id, j.type, j.state, j.assigned_worker_id, j.payload,
  j.result, j.usage, j.last_error, j.attempt, j.max_attempts, j.scheduled_at,
  j.created_at, j.started_at, j.finished_at, j.duration_ms, j.updated_at`

// notifyChannel is the per-tenant LISTEN/NOTIFY channel for new-job wakeups.
// An empty tenant id selects the global channel every submission also fires,
// for waiters that span tenants.
func notifyChannel(tenantID string) string {
	if tenantID == "" {
		return "jobs_ready"
	}
	return "jobs_ready_" + tenantID
}

// Create inserts a new pending job and notifies both the tenant's channel and
// the global channel in the same transaction so idle worker pools wake
// promptly.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(json.RawMessage(req.Payload))
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	now := r.timeProvider.Now().UTC()

	var job *model.Job
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, qerr := tx.Query(ctx, `
				INSERT INTO jobs (tenant_id, type, state, payload, max_attempts, scheduled_at)
				VALUES ($1, $2, 'pending', $3, $4, $5)
				RETURNING `+jobColumns,
				req.TenantID, req.Type, payload, req.EffectiveMaxAttempts(), now,
			)
			if qerr != nil {
				return fmt.Errorf("insert job: %w", qerr)
			}
			j, cerr := collectJobFromRows(rows)
			rows.Close()
			if cerr != nil {
				return fmt.Errorf("collect job: %w", cerr)
			}
			if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $3::text), pg_notify($2::text, $3::text)`,
				notifyChannel(req.TenantID), notifyChannel(""), j.ID); execErr != nil {
				return fmt.Errorf("send job notification: %w", execErr)
			}
			job = j
			return nil
		},
	})
	if txErr != nil {
		return nil, txErr
	}
	return job, nil
}

// FetchPending claims up to Limit due pending jobs for a tenant, oldest
// first, transitioning each to assigned with the requesting worker id inside
// one transaction. Returns an empty slice, never an error, when nothing is
// due.
func (r *JobRepo) FetchPending(ctx context.Context, params core.FetchParams) ([]*model.Job, error) {
	if params.Limit <= 0 {
		return nil, fmt.Errorf("fetch limit must be positive, got %d", params.Limit)
	}

	var jobs []*model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			now := r.timeProvider.Now().UTC()
			rows, qerr := tx.Query(ctx, fetchPendingSQL,
				params.TenantID, now, params.Limit, params.WorkerID, now)
			if qerr != nil {
				return fmt.Errorf("claim jobs: %w", qerr)
			}
			defer rows.Close()

			claimed, cerr := collectJobsFromRows(rows)
			if cerr != nil {
				return fmt.Errorf("collect claimed jobs: %w", cerr)
			}
			jobs = claimed
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	// UPDATE ... RETURNING does not preserve the CTE's ordering.
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
	if jobs == nil {
		jobs = []*model.Job{}
	}
	return jobs, nil
}

// MarkRunning transitions assigned -> running in a single guarded UPDATE and
// records started_at on the first cycle only. A job not in assigned state
// (duplicate dispatch, or already requeued) yields ErrJobNotClaimable.
func (r *JobRepo) MarkRunning(ctx context.Context, id string) (*model.Job, error) {
	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET state = 'running',
		    started_at = COALESCE(started_at, $2),
		    updated_at = $2
		WHERE id = $1 AND state = 'assigned'
		RETURNING `+jobColumns, id, now)

	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotClaimable
	}
	if err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	return job, nil
}

// Complete finalizes a running job with its result and aggregated usage. All
// field writes happen in one statement. Returns false when the job was not
// running (lost ownership).
func (r *JobRepo) Complete(ctx context.Context, params core.CompleteParams) (bool, error) {
	if len(params.Result) == 0 {
		return false, model.ErrResultRequired
	}
	usagePayload := params.Usage
	if len(usagePayload) == 0 {
		usagePayload = []byte(`{}`)
	}

	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'completed',
		    result = $2,
		    usage = $3,
		    last_error = NULL,
		    finished_at = $4,
		    duration_ms = (EXTRACT(EPOCH FROM ($4::timestamptz - started_at)) * 1000)::bigint,
		    updated_at = $4
		WHERE id = $1 AND state = 'running'
	`, params.ID, params.Result, usagePayload, now)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return oneRowAffected(res)
}

// RequeueForRetry resets a running job to pending for a fresh dispatch cycle
// after Delay, incrementing the attempt counter. The state is reset before
// the delay elapses; the future scheduled_at keeps the row out of fetches
// until then, so the record is never observably stuck in running.
func (r *JobRepo) RequeueForRetry(ctx context.Context, params core.RequeueParams) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'pending',
		    attempt = attempt + 1,
		    last_error = $2,
		    scheduled_at = $3,
		    updated_at = $4
		WHERE id = $1 AND state = 'running'
	`, params.ID, params.Cause, now.Add(params.Delay), now)
	if err != nil {
		return false, fmt.Errorf("requeue job: %w", err)
	}
	return oneRowAffected(res)
}

// Fail marks a job failed with a tenant-visible error summary. Reachable from
// any non-terminal state; terminal states are never overwritten.
func (r *JobRepo) Fail(ctx context.Context, params core.FailParams) (bool, error) {
	summary, err := json.Marshal(params.Summary)
	if err != nil {
		return false, fmt.Errorf("marshal error summary: %w", err)
	}

	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'failed',
		    result = $2,
		    last_error = $3,
		    finished_at = $4,
		    duration_ms = CASE WHEN started_at IS NOT NULL
		                       THEN (EXTRACT(EPOCH FROM ($4::timestamptz - started_at)) * 1000)::bigint
		                       ELSE NULL END,
		    updated_at = $4
		WHERE id = $1 AND state NOT IN ('completed', 'failed')
	`, params.ID, summary, params.Summary.Error, now)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return oneRowAffected(res)
}

// GetByID retrieves a job scoped to its tenant. Jobs are never visible across
// tenants.
func (r *JobRepo) GetByID(ctx context.Context, tenantID, id string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)

	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Load retrieves a job by id without tenant scoping, for the orchestrator.
func (r *JobRepo) Load(ctx context.Context, id string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE id = $1
	`, id)

	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	return job, nil
}

// Stats returns per-state job counts for a tenant.
func (r *JobRepo) Stats(ctx context.Context, tenantID string) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
	SELECT
	  count(*) FILTER (WHERE state = 'pending')   AS pending,
	  count(*) FILTER (WHERE state = 'assigned')  AS assigned,
	  count(*) FILTER (WHERE state = 'running')   AS running,
	  count(*) FILTER (WHERE state = 'completed') AS completed,
	  count(*) FILTER (WHERE state = 'failed')    AS failed
	FROM jobs
	WHERE tenant_id = $1
	`, tenantID).Scan(&s.Pending, &s.Assigned, &s.Running, &s.Completed, &s.Failed)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return &s, nil
}

// TenantsWithDueJobs lists tenants that currently have due pending jobs,
// oldest backlog first. Cross-tenant ordering carries no guarantee beyond
// that heuristic.
func (r *JobRepo) TenantsWithDueJobs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT tenant_id
		FROM jobs
		WHERE state = 'pending' AND scheduled_at <= $1
		GROUP BY tenant_id
		ORDER BY min(created_at) ASC
		LIMIT $2
	`, r.timeProvider.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("tenants with due jobs: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, scanErr
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// WaitForNotification blocks until a new-job notification for the tenant
// arrives or ctx is done.
func (r *JobRepo) WaitForNotification(ctx context.Context, tenantID string) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	channel := notifyChannel(tenantID)
	quoted := pgx.Identifier{channel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", channel, execErr)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "UNLISTEN "+quoted)
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

func oneRowAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
