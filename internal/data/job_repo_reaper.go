package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Advisory lock keys so only one process runs each cleanup at a time.
const (
	advisoryLockReaperMajor          int64 = 2001
	advisoryLockRequeueStaleAssigned int64 = 1
	advisoryLockFailStalePending     int64 = 2
)

// RequeueStaleAssigned returns assigned-but-never-started jobs older than
// cutoff to pending so another worker can claim them. This covers workers
// that died between claiming and starting a job; at-least-once execution is
// preserved because the job never entered running.
func (r *JobRepo) RequeueStaleAssigned(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.withReaperLock(ctx, advisoryLockRequeueStaleAssigned, func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'pending', updated_at = $2
			WHERE state = 'assigned' AND updated_at < $1
		`, cutoff.UTC(), r.timeProvider.Now().UTC())
	})
}

// FailStalePending fails pending jobs whose scheduled_at fell before cutoff
// without any worker picking them up. Keying on scheduled_at rather than
// created_at keeps jobs requeued for a retry near the age boundary alive: a
// retry pushes scheduled_at forward, so only genuinely abandoned jobs expire.
func (r *JobRepo) FailStalePending(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.withReaperLock(ctx, advisoryLockFailStalePending, func(tx *sql.Tx) (sql.Result, error) {
		now := r.timeProvider.Now().UTC()
		return tx.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'failed',
			    last_error = 'job expired before being picked up',
			    result = '{"error":"job expired before being picked up","class":"expired"}',
			    finished_at = $2,
			    updated_at = $2
			WHERE state = 'pending' AND scheduled_at < $1
		`, cutoff.UTC(), now)
	})
}

// withReaperLock runs fn inside a transaction holding a non-blocking advisory
// lock. When another process holds the lock the cleanup is skipped entirely.
func (r *JobRepo) withReaperLock(
	ctx context.Context,
	minorKey int64,
	fn func(tx *sql.Tx) (sql.Result, error),
) (int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var locked bool
	if lockErr := tx.QueryRowContext(ctx,
		"SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)",
		advisoryLockReaperMajor, minorKey,
	).Scan(&locked); lockErr != nil {
		return 0, fmt.Errorf("acquire advisory lock: %w", lockErr)
	}
	if !locked {
		return 0, nil
	}

	res, err := fn(tx)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return affected, nil
}
