// Package data implements the persistence layer of the taskd job engine on
// PostgreSQL via pgx.
package data

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/clipforge/taskd/internal/domain/model"
)

var (
	// ErrJobNotFound is returned when a job does not exist within the caller's scope.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotClaimable is returned when a transition finds the job in a
	// state that does not allow it (typically a duplicate dispatch).
	ErrJobNotClaimable = errors.New("job is not in a claimable state")
	// ErrTenantNotFound is returned when a tenant does not exist.
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrWorkerNotFound is returned when no worker matches the given API key or id.
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrDuplicateName is returned when a tenant or worker name collides.
	ErrDuplicateName = errors.New("name already in use")
)

// RepoConfig holds shared configuration for repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo provides database operations for the job lifecycle.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo with the given database connection.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &JobRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const jobColumns = `
  id,
  tenant_id,
  type,
  state,
  assigned_worker_id,
  payload,
  result,
  usage,
  last_error,
  attempt,
  max_attempts,
  scheduled_at,
  created_at,
  started_at,
  finished_at,
  duration_ms,
  updated_at
`

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	payload, result, usage      []byte
	assignedWorkerID, lastError sql.NullString
	startedAt, finishedAt       sql.NullTime
	durationMillis              sql.NullInt64
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.TenantID,
		&job.Type,
		&job.State,
		&d.assignedWorkerID,
		&d.payload,
		&d.result,
		&d.usage,
		&d.lastError,
		&job.Attempt,
		&job.MaxAttempts,
		&job.ScheduledAt,
		&job.CreatedAt,
		&d.startedAt,
		&d.finishedAt,
		&d.durationMillis,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) {
	job.Payload = cloneJSON(d.payload)
	job.Result = cloneJSON(d.result)
	job.Usage = cloneJSON(d.usage)
	job.AssignedWorkerID = cloneNullableString(d.assignedWorkerID)
	job.LastError = cloneNullableString(d.lastError)
	job.StartedAt = cloneNullableTime(d.startedAt)
	job.FinishedAt = cloneNullableTime(d.finishedAt)
	job.Duration = cloneNullableMillis(d.durationMillis)
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}
	data.apply(job)
	return job, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func cloneNullableMillis(ni sql.NullInt64) *time.Duration {
	if !ni.Valid {
		return nil
	}
	d := time.Duration(ni.Int64) * time.Millisecond
	return &d
}

func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}
	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return job, nil
}

func collectJobsFromRows(rows pgx.Rows) ([]*model.Job, error) {
	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJobFromRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}
