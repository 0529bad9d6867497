// Package model defines the core data types for the taskd job engine.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobType selects the handler that executes a job. The set of valid types is
// whatever the process registered at startup; validity is decided at dispatch,
// not at submission, so a job with an unknown type is accepted and then fails.
type JobType string

// Built-in job types registered by the default bootstrap.
const (
	JobTypeNarration     JobType = "narration"
	JobTypeDubbing       JobType = "dubbing"
	JobTypeEditingScript JobType = "editing_script"
	JobTypeLocalization  JobType = "localization"
	JobTypeEcho          JobType = "echo"
)

// JobState represents the lifecycle state of a job.
type JobState string

const (
	// JobStatePending indicates a job is waiting to be claimed by a worker.
	JobStatePending JobState = "pending"
	// JobStateAssigned indicates a job has been claimed but not yet started.
	JobStateAssigned JobState = "assigned"
	// JobStateRunning indicates a job is currently executing.
	JobStateRunning JobState = "running"
	// JobStateCompleted indicates a job finished successfully. Terminal.
	JobStateCompleted JobState = "completed"
	// JobStateFailed indicates a job failed permanently. Terminal.
	JobStateFailed JobState = "failed"
)

// Valid returns true if the JobState is a known state.
func (s JobState) Valid() bool {
	switch s {
	case JobStatePending, JobStateAssigned, JobStateRunning, JobStateCompleted, JobStateFailed:
		return true
	}
	return false
}

// Terminal returns true if no transition may leave this state.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

var (
	// ErrNoJobsAvailable is returned when no pending jobs are available to claim.
	ErrNoJobsAvailable = errors.New("no jobs available")
	// ErrTerminalState is returned when a transition is attempted from a terminal state.
	ErrTerminalState = errors.New("job is in a terminal state")
	// ErrResultRequired is returned when Complete is called without a result.
	ErrResultRequired = errors.New("completing a job requires a result")
)

// InvalidTransitionError reports a state-machine edge that does not exist.
type InvalidTransitionError struct {
	From JobState
	To   JobState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid job transition %s -> %s", e.From, e.To)
}

// ErrorSummary is the tenant-visible description of a failed job. It carries a
// short human-readable message and the failure classification tag, never a
// stack trace.
type ErrorSummary struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
}

// Job is the persisted record for one unit of asynchronous work. All access
// is scoped by TenantID; rows are mutated only through the transition methods
// below together with the repository's guarded UPDATEs.
type Job struct {
	ID               string          `json:"id"                           db:"id"`
	TenantID         string          `json:"tenant_id"                    db:"tenant_id"`
	Type             JobType         `json:"type"                         db:"type"`
	State            JobState        `json:"state"                        db:"state"`
	AssignedWorkerID *string         `json:"assigned_worker_id,omitempty" db:"assigned_worker_id"`
	Payload          json.RawMessage `json:"payload"                      db:"payload"`
	Result           json.RawMessage `json:"result,omitempty"             db:"result"`
	Usage            json.RawMessage `json:"usage,omitempty"              db:"usage"`
	LastError        *string         `json:"last_error,omitempty"         db:"last_error"`
	Attempt          int             `json:"attempt"                      db:"attempt"`
	MaxAttempts      int             `json:"max_attempts"                 db:"max_attempts"`
	ScheduledAt      time.Time       `json:"scheduled_at"                 db:"scheduled_at"`
	CreatedAt        time.Time       `json:"created_at"                   db:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"         db:"started_at"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"        db:"finished_at"`
	Duration         *time.Duration  `json:"duration,omitempty"           db:"duration"`
	UpdatedAt        time.Time       `json:"updated_at"                   db:"updated_at"`
}

// Start transitions assigned -> running and records started_at. started_at is
// only set on the first dispatch cycle; a retried job keeps its original.
func (j *Job) Start(now time.Time) error {
	if err := j.guardTerminal(); err != nil {
		return err
	}
	if j.State != JobStateAssigned {
		return &InvalidTransitionError{From: j.State, To: JobStateRunning}
	}
	j.State = JobStateRunning
	if j.StartedAt == nil {
		t := now.UTC()
		j.StartedAt = &t
	}
	return nil
}

// Complete transitions running -> completed and stores the handler result.
func (j *Job) Complete(result json.RawMessage, now time.Time) error {
	if err := j.guardTerminal(); err != nil {
		return err
	}
	if j.State != JobStateRunning {
		return &InvalidTransitionError{From: j.State, To: JobStateCompleted}
	}
	if len(result) == 0 {
		return ErrResultRequired
	}
	j.State = JobStateCompleted
	j.Result = result
	j.finish(now)
	return nil
}

// Fail transitions any non-terminal state -> failed with an error summary.
// The summary replaces the result so status queries surface it.
func (j *Job) Fail(summary ErrorSummary, now time.Time) error {
	if err := j.guardTerminal(); err != nil {
		return err
	}
	j.State = JobStateFailed
	msg := summary.Error
	j.LastError = &msg
	if encoded, err := json.Marshal(summary); err == nil {
		j.Result = encoded
	}
	j.finish(now)
	return nil
}

// Requeue resets a running job to pending for a fresh dispatch cycle after
// delay, incrementing the attempt counter. It is not a backward FSM edge: the
// record re-enters the full pending -> assigned -> running cycle and may be
// claimed by a different worker.
func (j *Job) Requeue(delay time.Duration, now time.Time) error {
	if err := j.guardTerminal(); err != nil {
		return err
	}
	if j.State != JobStateRunning {
		return &InvalidTransitionError{From: j.State, To: JobStatePending}
	}
	j.State = JobStatePending
	j.Attempt++
	j.ScheduledAt = now.UTC().Add(delay)
	return nil
}

func (j *Job) guardTerminal() error {
	if j.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, j.State)
	}
	return nil
}

func (j *Job) finish(now time.Time) {
	t := now.UTC()
	j.FinishedAt = &t
	if j.StartedAt != nil {
		d := t.Sub(*j.StartedAt)
		j.Duration = &d
	}
}

// CreateJobRequest represents a request to submit a new job.
type CreateJobRequest struct {
	TenantID    string          `json:"-"`
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

const defaultMaxAttempts = 3

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(string(r.Type)) == "" {
		return errors.New("job type is required")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	if r.MaxAttempts < 0 {
		return errors.New("max attempts must be >= 0")
	}
	return nil
}

// EffectiveMaxAttempts returns the configured attempt bound, defaulting to 3.
func (r *CreateJobRequest) EffectiveMaxAttempts() int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return defaultMaxAttempts
}

// JobStats represents per-tenant counts of jobs in each state.
type JobStats struct {
	Pending   int `json:"pending"`
	Assigned  int `json:"assigned"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// JobStatusResponse is the tenant-facing view of a job returned by the status
// endpoint. Result is present only for completed jobs; ErrorSummary only for
// failed ones.
type JobStatusResponse struct {
	ID           string          `json:"id"`
	Type         JobType         `json:"type"`
	State        JobState        `json:"state"`
	Result       json.RawMessage `json:"result,omitempty"`
	Usage        json.RawMessage `json:"usage,omitempty"`
	ErrorSummary *ErrorSummary   `json:"error_summary,omitempty"`
	DownloadPath *string         `json:"download_path,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}
