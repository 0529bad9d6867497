package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/clipforge/taskd/internal/core"
	"github.com/clipforge/taskd/internal/data"
	"github.com/clipforge/taskd/internal/domain/model"
	"github.com/clipforge/taskd/internal/domain/retry"
	"github.com/clipforge/taskd/internal/domain/usage"
	"github.com/clipforge/taskd/internal/mocks"
)

func orchestratorJob() *model.Job {
	started := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	return &model.Job{
		ID:          "job-1",
		TenantID:    "tenant-1",
		Type:        model.JobTypeNarration,
		State:       model.JobStateRunning,
		Payload:     json.RawMessage(`{"input": "hello"}`),
		Attempt:     0,
		MaxAttempts: 3,
		StartedAt:   &started,
	}
}

func newOrchestratorForTest(t *testing.T, repo core.JobRepository, registry *HandlerRegistry) *JobOrchestrator {
	t.Helper()
	return MustNewJobOrchestrator(JobOrchestratorOptions{
		Repo:     repo,
		Registry: registry,
	})
}

func TestOrchestratorRunSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	registry := NewHandlerRegistry()

	job := orchestratorJob()
	registry.Register(model.JobTypeNarration, HandlerFunc(
		func(_ context.Context, got *model.Job) (*HandlerResult, error) {
			assert.Equal(t, job.ID, got.ID)
			return &HandlerResult{
				Result: json.RawMessage(`{"output": "done"}`),
				Usage:  usage.Record{"characters": 42.0},
			}, nil
		}))

	repo.EXPECT().MarkRunning(gomock.Any(), "job-1").Return(job, nil)
	repo.EXPECT().Complete(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, params core.CompleteParams) (bool, error) {
			assert.Equal(t, "job-1", params.ID)
			assert.JSONEq(t, `{"output": "done"}`, string(params.Result))
			assert.JSONEq(t, `{"characters": 42}`, string(params.Usage))
			return true, nil
		})

	orchestrator := newOrchestratorForTest(t, repo, registry)
	require.NoError(t, orchestrator.Run(context.Background(), "job-1"))
}

func TestOrchestratorRunSuccessEmptyResultDefaults(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	registry := NewHandlerRegistry()
	registry.Register(model.JobTypeNarration, HandlerFunc(
		func(_ context.Context, _ *model.Job) (*HandlerResult, error) {
			return &HandlerResult{}, nil
		}))

	repo.EXPECT().MarkRunning(gomock.Any(), "job-1").Return(orchestratorJob(), nil)
	repo.EXPECT().Complete(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, params core.CompleteParams) (bool, error) {
			assert.JSONEq(t, `{}`, string(params.Result))
			assert.JSONEq(t, `{}`, string(params.Usage))
			return true, nil
		})

	orchestrator := newOrchestratorForTest(t, repo, registry)
	require.NoError(t, orchestrator.Run(context.Background(), "job-1"))
}

func TestOrchestratorRunNotClaimable(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)

	repo.EXPECT().MarkRunning(gomock.Any(), "job-1").Return(nil, data.ErrJobNotClaimable)

	orchestrator := newOrchestratorForTest(t, repo, NewHandlerRegistry())
	require.NoError(t, orchestrator.Run(context.Background(), "job-1"))
}

func TestOrchestratorRunMarkRunningInfrastructureError(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)

	dbErr := errors.New("connection reset")
	repo.EXPECT().MarkRunning(gomock.Any(), "job-1").Return(nil, dbErr)

	orchestrator := newOrchestratorForTest(t, repo, NewHandlerRegistry())
	require.ErrorIs(t, orchestrator.Run(context.Background(), "job-1"), dbErr)
}

func TestOrchestratorRunUnknownType(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)

	job := orchestratorJob()
	job.Type = "teleportation"
	repo.EXPECT().MarkRunning(gomock.Any(), "job-1").Return(job, nil)
	repo.EXPECT().Fail(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, params core.FailParams) (bool, error) {
			assert.Equal(t, "job-1", params.ID)
			assert.Equal(t, "fatal", params.Summary.Class)
			assert.Contains(t, params.Summary.Error, "teleportation")
			return true, nil
		})

	orchestrator := newOrchestratorForTest(t, repo, NewHandlerRegistry())
	require.NoError(t, orchestrator.Run(context.Background(), "job-1"))
}

func TestOrchestratorRunRetryableRequeues(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	registry := NewHandlerRegistry()
	registry.Register(model.JobTypeNarration, HandlerFunc(
		func(_ context.Context, _ *model.Job) (*HandlerResult, error) {
			return nil, &model.RateLimitError{Provider: "generation-gateway", Msg: "quota exhausted"}
		}))

	job := orchestratorJob()
	job.Attempt = 1
	repo.EXPECT().MarkRunning(gomock.Any(), "job-1").Return(job, nil)
	repo.EXPECT().RequeueForRetry(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, params core.RequeueParams) (bool, error) {
			assert.Equal(t, "job-1", params.ID)
			assert.Equal(t, retry.DefaultJobPolicy.Delay(1), params.Delay)
			assert.Contains(t, params.Cause, "rate limit")
			return true, nil
		})

	orchestrator := newOrchestratorForTest(t, repo, registry)
	require.NoError(t, orchestrator.Run(context.Background(), "job-1"))
}

func TestOrchestratorRunRetryableExhaustedFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	registry := NewHandlerRegistry()
	registry.Register(model.JobTypeNarration, HandlerFunc(
		func(_ context.Context, _ *model.Job) (*HandlerResult, error) {
			return nil, &model.RateLimitError{Provider: "generation-gateway", Msg: "quota exhausted"}
		}))

	// Attempt 2 of 3: a further requeue would exceed the per-job bound.
	job := orchestratorJob()
	job.Attempt = 2
	repo.EXPECT().MarkRunning(gomock.Any(), "job-1").Return(job, nil)
	repo.EXPECT().Fail(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, params core.FailParams) (bool, error) {
			assert.Equal(t, "retryable", params.Summary.Class)
			assert.Contains(t, params.Summary.Error, "quota exhausted")
			return true, nil
		})

	orchestrator := newOrchestratorForTest(t, repo, registry)
	require.NoError(t, orchestrator.Run(context.Background(), "job-1"))
}

func TestOrchestratorRunPolicyClampsJobMaxAttempts(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	registry := NewHandlerRegistry()
	registry.Register(model.JobTypeNarration, HandlerFunc(
		func(_ context.Context, _ *model.Job) (*HandlerResult, error) {
			return nil, &model.RateLimitError{Provider: "generation-gateway", Msg: "quota exhausted"}
		}))

	// The job asks for far more attempts than the operator allows; the
	// configured policy bound wins.
	job := orchestratorJob()
	job.Attempt = 1
	job.MaxAttempts = 10
	repo.EXPECT().MarkRunning(gomock.Any(), "job-1").Return(job, nil)
	repo.EXPECT().Fail(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, params core.FailParams) (bool, error) {
			assert.Equal(t, "retryable", params.Summary.Class)
			return true, nil
		})

	policy := retry.Policy{Initial: 5 * time.Second, Max: 5 * time.Minute, MaxAttempts: 2}
	orchestrator := MustNewJobOrchestrator(JobOrchestratorOptions{
		Repo:     repo,
		Registry: registry,
		Policy:   &policy,
	})
	require.NoError(t, orchestrator.Run(context.Background(), "job-1"))
}

func TestOrchestratorRunFatalHandlerError(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	registry := NewHandlerRegistry()
	registry.Register(model.JobTypeNarration, HandlerFunc(
		func(_ context.Context, _ *model.Job) (*HandlerResult, error) {
			return nil, &model.ValidationError{Field: "payload", Msg: "malformed"}
		}))

	repo.EXPECT().MarkRunning(gomock.Any(), "job-1").Return(orchestratorJob(), nil)
	repo.EXPECT().Fail(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, params core.FailParams) (bool, error) {
			assert.Equal(t, "fatal", params.Summary.Class)
			return true, nil
		})

	orchestrator := newOrchestratorForTest(t, repo, registry)
	require.NoError(t, orchestrator.Run(context.Background(), "job-1"))
}

func TestOrchestratorRunCompletionDroppedWhenNotRunning(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	registry := NewHandlerRegistry()
	registry.Register(model.JobTypeNarration, HandlerFunc(
		func(_ context.Context, _ *model.Job) (*HandlerResult, error) {
			return &HandlerResult{Result: json.RawMessage(`{}`)}, nil
		}))

	repo.EXPECT().MarkRunning(gomock.Any(), "job-1").Return(orchestratorJob(), nil)
	repo.EXPECT().Complete(gomock.Any(), gomock.Any()).Return(false, nil)

	orchestrator := newOrchestratorForTest(t, repo, registry)
	require.NoError(t, orchestrator.Run(context.Background(), "job-1"))
}
