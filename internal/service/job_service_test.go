package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/clipforge/taskd/internal/domain/model"
	"github.com/clipforge/taskd/internal/mocks"
)

func completedJob() *model.Job {
	started := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	finished := started.Add(30 * time.Second)
	return &model.Job{
		ID:         "job-1",
		TenantID:   "tenant-1",
		Type:       model.JobTypeNarration,
		State:      model.JobStateCompleted,
		Result:     json.RawMessage(`{"output": "done", "download_path": "/files/out.mp3"}`),
		Usage:      json.RawMessage(`{"characters": 200}`),
		CreatedAt:  started.Add(-time.Minute),
		StartedAt:  &started,
		FinishedAt: &finished,
	}
}

func TestJobServiceCreate(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc := MustNewJobService(JobServiceOptions{Repo: repo})

	req := &model.CreateJobRequest{
		TenantID: "tenant-1",
		Type:     model.JobTypeNarration,
		Payload:  json.RawMessage(`{"input": "hello"}`),
	}
	created := &model.Job{ID: "job-1", TenantID: "tenant-1", Type: model.JobTypeNarration, State: model.JobStatePending}
	repo.EXPECT().Create(gomock.Any(), req).Return(created, nil)

	job, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, created, job)
}

func TestJobServiceCreateRejectsInvalidRequest(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc := MustNewJobService(JobServiceOptions{Repo: repo})

	_, err := svc.Create(context.Background(), &model.CreateJobRequest{TenantID: "tenant-1"})
	require.Error(t, err)
}

func TestJobServiceStatusCompleted(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc := MustNewJobService(JobServiceOptions{Repo: repo})

	repo.EXPECT().GetByID(gomock.Any(), "tenant-1", "job-1").Return(completedJob(), nil)

	resp, err := svc.Status(context.Background(), "tenant-1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCompleted, resp.State)
	assert.JSONEq(t, `{"output": "done", "download_path": "/files/out.mp3"}`, string(resp.Result))
	assert.JSONEq(t, `{"characters": 200}`, string(resp.Usage))
	require.NotNil(t, resp.DownloadPath)
	assert.Equal(t, "/files/out.mp3", *resp.DownloadPath)
}

func TestJobServiceStatusDownloadPathFromNestedOutput(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc := MustNewJobService(JobServiceOptions{Repo: repo})

	job := completedJob()
	job.Result = json.RawMessage(`{"output": {"download_path": "/files/nested.mp3"}}`)
	repo.EXPECT().GetByID(gomock.Any(), "tenant-1", "job-1").Return(job, nil)

	resp, err := svc.Status(context.Background(), "tenant-1", "job-1")
	require.NoError(t, err)
	require.NotNil(t, resp.DownloadPath)
	assert.Equal(t, "/files/nested.mp3", *resp.DownloadPath)
}

func TestJobServiceStatusDownloadPathAbsent(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc := MustNewJobService(JobServiceOptions{Repo: repo})

	job := completedJob()
	job.Result = json.RawMessage(`{"output": "plain text"}`)
	repo.EXPECT().GetByID(gomock.Any(), "tenant-1", "job-1").Return(job, nil)

	resp, err := svc.Status(context.Background(), "tenant-1", "job-1")
	require.NoError(t, err)
	assert.Nil(t, resp.DownloadPath)
}

func TestJobServiceStatusFailed(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc := MustNewJobService(JobServiceOptions{Repo: repo})

	job := completedJob()
	job.State = model.JobStateFailed
	job.Result = json.RawMessage(`{"error": "quota exhausted", "class": "retryable"}`)
	repo.EXPECT().GetByID(gomock.Any(), "tenant-1", "job-1").Return(job, nil)

	resp, err := svc.Status(context.Background(), "tenant-1", "job-1")
	require.NoError(t, err)
	require.NotNil(t, resp.ErrorSummary)
	assert.Equal(t, "quota exhausted", resp.ErrorSummary.Error)
	assert.Equal(t, "retryable", resp.ErrorSummary.Class)
	assert.Nil(t, resp.Result)
}

func TestJobServiceStatusFailedFallsBackToLastError(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc := MustNewJobService(JobServiceOptions{Repo: repo})

	lastErr := "worker vanished"
	job := completedJob()
	job.State = model.JobStateFailed
	job.Result = nil
	job.LastError = &lastErr
	repo.EXPECT().GetByID(gomock.Any(), "tenant-1", "job-1").Return(job, nil)

	resp, err := svc.Status(context.Background(), "tenant-1", "job-1")
	require.NoError(t, err)
	require.NotNil(t, resp.ErrorSummary)
	assert.Equal(t, "worker vanished", resp.ErrorSummary.Error)
}

func TestJobServiceStatusCachesTerminalOnly(t *testing.T) {
	t.Run("terminal response cached and served", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockJobRepository(ctrl)
		cache := mocks.NewMockCacheRepository(ctrl)
		svc := MustNewJobService(JobServiceOptions{Repo: repo, Cache: cache})

		var stored []byte
		cache.EXPECT().Get(gomock.Any(), "job_status:tenant-1:job-1").Return(nil, nil)
		repo.EXPECT().GetByID(gomock.Any(), "tenant-1", "job-1").Return(completedJob(), nil)
		cache.EXPECT().Set(gomock.Any(), "job_status:tenant-1:job-1", gomock.Any(), 10*time.Minute).DoAndReturn(
			func(_ context.Context, _ string, value []byte, _ time.Duration) error {
				stored = value
				return nil
			})

		_, err := svc.Status(context.Background(), "tenant-1", "job-1")
		require.NoError(t, err)
		require.NotEmpty(t, stored)

		// Second lookup never touches the repository.
		cache.EXPECT().Get(gomock.Any(), "job_status:tenant-1:job-1").Return(stored, nil)
		resp, err := svc.Status(context.Background(), "tenant-1", "job-1")
		require.NoError(t, err)
		assert.Equal(t, model.JobStateCompleted, resp.State)
	})

	t.Run("non-terminal response not cached", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockJobRepository(ctrl)
		cache := mocks.NewMockCacheRepository(ctrl)
		svc := MustNewJobService(JobServiceOptions{Repo: repo, Cache: cache})

		job := completedJob()
		job.State = model.JobStateRunning
		job.Result = nil
		cache.EXPECT().Get(gomock.Any(), gomock.Any()).Return(nil, nil)
		repo.EXPECT().GetByID(gomock.Any(), "tenant-1", "job-1").Return(job, nil)

		resp, err := svc.Status(context.Background(), "tenant-1", "job-1")
		require.NoError(t, err)
		assert.Equal(t, model.JobStateRunning, resp.State)
	})
}

func TestJobServiceStats(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc := MustNewJobService(JobServiceOptions{Repo: repo})

	stats := &model.JobStats{Pending: 3, Running: 1, Completed: 10}
	repo.EXPECT().Stats(gomock.Any(), "tenant-1").Return(stats, nil)

	got, err := svc.Stats(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, stats, got)
}

func TestNewJobServiceRejectsInvalidExpression(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)

	_, err := NewJobService(JobServiceOptions{Repo: repo, DownloadPathExpr: "output[."})
	require.Error(t, err)
}
