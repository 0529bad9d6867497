package testutil

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/taskd/internal/domain/model"
)

// JobRequestBuilder builds CreateJobRequest values for tests.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest returns a builder with usable defaults.
func NewJobRequest(tenantID string) *JobRequestBuilder {
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			TenantID:    tenantID,
			Type:        model.JobTypeNarration,
			Payload:     json.RawMessage(`{"input": "a quiet morning in the harbor"}`),
			MaxAttempts: 3,
		},
	}
}

// WithType sets the job type.
func (b *JobRequestBuilder) WithType(jobType model.JobType) *JobRequestBuilder {
	b.req.Type = jobType
	return b
}

// WithPayload sets the payload from a JSON string.
func (b *JobRequestBuilder) WithPayload(payload string) *JobRequestBuilder {
	b.req.Payload = json.RawMessage(payload)
	return b
}

// WithMaxAttempts sets the per-job attempt bound.
func (b *JobRequestBuilder) WithMaxAttempts(n int) *JobRequestBuilder {
	b.req.MaxAttempts = n
	return b
}

// Build returns the assembled request.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	req := *b.req
	return &req
}

// SeedTenant inserts a tenant row directly and returns it.
func SeedTenant(t TestingTB, db *sql.DB, name string) *model.Tenant {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tenant := &model.Tenant{ID: uuid.NewString(), Name: name}
	err := db.QueryRowContext(ctx,
		`INSERT INTO tenants (id, name) VALUES ($1, $2) RETURNING created_at`,
		tenant.ID, tenant.Name,
	).Scan(&tenant.CreatedAt)
	if err != nil {
		t.Fatalf("Failed to seed tenant %q: %v", name, err)
	}
	return tenant
}

// SeedWorker inserts a worker row for the tenant and returns it with its
// plain API key populated.
func SeedWorker(t TestingTB, db *sql.DB, tenantID, name string) *model.Worker {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	worker := &model.Worker{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Name:     name,
		APIKey:   "test-key-" + uuid.NewString(),
	}
	err := db.QueryRowContext(ctx,
		`INSERT INTO workers (id, tenant_id, name, api_key) VALUES ($1, $2, $3, $4) RETURNING created_at`,
		worker.ID, worker.TenantID, worker.Name, worker.APIKey,
	).Scan(&worker.CreatedAt)
	if err != nil {
		t.Fatalf("Failed to seed worker %q: %v", name, err)
	}
	return worker
}
