package model

import (
	"errors"
	"strings"
	"time"
)

// Tenant is an isolation boundary. Jobs and the workers that may claim them
// belong to exactly one tenant; nothing crosses this boundary.
type Tenant struct {
	ID        string    `json:"id"         db:"id"`
	Name      string    `json:"name"       db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Worker is an edge instance registered under a tenant. Workers authenticate
// with an opaque API key and poll for jobs scoped to their tenant.
type Worker struct {
	ID         string     `json:"id"                     db:"id"`
	TenantID   string     `json:"tenant_id"              db:"tenant_id"`
	Name       string     `json:"name"                   db:"name"`
	APIKey     string     `json:"-"                      db:"api_key"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty" db:"last_seen_at"`
	CreatedAt  time.Time  `json:"created_at"             db:"created_at"`
}

// CreateWorkerRequest registers a new worker under a tenant.
type CreateWorkerRequest struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
}

// Validate validates the CreateWorkerRequest fields.
func (r *CreateWorkerRequest) Validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("worker name is required")
	}
	return nil
}
