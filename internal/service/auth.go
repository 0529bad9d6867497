package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clipforge/taskd/internal/core"
	"github.com/clipforge/taskd/internal/data"
	"github.com/clipforge/taskd/internal/domain/model"
)

// ErrInvalidAPIKey indicates the presented API key matched no worker.
var ErrInvalidAPIKey = errors.New("invalid api key")

// AuthServiceOptions groups dependencies for AuthService.
type AuthServiceOptions struct {
	Workers core.WorkerRepository // Required: worker repository
	Tenants core.TenantRepository // Required: tenant repository
	Logger  *slog.Logger          // Optional: structured logger
}

// AuthService resolves API keys to workers. Every authenticated request's
// tenant scope derives from this lookup; handlers never accept a tenant id
// from the client.
type AuthService struct {
	workers core.WorkerRepository
	tenants core.TenantRepository
	logger  *slog.Logger
}

// NewAuthService constructs an AuthService.
func NewAuthService(opts AuthServiceOptions) (*AuthService, error) {
	if opts.Workers == nil {
		return nil, errors.New("WorkerRepository is required")
	}
	if opts.Tenants == nil {
		return nil, errors.New("TenantRepository is required")
	}
	return &AuthService{
		workers: opts.Workers,
		tenants: opts.Tenants,
		logger:  resolveLogger(opts.Logger).With("component", "auth_service"),
	}, nil
}

// MustNewAuthService constructs an AuthService and panics on error.
func MustNewAuthService(opts AuthServiceOptions) *AuthService {
	svc, err := NewAuthService(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create AuthService: %v", err))
	}
	return svc
}

// Authenticate resolves an API key to its worker. Unknown keys return
// ErrInvalidAPIKey without revealing whether the key was close to valid.
func (s *AuthService) Authenticate(ctx context.Context, apiKey string) (*model.Worker, error) {
	if apiKey == "" {
		return nil, ErrInvalidAPIKey
	}
	worker, err := s.workers.GetByAPIKey(ctx, apiKey)
	if err != nil {
		if errors.Is(err, data.ErrWorkerNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("resolve api key: %w", err)
	}
	return worker, nil
}

// CreateTenant provisions a new tenant.
func (s *AuthService) CreateTenant(ctx context.Context, name string) (*model.Tenant, error) {
	if name == "" {
		return nil, &model.ValidationError{Field: "name", Msg: "is required"}
	}
	tenant, err := s.tenants.Create(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create tenant: %w", err)
	}
	s.logger.InfoContext(ctx, "tenant created", "id", tenant.ID, "name", tenant.Name)
	return tenant, nil
}

// CreateWorker provisions a new worker under a tenant. The generated API key
// is returned exactly once, on this response.
func (s *AuthService) CreateWorker(ctx context.Context, req *model.CreateWorkerRequest) (*model.Worker, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.tenants.GetByID(ctx, req.TenantID); err != nil {
		return nil, fmt.Errorf("resolve tenant: %w", err)
	}
	worker, err := s.workers.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create worker: %w", err)
	}
	s.logger.InfoContext(ctx, "worker created",
		"id", worker.ID,
		"tenant_id", worker.TenantID,
		"name", worker.Name,
	)
	return worker, nil
}
