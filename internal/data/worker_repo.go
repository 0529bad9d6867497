package data

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clipforge/taskd/internal/domain/model"
)

// WorkerRepo provides database operations for workers (edge instances).
type WorkerRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewWorkerRepo creates a new WorkerRepo.
func NewWorkerRepo(db *sql.DB, cfg RepoConfig) *WorkerRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &WorkerRepo{DB: db, timeProvider: tp, logger: cfg.Logger}
}

const workerColumns = `id, tenant_id, name, api_key, last_seen_at, created_at`

// Create registers a new worker under a tenant with a freshly generated API
// key. The key is returned exactly once; only its holder can claim jobs for
// the tenant.
func (r *WorkerRepo) Create(ctx context.Context, req *model.CreateWorkerRequest) (*model.Worker, error) {
	if req == nil {
		return nil, errors.New("create worker request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		return nil, err
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO workers (tenant_id, name, api_key)
		VALUES ($1, $2, $3)
		RETURNING `+workerColumns,
		req.TenantID, req.Name, apiKey)

	worker, err := scanWorker(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateName
		}
		return nil, fmt.Errorf("insert worker: %w", err)
	}
	return worker, nil
}

// GetByAPIKey resolves a worker from its API key. The tenant scope of every
// authenticated request derives from this lookup.
func (r *WorkerRepo) GetByAPIKey(ctx context.Context, apiKey string) (*model.Worker, error) {
	if apiKey == "" {
		return nil, ErrWorkerNotFound
	}
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+workerColumns+` FROM workers WHERE api_key = $1
	`, apiKey)

	worker, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worker by api key: %w", err)
	}
	return worker, nil
}

// TouchLastSeen records worker liveness on each poll.
func (r *WorkerRepo) TouchLastSeen(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE workers SET last_seen_at = $2 WHERE id = $1
	`, id, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("touch worker last seen: %w", err)
	}
	return nil
}

func scanWorker(scanner jobRowScanner) (*model.Worker, error) {
	var w model.Worker
	var lastSeen sql.NullTime
	if err := scanner.Scan(&w.ID, &w.TenantID, &w.Name, &w.APIKey, &lastSeen, &w.CreatedAt); err != nil {
		return nil, err
	}
	w.LastSeenAt = cloneNullableTime(lastSeen)
	return &w, nil
}

func generateAPIKey() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
