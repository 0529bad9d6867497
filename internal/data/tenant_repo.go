package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clipforge/taskd/internal/domain/model"
)

// TenantRepo provides database operations for tenants.
type TenantRepo struct {
	DB     *sql.DB
	logger *slog.Logger
}

// NewTenantRepo creates a new TenantRepo.
func NewTenantRepo(db *sql.DB, cfg RepoConfig) *TenantRepo {
	return &TenantRepo{DB: db, logger: cfg.Logger}
}

// Create inserts a new tenant.
func (r *TenantRepo) Create(ctx context.Context, name string) (*model.Tenant, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("tenant name is required")
	}

	var t model.Tenant
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO tenants (name)
		VALUES ($1)
		RETURNING id, name, created_at
	`, name).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateName
		}
		return nil, fmt.Errorf("insert tenant: %w", err)
	}
	return &t, nil
}

// GetByID retrieves a tenant by id.
func (r *TenantRepo) GetByID(ctx context.Context, id string) (*model.Tenant, error) {
	var t model.Tenant
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM tenants WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

// List returns tenants ordered by creation time.
func (r *TenantRepo) List(ctx context.Context, limit, offset int) ([]*model.Tenant, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, name, created_at
		FROM tenants
		ORDER BY created_at ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*model.Tenant
	for rows.Next() {
		var t model.Tenant
		if scanErr := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); scanErr != nil {
			return nil, scanErr
		}
		tenants = append(tenants, &t)
	}
	return tenants, rows.Err()
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
