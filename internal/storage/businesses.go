package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kujo/internal/model"
)

// CreateBusiness registers a business for a tenant. The registry itself is
// external; this is how its records are mirrored in.
func (db *DB) CreateBusiness(ctx context.Context, b model.Business) (model.Business, error) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Status == "" {
		b.Status = "active"
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO businesses (id, tenant_id, name, industry, status, email, previous_complaint_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.TenantID, b.Name, b.Industry, b.Status, b.Email, b.PreviousComplaintCount,
	)
	if err != nil {
		return model.Business{}, fmt.Errorf("storage: create business: %w", err)
	}
	return b, nil
}

// GetBusiness returns a tenant's business by ID.
func (db *DB) GetBusiness(ctx context.Context, tenantID, id uuid.UUID) (model.Business, error) {
	var b model.Business
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, industry, status, email, previous_complaint_count
		 FROM businesses WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	).Scan(&b.ID, &b.TenantID, &b.Name, &b.Industry, &b.Status, &b.Email, &b.PreviousComplaintCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Business{}, ErrNotFound
		}
		return model.Business{}, fmt.Errorf("storage: get business: %w", err)
	}
	return b, nil
}
