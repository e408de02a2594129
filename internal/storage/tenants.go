package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kujo/internal/model"
)

// EnsureTenant inserts the tenant if it does not exist yet.
func (db *DB) EnsureTenant(ctx context.Context, id uuid.UUID, name string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tenants (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		id, name,
	)
	if err != nil {
		return fmt.Errorf("storage: ensure tenant: %w", err)
	}
	return nil
}

// GetPriorityWeights returns the tenant's configured weights, or the
// defaults when none are stored.
func (db *DB) GetPriorityWeights(ctx context.Context, tenantID uuid.UUID) (model.PriorityWeights, error) {
	var w *model.PriorityWeights
	err := db.pool.QueryRow(ctx,
		`SELECT priority_weights FROM tenants WHERE id = $1`, tenantID,
	).Scan(&w)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PriorityWeights{}, ErrNotFound
		}
		return model.PriorityWeights{}, fmt.Errorf("storage: get priority weights: %w", err)
	}
	if w == nil {
		return model.DefaultPriorityWeights(), nil
	}
	return *w, nil
}

// SetPriorityWeights replaces the tenant's weights. Callers validate first.
func (db *DB) SetPriorityWeights(ctx context.Context, tenantID uuid.UUID, w model.PriorityWeights) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE tenants SET priority_weights = $1, updated_at = now() WHERE id = $2`,
		w, tenantID,
	)
	if err != nil {
		return fmt.Errorf("storage: set priority weights: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
