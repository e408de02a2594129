package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kujo/internal/model"
)

// Heatmap counts the tenant's triaged complaints by category and industry
// created after since. Missing values are reported as "unknown".
func (db *DB) Heatmap(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]model.HeatmapCell, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT COALESCE(category, 'unknown'), COALESCE(industry, 'unknown'), COUNT(*)
		 FROM complaints
		 WHERE tenant_id = $1 AND created_at > $2 AND triaged_at IS NOT NULL
		 GROUP BY 1, 2
		 ORDER BY 3 DESC, 1, 2`,
		tenantID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: heatmap: %w", err)
	}
	defer rows.Close()

	var out []model.HeatmapCell
	for rows.Next() {
		var c model.HeatmapCell
		if err := rows.Scan(&c.Category, &c.Industry, &c.Count); err != nil {
			return nil, fmt.Errorf("storage: scan heatmap cell: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RepeatOffenders returns businesses with at least minCount complaints for
// the tenant, most complained-about first.
func (db *DB) RepeatOffenders(ctx context.Context, tenantID uuid.UUID, minCount, limit int) ([]model.RepeatOffender, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT b.id, b.name, COUNT(c.id), COUNT(c.id) FILTER (WHERE c.is_systemic_risk)
		 FROM businesses b
		 JOIN complaints c ON c.business_id = b.id AND c.tenant_id = b.tenant_id
		 WHERE b.tenant_id = $1
		 GROUP BY b.id, b.name
		 HAVING COUNT(c.id) >= $2
		 ORDER BY 3 DESC, b.name
		 LIMIT $3`,
		tenantID, minCount, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: repeat offenders: %w", err)
	}
	defer rows.Close()

	var out []model.RepeatOffender
	for rows.Next() {
		var r model.RepeatOffender
		if err := rows.Scan(&r.BusinessID, &r.Name, &r.ComplaintCount, &r.SystemicCount); err != nil {
			return nil, fmt.Errorf("storage: scan repeat offender: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
