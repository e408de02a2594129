package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kujo/internal/model"
)

const clusterColumns = `id, tenant_id, title, description, risk_level, complaint_count, avg_similarity,
	common_patterns, detection_method, is_active, is_acknowledged, acknowledged_by, acknowledged_at,
	created_at, updated_at`

func scanCluster(row pgx.Row) (model.Cluster, error) {
	var c model.Cluster
	err := row.Scan(
		&c.ID, &c.TenantID, &c.Title, &c.Description, &c.RiskLevel, &c.ComplaintCount, &c.AvgSimilarity,
		&c.CommonPatterns, &c.DetectionMethod, &c.IsActive, &c.IsAcknowledged, &c.AcknowledgedBy, &c.AcknowledgedAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

// NewCluster describes a cluster to create from a confirmed candidate group.
type NewCluster struct {
	TenantID       uuid.UUID
	TriggerID      uuid.UUID // complaint whose detection run formed the group
	Title          string
	Description    string
	RiskLevel      model.RiskLevel
	CommonPatterns []string
	AvgSimilarity  float64
	MemberIDs      []uuid.UUID
}

// JoinCluster adds a complaint to an active cluster of the same tenant and
// updates the running count and average similarity. The cluster row is
// locked for the duration. joined is false, and nothing changes, when the
// complaint already belongs to a cluster. A missing, foreign or inactive
// cluster yields ErrNotFound.
func (db *DB) JoinCluster(ctx context.Context, tenantID, clusterID, complaintID uuid.UUID, similarity float64) (cluster model.Cluster, joined bool, err error) {
	err = db.inTx(ctx, func(tx pgx.Tx) error {
		joined = false
		var active bool
		if err := tx.QueryRow(ctx,
			`SELECT is_active FROM systemic_clusters WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
			clusterID, tenantID,
		).Scan(&active); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if !active {
			return ErrNotFound
		}

		tag, err := tx.Exec(ctx,
			`UPDATE complaints SET systemic_cluster_id = $1, is_systemic_risk = true, updated_at = now()
			 WHERE id = $2 AND tenant_id = $3 AND systemic_cluster_id IS NULL`,
			clusterID, complaintID, tenantID,
		)
		if err != nil {
			return err
		}

		if tag.RowsAffected() == 1 {
			joined = true
			cluster, err = scanCluster(tx.QueryRow(ctx,
				`UPDATE systemic_clusters SET
					avg_similarity = (avg_similarity * complaint_count + $2) / (complaint_count + 1),
					complaint_count = complaint_count + 1,
					updated_at = now()
				 WHERE id = $1
				 RETURNING `+clusterColumns,
				clusterID, similarity,
			))
			return err
		}

		cluster, err = scanCluster(tx.QueryRow(ctx,
			`SELECT `+clusterColumns+` FROM systemic_clusters WHERE id = $1`, clusterID,
		))
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.Cluster{}, false, ErrNotFound
		}
		return model.Cluster{}, false, fmt.Errorf("storage: join cluster: %w", err)
	}
	if joined {
		db.notifyCluster(ctx, ClusterEvent{
			Event: "joined", TenantID: tenantID, ClusterID: cluster.ID,
			ComplaintID: complaintID, Count: cluster.ComplaintCount,
		})
	}
	return cluster, joined, nil
}

// CreateCluster creates a cluster and assigns every member to it. Member
// rows are locked in ID order; if any of them already has a cluster the
// transaction is abandoned with ErrClusterConflict so the caller can join
// that cluster instead. Members of other tenants are ignored.
func (db *DB) CreateCluster(ctx context.Context, nc NewCluster) (model.Cluster, error) {
	ids := slices.Clone(nc.MemberIDs)
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return slices.Compare(a[:], b[:]) })
	ids = slices.Compact(ids)

	risk := nc.RiskLevel
	if !risk.Valid() {
		risk = model.RiskMedium
	}
	patterns := nc.CommonPatterns
	if patterns == nil {
		patterns = []string{}
	}

	var cluster model.Cluster
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id, systemic_cluster_id FROM complaints
			 WHERE tenant_id = $1 AND id = ANY($2)
			 ORDER BY id
			 FOR UPDATE`,
			nc.TenantID, ids,
		)
		if err != nil {
			return err
		}
		var members []uuid.UUID
		conflict := false
		for rows.Next() {
			var id uuid.UUID
			var existing *uuid.UUID
			if err := rows.Scan(&id, &existing); err != nil {
				rows.Close()
				return err
			}
			if existing != nil {
				conflict = true
			}
			members = append(members, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if conflict {
			return ErrClusterConflict
		}
		if len(members) == 0 {
			return ErrNotFound
		}

		now := time.Now().UTC()
		cluster, err = scanCluster(tx.QueryRow(ctx,
			`INSERT INTO systemic_clusters (id, tenant_id, title, description, risk_level, complaint_count,
				avg_similarity, common_patterns, detection_method, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
			 RETURNING `+clusterColumns,
			uuid.New(), nc.TenantID, nc.Title, nc.Description, string(risk), len(members),
			nc.AvgSimilarity, patterns, model.DetectionMethodCosine, now,
		))
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE complaints SET systemic_cluster_id = $1, is_systemic_risk = true, updated_at = now()
			 WHERE tenant_id = $2 AND id = ANY($3) AND systemic_cluster_id IS NULL`,
			cluster.ID, nc.TenantID, members,
		)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrClusterConflict) || errors.Is(err, ErrNotFound) {
			return model.Cluster{}, err
		}
		return model.Cluster{}, fmt.Errorf("storage: create cluster: %w", err)
	}

	db.notifyCluster(ctx, ClusterEvent{
		Event: "created", TenantID: nc.TenantID, ClusterID: cluster.ID,
		ComplaintID: nc.TriggerID, Count: cluster.ComplaintCount,
	})
	return cluster, nil
}

// GetCluster returns a tenant's cluster by ID. A cluster owned by another
// tenant is reported as ErrNotFound.
func (db *DB) GetCluster(ctx context.Context, tenantID, id uuid.UUID) (model.Cluster, error) {
	c, err := scanCluster(db.pool.QueryRow(ctx,
		`SELECT `+clusterColumns+` FROM systemic_clusters WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Cluster{}, ErrNotFound
		}
		return model.Cluster{}, fmt.Errorf("storage: get cluster: %w", err)
	}
	return c, nil
}

// ClusterFilter narrows ListClusters.
type ClusterFilter struct {
	Active         *bool
	Unacknowledged bool
	Limit          int
	Offset         int
}

// ListClusters returns a page of the tenant's clusters, most recently
// updated first, plus the total matching count.
func (db *DB) ListClusters(ctx context.Context, tenantID uuid.UUID, f ClusterFilter) ([]model.Cluster, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	where := `tenant_id = $1 AND ($2::boolean IS NULL OR is_active = $2) AND (NOT $3 OR NOT is_acknowledged)`

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM systemic_clusters WHERE `+where, tenantID, f.Active, f.Unacknowledged,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count clusters: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+clusterColumns+` FROM systemic_clusters WHERE `+where+`
		 ORDER BY updated_at DESC
		 LIMIT $4 OFFSET $5`,
		tenantID, f.Active, f.Unacknowledged, f.Limit, f.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list clusters: %w", err)
	}
	defer rows.Close()

	var out []model.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan cluster: %w", err)
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

// AcknowledgeCluster records that an operator is aware of the cluster.
// Acknowledging twice keeps the first acknowledger.
func (db *DB) AcknowledgeCluster(ctx context.Context, tenantID, id uuid.UUID, by string) (model.Cluster, error) {
	c, err := scanCluster(db.pool.QueryRow(ctx,
		`UPDATE systemic_clusters SET
			is_acknowledged = true,
			acknowledged_by = COALESCE(acknowledged_by, $3),
			acknowledged_at = COALESCE(acknowledged_at, now()),
			updated_at = now()
		 WHERE id = $1 AND tenant_id = $2
		 RETURNING `+clusterColumns,
		id, tenantID, by,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Cluster{}, ErrNotFound
		}
		return model.Cluster{}, fmt.Errorf("storage: acknowledge cluster: %w", err)
	}
	return c, nil
}

// DeactivateCluster retires a cluster. Members keep their cluster
// reference and systemic flag.
func (db *DB) DeactivateCluster(ctx context.Context, tenantID, id uuid.UUID) (model.Cluster, error) {
	c, err := scanCluster(db.pool.QueryRow(ctx,
		`UPDATE systemic_clusters SET is_active = false, updated_at = now()
		 WHERE id = $1 AND tenant_id = $2
		 RETURNING `+clusterColumns,
		id, tenantID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Cluster{}, ErrNotFound
		}
		return model.Cluster{}, fmt.Errorf("storage: deactivate cluster: %w", err)
	}
	return c, nil
}
