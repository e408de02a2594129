package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kujo/internal/model"
)

// UpsertEmbedding stores the complaint's vector, replacing any previous
// one. When mirror is set, a search_outbox row is written in the same
// transaction so an external index can be repaired if the direct write to
// it fails.
func (db *DB) UpsertEmbedding(ctx context.Context, e model.ComplaintEmbedding, mirror bool) error {
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO complaint_embeddings (complaint_id, tenant_id, embedding, model)
			 SELECT $1, $2, $3, $4
			 WHERE EXISTS (SELECT 1 FROM complaints WHERE id = $1 AND tenant_id = $2)
			 ON CONFLICT (complaint_id) DO UPDATE
			 SET embedding = EXCLUDED.embedding, model = EXCLUDED.model, updated_at = now()
			 WHERE complaint_embeddings.tenant_id = EXCLUDED.tenant_id`,
			e.ComplaintID, e.TenantID, pgvector.NewVector(e.Vector), e.Model,
		); err != nil {
			return err
		}
		if !mirror {
			return nil
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO search_outbox (complaint_id, tenant_id, operation)
			 VALUES ($1, $2, 'upsert')
			 ON CONFLICT (complaint_id, operation) DO UPDATE
			 SET attempts = 0, last_error = NULL, locked_until = NULL`,
			e.ComplaintID, e.TenantID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: upsert embedding: %w", err)
	}
	return nil
}

// AckOutbox removes a pending outbox row once the external index has the
// complaint's vector.
func (db *DB) AckOutbox(ctx context.Context, complaintID uuid.UUID, operation string) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM search_outbox WHERE complaint_id = $1 AND operation = $2`,
		complaintID, operation,
	); err != nil {
		return fmt.Errorf("storage: ack outbox: %w", err)
	}
	return nil
}

// FindSimilarEmbeddings returns the tenant's complaints whose stored
// vector has cosine similarity strictly above q.Threshold, excluding
// q.ExcludeID, most similar first. A positive q.Window restricts matches
// to complaints created within it.
func (db *DB) FindSimilarEmbeddings(ctx context.Context, q model.SimilarityQuery) ([]model.SimilarComplaint, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var since *time.Time
	if q.Window > 0 {
		t := time.Now().Add(-q.Window)
		since = &t
	}

	rows, err := db.pool.Query(ctx,
		`SELECT e.complaint_id, 1 - (e.embedding <=> $1) AS similarity, c.systemic_cluster_id
		 FROM complaint_embeddings e
		 JOIN complaints c ON c.id = e.complaint_id AND c.tenant_id = e.tenant_id
		 WHERE e.tenant_id = $2
		   AND e.complaint_id <> $3
		   AND ($4::timestamptz IS NULL OR c.created_at > $4)
		   AND 1 - (e.embedding <=> $1) > $5
		 ORDER BY e.embedding <=> $1
		 LIMIT $6`,
		pgvector.NewVector(q.Vector), q.TenantID, q.ExcludeID, since, q.Threshold, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: find similar embeddings: %w", err)
	}
	defer rows.Close()

	var out []model.SimilarComplaint
	for rows.Next() {
		var s model.SimilarComplaint
		if err := rows.Scan(&s.ComplaintID, &s.Similarity, &s.ClusterID); err != nil {
			return nil, fmt.Errorf("storage: scan similar: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
