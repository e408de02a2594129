package search

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashita-ai/kujo/internal/model"
)

// Remote is an external vector index such as QdrantIndex.
type Remote interface {
	UpsertPoints(ctx context.Context, points []Point) error
	FindSimilar(ctx context.Context, q model.SimilarityQuery) ([]model.SimilarComplaint, error)
	Healthy(ctx context.Context) error
}

// MirroredIndex writes every vector to Postgres and mirrors it to a remote
// index, which then serves queries. Postgres stays authoritative: a failed
// mirror write leaves an outbox row for OutboxWorker to replay, and queries
// fall back to pgvector while the remote is unhealthy or erroring.
type MirroredIndex struct {
	store  Store
	remote Remote
	logger *slog.Logger
}

// NewMirroredIndex returns an Index that mirrors store into remote.
func NewMirroredIndex(store Store, remote Remote, logger *slog.Logger) *MirroredIndex {
	return &MirroredIndex{store: store, remote: remote, logger: logger}
}

// Upsert implements Index. Only the Postgres write can fail the call.
func (m *MirroredIndex) Upsert(ctx context.Context, e model.ComplaintEmbedding) error {
	if err := m.store.UpsertEmbedding(ctx, e, true); err != nil {
		return err
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	if err := m.remote.UpsertPoints(ctx, []Point{{
		ComplaintID: e.ComplaintID,
		TenantID:    e.TenantID,
		CreatedAt:   created,
		Vector:      e.Vector,
	}}); err != nil {
		m.logger.Warn("search: mirror upsert failed, left for outbox",
			"complaint_id", e.ComplaintID, "error", err)
		return nil
	}
	if err := m.store.AckOutbox(ctx, e.ComplaintID, opUpsert); err != nil {
		m.logger.Warn("search: ack outbox", "complaint_id", e.ComplaintID, "error", err)
	}
	return nil
}

// FindSimilar implements Index.
func (m *MirroredIndex) FindSimilar(ctx context.Context, q model.SimilarityQuery) ([]model.SimilarComplaint, error) {
	if err := m.remote.Healthy(ctx); err == nil {
		results, err := m.remote.FindSimilar(ctx, q)
		if err == nil {
			return results, nil
		}
		m.logger.Warn("search: remote query failed, using pgvector", "tenant_id", q.TenantID, "error", err)
	}
	return m.store.FindSimilarEmbeddings(ctx, q)
}
