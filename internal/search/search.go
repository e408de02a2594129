// Package search finds a tenant's complaints whose embeddings sit close to a
// query vector. Postgres with pgvector is the source of truth; Qdrant can be
// layered on top as an accelerator kept consistent through the search outbox.
package search

import (
	"cmp"
	"context"
	"math"
	"slices"

	"github.com/google/uuid"

	"github.com/ashita-ai/kujo/internal/model"
)

// Index stores one vector per complaint and answers tenant-scoped
// similarity queries. Implementations must be safe for concurrent use.
type Index interface {
	// Upsert stores e, replacing any vector already held for the complaint.
	Upsert(ctx context.Context, e model.ComplaintEmbedding) error

	// FindSimilar returns complaints whose cosine similarity to q.Vector is
	// strictly above q.Threshold, most similar first. Results never cross
	// tenants and never include q.ExcludeID.
	FindSimilar(ctx context.Context, q model.SimilarityQuery) ([]model.SimilarComplaint, error)
}

// Store is the slice of storage.DB the indexes need.
type Store interface {
	UpsertEmbedding(ctx context.Context, e model.ComplaintEmbedding, mirror bool) error
	FindSimilarEmbeddings(ctx context.Context, q model.SimilarityQuery) ([]model.SimilarComplaint, error)
	AckOutbox(ctx context.Context, complaintID uuid.UUID, operation string) error
}

// defaultLimit caps a query that does not set its own limit.
const defaultLimit = 50

// PGIndex answers queries directly from the complaint_embeddings table.
type PGIndex struct {
	store Store
}

// NewPGIndex returns an Index backed by Postgres.
func NewPGIndex(store Store) *PGIndex {
	return &PGIndex{store: store}
}

// Upsert implements Index.
func (p *PGIndex) Upsert(ctx context.Context, e model.ComplaintEmbedding) error {
	return p.store.UpsertEmbedding(ctx, e, false)
}

// FindSimilar implements Index.
func (p *PGIndex) FindSimilar(ctx context.Context, q model.SimilarityQuery) ([]model.SimilarComplaint, error) {
	return p.store.FindSimilarEmbeddings(ctx, q)
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// rank sorts by similarity descending, breaking ties by complaint ID so
// results are stable, and truncates to limit.
func rank(results []model.SimilarComplaint, limit int) []model.SimilarComplaint {
	slices.SortFunc(results, func(a, b model.SimilarComplaint) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		return slices.Compare(a.ComplaintID[:], b.ComplaintID[:])
	})
	if limit <= 0 {
		limit = defaultLimit
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}
