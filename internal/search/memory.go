package search

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kujo/internal/model"
)

type memoryEntry struct {
	vector    []float32
	createdAt time.Time
}

// MemoryIndex is a brute-force in-process Index for development and tests.
// Contents are lost on restart.
type MemoryIndex struct {
	mu      sync.RWMutex
	tenants map[uuid.UUID]map[uuid.UUID]memoryEntry
	now     func() time.Time
}

// NewMemoryIndex returns an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		tenants: make(map[uuid.UUID]map[uuid.UUID]memoryEntry),
		now:     time.Now,
	}
}

// Upsert implements Index.
func (m *MemoryIndex) Upsert(_ context.Context, e model.ComplaintEmbedding) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.tenants[e.TenantID]
	if !ok {
		entries = make(map[uuid.UUID]memoryEntry)
		m.tenants[e.TenantID] = entries
	}
	if prev, ok := entries[e.ComplaintID]; ok {
		created = prev.createdAt
	}
	entries[e.ComplaintID] = memoryEntry{vector: slices.Clone(e.Vector), createdAt: created}
	return nil
}

// FindSimilar implements Index.
func (m *MemoryIndex) FindSimilar(_ context.Context, q model.SimilarityQuery) ([]model.SimilarComplaint, error) {
	bounded := q.Window > 0
	since := m.now().Add(-q.Window)

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.SimilarComplaint
	for id, e := range m.tenants[q.TenantID] {
		if id == q.ExcludeID || (bounded && !e.createdAt.After(since)) {
			continue
		}
		sim := Cosine(q.Vector, e.vector)
		if sim > q.Threshold {
			out = append(out, model.SimilarComplaint{ComplaintID: id, Similarity: sim})
		}
	}
	return rank(out, q.Limit), nil
}

// Len returns the number of vectors held for a tenant.
func (m *MemoryIndex) Len(tenantID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tenants[tenantID])
}
