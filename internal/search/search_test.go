package search

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kujo/internal/model"
)

func unit(theta float64) []float32 {
	return []float32{float32(math.Cos(theta)), float32(math.Sin(theta)), 0}
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 0}), "zero vector")
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 0}), "length mismatch")
	assert.Zero(t, Cosine(nil, nil))
}

func TestRank(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	got := rank([]model.SimilarComplaint{
		{ComplaintID: a, Similarity: 0.90},
		{ComplaintID: b, Similarity: 0.97},
		{ComplaintID: c, Similarity: 0.92},
	}, 2)
	require.Len(t, got, 2)
	assert.Equal(t, b, got[0].ComplaintID)
	assert.Equal(t, c, got[1].ComplaintID)
}

func TestMemoryIndexThresholdIsStrict(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	tenant := uuid.New()
	self, near, edge, far := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, idx.Upsert(ctx, model.ComplaintEmbedding{ComplaintID: self, TenantID: tenant, Vector: unit(0)}))
	require.NoError(t, idx.Upsert(ctx, model.ComplaintEmbedding{ComplaintID: near, TenantID: tenant, Vector: unit(0.2)}))
	require.NoError(t, idx.Upsert(ctx, model.ComplaintEmbedding{ComplaintID: edge, TenantID: tenant, Vector: unit(math.Pi / 2)}))
	require.NoError(t, idx.Upsert(ctx, model.ComplaintEmbedding{ComplaintID: far, TenantID: tenant, Vector: unit(1.2)}))

	got, err := idx.FindSimilar(ctx, model.SimilarityQuery{
		TenantID: tenant, ExcludeID: self, Vector: unit(0), Threshold: 0.85, Window: time.Hour,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, near, got[0].ComplaintID)

	// cos(pi/2) == 0 sits exactly on a zero threshold and is excluded.
	got, err = idx.FindSimilar(ctx, model.SimilarityQuery{
		TenantID: tenant, ExcludeID: self, Vector: unit(0), Threshold: 0, Window: time.Hour,
	})
	require.NoError(t, err)
	for _, s := range got {
		assert.NotEqual(t, edge, s.ComplaintID)
		assert.NotEqual(t, self, s.ComplaintID)
	}
	assert.Len(t, got, 2)
}

func TestMemoryIndexIsolatesTenants(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	a, b := uuid.New(), uuid.New()

	require.NoError(t, idx.Upsert(ctx, model.ComplaintEmbedding{ComplaintID: uuid.New(), TenantID: b, Vector: unit(0)}))

	got, err := idx.FindSimilar(ctx, model.SimilarityQuery{TenantID: a, Vector: unit(0), Threshold: 0.5})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryIndexWindowAndUpsert(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	now := time.Now()
	idx.now = func() time.Time { return now }
	tenant := uuid.New()
	old, recent := uuid.New(), uuid.New()

	require.NoError(t, idx.Upsert(ctx, model.ComplaintEmbedding{
		ComplaintID: old, TenantID: tenant, Vector: unit(0), CreatedAt: now.Add(-100 * 24 * time.Hour),
	}))
	require.NoError(t, idx.Upsert(ctx, model.ComplaintEmbedding{
		ComplaintID: recent, TenantID: tenant, Vector: unit(0), CreatedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, idx.Upsert(ctx, model.ComplaintEmbedding{
		ComplaintID: recent, TenantID: tenant, Vector: unit(0.1),
	}))
	assert.Equal(t, 2, idx.Len(tenant), "upsert replaces rather than duplicates")

	got, err := idx.FindSimilar(ctx, model.SimilarityQuery{
		TenantID: tenant, Vector: unit(0), Threshold: 0.85, Window: 90 * 24 * time.Hour,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, recent, got[0].ComplaintID)
	assert.InDelta(t, math.Cos(0.1), got[0].Similarity, 1e-6)

	all, err := idx.FindSimilar(ctx, model.SimilarityQuery{TenantID: tenant, Vector: unit(0), Threshold: 0.85})
	require.NoError(t, err)
	assert.Len(t, all, 2, "a zero window means no recency bound")
}

type fakeStore struct {
	upserts  []bool
	acked    []uuid.UUID
	pgCalls  int
	upsertFn func() error
}

func (f *fakeStore) UpsertEmbedding(_ context.Context, _ model.ComplaintEmbedding, mirror bool) error {
	f.upserts = append(f.upserts, mirror)
	if f.upsertFn != nil {
		return f.upsertFn()
	}
	return nil
}

func (f *fakeStore) FindSimilarEmbeddings(_ context.Context, _ model.SimilarityQuery) ([]model.SimilarComplaint, error) {
	f.pgCalls++
	return []model.SimilarComplaint{{ComplaintID: uuid.Nil, Similarity: 0.9}}, nil
}

func (f *fakeStore) AckOutbox(_ context.Context, id uuid.UUID, _ string) error {
	f.acked = append(f.acked, id)
	return nil
}

type fakeRemote struct {
	upsertErr  error
	queryErr   error
	healthErr  error
	points     []Point
	queryCalls int
}

func (f *fakeRemote) UpsertPoints(_ context.Context, points []Point) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.points = append(f.points, points...)
	return nil
}

func (f *fakeRemote) FindSimilar(_ context.Context, _ model.SimilarityQuery) ([]model.SimilarComplaint, error) {
	f.queryCalls++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return []model.SimilarComplaint{{ComplaintID: uuid.Max, Similarity: 0.95}}, nil
}

func (f *fakeRemote) Healthy(context.Context) error { return f.healthErr }

func TestPGIndexDelegates(t *testing.T) {
	store := &fakeStore{}
	idx := NewPGIndex(store)
	require.NoError(t, idx.Upsert(context.Background(), model.ComplaintEmbedding{ComplaintID: uuid.New()}))
	assert.Equal(t, []bool{false}, store.upserts, "pgvector-only writes need no outbox row")

	_, err := idx.FindSimilar(context.Background(), model.SimilarityQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, store.pgCalls)
}

func TestMirroredIndexUpsert(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()

	t.Run("acks outbox after remote write", func(t *testing.T) {
		store, remote := &fakeStore{}, &fakeRemote{}
		idx := NewMirroredIndex(store, remote, slog.Default())
		require.NoError(t, idx.Upsert(ctx, model.ComplaintEmbedding{ComplaintID: id, Vector: unit(0)}))
		assert.Equal(t, []bool{true}, store.upserts)
		require.Len(t, remote.points, 1)
		assert.Equal(t, id, remote.points[0].ComplaintID)
		assert.Equal(t, []uuid.UUID{id}, store.acked)
	})

	t.Run("remote failure leaves outbox row", func(t *testing.T) {
		store, remote := &fakeStore{}, &fakeRemote{upsertErr: errors.New("unavailable")}
		idx := NewMirroredIndex(store, remote, slog.Default())
		require.NoError(t, idx.Upsert(ctx, model.ComplaintEmbedding{ComplaintID: id, Vector: unit(0)}))
		assert.Empty(t, store.acked)
	})

	t.Run("postgres failure is returned", func(t *testing.T) {
		boom := errors.New("db down")
		store, remote := &fakeStore{upsertFn: func() error { return boom }}, &fakeRemote{}
		idx := NewMirroredIndex(store, remote, slog.Default())
		assert.ErrorIs(t, idx.Upsert(ctx, model.ComplaintEmbedding{ComplaintID: id}), boom)
		assert.Empty(t, remote.points)
	})
}

func TestMirroredIndexFallsBack(t *testing.T) {
	ctx := context.Background()

	store, remote := &fakeStore{}, &fakeRemote{}
	got, err := NewMirroredIndex(store, remote, slog.Default()).FindSimilar(ctx, model.SimilarityQuery{})
	require.NoError(t, err)
	assert.Equal(t, uuid.Max, got[0].ComplaintID)
	assert.Zero(t, store.pgCalls)

	store, remote = &fakeStore{}, &fakeRemote{healthErr: errors.New("down")}
	_, err = NewMirroredIndex(store, remote, slog.Default()).FindSimilar(ctx, model.SimilarityQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, store.pgCalls)
	assert.Zero(t, remote.queryCalls)

	store, remote = &fakeStore{}, &fakeRemote{queryErr: errors.New("timeout")}
	_, err = NewMirroredIndex(store, remote, slog.Default()).FindSimilar(ctx, model.SimilarityQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, store.pgCalls)
}
