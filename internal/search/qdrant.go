package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kujo/internal/model"
)

const (
	payloadTenant  = "tenant_id"
	payloadCreated = "created_at_unix"

	qdrantGRPCPort = 6334
	qdrantRESTPort = 6333

	healthTTL = 5 * time.Second
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // REST or gRPC URL, e.g. "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// Point is one complaint vector as stored in Qdrant. The point ID is the
// complaint ID.
type Point struct {
	ComplaintID uuid.UUID
	TenantID    uuid.UUID
	CreatedAt   time.Time
	Vector      []float32
}

// QdrantIndex holds complaint vectors in a Qdrant collection with the
// tenant and creation time as payload.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	probe    singleflight.Group
	mu       sync.Mutex
	healthAt time.Time
	health   error
}

// parseQdrantURL returns the gRPC host and port for a Qdrant URL. Operators
// usually paste the REST address, so 6333 (and a missing port) map to the
// gRPC port.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}
	port = qdrantGRPCPort
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", p)
		}
		if n != qdrantRESTPort {
			port = n
		}
	}
	return u.Hostname(), port, u.Scheme == "https", nil
}

// NewQdrantIndex connects to Qdrant over gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port, APIKey: cfg.APIKey, UseTLS: useTLS})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}
	return &QdrantIndex{client: client, collection: cfg.Collection, dims: cfg.Dims, logger: logger}, nil
}

// EnsureCollection creates the cosine collection when missing and (re)creates
// the payload indexes FindSimilar filters on. Both steps are idempotent.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: check collection: %w", err)
	}
	if !exists {
		err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           qdrant.PtrOf(uint64(16)),
					EfConstruct: qdrant.PtrOf(uint64(128)),
				},
			}),
		})
		if err != nil {
			return fmt.Errorf("search: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("search: created qdrant collection", "collection", q.collection, "dims", q.dims)
	}

	for field, kind := range map[string]qdrant.FieldType{
		payloadTenant:  qdrant.FieldType_FieldTypeKeyword,
		payloadCreated: qdrant.FieldType_FieldTypeFloat,
	} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      qdrant.PtrOf(kind),
		}); err != nil {
			return fmt.Errorf("search: ensure payload index %q: %w", field, err)
		}
	}
	return nil
}

// similarityFilter restricts a query to the tenant and, when a window is
// set, to points created after now - window.
func similarityFilter(q model.SimilarityQuery, now time.Time) *qdrant.Filter {
	must := []*qdrant.Condition{qdrant.NewMatch(payloadTenant, q.TenantID.String())}
	if q.Window > 0 {
		must = append(must, qdrant.NewRange(payloadCreated, &qdrant.Range{
			Gt: qdrant.PtrOf(float64(now.Add(-q.Window).Unix())),
		}))
	}
	return &qdrant.Filter{Must: must}
}

// FindSimilar returns the tenant's complaints scoring strictly above the
// threshold. Qdrant's own threshold is inclusive, so ties are dropped here
// together with the excluded complaint.
func (q *QdrantIndex) FindSimilar(ctx context.Context, sq model.SimilarityQuery) ([]model.SimilarComplaint, error) {
	limit := sq.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(sq.Vector),
		Filter:         similarityFilter(sq, time.Now()),
		Limit:          qdrant.PtrOf(uint64(limit + 1)), //nolint:gosec // one extra absorbs the excluded complaint
		ScoreThreshold: qdrant.PtrOf(float32(sq.Threshold)),
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant find similar: %w", err)
	}

	out := make([]model.SimilarComplaint, 0, len(scored))
	for _, sp := range scored {
		id, err := uuid.Parse(sp.GetId().GetUuid())
		if err != nil {
			q.logger.Warn("search: qdrant point without complaint id", "point", sp.GetId().String())
			continue
		}
		if id == sq.ExcludeID || float64(sp.GetScore()) <= sq.Threshold {
			continue
		}
		out = append(out, model.SimilarComplaint{ComplaintID: id, Similarity: float64(sp.GetScore())})
	}
	return rank(out, limit), nil
}

// UpsertPoints writes points and waits for Qdrant to apply them.
func (q *QdrantIndex) UpsertPoints(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ComplaintID.String()),
			Vectors: qdrant.NewVectorsDense(p.Vector),
			Payload: qdrant.NewValueMap(map[string]any{
				payloadTenant:  p.TenantID.String(),
				payloadCreated: float64(p.CreatedAt.Unix()),
			}),
		})
	}
	if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         structs,
	}); err != nil {
		return fmt.Errorf("search: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// DeleteByIDs removes the points of the given complaints.
func (q *QdrantIndex) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewID(id.String()))
	}
	if _, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{Points: &qdrant.PointsIdsList{Ids: pointIDs}},
		},
	}); err != nil {
		return fmt.Errorf("search: qdrant delete %d points: %w", len(ids), err)
	}
	return nil
}

// Healthy reports whether Qdrant answered a health check within the last
// few seconds. Expired results are refreshed by a single probe shared by
// all concurrent callers; the probe runs detached from any one caller's
// context.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	q.mu.Lock()
	fresh, cached := time.Since(q.healthAt) < healthTTL, q.health
	q.mu.Unlock()
	if fresh {
		return cached
	}

	res := q.probe.DoChan("health", func() (any, error) {
		probeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		var herr error
		if _, err := q.client.HealthCheck(probeCtx); err != nil {
			herr = fmt.Errorf("search: qdrant unhealthy: %w", err)
		}
		q.mu.Lock()
		q.health, q.healthAt = herr, time.Now()
		q.mu.Unlock()
		return nil, herr
	})
	select {
	case r := <-res:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts down the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
