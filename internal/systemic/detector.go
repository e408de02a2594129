// Package systemic detects groups of complaints that share an underlying
// cause. Each complaint is embedded, compared with the tenant's recent
// complaints and either joined to an existing cluster or, once enough
// neighbours accumulate and a model confirms the pattern, used to found a
// new one. A rolling-volume spike check runs alongside.
package systemic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kujo/internal/model"
	"github.com/ashita-ai/kujo/internal/search"
	"github.com/ashita-ai/kujo/internal/service/gateway"
	"github.com/ashita-ai/kujo/internal/storage"
	"github.com/ashita-ai/kujo/internal/telemetry"
)

// ErrClusterConflict is returned when a cluster create races another
// detection run that already assigned one of the members.
var ErrClusterConflict = storage.ErrClusterConflict

// Store is the persistence the detector needs.
type Store interface {
	InsertAIOutput(ctx context.Context, o model.AIOutput) (model.AIOutput, error)
	GetComplaint(ctx context.Context, tenantID, id uuid.UUID) (model.Complaint, error)
	GetComplaints(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]model.Complaint, error)
	GetCluster(ctx context.Context, tenantID, id uuid.UUID) (model.Cluster, error)
	JoinCluster(ctx context.Context, tenantID, clusterID, complaintID uuid.UUID, similarity float64) (model.Cluster, bool, error)
	CreateCluster(ctx context.Context, nc storage.NewCluster) (model.Cluster, error)
	CountComplaintsSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error)
	ElevateRouting(ctx context.Context, tenantID, id uuid.UUID) (*model.Routing, bool, error)
	UnsupersededDrafts(ctx context.Context, tenantID, complaintID uuid.UUID) ([]model.AIOutput, error)
}

// Config tunes detection. Zero values take the defaults.
type Config struct {
	SimilarityThreshold float64       // strict lower bound on cosine similarity (0.85)
	Window              time.Duration // neighbour recency window (90 days)
	Limit               int           // neighbour cap (50)
	MinClusterSize      int           // complaint plus neighbours needed to propose a cluster (3, at least 2)
	SpikeWindow         time.Duration // rolling volume window (24h)
	SpikeThreshold      int           // complaints in SpikeWindow that count as a spike (5)
}

func (c Config) withDefaults() Config {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.85
	}
	if c.Window <= 0 {
		c.Window = 90 * 24 * time.Hour
	}
	if c.Limit <= 0 {
		c.Limit = 50
	}
	switch {
	case c.MinClusterSize <= 0:
		c.MinClusterSize = 3
	case c.MinClusterSize < 2:
		// A cluster needs the complaint plus at least one neighbour.
		c.MinClusterSize = 2
	}
	if c.SpikeWindow <= 0 {
		c.SpikeWindow = 24 * time.Hour
	}
	if c.SpikeThreshold <= 0 {
		c.SpikeThreshold = 5
	}
	return c
}

// Detector runs systemic detection for one complaint at a time. It is safe
// for concurrent use; cluster mutations are serialised by row locks in the
// store.
type Detector struct {
	store    Store
	index    search.Index
	embedder gateway.Embedder
	analyzer *Analyzer
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	duration metric.Float64Histogram
	created  metric.Int64Counter
	joined   metric.Int64Counter
	spikes   metric.Int64Counter
}

// NewDetector creates a Detector.
func NewDetector(store Store, index search.Index, llm gateway.Gateway, cfg Config, logger *slog.Logger) *Detector {
	meter := telemetry.Meter("kujo/systemic")
	duration, _ := meter.Float64Histogram("kujo.detection.duration",
		metric.WithDescription("Wall time of systemic detection for one complaint"),
		metric.WithUnit("ms"),
	)
	created, _ := meter.Int64Counter("kujo.clusters.created",
		metric.WithDescription("Systemic clusters created"))
	joined, _ := meter.Int64Counter("kujo.clusters.joined",
		metric.WithDescription("Complaints joined to an existing cluster"))
	spikes, _ := meter.Int64Counter("kujo.spikes.detected",
		metric.WithDescription("Detection runs that observed a volume spike"))

	return &Detector{
		store:    store,
		index:    index,
		embedder: llm,
		analyzer: NewAnalyzer(llm, store),
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
		duration: duration,
		created:  created,
		joined:   joined,
		spikes:   spikes,
	}
}

// Detect embeds the complaint, finds its neighbours, applies the
// join-or-create decision and checks for a volume spike. When no embedding
// can be produced the run is degraded: the result is marked skipped and
// neither clustering nor the spike check runs.
func (d *Detector) Detect(ctx context.Context, complaintID, tenantID uuid.UUID, rawText string) (res model.DetectionResult, err error) {
	ctx, span := telemetry.StartComplaintSpan(ctx, "kujo/systemic", "systemic.detect", tenantID, complaintID)
	start := d.now()
	res = model.DetectionResult{ComplaintID: complaintID, ClusterAction: model.ClusterActionNone}
	defer func() {
		d.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("action", string(res.ClusterAction))))
		span.SetAttributes(attribute.String("kujo.cluster_action", string(res.ClusterAction)))
		telemetry.EndSpan(span, err)
	}()

	c, err := d.store.GetComplaint(ctx, tenantID, complaintID)
	if err != nil {
		return res, fmt.Errorf("systemic: load complaint: %w", err)
	}
	if rawText == "" {
		rawText = c.RawText
	}

	vector, err := d.embed(ctx, c, rawText)
	if errors.Is(err, gateway.ErrEmbeddingUnavailable) {
		d.logger.Warn("systemic: embedding unavailable, detection skipped",
			"complaint_id", complaintID, "tenant_id", tenantID, "error", err)
		res.ClusterAction = model.ClusterActionSkipped
		res.Degraded = true
		return res, nil
	}
	if err != nil {
		return res, err
	}

	similar, err := d.index.FindSimilar(ctx, model.SimilarityQuery{
		TenantID:  tenantID,
		ExcludeID: complaintID,
		Vector:    vector,
		Threshold: d.cfg.SimilarityThreshold,
		Window:    d.cfg.Window,
		Limit:     d.cfg.Limit,
	})
	if err != nil {
		return res, fmt.Errorf("systemic: find similar: %w", err)
	}
	if similar, err = d.hydrateClusters(ctx, tenantID, similar); err != nil {
		return res, err
	}
	res.Similar = similar

	if err := d.assign(ctx, c, &res); err != nil {
		return res, err
	}

	spike, err := d.SpikeStatus(ctx, tenantID)
	if err != nil {
		return res, err
	}
	res.IsSpike = spike.IsSpike
	if spike.IsSpike {
		d.spikes.Add(ctx, 1)
		d.logger.Warn("systemic: complaint volume spike",
			"tenant_id", tenantID, "count", spike.Count, "threshold", spike.Threshold, "window", spike.Window.String())
	}

	d.logger.Info("systemic: detection complete",
		"complaint_id", complaintID,
		"tenant_id", tenantID,
		"similar", len(similar),
		"cluster_action", res.ClusterAction,
		"is_spike", res.IsSpike,
	)
	return res, nil
}

// embed builds the embedding input from the text plus the triage category
// and industry, stores the vector and records the call.
func (d *Detector) embed(ctx context.Context, c model.Complaint, rawText string) ([]float32, error) {
	input := EmbeddingInput(rawText, c.Category, c.Industry)
	emb, err := d.embedder.Embed(ctx, input)
	if err != nil {
		return nil, err
	}
	vector := emb.Vector.Slice()
	if len(vector) == 0 {
		return nil, fmt.Errorf("systemic: empty vector: %w", gateway.ErrEmbeddingUnavailable)
	}

	if err := d.index.Upsert(ctx, model.ComplaintEmbedding{
		ComplaintID: c.ID,
		TenantID:    c.TenantID,
		Vector:      vector,
		Model:       emb.Model,
		CreatedAt:   c.CreatedAt,
	}); err != nil {
		return nil, fmt.Errorf("systemic: store embedding: %w", err)
	}

	if _, err := d.store.InsertAIOutput(ctx, model.AIOutput{
		TenantID:    c.TenantID,
		ComplaintID: &c.ID,
		OutputType:  model.OutputEmbedding,
		Model:       emb.Model,
		Prompt:      input,
		RawOutput:   fmt.Sprintf("[%s embedding, %d dimensions]", emb.Model, len(vector)),
		TokenUsage:  emb.Usage,
		LatencyMs:   emb.LatencyMs,
	}); err != nil {
		return nil, fmt.Errorf("systemic: record embedding: %w", err)
	}
	return vector, nil
}

// EmbeddingInput appends the category and industry tags, when known, to
// the complaint text.
func EmbeddingInput(rawText string, category, industry *string) string {
	input := rawText
	if category != nil && *category != "" {
		input += "\nCategory: " + *category
	}
	if industry != nil && *industry != "" {
		input += "\nIndustry: " + *industry
	}
	return input
}

// hydrateClusters replaces whatever cluster references the index returned
// with the tenant's current assignments. Neighbours the tenant does not own
// are dropped.
func (d *Detector) hydrateClusters(ctx context.Context, tenantID uuid.UUID, similar []model.SimilarComplaint) ([]model.SimilarComplaint, error) {
	if len(similar) == 0 {
		return similar, nil
	}
	ids := make([]uuid.UUID, len(similar))
	for i, s := range similar {
		ids[i] = s.ComplaintID
	}
	owned, err := d.store.GetComplaints(ctx, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("systemic: load neighbours: %w", err)
	}
	clusters := make(map[uuid.UUID]*uuid.UUID, len(owned))
	for _, c := range owned {
		clusters[c.ID] = c.ClusterID
	}

	out := similar[:0]
	for _, s := range similar {
		cluster, ok := clusters[s.ComplaintID]
		if !ok {
			d.logger.Warn("systemic: neighbour outside tenant ignored", "tenant_id", tenantID, "complaint_id", s.ComplaintID)
			continue
		}
		s.ClusterID = cluster
		out = append(out, s)
	}
	return out, nil
}

// SpikeStatus counts the tenant's complaints inside the spike window.
func (d *Detector) SpikeStatus(ctx context.Context, tenantID uuid.UUID) (model.SpikeStatus, error) {
	n, err := d.store.CountComplaintsSince(ctx, tenantID, d.now().Add(-d.cfg.SpikeWindow))
	if err != nil {
		return model.SpikeStatus{}, fmt.Errorf("systemic: spike count: %w", err)
	}
	return model.SpikeStatus{
		TenantID:  tenantID,
		Window:    d.cfg.SpikeWindow,
		Count:     n,
		Threshold: d.cfg.SpikeThreshold,
		IsSpike:   n >= d.cfg.SpikeThreshold,
	}, nil
}
