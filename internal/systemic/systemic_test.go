package systemic

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kujo/internal/model"
	"github.com/ashita-ai/kujo/internal/search"
	"github.com/ashita-ai/kujo/internal/service/gateway"
	"github.com/ashita-ai/kujo/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// angled returns a unit vector at theta radians from the x axis.
func angled(theta float64) []float32 {
	return []float32{float32(math.Cos(theta)), float32(math.Sin(theta)), 0}
}

// fakeGateway embeds every text as the same vector and answers
// completions from a script.
type fakeGateway struct {
	mu        sync.Mutex
	vector    []float32
	embedErr  error
	responses []string
	prompts   []string
}

func (g *fakeGateway) Complete(_ context.Context, msgs []gateway.Message, _ gateway.CompleteOptions) (gateway.Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, msgs[len(msgs)-1].Content)
	if len(g.responses) == 0 {
		return gateway.Completion{}, errors.New("script exhausted")
	}
	next := g.responses[0]
	g.responses = g.responses[1:]
	return gateway.Completion{Content: next, Model: "gpt-test"}, nil
}

func (g *fakeGateway) Embed(_ context.Context, _ string) (gateway.Embedding, error) {
	if g.embedErr != nil {
		return gateway.Embedding{}, g.embedErr
	}
	return gateway.Embedding{Vector: pgvector.NewVector(g.vector), Model: "embed-test"}, nil
}

func (g *fakeGateway) Dimensions() int { return len(g.vector) }

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

type fakeStore struct {
	mu         sync.Mutex
	complaints map[uuid.UUID]model.Complaint
	clusters   map[uuid.UUID]model.Cluster
	outputs    []model.AIOutput
	created    []storage.NewCluster
	recent     int

	// beforeCreate, when set, runs inside CreateCluster to simulate a
	// concurrent run that wins the race.
	beforeCreate func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		complaints: make(map[uuid.UUID]model.Complaint),
		clusters:   make(map[uuid.UUID]model.Cluster),
	}
}

func (f *fakeStore) put(c model.Complaint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complaints[c.ID] = c
}

func (f *fakeStore) complaint(id uuid.UUID) model.Complaint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.complaints[id]
}

func (f *fakeStore) InsertAIOutput(_ context.Context, o model.AIOutput) (model.AIOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o.ID = uuid.New()
	o.CreatedAt = time.Now()
	f.outputs = append(f.outputs, o)
	return o, nil
}

func (f *fakeStore) outputsOf(t model.OutputType) []model.AIOutput {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.AIOutput
	for _, o := range f.outputs {
		if o.OutputType == t {
			out = append(out, o)
		}
	}
	return out
}

func (f *fakeStore) GetComplaint(_ context.Context, tenantID, id uuid.UUID) (model.Complaint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.complaints[id]
	if !ok || c.TenantID != tenantID {
		return model.Complaint{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) GetComplaints(_ context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]model.Complaint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Complaint
	for _, id := range ids {
		if c, ok := f.complaints[id]; ok && c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) GetCluster(_ context.Context, tenantID, id uuid.UUID) (model.Cluster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cl, ok := f.clusters[id]
	if !ok || cl.TenantID != tenantID {
		return model.Cluster{}, storage.ErrNotFound
	}
	return cl, nil
}

func (f *fakeStore) JoinCluster(_ context.Context, tenantID, clusterID, complaintID uuid.UUID, similarity float64) (model.Cluster, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cl, ok := f.clusters[clusterID]
	if !ok || cl.TenantID != tenantID || !cl.IsActive {
		return model.Cluster{}, false, storage.ErrNotFound
	}
	c := f.complaints[complaintID]
	if c.ClusterID != nil {
		return cl, false, nil
	}
	cl.AvgSimilarity = (cl.AvgSimilarity*float64(cl.ComplaintCount) + similarity) / float64(cl.ComplaintCount+1)
	cl.ComplaintCount++
	cl.UpdatedAt = time.Now()
	f.clusters[clusterID] = cl
	c.ClusterID = &cl.ID
	c.IsSystemic = true
	f.complaints[complaintID] = c
	return cl, true, nil
}

func (f *fakeStore) CreateCluster(_ context.Context, nc storage.NewCluster) (model.Cluster, error) {
	if f.beforeCreate != nil {
		f.beforeCreate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range nc.MemberIDs {
		if f.complaints[id].ClusterID != nil {
			return model.Cluster{}, storage.ErrClusterConflict
		}
	}
	cl := model.Cluster{
		ID:              uuid.New(),
		TenantID:        nc.TenantID,
		Title:           nc.Title,
		Description:     nc.Description,
		RiskLevel:       nc.RiskLevel,
		ComplaintCount:  len(nc.MemberIDs),
		AvgSimilarity:   nc.AvgSimilarity,
		CommonPatterns:  nc.CommonPatterns,
		DetectionMethod: model.DetectionMethodCosine,
		IsActive:        true,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	f.clusters[cl.ID] = cl
	for _, id := range nc.MemberIDs {
		c := f.complaints[id]
		c.ClusterID = &cl.ID
		c.IsSystemic = true
		f.complaints[id] = c
	}
	f.created = append(f.created, nc)
	return cl, nil
}

func (f *fakeStore) addCluster(tenantID uuid.UUID, updated time.Time, active bool, members ...uuid.UUID) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	cl := model.Cluster{
		ID: uuid.New(), TenantID: tenantID, Title: "existing", RiskLevel: model.RiskHigh,
		ComplaintCount: len(members), AvgSimilarity: 0.9, IsActive: active, UpdatedAt: updated,
	}
	f.clusters[cl.ID] = cl
	for _, id := range members {
		c := f.complaints[id]
		c.ClusterID = &cl.ID
		f.complaints[id] = c
	}
	return cl.ID
}

func (f *fakeStore) CountComplaintsSince(_ context.Context, _ uuid.UUID, _ time.Time) (int, error) {
	return f.recent, nil
}

func (f *fakeStore) ElevateRouting(_ context.Context, tenantID, id uuid.UUID) (*model.Routing, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.complaints[id]
	if !ok || c.TenantID != tenantID {
		return nil, false, nil
	}
	if c.Routing != nil && *c.Routing == model.RoutingSystemicReview {
		return nil, false, nil
	}
	prior := c.Routing
	r := model.RoutingSystemicReview
	c.Routing = &r
	f.complaints[id] = c
	return prior, true, nil
}

func (f *fakeStore) UnsupersededDrafts(_ context.Context, tenantID, complaintID uuid.UUID) ([]model.AIOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	superseded := make(map[uuid.UUID]bool)
	for _, o := range f.outputs {
		if o.SupersedesID != nil {
			superseded[*o.SupersedesID] = true
		}
	}
	var out []model.AIOutput
	for _, o := range f.outputs {
		if o.TenantID != tenantID || o.ComplaintID == nil || *o.ComplaintID != complaintID || superseded[o.ID] {
			continue
		}
		if o.OutputType == model.OutputDraftResponse || o.OutputType == model.OutputDraftBusinessNotice {
			out = append(out, o)
		}
	}
	return out, nil
}

type fixture struct {
	tenant uuid.UUID
	store  *fakeStore
	index  *search.MemoryIndex
	llm    *fakeGateway
	det    *Detector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		tenant: uuid.New(),
		store:  newFakeStore(),
		index:  search.NewMemoryIndex(),
		llm:    &fakeGateway{vector: angled(0)},
	}
	f.det = NewDetector(f.store, f.index, f.llm, Config{}, quietLogger())
	return f
}

// complaint stores a triaged complaint for the fixture tenant.
func (f *fixture) complaint(summary string) model.Complaint {
	category := "billing_dispute"
	routing := model.RoutingLine1Auto
	c := model.Complaint{
		ID:        uuid.New(),
		TenantID:  f.tenant,
		RawText:   summary,
		Summary:   &summary,
		Category:  &category,
		Routing:   &routing,
		CreatedAt: time.Now(),
	}
	f.store.put(c)
	return c
}

// neighbour stores a complaint and indexes it at theta from the probe vector.
func (f *fixture) neighbour(t *testing.T, theta float64) model.Complaint {
	t.Helper()
	c := f.complaint("neighbour")
	require.NoError(t, f.index.Upsert(context.Background(), model.ComplaintEmbedding{
		ComplaintID: c.ID, TenantID: f.tenant, Vector: angled(theta), CreatedAt: time.Now(),
	}))
	return c
}

const systemicJSON = `{"isSystemic": true, "title": "Hidden exit fees", "description": "Exit fees not disclosed",
	"commonPatterns": ["undisclosed fee"], "riskLevel": "high", "reasoning": "same practice", "confidence": 0.9}`

const notSystemicJSON = `{"isSystemic": false, "title": "", "description": "", "commonPatterns": [],
	"riskLevel": "low", "reasoning": "unrelated", "confidence": 0.7}`

func TestDetectCreatesClusterWhenConfirmed(t *testing.T) {
	f := newFixture(t)
	n1 := f.neighbour(t, 0.1)
	n2 := f.neighbour(t, 0.2)
	f.neighbour(t, 1.2) // below threshold
	c := f.complaint("charged an exit fee")
	f.llm.responses = []string{systemicJSON}

	// A Line-1 draft already exists for one of the members.
	draft, err := f.store.InsertAIOutput(context.Background(), model.AIOutput{
		TenantID: f.tenant, ComplaintID: &n1.ID, OutputType: model.OutputDraftResponse, Model: "gpt-test",
	})
	require.NoError(t, err)

	res, err := f.det.Detect(context.Background(), c.ID, f.tenant, "")
	require.NoError(t, err)

	assert.Equal(t, model.ClusterActionCreated, res.ClusterAction)
	require.NotNil(t, res.ClusterID)
	assert.Len(t, res.Similar, 2)

	require.Len(t, f.store.created, 1)
	nc := f.store.created[0]
	assert.ElementsMatch(t, []uuid.UUID{c.ID, n1.ID, n2.ID}, nc.MemberIDs)
	assert.Equal(t, c.ID, nc.TriggerID)
	assert.Equal(t, model.RiskHigh, nc.RiskLevel)
	assert.InDelta(t, (math.Cos(0.1)+math.Cos(0.2))/2, nc.AvgSimilarity, 1e-6)

	for _, id := range nc.MemberIDs {
		got := f.store.complaint(id)
		assert.Equal(t, res.ClusterID, got.ClusterID)
		require.NotNil(t, got.Routing)
		assert.Equal(t, model.RoutingSystemicReview, *got.Routing)
	}

	recalls := f.store.outputsOf(model.OutputDraftResponse)
	require.Len(t, recalls, 2)
	recall := recalls[1]
	assert.Equal(t, model.SystemModel, recall.Model)
	require.NotNil(t, recall.SupersedesID)
	assert.Equal(t, draft.ID, *recall.SupersedesID)
	assert.Equal(t, res.ClusterID, recall.ClusterID)

	assert.Len(t, f.store.outputsOf(model.OutputEmbedding), 1)
	analyses := f.store.outputsOf(model.OutputClusteringAnalysis)
	require.Len(t, analyses, 1)
	assert.Equal(t, c.ID, *analyses[0].ComplaintID)
	assert.Contains(t, f.llm.prompts[0], "charged an exit fee")
	assert.Equal(t, 4, f.index.Len(f.tenant), "the complaint itself is indexed")
}

func TestDetectJoinsMostRepresentedCluster(t *testing.T) {
	f := newFixture(t)
	a1 := f.neighbour(t, 0.1)
	a2 := f.neighbour(t, 0.3)
	b1 := f.neighbour(t, 0.05)
	now := time.Now()
	clusterA := f.store.addCluster(f.tenant, now.Add(-time.Hour), true, a1.ID, a2.ID)
	f.store.addCluster(f.tenant, now, true, b1.ID)
	c := f.complaint("same problem")

	res, err := f.det.Detect(context.Background(), c.ID, f.tenant, "")
	require.NoError(t, err)

	assert.Equal(t, model.ClusterActionJoined, res.ClusterAction)
	require.NotNil(t, res.ClusterID)
	assert.Equal(t, clusterA, *res.ClusterID)
	assert.Zero(t, f.llm.calls(), "joining needs no analysis")

	cl, err := f.store.GetCluster(context.Background(), f.tenant, clusterA)
	require.NoError(t, err)
	assert.Equal(t, 3, cl.ComplaintCount)
	want := (0.9*2 + (math.Cos(0.1)+math.Cos(0.3))/2) / 3
	assert.InDelta(t, want, cl.AvgSimilarity, 1e-6)

	got := f.store.complaint(c.ID)
	assert.Equal(t, model.RoutingSystemicReview, *got.Routing)
}

func TestDetectTieGoesToMostRecentCluster(t *testing.T) {
	f := newFixture(t)
	a := f.neighbour(t, 0.1)
	b := f.neighbour(t, 0.2)
	now := time.Now()
	f.store.addCluster(f.tenant, now.Add(-time.Hour), true, a.ID)
	recent := f.store.addCluster(f.tenant, now, true, b.ID)
	c := f.complaint("tie")

	res, err := f.det.Detect(context.Background(), c.ID, f.tenant, "")
	require.NoError(t, err)
	require.NotNil(t, res.ClusterID)
	assert.Equal(t, recent, *res.ClusterID)
}

func TestDetectRejectedWhenNotSystemic(t *testing.T) {
	f := newFixture(t)
	f.neighbour(t, 0.1)
	f.neighbour(t, 0.2)
	c := f.complaint("unrelated")
	f.llm.responses = []string{notSystemicJSON}

	res, err := f.det.Detect(context.Background(), c.ID, f.tenant, "")
	require.NoError(t, err)
	assert.Equal(t, model.ClusterActionRejected, res.ClusterAction)
	assert.Nil(t, res.ClusterID)
	assert.Empty(t, f.store.created)
	assert.Len(t, f.store.outputsOf(model.OutputClusteringAnalysis), 1)
}

func TestDetectBelowMinimumSkipsAnalysis(t *testing.T) {
	f := newFixture(t)
	f.neighbour(t, 0.1)
	c := f.complaint("only one neighbour")

	res, err := f.det.Detect(context.Background(), c.ID, f.tenant, "")
	require.NoError(t, err)
	assert.Equal(t, model.ClusterActionNone, res.ClusterAction)
	assert.Len(t, res.Similar, 1)
	assert.Zero(t, f.llm.calls())
}

func TestDetectMinClusterSizeOfOneNeedsANeighbour(t *testing.T) {
	assert.Equal(t, 2, Config{MinClusterSize: 1}.withDefaults().MinClusterSize)
	assert.Equal(t, 3, Config{}.withDefaults().MinClusterSize)

	f := newFixture(t)
	f.det = NewDetector(f.store, f.index, f.llm, Config{MinClusterSize: 1}, quietLogger())
	c := f.complaint("alone")

	res, err := f.det.Detect(context.Background(), c.ID, f.tenant, "")
	require.NoError(t, err)
	assert.Equal(t, model.ClusterActionNone, res.ClusterAction)
	assert.Empty(t, res.Similar)
	assert.Zero(t, f.llm.calls(), "no analysis without a neighbour")
}

func TestDetectIgnoresInactiveCluster(t *testing.T) {
	f := newFixture(t)
	a := f.neighbour(t, 0.1)
	f.neighbour(t, 0.2)
	f.store.addCluster(f.tenant, time.Now(), false, a.ID)
	c := f.complaint("retired cluster")

	res, err := f.det.Detect(context.Background(), c.ID, f.tenant, "")
	require.NoError(t, err)
	assert.Equal(t, model.ClusterActionNone, res.ClusterAction)
	assert.Nil(t, f.store.complaint(c.ID).ClusterID)
}

func TestDetectAlreadyClustered(t *testing.T) {
	f := newFixture(t)
	f.neighbour(t, 0.1)
	f.neighbour(t, 0.2)
	c := f.complaint("already in one")
	cluster := f.store.addCluster(f.tenant, time.Now(), true, c.ID)

	res, err := f.det.Detect(context.Background(), c.ID, f.tenant, "")
	require.NoError(t, err)
	assert.Equal(t, model.ClusterActionNone, res.ClusterAction)
	require.NotNil(t, res.ClusterID)
	assert.Equal(t, cluster, *res.ClusterID)
	assert.Zero(t, f.llm.calls())
}

func TestDetectDegradedWithoutEmbeddings(t *testing.T) {
	f := newFixture(t)
	f.llm.embedErr = gateway.ErrEmbeddingUnavailable
	c := f.complaint("no embeddings today")

	res, err := f.det.Detect(context.Background(), c.ID, f.tenant, "")
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, model.ClusterActionSkipped, res.ClusterAction)
	assert.Zero(t, f.index.Len(f.tenant))
	assert.Empty(t, f.store.outputsOf(model.OutputEmbedding))
}

func TestDetectUnknownComplaint(t *testing.T) {
	f := newFixture(t)
	c := f.complaint("mine")

	_, err := f.det.Detect(context.Background(), c.ID, uuid.New(), "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// leakyIndex returns neighbours the tenant does not own.
type leakyIndex struct {
	search.Index
	extra []model.SimilarComplaint
}

func (l leakyIndex) FindSimilar(ctx context.Context, q model.SimilarityQuery) ([]model.SimilarComplaint, error) {
	out, err := l.Index.FindSimilar(ctx, q)
	return append(out, l.extra...), err
}

func TestDetectDropsForeignNeighbours(t *testing.T) {
	f := newFixture(t)
	other := uuid.New()
	foreign := model.Complaint{ID: uuid.New(), TenantID: other, CreatedAt: time.Now()}
	f.store.put(foreign)
	foreignCluster := f.store.addCluster(other, time.Now(), true, foreign.ID)
	f.det.index = leakyIndex{Index: f.index, extra: []model.SimilarComplaint{
		{ComplaintID: foreign.ID, Similarity: 0.99, ClusterID: &foreignCluster},
	}}
	f.neighbour(t, 0.1)
	c := f.complaint("tenant A")

	res, err := f.det.Detect(context.Background(), c.ID, f.tenant, "")
	require.NoError(t, err)
	require.Len(t, res.Similar, 1)
	assert.NotEqual(t, foreign.ID, res.Similar[0].ComplaintID)
	assert.Equal(t, model.ClusterActionNone, res.ClusterAction)

	cl, err := f.store.GetCluster(context.Background(), other, foreignCluster)
	require.NoError(t, err)
	assert.Equal(t, 1, cl.ComplaintCount)
}

func TestDetectCreateConflictFallsBackToJoin(t *testing.T) {
	f := newFixture(t)
	n1 := f.neighbour(t, 0.1)
	n2 := f.neighbour(t, 0.2)
	c := f.complaint("racing")
	f.llm.responses = []string{systemicJSON}

	var winner uuid.UUID
	f.store.beforeCreate = func() {
		f.store.beforeCreate = nil
		winner = f.store.addCluster(f.tenant, time.Now(), true, n1.ID, n2.ID)
	}

	res, err := f.det.Detect(context.Background(), c.ID, f.tenant, "")
	require.NoError(t, err)
	assert.Equal(t, model.ClusterActionJoined, res.ClusterAction)
	require.NotNil(t, res.ClusterID)
	assert.Equal(t, winner, *res.ClusterID)
	assert.Empty(t, f.store.created)
	assert.Equal(t, &winner, f.store.complaint(c.ID).ClusterID)
}

func TestDetectSpike(t *testing.T) {
	f := newFixture(t)
	c := f.complaint("busy day")
	f.store.recent = 5

	res, err := f.det.Detect(context.Background(), c.ID, f.tenant, "")
	require.NoError(t, err)
	assert.True(t, res.IsSpike)

	f.store.recent = 4
	s, err := f.det.SpikeStatus(context.Background(), f.tenant)
	require.NoError(t, err)
	assert.False(t, s.IsSpike)
	assert.Equal(t, 5, s.Threshold)
	assert.Equal(t, 24*time.Hour, s.Window)
}

func TestRecallSkipsWhenAlreadyElevated(t *testing.T) {
	f := newFixture(t)
	c := f.complaint("already systemic")
	r := model.RoutingSystemicReview
	c.Routing = &r
	f.store.put(c)
	_, err := f.store.InsertAIOutput(context.Background(), model.AIOutput{
		TenantID: f.tenant, ComplaintID: &c.ID, OutputType: model.OutputDraftResponse, Model: "gpt-test",
	})
	require.NoError(t, err)

	f.det.recall(context.Background(), f.tenant, c.ID, uuid.New())
	assert.Len(t, f.store.outputsOf(model.OutputDraftResponse), 1)
}

func TestEmbeddingInput(t *testing.T) {
	cat, ind, empty := "billing_dispute", "energy", ""
	assert.Equal(t, "text", EmbeddingInput("text", nil, nil))
	assert.Equal(t, "text\nCategory: billing_dispute", EmbeddingInput("text", &cat, &empty))
	assert.Equal(t, "text\nCategory: billing_dispute\nIndustry: energy", EmbeddingInput("text", &cat, &ind))
}

func TestAnalyzerDefaultsRiskLevel(t *testing.T) {
	llm := &fakeGateway{responses: []string{`{"isSystemic": true, "title": "t", "riskLevel": "severe"}`}}
	store := newFakeStore()
	a := NewAnalyzer(llm, store)

	got, err := a.Analyze(context.Background(), uuid.New(), uuid.New(), []Member{{ID: uuid.New(), Summary: "s", Category: "c"}})
	require.NoError(t, err)
	assert.Equal(t, model.RiskMedium, got.RiskLevel)
	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0], `"summary": "s"`)
}

func TestMemberOfFillsBlanks(t *testing.T) {
	m := memberOf(model.Complaint{ID: uuid.New()})
	assert.Equal(t, "No summary available", m.Summary)
	assert.Equal(t, "unknown", m.Category)
}
