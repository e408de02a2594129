package storage_test

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kujo/internal/integrity"
	"github.com/ashita-ai/kujo/internal/model"
	"github.com/ashita-ai/kujo/internal/storage"
	"github.com/ashita-ai/kujo/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc, err := testutil.StartPostgres()
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage tests: %v (integration tests will be skipped)\n", err)
		os.Exit(m.Run())
	}

	ctx := context.Background()
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage tests: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

const dims = 1536

// angled returns a unit vector at angle theta in the plane of the first two
// axes, so cosine(angled(a), angled(b)) == cos(a-b).
func angled(theta float64) []float32 {
	v := make([]float32, dims)
	v[0] = float32(math.Cos(theta))
	v[1] = float32(math.Sin(theta))
	return v
}

func newComplaint(t *testing.T, tenantID uuid.UUID, text string) model.Complaint {
	t.Helper()
	c, err := testDB.CreateComplaint(context.Background(), tenantID, model.CreateComplaintRequest{RawText: text, Submit: true})
	require.NoError(t, err)
	return c
}

func TestComplaintLifecycle(t *testing.T) {
	testutil.RequireDB(t, testDB)
	ctx := context.Background()
	tenant := testutil.NewTenant(t, testDB)

	draft, err := testDB.CreateComplaint(ctx, tenant, model.CreateComplaintRequest{RawText: "billed twice"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, draft.Status)
	assert.Contains(t, draft.Reference, "CMP-")
	assert.Nil(t, draft.SubmittedAt)

	submitted, err := testDB.SubmitComplaint(ctx, tenant, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSubmitted, submitted.Status)
	require.NotNil(t, submitted.SubmittedAt)

	again, err := testDB.SubmitComplaint(ctx, tenant, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, submitted.SubmittedAt.Unix(), again.SubmittedAt.Unix())

	_, err = testDB.GetComplaint(ctx, testutil.NewTenant(t, testDB), draft.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "complaints are tenant scoped")

	money := 15000.0
	industry := "energy"
	saved, err := testDB.SaveTriageResult(ctx, tenant, model.TriageResult{
		ComplaintID:    draft.ID,
		Extraction:     model.Extraction{MonetaryValue: &money, Industry: &industry},
		Classification: model.Classification{PrimaryCategory: "billing_dispute", LegalCategory: "consumer_guarantees"},
		Risk:           model.RiskAssessment{RiskLevel: model.RiskCritical, ComplexityScore: 0.8},
		Summary:        model.Summary{ExecutiveSummary: "Customer billed twice."},
		PriorityScore:  0.71,
		Routing:        model.RoutingInvestigation,
		Confidence:     0.8,
		TriagedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusTriaged, saved.Status)
	require.NotNil(t, saved.Routing)
	assert.Equal(t, model.RoutingInvestigation, *saved.Routing)
	require.NotNil(t, saved.RiskLevel)
	assert.Equal(t, model.RiskCritical, *saved.RiskLevel)
	assert.Equal(t, "billing_dispute", *saved.Category)
	assert.InDelta(t, 15000.0, *saved.MonetaryVal, 0.001)
}

func TestSubmitRejectsLaterStatuses(t *testing.T) {
	testutil.RequireDB(t, testDB)
	ctx := context.Background()
	tenant := testutil.NewTenant(t, testDB)
	c := newComplaint(t, tenant, "text")

	require.NoError(t, testDB.SetStatus(ctx, tenant, c.ID, model.StatusResolved))
	_, err := testDB.SubmitComplaint(ctx, tenant, c.ID)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
}

func TestAIOutputsAppendOnly(t *testing.T) {
	testutil.RequireDB(t, testDB)
	ctx := context.Background()
	tenant := testutil.NewTenant(t, testDB)
	c := newComplaint(t, tenant, "text")

	conf := 0.9
	first, err := testDB.InsertAIOutput(ctx, model.AIOutput{
		TenantID: tenant, ComplaintID: &c.ID, OutputType: model.OutputRiskScoring,
		Model: "gpt-test", Prompt: strings.Repeat("p", 900), RawOutput: `{"riskLevel":"high"}`,
		ParsedOutput: []byte(`{"riskLevel":"high"}`), Confidence: &conf,
	})
	require.NoError(t, err)
	assert.Len(t, []rune(first.Prompt), model.MaxPromptLen)

	note := "officer review"
	by := "user-1"
	_, err = testDB.InsertAIOutput(ctx, model.AIOutput{
		TenantID: tenant, ComplaintID: &c.ID, OutputType: model.OutputOverride,
		Model: model.HumanModel, WasEdited: true, SupersedesID: &first.ID,
		EditedBy: &by, PriorAuthor: &first.Model, CorrectionNote: &note,
	})
	require.NoError(t, err)

	outs, err := testDB.ListAIOutputs(ctx, tenant, c.ID)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.JSONEq(t, `{"riskLevel":"high"}`, string(outs[0].ParsedOutput))
	assert.Equal(t, first.ID, *outs[1].SupersedesID)
	for _, o := range outs {
		assert.True(t, integrity.Verify(o), "hash survives the round trip for %s", o.OutputType)
	}

	latest, err := testDB.LatestAIOutput(ctx, tenant, c.ID, model.OutputOverride)
	require.NoError(t, err)
	assert.Equal(t, model.HumanModel, latest.Model)

	_, err = testDB.Pool().Exec(ctx, `UPDATE ai_outputs SET model = 'x' WHERE id = $1`, first.ID)
	assert.Error(t, err, "ai_outputs rejects updates")
}

func TestEmbeddingUpsertIsIdempotent(t *testing.T) {
	testutil.RequireDB(t, testDB)
	ctx := context.Background()
	tenant := testutil.NewTenant(t, testDB)
	c := newComplaint(t, tenant, "text")

	for range 2 {
		require.NoError(t, testDB.UpsertEmbedding(ctx, model.ComplaintEmbedding{
			ComplaintID: c.ID, TenantID: tenant, Vector: angled(0), Model: "embed-test",
		}, false))
	}

	var n int
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM complaint_embeddings WHERE complaint_id = $1`, c.ID).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestFindSimilarEmbeddings(t *testing.T) {
	testutil.RequireDB(t, testDB)
	ctx := context.Background()
	tenant := testutil.NewTenant(t, testDB)
	other := testutil.NewTenant(t, testDB)

	target := newComplaint(t, tenant, "target")
	close1 := newComplaint(t, tenant, "close")   // cos(0.1) ≈ 0.995
	far := newComplaint(t, tenant, "far")        // cos(0.8) ≈ 0.697
	foreign := newComplaint(t, other, "foreign") // identical vector, other tenant

	for _, e := range []struct {
		c     model.Complaint
		theta float64
	}{{target, 0}, {close1, 0.1}, {far, 0.8}, {foreign, 0}} {
		require.NoError(t, testDB.UpsertEmbedding(ctx, model.ComplaintEmbedding{
			ComplaintID: e.c.ID, TenantID: e.c.TenantID, Vector: angled(e.theta), Model: "embed-test",
		}, false))
	}

	got, err := testDB.FindSimilarEmbeddings(ctx, model.SimilarityQuery{
		TenantID: tenant, ExcludeID: target.ID, Vector: angled(0),
		Threshold: 0.85, Window: 90 * 24 * time.Hour, Limit: 50,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, close1.ID, got[0].ComplaintID)
	assert.InDelta(t, math.Cos(0.1), got[0].Similarity, 1e-4)

	unbounded, err := testDB.FindSimilarEmbeddings(ctx, model.SimilarityQuery{
		TenantID: tenant, ExcludeID: target.ID, Vector: angled(0), Threshold: 0.85, Limit: 50,
	})
	require.NoError(t, err)
	require.Len(t, unbounded, 1, "a zero window means no recency bound")
	assert.Equal(t, close1.ID, unbounded[0].ComplaintID)
}

func seedGroup(t *testing.T, tenant uuid.UUID, n int) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = newComplaint(t, tenant, fmt.Sprintf("member %d", i)).ID
	}
	return ids
}

func TestCreateAndJoinCluster(t *testing.T) {
	testutil.RequireDB(t, testDB)
	ctx := context.Background()
	tenant := testutil.NewTenant(t, testDB)
	ids := seedGroup(t, tenant, 3)

	cluster, err := testDB.CreateCluster(ctx, storage.NewCluster{
		TenantID: tenant, TriggerID: ids[0], Title: "Double billing",
		RiskLevel: model.RiskHigh, AvgSimilarity: 0.9, MemberIDs: ids,
		CommonPatterns: []string{"duplicate charge"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, cluster.ComplaintCount)
	assert.Equal(t, model.DetectionMethodCosine, cluster.DetectionMethod)
	assert.True(t, cluster.IsActive)

	members, err := testDB.ListClusterMembers(ctx, tenant, cluster.ID)
	require.NoError(t, err)
	require.Len(t, members, 3)
	for _, m := range members {
		assert.True(t, m.IsSystemic)
	}

	newcomer := newComplaint(t, tenant, "newcomer").ID
	joined, ok, err := testDB.JoinCluster(ctx, tenant, cluster.ID, newcomer, 0.86)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4, joined.ComplaintCount)
	assert.InDelta(t, (0.9*3+0.86)/4, joined.AvgSimilarity, 1e-9)

	replay, ok, err := testDB.JoinCluster(ctx, tenant, cluster.ID, newcomer, 0.86)
	require.NoError(t, err)
	assert.False(t, ok, "replayed join must not double-count")
	assert.Equal(t, 4, replay.ComplaintCount)

	_, _, err = testDB.JoinCluster(ctx, testutil.NewTenant(t, testDB), cluster.ID, newcomer, 0.9)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = testDB.CreateCluster(ctx, storage.NewCluster{
		TenantID: tenant, Title: "dup", MemberIDs: []uuid.UUID{ids[1], newComplaint(t, tenant, "x").ID},
	})
	assert.ErrorIs(t, err, storage.ErrClusterConflict)

	_, err = testDB.DeactivateCluster(ctx, tenant, cluster.ID)
	require.NoError(t, err)
	_, _, err = testDB.JoinCluster(ctx, tenant, cluster.ID, newComplaint(t, tenant, "late").ID, 0.9)
	assert.ErrorIs(t, err, storage.ErrNotFound, "inactive clusters accept no members")

	still, err := testDB.GetComplaint(ctx, tenant, ids[0])
	require.NoError(t, err)
	assert.True(t, still.IsSystemic, "deactivation never clears the systemic flag")
}

func TestConcurrentCreateYieldsOneCluster(t *testing.T) {
	testutil.RequireDB(t, testDB)
	ctx := context.Background()
	tenant := testutil.NewTenant(t, testDB)
	ids := seedGroup(t, tenant, 4)

	var wg sync.WaitGroup
	results := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = testDB.CreateCluster(ctx, storage.NewCluster{
				TenantID: tenant, Title: "race", MemberIDs: ids,
			})
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, storage.ErrClusterConflict)
		}
	}
	assert.Equal(t, 1, succeeded)

	clusters, total, err := testDB.ListClusters(ctx, tenant, storage.ClusterFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, clusters, 1)
}

func TestAcknowledgeKeepsFirstAcknowledger(t *testing.T) {
	testutil.RequireDB(t, testDB)
	ctx := context.Background()
	tenant := testutil.NewTenant(t, testDB)
	ids := seedGroup(t, tenant, 3)

	c, err := testDB.CreateCluster(ctx, storage.NewCluster{TenantID: tenant, Title: "t", MemberIDs: ids})
	require.NoError(t, err)

	unacked, _, err := testDB.ListClusters(ctx, tenant, storage.ClusterFilter{Unacknowledged: true})
	require.NoError(t, err)
	assert.Len(t, unacked, 1)

	first, err := testDB.AcknowledgeCluster(ctx, tenant, c.ID, "alice")
	require.NoError(t, err)
	second, err := testDB.AcknowledgeCluster(ctx, tenant, c.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", *second.AcknowledgedBy)
	assert.Equal(t, first.AcknowledgedAt.Unix(), second.AcknowledgedAt.Unix())
	assert.Equal(t, model.ClusterAcknowledged, second.State())

	unacked, _, err = testDB.ListClusters(ctx, tenant, storage.ClusterFilter{Unacknowledged: true})
	require.NoError(t, err)
	assert.Empty(t, unacked)
}

func TestPriorityWeightsRoundTrip(t *testing.T) {
	testutil.RequireDB(t, testDB)
	ctx := context.Background()
	tenant := testutil.NewTenant(t, testDB)

	w, err := testDB.GetPriorityWeights(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultPriorityWeights(), w)

	custom := model.PriorityWeights{Risk: 0.5, Systemic: 0.5}
	require.NoError(t, testDB.SetPriorityWeights(ctx, tenant, custom))
	w, err = testDB.GetPriorityWeights(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, custom, w)
}

func TestCountsAndInsights(t *testing.T) {
	testutil.RequireDB(t, testDB)
	ctx := context.Background()
	tenant := testutil.NewTenant(t, testDB)

	industry := "telecommunications"
	biz, err := testDB.CreateBusiness(ctx, model.Business{TenantID: tenant, Name: "Acme Mobile", Industry: &industry})
	require.NoError(t, err)

	for i := range 3 {
		c, err := testDB.CreateComplaint(ctx, tenant, model.CreateComplaintRequest{
			RawText: fmt.Sprintf("complaint %d", i), BusinessID: &biz.ID, Submit: true,
		})
		require.NoError(t, err)
		_, err = testDB.SaveTriageResult(ctx, tenant, model.TriageResult{
			ComplaintID:    c.ID,
			Extraction:     model.Extraction{Industry: &industry},
			Classification: model.Classification{PrimaryCategory: "billing_dispute"},
			Risk:           model.RiskAssessment{RiskLevel: model.RiskLow},
			Routing:        model.RoutingLine1Auto,
			TriagedAt:      time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	n, err := testDB.CountComplaintsSince(ctx, tenant, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	cells, err := testDB.Heatmap(ctx, tenant, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, cells, 1)
	assert.Equal(t, model.HeatmapCell{Category: "billing_dispute", Industry: industry, Count: 3}, cells[0])

	offenders, err := testDB.RepeatOffenders(ctx, tenant, 2, 10)
	require.NoError(t, err)
	require.Len(t, offenders, 1)
	assert.Equal(t, "Acme Mobile", offenders[0].Name)
	assert.Equal(t, 3, offenders[0].ComplaintCount)
}

func TestEscalateOverdue(t *testing.T) {
	testutil.RequireDB(t, testDB)
	ctx := context.Background()
	tenant := testutil.NewTenant(t, testDB)
	c := newComplaint(t, tenant, "waiting on business")
	require.NoError(t, testDB.SetStatus(ctx, tenant, c.ID, model.StatusAwaitingResponse))

	none, err := testDB.EscalateOverdue(ctx, time.Now().Add(-14*24*time.Hour))
	require.NoError(t, err)
	for _, e := range none {
		assert.NotEqual(t, c.ID, e.ID)
	}

	escalated, err := testDB.EscalateOverdue(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	found := false
	for _, e := range escalated {
		if e.ID == c.ID {
			found = true
			assert.Equal(t, model.StatusEscalated, e.Status)
		}
	}
	assert.True(t, found)
}

func TestElevateRouting(t *testing.T) {
	testutil.RequireDB(t, testDB)
	ctx := context.Background()
	tenant := testutil.NewTenant(t, testDB)
	c := newComplaint(t, tenant, "text")
	_, err := testDB.SaveTriageResult(ctx, tenant, model.TriageResult{
		ComplaintID: c.ID, Risk: model.RiskAssessment{RiskLevel: model.RiskLow},
		Routing: model.RoutingLine1Auto, TriagedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	prior, changed, err := testDB.ElevateRouting(ctx, tenant, c.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, prior)
	assert.Equal(t, model.RoutingLine1Auto, *prior)

	_, changed, err = testDB.ElevateRouting(ctx, tenant, c.ID)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestSaveTriageResultKeepsSystemicRouting(t *testing.T) {
	testutil.RequireDB(t, testDB)
	ctx := context.Background()
	tenant := testutil.NewTenant(t, testDB)
	ids := seedGroup(t, tenant, 2)
	_, err := testDB.CreateCluster(ctx, storage.NewCluster{
		TenantID: tenant, TriggerID: ids[0], Title: "Phantom fees",
		RiskLevel: model.RiskMedium, AvgSimilarity: 0.9, MemberIDs: ids,
	})
	require.NoError(t, err)

	saved, err := testDB.SaveTriageResult(ctx, tenant, model.TriageResult{
		ComplaintID: ids[0], Risk: model.RiskAssessment{RiskLevel: model.RiskLow},
		Routing: model.RoutingLine1Auto, TriagedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.True(t, saved.IsSystemic)
	require.NotNil(t, saved.Routing)
	assert.Equal(t, model.RoutingSystemicReview, *saved.Routing)
}

func TestCountComplaintsSinceIncludesBoundary(t *testing.T) {
	testutil.RequireDB(t, testDB)
	ctx := context.Background()
	tenant := testutil.NewTenant(t, testDB)
	c := newComplaint(t, tenant, "on the edge")

	n, err := testDB.CountComplaintsSince(ctx, tenant, c.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a complaint created exactly at the window start is inside it")

	n, err = testDB.CountComplaintsSince(ctx, tenant, c.CreatedAt.Add(time.Microsecond))
	require.NoError(t, err)
	assert.Zero(t, n)
}
