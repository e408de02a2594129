package systemic

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/ashita-ai/kujo/internal/model"
	"github.com/ashita-ai/kujo/internal/storage"
)

// candidate is an active cluster of the tenant represented among the
// neighbours.
type candidate struct {
	cluster model.Cluster
	count   int
	simSum  float64
}

// assign applies the join-or-create decision to res.Similar.
func (d *Detector) assign(ctx context.Context, c model.Complaint, res *model.DetectionResult) error {
	if c.ClusterID != nil {
		res.ClusterID = c.ClusterID
		return nil
	}

	best, err := d.pickCluster(ctx, c.TenantID, res.Similar)
	if err != nil {
		return err
	}
	if best != nil {
		return d.join(ctx, c, *best, res)
	}

	var free []model.SimilarComplaint
	for _, s := range res.Similar {
		if s.ClusterID == nil {
			free = append(free, s)
		}
	}
	if len(free)+1 < d.cfg.MinClusterSize {
		return nil
	}
	return d.create(ctx, c, free, res)
}

// pickCluster returns the active tenant cluster most represented among the
// neighbours, preferring the most recently updated on a tie. A reference
// to a cluster the tenant does not own, or one that has been retired, is
// treated as no cluster.
func (d *Detector) pickCluster(ctx context.Context, tenantID uuid.UUID, similar []model.SimilarComplaint) (*candidate, error) {
	byID := make(map[uuid.UUID]*candidate)
	var order []uuid.UUID
	for _, s := range similar {
		if s.ClusterID == nil {
			continue
		}
		cand, ok := byID[*s.ClusterID]
		if !ok {
			cand = &candidate{}
			byID[*s.ClusterID] = cand
			order = append(order, *s.ClusterID)
		}
		cand.count++
		cand.simSum += s.Similarity
	}

	var verified []*candidate
	for _, id := range order {
		cl, err := d.store.GetCluster(ctx, tenantID, id)
		if errors.Is(err, storage.ErrNotFound) {
			d.logger.Warn("systemic: neighbour cluster not owned by tenant, ignored", "tenant_id", tenantID, "cluster_id", id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("systemic: verify cluster: %w", err)
		}
		if !cl.IsActive {
			continue
		}
		byID[id].cluster = cl
		verified = append(verified, byID[id])
	}
	if len(verified) == 0 {
		return nil, nil
	}

	best := slices.MaxFunc(verified, func(a, b *candidate) int {
		if c := cmp.Compare(a.count, b.count); c != 0 {
			return c
		}
		return a.cluster.UpdatedAt.Compare(b.cluster.UpdatedAt)
	})
	return best, nil
}

func (d *Detector) join(ctx context.Context, c model.Complaint, cand candidate, res *model.DetectionResult) error {
	sim := cand.simSum / float64(cand.count)
	cl, joined, err := d.store.JoinCluster(ctx, c.TenantID, cand.cluster.ID, c.ID, sim)
	if errors.Is(err, storage.ErrNotFound) {
		// Retired between verification and the locked update.
		return nil
	}
	if err != nil {
		return fmt.Errorf("systemic: join cluster: %w", err)
	}
	res.ClusterID = &cl.ID
	if !joined {
		return nil
	}
	res.ClusterAction = model.ClusterActionJoined
	d.joined.Add(ctx, 1)
	d.logger.Info("systemic: complaint joined cluster",
		"complaint_id", c.ID, "tenant_id", c.TenantID, "cluster_id", cl.ID, "complaint_count", cl.ComplaintCount)
	d.recall(ctx, c.TenantID, c.ID, cl.ID)
	return nil
}

func (d *Detector) create(ctx context.Context, c model.Complaint, free []model.SimilarComplaint, res *model.DetectionResult) error {
	reps := free[:min(len(free), maxRepresentatives)]
	ids := make([]uuid.UUID, len(reps))
	for i, s := range reps {
		ids[i] = s.ComplaintID
	}
	neighbours, err := d.store.GetComplaints(ctx, c.TenantID, ids)
	if err != nil {
		return fmt.Errorf("systemic: load representatives: %w", err)
	}
	members := []Member{memberOf(c)}
	for _, n := range neighbours {
		members = append(members, memberOf(n))
	}

	analysis, err := d.analyzer.Analyze(ctx, c.TenantID, c.ID, members)
	if err != nil {
		return err
	}
	if !analysis.IsSystemic {
		res.ClusterAction = model.ClusterActionRejected
		d.logger.Info("systemic: candidate group judged not systemic",
			"complaint_id", c.ID, "tenant_id", c.TenantID, "group_size", len(members))
		return nil
	}

	memberIDs := []uuid.UUID{c.ID}
	var simSum float64
	for _, s := range free {
		memberIDs = append(memberIDs, s.ComplaintID)
		simSum += s.Similarity
	}

	cl, err := d.store.CreateCluster(ctx, storage.NewCluster{
		TenantID:       c.TenantID,
		TriggerID:      c.ID,
		Title:          analysis.Title,
		Description:    analysis.Description,
		RiskLevel:      analysis.RiskLevel,
		CommonPatterns: analysis.CommonPatterns,
		AvgSimilarity:  simSum / float64(len(free)),
		MemberIDs:      memberIDs,
	})
	if errors.Is(err, ErrClusterConflict) {
		d.logger.Info("systemic: cluster create lost a race, joining instead", "complaint_id", c.ID, "tenant_id", c.TenantID)
		return d.afterConflict(ctx, c, res)
	}
	if err != nil {
		return fmt.Errorf("systemic: create cluster: %w", err)
	}

	res.ClusterAction = model.ClusterActionCreated
	res.ClusterID = &cl.ID
	d.created.Add(ctx, 1)
	d.logger.Info("systemic: cluster created",
		"complaint_id", c.ID, "tenant_id", c.TenantID, "cluster_id", cl.ID,
		"title", cl.Title, "risk_level", cl.RiskLevel, "complaint_count", cl.ComplaintCount)
	for _, id := range memberIDs {
		d.recall(ctx, c.TenantID, id, cl.ID)
	}
	return nil
}

// afterConflict resolves a lost create race. The winning run may already
// have made this complaint a member; otherwise the complaint joins the
// cluster its neighbours now belong to.
func (d *Detector) afterConflict(ctx context.Context, c model.Complaint, res *model.DetectionResult) error {
	fresh, err := d.store.GetComplaint(ctx, c.TenantID, c.ID)
	if err != nil {
		return fmt.Errorf("systemic: reload complaint: %w", err)
	}
	if fresh.ClusterID != nil {
		res.ClusterAction = model.ClusterActionJoined
		res.ClusterID = fresh.ClusterID
		return nil
	}
	similar, err := d.hydrateClusters(ctx, c.TenantID, res.Similar)
	if err != nil {
		return err
	}
	res.Similar = similar
	best, err := d.pickCluster(ctx, c.TenantID, similar)
	if err != nil || best == nil {
		return err
	}
	return d.join(ctx, fresh, *best, res)
}
