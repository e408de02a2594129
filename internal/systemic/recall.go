package systemic

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/ashita-ai/kujo/internal/model"
)

// recall moves a newly clustered complaint to systemic review. Line-1
// drafts written for it earlier are marked recalled by appending a
// superseding record, since drafts are never sent without review and the
// complaint is no longer a Line-1 matter. Failures are logged because the
// cluster assignment has already been committed.
func (d *Detector) recall(ctx context.Context, tenantID, complaintID, clusterID uuid.UUID) {
	prior, changed, err := d.store.ElevateRouting(ctx, tenantID, complaintID)
	if err != nil {
		d.logger.Warn("systemic: elevate routing", "complaint_id", complaintID, "error", err)
		return
	}
	if !changed {
		return
	}
	from := "none"
	if prior != nil {
		from = string(*prior)
	}
	d.logger.Info("systemic: routing elevated", "complaint_id", complaintID, "cluster_id", clusterID, "from", from)

	drafts, err := d.store.UnsupersededDrafts(ctx, tenantID, complaintID)
	if err != nil {
		d.logger.Warn("systemic: load drafts for recall", "complaint_id", complaintID, "error", err)
		return
	}
	note := "recalled: complaint joined systemic cluster " + clusterID.String()
	body, _ := json.Marshal(map[string]string{"status": "recalled", "cluster_id": clusterID.String()})
	for _, draft := range drafts {
		if _, err := d.store.InsertAIOutput(ctx, model.AIOutput{
			TenantID:       tenantID,
			ComplaintID:    &complaintID,
			ClusterID:      &clusterID,
			OutputType:     draft.OutputType,
			Model:          model.SystemModel,
			RawOutput:      string(body),
			ParsedOutput:   body,
			SupersedesID:   &draft.ID,
			PriorAuthor:    &draft.Model,
			CorrectionNote: &note,
		}); err != nil {
			d.logger.Warn("systemic: record recall", "complaint_id", complaintID, "draft_id", draft.ID, "error", err)
		}
	}
}
