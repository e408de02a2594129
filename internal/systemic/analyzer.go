package systemic

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/ashita-ai/kujo/internal/model"
	"github.com/ashita-ai/kujo/internal/prompts"
	"github.com/ashita-ai/kujo/internal/service/gateway"
	"github.com/ashita-ai/kujo/internal/triage"
)

// maxRepresentatives caps how many neighbours are shown to the model
// alongside the triggering complaint.
const maxRepresentatives = 10

// Member is one complaint as presented to the clustering judgment.
type Member struct {
	ID       uuid.UUID `json:"id"`
	Summary  string    `json:"summary"`
	Category string    `json:"category"`
}

func memberOf(c model.Complaint) Member {
	m := Member{ID: c.ID, Summary: "No summary available", Category: "unknown"}
	if c.Summary != nil && *c.Summary != "" {
		m.Summary = *c.Summary
	}
	if c.Category != nil && *c.Category != "" {
		m.Category = *c.Category
	}
	return m
}

// Analyzer asks the model whether a candidate group is systemic.
type Analyzer struct {
	llm gateway.Completer
	rec triage.Recorder
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(llm gateway.Completer, rec triage.Recorder) *Analyzer {
	return &Analyzer{llm: llm, rec: rec}
}

// Analyze judges the group and records the judgment against the trigger
// complaint. A missing or unknown risk level becomes medium.
func (a *Analyzer) Analyze(ctx context.Context, tenantID, triggerID uuid.UUID, members []Member) (model.ClusterAnalysis, error) {
	body, err := json.MarshalIndent(members, "", "  ")
	if err != nil {
		return model.ClusterAnalysis{}, err
	}
	analysis, _, err := triage.Run[model.ClusterAnalysis](ctx, a.llm, a.rec, triage.Call{
		TenantID:    tenantID,
		ComplaintID: &triggerID,
		Type:        model.OutputClusteringAnalysis,
		System:      prompts.SystemAnalyst,
		Prompt:      prompts.Interpolate(prompts.ClusteringAnalysis, map[string]string{"complaints": string(body)}),
	})
	if err != nil {
		return model.ClusterAnalysis{}, err
	}
	if !analysis.RiskLevel.Valid() {
		analysis.RiskLevel = model.RiskMedium
	}
	return analysis, nil
}
