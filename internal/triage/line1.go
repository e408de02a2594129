package triage

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ashita-ai/kujo/internal/model"
	"github.com/ashita-ai/kujo/internal/prompts"
	"github.com/ashita-ai/kujo/internal/service/gateway"
)

// Line1Handler drafts correspondence for complaints routed to line_1_auto.
// Drafts are stored as AI output records for an officer to review; nothing
// is ever sent from here.
type Line1Handler struct {
	llm    gateway.Completer
	rec    Recorder
	logger *slog.Logger
}

// NewLine1Handler creates a Line1Handler.
func NewLine1Handler(llm gateway.Completer, rec Recorder, logger *slog.Logger) *Line1Handler {
	return &Line1Handler{llm: llm, rec: rec, logger: logger}
}

// Drafts holds the records produced for one complaint. Notice is nil when
// the business has no email on file.
type Drafts struct {
	Response *model.AIOutput
	Notice   *model.AIOutput
}

// Handle drafts the complainant response and, when the business can be
// reached, a business notice.
func (h *Line1Handler) Handle(ctx context.Context, c model.Complaint, r model.TriageResult, biz model.BusinessContext) (Drafts, error) {
	var out Drafts
	category := r.Classification.PrimaryCategory

	_, resp, err := Run[model.Draft](ctx, h.llm, h.rec, Call{
		TenantID: c.TenantID, ComplaintID: &c.ID, Type: model.OutputDraftResponse, System: prompts.SystemDrafter,
		Prompt: prompts.Interpolate(prompts.DraftComplainantResponse, map[string]string{
			"summary":   r.Summary.ExecutiveSummary,
			"category":  category,
			"riskLevel": string(r.Risk.RiskLevel),
		}),
	})
	if err != nil {
		return out, err
	}
	out.Response = &resp

	if biz.Email == "" {
		h.logger.Info("triage: no business email, notice not drafted", "complaint_id", c.ID)
		return out, nil
	}

	name := biz.Name
	if name == "" && r.Extraction.BusinessName != nil {
		name = *r.Extraction.BusinessName
	}
	_, notice, err := Run[model.Draft](ctx, h.llm, h.rec, Call{
		TenantID: c.TenantID, ComplaintID: &c.ID, Type: model.OutputDraftBusinessNotice, System: prompts.SystemDrafter,
		Prompt: prompts.Interpolate(prompts.DraftBusinessNotice, map[string]string{
			"summary":      r.Summary.ExecutiveSummary,
			"businessName": name,
			"category":     category,
			"issues":       strings.Join(r.Summary.KeyIssues, "; "),
		}),
	})
	if err != nil {
		return out, err
	}
	out.Notice = &notice
	return out, nil
}
