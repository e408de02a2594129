// Package triage runs the four-stage analysis of a complaint and the work
// that hangs off it: priority scoring, routing, Line-1 drafting, manual
// overrides, intake guidance and the business-response SLA monitor.
package triage

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kujo/internal/model"
	"github.com/ashita-ai/kujo/internal/prompts"
	"github.com/ashita-ai/kujo/internal/scoring"
	"github.com/ashita-ai/kujo/internal/service/gateway"
	"github.com/ashita-ai/kujo/internal/telemetry"
)

// Input is everything the pipeline needs about one complaint.
type Input struct {
	TenantID    uuid.UUID
	ComplaintID uuid.UUID
	RawText     string
	Business    model.BusinessContext
	Weights     model.PriorityWeights
	// Systemic is set for a complaint already flagged or clustered, which
	// must stay on the systemic_review track whatever the model says now.
	Systemic bool
}

// Pipeline runs extraction, classification, risk scoring and
// summarisation in order. Each stage consumes the previous stage's output,
// so stages never run concurrently for one complaint.
type Pipeline struct {
	llm      gateway.Completer
	rec      Recorder
	logger   *slog.Logger
	duration metric.Float64Histogram
	now      func() time.Time
}

// NewPipeline creates a Pipeline.
func NewPipeline(llm gateway.Completer, rec Recorder, logger *slog.Logger) *Pipeline {
	duration, _ := telemetry.Meter("kujo/triage").Float64Histogram("kujo.triage.duration",
		metric.WithDescription("Wall time of the four-stage triage pipeline"),
		metric.WithUnit("ms"),
	)
	return &Pipeline{llm: llm, rec: rec, logger: logger, duration: duration, now: time.Now}
}

// Triage analyses one complaint. The records of stages that completed are
// returned and persisted even when a later stage fails.
func (p *Pipeline) Triage(ctx context.Context, in Input) (_ model.TriageResult, _ []model.AIOutput, err error) {
	ctx, span := telemetry.StartComplaintSpan(ctx, "kujo/triage", "triage.pipeline", in.TenantID, in.ComplaintID)
	start := p.now()
	outcome := "ok"
	defer func() {
		p.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("outcome", outcome)))
		telemetry.EndSpan(span, err)
	}()

	var records []model.AIOutput
	call := func(t model.OutputType, prompt string) Call {
		return Call{TenantID: in.TenantID, ComplaintID: &in.ComplaintID, Type: t, System: prompts.SystemAnalyst, Prompt: prompt}
	}
	fail := func(err error) (model.TriageResult, []model.AIOutput, error) {
		outcome = "error"
		return model.TriageResult{}, records, err
	}

	extraction, rec, err := Run[model.Extraction](ctx, p.llm, p.rec, call(model.OutputExtraction,
		prompts.Interpolate(prompts.Extraction, map[string]string{"complaintText": in.RawText})))
	if rec.ID != uuid.Nil {
		records = append(records, rec)
	}
	if err != nil {
		return fail(err)
	}

	classification, rec, err := Run[model.Classification](ctx, p.llm, p.rec, call(model.OutputClassification,
		prompts.Interpolate(prompts.Classification, map[string]string{
			"complaintText": in.RawText,
			"extractedData": indent(extraction),
		})))
	if rec.ID != uuid.Nil {
		records = append(records, rec)
	}
	if err != nil {
		return fail(err)
	}

	risk, rec, err := Run[model.RiskAssessment](ctx, p.llm, p.rec, call(model.OutputRiskScoring,
		prompts.Interpolate(prompts.RiskScoring, map[string]string{
			"complaintText":          in.RawText,
			"classification":         indent(classification),
			"previousComplaintCount": strconv.Itoa(in.Business.PreviousComplaintCount),
			"industry":               in.Business.Industry,
			"businessStatus":         in.Business.Status,
		})))
	if rec.ID != uuid.Nil {
		records = append(records, rec)
	}
	if err != nil {
		return fail(err)
	}

	summary, rec, err := Run[model.Summary](ctx, p.llm, p.rec, call(model.OutputSummarisation,
		prompts.Interpolate(prompts.Summarisation, map[string]string{"complaintText": in.RawText})))
	if rec.ID != uuid.Nil {
		records = append(records, rec)
	}
	if err != nil {
		return fail(err)
	}

	if classification.PrimaryCategory == "" {
		classification.PrimaryCategory = "other"
	}
	priority := scoring.Priority(scoring.Factors{
		RiskLevel:             risk.RiskLevel,
		SystemicImpact:        risk.SystemicImpactScore,
		MonetaryValue:         extraction.MonetaryValue,
		Vulnerability:         risk.VulnerabilityScore,
		ResolutionProbability: risk.ResolutionProbability,
	}, in.Weights)

	result := model.TriageResult{
		ComplaintID:    in.ComplaintID,
		Extraction:     extraction,
		Classification: classification,
		Risk:           risk,
		Summary:        summary,
		PriorityScore:  priority,
		Routing:        scoring.Route(risk.RiskLevel, risk.ComplexityScore, classification.IsSystemicRisk || in.Systemic, priority),
		Confidence:     min(confidence(records[0]), confidence(records[1]), confidence(records[2])),
		Model:          records[0].Model,
		TriagedAt:      p.now().UTC(),
	}

	p.logger.Info("triage: complaint analysed",
		"complaint_id", in.ComplaintID,
		"tenant_id", in.TenantID,
		"risk_level", result.Risk.RiskLevel,
		"priority_score", result.PriorityScore,
		"routing", result.Routing,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, records, nil
}

func indent(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}
