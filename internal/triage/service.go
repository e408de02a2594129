package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kujo/internal/model"
	"github.com/ashita-ai/kujo/internal/prompts"
	"github.com/ashita-ai/kujo/internal/service/gateway"
	"github.com/ashita-ai/kujo/internal/storage"
)

// Store is the persistence the triage service needs.
type Store interface {
	Recorder
	GetComplaint(ctx context.Context, tenantID, id uuid.UUID) (model.Complaint, error)
	SaveTriageResult(ctx context.Context, tenantID uuid.UUID, r model.TriageResult) (model.Complaint, error)
	GetBusiness(ctx context.Context, tenantID, id uuid.UUID) (model.Business, error)
	GetPriorityWeights(ctx context.Context, tenantID uuid.UUID) (model.PriorityWeights, error)
	SetPriorityWeights(ctx context.Context, tenantID uuid.UUID, w model.PriorityWeights) error
	ApplyOverride(ctx context.Context, tenantID, id uuid.UUID, req model.OverrideRequest) (model.Complaint, error)
	LatestAIOutput(ctx context.Context, tenantID, complaintID uuid.UUID, types ...model.OutputType) (model.AIOutput, error)
}

// Dispatcher hands a job to a named work queue.
type Dispatcher interface {
	Enqueue(ctx context.Context, queue string, job model.Job) error
}

// contextTTL bounds how stale cached weights and business context may be.
const contextTTL = 5 * time.Minute

// Service ties the pipeline to persistence: it loads a complaint's context,
// triages it, saves the outcome, drafts Line-1 correspondence and hands the
// complaint on to systemic detection.
type Service struct {
	store    Store
	llm      gateway.Completer
	pipeline *Pipeline
	line1    *Line1Handler
	dispatch Dispatcher
	logger   *slog.Logger

	cache *cache.Cache
	group singleflight.Group
}

// NewService creates a Service. dispatch may be nil, in which case
// detection is not scheduled.
func NewService(store Store, llm gateway.Completer, dispatch Dispatcher, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		llm:      llm,
		pipeline: NewPipeline(llm, store, logger),
		line1:    NewLine1Handler(llm, store, logger),
		dispatch: dispatch,
		logger:   logger,
		cache:    cache.New(contextTTL, 2*contextTTL),
	}
}

// Process triages the complaint named by job. A pipeline failure leaves
// the complaint untouched; the records of completed stages remain.
func (s *Service) Process(ctx context.Context, job model.Job) (model.TriageResult, error) {
	c, err := s.store.GetComplaint(ctx, job.TenantID, job.ComplaintID)
	if err != nil {
		return model.TriageResult{}, fmt.Errorf("triage: load complaint: %w", err)
	}
	text := job.RawText
	if text == "" {
		text = c.RawText
	}

	biz, err := s.businessContext(ctx, c.TenantID, c.BusinessID)
	if err != nil {
		return model.TriageResult{}, err
	}
	weights, err := s.Weights(ctx, c.TenantID)
	if err != nil {
		return model.TriageResult{}, err
	}

	result, _, err := s.pipeline.Triage(ctx, Input{
		TenantID:    c.TenantID,
		ComplaintID: c.ID,
		RawText:     text,
		Business:    biz,
		Weights:     weights,
		Systemic:    c.IsSystemic || c.ClusterID != nil,
	})
	if err != nil {
		return model.TriageResult{}, err
	}

	saved, err := s.store.SaveTriageResult(ctx, c.TenantID, result)
	if err != nil {
		return result, fmt.Errorf("triage: save result: %w", err)
	}

	if saved.Routing != nil && *saved.Routing == model.RoutingLine1Auto && saved.ClusterID == nil {
		if _, err := s.line1.Handle(ctx, saved, result, biz); err != nil {
			s.logger.Warn("triage: line-1 drafting failed", "complaint_id", c.ID, "error", err)
		}
	}

	if s.dispatch != nil {
		next := job
		next.ID = uuid.New()
		next.RawText = text
		next.Attempt = 0
		next.EnqueuedAt = time.Now().UTC()
		if err := s.dispatch.Enqueue(ctx, model.QueueDetection, next); err != nil {
			return result, fmt.Errorf("triage: enqueue detection: %w", err)
		}
	}
	return result, nil
}

// businessContext loads the registry record for a complaint's business.
// A complaint without one, or pointing at a missing one, gets the unknown
// context.
func (s *Service) businessContext(ctx context.Context, tenantID uuid.UUID, businessID *uuid.UUID) (model.BusinessContext, error) {
	if businessID == nil {
		return model.UnknownBusinessContext(), nil
	}
	key := "business:" + tenantID.String() + ":" + businessID.String()
	v, err := s.cached(key, func() (any, error) {
		b, err := s.store.GetBusiness(ctx, tenantID, *businessID)
		if errors.Is(err, storage.ErrNotFound) {
			return model.UnknownBusinessContext(), nil
		}
		if err != nil {
			return nil, fmt.Errorf("triage: load business: %w", err)
		}
		return b.ContextFor(), nil
	})
	if err != nil {
		return model.BusinessContext{}, err
	}
	return v.(model.BusinessContext), nil
}

// Weights returns the tenant's priority weights, falling back to the
// defaults when the tenant has none.
func (s *Service) Weights(ctx context.Context, tenantID uuid.UUID) (model.PriorityWeights, error) {
	v, err := s.cached("weights:"+tenantID.String(), func() (any, error) {
		w, err := s.store.GetPriorityWeights(ctx, tenantID)
		if errors.Is(err, storage.ErrNotFound) {
			return model.DefaultPriorityWeights(), nil
		}
		if err != nil {
			return nil, fmt.Errorf("triage: load weights: %w", err)
		}
		return w, nil
	})
	if err != nil {
		return model.PriorityWeights{}, err
	}
	return v.(model.PriorityWeights), nil
}

// SetWeights validates and stores a tenant's weights.
func (s *Service) SetWeights(ctx context.Context, tenantID uuid.UUID, w model.PriorityWeights) (model.WeightsView, error) {
	if err := w.Validate(); err != nil {
		return model.WeightsView{}, err
	}
	if err := s.store.SetPriorityWeights(ctx, tenantID, w); err != nil {
		return model.WeightsView{}, fmt.Errorf("triage: set weights: %w", err)
	}
	s.cache.Delete("weights:" + tenantID.String())
	return model.WeightsView{Weights: w, Warning: w.DriftWarning()}, nil
}

// cached returns the cached value for key or loads it once, coalescing
// concurrent loads for the same key.
func (s *Service) cached(key string, load func() (any, error)) (any, error) {
	if v, ok := s.cache.Get(key); ok {
		return v, nil
	}
	v, err, _ := s.group.Do(key, func() (any, error) {
		v, err := load()
		if err != nil {
			return nil, err
		}
		s.cache.SetDefault(key, v)
		return v, nil
	})
	return v, err
}

// triageOutputTypes are the records an override supersedes.
var triageOutputTypes = []model.OutputType{
	model.OutputExtraction,
	model.OutputClassification,
	model.OutputRiskScoring,
	model.OutputSummarisation,
	model.OutputOverride,
}

// Override applies an officer's correction to the derived fields and
// appends a human record superseding the latest triage record.
func (s *Service) Override(ctx context.Context, tenantID, complaintID uuid.UUID, userID string, req model.OverrideRequest) (model.Complaint, error) {
	if err := req.Validate(); err != nil {
		return model.Complaint{}, err
	}

	var supersedes *uuid.UUID
	var priorAuthor *string
	latest, err := s.store.LatestAIOutput(ctx, tenantID, complaintID, triageOutputTypes...)
	switch {
	case err == nil:
		supersedes, priorAuthor = &latest.ID, &latest.Model
	case !errors.Is(err, storage.ErrNotFound):
		return model.Complaint{}, fmt.Errorf("triage: load latest output: %w", err)
	}

	c, err := s.store.ApplyOverride(ctx, tenantID, complaintID, req)
	if err != nil {
		return model.Complaint{}, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return model.Complaint{}, fmt.Errorf("triage: marshal override: %w", err)
	}
	reason := req.Reason
	if _, err := s.store.InsertAIOutput(ctx, model.AIOutput{
		TenantID:       tenantID,
		ComplaintID:    &complaintID,
		OutputType:     model.OutputOverride,
		Model:          model.HumanModel,
		RawOutput:      string(body),
		ParsedOutput:   body,
		Reasoning:      &reason,
		WasEdited:      true,
		SupersedesID:   supersedes,
		EditedBy:       &userID,
		PriorAuthor:    priorAuthor,
		CorrectionNote: &reason,
	}); err != nil {
		return c, fmt.Errorf("triage: record override: %w", err)
	}

	s.logger.Info("triage: override applied", "complaint_id", complaintID, "tenant_id", tenantID, "edited_by", userID)
	return c, nil
}

// MissingData asks the model which required fields a partial submission
// still lacks.
func (s *Service) MissingData(ctx context.Context, tenantID, complaintID uuid.UUID, current map[string]any) (model.MissingDataGuidance, error) {
	c, err := s.store.GetComplaint(ctx, tenantID, complaintID)
	if err != nil {
		return model.MissingDataGuidance{}, err
	}
	if current == nil {
		current = map[string]any{}
	}
	guidance, _, err := Run[model.MissingDataGuidance](ctx, s.llm, s.store, Call{
		TenantID: tenantID, ComplaintID: &c.ID, Type: model.OutputMissingData, System: prompts.SystemAnalyst,
		Prompt: prompts.Interpolate(prompts.MissingData, map[string]string{
			"complaintText": c.RawText,
			"currentData":   indent(current),
		}),
	})
	return guidance, err
}
