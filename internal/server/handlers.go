package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/kujo/internal/model"
	"github.com/ashita-ai/kujo/internal/storage"
	"github.com/ashita-ai/kujo/internal/triage"
)

// Store is the persistence the API reads and writes directly.
type Store interface {
	Ping(ctx context.Context) error

	CreateComplaint(ctx context.Context, tenantID uuid.UUID, req model.CreateComplaintRequest) (model.Complaint, error)
	GetComplaint(ctx context.Context, tenantID, id uuid.UUID) (model.Complaint, error)
	ListComplaints(ctx context.Context, tenantID uuid.UUID, f storage.ComplaintFilter) ([]model.Complaint, int, error)
	SubmitComplaint(ctx context.Context, tenantID, id uuid.UUID) (model.Complaint, error)
	ListAIOutputs(ctx context.Context, tenantID, complaintID uuid.UUID) ([]model.AIOutput, error)

	GetCluster(ctx context.Context, tenantID, id uuid.UUID) (model.Cluster, error)
	ListClusters(ctx context.Context, tenantID uuid.UUID, f storage.ClusterFilter) ([]model.Cluster, int, error)
	ListClusterMembers(ctx context.Context, tenantID, clusterID uuid.UUID) ([]model.Complaint, error)
	AcknowledgeCluster(ctx context.Context, tenantID, id uuid.UUID, by string) (model.Cluster, error)
	DeactivateCluster(ctx context.Context, tenantID, id uuid.UUID) (model.Cluster, error)

	Heatmap(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]model.HeatmapCell, error)
	RepeatOffenders(ctx context.Context, tenantID uuid.UUID, minCount, limit int) ([]model.RepeatOffender, error)
}

// TriageService is the operator-facing half of the triage package.
type TriageService interface {
	Override(ctx context.Context, tenantID, complaintID uuid.UUID, userID string, req model.OverrideRequest) (model.Complaint, error)
	MissingData(ctx context.Context, tenantID, complaintID uuid.UUID, current map[string]any) (model.MissingDataGuidance, error)
	Weights(ctx context.Context, tenantID uuid.UUID) (model.PriorityWeights, error)
	SetWeights(ctx context.Context, tenantID uuid.UUID, w model.PriorityWeights) (model.WeightsView, error)
}

// SpikeChecker reports recent complaint volume.
type SpikeChecker interface {
	SpikeStatus(ctx context.Context, tenantID uuid.UUID) (model.SpikeStatus, error)
}

// Dispatcher enqueues background work.
type Dispatcher interface {
	Enqueue(ctx context.Context, queue string, job model.Job) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	triage              TriageService
	spikes              SpikeChecker
	dispatch            Dispatcher
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Broker is optional.
type HandlersDeps struct {
	Store               Store
	Triage              TriageService
	Spikes              SpikeChecker
	Dispatch            Dispatcher
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 1 << 20
	}
	return &Handlers{
		store:               d.Store,
		triage:              d.Triage,
		spikes:              d.Spikes,
		dispatch:            d.Dispatch,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	dbStatus := "connected"
	if err := h.store.Ping(ctx); err != nil {
		status, code, dbStatus = "unhealthy", http.StatusServiceUnavailable, "disconnected"
	}
	writeJSON(w, r, code, map[string]any{
		"status":   status,
		"version":  h.version,
		"postgres": dbStatus,
		"uptime":   int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI document.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeStoreError maps well-known errors to their HTTP status.
func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var stageErr *triage.StageError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "invalid status transition")
	case errors.Is(err, triage.ErrMalformedOutput):
		writeError(w, r, http.StatusBadGateway, model.ErrCodeMalformedOutput, "model returned malformed output")
	case errors.As(err, &stageErr):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "language model unavailable")
	default:
		h.logger.Error("server: "+op, "error", err, "request_id", requestID(r))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}

// --- Shared helpers ---

func pathUUID(r *http.Request, key string) (uuid.UUID, error) {
	v := chi.URLParam(r, key)
	if v == "" {
		return uuid.Nil, fmt.Errorf("%s is required", key)
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", key, v)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 500

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	return min(max(queryInt(r, "offset", 0), 0), maxQueryOffset)
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	return min(max(queryInt(r, "limit", defaultVal), 1), maxQueryLimit)
}

func queryBool(r *http.Request, key string) (*bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected true or false", key)
	}
	return &b, nil
}
