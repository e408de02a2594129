package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxComplaintTextLen caps the narrative length accepted for triage.
const MaxComplaintTextLen = 64 * 1024

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeMalformedOutput = "MALFORMED_MODEL_OUTPUT"
	ErrCodeUnavailable     = "PROVIDER_UNAVAILABLE"
)

// CreateComplaintRequest is the body for POST /v1/complaints.
type CreateComplaintRequest struct {
	RawText    string     `json:"raw_text"`
	BusinessID *uuid.UUID `json:"business_id,omitempty"`
	Submit     bool       `json:"submit"`
}

// Validate checks the narrative is present and bounded.
func (r CreateComplaintRequest) Validate() error {
	if r.RawText == "" {
		return fmt.Errorf("raw_text is required")
	}
	if len(r.RawText) > MaxComplaintTextLen {
		return fmt.Errorf("raw_text exceeds maximum length of %d bytes", MaxComplaintTextLen)
	}
	return nil
}

// OverrideRequest is the body for POST /v1/complaints/{id}/override.
// Nil fields are left unchanged.
type OverrideRequest struct {
	RiskLevel     *RiskLevel `json:"risk_level,omitempty"`
	Routing       *Routing   `json:"routing,omitempty"`
	PriorityScore *float64   `json:"priority_score,omitempty"`
	Reason        string     `json:"reason"`
}

// Validate checks the override carries a reason and at least one valid field.
func (r OverrideRequest) Validate() error {
	if r.Reason == "" {
		return fmt.Errorf("reason is required")
	}
	if r.RiskLevel == nil && r.Routing == nil && r.PriorityScore == nil {
		return fmt.Errorf("at least one of risk_level, routing, priority_score is required")
	}
	if r.RiskLevel != nil && !r.RiskLevel.Valid() {
		return fmt.Errorf("risk_level %q is not valid", *r.RiskLevel)
	}
	if r.Routing != nil && !r.Routing.Valid() {
		return fmt.Errorf("routing %q is not valid", *r.Routing)
	}
	if r.PriorityScore != nil && (*r.PriorityScore < 0 || *r.PriorityScore > 1) {
		return fmt.Errorf("priority_score must be in [0,1]")
	}
	return nil
}

// MissingDataRequest is the body for POST /v1/complaints/{id}/missing-data.
type MissingDataRequest struct {
	CurrentData map[string]any `json:"current_data,omitempty"`
}

// TriageView is the response for GET /v1/complaints/{id}/triage.
type TriageView struct {
	Complaint Complaint  `json:"complaint"`
	Outputs   []AIOutput `json:"ai_outputs"`

	// AuditRoot is the Merkle root over the records' content hashes.
	// Intact is false when any record no longer matches its hash.
	AuditRoot string `json:"audit_root"`
	Intact    bool   `json:"intact"`
}

// ClusterDetail is the response for GET /v1/clusters/{id}.
type ClusterDetail struct {
	Cluster    Cluster      `json:"cluster"`
	State      ClusterState `json:"state"`
	Complaints []Complaint  `json:"complaints"`
}

// AlertsView is the response for GET /v1/alerts.
type AlertsView struct {
	Clusters []Cluster   `json:"unacknowledged_clusters"`
	Spike    SpikeStatus `json:"spike"`
}

// WeightsView is the response for GET/PUT /v1/tenant/weights.
type WeightsView struct {
	Weights PriorityWeights `json:"weights"`
	Warning string          `json:"warning,omitempty"`
}

// HeatmapCell is one category × industry count.
type HeatmapCell struct {
	Category string `json:"category"`
	Industry string `json:"industry"`
	Count    int    `json:"count"`
}

// RepeatOffender is a business with many complaints.
type RepeatOffender struct {
	BusinessID     uuid.UUID `json:"business_id"`
	Name           string    `json:"name"`
	ComplaintCount int       `json:"complaint_count"`
	SystemicCount  int       `json:"systemic_count"`
}
