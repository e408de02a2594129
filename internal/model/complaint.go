package model

import (
	"time"

	"github.com/google/uuid"
)

// ComplaintStatus is the lifecycle state of a complaint.
type ComplaintStatus string

const (
	StatusDraft            ComplaintStatus = "draft"
	StatusSubmitted        ComplaintStatus = "submitted"
	StatusTriaging         ComplaintStatus = "triaging"
	StatusTriaged          ComplaintStatus = "triaged"
	StatusAssigned         ComplaintStatus = "assigned"
	StatusInProgress       ComplaintStatus = "in_progress"
	StatusAwaitingResponse ComplaintStatus = "awaiting_response"
	StatusEscalated        ComplaintStatus = "escalated"
	StatusResolved         ComplaintStatus = "resolved"
	StatusClosed           ComplaintStatus = "closed"
	StatusWithdrawn        ComplaintStatus = "withdrawn"
)

// RiskLevel is the assessed regulatory risk of a complaint or cluster.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Valid reports whether r is one of the four known levels.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Routing is the handling track a complaint is sent to.
type Routing string

const (
	RoutingLine1Auto      Routing = "line_1_auto"
	RoutingInvestigation  Routing = "line_2_investigation"
	RoutingSystemicReview Routing = "systemic_review"
)

// Valid reports whether r is one of the three routing destinations.
func (r Routing) Valid() bool {
	switch r {
	case RoutingLine1Auto, RoutingInvestigation, RoutingSystemicReview:
		return true
	}
	return false
}

// Complaint categories recognised by extraction and classification.
var ComplaintCategories = []string{
	"misleading_conduct",
	"unfair_contract_terms",
	"product_safety",
	"pricing_issues",
	"warranty_guarantee",
	"refund_dispute",
	"service_quality",
	"billing_dispute",
	"privacy_breach",
	"accessibility",
	"discrimination",
	"scam_fraud",
	"unconscionable_conduct",
	"other",
}

// Industries recognised by extraction.
var Industries = []string{
	"financial_services",
	"telecommunications",
	"energy",
	"retail",
	"health",
	"aged_care",
	"building_construction",
	"automotive",
	"travel_tourism",
	"education",
	"real_estate",
	"insurance",
	"food_beverage",
	"technology",
	"government_services",
	"other",
}

// Complaint is a tenant-scoped consumer complaint and its derived triage fields.
type Complaint struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	Reference   string          `json:"reference"`
	BusinessID  *uuid.UUID      `json:"business_id,omitempty"`
	RawText     string          `json:"raw_text"`
	Status      ComplaintStatus `json:"status"`
	Summary     *string         `json:"summary,omitempty"`
	Category    *string         `json:"category,omitempty"`
	LegalCat    *string         `json:"legal_category,omitempty"`
	Industry    *string         `json:"industry,omitempty"`
	RiskLevel   *RiskLevel      `json:"risk_level,omitempty"`
	Complexity  *float64        `json:"complexity_score,omitempty"`
	Priority    *float64        `json:"priority_score,omitempty"`
	Routing     *Routing        `json:"routing,omitempty"`
	Confidence  *float64        `json:"ai_confidence,omitempty"`
	IsSystemic  bool            `json:"is_systemic_risk"`
	ClusterID   *uuid.UUID      `json:"systemic_cluster_id,omitempty"`
	MonetaryVal *float64        `json:"monetary_value,omitempty"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	TriagedAt   *time.Time `json:"triaged_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Business is the read-only registry context for the business a complaint is about.
type Business struct {
	ID                     uuid.UUID `json:"id"`
	TenantID               uuid.UUID `json:"tenant_id"`
	Name                   string    `json:"name"`
	Industry               *string   `json:"industry,omitempty"`
	Status                 string    `json:"status"`
	Email                  *string   `json:"email,omitempty"`
	PreviousComplaintCount int       `json:"previous_complaint_count"`
}

// BusinessContext is the slice of business history the risk stage consumes.
type BusinessContext struct {
	Name                   string `json:"business_name"`
	Industry               string `json:"industry"`
	Status                 string `json:"business_status"`
	Email                  string `json:"-"`
	PreviousComplaintCount int    `json:"previous_complaint_count"`
}

// UnknownBusinessContext is used when a complaint has no linked business.
func UnknownBusinessContext() BusinessContext {
	return BusinessContext{Industry: "unknown", Status: "unknown"}
}

// ContextFor builds the risk-stage business context from a registry record.
func (b Business) ContextFor() BusinessContext {
	bc := BusinessContext{
		Name:                   b.Name,
		Industry:               "unknown",
		Status:                 b.Status,
		PreviousComplaintCount: b.PreviousComplaintCount,
	}
	if b.Industry != nil {
		bc.Industry = *b.Industry
	}
	if b.Email != nil {
		bc.Email = *b.Email
	}
	if bc.Status == "" {
		bc.Status = "unknown"
	}
	return bc
}
