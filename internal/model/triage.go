package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage payloads below mirror the JSON schemas the prompts ask the model for,
// so their tags are camelCase rather than the API's snake_case.

// TimelineEvent is one dated event in an extracted complaint timeline.
type TimelineEvent struct {
	Date  *string `json:"date"`
	Event string  `json:"event"`
}

// Party is a person or organisation named in a complaint.
type Party struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// Extraction is the structured fact set pulled from free text.
// Fields the model cannot resolve are null.
type Extraction struct {
	BusinessName            *string         `json:"businessName"`
	ProductOrService        *string         `json:"productOrService"`
	ComplaintCategory       *string         `json:"complaintCategory"`
	Industry                *string         `json:"industry"`
	MonetaryValue           *float64        `json:"monetaryValue"`
	MonetaryCurrency        string          `json:"monetaryCurrency,omitempty"`
	IncidentDate            *string         `json:"incidentDate"`
	Timeline                []TimelineEvent `json:"timeline"`
	Parties                 []Party         `json:"parties"`
	EvidenceMentioned       []string        `json:"evidenceMentioned"`
	UrgencyIndicators       []string        `json:"urgencyIndicators"`
	VulnerabilityIndicators []string        `json:"vulnerabilityIndicators"`
	KeyFacts                []string        `json:"keyFacts"`
	Reasoning               string          `json:"reasoning"`
	Confidence              float64         `json:"confidence"`
}

// Classification is the legal categorisation of a complaint.
type Classification struct {
	PrimaryCategory        string   `json:"primaryCategory"`
	SecondaryCategories    []string `json:"secondaryCategories"`
	LegalCategory          string   `json:"legalCategory"`
	RelevantLegislation    []string `json:"relevantLegislation"`
	IsCivilDispute         bool     `json:"isCivilDispute"`
	IsSystemicRisk         bool     `json:"isSystemicRisk"`
	BreachLikelihood       float64  `json:"breachLikelihood"`
	BreachType             *string  `json:"breachType"`
	RegulatoryJurisdiction string   `json:"regulatoryJurisdiction"`
	Reasoning              string   `json:"reasoning"`
	Confidence             float64  `json:"confidence"`
}

// ComplexityFactors is the six-factor complexity breakdown, each in [0,1].
type ComplexityFactors struct {
	LegalNuance        float64 `json:"legalNuance"`
	InvestigationDepth float64 `json:"investigationDepth"`
	MonetaryValue      float64 `json:"monetaryValue"`
	PartiesInvolved    float64 `json:"partiesInvolved"`
	Novelty            float64 `json:"novelty"`
	PublicHarm         float64 `json:"publicHarm"`
}

// RiskAssessment is the risk-scoring stage output.
type RiskAssessment struct {
	RiskLevel             RiskLevel         `json:"riskLevel"`
	ComplexityFactors     ComplexityFactors `json:"complexityFactors"`
	ComplexityScore       float64           `json:"complexityScore"`
	PublicHarmIndicator   float64           `json:"publicHarmIndicator"`
	VulnerabilityScore    float64           `json:"vulnerabilityScore"`
	SystemicImpactScore   float64           `json:"systemicImpactScore"`
	ResolutionProbability float64           `json:"resolutionProbability"`
	RecommendedRouting    Routing           `json:"recommendedRouting"`
	Reasoning             string            `json:"reasoning"`
	Confidence            float64           `json:"confidence"`
}

// Validate rejects an unknown risk level.
func (r RiskAssessment) Validate() error {
	if !r.RiskLevel.Valid() {
		return fmt.Errorf("riskLevel %q is not one of low, medium, high, critical", r.RiskLevel)
	}
	return nil
}

// Summary is the officer-facing executive summary.
type Summary struct {
	ExecutiveSummary   string   `json:"executiveSummary"`
	KeyIssues          []string `json:"keyIssues"`
	RecommendedActions []string `json:"recommendedActions"`
	Reasoning          string   `json:"reasoning"`
	Confidence         float64  `json:"confidence"`
}

// TriageResult is the combined outcome of the four triage stages.
type TriageResult struct {
	ComplaintID    uuid.UUID      `json:"complaint_id"`
	Extraction     Extraction     `json:"extraction"`
	Classification Classification `json:"classification"`
	Risk           RiskAssessment `json:"risk"`
	Summary        Summary        `json:"summary"`
	PriorityScore  float64        `json:"priority_score"`
	Routing        Routing        `json:"routing"`
	Confidence     float64        `json:"confidence"`
	Model          string         `json:"model"`
	TriagedAt      time.Time      `json:"triaged_at"`
}

// MissingField is one gap identified in a partial submission.
type MissingField struct {
	Field      string `json:"field"`
	Importance string `json:"importance"`
	Question   string `json:"question"`
}

// MissingDataGuidance lists what a partial complaint still needs.
type MissingDataGuidance struct {
	ExtractedData struct {
		BusinessName  *string  `json:"businessName"`
		Category      *string  `json:"category"`
		MonetaryValue *float64 `json:"monetaryValue"`
		IncidentDate  *string  `json:"incidentDate"`
	} `json:"extractedData"`
	MissingFields     []MissingField `json:"missingFields"`
	FollowUpQuestions []string       `json:"followUpQuestions"`
	CompletenessScore float64        `json:"completenessScore"`
	Reasoning         string         `json:"reasoning"`
	Confidence        float64        `json:"confidence"`
}

// Draft is a generated correspondence draft. Drafts are never sent automatically.
type Draft struct {
	Subject              string  `json:"subject"`
	Body                 string  `json:"body"`
	ResponseDeadlineDays *int    `json:"responseDeadlineDays,omitempty"`
	Reasoning            string  `json:"reasoning"`
	Confidence           float64 `json:"confidence"`
}
