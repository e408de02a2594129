package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutputType names the stage that produced an AI output record.
type OutputType string

const (
	OutputExtraction          OutputType = "extraction"
	OutputClassification      OutputType = "classification"
	OutputRiskScoring         OutputType = "risk_scoring"
	OutputSummarisation       OutputType = "summarisation"
	OutputEmbedding           OutputType = "embedding"
	OutputClusteringAnalysis  OutputType = "clustering_analysis"
	OutputDraftResponse       OutputType = "draft_response"
	OutputDraftBusinessNotice OutputType = "draft_business_notice"
	OutputMissingData         OutputType = "missing_data_guidance"
	OutputOverride            OutputType = "override"
)

// HumanModel is the model identifier recorded for manual corrections.
const HumanModel = "human"

// SystemModel is the model identifier recorded for automatic corrections,
// such as recalling a draft once its complaint turns out to be systemic.
const SystemModel = "system"

// MaxPromptLen caps the prompt text stored on an audit record.
const MaxPromptLen = 500

// TokenUsage reports provider token accounting for one call.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// AIOutput is an immutable audit record of one model invocation.
// Corrections are new records that reference the prior one via SupersedesID.
type AIOutput struct {
	ID           uuid.UUID       `json:"id"`
	TenantID     uuid.UUID       `json:"tenant_id"`
	ComplaintID  *uuid.UUID      `json:"complaint_id,omitempty"`
	ClusterID    *uuid.UUID      `json:"cluster_id,omitempty"`
	OutputType   OutputType      `json:"output_type"`
	Model        string          `json:"model"`
	Prompt       string          `json:"prompt"`
	RawOutput    string          `json:"raw_output"`
	ParsedOutput json.RawMessage `json:"parsed_output,omitempty"`
	Confidence   *float64        `json:"confidence,omitempty"`
	Reasoning    *string         `json:"reasoning,omitempty"`
	TokenUsage   TokenUsage      `json:"token_usage"`
	LatencyMs    int64           `json:"latency_ms"`

	// Correction chain.
	WasEdited      bool       `json:"was_edited"`
	SupersedesID   *uuid.UUID `json:"supersedes_id,omitempty"`
	EditedBy       *string    `json:"edited_by,omitempty"`
	PriorAuthor    *string    `json:"prior_author,omitempty"`
	CorrectionNote *string    `json:"correction_note,omitempty"`

	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// TruncatePrompt shortens a prompt to MaxPromptLen runes for storage.
func TruncatePrompt(p string) string {
	r := []rune(p)
	if len(r) <= MaxPromptLen {
		return p
	}
	return string(r[:MaxPromptLen])
}
