package model

import (
	"time"

	"github.com/google/uuid"
)

// DetectionMethodCosine is recorded on clusters formed from embedding neighbours.
const DetectionMethodCosine = "embedding_cosine_similarity"

// ClusterState is the derived lifecycle position of a cluster.
type ClusterState string

const (
	ClusterActive       ClusterState = "active"
	ClusterAcknowledged ClusterState = "acknowledged"
	ClusterInactive     ClusterState = "inactive"
)

// Cluster is a tenant-scoped group of complaints sharing an underlying cause.
// Clusters are never deleted or merged; retirement clears IsActive.
type Cluster struct {
	ID              uuid.UUID  `json:"id"`
	TenantID        uuid.UUID  `json:"tenant_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	RiskLevel       RiskLevel  `json:"risk_level"`
	ComplaintCount  int        `json:"complaint_count"`
	AvgSimilarity   float64    `json:"avg_similarity"`
	CommonPatterns  []string   `json:"common_patterns"`
	DetectionMethod string     `json:"detection_method"`
	IsActive        bool       `json:"is_active"`
	IsAcknowledged  bool       `json:"is_acknowledged"`
	AcknowledgedBy  *string    `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// State reports where the cluster sits in its lifecycle.
func (c Cluster) State() ClusterState {
	switch {
	case !c.IsActive:
		return ClusterInactive
	case c.IsAcknowledged:
		return ClusterAcknowledged
	default:
		return ClusterActive
	}
}

// ClusterAnalysis is the AI judgment on whether a candidate group is systemic.
type ClusterAnalysis struct {
	IsSystemic                 bool      `json:"isSystemic"`
	Title                      string    `json:"title"`
	Description                string    `json:"description"`
	CommonPatterns             []string  `json:"commonPatterns"`
	SharedPractices            []string  `json:"sharedPractices"`
	AffectedConsumerProfile    string    `json:"affectedConsumerProfile"`
	PotentialRegulatoryConcern string    `json:"potentialRegulatoryConcern"`
	RecommendedAction          string    `json:"recommendedAction"`
	RiskLevel                  RiskLevel `json:"riskLevel"`
	Reasoning                  string    `json:"reasoning"`
	Confidence                 float64   `json:"confidence"`
}

// SimilarComplaint is one ranked neighbour from a similarity query.
type SimilarComplaint struct {
	ComplaintID uuid.UUID  `json:"complaint_id"`
	Similarity  float64    `json:"similarity"`
	ClusterID   *uuid.UUID `json:"systemic_cluster_id,omitempty"`
}

// ClusterAction describes what detection did with a complaint.
type ClusterAction string

const (
	ClusterActionNone     ClusterAction = "none"
	ClusterActionJoined   ClusterAction = "joined"
	ClusterActionCreated  ClusterAction = "created"
	ClusterActionRejected ClusterAction = "rejected"
	ClusterActionSkipped  ClusterAction = "skipped"
)

// DetectionResult is the outcome of systemic detection for one complaint.
type DetectionResult struct {
	ComplaintID   uuid.UUID          `json:"complaint_id"`
	Similar       []SimilarComplaint `json:"similar"`
	ClusterAction ClusterAction      `json:"cluster_action"`
	ClusterID     *uuid.UUID         `json:"cluster_id,omitempty"`
	IsSpike       bool               `json:"is_spike"`
	Degraded      bool               `json:"degraded,omitempty"`
}

// SpikeStatus reports recent complaint volume for a tenant.
type SpikeStatus struct {
	TenantID  uuid.UUID     `json:"tenant_id"`
	Window    time.Duration `json:"window"`
	Count     int           `json:"count"`
	Threshold int           `json:"threshold"`
	IsSpike   bool          `json:"is_spike"`
}
