package model

import (
	"time"

	"github.com/google/uuid"
)

// ComplaintEmbedding is the single stored vector for a complaint.
type ComplaintEmbedding struct {
	ComplaintID uuid.UUID
	TenantID    uuid.UUID
	Vector      []float32
	Model       string
	CreatedAt   time.Time
}

// SimilarityQuery asks for a tenant's complaints whose cosine similarity to
// Vector is strictly above Threshold, created within Window when it is
// positive, excluding ExcludeID, ranked by similarity and capped at Limit.
type SimilarityQuery struct {
	TenantID  uuid.UUID
	ExcludeID uuid.UUID
	Vector    []float32
	Threshold float64
	Window    time.Duration // zero or negative: no recency bound
	Limit     int
}
