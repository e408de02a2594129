package model

import (
	"time"

	"github.com/google/uuid"
)

// Queue names.
const (
	QueueTriage    = "complaint-triage"
	QueueDetection = "systemic-detection"
)

// Job is the "complaint submitted" unit of work carried on a queue.
type Job struct {
	ID          uuid.UUID  `json:"id"`
	ComplaintID uuid.UUID  `json:"complaint_id"`
	TenantID    uuid.UUID  `json:"tenant_id"`
	RawText     string     `json:"raw_text"`
	BusinessID  *uuid.UUID `json:"business_id,omitempty"`
	Attempt     int        `json:"attempt"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
}
