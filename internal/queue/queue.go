// Package queue carries "complaint submitted" jobs between the API, the
// triage pipeline and systemic detection. Redis backs production
// deployments; MemoryQueue serves single-process development and tests.
package queue

import (
	"context"
	"time"

	"github.com/ashita-ai/kujo/internal/model"
)

// Queue is a set of named FIFO job lists with delayed redelivery.
type Queue interface {
	// Enqueue appends a job to the named queue.
	Enqueue(ctx context.Context, queue string, job model.Job) error
	// Dequeue waits up to wait for a job. ok is false on timeout.
	Dequeue(ctx context.Context, queue string, wait time.Duration) (job model.Job, ok bool, err error)
	// Retry makes job visible on queue again after delay.
	Retry(ctx context.Context, queue string, job model.Job, delay time.Duration) error
	// Len reports jobs ready plus jobs awaiting redelivery.
	Len(ctx context.Context, queue string) (int, error)
	Close() error
}
