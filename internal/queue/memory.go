package queue

import (
	"context"
	"sync"
	"time"

	"github.com/ashita-ai/kujo/internal/model"
)

type delayed struct {
	job model.Job
	due time.Time
}

// MemoryQueue is an in-process Queue. Jobs are lost on restart.
type MemoryQueue struct {
	mu      sync.Mutex
	ready   map[string][]model.Job
	later   map[string][]delayed
	signal  chan struct{}
	closed  bool
	now     func() time.Time
	pollGap time.Duration
}

// NewMemoryQueue returns an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		ready:   make(map[string][]model.Job),
		later:   make(map[string][]delayed),
		signal:  make(chan struct{}),
		now:     time.Now,
		pollGap: 50 * time.Millisecond,
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, queue string, job model.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.ready[queue] = append(q.ready[queue], job)
	q.wakeLocked()
	return nil
}

// wakeLocked releases every waiting Dequeue so it re-checks its queue.
func (q *MemoryQueue) wakeLocked() {
	close(q.signal)
	q.signal = make(chan struct{})
}

// Dequeue implements Queue.
func (q *MemoryQueue) Dequeue(ctx context.Context, queue string, wait time.Duration) (model.Job, bool, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return model.Job{}, false, ErrClosed
		}
		q.promoteLocked(queue)
		if jobs := q.ready[queue]; len(jobs) > 0 {
			job := jobs[0]
			q.ready[queue] = jobs[1:]
			q.mu.Unlock()
			return job, true, nil
		}
		signal := q.signal
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.Job{}, false, ctx.Err()
		case <-deadline.C:
			return model.Job{}, false, nil
		case <-signal:
		case <-time.After(q.pollGap):
		}
	}
}

func (q *MemoryQueue) promoteLocked(queue string) {
	now := q.now()
	pending := q.later[queue]
	keep := pending[:0]
	for _, d := range pending {
		if d.due.After(now) {
			keep = append(keep, d)
			continue
		}
		q.ready[queue] = append(q.ready[queue], d.job)
	}
	q.later[queue] = keep
}

// Retry implements Queue.
func (q *MemoryQueue) Retry(_ context.Context, queue string, job model.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.later[queue] = append(q.later[queue], delayed{job: job, due: q.now().Add(delay)})
	return nil
}

// Len implements Queue.
func (q *MemoryQueue) Len(_ context.Context, queue string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready[queue]) + len(q.later[queue]), nil
}

// Close implements Queue. Waiting consumers return ErrClosed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.wakeLocked()
	}
	return nil
}
