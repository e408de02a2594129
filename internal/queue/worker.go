package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kujo/internal/model"
	"github.com/ashita-ai/kujo/internal/service/gateway"
	"github.com/ashita-ai/kujo/internal/telemetry"
)

// Handler processes one job. Returning an error wrapping
// gateway.ErrProviderUnavailable schedules a retry; any other error drops
// the job after logging it.
type Handler func(ctx context.Context, job model.Job) error

// PoolConfig tunes retries and shutdown.
type PoolConfig struct {
	MaxAttempts int           // total deliveries per job (3)
	BaseBackoff time.Duration // delay before the first retry, doubled per attempt (2s)
	MaxBackoff  time.Duration // (5m)
	JobTimeout  time.Duration // per-job deadline (2m)
	PollWait    time.Duration // how long one dequeue blocks (1s)
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
	if c.PollWait <= 0 {
		c.PollWait = time.Second
	}
	return c
}

type registration struct {
	queue       string
	concurrency int
	handler     Handler
}

// Pool runs a fixed number of consumers per registered queue.
type Pool struct {
	q      Queue
	cfg    PoolConfig
	logger *slog.Logger
	regs   []registration

	processed metric.Int64Counter
}

// NewPool creates a Pool over q.
func NewPool(q Queue, cfg PoolConfig, logger *slog.Logger) *Pool {
	processed, _ := telemetry.Meter("kujo/queue").Int64Counter("kujo.jobs.processed",
		metric.WithDescription("Jobs handled, by queue and outcome"))
	return &Pool{q: q, cfg: cfg.withDefaults(), logger: logger, processed: processed}
}

// Register adds concurrency consumers for queue. It must be called before Run.
func (p *Pool) Register(queue string, concurrency int, h Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	p.regs = append(p.regs, registration{queue: queue, concurrency: concurrency, handler: h})
}

// Run consumes until ctx is cancelled. A job in flight at cancellation
// runs to completion under its own deadline.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range p.regs {
		for i := 0; i < r.concurrency; i++ {
			g.Go(func() error { return p.consume(ctx, r) })
		}
		p.logger.Info("queue: consumers started", "queue", r.queue, "concurrency", r.concurrency)
	}
	return g.Wait()
}

func (p *Pool) consume(ctx context.Context, r registration) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, ok, err := p.q.Dequeue(ctx, r.queue, p.cfg.PollWait)
		switch {
		case errors.Is(err, ErrClosed), ctx.Err() != nil:
			return nil
		case err != nil:
			p.logger.Warn("queue: dequeue failed", "queue", r.queue, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.cfg.PollWait):
			}
			continue
		case !ok:
			continue
		}
		p.handle(ctx, r, job)
	}
}

func (p *Pool) handle(ctx context.Context, r registration, job model.Job) {
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.JobTimeout)
	defer cancel()

	err := r.handler(jobCtx, job)
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, gateway.ErrProviderUnavailable) && job.Attempt+1 < p.cfg.MaxAttempts:
		outcome = "retried"
		delay := p.Backoff(job.Attempt)
		job.Attempt++
		if rerr := p.q.Retry(jobCtx, r.queue, job, delay); rerr != nil {
			outcome = "failed"
			p.logger.Error("queue: schedule retry", "queue", r.queue, "complaint_id", job.ComplaintID, "error", rerr)
			break
		}
		p.logger.Warn("queue: job will be retried",
			"queue", r.queue, "complaint_id", job.ComplaintID, "tenant_id", job.TenantID,
			"attempt", job.Attempt, "delay", delay.String(), "error", err)
	default:
		outcome = "failed"
		p.logger.Error("queue: job failed",
			"queue", r.queue, "complaint_id", job.ComplaintID, "tenant_id", job.TenantID,
			"attempt", job.Attempt, "error", err)
	}
	p.processed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", r.queue), attribute.String("outcome", outcome)))
}

// Backoff returns the delay before redelivering a job that has already
// been attempted attempt+1 times.
func (p *Pool) Backoff(attempt int) time.Duration {
	d := p.cfg.BaseBackoff
	for i := 0; i < attempt && d < p.cfg.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, p.cfg.MaxBackoff)
}

// Depth reports the backlog of every registered queue.
func (p *Pool) Depth(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, len(p.regs))
	for _, r := range p.regs {
		n, err := p.q.Len(ctx, r.queue)
		if err != nil {
			return nil, fmt.Errorf("queue: depth: %w", err)
		}
		out[r.queue] = n
	}
	return out, nil
}
