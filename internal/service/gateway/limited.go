package gateway

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/ashita-ai/kujo/internal/telemetry"
)

// Limited wraps a Gateway with a shared token bucket, a per-call timeout
// and call-duration metrics. Waiting on the bucket counts against the
// caller's context, not the call timeout.
type Limited struct {
	inner   Gateway
	limiter *rate.Limiter
	timeout time.Duration

	duration metric.Float64Histogram
}

// NewLimited wraps g. rps <= 0 disables throttling; timeout <= 0 disables
// the per-call deadline.
func NewLimited(g Gateway, rps float64, burst int, timeout time.Duration) *Limited {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	meter := telemetry.Meter("kujo/gateway")
	dur, _ := meter.Float64Histogram("kujo.gateway.duration",
		metric.WithDescription("Time spent in model provider calls (ms)"),
		metric.WithUnit("ms"),
	)
	return &Limited{
		inner:    g,
		limiter:  rate.NewLimiter(limit, burst),
		timeout:  timeout,
		duration: dur,
	}
}

// Complete waits for a token, then calls the inner gateway under the
// call timeout.
func (l *Limited) Complete(ctx context.Context, msgs []Message, opts CompleteOptions) (Completion, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return Completion{}, fmt.Errorf("gateway: wait for rate limit: %w", err)
	}
	callCtx, cancel := l.callContext(ctx)
	defer cancel()

	start := time.Now()
	c, err := l.inner.Complete(callCtx, msgs, opts)
	l.record(ctx, "complete", start, err)
	if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return Completion{}, unavailable("gateway: complete", err)
	}
	return c, err
}

// Embed waits for a token, then calls the inner gateway under the call
// timeout.
func (l *Limited) Embed(ctx context.Context, text string) (Embedding, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return Embedding{}, embedUnavailable("gateway: wait for rate limit", err)
	}
	callCtx, cancel := l.callContext(ctx)
	defer cancel()

	start := time.Now()
	e, err := l.inner.Embed(callCtx, text)
	l.record(ctx, "embed", start, err)
	return e, err
}

// Dimensions returns the inner embedder's vector size.
func (l *Limited) Dimensions() int {
	return l.inner.Dimensions()
}

func (l *Limited) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.timeout)
}

func (l *Limited) record(ctx context.Context, op string, start time.Time, err error) {
	l.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.Bool("error", err != nil),
		))
}
