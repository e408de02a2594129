package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kujo/internal/telemetry"
)

const (
	opUpsert = "upsert"
	opDelete = "delete"

	// Rows that failed this many times stay in the table as dead letters
	// until the weekly sweep removes them.
	maxOutboxAttempts = 10

	// claimLease must outlast batchTimeout so a slow batch is never picked
	// up by a second replica mid-flight.
	claimLease   = 60 * time.Second
	batchTimeout = 30 * time.Second
)

type outboxEntry struct {
	ID          int64
	ComplaintID uuid.UUID
	TenantID    uuid.UUID
	Operation   string
	Attempts    int
}

// PointSink is the write side of a remote index.
type PointSink interface {
	UpsertPoints(ctx context.Context, points []Point) error
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error
}

// OutboxWorker replays search_outbox rows that MirroredIndex could not
// deliver to the remote index. Failed rows back off exponentially, capped
// at five minutes.
type OutboxWorker struct {
	pool      *pgxpool.Pool
	sink      PointSink
	logger    *slog.Logger
	interval  time.Duration
	batchSize int

	started   atomic.Bool
	stop      chan context.Context
	stopOnce  sync.Once
	done      chan struct{}
	lastSweep time.Time
	replayed  metric.Int64Counter
}

// NewOutboxWorker creates an OutboxWorker polling every interval.
func NewOutboxWorker(pool *pgxpool.Pool, sink PointSink, logger *slog.Logger, interval time.Duration, batchSize int) *OutboxWorker {
	return &OutboxWorker{
		pool:      pool,
		sink:      sink,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		stop:      make(chan context.Context),
		done:      make(chan struct{}),
	}
}

// Start launches the poll loop. Only the first call has any effect.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("search outbox: already started")
		return
	}
	w.registerMetrics()
	go w.run(ctx)
}

// Drain stops polling after one last batch run under ctx, and waits for the
// loop to exit or ctx to expire.
func (w *OutboxWorker) Drain(ctx context.Context) {
	if !w.started.Load() {
		return
	}
	w.stopOnce.Do(func() {
		select {
		case w.stop <- ctx:
		case <-w.done:
		case <-ctx.Done():
		}
	})
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("search outbox: drain timed out")
	}
}

func (w *OutboxWorker) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case drainCtx := <-w.stop:
			w.processBatch(drainCtx)
			return
		case <-ctx.Done():
			// Cancelled without Drain: one bounded pass so a clean exit
			// still flushes what it can.
			finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			w.processBatch(finalCtx)
			cancel()
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, batchTimeout)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

// processBatch claims up to batchSize due rows, replays them and records
// the outcome on each row.
func (w *OutboxWorker) processBatch(ctx context.Context) {
	entries, err := w.claim(ctx)
	if err != nil {
		w.logger.Error("search outbox: claim entries", "error", err)
		return
	}

	var upserts, deletes []outboxEntry
	for _, e := range entries {
		switch e.Operation {
		case opUpsert:
			upserts = append(upserts, e)
		case opDelete:
			deletes = append(deletes, e)
		}
	}
	if len(deletes) > 0 {
		w.replayDeletes(ctx, deletes)
	}
	if len(upserts) > 0 {
		w.replayUpserts(ctx, upserts)
	}

	if time.Since(w.lastSweep) > time.Hour {
		w.sweepDeadLetters(ctx)
		w.lastSweep = time.Now()
	}
}

// claim leases due rows in one statement. SKIP LOCKED keeps concurrent
// replicas on disjoint rows.
func (w *OutboxWorker) claim(ctx context.Context) ([]outboxEntry, error) {
	rows, err := w.pool.Query(ctx,
		`UPDATE search_outbox SET locked_until = now() + $3 * interval '1 second'
		 WHERE id IN (
		     SELECT id FROM search_outbox
		     WHERE (locked_until IS NULL OR locked_until < now()) AND attempts < $1
		     ORDER BY created_at
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED)
		 RETURNING id, complaint_id, tenant_id, operation, attempts`,
		maxOutboxAttempts, w.batchSize, int(claimLease.Seconds()),
	)
	if err != nil {
		return nil, fmt.Errorf("search outbox: claim: %w", err)
	}
	defer rows.Close()

	var entries []outboxEntry
	for rows.Next() {
		var e outboxEntry
		if err := rows.Scan(&e.ID, &e.ComplaintID, &e.TenantID, &e.Operation, &e.Attempts); err != nil {
			return nil, fmt.Errorf("search outbox: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (w *OutboxWorker) replayUpserts(ctx context.Context, entries []outboxEntry) {
	ids := complaintIDs(entries)
	points, err := w.loadPoints(ctx, ids)
	if err != nil {
		w.fail(ctx, entries, err)
		return
	}

	// A complaint whose vector is gone from Postgres must not linger remotely.
	present := make(map[uuid.UUID]bool, len(points))
	for _, p := range points {
		present[p.ComplaintID] = true
	}
	var stale []uuid.UUID
	for _, id := range ids {
		if !present[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := w.sink.DeleteByIDs(ctx, stale); err != nil {
			w.fail(ctx, entries, err)
			return
		}
	}
	if len(points) > 0 {
		if err := w.sink.UpsertPoints(ctx, points); err != nil {
			w.fail(ctx, entries, err)
			return
		}
	}
	w.complete(ctx, entries, opUpsert)
	w.logger.Info("search outbox: replayed upserts", "points", len(points), "stale", len(stale))
}

func (w *OutboxWorker) replayDeletes(ctx context.Context, entries []outboxEntry) {
	if err := w.sink.DeleteByIDs(ctx, complaintIDs(entries)); err != nil {
		w.fail(ctx, entries, err)
		return
	}
	w.complete(ctx, entries, opDelete)
	w.logger.Info("search outbox: replayed deletes", "points", len(entries))
}

func (w *OutboxWorker) complete(ctx context.Context, entries []outboxEntry, op string) {
	if _, err := w.pool.Exec(ctx, `DELETE FROM search_outbox WHERE id = ANY($1)`, rowIDs(entries)); err != nil {
		w.logger.Error("search outbox: remove replayed entries", "error", err)
		return
	}
	if w.replayed != nil {
		w.replayed.Add(ctx, int64(len(entries)), metric.WithAttributes(attribute.String("operation", op)))
	}
}

// fail bumps the attempt count and pushes the lease out by 2^attempts
// seconds, at most five minutes.
func (w *OutboxWorker) fail(ctx context.Context, entries []outboxEntry, cause error) {
	w.logger.Error("search outbox: replay failed", "error", cause, "entries", len(entries))
	if _, err := w.pool.Exec(ctx,
		`UPDATE search_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($2)`,
		cause.Error(), rowIDs(entries),
	); err != nil {
		w.logger.Error("search outbox: record failure", "error", err)
	}
	for _, e := range entries {
		if e.Attempts+1 >= maxOutboxAttempts {
			w.logger.Warn("search outbox: entry dead-lettered",
				"outbox_id", e.ID, "complaint_id", e.ComplaintID, "tenant_id", e.TenantID, "operation", e.Operation)
		}
	}
}

func (w *OutboxWorker) sweepDeadLetters(ctx context.Context) {
	tag, err := w.pool.Exec(ctx,
		`DELETE FROM search_outbox WHERE attempts >= $1 AND created_at < now() - interval '7 days'`,
		maxOutboxAttempts,
	)
	if err != nil {
		w.logger.Error("search outbox: sweep dead letters", "error", err)
		return
	}
	if n := tag.RowsAffected(); n > 0 {
		w.logger.Info("search outbox: swept dead letters", "deleted", n)
	}
}

// loadPoints reads the stored vectors for ids with the complaint creation
// time the remote index filters the recency window on.
func (w *OutboxWorker) loadPoints(ctx context.Context, ids []uuid.UUID) ([]Point, error) {
	rows, err := w.pool.Query(ctx,
		`SELECT e.complaint_id, e.tenant_id, c.created_at, e.embedding
		 FROM complaint_embeddings e
		 JOIN complaints c ON c.id = e.complaint_id AND c.tenant_id = e.tenant_id
		 WHERE e.complaint_id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("search outbox: load embeddings: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		var vec pgvector.Vector
		if err := rows.Scan(&p.ComplaintID, &p.TenantID, &p.CreatedAt, &vec); err != nil {
			return nil, fmt.Errorf("search outbox: scan embedding: %w", err)
		}
		p.Vector = vec.Slice()
		points = append(points, p)
	}
	return points, rows.Err()
}

func (w *OutboxWorker) registerMetrics() {
	meter := telemetry.Meter("kujo/outbox")
	w.replayed, _ = meter.Int64Counter("kujo.outbox.replayed",
		metric.WithDescription("Outbox rows delivered to the remote index"))
	_, _ = meter.Int64ObservableGauge("kujo.outbox.depth",
		metric.WithDescription("Outbox rows still eligible for replay"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var n int64
			if err := w.pool.QueryRow(ctx,
				`SELECT COUNT(*) FROM search_outbox WHERE attempts < $1`, maxOutboxAttempts,
			).Scan(&n); err == nil {
				o.Observe(n)
			}
			return nil
		}),
	)
}

func complaintIDs(entries []outboxEntry) []uuid.UUID {
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.ComplaintID
	}
	return ids
}

func rowIDs(entries []outboxEntry) []int64 {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}
