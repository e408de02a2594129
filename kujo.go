// Package kujo is the public entry point for running the complaint triage
// and systemic detection service.
//
//	app, err := kujo.New(
//	    kujo.WithVersion(version),
//	    kujo.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*; internal/* never imports the root.
package kujo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/kujo/api"
	"github.com/ashita-ai/kujo/internal/auth"
	"github.com/ashita-ai/kujo/internal/config"
	"github.com/ashita-ai/kujo/internal/model"
	"github.com/ashita-ai/kujo/internal/queue"
	"github.com/ashita-ai/kujo/internal/ratelimit"
	"github.com/ashita-ai/kujo/internal/search"
	"github.com/ashita-ai/kujo/internal/server"
	"github.com/ashita-ai/kujo/internal/storage"
	"github.com/ashita-ai/kujo/internal/systemic"
	"github.com/ashita-ai/kujo/internal/telemetry"
	"github.com/ashita-ai/kujo/internal/triage"
	"github.com/ashita-ai/kujo/migrations"
)

// App is the kujo service lifecycle. Construct with New, run with Run.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	queue        queue.Queue
	pool         *queue.Pool
	limiter      ratelimit.Limiter
	triage       *triage.Service
	detector     *systemic.Detector
	sla          *triage.SLAMonitor
	outbox       *search.OutboxWorker
	qdrantIndex  *search.QdrantIndex // nil unless the qdrant backend is selected
	broker       *server.Broker      // nil when no notify connection
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	stopWorkers context.CancelFunc
	workersDone chan error
}

// New connects to Postgres (and Redis when configured), runs migrations,
// wires every subsystem and returns a ready-to-run App. It starts no
// goroutines; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}
	logger.Info("kujo starting", "version", version, "port", cfg.Port)

	ctx := context.Background()
	a := &App{cfg: cfg, logger: logger, version: version}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if a.otelShutdown, err = telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
	}); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if a.db, err = storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if cfg.SkipEmbeddedMigrations {
		logger.Info("embedded migrations skipped by config")
	} else if err := a.db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extra := range o.extraMigrations {
		if err := a.db.RunMigrations(ctx, extra); err != nil {
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if jwtMgr.CanIssue() {
		if err := a.issueDevToken(ctx, jwtMgr); err != nil {
			return nil, err
		}
	}

	llm := newGateway(cfg, o.gateway, logger)

	index, err := a.newIndex(ctx)
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		if rdb, err = connectRedis(ctx, cfg.RedisURL); err != nil {
			return nil, err
		}
		a.queue = queue.NewRedisQueueFromClient(rdb)
		logger.Info("queue: redis")
	} else {
		a.queue = queue.NewMemoryQueue()
		logger.Warn("queue: in-process (no REDIS_URL), queued work is lost on restart")
	}
	a.limiter = newLimiter(cfg, rdb, logger)

	a.triage = triage.NewService(a.db, llm, a.queue, logger)
	a.detector = systemic.NewDetector(a.db, index, llm, systemic.Config{
		SimilarityThreshold: cfg.SimilarityThreshold,
		Window:              cfg.SimilarityWindow,
		Limit:               cfg.SimilarityLimit,
		MinClusterSize:      cfg.ClusterMinComplaints,
		SpikeWindow:         cfg.SpikeWindow,
		SpikeThreshold:      cfg.SpikeThreshold,
	}, logger)
	a.sla = triage.NewSLAMonitor(a.db, cfg.BusinessResponseDays, cfg.SLAInterval, logger)

	a.pool = queue.NewPool(a.queue, queue.PoolConfig{
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: cfg.RetryBaseDelay,
		JobTimeout:  cfg.JobTimeout,
	}, logger)
	a.pool.Register(model.QueueTriage, cfg.TriageConcurrency, a.handleTriage)
	a.pool.Register(model.QueueDetection, cfg.DetectionConcurrency, a.handleDetection)

	if a.db.HasNotifyConn() {
		a.broker = server.NewBroker(a.db, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	a.srv = server.New(server.ServerConfig{
		Store:               a.db,
		Triage:              a.triage,
		Spikes:              a.detector,
		Dispatch:            a.queue,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Limiter:             a.limiter,
		Broker:              a.broker,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	ok = true
	return a, nil
}

// newIndex builds the similarity index for the configured backend.
func (a *App) newIndex(ctx context.Context) (search.Index, error) {
	switch a.cfg.SimilarityBackend {
	case "memory":
		a.logger.Warn("similarity index: in-process memory, vectors are lost on restart")
		return search.NewMemoryIndex(), nil
	case "qdrant":
		idx, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        a.cfg.QdrantURL,
			APIKey:     a.cfg.QdrantAPIKey,
			Collection: a.cfg.QdrantCollection,
			Dims:       uint64(a.cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		a.qdrantIndex = idx
		if err := idx.EnsureCollection(ctx); err != nil {
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		a.outbox = search.NewOutboxWorker(a.db.Pool(), idx, a.logger, a.cfg.OutboxPollInterval, a.cfg.OutboxBatchSize)
		a.logger.Info("similarity index: qdrant mirrored from pgvector", "collection", a.cfg.QdrantCollection)
		return search.NewMirroredIndex(a.db, idx, a.logger), nil
	default:
		a.logger.Info("similarity index: pgvector")
		return search.NewPGIndex(a.db), nil
	}
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

// newLimiter picks the API rate limiter. A shared Redis gives every replica
// the same budget: burst requests per burst/rps window.
func newLimiter(cfg config.Config, rdb *redis.Client, logger *slog.Logger) ratelimit.Limiter {
	if cfg.RateLimitRPS <= 0 {
		logger.Info("rate limiting: disabled")
		return ratelimit.NoopLimiter{}
	}
	if rdb != nil {
		window := time.Duration(float64(cfg.RateLimitBurst) / cfg.RateLimitRPS * float64(time.Second))
		logger.Info("rate limiting: redis sliding window", "limit", cfg.RateLimitBurst, "window", window)
		return ratelimit.NewRedisLimiter(rdb, "kujo:ratelimit:", cfg.RateLimitBurst, window)
	}
	logger.Info("rate limiting: memory (in-process token bucket)",
		"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	return ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
}

// issueDevToken provisions a development tenant and logs an admin token
// for it. Only reachable when no verification key is configured.
func (a *App) issueDevToken(ctx context.Context, jwtMgr *auth.JWTManager) error {
	tenantID := uuid.New()
	if err := a.db.EnsureTenant(ctx, tenantID, "development"); err != nil {
		return fmt.Errorf("auth: provision dev tenant: %w", err)
	}
	token, exp, err := jwtMgr.IssueToken("dev-admin", tenantID, model.RoleAdmin)
	if err != nil {
		return fmt.Errorf("auth: issue dev token: %w", err)
	}
	a.logger.Warn("auth: no KUJO_JWT_PUBLIC_KEY, using an ephemeral signing key",
		"tenant_id", tenantID, "token", token, "expires_at", exp)
	return nil
}

// handleTriage consumes the complaint-triage queue.
func (a *App) handleTriage(ctx context.Context, job model.Job) error {
	_, err := a.triage.Process(ctx, job)
	return err
}

// handleDetection consumes the systemic-detection queue.
func (a *App) handleDetection(ctx context.Context, job model.Job) error {
	_, err := a.detector.Detect(ctx, job.ComplaintID, job.TenantID, job.RawText)
	return err
}

// Run starts the workers, background loops and HTTP server, then blocks
// until ctx is cancelled or the server fails. Shutdown runs on return;
// callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	if a.broker != nil {
		go a.broker.Start(ctx)
	}
	go func() { _ = a.sla.Run(ctx) }()

	// Workers get their own context so in-flight jobs can finish during
	// shutdown after HTTP has stopped accepting new work.
	workerCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	a.stopWorkers = stop
	a.workersDone = make(chan error, 1)
	go func() { a.workersDone <- a.pool.Run(workerCtx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown drains in three phases: (1) stop accepting HTTP requests and
// finish in-flight ones, (2) let workers finish their current jobs,
// (3) replay remaining outbox rows to Qdrant. It then releases every
// connection.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kujo shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	var workerErr error
	if a.stopWorkers != nil {
		a.stopWorkers()
		workerCtx, workerCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownWorkerTimeout)
		select {
		case err := <-a.workersDone:
			if err != nil {
				a.logger.Error("worker pool exited with error", "error", err)
			}
		case <-workerCtx.Done():
			workerErr = fmt.Errorf("worker drain: %w", workerCtx.Err())
			a.logger.Error("worker drain incomplete, in-flight jobs will be redelivered only if queued in redis",
				"configured_timeout", a.cfg.ShutdownWorkerTimeout)
		}
		workerCancel()
	}

	if a.outbox != nil {
		outboxCtx, outboxCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownOutboxTimeout)
		a.outbox.Drain(outboxCtx)
		outboxCancel()
	}

	a.close()
	a.logger.Info("kujo stopped")
	return workerErr
}

// close releases whatever New managed to open.
func (a *App) close() {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.queue != nil {
		_ = a.queue.Close()
	}
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	if a.db != nil {
		a.db.Close(context.Background())
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
