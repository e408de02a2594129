package kujo

import (
	"io/fs"
	"log/slog"

	"github.com/ashita-ai/kujo/internal/service/gateway"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds every override after applying defaults.
type resolvedOptions struct {
	port            int
	databaseURL     string
	notifyURL       string
	redisURL        string
	logger          *slog.Logger
	version         string
	extraMigrations []fs.FS
	gateway         gateway.Gateway
}

// WithPort overrides the TCP port from config (KUJO_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when queries go through a pooler such as PgBouncer; LISTEN needs
// a direct connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithRedisURL overrides the Redis URL used for the work queue and shared
// rate limits (REDIS_URL env var).
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithExtraMigrations adds a SQL migration filesystem applied after the
// embedded migrations. Filesystems are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}

// WithGateway replaces the configured model providers. The App still
// applies the LLM_RPS/LLM_BURST limits and the per-call timeout on top of g.
func WithGateway(g gateway.Gateway) Option {
	return func(o *resolvedOptions) { o.gateway = g }
}
