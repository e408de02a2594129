// Package testutil provides shared infrastructure for integration tests
// that need Postgres with pgvector.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc, err := testutil.StartPostgres()
//	    if err == nil {
//	        defer tc.Terminate()
//	        testDB, _ = tc.NewTestDB(context.Background(), testutil.TestLogger())
//	    }
//	    os.Exit(m.Run())
//	}
//
// Tests call testutil.RequireDB(t, testDB) to skip when Docker is unavailable.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/kujo/internal/storage"
	"github.com/ashita-ai/kujo/migrations"
)

// PostgresImage is the container image used for integration tests.
const PostgresImage = "pgvector/pgvector:pg17"

// TestContainer wraps a running container and its DSN.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// StartPostgres starts a pgvector-enabled Postgres container and creates
// the vector extension before any pool connects.
func StartPostgres() (*TestContainer, error) {
	ctx := context.Background()
	tc, err := start(ctx, testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "kujo",
			"POSTGRES_PASSWORD": "kujo",
			"POSTGRES_DB":       "kujo",
		},
		// Postgres logs readiness once for the init server and once for the
		// real one.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}, "5432", "postgres://kujo:kujo@%s:%s/kujo?sslmode=disable")
	if err != nil {
		return nil, err
	}

	bootstrap, err := pgx.Connect(ctx, tc.DSN)
	if err != nil {
		tc.Terminate()
		return nil, fmt.Errorf("testutil: bootstrap connection: %w", err)
	}
	defer func() { _ = bootstrap.Close(ctx) }()
	if _, err := bootstrap.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		tc.Terminate()
		return nil, fmt.Errorf("testutil: create vector extension: %w", err)
	}
	return tc, nil
}

// start runs req and renders dsnFormat with the mapped host and port.
func start(ctx context.Context, req testcontainers.ContainerRequest, port, dsnFormat string) (*TestContainer, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("testutil: start %s: %w", req.Image, err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: %s host: %w", req.Image, err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: %s port: %w", req.Image, err)
	}
	return &TestContainer{Container: container, DSN: fmt.Sprintf(dsnFormat, host, mapped.Port())}, nil
}

// NewTestDB connects a storage.DB to the container and runs all migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// RequireDB skips the test when no database could be started.
func RequireDB(t *testing.T, db *storage.DB) {
	t.Helper()
	if db == nil {
		t.Skip("postgres container unavailable")
	}
}

// NewTenant inserts a fresh tenant and returns its ID.
func NewTenant(t *testing.T, db *storage.DB) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if err := db.EnsureTenant(context.Background(), id, "tenant-"+id.String()[:8]); err != nil {
		t.Fatalf("testutil: ensure tenant: %v", err)
	}
	return id
}

// TestLogger returns a logger for test output (warnings only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// RedisImage is the container image used for queue integration tests.
const RedisImage = "redis:7-alpine"

// StartRedis starts a Redis container and returns it with a redis:// URL.
func StartRedis() (*TestContainer, error) {
	return start(context.Background(), testcontainers.ContainerRequest{
		Image:        RedisImage,
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}, "6379", "redis://%s:%s/0")
}
