// Package storage is the PostgreSQL persistence layer for kujo.
//
// It owns the connection pool, a dedicated LISTEN/NOTIFY connection, the
// migration runner and every tenant-scoped query: complaints, the
// append-only AI output log, complaint embeddings and systemic clusters.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// DB holds the query pool and, when configured, the dedicated connection
// that LISTENs for complaint and cluster events.
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger
}

const (
	applicationName   = "kujo"
	poolMaxIdle       = 5 * time.Minute
	poolHealthCheck   = 30 * time.Second
	notifyDialTimeout = 10 * time.Second
)

// New connects the pool and, when notifyDSN is set, the notify connection.
// poolDSN may point at PgBouncer. notifyDSN must reach Postgres directly
// because LISTEN does not survive transaction pooling.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	cfg.MaxConnIdleTime = poolMaxIdle
	cfg.HealthCheckPeriod = poolHealthCheck
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	// Migrations create the vector extension, so on a fresh database the
	// first connections cannot register it. Later connections will.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: pgvector types not registered", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	db := &DB{pool: pool, logger: logger}
	if notifyDSN == "" {
		return db, nil
	}
	if db.notifyConn, err = connectNotify(ctx, notifyDSN); err != nil {
		pool.Close()
		return nil, err
	}
	return db, nil
}

func connectNotify(ctx context.Context, dsn string) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse notify DSN: %w", err)
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = notifyDialTimeout
	}
	cfg.RuntimeParams["application_name"] = applicationName + "-notify"
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect notify: %w", err)
	}
	return conn, nil
}

// Pool exposes the pool to the search outbox worker.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// HasNotifyConn reports whether a LISTEN/NOTIFY connection is available.
func (db *DB) HasNotifyConn() bool {
	return db.notifyConn != nil
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the pool and the notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}

// inTx runs fn in a transaction. Serialization failures and deadlocks
// replay the whole of fn, so fn must not have side effects outside tx.
func (db *DB) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return WithRetry(ctx, 3, defaultRetryDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}
