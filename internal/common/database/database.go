// Package database provides PostgreSQL connection pooling and database operations.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/infermux/infermux/internal/common/config"
	"github.com/infermux/infermux/internal/common/logger"
)

// DB wraps a pgxpool.Pool and provides helper methods for database operations.
type DB struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

// NewDB creates a new database connection pool using the provided configuration.
// It configures pool settings, establishes the connection, and verifies it
// with a ping.
func NewDB(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "database")),
	}, nil
}

// Pool returns the underlying pgxpool.Pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Ping verifies the database connection is still alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Exec executes a query that doesn't return rows.
func (db *DB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return db.pool.Exec(ctx, sql, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return db.pool.Query(ctx, sql, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return db.pool.QueryRow(ctx, sql, args...)
}

// RunHealthCheck periodically verifies the database connection until the
// context is cancelled. Failures are logged; the loop keeps running so a
// transient outage does not take the coordinator down with it.
func (db *DB) RunHealthCheck(ctx context.Context, interval, queryTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, queryTimeout)
		_, err := db.pool.Exec(checkCtx, "SELECT 1")
		cancel()

		if err != nil {
			db.logger.Error("database health check failed", zap.Error(err))
			continue
		}
		db.logger.Info("database health check successful",
			zap.Duration("elapsed", time.Since(start)))
	}
}
