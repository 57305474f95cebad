// Package db owns the Postgres connection pool the repositories run on.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lyzr/nodeflow/common/config"
	"github.com/lyzr/nodeflow/common/logger"
)

const (
	connectTimeout = 5 * time.Second
	healthTimeout  = 3 * time.Second
)

// DB embeds pgxpool.Pool; repositories use the pool directly and rely on
// its per-call acquire/release, one implicit transaction per statement.
type DB struct {
	*pgxpool.Pool
	log *logger.Logger
}

// New builds the pool from config and verifies connectivity before
// returning, so a service with a bad DSN fails at startup instead of on
// its first query.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("database pool ready",
		"host", cfg.Database.Host,
		"db", cfg.Database.Database,
		"max_conns", cfg.Database.MaxConns)

	return &DB{Pool: pool, log: log}, nil
}

// Close drains and closes the pool
func (db *DB) Close() {
	stat := db.Pool.Stat()
	db.log.Info("closing database pool",
		"total_conns", stat.TotalConns(),
		"acquired_conns", stat.AcquiredConns())
	db.Pool.Close()
}

// Health pings with a short deadline; used by the API health endpoint
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return db.Pool.Ping(ctx)
}
