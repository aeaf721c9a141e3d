// Package store implements TimescaleDB persistence for collected market data.
//
// Five tables hold the raw data (markets, price_snapshots,
// orderbook_snapshots, trades, resolutions); two continuous aggregates roll
// prices and trades up to hourly buckets. High-volume writes (prices,
// trades) go through the binary COPY protocol via pgx CopyFrom; everything
// else uses plain statements. Schema management lives in migrate.go.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"polymarket-collector/internal/config"
)

// Store wraps a pgx connection pool. All methods are safe for concurrent
// use; the pool handles connection checkout.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to the database and verifies the connection with a ping.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pc.MinConns = int32(cfg.MinPoolSize)
	pc.MaxConns = int32(cfg.MaxPoolSize)
	pc.MaxConnIdleTime = cfg.MaxInactiveConnectionLifetime
	if cfg.CommandTimeout > 0 {
		pc.ConnConfig.ConnectTimeout = cfg.CommandTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{
		pool:   pool,
		logger: logger.With("component", "store"),
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity. Used by the check command.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool exposes the underlying pool for the analysis layer's read queries.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// nullableTime converts a possibly-zero time into a driver-friendly *time.Time.
func nullableTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}
