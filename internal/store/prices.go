package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"polymarket-collector/pkg/types"
)

// InsertPriceSnapshots bulk-inserts price observations via binary COPY.
// Returns the number of rows written.
func (s *Store) InsertPriceSnapshots(ctx context.Context, snapshots []types.PriceSnapshot) (int, error) {
	if len(snapshots) == 0 {
		return 0, nil
	}

	rows := make([][]interface{}, len(snapshots))
	for i, snap := range snapshots {
		rows[i] = []interface{}{snap.TS, snap.TokenID, snap.Price, snap.Volume24h}
	}

	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"price_snapshots"},
		[]string{"ts", "token_id", "price", "volume_24h"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("copy price snapshots: %w", err)
	}
	return int(n), nil
}

// GetLatestPrices returns the most recent snapshot per token.
func (s *Store) GetLatestPrices(ctx context.Context, tokenIDs []string) (map[string]types.PriceSnapshot, error) {
	if len(tokenIDs) == 0 {
		return map[string]types.PriceSnapshot{}, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (token_id) ts, token_id, price, volume_24h
		FROM price_snapshots
		WHERE token_id = ANY($1)
		ORDER BY token_id, ts DESC`, tokenIDs)
	if err != nil {
		return nil, fmt.Errorf("get latest prices: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]types.PriceSnapshot, len(tokenIDs))
	for rows.Next() {
		var snap types.PriceSnapshot
		if err := rows.Scan(&snap.TS, &snap.TokenID, &snap.Price, &snap.Volume24h); err != nil {
			return nil, fmt.Errorf("scan price: %w", err)
		}
		latest[snap.TokenID] = snap
	}
	return latest, rows.Err()
}

// GetPriceHistory returns snapshots for one token in [start, end],
// newest first, capped at limit.
func (s *Store) GetPriceHistory(ctx context.Context, tokenID string, start, end time.Time, limit int) ([]types.PriceSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ts, token_id, price, volume_24h
		FROM price_snapshots
		WHERE token_id = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts DESC
		LIMIT $4`, tokenID, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("get price history: %w", err)
	}
	defer rows.Close()

	var history []types.PriceSnapshot
	for rows.Next() {
		var snap types.PriceSnapshot
		if err := rows.Scan(&snap.TS, &snap.TokenID, &snap.Price, &snap.Volume24h); err != nil {
			return nil, fmt.Errorf("scan price: %w", err)
		}
		history = append(history, snap)
	}
	return history, rows.Err()
}

// GetPriceCount returns the total number of price snapshots. Monitoring helper.
func (s *Store) GetPriceCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM price_snapshots`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count price snapshots: %w", err)
	}
	return count, nil
}
