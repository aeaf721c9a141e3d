package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"polymarket-collector/pkg/types"
)

// levelsDoc is the JSONB shape stored for each side of the book:
// {"levels": [["0.55","100.5"], ...]}.
type levelsDoc struct {
	Levels [][2]string `json:"levels"`
}

// encodeLevels converts price levels into the stored JSONB document.
func encodeLevels(levels []types.PriceLevel) ([]byte, error) {
	doc := levelsDoc{Levels: make([][2]string, len(levels))}
	for i, lvl := range levels {
		doc.Levels[i] = [2]string{lvl.Price, lvl.Size}
	}
	return json.Marshal(doc)
}

// decodeLevels parses the stored JSONB document back into price levels.
func decodeLevels(data []byte) ([]types.PriceLevel, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var doc levelsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	levels := make([]types.PriceLevel, len(doc.Levels))
	for i, pair := range doc.Levels {
		levels[i] = types.PriceLevel{Price: pair[0], Size: pair[1]}
	}
	return levels, nil
}

// InsertOrderbookSnapshots writes a batch of book snapshots in one
// pipelined round trip. Returns the number of rows written.
func (s *Store) InsertOrderbookSnapshots(ctx context.Context, snapshots []types.OrderbookSnapshot) (int, error) {
	if len(snapshots) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, snap := range snapshots {
		bids, err := encodeLevels(snap.Bids)
		if err != nil {
			return 0, fmt.Errorf("encode bids for %s: %w", snap.TokenID, err)
		}
		asks, err := encodeLevels(snap.Asks)
		if err != nil {
			return 0, fmt.Errorf("encode asks for %s: %w", snap.TokenID, err)
		}
		batch.Queue(`
			INSERT INTO orderbook_snapshots (ts, token_id, bids, asks, spread, midpoint)
			VALUES ($1, $2, $3::jsonb, $4::jsonb, $5, $6)`,
			snap.TS, snap.TokenID, bids, asks, snap.Spread, snap.Midpoint)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range snapshots {
		if _, err := br.Exec(); err != nil {
			return 0, fmt.Errorf("insert orderbook snapshots: %w", err)
		}
	}
	return len(snapshots), nil
}

// GetLatestOrderbook returns the most recent snapshot for a token,
// or nil, nil when none exists.
func (s *Store) GetLatestOrderbook(ctx context.Context, tokenID string) (*types.OrderbookSnapshot, error) {
	var (
		snap       types.OrderbookSnapshot
		bids, asks []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT ts, token_id, bids, asks, spread, midpoint
		FROM orderbook_snapshots
		WHERE token_id = $1
		ORDER BY ts DESC
		LIMIT 1`, tokenID).
		Scan(&snap.TS, &snap.TokenID, &bids, &asks, &snap.Spread, &snap.Midpoint)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest orderbook: %w", err)
	}

	if snap.Bids, err = decodeLevels(bids); err != nil {
		return nil, fmt.Errorf("decode bids: %w", err)
	}
	if snap.Asks, err = decodeLevels(asks); err != nil {
		return nil, fmt.Errorf("decode asks: %w", err)
	}
	return &snap, nil
}

// GetOrderbookHistory returns spread/midpoint rows for one token in
// [start, end], oldest first. Levels are not decoded; callers that need
// them use GetLatestOrderbook.
func (s *Store) GetOrderbookHistory(ctx context.Context, tokenID string, start, end time.Time) ([]types.OrderbookSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ts, token_id, spread, midpoint
		FROM orderbook_snapshots
		WHERE token_id = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts ASC`, tokenID, start, end)
	if err != nil {
		return nil, fmt.Errorf("get orderbook history: %w", err)
	}
	defer rows.Close()

	var history []types.OrderbookSnapshot
	for rows.Next() {
		var snap types.OrderbookSnapshot
		if err := rows.Scan(&snap.TS, &snap.TokenID, &snap.Spread, &snap.Midpoint); err != nil {
			return nil, fmt.Errorf("scan orderbook: %w", err)
		}
		history = append(history, snap)
	}
	return history, rows.Err()
}
