package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"polymarket-collector/pkg/types"
)

const uniqueViolation = "23505"

// nullableID maps an empty trade ID to NULL so the partial unique index
// only applies to trades that carry one.
func nullableID(id string) interface{} {
	if id == "" {
		return nil
	}
	return id
}

// InsertTrades bulk-inserts trades via binary COPY. If the copy hits the
// unique index on (trade_id, ts) it falls back to row-by-row inserts with
// ON CONFLICT DO NOTHING so the rest of the batch still lands.
//
// Returns the batch length in both paths, not the number of rows that
// actually landed; callers treat it as "rows attempted".
func (s *Store) InsertTrades(ctx context.Context, trades []types.Trade) (int, error) {
	if len(trades) == 0 {
		return 0, nil
	}

	rows := make([][]interface{}, len(trades))
	for i, tr := range trades {
		rows[i] = []interface{}{tr.TS, tr.TokenID, tr.Side, tr.Price, tr.Size, nullableID(tr.TradeID)}
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"trades"},
		[]string{"ts", "token_id", "side", "price", "size", "trade_id"},
		pgx.CopyFromRows(rows))
	if err == nil {
		return len(trades), nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return 0, fmt.Errorf("copy trades: %w", err)
	}

	// Duplicate in the batch: COPY is all-or-nothing, so replay row by row
	// and let the index swallow the duplicates.
	s.logger.Warn("duplicate trade in batch, falling back to row inserts", "batch", len(trades))
	for _, tr := range trades {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO trades (ts, token_id, side, price, size, trade_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (trade_id, ts) WHERE trade_id IS NOT NULL DO NOTHING`,
			tr.TS, tr.TokenID, tr.Side, tr.Price, tr.Size, nullableID(tr.TradeID))
		if err != nil {
			return 0, fmt.Errorf("insert trade: %w", err)
		}
	}
	return len(trades), nil
}

// GetRecentTrades returns the newest trades for a token, newest first.
func (s *Store) GetRecentTrades(ctx context.Context, tokenID string, limit int) ([]types.Trade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ts, token_id, side, price, size, COALESCE(trade_id, '')
		FROM trades
		WHERE token_id = $1
		ORDER BY ts DESC
		LIMIT $2`, tokenID, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent trades: %w", err)
	}
	defer rows.Close()

	var trades []types.Trade
	for rows.Next() {
		var tr types.Trade
		if err := rows.Scan(&tr.TS, &tr.TokenID, &tr.Side, &tr.Price, &tr.Size, &tr.TradeID); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

// GetTradeCount returns the number of stored trades, optionally filtered
// by token (empty tokenID counts everything).
func (s *Store) GetTradeCount(ctx context.Context, tokenID string) (int64, error) {
	var (
		count int64
		err   error
	)
	if tokenID == "" {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM trades`).Scan(&count)
	} else {
		err = s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM trades WHERE token_id = $1`, tokenID).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return count, nil
}
