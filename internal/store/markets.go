package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"polymarket-collector/pkg/types"
)

const marketColumns = `condition_id, question, slug, market_type, outcomes,
	clob_token_ids, active, closed, end_date_iso, created_at, updated_at`

func scanMarket(row pgx.Row) (*types.Market, error) {
	var m types.Market
	err := row.Scan(&m.ConditionID, &m.Question, &m.Slug, &m.MarketType,
		&m.Outcomes, &m.ClobTokenIDs, &m.Active, &m.Closed, &m.EndDateISO,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertMarket inserts or updates one market record.
func (s *Store) UpsertMarket(ctx context.Context, m types.Market) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO markets (condition_id, question, slug, market_type,
			outcomes, clob_token_ids, active, closed, end_date_iso)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (condition_id) DO UPDATE SET
			question       = EXCLUDED.question,
			slug           = EXCLUDED.slug,
			market_type    = EXCLUDED.market_type,
			outcomes       = EXCLUDED.outcomes,
			clob_token_ids = EXCLUDED.clob_token_ids,
			active         = EXCLUDED.active,
			closed         = EXCLUDED.closed,
			end_date_iso   = EXCLUDED.end_date_iso,
			updated_at     = NOW()`,
		m.ConditionID, m.Question, m.Slug, m.MarketType, m.Outcomes,
		m.ClobTokenIDs, m.Active, m.Closed, nullableTime(m.EndDateISO))
	if err != nil {
		return fmt.Errorf("upsert market %s: %w", m.ConditionID, err)
	}
	return nil
}

// UpsertMarkets upserts a batch of markets in one pipelined round trip.
// Returns the number of markets written.
func (s *Store) UpsertMarkets(ctx context.Context, markets []types.Market) (int, error) {
	if len(markets) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, m := range markets {
		batch.Queue(`
			INSERT INTO markets (condition_id, question, slug, market_type,
				outcomes, clob_token_ids, active, closed, end_date_iso)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (condition_id) DO UPDATE SET
				question       = EXCLUDED.question,
				slug           = EXCLUDED.slug,
				market_type    = EXCLUDED.market_type,
				outcomes       = EXCLUDED.outcomes,
				clob_token_ids = EXCLUDED.clob_token_ids,
				active         = EXCLUDED.active,
				closed         = EXCLUDED.closed,
				end_date_iso   = EXCLUDED.end_date_iso,
				updated_at     = NOW()`,
			m.ConditionID, m.Question, m.Slug, m.MarketType, m.Outcomes,
			m.ClobTokenIDs, m.Active, m.Closed, nullableTime(m.EndDateISO))
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range markets {
		if _, err := br.Exec(); err != nil {
			return 0, fmt.Errorf("upsert markets batch: %w", err)
		}
	}
	return len(markets), nil
}

// GetMarket fetches one market by condition ID. Returns nil, nil when the
// market is unknown.
func (s *Store) GetMarket(ctx context.Context, conditionID string) (*types.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE condition_id = $1`,
		conditionID)
	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", conditionID, err)
	}
	return m, nil
}

// GetConditionIDByToken resolves the market owning a CLOB token. Returns ""
// when no market carries the token.
func (s *Store) GetConditionIDByToken(ctx context.Context, tokenID string) (string, error) {
	var conditionID string
	err := s.pool.QueryRow(ctx,
		`SELECT condition_id FROM markets WHERE $1 = ANY(clob_token_ids)`,
		tokenID).Scan(&conditionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("condition for token %s: %w", tokenID, err)
	}
	return conditionID, nil
}

// GetActiveMarkets returns active, unresolved markets, newest first.
func (s *Store) GetActiveMarkets(ctx context.Context, limit int) ([]types.Market, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+marketColumns+`
		FROM markets
		WHERE active = TRUE AND closed = FALSE
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("get active markets: %w", err)
	}
	defer rows.Close()

	var markets []types.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan market: %w", err)
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

// GetMarketsByIDs fetches the subset of the given condition IDs that exist.
func (s *Store) GetMarketsByIDs(ctx context.Context, conditionIDs []string) ([]types.Market, error) {
	if len(conditionIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE condition_id = ANY($1)`,
		conditionIDs)
	if err != nil {
		return nil, fmt.Errorf("get markets by ids: %w", err)
	}
	defer rows.Close()

	var markets []types.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan market: %w", err)
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

// MarkMarketsClosed flips closed = TRUE for all listed condition IDs.
func (s *Store) MarkMarketsClosed(ctx context.Context, conditionIDs []string) error {
	if len(conditionIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE markets SET closed = TRUE, updated_at = NOW()
		WHERE condition_id = ANY($1) AND closed = FALSE`, conditionIDs)
	if err != nil {
		return fmt.Errorf("mark markets closed: %w", err)
	}
	return nil
}
