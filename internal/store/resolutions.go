package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"polymarket-collector/pkg/types"
)

// UpsertResolution records a detected resolution. Re-detection of the same
// condition updates the row rather than erroring.
func (s *Store) UpsertResolution(ctx context.Context, r types.Resolution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO resolutions (condition_id, outcome, winner_token_id,
			resolved_at, payout_price, detection_method)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (condition_id) DO UPDATE SET
			outcome          = EXCLUDED.outcome,
			winner_token_id  = EXCLUDED.winner_token_id,
			resolved_at      = EXCLUDED.resolved_at,
			payout_price     = EXCLUDED.payout_price,
			detection_method = EXCLUDED.detection_method`,
		r.ConditionID, r.Outcome, r.WinnerTokenID, r.ResolvedAt,
		r.PayoutPrice, r.DetectionMethod)
	if err != nil {
		return fmt.Errorf("upsert resolution %s: %w", r.ConditionID, err)
	}
	return nil
}

// GetResolution fetches one resolution, or nil, nil when not yet detected.
func (s *Store) GetResolution(ctx context.Context, conditionID string) (*types.Resolution, error) {
	var r types.Resolution
	err := s.pool.QueryRow(ctx, `
		SELECT condition_id, outcome, COALESCE(winner_token_id, ''),
			resolved_at, payout_price, COALESCE(detection_method, ''), created_at
		FROM resolutions
		WHERE condition_id = $1`, conditionID).
		Scan(&r.ConditionID, &r.Outcome, &r.WinnerTokenID, &r.ResolvedAt,
			&r.PayoutPrice, &r.DetectionMethod, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get resolution %s: %w", conditionID, err)
	}
	return &r, nil
}

// GetResolvedIDs returns the subset of the given condition IDs that already
// have a resolution row. Used to skip re-processing closed events.
func (s *Store) GetResolvedIDs(ctx context.Context, conditionIDs []string) (map[string]bool, error) {
	if len(conditionIDs) == 0 {
		return map[string]bool{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT condition_id FROM resolutions WHERE condition_id = ANY($1)`,
		conditionIDs)
	if err != nil {
		return nil, fmt.Errorf("get resolved ids: %w", err)
	}
	defer rows.Close()

	resolved := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan condition id: %w", err)
		}
		resolved[id] = true
	}
	return resolved, rows.Err()
}

// GetUnresolvedMarkets returns closed markets that have no resolution row yet.
func (s *Store) GetUnresolvedMarkets(ctx context.Context, limit int) ([]types.Market, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.condition_id, m.question, m.slug, m.market_type, m.outcomes,
			m.clob_token_ids, m.active, m.closed, m.end_date_iso,
			m.created_at, m.updated_at
		FROM markets m
		LEFT JOIN resolutions r ON r.condition_id = m.condition_id
		WHERE m.closed = TRUE AND r.condition_id IS NULL
		ORDER BY m.updated_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("get unresolved markets: %w", err)
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
