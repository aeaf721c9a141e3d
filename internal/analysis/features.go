// Package analysis implements feature extraction and signal generation on
// top of the collected market data.
//
// Every public function here is total: database or data problems produce an
// empty result and a Warn log, never an error to the caller. Lookback
// windows anchor on each token's newest snapshot rather than wall clock, so
// the queries stay meaningful when the collector was down for a while or a
// market went quiet.
package analysis

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"polymarket-collector/internal/store"
	"polymarket-collector/pkg/types"
)

// Features computes per-token analytics from stored snapshots.
type Features struct {
	store  *store.Store
	logger *slog.Logger
}

// NewFeatures creates the feature query layer.
func NewFeatures(st *store.Store, logger *slog.Logger) *Features {
	return &Features{
		store:  st,
		logger: logger.With("component", "features"),
	}
}

// Return is one bucketed price return.
type Return struct {
	Bucket time.Time
	Price  float64
	Return float64
}

// SpreadPoint is one spread/midpoint observation.
type SpreadPoint struct {
	TS       time.Time
	Spread   float64
	Midpoint float64
}

// VolumeProfile aggregates traded size by side over a lookback window.
type VolumeProfile struct {
	BuyVolume  float64
	SellVolume float64
	TradeCount int64
}

// TokenFeatures bundles every feature for one token.
type TokenFeatures struct {
	TokenID    string
	Returns    []Return
	Volatility *float64
	Spreads    []SpreadPoint
	Imbalance  *float64
	Volume     VolumeProfile
}

// priceReturnsSQL buckets a token's snapshots and computes percent returns
// bucket over bucket.
const priceReturnsSQL = `
	WITH latest AS (
		SELECT MAX(ts) AS max_ts FROM price_snapshots WHERE token_id = $1
	),
	buckets AS (
		SELECT time_bucket(make_interval(secs => $2), ts) AS bucket,
		       last(price, ts) AS price
		FROM price_snapshots, latest
		WHERE token_id = $1
		  AND ts >= latest.max_ts - make_interval(hours => $3)
		GROUP BY bucket
	)
	SELECT bucket, price,
	       (price - LAG(price) OVER (ORDER BY bucket))
	           / NULLIF(LAG(price) OVER (ORDER BY bucket), 0) * 100.0 AS ret
	FROM buckets
	ORDER BY bucket`

// PriceReturns computes bucketed percent returns for a token. The window is
// [max(ts) - lookback, max(ts)]; buckets use the last observed price.
// Buckets without a previous price (the first, or after NULL gaps) are
// dropped.
func (f *Features) PriceReturns(ctx context.Context, tokenID string, bucket time.Duration, lookbackHours int) []Return {
	rows, err := f.store.Pool().Query(ctx, priceReturnsSQL,
		tokenID, int(bucket.Seconds()), lookbackHours)
	if err != nil {
		f.logger.Warn("price returns query failed", "token", tokenID, "error", err)
		return nil
	}
	defer rows.Close()

	var returns []Return
	for rows.Next() {
		var (
			r   Return
			ret *float64
		)
		if err := rows.Scan(&r.Bucket, &r.Price, &ret); err != nil {
			f.logger.Warn("price returns scan failed", "token", tokenID, "error", err)
			return nil
		}
		if ret == nil {
			continue
		}
		r.Return = *ret
		returns = append(returns, r)
	}
	if err := rows.Err(); err != nil {
		f.logger.Warn("price returns rows failed", "token", tokenID, "error", err)
		return nil
	}
	return returns
}

// RollingVolatility computes the standard deviation of 1-minute percent returns
// over the window anchored at the token's newest snapshot. Returns nil
// when there is not enough data.
func (f *Features) RollingVolatility(ctx context.Context, tokenID string, windowHours int) *float64 {
	returns := f.PriceReturns(ctx, tokenID, time.Minute, windowHours)
	if len(returns) < 2 {
		return nil
	}
	values := make([]float64, len(returns))
	for i, r := range returns {
		values[i] = r.Return
	}
	sd := stddev(values)
	return &sd
}

// SpreadHistory returns spread/midpoint observations over the lookback
// window, oldest first. Snapshots with a one-sided book are excluded.
func (f *Features) SpreadHistory(ctx context.Context, tokenID string, lookbackHours int) []SpreadPoint {
	rows, err := f.store.Pool().Query(ctx, `
		WITH latest AS (
			SELECT MAX(ts) AS max_ts FROM orderbook_snapshots WHERE token_id = $1
		)
		SELECT ts, spread, midpoint
		FROM orderbook_snapshots, latest
		WHERE token_id = $1
		  AND ts >= latest.max_ts - make_interval(hours => $2)
		  AND spread IS NOT NULL AND midpoint IS NOT NULL
		ORDER BY ts ASC`,
		tokenID, lookbackHours)
	if err != nil {
		f.logger.Warn("spread history query failed", "token", tokenID, "error", err)
		return nil
	}
	defer rows.Close()

	var points []SpreadPoint
	for rows.Next() {
		var p SpreadPoint
		if err := rows.Scan(&p.TS, &p.Spread, &p.Midpoint); err != nil {
			f.logger.Warn("spread history scan failed", "token", tokenID, "error", err)
			return nil
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		f.logger.Warn("spread history rows failed", "token", tokenID, "error", err)
		return nil
	}
	return points
}

// OrderbookImbalance computes (bidVolume - askVolume)/(bidVolume + askVolume)
// from the latest stored book. Nil when no book exists or total depth is 0.
func (f *Features) OrderbookImbalance(ctx context.Context, tokenID string) *float64 {
	snap, err := f.store.GetLatestOrderbook(ctx, tokenID)
	if err != nil {
		f.logger.Warn("orderbook imbalance fetch failed", "token", tokenID, "error", err)
		return nil
	}
	if snap == nil {
		return nil
	}
	return imbalanceFromLevels(snap.Bids, snap.Asks)
}

// imbalanceFromLevels sums level sizes per side. Unparseable sizes are
// skipped; a zero total means no meaningful imbalance.
func imbalanceFromLevels(bids, asks []types.PriceLevel) *float64 {
	sum := func(levels []types.PriceLevel) float64 {
		total := 0.0
		for _, lvl := range levels {
			if v, err := strconv.ParseFloat(lvl.Size, 64); err == nil {
				total += v
			}
		}
		return total
	}

	bidVol, askVol := sum(bids), sum(asks)
	total := bidVol + askVol
	if total == 0 {
		return nil
	}
	imb := (bidVol - askVol) / total
	return &imb
}

// TradeVolumeProfile aggregates traded size by side over the lookback
// window anchored at the token's newest trade.
func (f *Features) TradeVolumeProfile(ctx context.Context, tokenID string, lookbackHours int) VolumeProfile {
	var profile VolumeProfile
	err := f.store.Pool().QueryRow(ctx, `
		WITH latest AS (
			SELECT MAX(ts) AS max_ts FROM trades WHERE token_id = $1
		)
		SELECT
			COALESCE(SUM(size) FILTER (WHERE side = 'BUY'), 0),
			COALESCE(SUM(size) FILTER (WHERE side = 'SELL'), 0),
			COUNT(*)
		FROM trades, latest
		WHERE token_id = $1
		  AND ts >= latest.max_ts - make_interval(hours => $2)`,
		tokenID, lookbackHours).
		Scan(&profile.BuyVolume, &profile.SellVolume, &profile.TradeCount)
	if err != nil {
		f.logger.Warn("trade volume query failed", "token", tokenID, "error", err)
		return VolumeProfile{}
	}
	return profile
}

// MarketFeatures bundles features for every token of a market.
func (f *Features) MarketFeatures(ctx context.Context, conditionID string, lookbackHours int) []TokenFeatures {
	market, err := f.store.GetMarket(ctx, conditionID)
	if err != nil {
		f.logger.Warn("market lookup failed", "condition_id", conditionID, "error", err)
		return nil
	}
	if market == nil {
		f.logger.Warn("market not found", "condition_id", conditionID)
		return nil
	}

	features := make([]TokenFeatures, 0, len(market.ClobTokenIDs))
	for _, tokenID := range market.ClobTokenIDs {
		if tokenID == "" {
			continue
		}
		features = append(features, TokenFeatures{
			TokenID:    tokenID,
			Returns:    f.PriceReturns(ctx, tokenID, time.Hour, lookbackHours),
			Volatility: f.RollingVolatility(ctx, tokenID, lookbackHours),
			Spreads:    f.SpreadHistory(ctx, tokenID, lookbackHours),
			Imbalance:  f.OrderbookImbalance(ctx, tokenID),
			Volume:     f.TradeVolumeProfile(ctx, tokenID, lookbackHours),
		})
	}
	return features
}

// mean returns the arithmetic mean. Zero for empty input.
func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stddev returns the sample standard deviation. Zero when fewer than two
// values.
func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}
