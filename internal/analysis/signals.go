package analysis

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"polymarket-collector/internal/config"
	"polymarket-collector/internal/store"
	"polymarket-collector/pkg/types"
)

// Signals turns stored market data into trading signals. Detection is
// read-only: nothing here places orders, signals are advisory output for
// downstream consumers.
type Signals struct {
	store         *store.Store
	features      *Features
	relationships *Relationships
	cfg           config.SignalsConfig
	logger        *slog.Logger
}

// NewSignals creates the signal detection layer.
func NewSignals(st *store.Store, cfg config.SignalsConfig, logger *slog.Logger) *Signals {
	return &Signals{
		store:         st,
		features:      NewFeatures(st, logger),
		relationships: NewRelationships(st, logger),
		cfg:           cfg,
		logger:        logger.With("component", "signals"),
	}
}

// DetectMispricing scans same-event market groups for probability sums that
// deviate from 1.0 by more than the configured tolerance. When a group's
// primary-outcome prices sum below 1 every leg is underpriced and the signal
// is BUY across the group; above 1 every leg is overpriced and the signal is
// SELL.
func (s *Signals) DetectMispricing(ctx context.Context, maxMarkets int) []types.Signal {
	groups := s.relationships.FindSameEventMarkets(ctx, maxMarkets)
	if len(groups) == 0 {
		return nil
	}

	var tokenIDs []string
	for _, group := range groups {
		for _, m := range group.Markets {
			if len(m.ClobTokenIDs) > 0 && m.ClobTokenIDs[0] != "" {
				tokenIDs = append(tokenIDs, m.ClobTokenIDs[0])
			}
		}
	}
	prices, err := s.store.GetLatestPrices(ctx, tokenIDs)
	if err != nil {
		s.logger.Warn("latest prices query failed", "error", err)
		return nil
	}
	latest := make(map[string]float64, len(prices))
	for token, p := range prices {
		latest[token] = p.Price
	}

	now := time.Now().UTC()
	var signals []types.Signal
	for _, group := range groups {
		legs := groupLegs(group, latest)
		if len(legs) == 0 {
			continue
		}
		sum := 0.0
		for _, leg := range legs {
			sum += leg.price
		}
		signals = append(signals, mispricingSignals(group.SlugPrefix, legs, sum, s.cfg.MispricingTolerance, now)...)
	}
	return signals
}

// leg is one market's primary outcome token with its latest price.
type leg struct {
	conditionID string
	tokenID     string
	price       float64
}

// groupLegs resolves each market in a group to its first token and latest
// price. Markets without a priced token are dropped.
func groupLegs(group MarketGroup, latest map[string]float64) []leg {
	var legs []leg
	for _, m := range group.Markets {
		if len(m.ClobTokenIDs) == 0 || m.ClobTokenIDs[0] == "" {
			continue
		}
		tokenID := m.ClobTokenIDs[0]
		price, ok := latest[tokenID]
		if !ok {
			continue
		}
		legs = append(legs, leg{conditionID: m.ConditionID, tokenID: tokenID, price: price})
	}
	return legs
}

// mispricingSignals emits one signal per leg when the group's probability
// sum deviates beyond tolerance. Strength saturates at a 10% deviation.
func mispricingSignals(prefix string, legs []leg, sum, tolerance float64, now time.Time) []types.Signal {
	deviation := sum - 1.0
	if math.Abs(deviation) <= tolerance {
		return nil
	}

	side := types.BUY
	reason := "group underpriced"
	if deviation > 0 {
		side = types.SELL
		reason = "group overpriced"
	}
	strength := math.Min(math.Abs(deviation)*10, 1.0)
	edge := math.Abs(deviation) * 100

	signals := make([]types.Signal, 0, len(legs))
	for _, l := range legs {
		signals = append(signals, types.Signal{
			Type:        types.SignalSameEvent,
			TokenID:     l.tokenID,
			ConditionID: l.conditionID,
			Side:        side,
			Strength:    strength,
			EdgePct:     edge,
			Reason:      reason + " " + prefix,
			GeneratedAt: now,
		})
	}
	return signals
}

// reversionCandidatesSQL selects every token with enough snapshots in its
// own trailing window, anchored to the token's newest observation.
const reversionCandidatesSQL = `
	SELECT p.token_id
	FROM price_snapshots p
	JOIN (
		SELECT token_id, MAX(ts) AS max_ts
		FROM price_snapshots
		GROUP BY token_id
	) latest ON latest.token_id = p.token_id
	WHERE p.ts >= latest.max_ts - make_interval(hours => $1)
	GROUP BY p.token_id
	HAVING COUNT(*) >= $2
	ORDER BY p.token_id`

// recentPricesSQL returns a token's raw snapshot prices in time order over
// its trailing window.
const recentPricesSQL = `
	SELECT price
	FROM price_snapshots
	WHERE token_id = $1
	  AND ts >= (SELECT MAX(ts) FROM price_snapshots WHERE token_id = $1)
	              - make_interval(hours => $2)
	ORDER BY ts`

// DetectMeanReversion flags tokens whose latest price sits more than the
// configured z-score threshold away from its lookback mean. A price far
// below the mean is a BUY, far above a SELL. Every token with enough recent
// snapshots is scanned, not just the ones dense enough for correlation work.
func (s *Signals) DetectMeanReversion(ctx context.Context) []types.Signal {
	tokens := s.reversionCandidates(ctx)
	now := time.Now().UTC()

	var signals []types.Signal
	for _, token := range tokens {
		prices := s.recentPrices(ctx, token)
		if len(prices) < correlationMinPoints {
			continue
		}
		conditionID, err := s.store.GetConditionIDByToken(ctx, token)
		if err != nil {
			s.logger.Warn("condition lookup failed", "token", token, "error", err)
			continue
		}
		if conditionID == "" {
			continue
		}
		if sig := meanReversionSignal(token, conditionID, prices, s.cfg.ZScoreThreshold, now); sig != nil {
			signals = append(signals, *sig)
		}
	}
	return signals
}

// reversionCandidates lists tokens carrying at least correlationMinPoints
// snapshots inside their anchored lookback window.
func (s *Signals) reversionCandidates(ctx context.Context) []string {
	rows, err := s.store.Pool().Query(ctx, reversionCandidatesSQL,
		s.cfg.LookbackHours, correlationMinPoints)
	if err != nil {
		s.logger.Warn("reversion candidates query failed", "error", err)
		return nil
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			s.logger.Warn("reversion candidates scan failed", "error", err)
			return nil
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn("reversion candidates rows failed", "error", err)
		return nil
	}
	return tokens
}

// recentPrices loads a token's raw snapshot prices over the lookback window.
func (s *Signals) recentPrices(ctx context.Context, tokenID string) []float64 {
	rows, err := s.store.Pool().Query(ctx, recentPricesSQL, tokenID, s.cfg.LookbackHours)
	if err != nil {
		s.logger.Warn("recent prices query failed", "token", tokenID, "error", err)
		return nil
	}
	defer rows.Close()

	var prices []float64
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			s.logger.Warn("recent prices scan failed", "token", tokenID, "error", err)
			return nil
		}
		prices = append(prices, p)
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn("recent prices rows failed", "token", tokenID, "error", err)
		return nil
	}
	return prices
}

// meanReversionSignal computes the z-score of the newest price against the
// series. Nil when the series has no variance or |z| is inside the
// threshold.
func meanReversionSignal(tokenID, conditionID string, prices []float64, zThreshold float64, now time.Time) *types.Signal {
	if len(prices) < 2 || zThreshold <= 0 {
		return nil
	}
	current := prices[len(prices)-1]
	m, sd := mean(prices), stddev(prices)
	if sd == 0 {
		return nil
	}
	z := (current - m) / sd
	if math.Abs(z) <= zThreshold {
		return nil
	}

	side := types.BUY
	if z > 0 {
		side = types.SELL
	}
	return &types.Signal{
		Type:        types.SignalMeanReversion,
		TokenID:     tokenID,
		ConditionID: conditionID,
		Side:        side,
		Strength:    math.Min(math.Abs(z)/(2*zThreshold), 1.0),
		EdgePct:     (math.Abs(z) - zThreshold) * sd * 100,
		Reason:      "price stretched from lookback mean",
		GeneratedAt: now,
	}
}

// DetectWideSpreads flags tokens whose latest book spread, as a percentage
// of midpoint, meets the configured minimum edge. Wide books reward passive
// liquidity, so the side is always BUY.
func (s *Signals) DetectWideSpreads(ctx context.Context, maxMarkets int) []types.Signal {
	markets, err := s.store.GetActiveMarkets(ctx, maxMarkets)
	if err != nil {
		s.logger.Warn("active markets query failed", "error", err)
		return nil
	}

	now := time.Now().UTC()
	var signals []types.Signal
	for _, m := range markets {
		for _, tokenID := range m.ClobTokenIDs {
			if tokenID == "" {
				continue
			}
			snap, err := s.store.GetLatestOrderbook(ctx, tokenID)
			if err != nil {
				s.logger.Warn("latest orderbook fetch failed", "token", tokenID, "error", err)
				continue
			}
			if snap == nil || snap.Spread == nil || snap.Midpoint == nil {
				continue
			}
			if sig := spreadSignal(tokenID, m.ConditionID, *snap.Spread, *snap.Midpoint, s.cfg.MinEdgePct, now); sig != nil {
				signals = append(signals, *sig)
			}
		}
	}
	return signals
}

// spreadSignal converts a spread observation into a signal when the spread
// percentage clears minEdgePct. Strength scales with how far past the
// minimum the edge sits, saturating at double.
func spreadSignal(tokenID, conditionID string, spread, midpoint, minEdgePct float64, now time.Time) *types.Signal {
	if midpoint <= 0 || minEdgePct <= 0 {
		return nil
	}
	edge := spread / midpoint * 100
	if edge < minEdgePct {
		return nil
	}
	return &types.Signal{
		Type:        types.SignalSpread,
		TokenID:     tokenID,
		ConditionID: conditionID,
		Side:        types.BUY,
		Strength:    math.Min((edge-minEdgePct)/minEdgePct, 1.0),
		EdgePct:     edge,
		Reason:      "wide book spread",
		GeneratedAt: now,
	}
}

// AllSignals runs every detector, deduplicates by (token, type) keeping the
// strongest, and returns the result sorted by strength descending.
func (s *Signals) AllSignals(ctx context.Context, maxMarkets int) []types.Signal {
	var all []types.Signal
	all = append(all, s.DetectMispricing(ctx, maxMarkets)...)
	all = append(all, s.DetectMeanReversion(ctx)...)
	all = append(all, s.DetectWideSpreads(ctx, maxMarkets)...)
	return rankSignals(all)
}

// rankSignals deduplicates by (token, type) keeping the highest strength,
// then sorts strongest first.
func rankSignals(signals []types.Signal) []types.Signal {
	type key struct {
		token string
		typ   types.SignalType
	}
	best := make(map[key]types.Signal, len(signals))
	for _, sig := range signals {
		k := key{token: sig.TokenID, typ: sig.Type}
		if cur, ok := best[k]; !ok || sig.Strength > cur.Strength {
			best[k] = sig
		}
	}

	out := make([]types.Signal, 0, len(best))
	for _, sig := range best {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		if out[i].TokenID != out[j].TokenID {
			return out[i].TokenID < out[j].TokenID
		}
		return out[i].Type < out[j].Type
	})
	return out
}
