package analysis

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"polymarket-collector/internal/store"
	"polymarket-collector/pkg/types"
)

const (
	// correlationMaxTokens caps the pairwise scan to the densest tokens so
	// the O(n^2) comparison stays bounded.
	correlationMaxTokens = 50

	// correlationMinPoints is the minimum number of aligned hourly buckets
	// required before a correlation is considered meaningful.
	correlationMinPoints = 5
)

// Relationships discovers structure between markets: same-event groupings
// and historically correlated token pairs.
type Relationships struct {
	store  *store.Store
	logger *slog.Logger
}

// NewRelationships creates the relationship query layer.
func NewRelationships(st *store.Store, logger *slog.Logger) *Relationships {
	return &Relationships{
		store:  st,
		logger: logger.With("component", "relationships"),
	}
}

// MarketGroup is a set of markets that belong to the same underlying event.
type MarketGroup struct {
	SlugPrefix string
	Markets    []types.Market
}

// CorrelatedPair is a pair of tokens with their Pearson correlation over
// aligned hourly price buckets.
type CorrelatedPair struct {
	TokenA      string
	TokenB      string
	Correlation float64
	Points      int
}

// pricePoint is one hourly close used for correlation alignment.
type pricePoint struct {
	bucket time.Time
	price  float64
}

// FindSameEventMarkets groups active markets by event slug prefix. Only
// groups with at least two markets are returned, largest first.
func (r *Relationships) FindSameEventMarkets(ctx context.Context, limit int) []MarketGroup {
	markets, err := r.store.GetActiveMarkets(ctx, limit)
	if err != nil {
		r.logger.Warn("active markets query failed", "error", err)
		return nil
	}

	byPrefix := make(map[string][]types.Market)
	for _, m := range markets {
		prefix := slugPrefix(m.Slug)
		if prefix == "" {
			continue
		}
		byPrefix[prefix] = append(byPrefix[prefix], m)
	}

	var groups []MarketGroup
	for prefix, members := range byPrefix {
		if len(members) < 2 {
			continue
		}
		groups = append(groups, MarketGroup{SlugPrefix: prefix, Markets: members})
	}
	sort.Slice(groups, func(i, j int) bool {
		if len(groups[i].Markets) != len(groups[j].Markets) {
			return len(groups[i].Markets) > len(groups[j].Markets)
		}
		return groups[i].SlugPrefix < groups[j].SlugPrefix
	})
	return groups
}

// slugPrefix strips a trailing "-<digits>" outcome suffix from a market
// slug, so "election-winner-2028-1" and "election-winner-2028-2" group
// together. Slugs without the suffix are returned unchanged.
func slugPrefix(slug string) string {
	if slug == "" {
		return ""
	}
	i := strings.LastIndexByte(slug, '-')
	if i <= 0 || i == len(slug)-1 {
		return slug
	}
	for _, c := range slug[i+1:] {
		if c < '0' || c > '9' {
			return slug
		}
	}
	return slug[:i]
}

// PriceCorrelation computes the Pearson correlation between two tokens over
// hourly closes in the lookback window. The window is anchored at the newer
// of the two tokens' latest snapshots. Returns nil when fewer than two
// buckets align or either series has no variance.
func (r *Relationships) PriceCorrelation(ctx context.Context, tokenA, tokenB string, lookbackHours int) *float64 {
	seriesA := r.hourlyCloses(ctx, tokenA, tokenB, tokenA, lookbackHours)
	seriesB := r.hourlyCloses(ctx, tokenA, tokenB, tokenB, lookbackHours)
	if seriesA == nil || seriesB == nil {
		return nil
	}

	xs, ys := alignSeries(seriesA, seriesB)
	if len(xs) < 2 {
		return nil
	}
	corr := pearson(xs, ys)
	if math.IsNaN(corr) {
		return nil
	}
	return &corr
}

// hourlyCloses fetches hourly last-price buckets for target within the
// window anchored at the newer of anchorA/anchorB's latest snapshots.
func (r *Relationships) hourlyCloses(ctx context.Context, anchorA, anchorB, target string, lookbackHours int) []pricePoint {
	rows, err := r.store.Pool().Query(ctx, `
		WITH latest AS (
			SELECT GREATEST(
				(SELECT MAX(ts) FROM price_snapshots WHERE token_id = $1),
				(SELECT MAX(ts) FROM price_snapshots WHERE token_id = $2)
			) AS max_ts
		)
		SELECT time_bucket('1 hour', ts) AS bucket, last(price, ts) AS price
		FROM price_snapshots, latest
		WHERE token_id = $3
		  AND ts >= latest.max_ts - make_interval(hours => $4)
		GROUP BY bucket
		ORDER BY bucket`,
		anchorA, anchorB, target, lookbackHours)
	if err != nil {
		r.logger.Warn("hourly closes query failed", "token", target, "error", err)
		return nil
	}
	defer rows.Close()

	var points []pricePoint
	for rows.Next() {
		var p pricePoint
		if err := rows.Scan(&p.bucket, &p.price); err != nil {
			r.logger.Warn("hourly closes scan failed", "token", target, "error", err)
			return nil
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		r.logger.Warn("hourly closes rows failed", "token", target, "error", err)
		return nil
	}
	return points
}

// alignSeries intersects two bucketed series on bucket timestamp and
// returns the paired prices in bucket order.
func alignSeries(a, b []pricePoint) (xs, ys []float64) {
	byBucket := make(map[time.Time]float64, len(b))
	for _, p := range b {
		byBucket[p.bucket] = p.price
	}
	for _, p := range a {
		if v, ok := byBucket[p.bucket]; ok {
			xs = append(xs, p.price)
			ys = append(ys, v)
		}
	}
	return xs, ys
}

// pearson computes the Pearson correlation coefficient of two equal-length
// series. NaN when either series has zero variance.
func pearson(xs, ys []float64) float64 {
	n := float64(len(xs))
	if n == 0 || len(xs) != len(ys) {
		return math.NaN()
	}
	mx, my := mean(xs), mean(ys)
	var cov, vx, vy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return math.NaN()
	}
	return cov / math.Sqrt(vx*vy)
}

// FindCorrelatedPairs scans the densest tokens for pairs whose hourly price
// correlation meets minCorrelation. Results are sorted by absolute
// correlation, strongest first.
func (r *Relationships) FindCorrelatedPairs(ctx context.Context, lookbackHours int, minCorrelation float64) []CorrelatedPair {
	tokens := r.densestTokens(ctx, lookbackHours)
	if len(tokens) < 2 {
		return nil
	}

	series := make(map[string][]pricePoint, len(tokens))
	for _, token := range tokens {
		s := r.hourlyCloses(ctx, token, token, token, lookbackHours)
		if len(s) >= correlationMinPoints {
			series[token] = s
		}
	}

	var pairs []CorrelatedPair
	for i := 0; i < len(tokens); i++ {
		a, okA := series[tokens[i]]
		if !okA {
			continue
		}
		for j := i + 1; j < len(tokens); j++ {
			b, okB := series[tokens[j]]
			if !okB {
				continue
			}
			xs, ys := alignSeries(a, b)
			if len(xs) < correlationMinPoints {
				continue
			}
			corr := pearson(xs, ys)
			if math.IsNaN(corr) || math.Abs(corr) < minCorrelation {
				continue
			}
			pairs = append(pairs, CorrelatedPair{
				TokenA:      tokens[i],
				TokenB:      tokens[j],
				Correlation: corr,
				Points:      len(xs),
			})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		return math.Abs(pairs[i].Correlation) > math.Abs(pairs[j].Correlation)
	})
	return pairs
}

// densestTokensSQL anchors each token's window to its own newest snapshot,
// so a collector that has been down for a while still ranks tokens by their
// final hours of data. Ties on count break deterministically by token ID.
const densestTokensSQL = `
	SELECT p.token_id, COUNT(*) AS n
	FROM price_snapshots p
	JOIN (
		SELECT token_id, MAX(ts) AS max_ts
		FROM price_snapshots
		GROUP BY token_id
	) latest ON latest.token_id = p.token_id
	WHERE p.ts >= latest.max_ts - make_interval(hours => $1)
	GROUP BY p.token_id
	HAVING COUNT(*) >= $2
	ORDER BY n DESC, p.token_id
	LIMIT $3`

// densestTokens returns up to correlationMaxTokens token IDs with the most
// price snapshots in the recent window, requiring at least
// correlationMinPoints observations each.
func (r *Relationships) densestTokens(ctx context.Context, lookbackHours int) []string {
	rows, err := r.store.Pool().Query(ctx, densestTokensSQL,
		lookbackHours, correlationMinPoints, correlationMaxTokens)
	if err != nil {
		r.logger.Warn("densest tokens query failed", "error", err)
		return nil
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var (
			token string
			n     int64
		)
		if err := rows.Scan(&token, &n); err != nil {
			r.logger.Warn("densest tokens scan failed", "error", err)
			return nil
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		r.logger.Warn("densest tokens rows failed", "error", err)
		return nil
	}
	return tokens
}
