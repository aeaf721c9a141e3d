// Package scanner implements a read-only arbitrage scanner over binary
// markets. For every active two-outcome market it fetches both order books
// and looks for YES ask + NO ask < 1: buying both sides locks in a payout
// of 1 per share at expiry, so any combined cost below 1 is risk-free edge
// before fees.
//
// The scanner never places orders. It reports opportunities on a channel
// (for the run loop) and returns them from ScanOnce (for the CLI).
package scanner

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"polymarket-collector/internal/config"
	"polymarket-collector/pkg/types"
)

const (
	// bookChunkSize matches the CLOB /books batch limit.
	bookChunkSize = 20

	// bookFetchConcurrency caps parallel /books requests per scan.
	bookFetchConcurrency = 4
)

var one = decimal.NewFromInt(1)

// marketSource and bookSource are the slices of the upstream client the
// scanner needs.
type marketSource interface {
	GetAllActiveMarkets(ctx context.Context, maxEvents int) ([]json.RawMessage, error)
}

type bookSource interface {
	GetOrderbooks(ctx context.Context, tokenIDs []string) ([]types.BookResponse, error)
}

// gammaMarket is the slice of the Gamma market JSON the scanner reads.
type gammaMarket struct {
	Question     string             `json:"question"`
	ConditionID  string             `json:"conditionId"`
	Slug         string             `json:"slug"`
	Active       bool               `json:"active"`
	Closed       bool               `json:"closed"`
	Outcomes     types.StringOrList `json:"outcomes"`
	ClobTokenIDs types.StringOrList `json:"clobTokenIds"`
}

// Opportunity is one detected YES+NO underpricing.
type Opportunity struct {
	ConditionID  string
	Question     string
	Slug         string
	YesTokenID   string
	NoTokenID    string
	YesAsk       decimal.Decimal
	NoAsk        decimal.Decimal
	CombinedCost decimal.Decimal // YesAsk + NoAsk
	Edge         decimal.Decimal // 1 - CombinedCost
	ProfitPct    decimal.Decimal // Edge / CombinedCost * 100
	MaxSizeUSD   decimal.Decimal // executable size at the best asks
	ScannedAt    time.Time
}

// ScanResult is one scan cycle's output, best edge first.
type ScanResult struct {
	Opportunities []Opportunity
	MarketsTotal  int
	ScannedAt     time.Time
}

// Scanner polls for same-market arbitrage.
type Scanner struct {
	markets  marketSource
	books    bookSource
	cfg      config.ScannerConfig
	logger   *slog.Logger
	resultCh chan ScanResult
}

// New creates a scanner reading markets and books from the upstream client.
func New(markets marketSource, books bookSource, cfg config.ScannerConfig, logger *slog.Logger) *Scanner {
	return &Scanner{
		markets:  markets,
		books:    books,
		cfg:      cfg,
		logger:   logger.With("component", "scanner"),
		resultCh: make(chan ScanResult, 1),
	}
}

// Results returns the channel scan cycles are published on.
func (s *Scanner) Results() <-chan ScanResult {
	return s.resultCh
}

// Run starts the polling loop. Blocks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	s.scan(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

// ScanOnce runs a single scan cycle and returns the result directly.
func (s *Scanner) ScanOnce(ctx context.Context) (ScanResult, error) {
	raw, err := s.markets.GetAllActiveMarkets(ctx, s.cfg.MaxEvents)
	if err != nil {
		return ScanResult{}, err
	}

	candidates := parseCandidates(raw)
	books, err := s.fetchBooks(ctx, candidateTokens(candidates))
	if err != nil {
		return ScanResult{}, err
	}

	now := time.Now().UTC()
	var opps []Opportunity
	for _, c := range candidates {
		yes, okYes := books[c.ClobTokenIDs.Values[0]]
		no, okNo := books[c.ClobTokenIDs.Values[1]]
		if !okYes || !okNo {
			continue
		}
		if opp := evaluate(c, yes, no, s.cfg, now); opp != nil {
			opps = append(opps, *opp)
		}
	}
	sort.Slice(opps, func(i, j int) bool {
		return opps[i].Edge.GreaterThan(opps[j].Edge)
	})

	return ScanResult{
		Opportunities: opps,
		MarketsTotal:  len(candidates),
		ScannedAt:     now,
	}, nil
}

func (s *Scanner) scan(ctx context.Context) {
	result, err := s.ScanOnce(ctx)
	if err != nil {
		s.logger.Error("scan failed", "error", err)
		return
	}

	s.logger.Info("scan complete",
		"markets", result.MarketsTotal,
		"opportunities", len(result.Opportunities),
	)

	// Non-blocking send: replace a stale unread result.
	select {
	case s.resultCh <- result:
	default:
		select {
		case <-s.resultCh:
		default:
		}
		s.resultCh <- result
	}
}

// parseCandidates keeps active, open, binary markets with both token IDs.
func parseCandidates(raw []json.RawMessage) []gammaMarket {
	var out []gammaMarket
	for _, r := range raw {
		var m gammaMarket
		if err := json.Unmarshal(r, &m); err != nil {
			continue
		}
		if !m.Active || m.Closed || m.ConditionID == "" {
			continue
		}
		if !m.ClobTokenIDs.Valid || len(m.ClobTokenIDs.Values) != 2 {
			continue
		}
		if m.ClobTokenIDs.Values[0] == "" || m.ClobTokenIDs.Values[1] == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

func candidateTokens(candidates []gammaMarket) []string {
	tokens := make([]string, 0, len(candidates)*2)
	for _, c := range candidates {
		tokens = append(tokens, c.ClobTokenIDs.Values...)
	}
	return tokens
}

// fetchBooks retrieves order books for all tokens, chunked and in parallel.
// A failed chunk fails the scan: a partial view would hide one leg of a
// pair and misprice the other.
func (s *Scanner) fetchBooks(ctx context.Context, tokenIDs []string) (map[string]types.BookResponse, error) {
	books := make(map[string]types.BookResponse, len(tokenIDs))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(bookFetchConcurrency)

	for start := 0; start < len(tokenIDs); start += bookChunkSize {
		end := min(start+bookChunkSize, len(tokenIDs))
		chunk := tokenIDs[start:end]
		g.Go(func() error {
			resp, err := s.books.GetOrderbooks(ctx, chunk)
			if err != nil {
				return err
			}
			mu.Lock()
			for _, b := range resp {
				books[b.AssetID] = b
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return books, nil
}

// evaluate prices one candidate pair. Nil when either book has no ask, the
// combined cost is not below 1 by at least MinSpread, or the executable
// size is under MinSizeUSD.
func evaluate(m gammaMarket, yes, no types.BookResponse, cfg config.ScannerConfig, now time.Time) *Opportunity {
	yesAsk, yesSize, ok := bestAsk(yes.Asks)
	if !ok {
		return nil
	}
	noAsk, noSize, ok := bestAsk(no.Asks)
	if !ok {
		return nil
	}

	combined := yesAsk.Add(noAsk)
	edge := one.Sub(combined)
	minSpread := decimal.NewFromFloat(cfg.MinSpread)
	if edge.LessThan(minSpread) {
		return nil
	}

	// Executable size is bounded by the thinner best-ask level, in USD.
	yesUSD := yesAsk.Mul(yesSize)
	noUSD := noAsk.Mul(noSize)
	maxSize := decimal.Min(yesUSD, noUSD)
	if maxSize.LessThan(decimal.NewFromFloat(cfg.MinSizeUSD)) {
		return nil
	}

	return &Opportunity{
		ConditionID:  m.ConditionID,
		Question:     m.Question,
		Slug:         m.Slug,
		YesTokenID:   m.ClobTokenIDs.Values[0],
		NoTokenID:    m.ClobTokenIDs.Values[1],
		YesAsk:       yesAsk,
		NoAsk:        noAsk,
		CombinedCost: combined,
		Edge:         edge,
		ProfitPct:    edge.Div(combined).Mul(decimal.NewFromInt(100)),
		MaxSizeUSD:   maxSize,
		ScannedAt:    now,
	}
}

// bestAsk returns the lowest ask price and its size. Levels arrive
// unordered; unparseable levels are skipped.
func bestAsk(levels []types.PriceLevel) (price, size decimal.Decimal, ok bool) {
	for _, lvl := range levels {
		p, err := decimal.NewFromString(lvl.Price)
		if err != nil || !p.IsPositive() {
			continue
		}
		sz, err := decimal.NewFromString(lvl.Size)
		if err != nil {
			continue
		}
		if !ok || p.LessThan(price) {
			price, size, ok = p, sz, true
		}
	}
	return price, size, ok
}
