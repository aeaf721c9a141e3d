package collector

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"polymarket-collector/internal/config"
	"polymarket-collector/pkg/types"
)

// bookChunkSize is the CLOB batch endpoint's per-request token limit.
const bookChunkSize = 20

type bookFetcher interface {
	GetOrderbooks(ctx context.Context, tokenIDs []string) ([]types.BookResponse, error)
}

type orderbookStore interface {
	GetActiveMarkets(ctx context.Context, limit int) ([]types.Market, error)
	InsertOrderbookSnapshots(ctx context.Context, snapshots []types.OrderbookSnapshot) (int, error)
}

// OrderbookCollector snapshots the full book for every token of every
// active market, batching CLOB requests in chunks of 20.
type OrderbookCollector struct {
	client bookFetcher
	store  orderbookStore
	cfg    config.CollectorConfig
	logger *slog.Logger
}

// NewOrderbookCollector creates the order book collector.
func NewOrderbookCollector(client bookFetcher, store orderbookStore, cfg config.CollectorConfig, logger *slog.Logger) *OrderbookCollector {
	return &OrderbookCollector{
		client: client,
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "orderbook_collector"),
	}
}

func (c *OrderbookCollector) Name() string            { return "orderbooks" }
func (c *OrderbookCollector) Interval() time.Duration { return c.cfg.OrderbookInterval }

// CollectOnce fetches books for all active tokens chunk by chunk. A failed
// chunk is logged and skipped; the cycle carries on with the rest.
func (c *OrderbookCollector) CollectOnce(ctx context.Context) (int, error) {
	start := time.Now()

	markets, err := c.store.GetActiveMarkets(ctx, c.cfg.MaxMarkets)
	if err != nil {
		return 0, fmt.Errorf("load active markets: %w", err)
	}
	tokens := uniqueTokenIDs(markets)
	if len(tokens) == 0 {
		return 0, nil
	}

	total := 0
	failedChunks := 0
	for _, chunk := range chunkStrings(tokens, bookChunkSize) {
		now := time.Now().UTC()
		books, err := c.client.GetOrderbooks(ctx, chunk)
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			failedChunks++
			c.logger.Warn("orderbook chunk failed", "tokens", len(chunk), "error", err)
			continue
		}

		snapshots := make([]types.OrderbookSnapshot, 0, len(books))
		for _, book := range books {
			snapshots = append(snapshots, bookToSnapshot(now, book))
		}
		n, err := c.store.InsertOrderbookSnapshots(ctx, snapshots)
		if err != nil {
			return total, fmt.Errorf("insert orderbook snapshots: %w", err)
		}
		total += n
	}

	c.logger.Info("orderbook cycle complete",
		"snapshots", total,
		"tokens", len(tokens),
		"failed_chunks", failedChunks,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return total, nil
}

// bookToSnapshot derives spread and midpoint from the top of the book.
// Both stay nil when either side is empty.
func bookToSnapshot(now time.Time, book types.BookResponse) types.OrderbookSnapshot {
	snap := types.OrderbookSnapshot{
		TS:      now,
		TokenID: book.AssetID,
		Bids:    book.Bids,
		Asks:    book.Asks,
	}

	bestBid, bidOK := bestPrice(book.Bids, true)
	bestAsk, askOK := bestPrice(book.Asks, false)
	if bidOK && askOK {
		spread := bestAsk - bestBid
		midpoint := (bestAsk + bestBid) / 2
		snap.Spread = &spread
		snap.Midpoint = &midpoint
	}
	return snap
}

// bestPrice returns the max (bids) or min (asks) price across levels.
// The CLOB does not guarantee level ordering, so scan rather than index.
func bestPrice(levels []types.PriceLevel, wantMax bool) (float64, bool) {
	best := 0.0
	found := false
	for _, lvl := range levels {
		p, err := strconv.ParseFloat(lvl.Price, 64)
		if err != nil {
			continue
		}
		if !found || (wantMax && p > best) || (!wantMax && p < best) {
			best = p
			found = true
		}
	}
	return best, found
}

// uniqueTokenIDs flattens market token lists, preserving first-seen order.
func uniqueTokenIDs(markets []types.Market) []string {
	seen := make(map[string]bool)
	var tokens []string
	for _, m := range markets {
		for _, id := range m.ClobTokenIDs {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			tokens = append(tokens, id)
		}
	}
	return tokens
}

// chunkStrings splits ids into slices of at most size elements.
func chunkStrings(ids []string, size int) [][]string {
	if size <= 0 || len(ids) == 0 {
		return nil
	}
	var chunks [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
