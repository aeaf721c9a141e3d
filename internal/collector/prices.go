package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polymarket-collector/internal/config"
	"polymarket-collector/pkg/types"
)

type priceStore interface {
	InsertPriceSnapshots(ctx context.Context, snapshots []types.PriceSnapshot) (int, error)
}

// PriceCollector snapshots every active market's outcome prices straight
// from the Gamma market objects (no per-token CLOB calls needed).
type PriceCollector struct {
	client marketLister
	store  priceStore
	cfg    config.CollectorConfig
	logger *slog.Logger
}

// NewPriceCollector creates the price collector.
func NewPriceCollector(client marketLister, store priceStore, cfg config.CollectorConfig, logger *slog.Logger) *PriceCollector {
	return &PriceCollector{
		client: client,
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "price_collector"),
	}
}

func (c *PriceCollector) Name() string            { return "prices" }
func (c *PriceCollector) Interval() time.Duration { return c.cfg.PriceInterval }

// CollectOnce fetches active markets and bulk-inserts one price row per
// token. All rows in a cycle share one timestamp so cross-token queries
// can join on ts exactly.
func (c *PriceCollector) CollectOnce(ctx context.Context) (int, error) {
	start := time.Now()
	now := start.UTC()

	raws, err := c.client.GetAllActiveMarkets(ctx, c.cfg.MaxMarkets)
	if err != nil {
		return 0, fmt.Errorf("fetch markets: %w", err)
	}

	var snapshots []types.PriceSnapshot
	skipped := 0
	for _, raw := range raws {
		tuples := extractPriceTuples(now, raw)
		if tuples == nil {
			skipped++
			continue
		}
		snapshots = append(snapshots, tuples...)
	}
	if skipped > 0 {
		c.logger.Warn("skipped markets with malformed token or price arrays", "count", skipped)
	}

	n, err := c.store.InsertPriceSnapshots(ctx, snapshots)
	if err != nil {
		return 0, fmt.Errorf("insert price snapshots: %w", err)
	}

	c.logger.Info("price cycle complete",
		"snapshots", n,
		"markets", len(raws),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return n, nil
}
