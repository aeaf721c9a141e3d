// Package collector implements the data collection daemon: four polling
// collectors (market metadata, prices, order books, resolutions), a
// WebSocket trade listener, and the supervisor that keeps them all running.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"polymarket-collector/internal/config"
	"polymarket-collector/pkg/types"
)

// marketLister is the upstream surface shared by the metadata and price
// collectors.
type marketLister interface {
	GetAllActiveMarkets(ctx context.Context, maxEvents int) ([]json.RawMessage, error)
}

type metadataStore interface {
	UpsertMarkets(ctx context.Context, markets []types.Market) (int, error)
}

// MetadataCollector keeps the markets table in sync with the Gamma API.
type MetadataCollector struct {
	client marketLister
	store  metadataStore
	cfg    config.CollectorConfig
	logger *slog.Logger
}

// NewMetadataCollector creates the metadata collector.
func NewMetadataCollector(client marketLister, store metadataStore, cfg config.CollectorConfig, logger *slog.Logger) *MetadataCollector {
	return &MetadataCollector{
		client: client,
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "metadata_collector"),
	}
}

// Name identifies the collector in supervisor stats and logs.
func (c *MetadataCollector) Name() string { return "metadata" }

// Interval returns the polling cadence.
func (c *MetadataCollector) Interval() time.Duration { return c.cfg.MetadataInterval }

// CollectOnce fetches all active markets and upserts them.
// Returns the number of markets written.
func (c *MetadataCollector) CollectOnce(ctx context.Context) (int, error) {
	start := time.Now()

	raws, err := c.client.GetAllActiveMarkets(ctx, c.cfg.MaxMarkets)
	if err != nil {
		return 0, fmt.Errorf("fetch markets: %w", err)
	}

	markets := make([]types.Market, 0, len(raws))
	skipped := 0
	for _, raw := range raws {
		m, ok := extractMarket(raw)
		if !ok {
			skipped++
			continue
		}
		markets = append(markets, *m)
	}
	if skipped > 0 {
		c.logger.Warn("skipped markets without condition id", "count", skipped)
	}

	n, err := c.store.UpsertMarkets(ctx, markets)
	if err != nil {
		return 0, fmt.Errorf("upsert markets: %w", err)
	}

	c.logger.Info("metadata cycle complete",
		"markets", n,
		"skipped", skipped,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return n, nil
}
