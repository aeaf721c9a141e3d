// Polymarket Data Collector — a 24/7 ingestion daemon for Polymarket
// market data, backed by TimescaleDB.
//
// Architecture:
//
//	main.go                 — CLI entry point: collect / scan / run / check / price / book
//	collector/daemon.go     — supervisor: per-collector slots, panic recovery, restart backoff
//	collector/metadata.go   — syncs the markets table from the Gamma API
//	collector/prices.go     — periodic outcome price snapshots
//	collector/orderbooks.go — periodic full book snapshots via CLOB /books
//	collector/resolutions.go— detects resolved markets from closed events
//	collector/trades.go     — real-time trade feed over WebSocket
//	upstream/client.go      — rate-limited REST client with retry taxonomy
//	store/                  — TimescaleDB access layer + embedded migrations
//	analysis/               — features, correlations, and trading signals
//	scanner/scanner.go      — read-only YES+NO arbitrage scanner
//	risk/breaker.go         — circuit breaker with persisted loss limits
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"polymarket-collector/internal/collector"
	"polymarket-collector/internal/config"
	"polymarket-collector/internal/risk"
	"polymarket-collector/internal/scanner"
	"polymarket-collector/internal/store"
	"polymarket-collector/internal/upstream"
	"polymarket-collector/pkg/types"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:           "polymarket-collector",
		Short:         "Polymarket market data collector and analytics toolkit",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "path to config file")

	root.AddCommand(
		collectCmd(),
		scanCmd(),
		runCmd(),
		checkCmd(),
		priceCmd(),
		bookCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

// setup loads and validates config and builds the logger every command
// shares.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	out := os.Stdout
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newUpstream(cfg *config.Config, logger *slog.Logger) *upstream.Client {
	return upstream.NewClient(cfg.Polymarket, upstream.NewLimiters(), logger)
}

// collectCmd runs the ingestion daemon: migrations, all polling collectors,
// and the trade listener, until SIGINT/SIGTERM.
func collectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Run the 24/7 collection daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			st, err := store.Open(ctx, cfg.Database, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Migrate(ctx); err != nil {
				return err
			}

			client := newUpstream(cfg, logger)
			defer client.Close()

			// The resolution tracker pages closed events on its own client
			// and limiters so a resolution backlog cannot starve the
			// metadata, price, and orderbook pollers.
			resolutionClient := newUpstream(cfg, logger)
			defer resolutionClient.Close()

			pollers := []collector.PollingCollector{
				collector.NewMetadataCollector(client, st, cfg.Collector, logger),
				collector.NewPriceCollector(client, st, cfg.Collector, logger),
				collector.NewOrderbookCollector(client, st, cfg.Collector, logger),
				collector.NewResolutionTracker(resolutionClient, st, cfg.Collector, logger),
			}
			newListener := func() collector.TradeRunner {
				return collector.NewTradeListener(cfg.Polymarket.WSHost, st, cfg.Collector, logger)
			}

			logger.Info("polymarket collector starting",
				"price_interval", cfg.Collector.PriceInterval,
				"orderbook_interval", cfg.Collector.OrderbookInterval,
				"max_markets", cfg.Collector.MaxMarkets,
			)
			return collector.NewDaemon(pollers, newListener, logger).Run(ctx)
		},
	}
}

// scanCmd runs one arbitrage scan and prints the opportunities.
func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Scan active markets once for YES+NO underpricing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			client := newUpstream(cfg, logger)
			defer client.Close()

			s := scanner.New(client, client, cfg.Scanner, logger)
			result, err := s.ScanOnce(cmd.Context())
			if err != nil {
				return err
			}

			printOpportunities(result)
			return nil
		},
	}
}

// runCmd runs the scanner continuously, gated by the circuit breaker.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the arbitrage scanner continuously",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			breaker, err := risk.NewBreaker(cfg.Risk, logger)
			if err != nil {
				return err
			}

			client := newUpstream(cfg, logger)
			defer client.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s := scanner.New(client, client, cfg.Scanner, logger)
			go s.Run(ctx)

			logger.Info("scanner running",
				"poll_interval", cfg.Scanner.PollInterval,
				"min_spread", cfg.Scanner.MinSpread,
			)
			for {
				select {
				case <-ctx.Done():
					return nil
				case result := <-s.Results():
					if !breaker.Allowed(time.Now()) {
						snap := breaker.GetSnapshot(time.Now())
						logger.Warn("circuit breaker open, skipping cycle",
							"reason", snap.TripReason,
							"until", snap.TrippedUntil,
						)
						continue
					}
					printOpportunities(result)
				}
			}
		},
	}
}

// checkCmd checks connectivity to the Gamma API, the CLOB API, and the database.
func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify connectivity to upstream APIs and the database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			client := newUpstream(cfg, logger)
			defer client.Close()

			failed := false

			events, err := client.GetEvents(ctx, true, 1, 0)
			report("gamma API", err)
			failed = failed || err != nil

			// The CLOB check needs a real token ID; take one from Gamma.
			if err == nil && len(events) > 0 {
				if token := firstToken(events); token != "" {
					_, err := client.GetOrderbook(ctx, token)
					report("CLOB API", err)
					failed = failed || err != nil
				}
			}

			st, err := store.Open(ctx, cfg.Database, logger)
			report("database", err)
			failed = failed || err != nil
			if err == nil {
				defer st.Close()
			}

			if failed {
				return fmt.Errorf("one or more checks failed")
			}
			return nil
		},
	}
}

// priceCmd prints the current buy/sell prices and midpoint for a token.
func priceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "price <token-id>",
		Short: "Show current prices for a CLOB token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			client := newUpstream(cfg, logger)
			defer client.Close()

			ctx := cmd.Context()
			tokenID := args[0]

			buy, err := client.GetPrice(ctx, tokenID, types.BUY)
			if err != nil {
				return err
			}
			sell, err := client.GetPrice(ctx, tokenID, types.SELL)
			if err != nil {
				return err
			}
			mid, err := client.GetMidpoint(ctx, tokenID)
			if err != nil {
				return err
			}

			fmt.Printf("token:    %s\n", tokenID)
			fmt.Printf("buy:      %.4f\n", buy)
			fmt.Printf("sell:     %.4f\n", sell)
			fmt.Printf("midpoint: %.4f\n", mid)
			return nil
		},
	}
}

// bookCmd prints the top of book for a token.
func bookCmd() *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "book <token-id>",
		Short: "Show the order book for a CLOB token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			client := newUpstream(cfg, logger)
			defer client.Close()

			book, err := client.GetOrderbook(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("token: %s\n\n", book.AssetID)
			fmt.Printf("%-12s %-12s    %-12s %-12s\n", "BID", "SIZE", "ASK", "SIZE")
			for i := 0; i < depth; i++ {
				var bid, bidSize, ask, askSize string
				if i < len(book.Bids) {
					bid, bidSize = book.Bids[i].Price, book.Bids[i].Size
				}
				if i < len(book.Asks) {
					ask, askSize = book.Asks[i].Price, book.Asks[i].Size
				}
				if bid == "" && ask == "" {
					break
				}
				fmt.Printf("%-12s %-12s    %-12s %-12s\n", bid, bidSize, ask, askSize)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 10, "levels to print per side")
	return cmd
}

func report(name string, err error) {
	if err != nil {
		fmt.Printf("FAIL  %-10s %v\n", name, err)
		return
	}
	fmt.Printf("OK    %s\n", name)
}

// firstToken digs the first CLOB token ID out of a Gamma event list.
func firstToken(events []types.GammaEvent) string {
	for _, ev := range events {
		for _, raw := range ev.Markets {
			var m struct {
				ClobTokenIDs types.StringOrList `json:"clobTokenIds"`
			}
			if err := json.Unmarshal(raw, &m); err != nil {
				continue
			}
			if m.ClobTokenIDs.Valid && len(m.ClobTokenIDs.Values) > 0 && m.ClobTokenIDs.Values[0] != "" {
				return m.ClobTokenIDs.Values[0]
			}
		}
	}
	return ""
}

func printOpportunities(result scanner.ScanResult) {
	fmt.Printf("scanned %d markets at %s\n", result.MarketsTotal, result.ScannedAt.Format(time.RFC3339))
	if len(result.Opportunities) == 0 {
		fmt.Println("no opportunities found")
		return
	}

	fmt.Printf("\n%-8s %-8s %-10s %-10s %-12s %s\n",
		"YES", "NO", "COMBINED", "PROFIT%", "MAX_USD", "QUESTION")
	for _, opp := range result.Opportunities {
		fmt.Printf("%-8s %-8s %-10s %-10s %-12s %s\n",
			opp.YesAsk.StringFixed(3),
			opp.NoAsk.StringFixed(3),
			opp.CombinedCost.StringFixed(3),
			opp.ProfitPct.StringFixed(2),
			opp.MaxSizeUSD.StringFixed(0),
			opp.Question,
		)
	}
}
