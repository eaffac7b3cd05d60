// Pair-trigger measurement harness — continuously monitors Polymarket-style
// up/down crypto markets and records how often a configured "trigger ask
// touched, then opposite side dips to its matching trigger" pattern pairs up
// before settlement.
//
// Architecture:
//
//	main.go                    — entry point: loads config, starts supervisor, waits for SIGINT/SIGTERM
//	supervisor/supervisor.go   — orchestrator: one AssetManager per configured crypto asset
//	assetmanager/assetmanager.go — discover -> monitor -> rotate loop for one asset
//	monitor/monitor.go         — runs one market from first feed data through settlement
//	evaluator/evaluator.go     — per-cycle trigger/pairing/stop-loss state machine
//	feed/ws.go, feed/book.go   — WebSocket order book mirror per market
//	discovery/http.go          — Gamma-API-shaped market discovery client
//	store/store.go             — Postgres persistence for markets, attempts, snapshots
//
// What it measures:
//
//	Each parameter set defines a trigger level on both the YES and NO sides
//	of a market: 100 + S0 minus the other side's current ask, floored to the
//	tick. When one side's ask touches its trigger (and the trigger is below
//	the pair cap of 100 - delta), the harness opens an "attempt" and watches the
//	opposite side for its own trigger to fire before settlement (a pair) or
//	for a stop-loss breach (a stop-out). Results are recorded per market and
//	aggregated across the configured parameter sets for later analysis.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pairharness/internal/config"
	"pairharness/internal/discovery"
	"pairharness/internal/domain"
	"pairharness/internal/feed"
	"pairharness/internal/store"
	"pairharness/internal/supervisor"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("HARNESS_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Store.DSN, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to migrate store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	samplingMode := domain.SamplingMode(cfg.Sampling.Mode)
	for i := range cfg.ParameterSets {
		ps := cfg.ParameterSets[i].ToDomain()
		if err := db.InsertParameterSet(ctx, &ps, samplingMode, cfg.Sampling.CycleIntervalSeconds, cfg.Sampling.CyclesPerMarket, cfg.Quality.FeedGapThresholdSeconds); err != nil {
			logger.Error("failed to register parameter set", "name", ps.Name, "error", err)
			os.Exit(1)
		}
		cfg.ParameterSets[i].Name = ps.Name
	}

	wsFeed := feed.NewWSFeed(cfg.Feed.URL, logger)
	go func() {
		if err := wsFeed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("feed exited", "error", err)
		}
	}()

	disc := discovery.NewHTTPDiscovery(cfg.Discovery.GammaBaseURL, logger)

	eventSink := func(asset, msg string) {
		logger.Info("event", "asset", asset, "message", msg)
	}

	sup := supervisor.New(cfg, supervisor.Deps{
		Store:     db,
		Discovery: disc,
		Feed:      wsFeed,
		EventSink: eventSink,
	}, logger)
	sup.Start()

	logger.Info("measurement harness started",
		"run_id", sup.RunID(),
		"assets", cfg.Markets.CryptoAssets,
		"market_type", cfg.Markets.MarketType,
		"parameter_sets", len(cfg.ParameterSets),
		"sampling_mode", cfg.Sampling.Mode,
	)

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownDone := make(chan struct{})
	go func() {
		sup.Stop()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(30 * time.Second):
		logger.Warn("supervisor did not drain within timeout, exiting anyway")
	}

	logger.Info("harness stopped", "total_attempts", sup.TotalAttempts(), "total_pairs", sup.TotalPairs())
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "warn", "WARN":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
