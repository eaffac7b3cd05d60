// Package assetmanager runs the continuous discover -> monitor -> rotate
// loop for one crypto asset. It owns that asset's 15-minute market
// lifecycle for the life of the process: discover the current window,
// monitor it to settlement, discover the next window, repeat.
package assetmanager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pairharness/internal/config"
	"pairharness/internal/discovery"
	"pairharness/internal/domain"
	"pairharness/internal/feed"
	"pairharness/internal/monitor"
)

// maxDiscoveryRetries bounds how long the manager waits for a market to
// appear before giving up for this rotation. 40 retries at up to 5s each
// is about 200s of worst-case wait.
const maxDiscoveryRetries = 40

// discoveryRetryBaseDelay seeds the linear backoff between retries, capped
// at 5 seconds.
const discoveryRetryBaseDelay = 2 * time.Second

const discoveryRetryCap = 5 * time.Second

// interRotationPause is the brief rest between one market settling and the
// next discovery attempt starting, so logs and dashboards have a clean
// breakpoint between markets.
const interRotationPause = time.Second

// Status is the asset manager's current phase, read by a supervisor or
// status reporter without blocking on internal state.
type Status string

const (
	StatusStarting    Status = "starting"
	StatusDiscovering Status = "discovering"
	StatusMonitoring  Status = "monitoring"
	StatusStopped     Status = "stopped"
)

// AssetManager owns one crypto asset's continuous market rotation.
type AssetManager struct {
	asset     string
	paramSets []domain.ParameterSet
	cfg       *config.Config
	st        dataStore
	disc      discovery.Discovery
	f         feed.Feed
	eventSink monitor.EventSink
	runID     string
	logger    *slog.Logger

	status        Status
	lastSlugTS    int64
	summaries     []domain.MarketSummary
}

// dataStore is the subset of *store.Store the asset manager passes through
// to each market's Monitor.
type dataStore interface {
	InsertMarket(ctx context.Context, m domain.Market, parameterSetID int, startTime time.Time, timeRemaining, cycleInterval float64) error
	InsertAttemptsBatch(ctx context.Context, marketID string, attempts []*domain.Attempt) error
	UpdateAttemptsPairedBatch(ctx context.Context, attempts []*domain.Attempt) error
	UpdateAttemptsStoppedBatch(ctx context.Context, attempts []*domain.Attempt) error
	UpdateAttemptsFailedBatch(ctx context.Context, attempts []*domain.Attempt) error
	InsertLifecycleBatch(ctx context.Context, records []domain.LifecycleRecord) error
	InsertSnapshot(ctx context.Context, marketID string, snap domain.Snapshot) error
	UpdateMarketSummary(ctx context.Context, marketID string, summary domain.MarketSummary, pairRate, avgTimeToPair *float64, notes string) error
}

// New constructs an AssetManager for one crypto asset. runID identifies the
// harness process this manager belongs to and is passed through to every
// Monitor it creates.
func New(asset string, paramSets []domain.ParameterSet, cfg *config.Config, st dataStore, disc discovery.Discovery, f feed.Feed, eventSink monitor.EventSink, runID string, logger *slog.Logger) *AssetManager {
	return &AssetManager{
		asset:     asset,
		paramSets: paramSets,
		cfg:       cfg,
		st:        st,
		disc:      disc,
		f:         f,
		eventSink: eventSink,
		runID:     runID,
		logger:    logger.With("component", "assetmanager", "asset", asset),
		status:    StatusStarting,
	}
}

// Status reports the manager's current phase.
func (a *AssetManager) Status() Status {
	return a.status
}

// Summaries returns every completed market's summary so far.
func (a *AssetManager) Summaries() []domain.MarketSummary {
	return append([]domain.MarketSummary(nil), a.summaries...)
}

// TotalAttempts sums TotalAttempts across all completed markets.
func (a *AssetManager) TotalAttempts() int {
	total := 0
	for _, s := range a.summaries {
		total += s.TotalAttempts
	}
	return total
}

// TotalPairs sums TotalPairs across all completed markets.
func (a *AssetManager) TotalPairs() int {
	total := 0
	for _, s := range a.summaries {
		total += s.TotalPairs
	}
	return total
}

// Run executes the discover -> monitor -> rotate loop until ctx is
// cancelled. It returns nil on a clean shutdown; discovery failing
// exhaustively is logged, not returned as an error, since the supervisor
// treats every asset manager as run-to-completion-or-cancellation.
func (a *AssetManager) Run(ctx context.Context) error {
	a.logger.Info("asset manager started")
	defer func() {
		a.status = StatusStopped
		a.logger.Info("asset manager stopped", "markets_monitored", len(a.summaries), "total_attempts", a.TotalAttempts(), "total_pairs", a.TotalPairs())
	}()

	for ctx.Err() == nil {
		a.status = StatusDiscovering
		market, err := a.discoverWithRetry(ctx)
		if err != nil {
			return fmt.Errorf("discover market for %s: %w", a.asset, err)
		}
		if market == nil {
			continue
		}

		a.status = StatusMonitoring
		ts, ok := discovery.ExtractSlugTimestamp(market.MarketSlug)
		if ok {
			a.lastSlugTS = ts
		}

		m := monitor.New(*market, a.paramSets, a.cfg, a.st, a.f, a.eventSink, a.runID, a.logger)
		summary, err := m.Run(ctx)
		if err != nil {
			a.logger.Error("monitor run failed", "market", market.MarketSlug, "error", err)
		}
		a.summaries = append(a.summaries, summary)
		a.logMarketComplete(market, summary)

		if ctx.Err() != nil {
			return nil
		}

		if a.eventSink != nil {
			a.eventSink(a.asset, fmt.Sprintf("Market %s settled -> discovering next...", market.MarketSlug))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interRotationPause):
		}
	}
	return nil
}

// discoverWithRetry tries a targeted lookup first, then an active-market
// scan, retrying with linear backoff (capped at 5s) until a market is
// found, the retry budget is exhausted, or ctx is cancelled.
func (a *AssetManager) discoverWithRetry(ctx context.Context) (*domain.Market, error) {
	for attempt := 0; attempt < maxDiscoveryRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, nil
		}

		market, err := a.discoverNextMarket(ctx)
		if err != nil {
			a.logger.Warn("discovery error", "attempt", attempt+1, "error", err)
		} else if market != nil {
			if a.eventSink != nil {
				a.eventSink(a.asset, fmt.Sprintf("Discovered %s", market.MarketSlug))
			}
			return market, nil
		}

		delay := discoveryRetryBaseDelay + time.Duration(attempt)*time.Second
		if delay > discoveryRetryCap {
			delay = discoveryRetryCap
		}
		a.logger.Info("no market found, retrying", "attempt", attempt+1, "max_attempts", maxDiscoveryRetries, "delay", delay)

		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(delay):
		}
	}

	a.logger.Warn("failed to find market after retry budget exhausted", "max_attempts", maxDiscoveryRetries)
	return nil, nil
}

func (a *AssetManager) discoverNextMarket(ctx context.Context) (*domain.Market, error) {
	marketType := a.cfg.Markets.MarketType

	if a.lastSlugTS != 0 {
		nextSlug := discovery.NextSlug(a.asset, marketType, a.lastSlugTS)
		market, err := a.disc.FindBySlug(ctx, nextSlug)
		if err != nil {
			return nil, err
		}
		if market != nil {
			return market, nil
		}
	}

	return a.disc.FindActive(ctx, a.asset, marketType)
}

func (a *AssetManager) logMarketComplete(market *domain.Market, summary domain.MarketSummary) {
	var pairRate float64
	if summary.TotalAttempts > 0 {
		pairRate = float64(summary.TotalPairs) / float64(summary.TotalAttempts) * 100
	}
	a.logger.Info("market complete",
		"market", market.MarketSlug,
		"cycles", summary.TotalCyclesRun,
		"attempts", summary.TotalAttempts,
		"pairs", summary.TotalPairs,
		"pair_rate_pct", pairRate,
	)
}
