// Package supervisor runs one AssetManager per configured crypto asset and
// coordinates their shared shutdown: every manager runs independently, but
// Stop cancels all of them together and waits for every one to drain before
// returning.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"pairharness/internal/assetmanager"
	"pairharness/internal/config"
	"pairharness/internal/discovery"
	"pairharness/internal/domain"
	"pairharness/internal/feed"
	"pairharness/internal/monitor"
)

// DataStore is the persistence surface every asset manager's monitors need.
// Satisfied by *store.Store; declared here (rather than importing the store
// package directly) so the supervisor package stays decoupled from the
// concrete persistence implementation.
type DataStore interface {
	InsertMarket(ctx context.Context, m domain.Market, parameterSetID int, startTime time.Time, timeRemaining, cycleInterval float64) error
	InsertAttemptsBatch(ctx context.Context, marketID string, attempts []*domain.Attempt) error
	UpdateAttemptsPairedBatch(ctx context.Context, attempts []*domain.Attempt) error
	UpdateAttemptsStoppedBatch(ctx context.Context, attempts []*domain.Attempt) error
	UpdateAttemptsFailedBatch(ctx context.Context, attempts []*domain.Attempt) error
	InsertLifecycleBatch(ctx context.Context, records []domain.LifecycleRecord) error
	InsertSnapshot(ctx context.Context, marketID string, snap domain.Snapshot) error
	UpdateMarketSummary(ctx context.Context, marketID string, summary domain.MarketSummary, pairRate, avgTimeToPair *float64, notes string) error
}

// Deps bundles the collaborators every asset manager shares: one store, one
// discovery client, one market-data feed, and an optional event sink for
// human-readable lifecycle notices (e.g. a dashboard or log tailer).
type Deps struct {
	Store     DataStore
	Discovery discovery.Discovery
	Feed      feed.Feed
	EventSink monitor.EventSink
}

// Supervisor fans out one AssetManager per crypto asset and owns their
// shared lifecycle.
type Supervisor struct {
	cfg    *config.Config
	deps   Deps
	runID  string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	managers map[string]*assetmanager.AssetManager
}

// New constructs a Supervisor bound to the assets named in
// cfg.Markets.CryptoAssets, each monitored with every configured parameter
// set. A fresh run ID is minted per Supervisor and stamped onto every
// market summary this process writes, so summaries from one run of the
// harness can be told apart from another (e.g. either side of a restart)
// without a separate run-tracking table.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:      cfg,
		deps:     deps,
		runID:    uuid.NewString(),
		logger:   logger.With("component", "supervisor"),
		ctx:      ctx,
		cancel:   cancel,
		managers: make(map[string]*assetmanager.AssetManager),
	}
}

// Start launches one goroutine per configured asset. Each asset manager
// runs until Stop cancels the shared context; an exhausted discovery retry
// budget starts a new round of discovery rather than ending the manager.
func (s *Supervisor) Start() {
	paramSets := make([]domain.ParameterSet, len(s.cfg.ParameterSets))
	for i, ps := range s.cfg.ParameterSets {
		paramSets[i] = ps.ToDomain()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, asset := range s.cfg.Markets.CryptoAssets {
		am := assetmanager.New(asset, paramSets, s.cfg, s.deps.Store, s.deps.Discovery, s.deps.Feed, s.deps.EventSink, s.runID, s.logger)
		s.managers[asset] = am

		s.wg.Add(1)
		go func(asset string, am *assetmanager.AssetManager) {
			defer s.wg.Done()
			if err := am.Run(s.ctx); err != nil {
				s.logger.Error("asset manager exited with error", "asset", asset, "error", err)
			}
		}(asset, am)
	}
	s.logger.Info("supervisor started", "assets", s.cfg.Markets.CryptoAssets)
}

// Stop cancels every asset manager's context and waits for all of them to
// drain before returning.
func (s *Supervisor) Stop() {
	s.logger.Info("shutting down...")
	s.cancel()
	s.wg.Wait()
	s.logger.Info("shutdown complete")
}

// RunID returns this supervisor's process-lifetime run identifier, stamped
// into every market summary's notes column.
func (s *Supervisor) RunID() string {
	return s.runID
}

// Managers returns the currently running asset managers, keyed by asset.
func (s *Supervisor) Managers() map[string]*assetmanager.AssetManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*assetmanager.AssetManager, len(s.managers))
	for k, v := range s.managers {
		out[k] = v
	}
	return out
}

// TotalAttempts sums TotalAttempts across every asset manager's completed
// markets, for a final session-summary log line.
func (s *Supervisor) TotalAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, am := range s.managers {
		total += am.TotalAttempts()
	}
	return total
}

// TotalPairs sums TotalPairs across every asset manager's completed
// markets.
func (s *Supervisor) TotalPairs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, am := range s.managers {
		total += am.TotalPairs()
	}
	return total
}
