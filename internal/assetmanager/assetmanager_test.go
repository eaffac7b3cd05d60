package assetmanager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"pairharness/internal/config"
	"pairharness/internal/domain"
	"pairharness/internal/feed"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Sampling: config.SamplingConfig{Mode: "FIXED_INTERVAL", CycleIntervalSeconds: 10, CyclesPerMarket: 90},
		Quality:  config.QualityConfig{FeedGapThresholdSeconds: 10},
		Markets:  config.MarketsConfig{MarketType: "15m"},
	}
}

func basePS() domain.ParameterSet {
	return domain.ParameterSet{ID: 1, Name: "baseline", S0Points: 1, DeltaPoints: 5, TriggerRule: domain.TriggerAskTouch}
}

type noopStore struct{}

func (noopStore) InsertMarket(ctx context.Context, m domain.Market, parameterSetID int, startTime time.Time, timeRemaining, cycleInterval float64) error {
	return nil
}
func (noopStore) InsertAttemptsBatch(ctx context.Context, marketID string, attempts []*domain.Attempt) error {
	return nil
}
func (noopStore) UpdateAttemptsPairedBatch(ctx context.Context, attempts []*domain.Attempt) error {
	return nil
}
func (noopStore) UpdateAttemptsStoppedBatch(ctx context.Context, attempts []*domain.Attempt) error {
	return nil
}
func (noopStore) UpdateAttemptsFailedBatch(ctx context.Context, attempts []*domain.Attempt) error {
	return nil
}
func (noopStore) InsertLifecycleBatch(ctx context.Context, records []domain.LifecycleRecord) error {
	return nil
}
func (noopStore) InsertSnapshot(ctx context.Context, marketID string, snap domain.Snapshot) error {
	return nil
}
func (noopStore) UpdateMarketSummary(ctx context.Context, marketID string, summary domain.MarketSummary, pairRate, avgTimeToPair *float64, notes string) error {
	return nil
}

type noopFeed struct{}

func (noopFeed) Run(ctx context.Context) error { return nil }
func (noopFeed) Track(marketID, yesToken, noToken string) *feed.Book {
	return feed.NewBook(marketID, yesToken, noToken)
}
func (noopFeed) Untrack(marketID string)          {}
func (noopFeed) LastMessageTime() time.Time       { return time.Now() }

// fakeDiscovery returns a scripted sequence of markets (or errors) from
// FindBySlug/FindActive, recording every call it received.
type fakeDiscovery struct {
	mu         sync.Mutex
	slugCalls  []string
	activeCalls int

	bySlugResults []*domain.Market
	bySlugErr     error
	activeResults []*domain.Market
	activeErr     error
}

func (f *fakeDiscovery) FindBySlug(ctx context.Context, slug string) (*domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slugCalls = append(f.slugCalls, slug)
	if f.bySlugErr != nil {
		return nil, f.bySlugErr
	}
	if len(f.bySlugResults) == 0 {
		return nil, nil
	}
	m := f.bySlugResults[0]
	f.bySlugResults = f.bySlugResults[1:]
	return m, nil
}

func (f *fakeDiscovery) FindActive(ctx context.Context, asset, marketType string) (*domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeCalls++
	if f.activeErr != nil {
		return nil, f.activeErr
	}
	if len(f.activeResults) == 0 {
		return nil, nil
	}
	m := f.activeResults[0]
	f.activeResults = f.activeResults[1:]
	return m, nil
}

func settledMarket(slug string) *domain.Market {
	return &domain.Market{
		ID:             1,
		MarketSlug:     slug,
		CryptoAsset:    "btc",
		YesTokenID:     "111",
		NoTokenID:      "222",
		SettlementTime: time.Now().Add(-time.Millisecond), // already settled: monitor returns instantly
		TickSizePoints: 1,
	}
}

func TestDiscoverNextMarketPrefersSlugOverActive(t *testing.T) {
	t.Parallel()
	disc := &fakeDiscovery{bySlugResults: []*domain.Market{settledMarket("btc-updown-15m-2000")}}
	am := New("btc", []domain.ParameterSet{basePS()}, testConfig(), noopStore{}, disc, noopFeed{}, nil, "test-run", testLogger())
	am.lastSlugTS = 1100

	market, err := am.discoverNextMarket(context.Background())
	if err != nil {
		t.Fatalf("discoverNextMarket: %v", err)
	}
	if market == nil || market.MarketSlug != "btc-updown-15m-2000" {
		t.Fatalf("market = %+v, want slug lookup result", market)
	}
	if disc.activeCalls != 0 {
		t.Errorf("activeCalls = %d, want 0 when slug lookup succeeds", disc.activeCalls)
	}
	if len(disc.slugCalls) != 1 || disc.slugCalls[0] != "btc-updown-15m-2000" {
		t.Errorf("slugCalls = %v, want a single lookup for btc-updown-15m-2000 (1100+900)", disc.slugCalls)
	}
}

func TestDiscoverNextMarketFallsBackToActive(t *testing.T) {
	t.Parallel()
	disc := &fakeDiscovery{activeResults: []*domain.Market{settledMarket("btc-updown-15m-3000")}}
	am := New("btc", []domain.ParameterSet{basePS()}, testConfig(), noopStore{}, disc, noopFeed{}, nil, "test-run", testLogger())
	am.lastSlugTS = 0 // no prior window: must fall back directly

	market, err := am.discoverNextMarket(context.Background())
	if err != nil {
		t.Fatalf("discoverNextMarket: %v", err)
	}
	if market == nil || market.MarketSlug != "btc-updown-15m-3000" {
		t.Fatalf("market = %+v, want active-scan result", market)
	}
	if disc.activeCalls != 1 {
		t.Errorf("activeCalls = %d, want 1", disc.activeCalls)
	}
}

func TestDiscoverWithRetryStopsOnShutdown(t *testing.T) {
	t.Parallel()
	disc := &fakeDiscovery{} // never finds anything
	am := New("btc", []domain.ParameterSet{basePS()}, testConfig(), noopStore{}, disc, noopFeed{}, nil, "test-run", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled

	market, err := am.discoverWithRetry(ctx)
	if err != nil {
		t.Fatalf("discoverWithRetry: %v", err)
	}
	if market != nil {
		t.Errorf("market = %+v, want nil when ctx is already cancelled", market)
	}
}

func TestRunRotatesThroughMarketsUntilShutdown(t *testing.T) {
	t.Parallel()
	disc := &fakeDiscovery{
		activeResults: []*domain.Market{
			settledMarket("btc-updown-15m-1000"),
			settledMarket("btc-updown-15m-1900"),
		},
	}
	var events []string
	var mu sync.Mutex
	sink := func(asset, msg string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, msg)
	}

	cfg := testConfig()
	am := New("btc", []domain.ParameterSet{basePS()}, cfg, noopStore{}, disc, noopFeed{}, sink, "test-run", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- am.Run(ctx) }()

	// Let both scripted markets rotate through (each rotation includes a
	// fixed 1s inter-rotation pause), then cancel so the manager's
	// discovery-exhaustion path returns cleanly instead of looping
	// forever on the (now-empty) fakeDiscovery.
	time.Sleep(1200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if len(am.Summaries()) < 2 {
		t.Fatalf("Summaries() = %d, want at least 2 markets monitored", len(am.Summaries()))
	}
	if am.Status() != StatusStopped {
		t.Errorf("Status() = %v, want StatusStopped", am.Status())
	}
}

func TestRunReturnsNilOnDiscoveryFailure(t *testing.T) {
	t.Parallel()
	disc := &fakeDiscovery{bySlugErr: nil, activeErr: errors.New("boom")}
	am := New("btc", []domain.ParameterSet{basePS()}, testConfig(), noopStore{}, disc, noopFeed{}, nil, "test-run", testLogger())

	// Every attempt errors, so discoverWithRetry logs and keeps retrying;
	// the short ctx timeout cuts the retry wait short instead of waiting
	// out the retry budget.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := am.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v, want nil (discovery exhaustion is not surfaced as an error)", err)
	}
}
