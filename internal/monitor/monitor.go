// Package monitor runs one market from WebSocket connection through
// settlement: it schedules measurement cycles, folds the live feed into a
// shared per-cycle snapshot, hands that snapshot to one trigger evaluator
// per configured parameter set, and flushes their results to the store in
// batches.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"pairharness/internal/config"
	"pairharness/internal/domain"
	"pairharness/internal/evaluator"
	"pairharness/internal/feed"
)

// initialDataTimeout bounds how long the monitor waits for both token
// order books to present valid bid+ask before giving up and running cycles
// on whatever data is available.
const initialDataTimeout = 15 * time.Second

// dataStore is the subset of *store.Store the monitor needs. Declared here,
// at the point of use, so tests can substitute a fake without a database.
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

// EventSink receives human-readable lifecycle notices for one asset, e.g.
// "Attempt #42 PAIRED in 3.2s". Nil disables the hook. This is the harness's
// substitute for the external dashboard collaborator: any consumer (a log
// tailer, a metrics bridge) can subscribe without the monitor depending on
// an HTTP server.
type EventSink func(asset, message string)

// Monitor orchestrates one market's full measurement lifecycle.
type Monitor struct {
	market     domain.Market
	paramSets  []domain.ParameterSet
	cfg        *config.Config
	st         dataStore
	feed       feed.Feed
	eventSink  EventSink
	runID      string
	logger     *slog.Logger

	evaluators    map[int]*evaluator.Evaluator
	primaryPSID   int
	pairTimes     map[int][]float64

	cycleInterval       float64
	totalPlannedCycles  int
	cyclesRun           int
	startTime           time.Time
	timeRemainingAtStart float64
	anomalyCount        int
	wasShutdown         bool
	settlementFailures  int
}

// New constructs a Monitor for one market bound to all configured parameter
// sets. Each parameter set gets its own Evaluator so they track attempts
// independently against the same feed. runID identifies the harness process
// that ran this market (see Run) and is stamped onto the market's summary
// notes so summaries from different runs of the harness (e.g. either side
// of a restart) can be told apart without a separate run-tracking table.
func New(market domain.Market, paramSets []domain.ParameterSet, cfg *config.Config, st dataStore, f feed.Feed, eventSink EventSink, runID string, logger *slog.Logger) *Monitor {
	evaluators := make(map[int]*evaluator.Evaluator, len(paramSets))
	pairTimes := make(map[int][]float64, len(paramSets))
	for _, ps := range paramSets {
		evaluators[ps.ID] = evaluator.New(ps, market.ID, market.MarketSlug, market.TickSizePoints, cfg.Data.EnableLifecycleTracking, logger)
		pairTimes[ps.ID] = nil
	}
	return &Monitor{
		market:      market,
		paramSets:   paramSets,
		cfg:         cfg,
		st:          st,
		feed:        f,
		eventSink:   eventSink,
		runID:       runID,
		logger:      logger.With("component", "monitor", "market", market.MarketSlug),
		evaluators:  evaluators,
		primaryPSID: paramSets[0].ID,
		pairTimes:   pairTimes,
	}
}

// Run executes the full monitoring lifecycle and returns the primary
// parameter set's summary. ctx cancellation triggers a graceful shutdown:
// the in-flight sleep is interrupted, every active attempt is failed with
// reason bot_shutdown, and the summary is still written before returning.
func (m *Monitor) Run(ctx context.Context) (domain.MarketSummary, error) {
	now := time.Now()
	m.timeRemainingAtStart = m.market.SettlementTime.Sub(now).Seconds()

	if m.timeRemainingAtStart <= 0 {
		m.logger.Warn("market already settled")
		return m.buildSummary(), nil
	}
	m.startTime = now
	m.logger.Info("starting monitor", "time_remaining", m.timeRemainingAtStart, "settlement", m.market.SettlementTime)

	m.calculateSchedule()

	book := m.feed.Track(m.market.MarketSlug, m.market.YesTokenID, m.market.NoTokenID)
	defer m.feed.Untrack(m.market.MarketSlug)

	m.waitForInitialData(ctx, book)

	if err := m.st.InsertMarket(ctx, m.market, m.primaryPSID, m.startTime, m.timeRemainingAtStart, m.cycleInterval); err != nil {
		m.logger.Error("failed to insert market row", "error", err)
	}

	if err := m.runCycles(ctx, book); err != nil {
		m.logger.Error("error during cycle execution", "error", err)
	}

	failReason := domain.FailSettlement
	if m.wasShutdown {
		failReason = domain.FailBotShutdown
	}
	if err := m.processSettlement(ctx, failReason); err != nil {
		m.logger.Error("failed to persist settlement failures", "error", err)
	}

	summary := m.buildSummary()
	if err := m.writeSummary(ctx, summary); err != nil {
		m.logger.Error("failed to write market summary", "error", err)
	}

	for psID, ev := range m.evaluators {
		if psID != m.primaryPSID && ev.TotalAttempts > 0 {
			pct := float64(ev.TotalPairs) / float64(max1(ev.TotalAttempts)) * 100
			m.logger.Info("secondary parameter set summary", "attempts", ev.TotalAttempts, "pairs", ev.TotalPairs, "pair_pct", pct)
		}
	}

	return summary, nil
}

func (m *Monitor) calculateSchedule() {
	if m.cfg.Sampling.Mode == "FIXED_COUNT" {
		m.totalPlannedCycles = m.cfg.Sampling.CyclesPerMarket
		m.cycleInterval = m.timeRemainingAtStart / float64(m.totalPlannedCycles)
		if m.cycleInterval < 1.0 {
			m.cycleInterval = 1.0
		}
	} else {
		m.cycleInterval = m.cfg.Sampling.CycleIntervalSeconds
		m.totalPlannedCycles = int(m.timeRemainingAtStart / m.cycleInterval)
		if m.totalPlannedCycles < 1 {
			m.totalPlannedCycles = 1
		}
	}
	m.logger.Info("cycle schedule", "interval", m.cycleInterval, "planned_cycles", m.totalPlannedCycles, "mode", m.cfg.Sampling.Mode)
}

// interruptibleSleep sleeps for duration, returning true if ctx was
// cancelled before the duration elapsed.
func interruptibleSleep(ctx context.Context, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func (m *Monitor) waitForInitialData(ctx context.Context, book *feed.Book) {
	deadline := time.Now().Add(initialDataTimeout)
	for time.Now().Before(deadline) {
		yb, ya, _, _, _ := book.Current(domain.SideYES)
		nb, na, _, _, _ := book.Current(domain.SideNO)
		if yb != nil && ya != nil && nb != nil && na != nil {
			m.logger.Info("initial orderbook ready", "yes_bid", *yb, "yes_ask", *ya, "no_bid", *nb, "no_ask", *na)
			return
		}
		if interruptibleSleep(ctx, 500*time.Millisecond) {
			return
		}
	}
	m.logger.Warn("timeout waiting for initial orderbook data", "timeout", initialDataTimeout)
}

func (m *Monitor) runCycles(ctx context.Context, book *feed.Book) error {
	if err := m.executeCycle(ctx, book); err != nil {
		return err
	}

	for {
		if interruptibleSleep(ctx, time.Duration(m.cycleInterval*float64(time.Second))) {
			m.wasShutdown = true
			m.logger.Info("shutdown during cycle sleep")
			return nil
		}

		timeRemaining := m.market.SettlementTime.Sub(time.Now()).Seconds()
		if timeRemaining <= 0 {
			m.logger.Info("settlement time reached")
			return nil
		}

		if m.detectFeedGap() {
			m.logger.Warn("feed gap detected, skipping cycle", "cycle", m.cyclesRun+1)
			for _, ev := range m.evaluators {
				ev.MarkFeedGap()
			}
			continue
		}

		if err := m.executeCycle(ctx, book); err != nil {
			return err
		}
	}
}

func (m *Monitor) detectFeedGap() bool {
	last := m.feed.LastMessageTime()
	if last.IsZero() {
		return true
	}
	return time.Since(last).Seconds() > m.cfg.Quality.FeedGapThresholdSeconds
}

// executeCycle runs one measurement cycle across all parameter sets and
// flushes the results in batches: at most one insert-attempts, one
// update-paired, one update-stopped, and one lifecycle-insert round-trip,
// regardless of how many parameter sets or attempts fired this cycle.
func (m *Monitor) executeCycle(ctx context.Context, book *feed.Book) error {
	m.cyclesRun++
	now := time.Now()
	timeRemaining := m.market.SettlementTime.Sub(now).Seconds()

	snap := feed.Read(book)
	book.ResetPeriod()
	snap.Timestamp = now

	if m.cyclesRun <= 3 || m.cyclesRun%10 == 0 {
		m.logger.Info("cycle prices", "cycle", m.cyclesRun, "yes_bid", snap.YesBid, "yes_ask", snap.YesAsk, "no_bid", snap.NoBid, "no_ask", snap.NoAsk)
	}

	in := evaluator.CycleInput{
		YesBid: snap.YesBid, YesAsk: snap.YesAsk,
		NoBid: snap.NoBid, NoAsk: snap.NoAsk,
		YesPeriodLowAsk: snap.YesPeriodLowAsk, YesPeriodLowBid: snap.YesPeriodLowBid,
		NoPeriodLowAsk: snap.NoPeriodLowAsk, NoPeriodLowBid: snap.NoPeriodLowBid,
	}

	var allNew, allPaired, allStopped []*domain.Attempt
	var allLifecycle []domain.LifecycleRecord
	hasActivity := false
	primaryActiveCount := 0
	primaryAnomaly := false

	// Sort parameter set ids for deterministic iteration order (map
	// iteration order is randomized, and the order evaluators are walked
	// sets the order of rows in each batched write).
	ids := make([]int, 0, len(m.evaluators))
	for id := range m.evaluators {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, psID := range ids {
		ev := m.evaluators[psID]
		result := ev.EvaluateCycle(in, m.cyclesRun, now, timeRemaining)

		if result.Anomaly {
			m.anomalyCount++
		}

		allNew = append(allNew, result.NewAttempts...)
		for _, a := range result.PairedAttempts {
			if a.TimeToPairSeconds != nil {
				m.pairTimes[psID] = append(m.pairTimes[psID], *a.TimeToPairSeconds)
			}
		}
		allPaired = append(allPaired, result.PairedAttempts...)
		allStopped = append(allStopped, result.StoppedOutAttempts...)
		allLifecycle = append(allLifecycle, result.LifecycleRecords...)

		if psID == m.primaryPSID {
			primaryActiveCount = result.ActiveCount
			primaryAnomaly = result.Anomaly
			if len(result.NewAttempts) > 0 || len(result.PairedAttempts) > 0 {
				hasActivity = true
			}
		}
	}

	if len(allNew) > 0 {
		if err := m.st.InsertAttemptsBatch(ctx, m.market.MarketSlug, allNew); err != nil {
			return fmt.Errorf("insert attempts batch: %w", err)
		}
		for _, a := range allNew {
			if a.ParameterSetID == m.primaryPSID {
				m.pushEvent(fmt.Sprintf("Attempt #%d started (%s first @ %dpts)", a.AttemptID, a.FirstLegSide, a.P1Points))
			}
		}
	}

	if len(allPaired) > 0 {
		if err := m.st.UpdateAttemptsPairedBatch(ctx, allPaired); err != nil {
			return fmt.Errorf("update paired attempts batch: %w", err)
		}
		for _, a := range allPaired {
			if a.ParameterSetID == m.primaryPSID && a.TimeToPairSeconds != nil {
				m.pushEvent(fmt.Sprintf("Attempt #%d PAIRED in %.1fs (cost: %d, profit: %d)", a.AttemptID, *a.TimeToPairSeconds, *a.PairCostPoints, *a.PairProfitPoints))
			}
		}
	}

	if len(allStopped) > 0 {
		if err := m.st.UpdateAttemptsStoppedBatch(ctx, allStopped); err != nil {
			return fmt.Errorf("update stopped attempts batch: %w", err)
		}
	}

	if len(allLifecycle) > 0 {
		if err := m.st.InsertLifecycleBatch(ctx, allLifecycle); err != nil {
			return fmt.Errorf("insert lifecycle batch: %w", err)
		}
	}

	if m.cfg.Data.EnableSnapshots {
		snap2 := domain.Snapshot{
			MarketID: m.market.ID, CycleNumber: m.cyclesRun, Timestamp: now,
			YesBidPoints: snap.YesBid, YesAskPoints: snap.YesAsk,
			NoBidPoints: snap.NoBid, NoAskPoints: snap.NoAsk,
			YesLastTradePoints: snap.YesLastTrade, NoLastTradePoints: snap.NoLastTrade,
			TimeRemainingSeconds: timeRemaining,
			ActiveAttemptsCount:  primaryActiveCount,
			AnomalyFlag:          primaryAnomaly,
		}
		if err := m.st.InsertSnapshot(ctx, m.market.MarketSlug, snap2); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
	}

	if hasActivity {
		ev := m.evaluators[m.primaryPSID]
		pct := float64(ev.TotalPairs) / float64(max1(ev.TotalAttempts)) * 100
		m.logger.Info("cycle summary", "cycle", m.cyclesRun, "planned", m.totalPlannedCycles, "active", len(ev.ActiveAttempts()), "attempts", ev.TotalAttempts, "pairs", ev.TotalPairs, "pair_pct", pct, "time_remaining", timeRemaining)
	}

	return nil
}

func (m *Monitor) pushEvent(msg string) {
	if m.eventSink != nil {
		m.eventSink(m.market.CryptoAsset, msg)
	}
}

func (m *Monitor) processSettlement(ctx context.Context, reason domain.FailReason) error {
	now := time.Now()
	var allFailed []*domain.Attempt
	for psID, ev := range m.evaluators {
		timeRemaining := m.market.SettlementTime.Sub(now).Seconds()
		failed := ev.ProcessSettlement(now, timeRemaining, reason)
		allFailed = append(allFailed, failed...)
		if psID == m.primaryPSID && reason == domain.FailSettlement {
			m.settlementFailures += len(failed)
		}
		if len(failed) > 0 {
			m.logger.Info("settlement finalized attempts", "parameter_set_id", psID, "count", len(failed), "reason", reason)
		}
	}
	if len(allFailed) == 0 {
		return nil
	}
	return m.st.UpdateAttemptsFailedBatch(ctx, allFailed)
}

func (m *Monitor) buildSummary() domain.MarketSummary {
	ev := m.evaluators[m.primaryPSID]
	times := m.pairTimes[m.primaryPSID]

	var median *float64
	if len(times) > 0 {
		sorted := append([]float64(nil), times...)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		var v float64
		if len(sorted)%2 == 0 {
			v = (sorted[mid-1] + sorted[mid]) / 2
		} else {
			v = sorted[mid]
		}
		median = &v
	}

	return domain.MarketSummary{
		MarketID:                m.market.ID,
		TotalAttempts:           ev.TotalAttempts,
		TotalPairs:              ev.TotalPairs,
		TotalFailed:             ev.TotalFailed,
		SettlementFailures:      m.settlementFailures,
		TotalCyclesRun:          m.cyclesRun,
		AnomalyCount:            m.anomalyCount,
		MaxConcurrentAttempts:   ev.MaxConcurrent,
		MedianTimeToPairSeconds: median,
	}
}

func (m *Monitor) writeSummary(ctx context.Context, summary domain.MarketSummary) error {
	var pairRate *float64
	if summary.TotalAttempts > 0 {
		r := float64(summary.TotalPairs) / float64(summary.TotalAttempts)
		pairRate = &r
	}
	var avgTTP *float64
	times := m.pairTimes[m.primaryPSID]
	if len(times) > 0 {
		var sum float64
		for _, t := range times {
			sum += t
		}
		v := sum / float64(len(times))
		avgTTP = &v
	}
	notes := ""
	if m.runID != "" {
		notes = fmt.Sprintf("run=%s", m.runID)
	}
	return m.st.UpdateMarketSummary(ctx, m.market.MarketSlug, summary, pairRate, avgTTP, notes)
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
