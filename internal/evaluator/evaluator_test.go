package evaluator

import (
	"log/slog"
	"io"
	"testing"
	"time"

	"pairharness/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intp(v int) *int { return &v }

func baseParams() domain.ParameterSet {
	return domain.ParameterSet{
		ID:          1,
		Name:        "baseline",
		S0Points:    1,
		DeltaPoints: 5,
		TriggerRule: domain.TriggerAskTouch,
	}
}

func newEval(params domain.ParameterSet) *Evaluator {
	return New(params, 1, "btc-updown-15m-1000", 1, true, testLogger())
}

func TestEvaluateCycleSkipsOnIncompleteOrderbook(t *testing.T) {
	t.Parallel()

	ev := newEval(baseParams())
	in := CycleInput{YesBid: intp(45)} // missing the rest
	result := ev.EvaluateCycle(in, 1, time.Now(), 500)

	if !result.Skipped {
		t.Fatal("expected cycle to be skipped on incomplete orderbook")
	}
	if result.SkipReason != "orderbook_empty" {
		t.Errorf("SkipReason = %q, want orderbook_empty", result.SkipReason)
	}
}

// yes_trigger is derived from the CURRENT no_ask (100+S0-no_ask) but checked
// against YES's own PERIOD-LOW ask, so an isolated YES fire requires YES to
// have dipped intra-cycle while NO did not.
func TestYesTriggerOpensAttempt(t *testing.T) {
	t.Parallel()

	ev := newEval(baseParams())
	in := CycleInput{
		YesBid: intp(44), YesAsk: intp(46), YesPeriodLowAsk: intp(40),
		NoBid: intp(58), NoAsk: intp(60), NoPeriodLowAsk: intp(60),
	}
	result := ev.EvaluateCycle(in, 1, time.Now(), 500)

	if len(result.NewAttempts) != 1 {
		t.Fatalf("NewAttempts = %d, want 1", len(result.NewAttempts))
	}
	a := result.NewAttempts[0]
	if a.FirstLegSide != domain.SideYES {
		t.Errorf("FirstLegSide = %q, want YES", a.FirstLegSide)
	}
	// yes_trigger = round_to_tick(100+1-60, 1) = 41.
	if a.P1Points != 41 {
		t.Errorf("P1Points = %d, want 41", a.P1Points)
	}
	// PairCap = 100-5 = 95. OppositeMax = 95-41 = 54.
	if a.OppositeTriggerPoints != 54 {
		t.Errorf("OppositeTriggerPoints = %d, want 54", a.OppositeTriggerPoints)
	}
	if a.OppositeSide != domain.SideNO {
		t.Errorf("OppositeSide = %q, want NO", a.OppositeSide)
	}
}

func TestPairingUsesLimitPriceNotTouchedAsk(t *testing.T) {
	t.Parallel()

	ev := newEval(baseParams())
	in := CycleInput{
		YesBid: intp(44), YesAsk: intp(46), YesPeriodLowAsk: intp(40),
		NoBid: intp(58), NoAsk: intp(60), NoPeriodLowAsk: intp(60),
	}
	first := ev.EvaluateCycle(in, 1, time.Now(), 500)
	if len(first.NewAttempts) != 1 {
		t.Fatalf("setup: expected 1 new attempt, got %d", len(first.NewAttempts))
	}
	wantOppTrigger := first.NewAttempts[0].OppositeTriggerPoints

	// Opposite (NO) ask dives well below its trigger — the touched price
	// should NOT become the fill price; the limit (opposite trigger) does.
	in2 := CycleInput{
		YesBid: intp(50), YesAsk: intp(60),
		NoBid: intp(30), NoAsk: intp(35),
	}
	second := ev.EvaluateCycle(in2, 2, time.Now().Add(10*time.Second), 490)

	if len(second.PairedAttempts) != 1 {
		t.Fatalf("PairedAttempts = %d, want 1", len(second.PairedAttempts))
	}
	paired := second.PairedAttempts[0]
	if *paired.ActualOppositePrice != wantOppTrigger {
		t.Errorf("ActualOppositePrice = %d, want limit price %d (not touched ask 35)", *paired.ActualOppositePrice, wantOppTrigger)
	}
	wantCost := paired.P1Points + wantOppTrigger
	if *paired.PairCostPoints != wantCost {
		t.Errorf("PairCostPoints = %d, want %d", *paired.PairCostPoints, wantCost)
	}
	wantProfit := 100 - wantCost
	if *paired.PairProfitPoints != wantProfit {
		t.Errorf("PairProfitPoints = %d, want %d", *paired.PairProfitPoints, wantProfit)
	}
}

func TestSimultaneousTriggerTieBreakFavorsLargerDistance(t *testing.T) {
	t.Parallel()

	params := baseParams()
	params.S0Points = 10 // widen trigger tolerance so both sides can fire together
	ev := newEval(params)

	// yes_trigger = round_to_tick(100+10-no_ask,1); no_trigger = round_to_tick(100+10-yes_ask,1)
	// yes_ask=40, no_ask=40 -> yes_trigger=70, no_trigger=70. Both low asks at 40
	// give yes_dist = 70-40=30, no_dist = 70-40=30 -> tie favors YES.
	in := CycleInput{
		YesBid: intp(38), YesAsk: intp(40),
		NoBid: intp(38), NoAsk: intp(40),
	}
	result := ev.EvaluateCycle(in, 1, time.Now(), 500)

	if len(result.NewAttempts) != 2 {
		t.Fatalf("NewAttempts = %d, want 2 (simultaneous)", len(result.NewAttempts))
	}
	if result.NewAttempts[0].FirstLegSide != domain.SideYES {
		t.Errorf("first attempt side on tie = %q, want YES", result.NewAttempts[0].FirstLegSide)
	}
	if result.NewAttempts[1].FirstLegSide != domain.SideNO {
		t.Errorf("second attempt side on tie = %q, want NO", result.NewAttempts[1].FirstLegSide)
	}
}

func TestTriggerSuppressedWhenAtOrAbovePairCap(t *testing.T) {
	t.Parallel()

	// delta=50 -> pair_cap=50. With S0=1 and no_ask=95, yes_trigger =
	// round_to_tick(100+1-95,1)=6, well under cap, so use a wide S0
	// instead to force the trigger to exceed cap.
	params := baseParams()
	params.DeltaPoints = 49 // pair_cap = 51
	params.S0Points = 40    // yes_trigger = 100+40-no_ask

	ev := newEval(params)
	in := CycleInput{
		YesBid: intp(10), YesAsk: intp(12),
		NoBid: intp(10), NoAsk: intp(12), // yes_trigger = 100+40-12=128 clamp->99 >= pair_cap(51): suppressed
	}
	result := ev.EvaluateCycle(in, 1, time.Now(), 500)

	if len(result.NewAttempts) != 0 {
		t.Fatalf("NewAttempts = %d, want 0 (suppressed by pair cap)", len(result.NewAttempts))
	}
}

func TestStopLossFiresBeforePairingAndUsesConfiguredThreshold(t *testing.T) {
	t.Parallel()

	params := baseParams()
	params.StopLossPoints = 5
	ev := newEval(params)

	in := CycleInput{
		YesBid: intp(44), YesAsk: intp(46), YesPeriodLowAsk: intp(40),
		NoBid: intp(58), NoAsk: intp(60), NoPeriodLowAsk: intp(60),
	}
	first := ev.EvaluateCycle(in, 1, time.Now(), 500)
	if len(first.NewAttempts) != 1 {
		t.Fatalf("setup: expected 1 new attempt, got %d", len(first.NewAttempts))
	}
	p1 := first.NewAttempts[0].P1Points // 41
	wantSLPrice := p1 - 5               // 36

	// First-leg (YES) bid dips to stop-loss price.
	in2 := CycleInput{
		YesBid: intp(wantSLPrice), YesAsk: intp(50),
		NoBid: intp(58), NoAsk: intp(60),
	}
	second := ev.EvaluateCycle(in2, 2, time.Now().Add(10*time.Second), 490)

	if len(second.StoppedOutAttempts) != 1 {
		t.Fatalf("StoppedOutAttempts = %d, want 1", len(second.StoppedOutAttempts))
	}
	stopped := second.StoppedOutAttempts[0]
	if stopped.FailReason == nil || *stopped.FailReason != domain.FailStopLoss {
		t.Errorf("FailReason = %v, want stop_loss", stopped.FailReason)
	}
	if *stopped.PairProfitPoints != -5 {
		t.Errorf("PairProfitPoints = %d, want -5", *stopped.PairProfitPoints)
	}
	if len(second.PairedAttempts) != 0 {
		t.Errorf("attempt should not also appear as paired in the same cycle")
	}
}

func TestProcessSettlementFailsAllActiveAttempts(t *testing.T) {
	t.Parallel()

	ev := newEval(baseParams())
	in := CycleInput{
		YesBid: intp(44), YesAsk: intp(46), YesPeriodLowAsk: intp(40),
		NoBid: intp(58), NoAsk: intp(60), NoPeriodLowAsk: intp(60),
	}
	ev.EvaluateCycle(in, 1, time.Now(), 500)
	if len(ev.ActiveAttempts()) != 1 {
		t.Fatalf("setup: expected 1 active attempt, got %d", len(ev.ActiveAttempts()))
	}

	failed := ev.ProcessSettlement(time.Now(), 0, domain.FailSettlement)
	if len(failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(failed))
	}
	if failed[0].Status != domain.AttemptCompletedFailed {
		t.Errorf("Status = %q, want completed_failed", failed[0].Status)
	}
	if *failed[0].FailReason != domain.FailSettlement {
		t.Errorf("FailReason = %q, want settlement_reached", *failed[0].FailReason)
	}
	if len(ev.ActiveAttempts()) != 0 {
		t.Errorf("active attempts after settlement = %d, want 0", len(ev.ActiveAttempts()))
	}
}

func TestLifecycleRecordsOnlyForPreExistingAttempts(t *testing.T) {
	t.Parallel()

	ev := newEval(baseParams())
	in := CycleInput{
		YesBid: intp(44), YesAsk: intp(46), YesPeriodLowAsk: intp(40),
		NoBid: intp(58), NoAsk: intp(60), NoPeriodLowAsk: intp(60),
	}
	first := ev.EvaluateCycle(in, 1, time.Now(), 500)
	if len(first.LifecycleRecords) != 0 {
		t.Errorf("cycle that creates the attempt should emit 0 lifecycle records, got %d", len(first.LifecycleRecords))
	}

	in2 := CycleInput{
		YesBid: intp(44), YesAsk: intp(47),
		NoBid: intp(58), NoAsk: intp(60),
	}
	second := ev.EvaluateCycle(in2, 2, time.Now().Add(10*time.Second), 490)
	if len(second.LifecycleRecords) != 1 {
		t.Errorf("next cycle should emit 1 lifecycle record for the pre-existing attempt, got %d", len(second.LifecycleRecords))
	}
}

func TestMarkFeedGapFlagsActiveAttempts(t *testing.T) {
	t.Parallel()

	ev := newEval(baseParams())
	in := CycleInput{
		YesBid: intp(44), YesAsk: intp(46), YesPeriodLowAsk: intp(40),
		NoBid: intp(58), NoAsk: intp(60), NoPeriodLowAsk: intp(60),
	}
	ev.EvaluateCycle(in, 1, time.Now(), 500)
	ev.MarkFeedGap()

	for _, a := range ev.ActiveAttempts() {
		if !a.HadFeedGap {
			t.Error("expected HadFeedGap = true after MarkFeedGap")
		}
	}
}
