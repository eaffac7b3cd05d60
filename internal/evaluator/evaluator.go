// Package evaluator implements the trigger evaluator: a pure, stateful
// compute engine that watches a market's order book each cycle, opens
// measurement attempts when a trigger condition fires, and tracks each
// attempt through to pairing, stop-loss, or settlement failure.
//
// An Evaluator holds no I/O — it is fed a CycleInput snapshot each cycle by
// the monitor and returns a CycleResult the monitor persists. One Evaluator
// is created per (market, parameter set) pair.
package evaluator

import (
	"fmt"
	"log/slog"
	"time"

	"pairharness/internal/domain"
	"pairharness/internal/priceutil"
)

// MaxRefSumDeviation is the default tolerance, in points, for the sanity
// check that YES and NO reference prices sum to roughly 100.
const MaxRefSumDeviation = 2

// CycleInput is the order book state an Evaluator consumes at one
// measurement cycle: the current best bid/ask for each side, plus the
// period-low ask/bid observed since the previous cycle.
type CycleInput struct {
	YesBid, YesAsk             *int
	NoBid, NoAsk               *int
	YesPeriodLowAsk, YesPeriodLowBid *int
	NoPeriodLowAsk, NoPeriodLowBid   *int
}

// CycleResult is everything that happened during one evaluate call.
type CycleResult struct {
	NewAttempts        []*domain.Attempt
	PairedAttempts     []*domain.Attempt
	StoppedOutAttempts []*domain.Attempt
	ActiveCount        int
	Skipped            bool
	SkipReason         string
	Anomaly            bool
	AnomalyDetail      string
	LifecycleRecords   []domain.LifecycleRecord
}

// Evaluator is the stateful trigger-evaluation engine for one market and
// one parameter set.
type Evaluator struct {
	params    domain.ParameterSet
	marketID  int
	marketSlug string
	tick      int

	maxRefSumDeviation int
	enableLifecycle    bool

	active []*domain.Attempt

	seqCounter uint64 // mints Attempt.Seq
	idCounter  int    // local attempt numbering, mirrors attempt_id pre-persistence

	closestApproach map[uint64]int
	mae             map[uint64]int

	TotalAttempts int
	TotalPairs    int
	TotalFailed   int
	MaxConcurrent int

	logger *slog.Logger
}

// New creates an Evaluator for one market/parameter-set pair.
func New(params domain.ParameterSet, marketID int, marketSlug string, tickSizePoints int, enableLifecycle bool, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		params:             params,
		marketID:           marketID,
		marketSlug:         marketSlug,
		tick:               tickSizePoints,
		maxRefSumDeviation: MaxRefSumDeviation,
		enableLifecycle:    enableLifecycle,
		closestApproach:    make(map[uint64]int),
		mae:                make(map[uint64]int),
		logger:             logger.With("component", "evaluator", "parameter_set", params.Name),
	}
}

// ActiveAttempts returns the attempts currently being tracked.
func (e *Evaluator) ActiveAttempts() []*domain.Attempt {
	return e.active
}

// EvaluateCycle runs one measurement cycle: validates the order book,
// computes reference prices, checks trigger conditions, opens new attempts,
// sweeps active attempts for stop-loss then for pairing, and updates the
// closest-approach/MAE trackers for everything still active.
func (e *Evaluator) EvaluateCycle(in CycleInput, cycleNumber int, cycleTime time.Time, timeRemaining float64) CycleResult {
	var result CycleResult

	if !hasValidOrderbook(in) {
		result.Skipped = true
		result.SkipReason = "orderbook_empty"
		result.ActiveCount = len(e.active)
		e.logger.Warn("cycle skipped: incomplete orderbook", "cycle", cycleNumber)
		return result
	}

	yesRef := priceutil.MidpointPoints(*in.YesBid, *in.YesAsk)
	noRef := priceutil.MidpointPoints(*in.NoBid, *in.NoAsk)

	refSum := yesRef + noRef
	if abs(refSum-100) > float64(e.maxRefSumDeviation) {
		result.Anomaly = true
		result.AnomalyDetail = fmt.Sprintf("reference_sum_anomaly: %.1f (expected ~100)", refSum)
		e.logger.Warn("reference sum anomaly", "cycle", cycleNumber, "detail", result.AnomalyDetail)
	}

	pairCap := e.params.PairCapPoints()

	yesLowAsk := firstNonNil(in.YesPeriodLowAsk, in.YesAsk)
	noLowAsk := firstNonNil(in.NoPeriodLowAsk, in.NoAsk)

	yesTrigger, _ := priceutil.RoundToTick(float64(100+e.params.S0Points-*in.NoAsk), e.tick)
	yesTrigger = priceutil.ClampTrigger(yesTrigger, e.tick)
	yesTriggered := *yesLowAsk <= yesTrigger

	noTrigger, _ := priceutil.RoundToTick(float64(100+e.params.S0Points-*in.YesAsk), e.tick)
	noTrigger = priceutil.ClampTrigger(noTrigger, e.tick)
	noTriggered := *noLowAsk <= noTrigger

	preExisting := make(map[uint64]bool, len(e.active))
	for _, a := range e.active {
		preExisting[a.Seq] = true
	}

	if yesTriggered && yesTrigger >= pairCap {
		yesTriggered = false
		e.logger.Debug("YES trigger suppressed: exceeds pair cap", "cycle", cycleNumber, "trigger", yesTrigger, "pair_cap", pairCap)
	}
	if noTriggered && noTrigger >= pairCap {
		noTriggered = false
		e.logger.Debug("NO trigger suppressed: exceeds pair cap", "cycle", cycleNumber, "trigger", noTrigger, "pair_cap", pairCap)
	}

	refYes := int(yesRef)
	refNo := int(noRef)
	var newAttempts []*domain.Attempt

	switch {
	case yesTriggered && noTriggered:
		yesDist := yesTrigger - *yesLowAsk
		noDist := noTrigger - *noLowAsk

		var first, second domain.Side
		var firstTrig, secondTrig int
		if yesDist >= noDist {
			first, second = domain.SideYES, domain.SideNO
			firstTrig, secondTrig = yesTrigger, noTrigger
		} else {
			first, second = domain.SideNO, domain.SideYES
			firstTrig, secondTrig = noTrigger, yesTrigger
		}

		newAttempts = append(newAttempts, e.createAttempt(first, firstTrig, refYes, refNo, cycleNumber, cycleTime, timeRemaining, in))
		newAttempts = append(newAttempts, e.createAttempt(second, secondTrig, refYes, refNo, cycleNumber, cycleTime, timeRemaining, in))
		e.logger.Info("simultaneous trigger", "cycle", cycleNumber, "first", first, "second", second)

	case yesTriggered:
		newAttempts = append(newAttempts, e.createAttempt(domain.SideYES, yesTrigger, refYes, refNo, cycleNumber, cycleTime, timeRemaining, in))
		e.logger.Info("YES trigger", "cycle", cycleNumber, "low_ask", *yesLowAsk, "trigger", yesTrigger)

	case noTriggered:
		newAttempts = append(newAttempts, e.createAttempt(domain.SideNO, noTrigger, refYes, refNo, cycleNumber, cycleTime, timeRemaining, in))
		e.logger.Info("NO trigger", "cycle", cycleNumber, "low_ask", *noLowAsk, "trigger", noTrigger)
	}

	e.active = append(e.active, newAttempts...)
	result.NewAttempts = newAttempts

	// Stop-loss sweep — runs before pairing.
	var stoppedOut []*domain.Attempt
	var stillActiveAfterSL []*domain.Attempt
	for _, a := range e.active {
		if a.StopLossPricePoints != nil {
			firstLegLowBid := noLowBidFor(a.FirstLegSide, in)
			if firstLegLowBid != nil && *firstLegLowBid <= *a.StopLossPricePoints {
				e.finalizeStopLoss(a, cycleTime, cycleNumber, timeRemaining, in)
				stoppedOut = append(stoppedOut, a)
				continue
			}
		}
		stillActiveAfterSL = append(stillActiveAfterSL, a)
	}
	e.active = stillActiveAfterSL
	result.StoppedOutAttempts = stoppedOut

	// Pairing sweep.
	var paired []*domain.Attempt
	var stillActive []*domain.Attempt
	for _, a := range e.active {
		oppAsk := lowAskFor(a.OppositeSide, in)
		if oppAsk != nil && *oppAsk <= a.OppositeTriggerPoints {
			e.finalizePaired(a, cycleTime, timeRemaining, in)
			paired = append(paired, a)
		} else {
			stillActive = append(stillActive, a)
		}
	}
	e.active = stillActive
	result.PairedAttempts = paired

	// Closest-approach + MAE tracking for everything still active.
	for _, a := range e.active {
		oppAsk := lowAskFor(a.OppositeSide, in)
		if oppAsk != nil && *oppAsk > 0 {
			dist := *oppAsk - a.OppositeTriggerPoints
			prev, ok := e.closestApproach[a.Seq]
			if !ok || dist < prev {
				e.closestApproach[a.Seq] = dist
			}
			v := e.closestApproach[a.Seq]
			a.ClosestApproachPoints = &v
		}

		firstLegBid := bidFor(a.FirstLegSide, in)
		if firstLegBid != nil && *firstLegBid > 0 {
			adverse := a.P1Points - *firstLegBid
			if adverse < 0 {
				adverse = 0
			}
			prevMAE := e.mae[a.Seq]
			if adverse > prevMAE {
				e.mae[a.Seq] = adverse
			}
			v := e.mae[a.Seq]
			a.MaxAdverseExcursionPoints = &v
		}
	}

	if e.enableLifecycle {
		for _, a := range e.active {
			if !preExisting[a.Seq] {
				continue
			}
			oppAsk := currentAskFor(a.OppositeSide, in)
			var dist *int
			if oppAsk != nil {
				d := *oppAsk - a.OppositeTriggerPoints
				dist = &d
			}
			var closest *int
			if v, ok := e.closestApproach[a.Seq]; ok {
				closest = &v
			}
			result.LifecycleRecords = append(result.LifecycleRecords, domain.LifecycleRecord{
				AttemptID:            a.AttemptID,
				CycleNumber:          cycleNumber,
				Timestamp:            cycleTime,
				OppositeAskPoints:    oppAsk,
				DistanceToTrigger:    dist,
				ClosestApproachSoFar: closest,
			})
		}
	}

	if len(e.active) > e.MaxConcurrent {
		e.MaxConcurrent = len(e.active)
	}
	result.ActiveCount = len(e.active)

	return result
}

// ProcessSettlement marks every remaining active attempt as failed with the
// given reason, finalizing its trackers, and clears the active list.
func (e *Evaluator) ProcessSettlement(settlementTime time.Time, timeRemaining float64, reason domain.FailReason) []*domain.Attempt {
	var failed []*domain.Attempt
	for _, a := range e.active {
		a.Status = domain.AttemptCompletedFailed
		r := reason
		a.FailReason = &r
		a.TimeRemainingAtCompletion = &timeRemaining

		if v, ok := e.closestApproach[a.Seq]; ok {
			a.ClosestApproachPoints = &v
		}
		if v, ok := e.mae[a.Seq]; ok {
			a.MaxAdverseExcursionPoints = &v
		}
		delete(e.closestApproach, a.Seq)
		delete(e.mae, a.Seq)

		e.TotalFailed++
		failed = append(failed, a)
	}
	e.active = nil
	return failed
}

// MarkFeedGap flags every active attempt as having experienced a feed gap.
func (e *Evaluator) MarkFeedGap() {
	for _, a := range e.active {
		a.HadFeedGap = true
	}
}

func (e *Evaluator) finalizePaired(a *domain.Attempt, cycleTime time.Time, timeRemaining float64, in CycleInput) {
	limitFillPrice := a.OppositeTriggerPoints
	a.Status = domain.AttemptCompletedPaired
	a.T2Timestamp = &cycleTime
	elapsed := cycleTime.Sub(a.T1Timestamp).Seconds()
	a.TimeToPairSeconds = &elapsed
	a.ActualOppositePrice = &limitFillPrice
	cost := a.P1Points + limitFillPrice
	a.PairCostPoints = &cost
	profit := 100 - cost
	a.PairProfitPoints = &profit
	a.TimeRemainingAtCompletion = &timeRemaining

	zero := 0
	a.ClosestApproachPoints = &zero

	maeVal := e.mae[a.Seq]
	a.MaxAdverseExcursionPoints = &maeVal

	if in.YesAsk != nil && in.YesBid != nil {
		v := *in.YesAsk - *in.YesBid
		a.YesSpreadExitPoints = &v
	}
	if in.NoAsk != nil && in.NoBid != nil {
		v := *in.NoAsk - *in.NoBid
		a.NoSpreadExitPoints = &v
	}

	e.TotalPairs++
	delete(e.closestApproach, a.Seq)
	delete(e.mae, a.Seq)

	e.logger.Info("attempt paired", "attempt_seq", a.Seq, "first_leg", a.FirstLegSide, "cost", cost, "profit", profit)
}

func (e *Evaluator) finalizeStopLoss(a *domain.Attempt, cycleTime time.Time, cycleNumber int, timeRemaining float64, in CycleInput) {
	a.Status = domain.AttemptCompletedFailed
	reason := domain.FailStopLoss
	a.FailReason = &reason
	a.T2Timestamp = &cycleTime
	elapsed := cycleTime.Sub(a.T1Timestamp).Seconds()
	a.TimeToPairSeconds = &elapsed
	a.TimeRemainingAtCompletion = &timeRemaining
	cost := a.P1Points
	a.PairCostPoints = &cost

	threshold := 0
	if a.StopLossThresholdPoints != nil {
		threshold = *a.StopLossThresholdPoints
	}
	profit := -threshold
	a.PairProfitPoints = &profit

	if v, ok := e.mae[a.Seq]; ok {
		a.MaxAdverseExcursionPoints = &v
	} else {
		a.MaxAdverseExcursionPoints = &threshold
	}
	if v, ok := e.closestApproach[a.Seq]; ok {
		a.ClosestApproachPoints = &v
	}

	if in.YesAsk != nil && in.YesBid != nil {
		v := *in.YesAsk - *in.YesBid
		a.YesSpreadExitPoints = &v
	}
	if in.NoAsk != nil && in.NoBid != nil {
		v := *in.NoAsk - *in.NoBid
		a.NoSpreadExitPoints = &v
	}

	delete(e.closestApproach, a.Seq)
	delete(e.mae, a.Seq)

	e.TotalFailed++
	e.logger.Info("stop loss", "cycle", cycleNumber, "attempt_seq", a.Seq, "first_leg", a.FirstLegSide, "p1", a.P1Points, "loss", threshold)
}

func (e *Evaluator) createAttempt(firstLegSide domain.Side, triggerLevel, refYes, refNo, cycleNumber int, cycleTime time.Time, timeRemaining float64, in CycleInput) *domain.Attempt {
	e.seqCounter++
	e.idCounter++
	e.TotalAttempts++

	p1 := triggerLevel
	oppositeSide := firstLegSide.Opposite()

	oppMax, _ := priceutil.RoundToTick(float64(e.params.PairCapPoints()-p1), e.tick)
	if oppMax > 100 {
		e.logger.Error("impossible opposite max", "opp_max", oppMax, "p1", p1, "pair_cap", e.params.PairCapPoints())
	}
	if oppMax < e.tick {
		e.logger.Warn("pair constraint impossible, flooring to tick", "opp_max", oppMax, "tick", e.tick)
		oppMax = e.tick
	}
	oppTrigger := priceutil.ClampTrigger(oppMax, e.tick)

	var yesSpreadEntry, noSpreadEntry *int
	if in.YesAsk != nil && in.YesBid != nil {
		v := *in.YesAsk - *in.YesBid
		yesSpreadEntry = &v
	}
	if in.NoAsk != nil && in.NoBid != nil {
		v := *in.NoAsk - *in.NoBid
		noSpreadEntry = &v
	}

	var slThreshold, slPrice *int
	if e.params.StopLossEnabled() {
		t := e.params.StopLossPoints
		slThreshold = &t
		p := p1 - t
		slPrice = &p
	}

	delta := e.params.DeltaPoints
	s0 := e.params.S0Points

	a := &domain.Attempt{
		Seq:                   e.seqCounter,
		MarketID:              e.marketID,
		ParameterSetID:        e.params.ID,
		CycleNumber:           cycleNumber,
		T1Timestamp:           cycleTime,
		FirstLegSide:          firstLegSide,
		P1Points:              p1,
		ReferenceYesPoints:    refYes,
		ReferenceNoPoints:     refNo,
		OppositeSide:          oppositeSide,
		OppositeTriggerPoints: oppTrigger,
		OppositeMaxPoints:     oppMax,
		Status:                domain.AttemptActive,
		TimeRemainingAtStart:  timeRemaining,
		TimeRemainingBucket:   domain.TimeRemainingBucket(timeRemaining),
		YesSpreadEntryPoints:  yesSpreadEntry,
		NoSpreadEntryPoints:   noSpreadEntry,
		DeltaPoints:           &delta,
		S0Points:              &s0,
		StopLossThresholdPoints: slThreshold,
		StopLossPricePoints:     slPrice,
	}

	e.logger.Info("new attempt", "seq", a.Seq, "first_leg", firstLegSide, "p1", p1, "opposite", oppositeSide, "opposite_trigger", oppTrigger)

	return a
}

func hasValidOrderbook(in CycleInput) bool {
	fields := []*int{in.YesBid, in.YesAsk, in.NoBid, in.NoAsk}
	for _, f := range fields {
		if f == nil || *f <= 0 {
			return false
		}
	}
	if *in.YesBid >= *in.YesAsk {
		return false
	}
	if *in.NoBid >= *in.NoAsk {
		return false
	}
	return true
}

func firstNonNil(a, b *int) *int {
	if a != nil {
		return a
	}
	return b
}

func lowAskFor(side domain.Side, in CycleInput) *int {
	if side == domain.SideYES {
		return firstNonNil(in.YesPeriodLowAsk, in.YesAsk)
	}
	return firstNonNil(in.NoPeriodLowAsk, in.NoAsk)
}

func currentAskFor(side domain.Side, in CycleInput) *int {
	if side == domain.SideYES {
		return in.YesAsk
	}
	return in.NoAsk
}

func noLowBidFor(side domain.Side, in CycleInput) *int {
	if side == domain.SideYES {
		return firstNonNil(in.YesPeriodLowBid, in.YesBid)
	}
	return firstNonNil(in.NoPeriodLowBid, in.NoBid)
}

func bidFor(side domain.Side, in CycleInput) *int {
	if side == domain.SideYES {
		return in.YesBid
	}
	return in.NoBid
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
