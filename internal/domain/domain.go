// Package domain defines the shared data structures used across the
// discovery, feed, evaluator, store, monitor, assetmanager, and supervisor
// packages — the common vocabulary for a measurement attempt, its market,
// and its parameters. It has no dependency on any other internal package.
package domain

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is a binary market outcome token: YES or NO.
type Side string

const (
	SideYES Side = "YES"
	SideNO  Side = "NO"
)

// Opposite returns the other side of a binary market.
func (s Side) Opposite() Side {
	if s == SideYES {
		return SideNO
	}
	return SideYES
}

// AttemptStatus tracks the lifecycle of a measurement attempt.
type AttemptStatus string

const (
	AttemptActive           AttemptStatus = "active"
	AttemptCompletedPaired  AttemptStatus = "completed_paired"
	AttemptCompletedFailed  AttemptStatus = "completed_failed"
)

// SamplingMode determines how a market's cycle schedule is computed.
type SamplingMode string

const (
	SamplingFixedInterval SamplingMode = "FIXED_INTERVAL" // fixed seconds between cycles
	SamplingFixedCount    SamplingMode = "FIXED_COUNT"     // fixed number of cycles per market
)

// TriggerRule selects how a trigger level is derived. ASK_TOUCH is the only
// rule currently implemented: a side fires when its own ask touches a
// trigger level derived from the opposite side's ask.
type TriggerRule string

const (
	TriggerAskTouch TriggerRule = "ASK_TOUCH"
)

// ReferencePriceSource names the reference price a parameter set is
// configured with. It is stored with the parameter set; the evaluator
// computes reference prices from bid/ask midpoints whichever value is set.
type ReferencePriceSource string

const (
	ReferenceMidpoint  ReferencePriceSource = "MIDPOINT"
	ReferenceLastTrade ReferencePriceSource = "LAST_TRADE"
)

// FailReason enumerates the reasons an attempt completes without pairing.
type FailReason string

const (
	FailStopLoss    FailReason = "stop_loss"
	FailSettlement  FailReason = "settlement_reached"
	FailBotShutdown FailReason = "bot_shutdown"
)

// Time-remaining buckets recorded on an attempt at entry.
const (
	BucketUnder2Min   = "0-120s"
	Bucket2To5Min     = "120-300s"
	Bucket5To10Min    = "300-600s"
	BucketOver10Min   = "600s+"
)

// TimeRemainingBucket classifies seconds-remaining into the fixed buckets
// used for attempt analytics.
func TimeRemainingBucket(secondsRemaining float64) string {
	switch {
	case secondsRemaining < 120:
		return BucketUnder2Min
	case secondsRemaining < 300:
		return Bucket2To5Min
	case secondsRemaining < 600:
		return Bucket5To10Min
	default:
		return BucketOver10Min
	}
}

// ————————————————————————————————————————————————————————————————————————
// Parameters and market metadata
// ————————————————————————————————————————————————————————————————————————

// ParameterSet is one configured combination of measurement parameters.
// Each market is monitored by one TriggerEvaluator per active parameter set.
type ParameterSet struct {
	ID                     int
	Name                   string
	S0Points               int
	DeltaPoints            int
	StopLossPoints         int  // 0 means stop-loss is disabled
	TriggerRule            TriggerRule
	ReferencePriceSource   ReferencePriceSource
}

// PairCapPoints returns the maximum combined cost (100 - delta) above which
// a pairing would yield less than delta points of profit.
func (p ParameterSet) PairCapPoints() int {
	return 100 - p.DeltaPoints
}

// StopLossEnabled reports whether this parameter set has a configured
// stop-loss threshold.
func (p ParameterSet) StopLossEnabled() bool {
	return p.StopLossPoints > 0
}

// Market is the metadata for a discovered 15-minute binary market.
type Market struct {
	ID              int
	MarketSlug      string
	ConditionID     string
	CryptoAsset     string
	YesTokenID      string // long numeric string, always kept as text
	NoTokenID       string
	SettlementTime  time.Time
	TickSizePoints  int
	Active          bool
	AcceptingOrders bool
}

// ————————————————————————————————————————————————————————————————————————
// Order book / snapshot
// ————————————————————————————————————————————————————————————————————————

// TokenOrderBook is the current best-bid/ask/last-trade state for one side
// (YES or NO) of a market, as observed from the feed.
type TokenOrderBook struct {
	AssetID         string
	BestBid         *int // points; nil when unknown
	BestAsk         *int
	BestBidSize     string
	BestAskSize     string
	LastTradePrice  *int
	LastUpdate      time.Time
}

// Snapshot is the orderbook state captured at one measurement cycle,
// persisted for later analysis.
type Snapshot struct {
	MarketID             int
	CycleNumber          int
	Timestamp            time.Time
	YesBidPoints         *int
	YesAskPoints         *int
	NoBidPoints          *int
	NoAskPoints          *int
	YesLastTradePoints   *int
	NoLastTradePoints    *int
	TimeRemainingSeconds float64
	ActiveAttemptsCount  int
	AnomalyFlag          bool
}

// ————————————————————————————————————————————————————————————————————————
// Attempt
// ————————————————————————————————————————————————————————————————————————

// Attempt tracks one measurement attempt: a first leg taken at a trigger
// price, and whether/when the opposite leg paired before expiry or failed.
//
// Seq is an internal monotonic sequence number minted by the evaluator at
// creation time, used to key the closest-approach and MAE rolling trackers.
// It replaces an attempt's row ID (AttemptID) as a tracker key because
// AttemptID is not assigned until the attempt is persisted, while Seq is
// available the instant the attempt exists in memory.
type Attempt struct {
	Seq                  uint64
	AttemptID            int // database-assigned; 0 until persisted
	MarketID             int
	ParameterSetID       int
	CycleNumber          int
	T1Timestamp          time.Time
	FirstLegSide         Side
	P1Points             int
	ReferenceYesPoints   int
	ReferenceNoPoints    int
	OppositeSide         Side
	OppositeTriggerPoints int
	OppositeMaxPoints    int
	Status               AttemptStatus

	T2Timestamp             *time.Time
	T2CycleNumber           *int
	TimeToPairSeconds       *float64
	TimeRemainingAtStart    float64
	TimeRemainingAtCompletion *float64
	ActualOppositePrice     *int
	PairCostPoints          *int
	PairProfitPoints        *int
	FailReason              *FailReason
	HadFeedGap              bool

	ClosestApproachPoints       *int
	ClosestApproachTimestamp    *time.Time
	ClosestApproachCycleNumber  *int

	MaxAdverseExcursionPoints *int
	MAETimestamp              *time.Time
	MAECycleNumber            *int

	TimeRemainingBucket string

	YesSpreadEntryPoints *int
	NoSpreadEntryPoints  *int
	YesSpreadExitPoints  *int
	NoSpreadExitPoints   *int

	DeltaPoints *int
	S0Points    *int

	StopLossThresholdPoints *int // copied from ParameterSet at creation; nil = disabled
	StopLossPricePoints     *int // P1 - StopLossThresholdPoints
}

// LifecycleRecord is a per-cycle tracking row for an attempt that was
// already active when the cycle began. Written only when lifecycle
// tracking is enabled in configuration — high volume, off by default.
type LifecycleRecord struct {
	AttemptID           int
	CycleNumber         int
	Timestamp           time.Time
	OppositeAskPoints   *int
	DistanceToTrigger   *int
	ClosestApproachSoFar *int
}

// MarketSummary is the combined runtime/result state for one monitored
// market, written when the market finishes.
type MarketSummary struct {
	MarketID              int
	TotalAttempts         int
	TotalPairs            int
	TotalFailed           int
	SettlementFailures    int
	TotalCyclesRun        int
	AnomalyCount          int
	MaxConcurrentAttempts int
	MedianTimeToPairSeconds *float64
}
