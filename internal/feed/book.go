// Package feed maintains a local mirror of each monitored market's order
// book and exposes it through the Feed interface the evaluator and monitor
// consume.
//
// Book tracks both the current best bid/ask for a token and the "period
// low" ask/bid: the minimum value observed since the last call to
// ResetPeriod. The trigger evaluator uses the current value when computing
// a new trigger level, and the period-low value when checking whether a
// trigger fired at any point during the cycle that just elapsed — a resting
// limit order can be touched and recover before the next poll, so only the
// extremum captures that.
package feed

import (
	"sync"
	"time"

	"pairharness/internal/domain"
)

// Book maintains local order book state for one market's YES and NO tokens.
type Book struct {
	mu sync.RWMutex

	marketID string
	yesToken string
	noToken  string

	yes sideState
	no  sideState

	updated time.Time
}

type sideState struct {
	bestBid        *int
	bestAsk        *int
	bestBidSize    string
	bestAskSize    string
	lastTradePrice *int

	periodLowAsk *int
	periodLowBid *int
}

// NewBook creates an empty local order book for a market.
func NewBook(marketID, yesToken, noToken string) *Book {
	return &Book{marketID: marketID, yesToken: yesToken, noToken: noToken}
}

// ApplyBookSnapshot replaces the best bid/ask for one token with a full
// snapshot, as received from a "book" WS event or REST response.
func (b *Book) ApplyBookSnapshot(assetID string, bestBidPoints, bestAskPoints *int, bidSize, askSize string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.sideFor(assetID)
	if s == nil {
		return
	}
	s.bestBid = bestBidPoints
	s.bestAsk = bestAskPoints
	s.bestBidSize = bidSize
	s.bestAskSize = askSize
	b.trackPeriodLow(s)
	b.updated = time.Now()
}

// ApplyPriceChange applies an incremental best-bid/best-ask update for one
// token, as received from a "price_change" WS event.
func (b *Book) ApplyPriceChange(assetID string, bestBidPoints, bestAskPoints *int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.sideFor(assetID)
	if s == nil {
		return
	}
	if bestBidPoints != nil {
		s.bestBid = bestBidPoints
	}
	if bestAskPoints != nil {
		s.bestAsk = bestAskPoints
	}
	b.trackPeriodLow(s)
	b.updated = time.Now()
}

// ApplyTrade records the last trade price for one token.
func (b *Book) ApplyTrade(assetID string, pricePoints int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.sideFor(assetID)
	if s == nil {
		return
	}
	p := pricePoints
	s.lastTradePrice = &p
	b.updated = time.Now()
}

func (b *Book) sideFor(assetID string) *sideState {
	switch assetID {
	case b.yesToken:
		return &b.yes
	case b.noToken:
		return &b.no
	default:
		return nil
	}
}

func (b *Book) trackPeriodLow(s *sideState) {
	if s.bestAsk != nil && (s.periodLowAsk == nil || *s.bestAsk < *s.periodLowAsk) {
		v := *s.bestAsk
		s.periodLowAsk = &v
	}
	if s.bestBid != nil && (s.periodLowBid == nil || *s.bestBid < *s.periodLowBid) {
		v := *s.bestBid
		s.periodLowBid = &v
	}
}

// ResetPeriod clears the period-low ask/bid trackers for both tokens. The
// monitor calls this once per cycle boundary, after the evaluator has
// consumed the period-low values for that cycle.
func (b *Book) ResetPeriod() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.yes.periodLowAsk = nil
	b.yes.periodLowBid = nil
	b.no.periodLowAsk = nil
	b.no.periodLowBid = nil
}

// Current returns the best bid, best ask, and last trade price for the
// given side, plus the period-low ask and bid observed since the last reset.
func (b *Book) Current(side domain.Side) (bid, ask, lastTrade, periodLowAsk, periodLowBid *int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := b.yes
	if side == domain.SideNO {
		s = b.no
	}
	return s.bestBid, s.bestAsk, s.lastTradePrice, s.periodLowAsk, s.periodLowBid
}

// IsStale reports whether the book hasn't received any update within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// LastUpdated returns the timestamp of the most recent update of any kind.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}
