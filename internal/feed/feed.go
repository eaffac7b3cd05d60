package feed

import (
	"context"
	"time"

	"pairharness/internal/domain"
)

// Feed is the read-only market-data collaborator the monitor and evaluator
// depend on. It is implemented by WSFeed (real websocket client) and can be
// substituted with a fake in tests.
type Feed interface {
	// Run connects and maintains the feed until ctx is cancelled, delivering
	// updates to the Book instances registered via Track.
	Run(ctx context.Context) error

	// Track registers a market's token IDs for subscription and returns the
	// Book that will receive its updates.
	Track(marketID, yesToken, noToken string) *Book

	// Untrack removes a market's subscriptions and discards its Book.
	Untrack(marketID string)

	// LastMessageTime reports when the feed last received any message,
	// used by the monitor to detect feed gaps.
	LastMessageTime() time.Time
}

// Snapshot is a convenience bundle of both tokens' current and period-low
// state for one market, read by the evaluator at the top of a cycle.
type Snapshot struct {
	Timestamp time.Time

	YesBid, YesAsk, YesLastTrade         *int
	YesPeriodLowAsk, YesPeriodLowBid     *int
	NoBid, NoAsk, NoLastTrade            *int
	NoPeriodLowAsk, NoPeriodLowBid       *int
}

// Read captures the current state of both sides of a Book into a Snapshot.
func Read(b *Book) Snapshot {
	yb, ya, ylt, ypla, yplb := b.Current(domain.SideYES)
	nb, na, nlt, npla, nplb := b.Current(domain.SideNO)
	return Snapshot{
		Timestamp:        time.Now(),
		YesBid:           yb,
		YesAsk:           ya,
		YesLastTrade:     ylt,
		YesPeriodLowAsk:  ypla,
		YesPeriodLowBid:  yplb,
		NoBid:            nb,
		NoAsk:            na,
		NoLastTrade:      nlt,
		NoPeriodLowAsk:   npla,
		NoPeriodLowBid:   nplb,
	}
}
