package feed

import (
	"testing"
	"time"

	"pairharness/internal/domain"
)

const (
	testYesToken = "yes-token-123"
	testNoToken  = "no-token-456"
	testMarket   = "market-abc"
)

func newTestBook() *Book {
	return NewBook(testMarket, testYesToken, testNoToken)
}

func intp(v int) *int { return &v }

func TestApplyBookSnapshot(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplyBookSnapshot(testYesToken, intp(55), intp(57), "100", "150")

	bid, ask, _, _, _ := b.Current(domain.SideYES)
	if bid == nil || *bid != 55 {
		t.Errorf("bid = %v, want 55", bid)
	}
	if ask == nil || *ask != 57 {
		t.Errorf("ask = %v, want 57", ask)
	}
}

func TestApplyPriceChangePartialUpdate(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplyBookSnapshot(testYesToken, intp(55), intp(57), "100", "150")
	b.ApplyPriceChange(testYesToken, nil, intp(58)) // only ask moves

	bid, ask, _, _, _ := b.Current(domain.SideYES)
	if bid == nil || *bid != 55 {
		t.Errorf("bid = %v, want unchanged 55", bid)
	}
	if ask == nil || *ask != 58 {
		t.Errorf("ask = %v, want 58", ask)
	}
}

func TestPeriodLowTracksMinimumAcrossUpdates(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplyBookSnapshot(testYesToken, intp(50), intp(60), "1", "1")
	b.ApplyPriceChange(testYesToken, nil, intp(55)) // dips to 55
	b.ApplyPriceChange(testYesToken, nil, intp(58)) // recovers to 58

	_, ask, _, periodLowAsk, _ := b.Current(domain.SideYES)
	if ask == nil || *ask != 58 {
		t.Errorf("current ask = %v, want 58 (recovered)", ask)
	}
	if periodLowAsk == nil || *periodLowAsk != 55 {
		t.Errorf("period low ask = %v, want 55 (touched then recovered)", periodLowAsk)
	}
}

func TestResetPeriodClearsLows(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplyBookSnapshot(testYesToken, intp(50), intp(60), "1", "1")
	b.ApplyPriceChange(testYesToken, nil, intp(55))
	b.ResetPeriod()

	_, _, _, periodLowAsk, _ := b.Current(domain.SideYES)
	if periodLowAsk != nil {
		t.Errorf("period low ask after reset = %v, want nil", periodLowAsk)
	}

	// The tracker re-seeds from the next update, not from stale current state.
	b.ApplyPriceChange(testYesToken, nil, intp(56))
	_, _, _, periodLowAsk, _ = b.Current(domain.SideYES)
	if periodLowAsk == nil || *periodLowAsk != 56 {
		t.Errorf("period low ask after reset+update = %v, want 56", periodLowAsk)
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	if !b.IsStale(time.Second) {
		t.Error("new book should be stale")
	}

	b.ApplyBookSnapshot(testYesToken, intp(50), intp(60), "1", "1")
	if b.IsStale(time.Second) {
		t.Error("just-updated book should not be stale")
	}

	time.Sleep(50 * time.Millisecond)
	if !b.IsStale(10 * time.Millisecond) {
		t.Error("book should be stale after maxAge")
	}
}

func TestNoTokenIsolatedFromYes(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplyBookSnapshot(testYesToken, intp(50), intp(60), "1", "1")
	b.ApplyBookSnapshot(testNoToken, intp(40), intp(45), "1", "1")

	yesBid, yesAsk, _, _, _ := b.Current(domain.SideYES)
	noBid, noAsk, _, _, _ := b.Current(domain.SideNO)

	if *yesBid != 50 || *yesAsk != 60 {
		t.Errorf("yes side = (%d,%d), want (50,60)", *yesBid, *yesAsk)
	}
	if *noBid != 40 || *noAsk != 45 {
		t.Errorf("no side = (%d,%d), want (40,45)", *noBid, *noAsk)
	}
}
