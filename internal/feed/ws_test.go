package feed

import (
	"io"
	"log/slog"
	"testing"

	"pairharness/internal/domain"
)

func testWSLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestApplyBookPicksHighestBidAndLowestAsk(t *testing.T) {
	f := NewWSFeed("wss://example.invalid/ws", testWSLogger())
	f.Track("market-1", "yes-token", "no-token")

	evt := BookEvent{
		EventType: "book",
		AssetID:   "yes-token",
		Bids: []PriceLevel{
			{Price: "0.40", Size: "100"},
			{Price: "0.44", Size: "50"}, // highest bid
			{Price: "0.41", Size: "75"},
		},
		Asks: []PriceLevel{
			{Price: "0.52", Size: "100"},
			{Price: "0.48", Size: "60"}, // lowest ask
			{Price: "0.50", Size: "80"},
		},
	}
	f.applyBook(evt)

	bid, ask, _, _, _ := f.tokenIdx["yes-token"].Current(domain.SideYES)
	if bid == nil || *bid != 44 {
		t.Fatalf("bid = %v, want 44 (best bid is highest price 0.44)", bid)
	}
	if ask == nil || *ask != 48 {
		t.Fatalf("ask = %v, want 48 (best ask is lowest price 0.48)", ask)
	}
}

func TestApplyBookDispatchViaRawMessage(t *testing.T) {
	f := NewWSFeed("wss://example.invalid/ws", testWSLogger())
	f.Track("market-1", "yes-token", "no-token")

	raw := []byte(`{
		"event_type": "book",
		"asset_id": "yes-token",
		"bids": [{"price": "0.30", "size": "10"}, {"price": "0.35", "size": "20"}],
		"asks": [{"price": "0.60", "size": "10"}, {"price": "0.55", "size": "20"}]
	}`)
	f.dispatchMessage(raw)

	bid, ask, _, _, _ := f.tokenIdx["yes-token"].Current(domain.SideYES)
	if bid == nil || *bid != 35 {
		t.Fatalf("bid = %v, want 35", bid)
	}
	if ask == nil || *ask != 55 {
		t.Fatalf("ask = %v, want 55", ask)
	}
}

func TestBestLevelSkipsUnparseablePrices(t *testing.T) {
	levels := []PriceLevel{
		{Price: "not-a-number", Size: "10"},
		{Price: "0.42", Size: "20"},
	}
	v, size := bestLevel(levels, bestMax)
	if v == nil || *v != 42 {
		t.Fatalf("bestLevel = %v, want 42 (skipping the unparseable level)", v)
	}
	if size != "20" {
		t.Errorf("size = %q, want 20", size)
	}
}

func TestBestLevelEmptyReturnsNil(t *testing.T) {
	v, size := bestLevel(nil, bestMax)
	if v != nil || size != "" {
		t.Errorf("bestLevel(nil) = (%v, %q), want (nil, \"\")", v, size)
	}
}
