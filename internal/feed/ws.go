package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pairharness/internal/priceutil"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// WSFeed is a gorilla/websocket client for the Polymarket-style market data
// channel. It auto-reconnects with exponential backoff (1s -> 30s cap),
// re-subscribes to all tracked token IDs on reconnect, and routes incoming
// events into the per-market Book each token belongs to.
type WSFeed struct {
	url string

	connMu sync.Mutex
	conn   *websocket.Conn

	booksMu  sync.RWMutex
	books    map[string]*Book   // marketID -> Book
	tokenIdx map[string]*Book   // token ID -> owning Book

	lastMsgMu sync.RWMutex
	lastMsg   time.Time

	logger *slog.Logger
}

// NewWSFeed creates a market-data feed client against the given websocket URL.
func NewWSFeed(wsURL string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:      wsURL,
		books:    make(map[string]*Book),
		tokenIdx: make(map[string]*Book),
		logger:   logger.With("component", "feed"),
	}
}

// Track registers a market's tokens and returns its Book.
func (f *WSFeed) Track(marketID, yesToken, noToken string) *Book {
	b := NewBook(marketID, yesToken, noToken)

	f.booksMu.Lock()
	f.books[marketID] = b
	f.tokenIdx[yesToken] = b
	f.tokenIdx[noToken] = b
	f.booksMu.Unlock()

	if err := f.Subscribe([]string{yesToken, noToken}); err != nil {
		f.logger.Warn("subscribe failed, will resubscribe on next reconnect", "market_id", marketID, "error", err)
	}
	return b
}

// Untrack removes a market's subscriptions.
func (f *WSFeed) Untrack(marketID string) {
	f.booksMu.Lock()
	b, ok := f.books[marketID]
	if ok {
		delete(f.books, marketID)
	}
	f.booksMu.Unlock()
	if !ok {
		return
	}

	var tokens []string
	f.booksMu.Lock()
	for tok, book := range f.tokenIdx {
		if book == b {
			tokens = append(tokens, tok)
		}
	}
	for _, tok := range tokens {
		delete(f.tokenIdx, tok)
	}
	f.booksMu.Unlock()

	if len(tokens) > 0 {
		if err := f.Unsubscribe(tokens); err != nil {
			f.logger.Warn("unsubscribe failed", "market_id", marketID, "error", err)
		}
	}
}

// LastMessageTime reports when the feed last received any message.
func (f *WSFeed) LastMessageTime() time.Time {
	f.lastMsgMu.RLock()
	defer f.lastMsgMu.RUnlock()
	return f.lastMsg
}

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("feed disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds token ID subscriptions.
func (f *WSFeed) Subscribe(tokenIDs []string) error {
	return f.writeJSON(UpdateMsg{AssetIDs: tokenIDs, Operation: "subscribe"})
}

// Unsubscribe removes token ID subscriptions.
func (f *WSFeed) Unsubscribe(tokenIDs []string) error {
	return f.writeJSON(UpdateMsg{AssetIDs: tokenIDs, Operation: "unsubscribe"})
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("feed: dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.Info("feed connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		f.recordMessage()
		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) recordMessage() {
	f.lastMsgMu.Lock()
	f.lastMsg = time.Now()
	f.lastMsgMu.Unlock()
}

func (f *WSFeed) sendInitialSubscription() error {
	f.booksMu.RLock()
	ids := make([]string, 0, len(f.tokenIdx))
	for id := range f.tokenIdx {
		ids = append(ids, id)
	}
	f.booksMu.RUnlock()

	return f.writeJSON(SubscribeMsg{Type: "market", AssetIDs: ids})
}

func (f *WSFeed) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json feed message")
		return
	}

	switch envelope.EventType {
	case "book":
		var evt BookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		f.applyBook(evt)

	case "price_change":
		var evt PriceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		f.applyPriceChange(evt)

	case "last_trade_price":
		var evt LastTradePriceEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal last_trade_price event", "error", err)
			return
		}
		f.applyTrade(evt)

	case "tick_size_change", "new_market", "market_resolved":
		f.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		f.logger.Debug("unknown feed event type", "type", envelope.EventType)
	}
}

func (f *WSFeed) applyBook(evt BookEvent) {
	b := f.bookFor(evt.AssetID)
	if b == nil {
		return
	}
	bid, bidSize := bestLevel(evt.Bids, bestMax)
	ask, askSize := bestLevel(evt.Asks, bestMin)
	b.ApplyBookSnapshot(evt.AssetID, bid, ask, bidSize, askSize)
}

func (f *WSFeed) applyPriceChange(evt PriceChangeEvent) {
	b := f.bookFor(evt.AssetID)
	if b == nil {
		return
	}
	var bid, ask *int
	if v, err := priceutil.PriceToPoints(evt.BestBid); err == nil {
		bid = &v
	}
	if v, err := priceutil.PriceToPoints(evt.BestAsk); err == nil {
		ask = &v
	}
	b.ApplyPriceChange(evt.AssetID, bid, ask)
}

func (f *WSFeed) applyTrade(evt LastTradePriceEvent) {
	b := f.bookFor(evt.AssetID)
	if b == nil {
		return
	}
	v, err := priceutil.PriceToPoints(evt.Price)
	if err != nil {
		return
	}
	b.ApplyTrade(evt.AssetID, v)
}

func (f *WSFeed) bookFor(assetID string) *Book {
	f.booksMu.RLock()
	defer f.booksMu.RUnlock()
	return f.tokenIdx[assetID]
}

// bestMax and bestMin pick the best bid (highest price) and best ask
// (lowest price) respectively among a book snapshot's levels.
func bestMax(a, b int) bool { return b > a }
func bestMin(a, b int) bool { return b < a }

// bestLevel finds the extremal level among levels by points value,
// reporting a tie-break rule via better(current, candidate) -> true if
// candidate should replace current. Levels with unparseable prices are
// skipped. Returns nil, "" if no level is usable.
func bestLevel(levels []PriceLevel, better func(current, candidate int) bool) (*int, string) {
	var (
		bestPoints int
		bestSize   string
		found      bool
	)
	for _, lvl := range levels {
		v, err := priceutil.PriceToPoints(lvl.Price)
		if err != nil {
			continue
		}
		if !found || better(bestPoints, v) {
			bestPoints = v
			bestSize = lvl.Size
			found = true
		}
	}
	if !found {
		return nil, ""
	}
	return &bestPoints, bestSize
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed: not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *WSFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed: not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
