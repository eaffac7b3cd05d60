package feed

// Wire event shapes for the market-data WebSocket channel. These mirror the
// Polymarket CLOB market channel's JSON payloads: "book" is a full snapshot,
// "price_change" is an incremental update, "last_trade_price" reports a fill.

// PriceLevel is a single bid or ask level. Price and Size are strings on the
// wire to preserve decimal precision; callers convert to points via
// priceutil.PriceToPoints.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookEvent is a full order book snapshot for one token.
type BookEvent struct {
	EventType string       `json:"event_type"` // always "book"
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"`
	Timestamp string       `json:"timestamp"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

// PriceChangeEvent is an incremental best-bid/best-ask update.
type PriceChangeEvent struct {
	EventType string `json:"event_type"` // always "price_change"
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Timestamp string `json:"timestamp"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
}

// LastTradePriceEvent reports the most recent trade for one token.
type LastTradePriceEvent struct {
	EventType string `json:"event_type"` // always "last_trade_price"
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

// SubscribeMsg is the initial subscription message for the market channel.
type SubscribeMsg struct {
	Type     string   `json:"type"` // always "market"
	AssetIDs []string `json:"assets_ids,omitempty"`
}

// UpdateMsg adds or removes asset ID subscriptions after connection.
type UpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}
