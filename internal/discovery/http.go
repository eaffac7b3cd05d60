package discovery

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"context"

	"github.com/go-resty/resty/v2"

	"pairharness/internal/domain"
)

// gammaMarket is the JSON shape returned by the Gamma-style market listing
// API: a binary market's metadata plus its current tick size and CLOB token
// IDs.
type gammaMarket struct {
	ID              string `json:"id"`
	ConditionID     string `json:"conditionId"`
	Slug            string `json:"slug"`
	Active          bool   `json:"active"`
	Closed          bool   `json:"closed"`
	AcceptingOrders bool   `json:"acceptingOrders"`
	EndDate         string `json:"endDate"`
	ClobTokenIds    string `json:"clobTokenIds"` // JSON array string: ["yes_id","no_id"]
	OrderPriceMinTickSize float64 `json:"orderPriceMinTickSize"`
}

// HTTPDiscovery is a resty-based client against a Gamma-API-shaped market
// listing endpoint, used to resolve a predictable slug to market metadata
// and to fall back to an active-market scan when the slug isn't listed yet.
type HTTPDiscovery struct {
	client *resty.Client
	logger *slog.Logger
}

// NewHTTPDiscovery creates a discovery client against baseURL.
func NewHTTPDiscovery(baseURL string, logger *slog.Logger) *HTTPDiscovery {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &HTTPDiscovery{
		client: client,
		logger: logger.With("component", "discovery"),
	}
}

// FindBySlug looks up a single market by its exact slug.
func (d *HTTPDiscovery) FindBySlug(ctx context.Context, slug string) (*domain.Market, error) {
	var page []gammaMarket
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"slug": slug}).
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("discovery: find by slug %q: %w", slug, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("discovery: find by slug %q: status %d", slug, resp.StatusCode())
	}
	if len(page) == 0 {
		return nil, nil
	}

	m, err := convertMarket(page[0])
	if err != nil {
		d.logger.Warn("skipping malformed market", "slug", slug, "error", err)
		return nil, nil
	}
	return m, nil
}

// FindActive scans open markets for one matching asset+marketType whose
// slug encodes the nearest future or currently-open window.
func (d *HTTPDiscovery) FindActive(ctx context.Context, asset, marketType string) (*domain.Market, error) {
	prefix := asset + "-updown-" + marketType + "-"

	var page []gammaMarket
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"active":          "true",
			"closed":          "false",
			"accepting_orders": "true",
		}).
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("discovery: find active %s/%s: %w", asset, marketType, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("discovery: find active %s/%s: status %d", asset, marketType, resp.StatusCode())
	}

	var best *gammaMarket
	var bestTS int64
	for i := range page {
		m := page[i]
		if !strings.HasPrefix(m.Slug, prefix) {
			continue
		}
		ts, ok := ExtractSlugTimestamp(m.Slug)
		if !ok {
			continue
		}
		if best == nil || ts < bestTS {
			best = &page[i]
			bestTS = ts
		}
	}
	if best == nil {
		return nil, nil
	}

	mk, err := convertMarket(*best)
	if err != nil {
		d.logger.Warn("skipping malformed market", "slug", best.Slug, "error", err)
		return nil, nil
	}
	return mk, nil
}

func convertMarket(gm gammaMarket) (*domain.Market, error) {
	var tokenIDs []string
	if gm.ClobTokenIds != "" {
		if err := json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs); err != nil {
			return nil, fmt.Errorf("parse clobTokenIds: %w", err)
		}
	}
	if len(tokenIDs) < 2 {
		return nil, fmt.Errorf("market %s: expected 2 clob token ids, got %d", gm.Slug, len(tokenIDs))
	}

	tick := 1 // default: 0.01 -> 1 point
	switch gm.OrderPriceMinTickSize {
	case 0.1:
		tick = 10
	case 0.01:
		tick = 1
	case 0.001, 0.0001:
		tick = 1 // sub-cent ticks collapse to the finest point granularity we track
	}

	settlement, _ := time.Parse(time.RFC3339, gm.EndDate)
	asset := assetFromSlug(gm.Slug)

	return &domain.Market{
		MarketSlug:      gm.Slug,
		ConditionID:     gm.ConditionID,
		CryptoAsset:     asset,
		YesTokenID:      tokenIDs[0],
		NoTokenID:       tokenIDs[1],
		SettlementTime:  settlement,
		TickSizePoints:  tick,
		Active:          gm.Active,
		AcceptingOrders: gm.AcceptingOrders,
	}, nil
}

func assetFromSlug(slug string) string {
	idx := strings.Index(slug, "-updown-")
	if idx < 0 {
		return slug
	}
	return slug[:idx]
}
