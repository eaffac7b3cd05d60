// Package discovery locates the Polymarket-style 15-minute binary markets
// this harness monitors, by a predictable slug scheme:
//
//	{asset}-updown-{type}-{unix_second}
//
// WindowSeconds is the spacing between consecutive market windows for a
// given asset, used to compute the next expected slug once the current
// market's start timestamp is known.
package discovery

import (
	"context"
	"strconv"
	"strings"

	"pairharness/internal/domain"
)

// WindowSeconds is the spacing between consecutive 15-minute market windows.
const WindowSeconds = 900

// Discovery locates markets by slug or by scanning for the currently active
// one. Implemented by HTTPDiscovery; substitutable with a fake in tests.
type Discovery interface {
	// FindBySlug looks up one market by its exact slug. Returns (nil, nil)
	// if no such market exists yet — not an error condition, since markets
	// for a future window may not be listed until shortly before they open.
	FindBySlug(ctx context.Context, slug string) (*domain.Market, error)

	// FindActive scans for the currently active market for the given asset
	// and market type, used as a fallback when the targeted slug lookup
	// misses (e.g. after a restart with no prior window timestamp).
	FindActive(ctx context.Context, asset, marketType string) (*domain.Market, error)
}

// ExtractSlugTimestamp parses the trailing unix-second timestamp from a
// market slug like "btc-updown-15m-1770356700". Returns false if the slug
// doesn't end in a parseable integer.
func ExtractSlugTimestamp(slug string) (int64, bool) {
	idx := strings.LastIndexByte(slug, '-')
	if idx < 0 || idx == len(slug)-1 {
		return 0, false
	}
	ts, err := strconv.ParseInt(slug[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// NextSlug builds the expected slug for the window immediately following
// the one that started at lastSlugTimestamp.
func NextSlug(asset, marketType string, lastSlugTimestamp int64) string {
	nextTS := lastSlugTimestamp + WindowSeconds
	return asset + "-updown-" + marketType + "-" + strconv.FormatInt(nextTS, 10)
}
