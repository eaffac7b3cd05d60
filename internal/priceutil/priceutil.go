// Package priceutil converts between decimal price strings and integer
// points, and implements the tick rounding and trigger clamping rules
// shared by the feed and evaluator packages.
//
// All prices are represented internally as integer points (1 point = $0.01).
// Decimal conversion happens only at the string boundary so the hot path
// works entirely in integers.
package priceutil

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// MaxTriggerPoints is the upper clamp bound for any trigger price.
const MaxTriggerPoints = 99

// PriceToPoints converts a decimal price string (e.g. "0.45") to integer
// points (45) using exact decimal arithmetic.
func PriceToPoints(price string) (int, error) {
	d, err := decimal.NewFromString(price)
	if err != nil {
		return 0, fmt.Errorf("priceutil: parse price %q: %w", price, err)
	}
	return int(d.Mul(decimal.NewFromInt(100)).IntPart()), nil
}

// PointsToPrice converts integer points (45) to a decimal price (0.45).
func PointsToPrice(points int) decimal.Decimal {
	return decimal.NewFromInt(int64(points)).Div(decimal.NewFromInt(100))
}

// RoundToTick floors a raw point value to the nearest tick increment.
// tickSizePoints must be positive.
func RoundToTick(rawPoints float64, tickSizePoints int) (int, error) {
	if tickSizePoints <= 0 {
		return 0, fmt.Errorf("priceutil: tick size must be positive, got %d", tickSizePoints)
	}
	floored := int(math.Floor(rawPoints / float64(tickSizePoints)))
	return floored * tickSizePoints, nil
}

// ClampTrigger clamps a trigger price to the valid range [tickSizePoints, 99].
func ClampTrigger(triggerPoints, tickSizePoints int) int {
	lower := tickSizePoints
	upper := MaxTriggerPoints
	if triggerPoints < lower {
		return lower
	}
	if triggerPoints > upper {
		return upper
	}
	return triggerPoints
}

// MidpointPoints returns the midpoint between a bid and ask in points. The
// result is a float because the midpoint need not land on an integer point
// (e.g. bid=45, ask=46 -> 45.5).
func MidpointPoints(bidPoints, askPoints int) float64 {
	return float64(bidPoints+askPoints) / 2.0
}
