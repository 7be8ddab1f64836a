// Package grid holds the pure price-ladder arithmetic shared by the spot
// and perp strategies, plus the tunable constants that shape order
// placement around the grid.
package grid

import (
	"fmt"
	"math"
)

// Tunables. Percentages are expressed as multiplier offsets (0.001 = 0.1%).
const (
	// MaxOrderRetries is the acquisition retry count past which each
	// further retry is logged as an error; retries do not stop.
	MaxOrderRetries = 5

	// AcquisitionSpread is the limit-price offset from the last price used
	// when acquiring the initial spot inventory.
	AcquisitionSpread = 0.001

	// InvestmentBufferSpot pads the spot quote requirement for rounding.
	InvestmentBufferSpot = 0.001

	// FeeBuffer pads spot sizing for taker fees on acquisition.
	FeeBuffer = 0.0005

	// MinNotionalValue is the exchange's per-order value floor in quote
	// units. Per-zone notional must clear it.
	MinNotionalValue = 11.0
)

// Type selects the level-spacing rule.
type Type string

const (
	Arithmetic Type = "arithmetic"
	Geometric  Type = "geometric"
)

// Bias is the intended net directional exposure of a perp grid.
type Bias string

const (
	Long    Bias = "long"
	Short   Bias = "short"
	Neutral Bias = "neutral"
)

// Markup applies a percentage markup: Markup(100, 0.001) = 100.1.
func Markup(value, pct float64) float64 {
	return value * (1 + pct)
}

// Markdown applies a percentage markdown: Markdown(100, 0.001) = 99.9.
func Markdown(value, pct float64) float64 {
	return value * (1 - pct)
}

// Levels generates count prices over [lower, upper] inclusive. Arithmetic
// grids space levels evenly; geometric grids space them by equal ratio.
// Adjacent pairs define the count-1 zones of the grid.
func Levels(gridType Type, lower, upper float64, count int) []float64 {
	if count < 2 {
		return nil
	}
	prices := make([]float64, count)
	n := float64(count - 1)
	for i := 0; i < count; i++ {
		switch gridType {
		case Geometric:
			prices[i] = lower * math.Pow(upper/lower, float64(i)/n)
		default:
			prices[i] = lower + float64(i)*(upper-lower)/n
		}
	}
	// Pin the endpoints exactly; pow/division drift would otherwise leave
	// the outer zones fractionally inside the configured range.
	prices[0] = lower
	prices[count-1] = upper
	return prices
}

// SpacingPct returns the min and max spacing between adjacent levels as a
// percentage of the lower level. Arithmetic grids have varying percentage
// spacing; geometric grids are constant.
func SpacingPct(gridType Type, lower, upper float64, count int) (minPct, maxPct float64) {
	prices := Levels(gridType, lower, upper, count)
	if len(prices) < 2 {
		return 0, 0
	}
	minPct = math.Inf(1)
	for i := 0; i+1 < len(prices); i++ {
		pct := (prices[i+1] - prices[i]) / prices[i] * 100
		minPct = math.Min(minPct, pct)
		maxPct = math.Max(maxPct, pct)
	}
	return minPct, maxPct
}

// FormatSpacing renders the spacing range for summaries, e.g. "1.23%-1.45%".
func FormatSpacing(gridType Type, lower, upper float64, count int) string {
	minPct, maxPct := SpacingPct(gridType, lower, upper, count)
	if math.Abs(maxPct-minPct) < 0.005 {
		return fmt.Sprintf("%.2f%%", maxPct)
	}
	return fmt.Sprintf("%.2f%%-%.2f%%", minPct, maxPct)
}

// CheckTrigger reports whether price has crossed trigger, given the side
// the strategy started from. Starting below the trigger arms an upward
// cross; starting above arms a downward cross.
func CheckTrigger(current, trigger, start float64) bool {
	if start < trigger {
		return current >= trigger
	}
	return current <= trigger
}
