package models

import "math"

// flatEpsilon is the size below which a position is considered closed.
const flatEpsilon = 1e-9

// Position tracks a signed perp position. Size > 0 is long, < 0 is short.
// Entry price is a weighted average over increasing fills; decreasing
// fills realize PnL against the average without moving it.
type Position struct {
	Size        float64
	AvgEntry    float64
	RealizedPnL float64
	FeesPaid    float64
}

// ApplyFill folds one fill into the position. A fill that crosses zero is
// split into a closing phase and an opening phase so the entry price of
// the new side is the fill price, not a blend.
func (p *Position) ApplyFill(side Side, price, size, fee float64) {
	p.FeesPaid += fee

	signed := size
	if side.IsSell() {
		signed = -size
	}

	for math.Abs(signed) > flatEpsilon {
		switch {
		case math.Abs(p.Size) <= flatEpsilon:
			// Flat: open a new position at the fill price.
			p.Size = signed
			p.AvgEntry = price
			signed = 0
		case sameSign(p.Size, signed):
			// Increasing: weighted-average entry.
			newSize := p.Size + signed
			p.AvgEntry = (math.Abs(p.Size)*p.AvgEntry + math.Abs(signed)*price) / math.Abs(newSize)
			p.Size = newSize
			signed = 0
		default:
			// Decreasing: realize PnL on the closed portion.
			closed := math.Min(math.Abs(signed), math.Abs(p.Size))
			if p.Size > 0 {
				p.RealizedPnL += (price - p.AvgEntry) * closed
				p.Size -= closed
				signed += closed
			} else {
				p.RealizedPnL += (p.AvgEntry - price) * closed
				p.Size += closed
				signed -= closed
			}
			if math.Abs(p.Size) <= flatEpsilon {
				p.Size = 0
				p.AvgEntry = 0
			}
		}
	}
}

// UnrealizedPnL values the open position against mark. Sign carries
// direction: long positions gain as mark rises, shorts as it falls.
func (p *Position) UnrealizedPnL(mark float64) float64 {
	if math.Abs(p.Size) <= flatEpsilon {
		return 0
	}
	return (mark - p.AvgEntry) * p.Size
}

// IsFlat reports whether the position is effectively closed.
func (p *Position) IsFlat() bool {
	return math.Abs(p.Size) <= flatEpsilon
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
