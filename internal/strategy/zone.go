package strategy

import (
	"time"

	"github.com/smohantty/hyperliquid-trading-bot/internal/models"
)

// zoneMode is the operational direction of a perp zone: Long zones buy to
// open and sell to close, Short zones sell to open and buy to close. Spot
// zones are always Long-shaped.
type zoneMode int

const (
	modeLong zoneMode = iota
	modeShort
)

func (m zoneMode) String() string {
	if m == modeShort {
		return "Short"
	}
	return "Long"
}

// failureBackoff is the per-zone retry ladder after an order failure.
// Guards against rejection storms without parking a zone forever.
var failureBackoff = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}

// gridZone is one slice of the price range, run as an independent
// buy-low/sell-high loop. At most one live order per zone at any time.
type gridZone struct {
	index      int
	lowerPrice float64
	upperPrice float64
	size       float64

	pendingSide models.Side
	mode        zoneMode
	entryPrice  float64
	activeCloid models.Cloid

	roundtripCount int
	realizedPnL    float64
	fees           float64

	failCount   int
	retryAt     time.Time
	lastAttempt int64 // tick sequence of the last placement attempt
}

// hasOrder reports whether the zone currently owns a live cloid.
func (z *gridZone) hasOrder() bool {
	return !z.activeCloid.IsZero()
}

// orderPrice is where the pending order rests: buys at the lower bound,
// sells at the upper.
func (z *gridZone) orderPrice() float64 {
	if z.pendingSide.IsBuy() {
		return z.lowerPrice
	}
	return z.upperPrice
}

// reduceOnly reports whether the pending order closes position. Only
// meaningful for perp zones; spot never sets the flag.
func (z *gridZone) reduceOnly() bool {
	if z.mode == modeShort {
		return z.pendingSide.IsBuy()
	}
	return z.pendingSide.IsSell()
}

// recordFailure clears the zone's order slot and arms the retry ladder.
func (z *gridZone) recordFailure(now time.Time) {
	z.activeCloid = models.Cloid{}
	step := z.failCount
	if step >= len(failureBackoff) {
		step = len(failureBackoff) - 1
	}
	z.failCount++
	z.retryAt = now.Add(failureBackoff[step])
}

// clearFailures resets the retry ladder after a successful fill.
func (z *gridZone) clearFailures() {
	z.failCount = 0
	z.retryAt = time.Time{}
}

// canAttempt reports whether the backoff window has passed.
func (z *gridZone) canAttempt(now time.Time) bool {
	return z.retryAt.IsZero() || !now.Before(z.retryAt)
}
