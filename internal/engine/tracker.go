package engine

import (
	"time"

	"github.com/smohantty/hyperliquid-trading-bot/internal/models"
)

// fullFillFactor treats an order as fully filled once the accumulated
// size reaches this fraction of the target, absorbing a shortfall of up to
// 0.01% of the target from rounding on the exchange side.
const fullFillFactor = 0.9999

// pendingOrder aggregates partial fills for one live cloid.
type pendingOrder struct {
	cloid           models.Cloid
	targetSize      float64
	filledSize      float64
	weightedAvgPx   float64
	accumulatedFees float64
	reduceOnly      bool
	isTaker         bool
	oid             uint64 // 0 until the exchange confirms
	zoneIndex       int    // -1 when not zone-bound
	submittedAt     time.Time
	seenTrades      map[uint64]struct{}
}

// addFill folds one partial fill in, deduplicating by trade id, and
// reports whether the order is now fully filled.
func (p *pendingOrder) addFill(tradeID uint64, price, size, fee float64, taker bool) (applied, full bool) {
	if tradeID != 0 {
		if _, seen := p.seenTrades[tradeID]; seen {
			return false, false
		}
		p.seenTrades[tradeID] = struct{}{}
	}

	newTotal := p.filledSize + size
	if newTotal > 0 {
		p.weightedAvgPx = (p.weightedAvgPx*p.filledSize + price*size) / newTotal
	}
	p.filledSize = newTotal
	p.accumulatedFees += fee
	p.isTaker = p.isTaker || taker

	return true, p.filledSize >= p.targetSize*fullFillFactor
}

// cloidRing is a bounded insertion-ordered cloid set with a minimum
// retention window: entries are evicted only when the ring is over
// capacity and they are older than the window. Backs both the
// completed-LRU (duplicate-fill suppression across reconnect replays) and
// the issued-cloid memory used by reconciliation.
type cloidRing struct {
	capacity  int
	retention time.Duration
	entries   map[models.Cloid]time.Time
	order     []models.Cloid
}

func newCloidRing(capacity int, retention time.Duration) *cloidRing {
	return &cloidRing{
		capacity:  capacity,
		retention: retention,
		entries:   make(map[models.Cloid]time.Time),
	}
}

func (r *cloidRing) Add(cloid models.Cloid, now time.Time) {
	if _, ok := r.entries[cloid]; ok {
		return
	}
	r.entries[cloid] = now
	r.order = append(r.order, cloid)

	for len(r.order) > r.capacity {
		oldest := r.order[0]
		if added, ok := r.entries[oldest]; ok && now.Sub(added) < r.retention {
			break // everything over capacity is still inside the window
		}
		r.order = r.order[1:]
		delete(r.entries, oldest)
	}
}

func (r *cloidRing) Contains(cloid models.Cloid) bool {
	_, ok := r.entries[cloid]
	return ok
}

func (r *cloidRing) Len() int {
	return len(r.entries)
}

// Snapshot returns the tracked cloids, oldest first.
func (r *cloidRing) Snapshot() []models.Cloid {
	out := make([]models.Cloid, len(r.order))
	copy(out, r.order)
	return out
}
