package strategy

import (
	"time"

	"github.com/smohantty/hyperliquid-trading-bot/internal/market"
	"github.com/smohantty/hyperliquid-trading-bot/internal/models"
)

// Balance is a point-in-time asset balance snapshot.
type Balance struct {
	Total     float64
	Available float64
}

// Context is the capability sandbox handed to strategy callbacks: the
// only surface a strategy may use to read exchange state or stage
// intents. The engine owns it, refreshes the cached balances and market
// info between callbacks, and drains the queues after each one.
// Strategies must not hold references across callbacks, call the exchange
// directly, or spawn goroutines.
type Context struct {
	markets      map[string]*market.Info
	spotBalances map[string]Balance
	perpBalances map[string]Balance
	positions    map[string]models.Position

	orderQueue   []models.OrderRequest
	cancelQueue  []models.Cloid
	zoneBindings map[models.Cloid]int

	now func() time.Time
}

// NewContext builds a context over the given market metadata.
func NewContext(markets map[string]*market.Info) *Context {
	return &Context{
		markets:      markets,
		spotBalances: make(map[string]Balance),
		perpBalances: make(map[string]Balance),
		positions:    make(map[string]models.Position),
		zoneBindings: make(map[models.Cloid]int),
		now:          time.Now,
	}
}

// MarketInfo returns metadata for symbol, or nil if unknown.
func (c *Context) MarketInfo(symbol string) *market.Info {
	return c.markets[symbol]
}

// SpotBalance returns the cached spot balance for an asset.
func (c *Context) SpotBalance(asset string) Balance {
	return c.spotBalances[asset]
}

// PerpBalance returns the cached perp margin balance for an asset.
func (c *Context) PerpBalance(asset string) Balance {
	return c.perpBalances[asset]
}

// PerpAvailable is shorthand for the withdrawable perp margin.
func (c *Context) PerpAvailable(asset string) float64 {
	return c.perpBalances[asset].Available
}

// Position returns the cached exchange-reported position for symbol.
func (c *Context) Position(symbol string) (models.Position, bool) {
	p, ok := c.positions[symbol]
	return p, ok
}

// Positions returns a copy of all cached positions.
func (c *Context) Positions() map[string]models.Position {
	out := make(map[string]models.Position, len(c.positions))
	for k, v := range c.positions {
		out[k] = v
	}
	return out
}

// Now returns the context clock. Injectable for tests.
func (c *Context) Now() time.Time {
	return c.now()
}

// PlaceLimit stages a limit order and returns its freshly issued cloid so
// the caller can record ownership before submission. Price and size are
// rounded to the symbol's trading rules.
func (c *Context) PlaceLimit(symbol string, side models.Side, price, size float64, reduceOnly bool) models.Cloid {
	cloid := models.NewCloid()
	if info := c.markets[symbol]; info != nil {
		price = info.RoundPrice(price)
		size = info.RoundSize(size)
	}
	c.orderQueue = append(c.orderQueue, models.NewLimit(symbol, side, price, size, reduceOnly, cloid))
	return cloid
}

// PlaceMarket stages a market order and returns its cloid.
func (c *Context) PlaceMarket(symbol string, side models.Side, size float64) models.Cloid {
	cloid := models.NewCloid()
	if info := c.markets[symbol]; info != nil {
		size = info.RoundSize(size)
	}
	c.orderQueue = append(c.orderQueue, models.NewMarket(symbol, side, size, cloid))
	return cloid
}

// Cancel stages a cancellation for a previously issued cloid.
func (c *Context) Cancel(cloid models.Cloid) {
	c.cancelQueue = append(c.cancelQueue, cloid)
}

// AttachZone binds a cloid to a zone index so the engine's tracker can
// route the eventual fill back to the owning zone.
func (c *Context) AttachZone(cloid models.Cloid, zoneIndex int) {
	c.zoneBindings[cloid] = zoneIndex
}

// --- Engine-facing surface below. Strategies never call these. ---

// DrainOrders removes and returns all staged order intents, preserving
// the order the strategy enqueued them in.
func (c *Context) DrainOrders() []models.OrderRequest {
	out := c.orderQueue
	c.orderQueue = nil
	return out
}

// DrainCancels removes and returns all staged cancellations.
func (c *Context) DrainCancels() []models.Cloid {
	out := c.cancelQueue
	c.cancelQueue = nil
	return out
}

// TakeZoneBindings removes and returns the cloid-to-zone bindings staged
// since the last drain.
func (c *Context) TakeZoneBindings() map[models.Cloid]int {
	out := c.zoneBindings
	c.zoneBindings = make(map[models.Cloid]int)
	return out
}

// PendingWrites reports whether any intents are staged.
func (c *Context) PendingWrites() bool {
	return len(c.orderQueue) > 0 || len(c.cancelQueue) > 0
}

// SetLastPrice updates the cached last price for symbol.
func (c *Context) SetLastPrice(symbol string, price float64) {
	if info := c.markets[symbol]; info != nil {
		info.LastPrice = price
	}
}

// UpdateSpotBalance refreshes the cached spot balance for an asset.
func (c *Context) UpdateSpotBalance(asset string, total, available float64) {
	c.spotBalances[asset] = Balance{Total: total, Available: available}
}

// UpdatePerpBalance refreshes the cached perp margin balance.
func (c *Context) UpdatePerpBalance(asset string, total, available float64) {
	c.perpBalances[asset] = Balance{Total: total, Available: available}
}

// SetPosition refreshes the cached exchange position for symbol.
func (c *Context) SetPosition(symbol string, pos models.Position) {
	c.positions[symbol] = pos
}

// SetClock overrides the context clock. Test hook.
func (c *Context) SetClock(now func() time.Time) {
	c.now = now
}
