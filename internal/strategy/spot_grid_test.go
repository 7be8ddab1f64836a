package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smohantty/hyperliquid-trading-bot/internal/broadcast"
	"github.com/smohantty/hyperliquid-trading-bot/internal/config"
	"github.com/smohantty/hyperliquid-trading-bot/internal/grid"
	"github.com/smohantty/hyperliquid-trading-bot/internal/market"
	"github.com/smohantty/hyperliquid-trading-bot/internal/models"
)

const spotSymbol = "HYPE/USDC"

func newSpotContext(t *testing.T, lastPrice float64) *Context {
	t.Helper()
	markets := map[string]*market.Info{
		spotSymbol: market.NewSpotInfo(spotSymbol, "@107", 107, 2, 6, "HYPE", "USDC"),
	}
	ctx := NewContext(markets)
	ctx.SetLastPrice(spotSymbol, lastPrice)
	return ctx
}

func spotConfig() config.StrategyConfig {
	return config.StrategyConfig{
		Type:            config.StrategySpotGrid,
		Symbol:          spotSymbol,
		UpperPrice:      110,
		LowerPrice:      90,
		GridType:        grid.Arithmetic,
		GridCount:       5,
		TotalInvestment: 1000,
	}
}

func cloidPtr(c models.Cloid) *models.Cloid { return &c }

// Scenario: sufficient balances, arithmetic grid at price 100. Zones
// split two buy below, two sell above; no acquisition needed.
func TestSpotGridInitSufficientBalance(t *testing.T) {
	ctx := newSpotContext(t, 100.0)
	ctx.UpdateSpotBalance("HYPE", 5, 5)
	ctx.UpdateSpotBalance("USDC", 500, 500)

	s := NewSpotGrid(spotConfig())
	require.NoError(t, s.OnTick(100.0, ctx))

	require.Len(t, s.zones, 4)
	assert.Equal(t, StateRunning, s.State())

	bounds := [][2]float64{{90, 95}, {95, 100}, {100, 105}, {105, 110}}
	for i, b := range bounds {
		assert.Equal(t, b[0], s.zones[i].lowerPrice)
		assert.Equal(t, b[1], s.zones[i].upperPrice)
	}
	assert.Equal(t, models.Buy, s.zones[0].pendingSide)
	assert.Equal(t, models.Buy, s.zones[1].pendingSide)
	assert.Equal(t, models.Sell, s.zones[2].pendingSide)
	assert.Equal(t, models.Sell, s.zones[3].pendingSide)

	// Running state placed one order per zone.
	orders := ctx.DrainOrders()
	assert.Len(t, orders, 4)
	for i := range s.zones {
		assert.True(t, s.zones[i].hasOrder())
	}
}

// Scenario: empty base balance forces a rebalancing limit buy near the
// start price sized to cover the sell-side zones.
func TestSpotGridRebalancingAcquisition(t *testing.T) {
	ctx := newSpotContext(t, 100.0)
	ctx.UpdateSpotBalance("HYPE", 0, 0)
	ctx.UpdateSpotBalance("USDC", 1000, 1000)

	s := NewSpotGrid(spotConfig())
	require.NoError(t, s.OnTick(100.0, ctx))

	assert.Equal(t, StateAcquiringAssets, s.State())
	orders := ctx.DrainOrders()
	require.Len(t, orders, 1)
	acq := orders[0]
	assert.Equal(t, models.KindLimit, acq.Kind)
	assert.Equal(t, models.Buy, acq.Side)
	assert.InDelta(t, 100.0, acq.Price, 0.5, "acquisition rests near the start price")
	assert.InDelta(t, 4.8, acq.Size, 0.3, "sized to the sell-zone inventory requirement")
	assert.Equal(t, s.acq.cloid, acq.Cloid)

	// Fill completes the transition to Running.
	require.NoError(t, s.OnOrderFilled(&models.OrderFill{
		Cloid: cloidPtr(acq.Cloid),
		Side:  models.Buy,
		Price: 100.0,
		Size:  acq.Size,
		Fee:   0.2,
	}, ctx))

	assert.Equal(t, StateRunning, s.State())
	assert.Len(t, ctx.DrainOrders(), 4)
	for i := range s.zones {
		if s.zones[i].pendingSide.IsSell() {
			assert.InDelta(t, 100.0, s.zones[i].entryPrice, 1e-9, "sell zones seeded at the fill price")
		}
	}
	assert.InDelta(t, 0.2, s.totalFees, 1e-9)
}

func TestSpotGridPreflightInsufficientPortfolio(t *testing.T) {
	ctx := newSpotContext(t, 100.0)
	ctx.UpdateSpotBalance("HYPE", 1, 1)
	ctx.UpdateSpotBalance("USDC", 100, 100)

	s := NewSpotGrid(spotConfig())
	err := s.OnTick(100.0, ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPreflight)
}

// A buy fill flips the zone to sell with the fill price as entry; a new
// sell order is enqueued at the upper bound. Realized PnL is untouched.
func TestSpotGridBuyFillFlipsZone(t *testing.T) {
	ctx := newSpotContext(t, 100.0)
	ctx.UpdateSpotBalance("HYPE", 5, 5)
	ctx.UpdateSpotBalance("USDC", 500, 500)

	s := NewSpotGrid(spotConfig())
	require.NoError(t, s.OnTick(100.0, ctx))
	ctx.DrainOrders()

	zone := &s.zones[1] // (95, 100), pending Buy
	buyCloid := zone.activeCloid
	require.False(t, buyCloid.IsZero())

	require.NoError(t, s.OnOrderFilled(&models.OrderFill{
		Cloid: cloidPtr(buyCloid),
		Side:  models.Buy,
		Price: 95.0,
		Size:  2.5,
		Fee:   0.1,
	}, ctx))

	assert.Equal(t, models.Sell, zone.pendingSide)
	assert.InDelta(t, 95.0, zone.entryPrice, 1e-9)
	assert.InDelta(t, 0.0, s.realizedPnL, 1e-9, "buys realize nothing")

	orders := ctx.DrainOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, models.Sell, orders[0].Side)
	assert.InDelta(t, 100.0, orders[0].Price, 1e-9, "counter sell at the upper bound")
}

// A complete buy-then-sell roundtrip realizes (sell-entry)*size - fees
// and increments the zone's roundtrip count.
func TestSpotGridRoundtripRealizesPnL(t *testing.T) {
	ctx := newSpotContext(t, 100.0)
	ctx.UpdateSpotBalance("HYPE", 5, 5)
	ctx.UpdateSpotBalance("USDC", 500, 500)

	s := NewSpotGrid(spotConfig())
	require.NoError(t, s.OnTick(100.0, ctx))
	ctx.DrainOrders()

	zone := &s.zones[1]
	size := zone.size
	require.NoError(t, s.OnOrderFilled(&models.OrderFill{
		Cloid: cloidPtr(zone.activeCloid), Side: models.Buy, Price: 95, Size: size, Fee: 0.05,
	}, ctx))
	ctx.DrainOrders()

	sellCloid := zone.activeCloid
	require.False(t, sellCloid.IsZero())
	require.NoError(t, s.OnOrderFilled(&models.OrderFill{
		Cloid: cloidPtr(sellCloid), Side: models.Sell, Price: 100, Size: size, Fee: 0.05,
	}, ctx))

	expected := (100.0-95.0)*size - 0.05
	assert.InDelta(t, expected, s.realizedPnL, 1e-9)
	assert.Equal(t, 1, zone.roundtripCount)
	assert.Equal(t, models.Buy, zone.pendingSide)
	assert.InDelta(t, 0.1, s.totalFees, 1e-9)
}

// Replaying a fill after delivery must not change strategy state: the
// cloid is no longer active, so the duplicate is ignored.
func TestSpotGridFillReplayIsIdempotent(t *testing.T) {
	ctx := newSpotContext(t, 100.0)
	ctx.UpdateSpotBalance("HYPE", 5, 5)
	ctx.UpdateSpotBalance("USDC", 500, 500)

	s := NewSpotGrid(spotConfig())
	require.NoError(t, s.OnTick(100.0, ctx))
	ctx.DrainOrders()

	zone := &s.zones[0]
	fill := &models.OrderFill{
		Cloid: cloidPtr(zone.activeCloid), Side: models.Buy, Price: 90, Size: zone.size, Fee: 0.1,
	}
	require.NoError(t, s.OnOrderFilled(fill, ctx))

	feesAfter := s.totalFees
	invAfter := s.inventory
	sideAfter := zone.pendingSide

	require.NoError(t, s.OnOrderFilled(fill, ctx))
	assert.Equal(t, feesAfter, s.totalFees)
	assert.Equal(t, invAfter, s.inventory)
	assert.Equal(t, sideAfter, zone.pendingSide)
}

// Failed orders clear the zone slot and arm the backoff ladder; after the
// window passes, the next tick re-attempts placement.
func TestSpotGridFailureBackoffAndRetry(t *testing.T) {
	ctx := newSpotContext(t, 100.0)
	ctx.UpdateSpotBalance("HYPE", 5, 5)
	ctx.UpdateSpotBalance("USDC", 500, 500)

	now := time.Now()
	ctx.SetClock(func() time.Time { return now })

	s := NewSpotGrid(spotConfig())
	require.NoError(t, s.OnTick(100.0, ctx))
	ctx.DrainOrders()

	zone := &s.zones[3] // (105, 110), pending Sell
	failed := zone.activeCloid
	require.NoError(t, s.OnOrderFailed(failed, ctx))
	assert.False(t, zone.hasOrder())
	assert.Equal(t, 1, zone.failCount)

	// Inside the backoff window nothing is re-placed for this zone.
	for i := 0; i < zoneRefreshTicks; i++ {
		require.NoError(t, s.OnTick(100.0, ctx))
	}
	assert.False(t, zone.hasOrder())
	ctx.DrainOrders()

	// Past the window, the zone re-enqueues the same intent.
	now = now.Add(2 * time.Second)
	for i := 0; i < zoneRefreshTicks+1; i++ {
		require.NoError(t, s.OnTick(100.0, ctx))
	}
	assert.True(t, zone.hasOrder())
	orders := ctx.DrainOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, models.Sell, orders[0].Side)
	assert.InDelta(t, 110.0, orders[0].Price, 1e-9)
	assert.NotEqual(t, failed, orders[0].Cloid, "retry uses a fresh cloid")
}

// Above the range no new buys are placed; sells stay live. Symmetric
// below the range.
func TestSpotGridBoundaryBehavior(t *testing.T) {
	ctx := newSpotContext(t, 100.0)
	ctx.UpdateSpotBalance("HYPE", 5, 5)
	ctx.UpdateSpotBalance("USDC", 500, 500)

	s := NewSpotGrid(spotConfig())
	require.NoError(t, s.OnTick(100.0, ctx))
	ctx.DrainOrders()

	// Knock out one buy zone and one sell zone.
	buyZone, sellZone := &s.zones[0], &s.zones[3]
	require.NoError(t, s.OnOrderFailed(buyZone.activeCloid, ctx))
	require.NoError(t, s.OnOrderFailed(sellZone.activeCloid, ctx))
	buyZone.retryAt, sellZone.retryAt = time.Time{}, time.Time{}
	buyZone.lastAttempt, sellZone.lastAttempt = 0, 0

	// Price above the range: the sell re-arms, the buy stays parked.
	ctx.SetLastPrice(spotSymbol, 115.0)
	require.NoError(t, s.OnTick(115.0, ctx))
	assert.False(t, buyZone.hasOrder(), "no new buys above the range")
	assert.True(t, sellZone.hasOrder(), "sells keep working above the range")

	// Reset and check the symmetric case below the range.
	require.NoError(t, s.OnOrderFailed(sellZone.activeCloid, ctx))
	sellZone.retryAt = time.Time{}
	sellZone.lastAttempt = 0
	ctx.DrainOrders()

	ctx.SetLastPrice(spotSymbol, 85.0)
	require.NoError(t, s.OnTick(85.0, ctx))
	assert.False(t, sellZone.hasOrder(), "no new sells below the range")
}

func TestSpotGridStraddleZonePicksBuy(t *testing.T) {
	ctx := newSpotContext(t, 97.0)
	ctx.UpdateSpotBalance("HYPE", 5, 5)
	ctx.UpdateSpotBalance("USDC", 1000, 1000)

	s := NewSpotGrid(spotConfig())
	require.NoError(t, s.OnTick(97.0, ctx))

	// Zone (95, 100) straddles 97 and must start on the buy side.
	assert.Equal(t, models.Buy, s.zones[1].pendingSide)
}

func TestSpotGridTriggerWaitsThenStarts(t *testing.T) {
	trigger := 95.0
	cfg := spotConfig()
	cfg.TriggerPrice = &trigger

	ctx := newSpotContext(t, 100.0)
	ctx.UpdateSpotBalance("HYPE", 10, 10)
	ctx.UpdateSpotBalance("USDC", 1000, 1000)

	s := NewSpotGrid(cfg)
	require.NoError(t, s.OnTick(100.0, ctx))
	assert.Equal(t, StateWaitingForTrigger, s.State())

	// Price still above the trigger: keep waiting.
	require.NoError(t, s.OnTick(96.0, ctx))
	assert.Equal(t, StateWaitingForTrigger, s.State())
	assert.Empty(t, ctx.DrainOrders())

	// Downward cross fires the grid with P0 = trigger.
	ctx.SetLastPrice(spotSymbol, 94.9)
	require.NoError(t, s.OnTick(94.9, ctx))
	assert.NotEqual(t, StateWaitingForTrigger, s.State())
	assert.InDelta(t, trigger, s.startPrice, 1e-9)
}

func TestSpotGridShutdownCancelsAll(t *testing.T) {
	ctx := newSpotContext(t, 100.0)
	ctx.UpdateSpotBalance("HYPE", 5, 5)
	ctx.UpdateSpotBalance("USDC", 500, 500)

	s := NewSpotGrid(spotConfig())
	require.NoError(t, s.OnTick(100.0, ctx))
	ctx.DrainOrders()

	s.Shutdown(ctx)
	assert.Equal(t, StateTerminated, s.State())
	assert.Len(t, ctx.DrainCancels(), 4)

	// Terminated strategies ignore further ticks.
	require.NoError(t, s.OnTick(101.0, ctx))
	assert.Empty(t, ctx.DrainOrders())
}

func TestSpotGridSummaryAndGridState(t *testing.T) {
	ctx := newSpotContext(t, 100.0)
	ctx.UpdateSpotBalance("HYPE", 5, 5)
	ctx.UpdateSpotBalance("USDC", 500, 500)

	s := NewSpotGrid(spotConfig())
	require.NoError(t, s.OnTick(100.0, ctx))

	summary := s.Summary(ctx)
	spot, ok := summary.(broadcast.SpotGridSummary)
	require.True(t, ok)
	assert.Equal(t, spotSymbol, spot.Symbol)
	assert.Equal(t, string(StateRunning), spot.State)
	assert.Equal(t, 4, spot.GridCount)
	assert.InDelta(t, 100.0, spot.Price, 1e-9)

	gs := s.GridState(ctx)
	assert.Equal(t, spotSymbol, gs.Symbol)
	assert.Equal(t, config.StrategySpotGrid, gs.StrategyType)
	require.Len(t, gs.Zones, 4)
	assert.Equal(t, "Buy", gs.Zones[0].PendingSide)
	assert.Equal(t, "Sell", gs.Zones[3].PendingSide)
	for _, z := range gs.Zones {
		assert.False(t, z.IsReduceOnly, "spot orders are never reduce-only")
	}
}
