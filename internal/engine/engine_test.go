package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smohantty/hyperliquid-trading-bot/internal/broadcast"
	"github.com/smohantty/hyperliquid-trading-bot/internal/config"
	"github.com/smohantty/hyperliquid-trading-bot/internal/exchange"
	"github.com/smohantty/hyperliquid-trading-bot/internal/grid"
	"github.com/smohantty/hyperliquid-trading-bot/internal/market"
	"github.com/smohantty/hyperliquid-trading-bot/internal/models"
	"github.com/smohantty/hyperliquid-trading-bot/internal/strategy"
)

// fakeExchange scripts submission results and query responses.
type fakeExchange struct {
	submitted    [][]models.OrderRequest
	cancelled    [][]models.Cloid
	resultsQueue [][]exchange.SubmitResult
	submitErrs   int // failures to inject before submissions succeed
	nextOID      uint64

	openOrders  []exchange.OpenOrder
	orderStates map[uint64]*exchange.OrderState
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{orderStates: make(map[uint64]*exchange.OrderState)}
}

func (f *fakeExchange) SubscribeMids(context.Context, string) (<-chan exchange.MidPrice, error) {
	return make(chan exchange.MidPrice), nil
}

func (f *fakeExchange) SubscribeUserEvents(context.Context) (<-chan models.OrderFill, error) {
	return make(chan models.OrderFill), nil
}

func (f *fakeExchange) SubmitBatch(_ context.Context, orders []models.OrderRequest) ([]exchange.SubmitResult, error) {
	if f.submitErrs > 0 {
		f.submitErrs--
		return nil, context.DeadlineExceeded
	}
	f.submitted = append(f.submitted, orders)
	if len(f.resultsQueue) > 0 {
		results := f.resultsQueue[0]
		f.resultsQueue = f.resultsQueue[1:]
		return results, nil
	}
	results := make([]exchange.SubmitResult, len(orders))
	for i := range orders {
		f.nextOID++
		results[i] = exchange.SubmitResult{Status: exchange.SubmitAccepted, OID: f.nextOID}
	}
	return results, nil
}

func (f *fakeExchange) CancelBatch(_ context.Context, cloids []models.Cloid) error {
	f.cancelled = append(f.cancelled, cloids)
	return nil
}

func (f *fakeExchange) QueryOpenOrders(context.Context) ([]exchange.OpenOrder, error) {
	return f.openOrders, nil
}

func (f *fakeExchange) QueryOrderByOID(_ context.Context, oid uint64) (*exchange.OrderState, error) {
	return f.orderStates[oid], nil
}

func (f *fakeExchange) QuerySpotBalances(context.Context) (map[string]exchange.SpotBalance, error) {
	return map[string]exchange.SpotBalance{}, nil
}

func (f *fakeExchange) QueryPerpState(context.Context) (*exchange.PerpState, error) {
	return &exchange.PerpState{Positions: map[string]models.Position{}}, nil
}

func (f *fakeExchange) QueryMarkets(context.Context) (map[string]*market.Info, error) {
	return map[string]*market.Info{
		"HYPE": market.NewInfo("HYPE", "HYPE", 0, 2, 4),
	}, nil
}

func (f *fakeExchange) UpdateLeverage(context.Context, string, int, bool) error { return nil }
func (f *fakeExchange) Close() error                                           { return nil }

// stubStrategy records callbacks and can stage intents from OnTick.
type stubStrategy struct {
	fills    []*models.OrderFill
	failures []models.Cloid
	onTickFn func(price float64, ctx *strategy.Context) error
}

func (s *stubStrategy) OnTick(price float64, ctx *strategy.Context) error {
	if s.onTickFn != nil {
		return s.onTickFn(price, ctx)
	}
	return nil
}

func (s *stubStrategy) OnOrderFilled(fill *models.OrderFill, _ *strategy.Context) error {
	copied := *fill
	s.fills = append(s.fills, &copied)
	return nil
}

func (s *stubStrategy) OnOrderFailed(cloid models.Cloid, _ *strategy.Context) error {
	s.failures = append(s.failures, cloid)
	return nil
}

func (s *stubStrategy) Summary(*strategy.Context) broadcast.Summary {
	return broadcast.PerpGridSummary{Symbol: "HYPE"}
}

func (s *stubStrategy) GridState(*strategy.Context) broadcast.GridState {
	return broadcast.GridState{Symbol: "HYPE"}
}

func (s *stubStrategy) Shutdown(*strategy.Context) {}

func testConfig() *config.Config {
	return &config.Config{
		Strategy: config.StrategyConfig{
			Type:            config.StrategyPerpGrid,
			Symbol:          "HYPE",
			UpperPrice:      110,
			LowerPrice:      90,
			GridType:        grid.Arithmetic,
			GridCount:       5,
			TotalInvestment: 1000,
			Leverage:        1,
			GridBias:        grid.Long,
		},
	}
}

func newTestEngine(strat strategy.Strategy, fake *fakeExchange) *Engine {
	e := New(testConfig(), fake, strat, broadcast.NewBroadcaster(), nil, nil, "test-run")
	e.sctx = strategy.NewContext(map[string]*market.Info{
		"HYPE": market.NewInfo("HYPE", "HYPE", 0, 2, 4),
	})
	e.sctx.SetLastPrice("HYPE", 100)
	return e
}

func (e *Engine) trackOrder(cloid models.Cloid, target float64, oid uint64) {
	e.issued.Add(cloid, time.Now())
	e.pending[cloid] = &pendingOrder{
		cloid:       cloid,
		targetSize:  target,
		oid:         oid,
		zoneIndex:   -1,
		submittedAt: time.Now(),
		seenTrades:  make(map[uint64]struct{}),
	}
}

func fillFor(cloid models.Cloid, tid uint64, side models.Side, price, size, fee float64) *models.OrderFill {
	c := cloid
	return &models.OrderFill{
		Cloid: &c, OID: 7, TradeID: tid, Side: side,
		Price: price, Size: size, Fee: fee, Status: models.StatusFilled,
	}
}

// Scenario: a 1.0-size order filled in three partials of 0.4/0.3/0.3
// reaches the strategy exactly once with aggregated size and fees, and
// later replays are suppressed.
func TestPartialFillAggregation(t *testing.T) {
	stub := &stubStrategy{}
	e := newTestEngine(stub, newFakeExchange())

	cloid := models.NewCloid()
	e.trackOrder(cloid, 1.0, 7)

	ctx := context.Background()
	e.onUserEvent(ctx, fillFor(cloid, 1, models.Buy, 95.0, 0.4, 0.04))
	e.onUserEvent(ctx, fillFor(cloid, 2, models.Buy, 95.2, 0.3, 0.03))
	assert.Empty(t, stub.fills, "partials do not reach the strategy")

	e.onUserEvent(ctx, fillFor(cloid, 3, models.Buy, 95.4, 0.3, 0.03))
	require.Len(t, stub.fills, 1, "exactly one delivery per order lifetime")

	agg := stub.fills[0]
	assert.InDelta(t, 1.0, agg.Size, 1e-9)
	assert.InDelta(t, 0.10, agg.Fee, 1e-9)
	expectedAvg := 95.0*0.4 + 95.2*0.3 + 95.4*0.3
	assert.InDelta(t, expectedAvg, agg.Price, 1e-9, "volume-weighted average price")

	// Any replay of a prior fill is ignored.
	e.onUserEvent(ctx, fillFor(cloid, 2, models.Buy, 95.2, 0.3, 0.03))
	e.onUserEvent(ctx, fillFor(cloid, 3, models.Buy, 95.4, 0.3, 0.03))
	assert.Len(t, stub.fills, 1)
	assert.True(t, e.completed.Contains(cloid))
	assert.NotContains(t, e.pending, cloid)
}

// Duplicate trade ids within a live order must not double-count size.
func TestDuplicateTradeIDSuppressedWhilePending(t *testing.T) {
	stub := &stubStrategy{}
	e := newTestEngine(stub, newFakeExchange())

	cloid := models.NewCloid()
	e.trackOrder(cloid, 1.0, 7)

	ctx := context.Background()
	e.onUserEvent(ctx, fillFor(cloid, 1, models.Buy, 95, 0.4, 0.04))
	e.onUserEvent(ctx, fillFor(cloid, 1, models.Buy, 95, 0.4, 0.04)) // replay

	entry := e.pending[cloid]
	require.NotNil(t, entry)
	assert.InDelta(t, 0.4, entry.filledSize, 1e-9)
	assert.LessOrEqual(t, entry.filledSize, entry.targetSize+1e-9)
}

func TestFillForUnknownCloidIgnored(t *testing.T) {
	stub := &stubStrategy{}
	e := newTestEngine(stub, newFakeExchange())

	e.onUserEvent(context.Background(), fillFor(models.NewCloid(), 1, models.Sell, 100, 1, 0.1))
	assert.Empty(t, stub.fills)
	assert.Empty(t, stub.failures)
}

func TestFillWithoutCloidIgnored(t *testing.T) {
	stub := &stubStrategy{}
	e := newTestEngine(stub, newFakeExchange())

	e.onUserEvent(context.Background(), &models.OrderFill{
		Side: models.Buy, Price: 100, Size: 1, Status: models.StatusFilled,
	})
	assert.Empty(t, stub.fills)
}

// Scenario: the exchange rejects a staged order; the strategy hears
// OnOrderFailed synchronously in the same drain.
func TestRejectionInvokesOnOrderFailed(t *testing.T) {
	fake := newFakeExchange()
	fake.resultsQueue = [][]exchange.SubmitResult{
		{{Status: exchange.SubmitRejected, Reason: "Price too far from oracle"}},
	}

	var placed models.Cloid
	stub := &stubStrategy{}
	stub.onTickFn = func(_ float64, ctx *strategy.Context) error {
		if placed.IsZero() {
			placed = ctx.PlaceLimit("HYPE", models.Sell, 110, 1.0, false)
		}
		return nil
	}
	e := newTestEngine(stub, fake)

	e.onTick(context.Background(), exchange.MidPrice{Symbol: "HYPE", Price: 100})

	require.Len(t, stub.failures, 1)
	assert.Equal(t, placed, stub.failures[0])
	assert.NotContains(t, e.pending, placed)
}

// Transport failure on submission is retried once before failing the
// batch.
func TestTransientSubmitErrorRetriedOnce(t *testing.T) {
	fake := newFakeExchange()
	fake.submitErrs = 1 // first attempt fails, retry succeeds

	stub := &stubStrategy{}
	var placed models.Cloid
	stub.onTickFn = func(_ float64, ctx *strategy.Context) error {
		if placed.IsZero() {
			placed = ctx.PlaceLimit("HYPE", models.Buy, 95, 1.0, false)
		}
		return nil
	}
	e := newTestEngine(stub, fake)

	e.onTick(context.Background(), exchange.MidPrice{Symbol: "HYPE", Price: 100})

	assert.Empty(t, stub.failures, "retry absorbed the transient error")
	assert.Contains(t, e.pending, placed)
	assert.Len(t, fake.submitted, 1)
}

func TestPersistentSubmitErrorFailsAllOrders(t *testing.T) {
	fake := newFakeExchange()
	fake.submitErrs = 2 // both attempts fail

	stub := &stubStrategy{}
	var placed models.Cloid
	stub.onTickFn = func(_ float64, ctx *strategy.Context) error {
		if placed.IsZero() {
			placed = ctx.PlaceLimit("HYPE", models.Buy, 95, 1.0, false)
		}
		return nil
	}
	e := newTestEngine(stub, fake)

	e.onTick(context.Background(), exchange.MidPrice{Symbol: "HYPE", Price: 100})

	require.Len(t, stub.failures, 1)
	assert.Equal(t, placed, stub.failures[0])
}

// An IOC/market order that fills inline reaches the strategy from the
// submission path and is immediately marked complete.
func TestInlineFilledSubmission(t *testing.T) {
	fake := newFakeExchange()
	fake.resultsQueue = [][]exchange.SubmitResult{
		{{Status: exchange.SubmitFilled, OID: 42, FilledSize: 2.0, AvgPrice: 100.25}},
	}

	stub := &stubStrategy{}
	var placed models.Cloid
	stub.onTickFn = func(_ float64, ctx *strategy.Context) error {
		if placed.IsZero() {
			placed = ctx.PlaceMarket("HYPE", models.Buy, 2.0)
		}
		return nil
	}
	e := newTestEngine(stub, fake)

	e.onTick(context.Background(), exchange.MidPrice{Symbol: "HYPE", Price: 100})

	require.Len(t, stub.fills, 1)
	assert.InDelta(t, 2.0, stub.fills[0].Size, 1e-9)
	assert.InDelta(t, 100.25, stub.fills[0].Price, 1e-9)
	assert.True(t, e.completed.Contains(placed))

	// A late duplicate fill event for the same cloid is suppressed.
	e.onUserEvent(context.Background(), fillFor(placed, 9, models.Buy, 100.25, 2.0, 0.1))
	assert.Len(t, stub.fills, 1)
}

// Scenario: tracker holds {A, B, C}; after reconnect the exchange
// reports {A, C, D}. B is failed, D is external and ignored, and the
// tracker aligns with {A, C}.
func TestReconnectReconciliation(t *testing.T) {
	fake := newFakeExchange()
	stub := &stubStrategy{}
	e := newTestEngine(stub, fake)

	a, b, c, d := models.NewCloid(), models.NewCloid(), models.NewCloid(), models.NewCloid()
	e.trackOrder(a, 1.0, 1)
	e.trackOrder(b, 1.0, 2)
	e.trackOrder(c, 1.0, 3)

	fake.openOrders = []exchange.OpenOrder{
		{OID: 1, Cloid: &a, Side: models.Buy, Price: 95, Size: 1, Remaining: 1},
		{OID: 3, Cloid: &c, Side: models.Sell, Price: 105, Size: 1, Remaining: 1},
		{OID: 4, Cloid: &d, Side: models.Buy, Price: 94, Size: 1, Remaining: 1},
	}
	// B's oid resolves to nothing: the order is lost.

	e.reconcile(context.Background())

	require.Len(t, stub.failures, 1)
	assert.Equal(t, b, stub.failures[0])

	assert.Contains(t, e.pending, a)
	assert.Contains(t, e.pending, c)
	assert.NotContains(t, e.pending, b)
	assert.NotContains(t, e.pending, d, "external order is not adopted")
	assert.Len(t, e.pending, 2)
}

// A tracked order that reconciliation finds filled is delivered as a
// fill, not a failure.
func TestReconciliationDeliversMissedFill(t *testing.T) {
	fake := newFakeExchange()
	stub := &stubStrategy{}
	e := newTestEngine(stub, fake)

	a := models.NewCloid()
	e.trackOrder(a, 1.5, 11)
	fake.orderStates[11] = &exchange.OrderState{
		Status: models.StatusFilled, Side: models.Buy, Price: 95, Size: 1.5,
	}

	e.reconcile(context.Background())

	require.Len(t, stub.fills, 1)
	assert.InDelta(t, 1.5, stub.fills[0].Size, 1e-9)
	assert.Empty(t, stub.failures)
	assert.True(t, e.completed.Contains(a))
}

// An issued-but-untracked order resting on the exchange is re-adopted.
func TestReconciliationAdoptsIssuedOrder(t *testing.T) {
	fake := newFakeExchange()
	stub := &stubStrategy{}
	e := newTestEngine(stub, fake)

	lost := models.NewCloid()
	e.issued.Add(lost, time.Now())
	fake.openOrders = []exchange.OpenOrder{
		{OID: 21, Cloid: &lost, Side: models.Buy, Price: 95, Size: 2, Remaining: 1.5},
	}

	e.reconcile(context.Background())

	entry := e.pending[lost]
	require.NotNil(t, entry)
	assert.Equal(t, uint64(21), entry.oid)
	assert.InDelta(t, 2.0, entry.targetSize, 1e-9)
	assert.InDelta(t, 0.5, entry.filledSize, 1e-9)
}

// Integration: real spot strategy against the fake exchange. Every zone
// cloid must be a tracker key (invariant 2) and each zone owns at most
// one order (invariant 1).
func TestEngineStrategyTrackerInvariants(t *testing.T) {
	fake := newFakeExchange()

	cfg := &config.Config{
		Strategy: config.StrategyConfig{
			Type:            config.StrategySpotGrid,
			Symbol:          "HYPE/USDC",
			UpperPrice:      110,
			LowerPrice:      90,
			GridType:        grid.Arithmetic,
			GridCount:       5,
			TotalInvestment: 1000,
		},
	}
	spot := strategy.NewSpotGrid(cfg.Strategy)
	e := New(cfg, fake, spot, broadcast.NewBroadcaster(), nil, nil, "test-run")
	e.sctx = strategy.NewContext(map[string]*market.Info{
		"HYPE/USDC": market.NewSpotInfo("HYPE/USDC", "@107", 107, 2, 6, "HYPE", "USDC"),
	})
	e.sctx.UpdateSpotBalance("HYPE", 5, 5)
	e.sctx.UpdateSpotBalance("USDC", 500, 500)
	e.sctx.SetLastPrice("HYPE/USDC", 100)

	e.onTick(context.Background(), exchange.MidPrice{Symbol: "HYPE/USDC", Price: 100})

	require.Equal(t, strategy.StateRunning, spot.State())
	require.Len(t, fake.submitted, 1)
	require.Len(t, fake.submitted[0], 4, "one order per zone")

	// Invariant 2: zone-held cloids are a subset of tracker keys.
	gs := spot.GridState(e.sctx)
	for _, z := range gs.Zones {
		assert.True(t, z.HasOrder, "every zone has exactly one live order")
	}
	assert.Len(t, e.pending, 4)
	for _, entry := range e.pending {
		assert.GreaterOrEqual(t, entry.zoneIndex, 0, "zone binding recorded in tracker")
	}

	// Fill one zone's buy; the counter sell must flow through a second
	// submission in the same event turn.
	var buyOrder *models.OrderRequest
	for i := range fake.submitted[0] {
		if fake.submitted[0][i].Side.IsBuy() && fake.submitted[0][i].Price == 95.0 {
			buyOrder = &fake.submitted[0][i]
		}
	}
	require.NotNil(t, buyOrder)

	e.onUserEvent(context.Background(), fillFor(buyOrder.Cloid, 1, models.Buy, 95, buyOrder.Size, 0.05))

	require.Len(t, fake.submitted, 2, "counter order submitted in the same turn")
	counter := fake.submitted[1]
	require.Len(t, counter, 1)
	assert.True(t, counter[0].Side.IsSell())
	assert.InDelta(t, 100.0, counter[0].Price, 1e-9)
	assert.Len(t, e.pending, 4, "tracker replaced the filled order with the counter")
}

func TestCompletedRingEviction(t *testing.T) {
	ring := newCloidRing(3, time.Millisecond)
	base := time.Now()

	first := models.NewCloid()
	ring.Add(first, base)
	ring.Add(models.NewCloid(), base)
	ring.Add(models.NewCloid(), base)
	assert.Equal(t, 3, ring.Len())

	// Over capacity but inside retention: nothing evicted yet.
	ring.Add(models.NewCloid(), base.Add(time.Microsecond))
	assert.Equal(t, 4, ring.Len())

	// Past retention the overflow drains oldest-first.
	ring.Add(models.NewCloid(), base.Add(time.Second))
	assert.LessOrEqual(t, ring.Len(), 3)
	assert.False(t, ring.Contains(first))
}

func TestPanickingStrategyDoesNotCrashLoop(t *testing.T) {
	stub := &stubStrategy{}
	stub.onTickFn = func(float64, *strategy.Context) error { panic("boom") }
	e := newTestEngine(stub, newFakeExchange())

	assert.NotPanics(t, func() {
		e.onTick(context.Background(), exchange.MidPrice{Symbol: "HYPE", Price: 100})
	})
}
