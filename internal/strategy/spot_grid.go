package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/smohantty/hyperliquid-trading-bot/internal/broadcast"
	"github.com/smohantty/hyperliquid-trading-bot/internal/config"
	"github.com/smohantty/hyperliquid-trading-bot/internal/grid"
	"github.com/smohantty/hyperliquid-trading-bot/internal/logger"
	"github.com/smohantty/hyperliquid-trading-bot/internal/models"
)

// zoneRefreshTicks rate-limits idle-zone placement attempts so a zone
// that keeps failing validation does not churn the order queue on every
// mid update.
const zoneRefreshTicks = 5

// acquisition tracks the in-flight rebalancing order while the strategy
// is in AcquiringAssets.
type acquisition struct {
	cloid   models.Cloid
	target  float64
	side    models.Side
	retries int
}

// SpotGrid runs a bidirectional grid on a spot pair. Each zone cycles
// buy-at-lower / sell-at-upper; zones above the start price are seeded
// with base inventory, zones below hold quote. If the wallet does not
// split that way at start, a rebalancing order acquires the difference.
type SpotGrid struct {
	cfg config.StrategyConfig

	state        State
	zones        []gridZone
	activeOrders map[models.Cloid]int
	acq          acquisition

	startPrice float64
	startTime  time.Time
	triggered  bool
	tickSeq    int64

	inventory   float64 // base held by grid zones
	avgEntry    float64
	realizedPnL float64
	totalFees   float64
	tradeCount  int
}

// NewSpotGrid builds the strategy in Initializing state; zones are laid
// out on the first tick once market metadata carries a live price.
func NewSpotGrid(cfg config.StrategyConfig) *SpotGrid {
	return &SpotGrid{
		cfg:          cfg,
		state:        StateInitializing,
		activeOrders: make(map[models.Cloid]int),
		startTime:    time.Now(),
	}
}

// State exposes the lifecycle state for tests and snapshots.
func (s *SpotGrid) State() State { return s.state }

func (s *SpotGrid) OnTick(price float64, ctx *Context) error {
	s.tickSeq++
	switch s.state {
	case StateInitializing:
		if info := ctx.MarketInfo(s.cfg.Symbol); info != nil && info.LastPrice > 0 {
			return s.initializeZones(ctx)
		}
	case StateWaitingForTrigger:
		if s.cfg.TriggerPrice == nil {
			s.state = StateRunning
			return nil
		}
		if grid.CheckTrigger(price, *s.cfg.TriggerPrice, s.startPrice) {
			logger.S().Infof("[SPOT_GRID] Price %v crossed trigger %v. Starting.", price, *s.cfg.TriggerPrice)
			s.triggered = true
			s.zones = nil
			return s.initializeZones(ctx)
		}
	case StateAcquiringAssets:
		// Acquisition completes via the order fill; nothing to do per tick.
	case StateRunning:
		s.refreshOrders(ctx)
	case StateTerminated:
	}
	return nil
}

func (s *SpotGrid) initializeZones(ctx *Context) error {
	info := ctx.MarketInfo(s.cfg.Symbol)
	if info == nil {
		return fmt.Errorf("no market info for %s", s.cfg.Symbol)
	}
	lastPrice := info.LastPrice

	initialPrice := lastPrice
	if s.cfg.TriggerPrice != nil {
		if !s.triggered {
			// Arm the trigger before committing any capital.
			s.startPrice = lastPrice
			s.state = StateWaitingForTrigger
			logger.S().Infof("[SPOT_GRID] Waiting for trigger price %v (market %v)", *s.cfg.TriggerPrice, lastPrice)
			return nil
		}
		initialPrice = *s.cfg.TriggerPrice
	}

	prices := grid.Levels(s.cfg.GridType, s.cfg.LowerPrice, s.cfg.UpperPrice, s.cfg.GridCount)
	for i := range prices {
		prices[i] = info.RoundPrice(prices[i])
	}

	notionalPerZone := s.cfg.NotionalPerZone()
	if notionalPerZone < grid.MinNotionalValue {
		return fmt.Errorf("%w: investment per zone %.2f below exchange minimum %.2f",
			ErrPreflight, notionalPerZone, grid.MinNotionalValue)
	}

	s.zones = s.zones[:0]
	requiredBase := 0.0
	requiredQuote := 0.0
	for i := 0; i+1 < len(prices); i++ {
		lower, upper := prices[i], prices[i+1]
		mid := (lower + upper) / 2
		size := info.ClampToMinNotional(notionalPerZone/mid, mid, grid.MinNotionalValue)

		// Zones entirely below the price line hold quote and buy at the
		// lower bound; zones entirely above hold base and sell at the
		// upper. The straddling zone starts on the buy side.
		side := models.Buy
		if lower >= initialPrice {
			side = models.Sell
		}

		if side.IsSell() {
			requiredBase += size
		} else {
			requiredQuote += size * lower
		}

		s.zones = append(s.zones, gridZone{
			index:       i,
			lowerPrice:  lower,
			upperPrice:  upper,
			size:        size,
			pendingSide: side,
			mode:        modeLong,
		})
	}

	base := ctx.SpotBalance(info.BaseSymbol)
	quote := ctx.SpotBalance(info.QuoteSymbol)

	portfolio := base.Available*initialPrice + quote.Available
	if portfolio < s.cfg.TotalInvestment {
		return fmt.Errorf("%w: portfolio value %.2f below required investment %.2f (base %.4f @ %.4f + quote %.2f)",
			ErrPreflight, portfolio, s.cfg.TotalInvestment, base.Available, initialPrice, quote.Available)
	}

	// Pad the quote requirement so limit buys survive rounding drift.
	requiredQuote = grid.Markup(requiredQuote, grid.InvestmentBufferSpot)

	s.startPrice = initialPrice
	sizeStep := math.Pow10(-info.SzDecimals)

	baseDeficit := requiredBase - base.Available
	quoteDeficit := requiredQuote - quote.Available

	switch {
	case baseDeficit > sizeStep:
		// Not enough base to seed the sell-side zones: buy the shortfall
		// just above market so it fills promptly.
		px := grid.Markup(lastPrice, grid.AcquisitionSpread)
		sz := grid.Markup(baseDeficit, grid.FeeBuffer)
		s.placeAcquisition(ctx, models.Buy, px, sz)
	case quoteDeficit > grid.MinNotionalValue:
		// Excess base, not enough quote for the buy-side zones: sell the
		// base equivalent of the shortfall just below market.
		px := grid.Markdown(lastPrice, grid.AcquisitionSpread)
		sz := grid.Markup(quoteDeficit/lastPrice, grid.FeeBuffer)
		s.placeAcquisition(ctx, models.Sell, px, sz)
	default:
		// Wallet already splits the right way: seed sell-zone entries at
		// the start price and go straight to running.
		s.seedSellEntries(initialPrice)
		s.inventory = requiredBase
		s.avgEntry = initialPrice
		s.state = StateRunning
		logger.S().Infof("[SPOT_GRID] Balances sufficient (base %.4f, quote %.2f). Running.", base.Available, quote.Available)
		s.refreshOrders(ctx)
	}
	return nil
}

func (s *SpotGrid) placeAcquisition(ctx *Context, side models.Side, price, size float64) {
	cloid := ctx.PlaceLimit(s.cfg.Symbol, side, price, size, false)
	s.acq = acquisition{cloid: cloid, target: size, side: side, retries: s.acq.retries}
	s.state = StateAcquiringAssets
	logger.S().Infof("[ORDER_REQUEST] [SPOT_GRID] REBALANCING: LIMIT %s %v %s @ %v",
		side, size, s.cfg.Symbol, price)
}

func (s *SpotGrid) seedSellEntries(entry float64) {
	for i := range s.zones {
		if s.zones[i].pendingSide.IsSell() {
			s.zones[i].entryPrice = entry
		}
	}
}

func (s *SpotGrid) refreshOrders(ctx *Context) {
	info := ctx.MarketInfo(s.cfg.Symbol)
	if info == nil {
		logger.S().Errorf("[SPOT_GRID] No market info for %s", s.cfg.Symbol)
		return
	}
	price := info.LastPrice
	now := ctx.Now()

	for i := range s.zones {
		z := &s.zones[i]
		if z.hasOrder() || !z.canAttempt(now) {
			continue
		}
		if s.tickSeq-z.lastAttempt < zoneRefreshTicks && z.lastAttempt > 0 {
			continue
		}
		// Out of range: park the side that would chase the market.
		if price > s.cfg.UpperPrice && z.pendingSide.IsBuy() {
			continue
		}
		if price < s.cfg.LowerPrice && z.pendingSide.IsSell() {
			continue
		}
		z.lastAttempt = s.tickSeq
		s.placeZoneOrder(ctx, i)
	}
}

func (s *SpotGrid) placeZoneOrder(ctx *Context, zoneIdx int) {
	z := &s.zones[zoneIdx]
	cloid := ctx.PlaceLimit(s.cfg.Symbol, z.pendingSide, z.orderPrice(), z.size, false)
	ctx.AttachZone(cloid, zoneIdx)
	z.activeCloid = cloid
	s.activeOrders[cloid] = zoneIdx
	logger.S().Infof("[ORDER_REQUEST] [SPOT_GRID] GRID_LVL_%d: LIMIT %s %v %s @ %v",
		zoneIdx, z.pendingSide, z.size, s.cfg.Symbol, z.orderPrice())
}

func (s *SpotGrid) OnOrderFilled(fill *models.OrderFill, ctx *Context) error {
	if fill.Cloid == nil {
		logger.S().Debugf("[SPOT_GRID] Fill without cloid at price %v ignored", fill.Price)
		return nil
	}
	cloid := *fill.Cloid

	if s.state == StateAcquiringAssets && cloid == s.acq.cloid {
		return s.onAcquisitionFilled(fill, ctx)
	}

	zoneIdx, ok := s.activeOrders[cloid]
	if !ok {
		logger.S().Debugf("[SPOT_GRID] Fill for unknown/inactive cloid %s ignored", cloid)
		return nil
	}
	delete(s.activeOrders, cloid)

	z := &s.zones[zoneIdx]
	z.activeCloid = models.Cloid{}
	z.clearFailures()
	s.tradeCount++
	s.totalFees += fill.Fee
	z.fees += fill.Fee

	if fill.Side.IsBuy() {
		// Bought at the lower bound: the zone now holds base acquired at
		// the fill price and waits to sell at the upper bound.
		oldInv := s.inventory
		s.inventory += fill.Size
		if s.inventory > 0 {
			s.avgEntry = (oldInv*s.avgEntry + fill.Size*fill.Price) / s.inventory
		}
		z.entryPrice = fill.Price
		z.pendingSide = models.Sell
		logger.S().Infof("[SPOT_GRID] Zone %d | BUY filled @ %v | Size: %v | Next: SELL @ %v",
			zoneIdx, fill.Price, fill.Size, z.upperPrice)
	} else {
		pnl := (fill.Price-z.entryPrice)*fill.Size - fill.Fee
		s.realizedPnL += pnl
		z.realizedPnL += pnl
		z.roundtripCount++
		s.inventory = math.Max(0, s.inventory-fill.Size)
		if s.inventory <= 1e-9 {
			s.avgEntry = 0
		}
		logger.S().Infof("[SPOT_GRID] Zone %d | SELL filled @ %v | PnL: %.4f | Next: BUY @ %v",
			zoneIdx, fill.Price, pnl, z.lowerPrice)
		z.entryPrice = 0
		z.pendingSide = models.Buy
	}

	if s.state == StateRunning {
		s.placeZoneOrder(ctx, zoneIdx)
	}
	return nil
}

func (s *SpotGrid) onAcquisitionFilled(fill *models.OrderFill, ctx *Context) error {
	logger.S().Infof("[SPOT_GRID] Rebalancing %s filled @ %v (size %v)", s.acq.side, fill.Price, fill.Size)
	s.totalFees += fill.Fee

	if fill.Side.IsBuy() {
		s.inventory += fill.Size
		s.avgEntry = fill.Price
	} else {
		s.inventory = math.Max(0, s.inventory-fill.Size)
	}
	s.seedSellEntries(fill.Price)

	// Sell zones now hold their inventory; recompute from zone sizes so a
	// partially pre-funded wallet is not double counted.
	total := 0.0
	for i := range s.zones {
		if s.zones[i].pendingSide.IsSell() {
			total += s.zones[i].size
		}
	}
	s.inventory = total
	if s.avgEntry == 0 {
		s.avgEntry = fill.Price
	}

	s.acq = acquisition{}
	s.state = StateRunning
	s.refreshOrders(ctx)
	return nil
}

func (s *SpotGrid) OnOrderFailed(cloid models.Cloid, ctx *Context) error {
	if s.state == StateAcquiringAssets && cloid == s.acq.cloid {
		s.acq.retries++
		if s.acq.retries > grid.MaxOrderRetries {
			logger.S().Errorf("[SPOT_GRID] Rebalancing failed %d times; re-quoting at the live price", s.acq.retries)
		}
		info := ctx.MarketInfo(s.cfg.Symbol)
		if info == nil || info.LastPrice <= 0 {
			return nil
		}
		// Re-quote against the live price; the original order was likely
		// rejected as stale.
		px := grid.Markup(info.LastPrice, grid.AcquisitionSpread)
		if s.acq.side.IsSell() {
			px = grid.Markdown(info.LastPrice, grid.AcquisitionSpread)
		}
		s.placeAcquisition(ctx, s.acq.side, px, s.acq.target)
		return nil
	}

	zoneIdx, ok := s.activeOrders[cloid]
	if !ok {
		logger.S().Debugf("[SPOT_GRID] Failure for unknown cloid %s ignored", cloid)
		return nil
	}
	delete(s.activeOrders, cloid)
	z := &s.zones[zoneIdx]
	z.recordFailure(ctx.Now())
	logger.S().Warnf("[SPOT_GRID] Zone %d order %s failed (attempt %d); retrying after backoff",
		zoneIdx, cloid, z.failCount)
	return nil
}

func (s *SpotGrid) Summary(ctx *Context) broadcast.Summary {
	info := ctx.MarketInfo(s.cfg.Symbol)
	price := 0.0
	baseBal, quoteBal := 0.0, 0.0
	if info != nil {
		price = info.LastPrice
		baseBal = ctx.SpotBalance(info.BaseSymbol).Total
		quoteBal = ctx.SpotBalance(info.QuoteSymbol).Total
	}

	roundtrips := 0
	for i := range s.zones {
		roundtrips += s.zones[i].roundtripCount
	}

	unrealized := 0.0
	if s.inventory > 0 && s.avgEntry > 0 {
		unrealized = (price - s.avgEntry) * s.inventory
	}

	return broadcast.SpotGridSummary{
		Symbol:         s.cfg.Symbol,
		State:          string(s.state),
		Uptime:         formatUptime(time.Since(s.startTime)),
		Price:          price,
		BaseBalance:    baseBal,
		QuoteBalance:   quoteBal,
		InventorySize:  s.inventory,
		AvgEntryPrice:  s.avgEntry,
		RealizedPnL:    s.realizedPnL,
		UnrealizedPnL:  unrealized,
		TotalFees:      s.totalFees,
		Roundtrips:     roundtrips,
		RangeLow:       s.cfg.LowerPrice,
		RangeHigh:      s.cfg.UpperPrice,
		GridCount:      len(s.zones),
		GridSpacingPct: grid.FormatSpacing(s.cfg.GridType, s.cfg.LowerPrice, s.cfg.UpperPrice, s.cfg.GridCount),
		StartPrice:     s.startPrice,
	}
}

func (s *SpotGrid) GridState(ctx *Context) broadcast.GridState {
	price := 0.0
	if info := ctx.MarketInfo(s.cfg.Symbol); info != nil {
		price = info.LastPrice
	}
	zones := make([]broadcast.ZoneInfo, 0, len(s.zones))
	for i := range s.zones {
		z := &s.zones[i]
		zones = append(zones, broadcast.ZoneInfo{
			Index:          z.index,
			LowerPrice:     z.lowerPrice,
			UpperPrice:     z.upperPrice,
			Size:           z.size,
			PendingSide:    z.pendingSide.String(),
			HasOrder:       z.hasOrder(),
			IsReduceOnly:   false,
			EntryPrice:     z.entryPrice,
			RoundtripCount: z.roundtripCount,
		})
	}
	return broadcast.GridState{
		Symbol:       s.cfg.Symbol,
		StrategyType: config.StrategySpotGrid,
		CurrentPrice: price,
		Zones:        zones,
	}
}

func (s *SpotGrid) Shutdown(ctx *Context) {
	for cloid := range s.activeOrders {
		ctx.Cancel(cloid)
	}
	if s.state == StateAcquiringAssets && !s.acq.cloid.IsZero() {
		ctx.Cancel(s.acq.cloid)
	}
	s.state = StateTerminated
}
