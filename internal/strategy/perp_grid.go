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

// marginAsset is the collateral asset for all perp markets.
const marginAsset = "USDC"

// PerpGrid runs a leveraged grid on a perpetual market. Zones on the
// bias side open position, zones on the other side close it with
// reduce-only orders. The net position required by the closing side is
// acquired up front with a market order.
type PerpGrid struct {
	cfg config.StrategyConfig

	state        State
	zones        []gridZone
	activeOrders map[models.Cloid]int
	acq          acquisition

	startPrice float64
	startTime  time.Time
	triggered  bool
	tickSeq    int64

	position    models.Position
	realizedPnL float64
	totalFees   float64
	tradeCount  int
}

// NewPerpGrid builds the strategy in Initializing state.
func NewPerpGrid(cfg config.StrategyConfig) *PerpGrid {
	return &PerpGrid{
		cfg:          cfg,
		state:        StateInitializing,
		activeOrders: make(map[models.Cloid]int),
		startTime:    time.Now(),
	}
}

// State exposes the lifecycle state for tests and snapshots.
func (p *PerpGrid) State() State { return p.state }

// Position exposes the tracked position for tests and the engine's
// invariant checks.
func (p *PerpGrid) Position() models.Position { return p.position }

func (p *PerpGrid) OnTick(price float64, ctx *Context) error {
	p.tickSeq++
	switch p.state {
	case StateInitializing:
		if info := ctx.MarketInfo(p.cfg.Symbol); info != nil && info.LastPrice > 0 {
			return p.initializeZones(ctx)
		}
	case StateWaitingForTrigger:
		if p.cfg.TriggerPrice == nil {
			p.state = StateRunning
			return nil
		}
		if grid.CheckTrigger(price, *p.cfg.TriggerPrice, p.startPrice) {
			logger.S().Infof("[PERP_GRID] Price %v crossed trigger %v. Starting.", price, *p.cfg.TriggerPrice)
			p.triggered = true
			p.zones = nil
			return p.initializeZones(ctx)
		}
	case StateAcquiringAssets:
		// Completion arrives through the acquisition fill.
	case StateRunning:
		p.refreshOrders(ctx)
	case StateTerminated:
	}
	return nil
}

// classifyZone decides the pending side and mode for a zone given the
// bias and the initial price. A zone whose bound equals the price is
// treated as containing it and takes the opening side.
func classifyZone(bias grid.Bias, lower, upper, initial float64) (models.Side, zoneMode) {
	mid := (lower + upper) / 2
	switch bias {
	case grid.Long:
		// Zones strictly above the price already hold longs to unwind.
		if lower > initial {
			return models.Sell, modeLong
		}
		return models.Buy, modeLong
	case grid.Short:
		// Zones strictly below the price hold shorts to unwind.
		if upper < initial {
			return models.Buy, modeShort
		}
		return models.Sell, modeShort
	default: // Neutral: half longs below, half shorts above.
		if mid > initial {
			return models.Sell, modeShort
		}
		return models.Buy, modeLong
	}
}

// zoneReferencePrice is the price used to size a zone: the edge the
// opening order rests at, or the midpoint for neutral grids.
func zoneReferencePrice(bias grid.Bias, lower, upper float64) float64 {
	switch bias {
	case grid.Long:
		return lower
	case grid.Short:
		return upper
	default:
		return (lower + upper) / 2
	}
}

func (p *PerpGrid) initializeZones(ctx *Context) error {
	info := ctx.MarketInfo(p.cfg.Symbol)
	if info == nil {
		return fmt.Errorf("no market info for %s", p.cfg.Symbol)
	}
	lastPrice := info.LastPrice

	initialPrice := lastPrice
	if p.cfg.TriggerPrice != nil {
		if !p.triggered {
			p.startPrice = lastPrice
			p.state = StateWaitingForTrigger
			logger.S().Infof("[PERP_GRID] Waiting for trigger price %v (market %v)", *p.cfg.TriggerPrice, lastPrice)
			return nil
		}
		initialPrice = *p.cfg.TriggerPrice
	}

	notionalPerZone := p.cfg.NotionalPerZone()
	if notionalPerZone < grid.MinNotionalValue {
		return fmt.Errorf("%w: investment per zone %.2f below exchange minimum %.2f",
			ErrPreflight, notionalPerZone, grid.MinNotionalValue)
	}

	// total_investment is margin; leverage scales the deployable notional.
	walletBalance := ctx.PerpAvailable(marginAsset)
	maxNotional := walletBalance * float64(p.cfg.Leverage)
	if maxNotional < p.cfg.TotalInvestment {
		return fmt.Errorf("%w: insufficient margin: balance %.2f at %dx supports %.2f notional, need %.2f",
			ErrPreflight, walletBalance, p.cfg.Leverage, maxNotional, p.cfg.TotalInvestment)
	}

	prices := grid.Levels(p.cfg.GridType, p.cfg.LowerPrice, p.cfg.UpperPrice, p.cfg.GridCount)
	for i := range prices {
		prices[i] = info.RoundPrice(prices[i])
	}

	p.zones = p.zones[:0]
	netRequired := 0.0
	for i := 0; i+1 < len(prices); i++ {
		lower, upper := prices[i], prices[i+1]
		ref := zoneReferencePrice(p.cfg.GridBias, lower, upper)
		raw := notionalPerZone * float64(p.cfg.Leverage) / ref
		size := info.ClampToMinNotional(raw, ref, grid.MinNotionalValue)

		side, mode := classifyZone(p.cfg.GridBias, lower, upper, initialPrice)

		// Closing-side zones presuppose inventory the wallet does not
		// hold yet: longs to sell above the price, shorts to buy below.
		if mode == modeLong && side.IsSell() {
			netRequired += size
		}
		if mode == modeShort && side.IsBuy() {
			netRequired -= size
		}

		p.zones = append(p.zones, gridZone{
			index:       i,
			lowerPrice:  lower,
			upperPrice:  upper,
			size:        size,
			pendingSide: side,
			mode:        mode,
		})
	}

	p.startPrice = initialPrice
	logger.S().Infof("[PERP_GRID] Setup completed. Net position required: %v", netRequired)

	sizeStep := math.Pow10(-info.SzDecimals)
	if math.Abs(netRequired) > sizeStep {
		side := models.Buy
		if netRequired < 0 {
			side = models.Sell
		}
		target := info.RoundSize(math.Abs(netRequired))
		cloid := ctx.PlaceMarket(p.cfg.Symbol, side, target)
		p.acq = acquisition{cloid: cloid, target: target, side: side}
		p.state = StateAcquiringAssets
		logger.S().Infof("[ORDER_REQUEST] [PERP_GRID] ACQUISITION: MARKET %s %v %s", side, target, p.cfg.Symbol)
		return nil
	}

	p.state = StateRunning
	p.refreshOrders(ctx)
	return nil
}

func (p *PerpGrid) refreshOrders(ctx *Context) {
	info := ctx.MarketInfo(p.cfg.Symbol)
	if info == nil {
		logger.S().Errorf("[PERP_GRID] No market info for %s", p.cfg.Symbol)
		return
	}
	price := info.LastPrice
	now := ctx.Now()

	for i := range p.zones {
		z := &p.zones[i]
		if z.hasOrder() || !z.canAttempt(now) {
			continue
		}
		if p.tickSeq-z.lastAttempt < zoneRefreshTicks && z.lastAttempt > 0 {
			continue
		}
		if price > p.cfg.UpperPrice && z.pendingSide.IsBuy() {
			continue
		}
		if price < p.cfg.LowerPrice && z.pendingSide.IsSell() {
			continue
		}
		z.lastAttempt = p.tickSeq
		p.placeZoneOrder(ctx, i)
	}
}

func (p *PerpGrid) placeZoneOrder(ctx *Context, zoneIdx int) {
	z := &p.zones[zoneIdx]
	reduceOnly := z.reduceOnly()
	cloid := ctx.PlaceLimit(p.cfg.Symbol, z.pendingSide, z.orderPrice(), z.size, reduceOnly)
	ctx.AttachZone(cloid, zoneIdx)
	z.activeCloid = cloid
	p.activeOrders[cloid] = zoneIdx

	ro := ""
	if reduceOnly {
		ro = " (RO)"
	}
	logger.S().Infof("[ORDER_REQUEST] [PERP_GRID] GRID_LVL_%d: LIMIT %s %v %s @ %v%s",
		zoneIdx, z.pendingSide, z.size, p.cfg.Symbol, z.orderPrice(), ro)
}

func (p *PerpGrid) OnOrderFilled(fill *models.OrderFill, ctx *Context) error {
	if fill.Cloid == nil {
		logger.S().Debugf("[PERP_GRID] Fill without cloid at price %v ignored", fill.Price)
		return nil
	}
	cloid := *fill.Cloid

	if p.state == StateAcquiringAssets && cloid == p.acq.cloid {
		return p.onAcquisitionFilled(fill, ctx)
	}

	zoneIdx, ok := p.activeOrders[cloid]
	if !ok {
		logger.S().Debugf("[PERP_GRID] Fill for unknown/inactive cloid %s ignored", cloid)
		return nil
	}
	delete(p.activeOrders, cloid)

	z := &p.zones[zoneIdx]
	z.activeCloid = models.Cloid{}
	z.clearFailures()
	p.tradeCount++
	p.totalFees += fill.Fee
	z.fees += fill.Fee

	p.position.ApplyFill(fill.Side, fill.Price, fill.Size, fill.Fee)

	isOpening := (z.mode == modeLong && fill.Side.IsBuy()) ||
		(z.mode == modeShort && fill.Side.IsSell())

	if isOpening {
		z.entryPrice = fill.Price
		z.pendingSide = fill.Side.Opposite()
		logger.S().Infof("[PERP_GRID] Zone %d | %s (Open %s) filled @ %v | Size: %v | Next: %s @ %v",
			zoneIdx, fill.Side, z.mode, fill.Price, fill.Size, z.pendingSide, z.orderPrice())
	} else {
		var pnl float64
		if z.mode == modeLong {
			pnl = (fill.Price - z.entryPrice) * fill.Size
		} else {
			pnl = (z.entryPrice - fill.Price) * fill.Size
		}
		p.realizedPnL += pnl
		z.realizedPnL += pnl
		z.roundtripCount++
		z.entryPrice = 0
		z.pendingSide = fill.Side.Opposite()
		logger.S().Infof("[PERP_GRID] Zone %d | %s (Close %s) filled @ %v | PnL: %.4f | Next: %s @ %v",
			zoneIdx, fill.Side, z.mode, fill.Price, pnl, z.pendingSide, z.orderPrice())
	}

	if p.state == StateRunning {
		p.placeZoneOrder(ctx, zoneIdx)
	}
	return nil
}

func (p *PerpGrid) onAcquisitionFilled(fill *models.OrderFill, ctx *Context) error {
	logger.S().Infof("[PERP_GRID] Acquisition filled @ %v (size %v)", fill.Price, fill.Size)
	p.totalFees += fill.Fee
	p.position.ApplyFill(fill.Side, fill.Price, fill.Size, fill.Fee)

	// Closing-side zones now have inventory behind them.
	for i := range p.zones {
		z := &p.zones[i]
		if z.reduceOnly() {
			z.entryPrice = fill.Price
		}
	}

	p.acq = acquisition{}
	p.startPrice = fill.Price
	p.state = StateRunning
	p.refreshOrders(ctx)
	return nil
}

func (p *PerpGrid) OnOrderFailed(cloid models.Cloid, ctx *Context) error {
	if p.state == StateAcquiringAssets && cloid == p.acq.cloid {
		p.acq.retries++
		if p.acq.retries > grid.MaxOrderRetries {
			logger.S().Errorf("[PERP_GRID] Acquisition failed %d times; still retrying", p.acq.retries)
		}
		next := ctx.PlaceMarket(p.cfg.Symbol, p.acq.side, p.acq.target)
		p.acq.cloid = next
		logger.S().Warnf("[PERP_GRID] Acquisition retry %d: MARKET %s %v %s",
			p.acq.retries, p.acq.side, p.acq.target, p.cfg.Symbol)
		return nil
	}

	zoneIdx, ok := p.activeOrders[cloid]
	if !ok {
		logger.S().Debugf("[PERP_GRID] Failure for unknown cloid %s ignored", cloid)
		return nil
	}
	delete(p.activeOrders, cloid)
	z := &p.zones[zoneIdx]
	z.recordFailure(ctx.Now())
	logger.S().Warnf("[PERP_GRID] Zone %d order %s failed (attempt %d); retrying after backoff",
		zoneIdx, cloid, z.failCount)
	return nil
}

func (p *PerpGrid) Summary(ctx *Context) broadcast.Summary {
	price := 0.0
	if info := ctx.MarketInfo(p.cfg.Symbol); info != nil {
		price = info.LastPrice
	}

	roundtrips := 0
	for i := range p.zones {
		roundtrips += p.zones[i].roundtripCount
	}

	side := "Flat"
	if p.position.Size > 0 {
		side = "Long"
	} else if p.position.Size < 0 {
		side = "Short"
	}

	return broadcast.PerpGridSummary{
		Symbol:         p.cfg.Symbol,
		State:          string(p.state),
		Uptime:         formatUptime(time.Since(p.startTime)),
		Price:          price,
		PositionSize:   p.position.Size,
		PositionSide:   side,
		AvgEntryPrice:  p.position.AvgEntry,
		RealizedPnL:    p.realizedPnL,
		UnrealizedPnL:  p.position.UnrealizedPnL(price),
		TotalFees:      p.totalFees,
		Leverage:       p.cfg.Leverage,
		GridBias:       string(p.cfg.GridBias),
		Roundtrips:     roundtrips,
		RangeLow:       p.cfg.LowerPrice,
		RangeHigh:      p.cfg.UpperPrice,
		GridCount:      len(p.zones),
		GridSpacingPct: grid.FormatSpacing(p.cfg.GridType, p.cfg.LowerPrice, p.cfg.UpperPrice, p.cfg.GridCount),
		MarginBalance:  ctx.PerpAvailable(marginAsset),
		StartPrice:     p.startPrice,
	}
}

func (p *PerpGrid) GridState(ctx *Context) broadcast.GridState {
	price := 0.0
	if info := ctx.MarketInfo(p.cfg.Symbol); info != nil {
		price = info.LastPrice
	}
	zones := make([]broadcast.ZoneInfo, 0, len(p.zones))
	for i := range p.zones {
		z := &p.zones[i]
		zones = append(zones, broadcast.ZoneInfo{
			Index:          z.index,
			LowerPrice:     z.lowerPrice,
			UpperPrice:     z.upperPrice,
			Size:           z.size,
			PendingSide:    z.pendingSide.String(),
			HasOrder:       z.hasOrder(),
			IsReduceOnly:   z.reduceOnly(),
			EntryPrice:     z.entryPrice,
			RoundtripCount: z.roundtripCount,
		})
	}
	return broadcast.GridState{
		Symbol:       p.cfg.Symbol,
		StrategyType: config.StrategyPerpGrid,
		CurrentPrice: price,
		GridBias:     string(p.cfg.GridBias),
		Zones:        zones,
	}
}

func (p *PerpGrid) Shutdown(ctx *Context) {
	for cloid := range p.activeOrders {
		ctx.Cancel(cloid)
	}
	if p.state == StateAcquiringAssets && !p.acq.cloid.IsZero() {
		ctx.Cancel(p.acq.cloid)
	}
	p.state = StateTerminated
}
