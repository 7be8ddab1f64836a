// Package engine runs the single-threaded trading loop: it is the sole
// mutator of exchange-side state and the sole invoker of strategy
// callbacks. Market ticks, user fills, and periodic timers are merged
// into one goroutine; strategy callbacks run inline and never block.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/smohantty/hyperliquid-trading-bot/internal/broadcast"
	"github.com/smohantty/hyperliquid-trading-bot/internal/config"
	"github.com/smohantty/hyperliquid-trading-bot/internal/exchange"
	"github.com/smohantty/hyperliquid-trading-bot/internal/logger"
	"github.com/smohantty/hyperliquid-trading-bot/internal/models"
	"github.com/smohantty/hyperliquid-trading-bot/internal/persistence"
	"github.com/smohantty/hyperliquid-trading-bot/internal/strategy"
)

const (
	balanceRefreshInterval = 30 * time.Second
	summaryInterval        = 2 * time.Second
	reconcileInterval      = 30 * time.Second

	// marketBroadcastMin throttles market_update events to subscribers.
	marketBroadcastMin = 250 * time.Millisecond

	// completedRetention is the minimum duplicate-suppression window for
	// completed cloids.
	completedRetention = 60 * time.Second
	completedCapacity  = 1024
	issuedCapacity     = 4096

	// submitRounds bounds queue-drain iterations per event: callbacks run
	// during submission may stage counter-orders that also need flushing.
	submitRounds = 4

	// inFlightWindow is how long a submitted-but-unconfirmed order is
	// left alone during reconciliation.
	inFlightWindow = 10 * time.Second
)

// AuditLogger records order requests and fills. A nil sink disables
// auditing.
type AuditLogger interface {
	LogRequest(symbol, side string, price, size float64, reduceOnly bool, cloid string)
	LogFill(symbol, side string, price, size float64, reduceOnly bool, cloid string, fee float64)
}

// Engine wires a strategy to an exchange.
type Engine struct {
	cfg         *config.Config
	ex          exchange.Exchange
	strat       strategy.Strategy
	broadcaster *broadcast.Broadcaster
	audit       AuditLogger
	repo        persistence.Repository
	runID       string

	sctx      *strategy.Context
	pending   map[models.Cloid]*pendingOrder
	completed *cloidRing
	issued    *cloidRing

	lastMarketBroadcast time.Time
	fatal               error
}

// New builds an engine. broadcaster is required; audit and repo may be
// nil. runID tags broadcast info and persisted state; the entrypoint
// shares one id between the engine and the audit log.
func New(cfg *config.Config, ex exchange.Exchange, strat strategy.Strategy,
	broadcaster *broadcast.Broadcaster, auditLog AuditLogger, repo persistence.Repository, runID string) *Engine {
	return &Engine{
		cfg:         cfg,
		ex:          ex,
		strat:       strat,
		broadcaster: broadcaster,
		audit:       auditLog,
		repo:        repo,
		runID:       runID,
		pending:     make(map[models.Cloid]*pendingOrder),
		completed:   newCloidRing(completedCapacity, completedRetention),
		issued:      newCloidRing(issuedCapacity, time.Hour),
	}
}

// Run drives the event loop until ctx is cancelled or a fatal error
// occurs. Pre-flight failures return wrapped strategy.ErrPreflight;
// unrecoverable exchange errors return wrapped exchange.ErrUnrecoverable.
func (e *Engine) Run(ctx context.Context) error {
	symbol := e.cfg.Strategy.Symbol
	logger.S().Infof("Engine started for %s.", symbol)

	markets, err := e.ex.QueryMarkets(ctx)
	if err != nil {
		return err
	}
	if markets[symbol] == nil {
		return fmt.Errorf("%w: metadata for symbol %q not found", exchange.ErrUnrecoverable, symbol)
	}
	logger.S().Infof("Metadata loaded for %s.", symbol)

	e.sctx = strategy.NewContext(markets)
	e.refreshBalances(ctx)

	if e.cfg.Strategy.Type == config.StrategyPerpGrid {
		isCross := !e.cfg.Strategy.IsIsolated
		if err := e.ex.UpdateLeverage(ctx, symbol, e.cfg.Strategy.Leverage, isCross); err != nil {
			logger.S().Errorf("Failed to update leverage for %s: %v. Continuing with existing settings.", symbol, err)
		} else {
			logger.S().Infof("Leverage set to %dx (cross=%v) for %s.", e.cfg.Strategy.Leverage, isCross, symbol)
		}
	}

	e.restoreRunState()
	e.adoptOpenOrders(ctx)

	mids, err := e.ex.SubscribeMids(ctx, symbol)
	if err != nil {
		return err
	}
	userEvents, err := e.ex.SubscribeUserEvents(ctx)
	if err != nil {
		return err
	}

	e.broadcaster.Send(broadcast.EventConfig, e.cfg.Strategy)
	e.broadcaster.Send(broadcast.EventInfo, broadcast.SystemInfo{
		RunID:    e.runID,
		Network:  e.cfg.Exchange.Network,
		Exchange: "hyperliquid",
	})

	balanceTimer := time.NewTicker(balanceRefreshInterval)
	defer balanceTimer.Stop()
	summaryTimer := time.NewTicker(summaryInterval)
	defer summaryTimer.Stop()
	reconcileTimer := time.NewTicker(reconcileInterval)
	defer reconcileTimer.Stop()

	logger.S().Info("Starting event loop...")
	for {
		select {
		case <-ctx.Done():
			logger.S().Info("Shutdown signal received. Stopping engine...")
			e.shutdown()
			return nil

		case mid, ok := <-mids:
			if !ok {
				return fmt.Errorf("%w: mid-price stream closed", exchange.ErrUnrecoverable)
			}
			e.onTick(ctx, mid)

		case fill, ok := <-userEvents:
			if !ok {
				return fmt.Errorf("%w: user-event stream closed", exchange.ErrUnrecoverable)
			}
			e.onUserEvent(ctx, &fill)

		case <-balanceTimer.C:
			e.refreshBalances(ctx)

		case <-summaryTimer.C:
			e.broadcastSummary()

		case <-reconcileTimer.C:
			e.reconcile(ctx)
		}

		if e.fatal != nil {
			e.shutdown()
			return e.fatal
		}
	}
}

func (e *Engine) onTick(ctx context.Context, mid exchange.MidPrice) {
	e.sctx.SetLastPrice(mid.Symbol, mid.Price)

	now := time.Now()
	if now.Sub(e.lastMarketBroadcast) >= marketBroadcastMin {
		e.lastMarketBroadcast = now
		e.broadcaster.Send(broadcast.EventMarketUpdate, broadcast.MarketEvent{Price: mid.Price})
	}

	e.safeOnTick(mid.Price)
	e.drainAndSubmit(ctx)
}

// safeOnTick runs the strategy tick, recovering panics and capturing
// pre-flight errors as fatal.
func (e *Engine) safeOnTick(price float64) {
	defer e.recoverCallback("OnTick")
	if err := e.strat.OnTick(price, e.sctx); err != nil {
		if errors.Is(err, strategy.ErrPreflight) {
			e.fatal = err
			return
		}
		logger.S().Errorf("Strategy OnTick error: %v", err)
	}
}

func (e *Engine) safeOnFilled(fill *models.OrderFill) {
	defer e.recoverCallback("OnOrderFilled")
	if err := e.strat.OnOrderFilled(fill, e.sctx); err != nil {
		logger.S().Errorf("Strategy OnOrderFilled error: %v", err)
	}
}

func (e *Engine) safeOnFailed(cloid models.Cloid) {
	defer e.recoverCallback("OnOrderFailed")
	if err := e.strat.OnOrderFailed(cloid, e.sctx); err != nil {
		logger.S().Errorf("Strategy OnOrderFailed error: %v", err)
	}
}

// recoverCallback keeps a panicking strategy callback from crashing the
// loop.
func (e *Engine) recoverCallback(name string) {
	if r := recover(); r != nil {
		logger.S().Errorf("Strategy %s panicked: %v. Event loop continues.", name, r)
	}
}

// drainAndSubmit flushes the context's queues to the exchange. Strategy
// callbacks invoked from submission results may stage follow-up intents,
// so draining repeats until the queues are empty or the round budget is
// spent.
func (e *Engine) drainAndSubmit(ctx context.Context) {
	for round := 0; round < submitRounds; round++ {
		cancels := e.sctx.DrainCancels()
		orders := e.sctx.DrainOrders()
		bindings := e.sctx.TakeZoneBindings()

		// Cancel intents may also arrive through the order queue.
		placeable := orders[:0:len(orders)]
		for _, o := range orders {
			if o.Kind == models.KindCancel {
				cancels = append(cancels, o.Cloid)
				continue
			}
			placeable = append(placeable, o)
		}

		if len(cancels) == 0 && len(placeable) == 0 {
			return
		}

		if len(cancels) > 0 {
			e.processCancels(ctx, cancels)
		}
		if len(placeable) > 0 {
			e.processOrders(ctx, placeable, bindings)
		}
	}
	if e.sctx.PendingWrites() {
		logger.S().Warn("Order queue not fully drained within round budget; remaining intents flush on the next event.")
	}
}

func (e *Engine) processCancels(ctx context.Context, cloids []models.Cloid) {
	logger.S().Infof("Processing batch cancellations: %d orders", len(cloids))
	for _, cloid := range cloids {
		e.broadcaster.Send(broadcast.EventOrderUpdate, broadcast.OrderEvent{
			Cloid:  cloid.Hex(),
			Status: "CANCELLING",
		})
	}
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout())
	defer cancel()
	if err := e.ex.CancelBatch(reqCtx, cloids); err != nil {
		// Cancels are best-effort: the target order may already be gone.
		logger.S().Errorf("Batch cancel failed: %v", err)
		return
	}
	for _, cloid := range cloids {
		if _, ok := e.pending[cloid]; ok {
			delete(e.pending, cloid)
			e.completed.Add(cloid, time.Now())
			e.safeOnFailed(cloid)
		}
	}
}

func (e *Engine) processOrders(ctx context.Context, orders []models.OrderRequest, bindings map[models.Cloid]int) {
	logger.S().Infof("[BULK_ORDER] %d orders", len(orders))

	for _, o := range orders {
		e.issued.Add(o.Cloid, time.Now())
		if e.audit != nil {
			e.audit.LogRequest(o.Symbol, o.Side.String(), o.Price, o.Size, o.ReduceOnly, o.Cloid.Hex())
		}
		logger.S().Infof("[ORDER_SENT] Exchange (%s)", o)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout())
	defer cancel()

	results, err := e.ex.SubmitBatch(reqCtx, orders)
	if err != nil {
		// One immediate retry for transient transport failures.
		logger.S().Warnf("Batch submit failed (%v); retrying once...", err)
		retryCtx, retryCancel := context.WithTimeout(ctx, requestTimeout())
		defer retryCancel()
		results, err = e.ex.SubmitBatch(retryCtx, orders)
	}
	if err != nil {
		logger.S().Errorf("Batch submit failed after retry: %v", err)
		for _, o := range orders {
			e.failOrder(o, "submit failed")
		}
		return
	}

	now := time.Now()
	for i, o := range orders {
		if i >= len(results) {
			e.failOrder(o, "no result returned")
			continue
		}
		res := results[i]
		zoneIdx := -1
		if idx, ok := bindings[o.Cloid]; ok {
			zoneIdx = idx
		}

		switch res.Status {
		case exchange.SubmitAccepted:
			e.pending[o.Cloid] = &pendingOrder{
				cloid:       o.Cloid,
				targetSize:  o.Size,
				reduceOnly:  o.ReduceOnly,
				oid:         res.OID,
				zoneIndex:   zoneIdx,
				submittedAt: now,
				seenTrades:  make(map[uint64]struct{}),
			}
			e.broadcaster.Send(broadcast.EventOrderUpdate, broadcast.OrderEvent{
				OID:    res.OID,
				Cloid:  o.Cloid.Hex(),
				Side:   o.Side.String(),
				Price:  o.Price,
				Size:   o.Size,
				Status: "OPEN",
			})

		case exchange.SubmitFilled:
			// IOC/market path: the exchange filled it inline.
			logger.S().Infof("[ORDER_FILLED_MARKET] %s %v @ %v", o.Side, res.FilledSize, res.AvgPrice)
			cloid := o.Cloid
			e.completed.Add(cloid, now)
			reduceOnly := o.ReduceOnly
			fill := &models.OrderFill{
				Cloid:      &cloid,
				OID:        res.OID,
				Side:       o.Side,
				Price:      res.AvgPrice,
				Size:       res.FilledSize,
				IsTaker:    true,
				Status:     models.StatusFilled,
				ReduceOnly: &reduceOnly,
			}
			e.emitFillEvents(fill)
			e.safeOnFilled(fill)
			e.broadcaster.Send(broadcast.EventGridState, e.strat.GridState(e.sctx))

		case exchange.SubmitRejected:
			logger.S().Errorf("Order rejected for %s: %s", o.Cloid, res.Reason)
			e.failOrder(o, res.Reason)
		}
	}
}

func (e *Engine) failOrder(o models.OrderRequest, reason string) {
	logger.S().Warnf("Order %s failed: %s", o.Cloid, reason)
	e.broadcaster.Send(broadcast.EventOrderUpdate, broadcast.OrderEvent{
		Cloid:  o.Cloid.Hex(),
		Side:   o.Side.String(),
		Price:  o.Price,
		Size:   o.Size,
		Status: "FAILED",
	})
	delete(e.pending, o.Cloid)
	e.safeOnFailed(o.Cloid)
}

func (e *Engine) onUserEvent(ctx context.Context, fill *models.OrderFill) {
	switch fill.Status {
	case models.StatusCancelled, models.StatusRejected:
		if fill.Cloid == nil {
			return
		}
		cloid := *fill.Cloid
		if _, ok := e.pending[cloid]; !ok {
			logger.S().Debugf("Status %s for unknown cloid %s; no-op", fill.Status, cloid)
			return
		}
		delete(e.pending, cloid)
		e.completed.Add(cloid, time.Now())
		e.broadcaster.Send(broadcast.EventOrderUpdate, broadcast.OrderEvent{
			OID: fill.OID, Cloid: cloid.Hex(), Side: fill.Side.String(), Status: string(fill.Status),
		})
		e.safeOnFailed(cloid)
		e.drainAndSubmit(ctx)
		return
	}

	if fill.Cloid == nil {
		logger.S().Warnf("Fill without cloid (%s %v @ %v): externally placed order, ignoring.",
			fill.Side, fill.Size, fill.Price)
		return
	}
	cloid := *fill.Cloid

	if e.completed.Contains(cloid) {
		logger.S().Debugf("Ignored duplicate fill for completed cloid %s", cloid)
		return
	}

	entry, ok := e.pending[cloid]
	if !ok {
		logger.S().Warnf("Fill for untracked cloid %s (%s %v @ %v); ignoring.",
			cloid, fill.Side, fill.Size, fill.Price)
		return
	}

	applied, full := entry.addFill(fill.TradeID, fill.Price, fill.Size, fill.Fee, fill.IsTaker)
	if !applied {
		logger.S().Debugf("Ignored duplicate trade %d for cloid %s", fill.TradeID, cloid)
		return
	}

	if entry.filledSize > entry.targetSize*(2-fullFillFactor) {
		logger.S().Errorf("INVARIANT: cloid %s accumulated %v over target %v.",
			cloid, entry.filledSize, entry.targetSize)
	}

	if !full {
		logger.S().Infof("[ORDER_FILL_PARTIAL] %s %v @ %v (fee: %v)", fill.Side, fill.Size, fill.Price, fill.Fee)
		e.broadcaster.Send(broadcast.EventOrderUpdate, broadcast.OrderEvent{
			OID: fill.OID, Cloid: cloid.Hex(), Side: fill.Side.String(),
			Price: fill.Price, Size: fill.Size, Status: "PARTIAL", Fee: fill.Fee, IsTaker: fill.IsTaker,
		})
		return
	}

	logger.S().Infof("[ORDER_FILLED] %s %v @ %v (fee: %v)",
		fill.Side, entry.filledSize, entry.weightedAvgPx, entry.accumulatedFees)

	delete(e.pending, cloid)
	e.completed.Add(cloid, time.Now())

	reduceOnly := entry.reduceOnly
	aggregated := &models.OrderFill{
		Cloid:      &cloid,
		OID:        entry.oid,
		Side:       fill.Side,
		Price:      entry.weightedAvgPx,
		Size:       entry.filledSize,
		Fee:        entry.accumulatedFees,
		IsTaker:    entry.isTaker,
		Status:     models.StatusFilled,
		ReduceOnly: &reduceOnly,
		RawDir:     fill.RawDir,
	}
	e.emitFillEvents(aggregated)
	e.safeOnFilled(aggregated)
	e.broadcaster.Send(broadcast.EventGridState, e.strat.GridState(e.sctx))
	e.drainAndSubmit(ctx)
}

func (e *Engine) emitFillEvents(fill *models.OrderFill) {
	cloidHex := ""
	if fill.Cloid != nil {
		cloidHex = fill.Cloid.Hex()
	}
	e.broadcaster.Send(broadcast.EventOrderUpdate, broadcast.OrderEvent{
		OID: fill.OID, Cloid: cloidHex, Side: fill.Side.String(),
		Price: fill.Price, Size: fill.Size, Status: "FILLED", Fee: fill.Fee, IsTaker: fill.IsTaker,
	})
	if e.audit != nil {
		reduceOnly := fill.ReduceOnly != nil && *fill.ReduceOnly
		e.audit.LogFill(e.cfg.Strategy.Symbol, fill.Side.String(), fill.Price, fill.Size,
			reduceOnly, cloidHex, fill.Fee)
	}
}

func (e *Engine) refreshBalances(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout())
	defer cancel()

	if balances, err := e.ex.QuerySpotBalances(reqCtx); err != nil {
		logger.S().Errorf("Failed to fetch spot balances: %v", err)
	} else {
		for asset, b := range balances {
			e.sctx.UpdateSpotBalance(asset, b.Total, b.Total-b.Hold)
		}
	}

	if state, err := e.ex.QueryPerpState(reqCtx); err != nil {
		logger.S().Errorf("Failed to fetch perp state: %v", err)
	} else {
		e.sctx.UpdatePerpBalance("USDC", state.AccountValue, state.Withdrawable)
		for symbol, pos := range state.Positions {
			e.sctx.SetPosition(symbol, pos)
		}
	}
}

func (e *Engine) broadcastSummary() {
	summary := e.strat.Summary(e.sctx)
	e.broadcaster.Send(summary.EventType(), summary)
	e.broadcaster.Send(broadcast.EventGridState, e.strat.GridState(e.sctx))
}

// reconcile aligns the tracker with the exchange's view of open orders:
// tracked orders missing from the exchange are resolved by direct query,
// and exchange orders we issued but lost track of are re-adopted.
func (e *Engine) reconcile(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout())
	defer cancel()

	openOrders, err := e.ex.QueryOpenOrders(reqCtx)
	if err != nil {
		logger.S().Errorf("Reconciliation: failed to fetch open orders: %v", err)
		return
	}

	exchangeOIDs := make(map[uint64]struct{}, len(openOrders))
	for _, o := range openOrders {
		exchangeOIDs[o.OID] = struct{}{}
	}

	now := time.Now()
	type entrySnapshot struct {
		cloid models.Cloid
		oid   uint64
	}
	snapshots := make([]entrySnapshot, 0, len(e.pending))
	for cloid, entry := range e.pending {
		if entry.oid == 0 {
			// Submission unconfirmed: leave it alone inside the window.
			if now.Sub(entry.submittedAt) > inFlightWindow {
				logger.S().Warnf("Reconciliation: order %s never confirmed; marking lost.", cloid)
				snapshots = append(snapshots, entrySnapshot{cloid: cloid})
			}
			continue
		}
		if _, onExchange := exchangeOIDs[entry.oid]; !onExchange {
			snapshots = append(snapshots, entrySnapshot{cloid: cloid, oid: entry.oid})
		}
	}

	for _, snap := range snapshots {
		if e.completed.Contains(snap.cloid) {
			continue
		}
		if snap.oid == 0 {
			e.resolveLost(ctx, snap.cloid)
			continue
		}

		logger.S().Infof("Reconciliation: order %s (OID %d) missing from exchange. Querying status...", snap.cloid, snap.oid)
		state, err := e.ex.QueryOrderByOID(reqCtx, snap.oid)
		if err != nil {
			logger.S().Errorf("Reconciliation: failed to query status for %s: %v", snap.cloid, err)
			continue
		}
		switch {
		case state == nil:
			logger.S().Warnf("Reconciliation: order %s not found by query. Assuming lost.", snap.cloid)
			e.resolveLost(ctx, snap.cloid)
		case state.Status == models.StatusFilled:
			logger.S().Infof("[RECONCILE_FILLED] %s %v @ %v", state.Side, state.Size, state.Price)
			cloid := snap.cloid
			delete(e.pending, cloid)
			e.completed.Add(cloid, now)
			reduceOnly := state.ReduceOnly
			fill := &models.OrderFill{
				Cloid: &cloid, OID: snap.oid, Side: state.Side,
				Price: state.Price, Size: state.Size,
				Status: models.StatusFilled, ReduceOnly: &reduceOnly,
			}
			e.emitFillEvents(fill)
			e.safeOnFilled(fill)
			e.broadcaster.Send(broadcast.EventGridState, e.strat.GridState(e.sctx))
			e.drainAndSubmit(ctx)
		case state.Status == models.StatusCancelled || state.Status == models.StatusRejected:
			logger.S().Infof("[RECONCILE_FAILED] Order %s was %s", snap.cloid, state.Status)
			e.resolveLost(ctx, snap.cloid)
		default:
			logger.S().Infof("Reconciliation: order %s status is %s. Waiting.", snap.cloid, state.Status)
		}
	}

	// Adopt exchange orders we issued but no longer track, e.g. after a
	// reconnect dropped the in-memory entry.
	for _, o := range openOrders {
		if o.Cloid == nil {
			continue
		}
		cloid := *o.Cloid
		if _, tracked := e.pending[cloid]; tracked {
			continue
		}
		if e.completed.Contains(cloid) || !e.issued.Contains(cloid) {
			continue // completed duplicate or externally placed: ignore
		}
		logger.S().Infof("Reconciliation: adopting exchange order %s (OID %d).", cloid, o.OID)
		e.pending[cloid] = &pendingOrder{
			cloid:       cloid,
			targetSize:  o.Size,
			filledSize:  o.Size - o.Remaining,
			reduceOnly:  false,
			oid:         o.OID,
			zoneIndex:   -1,
			submittedAt: now,
			seenTrades:  make(map[uint64]struct{}),
		}
	}
}

func (e *Engine) resolveLost(ctx context.Context, cloid models.Cloid) {
	delete(e.pending, cloid)
	e.completed.Add(cloid, time.Now())
	e.broadcaster.Send(broadcast.EventOrderUpdate, broadcast.OrderEvent{
		Cloid: cloid.Hex(), Status: "FAILED",
	})
	e.safeOnFailed(cloid)
	e.drainAndSubmit(ctx)
}

// adoptOpenOrders runs once at startup: resting orders from a previous
// run whose cloids are not in the restored duplicate-suppression window
// are re-adopted so fills route and shutdown can cancel them.
func (e *Engine) adoptOpenOrders(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout())
	defer cancel()

	openOrders, err := e.ex.QueryOpenOrders(reqCtx)
	if err != nil {
		logger.S().Errorf("Startup: failed to fetch open orders: %v", err)
		return
	}
	if len(openOrders) == 0 {
		return
	}
	logger.S().Infof("Startup: found %d resting orders from a previous run.", len(openOrders))
	now := time.Now()
	for _, o := range openOrders {
		if o.Cloid == nil || e.completed.Contains(*o.Cloid) {
			continue
		}
		cloid := *o.Cloid
		e.issued.Add(cloid, now)
		e.pending[cloid] = &pendingOrder{
			cloid:       cloid,
			targetSize:  o.Size,
			filledSize:  o.Size - o.Remaining,
			oid:         o.OID,
			zoneIndex:   -1,
			submittedAt: now,
			seenTrades:  make(map[uint64]struct{}),
		}
	}
}

func (e *Engine) restoreRunState() {
	if e.repo == nil {
		return
	}
	state, err := e.repo.LoadRunState()
	if err != nil {
		logger.S().Warnf("Failed to load run state: %v; starting fresh.", err)
		return
	}
	if state == nil {
		logger.S().Info("No previous run state; starting fresh.")
		return
	}
	now := time.Now()
	for _, hex := range state.CompletedCloids {
		if cloid, err := models.CloidFromHex(hex); err == nil {
			e.completed.Add(cloid, now)
		}
	}
	logger.S().Infof("Restored run state from %s (%d completed cloids).",
		state.SavedAt.Format(time.RFC3339), len(state.CompletedCloids))
}

// shutdown drains best-effort cancels for every live order, flushes a
// final snapshot, and persists the duplicate-suppression window.
func (e *Engine) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), requestTimeout())
	defer cancel()

	e.strat.Shutdown(e.sctx)
	cancels := e.sctx.DrainCancels()
	e.sctx.DrainOrders() // discard: nothing new is placed during shutdown
	for cloid := range e.pending {
		cancels = append(cancels, cloid)
	}
	cancels = dedupeCloids(cancels)
	if len(cancels) > 0 {
		logger.S().Infof("Cancelling %d open orders...", len(cancels))
		if err := e.ex.CancelBatch(shutdownCtx, cancels); err != nil {
			logger.S().Errorf("Best-effort cancel on shutdown failed: %v", err)
		}
	}

	e.broadcastSummary()
	e.persistRunState()
	logger.S().Info("Engine stopped gracefully.")
}

func (e *Engine) persistRunState() {
	if e.repo == nil {
		return
	}
	completed := e.completed.Snapshot()
	hexes := make([]string, len(completed))
	for i, cloid := range completed {
		hexes[i] = cloid.Hex()
	}
	summaryJSON, _ := json.Marshal(e.strat.Summary(e.sctx))
	state := &persistence.RunState{
		RunID:           e.runID,
		CompletedCloids: hexes,
		SavedAt:         time.Now(),
		LastSummary:     summaryJSON,
	}
	if err := e.repo.SaveRunState(state); err != nil {
		logger.S().Errorf("Failed to persist run state: %v", err)
	}
}

func dedupeCloids(cloids []models.Cloid) []models.Cloid {
	seen := make(map[models.Cloid]struct{}, len(cloids))
	out := cloids[:0]
	for _, c := range cloids {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// requestTimeout is the per-request budget for exchange calls.
func requestTimeout() time.Duration { return 10 * time.Second }
