// Package strategy implements the grid trading state machines. A strategy
// never talks to the exchange: it reads market state through the Context
// and stages order intents that the engine executes.
package strategy

import (
	"errors"
	"fmt"
	"time"

	"github.com/smohantty/hyperliquid-trading-bot/internal/broadcast"
	"github.com/smohantty/hyperliquid-trading-bot/internal/config"
	"github.com/smohantty/hyperliquid-trading-bot/internal/models"
)

// ErrPreflight tags fatal pre-flight failures (insufficient balance or
// margin) so the entrypoint can map them to exit code 3.
var ErrPreflight = errors.New("preflight")

// State is the strategy lifecycle. Transitions are monotonic except that
// a failed acquisition retries AcquiringAssets.
type State string

const (
	StateInitializing      State = "Initializing"
	StateWaitingForTrigger State = "WaitingForTrigger"
	StateAcquiringAssets   State = "AcquiringAssets"
	StateRunning           State = "Running"
	StateTerminated        State = "Terminated"
)

// Strategy is the contract both grid variants satisfy. Callbacks run
// inline on the engine loop and must not block or perform I/O.
type Strategy interface {
	// OnTick is called for every mid-price update.
	OnTick(price float64, ctx *Context) error

	// OnOrderFilled is called once per order lifetime, with partial fills
	// already aggregated by the engine.
	OnOrderFilled(fill *models.OrderFill, ctx *Context) error

	// OnOrderFailed is called when an order is rejected, cancelled, or
	// lost. The strategy decides whether and how to re-attempt.
	OnOrderFailed(cloid models.Cloid, ctx *Context) error

	// Summary returns the high-level metrics snapshot.
	Summary(ctx *Context) broadcast.Summary

	// GridState returns the zone ladder snapshot.
	GridState(ctx *Context) broadcast.GridState

	// Shutdown stages cancels for every live order and terminates the
	// state machine. Called once during engine shutdown.
	Shutdown(ctx *Context)
}

// New builds a strategy from a validated config.
func New(cfg config.StrategyConfig) (Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case config.StrategySpotGrid:
		return NewSpotGrid(cfg), nil
	case config.StrategyPerpGrid:
		return NewPerpGrid(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy type %q", config.ErrValidation, cfg.Type)
	}
}

// formatUptime renders a duration as "1h 02m 03s" for summaries.
func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
