// Package exchange defines the transport capabilities the engine needs
// and provides the Hyperliquid implementation. Any concrete venue must
// adapt to this interface; the engine never imports an SDK directly.
package exchange

import (
	"context"
	"errors"

	"github.com/smohantty/hyperliquid-trading-bot/internal/market"
	"github.com/smohantty/hyperliquid-trading-bot/internal/models"
)

// ErrUnrecoverable tags exchange failures that should stop the bot with
// exit code 4 (bad credentials, unknown symbol, persistent rejection of
// metadata queries).
var ErrUnrecoverable = errors.New("unrecoverable exchange error")

// MidPrice is one tick from the mid-price stream.
type MidPrice struct {
	Symbol string
	Price  float64
	TsMs   int64
}

// SubmitStatus classifies the per-order outcome of a batch submission.
type SubmitStatus int

const (
	// SubmitAccepted: the order is resting with the returned OID.
	SubmitAccepted SubmitStatus = iota
	// SubmitFilled: the order filled immediately (IOC/market path).
	SubmitFilled
	// SubmitRejected: the exchange refused the order.
	SubmitRejected
)

// SubmitResult is the outcome for one order of a batch, in submission
// order.
type SubmitResult struct {
	Status SubmitStatus
	OID    uint64
	// Filled size and average price, set when Status == SubmitFilled.
	FilledSize float64
	AvgPrice   float64
	// Reason is set when Status == SubmitRejected.
	Reason string
}

// OpenOrder is one resting order as reported by the exchange.
type OpenOrder struct {
	OID       uint64
	Cloid     *models.Cloid
	Side      models.Side
	Price     float64
	Size      float64 // original size
	Remaining float64
}

// OrderState is the terminal-or-live status of a single queried order.
type OrderState struct {
	Status     models.OrderStatus
	Side       models.Side
	Price      float64
	Size       float64
	ReduceOnly bool
}

// Exchange is the full capability set the engine consumes.
type Exchange interface {
	// SubscribeMids starts the mid-price stream for symbol. The returned
	// channel stays open across reconnects and closes on ctx done or Close.
	SubscribeMids(ctx context.Context, symbol string) (<-chan MidPrice, error)

	// SubscribeUserEvents starts the fill/status stream for the account.
	SubscribeUserEvents(ctx context.Context) (<-chan models.OrderFill, error)

	// SubmitBatch sends order intents as one exchange action. Results
	// align 1:1 with the input slice. A returned error means the whole
	// batch failed in transport and nothing is known to be placed.
	SubmitBatch(ctx context.Context, orders []models.OrderRequest) ([]SubmitResult, error)

	// CancelBatch cancels orders by cloid. Unknown cloids are no-ops.
	CancelBatch(ctx context.Context, cloids []models.Cloid) error

	// QueryOpenOrders lists all currently resting orders for the account.
	QueryOpenOrders(ctx context.Context) ([]OpenOrder, error)

	// QueryOrderByOID fetches the state of one order; nil when unknown.
	QueryOrderByOID(ctx context.Context, oid uint64) (*OrderState, error)

	// QuerySpotBalances returns asset -> (total, hold) spot balances.
	QuerySpotBalances(ctx context.Context) (map[string]SpotBalance, error)

	// QueryPerpState returns the margin summary and open perp positions.
	QueryPerpState(ctx context.Context) (*PerpState, error)

	// QueryMarkets loads metadata for every tradable symbol.
	QueryMarkets(ctx context.Context) (map[string]*market.Info, error)

	// UpdateLeverage sets leverage and margin mode for a perp symbol.
	UpdateLeverage(ctx context.Context, symbol string, leverage int, isCross bool) error

	// Close tears down sockets and background readers.
	Close() error
}

// SpotBalance is one asset's spot balance as reported by the exchange.
type SpotBalance struct {
	Total float64
	Hold  float64
}

// PerpState is the account's perp-side snapshot.
type PerpState struct {
	AccountValue float64
	Withdrawable float64
	Positions    map[string]models.Position
}
