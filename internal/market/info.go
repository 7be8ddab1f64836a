package market

import (
	"math"

	"github.com/shopspring/decimal"
)

// Price rounding on Hyperliquid: at most 5 significant figures AND at
// most px-decimals decimal places, whichever is stricter.
const maxSigFigs = 5

// Info holds the immutable per-symbol trading rules plus the engine's
// cached last price. Loaded once from exchange metadata at startup.
type Info struct {
	Symbol     string
	Coin       string // API asset identifier
	AssetIndex int
	SzDecimals int
	PxDecimals int
	IsSpot     bool
	// Base/Quote are set for spot pairs only.
	BaseSymbol  string
	QuoteSymbol string

	// LastPrice is refreshed by the engine on every mid tick. Strategies
	// read it through the context; nothing else writes it.
	LastPrice float64
}

// NewInfo builds market info for a perp symbol.
func NewInfo(symbol, coin string, assetIndex, szDecimals, pxDecimals int) *Info {
	return &Info{
		Symbol:     symbol,
		Coin:       coin,
		AssetIndex: assetIndex,
		SzDecimals: szDecimals,
		PxDecimals: pxDecimals,
	}
}

// NewSpotInfo builds market info for a spot pair like "HYPE/USDC".
func NewSpotInfo(symbol, coin string, assetIndex, szDecimals, pxDecimals int, base, quote string) *Info {
	info := NewInfo(symbol, coin, assetIndex, szDecimals, pxDecimals)
	info.IsSpot = true
	info.BaseSymbol = base
	info.QuoteSymbol = quote
	return info
}

// RoundPrice snaps a price to an exchange-admissible value: 5 significant
// figures capped at PxDecimals decimal places. Idempotent.
func (i *Info) RoundPrice(price float64) float64 {
	return roundSignificantAndDecimal(price, maxSigFigs, i.PxDecimals)
}

// RoundSize snaps a size to SzDecimals decimal places. Idempotent.
func (i *Info) RoundSize(size float64) float64 {
	return roundToDecimals(size, i.SzDecimals)
}

// FormatPx renders the exact wire string for a (pre-rounded) price.
func (i *Info) FormatPx(price float64) string {
	return decimal.NewFromFloat(i.RoundPrice(price)).String()
}

// FormatSz renders the exact wire string for a (pre-rounded) size.
func (i *Info) FormatSz(size float64) string {
	return decimal.NewFromFloat(i.RoundSize(size)).String()
}

// ClampToMinNotional bumps a size up so size*price clears the exchange's
// minimum order value, then rounds to SzDecimals (rounding up so the
// clamp is not undone).
func (i *Info) ClampToMinNotional(size, price, minNotional float64) float64 {
	if price <= 0 {
		return i.RoundSize(size)
	}
	if size*price >= minNotional {
		return i.RoundSize(size)
	}
	minSize := minNotional / price
	factor := math.Pow10(i.SzDecimals)
	return math.Ceil(minSize*factor) / factor
}

func roundToDecimals(value float64, decimals int) float64 {
	factor := math.Pow10(decimals)
	return math.Round(value*factor) / factor
}

func roundSignificantAndDecimal(value float64, sigFigs, maxDecimals int) float64 {
	if math.Abs(value) < 1e-9 {
		return 0
	}
	abs := math.Abs(value)
	magnitude := int(math.Floor(math.Log10(abs)))
	scale := math.Pow10(sigFigs - magnitude - 1)
	rounded := math.Round(abs*scale) / scale
	return roundToDecimals(math.Copysign(rounded, value), maxDecimals)
}
