package exchange

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"

	"github.com/smohantty/hyperliquid-trading-bot/internal/config"
	"github.com/smohantty/hyperliquid-trading-bot/internal/logger"
	"github.com/smohantty/hyperliquid-trading-bot/internal/market"
	"github.com/smohantty/hyperliquid-trading-bot/internal/models"
)

const (
	mainnetAPIURL = "https://api.hyperliquid.xyz"
	testnetAPIURL = "https://api.hyperliquid-testnet.xyz"
	mainnetWSURL  = "wss://api.hyperliquid.xyz/ws"
	testnetWSURL  = "wss://api.hyperliquid-testnet.xyz/ws"

	requestTimeout = 10 * time.Second

	// Spot assets are addressed at an offset above the perp universe.
	spotAssetOffset = 10000
)

// Hyperliquid implements Exchange against the Hyperliquid REST and
// WebSocket APIs. Info queries go to /info; order actions are signed with
// the wallet key and posted to /exchange.
type Hyperliquid struct {
	network string
	rest    *resty.Client
	wsURL   string

	privKey *ecdsa.PrivateKey
	address common.Address

	mu        sync.Mutex
	markets   map[string]*market.Info // symbol -> info
	byCoin    map[string]*market.Info // API coin -> info
	lastAsset int                     // asset index of the last submitted order

	closeOnce sync.Once
	closed    chan struct{}
}

// NewHyperliquid builds the adapter from exchange config. The private key
// comes from the environment, never from the config file.
func NewHyperliquid(cfg config.ExchangeConfig) (*Hyperliquid, error) {
	apiURL, wsURL := mainnetAPIURL, mainnetWSURL
	if cfg.Network == "testnet" {
		apiURL, wsURL = testnetAPIURL, testnetWSURL
	}

	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("%w: WALLET_PRIVATE_KEY is not set", ErrUnrecoverable)
	}
	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key: %v", ErrUnrecoverable, err)
	}

	address := crypto.PubkeyToAddress(privKey.PublicKey)
	if cfg.AccountAddress != "" {
		// Agent wallets sign for a master account.
		address = common.HexToAddress(cfg.AccountAddress)
	}

	rest := resty.New().
		SetBaseURL(apiURL).
		SetTimeout(requestTimeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(1).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Hyperliquid{
		network: cfg.Network,
		rest:    rest,
		wsURL:   wsURL,
		privKey: privKey,
		address: address,
		markets: make(map[string]*market.Info),
		byCoin:  make(map[string]*market.Info),
		closed:  make(chan struct{}),
	}, nil
}

// Address returns the trading account address.
func (h *Hyperliquid) Address() common.Address { return h.address }

func (h *Hyperliquid) info(ctx context.Context, payload, out any) error {
	resp, err := h.rest.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(out).
		Post("/info")
	if err != nil {
		return fmt.Errorf("info request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("info request failed: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// --- Metadata ---

type perpMetaResponse struct {
	Universe []struct {
		Name       string `json:"name"`
		SzDecimals int    `json:"szDecimals"`
	} `json:"universe"`
}

type spotMetaResponse struct {
	Tokens []struct {
		Name       string `json:"name"`
		Index      int    `json:"index"`
		SzDecimals int    `json:"szDecimals"`
	} `json:"tokens"`
	Universe []struct {
		Name   string `json:"name"`
		Index  int    `json:"index"`
		Tokens []int  `json:"tokens"`
	} `json:"universe"`
}

func (h *Hyperliquid) QueryMarkets(ctx context.Context) (map[string]*market.Info, error) {
	markets := make(map[string]*market.Info)

	var perpMeta perpMetaResponse
	if err := h.info(ctx, map[string]any{"type": "meta"}, &perpMeta); err != nil {
		return nil, fmt.Errorf("%w: fetching perp metadata: %v", ErrUnrecoverable, err)
	}
	for i, asset := range perpMeta.Universe {
		pxDecimals := 6 - asset.SzDecimals
		if pxDecimals < 0 {
			pxDecimals = 0
		}
		markets[asset.Name] = market.NewInfo(asset.Name, asset.Name, i, asset.SzDecimals, pxDecimals)
	}

	var spotMeta spotMetaResponse
	if err := h.info(ctx, map[string]any{"type": "spotMeta"}, &spotMeta); err != nil {
		return nil, fmt.Errorf("%w: fetching spot metadata: %v", ErrUnrecoverable, err)
	}
	tokenByIndex := make(map[int]struct {
		name       string
		szDecimals int
	}, len(spotMeta.Tokens))
	for _, tok := range spotMeta.Tokens {
		tokenByIndex[tok.Index] = struct {
			name       string
			szDecimals int
		}{tok.Name, tok.SzDecimals}
	}
	for _, pair := range spotMeta.Universe {
		if len(pair.Tokens) < 2 {
			continue
		}
		base, baseOK := tokenByIndex[pair.Tokens[0]]
		quote, quoteOK := tokenByIndex[pair.Tokens[1]]
		if !baseOK || !quoteOK {
			continue
		}
		symbol := base.name + "/" + quote.name
		pxDecimals := 8 - base.szDecimals
		if pxDecimals < 0 {
			pxDecimals = 0
		}
		markets[symbol] = market.NewSpotInfo(
			symbol, pair.Name, spotAssetOffset+pair.Index, base.szDecimals, pxDecimals,
			base.name, quote.name,
		)
	}

	h.mu.Lock()
	h.markets = markets
	h.byCoin = make(map[string]*market.Info, len(markets))
	for _, info := range markets {
		h.byCoin[info.Coin] = info
	}
	h.mu.Unlock()

	return markets, nil
}

func (h *Hyperliquid) infoForSymbol(symbol string) (*market.Info, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := h.markets[symbol]
	if info == nil {
		return nil, fmt.Errorf("%w: no metadata for symbol %q", ErrUnrecoverable, symbol)
	}
	return info, nil
}

// --- Account queries ---

func (h *Hyperliquid) QuerySpotBalances(ctx context.Context) (map[string]SpotBalance, error) {
	var result struct {
		Balances []struct {
			Coin  string `json:"coin"`
			Total string `json:"total"`
			Hold  string `json:"hold"`
		} `json:"balances"`
	}
	payload := map[string]any{"type": "spotClearinghouseState", "user": h.address.Hex()}
	if err := h.info(ctx, payload, &result); err != nil {
		return nil, err
	}
	out := make(map[string]SpotBalance, len(result.Balances))
	for _, b := range result.Balances {
		total, _ := strconv.ParseFloat(b.Total, 64)
		hold, _ := strconv.ParseFloat(b.Hold, 64)
		out[b.Coin] = SpotBalance{Total: total, Hold: hold}
	}
	return out, nil
}

func (h *Hyperliquid) QueryPerpState(ctx context.Context) (*PerpState, error) {
	var result struct {
		MarginSummary struct {
			AccountValue string `json:"accountValue"`
		} `json:"marginSummary"`
		Withdrawable   string `json:"withdrawable"`
		AssetPositions []struct {
			Position struct {
				Coin           string `json:"coin"`
				Szi            string `json:"szi"`
				EntryPx        string `json:"entryPx"`
				UnrealizedPnl  string `json:"unrealizedPnl"`
				CumFunding     any    `json:"cumFunding"`
				PositionValue  string `json:"positionValue"`
				MarginUsedRepr string `json:"marginUsed"`
			} `json:"position"`
		} `json:"assetPositions"`
	}
	payload := map[string]any{"type": "clearinghouseState", "user": h.address.Hex()}
	if err := h.info(ctx, payload, &result); err != nil {
		return nil, err
	}

	state := &PerpState{Positions: make(map[string]models.Position)}
	state.AccountValue, _ = strconv.ParseFloat(result.MarginSummary.AccountValue, 64)
	state.Withdrawable, _ = strconv.ParseFloat(result.Withdrawable, 64)

	for _, ap := range result.AssetPositions {
		szi, _ := strconv.ParseFloat(ap.Position.Szi, 64)
		if szi == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(ap.Position.EntryPx, 64)
		symbol := ap.Position.Coin
		h.mu.Lock()
		if info := h.byCoin[ap.Position.Coin]; info != nil {
			symbol = info.Symbol
		}
		h.mu.Unlock()
		state.Positions[symbol] = models.Position{Size: szi, AvgEntry: entry}
	}
	return state, nil
}

func (h *Hyperliquid) QueryOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	var result []struct {
		Coin    string `json:"coin"`
		OID     uint64 `json:"oid"`
		Cloid   string `json:"cloid"`
		Side    string `json:"side"`
		LimitPx string `json:"limitPx"`
		Sz      string `json:"sz"`
		OrigSz  string `json:"origSz"`
	}
	payload := map[string]any{"type": "frontendOpenOrders", "user": h.address.Hex()}
	if err := h.info(ctx, payload, &result); err != nil {
		return nil, err
	}

	orders := make([]OpenOrder, 0, len(result))
	for _, o := range result {
		price, _ := strconv.ParseFloat(o.LimitPx, 64)
		remaining, _ := strconv.ParseFloat(o.Sz, 64)
		origSz, _ := strconv.ParseFloat(o.OrigSz, 64)
		side := models.Sell
		if strings.HasPrefix(strings.ToUpper(o.Side), "B") {
			side = models.Buy
		}
		order := OpenOrder{
			OID:       o.OID,
			Side:      side,
			Price:     price,
			Size:      origSz,
			Remaining: remaining,
		}
		if o.Cloid != "" {
			if cloid, err := models.CloidFromHex(o.Cloid); err == nil {
				order.Cloid = &cloid
			}
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (h *Hyperliquid) QueryOrderByOID(ctx context.Context, oid uint64) (*OrderState, error) {
	var result struct {
		Status string `json:"status"`
		Order  struct {
			Status string `json:"status"`
			Order  struct {
				Side       string `json:"side"`
				LimitPx    string `json:"limitPx"`
				Sz         string `json:"sz"`
				OrigSz     string `json:"origSz"`
				ReduceOnly bool   `json:"reduceOnly"`
			} `json:"order"`
		} `json:"order"`
	}
	payload := map[string]any{"type": "orderStatus", "user": h.address.Hex(), "oid": oid}
	if err := h.info(ctx, payload, &result); err != nil {
		return nil, err
	}
	if result.Status != "order" {
		return nil, nil // unknown oid
	}

	side := models.Sell
	if strings.HasPrefix(strings.ToUpper(result.Order.Order.Side), "B") {
		side = models.Buy
	}
	price, _ := strconv.ParseFloat(result.Order.Order.LimitPx, 64)
	size, _ := strconv.ParseFloat(result.Order.Order.OrigSz, 64)

	status := models.OrderStatus(result.Order.Status)
	switch result.Order.Status {
	case "filled":
		status = models.StatusFilled
	case "canceled", "cancelled", "marginCanceled":
		status = models.StatusCancelled
	case "rejected", "margin":
		status = models.StatusRejected
	case "open", "resting":
		status = models.StatusOpen
	}

	return &OrderState{
		Status:     status,
		Side:       side,
		Price:      price,
		Size:       size,
		ReduceOnly: result.Order.Order.ReduceOnly,
	}, nil
}

// --- Order actions ---

type wireOrder struct {
	Asset      int             `json:"a"`
	IsBuy      bool            `json:"b"`
	Price      string          `json:"p"`
	Size       string          `json:"s"`
	ReduceOnly bool            `json:"r"`
	Type       json.RawMessage `json:"t"`
	Cloid      string          `json:"c,omitempty"`
}

func orderType(tif string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"limit":{"tif":%q}}`, tif))
}

func (h *Hyperliquid) SubmitBatch(ctx context.Context, orders []models.OrderRequest) ([]SubmitResult, error) {
	wire := make([]wireOrder, 0, len(orders))
	for _, o := range orders {
		info, err := h.infoForSymbol(o.Symbol)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.lastAsset = info.AssetIndex
		h.mu.Unlock()
		w := wireOrder{
			Asset:      info.AssetIndex,
			IsBuy:      o.Side.IsBuy(),
			Size:       info.FormatSz(o.Size),
			ReduceOnly: o.ReduceOnly,
			Cloid:      o.Cloid.Hex(),
		}
		switch o.Kind {
		case models.KindLimit:
			w.Price = info.FormatPx(o.Price)
			w.Type = orderType("Gtc")
		case models.KindMarket:
			// No native market type: IOC limit at the cached mid, padded
			// so the marketable side crosses.
			px := info.LastPrice
			if o.Side.IsBuy() {
				px *= 1.05
			} else {
				px *= 0.95
			}
			w.Price = info.FormatPx(px)
			w.Type = orderType("Ioc")
		default:
			return nil, fmt.Errorf("cancel request in order batch for %s", o.Cloid)
		}
		wire = append(wire, w)
	}

	action := map[string]any{
		"type":     "order",
		"orders":   wire,
		"grouping": "na",
	}

	var response struct {
		Status   string `json:"status"`
		Response struct {
			Data struct {
				Statuses []struct {
					Resting *struct {
						OID uint64 `json:"oid"`
					} `json:"resting"`
					Filled *struct {
						OID     uint64 `json:"oid"`
						TotalSz string `json:"totalSz"`
						AvgPx   string `json:"avgPx"`
					} `json:"filled"`
					Error string `json:"error"`
				} `json:"statuses"`
			} `json:"data"`
		} `json:"response"`
	}
	if err := h.postAction(ctx, action, &response); err != nil {
		return nil, err
	}
	if response.Status != "ok" {
		return nil, fmt.Errorf("order batch refused: %s", response.Status)
	}

	statuses := response.Response.Data.Statuses
	results := make([]SubmitResult, len(orders))
	for i := range orders {
		if i >= len(statuses) {
			results[i] = SubmitResult{Status: SubmitRejected, Reason: "no status returned"}
			continue
		}
		st := statuses[i]
		switch {
		case st.Resting != nil:
			results[i] = SubmitResult{Status: SubmitAccepted, OID: st.Resting.OID}
		case st.Filled != nil:
			sz, _ := strconv.ParseFloat(st.Filled.TotalSz, 64)
			px, _ := strconv.ParseFloat(st.Filled.AvgPx, 64)
			results[i] = SubmitResult{Status: SubmitFilled, OID: st.Filled.OID, FilledSize: sz, AvgPrice: px}
		default:
			results[i] = SubmitResult{Status: SubmitRejected, Reason: st.Error}
		}
	}
	return results, nil
}

func (h *Hyperliquid) CancelBatch(ctx context.Context, cloids []models.Cloid) error {
	if len(cloids) == 0 {
		return nil
	}
	// All cloids in one run belong to the configured symbol, so the asset
	// of the last submitted order is the right one for every cancel.
	cancels := make([]map[string]any, 0, len(cloids))
	h.mu.Lock()
	asset := h.lastAsset
	h.mu.Unlock()
	for _, cloid := range cloids {
		cancels = append(cancels, map[string]any{"asset": asset, "cloid": cloid.Hex()})
	}

	action := map[string]any{"type": "cancelByCloid", "cancels": cancels}
	var response struct {
		Status string `json:"status"`
	}
	if err := h.postAction(ctx, action, &response); err != nil {
		return err
	}
	if response.Status != "ok" {
		return fmt.Errorf("cancel batch refused: %s", response.Status)
	}
	return nil
}

func (h *Hyperliquid) UpdateLeverage(ctx context.Context, symbol string, leverage int, isCross bool) error {
	info, err := h.infoForSymbol(symbol)
	if err != nil {
		return err
	}
	action := map[string]any{
		"type":     "updateLeverage",
		"asset":    info.AssetIndex,
		"isCross":  isCross,
		"leverage": leverage,
	}
	var response struct {
		Status string `json:"status"`
	}
	if err := h.postAction(ctx, action, &response); err != nil {
		return err
	}
	if response.Status != "ok" {
		return fmt.Errorf("leverage update refused: %s", response.Status)
	}
	return nil
}

// postAction signs and posts one L1 action to /exchange.
func (h *Hyperliquid) postAction(ctx context.Context, action map[string]any, out any) error {
	nonce := time.Now().UnixMilli()
	signature, err := h.signAction(action, nonce)
	if err != nil {
		return fmt.Errorf("signing action: %w", err)
	}

	body := map[string]any{
		"action":    action,
		"nonce":     nonce,
		"signature": signature,
	}
	resp, err := h.rest.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		Post("/exchange")
	if err != nil {
		return fmt.Errorf("exchange request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("exchange request failed: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// signAction hashes the serialized action together with the nonce and
// signs it with the wallet key, per the exchange's L1 action scheme.
func (h *Hyperliquid) signAction(action map[string]any, nonce int64) (map[string]any, error) {
	actionBytes, err := json.Marshal(action)
	if err != nil {
		return nil, err
	}

	nonceBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(nonceBytes, uint64(nonce))

	payload := make([]byte, 0, len(actionBytes)+9)
	payload = append(payload, actionBytes...)
	payload = append(payload, nonceBytes...)
	payload = append(payload, 0x00) // no vault address

	digest := crypto.Keccak256(payload)
	sig, err := crypto.Sign(digest, h.privKey)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"r": hexutil.Encode(sig[:32]),
		"s": hexutil.Encode(sig[32:64]),
		"v": 27 + int(sig[64]),
	}, nil
}

func (h *Hyperliquid) Close() error {
	h.closeOnce.Do(func() { close(h.closed) })
	return nil
}

// logUnparsed is a shared helper for stream readers.
func logUnparsed(kind string, err error) {
	logger.S().Warnf("Failed to parse %s message: %v", kind, err)
}
