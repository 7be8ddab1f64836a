package exchange

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smohantty/hyperliquid-trading-bot/internal/logger"
	"github.com/smohantty/hyperliquid-trading-bot/internal/models"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	reconnectBase = 500 * time.Millisecond
	reconnectCap  = 30 * time.Second
)

// SubscribeMids streams mid prices for symbol. The channel survives
// socket drops: the reader reconnects with exponential backoff and
// re-subscribes, and only closes when ctx is cancelled or the adapter is
// closed.
func (h *Hyperliquid) SubscribeMids(ctx context.Context, symbol string) (<-chan MidPrice, error) {
	info, err := h.infoForSymbol(symbol)
	if err != nil {
		return nil, err
	}
	coin := info.Coin

	out := make(chan MidPrice, 256)
	subscribe := map[string]any{
		"method":       "subscribe",
		"subscription": map[string]any{"type": "allMids"},
	}

	go h.streamLoop(ctx, "allMids", subscribe, out, func(raw []byte) {
		var msg struct {
			Channel string `json:"channel"`
			Data    struct {
				Mids map[string]string `json:"mids"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			logUnparsed("allMids", err)
			return
		}
		if msg.Channel != "allMids" {
			return
		}
		priceStr, ok := msg.Data.Mids[coin]
		if !ok {
			return
		}
		price, err := strconv.ParseFloat(priceStr, 64)
		if err != nil || price <= 0 {
			return
		}
		select {
		case out <- MidPrice{Symbol: symbol, Price: price, TsMs: time.Now().UnixMilli()}:
		default:
			// Mid ticks are idempotent; drop when the engine lags.
		}
	})

	return out, nil
}

// SubscribeUserEvents streams fills for the trading account.
func (h *Hyperliquid) SubscribeUserEvents(ctx context.Context) (<-chan models.OrderFill, error) {
	out := make(chan models.OrderFill, 256)
	subscribe := map[string]any{
		"method": "subscribe",
		"subscription": map[string]any{
			"type": "userFills",
			"user": h.address.Hex(),
		},
	}

	go h.streamLoop(ctx, "userFills", subscribe, out, func(raw []byte) {
		var msg struct {
			Channel string `json:"channel"`
			Data    struct {
				IsSnapshot bool `json:"isSnapshot"`
				Fills      []struct {
					Coin    string `json:"coin"`
					Px      string `json:"px"`
					Sz      string `json:"sz"`
					Side    string `json:"side"`
					OID     uint64 `json:"oid"`
					TID     uint64 `json:"tid"`
					Cloid   string `json:"cloid"`
					Fee     string `json:"fee"`
					Dir     string `json:"dir"`
					Crossed bool   `json:"crossed"`
				} `json:"fills"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			logUnparsed("userFills", err)
			return
		}
		if msg.Channel != "userFills" || msg.Data.IsSnapshot {
			// The initial snapshot replays historical fills; the engine's
			// duplicate suppression handles stragglers, but skipping the
			// snapshot avoids flooding it on every reconnect.
			return
		}
		for _, f := range msg.Data.Fills {
			price, _ := strconv.ParseFloat(f.Px, 64)
			size, _ := strconv.ParseFloat(f.Sz, 64)
			fee, _ := strconv.ParseFloat(f.Fee, 64)
			side := models.Sell
			if strings.HasPrefix(strings.ToUpper(f.Side), "B") {
				side = models.Buy
			}
			fill := models.OrderFill{
				OID:     f.OID,
				TradeID: f.TID,
				Side:    side,
				Price:   price,
				Size:    size,
				Fee:     fee,
				IsTaker: f.Crossed,
				Status:  models.StatusFilled,
				RawDir:  f.Dir,
			}
			if f.Cloid != "" {
				if cloid, err := models.CloidFromHex(f.Cloid); err == nil {
					fill.Cloid = &cloid
				}
			}
			select {
			case out <- fill:
			case <-ctx.Done():
				return
			}
		}
	})

	return out, nil
}

// streamLoop maintains one subscription across reconnects: dial,
// subscribe, pump messages into handle, back off and redial on error.
func (h *Hyperliquid) streamLoop(ctx context.Context, name string, subscribe map[string]any, out any, handle func([]byte)) {
	defer func() {
		switch ch := out.(type) {
		case chan MidPrice:
			close(ch)
		case chan models.OrderFill:
			close(ch)
		}
	}()

	backoff := reconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.closed:
			return
		default:
		}

		err := h.runConnection(ctx, name, subscribe, handle)
		if err != nil {
			logger.S().Warnf("%s stream disconnected: %v. Reconnecting in %s...", name, err, backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-h.closed:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectCap {
			backoff = reconnectCap
		}
		if err == nil {
			backoff = reconnectBase
		}
	}
}

// runConnection drives one socket lifetime: returns when the connection
// breaks or the context is cancelled.
func (h *Hyperliquid) runConnection(ctx context.Context, name string, subscribe map[string]any, handle func([]byte)) error {
	dialer := websocket.Dialer{HandshakeTimeout: requestTimeout}
	conn, _, err := dialer.DialContext(ctx, h.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteJSON(subscribe); err != nil {
		return err
	}
	logger.S().Infof("%s stream connected and subscribed.", name)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	pingStop := make(chan struct{})
	defer close(pingStop)

	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		handle(message)
	}
}
