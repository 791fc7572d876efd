package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/core"
)

// UserStream owns one exchange listen key: it keeps the key alive and parses
// execution reports into core.OrderEvent and publishes them on the bus. On
// reconnect the socket dials the same key again; a fresh key is not
// requested, even if the old one has expired server-side.
type UserStream struct {
	exchange core.ExchangeGateway
	bus      core.Bus
	logger   core.Logger

	ws        *wsClient
	listenKey string
}

// NewUserStream builds a UserStream. Call Start to begin listening.
func NewUserStream(exchange core.ExchangeGateway, bus core.Bus, logger core.Logger) *UserStream {
	return &UserStream{
		exchange: exchange,
		bus:      bus,
		logger:   logger.WithField("component", "user_stream"),
	}
}

// Start acquires a listen key, opens the socket, and launches the
// keepalive loop. ctx cancellation stops the keepalive loop only; Stop
// closes the socket and releases the key.
func (u *UserStream) Start(ctx context.Context, wsBaseURL string) error {
	key, err := u.exchange.StartUserStream(ctx)
	if err != nil {
		return fmt.Errorf("failed to start user stream: %w", err)
	}
	u.listenKey = key

	u.ws = newWSClient(strings.TrimSuffix(wsBaseURL, "/")+"/ws/"+key, u.handleMessage, u.logger)
	u.ws.start()

	go u.keepAliveLoop(ctx)
	return nil
}

// Stop closes the socket and releases the listen key.
func (u *UserStream) Stop(ctx context.Context) {
	if u.ws != nil {
		u.ws.stop()
	}
	if u.listenKey != "" {
		if err := u.exchange.CloseUserStream(ctx, u.listenKey); err != nil {
			u.logger.Warn("failed to close user stream listen key", "error", err)
		}
	}
}

// keepAliveLoop extends the listen key's validity every 30 minutes, well
// inside the exchange's 60 minute expiry window.
func (u *UserStream) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.exchange.KeepAliveUserStream(ctx, u.listenKey); err != nil {
				u.logger.Warn("user stream keepalive failed", "error", err)
			}
		}
	}
}

type executionReportFrame struct {
	EventType         string `json:"e"`
	Symbol            string `json:"s"`
	ClientOrderID     string `json:"c"`
	Side              string `json:"S"`
	OrderStatus       string `json:"X"`
	OrderID           int64  `json:"i"`
	Price             string `json:"p"`
	LastFilledQty     string `json:"l"`
	CumulativeFillQty string `json:"z"`
}

func (u *UserStream) handleMessage(raw []byte) {
	var frame executionReportFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		u.logger.Warn("failed to parse user stream frame", "error", err)
		return
	}
	if frame.EventType != "executionReport" {
		u.bus.Publish(core.EventUser, core.UserEvent{Kind: frame.EventType})
		return
	}

	u.bus.Publish(core.EventOrder, core.OrderEvent{
		Symbol:        frame.Symbol,
		OrderID:       frame.OrderID,
		ClientOrderID: frame.ClientOrderID,
		Side:          core.OrderSide(frame.Side),
		Status:        mapWireStatus(frame.OrderStatus),
		Price:         parseDecimalOrZero(frame.Price),
		FilledQty:     parseDecimalOrZero(frame.CumulativeFillQty),
	})
}

func mapWireStatus(raw string) core.OrderStatus {
	switch raw {
	case "NEW", "PARTIALLY_FILLED":
		return core.OrderOpen
	case "FILLED":
		return core.OrderFilled
	default:
		return core.OrderError
	}
}

func parseDecimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
