package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"gridbot/internal/core"
	"gridbot/internal/errs"
)

// NewOrder places a limit order, post-only when p.PostOnly is set (spec.md
// §4.1: every grid/DCA order is a maker order, never a taker).
func (g *Gateway) NewOrder(ctx context.Context, p core.NewOrderParams) (core.Order, error) {
	orderType := "LIMIT"
	if p.PostOnly {
		orderType = "LIMIT_MAKER"
	}

	values := url.Values{
		"symbol":      {p.Symbol},
		"side":        {string(p.Side)},
		"type":        {orderType},
		"quantity":    {p.Qty.String()},
		"price":       {p.Price.String()},
		"timeInForce": {"GTC"},
	}
	if orderType == "LIMIT_MAKER" {
		values.Del("timeInForce")
	}
	if p.ClientOrderID != "" {
		values.Set("newClientOrderId", p.ClientOrderID)
	}

	body, err := g.request(ctx, "POST", "/api/v3/order", values, true)
	if err != nil {
		return core.Order{}, err
	}
	return decodeOrder(body)
}

// CancelOrder cancels a single open order. An order the exchange no longer
// knows about (already filled or cancelled) is treated as success, per
// spec.md §7's logical-benign class: the runner asked for an end state
// that already holds.
func (g *Gateway) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	values := url.Values{
		"symbol":  {symbol},
		"orderId": {strconv.FormatInt(orderID, 10)},
	}
	_, err := g.request(ctx, "DELETE", "/api/v3/order", values, true)
	if err != nil && errors.Is(err, errs.ErrOrderNotFound) {
		return nil
	}
	return err
}

// CancelAllOrders cancels every open order for symbol.
func (g *Gateway) CancelAllOrders(ctx context.Context, symbol string) error {
	values := url.Values{"symbol": {symbol}}
	_, err := g.request(ctx, "DELETE", "/api/v3/openOrders", values, true)
	return err
}

// GetOrder fetches a single order's current state.
func (g *Gateway) GetOrder(ctx context.Context, symbol string, orderID int64) (core.Order, error) {
	values := url.Values{
		"symbol":  {symbol},
		"orderId": {strconv.FormatInt(orderID, 10)},
	}
	body, err := g.request(ctx, "GET", "/api/v3/order", values, true)
	if err != nil {
		return core.Order{}, err
	}
	return decodeOrder(body)
}

// GetOpenOrders returns every currently-open order for symbol.
func (g *Gateway) GetOpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	values := url.Values{"symbol": {symbol}}
	body, err := g.request(ctx, "GET", "/api/v3/openOrders", values, true)
	if err != nil {
		return nil, err
	}
	return decodeOrders(body)
}

// GetAllOrders returns symbol's order history, optionally windowed by
// opts. The runners' reconciliation loops do not call it; they use
// GetOpenOrders and GetOrder.
func (g *Gateway) GetAllOrders(ctx context.Context, symbol string, opts core.GetAllOrdersOpts) ([]core.Order, error) {
	values := url.Values{"symbol": {symbol}}
	if opts.StartTime > 0 {
		values.Set("startTime", strconv.FormatInt(opts.StartTime, 10))
	}
	if opts.EndTime > 0 {
		values.Set("endTime", strconv.FormatInt(opts.EndTime, 10))
	}
	if opts.Limit > 0 {
		values.Set("limit", strconv.Itoa(opts.Limit))
	}
	body, err := g.request(ctx, "GET", "/api/v3/allOrders", values, true)
	if err != nil {
		return nil, err
	}
	return decodeOrders(body)
}

type wireOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Status        string `json:"status"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

func decodeOrder(body []byte) (core.Order, error) {
	var w wireOrder
	if err := json.Unmarshal(body, &w); err != nil {
		return core.Order{}, fmt.Errorf("failed to decode order: %w", err)
	}
	return wireOrderToCore(w), nil
}

func decodeOrders(body []byte) ([]core.Order, error) {
	var raw []wireOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode orders: %w", err)
	}
	orders := make([]core.Order, 0, len(raw))
	for _, w := range raw {
		orders = append(orders, wireOrderToCore(w))
	}
	return orders, nil
}

func wireOrderToCore(w wireOrder) core.Order {
	return core.Order{
		OrderID:       w.OrderID,
		ClientOrderID: w.ClientOrderID,
		Side:          core.OrderSide(w.Side),
		Price:         parseDecimal(w.Price),
		Qty:           parseDecimal(w.OrigQty),
		Status:        mapOrderStatus(w.Status),
		CreatedAt:     w.Time,
		UpdatedAt:     w.UpdateTime,
	}
}
