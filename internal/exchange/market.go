package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"

	"gridbot/internal/core"
)

// ServerTime returns the exchange's current time in epoch milliseconds.
func (g *Gateway) ServerTime(ctx context.Context) (int64, error) {
	body, err := g.request(ctx, "GET", "/api/v3/time", nil, false)
	if err != nil {
		return 0, err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to decode server time: %w", err)
	}
	return resp.ServerTime, nil
}

// Price returns symbol's current best price.
func (g *Gateway) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	values := url.Values{"symbol": {symbol}}
	body, err := g.request(ctx, "GET", "/api/v3/ticker/price", values, false)
	if err != nil {
		return decimal.Zero, err
	}
	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode price: %w", err)
	}
	return parseDecimal(resp.Price), nil
}

// Klines returns up to limit candles for symbol/interval, oldest first.
func (g *Gateway) Klines(ctx context.Context, symbol, interval string, limit int) ([]core.Kline, error) {
	values := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	body, err := g.request(ctx, "GET", "/api/v3/klines", values, false)
	if err != nil {
		return nil, err
	}

	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode klines: %w", err)
	}

	klines := make([]core.Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		klines = append(klines, core.Kline{
			OpenTime:  int64(row[0].(float64)),
			Open:      parseDecimal(row[1].(string)),
			High:      parseDecimal(row[2].(string)),
			Low:       parseDecimal(row[3].(string)),
			Close:     parseDecimal(row[4].(string)),
			Volume:    parseDecimal(row[5].(string)),
			CloseTime: int64(row[6].(float64)),
		})
	}
	return klines, nil
}

// SymbolFilters returns symbol's tick size and step size.
func (g *Gateway) SymbolFilters(ctx context.Context, symbol string) (core.SymbolFilters, error) {
	values := url.Values{"symbol": {symbol}}
	body, err := g.request(ctx, "GET", "/api/v3/exchangeInfo", values, false)
	if err != nil {
		return core.SymbolFilters{}, err
	}

	var resp struct {
		Symbols []struct {
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Filters    []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.SymbolFilters{}, fmt.Errorf("failed to decode exchange info: %w", err)
	}
	if len(resp.Symbols) == 0 {
		return core.SymbolFilters{}, fmt.Errorf("symbol %s not found", symbol)
	}

	filters := core.SymbolFilters{
		BaseAsset:  resp.Symbols[0].BaseAsset,
		QuoteAsset: resp.Symbols[0].QuoteAsset,
	}
	for _, f := range resp.Symbols[0].Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			filters.TickSize = parseDecimal(f.TickSize)
		case "LOT_SIZE":
			filters.StepSize = parseDecimal(f.StepSize)
		}
	}
	return filters, nil
}

// AccountInfo returns the account's non-zero-capable asset balances.
func (g *Gateway) AccountInfo(ctx context.Context) (core.Account, error) {
	body, err := g.request(ctx, "GET", "/api/v3/account", nil, true)
	if err != nil {
		return core.Account{}, err
	}

	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Account{}, fmt.Errorf("failed to decode account info: %w", err)
	}

	balances := make(map[string]core.Balance, len(resp.Balances))
	for _, b := range resp.Balances {
		balances[b.Asset] = core.Balance{
			Free:   parseDecimal(b.Free),
			Locked: parseDecimal(b.Locked),
		}
	}
	return core.Account{Balances: balances}, nil
}
