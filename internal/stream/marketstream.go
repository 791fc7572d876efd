package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"gridbot/internal/core"
)

// MarketStream subscribes to one symbol's trade and kline streams and
// mirrors every update into the cache and onto the bus, so runners read
// prices from internal/cache instead of holding their own socket.
type MarketStream struct {
	symbol   string
	interval string
	cache    core.Cache
	bus      core.Bus
	logger   core.Logger

	ws *wsClient
}

// NewMarketStream builds a MarketStream for symbol, subscribing to both
// the trade stream (best price) and interval klines.
func NewMarketStream(symbol, interval string, cache core.Cache, bus core.Bus, logger core.Logger) *MarketStream {
	return &MarketStream{
		symbol:   symbol,
		interval: interval,
		cache:    cache,
		bus:      bus,
		logger:   logger.WithField("component", "market_stream").WithField("symbol", symbol),
	}
}

// Start opens the combined stream socket.
func (m *MarketStream) Start(wsBaseURL string) {
	streams := fmt.Sprintf("%s@trade/%s@kline_%s",
		strings.ToLower(m.symbol), strings.ToLower(m.symbol), m.interval)
	url := strings.TrimSuffix(wsBaseURL, "/") + "/stream?streams=" + streams

	m.ws = newWSClient(url, m.handleMessage, m.logger)
	m.ws.start()
}

// Stop closes the socket.
func (m *MarketStream) Stop() {
	if m.ws != nil {
		m.ws.stop()
	}
}

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tradeFrame struct {
	EventType string `json:"e"`
	Price     string `json:"p"`
}

type klineFrame struct {
	EventType string `json:"e"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

func (m *MarketStream) handleMessage(raw []byte) {
	var frame combinedFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		m.logger.Warn("failed to parse market stream envelope", "error", err)
		return
	}

	switch {
	case strings.HasSuffix(frame.Stream, "@trade"):
		m.handleTrade(frame.Data)
	case strings.Contains(frame.Stream, "@kline_"):
		m.handleKline(frame.Data)
	}
}

func (m *MarketStream) handleTrade(data json.RawMessage) {
	var t tradeFrame
	if err := json.Unmarshal(data, &t); err != nil {
		return
	}
	price := parseDecimalOrZero(t.Price)
	m.cache.SetPrice(m.symbol, price)
	m.bus.Publish(core.EventMarket, core.MarketEvent{Symbol: m.symbol, Price: price})
}

func (m *MarketStream) handleKline(data json.RawMessage) {
	var k klineFrame
	if err := json.Unmarshal(data, &k); err != nil {
		return
	}
	if !k.Kline.Closed {
		return
	}

	candle := core.Kline{
		OpenTime:  k.Kline.OpenTime,
		Open:      parseDecimalOrZero(k.Kline.Open),
		High:      parseDecimalOrZero(k.Kline.High),
		Low:       parseDecimalOrZero(k.Kline.Low),
		Close:     parseDecimalOrZero(k.Kline.Close),
		Volume:    parseDecimalOrZero(k.Kline.Volume),
		CloseTime: k.Kline.CloseTime,
	}
	m.bus.Publish(core.EventKline, core.KlineEvent{Symbol: m.symbol, Interval: m.interval, Candle: candle})
}
