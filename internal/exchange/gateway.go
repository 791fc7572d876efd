// Package exchange implements the single seam between the strategy runners
// and the outside exchange (C5): request signing, retrying with a circuit
// breaker, time-offset correction and error-code classification.
//
// Grounded on internal/exchange/base/adapter.go (the common HTTP
// plumbing) and internal/exchange/binancespot/binance_spot.go (the
// concrete signing scheme and error-code table), collapsed from the
// teacher's pluggable-function-field BaseAdapter into a single concrete
// Gateway, since spec.md names exactly one exchange family (Binance-style
// spot REST + user/market streams), not a multi-exchange abstraction.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"gridbot/internal/config"
	"gridbot/internal/core"
	"gridbot/internal/errs"
	"gridbot/internal/retry"
	"gridbot/internal/telemetry"
)

const defaultBaseURL = "https://api.binance.com"

// Gateway is the concrete implementation of core.ExchangeGateway.
type Gateway struct {
	cfg        config.ExchangeConfig
	httpClient *http.Client
	retryer    *retry.Doer
	logger     core.Logger
	tracer     trace.Tracer

	// timeOffsetMs is serverTime - localTime, in milliseconds, refreshed by
	// the background sync loop (spec.md §4.1: sampled every 60s) and added
	// to every signed request's timestamp so clock drift never produces a
	// -1021 (timestamp out of bounds) rejection.
	timeOffsetMs atomic.Int64
}

// New builds a Gateway for cfg.
func New(cfg config.ExchangeConfig, logger core.Logger) *Gateway {
	g := &Gateway{
		cfg:    cfg,
		logger: logger.WithField("component", "exchange_gateway"),
		tracer: telemetry.GetTracer("gridbot/exchange"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	g.retryer = retry.New(retry.DefaultPolicy, errs.IsTransient)
	return g
}

func (g *Gateway) baseURL() string {
	if g.cfg.BaseURL != "" {
		return g.cfg.BaseURL
	}
	return defaultBaseURL
}

// RunTimeSync blocks, resampling the server/local clock offset every
// interval until ctx is cancelled. Call it in its own goroutine at
// startup.
func (g *Gateway) RunTimeSync(ctx context.Context, interval time.Duration) {
	g.syncTimeOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.syncTimeOnce(ctx)
		}
	}
}

func (g *Gateway) syncTimeOnce(ctx context.Context) {
	serverMs, err := g.ServerTime(ctx)
	if err != nil {
		g.logger.Warn("time sync failed, keeping previous offset", "error", err)
		return
	}
	g.timeOffsetMs.Store(serverMs - time.Now().UnixMilli())
}

// TimeOffsetMs returns the current serverTime-localTime offset, as last
// sampled by RunTimeSync (admin surface's /api/health).
func (g *Gateway) TimeOffsetMs() int64 {
	return g.timeOffsetMs.Load()
}

func (g *Gateway) signedTimestamp() int64 {
	return time.Now().UnixMilli() + g.timeOffsetMs.Load()
}

func (g *Gateway) sign(values url.Values) {
	values.Set("timestamp", strconv.FormatInt(g.signedTimestamp(), 10))
	mac := hmac.New(sha256.New, []byte(g.cfg.SecretKey))
	mac.Write([]byte(values.Encode()))
	values.Set("signature", hex.EncodeToString(mac.Sum(nil)))
}

// request performs one HTTP call with retry/circuit-breaker protection.
// signed requests get the API key header and an HMAC signature.
func (g *Gateway) request(ctx context.Context, method, path string, values url.Values, signed bool) ([]byte, error) {
	ctx, span := g.tracer.Start(ctx, "gateway."+method+" "+path,
		trace.WithAttributes(attribute.String("exchange.path", path), attribute.String("exchange.method", method)),
	)
	defer span.End()

	start := time.Now()
	attempt := 0
	result, err := g.retryer.Do(ctx, func(ctx context.Context) (any, error) {
		attempt++
		if attempt > 1 {
			telemetry.GetGlobalMetrics().GatewayRetriesTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("path", path),
			))
		}
		if values == nil {
			values = url.Values{}
		}
		if signed {
			g.sign(values)
		}

		target := g.baseURL() + path
		var body io.Reader
		if method == http.MethodGet || method == http.MethodDelete {
			target += "?" + values.Encode()
		} else {
			body = strings.NewReader(values.Encode())
		}

		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		if method == http.MethodPost || method == http.MethodPut {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		if signed || g.cfg.APIKey != "" {
			req.Header.Set("X-MBX-APIKEY", string(g.cfg.APIKey))
		}

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return nil, errs.ErrNetwork
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return nil, g.parseError(resp.StatusCode, respBody)
		}
		return respBody, nil
	})
	telemetry.GetGlobalMetrics().LatencyExchange.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
		attribute.String("exchange", "binance"), attribute.String("operation", path),
	))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result.([]byte), nil
}

// parseError maps a Binance-style {code, msg} error body to the errs
// sentinel taxonomy, grounded on binancespot.parseError's code table
// (spec.md §4.1/§7 name the same codes).
func (g *Gateway) parseError(status int, body []byte) error {
	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		if status >= 500 {
			return errs.ErrSystemOverload
		}
		return fmt.Errorf("exchange error (unparseable body, status %d): %s", status, string(body))
	}

	wrap := func(sentinel error) error { return &errs.ExchangeError{Code: errResp.Code, Err: sentinel} }

	switch errResp.Code {
	case -2015:
		return wrap(errs.ErrAuthenticationFailed)
	case -1013, -1111, -2013, -2014:
		return wrap(errs.ErrInvalidOrderParameter)
	case -2010:
		return wrap(errs.ErrInsufficientFunds)
	case -2011:
		return wrap(errs.ErrOrderNotFound)
	case -1003:
		return wrap(errs.ErrRateLimitExceeded)
	case -1021:
		return wrap(errs.ErrTimestampOutOfBounds)
	case -1100, -1121:
		return wrap(errs.ErrInvalidSymbol)
	case -1102:
		return wrap(errs.ErrInvalidOrderParameter)
	}

	if status >= 500 {
		return errs.ErrSystemOverload
	}
	return fmt.Errorf("exchange error %d: %s", errResp.Code, errResp.Msg)
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "NEW", "PARTIALLY_FILLED":
		return core.OrderOpen
	case "FILLED":
		return core.OrderFilled
	case "CANCELED", "PENDING_CANCEL", "REJECTED", "EXPIRED":
		return core.OrderError
	default:
		return core.OrderPending
	}
}
