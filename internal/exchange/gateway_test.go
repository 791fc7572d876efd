package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/internal/config"
	"gridbot/internal/core"
	"gridbot/internal/errs"
	"gridbot/internal/logging"
)

func newTestGateway(t *testing.T, baseURL string) *Gateway {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	g := New(config.ExchangeConfig{
		APIKey:    "test-key",
		SecretKey: "test-secret",
		BaseURL:   baseURL,
	}, logger)
	return g
}

func TestGateway_ServerTime(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"serverTime": 1700000000000}`))
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL)
	ts, err := g.ServerTime(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1700000000000, ts)
}

func TestGateway_NewOrder_SignsRequestAndSetsHeader(t *testing.T) {
	var gotKey, gotSig string
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-MBX-APIKEY")
		r.ParseForm()
		gotQuery = r.Form
		gotSig = r.Form.Get("signature")
		w.Write([]byte(`{
			"orderId": 1,
			"clientOrderId": "abc",
			"side": "BUY",
			"price": "100.00",
			"origQty": "1.0",
			"executedQty": "0",
			"status": "NEW",
			"time": 1700000000000,
			"updateTime": 1700000000000
		}`))
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL)
	order, err := g.NewOrder(context.Background(), core.NewOrderParams{
		Symbol: "BTCUSDT",
		Side:   core.SideBuy,
		Price:  decimal.RequireFromString("100.00"),
		Qty:    decimal.RequireFromString("1.0"),
	})
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotKey)
	assert.NotEmpty(t, gotSig)
	assert.NotEmpty(t, gotQuery.Get("timestamp"))
	assert.Equal(t, core.OrderOpen, order.Status)
}

func TestGateway_ParseError_MapsKnownCodes(t *testing.T) {
	g := newTestGateway(t, "http://unused")

	err := g.parseError(400, []byte(`{"code": -2010, "msg": "insufficient balance"}`))
	assert.ErrorIs(t, err, errs.ErrInsufficientFunds)

	err = g.parseError(400, []byte(`{"code": -1021, "msg": "timestamp"}`))
	assert.ErrorIs(t, err, errs.ErrTimestampOutOfBounds)

	err = g.parseError(503, []byte(`not json`))
	assert.ErrorIs(t, err, errs.ErrSystemOverload)
}

func TestGateway_CancelOrder_TreatsNotFoundAsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code": -2011, "msg": "order does not exist"}`))
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL)
	err := g.CancelOrder(context.Background(), "BTCUSDT", 1)
	assert.NoError(t, err)
}
