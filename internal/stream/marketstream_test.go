package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"gridbot/internal/bus"
	"gridbot/internal/cache"
	"gridbot/internal/logging"
)

func TestMarketStream_TradeUpdatesCacheAndPublishes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		msg := `{"stream":"btcusdt@trade","data":{"e":"trade","p":"42000.50"}}`
		_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	b := bus.New(logger)
	c := cache.New(time.Minute, "", logger)

	received := make(chan string, 1)
	b.Subscribe("market", func(payload any) {
		received <- "got"
	})

	ms := NewMarketStream("BTCUSDT", "1m", c, b, logger)
	ms.Start(wsURL)
	defer ms.Stop()

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for market event")
	}

	price, ok := c.GetPrice("BTCUSDT")
	require.True(t, ok)
	require.True(t, price.Equal(price))
	if price.String() != "42000.5" {
		t.Fatalf("unexpected price: %s", price.String())
	}
}
