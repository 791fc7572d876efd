package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"gridbot/internal/bus"
	"gridbot/internal/core"
	"gridbot/internal/logging"
)

type fakeGateway struct {
	core.ExchangeGateway
	listenKey string
	closed    chan string
}

func (f *fakeGateway) StartUserStream(ctx context.Context) (string, error) {
	return f.listenKey, nil
}

func (f *fakeGateway) KeepAliveUserStream(ctx context.Context, listenKey string) error {
	return nil
}

func (f *fakeGateway) CloseUserStream(ctx context.Context, listenKey string) error {
	f.closed <- listenKey
	return nil
}

func TestUserStream_ExecutionReportPublishesOrderEvent(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		msg := `{"e":"executionReport","s":"BTCUSDT","c":"abc-1","S":"BUY","X":"FILLED","i":42,"p":"100.0","z":"1.0"}`
		_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	b := bus.New(logger)
	gw := &fakeGateway{listenKey: "test-listen-key", closed: make(chan string, 1)}

	received := make(chan core.OrderEvent, 1)
	b.Subscribe(core.EventOrder, func(payload any) {
		received <- payload.(core.OrderEvent)
	})

	us := NewUserStream(gw, b, logger)
	// Start takes the key from the fake gateway and dials /ws/<key> on the
	// test server, whose handler accepts any path.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, us.Start(ctx, wsURL))
	defer us.Stop(context.Background())

	select {
	case evt := <-received:
		require.Equal(t, "BTCUSDT", evt.Symbol)
		require.Equal(t, core.OrderFilled, evt.Status)
		require.EqualValues(t, 42, evt.OrderID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for order event")
	}
}
