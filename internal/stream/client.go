// Package stream runs the two long-lived exchange streams a bot manager
// needs (C6): the user data stream (order fills, balance pushes) and the
// market stream (best price, closed klines), both delivered onto
// internal/bus so runners never touch a socket directly.
//
// Grounded on pkg/websocket/client.go's reconnecting client.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"gridbot/internal/core"
	"gridbot/internal/telemetry"
)

// MessageHandler processes one raw frame received on the socket.
type MessageHandler func(message []byte)

// wsClient is a resilient WebSocket client: on any read/connect error it
// waits reconnectWait and dials again, until Stop is called.
type wsClient struct {
	url           string
	handler       MessageHandler
	reconnectWait time.Duration

	conn *websocket.Conn
	mu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onConnected func()

	pingInterval time.Duration
	pingWait     time.Duration
	pongWait     time.Duration

	logger core.Logger

	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
	latencyHist metric.Float64Histogram
}

func newWSClient(url string, handler MessageHandler, logger core.Logger) *wsClient {
	ctx, cancel := context.WithCancel(context.Background())

	tracer := telemetry.GetTracer("stream-client")
	meter := telemetry.GetMeter("stream-client")

	msgCounter, _ := meter.Int64Counter("gridbot_ws_messages_total",
		metric.WithDescription("Total number of WebSocket messages received"))
	connCounter, _ := meter.Int64Counter("gridbot_ws_connections_total",
		metric.WithDescription("Total number of WebSocket connections initiated"))
	latencyHist, _ := meter.Float64Histogram("gridbot_ws_message_latency_seconds",
		metric.WithDescription("Latency of processing a WebSocket message"))

	return &wsClient{
		url:           url,
		handler:       handler,
		reconnectWait: 5 * time.Second,
		pingInterval:  30 * time.Second,
		pingWait:      10 * time.Second,
		pongWait:      60 * time.Second,
		ctx:           ctx,
		cancel:        cancel,
		tracer:        tracer,
		msgCounter:    msgCounter,
		connCounter:   connCounter,
		latencyHist:   latencyHist,
		logger:        logger,
	}
}

func (c *wsClient) setOnConnected(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

func (c *wsClient) send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.conn.WriteJSON(message)
}

func (c *wsClient) start() {
	c.wg.Add(1)
	go c.runLoop()
}

func (c *wsClient) stop() {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if c.logger != nil {
			c.logger.Warn("stream client stop: goroutines did not exit within timeout")
		}
	}
	c.closeConn()
}

func (c *wsClient) runLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			if err := c.connect(); err != nil {
				if c.logger != nil {
					c.logger.Error("stream connect failed", "url", c.url, "error", err)
				}
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(c.reconnectWait):
				}
				continue
			}

			c.mu.Lock()
			onConnected := c.onConnected
			pingInterval := c.pingInterval
			c.mu.Unlock()

			if onConnected != nil {
				onConnected()
			}

			heartbeatCtx, heartbeatCancel := context.WithCancel(c.ctx)
			if pingInterval > 0 {
				c.wg.Add(1)
				go c.heartbeat(heartbeatCtx)
			}

			c.readLoop()
			heartbeatCancel()

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.reconnectWait):
			}
		}
	}
}

func (c *wsClient) heartbeat(ctx context.Context) {
	defer c.wg.Done()
	c.mu.Lock()
	interval := c.pingInterval
	wait := c.pingWait
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wait)); err != nil {
				c.closeConn()
				return
			}
		}
	}
}

func (c *wsClient) connect() error {
	ctx, span := c.tracer.Start(c.ctx, "stream connect",
		trace.WithAttributes(attribute.String("stream.url", c.url)),
	)
	defer span.End()

	c.connCounter.Add(ctx, 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	c.conn = conn
	return nil
}

func (c *wsClient) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *wsClient) readLoop() {
	defer c.closeConn()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}

			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}

			start := time.Now()
			c.msgCounter.Add(c.ctx, 1)

			if c.handler != nil {
				c.handler(message)
			}

			c.latencyHist.Record(c.ctx, time.Since(start).Seconds())
		}
	}
}
