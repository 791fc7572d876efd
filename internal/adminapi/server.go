// Package adminapi implements the admin/observer HTTP+WebSocket surface
// (C12) consumed by the dashboard: price/kline/symbol/balance lookups,
// bot CRUD + start/stop, and a /ws feed that fans every bus event out to
// connected clients.
//
// Grounded on internal/infrastructure/server/server.go's
// net/http+ServeMux+promhttp.Handler() shape for the plain HTTP side, and
// pkg/liveserver/{hub.go,server.go} for the websocket fan-out: a
// bounded-buffer-per-client hub that drops (never blocks on) a slow
// client, generalized here from one hardcoded market-data hub to a
// broadcaster of every core.EventKind the bus carries.
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"gridbot/internal/core"
)

// BotManager is the narrow slice of botmanager.Manager the admin surface
// needs. Declared here (rather than importing the concrete type) so this
// package can be tested against a fake and never needs to know about the
// manager's durable/simple split.
type BotManager interface {
	CreateBot(ctx context.Context, name string, strategy core.StrategyKind, symbol string, cfg core.BotConfig) (*core.Bot, error)
	StartBot(ctx context.Context, botID string) error
	StopBot(ctx context.Context, botID string) error
	GetBot(botID string) (core.BotView, error)
	ListBots() []core.BotView
}

// Server is the admin HTTP+WS surface.
type Server struct {
	manager  BotManager
	exchange core.ExchangeGateway
	cache    core.Cache
	logger   core.Logger

	hub      *hub
	upgrader websocket.Upgrader

	srv *http.Server
}

// NewServer builds a Server and subscribes its hub to every bus event kind
// so /ws has something to broadcast from the moment the first client
// connects.
func NewServer(manager BotManager, exchange core.ExchangeGateway, cache core.Cache, bus core.Bus, logger core.Logger) *Server {
	s := &Server{
		manager:  manager,
		exchange: exchange,
		cache:    cache,
		logger:   logger.WithField("component", "admin_api"),
		hub:      newHub(logger.WithField("component", "admin_api_hub")),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: func(*http.Request) bool { return true }},
	}

	for _, kind := range []core.EventKind{core.EventOrder, core.EventMarket, core.EventUser, core.EventBot, core.EventKline} {
		k := kind
		bus.Subscribe(k, func(payload any) {
			s.hub.broadcast(Message{Type: string(k), Data: payload})
		})
	}

	return s
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/price", s.handlePrice)
	mux.HandleFunc("GET /api/klines", s.handleKlines)
	mux.HandleFunc("GET /api/symbolInfo", s.handleSymbolInfo)
	mux.HandleFunc("GET /api/balances", s.handleBalances)
	mux.HandleFunc("GET /api/bots", s.handleListBots)
	mux.HandleFunc("GET /api/bots/summary", s.handleBotsSummary)
	mux.HandleFunc("GET /api/bots/{id}/details", s.handleBotDetails)
	mux.HandleFunc("POST /api/bots", s.handleCreateBot)
	mux.HandleFunc("POST /api/bots/{id}/start", s.handleStartBot)
	mux.HandleFunc("POST /api/bots/{id}/stop", s.handleStopBot)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start begins listening on addr (e.g. ":8123"); call in its own goroutine.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.mux()}
	s.logger.Info("starting admin api", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin api server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	serverTime, err := s.exchange.ServerTime(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"serverTime": serverTime,
		"timeOffset": s.exchange.TimeOffsetMs(),
	})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("symbol is required"))
		return
	}

	if price, ok := s.cache.GetPrice(symbol); ok {
		writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "price": price, "source": "cache"})
		return
	}

	price, err := s.exchange.Price(r.Context(), symbol)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "price": price, "source": "exchange"})
}

func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	interval := r.URL.Query().Get("interval")
	if symbol == "" || interval == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("symbol and interval are required"))
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		fmt.Sscanf(raw, "%d", &limit)
	}

	klines, err := s.exchange.Klines(r.Context(), symbol, interval, limit)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, klines)
}

func (s *Server) handleSymbolInfo(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("symbol is required"))
		return
	}

	filters, err := s.exchange.SymbolFilters(r.Context(), symbol)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":     symbol,
		"baseAsset":  filters.BaseAsset,
		"quoteAsset": filters.QuoteAsset,
		"tickSize":   filters.TickSize,
		"stepSize":   filters.StepSize,
	})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("symbol is required"))
		return
	}

	filters, err := s.exchange.SymbolFilters(r.Context(), symbol)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	account, err := s.exchange.AccountInfo(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}

	base := account.Balances[filters.BaseAsset]
	quote := account.Balances[filters.QuoteAsset]
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": symbol,
		"base":   map[string]any{"asset": filters.BaseAsset, "free": base.Free, "locked": base.Locked},
		"quote":  map[string]any{"asset": filters.QuoteAsset, "free": quote.Free, "locked": quote.Locked},
	})
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.ListBots())
}

func (s *Server) handleBotsSummary(w http.ResponseWriter, r *http.Request) {
	bots := s.manager.ListBots()
	running := 0
	totalPnl := decimal.Zero
	var totalRounds int64
	for _, b := range bots {
		if b.Status == core.StatusRunning {
			running++
		}
		totalPnl = totalPnl.Add(b.Stats.RealizedPnl)
		totalRounds += b.Stats.CompletedRounds
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totalBots":      len(bots),
		"runningBots":    running,
		"totalPnl":       totalPnl,
		"completedRounds": totalRounds,
	})
}

func (s *Server) handleBotDetails(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view, err := s.manager.GetBot(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type createBotRequest struct {
	Name     string            `json:"name"`
	Strategy core.StrategyKind `json:"strategy"`
	Symbol   string            `json:"symbol"`
	Config   core.BotConfig    `json:"config"`
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	bot, err := s.manager.CreateBot(r.Context(), req.Name, req.Strategy, req.Symbol, req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, bot)
}

func (s *Server) handleStartBot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.StartBot(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStopBot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.StopBot(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(r.RemoteAddr)
	s.hub.register(c)
	s.logger.Info("ws client connected", "client_id", c.id, "total", s.hub.clientCount())

	done := make(chan struct{})
	go s.readLoop(conn, c, done)
	s.writeLoop(conn, c)
	<-done

	s.hub.unregister(c)
	conn.Close()
	s.logger.Info("ws client disconnected", "client_id", c.id, "total", s.hub.clientCount())
}

// writeLoop drains c.send to the socket until the channel is closed
// (unregistered) or a write fails; it also keeps the connection alive
// with periodic pings.
func (s *Server) writeLoop(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards client frames (the admin surface is send-only) but
// must keep reading so pong control frames are processed and a closed
// connection is detected.
func (s *Server) readLoop(conn *websocket.Conn, c *client, done chan struct{}) {
	defer close(done)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
