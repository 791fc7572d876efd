// Package core defines the domain types and collaborator interfaces shared
// across the bot manager, the strategy runners, the exchange gateway and
// the admin surface. It has no dependency on any other internal package so
// every other package can depend on it without creating a cycle.
package core

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Logger is the structured logging surface every component logs through.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}

// ExchangeGateway is the single seam between the strategy runners and the
// outside exchange. Implementations own signing, retrying and time-offset
// correction; callers never see a raw HTTP response.
type ExchangeGateway interface {
	ServerTime(ctx context.Context) (int64, error)
	TimeOffsetMs() int64
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	SymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error)

	NewOrder(ctx context.Context, p NewOrderParams) (Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOrder(ctx context.Context, symbol string, orderID int64) (Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	GetAllOrders(ctx context.Context, symbol string, opts GetAllOrdersOpts) ([]Order, error)

	AccountInfo(ctx context.Context) (Account, error)

	StartUserStream(ctx context.Context) (listenKey string, err error)
	KeepAliveUserStream(ctx context.Context, listenKey string) error
	CloseUserStream(ctx context.Context, listenKey string) error
}

// EventKind names the one dispatch lane a bus message travels on. Payloads
// are delivered as `any`; each handler type-asserts the payload type its
// kind carries.
type EventKind string

const (
	EventOrder EventKind = "order"
	EventMarket EventKind = "market"
	EventUser   EventKind = "userEvent"
	EventBot    EventKind = "bot"
	EventKline  EventKind = "kline"
)

// OrderEvent reports an execution report observed on the user stream.
type OrderEvent struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Side          OrderSide
	Status        OrderStatus
	Price         decimal.Decimal
	FilledQty     decimal.Decimal
}

// MarketEvent reports a best-price update for a symbol.
type MarketEvent struct {
	Symbol string
	Price  decimal.Decimal
}

// KlineEvent reports a closed candle for a symbol/interval.
type KlineEvent struct {
	Symbol   string
	Interval string
	Candle   Kline
}

// UserEvent reports a non-order user-stream message (balance update, listen
// key expiry, ...).
type UserEvent struct {
	Kind string
	Data map[string]any
}

// BotEvent reports a lifecycle transition or error for a bot, consumed by
// the admin surface's websocket fan-out and by the alert notifier.
type BotEvent struct {
	BotID   string
	Kind    string // "started", "stopped", "round_completed", "bot_error"
	Message string
}

// Bus is the typed, in-process publish/subscribe dispatcher (spec.md §9's
// "event bus -> channels" redesign). Subscribe returns an unsubscribe func.
type Bus interface {
	Subscribe(kind EventKind, handler func(payload any)) (unsubscribe func())
	Publish(kind EventKind, payload any)
}

// Cache is the narrow surface the runners use for price/balance lookups
// (C4). Implementations may mirror writes to an external store, but reads
// always come from the local, sub-millisecond-latency copy.
type Cache interface {
	SetPrice(symbol string, price decimal.Decimal)
	GetPrice(symbol string) (decimal.Decimal, bool)
	SetBalance(asset string, bal Balance)
	GetBalance(asset string) (Balance, bool)
}

// Store is the persistence surface (C3): one snapshot per bot, tolerant of
// missing or corrupt reads.
type Store interface {
	Save(ctx context.Context, botID string, state BotState) error
	Load(ctx context.Context, botID string) (BotState, bool, error)
	Delete(ctx context.Context, botID string) error
	List(ctx context.Context) ([]string, error)
}

// Runner is the capability interface the three strategies implement; the
// manager holds each bot's runner only behind this interface (spec.md §9's
// back-reference design note -- a runner never holds a *Bot pointer).
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	GetDetails() map[string]any

	// MarshalState/UnmarshalState round-trip the runner's own bookkeeping
	// (open orders, unmatched buys, filled-buy ledger, ...) through the
	// bot's persisted snapshot.
	MarshalState() (json.RawMessage, error)
	UnmarshalState(data json.RawMessage) error
}

// StatsUpdater is the narrow back-reference a runner holds into its owning
// manager: a capability surface keyed by bot id, never a pointer to the Bot
// itself, so the runner cannot outlive or cycle with its manager.
type StatsUpdater interface {
	UpdateStats(botID string, roundsDelta int64, pnlDelta decimal.Decimal) error
	Persist(botID string) error
	ReportFatal(botID string, err error)
}

// DurableFillRunner is the capability a StatsUpdater optionally exposes
// (engine_type: dbos, internal/botmanager.DurableManager) to run a fill's
// counter-order placement and its stats update as one durable workflow: if
// the process crashes between the two, replay memoization stops the
// counter order from being placed twice. A runner type-asserts deps.Stats
// against this before deciding whether a fill is handled durably or
// placed-then-updated directly.
type DurableFillRunner interface {
	RunFillWorkflow(ctx context.Context, botID string, roundsDelta int64, pnlDelta decimal.Decimal, placeCounterOrder func(context.Context) error) error
}

// Notifier is the seam for operator alerting on bot_error (spec.md §7). The
// default implementation only logs; spec.md names no alerting channel.
type Notifier interface {
	Notify(ctx context.Context, botID, kind, message string)
}

// RunnerDeps are the collaborators a runner needs, assembled by the bot
// manager at construction time.
type RunnerDeps struct {
	Exchange ExchangeGateway
	Bus      Bus
	Cache    Cache
	Stats    StatsUpdater
	Logger   Logger
	Alert    Notifier
}

// RunnerFactory constructs a strategy runner for a bot. Supplied to the bot
// manager by cmd/gridbot's wiring so internal/botmanager never imports the
// strategy packages directly (which would cycle back through core).
type RunnerFactory func(bot *Bot, deps RunnerDeps) (Runner, error)
