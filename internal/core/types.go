package core

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// StrategyKind identifies which of the three strategy runners a bot uses.
type StrategyKind string

const (
	StrategyGrid    StrategyKind = "grid"
	StrategyDCABuy  StrategyKind = "dca_buy"
	StrategyDCASell StrategyKind = "dca_sell"
)

// Status is the bot's run state.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
)

// OrderSide is BUY or SELL, matching the exchange's own vocabulary so the
// gateway never has to translate it.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderStatus is the runner-local view of an order's lifecycle.
type OrderStatus string

const (
	OrderPending        OrderStatus = "pending"
	OrderOpen           OrderStatus = "open"
	OrderFilled         OrderStatus = "filled"
	OrderIgnoredBalance OrderStatus = "ignored_balance"
	OrderError          OrderStatus = "error"
)

// BotOptions carries the extra per-bot knobs named in spec.md §3. They are
// accepted and persisted with the bot; no runner or manager code reads
// any of them.
type BotOptions struct {
	StartPrice        *decimal.Decimal `json:"startPrice,omitempty"`
	Capital           *decimal.Decimal `json:"capital,omitempty"`
	RecenterEnabled   bool             `json:"recenterEnabled,omitempty"`
	RecenterMinutes   int              `json:"recenterMinutes,omitempty"`
	SellOnStopEnabled bool             `json:"sellOnStopEnabled,omitempty"`
	SellOnStopMinutes int              `json:"sellOnStopMinutes,omitempty"`
}

// BotConfig holds the strategy parameters for a bot. Fields a strategy
// doesn't use are simply left at their zero value.
type BotConfig struct {
	GridLevels        int              `json:"gridLevels"`
	GridSpread        decimal.Decimal  `json:"gridSpread"`
	OrderSize         decimal.Decimal  `json:"orderSize"`
	TakeProfit        *decimal.Decimal `json:"takeProfit,omitempty"`
	DurationMinutes   int              `json:"durationMinutes"`
	InitialStartPrice *decimal.Decimal `json:"initialStartPrice,omitempty"`
	Options           BotOptions       `json:"options"`
}

// BotStats accumulates across the bot's lifetime and survives restarts.
type BotStats struct {
	CompletedRounds int64           `json:"completedRounds"`
	RealizedPnl     decimal.Decimal `json:"realizedPnl"`
	LastDurationMs  int64           `json:"lastDurationMs"`
}

// Bot is the manager's record of a single autonomous strategy instance.
// Mutable fields are guarded by the manager's per-bot lock; code outside
// internal/botmanager should treat a Bot value as a read-only snapshot.
type Bot struct {
	ID       string
	Name     string
	Strategy StrategyKind
	Symbol   string

	Status Status
	Config BotConfig
	Stats  BotStats

	LastError string

	TimeCreated time.Time
	TimeStarted *time.Time
	TimeStopped *time.Time

	// RunStartTime is in-memory only: equal to TimeStarted while running,
	// cleared on stop, never persisted.
	RunStartTime *time.Time
}

// BotView is the projection returned by listBots(): it materializes the
// live duration instead of leaving the caller to compute it.
type BotView struct {
	Bot
	CurrentDurationMs int64 `json:"currentDurationMs"`
}

// SymbolFilters are the exchange-imposed minimum price/quantity increments,
// plus the asset pair the symbol trades (admin surface's symbolInfo call).
type SymbolFilters struct {
	BaseAsset  string          `json:"baseAsset"`
	QuoteAsset string          `json:"quoteAsset"`
	TickSize   decimal.Decimal `json:"tickSize"`
	StepSize   decimal.Decimal `json:"stepSize"`
}

// Order is the runner-local record of a placed order. ClientOrderID is
// prefixed with the bot's tag so reconciliation can recognize which open
// orders on the exchange belong to which bot.
type Order struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Side          OrderSide       `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Qty           decimal.Decimal `json:"qty"`
	Status        OrderStatus     `json:"status"`
	CreatedAt     int64           `json:"createdAt"`
	UpdatedAt     int64           `json:"updatedAt"`
}

// Kline is one candle returned by the gateway's klines call.
type Kline struct {
	OpenTime  int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime int64
}

// Balance is one asset's free/locked funds.
type Balance struct {
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Account is the subset of account info the strategies need.
type Account struct {
	Balances map[string]Balance
}

// NewOrderParams describes a post-only (or plain) limit order to place.
type NewOrderParams struct {
	Symbol        string
	Side          OrderSide
	Price         decimal.Decimal
	Qty           decimal.Decimal
	ClientOrderID string
	PostOnly      bool
}

// GetAllOrdersOpts narrows a GetAllOrders call.
type GetAllOrdersOpts struct {
	StartTime int64
	EndTime   int64
	Limit     int
}

// Snapshot is the on-disk persisted form of a bot (spec §6): one file per
// bot, written as a whole-file overwrite, tolerant of missing/corrupt reads.
type Snapshot struct {
	UpdatedAt int64    `json:"updatedAt"`
	State     BotState `json:"state"`
}

// BotState is the persisted projection of a Bot plus its runner's internal
// bookkeeping (RunnerState). The literal wire shape in spec.md §6 doesn't
// enumerate the runner's own state, but doesn't forbid it either -- it is
// what lets a grid/DCA runner resume with its open-order bookkeeping intact
// instead of only its stats.
type BotState struct {
	Name        string          `json:"name"`
	Strategy    StrategyKind    `json:"strategy"`
	Symbol      string          `json:"symbol"`
	Status      Status          `json:"status"`
	Config      BotConfig       `json:"config"`
	Stats       BotStats        `json:"stats"`
	TimeCreated time.Time       `json:"timeCreated"`
	TimeStarted *time.Time      `json:"timeStarted,omitempty"`
	TimeStopped *time.Time      `json:"timeStopped,omitempty"`
	RunnerState json.RawMessage `json:"runnerState,omitempty"`
}
