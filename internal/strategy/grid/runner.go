package grid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"gridbot/internal/core"
	"gridbot/internal/errs"
	"gridbot/internal/numeric"
	"gridbot/internal/telemetry"
)

const reconcileInterval = 5 * time.Minute

// Runner implements core.Runner for the grid strategy. It holds no pointer
// back to the owning *core.Bot (core.StatsUpdater is the only back
// reference); botID/symbol/config are copied out at construction.
type Runner struct {
	botID  string
	botTag string
	symbol string
	config core.BotConfig

	deps core.RunnerDeps

	mu      sync.Mutex
	st      state
	filters core.SymbolFilters

	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	durationTimer *time.Timer
}

// New builds a grid Runner for bot, matching core.RunnerFactory's signature.
func New(bot *core.Bot, deps core.RunnerDeps) (core.Runner, error) {
	return &Runner{
		botID:  bot.ID,
		botTag: core.BotTag(bot.ID),
		symbol: bot.Symbol,
		config: bot.Config,
		deps:   deps,
	}, nil
}

// Start loads symbol filters, places the initial ladder if none exists
// yet, and launches the fill-handling subscription, the reconciliation
// loop and the duration timer.
func (r *Runner) Start(ctx context.Context) error {
	filters, err := r.deps.Exchange.SymbolFilters(ctx, r.symbol)
	if err != nil {
		return fmt.Errorf("failed to load symbol filters: %w", err)
	}
	r.mu.Lock()
	r.filters = filters
	needsInitialPlacement := len(r.st.Orders) == 0
	r.mu.Unlock()

	if needsInitialPlacement {
		if err := r.placeInitialLadder(ctx); err != nil {
			return fmt.Errorf("failed to place initial grid ladder: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.unsubscribe = r.deps.Bus.Subscribe(core.EventOrder, func(payload any) {
		evt, ok := payload.(core.OrderEvent)
		if !ok || evt.Symbol != r.symbol {
			return
		}
		if evt.Status != core.OrderFilled {
			return
		}
		r.handleFill(runCtx, evt)
	})

	r.wg.Add(1)
	go r.reconcileLoop(runCtx)

	if r.config.DurationMinutes > 0 {
		r.durationTimer = time.AfterFunc(time.Duration(r.config.DurationMinutes)*time.Minute, func() {
			r.deps.Logger.Info("grid duration elapsed, auto-stopping", "bot_id", r.botID)
			_ = r.Stop(context.Background())
		})
	}

	r.deps.Logger.Info("grid runner started", "bot_id", r.botID, "symbol", r.symbol)
	return nil
}

// Stop unwinds the subscription, the reconciliation loop and the duration
// timer. Open orders on the exchange are left in place: a stopped bot is
// not a flattened bot.
func (r *Runner) Stop(ctx context.Context) error {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.durationTimer != nil {
		r.durationTimer.Stop()
	}
	r.wg.Wait()
	return nil
}

// GetDetails exposes the runner's current bookkeeping for the admin surface.
func (r *Runner) GetDetails() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]any{
		"openOrders":        len(r.st.Orders),
		"unmatchedBuys":     len(r.st.UnmatchedBuys),
		"initialStartPrice": r.st.InitialStartPrice,
	}
}

func (r *Runner) MarshalState() (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.marshal()
}

func (r *Runner) UnmarshalState(data json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.unmarshal(data)
}

func (r *Runner) currentPrice(ctx context.Context) (decimal.Decimal, error) {
	if price, ok := r.deps.Cache.GetPrice(r.symbol); ok {
		return price, nil
	}
	return r.deps.Exchange.Price(ctx, r.symbol)
}

func (r *Runner) placeInitialLadder(ctx context.Context) error {
	price, err := r.currentPrice(ctx)
	if err != nil {
		return fmt.Errorf("failed to read current price: %w", err)
	}

	r.mu.Lock()
	if r.st.InitialStartPrice == nil {
		r.st.InitialStartPrice = &price
	}
	center := *r.st.InitialStartPrice
	filters := r.filters
	r.mu.Unlock()

	levels := planInitialLevels(center, r.config.GridLevels, r.config.GridSpread, r.config.OrderSize, filters)
	for _, lvl := range levels {
		r.placeOrder(ctx, lvl.Side, lvl.Price)
	}

	r.persist()
	return nil
}

// placeOrder places one post-only limit order, applying the placement
// error policy from spec.md §4.5: -2014/-2015 are fatal to the bot,
// -2010 skips this level as ignored_balance, -1013 gets one retry with a
// fresh clientOrderId after a 3s wait, anything else is logged and
// dropped.
func (r *Runner) placeOrder(ctx context.Context, side core.OrderSide, price decimal.Decimal) {
	r.mu.Lock()
	filters := r.filters
	r.mu.Unlock()
	qty := numeric.FloorStep(decimal.Max(r.config.OrderSize.Div(price), filters.StepSize), filters.StepSize)

	order, err := r.tryPlace(ctx, side, price, qty)
	if err != nil {
		r.handlePlacementError(err, side, price, qty)
		return
	}

	telemetry.GetGlobalMetrics().OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", r.symbol), attribute.String("side", string(side)), attribute.String("strategy", "grid"),
	))

	r.mu.Lock()
	r.st.Orders = append(r.st.Orders, openOrder{OrderID: order.OrderID, Side: side, Price: price, Qty: qty})
	r.mu.Unlock()
}

func (r *Runner) tryPlace(ctx context.Context, side core.OrderSide, price, qty decimal.Decimal) (core.Order, error) {
	clientID := core.NewClientOrderID(r.botID, side)
	order, err := r.deps.Exchange.NewOrder(ctx, core.NewOrderParams{
		Symbol: r.symbol, Side: side, Price: price, Qty: qty,
		ClientOrderID: clientID, PostOnly: true,
	})
	if err == nil {
		return order, nil
	}

	var exErr *errs.ExchangeError
	if errors.As(err, &exErr) && exErr.Code == -1013 {
		time.Sleep(3 * time.Second)
		retryID := core.NewClientOrderID(r.botID, side)
		return r.deps.Exchange.NewOrder(ctx, core.NewOrderParams{
			Symbol: r.symbol, Side: side, Price: price, Qty: qty,
			ClientOrderID: retryID, PostOnly: true,
		})
	}
	return core.Order{}, err
}

func (r *Runner) handlePlacementError(err error, side core.OrderSide, price, qty decimal.Decimal) {
	switch errs.Resolve(err) {
	case errs.ResolutionFatal:
		r.deps.Stats.ReportFatal(r.botID, err)
		return
	case errs.ResolutionSkip:
		r.deps.Logger.Warn("grid level skipped", "bot_id", r.botID, "side", side, "price", price, "error", err)
		if errors.Is(err, errs.ErrInsufficientFunds) {
			r.deps.Bus.Publish(core.EventOrder, core.OrderEvent{
				Symbol: r.symbol, Side: side, Price: price, FilledQty: decimal.Zero,
				Status: core.OrderIgnoredBalance,
			})
		}
		return
	}
	r.deps.Logger.Error("grid order placement failed", "bot_id", r.botID, "side", side, "price", price, "qty", qty, "error", err)
}

// handleFill processes one filled order: removes it from the local ledger
// and places its counter order, crediting realized P&L on a sell fill that
// closes out an unmatched buy.
func (r *Runner) handleFill(ctx context.Context, evt core.OrderEvent) {
	r.mu.Lock()
	idx := -1
	for i, o := range r.st.Orders {
		if o.OrderID == evt.OrderID {
			idx = i
			break
		}
	}
	if idx == -1 {
		r.mu.Unlock()
		return
	}
	filled := r.st.Orders[idx]
	r.st.Orders = append(r.st.Orders[:idx], r.st.Orders[idx+1:]...)
	filters := r.filters
	r.mu.Unlock()

	telemetry.GetGlobalMetrics().OrdersFilledTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", r.symbol), attribute.String("side", string(filled.Side)), attribute.String("strategy", "grid"),
	))

	counter := counterPrice(filled.Side, filled.Price, r.config.GridSpread, filters.TickSize)

	switch filled.Side {
	case core.SideBuy:
		r.mu.Lock()
		r.st.UnmatchedBuys = append(r.st.UnmatchedBuys, unmatchedBuy{Price: filled.Price, Qty: filled.Qty})
		r.mu.Unlock()
		r.placeOrder(ctx, core.SideSell, counter)

	case core.SideSell:
		r.mu.Lock()
		match, rest, ok := matchUnmatchedBuy(r.st.UnmatchedBuys, counter, filters.TickSize)
		if ok {
			r.st.UnmatchedBuys = rest
		}
		r.mu.Unlock()

		placeCounterBuy := func(stepCtx context.Context) error {
			r.placeOrder(stepCtx, core.SideBuy, counter)
			return nil
		}

		if !ok {
			placeCounterBuy(ctx)
			break
		}

		pnl := filled.Price.Sub(match.Price).Mul(filled.Qty)
		pnlFloat, _ := pnl.Float64()
		telemetry.GetGlobalMetrics().RealizedPnLTotal.Add(ctx, pnlFloat, metric.WithAttributes(
			attribute.String("symbol", r.symbol), attribute.String("strategy", "grid"),
		))

		if durable, isDurable := r.deps.Stats.(core.DurableFillRunner); isDurable {
			if err := durable.RunFillWorkflow(ctx, r.botID, 1, pnl, placeCounterBuy); err != nil {
				r.deps.Logger.Error("durable grid fill workflow failed", "bot_id", r.botID, "error", err)
			}
		} else {
			placeCounterBuy(ctx)
			if err := r.deps.Stats.UpdateStats(r.botID, 1, pnl); err != nil {
				r.deps.Logger.Error("failed to update grid stats after round", "bot_id", r.botID, "error", err)
			}
		}
	}

	r.persist()
}

func (r *Runner) persist() {
	if err := r.deps.Stats.Persist(r.botID); err != nil {
		r.deps.Logger.Error("failed to persist grid state", "bot_id", r.botID, "error", err)
	}
}

// reconcileLoop re-places any locally open order the exchange no longer
// has open, unless its final status shows it already filled (in which
// case the user stream will deliver the fill event itself).
func (r *Runner) reconcileLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

func (r *Runner) reconcile(ctx context.Context) {
	openOrders, err := r.deps.Exchange.GetOpenOrders(ctx, r.symbol)
	if err != nil {
		r.deps.Logger.Error("grid reconciliation failed to list open orders", "bot_id", r.botID, "error", err)
		return
	}
	onExchange := make(map[int64]bool, len(openOrders))
	for _, o := range openOrders {
		onExchange[o.OrderID] = true
	}

	r.mu.Lock()
	missing := make([]openOrder, 0)
	for _, o := range r.st.Orders {
		if !onExchange[o.OrderID] {
			missing = append(missing, o)
		}
	}
	r.mu.Unlock()

	if len(missing) > 0 {
		telemetry.GetGlobalMetrics().ReconcileDivergenceTotal.Add(ctx, int64(len(missing)), metric.WithAttributes(
			attribute.String("symbol", r.symbol), attribute.String("strategy", "grid"),
		))
	}

	for _, o := range missing {
		final, err := r.deps.Exchange.GetOrder(ctx, r.symbol, o.OrderID)
		if err != nil {
			r.deps.Logger.Error("grid reconciliation failed to query order", "bot_id", r.botID, "order_id", o.OrderID, "error", err)
			continue
		}
		if final.Status == core.OrderFilled {
			continue
		}

		r.mu.Lock()
		for i, cur := range r.st.Orders {
			if cur.OrderID == o.OrderID {
				r.st.Orders = append(r.st.Orders[:i], r.st.Orders[i+1:]...)
				break
			}
		}
		r.mu.Unlock()

		r.deps.Logger.Warn("grid order missing from exchange, re-placing", "bot_id", r.botID, "order_id", o.OrderID, "side", o.Side, "price", o.Price)
		r.placeOrder(ctx, o.Side, o.Price)
	}

	if len(missing) > 0 {
		r.persist()
	}
}
