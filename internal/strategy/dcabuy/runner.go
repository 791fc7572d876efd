package dcabuy

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

// Runner implements core.Runner for the DCA-Buy strategy.
type Runner struct {
	botID  string
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

// New builds a DCA-Buy Runner, matching core.RunnerFactory's signature.
func New(bot *core.Bot, deps core.RunnerDeps) (core.Runner, error) {
	return &Runner{
		botID:  bot.ID,
		symbol: bot.Symbol,
		config: bot.Config,
		deps:   deps,
	}, nil
}

func (r *Runner) Start(ctx context.Context) error {
	filters, err := r.deps.Exchange.SymbolFilters(ctx, r.symbol)
	if err != nil {
		return fmt.Errorf("failed to load symbol filters: %w", err)
	}
	r.mu.Lock()
	r.filters = filters
	needsPlacement := len(r.st.OpenBuys) == 0 && len(r.st.FilledBuys) == 0
	r.mu.Unlock()

	if needsPlacement {
		if err := r.placeBuys(ctx); err != nil {
			return fmt.Errorf("failed to place DCA-Buy ladder: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.unsubscribe = r.deps.Bus.Subscribe(core.EventOrder, func(payload any) {
		evt, ok := payload.(core.OrderEvent)
		if !ok || evt.Symbol != r.symbol || evt.Status != core.OrderFilled {
			return
		}
		r.handleFill(runCtx, evt)
	})

	r.wg.Add(1)
	go r.reconcileLoop(runCtx)

	if r.config.DurationMinutes > 0 {
		r.durationTimer = time.AfterFunc(time.Duration(r.config.DurationMinutes)*time.Minute, func() {
			r.deps.Logger.Info("dca-buy duration elapsed, auto-stopping", "bot_id", r.botID)
			_ = r.Stop(context.Background())
		})
	}

	r.deps.Logger.Info("dca-buy runner started", "bot_id", r.botID, "symbol", r.symbol)
	return nil
}

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

func (r *Runner) GetDetails() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	avg, totalQty, _ := r.st.averages()
	return map[string]any{
		"openBuys":   len(r.st.OpenBuys),
		"filledBuys": len(r.st.FilledBuys),
		"avgPrice":   avg,
		"totalQty":   totalQty,
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

// placeBuys places gridLevels BUY orders below the current price,
// deduplicating identical prices (spec.md §4.6).
func (r *Runner) placeBuys(ctx context.Context) error {
	price, err := r.currentPrice(ctx)
	if err != nil {
		return fmt.Errorf("failed to read current price: %w", err)
	}

	r.mu.Lock()
	filters := r.filters
	r.mu.Unlock()

	qty := numeric.FloorStep(r.config.OrderSize, filters.StepSize)

	seen := make(map[string]bool)
	for i := 1; i <= r.config.GridLevels; i++ {
		step := r.config.GridSpread.Mul(decimal.NewFromInt(int64(i)))
		buyPrice := numeric.FloorTick(price.Sub(step), filters.TickSize)
		key := buyPrice.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		r.placeBuyOrder(ctx, buyPrice, qty)
	}
	r.persist()
	return nil
}

func (r *Runner) placeBuyOrder(ctx context.Context, price, qty decimal.Decimal) {
	order, err := r.tryPlace(ctx, core.SideBuy, price, qty)
	if err != nil {
		r.handlePlacementError(err, core.SideBuy, price, qty)
		return
	}
	telemetry.GetGlobalMetrics().OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", r.symbol), attribute.String("side", string(core.SideBuy)), attribute.String("strategy", "dcabuy"),
	))
	r.mu.Lock()
	r.st.OpenBuys = append(r.st.OpenBuys, openBuyOrder{OrderID: order.OrderID, Price: price, Qty: qty})
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

// handlePlacementError routes through errs.Resolve for the shared
// transient/benign/fatal policy (spec.md §4.5/§4.6/§7).
func (r *Runner) handlePlacementError(err error, side core.OrderSide, price, qty decimal.Decimal) {
	switch errs.Resolve(err) {
	case errs.ResolutionFatal:
		r.deps.Stats.ReportFatal(r.botID, err)
		return
	case errs.ResolutionSkip:
		r.deps.Logger.Warn("dca-buy level skipped", "bot_id", r.botID, "side", side, "price", price, "error", err)
		if errors.Is(err, errs.ErrInsufficientFunds) {
			r.deps.Bus.Publish(core.EventOrder, core.OrderEvent{
				Symbol: r.symbol, Side: side, Price: price, FilledQty: decimal.Zero,
				Status: core.OrderIgnoredBalance,
			})
		}
		return
	}
	r.deps.Logger.Error("dca-buy order placement failed", "bot_id", r.botID, "side", side, "price", price, "qty", qty, "error", err)
}

func (r *Runner) handleFill(ctx context.Context, evt core.OrderEvent) {
	r.mu.Lock()
	isTakeProfit := r.st.TakeProfit != nil && r.st.TakeProfit.OrderID == evt.OrderID
	r.mu.Unlock()

	if isTakeProfit {
		r.handleTakeProfitFill(ctx, evt)
		return
	}
	r.handleBuyFill(ctx, evt)
}

func (r *Runner) handleBuyFill(ctx context.Context, evt core.OrderEvent) {
	r.mu.Lock()
	if r.st.hasFilledBuy(evt.OrderID) {
		r.mu.Unlock()
		return
	}
	idx := -1
	for i, o := range r.st.OpenBuys {
		if o.OrderID == evt.OrderID {
			idx = i
			break
		}
	}
	var qty, price decimal.Decimal
	if idx >= 0 {
		qty, price = r.st.OpenBuys[idx].Qty, r.st.OpenBuys[idx].Price
		r.st.OpenBuys = append(r.st.OpenBuys[:idx], r.st.OpenBuys[idx+1:]...)
	} else {
		qty, price = evt.FilledQty, evt.Price
	}
	r.st.FilledBuys = append(r.st.FilledBuys, filledBuy{OrderID: evt.OrderID, Price: price, Qty: qty})
	filters := r.filters
	r.mu.Unlock()

	telemetry.GetGlobalMetrics().OrdersFilledTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", r.symbol), attribute.String("side", string(core.SideBuy)), attribute.String("strategy", "dcabuy"),
	))

	if err := r.maintainTakeProfit(ctx, filters); err != nil {
		r.deps.Logger.Error("failed to maintain dca-buy take-profit order", "bot_id", r.botID, "error", err)
	}
	r.persist()
}

// maintainTakeProfit ensures a single SELL TP at floor_tick(avg +
// takeProfit) for floor_step(totalQty); cancels and replaces it if the
// target price or quantity has drifted outside half a tick/step.
func (r *Runner) maintainTakeProfit(ctx context.Context, filters core.SymbolFilters) error {
	if r.config.TakeProfit == nil {
		return nil
	}

	r.mu.Lock()
	avg, totalQty, _ := r.st.averages()
	r.mu.Unlock()
	if totalQty.IsZero() {
		return nil
	}

	targetPrice := numeric.FloorTick(avg.Add(*r.config.TakeProfit), filters.TickSize)
	targetQty := numeric.FloorStep(totalQty, filters.StepSize)

	r.mu.Lock()
	existing := r.st.TakeProfit
	r.mu.Unlock()

	if existing != nil {
		if existing.Price.Equal(targetPrice) && existing.Qty.Equal(targetQty) {
			return nil
		}
		if err := r.deps.Exchange.CancelOrder(ctx, r.symbol, existing.OrderID); err != nil {
			if !errors.Is(err, errs.ErrOrderNotFound) {
				return fmt.Errorf("failed to cancel stale take-profit order: %w", err)
			}
		}
	}

	order, err := r.tryPlace(ctx, core.SideSell, targetPrice, targetQty)
	if err != nil {
		r.handlePlacementError(err, core.SideSell, targetPrice, targetQty)
		r.mu.Lock()
		r.st.TakeProfit = nil
		r.mu.Unlock()
		return nil
	}
	telemetry.GetGlobalMetrics().OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", r.symbol), attribute.String("side", string(core.SideSell)), attribute.String("strategy", "dcabuy"),
	))

	r.mu.Lock()
	r.st.TakeProfit = &takeProfitOrder{OrderID: order.OrderID, Price: targetPrice, Qty: targetQty}
	r.mu.Unlock()
	return nil
}

// handleTakeProfitFill closes the round: credits realized P&L, cancels
// every remaining ladder buy, and restarts placement.
func (r *Runner) handleTakeProfitFill(ctx context.Context, evt core.OrderEvent) {
	r.mu.Lock()
	_, _, totalValue := r.st.averages()
	remaining := make([]openBuyOrder, len(r.st.OpenBuys))
	copy(remaining, r.st.OpenBuys)
	r.mu.Unlock()

	pnl := evt.Price.Mul(evt.FilledQty).Sub(totalValue)

	telemetry.GetGlobalMetrics().OrdersFilledTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", r.symbol), attribute.String("side", string(core.SideSell)), attribute.String("strategy", "dcabuy"),
	))
	pnlFloat, _ := pnl.Float64()
	telemetry.GetGlobalMetrics().RealizedPnLTotal.Add(ctx, pnlFloat, metric.WithAttributes(
		attribute.String("symbol", r.symbol), attribute.String("strategy", "dcabuy"),
	))

	for _, o := range remaining {
		if err := r.deps.Exchange.CancelOrder(ctx, r.symbol, o.OrderID); err != nil && !errors.Is(err, errs.ErrOrderNotFound) {
			r.deps.Logger.Error("failed to cancel residual dca-buy ladder order", "bot_id", r.botID, "order_id", o.OrderID, "error", err)
		}
	}

	r.mu.Lock()
	r.st = state{}
	r.mu.Unlock()

	restartLadder := func(stepCtx context.Context) error {
		return r.placeBuys(stepCtx)
	}

	if durable, isDurable := r.deps.Stats.(core.DurableFillRunner); isDurable {
		if err := durable.RunFillWorkflow(ctx, r.botID, 1, pnl, restartLadder); err != nil {
			r.deps.Logger.Error("durable dca-buy fill workflow failed", "bot_id", r.botID, "error", err)
		}
		return
	}

	if err := r.deps.Stats.UpdateStats(r.botID, 1, pnl); err != nil {
		r.deps.Logger.Error("failed to update dca-buy stats after round", "bot_id", r.botID, "error", err)
	}
	r.persist()

	if err := restartLadder(ctx); err != nil {
		r.deps.Logger.Error("failed to restart dca-buy ladder after take-profit", "bot_id", r.botID, "error", err)
	}
}

func (r *Runner) persist() {
	if err := r.deps.Stats.Persist(r.botID); err != nil {
		r.deps.Logger.Error("failed to persist dca-buy state", "bot_id", r.botID, "error", err)
	}
}

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

// reconcile re-places any locally open ladder buy or take-profit sell the
// exchange no longer has open, unless it already reached a terminal fill.
func (r *Runner) reconcile(ctx context.Context) {
	openOrders, err := r.deps.Exchange.GetOpenOrders(ctx, r.symbol)
	if err != nil {
		r.deps.Logger.Error("dca-buy reconciliation failed to list open orders", "bot_id", r.botID, "error", err)
		return
	}
	onExchange := make(map[int64]bool, len(openOrders))
	for _, o := range openOrders {
		onExchange[o.OrderID] = true
	}

	r.mu.Lock()
	missingBuys := make([]openBuyOrder, 0)
	for _, o := range r.st.OpenBuys {
		if !onExchange[o.OrderID] {
			missingBuys = append(missingBuys, o)
		}
	}
	var missingTP *takeProfitOrder
	if r.st.TakeProfit != nil && !onExchange[r.st.TakeProfit.OrderID] {
		missingTP = r.st.TakeProfit
	}
	r.mu.Unlock()

	divergence := len(missingBuys)
	if missingTP != nil {
		divergence++
	}
	if divergence > 0 {
		telemetry.GetGlobalMetrics().ReconcileDivergenceTotal.Add(ctx, int64(divergence), metric.WithAttributes(
			attribute.String("symbol", r.symbol), attribute.String("strategy", "dcabuy"),
		))
	}

	for _, o := range missingBuys {
		final, err := r.deps.Exchange.GetOrder(ctx, r.symbol, o.OrderID)
		if err != nil {
			r.deps.Logger.Error("dca-buy reconciliation failed to query order", "bot_id", r.botID, "order_id", o.OrderID, "error", err)
			continue
		}
		if final.Status == core.OrderFilled {
			continue
		}
		r.mu.Lock()
		for i, cur := range r.st.OpenBuys {
			if cur.OrderID == o.OrderID {
				r.st.OpenBuys = append(r.st.OpenBuys[:i], r.st.OpenBuys[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		r.placeBuyOrder(ctx, o.Price, o.Qty)
	}

	if missingTP != nil {
		final, err := r.deps.Exchange.GetOrder(ctx, r.symbol, missingTP.OrderID)
		if err == nil && final.Status != core.OrderFilled {
			r.mu.Lock()
			r.st.TakeProfit = nil
			r.mu.Unlock()
			if err := r.maintainTakeProfit(ctx, r.filters); err != nil {
				r.deps.Logger.Error("failed to re-place dca-buy take-profit during reconciliation", "bot_id", r.botID, "error", err)
			}
		}
	}

	if len(missingBuys) > 0 || missingTP != nil {
		r.persist()
	}
}
