package dcasell

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

// Runner implements core.Runner for the DCA-Sell strategy, the mirror of
// dcabuy.Runner with sides swapped.
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

// New builds a DCA-Sell Runner, matching core.RunnerFactory's signature.
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
	needsPlacement := len(r.st.OpenSells) == 0 && len(r.st.FilledSells) == 0
	r.mu.Unlock()

	if needsPlacement {
		if err := r.placeSells(ctx); err != nil {
			return fmt.Errorf("failed to place DCA-Sell ladder: %w", err)
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
			r.deps.Logger.Info("dca-sell duration elapsed, auto-stopping", "bot_id", r.botID)
			_ = r.Stop(context.Background())
		})
	}

	r.deps.Logger.Info("dca-sell runner started", "bot_id", r.botID, "symbol", r.symbol)
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
		"openSells":   len(r.st.OpenSells),
		"filledSells": len(r.st.FilledSells),
		"avgPrice":    avg,
		"totalQty":    totalQty,
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

// placeSells places gridLevels SELL orders above the current price,
// deduplicating identical prices.
func (r *Runner) placeSells(ctx context.Context) error {
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
		sellPrice := numeric.FloorTick(price.Add(step), filters.TickSize)
		key := sellPrice.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		r.placeSellOrder(ctx, sellPrice, qty)
	}
	r.persist()
	return nil
}

func (r *Runner) placeSellOrder(ctx context.Context, price, qty decimal.Decimal) {
	order, err := r.tryPlace(ctx, core.SideSell, price, qty)
	if err != nil {
		r.handlePlacementError(err, core.SideSell, price, qty)
		return
	}
	telemetry.GetGlobalMetrics().OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", r.symbol), attribute.String("side", string(core.SideSell)), attribute.String("strategy", "dcasell"),
	))
	r.mu.Lock()
	r.st.OpenSells = append(r.st.OpenSells, openSellOrder{OrderID: order.OrderID, Price: price, Qty: qty})
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
		r.deps.Logger.Warn("dca-sell level skipped", "bot_id", r.botID, "side", side, "price", price, "error", err)
		if errors.Is(err, errs.ErrInsufficientFunds) {
			r.deps.Bus.Publish(core.EventOrder, core.OrderEvent{
				Symbol: r.symbol, Side: side, Price: price, FilledQty: decimal.Zero,
				Status: core.OrderIgnoredBalance,
			})
		}
		return
	}
	r.deps.Logger.Error("dca-sell order placement failed", "bot_id", r.botID, "side", side, "price", price, "qty", qty, "error", err)
}

func (r *Runner) handleFill(ctx context.Context, evt core.OrderEvent) {
	r.mu.Lock()
	isBuyBack := r.st.BuyBack != nil && r.st.BuyBack.OrderID == evt.OrderID
	r.mu.Unlock()

	if isBuyBack {
		r.handleBuyBackFill(ctx, evt)
		return
	}
	r.handleSellFill(ctx, evt)
}

func (r *Runner) handleSellFill(ctx context.Context, evt core.OrderEvent) {
	r.mu.Lock()
	if r.st.hasFilledSell(evt.OrderID) {
		r.mu.Unlock()
		return
	}
	idx := -1
	for i, o := range r.st.OpenSells {
		if o.OrderID == evt.OrderID {
			idx = i
			break
		}
	}
	var qty, price decimal.Decimal
	if idx >= 0 {
		qty, price = r.st.OpenSells[idx].Qty, r.st.OpenSells[idx].Price
		r.st.OpenSells = append(r.st.OpenSells[:idx], r.st.OpenSells[idx+1:]...)
	} else {
		qty, price = evt.FilledQty, evt.Price
	}
	r.st.FilledSells = append(r.st.FilledSells, filledSell{OrderID: evt.OrderID, Price: price, Qty: qty})
	filters := r.filters
	r.mu.Unlock()

	telemetry.GetGlobalMetrics().OrdersFilledTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", r.symbol), attribute.String("side", string(core.SideSell)), attribute.String("strategy", "dcasell"),
	))

	if err := r.maintainBuyBack(ctx, filters); err != nil {
		r.deps.Logger.Error("failed to maintain dca-sell buy-back order", "bot_id", r.botID, "error", err)
	}
	r.persist()
}

// maintainBuyBack ensures a single BUY buy-back at floor_tick(avg -
// takeProfit) for floor_step(totalQty); cancels and replaces it if the
// target has drifted.
func (r *Runner) maintainBuyBack(ctx context.Context, filters core.SymbolFilters) error {
	if r.config.TakeProfit == nil {
		return nil
	}

	r.mu.Lock()
	avg, totalQty, _ := r.st.averages()
	r.mu.Unlock()
	if totalQty.IsZero() {
		return nil
	}

	targetPrice := numeric.FloorTick(avg.Sub(*r.config.TakeProfit), filters.TickSize)
	targetQty := numeric.FloorStep(totalQty, filters.StepSize)

	r.mu.Lock()
	existing := r.st.BuyBack
	r.mu.Unlock()

	if existing != nil {
		if existing.Price.Equal(targetPrice) && existing.Qty.Equal(targetQty) {
			return nil
		}
		if err := r.deps.Exchange.CancelOrder(ctx, r.symbol, existing.OrderID); err != nil {
			if !errors.Is(err, errs.ErrOrderNotFound) {
				return fmt.Errorf("failed to cancel stale buy-back order: %w", err)
			}
		}
	}

	order, err := r.tryPlace(ctx, core.SideBuy, targetPrice, targetQty)
	if err != nil {
		r.handlePlacementError(err, core.SideBuy, targetPrice, targetQty)
		r.mu.Lock()
		r.st.BuyBack = nil
		r.mu.Unlock()
		return nil
	}
	telemetry.GetGlobalMetrics().OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", r.symbol), attribute.String("side", string(core.SideBuy)), attribute.String("strategy", "dcasell"),
	))

	r.mu.Lock()
	r.st.BuyBack = &buyBackOrder{OrderID: order.OrderID, Price: targetPrice, Qty: targetQty}
	r.mu.Unlock()
	return nil
}

// handleBuyBackFill closes the round: credits realized P&L, cancels
// every remaining ladder sell, and restarts placement.
func (r *Runner) handleBuyBackFill(ctx context.Context, evt core.OrderEvent) {
	r.mu.Lock()
	_, _, totalValueSold := r.st.averages()
	remaining := make([]openSellOrder, len(r.st.OpenSells))
	copy(remaining, r.st.OpenSells)
	r.mu.Unlock()

	pnl := totalValueSold.Sub(evt.Price.Mul(evt.FilledQty))

	telemetry.GetGlobalMetrics().OrdersFilledTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", r.symbol), attribute.String("side", string(core.SideBuy)), attribute.String("strategy", "dcasell"),
	))
	pnlFloat, _ := pnl.Float64()
	telemetry.GetGlobalMetrics().RealizedPnLTotal.Add(ctx, pnlFloat, metric.WithAttributes(
		attribute.String("symbol", r.symbol), attribute.String("strategy", "dcasell"),
	))

	for _, o := range remaining {
		if err := r.deps.Exchange.CancelOrder(ctx, r.symbol, o.OrderID); err != nil && !errors.Is(err, errs.ErrOrderNotFound) {
			r.deps.Logger.Error("failed to cancel residual dca-sell ladder order", "bot_id", r.botID, "order_id", o.OrderID, "error", err)
		}
	}

	r.mu.Lock()
	r.st = state{}
	r.mu.Unlock()

	restartLadder := func(stepCtx context.Context) error {
		return r.placeSells(stepCtx)
	}

	if durable, isDurable := r.deps.Stats.(core.DurableFillRunner); isDurable {
		if err := durable.RunFillWorkflow(ctx, r.botID, 1, pnl, restartLadder); err != nil {
			r.deps.Logger.Error("durable dca-sell fill workflow failed", "bot_id", r.botID, "error", err)
		}
		return
	}

	if err := r.deps.Stats.UpdateStats(r.botID, 1, pnl); err != nil {
		r.deps.Logger.Error("failed to update dca-sell stats after round", "bot_id", r.botID, "error", err)
	}
	r.persist()

	if err := restartLadder(ctx); err != nil {
		r.deps.Logger.Error("failed to restart dca-sell ladder after buy-back", "bot_id", r.botID, "error", err)
	}
}

func (r *Runner) persist() {
	if err := r.deps.Stats.Persist(r.botID); err != nil {
		r.deps.Logger.Error("failed to persist dca-sell state", "bot_id", r.botID, "error", err)
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

func (r *Runner) reconcile(ctx context.Context) {
	openOrders, err := r.deps.Exchange.GetOpenOrders(ctx, r.symbol)
	if err != nil {
		r.deps.Logger.Error("dca-sell reconciliation failed to list open orders", "bot_id", r.botID, "error", err)
		return
	}
	onExchange := make(map[int64]bool, len(openOrders))
	for _, o := range openOrders {
		onExchange[o.OrderID] = true
	}

	r.mu.Lock()
	missingSells := make([]openSellOrder, 0)
	for _, o := range r.st.OpenSells {
		if !onExchange[o.OrderID] {
			missingSells = append(missingSells, o)
		}
	}
	var missingBB *buyBackOrder
	if r.st.BuyBack != nil && !onExchange[r.st.BuyBack.OrderID] {
		missingBB = r.st.BuyBack
	}
	r.mu.Unlock()

	divergence := len(missingSells)
	if missingBB != nil {
		divergence++
	}
	if divergence > 0 {
		telemetry.GetGlobalMetrics().ReconcileDivergenceTotal.Add(ctx, int64(divergence), metric.WithAttributes(
			attribute.String("symbol", r.symbol), attribute.String("strategy", "dcasell"),
		))
	}

	for _, o := range missingSells {
		final, err := r.deps.Exchange.GetOrder(ctx, r.symbol, o.OrderID)
		if err != nil {
			r.deps.Logger.Error("dca-sell reconciliation failed to query order", "bot_id", r.botID, "order_id", o.OrderID, "error", err)
			continue
		}
		if final.Status == core.OrderFilled {
			continue
		}
		r.mu.Lock()
		for i, cur := range r.st.OpenSells {
			if cur.OrderID == o.OrderID {
				r.st.OpenSells = append(r.st.OpenSells[:i], r.st.OpenSells[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		r.placeSellOrder(ctx, o.Price, o.Qty)
	}

	if missingBB != nil {
		final, err := r.deps.Exchange.GetOrder(ctx, r.symbol, missingBB.OrderID)
		if err == nil && final.Status != core.OrderFilled {
			r.mu.Lock()
			r.st.BuyBack = nil
			r.mu.Unlock()
			if err := r.maintainBuyBack(ctx, r.filters); err != nil {
				r.deps.Logger.Error("failed to re-place dca-sell buy-back during reconciliation", "bot_id", r.botID, "error", err)
			}
		}
	}

	if len(missingSells) > 0 || missingBB != nil {
		r.persist()
	}
}
