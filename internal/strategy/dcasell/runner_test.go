package dcasell

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"gridbot/internal/bus"
	"gridbot/internal/core"
	"gridbot/internal/logging"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeExchange struct {
	core.ExchangeGateway
	mu        sync.Mutex
	nextID    int64
	filters   core.SymbolFilters
	price     decimal.Decimal
	cancelled []int64
}

func (f *fakeExchange) SymbolFilters(ctx context.Context, symbol string) (core.SymbolFilters, error) {
	return f.filters, nil
}

func (f *fakeExchange) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.price, nil
}

func (f *fakeExchange) NewOrder(ctx context.Context, p core.NewOrderParams) (core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return core.Order{
		OrderID: f.nextID, ClientOrderID: p.ClientOrderID, Side: p.Side,
		Price: p.Price, Qty: p.Qty, Status: core.OrderOpen,
	}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

type fakeCache struct{ price decimal.Decimal }

func (c *fakeCache) SetPrice(symbol string, price decimal.Decimal) {}
func (c *fakeCache) GetPrice(symbol string) (decimal.Decimal, bool) {
	return c.price, true
}
func (c *fakeCache) SetBalance(asset string, bal core.Balance)    {}
func (c *fakeCache) GetBalance(asset string) (core.Balance, bool) { return core.Balance{}, false }

type fakeStats struct {
	mu          sync.Mutex
	roundsDelta int64
	pnlDelta    decimal.Decimal
}

func (s *fakeStats) UpdateStats(botID string, roundsDelta int64, pnlDelta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roundsDelta += roundsDelta
	s.pnlDelta = s.pnlDelta.Add(pnlDelta)
	return nil
}
func (s *fakeStats) Persist(botID string) error                 { return nil }
func (s *fakeStats) ReportFatal(botID string, err error)         {}

func newTestRunner(t *testing.T, takeProfit decimal.Decimal) (*Runner, *fakeExchange, *fakeStats, core.Bus) {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	b := bus.New(logger)

	exchange := &fakeExchange{
		filters: core.SymbolFilters{TickSize: d("0.01"), StepSize: d("0.001")},
		price:   d("100"),
	}
	stats := &fakeStats{pnlDelta: decimal.Zero}

	bot := &core.Bot{
		ID:     "bot-abcdef",
		Symbol: "BTCUSDT",
		Config: core.BotConfig{GridLevels: 2, GridSpread: d("1"), OrderSize: d("0.5"), TakeProfit: &takeProfit},
	}
	deps := core.RunnerDeps{
		Exchange: exchange,
		Bus:      b,
		Cache:    &fakeCache{price: d("100")},
		Stats:    stats,
		Logger:   logger,
	}

	runner, err := New(bot, deps)
	require.NoError(t, err)
	return runner.(*Runner), exchange, stats, b
}

func TestRunner_InitialPlacement_PlacesLadderOfSells(t *testing.T) {
	tp := d("2")
	runner, _, _, _ := newTestRunner(t, tp)
	ctx := context.Background()
	require.NoError(t, runner.Start(ctx))
	defer runner.Stop(ctx)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Len(t, runner.st.OpenSells, 2)
	require.True(t, runner.st.OpenSells[0].Price.Equal(d("101")))
	require.True(t, runner.st.OpenSells[1].Price.Equal(d("102")))
}

func TestRunner_BuyBackFill_CreditsPnlAndRestarts(t *testing.T) {
	tp := d("2")
	runner, exchange, stats, b := newTestRunner(t, tp)
	ctx := context.Background()
	require.NoError(t, runner.Start(ctx))
	defer runner.Stop(ctx)

	runner.mu.Lock()
	first := runner.st.OpenSells[0]
	runner.mu.Unlock()

	b.Publish(core.EventOrder, core.OrderEvent{
		Symbol: "BTCUSDT", OrderID: first.OrderID, Side: core.SideSell,
		Status: core.OrderFilled, Price: first.Price, FilledQty: first.Qty,
	})

	runner.mu.Lock()
	bbOrder := *runner.st.BuyBack
	require.True(t, bbOrder.Price.Equal(d("99")))
	runner.mu.Unlock()

	b.Publish(core.EventOrder, core.OrderEvent{
		Symbol: "BTCUSDT", OrderID: bbOrder.OrderID, Side: core.SideBuy,
		Status: core.OrderFilled, Price: bbOrder.Price, FilledQty: bbOrder.Qty,
	})

	stats.mu.Lock()
	require.EqualValues(t, 1, stats.roundsDelta)
	expectedPnl := first.Price.Mul(first.Qty).Sub(bbOrder.Price.Mul(bbOrder.Qty))
	require.True(t, stats.pnlDelta.Equal(expectedPnl))
	stats.mu.Unlock()

	runner.mu.Lock()
	require.Len(t, runner.st.OpenSells, 2)
	require.Nil(t, runner.st.BuyBack)
	runner.mu.Unlock()

	exchange.mu.Lock()
	defer exchange.mu.Unlock()
	require.NotEmpty(t, exchange.cancelled)
}
