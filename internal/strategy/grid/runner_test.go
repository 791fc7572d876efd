package grid

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

type fakeExchange struct {
	core.ExchangeGateway
	mu      sync.Mutex
	nextID  int64
	filters core.SymbolFilters
	price   decimal.Decimal
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

type fakeCache struct{ price decimal.Decimal }

func (c *fakeCache) SetPrice(symbol string, price decimal.Decimal) {}
func (c *fakeCache) GetPrice(symbol string) (decimal.Decimal, bool) {
	return c.price, true
}
func (c *fakeCache) SetBalance(asset string, bal core.Balance) {}
func (c *fakeCache) GetBalance(asset string) (core.Balance, bool) {
	return core.Balance{}, false
}

type fakeStats struct {
	mu            sync.Mutex
	roundsDelta   int64
	pnlDelta      decimal.Decimal
	persistCalls  int
	fatalErr      error
}

func (s *fakeStats) UpdateStats(botID string, roundsDelta int64, pnlDelta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roundsDelta += roundsDelta
	s.pnlDelta = s.pnlDelta.Add(pnlDelta)
	return nil
}
func (s *fakeStats) Persist(botID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistCalls++
	return nil
}
func (s *fakeStats) ReportFatal(botID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fatalErr = err
}

func newTestRunner(t *testing.T) (*Runner, *fakeExchange, *fakeStats, core.Bus) {
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
		ID:     "bot-123456",
		Symbol: "BTCUSDT",
		Config: core.BotConfig{GridLevels: 1, GridSpread: d("1"), OrderSize: d("50")},
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

func TestRunner_InitialPlacement_PlacesOneBuyAndOneSell(t *testing.T) {
	runner, _, _, _ := newTestRunner(t)
	ctx := context.Background()

	require.NoError(t, runner.Start(ctx))
	defer runner.Stop(ctx)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Len(t, runner.st.Orders, 2)
}

func TestRunner_BuyFillThenSellFill_CreditsRealizedPnl(t *testing.T) {
	runner, _, stats, b := newTestRunner(t)
	ctx := context.Background()
	require.NoError(t, runner.Start(ctx))
	defer runner.Stop(ctx)

	runner.mu.Lock()
	var buyOrder openOrder
	for _, o := range runner.st.Orders {
		if o.Side == core.SideBuy {
			buyOrder = o
		}
	}
	runner.mu.Unlock()
	require.NotZero(t, buyOrder.OrderID)

	b.Publish(core.EventOrder, core.OrderEvent{
		Symbol: "BTCUSDT", OrderID: buyOrder.OrderID, Side: core.SideBuy,
		Status: core.OrderFilled, Price: buyOrder.Price, FilledQty: buyOrder.Qty,
	})

	runner.mu.Lock()
	require.Len(t, runner.st.UnmatchedBuys, 1)
	var sellOrder openOrder
	for _, o := range runner.st.Orders {
		if o.Side == core.SideSell && o.Price.Equal(buyOrder.Price.Add(d("1"))) {
			sellOrder = o
		}
	}
	runner.mu.Unlock()
	require.NotZero(t, sellOrder.OrderID)

	b.Publish(core.EventOrder, core.OrderEvent{
		Symbol: "BTCUSDT", OrderID: sellOrder.OrderID, Side: core.SideSell,
		Status: core.OrderFilled, Price: sellOrder.Price, FilledQty: sellOrder.Qty,
	})

	stats.mu.Lock()
	defer stats.mu.Unlock()
	require.EqualValues(t, 1, stats.roundsDelta)
	require.True(t, stats.pnlDelta.Equal(sellOrder.Price.Sub(buyOrder.Price).Mul(buyOrder.Qty)))
}
