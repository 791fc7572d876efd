package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metric names, grounded on the naming convention of the teacher's
// pkg/telemetry/metrics.go but renamed to this domain's own counters
// (orders placed/filled, realized pnl, reconciliation divergence, gateway
// retries) per SPEC_FULL.md §7.
const (
	MetricOrdersPlacedTotal        = "gridbot_orders_placed_total"
	MetricOrdersFilledTotal        = "gridbot_orders_filled_total"
	MetricRealizedPnLTotal         = "gridbot_realized_pnl_total"
	MetricReconcileDivergenceTotal = "gridbot_reconcile_divergence_total"
	MetricGatewayRetriesTotal      = "gridbot_gateway_retries_total"
	MetricBotsActive               = "gridbot_bots_active"
	MetricLatencyExchange          = "gridbot_latency_exchange_ms"
)

// MetricsHolder holds the process's initialized instruments.
type MetricsHolder struct {
	OrdersPlacedTotal        metric.Int64Counter
	OrdersFilledTotal        metric.Int64Counter
	RealizedPnLTotal         metric.Float64Counter
	ReconcileDivergenceTotal metric.Int64Counter
	GatewayRetriesTotal      metric.Int64Counter
	LatencyExchange          metric.Float64Histogram
	BotsActive               metric.Int64ObservableGauge

	mu            sync.RWMutex
	botsActiveMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the process-wide metrics singleton. Its
// instruments start out as no-ops, so callers can record before Setup runs.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			botsActiveMap: make(map[string]int64),
		}
		_ = globalMetrics.InitMetrics(noop.NewMeterProvider().Meter("gridbot"))
	})
	return globalMetrics
}

// InitMetrics registers every instrument against meter, replacing the
// current ones. Setup calls it with the process's real meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed across all bots"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled across all bots"))
	if err != nil {
		return err
	}

	m.RealizedPnLTotal, err = meter.Float64Counter(MetricRealizedPnLTotal, metric.WithDescription("Cumulative realized profit/loss across all bots"))
	if err != nil {
		return err
	}

	m.ReconcileDivergenceTotal, err = meter.Int64Counter(MetricReconcileDivergenceTotal, metric.WithDescription("Count of local/exchange order-set divergences found during reconciliation"))
	if err != nil {
		return err
	}

	m.GatewayRetriesTotal, err = meter.Int64Counter(MetricGatewayRetriesTotal, metric.WithDescription("Total retried exchange gateway calls"))
	if err != nil {
		return err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange gateway calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.BotsActive, err = meter.Int64ObservableGauge(MetricBotsActive, metric.WithDescription("Number of bots currently running, by strategy"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for strategy, count := range m.botsActiveMap {
				obs.Observe(count, metric.WithAttributes(attribute.String("strategy", strategy)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetBotsActive records the current running-bot count for strategy.
func (m *MetricsHolder) SetBotsActive(strategy string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botsActiveMap[strategy] = count
}
