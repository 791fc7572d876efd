package botmanager

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/internal/bus"
	"gridbot/internal/core"
	"gridbot/internal/logging"
	"gridbot/internal/store"
)

type fakeRunner struct {
	startCalls int
	stopCalls  int
	state      json.RawMessage
}

func (r *fakeRunner) Start(ctx context.Context) error { r.startCalls++; return nil }
func (r *fakeRunner) Stop(ctx context.Context) error   { r.stopCalls++; return nil }
func (r *fakeRunner) GetDetails() map[string]any       { return nil }
func (r *fakeRunner) MarshalState() (json.RawMessage, error) {
	return json.RawMessage(`{"n":1}`), nil
}
func (r *fakeRunner) UnmarshalState(data json.RawMessage) error {
	r.state = data
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeRunner) {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	b := bus.New(logger)
	runner := &fakeRunner{}
	factory := func(bot *core.Bot, deps core.RunnerDeps) (core.Runner, error) {
		return runner, nil
	}

	m := New(fs, b, factory, core.RunnerDeps{Logger: logger, Bus: b}, logger)
	return m, runner
}

func TestManager_CreateStartStopLifecycle(t *testing.T) {
	m, runner := newTestManager(t)
	ctx := context.Background()

	bot, err := m.CreateBot(ctx, "grid-1", core.StrategyGrid, "BTCUSDT", core.BotConfig{GridLevels: 3})
	require.NoError(t, err)
	assert.Equal(t, core.StatusStopped, bot.Status)

	require.NoError(t, m.StartBot(ctx, bot.ID))
	assert.Equal(t, 1, runner.startCalls)

	view, err := m.GetBot(bot.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusRunning, view.Status)

	require.NoError(t, m.StopBot(ctx, bot.ID))
	assert.Equal(t, 1, runner.stopCalls)

	view, err = m.GetBot(bot.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusStopped, view.Status)
}

func TestManager_UpdateStatsAccumulates(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	bot, err := m.CreateBot(ctx, "grid-1", core.StrategyGrid, "BTCUSDT", core.BotConfig{})
	require.NoError(t, err)

	require.NoError(t, m.UpdateStats(bot.ID, 1, decimal.NewFromFloat(5.5)))
	require.NoError(t, m.UpdateStats(bot.ID, 2, decimal.NewFromFloat(1.5)))

	view, err := m.GetBot(bot.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, view.Stats.CompletedRounds)
	assert.True(t, view.Stats.RealizedPnl.Equal(decimal.NewFromFloat(7.0)))
}

func TestManager_ReportFatalStopsBotAndRecordsError(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	bot, err := m.CreateBot(ctx, "grid-1", core.StrategyGrid, "BTCUSDT", core.BotConfig{})
	require.NoError(t, err)
	require.NoError(t, m.StartBot(ctx, bot.ID))

	m.ReportFatal(bot.ID, assertErr{"insufficient funds"})

	view, err := m.GetBot(bot.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusStopped, view.Status)
	assert.Equal(t, "insufficient funds", view.LastError)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

func TestManager_DefaultsRunnerDepsStatsToItself(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	b := bus.New(logger)

	var gotStats core.StatsUpdater
	factory := func(bot *core.Bot, deps core.RunnerDeps) (core.Runner, error) {
		gotStats = deps.Stats
		return &fakeRunner{}, nil
	}

	m := New(fs, b, factory, core.RunnerDeps{Logger: logger, Bus: b}, logger)
	ctx := context.Background()

	bot, err := m.CreateBot(ctx, "grid-1", core.StrategyGrid, "BTCUSDT", core.BotConfig{})
	require.NoError(t, err)
	require.NoError(t, m.StartBot(ctx, bot.ID))

	assert.Same(t, m, gotStats)
}
