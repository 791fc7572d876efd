// Package botmanager implements the bot registry and lifecycle (C8): create,
// start, stop, resume-from-disk and list, plus the StatsUpdater seam a
// running strategy runner calls back into.
//
// Grounded on internal/engine/gridengine/{engine.go,coordinator.go}'s
// simple-engine shape (registry + store + logger), generalized from one
// engine instance per process to an in-memory map of many concurrently
// running bots, since spec.md §4/§6 describes one process managing an
// arbitrary number of independent bots rather than one engine per symbol.
package botmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridbot/internal/concurrency"
	"gridbot/internal/core"
)

type entry struct {
	bot        *core.Bot
	runner     core.Runner
	wasRunning bool // persisted status at load time, consumed once by ResumeRunning
	mu         sync.Mutex
}

// Manager is the simple (non-durable) bot registry.
type Manager struct {
	mu       sync.RWMutex
	bots     map[string]*entry
	store    core.Store
	bus      core.Bus
	factory  core.RunnerFactory
	deps     core.RunnerDeps
	pool     *concurrency.WorkerPool
	logger   core.Logger
	notifier core.Notifier
}

// New builds a Manager. factory constructs the strategy-specific Runner for
// a bot; deps are the collaborators passed through to every runner. If
// deps.Stats is nil, it defaults to m itself -- a bare Manager is always its
// own runners' StatsUpdater. NewDurable pre-sets deps.Stats to the
// DurableManager wrapping m before calling New, so a dbos-engine bot's
// runners resolve back to the wrapper instead of the plain Manager.
func New(store core.Store, bus core.Bus, factory core.RunnerFactory, deps core.RunnerDeps, logger core.Logger) *Manager {
	m := &Manager{
		bots:     make(map[string]*entry),
		store:    store,
		bus:      bus,
		factory:  factory,
		logger:   logger.WithField("component", "bot_manager"),
		notifier: deps.Alert,
	}
	if deps.Stats == nil {
		deps.Stats = m
	}
	m.deps = deps
	m.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "botmanager"}, logger)
	return m
}

// CreateBot registers a new, stopped bot. It does not start the runner.
func (m *Manager) CreateBot(ctx context.Context, name string, strategy core.StrategyKind, symbol string, cfg core.BotConfig) (*core.Bot, error) {
	bot := &core.Bot{
		ID:          uuid.NewString(),
		Name:        name,
		Strategy:    strategy,
		Symbol:      symbol,
		Status:      core.StatusStopped,
		Config:      cfg,
		TimeCreated: time.Now(),
	}

	m.mu.Lock()
	m.bots[bot.ID] = &entry{bot: bot}
	m.mu.Unlock()

	if err := m.persistLocked(ctx, bot.ID); err != nil {
		return nil, fmt.Errorf("failed to persist new bot: %w", err)
	}
	m.logger.Info("bot created", "bot_id", bot.ID, "strategy", strategy, "symbol", symbol)
	return bot, nil
}

// StartBot constructs the bot's runner (if not already running) and starts
// it. Starting an already-running bot is a no-op.
func (m *Manager) StartBot(ctx context.Context, botID string) error {
	e, err := m.get(botID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.bot.Status == core.StatusRunning {
		return nil
	}

	if e.runner == nil {
		runner, err := m.factory(e.bot, m.deps)
		if err != nil {
			return fmt.Errorf("failed to build runner for bot %s: %w", botID, err)
		}
		e.runner = runner
	}

	if err := e.runner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runner for bot %s: %w", botID, err)
	}

	now := time.Now()
	e.bot.Status = core.StatusRunning
	if e.bot.TimeStarted == nil {
		e.bot.TimeStarted = &now
	}
	e.bot.RunStartTime = e.bot.TimeStarted
	e.bot.LastError = ""

	if err := m.persistEntry(ctx, e); err != nil {
		m.logger.Error("failed to persist bot after start", "bot_id", botID, "error", err)
	}

	m.bus.Publish(core.EventBot, core.BotEvent{BotID: botID, Kind: "started"})
	return nil
}

// StopBot stops the bot's runner and marks it stopped. Stopping an
// already-stopped bot is a no-op.
func (m *Manager) StopBot(ctx context.Context, botID string) error {
	e, err := m.get(botID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.bot.Status != core.StatusRunning {
		return nil
	}

	if e.runner != nil {
		if err := e.runner.Stop(ctx); err != nil {
			m.logger.Error("runner stop returned error", "bot_id", botID, "error", err)
		}
	}

	now := time.Now()
	if e.bot.RunStartTime != nil {
		e.bot.Stats.LastDurationMs = now.Sub(*e.bot.RunStartTime).Milliseconds()
	}
	e.bot.Status = core.StatusStopped
	e.bot.TimeStopped = &now
	e.bot.RunStartTime = nil

	if err := m.persistEntry(ctx, e); err != nil {
		m.logger.Error("failed to persist bot after stop", "bot_id", botID, "error", err)
	}

	m.bus.Publish(core.EventBot, core.BotEvent{BotID: botID, Kind: "stopped"})
	return nil
}

// GetBot returns a snapshot of the bot's current state.
func (m *Manager) GetBot(botID string) (core.BotView, error) {
	e, err := m.get(botID)
	if err != nil {
		return core.BotView{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.viewLocked(e), nil
}

// ListBots returns every registered bot, running duration materialized.
func (m *Manager) ListBots() []core.BotView {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.bots))
	for _, e := range m.bots {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	views := make([]core.BotView, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		views = append(views, m.viewLocked(e))
		e.mu.Unlock()
	}
	return views
}

func (m *Manager) viewLocked(e *entry) core.BotView {
	view := core.BotView{Bot: *e.bot}
	if e.bot.RunStartTime != nil {
		view.CurrentDurationMs = time.Since(*e.bot.RunStartTime).Milliseconds()
	}
	return view
}

// LoadFromDisk restores every persisted bot into the registry, stopped. A
// caller (cmd/gridbot) decides afterward which bots to auto-start, per
// each bot's persisted Status.
func (m *Manager) LoadFromDisk(ctx context.Context) error {
	ids, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list persisted bots: %w", err)
	}

	for _, id := range ids {
		state, ok, err := m.store.Load(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load bot %s: %w", id, err)
		}
		if !ok {
			m.logger.Warn("skipping unreadable bot snapshot", "bot_id", id)
			continue
		}

		// The in-memory Status always starts Stopped: no runner is actually
		// running yet, regardless of what was persisted. The pre-crash
		// Status is kept in wasRunning so ResumeRunning knows which bots
		// to restart, and StartBot itself sets Status back to Running.
		wasRunning := state.Status == core.StatusRunning

		bot := &core.Bot{
			ID:          id,
			Name:        state.Name,
			Strategy:    state.Strategy,
			Symbol:      state.Symbol,
			Status:      core.StatusStopped,
			Config:      state.Config,
			Stats:       state.Stats,
			TimeCreated: state.TimeCreated,
			TimeStarted: state.TimeStarted,
			TimeStopped: state.TimeStopped,
		}

		e := &entry{bot: bot, wasRunning: wasRunning}
		if state.RunnerState != nil {
			runner, err := m.factory(bot, m.deps)
			if err != nil {
				m.logger.Error("failed to build runner while loading bot", "bot_id", id, "error", err)
			} else if err := runner.UnmarshalState(state.RunnerState); err != nil {
				m.logger.Error("failed to restore runner state", "bot_id", id, "error", err)
			} else {
				e.runner = runner
			}
		}

		m.mu.Lock()
		m.bots[id] = e
		m.mu.Unlock()
	}

	m.logger.Info("loaded bots from disk", "count", len(ids))
	return nil
}

// ResumeRunning starts every loaded bot whose persisted status was running,
// called once at startup after LoadFromDisk.
func (m *Manager) ResumeRunning(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.bots))
	for id, e := range m.bots {
		if e.wasRunning {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.StartBot(ctx, id); err != nil {
			m.logger.Error("failed to resume bot", "bot_id", id, "error", err)
		}
	}
}

func (m *Manager) get(botID string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.bots[botID]
	if !ok {
		return nil, fmt.Errorf("bot %s not found", botID)
	}
	return e, nil
}

// UpdateStats implements core.StatsUpdater, called by a runner after a
// completed round (a sell after the matching buy filled).
func (m *Manager) UpdateStats(botID string, roundsDelta int64, pnlDelta decimal.Decimal) error {
	e, err := m.get(botID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bot.Stats.CompletedRounds += roundsDelta
	e.bot.Stats.RealizedPnl = e.bot.Stats.RealizedPnl.Add(pnlDelta)
	return nil
}

// Persist implements core.StatsUpdater: write botID's current state
// (including its runner's own bookkeeping) to the store.
func (m *Manager) Persist(botID string) error {
	return m.persistLocked(context.Background(), botID)
}

// ReportFatal implements core.StatsUpdater: a runner calls this on a
// fatal-to-bot error (spec.md §7). The bot is stopped and the error
// recorded; other bots are unaffected.
func (m *Manager) ReportFatal(botID string, fatalErr error) {
	e, err := m.get(botID)
	if err != nil {
		m.logger.Error("fatal report for unknown bot", "bot_id", botID, "error", fatalErr)
		return
	}

	e.mu.Lock()
	e.bot.LastError = fatalErr.Error()
	e.bot.Status = core.StatusStopped
	now := time.Now()
	e.bot.TimeStopped = &now
	e.bot.RunStartTime = nil
	e.mu.Unlock()

	if err := m.persistEntry(context.Background(), e); err != nil {
		m.logger.Error("failed to persist bot after fatal error", "bot_id", botID, "error", err)
	}

	m.bus.Publish(core.EventBot, core.BotEvent{BotID: botID, Kind: "bot_error", Message: fatalErr.Error()})
	if m.notifier != nil {
		m.notifier.Notify(context.Background(), botID, "bot_error", fatalErr.Error())
	}
}

func (m *Manager) persistLocked(ctx context.Context, botID string) error {
	e, err := m.get(botID)
	if err != nil {
		return err
	}
	return m.persistEntry(ctx, e)
}

func (m *Manager) persistEntry(ctx context.Context, e *entry) error {
	state := core.BotState{
		Name:        e.bot.Name,
		Strategy:    e.bot.Strategy,
		Symbol:      e.bot.Symbol,
		Status:      e.bot.Status,
		Config:      e.bot.Config,
		Stats:       e.bot.Stats,
		TimeCreated: e.bot.TimeCreated,
		TimeStarted: e.bot.TimeStarted,
		TimeStopped: e.bot.TimeStopped,
	}
	if e.runner != nil {
		runnerState, err := e.runner.MarshalState()
		if err != nil {
			return fmt.Errorf("failed to marshal runner state: %w", err)
		}
		state.RunnerState = runnerState
	}
	return m.store.Save(ctx, e.bot.ID, state)
}

// Stop shuts down the manager's worker pool, draining in-flight tasks.
func (m *Manager) Stop() {
	m.pool.Stop()
}
