// Command gridbot runs the multi-strategy trading bot process: it loads
// config, wires the exchange gateway, cache, store, bus and admin API, then
// restores and resumes any previously running bots before blocking for
// SIGINT/SIGTERM.
//
// Grounded on cmd/live_server/main.go's bootstrap shape (load config, build
// collaborators, start background loops, block on a signal channel, then
// shut each one down in turn), adapted from one gRPC-backed market-data
// relay to the bot manager + admin API this process actually runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"gridbot/internal/adminapi"
	"gridbot/internal/alert"
	"gridbot/internal/botmanager"
	"gridbot/internal/bus"
	"gridbot/internal/cache"
	"gridbot/internal/config"
	"gridbot/internal/core"
	"gridbot/internal/exchange"
	"gridbot/internal/logging"
	"gridbot/internal/store"
	"gridbot/internal/stream"
	"gridbot/internal/strategy/dcabuy"
	"gridbot/internal/strategy/dcasell"
	"gridbot/internal/strategy/grid"
	"gridbot/internal/telemetry"
)

// defaultWSBaseURL mirrors internal/exchange/binancespot's own defaultSpotWS.
const defaultWSBaseURL = "wss://stream.binance.com:9443"

func main() {
	configPath := flag.String("config", "configs/gridbot.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := loadConfigWithEnvOverrides(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	tel, err := telemetry.Setup("gridbot")
	if err != nil {
		logger.Warn("failed to set up telemetry, continuing without it", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gateway := exchange.New(cfg.Exchange, logger)
	go gateway.RunTimeSync(ctx, time.Duration(cfg.Timing.TimeSyncIntervalSeconds)*time.Second)

	priceCache := cache.New(time.Duration(cfg.Cache.DefaultTTLSec)*time.Second, cfg.Cache.RedisURL, logger)

	botStore, err := buildStore(cfg)
	if err != nil {
		logger.Fatal("failed to build persistence layer", "error", err)
	}

	eventBus := bus.New(logger)

	notifier := alert.NewManager(logger)
	if cfg.Alert.SlackWebhookURL != "" {
		notifier.AddChannel(alert.NewSlackChannel(string(cfg.Alert.SlackWebhookURL)))
	}
	if cfg.Alert.TelegramBotToken != "" && cfg.Alert.TelegramChatID != "" {
		notifier.AddChannel(alert.NewTelegramChannel(string(cfg.Alert.TelegramBotToken), cfg.Alert.TelegramChatID))
	}

	deps := core.RunnerDeps{
		Exchange: gateway,
		Bus:      eventBus,
		Cache:    priceCache,
		Logger:   logger,
		Alert:    notifier,
	}

	manager, err := buildManager(cfg, botStore, eventBus, deps, logger)
	if err != nil {
		logger.Fatal("failed to build bot manager", "error", err)
	}

	if err := manager.LoadFromDisk(ctx); err != nil {
		logger.Fatal("failed to load bots from disk", "error", err)
	}
	manager.ResumeRunning(ctx)

	userStream := stream.NewUserStream(gateway, eventBus, logger)
	if err := userStream.Start(ctx, defaultWSBaseURL); err != nil {
		logger.Error("failed to start user stream", "error", err)
	}

	marketStreams := startMarketStreams(subscribeSymbols(), priceCache, eventBus, logger)

	admin := adminapi.NewServer(manager, gateway, priceCache, eventBus, logger)
	go func() {
		if err := admin.Start(serverAddr(cfg)); err != nil {
			logger.Error("admin api server stopped", "error", err)
		}
	}()

	logger.Info("gridbot is running", "port", serverAddr(cfg))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received, stopping")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	for _, view := range manager.ListBots() {
		if view.Status != core.StatusRunning {
			continue
		}
		if err := manager.StopBot(shutdownCtx, view.ID); err != nil {
			logger.Error("failed to stop bot during shutdown", "bot_id", view.ID, "error", err)
		}
	}

	userStream.Stop(shutdownCtx)
	for _, ms := range marketStreams {
		ms.Stop()
	}
	manager.Stop()

	if err := admin.Stop(shutdownCtx); err != nil {
		logger.Error("admin api shutdown error", "error", err)
	}

	cancel()

	if tel != nil {
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}

	logger.Info("gridbot stopped")
}

// loadConfigWithEnvOverrides loads path if present, falling back to
// config.DefaultConfig(), then applies the environment variables spec.md
// §6 names directly (these take precedence over whatever the YAML file
// set, matching cmd/exchange_connector's own env-overrides-flags pattern).
func loadConfigWithEnvOverrides(path string) (*config.Config, error) {
	var cfg *config.Config
	if _, err := os.Stat(path); err == nil {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}

	apiKey := os.Getenv("BINANCE_API_KEY")
	apiSecret := os.Getenv("BINANCE_API_SECRET")
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("BINANCE_API_KEY and BINANCE_API_SECRET are required")
	}
	cfg.Exchange.APIKey = config.Secret(apiKey)
	cfg.Exchange.SecretKey = config.Secret(apiSecret)

	if baseURL := os.Getenv("BINANCE_BASE_URL"); baseURL != "" {
		cfg.Exchange.BaseURL = baseURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Cache.RedisURL = redisURL
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = ":" + strings.TrimPrefix(port, ":")
	} else if cfg.Server.Port == "" {
		cfg.Server.Port = ":8123"
	}

	return cfg, nil
}

// subscribeSymbols reads SUBSCRIBE_SYMBOLS, defaulting to spec.md §6's
// BTCUSDT,ETHUSDT,BTCFDUSD.
func subscribeSymbols() []string {
	raw := os.Getenv("SUBSCRIBE_SYMBOLS")
	if raw == "" {
		raw = "BTCUSDT,ETHUSDT,BTCFDUSD"
	}
	parts := strings.Split(raw, ",")
	symbols := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			symbols = append(symbols, s)
		}
	}
	return symbols
}

func serverAddr(cfg *config.Config) string {
	if cfg.Server.Port == "" {
		return ":8123"
	}
	return cfg.Server.Port
}

func startMarketStreams(symbols []string, c core.Cache, b core.Bus, logger core.Logger) []*stream.MarketStream {
	streams := make([]*stream.MarketStream, 0, len(symbols))
	for _, symbol := range symbols {
		ms := stream.NewMarketStream(symbol, "1m", c, b, logger)
		ms.Start(defaultWSBaseURL)
		streams = append(streams, ms)
	}
	return streams
}

// buildStore constructs the FileStore (always) paired with a SQLiteIndex
// mirror whenever store.sqlite_index names a path.
func buildStore(cfg *config.Config) (core.Store, error) {
	files, err := store.NewFileStore(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}
	if cfg.Store.SQLiteIndex == "" {
		return files, nil
	}
	index, err := store.NewSQLiteIndex(cfg.Store.SQLiteIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite index: %w", err)
	}
	return store.NewIndexedStore(files, index), nil
}

// buildManager returns the simple Manager or, when engine_type is dbos, the
// Manager embedded inside a DurableManager. botmanager.NewDurable points the
// embedded Manager's deps.Stats back at the DurableManager itself, so every
// bot's runner resolves deps.Stats.(core.DurableFillRunner) and routes its
// fill handling through DurableManager.RunFillWorkflow instead of a direct
// UpdateStats call -- engine_type=dbos has an observable effect on runtime
// fill handling, not just on which persistence layer is active.
func buildManager(cfg *config.Config, botStore core.Store, eventBus core.Bus, deps core.RunnerDeps, logger core.Logger) (*botmanager.Manager, error) {
	factory := runnerFactory()

	if cfg.App.EngineType != "dbos" {
		return botmanager.New(botStore, eventBus, factory, deps, logger), nil
	}

	dbosCtx, err := dbos.NewDBOSContext(context.Background(), dbos.Config{
		AppName:     "gridbot",
		DatabaseURL: cfg.App.DatabaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize dbos context: %w", err)
	}
	durable := botmanager.NewDurable(dbosCtx, botStore, eventBus, factory, deps, logger)
	return durable.Manager, nil
}

// runnerFactory dispatches to the strategy package matching a bot's
// StrategyKind; botmanager and the strategy packages never import each
// other, only core.RunnerFactory's function type.
func runnerFactory() core.RunnerFactory {
	return func(bot *core.Bot, deps core.RunnerDeps) (core.Runner, error) {
		switch bot.Strategy {
		case core.StrategyGrid:
			return grid.New(bot, deps)
		case core.StrategyDCABuy:
			return dcabuy.New(bot, deps)
		case core.StrategyDCASell:
			return dcasell.New(bot, deps)
		default:
			return nil, fmt.Errorf("unknown strategy %q", bot.Strategy)
		}
	}
}
