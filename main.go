package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"stopguard/config"
	"stopguard/internal/adapters/binanceclient"
	"stopguard/internal/adapters/logger"
	"stopguard/internal/adapters/redisbus"
	"stopguard/internal/adapters/sqlite"
	"stopguard/internal/app"
	"stopguard/internal/handspan"
	"stopguard/internal/monitor"
	"stopguard/internal/risk"
)

func main() {
	ctx := context.Background()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing database repository")
		}
	}()
	appLogger.Info(ctx, "Database repository initialized")

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(ctx, "Binance client initialized")

	// 5. Initialize Message Bus (Redis Adapter)
	bus, err := redisbus.New(ctx, redisbus.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Logger:   appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Redis bus")
		log.Fatalf("FATAL: Failed to initialize Redis bus: %v", err)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing Redis bus")
		}
	}()

	// 6. Initialize Risk Gate
	gate, err := risk.New(risk.Config{
		Policies:        repo,
		Logger:          appLogger,
		MaxDrawdownPct:  cfg.MaxDrawdownPercent,
		StartingCapital: cfg.StartingCapital,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize risk gate")
		log.Fatalf("FATAL: Failed to initialize risk gate: %v", err)
	}

	// 7. Initialize Detector
	detector, err := monitor.New(monitor.Config{
		MarketData:  binanceClient,
		Logger:      appLogger,
		MaxQuoteAge: cfg.PriceMaxAge,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize detector")
		log.Fatalf("FATAL: Failed to initialize detector: %v", err)
	}

	// 8. Initialize Executor
	executor, err := app.NewExecutor(app.ExecutorConfig{
		Positions:   repo,
		Events:      repo,
		Exchange:    binanceClient,
		Gate:        gate,
		Logger:      appLogger,
		MaxAttempts: cfg.MaxSubmitAttempts,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize executor")
		log.Fatalf("FATAL: Failed to initialize executor: %v", err)
	}

	// 9. Initialize Trailer
	trailer, err := app.NewTrailer(app.TrailerConfig{
		Positions:   repo,
		Adjustments: repo,
		MarketData:  binanceClient,
		Calculator: handspan.New(handspan.FeeConfig{
			TradingFeePercent:     cfg.TradingFeePercent,
			SlippageBufferPercent: cfg.SlippageBufferPercent,
		}),
		Gate:        gate,
		Logger:      appLogger,
		MaxQuoteAge: cfg.PriceMaxAge,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trailer")
		log.Fatalf("FATAL: Failed to initialize trailer: %v", err)
	}

	// 10. Initialize Margin Watcher
	marginWatcher, err := app.NewMarginWatcher(app.MarginWatcherConfig{
		Positions:  repo,
		Margin:     binanceClient,
		MarketData: binanceClient,
		Executor:   executor,
		Logger:     appLogger,
		AutoClose:  cfg.AutoCloseOnDanger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize margin watcher")
		log.Fatalf("FATAL: Failed to initialize margin watcher: %v", err)
	}

	// 11. Initialize Outbox Drainer
	drainer, err := app.NewDrainer(app.DrainerConfig{
		Outbox:    repo,
		Bus:       bus,
		Logger:    appLogger,
		BatchSize: cfg.OutboxBatchSize,
		Interval:  cfg.OutboxInterval,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize outbox drainer")
		log.Fatalf("FATAL: Failed to initialize outbox drainer: %v", err)
	}

	// 12. Initialize Application Service
	guardService, err := app.NewGuardService(
		cfg,
		appLogger,
		binanceClient,
		binanceClient,
		repo,
		detector,
		executor,
		trailer,
		marginWatcher,
		drainer,
	)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize guard service")
		log.Fatalf("FATAL: Failed to initialize guard service: %v", err)
	}
	appLogger.Info(ctx, "Guard service initialized")

	// 13. Start the Service
	if err := guardService.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "Guard service exited with error")
		log.Fatalf("FATAL: Guard service exited with error: %v", err)
	}

	appLogger.Info(ctx, "Application finished gracefully.")
}
