package cmd

import (
	"context"
	"fmt"

	"stopguard/config"
	"stopguard/internal/adapters/binanceclient"
	"stopguard/internal/adapters/logger"
	"stopguard/internal/adapters/redisbus"
	"stopguard/internal/adapters/sqlite"
	"stopguard/internal/app"
	"stopguard/internal/handspan"
	"stopguard/internal/monitor"
	"stopguard/internal/ports"
	"stopguard/internal/risk"
)

// deps is the wired object graph a subcommand works against. The CLI
// shares the daemon's store, so anything it fires is visible to (and
// deduplicated against) the running daemon.
type deps struct {
	cfg      *config.Config
	logger   ports.Logger
	repo     *sqlite.Repository
	client   *binanceclient.Client
	bus      *redisbus.Bus
	gate     *risk.Gate
	detector *monitor.Detector
	executor *app.Executor
	trailer  *app.Trailer
	margin   *app.MarginWatcher
	drainer  *app.Drainer
}

// close releases connections in reverse construction order.
func (d *deps) close() {
	if d.bus != nil {
		_ = d.bus.Close()
	}
	if d.repo != nil {
		_ = d.repo.Close()
	}
}

// buildDeps wires the full graph from the environment configuration.
// autoClose arms margin auto-close regardless of the env default.
func buildDeps(ctx context.Context, autoClose bool) (*deps, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	appLogger := logger.NewStdLogger(cfg.LogLevel)

	d := &deps{cfg: cfg, logger: appLogger}

	d.repo, err = sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d.client, err = binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		d.close()
		return nil, fmt.Errorf("init exchange client: %w", err)
	}

	d.bus, err = redisbus.New(ctx, redisbus.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Logger:   appLogger,
	})
	if err != nil {
		d.close()
		return nil, fmt.Errorf("connect Redis: %w", err)
	}

	d.gate, err = risk.New(risk.Config{
		Policies:        d.repo,
		Logger:          appLogger,
		MaxDrawdownPct:  cfg.MaxDrawdownPercent,
		StartingCapital: cfg.StartingCapital,
	})
	if err != nil {
		d.close()
		return nil, err
	}

	d.detector, err = monitor.New(monitor.Config{
		MarketData:  d.client,
		Logger:      appLogger,
		MaxQuoteAge: cfg.PriceMaxAge,
	})
	if err != nil {
		d.close()
		return nil, err
	}

	d.executor, err = app.NewExecutor(app.ExecutorConfig{
		Positions:   d.repo,
		Events:      d.repo,
		Exchange:    d.client,
		Gate:        d.gate,
		Logger:      appLogger,
		MaxAttempts: cfg.MaxSubmitAttempts,
	})
	if err != nil {
		d.close()
		return nil, err
	}

	d.trailer, err = app.NewTrailer(app.TrailerConfig{
		Positions:   d.repo,
		Adjustments: d.repo,
		MarketData:  d.client,
		Calculator: handspan.New(handspan.FeeConfig{
			TradingFeePercent:     cfg.TradingFeePercent,
			SlippageBufferPercent: cfg.SlippageBufferPercent,
		}),
		Gate:        d.gate,
		Logger:      appLogger,
		MaxQuoteAge: cfg.PriceMaxAge,
	})
	if err != nil {
		d.close()
		return nil, err
	}

	d.margin, err = app.NewMarginWatcher(app.MarginWatcherConfig{
		Positions:  d.repo,
		Margin:     d.client,
		MarketData: d.client,
		Executor:   d.executor,
		Logger:     appLogger,
		AutoClose:  autoClose || cfg.AutoCloseOnDanger,
	})
	if err != nil {
		d.close()
		return nil, err
	}

	d.drainer, err = app.NewDrainer(app.DrainerConfig{
		Outbox:    d.repo,
		Bus:       d.bus,
		Logger:    appLogger,
		BatchSize: cfg.OutboxBatchSize,
		Interval:  cfg.OutboxInterval,
	})
	if err != nil {
		d.close()
		return nil, err
	}

	return d, nil
}
