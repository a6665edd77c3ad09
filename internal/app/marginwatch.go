package app

import (
	"context"
	"fmt"
	"time"

	"stopguard/internal/domain"
	"stopguard/internal/ports"
)

// MarginWatcher polls isolated-margin account health for every symbol
// with open positions. DANGER with auto-close enabled synthesizes a
// protective trigger through the normal execution pipeline, so the close
// inherits its idempotency and event trail.
type MarginWatcher struct {
	positions ports.PositionRepository
	margin    ports.MarginAccountClient
	market    ports.MarketDataClient
	executor  *Executor
	logger    ports.Logger

	autoClose bool
	now       func() time.Time
}

// MarginWatcherConfig holds the watcher dependencies.
type MarginWatcherConfig struct {
	Positions  ports.PositionRepository
	Margin     ports.MarginAccountClient
	MarketData ports.MarketDataClient
	Executor   *Executor
	Logger     ports.Logger
	AutoClose  bool
	Now        func() time.Time
}

// MarginReport is one symbol's health check result.
type MarginReport struct {
	Symbol      string
	Level       domain.MarginLevel
	MarginRatio string
	Closed      []int64 // Positions auto-closed this check
}

// NewMarginWatcher creates a MarginWatcher.
func NewMarginWatcher(cfg MarginWatcherConfig) (*MarginWatcher, error) {
	if cfg.Positions == nil || cfg.Margin == nil || cfg.MarketData == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("%w: missing required dependencies for MarginWatcher", ports.ErrConfigurationError)
	}
	if cfg.AutoClose && cfg.Executor == nil {
		return nil, fmt.Errorf("%w: auto-close requires an executor", ports.ErrConfigurationError)
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &MarginWatcher{
		positions: cfg.Positions,
		margin:    cfg.Margin,
		market:    cfg.MarketData,
		executor:  cfg.Executor,
		logger:    cfg.Logger,
		autoClose: cfg.AutoClose,
		now:       cfg.Now,
	}, nil
}

// CheckOnce examines margin health for every symbol carrying open
// positions. Non-SAFE levels are logged with escalating severity; DANGER
// triggers auto-close when enabled.
func (w *MarginWatcher) CheckOnce(ctx context.Context, tenantID int64) ([]MarginReport, error) {
	op := "MarginCheckOnce"

	positions, err := w.positions.FindOpen(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	bySymbol := make(map[string][]*domain.Position)
	for _, pos := range positions {
		bySymbol[pos.Symbol] = append(bySymbol[pos.Symbol], pos)
	}

	var reports []MarginReport
	for symbol, group := range bySymbol {
		snap, err := w.margin.GetMarginSnapshot(ctx, symbol)
		if err != nil {
			w.logger.Warn(ctx, "margin snapshot failed", map[string]interface{}{
				"symbol": symbol,
				"error":  err.Error(),
			})
			continue
		}

		level := snap.Health()
		report := MarginReport{Symbol: symbol, Level: level, MarginRatio: snap.MarginRatio.String()}
		w.logHealth(ctx, symbol, snap, level)

		if level == domain.MarginDanger && w.autoClose {
			report.Closed = w.closeGroup(ctx, group, snap)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// logHealth emits one line per symbol at a severity matching the level.
func (w *MarginWatcher) logHealth(ctx context.Context, symbol string, snap *domain.MarginAccountSnapshot, level domain.MarginLevel) {
	fields := map[string]interface{}{
		"symbol":      symbol,
		"marginRatio": snap.MarginRatio.String(),
		"level":       string(level),
	}
	if !snap.LiquidationPrice.IsZero() {
		fields["liquidationPrice"] = snap.LiquidationPrice.String()
	}
	switch {
	case level == domain.MarginSafe:
		w.logger.Debug(ctx, "margin health ok", fields)
	case level.AtOrWorseThan(domain.MarginCritical):
		w.logger.Error(ctx, nil, "margin health degraded", fields)
	default:
		w.logger.Warn(ctx, "margin health degraded", fields)
	}
}

// closeGroup force-closes every open position on a symbol whose margin
// account has entered DANGER. Each close goes through the executor, so a
// stop that already fired for a position is not fired twice.
func (w *MarginWatcher) closeGroup(ctx context.Context, group []*domain.Position, snap *domain.MarginAccountSnapshot) []int64 {
	var closed []int64
	for _, pos := range group {
		quote, err := w.market.GetQuote(ctx, pos.Symbol)
		if err != nil {
			w.logger.Error(ctx, err, "margin auto-close skipped, no quote", map[string]interface{}{
				"positionID": pos.ID,
				"symbol":     pos.Symbol,
			})
			continue
		}
		price := quote.ClosePriceFor(pos.Side)

		trigger := &domain.TriggerEvent{
			PositionID:    pos.ID,
			TenantID:      pos.TenantID,
			Symbol:        pos.Symbol,
			Side:          pos.Side,
			Kind:          domain.TriggerStopLoss,
			Quantity:      pos.Quantity,
			EntryPrice:    pos.EntryPrice,
			StopPrice:     pos.StopPrice,
			ObservedPrice: price,
			ExpectedPnL:   pos.PnLAt(price),
			Leverage:      pos.Leverage,
			ObservedAt:    snap.ObservedAt,
			Source:        domain.SourceMargin,
		}

		w.logger.Warn(ctx, "margin DANGER, force-closing position", map[string]interface{}{
			"positionID":  pos.ID,
			"symbol":      pos.Symbol,
			"marginRatio": snap.MarginRatio.String(),
		})
		result, err := w.executor.HandleTrigger(ctx, trigger)
		if err != nil {
			w.logger.Error(ctx, err, "margin auto-close failed", map[string]interface{}{
				"positionID": pos.ID,
			})
			continue
		}
		if result.Execution != nil && result.Execution.IsTerminal() {
			closed = append(closed, pos.ID)
		}
	}
	return closed
}
