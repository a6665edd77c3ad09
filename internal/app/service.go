package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"stopguard/config"
	"stopguard/internal/domain"
	"stopguard/internal/monitor"
	"stopguard/internal/ports"
)

// GuardService orchestrates the protection loop: a live quote stream for
// fast detection, a periodic sweep as its safety net, the trailing and
// margin watchers on their own intervals, and the outbox drainer. All
// execution flows through the Executor, so the service itself never talks
// to the exchange's order endpoints.
type GuardService struct {
	cfg       *config.Config
	logger    ports.Logger
	exchange  ports.ExecutionClient
	market    ports.MarketDataClient
	positions ports.PositionRepository
	detector  *monitor.Detector
	executor  *Executor
	trailer   *Trailer
	margin    *MarginWatcher
	drainer   *Drainer

	// State fields
	mu       sync.Mutex // Protects the open-position cache below
	bySymbol map[string][]*domain.Position
}

// NewGuardService creates the application service.
func NewGuardService(
	cfg *config.Config,
	logger ports.Logger,
	exchange ports.ExecutionClient,
	market ports.MarketDataClient,
	positions ports.PositionRepository,
	detector *monitor.Detector,
	executor *Executor,
	trailer *Trailer,
	margin *MarginWatcher,
	drainer *Drainer,
) (*GuardService, error) {

	// Validate dependencies
	if cfg == nil || logger == nil || exchange == nil || market == nil || positions == nil ||
		detector == nil || executor == nil || trailer == nil || drainer == nil {
		return nil, fmt.Errorf("missing required dependencies for GuardService")
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("configuration Symbols must not be empty")
	}
	if cfg.CheckInterval <= 0 {
		return nil, fmt.Errorf("configuration CheckInterval must be positive")
	}

	return &GuardService{
		cfg:       cfg,
		logger:    logger,
		exchange:  exchange,
		market:    market,
		positions: positions,
		detector:  detector,
		executor:  executor,
		trailer:   trailer,
		margin:    margin,
		drainer:   drainer,
		bySymbol:  make(map[string][]*domain.Position),
	}, nil
}

// Start runs the protection loop until the context is cancelled or a
// shutdown signal arrives.
func (s *GuardService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting Guard Service...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
		cancel()
	}()

	// --- Initialization Steps ---
	// 1. Verify exchange connectivity before arming anything.
	if err := s.exchange.Ping(ctx); err != nil {
		s.logger.Error(ctx, err, "Exchange connectivity check failed")
		return fmt.Errorf("exchange ping failed: %w", err)
	}
	s.logger.Info(ctx, "Exchange connectivity verified")

	// 2. Load the open positions this instance guards.
	if err := s.refreshPositions(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to load open positions")
		return fmt.Errorf("failed to load open positions: %w", err)
	}
	s.logger.Info(ctx, "Open positions loaded", map[string]interface{}{"count": s.openCount()})

	// 3. Run one sweep immediately so nothing waits a full interval after
	//    a restart.
	s.sweep(ctx)

	// --- Start Quote Stream ---
	wsDoneCh, wsStopCh, err := s.market.StreamQuotes(ctx, s.cfg.Symbols, s.handleQuote, s.handleWsError)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to start quote stream")
		return fmt.Errorf("failed to start quote stream: %w", err)
	}
	s.logger.Info(ctx, "Quote stream started", map[string]interface{}{"symbols": s.cfg.Symbols})

	// --- Background Loops ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.runTicker(gctx, "sweep", s.cfg.CheckInterval, func(tickCtx context.Context) { s.sweep(tickCtx) })
		return nil
	})

	g.Go(func() error {
		s.runTicker(gctx, "trailing", s.cfg.TrailInterval, func(tickCtx context.Context) {
			summary, tErr := s.trailer.RunOnce(tickCtx, 0)
			if tErr != nil {
				s.logger.Error(tickCtx, tErr, "Trailing sweep failed")
				return
			}
			if summary.Adjusted > 0 || summary.Blocked > 0 || summary.Failed > 0 {
				s.logger.Info(tickCtx, "Trailing sweep complete", map[string]interface{}{
					"checked":  summary.Checked,
					"adjusted": summary.Adjusted,
					"blocked":  summary.Blocked,
					"failed":   summary.Failed,
				})
			}
		})
		return nil
	})

	if s.margin != nil {
		g.Go(func() error {
			s.runTicker(gctx, "margin", s.cfg.MarginInterval, func(tickCtx context.Context) {
				if _, mErr := s.margin.CheckOnce(tickCtx, 0); mErr != nil {
					s.logger.Error(tickCtx, mErr, "Margin health check failed")
				}
			})
			return nil
		})
	}

	g.Go(func() error {
		if dErr := s.drainer.Run(gctx); dErr != nil && !errors.Is(dErr, context.Canceled) {
			s.logger.Error(gctx, dErr, "Outbox drainer stopped")
		}
		return nil
	})

	// --- Main Loop ---
	// Detection happens in handleQuote and the tickers; wait here for
	// shutdown or an unexpected stream death.
	select {
	case <-ctx.Done():
		s.logger.Info(ctx, "Main context cancelled, initiating shutdown...")
		select {
		case wsStopCh <- struct{}{}:
			s.logger.Info(ctx, "Stop signal sent to quote stream")
		default:
			s.logger.Warn(ctx, "Failed to send stop signal to quote stream (already closed?)")
		}
		select {
		case <-wsDoneCh:
			s.logger.Info(ctx, "Quote stream shut down gracefully")
		case <-time.After(5 * time.Second):
			s.logger.Warn(ctx, "Timeout waiting for quote stream to shut down")
		}
	case <-wsDoneCh:
		// The periodic sweep still guards positions without the stream,
		// but degraded detection latency is not acceptable long-term.
		s.logger.Error(ctx, fmt.Errorf("quote stream closed unexpectedly"), "Quote stream stopped")
		cancel()
		_ = g.Wait()
		return fmt.Errorf("quote stream stopped unexpectedly")
	}

	cancel()
	_ = g.Wait()
	s.logger.Info(ctx, "Guard Service stopped.")
	return nil
}

// runTicker runs fn on the interval until the context is cancelled.
func (s *GuardService) runTicker(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		s.logger.Warn(ctx, "Ticker disabled, non-positive interval", map[string]interface{}{"ticker": name})
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// handleQuote is the fast path: one book-ticker update checks every open
// position on that symbol.
func (s *GuardService) handleQuote(quote domain.Quote) {
	// Handlers run outside any request scope.
	ctx := context.Background()

	s.mu.Lock()
	group := make([]*domain.Position, len(s.bySymbol[quote.Symbol]))
	copy(group, s.bySymbol[quote.Symbol])
	s.mu.Unlock()

	for _, pos := range group {
		trigger, _ := s.detector.CheckPosition(pos, quote)
		if trigger == nil {
			continue
		}
		trigger.Source = domain.SourceFeed
		s.dispatch(ctx, trigger)
	}
}

// handleWsError handles errors reported by the quote stream. Reconnection
// lives in the adapter; this only surfaces what it could not hide.
func (s *GuardService) handleWsError(err error) {
	s.logger.Error(context.Background(), err, "Quote stream error reported")
}

// dispatch routes a trigger through the executor and refreshes the cache
// when a position reaches a terminal state.
func (s *GuardService) dispatch(ctx context.Context, trigger *domain.TriggerEvent) {
	op := "dispatch"
	result, err := s.executor.HandleTrigger(ctx, trigger)
	if err != nil {
		if errors.Is(err, ports.ErrPositionNotOpen) {
			// Another path closed it already; drop it from the cache.
			s.removePosition(trigger.Symbol, trigger.PositionID)
			return
		}
		s.logger.Error(ctx, err, op+": trigger handling failed", map[string]interface{}{
			"positionID": trigger.PositionID,
			"kind":       string(trigger.Kind),
		})
		return
	}
	if result.Execution != nil && result.Execution.IsTerminal() {
		s.removePosition(trigger.Symbol, trigger.PositionID)
	}
}

// sweep is the slow path: re-reads open positions from the store, fetches
// quotes and evaluates everything. Catches positions added since the last
// refresh and anything the stream missed.
func (s *GuardService) sweep(ctx context.Context) {
	op := "sweep"
	if err := s.refreshPositions(ctx); err != nil {
		s.logger.Error(ctx, err, op+": failed to refresh open positions")
		return
	}

	s.mu.Lock()
	var all []*domain.Position
	for _, group := range s.bySymbol {
		all = append(all, group...)
	}
	s.mu.Unlock()

	if len(all) == 0 {
		return
	}

	now := time.Now().UTC()
	triggers, issues := s.detector.CheckAll(ctx, all, now)
	for _, pos := range all {
		if err := s.positions.MarkChecked(ctx, pos.ID, now); err != nil {
			s.logger.Warn(ctx, op+": failed to mark position checked", map[string]interface{}{
				"positionID": pos.ID,
				"error":      err.Error(),
			})
		}
	}
	for _, trigger := range triggers {
		s.dispatch(ctx, trigger)
	}
	if len(issues) > 0 {
		s.logger.Warn(ctx, op+": sweep finished with issues", map[string]interface{}{
			"positions": len(all),
			"triggers":  len(triggers),
			"issues":    len(issues),
		})
	}
}

// refreshPositions reloads the open-position cache from the store.
func (s *GuardService) refreshPositions(ctx context.Context) error {
	open, err := s.positions.FindOpen(ctx, 0)
	if err != nil {
		return err
	}
	bySymbol := make(map[string][]*domain.Position)
	for _, pos := range open {
		bySymbol[pos.Symbol] = append(bySymbol[pos.Symbol], pos)
	}

	s.mu.Lock()
	s.bySymbol = bySymbol
	s.mu.Unlock()
	return nil
}

// removePosition drops a closed position from the cache.
func (s *GuardService) removePosition(symbol string, positionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group := s.bySymbol[symbol]
	for i, pos := range group {
		if pos.ID == positionID {
			s.bySymbol[symbol] = append(group[:i], group[i+1:]...)
			return
		}
	}
}

// openCount reports the cached open-position count.
func (s *GuardService) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, group := range s.bySymbol {
		n += len(group)
	}
	return n
}
