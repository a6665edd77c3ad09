// Package monitor detects protective-level crossings. Detection is
// read-only and side-effect free; recording and execution happen
// downstream so that redundant detectors stay safe to run concurrently.
package monitor

import (
	"context"
	"fmt"
	"time"

	"stopguard/internal/domain"
	"stopguard/internal/ports"
)

// Config holds the detector dependencies.
type Config struct {
	MarketData  ports.MarketDataClient
	Logger      ports.Logger
	MaxQuoteAge time.Duration // Quotes older than this are skipped
}

// Detector evaluates open positions against market quotes.
type Detector struct {
	market ports.MarketDataClient
	logger ports.Logger
	maxAge time.Duration
}

// SkipReason explains why a position produced no trigger during a sweep.
type SkipReason string

const (
	SkipNotTriggered SkipReason = "not_triggered"
	SkipStaleQuote   SkipReason = "stale_quote"
	SkipNotOpen      SkipReason = "not_open"
)

// CheckIssue is a per-position failure collected during a batch sweep.
type CheckIssue struct {
	PositionID int64
	Symbol     string
	Err        error
}

// New creates a Detector.
func New(cfg Config) (*Detector, error) {
	if cfg.MarketData == nil {
		return nil, fmt.Errorf("%w: market data client is required", ports.ErrConfigurationError)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ports.ErrConfigurationError)
	}
	if cfg.MaxQuoteAge <= 0 {
		cfg.MaxQuoteAge = 30 * time.Second
	}
	return &Detector{market: cfg.MarketData, logger: cfg.Logger, maxAge: cfg.MaxQuoteAge}, nil
}

// CheckPosition evaluates one position against one quote. It is pure:
// the same position and quote always produce the same result. Close
// pricing uses the side of the book a close would actually hit, bid for
// longs and ask for shorts. Stop-loss wins when both levels are crossed
// in one observation (a gapping market).
func (d *Detector) CheckPosition(pos *domain.Position, quote domain.Quote) (*domain.TriggerEvent, SkipReason) {
	if !pos.IsOpen() {
		return nil, SkipNotOpen
	}

	price := quote.ClosePriceFor(pos.Side)

	var kind domain.TriggerKind
	stopHit := false
	targetHit := false
	if pos.Side == domain.Long {
		stopHit = price.LessThanOrEqual(pos.StopPrice)
		targetHit = pos.HasTarget() && price.GreaterThanOrEqual(pos.TargetPrice)
	} else {
		stopHit = price.GreaterThanOrEqual(pos.StopPrice)
		targetHit = pos.HasTarget() && price.LessThanOrEqual(pos.TargetPrice)
	}

	levelPrice := pos.StopPrice
	switch {
	case stopHit:
		kind = domain.TriggerStopLoss
	case targetHit:
		kind = domain.TriggerTakeProfit
		levelPrice = pos.TargetPrice
	default:
		return nil, SkipNotTriggered
	}

	return &domain.TriggerEvent{
		PositionID:    pos.ID,
		TenantID:      pos.TenantID,
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		Kind:          kind,
		Quantity:      pos.Quantity,
		EntryPrice:    pos.EntryPrice,
		StopPrice:     levelPrice,
		ObservedPrice: price,
		ExpectedPnL:   pos.PnLAt(price),
		Leverage:      pos.Leverage,
		ObservedAt:    quote.ObservedAt,
		Source:        domain.SourceSweep,
	}, ""
}

// CheckAll fetches a quote per symbol and evaluates every position in the
// batch. One position's failure never aborts the sweep; failures come
// back as issues. Quotes older than the configured max age are skipped
// and logged, never acted on.
func (d *Detector) CheckAll(ctx context.Context, positions []*domain.Position, now time.Time) ([]*domain.TriggerEvent, []CheckIssue) {
	quotes := make(map[string]domain.Quote)
	var triggers []*domain.TriggerEvent
	var issues []CheckIssue

	for _, pos := range positions {
		quote, ok := quotes[pos.Symbol]
		if !ok {
			q, err := d.market.GetQuote(ctx, pos.Symbol)
			if err != nil {
				issues = append(issues, CheckIssue{PositionID: pos.ID, Symbol: pos.Symbol, Err: err})
				d.logger.Warn(ctx, "quote fetch failed during sweep", map[string]interface{}{
					"positionID": pos.ID,
					"symbol":     pos.Symbol,
					"error":      err.Error(),
				})
				continue
			}
			quotes[pos.Symbol] = q
			quote = q
		}

		if quote.Age(now) > d.maxAge {
			issues = append(issues, CheckIssue{
				PositionID: pos.ID,
				Symbol:     pos.Symbol,
				Err:        fmt.Errorf("%w: quote is %s old", ports.ErrStaleQuote, quote.Age(now)),
			})
			d.logger.Warn(ctx, "skipping position on stale quote", map[string]interface{}{
				"positionID": pos.ID,
				"symbol":     pos.Symbol,
				"quoteAge":   quote.Age(now).String(),
			})
			continue
		}

		trigger, _ := d.CheckPosition(pos, quote)
		if trigger != nil {
			triggers = append(triggers, trigger)
		}
	}
	return triggers, issues
}
