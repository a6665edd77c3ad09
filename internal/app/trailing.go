package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stopguard/internal/domain"
	"stopguard/internal/handspan"
	"stopguard/internal/ports"
	"stopguard/internal/risk"
)

// Trailer sweeps open positions and ratchets their stops per the
// hand-span rule. Each applied step is recorded under a deterministic
// token, so concurrent or repeated sweeps apply every step once.
type Trailer struct {
	positions   ports.PositionRepository
	adjustments ports.AdjustmentRepository
	market      ports.MarketDataClient
	calc        *handspan.Calculator
	gate        *risk.Gate
	logger      ports.Logger

	maxQuoteAge time.Duration
	now         func() time.Time
}

// TrailerConfig holds the trailer dependencies.
type TrailerConfig struct {
	Positions   ports.PositionRepository
	Adjustments ports.AdjustmentRepository
	MarketData  ports.MarketDataClient
	Calculator  *handspan.Calculator
	Gate        *risk.Gate
	Logger      ports.Logger
	MaxQuoteAge time.Duration // Default 30s
	Now         func() time.Time
}

// TrailSummary reports one sweep.
type TrailSummary struct {
	Checked   int
	Adjusted  int
	Unchanged int
	Blocked   int
	Failed    int
}

// NewTrailer creates a Trailer.
func NewTrailer(cfg TrailerConfig) (*Trailer, error) {
	if cfg.Positions == nil || cfg.Adjustments == nil || cfg.MarketData == nil ||
		cfg.Calculator == nil || cfg.Gate == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("%w: missing required dependencies for Trailer", ports.ErrConfigurationError)
	}
	if cfg.MaxQuoteAge <= 0 {
		cfg.MaxQuoteAge = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Trailer{
		positions:   cfg.Positions,
		adjustments: cfg.Adjustments,
		market:      cfg.MarketData,
		calc:        cfg.Calculator,
		gate:        cfg.Gate,
		logger:      cfg.Logger,
		maxQuoteAge: cfg.MaxQuoteAge,
		now:         cfg.Now,
	}, nil
}

// trailingState builds the calculator input for a position. The initial
// stop recorded at entry defines the span even after later ratchets.
func trailingState(pos *domain.Position, price domain.Quote) handspan.State {
	return handspan.State{
		PositionID:   pos.ID,
		TenantID:     pos.TenantID,
		Symbol:       pos.Symbol,
		Side:         pos.Side,
		EntryPrice:   pos.EntryPrice,
		InitialStop:  pos.InitialStop,
		CurrentStop:  pos.StopPrice,
		CurrentPrice: price.ClosePriceFor(pos.Side),
	}
}

// Preview computes the adjustment a position would receive at the current
// market price without persisting anything.
func (t *Trailer) Preview(ctx context.Context, positionID int64) (*domain.TrailingStopAdjustment, error) {
	pos, err := t.positions.FindByID(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if !pos.IsOpen() {
		return nil, fmt.Errorf("position %d status %s: %w", pos.ID, pos.Status, ports.ErrPositionNotOpen)
	}
	quote, err := t.market.GetQuote(ctx, pos.Symbol)
	if err != nil {
		return nil, err
	}
	return t.calc.ComputeAdjustment(trailingState(pos, quote), t.now())
}

// TrailPosition computes and applies one position's adjustment. Returns
// the adjustment and whether this call applied it; (nil, false) means the
// stop is already where it should be.
func (t *Trailer) TrailPosition(ctx context.Context, pos *domain.Position, quote domain.Quote) (*domain.TrailingStopAdjustment, bool, error) {
	now := t.now()
	if quote.Age(now) > t.maxQuoteAge {
		return nil, false, fmt.Errorf("%w: quote for %s is %s old", ports.ErrStaleQuote, pos.Symbol, quote.Age(now))
	}

	adj, err := t.calc.ComputeAdjustment(trailingState(pos, quote), now)
	if err != nil {
		return nil, false, err
	}
	if adj == nil {
		return nil, false, nil
	}

	decision, err := t.gate.AllowNewRisk(ctx, pos.TenantID, now)
	if err != nil {
		return nil, false, err
	}
	if !decision.Allowed {
		return nil, false, fmt.Errorf("%w: %s", ports.ErrPolicyBlocked, decision.Reason)
	}

	applied, err := t.adjustments.InsertAdjustmentIfAbsent(ctx, adj, newAdjustmentOutboxEntry(adj))
	if err != nil {
		return nil, false, err
	}
	if !applied {
		// Another sweep applied this step already.
		t.logger.Debug(ctx, "trailing step already applied", map[string]interface{}{
			"positionID": pos.ID,
			"token":      adj.Token,
		})
		return adj, false, nil
	}
	return adj, true, nil
}

// RunOnce sweeps every open position for the tenant (0 means all tenants)
// and applies pending ratchets. One position's failure never aborts the
// sweep.
func (t *Trailer) RunOnce(ctx context.Context, tenantID int64) (*TrailSummary, error) {
	op := "TrailRunOnce"

	positions, err := t.positions.FindOpen(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	summary := &TrailSummary{}
	quotes := make(map[string]domain.Quote)
	for _, pos := range positions {
		summary.Checked++

		quote, ok := quotes[pos.Symbol]
		if !ok {
			q, qErr := t.market.GetQuote(ctx, pos.Symbol)
			if qErr != nil {
				summary.Failed++
				t.logger.Warn(ctx, "quote fetch failed during trailing sweep", map[string]interface{}{
					"positionID": pos.ID,
					"symbol":     pos.Symbol,
					"error":      qErr.Error(),
				})
				continue
			}
			quotes[pos.Symbol] = q
			quote = q
		}

		adj, applied, tErr := t.TrailPosition(ctx, pos, quote)
		switch {
		case tErr != nil && isPolicyBlock(tErr):
			summary.Blocked++
			t.logger.Warn(ctx, "trailing adjustment blocked by risk policy", map[string]interface{}{
				"positionID": pos.ID,
				"error":      tErr.Error(),
			})
		case tErr != nil:
			summary.Failed++
			t.logger.Error(ctx, tErr, "trailing adjustment failed", map[string]interface{}{
				"positionID": pos.ID,
			})
		case adj == nil || !applied:
			summary.Unchanged++
		default:
			summary.Adjusted++
		}
	}
	return summary, nil
}

func isPolicyBlock(err error) bool {
	return errors.Is(err, ports.ErrPolicyBlocked)
}
