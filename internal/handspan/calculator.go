// Package handspan implements the hand-span trailing stop: the distance
// from entry to the initial technical stop is one "span", and the stop
// ratchets one span at a time as price moves in the position's favor.
package handspan

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"stopguard/internal/domain"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// FeeConfig holds the cost assumptions used for the break-even step.
type FeeConfig struct {
	TradingFeePercent     decimal.Decimal
	SlippageBufferPercent decimal.Decimal
}

// DefaultFeeConfig returns 0.1% trading fee plus 0.05% slippage buffer.
func DefaultFeeConfig() FeeConfig {
	return FeeConfig{
		TradingFeePercent:     decimal.NewFromFloat(0.1),
		SlippageBufferPercent: decimal.NewFromFloat(0.05),
	}
}

// TotalCostPercent is the combined round-trip cost percentage.
func (f FeeConfig) TotalCostPercent() decimal.Decimal {
	return f.TradingFeePercent.Add(f.SlippageBufferPercent)
}

// BreakEven returns the stop level at which a close nets out to roughly
// zero after costs: entry scaled up for longs, down for shorts.
func (f FeeConfig) BreakEven(entryPrice decimal.Decimal, side domain.PositionSide) decimal.Decimal {
	cost := f.TotalCostPercent().Div(hundred)
	if side == domain.Long {
		return entryPrice.Mul(one.Add(cost))
	}
	return entryPrice.Mul(one.Sub(cost))
}

// State is the immutable input to one adjustment calculation. All prices
// are absolute, never percentages.
type State struct {
	PositionID   int64
	TenantID     int64
	Symbol       string
	Side         domain.PositionSide
	EntryPrice   decimal.Decimal
	InitialStop  decimal.Decimal // Fixed at entry; defines the span
	CurrentStop  decimal.Decimal
	CurrentPrice decimal.Decimal
}

// Validate checks the structural rules for a trailing state.
func (s State) Validate() error {
	for _, p := range []decimal.Decimal{s.EntryPrice, s.InitialStop, s.CurrentStop, s.CurrentPrice} {
		if !p.IsPositive() {
			return fmt.Errorf("position %d: all prices must be positive", s.PositionID)
		}
	}
	if s.Side == domain.Long && s.InitialStop.GreaterThanOrEqual(s.EntryPrice) {
		return fmt.Errorf("position %d: LONG initial stop must be below entry", s.PositionID)
	}
	if s.Side == domain.Short && s.InitialStop.LessThanOrEqual(s.EntryPrice) {
		return fmt.Errorf("position %d: SHORT initial stop must be above entry", s.PositionID)
	}
	return nil
}

// Span is the hand-span distance: |entry − initial stop|.
func (s State) Span() decimal.Decimal {
	return s.EntryPrice.Sub(s.InitialStop).Abs()
}

// SpansInProfit counts how many complete spans price has moved in the
// position's favor. Zero when flat or at a loss.
func (s State) SpansInProfit() int {
	span := s.Span()
	if span.IsZero() {
		return 0
	}
	var profit decimal.Decimal
	if s.Side == domain.Long {
		profit = s.CurrentPrice.Sub(s.EntryPrice)
	} else {
		profit = s.EntryPrice.Sub(s.CurrentPrice)
	}
	if !profit.IsPositive() {
		return 0
	}
	spans := profit.Div(span).IntPart()
	if spans < 0 {
		return 0
	}
	return int(spans)
}

// Calculator computes trailing stop adjustments.
type Calculator struct {
	fees FeeConfig
}

// New returns a calculator with the given cost assumptions.
func New(fees FeeConfig) *Calculator {
	return &Calculator{fees: fees}
}

// ComputeAdjustment decides whether the stop should ratchet and by how
// much:
//
//	0 spans  → nil, no adjustment
//	1 span   → break-even net of costs (FEE_BUFFER)
//	n ≥ 2    → entry ± (n−1)·span (FAVORABLE_MOVE)
//
// The monotonic clamp is applied last: a LONG stop only rises and a SHORT
// stop only falls. Returns nil when the clamped proposal equals the
// current stop. The adjustment token is deterministic per step, so two
// runs that compute the same step produce the same token.
func (c *Calculator) ComputeAdjustment(s State, now time.Time) (*domain.TrailingStopAdjustment, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	spans := s.SpansInProfit()
	if spans == 0 {
		return nil, nil
	}

	var (
		proposed  decimal.Decimal
		reason    domain.AdjustmentReason
		stepIndex int
	)
	if spans == 1 {
		proposed = c.fees.BreakEven(s.EntryPrice, s.Side)
		reason = domain.ReasonFeeBuffer
		stepIndex = 1
	} else {
		trail := s.Span().Mul(decimal.NewFromInt(int64(spans - 1)))
		if s.Side == domain.Long {
			proposed = s.EntryPrice.Add(trail)
		} else {
			proposed = s.EntryPrice.Sub(trail)
		}
		reason = domain.ReasonFavorableMove
		stepIndex = spans
	}

	// Stops never loosen.
	if s.Side == domain.Long {
		if proposed.LessThanOrEqual(s.CurrentStop) {
			return nil, nil
		}
	} else {
		if proposed.GreaterThanOrEqual(s.CurrentStop) {
			return nil, nil
		}
	}

	return &domain.TrailingStopAdjustment{
		PositionID:   s.PositionID,
		TenantID:     s.TenantID,
		Symbol:       s.Symbol,
		OldStop:      s.CurrentStop,
		NewStop:      proposed,
		Reason:       reason,
		StepIndex:    stepIndex,
		SpansCrossed: spans,
		CurrentPrice: s.CurrentPrice,
		Token:        domain.AdjustmentToken(s.PositionID, stepIndex),
		CreatedAt:    now,
	}, nil
}
