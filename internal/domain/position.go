package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Position represents a leveraged position under stop protection.
// Stop and target levels are absolute prices, never percentages.
type Position struct {
	ID          int64
	TenantID    int64
	Symbol      string // Trading symbol (e.g., "BTCUSDT")
	Side        PositionSide
	Quantity    decimal.Decimal
	EntryPrice  decimal.Decimal
	InitialStop decimal.Decimal // Technical stop fixed at entry; basis for the hand-span
	StopPrice   decimal.Decimal // Current protective stop (ratchets via trailing)
	TargetPrice decimal.Decimal // Take-profit level; zero means no target
	Leverage    int
	Status      PositionStatus
	LastCheckAt time.Time // Last time a detector evaluated this position
	CheckCount  int64
	CreatedAt   time.Time
	ClosedAt    time.Time // Zero value while open
}

// IsOpen reports whether the position is still under protection.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// HasTarget reports whether a take-profit level is configured.
func (p *Position) HasTarget() bool {
	return p.TargetPrice.IsPositive()
}

// Validate checks structural invariants: positive prices and quantity,
// and the stop on the correct side of entry for the position direction.
func (p *Position) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("position %d: symbol is required", p.ID)
	}
	if p.Side != Long && p.Side != Short {
		return fmt.Errorf("position %d: invalid side %q", p.ID, p.Side)
	}
	if !p.Quantity.IsPositive() {
		return fmt.Errorf("position %d: quantity must be positive", p.ID)
	}
	if !p.EntryPrice.IsPositive() || !p.StopPrice.IsPositive() {
		return fmt.Errorf("position %d: entry and stop prices must be positive", p.ID)
	}
	if p.Side == Long && p.InitialStop.IsPositive() && p.InitialStop.GreaterThanOrEqual(p.EntryPrice) {
		return fmt.Errorf("position %d: LONG initial stop must be below entry", p.ID)
	}
	if p.Side == Short && p.InitialStop.IsPositive() && p.InitialStop.LessThanOrEqual(p.EntryPrice) {
		return fmt.Errorf("position %d: SHORT initial stop must be above entry", p.ID)
	}
	return nil
}

// PnLAt returns the unrealized profit or loss at the given exit price.
func (p *Position) PnLAt(price decimal.Decimal) decimal.Decimal {
	if p.Side == Long {
		return price.Sub(p.EntryPrice).Mul(p.Quantity)
	}
	return p.EntryPrice.Sub(price).Mul(p.Quantity)
}

// Quote is a best bid/ask observation with its exchange timestamp.
// ObservedAt comes from the market-data source, not the local clock.
type Quote struct {
	Symbol     string
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	ObservedAt time.Time
}

// ClosePriceFor returns the side of the book a close of the given
// position direction would hit: bid for longs, ask for shorts.
func (q Quote) ClosePriceFor(side PositionSide) decimal.Decimal {
	if side == Long {
		return q.Bid
	}
	return q.Ask
}

// Age returns how stale the quote is relative to now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.ObservedAt)
}
