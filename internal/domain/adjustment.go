package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TrailingStopAdjustment records one ratchet of a position's stop. The
// token is deterministic per step so redundant orchestrator runs that
// compute the same move collapse onto one row.
type TrailingStopAdjustment struct {
	PositionID   int64
	TenantID     int64
	Symbol       string
	OldStop      decimal.Decimal
	NewStop      decimal.Decimal
	Reason       AdjustmentReason
	StepIndex    int // 1 = break-even, 2+ = trailing steps
	SpansCrossed int
	CurrentPrice decimal.Decimal
	Token        string
	CreatedAt    time.Time
}

// AdjustmentToken derives the idempotency key for a trailing step.
func AdjustmentToken(positionID int64, stepIndex int) string {
	return fmt.Sprintf("%d:adjust:%d", positionID, stepIndex)
}

// Amount returns how far the stop moved.
func (a TrailingStopAdjustment) Amount() decimal.Decimal {
	return a.NewStop.Sub(a.OldStop).Abs()
}
