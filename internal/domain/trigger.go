package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TriggerEvent records that a protective level was crossed for a position.
// It is a value object: detection produces it, recording persists it, and
// the executor consumes it. Two detectors observing the same crossing in
// the same second produce the same correlation id.
type TriggerEvent struct {
	PositionID    int64
	TenantID      int64
	Symbol        string
	Side          PositionSide
	Kind          TriggerKind
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	StopPrice     decimal.Decimal // The configured level that was crossed
	ObservedPrice decimal.Decimal // Market price that crossed it
	ExpectedPnL   decimal.Decimal
	Leverage      int
	ObservedAt    time.Time // From the market-data observation, never the local clock
	Source        DetectionSource
}

// CorrelationID derives the idempotency key for this trigger:
// position id, crossed level and the observation second. Redundant
// detections of one crossing collapse onto one key.
func (t TriggerEvent) CorrelationID() string {
	return fmt.Sprintf("%d:%s:%d", t.PositionID, t.StopPrice.String(), t.ObservedAt.Unix())
}

// ClosingSide returns the order side that flattens the position.
func (t TriggerEvent) ClosingSide() OrderSide {
	return t.Side.ClosingSide()
}
