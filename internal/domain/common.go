package domain

// OrderSide represents the side of an exchange order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// PositionSide represents the direction of a position (LONG or SHORT).
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// ClosingSide returns the order side that closes a position of this direction.
func (s PositionSide) ClosingSide() OrderSide {
	if s == Long {
		return Sell
	}
	return Buy
}

// PositionStatus represents the lifecycle status of a protected position.
type PositionStatus string

const (
	StatusOpen      PositionStatus = "OPEN"
	StatusStopped   PositionStatus = "STOPPED"
	StatusTargetHit PositionStatus = "TARGET_HIT"
	StatusClosed    PositionStatus = "CLOSED"
)

// TriggerKind indicates which protective level was crossed.
type TriggerKind string

const (
	TriggerStopLoss   TriggerKind = "STOP_LOSS"
	TriggerTakeProfit TriggerKind = "TAKE_PROFIT"
)

// StopEventType is the type of a stop lifecycle event in the append-only log.
type StopEventType string

const (
	EventStopTriggered      StopEventType = "STOP_TRIGGERED"
	EventExecutionSubmitted StopEventType = "EXECUTION_SUBMITTED"
	EventExecuted           StopEventType = "EXECUTED"
	EventExecutionFailed    StopEventType = "FAILED"
	EventExecutionBlocked   StopEventType = "BLOCKED"
)

// ExecutionStatus is the folded state of a position's protective execution.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "PENDING"
	ExecSubmitted ExecutionStatus = "SUBMITTED"
	ExecExecuted  ExecutionStatus = "EXECUTED"
	ExecFailed    ExecutionStatus = "FAILED"
	ExecBlocked   ExecutionStatus = "BLOCKED"
)

// DetectionSource identifies which path detected (or synthesized) a trigger.
type DetectionSource string

const (
	SourceFeed   DetectionSource = "feed"   // streaming book-ticker watcher
	SourceSweep  DetectionSource = "sweep"  // periodic batch sweep
	SourceMargin DetectionSource = "margin" // margin monitor forced close
	SourceManual DetectionSource = "manual" // operator CLI
)

// AdjustmentReason explains why a trailing stop was moved.
type AdjustmentReason string

const (
	ReasonFeeBuffer     AdjustmentReason = "FEE_BUFFER"     // first span: break-even net of costs
	ReasonFavorableMove AdjustmentReason = "FAVORABLE_MOVE" // subsequent spans: trail by span
)

// PolicyStatus is the state of a tenant's monthly risk policy.
type PolicyStatus string

const (
	PolicyActive    PolicyStatus = "ACTIVE"
	PolicyPaused    PolicyStatus = "PAUSED"    // drawdown gate tripped; protection continues
	PolicySuspended PolicyStatus = "SUSPENDED" // operator kill switch; everything blocked
)
