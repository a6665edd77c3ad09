package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// StopEvent is one row of the append-only stop lifecycle log. Events for a
// position carry a monotonically increasing Seq; the log is never updated
// in place. All events of one execution share the trigger's correlation id.
type StopEvent struct {
	EventID       string // uuid
	PositionID    int64
	TenantID      int64
	Seq           int64
	Symbol        string
	Type          StopEventType
	Kind          TriggerKind
	Side          OrderSide // Closing order side
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	StopPrice     decimal.Decimal
	TriggerPrice  decimal.Decimal // Observed market price at detection
	CorrelationID string
	Source        DetectionSource

	// Execution outcome fields; zero unless the event type carries them.
	ExchangeOrderID string
	FillPrice       decimal.Decimal
	SlippagePct     decimal.Decimal
	PnL             decimal.Decimal
	ErrorMessage    string

	OccurredAt time.Time
}

// StopExecution is the current-state projection folded from a position's
// stop events. One execution exists per position; it is rebuildable from
// the log at any time via ReplayExecution.
type StopExecution struct {
	PositionID      int64
	TenantID        int64
	CorrelationID   string
	Status          ExecutionStatus
	Kind            TriggerKind
	Symbol          string
	Side            OrderSide
	Quantity        decimal.Decimal
	StopPrice       decimal.Decimal
	TriggerPrice    decimal.Decimal
	Source          DetectionSource
	ExchangeOrderID string
	FillPrice       decimal.Decimal
	SlippagePct     decimal.Decimal
	PnL             decimal.Decimal
	ErrorMessage    string
	RetryCount      int
	TriggeredAt     time.Time
	SubmittedAt     time.Time
	ExecutedAt      time.Time
	FailedAt        time.Time
}

// IsTerminal reports whether no further execution attempt should run.
func (e *StopExecution) IsTerminal() bool {
	return e.Status == ExecExecuted
}

// InFlight reports whether an order may already rest on the exchange.
func (e *StopExecution) InFlight() bool {
	return e.Status == ExecSubmitted
}

// ReplayExecution folds a position's event log into its execution
// projection. Events are applied in sequence order regardless of input
// order. Returns nil for an empty log.
func ReplayExecution(events []StopEvent) *StopExecution {
	if len(events) == 0 {
		return nil
	}
	sorted := make([]StopEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	var exec *StopExecution
	for _, ev := range sorted {
		switch ev.Type {
		case EventStopTriggered:
			exec = &StopExecution{
				PositionID:    ev.PositionID,
				TenantID:      ev.TenantID,
				CorrelationID: ev.CorrelationID,
				Status:        ExecPending,
				Kind:          ev.Kind,
				Symbol:        ev.Symbol,
				Side:          ev.Side,
				Quantity:      ev.Quantity,
				StopPrice:     ev.StopPrice,
				TriggerPrice:  ev.TriggerPrice,
				Source:        ev.Source,
				TriggeredAt:   ev.OccurredAt,
			}
		case EventExecutionSubmitted:
			if exec == nil {
				continue
			}
			exec.Status = ExecSubmitted
			exec.SubmittedAt = ev.OccurredAt
			if ev.ExchangeOrderID != "" {
				exec.ExchangeOrderID = ev.ExchangeOrderID
			}
		case EventExecuted:
			if exec == nil {
				continue
			}
			exec.Status = ExecExecuted
			exec.ExecutedAt = ev.OccurredAt
			exec.ExchangeOrderID = ev.ExchangeOrderID
			exec.FillPrice = ev.FillPrice
			exec.SlippagePct = ev.SlippagePct
			exec.PnL = ev.PnL
			exec.ErrorMessage = ""
		case EventExecutionFailed:
			if exec == nil {
				continue
			}
			exec.Status = ExecFailed
			exec.FailedAt = ev.OccurredAt
			exec.ErrorMessage = ev.ErrorMessage
			exec.RetryCount++
		case EventExecutionBlocked:
			if exec == nil {
				continue
			}
			exec.Status = ExecBlocked
			exec.FailedAt = ev.OccurredAt
			exec.ErrorMessage = ev.ErrorMessage
		}
	}
	return exec
}
