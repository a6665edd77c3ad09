package app

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"stopguard/internal/domain"
)

// busMessage is the JSON payload published for every outbox entry. The
// correlation id travels with the message so consumers can dedupe the
// at-least-once delivery.
type busMessage struct {
	CorrelationID string    `json:"correlation_id"`
	PositionID    int64     `json:"position_id"`
	TenantID      int64     `json:"tenant_id"`
	EventType     string    `json:"event_type"`
	Kind          string    `json:"kind"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      string    `json:"quantity"`
	StopPrice     string    `json:"stop_price"`
	TriggerPrice  string    `json:"trigger_price"`
	FillPrice     string    `json:"fill_price,omitempty"`
	SlippagePct   string    `json:"slippage_pct,omitempty"`
	PnL           string    `json:"pnl,omitempty"`
	Error         string    `json:"error,omitempty"`
	Source        string    `json:"source"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// newOutboxEntry builds the outbox row for a stop event. Commands go to
// the stop_commands channel, everything else to stop_events.
func newOutboxEntry(ev *domain.StopEvent) *domain.OutboxEntry {
	kind := domain.OutboxEvent
	channel := domain.ChannelStopEvents
	if ev.Type == domain.EventStopTriggered {
		kind = domain.OutboxCommand
		channel = domain.ChannelStopCommands
	}

	msg := busMessage{
		CorrelationID: ev.CorrelationID,
		PositionID:    ev.PositionID,
		TenantID:      ev.TenantID,
		EventType:     string(ev.Type),
		Kind:          string(ev.Kind),
		Symbol:        ev.Symbol,
		Side:          string(ev.Side),
		Quantity:      ev.Quantity.String(),
		StopPrice:     ev.StopPrice.String(),
		TriggerPrice:  ev.TriggerPrice.String(),
		Source:        string(ev.Source),
		OccurredAt:    ev.OccurredAt,
	}
	if !ev.FillPrice.IsZero() {
		msg.FillPrice = ev.FillPrice.String()
		msg.SlippagePct = ev.SlippagePct.String()
		msg.PnL = ev.PnL.String()
	}
	if ev.ErrorMessage != "" {
		msg.Error = ev.ErrorMessage
	}
	payload, _ := json.Marshal(msg)

	return &domain.OutboxEntry{
		ID:            uuid.NewString(),
		Kind:          kind,
		Channel:       channel,
		PositionID:    ev.PositionID,
		EventType:     ev.Type,
		CorrelationID: ev.CorrelationID,
		Payload:       payload,
		CreatedAt:     ev.OccurredAt,
	}
}

// adjustmentMessage is the payload published when a trailing stop moves.
type adjustmentMessage struct {
	Token        string    `json:"token"`
	PositionID   int64     `json:"position_id"`
	TenantID     int64     `json:"tenant_id"`
	Symbol       string    `json:"symbol"`
	OldStop      string    `json:"old_stop"`
	NewStop      string    `json:"new_stop"`
	Reason       string    `json:"reason"`
	StepIndex    int       `json:"step_index"`
	CurrentPrice string    `json:"current_price"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func newAdjustmentOutboxEntry(adj *domain.TrailingStopAdjustment) *domain.OutboxEntry {
	payload, _ := json.Marshal(adjustmentMessage{
		Token:        adj.Token,
		PositionID:   adj.PositionID,
		TenantID:     adj.TenantID,
		Symbol:       adj.Symbol,
		OldStop:      adj.OldStop.String(),
		NewStop:      adj.NewStop.String(),
		Reason:       string(adj.Reason),
		StepIndex:    adj.StepIndex,
		CurrentPrice: adj.CurrentPrice.String(),
		OccurredAt:   adj.CreatedAt,
	})
	return &domain.OutboxEntry{
		ID:            uuid.NewString(),
		Kind:          domain.OutboxEvent,
		Channel:       domain.ChannelStopEvents,
		PositionID:    adj.PositionID,
		EventType:     "STOP_ADJUSTED",
		CorrelationID: adj.Token,
		Payload:       payload,
		CreatedAt:     adj.CreatedAt,
	}
}
