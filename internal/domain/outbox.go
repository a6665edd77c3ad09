package domain

import "time"

// Outbox channel names. Commands instruct downstream consumers to act;
// events announce facts that already happened.
const (
	ChannelStopCommands = "stop_commands"
	ChannelStopEvents   = "stop_events"
)

// OutboxKind distinguishes command rows from event rows.
type OutboxKind string

const (
	OutboxCommand OutboxKind = "command"
	OutboxEvent   OutboxKind = "event"
)

// OutboxEntry is a pending message written in the same transaction as the
// state change it announces. A background drainer publishes entries to the
// message bus and marks them; delivery is at-least-once, so every payload
// carries the correlation id for consumer-side dedup.
type OutboxEntry struct {
	ID            string // uuid
	Kind          OutboxKind
	Channel       string
	PositionID    int64
	EventType     StopEventType
	CorrelationID string
	Payload       []byte // JSON
	Published     bool
	PublishedAt   time.Time
	RetryCount    int
	LastError     string
	CreatedAt     time.Time
}
