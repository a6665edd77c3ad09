package ports

import (
	"context"
	"time"

	"stopguard/internal/domain"
)

// PositionRepository defines the interface for storing and retrieving
// protected positions.
type PositionRepository interface {
	// Create saves a new position and returns its assigned ID.
	Create(ctx context.Context, pos *domain.Position) (int64, error)
	// FindByID retrieves a position by its unique ID.
	// Returns ErrNotFound (wrapped) if absent.
	FindByID(ctx context.Context, id int64) (*domain.Position, error)
	// FindOpen retrieves all OPEN positions for a tenant; tenantID 0 means
	// every tenant. Ordered by id ascending.
	FindOpen(ctx context.Context, tenantID int64) ([]*domain.Position, error)
	// MarkChecked bumps the position's check counter and last-check time.
	MarkChecked(ctx context.Context, id int64, at time.Time) error
	// UpdateStatus transitions the position's lifecycle status, recording
	// the close time for terminal statuses.
	UpdateStatus(ctx context.Context, id int64, status domain.PositionStatus, at time.Time) error
}

// EventRepository is the append-only stop-event log plus its execution
// projection. Appends that must be atomic with an outbox write take the
// outbox entry in the same call.
type EventRepository interface {
	// InsertTriggerIfAbsent records a STOP_TRIGGERED event and its outbox
	// command in one transaction, allocating the next per-position sequence
	// number. A correlation-id collision returns (false, nil): the trigger
	// was already recorded and nothing was written.
	InsertTriggerIfAbsent(ctx context.Context, ev *domain.StopEvent, entry *domain.OutboxEntry) (bool, error)
	// AppendEvent records a lifecycle event (submitted/executed/failed/
	// blocked), the updated execution projection and an optional outbox
	// entry in one transaction.
	AppendEvent(ctx context.Context, ev *domain.StopEvent, exec *domain.StopExecution, entry *domain.OutboxEntry) error
	// ClaimSubmission appends the EXECUTION_SUBMITTED event and moves the
	// projection to SUBMITTED in one transaction, guarded by the observed
	// (status, submitted_at) pair. A lost claim returns (false, nil) with
	// nothing written: another run is already driving the submission.
	ClaimSubmission(ctx context.Context, ev *domain.StopEvent, observedStatus domain.ExecutionStatus, observedSubmittedAt time.Time) (bool, error)
	// ListEvents returns a position's full event log in sequence order.
	ListEvents(ctx context.Context, positionID int64) ([]domain.StopEvent, error)
	// GetExecution returns the stored projection for a position, or
	// ErrNotFound (wrapped) if no trigger was ever recorded.
	GetExecution(ctx context.Context, positionID int64) (*domain.StopExecution, error)
}

// AdjustmentRepository stores trailing-stop ratchets.
type AdjustmentRepository interface {
	// InsertAdjustmentIfAbsent records the adjustment, moves the position's
	// stop and writes an outbox event in one transaction. A token collision
	// returns (false, nil): the step was already applied.
	InsertAdjustmentIfAbsent(ctx context.Context, adj *domain.TrailingStopAdjustment, entry *domain.OutboxEntry) (bool, error)
	// ListAdjustments returns a position's adjustments, oldest first.
	ListAdjustments(ctx context.Context, positionID int64) ([]domain.TrailingStopAdjustment, error)
}

// OutboxRepository is the publish side of the transactional outbox.
type OutboxRepository interface {
	// ListUnpublished returns pending entries in creation order, up to limit.
	ListUnpublished(ctx context.Context, limit int) ([]*domain.OutboxEntry, error)
	// MarkPublished flags an entry as delivered.
	MarkPublished(ctx context.Context, id string, at time.Time) error
	// RecordPublishFailure increments the entry's retry counter.
	RecordPublishFailure(ctx context.Context, id string, cause string) error
}

// PolicyRepository stores per-tenant monthly risk policy state.
type PolicyRepository interface {
	// GetPolicy returns the state for (tenant, month), or ErrNotFound
	// (wrapped) when the month has not started yet.
	GetPolicy(ctx context.Context, tenantID int64, month string) (*domain.RiskPolicyState, error)
	// SavePolicy upserts the state.
	SavePolicy(ctx context.Context, state *domain.RiskPolicyState) error
}

// MessageBus is the outbound port the outbox drainer publishes through.
type MessageBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}
