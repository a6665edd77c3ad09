package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"stopguard/internal/domain"
	"stopguard/internal/ports"
)

// --- OutboxRepository Implementation ---

func insertOutboxTx(ctx context.Context, tx *sql.Tx, entry *domain.OutboxEntry) error {
	const query = `
	INSERT INTO outbox (id, kind, channel, position_id, event_type, correlation_id,
	                    payload, published, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, query,
		entry.ID, entry.Kind, entry.Channel, entry.PositionID, entry.EventType,
		entry.CorrelationID, entry.Payload, createdAt)
	return err
}

// ListUnpublished returns pending entries in creation order, up to limit.
func (r *Repository) ListUnpublished(ctx context.Context, limit int) ([]*domain.OutboxEntry, error) {
	const query = `
	SELECT id, kind, channel, position_id, event_type, correlation_id, payload,
	       published, published_at, retry_count, last_error, created_at
	FROM outbox WHERE published = 0 ORDER BY created_at ASC, id ASC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpublished outbox entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*domain.OutboxEntry, 0)
	for rows.Next() {
		entry := &domain.OutboxEntry{}
		var (
			kind        string
			eventType   string
			published   int
			publishedAt sql.NullTime
		)
		err := rows.Scan(&entry.ID, &kind, &entry.Channel, &entry.PositionID, &eventType,
			&entry.CorrelationID, &entry.Payload, &published, &publishedAt,
			&entry.RetryCount, &entry.LastError, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		entry.Kind = domain.OutboxKind(kind)
		entry.EventType = domain.StopEventType(eventType)
		entry.Published = published != 0
		if publishedAt.Valid {
			entry.PublishedAt = publishedAt.Time
		}
		entries = append(entries, entry)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox rows: %w", err)
	}
	return entries, nil
}

// MarkPublished flags an entry as delivered.
func (r *Repository) MarkPublished(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE outbox SET published = 1, published_at = ? WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry %s published: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox entry %s: %w", id, ports.ErrNotFound)
	}
	return nil
}

// RecordPublishFailure increments the entry's retry counter.
func (r *Repository) RecordPublishFailure(ctx context.Context, id string, cause string) error {
	const query = `UPDATE outbox SET retry_count = retry_count + 1, last_error = ? WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, cause, id)
	if err != nil {
		return fmt.Errorf("failed to record publish failure for %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox entry %s: %w", id, ports.ErrNotFound)
	}
	return nil
}
