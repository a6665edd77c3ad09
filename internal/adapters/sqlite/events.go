package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stopguard/internal/domain"
	"stopguard/internal/ports"
)

// --- EventRepository Implementation ---

const eventColumns = `
	event_id, position_id, tenant_id, seq, symbol, event_type, kind, side, quantity,
	entry_price, stop_price, trigger_price, correlation_id, source, exchange_order_id,
	fill_price, slippage_pct, pnl, error_message, occurred_at`

// InsertTriggerIfAbsent records a STOP_TRIGGERED event, its execution
// projection seed and the outbox command in one transaction. The partial
// unique index on trigger correlation ids is the only serialization point:
// a violation means another detector already recorded this crossing, and
// the call returns (false, nil) with nothing written.
func (r *Repository) InsertTriggerIfAbsent(ctx context.Context, ev *domain.StopEvent, entry *domain.OutboxEntry) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: begin trigger tx: %v", ports.ErrDBConnection, err)
	}
	defer tx.Rollback()

	seq, err := nextSeqTx(ctx, tx, ev.PositionID)
	if err != nil {
		return false, err
	}
	ev.Seq = seq

	if err := insertEventTx(ctx, tx, ev); err != nil {
		if isUniqueViolation(err) {
			r.logger.Debug(ctx, "trigger already recorded", map[string]interface{}{
				"positionID":    ev.PositionID,
				"correlationID": ev.CorrelationID,
			})
			return false, nil
		}
		return false, fmt.Errorf("insert trigger event: %w", err)
	}

	exec := domain.ReplayExecution([]domain.StopEvent{*ev})
	if err := upsertExecutionTx(ctx, tx, exec); err != nil {
		return false, err
	}

	if entry != nil {
		if err := insertOutboxTx(ctx, tx, entry); err != nil {
			if isUniqueViolation(err) {
				// Outbox row from a previous partial write; the event insert
				// above succeeded, so keep going.
				r.logger.Warn(ctx, "outbox command already present for trigger", map[string]interface{}{
					"correlationID": entry.CorrelationID,
				})
			} else {
				return false, fmt.Errorf("insert outbox command: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit trigger tx: %w", err)
	}
	return true, nil
}

// AppendEvent records a lifecycle event, the updated projection and an
// optional outbox entry in one transaction.
func (r *Repository) AppendEvent(ctx context.Context, ev *domain.StopEvent, exec *domain.StopExecution, entry *domain.OutboxEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin append tx: %v", ports.ErrDBConnection, err)
	}
	defer tx.Rollback()

	seq, err := nextSeqTx(ctx, tx, ev.PositionID)
	if err != nil {
		return err
	}
	ev.Seq = seq

	if err := insertEventTx(ctx, tx, ev); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("event %s for %s: %w", ev.Type, ev.CorrelationID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("insert stop event: %w", err)
	}

	if exec != nil {
		if err := upsertExecutionTx(ctx, tx, exec); err != nil {
			return err
		}
	}
	if entry != nil {
		if err := insertOutboxTx(ctx, tx, entry); err != nil {
			return fmt.Errorf("insert outbox entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

// ClaimSubmission serializes order submission across concurrent detections
// of the same trigger. The projection moves to SUBMITTED only while its
// (status, submitted_at) pair still matches what the caller observed; the
// lifecycle event lands in the same transaction. A lost claim returns
// (false, nil) with nothing written.
func (r *Repository) ClaimSubmission(ctx context.Context, ev *domain.StopEvent, observedStatus domain.ExecutionStatus, observedSubmittedAt time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: begin claim tx: %v", ports.ErrDBConnection, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE stop_executions
		SET status = ?, submitted_at = ?
		WHERE position_id = ? AND status = ? AND submitted_at IS ?`,
		string(domain.ExecSubmitted), nullTime(ev.OccurredAt),
		ev.PositionID, string(observedStatus), nullTime(observedSubmittedAt))
	if err != nil {
		return false, fmt.Errorf("claim submission for position %d: %w", ev.PositionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim submission for position %d: %w", ev.PositionID, err)
	}
	if affected == 0 {
		r.logger.Debug(ctx, "submission already claimed", map[string]interface{}{
			"positionID": ev.PositionID,
		})
		return false, nil
	}

	seq, err := nextSeqTx(ctx, tx, ev.PositionID)
	if err != nil {
		return false, err
	}
	ev.Seq = seq
	if err := insertEventTx(ctx, tx, ev); err != nil {
		return false, fmt.Errorf("insert submission event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit claim tx: %w", err)
	}
	return true, nil
}

// nextSeqTx allocates the next per-position sequence number. Safe under
// the single-connection pool; the transaction holds the write lock.
func nextSeqTx(ctx context.Context, tx *sql.Tx, positionID int64) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM stop_events WHERE position_id = ?`, positionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("allocate sequence for position %d: %w", positionID, err)
	}
	return seq, nil
}

func insertEventTx(ctx context.Context, tx *sql.Tx, ev *domain.StopEvent) error {
	const query = `
	INSERT INTO stop_events (event_id, position_id, tenant_id, seq, symbol, event_type, kind,
	                         side, quantity, entry_price, stop_price, trigger_price,
	                         correlation_id, source, exchange_order_id, fill_price,
	                         slippage_pct, pnl, error_message, occurred_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tx.ExecContext(ctx, query,
		ev.EventID, ev.PositionID, ev.TenantID, ev.Seq, ev.Symbol, ev.Type, ev.Kind,
		ev.Side, ev.Quantity.String(), ev.EntryPrice.String(), ev.StopPrice.String(),
		ev.TriggerPrice.String(), ev.CorrelationID, ev.Source, ev.ExchangeOrderID,
		ev.FillPrice.String(), ev.SlippagePct.String(), ev.PnL.String(),
		ev.ErrorMessage, ev.OccurredAt)
	return err
}

// ListEvents returns a position's full event log in sequence order.
func (r *Repository) ListEvents(ctx context.Context, positionID int64) ([]domain.StopEvent, error) {
	query := `SELECT` + eventColumns + ` FROM stop_events WHERE position_id = ? ORDER BY seq ASC`
	rows, err := r.db.QueryContext(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for position %d: %w", positionID, err)
	}
	defer rows.Close()

	events := make([]domain.StopEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stop event: %w", err)
		}
		events = append(events, *ev)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// GetExecution returns the stored projection for a position.
func (r *Repository) GetExecution(ctx context.Context, positionID int64) (*domain.StopExecution, error) {
	const query = `
	SELECT position_id, tenant_id, correlation_id, status, kind, symbol, side, quantity,
	       stop_price, trigger_price, source, exchange_order_id, fill_price, slippage_pct,
	       pnl, error_message, retry_count, triggered_at, submitted_at, executed_at, failed_at
	FROM stop_executions WHERE position_id = ?`

	row := r.db.QueryRowContext(ctx, query, positionID)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("execution for position %d: %w", positionID, ports.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query execution for position %d: %w", positionID, err)
	}
	return exec, nil
}

func upsertExecutionTx(ctx context.Context, tx *sql.Tx, exec *domain.StopExecution) error {
	const query = `
	INSERT INTO stop_executions (position_id, tenant_id, correlation_id, status, kind, symbol,
	                             side, quantity, stop_price, trigger_price, source,
	                             exchange_order_id, fill_price, slippage_pct, pnl,
	                             error_message, retry_count, triggered_at, submitted_at,
	                             executed_at, failed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (position_id) DO UPDATE SET
		correlation_id = excluded.correlation_id,
		status = excluded.status,
		exchange_order_id = excluded.exchange_order_id,
		fill_price = excluded.fill_price,
		slippage_pct = excluded.slippage_pct,
		pnl = excluded.pnl,
		error_message = excluded.error_message,
		retry_count = excluded.retry_count,
		submitted_at = excluded.submitted_at,
		executed_at = excluded.executed_at,
		failed_at = excluded.failed_at`

	_, err := tx.ExecContext(ctx, query,
		exec.PositionID, exec.TenantID, exec.CorrelationID, exec.Status, exec.Kind,
		exec.Symbol, exec.Side, exec.Quantity.String(), exec.StopPrice.String(),
		exec.TriggerPrice.String(), exec.Source, exec.ExchangeOrderID,
		exec.FillPrice.String(), exec.SlippagePct.String(), exec.PnL.String(),
		exec.ErrorMessage, exec.RetryCount,
		nullTime(exec.TriggeredAt), nullTime(exec.SubmittedAt),
		nullTime(exec.ExecutedAt), nullTime(exec.FailedAt))
	if err != nil {
		return fmt.Errorf("upsert execution for position %d: %w", exec.PositionID, err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func scanEvent(s scanner) (*domain.StopEvent, error) {
	ev := &domain.StopEvent{}
	var (
		evType, kind, side, source                    string
		quantity, entryPrice, stopPrice, triggerPrice string
		fillPrice, slippagePct, pnl                   string
	)
	err := s.Scan(
		&ev.EventID, &ev.PositionID, &ev.TenantID, &ev.Seq, &ev.Symbol, &evType, &kind,
		&side, &quantity, &entryPrice, &stopPrice, &triggerPrice, &ev.CorrelationID,
		&source, &ev.ExchangeOrderID, &fillPrice, &slippagePct, &pnl,
		&ev.ErrorMessage, &ev.OccurredAt)
	if err != nil {
		return nil, err
	}
	ev.Type = domain.StopEventType(evType)
	ev.Kind = domain.TriggerKind(kind)
	ev.Side = domain.OrderSide(side)
	ev.Source = domain.DetectionSource(source)
	if ev.Quantity, err = scanDecimal(quantity); err != nil {
		return nil, err
	}
	if ev.EntryPrice, err = scanDecimal(entryPrice); err != nil {
		return nil, err
	}
	if ev.StopPrice, err = scanDecimal(stopPrice); err != nil {
		return nil, err
	}
	if ev.TriggerPrice, err = scanDecimal(triggerPrice); err != nil {
		return nil, err
	}
	if ev.FillPrice, err = scanDecimal(fillPrice); err != nil {
		return nil, err
	}
	if ev.SlippagePct, err = scanDecimal(slippagePct); err != nil {
		return nil, err
	}
	if ev.PnL, err = scanDecimal(pnl); err != nil {
		return nil, err
	}
	return ev, nil
}

func scanExecution(s scanner) (*domain.StopExecution, error) {
	exec := &domain.StopExecution{}
	var (
		status, kind, side, source                     string
		quantity, stopPrice, triggerPrice              string
		fillPrice, slippagePct, pnl                    string
		triggeredAt, submittedAt, executedAt, failedAt sql.NullTime
	)
	err := s.Scan(
		&exec.PositionID, &exec.TenantID, &exec.CorrelationID, &status, &kind, &exec.Symbol,
		&side, &quantity, &stopPrice, &triggerPrice, &source, &exec.ExchangeOrderID,
		&fillPrice, &slippagePct, &pnl, &exec.ErrorMessage, &exec.RetryCount,
		&triggeredAt, &submittedAt, &executedAt, &failedAt)
	if err != nil {
		return nil, err
	}
	exec.Status = domain.ExecutionStatus(status)
	exec.Kind = domain.TriggerKind(kind)
	exec.Side = domain.OrderSide(side)
	exec.Source = domain.DetectionSource(source)
	if exec.Quantity, err = scanDecimal(quantity); err != nil {
		return nil, err
	}
	if exec.StopPrice, err = scanDecimal(stopPrice); err != nil {
		return nil, err
	}
	if exec.TriggerPrice, err = scanDecimal(triggerPrice); err != nil {
		return nil, err
	}
	if exec.FillPrice, err = scanDecimal(fillPrice); err != nil {
		return nil, err
	}
	if exec.SlippagePct, err = scanDecimal(slippagePct); err != nil {
		return nil, err
	}
	if exec.PnL, err = scanDecimal(pnl); err != nil {
		return nil, err
	}
	if triggeredAt.Valid {
		exec.TriggeredAt = triggeredAt.Time
	}
	if submittedAt.Valid {
		exec.SubmittedAt = submittedAt.Time
	}
	if executedAt.Valid {
		exec.ExecutedAt = executedAt.Time
	}
	if failedAt.Valid {
		exec.FailedAt = failedAt.Time
	}
	return exec, nil
}
