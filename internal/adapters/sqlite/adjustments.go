package sqlite

import (
	"context"
	"fmt"

	"stopguard/internal/domain"
	"stopguard/internal/ports"
)

// --- AdjustmentRepository Implementation ---

// InsertAdjustmentIfAbsent records the adjustment, moves the position's
// stop and writes the outbox event in one transaction. The token primary
// key is the serialization point: a collision returns (false, nil) and
// nothing is written, so a redundant orchestrator run cannot move the
// stop twice for the same step.
func (r *Repository) InsertAdjustmentIfAbsent(ctx context.Context, adj *domain.TrailingStopAdjustment, entry *domain.OutboxEntry) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: begin adjustment tx: %v", ports.ErrDBConnection, err)
	}
	defer tx.Rollback()

	const query = `
	INSERT INTO trailing_stop_adjustments (token, position_id, tenant_id, symbol, old_stop,
	                                       new_stop, reason, step_index, spans_crossed,
	                                       current_price, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, query,
		adj.Token, adj.PositionID, adj.TenantID, adj.Symbol, adj.OldStop.String(),
		adj.NewStop.String(), adj.Reason, adj.StepIndex, adj.SpansCrossed,
		adj.CurrentPrice.String(), adj.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			r.logger.Debug(ctx, "trailing step already applied", map[string]interface{}{
				"positionID": adj.PositionID,
				"token":      adj.Token,
			})
			return false, nil
		}
		return false, fmt.Errorf("insert adjustment %s: %w", adj.Token, err)
	}

	if err := updateStopTx(ctx, tx, adj.PositionID, adj.NewStop); err != nil {
		return false, err
	}

	if entry != nil {
		if err := insertOutboxTx(ctx, tx, entry); err != nil {
			return false, fmt.Errorf("insert adjustment outbox entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit adjustment tx: %w", err)
	}
	r.logger.Info(ctx, "trailing stop ratcheted", map[string]interface{}{
		"positionID": adj.PositionID,
		"oldStop":    adj.OldStop.String(),
		"newStop":    adj.NewStop.String(),
		"reason":     string(adj.Reason),
	})
	return true, nil
}

// ListAdjustments returns a position's adjustments, oldest first.
func (r *Repository) ListAdjustments(ctx context.Context, positionID int64) ([]domain.TrailingStopAdjustment, error) {
	const query = `
	SELECT token, position_id, tenant_id, symbol, old_stop, new_stop, reason, step_index,
	       spans_crossed, current_price, created_at
	FROM trailing_stop_adjustments WHERE position_id = ? ORDER BY step_index ASC`

	rows, err := r.db.QueryContext(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query adjustments for position %d: %w", positionID, err)
	}
	defer rows.Close()

	adjustments := make([]domain.TrailingStopAdjustment, 0)
	for rows.Next() {
		adj := domain.TrailingStopAdjustment{}
		var oldStop, newStop, currentPrice, reason string
		err := rows.Scan(&adj.Token, &adj.PositionID, &adj.TenantID, &adj.Symbol, &oldStop,
			&newStop, &reason, &adj.StepIndex, &adj.SpansCrossed, &currentPrice, &adj.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan adjustment: %w", err)
		}
		adj.Reason = domain.AdjustmentReason(reason)
		if adj.OldStop, err = scanDecimal(oldStop); err != nil {
			return nil, err
		}
		if adj.NewStop, err = scanDecimal(newStop); err != nil {
			return nil, err
		}
		if adj.CurrentPrice, err = scanDecimal(currentPrice); err != nil {
			return nil, err
		}
		adjustments = append(adjustments, adj)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating adjustment rows: %w", err)
	}
	return adjustments, nil
}
