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

// --- PolicyRepository Implementation ---

// GetPolicy returns the state for (tenant, month).
func (r *Repository) GetPolicy(ctx context.Context, tenantID int64, month string) (*domain.RiskPolicyState, error) {
	const query = `
	SELECT tenant_id, month, status, starting_capital, current_capital, realized_pnl,
	       unrealized_pnl, total_trades, winning_trades, losing_trades, max_drawdown_pct,
	       paused_at, pause_reason, updated_at
	FROM policy_state WHERE tenant_id = ? AND month = ?`

	state := &domain.RiskPolicyState{}
	var (
		status                                                     string
		startingCapital, currentCapital, realizedPnL, unrealizedPnL string
		maxDrawdownPct                                             string
		pausedAt, updatedAt                                        sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, tenantID, month).Scan(
		&state.TenantID, &state.Month, &status, &startingCapital, &currentCapital,
		&realizedPnL, &unrealizedPnL, &state.TotalTrades, &state.WinningTrades,
		&state.LosingTrades, &maxDrawdownPct, &pausedAt, &state.PauseReason, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("policy for tenant %d month %s: %w", tenantID, month, ports.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query policy state: %w", err)
	}

	state.Status = domain.PolicyStatus(status)
	if state.StartingCapital, err = scanDecimal(startingCapital); err != nil {
		return nil, err
	}
	if state.CurrentCapital, err = scanDecimal(currentCapital); err != nil {
		return nil, err
	}
	if state.RealizedPnL, err = scanDecimal(realizedPnL); err != nil {
		return nil, err
	}
	if state.UnrealizedPnL, err = scanDecimal(unrealizedPnL); err != nil {
		return nil, err
	}
	if state.MaxDrawdownPct, err = scanDecimal(maxDrawdownPct); err != nil {
		return nil, err
	}
	if pausedAt.Valid {
		state.PausedAt = pausedAt.Time
	}
	if updatedAt.Valid {
		state.UpdatedAt = updatedAt.Time
	}
	return state, nil
}

// SavePolicy upserts the state.
func (r *Repository) SavePolicy(ctx context.Context, state *domain.RiskPolicyState) error {
	const query = `
	INSERT INTO policy_state (tenant_id, month, status, starting_capital, current_capital,
	                          realized_pnl, unrealized_pnl, total_trades, winning_trades,
	                          losing_trades, max_drawdown_pct, paused_at, pause_reason, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (tenant_id, month) DO UPDATE SET
		status = excluded.status,
		current_capital = excluded.current_capital,
		realized_pnl = excluded.realized_pnl,
		unrealized_pnl = excluded.unrealized_pnl,
		total_trades = excluded.total_trades,
		winning_trades = excluded.winning_trades,
		losing_trades = excluded.losing_trades,
		paused_at = excluded.paused_at,
		pause_reason = excluded.pause_reason,
		updated_at = excluded.updated_at`

	var pausedAt sql.NullTime
	if !state.PausedAt.IsZero() {
		pausedAt = sql.NullTime{Time: state.PausedAt, Valid: true}
	}
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, query,
		state.TenantID, state.Month, state.Status, state.StartingCapital.String(),
		state.CurrentCapital.String(), state.RealizedPnL.String(), state.UnrealizedPnL.String(),
		state.TotalTrades, state.WinningTrades, state.LosingTrades,
		state.MaxDrawdownPct.String(), pausedAt, state.PauseReason, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to save policy state for tenant %d month %s: %w",
			state.TenantID, state.Month, err)
	}
	return nil
}
