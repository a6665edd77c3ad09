// Package risk enforces the monthly drawdown policy. The gate decides
// whether risk-taking actions may proceed; it never blocks execution of
// an already armed stop unless the operator kill switch is on.
package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"stopguard/internal/domain"
	"stopguard/internal/ports"
)

// Config holds the gate dependencies.
type Config struct {
	Policies        ports.PolicyRepository
	Logger          ports.Logger
	MaxDrawdownPct  decimal.Decimal // Default 4.00
	StartingCapital decimal.Decimal // Seed for a fresh month
}

// Gate loads, consults and updates per-tenant monthly policy state.
type Gate struct {
	policies        ports.PolicyRepository
	logger          ports.Logger
	maxDrawdownPct  decimal.Decimal
	startingCapital decimal.Decimal

	mu sync.Mutex // Serializes read-modify-write on policy state
}

// Decision is the outcome of a gate check.
type Decision struct {
	Allowed bool
	Status  domain.PolicyStatus
	Reason  string
}

// New creates a Gate.
func New(cfg Config) (*Gate, error) {
	if cfg.Policies == nil {
		return nil, fmt.Errorf("%w: policy repository is required", ports.ErrConfigurationError)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ports.ErrConfigurationError)
	}
	if !cfg.MaxDrawdownPct.IsPositive() {
		cfg.MaxDrawdownPct = decimal.NewFromInt(4)
	}
	return &Gate{
		policies:        cfg.Policies,
		logger:          cfg.Logger,
		maxDrawdownPct:  cfg.MaxDrawdownPct,
		startingCapital: cfg.StartingCapital,
	}, nil
}

// load fetches the tenant's state for the month containing now, starting a
// fresh ACTIVE month on rollover.
func (g *Gate) load(ctx context.Context, tenantID int64, now time.Time) (*domain.RiskPolicyState, error) {
	month := domain.PolicyMonth(now)
	state, err := g.policies.GetPolicy(ctx, tenantID, month)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, ports.ErrNotFound) {
		return nil, err
	}

	state = domain.NewRiskPolicyState(tenantID, month, g.startingCapital, g.maxDrawdownPct)
	if err := g.policies.SavePolicy(ctx, state); err != nil {
		return nil, err
	}
	g.logger.Info(ctx, "started fresh monthly risk policy", map[string]interface{}{
		"tenantID": tenantID,
		"month":    month,
	})
	return state, nil
}

// AllowNewRisk reports whether risk-taking actions (trailing adjustments,
// sizing new positions) may proceed for the tenant this month.
func (g *Gate) AllowNewRisk(ctx context.Context, tenantID int64, now time.Time) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.load(ctx, tenantID, now)
	if err != nil {
		return Decision{}, err
	}
	if state.AllowsNewRisk() {
		return Decision{Allowed: true, Status: state.Status}, nil
	}
	reason := state.PauseReason
	if reason == "" {
		reason = string(state.Status)
	}
	return Decision{Allowed: false, Status: state.Status, Reason: reason}, nil
}

// AllowProtectiveAction reports whether armed stop execution may proceed.
// Only SUSPENDED blocks it; a drawdown pause never leaves an open position
// unguarded.
func (g *Gate) AllowProtectiveAction(ctx context.Context, tenantID int64, now time.Time) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.load(ctx, tenantID, now)
	if err != nil {
		return Decision{}, err
	}
	if state.AllowsProtectiveAction() {
		return Decision{Allowed: true, Status: state.Status}, nil
	}
	return Decision{Allowed: false, Status: state.Status, Reason: "tenant suspended by operator"}, nil
}

// ApplyFill books a realized fill into the tenant's month and persists the
// updated state, auto-pausing when the drawdown gate trips.
func (g *Gate) ApplyFill(ctx context.Context, tenantID int64, pnl decimal.Decimal, now time.Time) (*domain.RiskPolicyState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.load(ctx, tenantID, now)
	if err != nil {
		return nil, err
	}
	wasActive := state.Status == domain.PolicyActive
	state.ApplyFill(pnl, now)
	if err := g.policies.SavePolicy(ctx, state); err != nil {
		return nil, err
	}
	if wasActive && state.Status == domain.PolicyPaused {
		g.logger.Warn(ctx, "monthly drawdown limit reached, pausing new risk", map[string]interface{}{
			"tenantID":    tenantID,
			"month":       state.Month,
			"drawdownPct": state.DrawdownPercent().String(),
			"maxPct":      state.MaxDrawdownPct.String(),
		})
	}
	return state, nil
}

// Suspend flips the operator kill switch for a tenant.
func (g *Gate) Suspend(ctx context.Context, tenantID int64, reason string, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.load(ctx, tenantID, now)
	if err != nil {
		return err
	}
	state.Status = domain.PolicySuspended
	state.PausedAt = now
	state.PauseReason = reason
	state.UpdatedAt = now
	return g.policies.SavePolicy(ctx, state)
}

// Resume reactivates a paused or suspended tenant.
func (g *Gate) Resume(ctx context.Context, tenantID int64, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.load(ctx, tenantID, now)
	if err != nil {
		return err
	}
	state.Status = domain.PolicyActive
	state.PauseReason = ""
	state.UpdatedAt = now
	return g.policies.SavePolicy(ctx, state)
}
