package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PolicyMonth formats the month key a policy state is scoped to.
func PolicyMonth(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// RiskPolicyState tracks a tenant's risk budget for one calendar month.
// A fresh ACTIVE state starts on month rollover. PAUSED is reached
// automatically when realized drawdown exceeds the configured maximum;
// SUSPENDED is only ever set by an operator.
type RiskPolicyState struct {
	TenantID        int64
	Month           string // "YYYY-MM"
	Status          PolicyStatus
	StartingCapital decimal.Decimal
	CurrentCapital  decimal.Decimal
	RealizedPnL     decimal.Decimal
	UnrealizedPnL   decimal.Decimal
	TotalTrades     int
	WinningTrades   int
	LosingTrades    int
	MaxDrawdownPct  decimal.Decimal // Configured gate, e.g. 4.00
	PausedAt        time.Time
	PauseReason     string
	UpdatedAt       time.Time
}

// NewRiskPolicyState starts a fresh ACTIVE month.
func NewRiskPolicyState(tenantID int64, month string, startingCapital, maxDrawdownPct decimal.Decimal) *RiskPolicyState {
	return &RiskPolicyState{
		TenantID:        tenantID,
		Month:           month,
		Status:          PolicyActive,
		StartingCapital: startingCapital,
		CurrentCapital:  startingCapital,
		MaxDrawdownPct:  maxDrawdownPct,
	}
}

// DrawdownPercent returns the realized drawdown from starting capital,
// as a positive percentage. Zero when at or above starting capital.
func (p *RiskPolicyState) DrawdownPercent() decimal.Decimal {
	if !p.StartingCapital.IsPositive() {
		return decimal.Zero
	}
	loss := p.StartingCapital.Sub(p.CurrentCapital)
	if !loss.IsPositive() {
		return decimal.Zero
	}
	return loss.Div(p.StartingCapital).Mul(decimal.NewFromInt(100)).Round(2)
}

// DrawdownExceeded reports whether the monthly drawdown gate is tripped.
func (p *RiskPolicyState) DrawdownExceeded() bool {
	return p.DrawdownPercent().GreaterThanOrEqual(p.MaxDrawdownPct)
}

// ApplyFill books a realized fill into the month: capital moves by pnl,
// counters update, and the state auto-pauses once drawdown crosses the
// gate. A paused month never auto-resumes.
func (p *RiskPolicyState) ApplyFill(pnl decimal.Decimal, at time.Time) {
	p.RealizedPnL = p.RealizedPnL.Add(pnl)
	p.CurrentCapital = p.CurrentCapital.Add(pnl)
	p.TotalTrades++
	if pnl.IsPositive() {
		p.WinningTrades++
	} else if pnl.IsNegative() {
		p.LosingTrades++
	}
	p.UpdatedAt = at
	if p.Status == PolicyActive && p.DrawdownExceeded() {
		p.Status = PolicyPaused
		p.PausedAt = at
		p.PauseReason = "monthly drawdown limit reached"
	}
}

// AllowsNewRisk reports whether new risk-taking actions (trailing
// adjustments, sizing of new positions) may proceed.
func (p *RiskPolicyState) AllowsNewRisk() bool {
	return p.Status == PolicyActive
}

// AllowsProtectiveAction reports whether armed stop execution may proceed.
// Only the operator kill switch blocks protection; a drawdown pause never
// leaves an open position unguarded.
func (p *RiskPolicyState) AllowsProtectiveAction() bool {
	return p.Status != PolicySuspended
}
