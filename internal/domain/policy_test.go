package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyMonth(t *testing.T) {
	assert.Equal(t, "2026-03", PolicyMonth(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)))
	// Local times normalize to UTC before bucketing.
	loc := time.FixedZone("UTC+10", 10*3600)
	assert.Equal(t, "2026-02", PolicyMonth(time.Date(2026, 3, 1, 8, 0, 0, 0, loc)))
}

func TestRiskPolicyStateDrawdown(t *testing.T) {
	tests := []struct {
		name         string
		starting     decimal.Decimal
		current      decimal.Decimal
		wantPct      string
		wantExceeded bool
	}{
		{"no loss", decimal.NewFromInt(1000), decimal.NewFromInt(1000), "0", false},
		{"in profit", decimal.NewFromInt(1000), decimal.NewFromInt(1100), "0", false},
		{"below the gate", decimal.NewFromInt(1000), decimal.NewFromInt(961), "3.9", false},
		{"exactly at the gate", decimal.NewFromInt(1000), decimal.NewFromInt(960), "4", true},
		{"past the gate", decimal.NewFromInt(1000), decimal.NewFromInt(950), "5", true},
		{"zero starting capital", decimal.Zero, decimal.NewFromInt(-50), "0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := NewRiskPolicyState(1, "2026-03", tt.starting, decimal.NewFromInt(4))
			state.CurrentCapital = tt.current
			assert.Equal(t, tt.wantPct, state.DrawdownPercent().String())
			assert.Equal(t, tt.wantExceeded, state.DrawdownExceeded())
		})
	}
}

func TestRiskPolicyStateApplyFill(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	t.Run("winning fill stays active", func(t *testing.T) {
		state := NewRiskPolicyState(1, "2026-03", decimal.NewFromInt(1000), decimal.NewFromInt(4))
		state.ApplyFill(decimal.NewFromInt(25), now)

		assert.Equal(t, PolicyActive, state.Status)
		assert.Equal(t, 1, state.TotalTrades)
		assert.Equal(t, 1, state.WinningTrades)
		assert.True(t, state.CurrentCapital.Equal(decimal.NewFromInt(1025)))
	})

	t.Run("drawdown breach auto-pauses", func(t *testing.T) {
		state := NewRiskPolicyState(1, "2026-03", decimal.NewFromInt(1000), decimal.NewFromInt(4))
		state.ApplyFill(decimal.NewFromInt(-35), now)
		require.Equal(t, PolicyActive, state.Status)

		state.ApplyFill(decimal.NewFromInt(-10), now.Add(time.Hour))
		assert.Equal(t, PolicyPaused, state.Status)
		assert.Equal(t, "monthly drawdown limit reached", state.PauseReason)
		assert.Equal(t, now.Add(time.Hour), state.PausedAt)
		assert.Equal(t, 2, state.LosingTrades)
	})

	t.Run("paused month never auto-resumes", func(t *testing.T) {
		state := NewRiskPolicyState(1, "2026-03", decimal.NewFromInt(1000), decimal.NewFromInt(4))
		state.ApplyFill(decimal.NewFromInt(-50), now)
		require.Equal(t, PolicyPaused, state.Status)

		state.ApplyFill(decimal.NewFromInt(200), now.Add(time.Hour))
		assert.Equal(t, PolicyPaused, state.Status)
	})

	t.Run("suspended stays suspended through fills", func(t *testing.T) {
		state := NewRiskPolicyState(1, "2026-03", decimal.NewFromInt(1000), decimal.NewFromInt(4))
		state.Status = PolicySuspended
		state.ApplyFill(decimal.NewFromInt(-100), now)
		assert.Equal(t, PolicySuspended, state.Status)
	})
}

func TestRiskPolicyStatePermissions(t *testing.T) {
	tests := []struct {
		status         PolicyStatus
		wantNewRisk    bool
		wantProtective bool
	}{
		{PolicyActive, true, true},
		{PolicyPaused, false, true},
		{PolicySuspended, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			state := NewRiskPolicyState(1, "2026-03", decimal.NewFromInt(1000), decimal.NewFromInt(4))
			state.Status = tt.status
			assert.Equal(t, tt.wantNewRisk, state.AllowsNewRisk())
			assert.Equal(t, tt.wantProtective, state.AllowsProtectiveAction())
		})
	}
}
