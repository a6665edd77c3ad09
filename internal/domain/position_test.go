package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func validLong() *Position {
	return &Position{
		ID:          1,
		TenantID:    1,
		Symbol:      "BTCUSDT",
		Side:        Long,
		Quantity:    decimal.NewFromFloat(0.5),
		EntryPrice:  decimal.NewFromInt(90000),
		InitialStop: decimal.NewFromInt(88200),
		StopPrice:   decimal.NewFromInt(88200),
		TargetPrice: decimal.NewFromInt(95000),
		Leverage:    3,
		Status:      StatusOpen,
	}
}

func TestPositionValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Position)
		wantErr bool
	}{
		{"valid long", func(p *Position) {}, false},
		{"valid short", func(p *Position) {
			p.Side = Short
			p.InitialStop = decimal.NewFromInt(92000)
			p.StopPrice = decimal.NewFromInt(92000)
		}, false},
		{"missing symbol", func(p *Position) { p.Symbol = "" }, true},
		{"invalid side", func(p *Position) { p.Side = "SIDEWAYS" }, true},
		{"zero quantity", func(p *Position) { p.Quantity = decimal.Zero }, true},
		{"negative entry", func(p *Position) { p.EntryPrice = decimal.NewFromInt(-1) }, true},
		{"long stop above entry", func(p *Position) { p.InitialStop = decimal.NewFromInt(91000) }, true},
		{"short stop below entry", func(p *Position) {
			p.Side = Short
			p.InitialStop = decimal.NewFromInt(88000)
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := validLong()
			tt.mutate(pos)
			err := pos.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPositionPnLAt(t *testing.T) {
	long := validLong()
	assert.True(t, long.PnLAt(decimal.NewFromInt(92000)).Equal(decimal.NewFromInt(1000)))
	assert.True(t, long.PnLAt(decimal.NewFromInt(88000)).Equal(decimal.NewFromInt(-1000)))

	short := validLong()
	short.Side = Short
	assert.True(t, short.PnLAt(decimal.NewFromInt(88000)).Equal(decimal.NewFromInt(1000)))
	assert.True(t, short.PnLAt(decimal.NewFromInt(92000)).Equal(decimal.NewFromInt(-1000)))
}

func TestPositionHasTarget(t *testing.T) {
	pos := validLong()
	assert.True(t, pos.HasTarget())
	pos.TargetPrice = decimal.Zero
	assert.False(t, pos.HasTarget())
}

func TestQuoteClosePriceFor(t *testing.T) {
	quote := Quote{
		Symbol: "BTCUSDT",
		Bid:    decimal.NewFromInt(89990),
		Ask:    decimal.NewFromInt(90010),
	}
	// A long closes by selling into the bid; a short buys back at the ask.
	assert.True(t, quote.ClosePriceFor(Long).Equal(decimal.NewFromInt(89990)))
	assert.True(t, quote.ClosePriceFor(Short).Equal(decimal.NewFromInt(90010)))
}

func TestQuoteAge(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	quote := Quote{ObservedAt: now.Add(-12 * time.Second)}
	assert.Equal(t, 12*time.Second, quote.Age(now))
}
