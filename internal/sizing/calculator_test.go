package sizing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stopguard/internal/domain"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestCalculate(t *testing.T) {
	t.Run("one percent risk rule", func(t *testing.T) {
		result, err := Calculate(Input{
			Capital:    d("1000"),
			EntryPrice: d("90000"),
			StopPrice:  d("88200"),
			Side:       domain.Buy,
		})
		require.NoError(t, err)

		// risk = 1000 * 1% = 10.00; quantity = 10 / 1800
		assert.Equal(t, "10", result.RiskAmount.String())
		assert.Equal(t, "0.00555556", result.Quantity.String())
		assert.Equal(t, "500", result.PositionValue.String())
		assert.Equal(t, "1800", result.StopDistance.String())
		assert.Equal(t, "2", result.StopDistancePercent.String())
		assert.Equal(t, "1", result.RiskPercent.String())
		assert.False(t, result.IsCapped)
	})

	t.Run("tight stop hits the position cap", func(t *testing.T) {
		result, err := Calculate(Input{
			Capital:    d("1000"),
			EntryPrice: d("90000"),
			StopPrice:  d("89900"),
			Side:       domain.Buy,
		})
		require.NoError(t, err)

		// Uncapped quantity would be 0.1 (9000 position value); the 50%
		// cap reduces it to 500 of position value and the realized risk
		// drops with it.
		assert.True(t, result.IsCapped)
		assert.Equal(t, "0.00555556", result.Quantity.String())
		assert.Equal(t, "500", result.PositionValue.String())
		assert.Equal(t, "0.56", result.RiskAmount.String())
		assert.Equal(t, "0.06", result.RiskPercent.String())
	})

	t.Run("short side sizes against a stop above entry", func(t *testing.T) {
		result, err := Calculate(Input{
			Capital:        d("500"),
			EntryPrice:     d("3000"),
			StopPrice:      d("3150"),
			Side:           domain.Sell,
			MaxRiskPercent: d("2"),
		})
		require.NoError(t, err)

		// risk = 500 * 2% = 10.00; quantity = 10 / 150
		assert.Equal(t, "10", result.RiskAmount.String())
		assert.Equal(t, "0.06666667", result.Quantity.String())
		assert.False(t, result.IsCapped)
	})

	t.Run("invalid inputs", func(t *testing.T) {
		tests := []struct {
			name string
			in   Input
		}{
			{"zero capital", Input{EntryPrice: d("100"), StopPrice: d("90"), Side: domain.Buy}},
			{"buy stop above entry", Input{Capital: d("1000"), EntryPrice: d("100"), StopPrice: d("110"), Side: domain.Buy}},
			{"sell stop below entry", Input{Capital: d("1000"), EntryPrice: d("100"), StopPrice: d("90"), Side: domain.Sell}},
			{"stop equals entry", Input{Capital: d("1000"), EntryPrice: d("100"), StopPrice: d("100"), Side: domain.Buy}},
			{"bad side", Input{Capital: d("1000"), EntryPrice: d("100"), StopPrice: d("90"), Side: "HOLD"}},
			{"risk over 100", Input{Capital: d("1000"), EntryPrice: d("100"), StopPrice: d("90"), Side: domain.Buy, MaxRiskPercent: d("150")}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := Calculate(tt.in)
				assert.Error(t, err)
			})
		}
	})
}

func TestValidateInputs(t *testing.T) {
	ok, reason := ValidateInputs(d("1000"), d("90000"), d("88200"), domain.Buy)
	assert.True(t, ok)
	assert.Empty(t, reason)

	ok, reason = ValidateInputs(d("1000"), d("90000"), d("91000"), domain.Buy)
	assert.False(t, ok)
	assert.Contains(t, reason, "stop must be below entry")
}

func TestCalculateMargin(t *testing.T) {
	t.Run("margin is position value over leverage", func(t *testing.T) {
		result, err := CalculateMargin(MarginInput{
			Capital:    d("1000"),
			EntryPrice: d("90000"),
			StopPrice:  d("88200"),
			Side:       domain.Long,
			Leverage:   3,
		})
		require.NoError(t, err)

		assert.Equal(t, "0.00555556", result.Quantity.String())
		assert.Equal(t, "500", result.PositionValue.String())
		assert.Equal(t, "166.67", result.MarginRequired.String())
		assert.Equal(t, 3, result.Leverage)
		assert.False(t, result.IsCapped)
	})

	t.Run("capped by the margin percent limit", func(t *testing.T) {
		result, err := CalculateMargin(MarginInput{
			Capital:    d("1000"),
			EntryPrice: d("90000"),
			StopPrice:  d("89900"),
			Side:       domain.Long,
			Leverage:   10,
		})
		require.NoError(t, err)

		assert.True(t, result.IsCapped)
		assert.Equal(t, "capped by 50% margin limit", result.CapReason)
		assert.Equal(t, "500", result.MarginRequired.String())
		assert.Equal(t, "5000", result.PositionValue.String())
		assert.Equal(t, "0.05555556", result.Quantity.String())
	})

	t.Run("capped by available margin", func(t *testing.T) {
		avail := d("300")
		result, err := CalculateMargin(MarginInput{
			Capital:         d("1000"),
			EntryPrice:      d("90000"),
			StopPrice:       d("89900"),
			Side:            domain.Long,
			Leverage:        10,
			AvailableMargin: &avail,
		})
		require.NoError(t, err)

		assert.True(t, result.IsCapped)
		assert.Equal(t, "capped by available margin (300)", result.CapReason)
		assert.Equal(t, "300", result.MarginRequired.String())
		assert.Equal(t, "3000", result.PositionValue.String())
	})

	t.Run("leverage bounds", func(t *testing.T) {
		_, err := CalculateMargin(MarginInput{
			Capital:    d("1000"),
			EntryPrice: d("90000"),
			StopPrice:  d("88200"),
			Side:       domain.Long,
			Leverage:   11,
		})
		assert.Error(t, err)
	})

	t.Run("short stop must sit above entry", func(t *testing.T) {
		_, err := CalculateMargin(MarginInput{
			Capital:    d("1000"),
			EntryPrice: d("90000"),
			StopPrice:  d("88200"),
			Side:       domain.Short,
			Leverage:   3,
		})
		assert.Error(t, err)
	})
}
