// Package sizing implements fixed-point position sizing under the 1% risk
// rule: the caller decides what to trade, the calculator decides how much.
package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"stopguard/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Quantization scales: quote amounts to 2 dp, base quantities to 8 dp.
const (
	quoteScale    = 2
	quantityScale = 8
)

// Result is the outcome of a spot sizing calculation. All monetary values
// are quantized: quantity to 8 dp, quote amounts and percentages to 2 dp.
type Result struct {
	Quantity            decimal.Decimal
	PositionValue       decimal.Decimal
	RiskAmount          decimal.Decimal
	RiskPercent         decimal.Decimal
	StopDistance        decimal.Decimal
	StopDistancePercent decimal.Decimal
	IsCapped            bool
}

// Input carries the sizing parameters. MaxRiskPercent and
// MaxPositionPercent fall back to 1% and 50% when zero.
type Input struct {
	Capital            decimal.Decimal
	EntryPrice         decimal.Decimal
	StopPrice          decimal.Decimal
	Side               domain.OrderSide
	MaxRiskPercent     decimal.Decimal
	MaxPositionPercent decimal.Decimal
}

func (in *Input) applyDefaults() {
	if in.MaxRiskPercent.IsZero() {
		in.MaxRiskPercent = decimal.NewFromInt(1)
	}
	if in.MaxPositionPercent.IsZero() {
		in.MaxPositionPercent = decimal.NewFromInt(50)
	}
}

func (in Input) validate() error {
	if !in.Capital.IsPositive() {
		return fmt.Errorf("capital must be positive")
	}
	if !in.EntryPrice.IsPositive() {
		return fmt.Errorf("entry price must be positive")
	}
	if !in.StopPrice.IsPositive() {
		return fmt.Errorf("stop price must be positive")
	}
	if in.Side != domain.Buy && in.Side != domain.Sell {
		return fmt.Errorf("side must be BUY or SELL")
	}
	if !in.MaxRiskPercent.IsPositive() || in.MaxRiskPercent.GreaterThan(hundred) {
		return fmt.Errorf("risk percent must be between 0 and 100")
	}
	if !in.MaxPositionPercent.IsPositive() || in.MaxPositionPercent.GreaterThan(hundred) {
		return fmt.Errorf("position percent must be between 0 and 100")
	}
	if in.Side == domain.Buy && in.StopPrice.GreaterThanOrEqual(in.EntryPrice) {
		return fmt.Errorf("for BUY orders, stop must be below entry (stop: %s >= entry: %s)",
			in.StopPrice, in.EntryPrice)
	}
	if in.Side == domain.Sell && in.StopPrice.LessThanOrEqual(in.EntryPrice) {
		return fmt.Errorf("for SELL orders, stop must be above entry (stop: %s <= entry: %s)",
			in.StopPrice, in.EntryPrice)
	}
	return nil
}

// Calculate sizes a position so the loss at the stop equals the risk
// budget:
//
//	risk amount = capital × risk% / 100
//	quantity    = risk amount / |entry − stop|
//
// When the resulting position value exceeds the max-position cap the
// quantity is reduced to the cap and the realized risk recomputed.
func Calculate(in Input) (Result, error) {
	in.applyDefaults()
	if err := in.validate(); err != nil {
		return Result{}, err
	}

	riskAmount := in.Capital.Mul(in.MaxRiskPercent.Div(hundred)).Round(quoteScale)

	stopDistance := in.EntryPrice.Sub(in.StopPrice).Abs()
	stopDistancePct := stopDistance.Div(in.EntryPrice).Mul(hundred)

	quantity := riskAmount.Div(stopDistance).Round(quantityScale)
	positionValue := quantity.Mul(in.EntryPrice).Round(quoteScale)

	maxPositionValue := in.Capital.Mul(in.MaxPositionPercent.Div(hundred))
	capped := false
	if positionValue.GreaterThan(maxPositionValue) {
		capped = true
		quantity = maxPositionValue.Div(in.EntryPrice).Round(quantityScale)
		positionValue = quantity.Mul(in.EntryPrice).Round(quoteScale)
		riskAmount = quantity.Mul(stopDistance).Round(quoteScale)
	}

	riskPercent := riskAmount.Div(in.Capital).Mul(hundred).Round(quoteScale)

	return Result{
		Quantity:            quantity,
		PositionValue:       positionValue,
		RiskAmount:          riskAmount,
		RiskPercent:         riskPercent,
		StopDistance:        stopDistance,
		StopDistancePercent: stopDistancePct.Round(quoteScale),
		IsCapped:            capped,
	}, nil
}

// ValidateInputs checks the sizing parameters without computing a size.
func ValidateInputs(capital, entryPrice, stopPrice decimal.Decimal, side domain.OrderSide) (bool, string) {
	in := Input{Capital: capital, EntryPrice: entryPrice, StopPrice: stopPrice, Side: side}
	in.applyDefaults()
	if err := in.validate(); err != nil {
		return false, err.Error()
	}
	return true, ""
}
