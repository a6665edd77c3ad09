package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"stopguard/internal/domain"
)

const (
	minLeverage = 1
	maxLeverage = 10
)

// MarginResult extends Result with leverage and margin requirements.
type MarginResult struct {
	Quantity            decimal.Decimal
	PositionValue       decimal.Decimal
	MarginRequired      decimal.Decimal
	RiskAmount          decimal.Decimal
	RiskPercent         decimal.Decimal
	StopDistance        decimal.Decimal
	StopDistancePercent decimal.Decimal
	Leverage            int
	IsCapped            bool
	CapReason           string
}

// MarginInput carries the parameters for a leveraged sizing calculation.
// Defaults when zero: leverage 3, risk 1%, margin cap 50%. AvailableMargin
// nil means no account-level cap.
type MarginInput struct {
	Capital          decimal.Decimal
	EntryPrice       decimal.Decimal
	StopPrice        decimal.Decimal
	Side             domain.PositionSide
	Leverage         int
	MaxRiskPercent   decimal.Decimal
	MaxMarginPercent decimal.Decimal
	AvailableMargin  *decimal.Decimal
}

// CalculateMargin sizes a leveraged position. The risk formula is the same
// as the spot calculator; the cap applies to margin required
// (position value / leverage) rather than position value, first against the
// max-margin percent and then against the account's available margin.
func CalculateMargin(in MarginInput) (MarginResult, error) {
	if in.Leverage == 0 {
		in.Leverage = 3
	}
	if in.MaxRiskPercent.IsZero() {
		in.MaxRiskPercent = decimal.NewFromInt(1)
	}
	if in.MaxMarginPercent.IsZero() {
		in.MaxMarginPercent = decimal.NewFromInt(50)
	}

	if !in.Capital.IsPositive() {
		return MarginResult{}, fmt.Errorf("capital must be positive")
	}
	if !in.EntryPrice.IsPositive() {
		return MarginResult{}, fmt.Errorf("entry price must be positive")
	}
	if !in.StopPrice.IsPositive() {
		return MarginResult{}, fmt.Errorf("stop price must be positive")
	}
	if in.Side != domain.Long && in.Side != domain.Short {
		return MarginResult{}, fmt.Errorf("side must be LONG or SHORT")
	}
	if in.Leverage < minLeverage || in.Leverage > maxLeverage {
		return MarginResult{}, fmt.Errorf("leverage must be between %d and %d", minLeverage, maxLeverage)
	}
	if !in.MaxRiskPercent.IsPositive() || in.MaxRiskPercent.GreaterThan(hundred) {
		return MarginResult{}, fmt.Errorf("risk percent must be between 0 and 100")
	}
	if in.Side == domain.Long && in.StopPrice.GreaterThanOrEqual(in.EntryPrice) {
		return MarginResult{}, fmt.Errorf("LONG stop must be below entry price")
	}
	if in.Side == domain.Short && in.StopPrice.LessThanOrEqual(in.EntryPrice) {
		return MarginResult{}, fmt.Errorf("SHORT stop must be above entry price")
	}

	lev := decimal.NewFromInt(int64(in.Leverage))

	riskAmount := in.Capital.Mul(in.MaxRiskPercent.Div(hundred)).Round(quoteScale)
	stopDistance := in.EntryPrice.Sub(in.StopPrice).Abs()
	stopDistancePct := stopDistance.Div(in.EntryPrice).Mul(hundred)

	quantity := riskAmount.Div(stopDistance).Round(quantityScale)
	positionValue := quantity.Mul(in.EntryPrice)
	marginRequired := positionValue.Div(lev)

	maxMargin := in.Capital.Mul(in.MaxMarginPercent.Div(hundred))
	capped := false
	capReason := ""

	if marginRequired.GreaterThan(maxMargin) {
		capped = true
		capReason = fmt.Sprintf("capped by %s%% margin limit", in.MaxMarginPercent)
		marginRequired = maxMargin
		positionValue = marginRequired.Mul(lev)
		quantity = positionValue.Div(in.EntryPrice).Round(quantityScale)
		riskAmount = quantity.Mul(stopDistance)
	}

	if in.AvailableMargin != nil && marginRequired.GreaterThan(*in.AvailableMargin) {
		capped = true
		capReason = fmt.Sprintf("capped by available margin (%s)", in.AvailableMargin)
		marginRequired = *in.AvailableMargin
		positionValue = marginRequired.Mul(lev)
		quantity = positionValue.Div(in.EntryPrice).Round(quantityScale)
		riskAmount = quantity.Mul(stopDistance)
	}

	riskPercent := riskAmount.Div(in.Capital).Mul(hundred)

	return MarginResult{
		Quantity:            quantity,
		PositionValue:       positionValue.Round(quoteScale),
		MarginRequired:      marginRequired.Round(quoteScale),
		RiskAmount:          riskAmount.Round(quoteScale),
		RiskPercent:         riskPercent.Round(quoteScale),
		StopDistance:        stopDistance,
		StopDistancePercent: stopDistancePct.Round(quoteScale),
		Leverage:            in.Leverage,
		IsCapped:            capped,
		CapReason:           capReason,
	}, nil
}
