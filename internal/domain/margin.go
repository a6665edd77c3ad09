package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarginLevel classifies margin-account health from the margin ratio.
type MarginLevel string

const (
	MarginSafe     MarginLevel = "SAFE"     // ratio >= 2.0
	MarginCaution  MarginLevel = "CAUTION"  // ratio >= 1.5
	MarginWarning  MarginLevel = "WARNING"  // ratio >= 1.3
	MarginCritical MarginLevel = "CRITICAL" // ratio >= 1.1
	MarginDanger   MarginLevel = "DANGER"   // below 1.1, liquidation imminent
)

var (
	marginSafeThreshold     = decimal.NewFromFloat(2.0)
	marginCautionThreshold  = decimal.NewFromFloat(1.5)
	marginWarningThreshold  = decimal.NewFromFloat(1.3)
	marginCriticalThreshold = decimal.NewFromFloat(1.1)
)

// ClassifyMarginRatio maps a margin ratio onto a health level. Boundaries
// are inclusive on the safer side: exactly 2.0 is SAFE, exactly 1.1 is
// CRITICAL, anything below 1.1 is DANGER.
func ClassifyMarginRatio(ratio decimal.Decimal) MarginLevel {
	switch {
	case ratio.GreaterThanOrEqual(marginSafeThreshold):
		return MarginSafe
	case ratio.GreaterThanOrEqual(marginCautionThreshold):
		return MarginCaution
	case ratio.GreaterThanOrEqual(marginWarningThreshold):
		return MarginWarning
	case ratio.GreaterThanOrEqual(marginCriticalThreshold):
		return MarginCritical
	default:
		return MarginDanger
	}
}

// AtOrWorseThan reports whether this level is at least as unhealthy as other.
func (l MarginLevel) AtOrWorseThan(other MarginLevel) bool {
	return l.rank() >= other.rank()
}

func (l MarginLevel) rank() int {
	switch l {
	case MarginSafe:
		return 0
	case MarginCaution:
		return 1
	case MarginWarning:
		return 2
	case MarginCritical:
		return 3
	default:
		return 4
	}
}

// MarginAccountSnapshot is a point-in-time view of an isolated-margin
// account for one symbol.
type MarginAccountSnapshot struct {
	Symbol           string
	BaseAsset        string
	BaseFree         decimal.Decimal
	BaseBorrowed     decimal.Decimal
	QuoteAsset       string
	QuoteFree        decimal.Decimal
	QuoteBorrowed    decimal.Decimal
	MarginRatio      decimal.Decimal
	LiquidationPrice decimal.Decimal
	ObservedAt       time.Time
}

// Health returns the classified level for this snapshot's ratio.
func (s MarginAccountSnapshot) Health() MarginLevel {
	return ClassifyMarginRatio(s.MarginRatio)
}
