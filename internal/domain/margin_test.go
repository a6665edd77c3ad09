package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestClassifyMarginRatio(t *testing.T) {
	tests := []struct {
		ratio string
		want  MarginLevel
	}{
		{"999", MarginSafe}, // No borrowings
		{"2.5", MarginSafe},
		{"2.0", MarginSafe}, // Boundary is inclusive on the safer side
		{"1.99999", MarginCaution},
		{"1.5", MarginCaution},
		{"1.49999", MarginWarning},
		{"1.3", MarginWarning},
		{"1.29999", MarginCritical},
		{"1.1", MarginCritical},
		{"1.09999", MarginDanger},
		{"1.0", MarginDanger},
		{"0.5", MarginDanger},
	}

	for _, tt := range tests {
		t.Run(tt.ratio, func(t *testing.T) {
			ratio, err := decimal.NewFromString(tt.ratio)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, ClassifyMarginRatio(ratio))
		})
	}
}

func TestMarginLevelAtOrWorseThan(t *testing.T) {
	assert.True(t, MarginDanger.AtOrWorseThan(MarginCritical))
	assert.True(t, MarginCritical.AtOrWorseThan(MarginCritical))
	assert.True(t, MarginWarning.AtOrWorseThan(MarginCaution))
	assert.False(t, MarginSafe.AtOrWorseThan(MarginCaution))
	assert.False(t, MarginCaution.AtOrWorseThan(MarginWarning))
}

func TestMarginAccountSnapshotHealth(t *testing.T) {
	snap := MarginAccountSnapshot{MarginRatio: decimal.NewFromFloat(1.2)}
	assert.Equal(t, MarginCritical, snap.Health())
}
