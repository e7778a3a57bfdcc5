package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRequiredFiat_RoundsUp(t *testing.T) {
	// 15000 units at 150.3 JPY/unit = 2,254,500 exactly.
	amount := decimal.NewFromInt(15000)
	rate := decimal.NewFromFloat(150.3)
	assert.Equal(t, int64(2_254_500), RequiredFiat(amount, rate))

	// 10.5 units at 150.0001 = 1575.00105 -> ceil to 1576.
	amount = decimal.NewFromFloat(10.5)
	rate = decimal.NewFromFloat(150.0001)
	assert.Equal(t, int64(1576), RequiredFiat(amount, rate))
}

func TestRequiredFiat_ExactProductNotInflated(t *testing.T) {
	amount := decimal.NewFromInt(100)
	rate := decimal.NewFromInt(150)
	assert.Equal(t, int64(15_000), RequiredFiat(amount, rate))
}

func TestMoney_String(t *testing.T) {
	m := NewMoney(2_500_000, "JPY")
	assert.Equal(t, "2500000 JPY", m.String())
}
