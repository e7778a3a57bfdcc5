package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money represents a fiat value in a specific currency.
// Amount is stored as integer minor units (e.g. whole yen for JPY)
// to avoid floating point errors. Crypto-asset amounts are carried as
// decimal.Decimal throughout and never touch this type.
type Money struct {
	Amount   int64
	Currency string // ISO 4217
}

// NewMoney creates a new Money instance from minor units.
func NewMoney(amount int64, currency string) Money {
	return Money{
		Amount:   amount,
		Currency: currency,
	}
}

// RequiredFiat computes the fiat amount needed to cover an asset release
// at the quoted rate, rounded up so the debit never undershoots the
// converted value: ceil(assetAmount * rate).
func RequiredFiat(assetAmount, rate decimal.Decimal) int64 {
	return assetAmount.Mul(rate).Ceil().IntPart()
}

// String returns the string representation of the money.
func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.Amount, m.Currency)
}
