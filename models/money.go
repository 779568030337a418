package models

import (
	"fmt"
	"math"
	"strings"

	"festival-booking/internal/status"

	"github.com/shopspring/decimal"
)

// minorUnitExponents lists ISO 4217 currencies whose minor unit is not 2.
var minorUnitExponents = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
}

// Money is an amount in integer minor units of Currency.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func NewMoney(minor int64, currency string) Money {
	return Money{Amount: minor, Currency: strings.ToUpper(currency)}
}

// MinorUnitExponent returns how many decimal places the currency's minor unit has.
func MinorUnitExponent(currency string) int32 {
	if exp, ok := minorUnitExponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// MoneyFromMajor converts a major-unit decimal such as 12.50 into minor units.
// Amounts with precision below the minor unit are rejected, never rounded.
func MoneyFromMajor(major decimal.Decimal, currency string) (Money, error) {
	if currency == "" {
		return Money{}, status.New(status.KindInvalidArgument, "currency is required")
	}
	scaled := major.Shift(MinorUnitExponent(currency))
	if !scaled.Equal(scaled.Truncate(0)) {
		return Money{}, status.Newf(status.KindInvalidArgument, "amount %s has more precision than %s allows", major, currency)
	}
	if scaled.Abs().GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return Money{}, status.Newf(status.KindInvalidArgument, "amount %s out of range", major)
	}
	return NewMoney(scaled.IntPart(), currency), nil
}

// Major returns the amount as a major-unit decimal.
func (m Money) Major() decimal.Decimal {
	return decimal.New(m.Amount, -MinorUnitExponent(m.Currency))
}

func (m Money) IsZero() bool {
	return m.Amount == 0
}

func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, status.Newf(status.KindInvalidArgument, "currency mismatch: %s and %s", m.Currency, other.Currency)
	}
	a, b := m.Amount, other.Amount
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return Money{}, status.Newf(status.KindInvalidArgument, "%s plus %s is out of range", m, other)
	}
	return Money{Amount: a + b, Currency: m.Currency}, nil
}

// Mul multiplies by a quantity. Products that do not fit in int64 minor
// units are rejected.
func (m Money) Mul(q Quantity) (Money, error) {
	n := int64(q.Int())
	if n != 0 && (m.Amount > math.MaxInt64/n || m.Amount < math.MinInt64/n) {
		return Money{}, status.Newf(status.KindInvalidArgument, "%s x %d is out of range", m, n)
	}
	return Money{Amount: m.Amount * n, Currency: m.Currency}, nil
}

// Sum adds amounts of one currency. An empty list sums to zero in currency.
func Sum(currency string, amounts ...Money) (Money, error) {
	total := NewMoney(0, currency)
	for _, a := range amounts {
		var err error
		if total, err = total.Add(a); err != nil {
			return Money{}, err
		}
	}
	return total, nil
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Major().StringFixed(MinorUnitExponent(m.Currency)), m.Currency)
}
