// Package money implements the wallet's exact-integer currency value
// object. No floats are ever persisted or compared; every amount is an
// integer in the currency's smallest unit (cent, sat).
package money

import "fmt"

// Currency identifies the unit family an amount is denominated in.
type Currency string

const (
	CurrencyBTC Currency = "BTC"
	CurrencyUSD Currency = "USD"
)

// Unit is the smallest-denomination label persisted alongside the integer
// amount, e.g. "sat" for BTC accounts or "cent" for USD accounts.
type Unit string

const (
	UnitSat  Unit = "sat"
	UnitCent Unit = "cent"
)

// Money is an (amount, currency, unit) triple. The zero value has an empty
// currency and unit; it is not the same value as Sats(0).
type Money struct {
	Amount   int64
	Currency Currency
	Unit     Unit
}

func New(amount int64, currency Currency, unit Unit) Money {
	return Money{Amount: amount, Currency: currency, Unit: unit}
}

func Sats(amount int64) Money {
	return Money{Amount: amount, Currency: CurrencyBTC, Unit: UnitSat}
}

func Cents(amount int64) Money {
	return Money{Amount: amount, Currency: CurrencyUSD, Unit: UnitCent}
}

// sameDenomination reports whether two Money values can be combined without
// an explicit conversion.
func (m Money) sameDenomination(other Money) bool {
	return m.Currency == other.Currency && m.Unit == other.Unit
}

func (m Money) mustSameDenomination(other Money) {
	if !m.sameDenomination(other) {
		panic(fmt.Sprintf("money: mismatched denomination %s/%s vs %s/%s", m.Currency, m.Unit, other.Currency, other.Unit))
	}
}

func (m Money) Add(other Money) Money {
	m.mustSameDenomination(other)
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency, Unit: m.Unit}
}

func (m Money) Sub(other Money) Money {
	m.mustSameDenomination(other)
	return Money{Amount: m.Amount - other.Amount, Currency: m.Currency, Unit: m.Unit}
}

func (m Money) IsZero() bool { return m.Amount == 0 }

func (m Money) IsNegative() bool { return m.Amount < 0 }

func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.Amount, m.Unit)
}

// Sum adds a slice of same-denomination Money values, starting from a zero
// value in the first element's denomination. Sum of an empty slice is the
// Money zero value.
func Sum(values []Money) Money {
	if len(values) == 0 {
		return Money{}
	}
	total := Money{Currency: values[0].Currency, Unit: values[0].Unit}
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
