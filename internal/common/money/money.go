package money

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	NGN Currency = "NGN"
	USD Currency = "USD"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code       Currency
	MinorUnits int32
	Symbol     string
}

var currencies = map[Currency]CurrencyInfo{
	NGN: {Code: NGN, MinorUnits: 2, Symbol: "₦"},
	USD: {Code: USD, MinorUnits: 2, Symbol: "$"},
}

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

func minorUnits(c Currency) int32 {
	if info, ok := currencies[c]; ok {
		return info.MinorUnits
	}
	return 2
}

// Money represents a monetary amount in minor units (kobo, cents)
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{AmountMinor: amountMinor, Currency: currency}
}

// FromDecimal creates Money from a major-unit decimal, rounding half away
// from zero to the currency's minor units.
func FromDecimal(amount decimal.Decimal, currency Currency) Money {
	units := minorUnits(currency)
	minor := amount.Round(units).Shift(units)
	return Money{AmountMinor: minor.IntPart(), Currency: currency}
}

// ParseMajor parses a major-unit string such as "1500.50"
func ParseMajor(s string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	return FromDecimal(d, currency), nil
}

// Zero returns a zero amount for a currency
func Zero(currency Currency) Money {
	return Money{Currency: currency}
}

// Decimal returns the amount in major units
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.AmountMinor, -minorUnits(m.Currency))
}

// StringFixed formats the major amount with exactly the currency's minor units
func (m Money) StringFixed() string {
	return m.Decimal().StringFixed(minorUnits(m.Currency))
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor, Currency: m.Currency}, nil
}

// Sub subtracts two money values (must be same currency)
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor - other.AmountMinor, Currency: m.Currency}, nil
}

// Equal checks equality
func (m Money) Equal(other Money) bool {
	return m.AmountMinor == other.AmountMinor && m.Currency == other.Currency
}

// LessThan checks if m < other; false on currency mismatch
func (m Money) LessThan(other Money) bool {
	return m.Currency == other.Currency && m.AmountMinor < other.AmountMinor
}

// String returns a human-readable representation
func (m Money) String() string {
	info, ok := currencies[m.Currency]
	if !ok {
		return fmt.Sprintf("%d %s (minor)", m.AmountMinor, m.Currency)
	}
	return info.Symbol + m.StringFixed()
}

// MarshalJSON implements json.Marshaler
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		AmountMinor int64  `json:"amount_minor"`
		Amount      string `json:"amount"`
		Currency    string `json:"currency"`
	}{
		AmountMinor: m.AmountMinor,
		Amount:      m.StringFixed(),
		Currency:    string(m.Currency),
	})
}

// UnmarshalJSON implements json.Unmarshaler. amount_minor wins over amount
// when both are present.
func (m *Money) UnmarshalJSON(data []byte) error {
	var v struct {
		AmountMinor *int64 `json:"amount_minor"`
		Amount      string `json:"amount"`
		Currency    string `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	m.Currency = Currency(v.Currency)
	switch {
	case v.AmountMinor != nil:
		m.AmountMinor = *v.AmountMinor
	case v.Amount != "":
		parsed, err := ParseMajor(v.Amount, m.Currency)
		if err != nil {
			return err
		}
		m.AmountMinor = parsed.AmountMinor
	default:
		m.AmountMinor = 0
	}
	return nil
}

// Sum adds up multiple money values
func Sum(amounts ...Money) (Money, error) {
	if len(amounts) == 0 {
		return Money{}, nil
	}
	result := amounts[0]
	for _, a := range amounts[1:] {
		var err error
		result, err = result.Add(a)
		if err != nil {
			return Money{}, err
		}
	}
	return result, nil
}
