// Package fees computes provider cost, platform revenue, VAT and stamp duty
// for every money movement.
package fees

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Type is how a fee value is applied to the principal.
type Type string

const (
	TypePercentage Type = "percentage"
	TypeFlat       Type = "flat"
)

// Direction of the money movement relative to the merchant wallet.
type Direction string

const (
	Inflow  Direction = "inflow"
	Outflow Direction = "outflow"
)

// Kind selects which schedule of a provider applies.
type Kind string

const (
	KindTransfer Kind = "transfer"
	KindAirtime  Kind = "airtime"
	KindData     Kind = "data"
	KindBill     Kind = "bill"
	KindCard     Kind = "card"
)

// ErrInvalidSchedule is returned for negative, missing or unknown fee configuration.
var ErrInvalidSchedule = errors.New("invalid fee schedule")

var hundred = decimal.NewFromInt(100)

// Schedule is one provider fee schedule. Platform and provider sides are
// configured independently; a zero cap means uncapped.
type Schedule struct {
	Type           Type            `json:"type" yaml:"type"`
	Value          decimal.Decimal `json:"value" yaml:"value"`
	Markup         decimal.Decimal `json:"markup" yaml:"markup"`
	Cap            decimal.Decimal `json:"cap" yaml:"cap"`
	ProviderValue  decimal.Decimal `json:"provider_value" yaml:"provider_value"`
	ProviderMarkup decimal.Decimal `json:"provider_markup" yaml:"provider_markup"`
	ProviderCap    decimal.Decimal `json:"provider_cap" yaml:"provider_cap"`
	StampDuty      decimal.Decimal `json:"stamp_duty" yaml:"stamp_duty"`
}

// Validate rejects schedules that would produce a negative or meaningless fee.
func (s Schedule) Validate() error {
	if err := validType(s.Type); err != nil {
		return err
	}
	fields := []struct {
		name string
		v    decimal.Decimal
	}{
		{"value", s.Value},
		{"markup", s.Markup},
		{"cap", s.Cap},
		{"provider_value", s.ProviderValue},
		{"provider_markup", s.ProviderMarkup},
		{"provider_cap", s.ProviderCap},
		{"stamp_duty", s.StampDuty},
	}
	for _, f := range fields {
		if f.v.IsNegative() {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidSchedule, f.name)
		}
	}
	if s.Type == TypePercentage {
		if s.Value.GreaterThan(hundred) || s.ProviderValue.GreaterThan(hundred) {
			return fmt.Errorf("%w: percentage above 100", ErrInvalidSchedule)
		}
	}
	return nil
}

// ScheduleInput is the administrative form of a Schedule where every
// required number must be present.
type ScheduleInput struct {
	Type           Type             `json:"type" yaml:"type" validate:"required,oneof=percentage flat"`
	Value          *decimal.Decimal `json:"value" yaml:"value"`
	Markup         *decimal.Decimal `json:"markup" yaml:"markup"`
	Cap            *decimal.Decimal `json:"cap,omitempty" yaml:"cap"`
	ProviderValue  *decimal.Decimal `json:"provider_value" yaml:"provider_value"`
	ProviderMarkup *decimal.Decimal `json:"provider_markup" yaml:"provider_markup"`
	ProviderCap    *decimal.Decimal `json:"provider_cap,omitempty" yaml:"provider_cap"`
	StampDuty      *decimal.Decimal `json:"stamp_duty,omitempty" yaml:"stamp_duty"`
}

// Build converts the input into a validated Schedule. Values and markups
// are required; caps and stamp duty default to zero.
func (in ScheduleInput) Build() (Schedule, error) {
	required := []struct {
		name string
		v    *decimal.Decimal
	}{
		{"value", in.Value},
		{"markup", in.Markup},
		{"provider_value", in.ProviderValue},
		{"provider_markup", in.ProviderMarkup},
	}
	for _, r := range required {
		if r.v == nil {
			return Schedule{}, fmt.Errorf("%w: %s is required", ErrInvalidSchedule, r.name)
		}
	}

	s := Schedule{
		Type:           in.Type,
		Value:          *in.Value,
		Markup:         *in.Markup,
		ProviderValue:  *in.ProviderValue,
		ProviderMarkup: *in.ProviderMarkup,
		Cap:            orZero(in.Cap),
		ProviderCap:    orZero(in.ProviderCap),
		StampDuty:      orZero(in.StampDuty),
	}
	if err := s.Validate(); err != nil {
		return Schedule{}, err
	}
	return s, nil
}

// Table holds a provider's schedules by direction and kind.
type Table map[Direction]map[Kind]Schedule

// Lookup returns the schedule for a direction and kind.
func (t Table) Lookup(dir Direction, kind Kind) (Schedule, bool) {
	byKind, ok := t[dir]
	if !ok {
		return Schedule{}, false
	}
	s, ok := byKind[kind]
	return s, ok
}

// Set replaces one schedule, allocating as needed.
func (t Table) Set(dir Direction, kind Kind, s Schedule) {
	if t[dir] == nil {
		t[dir] = make(map[Kind]Schedule)
	}
	t[dir][kind] = s
}

// Validate checks every schedule in the table.
func (t Table) Validate() error {
	for dir, byKind := range t {
		if dir != Inflow && dir != Outflow {
			return fmt.Errorf("%w: unknown direction %q", ErrInvalidSchedule, dir)
		}
		for kind, s := range byKind {
			if err := s.Validate(); err != nil {
				return fmt.Errorf("%s/%s: %w", dir, kind, err)
			}
		}
	}
	return nil
}

// VAT is the merchant's VAT setting, applied to the total fee.
type VAT struct {
	Type  Type            `json:"type"`
	Value decimal.Decimal `json:"value"`
}

// Override replaces the platform side of a provider schedule for one merchant.
type Override struct {
	Type   Type            `json:"type"`
	Value  decimal.Decimal `json:"value"`
	Markup decimal.Decimal `json:"markup"`
	Cap    decimal.Decimal `json:"cap"`
}

// Pricing is the per-merchant fee configuration.
type Pricing struct {
	VAT       VAT               `json:"vat"`
	Overrides map[Kind]Override `json:"overrides,omitempty"`
}

// Validate rejects negative VAT or override values.
func (p Pricing) Validate() error {
	if p.VAT.Type != "" {
		if err := validType(p.VAT.Type); err != nil {
			return err
		}
		if p.VAT.Value.IsNegative() {
			return fmt.Errorf("%w: vat must not be negative", ErrInvalidSchedule)
		}
	}
	for kind, o := range p.Overrides {
		if err := validType(o.Type); err != nil {
			return fmt.Errorf("override %s: %w", kind, err)
		}
		if o.Value.IsNegative() || o.Markup.IsNegative() || o.Cap.IsNegative() {
			return fmt.Errorf("%w: override %s has negative values", ErrInvalidSchedule, kind)
		}
	}
	return nil
}

func validType(t Type) error {
	switch t {
	case TypePercentage, TypeFlat:
		return nil
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidSchedule)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSchedule, t)
	}
}

func orZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
