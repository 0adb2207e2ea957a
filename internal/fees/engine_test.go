package fees

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func transferSchedule() Schedule {
	return Schedule{
		Type:           TypePercentage,
		Value:          d("0"),
		Markup:         d("5"),
		Cap:            d("200"),
		ProviderValue:  d("1.5"),
		ProviderMarkup: d("10"),
		ProviderCap:    d("200"),
		StampDuty:      d("50"),
	}
}

func TestCalculatePercentageWithMarkupsAndCap(t *testing.T) {
	e := NewEngine(decimal.Zero)
	b := e.Calculate(d("10000"), transferSchedule(), Pricing{}, Inflow, KindTransfer)

	want := decimal.Min(d("10000").Mul(d("0.015")).Add(d("15")), d("200"))
	if !b.Fee().Equal(want) {
		t.Fatalf("fee = %s, want %s", b.Fee(), want)
	}
	if !b.StampDuty.Equal(d("50")) {
		t.Fatalf("stamp duty at threshold = %s, want 50", b.StampDuty)
	}
	if !b.NetSettlement.Equal(d("10000").Sub(want).Sub(d("50"))) {
		t.Fatalf("net settlement = %s", b.NetSettlement)
	}
}

func TestStampDutyBelowThreshold(t *testing.T) {
	e := NewEngine(decimal.Zero)
	b := e.Calculate(d("9999"), transferSchedule(), Pricing{}, Inflow, KindTransfer)
	if !b.StampDuty.IsZero() {
		t.Fatalf("stamp duty below threshold = %s, want 0", b.StampDuty)
	}
}

func TestStampDutyOnlyInboundTransfers(t *testing.T) {
	e := NewEngine(decimal.Zero)
	cases := []struct {
		name string
		dir  Direction
		kind Kind
	}{
		{"outflow transfer", Outflow, KindTransfer},
		{"inflow card", Inflow, KindCard},
		{"outflow bill", Outflow, KindBill},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := e.Calculate(d("50000"), transferSchedule(), Pricing{}, tc.dir, tc.kind)
			if !b.StampDuty.IsZero() {
				t.Fatalf("stamp duty = %s, want 0", b.StampDuty)
			}
		})
	}
}

func TestCapsClampEachSide(t *testing.T) {
	e := NewEngine(decimal.Zero)
	b := e.Calculate(d("20000"), transferSchedule(), Pricing{}, Outflow, KindTransfer)
	if !b.ProviderFee.Equal(d("200")) {
		t.Fatalf("provider fee = %s, want capped 200", b.ProviderFee)
	}
	if !b.PlatformFee.Equal(d("5")) {
		t.Fatalf("platform fee = %s, want 5", b.PlatformFee)
	}
}

func TestFlatFeeAndVATOnTotalFee(t *testing.T) {
	e := NewEngine(decimal.Zero)
	s := Schedule{
		Type:           TypeFlat,
		Value:          d("20"),
		Markup:         d("5"),
		ProviderValue:  d("10"),
		ProviderMarkup: d("0"),
	}
	pricing := Pricing{VAT: VAT{Type: TypePercentage, Value: d("7.5")}}
	b := e.Calculate(d("3000"), s, pricing, Outflow, KindTransfer)

	if !b.Fee().Equal(d("35")) {
		t.Fatalf("fee = %s, want 35", b.Fee())
	}
	// 7.5% of 35 = 2.625, rounded half away from zero.
	if !b.VAT.Equal(d("2.63")) {
		t.Fatalf("vat = %s, want 2.63", b.VAT)
	}
	if !b.NetSettlement.Equal(d("2962.37")) {
		t.Fatalf("net = %s", b.NetSettlement)
	}
}

func TestMerchantOverrideReplacesPlatformSide(t *testing.T) {
	e := NewEngine(decimal.Zero)
	pricing := Pricing{
		VAT:       VAT{Type: TypeFlat, Value: d("1")},
		Overrides: map[Kind]Override{KindTransfer: {Type: TypeFlat, Value: d("7"), Markup: d("0")}},
	}
	b := e.Calculate(d("1000"), transferSchedule(), pricing, Outflow, KindTransfer)
	if !b.PlatformFee.Equal(d("7")) {
		t.Fatalf("platform fee = %s, want override 7", b.PlatformFee)
	}
	if !b.VAT.Equal(d("1")) {
		t.Fatalf("flat vat = %s", b.VAT)
	}
}

func TestScheduleValidation(t *testing.T) {
	neg := d("-1")
	one := d("1")
	cases := []struct {
		name string
		in   ScheduleInput
	}{
		{"missing type", ScheduleInput{Value: &one, Markup: &one, ProviderValue: &one, ProviderMarkup: &one}},
		{"unknown type", ScheduleInput{Type: "tiered", Value: &one, Markup: &one, ProviderValue: &one, ProviderMarkup: &one}},
		{"undefined markup", ScheduleInput{Type: TypeFlat, Value: &one, ProviderValue: &one, ProviderMarkup: &one}},
		{"negative value", ScheduleInput{Type: TypeFlat, Value: &neg, Markup: &one, ProviderValue: &one, ProviderMarkup: &one}},
		{"negative cap", ScheduleInput{Type: TypeFlat, Value: &one, Markup: &one, ProviderValue: &one, ProviderMarkup: &one, Cap: &neg}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.in.Build(); !errors.Is(err, ErrInvalidSchedule) {
				t.Fatalf("Build() error = %v, want ErrInvalidSchedule", err)
			}
		})
	}

	s, err := ScheduleInput{Type: TypePercentage, Value: &one, Markup: &one, ProviderValue: &one, ProviderMarkup: &one}.Build()
	if err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
	if !s.Cap.IsZero() || !s.StampDuty.IsZero() {
		t.Fatalf("optional fields should default to zero: %+v", s)
	}
}

func TestTableLookup(t *testing.T) {
	tbl := Table{}
	tbl.Set(Outflow, KindAirtime, transferSchedule())
	if _, ok := tbl.Lookup(Outflow, KindAirtime); !ok {
		t.Fatal("expected schedule")
	}
	if _, ok := tbl.Lookup(Inflow, KindAirtime); ok {
		t.Fatal("unexpected schedule")
	}
	tbl.Set("sideways", KindData, transferSchedule())
	if err := tbl.Validate(); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("Validate() = %v", err)
	}
}
