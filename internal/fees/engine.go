package fees

import "github.com/shopspring/decimal"

// DefaultStampDutyThreshold is the inbound transfer amount from which stamp duty applies.
var DefaultStampDutyThreshold = decimal.NewFromInt(10000)

// Breakdown is the result of a fee calculation, in major units at two decimals.
type Breakdown struct {
	Amount        decimal.Decimal `json:"amount"`
	ProviderFee   decimal.Decimal `json:"provider_fee"`
	PlatformFee   decimal.Decimal `json:"platform_fee"`
	VAT           decimal.Decimal `json:"vat"`
	StampDuty     decimal.Decimal `json:"stamp_duty"`
	NetSettlement decimal.Decimal `json:"net_settlement"`
}

// Fee is provider fee plus platform fee, before VAT.
func (b Breakdown) Fee() decimal.Decimal {
	return b.ProviderFee.Add(b.PlatformFee)
}

// Total is every charge deducted from or added to the principal.
func (b Breakdown) Total() decimal.Decimal {
	return b.Fee().Add(b.VAT).Add(b.StampDuty)
}

// Engine is a pure fee calculator. Schedules and pricing must already be validated.
type Engine struct {
	stampDutyThreshold decimal.Decimal
}

// NewEngine creates an engine. A non-positive threshold uses DefaultStampDutyThreshold.
func NewEngine(stampDutyThreshold decimal.Decimal) *Engine {
	if !stampDutyThreshold.IsPositive() {
		stampDutyThreshold = DefaultStampDutyThreshold
	}
	return &Engine{stampDutyThreshold: stampDutyThreshold}
}

// Calculate computes the breakdown for amount under a provider schedule and
// the merchant's pricing.
func (e *Engine) Calculate(amount decimal.Decimal, s Schedule, pricing Pricing, dir Direction, kind Kind) Breakdown {
	amount = amount.Round(2)

	providerFee := side(amount, s.Type, s.ProviderValue, s.ProviderMarkup, s.ProviderCap)

	var platformFee decimal.Decimal
	if o, ok := pricing.Overrides[kind]; ok {
		platformFee = side(amount, o.Type, o.Value, o.Markup, o.Cap)
	} else {
		platformFee = side(amount, s.Type, s.Value, s.Markup, s.Cap)
	}

	vat := vatOn(providerFee.Add(platformFee), pricing.VAT)

	stampDuty := decimal.Zero
	if dir == Inflow && kind == KindTransfer && amount.GreaterThanOrEqual(e.stampDutyThreshold) {
		stampDuty = s.StampDuty.Round(2)
	}

	b := Breakdown{
		Amount:      amount,
		ProviderFee: providerFee,
		PlatformFee: platformFee,
		VAT:         vat,
		StampDuty:   stampDuty,
	}
	b.NetSettlement = amount.Sub(b.Total())
	return b
}

func side(amount decimal.Decimal, t Type, value, markup, cap decimal.Decimal) decimal.Decimal {
	var fee decimal.Decimal
	switch t {
	case TypePercentage:
		fee = amount.Mul(value).Div(hundred)
	case TypeFlat:
		fee = value
	}
	fee = fee.Add(markup)
	if cap.IsPositive() && fee.GreaterThan(cap) {
		fee = cap
	}
	return fee.Round(2)
}

func vatOn(fee decimal.Decimal, v VAT) decimal.Decimal {
	switch v.Type {
	case TypePercentage:
		return fee.Mul(v.Value).Div(hundred).Round(2)
	case TypeFlat:
		return v.Value.Round(2)
	default:
		return decimal.Zero
	}
}
