// Package provider defines the contract every payment rail implements and
// the records that decide which rail serves each capability.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"paycore/internal/common/money"
	"paycore/internal/fees"
)

// Name identifies a rail.
type Name string

const (
	Alphabank Name = "alphabank"
	Betapay   Name = "betapay"
	Gammacard Name = "gammacard"
)

// Names lists every rail paycore can talk to.
var Names = []Name{Alphabank, Betapay, Gammacard}

// ParseName validates a rail name from untrusted input.
func ParseName(s string) (Name, error) {
	for _, n := range Names {
		if string(n) == s {
			return n, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

// Capability is a class of operations a rail can serve.
type Capability string

const (
	CapabilityBanking     Capability = "banking"
	CapabilityCard        Capability = "card"
	CapabilityBills       Capability = "bills"
	CapabilityDirectDebit Capability = "direct-debit"
)

// Capabilities lists every capability in a stable order.
var Capabilities = []Capability{CapabilityBanking, CapabilityCard, CapabilityBills, CapabilityDirectDebit}

// ParseCapability validates a capability from untrusted input.
func ParseCapability(s string) (Capability, error) {
	for _, c := range Capabilities {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// Defaults is the rail used for a capability when no assignment exists.
var Defaults = map[Capability]Name{
	CapabilityBanking:     Alphabank,
	CapabilityBills:       Betapay,
	CapabilityCard:        Gammacard,
	CapabilityDirectDebit: Alphabank,
}

// Provider is the configuration record of a rail.
type Provider struct {
	Name        Name       `json:"name" yaml:"name"`
	DisplayName string     `json:"display_name" yaml:"display_name"`
	Banking     bool       `json:"banking" yaml:"banking"`
	Card        bool       `json:"card" yaml:"card"`
	Bills       bool       `json:"bills" yaml:"bills"`
	DirectDebit bool       `json:"direct_debit" yaml:"direct_debit"`
	Enabled     bool       `json:"enabled" yaml:"enabled"`
	Fees        fees.Table `json:"fees" yaml:"-"`
	CreatedAt   time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time  `json:"updated_at" yaml:"-"`
}

// Supports reports whether the rail offers a capability.
func (p *Provider) Supports(c Capability) bool {
	switch c {
	case CapabilityBanking:
		return p.Banking
	case CapabilityCard:
		return p.Card
	case CapabilityBills:
		return p.Bills
	case CapabilityDirectDebit:
		return p.DirectDebit
	}
	return false
}

// Assignment is the single row that makes one rail active for a capability.
// Version increments on every change and guards compare-and-swap updates.
type Assignment struct {
	Capability Capability `json:"capability"`
	Provider   Name       `json:"provider"`
	Version    int64      `json:"version"`
	UpdatedBy  string     `json:"updated_by,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Store persists rails and their assignments.
type Store interface {
	List(ctx context.Context) ([]*Provider, error)
	Get(ctx context.Context, name Name) (*Provider, error)
	Upsert(ctx context.Context, p *Provider) error
	UpdateSchedule(ctx context.Context, name Name, dir fees.Direction, kind fees.Kind, s fees.Schedule) error

	Assignment(ctx context.Context, c Capability) (*Assignment, error)
	Assignments(ctx context.Context) ([]*Assignment, error)
	// SwapAssignment sets the active rail only if the row is still at
	// expectedVersion. expectedVersion 0 inserts a missing row.
	SwapAssignment(ctx context.Context, c Capability, to Name, expectedVersion int64, updatedBy string) (*Assignment, error)
}

// Counterparty is a bank account on the other side of a movement.
type Counterparty struct {
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name,omitempty"`
	BankCode      string `json:"bank_code"`
	BankName      string `json:"bank_name,omitempty"`
}

// ResolveAccountRequest asks a rail for the name on a bank account.
type ResolveAccountRequest struct {
	AccountNumber string `json:"account_number" validate:"required,numeric,len=10"`
	BankCode      string `json:"bank_code" validate:"required"`
}

// VirtualAccountRequest asks a rail for a dedicated collection account.
type VirtualAccountRequest struct {
	MerchantID  string
	Reference   string
	AccountName string
	Email       string
}

// VirtualAccount is a provider-issued account number.
type VirtualAccount struct {
	AccountNumber      string `json:"account_number"`
	AccountName        string `json:"account_name"`
	BankCode           string `json:"bank_code"`
	BankName           string `json:"bank_name"`
	ProviderAccountRef string `json:"provider_account_ref"`
}

// PayoutRequest sends money to an external bank account.
type PayoutRequest struct {
	Reference     string
	Amount        money.Money
	SourceAccount string
	Recipient     Counterparty
	Narration     string
}

// FundRequest moves float into an account held with the rail.
type FundRequest struct {
	Reference     string
	Amount        money.Money
	AccountNumber string
	Narration     string
}

// AirtimeRequest buys airtime for a phone number.
type AirtimeRequest struct {
	Reference string
	Phone     string
	Network   string
	Amount    money.Money
}

// DataRequest buys a data bundle for a phone number.
type DataRequest struct {
	Reference string
	Phone     string
	Network   string
	PlanCode  string
	Amount    money.Money
}

// BillerRequest validates a customer with a biller.
type BillerRequest struct {
	BillerCode string `json:"biller_code" validate:"required"`
	ItemCode   string `json:"item_code"`
	CustomerID string `json:"customer_id" validate:"required"`
}

// BillerCustomer is the biller's view of a customer.
type BillerCustomer struct {
	CustomerID   string      `json:"customer_id"`
	CustomerName string      `json:"customer_name"`
	Address      string      `json:"address,omitempty"`
	MinAmount    money.Money `json:"min_amount"`
}

// BillRequest pays a bill.
type BillRequest struct {
	Reference  string
	BillerCode string
	ItemCode   string
	CustomerID string
	Amount     money.Money
}

// Outcome is the rail's verdict on an operation.
type Outcome string

const (
	OutcomeSuccessful Outcome = "successful"
	OutcomePending    Outcome = "pending"
	OutcomeFailed     Outcome = "failed"
	OutcomeReversed   Outcome = "reversed"
)

// Result is what a rail returns for a money movement or a status query.
type Result struct {
	Outcome           Outcome         `json:"outcome"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	Message           string          `json:"message,omitempty"`
	Token             string          `json:"token,omitempty"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}

// Adapter is the uniform contract of a rail. Operations a rail does not
// offer return an *Error with CodeUnsupported.
type Adapter interface {
	Name() Name
	ResolveAccount(ctx context.Context, req ResolveAccountRequest) (*Counterparty, error)
	CreateVirtualAccount(ctx context.Context, req VirtualAccountRequest) (*VirtualAccount, error)
	Payout(ctx context.Context, req PayoutRequest) (*Result, error)
	FundAccount(ctx context.Context, req FundRequest) (*Result, error)
	TopUpAirtime(ctx context.Context, req AirtimeRequest) (*Result, error)
	TopUpData(ctx context.Context, req DataRequest) (*Result, error)
	ValidateBiller(ctx context.Context, req BillerRequest) (*BillerCustomer, error)
	PayBill(ctx context.Context, req BillRequest) (*Result, error)
	GetBalance(ctx context.Context) (money.Money, error)
	TransactionStatus(ctx context.Context, reference string) (*Result, error)
	VerifyWebhookSignature(payload []byte, signature string) bool
	ParseWebhook(payload []byte) (*WebhookEvent, error)
}
