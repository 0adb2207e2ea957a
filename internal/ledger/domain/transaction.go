package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/common/money"
)

// Type is the direction of a transaction against the wallet.
type Type string

const (
	TypeDebit  Type = "debit"
	TypeCredit Type = "credit"
)

// Feature names the business operation behind a transaction.
type Feature string

const (
	FeatureWalletTransfer     Feature = "wallet-transfer"
	FeatureWalletWithdraw     Feature = "wallet-withdraw"
	FeatureWalletAirtime      Feature = "wallet-airtime"
	FeatureWalletData         Feature = "wallet-data"
	FeatureWalletBill         Feature = "wallet-bill"
	FeatureBankAccountFunding Feature = "bank-account-funding"
	FeaturePaymentLinkInflow  Feature = "payment-link-inflow"
	FeatureChargebackPayout   Feature = "chargeback-payout"
	FeatureReversal           Feature = "reversal"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusCreated    Status = "created"
	StatusDebited    Status = "debited"
	StatusProcessing Status = "processing"
	StatusPending    Status = "pending"
	StatusSuccessful Status = "successful"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
)

var transitions = map[Status][]Status{
	StatusCreated:    {StatusDebited, StatusFailed},
	StatusDebited:    {StatusProcessing, StatusFailed, StatusRefunded},
	StatusProcessing: {StatusSuccessful, StatusPending, StatusFailed, StatusRefunded},
	StatusPending:    {StatusSuccessful, StatusCompleted, StatusFailed, StatusRefunded},
	StatusSuccessful: {StatusCompleted, StatusFailed, StatusRefunded},
	StatusCompleted:  {StatusRefunded},
}

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotReversible     = errors.New("transaction is not reversible")
)

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for successful, completed, failed and refunded.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccessful, StatusCompleted, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// IsSettledSuccess returns true when the money is considered delivered.
func (s Status) IsSettledSuccess() bool {
	return s == StatusSuccessful || s == StatusCompleted
}

// Charges is the fee breakdown of a transaction in minor units.
type Charges struct {
	ProviderFee int64 `json:"provider_fee"`
	PlatformFee int64 `json:"platform_fee"`
	VAT         int64 `json:"vat"`
	StampDuty   int64 `json:"stamp_duty"`
}

// Fee is what the merchant pays on top of an outbound principal.
func (c Charges) Fee() int64 {
	return c.ProviderFee + c.PlatformFee + c.VAT
}

// Total includes stamp duty, which only inbound transfers carry.
func (c Charges) Total() int64 {
	return c.Fee() + c.StampDuty
}

// CapTo trims the charges so they never exceed amount. The provider fee is
// kept first, then stamp duty and VAT; the platform fee absorbs the rest.
func (c Charges) CapTo(amount int64) Charges {
	left := max(amount, 0)
	take := func(v int64) int64 {
		v = min(v, left)
		left -= v
		return v
	}
	return Charges{
		ProviderFee: take(c.ProviderFee),
		StampDuty:   take(c.StampDuty),
		VAT:         take(c.VAT),
		PlatformFee: take(c.PlatformFee),
	}
}

// Counterparty is the other side of a movement. Only the fields relevant
// to the feature are set.
type Counterparty struct {
	AccountNumber string `json:"account_number,omitempty"`
	AccountName   string `json:"account_name,omitempty"`
	BankCode      string `json:"bank_code,omitempty"`
	BankName      string `json:"bank_name,omitempty"`
	Phone         string `json:"phone,omitempty"`
	Network       string `json:"network,omitempty"`
	BillerCode    string `json:"biller_code,omitempty"`
	CustomerID    string `json:"customer_id,omitempty"`
	MerchantID    string `json:"merchant_id,omitempty"`
	WalletID      string `json:"wallet_id,omitempty"`
}

// Transaction is the unit of the ledger.
type Transaction struct {
	Reference         string          `json:"reference"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	MerchantID        string          `json:"merchant_id"`
	WalletID          string          `json:"wallet_id"`
	SubAccountID      string          `json:"sub_account_id,omitempty"`
	Provider          string          `json:"provider,omitempty"`
	Type              Type            `json:"type"`
	Feature           Feature         `json:"feature"`
	Amount            money.Money     `json:"amount"`
	Charges           Charges         `json:"charges"`
	NetAmount         int64           `json:"net_amount"`
	Status            Status          `json:"status"`
	BalanceBefore     int64           `json:"balance_before"`
	BalanceAfter      int64           `json:"balance_after"`
	Counterparty      Counterparty    `json:"counterparty"`
	Narration         string          `json:"narration,omitempty"`
	ProviderPayload   json.RawMessage `json:"provider_payload,omitempty"`
	WebhookApplied    bool            `json:"webhook_applied"`
	WebhookEvent      string          `json:"webhook_event,omitempty"`
	ReversalOf        string          `json:"reversal_of,omitempty"`
	// SettlementOf links a further instalment to the expected credit it pays into.
	SettlementOf   string     `json:"settlement_of,omitempty"`
	ReversedAt     *time.Time `json:"reversed_at,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewReference returns a globally unique, time-ordered transaction reference.
func NewReference() string {
	return "PC" + ulid.Make().String()
}

// NewTransaction creates a transaction in the created state.
func NewTransaction(w *Wallet, typ Type, feature Feature, amount money.Money) (*Transaction, error) {
	if w == nil {
		return nil, errors.New("wallet is required")
	}
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}
	if amount.Currency != w.Currency {
		return nil, fmt.Errorf("currency mismatch: wallet %s, amount %s", w.Currency, amount.Currency)
	}
	now := time.Now().UTC()
	return &Transaction{
		Reference:  NewReference(),
		MerchantID: w.MerchantID,
		WalletID:   w.ID,
		Type:       typ,
		Feature:    feature,
		Amount:     amount,
		Status:     StatusCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// DebitTotal is the amount removed from the wallet for an outbound movement.
func (t *Transaction) DebitTotal() int64 {
	return t.Amount.AmountMinor + t.Charges.Fee()
}

// TransitionTo moves the transaction along the state machine.
func (t *Transaction) TransitionTo(next Status) error {
	if !t.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// IsReversed reports whether a reversal has already been applied.
func (t *Transaction) IsReversed() bool {
	return t.ReversedAt != nil
}

// ReversalAmount is what a reversal re-credits.
func (t *Transaction) ReversalAmount(addFee bool) int64 {
	if addFee {
		return t.DebitTotal()
	}
	return t.Amount.AmountMinor
}
