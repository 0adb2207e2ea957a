package domain

import (
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/common/money"
	"paycore/internal/fees"
)

// Wallet is a merchant's spendable balance of record.
type Wallet struct {
	ID              string         `json:"id"`
	MerchantID      string         `json:"merchant_id"`
	Currency        money.Currency `json:"currency"`
	Balance         int64          `json:"balance"`
	LifetimeInflow  int64          `json:"lifetime_inflow"`
	LifetimeOutflow int64          `json:"lifetime_outflow"`
	Pricing         fees.Pricing   `json:"pricing"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// NewWallet creates an empty wallet for a merchant
func NewWallet(merchantID string, currency money.Currency) (*Wallet, error) {
	if merchantID == "" {
		return nil, errors.New("merchant_id is required")
	}
	if currency == "" {
		currency = money.NGN
	}
	now := time.Now().UTC()
	return &Wallet{
		ID:         "wal_" + ulid.Make().String(),
		MerchantID: merchantID,
		Currency:   currency,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Available returns the balance as Money
func (w *Wallet) Available() money.Money {
	return money.New(w.Balance, w.Currency)
}

// SubAccount is a provider-issued virtual account backing a wallet on one rail.
type SubAccount struct {
	ID                 string     `json:"id"`
	MerchantID         string     `json:"merchant_id"`
	WalletID           string     `json:"wallet_id"`
	Provider           string     `json:"provider"`
	AccountNumber      string     `json:"account_number"`
	AccountName        string     `json:"account_name"`
	BankCode           string     `json:"bank_code"`
	BankName           string     `json:"bank_name,omitempty"`
	ProviderAccountRef string     `json:"provider_account_ref,omitempty"`
	Balance            int64      `json:"balance"`
	Enabled            bool       `json:"enabled"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// NewSubAccount creates an enabled sub-account record
func NewSubAccount(w *Wallet, provider, accountNumber, accountName, bankCode string) (*SubAccount, error) {
	if w == nil {
		return nil, errors.New("wallet is required")
	}
	if provider == "" {
		return nil, errors.New("provider is required")
	}
	if accountNumber == "" || bankCode == "" {
		return nil, errors.New("account_number and bank_code are required")
	}
	now := time.Now().UTC()
	return &SubAccount{
		ID:            "sub_" + ulid.Make().String(),
		MerchantID:    w.MerchantID,
		WalletID:      w.ID,
		Provider:      provider,
		AccountNumber: accountNumber,
		AccountName:   accountName,
		BankCode:      bankCode,
		Enabled:       true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Balances is the pair of balances touched by every ledger mutation.
type Balances struct {
	Wallet     int64 `json:"wallet"`
	SubAccount int64 `json:"sub_account"`
}
