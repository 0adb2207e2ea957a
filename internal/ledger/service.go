// Package ledger owns wallet and bank sub-account balances and the
// transaction lifecycle. It never talks to payment providers.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"paycore/internal/common/database"
	"paycore/internal/common/money"
	"paycore/internal/fees"
	"paycore/internal/ledger/domain"
)

var (
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
	ErrAlreadyReversed     = errors.New("transaction already reversed")
	ErrAlreadyApplied      = errors.New("credit already applied")
	ErrSubAccountDisabled  = errors.New("bank sub-account disabled")
	ErrChargesExceedAmount = errors.New("charges exceed credited amount")
)

// Store persists ledger state. RunInTx must give fn exclusive access to every
// row it locks until fn returns.
type Store interface {
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	CreateWallet(ctx context.Context, w *domain.Wallet) error
	GetWallet(ctx context.Context, id string) (*domain.Wallet, error)
	GetWalletByMerchant(ctx context.Context, merchantID string) (*domain.Wallet, error)
	UpdateWalletPricing(ctx context.Context, walletID string, pricing fees.Pricing) error

	CreateSubAccount(ctx context.Context, s *domain.SubAccount) error
	GetSubAccount(ctx context.Context, merchantID, provider string) (*domain.SubAccount, error)
	GetSubAccountByNumber(ctx context.Context, accountNumber string) (*domain.SubAccount, error)
	DeleteSubAccount(ctx context.Context, merchantID, provider string) error

	GetTransaction(ctx context.Context, reference string) (*domain.Transaction, error)
	GetTransactionByProviderRef(ctx context.Context, provider, providerRef string) (*domain.Transaction, error)
	ListStalePending(ctx context.Context, updatedBefore time.Time, limit int) ([]*domain.Transaction, error)
}

// Tx is the locked view of the ledger inside RunInTx.
type Tx interface {
	LockWallet(ctx context.Context, id string) (*domain.Wallet, error)
	UpdateWallet(ctx context.Context, w *domain.Wallet) error
	LockSubAccount(ctx context.Context, id string) (*domain.SubAccount, error)
	UpdateSubAccountBalance(ctx context.Context, id string, balance int64) error
	LockTransaction(ctx context.Context, reference string) (*domain.Transaction, error)
	InsertTransaction(ctx context.Context, t *domain.Transaction) error
	UpdateTransaction(ctx context.Context, t *domain.Transaction) error
}

// Service provides ledger operations
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a new ledger service
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// CreateWallet opens the wallet for a newly onboarded merchant.
func (s *Service) CreateWallet(ctx context.Context, merchantID string, currency money.Currency, pricing fees.Pricing) (*domain.Wallet, error) {
	if err := pricing.Validate(); err != nil {
		return nil, err
	}
	w, err := domain.NewWallet(merchantID, currency)
	if err != nil {
		return nil, fmt.Errorf("creating wallet: %w", err)
	}
	w.Pricing = pricing
	if err := s.store.CreateWallet(ctx, w); err != nil {
		return nil, err
	}
	s.logger.Info("wallet created", "wallet_id", w.ID, "merchant_id", merchantID)
	return w, nil
}

// SetPricing replaces a merchant's VAT and fee overrides.
func (s *Service) SetPricing(ctx context.Context, merchantID string, pricing fees.Pricing) error {
	if err := pricing.Validate(); err != nil {
		return err
	}
	w, err := s.store.GetWalletByMerchant(ctx, merchantID)
	if err != nil {
		return err
	}
	return s.store.UpdateWalletPricing(ctx, w.ID, pricing)
}

// DebitParams describes a pessimistic debit.
type DebitParams struct {
	Txn          *domain.Transaction
	SubAccountID string
	// AllowOverdraft is only used for provider-initiated debits such as
	// chargebacks, where the money has already left.
	AllowOverdraft bool
}

// Debit subtracts amount+fee from the wallet and its sub-account and records
// the transaction as debited, all under row locks.
func (s *Service) Debit(ctx context.Context, p DebitParams) (*domain.Transaction, domain.Balances, error) {
	txn := p.Txn
	if txn.Type != domain.TypeDebit {
		return nil, domain.Balances{}, fmt.Errorf("debit of %s transaction", txn.Type)
	}

	var bal domain.Balances
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		w, err := tx.LockWallet(ctx, txn.WalletID)
		if err != nil {
			return fmt.Errorf("locking wallet: %w", err)
		}

		total := txn.DebitTotal()
		if !p.AllowOverdraft && w.Balance < total {
			return fmt.Errorf("%w: balance %d, required %d", ErrInsufficientBalance, w.Balance, total)
		}

		if p.SubAccountID != "" {
			sub, err := tx.LockSubAccount(ctx, p.SubAccountID)
			if err != nil {
				return fmt.Errorf("locking sub-account: %w", err)
			}
			if !sub.Enabled {
				return ErrSubAccountDisabled
			}
			bal.SubAccount = sub.Balance - total
			if err := tx.UpdateSubAccountBalance(ctx, sub.ID, bal.SubAccount); err != nil {
				return err
			}
			txn.SubAccountID = sub.ID
		}

		txn.BalanceBefore = w.Balance
		w.Balance -= total
		w.LifetimeOutflow += total
		w.UpdatedAt = time.Now().UTC()
		txn.BalanceAfter = w.Balance
		bal.Wallet = w.Balance

		if txn.Status == "" {
			txn.Status = domain.StatusCreated
		}
		if err := txn.TransitionTo(domain.StatusDebited); err != nil {
			return err
		}
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, txn)
	})
	if err != nil {
		return nil, domain.Balances{}, err
	}

	s.logger.Info("wallet debited",
		"reference", txn.Reference,
		"wallet_id", txn.WalletID,
		"feature", txn.Feature,
		"amount", txn.Amount.AmountMinor,
		"fee", txn.Charges.Fee(),
		"balance_after", bal.Wallet,
	)
	return txn, bal, nil
}

// ExpectCredit records an inbound payment the merchant is waiting for, such
// as an invoice paid by bank transfer. It is stored as pending and moves no
// money until Credit settles it with the confirmed amount.
func (s *Service) ExpectCredit(ctx context.Context, t *domain.Transaction) (*domain.Transaction, error) {
	if t.Type != domain.TypeCredit {
		return nil, fmt.Errorf("expected credit of %s transaction", t.Type)
	}
	if t.Status != domain.StatusCreated {
		return nil, fmt.Errorf("%w: expected credit from %s", domain.ErrInvalidTransition, t.Status)
	}
	t.Status = domain.StatusPending
	t.UpdatedAt = time.Now().UTC()
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		return tx.InsertTransaction(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("credit expected",
		"reference", t.Reference,
		"wallet_id", t.WalletID,
		"feature", t.Feature,
		"amount", t.Amount.AmountMinor,
	)
	return t, nil
}

// CreditParams describes a confirmed inbound credit.
type CreditParams struct {
	Txn          *domain.Transaction
	SubAccountID string
}

// Credit adds the transaction's net amount, its amount less charges, to the
// wallet and sub-account. An existing pending transaction with the same
// reference is settled in place with the confirmed amount and charges; a
// settled one yields ErrAlreadyApplied. Charges above the amount are
// rejected with ErrChargesExceedAmount.
func (s *Service) Credit(ctx context.Context, p CreditParams) (*domain.Transaction, domain.Balances, error) {
	in := p.Txn
	if in.Type != domain.TypeCredit {
		return nil, domain.Balances{}, fmt.Errorf("credit of %s transaction", in.Type)
	}
	in.NetAmount = in.Amount.AmountMinor - in.Charges.Total()
	if in.NetAmount < 0 {
		return nil, domain.Balances{}, fmt.Errorf("%w: amount %d, charges %d", ErrChargesExceedAmount, in.Amount.AmountMinor, in.Charges.Total())
	}

	var (
		bal    domain.Balances
		stored *domain.Transaction
	)
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		existing, err := tx.LockTransaction(ctx, in.Reference)
		switch {
		case err == nil:
			if existing.Status != domain.StatusPending {
				return fmt.Errorf("%w: %s is %s", ErrAlreadyApplied, existing.Reference, existing.Status)
			}
			existing.Amount = in.Amount
			existing.Charges = in.Charges
			existing.NetAmount = in.NetAmount
			existing.ProviderReference = in.ProviderReference
			existing.ProviderPayload = in.ProviderPayload
			existing.WebhookApplied = in.WebhookApplied
			existing.WebhookEvent = in.WebhookEvent
			if err := existing.TransitionTo(domain.StatusSuccessful); err != nil {
				return err
			}
			stored = existing
		case isNotFound(err):
			in.Status = domain.StatusSuccessful
			stored = in
			existing = nil
		default:
			return fmt.Errorf("locking transaction: %w", err)
		}

		w, err := tx.LockWallet(ctx, stored.WalletID)
		if err != nil {
			return fmt.Errorf("locking wallet: %w", err)
		}

		subID := p.SubAccountID
		if subID == "" {
			subID = stored.SubAccountID
		}
		if subID != "" {
			sub, err := tx.LockSubAccount(ctx, subID)
			if err != nil {
				return fmt.Errorf("locking sub-account: %w", err)
			}
			bal.SubAccount = sub.Balance + stored.NetAmount
			if err := tx.UpdateSubAccountBalance(ctx, sub.ID, bal.SubAccount); err != nil {
				return err
			}
			stored.SubAccountID = sub.ID
		}

		stored.BalanceBefore = w.Balance
		w.Balance += stored.NetAmount
		w.LifetimeInflow += stored.NetAmount
		w.UpdatedAt = time.Now().UTC()
		stored.BalanceAfter = w.Balance
		bal.Wallet = w.Balance

		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		if existing != nil {
			return tx.UpdateTransaction(ctx, stored)
		}
		return tx.InsertTransaction(ctx, stored)
	})
	if err != nil {
		return nil, domain.Balances{}, err
	}

	s.logger.Info("wallet credited",
		"reference", stored.Reference,
		"wallet_id", stored.WalletID,
		"feature", stored.Feature,
		"amount", stored.Amount.AmountMinor,
		"net", stored.NetAmount,
		"balance_after", bal.Wallet,
	)
	return stored, bal, nil
}

// ReverseParams describes a compensating credit for a debit.
type ReverseParams struct {
	Reference string
	AddFee    bool
	Reason    string
	// Status is the state the original moves to: failed or refunded.
	Status domain.Status
}

// Reverse re-credits a debited transaction and links a reversal record to it.
// It is idempotent: a second call returns ErrAlreadyReversed and changes nothing.
func (s *Service) Reverse(ctx context.Context, p ReverseParams) (reversal, original *domain.Transaction, err error) {
	if p.Status != domain.StatusFailed && p.Status != domain.StatusRefunded {
		return nil, nil, fmt.Errorf("reversal to %s: %w", p.Status, domain.ErrInvalidTransition)
	}

	err = s.store.RunInTx(ctx, func(tx Tx) error {
		orig, err := tx.LockTransaction(ctx, p.Reference)
		if err != nil {
			return fmt.Errorf("locking transaction: %w", err)
		}
		if orig.Type != domain.TypeDebit {
			return domain.ErrNotReversible
		}
		if orig.IsReversed() {
			return ErrAlreadyReversed
		}
		if err := orig.TransitionTo(p.Status); err != nil {
			return err
		}

		amount := orig.ReversalAmount(p.AddFee)

		w, err := tx.LockWallet(ctx, orig.WalletID)
		if err != nil {
			return fmt.Errorf("locking wallet: %w", err)
		}
		if orig.SubAccountID != "" {
			sub, err := tx.LockSubAccount(ctx, orig.SubAccountID)
			if err != nil {
				return fmt.Errorf("locking sub-account: %w", err)
			}
			if err := tx.UpdateSubAccountBalance(ctx, sub.ID, sub.Balance+amount); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		rev := &domain.Transaction{
			Reference:         domain.NewReference(),
			ProviderReference: "",
			MerchantID:        orig.MerchantID,
			WalletID:          orig.WalletID,
			SubAccountID:      orig.SubAccountID,
			Provider:          orig.Provider,
			Type:              domain.TypeCredit,
			Feature:           domain.FeatureReversal,
			Amount:            money.New(amount, orig.Amount.Currency),
			NetAmount:         amount,
			Status:            domain.StatusSuccessful,
			BalanceBefore:     w.Balance,
			Counterparty:      orig.Counterparty,
			Narration:         "Reversal of " + orig.Reference,
			ReversalOf:        orig.Reference,
			FailureReason:     p.Reason,
			CreatedAt:         now,
			UpdatedAt:         now,
		}

		w.Balance += amount
		w.LifetimeOutflow -= amount
		if w.LifetimeOutflow < 0 {
			w.LifetimeOutflow = 0
		}
		w.UpdatedAt = now
		rev.BalanceAfter = w.Balance

		orig.ReversedAt = &now
		orig.FailureReason = p.Reason

		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		if err := tx.UpdateTransaction(ctx, orig); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, rev); err != nil {
			return err
		}
		reversal, original = rev, orig
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("transaction reversed",
		"reference", original.Reference,
		"reversal_reference", reversal.Reference,
		"amount", reversal.Amount.AmountMinor,
		"status", original.Status,
		"reason", p.Reason,
	)
	return reversal, original, nil
}

// TransferParams is a wallet-to-wallet move inside the platform.
type TransferParams struct {
	Debit  *domain.Transaction
	Credit *domain.Transaction
}

// Transfer debits one wallet and credits another atomically. Wallets are
// locked in ascending ID order so opposing transfers cannot deadlock.
func (s *Service) Transfer(ctx context.Context, p TransferParams) (domain.Balances, error) {
	if p.Debit.WalletID == p.Credit.WalletID {
		return domain.Balances{}, errors.New("cannot transfer to the same wallet")
	}

	var senderBalance int64
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		ids := []string{p.Debit.WalletID, p.Credit.WalletID}
		sort.Strings(ids)
		locked := make(map[string]*domain.Wallet, 2)
		for _, id := range ids {
			w, err := tx.LockWallet(ctx, id)
			if err != nil {
				return fmt.Errorf("locking wallet %s: %w", id, err)
			}
			locked[id] = w
		}

		from, to := locked[p.Debit.WalletID], locked[p.Credit.WalletID]
		total := p.Debit.DebitTotal()
		if from.Balance < total {
			return fmt.Errorf("%w: balance %d, required %d", ErrInsufficientBalance, from.Balance, total)
		}

		now := time.Now().UTC()
		p.Debit.BalanceBefore = from.Balance
		from.Balance -= total
		from.LifetimeOutflow += total
		from.UpdatedAt = now
		p.Debit.BalanceAfter = from.Balance
		p.Debit.Status = domain.StatusSuccessful

		p.Credit.NetAmount = p.Credit.Amount.AmountMinor
		p.Credit.BalanceBefore = to.Balance
		to.Balance += p.Credit.NetAmount
		to.LifetimeInflow += p.Credit.NetAmount
		to.UpdatedAt = now
		p.Credit.BalanceAfter = to.Balance
		p.Credit.Status = domain.StatusSuccessful

		for _, w := range []*domain.Wallet{from, to} {
			if err := tx.UpdateWallet(ctx, w); err != nil {
				return err
			}
		}
		if err := tx.InsertTransaction(ctx, p.Debit); err != nil {
			return err
		}
		senderBalance = from.Balance
		return tx.InsertTransaction(ctx, p.Credit)
	})
	if err != nil {
		return domain.Balances{}, err
	}

	s.logger.Info("wallet transfer posted",
		"reference", p.Debit.Reference,
		"from_wallet", p.Debit.WalletID,
		"to_wallet", p.Credit.WalletID,
		"amount", p.Debit.Amount.AmountMinor,
	)
	return domain.Balances{Wallet: senderBalance}, nil
}

// Update applies fn to the locked transaction and persists the result.
// fn returning ErrNoChange skips the write.
func (s *Service) Update(ctx context.Context, reference string, fn func(t *domain.Transaction) error) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		t, err := tx.LockTransaction(ctx, reference)
		if err != nil {
			return fmt.Errorf("locking transaction: %w", err)
		}
		out = t
		if err := fn(t); err != nil {
			return err
		}
		t.UpdatedAt = time.Now().UTC()
		return tx.UpdateTransaction(ctx, t)
	})
	if errors.Is(err, ErrNoChange) {
		return out, nil
	}
	return out, err
}

// ErrNoChange lets an Update callback decline to write.
var ErrNoChange = errors.New("no change")

// Transition moves a transaction to the next status. changed is false when
// it is already there.
func (s *Service) Transition(ctx context.Context, reference string, next domain.Status, mutate func(t *domain.Transaction)) (t *domain.Transaction, changed bool, err error) {
	t, err = s.Update(ctx, reference, func(t *domain.Transaction) error {
		if t.Status == next {
			return ErrNoChange
		}
		if err := t.TransitionTo(next); err != nil {
			return err
		}
		if mutate != nil {
			mutate(t)
		}
		changed = true
		return nil
	})
	return t, changed, err
}

// Transaction returns a transaction by reference
func (s *Service) Transaction(ctx context.Context, reference string) (*domain.Transaction, error) {
	return s.store.GetTransaction(ctx, reference)
}

// TransactionByProviderRef looks a transaction up by the rail's reference
func (s *Service) TransactionByProviderRef(ctx context.Context, provider, providerRef string) (*domain.Transaction, error) {
	return s.store.GetTransactionByProviderRef(ctx, provider, providerRef)
}

// Wallet returns a wallet by ID
func (s *Service) Wallet(ctx context.Context, id string) (*domain.Wallet, error) {
	return s.store.GetWallet(ctx, id)
}

// WalletByMerchant returns the merchant's wallet
func (s *Service) WalletByMerchant(ctx context.Context, merchantID string) (*domain.Wallet, error) {
	return s.store.GetWalletByMerchant(ctx, merchantID)
}

// SubAccount returns the merchant's live sub-account on a rail
func (s *Service) SubAccount(ctx context.Context, merchantID, provider string) (*domain.SubAccount, error) {
	return s.store.GetSubAccount(ctx, merchantID, provider)
}

// SubAccountByNumber finds the live sub-account that owns an account number
func (s *Service) SubAccountByNumber(ctx context.Context, accountNumber string) (*domain.SubAccount, error) {
	return s.store.GetSubAccountByNumber(ctx, accountNumber)
}

// CreateSubAccount records a provider-issued account
func (s *Service) CreateSubAccount(ctx context.Context, sub *domain.SubAccount) error {
	if err := s.store.CreateSubAccount(ctx, sub); err != nil {
		return err
	}
	s.logger.Info("bank sub-account created",
		"sub_account_id", sub.ID,
		"merchant_id", sub.MerchantID,
		"provider", sub.Provider,
	)
	return nil
}

// DeleteSubAccount soft-deletes the merchant's sub-account on a rail
func (s *Service) DeleteSubAccount(ctx context.Context, merchantID, provider string) error {
	return s.store.DeleteSubAccount(ctx, merchantID, provider)
}

// StalePending lists pending or processing transactions not touched since before
func (s *Service) StalePending(ctx context.Context, before time.Time, limit int) ([]*domain.Transaction, error) {
	return s.store.ListStalePending(ctx, before, limit)
}

func isNotFound(err error) bool {
	return database.IsNotFound(err)
}
