// Package testutil holds in-memory stores and helpers shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"paycore/internal/common/database"
	"paycore/internal/common/money"
	"paycore/internal/fees"
	"paycore/internal/ledger"
	"paycore/internal/ledger/domain"
)

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// LedgerStore is an in-memory ledger.Store. RunInTx holds a single mutex
// for its whole duration and applies staged writes only on success, which
// gives the same isolation the row locks give in Postgres.
type LedgerStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	wallets      map[string]domain.Wallet
	subAccounts  map[string]domain.SubAccount
	transactions map[string]domain.Transaction

	// BeforeCommit, when set, runs after fn succeeds and before staged
	// writes land. Returning an error aborts the transaction.
	BeforeCommit func() error
	// SubAccountErr, when set, is returned by GetSubAccount.
	SubAccountErr error
}

var _ ledger.Store = (*LedgerStore)(nil)

// NewLedgerStore creates an empty store
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		wallets:      make(map[string]domain.Wallet),
		subAccounts:  make(map[string]domain.SubAccount),
		transactions: make(map[string]domain.Transaction),
	}
}

// RunInTx implements ledger.Store
func (s *LedgerStore) RunInTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		s:            s,
		wallets:      make(map[string]domain.Wallet),
		subAccounts:  make(map[string]domain.SubAccount),
		transactions: make(map[string]domain.Transaction),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if s.BeforeCommit != nil {
		if err := s.BeforeCommit(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range tx.wallets {
		s.wallets[id] = w
	}
	for id, sub := range tx.subAccounts {
		s.subAccounts[id] = sub
	}
	for ref, t := range tx.transactions {
		s.transactions[ref] = t
	}
	return nil
}

// CreateWallet implements ledger.Store
func (s *LedgerStore) CreateWallet(_ context.Context, w *domain.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.wallets {
		if existing.MerchantID == w.MerchantID {
			return fmt.Errorf("wallet for merchant %s: %w", w.MerchantID, database.ErrAlreadyExists)
		}
	}
	s.wallets[w.ID] = *w
	return nil
}

// GetWallet implements ledger.Store
func (s *LedgerStore) GetWallet(_ context.Context, id string) (*domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", id, database.ErrNotFound)
	}
	return &w, nil
}

// GetWalletByMerchant implements ledger.Store
func (s *LedgerStore) GetWalletByMerchant(_ context.Context, merchantID string) (*domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.wallets {
		if w.MerchantID == merchantID {
			w := w
			return &w, nil
		}
	}
	return nil, fmt.Errorf("wallet for merchant %s: %w", merchantID, database.ErrNotFound)
}

// UpdateWalletPricing implements ledger.Store
func (s *LedgerStore) UpdateWalletPricing(_ context.Context, walletID string, pricing fees.Pricing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[walletID]
	if !ok {
		return fmt.Errorf("wallet %s: %w", walletID, database.ErrNotFound)
	}
	w.Pricing = pricing
	s.wallets[walletID] = w
	return nil
}

// CreateSubAccount implements ledger.Store
func (s *LedgerStore) CreateSubAccount(_ context.Context, sub *domain.SubAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.subAccounts {
		if existing.DeletedAt != nil {
			continue
		}
		if existing.MerchantID == sub.MerchantID && existing.Provider == sub.Provider {
			return fmt.Errorf("sub-account for %s on %s: %w", sub.MerchantID, sub.Provider, database.ErrAlreadyExists)
		}
		if existing.AccountNumber == sub.AccountNumber && existing.BankCode == sub.BankCode {
			return fmt.Errorf("account number %s: %w", sub.AccountNumber, database.ErrAlreadyExists)
		}
	}
	s.subAccounts[sub.ID] = *sub
	return nil
}

// GetSubAccount implements ledger.Store
func (s *LedgerStore) GetSubAccount(_ context.Context, merchantID, provider string) (*domain.SubAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.SubAccountErr != nil {
		return nil, s.SubAccountErr
	}
	for _, sub := range s.subAccounts {
		if sub.DeletedAt == nil && sub.MerchantID == merchantID && sub.Provider == provider {
			sub := sub
			return &sub, nil
		}
	}
	return nil, fmt.Errorf("sub-account for %s on %s: %w", merchantID, provider, database.ErrNotFound)
}

// GetSubAccountByNumber implements ledger.Store
func (s *LedgerStore) GetSubAccountByNumber(_ context.Context, accountNumber string) (*domain.SubAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subAccounts {
		if sub.DeletedAt == nil && sub.AccountNumber == accountNumber {
			sub := sub
			return &sub, nil
		}
	}
	return nil, fmt.Errorf("account number %s: %w", accountNumber, database.ErrNotFound)
}

// DeleteSubAccount implements ledger.Store
func (s *LedgerStore) DeleteSubAccount(_ context.Context, merchantID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subAccounts {
		if sub.DeletedAt == nil && sub.MerchantID == merchantID && sub.Provider == provider {
			now := time.Now().UTC()
			sub.DeletedAt = &now
			sub.Enabled = false
			s.subAccounts[id] = sub
			return nil
		}
	}
	return fmt.Errorf("sub-account for %s on %s: %w", merchantID, provider, database.ErrNotFound)
}

// GetTransaction implements ledger.Store
func (s *LedgerStore) GetTransaction(_ context.Context, reference string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transactions[reference]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", reference, database.ErrNotFound)
	}
	return &t, nil
}

// GetTransactionByProviderRef implements ledger.Store
func (s *LedgerStore) GetTransactionByProviderRef(_ context.Context, provider, providerRef string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.transactions {
		if t.Provider == provider && t.ProviderReference == providerRef && providerRef != "" {
			t := t
			return &t, nil
		}
	}
	return nil, fmt.Errorf("provider reference %s: %w", providerRef, database.ErrNotFound)
}

// ListStalePending implements ledger.Store
func (s *LedgerStore) ListStalePending(_ context.Context, updatedBefore time.Time, limit int) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Transaction
	for _, t := range s.transactions {
		switch t.Status {
		case domain.StatusDebited, domain.StatusPending, domain.StatusProcessing:
		default:
			continue
		}
		if t.UpdatedAt.Before(updatedBefore) {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Transactions returns a snapshot of every stored transaction.
func (s *LedgerStore) Transactions() []domain.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Transaction, 0, len(s.transactions))
	for _, t := range s.transactions {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SetTransactionUpdatedAt backdates a transaction for sweep tests.
func (s *LedgerStore) SetTransactionUpdatedAt(reference string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.transactions[reference]; ok {
		t.UpdatedAt = at
		s.transactions[reference] = t
	}
}

type memTx struct {
	s            *LedgerStore
	wallets      map[string]domain.Wallet
	subAccounts  map[string]domain.SubAccount
	transactions map[string]domain.Transaction
}

func (t *memTx) LockWallet(_ context.Context, id string) (*domain.Wallet, error) {
	if w, ok := t.wallets[id]; ok {
		return &w, nil
	}
	t.s.mu.RLock()
	w, ok := t.s.wallets[id]
	t.s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", id, database.ErrNotFound)
	}
	return &w, nil
}

func (t *memTx) UpdateWallet(_ context.Context, w *domain.Wallet) error {
	t.wallets[w.ID] = *w
	return nil
}

func (t *memTx) LockSubAccount(_ context.Context, id string) (*domain.SubAccount, error) {
	if sub, ok := t.subAccounts[id]; ok {
		return &sub, nil
	}
	t.s.mu.RLock()
	sub, ok := t.s.subAccounts[id]
	t.s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sub-account %s: %w", id, database.ErrNotFound)
	}
	return &sub, nil
}

func (t *memTx) UpdateSubAccountBalance(ctx context.Context, id string, balance int64) error {
	sub, err := t.LockSubAccount(ctx, id)
	if err != nil {
		return err
	}
	sub.Balance = balance
	sub.UpdatedAt = time.Now().UTC()
	t.subAccounts[id] = *sub
	return nil
}

func (t *memTx) LockTransaction(_ context.Context, reference string) (*domain.Transaction, error) {
	if txn, ok := t.transactions[reference]; ok {
		return &txn, nil
	}
	t.s.mu.RLock()
	txn, ok := t.s.transactions[reference]
	t.s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", reference, database.ErrNotFound)
	}
	return &txn, nil
}

func (t *memTx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	if _, err := t.LockTransaction(ctx, txn.Reference); err == nil {
		return fmt.Errorf("transaction %s: %w", txn.Reference, database.ErrAlreadyExists)
	}
	if txn.ReversalOf != "" {
		t.s.mu.RLock()
		for _, existing := range t.s.transactions {
			if existing.ReversalOf == txn.ReversalOf {
				t.s.mu.RUnlock()
				return fmt.Errorf("reversal of %s: %w", txn.ReversalOf, database.ErrAlreadyExists)
			}
		}
		t.s.mu.RUnlock()
	}
	if txn.ProviderReference != "" {
		if _, err := t.s.GetTransactionByProviderRef(ctx, txn.Provider, txn.ProviderReference); err == nil {
			return fmt.Errorf("provider reference %s: %w", txn.ProviderReference, database.ErrAlreadyExists)
		}
		for _, staged := range t.transactions {
			if staged.Provider == txn.Provider && staged.ProviderReference == txn.ProviderReference {
				return fmt.Errorf("provider reference %s: %w", txn.ProviderReference, database.ErrAlreadyExists)
			}
		}
	}
	t.transactions[txn.Reference] = *txn
	return nil
}

func (t *memTx) UpdateTransaction(_ context.Context, txn *domain.Transaction) error {
	t.transactions[txn.Reference] = *txn
	return nil
}

// SeedWallet creates an NGN wallet with an opening balance and, when
// provider is non-empty, a live sub-account on that rail holding the same
// balance.
func SeedWallet(t testing.TB, s *LedgerStore, merchantID string, balance int64, provider string) (*domain.Wallet, *domain.SubAccount) {
	t.Helper()
	w, err := domain.NewWallet(merchantID, money.NGN)
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	w.Balance = balance
	if err := s.CreateWallet(context.Background(), w); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if provider == "" {
		return w, nil
	}
	sub, err := domain.NewSubAccount(w, provider, fmt.Sprintf("90%08d", len(s.subAccounts)+1), "Merchant "+merchantID, "999")
	if err != nil {
		t.Fatalf("new sub-account: %v", err)
	}
	sub.Balance = balance
	if err := s.CreateSubAccount(context.Background(), sub); err != nil {
		t.Fatalf("create sub-account: %v", err)
	}
	return w, sub
}

// Balance reads a wallet balance or fails the test.
func Balance(t testing.TB, s *LedgerStore, walletID string) int64 {
	t.Helper()
	w, err := s.GetWallet(context.Background(), walletID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	return w.Balance
}
