package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"paycore/internal/common/database"
	"paycore/internal/common/money"
	"paycore/internal/fees"
	"paycore/internal/ledger"
	"paycore/internal/ledger/domain"
)

// Store is the Postgres-backed ledger store
type Store struct {
	db *database.DB
}

var _ ledger.Store = (*Store)(nil)

// New creates a new ledger store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// RunInTx runs fn in a read-committed transaction. Row locks are taken with
// SELECT ... FOR UPDATE, and the whole fn is retried on deadlock.
func (s *Store) RunInTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.db.WithTxOptions(ctx, database.LedgerTxOptions(), func(tx pgx.Tx) error {
		return fn(&txStore{q: tx})
	})
}

// CreateWallet inserts a new wallet
func (s *Store) CreateWallet(ctx context.Context, w *domain.Wallet) error {
	pricing, err := json.Marshal(w.Pricing)
	if err != nil {
		return fmt.Errorf("marshaling pricing: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO wallets (
			id, merchant_id, currency, balance, lifetime_inflow, lifetime_outflow,
			pricing, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		w.ID, w.MerchantID, w.Currency, w.Balance, w.LifetimeInflow, w.LifetimeOutflow,
		pricing, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("wallet for merchant %s: %w", w.MerchantID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating wallet: %w", err)
	}
	return nil
}

const walletColumns = `id, merchant_id, currency, balance, lifetime_inflow, lifetime_outflow,
	pricing, created_at, updated_at`

// GetWallet retrieves a wallet by ID
func (s *Store) GetWallet(ctx context.Context, id string) (*domain.Wallet, error) {
	return scanWallet(s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
}

// GetWalletByMerchant retrieves the merchant's wallet
func (s *Store) GetWalletByMerchant(ctx context.Context, merchantID string) (*domain.Wallet, error) {
	return scanWallet(s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE merchant_id = $1`, merchantID))
}

// UpdateWalletPricing replaces the wallet's pricing document
func (s *Store) UpdateWalletPricing(ctx context.Context, walletID string, pricing fees.Pricing) error {
	raw, err := json.Marshal(pricing)
	if err != nil {
		return fmt.Errorf("marshaling pricing: %w", err)
	}
	tag, err := s.db.Exec(ctx, `UPDATE wallets SET pricing = $2, updated_at = now() WHERE id = $1`, walletID, raw)
	if err != nil {
		return fmt.Errorf("updating pricing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet %s: %w", walletID, database.ErrNotFound)
	}
	return nil
}

// CreateSubAccount inserts a sub-account. Only one live sub-account may
// exist per merchant and rail.
func (s *Store) CreateSubAccount(ctx context.Context, sub *domain.SubAccount) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO bank_sub_accounts (
			id, merchant_id, wallet_id, provider, account_number, account_name,
			bank_code, bank_name, provider_account_ref, balance, enabled,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		sub.ID, sub.MerchantID, sub.WalletID, sub.Provider, sub.AccountNumber, sub.AccountName,
		sub.BankCode, sub.BankName, sub.ProviderAccountRef, sub.Balance, sub.Enabled,
		sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("sub-account for %s on %s: %w", sub.MerchantID, sub.Provider, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating sub-account: %w", err)
	}
	return nil
}

const subAccountColumns = `id, merchant_id, wallet_id, provider, account_number, account_name,
	bank_code, bank_name, provider_account_ref, balance, enabled, deleted_at,
	created_at, updated_at`

// GetSubAccount returns the merchant's live sub-account on a rail
func (s *Store) GetSubAccount(ctx context.Context, merchantID, provider string) (*domain.SubAccount, error) {
	return scanSubAccount(s.db.QueryRow(ctx, `
		SELECT `+subAccountColumns+` FROM bank_sub_accounts
		WHERE merchant_id = $1 AND provider = $2 AND deleted_at IS NULL
	`, merchantID, provider))
}

// GetSubAccountByNumber returns the live sub-account holding an account number
func (s *Store) GetSubAccountByNumber(ctx context.Context, accountNumber string) (*domain.SubAccount, error) {
	return scanSubAccount(s.db.QueryRow(ctx, `
		SELECT `+subAccountColumns+` FROM bank_sub_accounts
		WHERE account_number = $1 AND deleted_at IS NULL
	`, accountNumber))
}

// DeleteSubAccount soft-deletes the live sub-account
func (s *Store) DeleteSubAccount(ctx context.Context, merchantID, provider string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE bank_sub_accounts SET deleted_at = now(), enabled = FALSE, updated_at = now()
		WHERE merchant_id = $1 AND provider = $2 AND deleted_at IS NULL
	`, merchantID, provider)
	if err != nil {
		return fmt.Errorf("deleting sub-account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sub-account for %s on %s: %w", merchantID, provider, database.ErrNotFound)
	}
	return nil
}

const transactionColumns = `reference, provider_reference, merchant_id, wallet_id, sub_account_id,
	provider, type, feature, currency, amount, provider_fee, platform_fee, vat, stamp_duty,
	net_amount, status, balance_before, balance_after, counterparty, narration,
	provider_payload, webhook_applied, webhook_event, reversal_of, reversed_at,
	idempotency_key, failure_reason, created_at, updated_at, settlement_of`

// GetTransaction retrieves a transaction by reference
func (s *Store) GetTransaction(ctx context.Context, reference string) (*domain.Transaction, error) {
	return scanTransaction(s.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE reference = $1`, reference))
}

// GetTransactionByProviderRef retrieves a transaction by the rail's reference
func (s *Store) GetTransactionByProviderRef(ctx context.Context, provider, providerRef string) (*domain.Transaction, error) {
	return scanTransaction(s.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE provider = $1 AND provider_reference = $2`,
		provider, providerRef))
}

// ListStalePending returns debited, pending and processing transactions older
// than updatedBefore
func (s *Store) ListStalePending(ctx context.Context, updatedBefore time.Time, limit int) ([]*domain.Transaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status IN ('debited', 'pending', 'processing') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale transactions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type txStore struct {
	q pgx.Tx
}

func (t *txStore) LockWallet(ctx context.Context, id string) (*domain.Wallet, error) {
	return scanWallet(t.q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id))
}

func (t *txStore) UpdateWallet(ctx context.Context, w *domain.Wallet) error {
	_, err := t.q.Exec(ctx, `
		UPDATE wallets
		SET balance = $2, lifetime_inflow = $3, lifetime_outflow = $4, updated_at = $5
		WHERE id = $1
	`, w.ID, w.Balance, w.LifetimeInflow, w.LifetimeOutflow, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating wallet: %w", err)
	}
	return nil
}

func (t *txStore) LockSubAccount(ctx context.Context, id string) (*domain.SubAccount, error) {
	return scanSubAccount(t.q.QueryRow(ctx,
		`SELECT `+subAccountColumns+` FROM bank_sub_accounts WHERE id = $1 FOR UPDATE`, id))
}

func (t *txStore) UpdateSubAccountBalance(ctx context.Context, id string, balance int64) error {
	_, err := t.q.Exec(ctx,
		`UPDATE bank_sub_accounts SET balance = $2, updated_at = now() WHERE id = $1`, id, balance)
	if err != nil {
		return fmt.Errorf("updating sub-account balance: %w", err)
	}
	return nil
}

func (t *txStore) LockTransaction(ctx context.Context, reference string) (*domain.Transaction, error) {
	return scanTransaction(t.q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE reference = $1 FOR UPDATE`, reference))
}

func (t *txStore) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	cp, payload, err := marshalTransactionJSON(txn)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)
	`,
		txn.Reference, nullable(txn.ProviderReference), txn.MerchantID, txn.WalletID, nullable(txn.SubAccountID),
		txn.Provider, txn.Type, txn.Feature, txn.Amount.Currency, txn.Amount.AmountMinor,
		txn.Charges.ProviderFee, txn.Charges.PlatformFee, txn.Charges.VAT, txn.Charges.StampDuty,
		txn.NetAmount, txn.Status, txn.BalanceBefore, txn.BalanceAfter, cp, txn.Narration,
		payload, txn.WebhookApplied, txn.WebhookEvent, nullable(txn.ReversalOf), txn.ReversedAt,
		txn.IdempotencyKey, txn.FailureReason, txn.CreatedAt, txn.UpdatedAt, nullable(txn.SettlementOf),
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("transaction %s: %w", txn.Reference, database.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

func (t *txStore) UpdateTransaction(ctx context.Context, txn *domain.Transaction) error {
	cp, payload, err := marshalTransactionJSON(txn)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `
		UPDATE transactions SET
			provider_reference = $2, sub_account_id = $3, provider = $4, amount = $5,
			provider_fee = $6, platform_fee = $7, vat = $8, stamp_duty = $9, net_amount = $10,
			status = $11, balance_before = $12, balance_after = $13, counterparty = $14,
			provider_payload = $15, webhook_applied = $16, webhook_event = $17,
			reversed_at = $18, failure_reason = $19, updated_at = $20
		WHERE reference = $1
	`,
		txn.Reference, nullable(txn.ProviderReference), nullable(txn.SubAccountID), txn.Provider,
		txn.Amount.AmountMinor, txn.Charges.ProviderFee, txn.Charges.PlatformFee, txn.Charges.VAT,
		txn.Charges.StampDuty, txn.NetAmount, txn.Status, txn.BalanceBefore, txn.BalanceAfter, cp,
		payload, txn.WebhookApplied, txn.WebhookEvent, txn.ReversedAt, txn.FailureReason, txn.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("provider reference %s: %w", txn.ProviderReference, database.ErrAlreadyExists)
		}
		return fmt.Errorf("updating transaction: %w", err)
	}
	return nil
}

func marshalTransactionJSON(txn *domain.Transaction) (counterparty, payload []byte, err error) {
	counterparty, err = json.Marshal(txn.Counterparty)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling counterparty: %w", err)
	}
	if len(txn.ProviderPayload) > 0 {
		payload = txn.ProviderPayload
	}
	return counterparty, payload, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, database.ErrNotFound)
	}
	return fmt.Errorf("scanning %s: %w", what, err)
}

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	var (
		w       domain.Wallet
		pricing []byte
	)
	err := row.Scan(&w.ID, &w.MerchantID, &w.Currency, &w.Balance, &w.LifetimeInflow,
		&w.LifetimeOutflow, &pricing, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "wallet")
	}
	if len(pricing) > 0 {
		if err := json.Unmarshal(pricing, &w.Pricing); err != nil {
			return nil, fmt.Errorf("decoding wallet pricing: %w", err)
		}
	}
	return &w, nil
}

func scanSubAccount(row pgx.Row) (*domain.SubAccount, error) {
	var s domain.SubAccount
	err := row.Scan(&s.ID, &s.MerchantID, &s.WalletID, &s.Provider, &s.AccountNumber, &s.AccountName,
		&s.BankCode, &s.BankName, &s.ProviderAccountRef, &s.Balance, &s.Enabled, &s.DeletedAt,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "sub-account")
	}
	return &s, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		t                     domain.Transaction
		providerRef           *string
		subAccountID          *string
		reversal              *string
		settlementOf          *string
		currency              money.Currency
		amount                int64
		counterparty, payload []byte
	)
	err := row.Scan(
		&t.Reference, &providerRef, &t.MerchantID, &t.WalletID, &subAccountID,
		&t.Provider, &t.Type, &t.Feature, &currency, &amount,
		&t.Charges.ProviderFee, &t.Charges.PlatformFee, &t.Charges.VAT, &t.Charges.StampDuty,
		&t.NetAmount, &t.Status, &t.BalanceBefore, &t.BalanceAfter, &counterparty, &t.Narration,
		&payload, &t.WebhookApplied, &t.WebhookEvent, &reversal, &t.ReversedAt,
		&t.IdempotencyKey, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt, &settlementOf,
	)
	if err != nil {
		return nil, notFound(err, "transaction")
	}
	t.ProviderReference = deref(providerRef)
	t.SubAccountID = deref(subAccountID)
	t.ReversalOf = deref(reversal)
	t.SettlementOf = deref(settlementOf)
	t.Amount = money.New(amount, currency)
	if len(counterparty) > 0 {
		if err := json.Unmarshal(counterparty, &t.Counterparty); err != nil {
			return nil, fmt.Errorf("decoding counterparty: %w", err)
		}
	}
	if len(payload) > 0 {
		t.ProviderPayload = payload
	}
	return &t, nil
}
