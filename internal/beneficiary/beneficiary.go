// Package beneficiary remembers bank accounts a merchant has paid before.
// Entries are a convenience for clients and never authoritative for
// money movement.
package beneficiary

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/common/database"
)

// Beneficiary is a saved transfer recipient.
type Beneficiary struct {
	ID            string    `json:"id"`
	MerchantID    string    `json:"merchant_id"`
	AccountNumber string    `json:"account_number"`
	BankCode      string    `json:"bank_code"`
	BankName      string    `json:"bank_name,omitempty"`
	AccountName   string    `json:"account_name"`
	CreatedAt     time.Time `json:"created_at"`
	LastUsedAt    time.Time `json:"last_used_at"`
}

// New creates a beneficiary record.
func New(merchantID, accountNumber, bankCode, bankName, accountName string) (*Beneficiary, error) {
	if merchantID == "" || accountNumber == "" || bankCode == "" {
		return nil, errors.New("merchant_id, account_number and bank_code are required")
	}
	now := time.Now().UTC()
	return &Beneficiary{
		ID:            "ben_" + ulid.Make().String(),
		MerchantID:    merchantID,
		AccountNumber: accountNumber,
		BankCode:      bankCode,
		BankName:      bankName,
		AccountName:   accountName,
		CreatedAt:     now,
		LastUsedAt:    now,
	}, nil
}

// Store persists beneficiaries. Save upserts on
// (merchant, account number, bank code).
type Store interface {
	Save(ctx context.Context, b *Beneficiary) error
	List(ctx context.Context, merchantID string, limit int) ([]*Beneficiary, error)
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Save inserts the beneficiary or refreshes its name and last-used time.
func (s *PostgresStore) Save(ctx context.Context, b *Beneficiary) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO beneficiaries (id, merchant_id, account_number, bank_code, bank_name, account_name, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (merchant_id, account_number, bank_code) DO UPDATE SET
			account_name = EXCLUDED.account_name,
			bank_name = COALESCE(NULLIF(EXCLUDED.bank_name, ''), beneficiaries.bank_name),
			last_used_at = EXCLUDED.last_used_at
	`, b.ID, b.MerchantID, b.AccountNumber, b.BankCode, b.BankName, b.AccountName, b.CreatedAt, b.LastUsedAt)
	return err
}

// List returns the merchant's most recently used beneficiaries.
func (s *PostgresStore) List(ctx context.Context, merchantID string, limit int) ([]*Beneficiary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, merchant_id, account_number, bank_code, bank_name, account_name, created_at, last_used_at
		FROM beneficiaries
		WHERE merchant_id = $1
		ORDER BY last_used_at DESC
		LIMIT $2
	`, merchantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Beneficiary
	for rows.Next() {
		var b Beneficiary
		if err := rows.Scan(&b.ID, &b.MerchantID, &b.AccountNumber, &b.BankCode, &b.BankName,
			&b.AccountName, &b.CreatedAt, &b.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}
