package idempotency

import (
	"context"
	"fmt"
	"time"

	"paycore/internal/common/database"
)

// PostgresStore implements Store on the idempotency_keys table.
type PostgresStore struct {
	db *database.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Reserve inserts rec or returns the row already holding the key.
func (s *PostgresStore) Reserve(ctx context.Context, rec *Record) (bool, *Record, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO idempotency_keys (merchant_id, key, user_id, request_hash, state, reference, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, '', $6, $7)
		ON CONFLICT (merchant_id, key) DO NOTHING
	`, rec.MerchantID, rec.Key.Key, rec.UserID, rec.RequestHash, StateReserved, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return false, nil, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil, nil
	}

	var existing Record
	err = s.db.QueryRow(ctx, `
		SELECT merchant_id, key, user_id, request_hash, state, reference, created_at, expires_at
		FROM idempotency_keys
		WHERE merchant_id = $1 AND key = $2
	`, rec.MerchantID, rec.Key.Key).Scan(
		&existing.MerchantID, &existing.Key.Key, &existing.UserID, &existing.RequestHash,
		&existing.State, &existing.Reference, &existing.CreatedAt, &existing.ExpiresAt,
	)
	if err != nil {
		if database.IsNotFound(err) {
			// Released between the insert and the read.
			return false, nil, fmt.Errorf("%w: key vanished during reserve", database.ErrConflict)
		}
		return false, nil, err
	}
	return false, &existing, nil
}

// ReplaceExpired takes over an expired key for a new request.
func (s *PostgresStore) ReplaceExpired(ctx context.Context, rec *Record, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE idempotency_keys SET
			user_id = $3,
			request_hash = $4,
			state = $5,
			reference = '',
			created_at = $6,
			expires_at = $7
		WHERE merchant_id = $1 AND key = $2 AND expires_at <= $8
	`, rec.MerchantID, rec.Key.Key, rec.UserID, rec.RequestHash, StateReserved, rec.CreatedAt, rec.ExpiresAt, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Complete marks the key completed with the transaction it produced.
func (s *PostgresStore) Complete(ctx context.Context, merchantID, key, reference string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE idempotency_keys SET state = $3, reference = $4
		WHERE merchant_id = $1 AND key = $2
	`, merchantID, key, StateCompleted, reference)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// Release deletes a key that never completed.
func (s *PostgresStore) Release(ctx context.Context, merchantID, key string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE merchant_id = $1 AND key = $2 AND state = $3
	`, merchantID, key, StateReserved)
	return err
}
