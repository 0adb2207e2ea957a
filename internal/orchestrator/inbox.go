package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/oklog/ulid/v2"

	"paycore/internal/common/database"
	"paycore/internal/provider"
)

// InboxEntry is a verified webhook waiting to be, or already, dispatched.
type InboxEntry struct {
	ID          string
	Provider    provider.Name
	Fingerprint string
	Payload     []byte
	Signature   string
	Attempts    int
	Outcome     string
	LastError   string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// Inbox stores webhooks before dispatch. Insert returns
// database.ErrAlreadyExists for a payload already received from the same
// provider.
type Inbox interface {
	Insert(ctx context.Context, e *InboxEntry) error
	MarkProcessed(ctx context.Context, id, outcome string) error
	MarkFailed(ctx context.Context, id, cause string) error
	ListUnprocessed(ctx context.Context, receivedBefore time.Time, maxAttempts, limit int) ([]*InboxEntry, error)
}

// NewInboxEntry fingerprints payload for deduplication.
func NewInboxEntry(name provider.Name, payload []byte, signature string) *InboxEntry {
	return &InboxEntry{
		ID:          "whk_" + ulid.Make().String(),
		Provider:    name,
		Fingerprint: Fingerprint(payload),
		Payload:     payload,
		Signature:   signature,
		ReceivedAt:  time.Now().UTC(),
	}
}

// Fingerprint is the hex SHA-256 of the RFC 8785 canonical form of a JSON
// payload, so re-serialized redeliveries dedupe. Non-JSON payloads are
// hashed as-is.
func Fingerprint(payload []byte) string {
	body := payload
	if canonical, err := jcs.Transform(payload); err == nil {
		body = canonical
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// PostgresInbox implements Inbox on the webhook_inbox table.
type PostgresInbox struct {
	db *database.DB
}

var _ Inbox = (*PostgresInbox)(nil)

// NewPostgresInbox creates a new PostgreSQL inbox.
func NewPostgresInbox(db *database.DB) *PostgresInbox {
	return &PostgresInbox{db: db}
}

// Insert implements Inbox
func (s *PostgresInbox) Insert(ctx context.Context, e *InboxEntry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO webhook_inbox (id, provider, fingerprint, payload, signature, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.Provider, e.Fingerprint, e.Payload, e.Signature, e.ReceivedAt)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("webhook %s/%s: %w", e.Provider, e.Fingerprint, database.ErrAlreadyExists)
	}
	return err
}

// MarkProcessed implements Inbox
func (s *PostgresInbox) MarkProcessed(ctx context.Context, id, outcome string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE webhook_inbox
		SET processed_at = now(), outcome = $2, attempts = attempts + 1, last_error = ''
		WHERE id = $1
	`, id, outcome)
	return err
}

// MarkFailed implements Inbox
func (s *PostgresInbox) MarkFailed(ctx context.Context, id, cause string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE webhook_inbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1
	`, id, cause)
	return err
}

// ListUnprocessed implements Inbox
func (s *PostgresInbox) ListUnprocessed(ctx context.Context, receivedBefore time.Time, maxAttempts, limit int) ([]*InboxEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, provider, fingerprint, payload, signature, attempts, outcome, last_error, received_at, processed_at
		FROM webhook_inbox
		WHERE processed_at IS NULL AND received_at < $1 AND attempts < $2
		ORDER BY received_at
		LIMIT $3
	`, receivedBefore, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("listing webhook inbox: %w", err)
	}
	defer rows.Close()

	var out []*InboxEntry
	for rows.Next() {
		var e InboxEntry
		if err := rows.Scan(&e.ID, &e.Provider, &e.Fingerprint, &e.Payload, &e.Signature,
			&e.Attempts, &e.Outcome, &e.LastError, &e.ReceivedAt, &e.ProcessedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
