// Package idempotency reserves client-supplied keys so a retried money
// movement resolves to the transaction created by the first attempt.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gowebpki/jcs"

	"paycore/internal/jobs"
)

var (
	ErrInProgress = errors.New("request with this idempotency key is in progress")
	ErrKeyReused  = errors.New("idempotency key reused with a different request")
	ErrMissingKey = errors.New("idempotency key is required")
)

// State of a reserved key.
type State string

const (
	StateReserved  State = "reserved"
	StateCompleted State = "completed"
)

// Key identifies one logical request.
type Key struct {
	Key         string
	MerchantID  string
	UserID      string
	RequestHash string
}

// Record is a persisted key.
type Record struct {
	Key
	State     State
	Reference string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Reservation is the outcome of CheckOrReserve. When IsNew is false,
// Reference names the transaction the first request produced.
type Reservation struct {
	IsNew     bool
	Reference string
}

// Store persists keys. Reserve inserts rec unless (merchant, key) exists, in
// which case it returns the existing row. ReplaceExpired re-reserves a row
// whose expiry is not after now and reports whether it did.
type Store interface {
	Reserve(ctx context.Context, rec *Record) (inserted bool, existing *Record, err error)
	ReplaceExpired(ctx context.Context, rec *Record, now time.Time) (bool, error)
	Complete(ctx context.Context, merchantID, key, reference string) error
	Release(ctx context.Context, merchantID, key string) error
}

// Config holds guard configuration
type Config struct {
	TTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
}

// Guard checks and reserves idempotency keys.
type Guard struct {
	store  Store
	jobs   jobs.Enqueuer
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewGuard creates a guard. Completions are persisted through queue.
func NewGuard(cfg Config, store Store, queue jobs.Enqueuer, logger *slog.Logger) *Guard {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Guard{
		store:  store,
		jobs:   queue,
		ttl:    ttl,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CheckOrReserve reserves k, or explains why it cannot: a completed key
// returns its reference, a reserved one ErrInProgress, and a key seen with
// a different request ErrKeyReused. Expired keys are reserved afresh.
func (g *Guard) CheckOrReserve(ctx context.Context, k Key) (Reservation, error) {
	if k.Key == "" {
		return Reservation{}, ErrMissingKey
	}
	now := g.now()
	rec := &Record{
		Key:       k,
		State:     StateReserved,
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	}

	inserted, existing, err := g.store.Reserve(ctx, rec)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserving idempotency key: %w", err)
	}
	if inserted {
		return Reservation{IsNew: true}, nil
	}

	if !existing.ExpiresAt.After(now) {
		replaced, err := g.store.ReplaceExpired(ctx, rec, now)
		if err != nil {
			return Reservation{}, fmt.Errorf("replacing expired idempotency key: %w", err)
		}
		if replaced {
			g.logger.Debug("expired idempotency key re-reserved", "merchant_id", k.MerchantID, "key", k.Key)
			return Reservation{IsNew: true}, nil
		}
		// Another request re-reserved it first; treat it as live.
		return Reservation{}, ErrInProgress
	}

	if existing.RequestHash != k.RequestHash || existing.UserID != k.UserID {
		return Reservation{}, ErrKeyReused
	}
	if existing.State == StateCompleted && existing.Reference != "" {
		return Reservation{Reference: existing.Reference}, nil
	}
	return Reservation{}, ErrInProgress
}

// Complete records the transaction reference for k in the background.
func (g *Guard) Complete(k Key, reference string) {
	accepted := g.jobs.Enqueue(jobs.Job{
		Kind: jobs.KindIdempotency,
		Ref:  reference,
		Run: func(ctx context.Context) error {
			return g.store.Complete(ctx, k.MerchantID, k.Key, reference)
		},
	})
	if !accepted {
		g.logger.Warn("idempotency completion not queued; key stays reserved until expiry",
			"merchant_id", k.MerchantID,
			"key", k.Key,
			"reference", reference,
		)
	}
}

// Release frees k after a request was rejected before any money moved.
func (g *Guard) Release(ctx context.Context, k Key) error {
	if err := g.store.Release(ctx, k.MerchantID, k.Key); err != nil {
		return fmt.Errorf("releasing idempotency key: %w", err)
	}
	return nil
}

// HashRequest fingerprints a request body as the SHA-256 of its RFC 8785
// canonical JSON, so field order and whitespace do not matter.
func HashRequest(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalizing request: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
