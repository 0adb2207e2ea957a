package testutil

import (
	"context"
	"sync"
	"time"

	"paycore/internal/beneficiary"
	"paycore/internal/common/database"
	"paycore/internal/common/events"
	"paycore/internal/idempotency"
	"paycore/internal/jobs"
)

// InlineJobs runs every job synchronously inside Enqueue.
type InlineJobs struct {
	mu     sync.Mutex
	kinds  []jobs.Kind
	errs   []error
	Reject bool
}

var _ jobs.Enqueuer = (*InlineJobs)(nil)

// Enqueue implements jobs.Enqueuer
func (q *InlineJobs) Enqueue(job jobs.Job) bool {
	if q.Reject {
		return false
	}
	err := job.Run(context.Background())
	q.mu.Lock()
	q.kinds = append(q.kinds, job.Kind)
	q.errs = append(q.errs, err)
	q.mu.Unlock()
	return true
}

// Count returns how many jobs of kind ran.
func (q *InlineJobs) Count(kind jobs.Kind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, k := range q.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

// Publisher records published events.
type Publisher struct {
	mu     sync.Mutex
	events []*events.Event
}

var _ events.Publisher = (*Publisher)(nil)

// Publish implements events.Publisher
func (p *Publisher) Publish(_ context.Context, ev *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

// Types returns the types of published events in order.
func (p *Publisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

// Count returns how many events of typ were published.
func (p *Publisher) Count(typ string) int {
	n := 0
	for _, t := range p.Types() {
		if t == typ {
			n++
		}
	}
	return n
}

// BeneficiaryStore is an in-memory beneficiary.Store.
type BeneficiaryStore struct {
	mu    sync.Mutex
	saved map[string]beneficiary.Beneficiary
}

var _ beneficiary.Store = (*BeneficiaryStore)(nil)

// Save implements beneficiary.Store
func (s *BeneficiaryStore) Save(_ context.Context, b *beneficiary.Beneficiary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[string]beneficiary.Beneficiary)
	}
	s.saved[b.MerchantID+"|"+b.AccountNumber+"|"+b.BankCode] = *b
	return nil
}

// List implements beneficiary.Store
func (s *BeneficiaryStore) List(_ context.Context, merchantID string, limit int) ([]*beneficiary.Beneficiary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*beneficiary.Beneficiary
	for _, b := range s.saved {
		if b.MerchantID == merchantID && len(out) < limit {
			b := b
			out = append(out, &b)
		}
	}
	return out, nil
}

// IdempotencyStore is an in-memory idempotency.Store.
type IdempotencyStore struct {
	mu      sync.Mutex
	records map[string]idempotency.Record
}

var _ idempotency.Store = (*IdempotencyStore)(nil)

// NewIdempotencyStore creates an empty store
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{records: make(map[string]idempotency.Record)}
}

func idemKey(merchantID, key string) string { return merchantID + "|" + key }

// Reserve implements idempotency.Store
func (s *IdempotencyStore) Reserve(_ context.Context, rec *idempotency.Record) (bool, *idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey(rec.MerchantID, rec.Key.Key)
	if existing, ok := s.records[k]; ok {
		return false, &existing, nil
	}
	s.records[k] = *rec
	return true, nil, nil
}

// ReplaceExpired implements idempotency.Store
func (s *IdempotencyStore) ReplaceExpired(_ context.Context, rec *idempotency.Record, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey(rec.MerchantID, rec.Key.Key)
	existing, ok := s.records[k]
	if !ok || existing.ExpiresAt.After(now) {
		return false, nil
	}
	s.records[k] = *rec
	return true, nil
}

// Complete implements idempotency.Store
func (s *IdempotencyStore) Complete(_ context.Context, merchantID, key, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey(merchantID, key)
	rec, ok := s.records[k]
	if !ok {
		return database.ErrNotFound
	}
	rec.State = idempotency.StateCompleted
	rec.Reference = reference
	s.records[k] = rec
	return nil
}

// Release implements idempotency.Store
func (s *IdempotencyStore) Release(_ context.Context, merchantID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey(merchantID, key)
	if rec, ok := s.records[k]; ok && rec.State == idempotency.StateReserved {
		delete(s.records, k)
	}
	return nil
}

// Record returns the stored record for a key.
func (s *IdempotencyStore) Record(merchantID, key string) (idempotency.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[idemKey(merchantID, key)]
	return rec, ok
}

// Expire moves a key's expiry into the past.
func (s *IdempotencyStore) Expire(merchantID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey(merchantID, key)
	if rec, ok := s.records[k]; ok {
		rec.ExpiresAt = time.Now().Add(-time.Minute)
		s.records[k] = rec
	}
}
