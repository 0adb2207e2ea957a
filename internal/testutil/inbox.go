package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"paycore/internal/common/database"
	"paycore/internal/orchestrator"
)

// Inbox is an in-memory orchestrator.Inbox.
type Inbox struct {
	mu      sync.Mutex
	entries map[string]orchestrator.InboxEntry
}

var _ orchestrator.Inbox = (*Inbox)(nil)

// NewInbox creates an empty inbox
func NewInbox() *Inbox {
	return &Inbox{entries: make(map[string]orchestrator.InboxEntry)}
}

// Insert implements orchestrator.Inbox
func (b *Inbox) Insert(_ context.Context, e *orchestrator.InboxEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.entries {
		if existing.Provider == e.Provider && existing.Fingerprint == e.Fingerprint {
			return fmt.Errorf("webhook %s: %w", e.Fingerprint, database.ErrAlreadyExists)
		}
	}
	b.entries[e.ID] = *e
	return nil
}

// MarkProcessed implements orchestrator.Inbox
func (b *Inbox) MarkProcessed(_ context.Context, id, outcome string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return database.ErrNotFound
	}
	now := time.Now().UTC()
	e.ProcessedAt = &now
	e.Outcome = outcome
	e.Attempts++
	e.LastError = ""
	b.entries[id] = e
	return nil
}

// MarkFailed implements orchestrator.Inbox
func (b *Inbox) MarkFailed(_ context.Context, id, cause string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return database.ErrNotFound
	}
	e.Attempts++
	e.LastError = cause
	b.entries[id] = e
	return nil
}

// ListUnprocessed implements orchestrator.Inbox
func (b *Inbox) ListUnprocessed(_ context.Context, receivedBefore time.Time, maxAttempts, limit int) ([]*orchestrator.InboxEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*orchestrator.InboxEntry
	for _, e := range b.entries {
		if e.ProcessedAt == nil && e.ReceivedAt.Before(receivedBefore) && e.Attempts < maxAttempts {
			e := e
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Entries returns a snapshot of every stored webhook.
func (b *Inbox) Entries() []orchestrator.InboxEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]orchestrator.InboxEntry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	return out
}

// Backdate moves every entry's receipt time back by d.
func (b *Inbox) Backdate(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, e := range b.entries {
		e.ReceivedAt = e.ReceivedAt.Add(-d)
		b.entries[id] = e
	}
}
