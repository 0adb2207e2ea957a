package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"paycore/internal/common/database"
	"paycore/internal/fees"
	"paycore/internal/provider"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("PAYCORE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PAYCORE_TEST_DATABASE_URL not set")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := database.Migrate(url, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := database.New(context.Background(), database.Config{URL: url, MaxConns: 10, MinConns: 1}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(db.Close)

	s := New(db)
	for _, p := range []*provider.Provider{
		{Name: provider.Alphabank, DisplayName: "Alpha", Banking: true, DirectDebit: true, Enabled: true},
		{Name: provider.Betapay, DisplayName: "Beta", Banking: true, Bills: true, Enabled: true},
	} {
		if err := s.Upsert(context.Background(), p); err != nil {
			t.Fatalf("seed %s: %v", p.Name, err)
		}
	}
	return s
}

func TestConcurrentSwapsLeaveOneWinner(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	current, err := s.Assignment(ctx, provider.CapabilityBanking)
	var version int64
	if err == nil {
		version = current.Version
	} else if !errors.Is(err, provider.ErrAssignmentNotFound) {
		t.Fatal(err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		to := provider.Alphabank
		if i%2 == 1 {
			to = provider.Betapay
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SwapAssignment(ctx, provider.CapabilityBanking, to, version, "test")
			switch {
			case err == nil:
				mu.Lock()
				wins++
				mu.Unlock()
			case !errors.Is(err, provider.ErrVersionConflict):
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
	after, err := s.Assignment(ctx, provider.CapabilityBanking)
	if err != nil {
		t.Fatal(err)
	}
	if after.Version != version+1 {
		t.Fatalf("version = %d, want %d", after.Version, version+1)
	}
}

func TestUpdateSchedule(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sched := fees.Schedule{Type: fees.TypeFlat, Value: decimal.NewFromInt(25), ProviderValue: decimal.NewFromInt(10)}
	if err := s.UpdateSchedule(ctx, provider.Betapay, fees.Outflow, fees.KindTransfer, sched); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	p, err := s.Get(ctx, provider.Betapay)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := p.Fees.Lookup(fees.Outflow, fees.KindTransfer)
	if !ok || !got.Value.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("schedule = %+v", got)
	}

	if err := s.UpdateSchedule(ctx, "nobody", fees.Outflow, fees.KindTransfer, sched); !errors.Is(err, provider.ErrProviderNotFound) {
		t.Fatalf("missing provider err = %v", err)
	}
}
