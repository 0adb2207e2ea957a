package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"paycore/internal/common/database"
	"paycore/internal/common/money"
	"paycore/internal/fees"
	"paycore/internal/ledger"
	"paycore/internal/ledger/domain"
)

// Postgres tests run only when PAYCORE_TEST_DATABASE_URL points at a
// scratch database.
func testDB(t *testing.T) *database.DB {
	t.Helper()
	url := os.Getenv("PAYCORE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PAYCORE_TEST_DATABASE_URL not set")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := database.Migrate(url, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := database.New(context.Background(), database.Config{
		URL:         url,
		MaxConns:    10,
		MinConns:    1,
		LockTimeout: 5 * time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func seedWallet(t *testing.T, s *Store, balance int64) *domain.Wallet {
	t.Helper()
	w, err := domain.NewWallet("m_"+domain.NewReference(), money.NGN)
	if err != nil {
		t.Fatal(err)
	}
	w.Balance = balance
	if err := s.CreateWallet(context.Background(), w); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	return w
}

func TestWalletRoundTrip(t *testing.T) {
	s := New(testDB(t))
	ctx := context.Background()

	w := seedWallet(t, s, 5000)
	got, err := s.GetWalletByMerchant(ctx, w.MerchantID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if got.ID != w.ID || got.Balance != 5000 {
		t.Fatalf("got %+v", got)
	}

	if err := s.CreateWallet(ctx, w); !errors.Is(err, database.ErrAlreadyExists) {
		t.Fatalf("duplicate wallet err = %v", err)
	}
	if _, err := s.GetWallet(ctx, "wal_missing"); !database.IsNotFound(err) {
		t.Fatalf("missing wallet err = %v", err)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := New(testDB(t))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := ledger.NewService(s, logger)
	w := seedWallet(t, s, 10000)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			txn, err := domain.NewTransaction(w, domain.TypeDebit, domain.FeatureWalletTransfer, money.New(3000, money.NGN))
			if err != nil {
				t.Error(err)
				return
			}
			if _, _, err := svc.Debit(context.Background(), ledger.DebitParams{Txn: txn}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ledger.ErrInsufficientBalance) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 3 {
		t.Fatalf("succeeded = %d, want 3", succeeded)
	}
	got, err := s.GetWallet(context.Background(), w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Balance != 1000 {
		t.Fatalf("balance = %d, want 1000", got.Balance)
	}
}

func TestReverseRoundTrip(t *testing.T) {
	s := New(testDB(t))
	svc := ledger.NewService(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	w := seedWallet(t, s, 10000)

	txn, _ := domain.NewTransaction(w, domain.TypeDebit, domain.FeatureWalletWithdraw, money.New(4000, money.NGN))
	txn.Charges = domain.Charges{ProviderFee: 50, PlatformFee: 25}
	if _, _, err := svc.Debit(ctx, ledger.DebitParams{Txn: txn}); err != nil {
		t.Fatalf("debit: %v", err)
	}

	rev, orig, err := svc.Reverse(ctx, ledger.ReverseParams{Reference: txn.Reference, AddFee: true, Status: domain.StatusFailed})
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if rev.ReversalOf != orig.Reference || orig.ReversedAt == nil {
		t.Fatalf("reversal not linked: %+v", rev)
	}

	stored, err := s.GetTransaction(ctx, rev.Reference)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Amount.AmountMinor != 4075 || stored.Feature != domain.FeatureReversal {
		t.Fatalf("stored reversal = %+v", stored)
	}

	got, _ := s.GetWallet(ctx, w.ID)
	if got.Balance != 10000 {
		t.Fatalf("balance = %d, want 10000", got.Balance)
	}

	if _, _, err := svc.Reverse(ctx, ledger.ReverseParams{Reference: txn.Reference, Status: domain.StatusFailed}); err == nil {
		t.Fatal("second reversal succeeded")
	}
}

func TestPricingPersisted(t *testing.T) {
	s := New(testDB(t))
	ctx := context.Background()
	w := seedWallet(t, s, 0)

	pricing := fees.Pricing{VAT: fees.VAT{Type: fees.TypePercentage}}
	if err := s.UpdateWalletPricing(ctx, w.ID, pricing); err != nil {
		t.Fatalf("update pricing: %v", err)
	}
	got, _ := s.GetWallet(ctx, w.ID)
	if got.Pricing.VAT.Type != fees.TypePercentage {
		t.Fatalf("pricing = %+v", got.Pricing)
	}
}
