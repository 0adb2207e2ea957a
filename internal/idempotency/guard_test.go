package idempotency_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"paycore/internal/idempotency"
	"paycore/internal/jobs"
	"paycore/internal/testutil"
)

func newGuard() (*idempotency.Guard, *testutil.IdempotencyStore, *testutil.InlineJobs) {
	store := testutil.NewIdempotencyStore()
	queue := &testutil.InlineJobs{}
	return idempotency.NewGuard(idempotency.Config{}, store, queue, testutil.Logger()), store, queue
}

func key(hash string) idempotency.Key {
	return idempotency.Key{Key: "k-1", MerchantID: "m-1", UserID: "u-1", RequestHash: hash}
}

func TestCheckOrReserve(t *testing.T) {
	ctx := context.Background()
	g, _, queue := newGuard()

	res, err := g.CheckOrReserve(ctx, key("h1"))
	if err != nil || !res.IsNew {
		t.Fatalf("first reserve = %+v, %v", res, err)
	}

	if _, err := g.CheckOrReserve(ctx, key("h1")); !errors.Is(err, idempotency.ErrInProgress) {
		t.Fatalf("second reserve err = %v, want ErrInProgress", err)
	}
	if _, err := g.CheckOrReserve(ctx, key("h2")); !errors.Is(err, idempotency.ErrKeyReused) {
		t.Fatalf("different hash err = %v, want ErrKeyReused", err)
	}

	g.Complete(key("h1"), "PC123")
	if queue.Count(jobs.KindIdempotency) != 1 {
		t.Fatal("completion not queued")
	}

	res, err = g.CheckOrReserve(ctx, key("h1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsNew || res.Reference != "PC123" {
		t.Fatalf("replay = %+v", res)
	}
}

func TestOtherUserCannotReplay(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newGuard()
	g.CheckOrReserve(ctx, key("h1"))
	g.Complete(key("h1"), "PC1")

	other := key("h1")
	other.UserID = "u-2"
	if _, err := g.CheckOrReserve(ctx, other); !errors.Is(err, idempotency.ErrKeyReused) {
		t.Fatalf("err = %v", err)
	}
}

func TestReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newGuard()
	g.CheckOrReserve(ctx, key("h1"))
	if err := g.Release(ctx, key("h1")); err != nil {
		t.Fatal(err)
	}
	res, err := g.CheckOrReserve(ctx, key("h2"))
	if err != nil || !res.IsNew {
		t.Fatalf("after release = %+v, %v", res, err)
	}
}

func TestReleaseKeepsCompletedKey(t *testing.T) {
	ctx := context.Background()
	g, store, _ := newGuard()
	g.CheckOrReserve(ctx, key("h1"))
	g.Complete(key("h1"), "PC1")
	g.Release(ctx, key("h1"))
	if rec, ok := store.Record("m-1", "k-1"); !ok || rec.Reference != "PC1" {
		t.Fatalf("record = %+v, %v", rec, ok)
	}
}

func TestExpiredKeyIsReReserved(t *testing.T) {
	ctx := context.Background()
	g, store, _ := newGuard()
	g.CheckOrReserve(ctx, key("h1"))
	g.Complete(key("h1"), "PC1")
	store.Expire("m-1", "k-1")

	res, err := g.CheckOrReserve(ctx, key("h2"))
	if err != nil || !res.IsNew {
		t.Fatalf("reserve after expiry = %+v, %v", res, err)
	}
	rec, _ := store.Record("m-1", "k-1")
	if rec.State != idempotency.StateReserved || rec.Reference != "" || rec.RequestHash != "h2" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestMissingKey(t *testing.T) {
	g, _, _ := newGuard()
	if _, err := g.CheckOrReserve(context.Background(), idempotency.Key{MerchantID: "m-1"}); !errors.Is(err, idempotency.ErrMissingKey) {
		t.Fatalf("err = %v", err)
	}
}

func TestConcurrentReserveHasOneWinner(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newGuard()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := g.CheckOrReserve(ctx, key("h1"))
			if err == nil && res.IsNew {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("winners = %d, want 1", wins)
	}
}

func TestHashRequestIgnoresFieldOrder(t *testing.T) {
	a, err := idempotency.HashRequest(map[string]any{"amount": 100, "account": "0123"})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := idempotency.HashRequest(struct {
		Account string `json:"account"`
		Amount  int    `json:"amount"`
	}{"0123", 100})
	c, _ := idempotency.HashRequest(map[string]any{"amount": 101, "account": "0123"})
	if a != b {
		t.Fatalf("hash differs by field order: %s %s", a, b)
	}
	if a == c {
		t.Fatal("hash ignores amount")
	}
}
