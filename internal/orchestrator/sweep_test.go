package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"paycore/internal/ledger"
	"paycore/internal/ledger/domain"
	"paycore/internal/provider"
	"paycore/internal/testutil"
)

func TestSweepSettlesStalePending(t *testing.T) {
	h := newHarness(t)
	testutil.SeedWallet(t, h.store, "m-1", 100000, "alphabank")
	h.bank.PayoutFn = pending
	ctx := context.Background()

	r, err := h.svc.Withdraw(ctx, caller("k-1"), withdrawal(10000))
	if err != nil {
		t.Fatal(err)
	}

	// Not stale yet.
	report, err := h.svc.Sweep(ctx)
	if err != nil || report.Checked != 0 {
		t.Fatalf("report = %+v, %v", report, err)
	}

	h.store.SetTransactionUpdatedAt(r.Transaction.Reference, time.Now().Add(-time.Hour))
	h.bank.StatusFn = func(string) (*provider.Result, error) {
		return &provider.Result{Outcome: provider.OutcomeSuccessful}, nil
	}
	report, err = h.svc.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Checked != 1 || report.Settled != 1 {
		t.Fatalf("report = %+v", report)
	}
	txn, _ := h.ledger.Transaction(ctx, r.Transaction.Reference)
	if txn.Status != domain.StatusCompleted {
		t.Fatalf("status = %s", txn.Status)
	}
}

func TestSweepLeavesPendingWhenRailUndecided(t *testing.T) {
	h := newHarness(t)
	testutil.SeedWallet(t, h.store, "m-1", 100000, "alphabank")
	h.bank.PayoutFn = pending
	ctx := context.Background()

	r, err := h.svc.Withdraw(ctx, caller("k-1"), withdrawal(10000))
	if err != nil {
		t.Fatal(err)
	}
	h.store.SetTransactionUpdatedAt(r.Transaction.Reference, time.Now().Add(-time.Hour))
	h.bank.StatusFn = func(string) (*provider.Result, error) {
		return &provider.Result{Outcome: provider.OutcomePending}, nil
	}

	report, err := h.svc.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.StillPending != 1 || report.Settled != 0 {
		t.Fatalf("report = %+v", report)
	}
}

func TestSweepFailsProcessingUnknownToRail(t *testing.T) {
	h := newHarness(t)
	w, _ := testutil.SeedWallet(t, h.store, "m-1", 100000, "")
	ctx := context.Background()

	// A crash between the provider call and the status write leaves the
	// transaction in processing.
	txn, err := domain.NewTransaction(w, domain.TypeDebit, domain.FeatureWalletWithdraw, ngn(10000))
	if err != nil {
		t.Fatal(err)
	}
	txn.Provider = string(provider.Alphabank)
	if _, _, err := h.ledger.Debit(ctx, ledger.DebitParams{Txn: txn}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.ledger.Transition(ctx, txn.Reference, domain.StatusProcessing, nil); err != nil {
		t.Fatal(err)
	}
	h.store.SetTransactionUpdatedAt(txn.Reference, time.Now().Add(-time.Hour))
	h.bank.StatusFn = func(string) (*provider.Result, error) {
		return nil, provider.Rejected(provider.Alphabank, 404, "transaction not found")
	}

	report, err := h.svc.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Settled != 1 {
		t.Fatalf("report = %+v", report)
	}
	if bal := testutil.Balance(t, h.store, w.ID); bal != 100000 {
		t.Fatalf("balance = %d", bal)
	}
	got, _ := h.ledger.Transaction(ctx, txn.Reference)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestSweepReplaysDroppedInboxJobs(t *testing.T) {
	h := newHarness(t)
	w, sub := testutil.SeedWallet(t, h.store, "m-1", 0, "alphabank")
	ctx := context.Background()

	h.jobs.Reject = true
	payload, sig := signed(t, hook{Kind: provider.EventInboundTransfer, AccountNumber: sub.AccountNumber, ProviderReference: "IN-1", Amount: 5000})
	if err := h.svc.AcceptWebhook(ctx, provider.Alphabank, payload, sig); err != nil {
		t.Fatal(err)
	}
	if testutil.Balance(t, h.store, w.ID) != 0 {
		t.Fatal("webhook processed despite dropped job")
	}
	h.jobs.Reject = false

	h.inbox.Backdate(2 * time.Minute)
	report, err := h.svc.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.InboxReplayed != 1 {
		t.Fatalf("report = %+v", report)
	}
	if bal := testutil.Balance(t, h.store, w.ID); bal != 4800 {
		t.Fatalf("balance = %d", bal)
	}

	// Processed rows are not replayed again.
	report, _ = h.svc.Sweep(ctx)
	if report.InboxReplayed != 0 {
		t.Fatalf("second sweep = %+v", report)
	}
}
