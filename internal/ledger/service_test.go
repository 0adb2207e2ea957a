package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"paycore/internal/common/money"
	"paycore/internal/ledger"
	"paycore/internal/ledger/domain"
	"paycore/internal/testutil"
)

func newService(t *testing.T) (*ledger.Service, *testutil.LedgerStore) {
	t.Helper()
	store := testutil.NewLedgerStore()
	return ledger.NewService(store, testutil.Logger()), store
}

func debitTxn(t *testing.T, w *domain.Wallet, amount int64, fee int64) *domain.Transaction {
	t.Helper()
	txn, err := domain.NewTransaction(w, domain.TypeDebit, domain.FeatureWalletWithdraw, money.New(amount, money.NGN))
	if err != nil {
		t.Fatal(err)
	}
	txn.Charges = domain.Charges{ProviderFee: fee}
	return txn
}

func TestDebitReducesWalletAndSubAccount(t *testing.T) {
	svc, store := newService(t)
	w, sub := testutil.SeedWallet(t, store, "m-1", 10000, "alphabank")

	txn, bal, err := svc.Debit(context.Background(), ledger.DebitParams{
		Txn:          debitTxn(t, w, 4000, 100),
		SubAccountID: sub.ID,
	})
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if bal.Wallet != 5900 || bal.SubAccount != 5900 {
		t.Fatalf("balances = %+v", bal)
	}
	if txn.Status != domain.StatusDebited || txn.BalanceBefore != 10000 || txn.BalanceAfter != 5900 {
		t.Fatalf("txn = %+v", txn)
	}
	if txn.SubAccountID != sub.ID {
		t.Fatalf("sub-account not recorded")
	}
}

func TestDebitInsufficientBalanceLeavesNoTrace(t *testing.T) {
	svc, store := newService(t)
	w, _ := testutil.SeedWallet(t, store, "m-1", 1000, "")

	_, _, err := svc.Debit(context.Background(), ledger.DebitParams{Txn: debitTxn(t, w, 1000, 1)})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if got := testutil.Balance(t, store, w.ID); got != 1000 {
		t.Fatalf("balance = %d", got)
	}
	if n := len(store.Transactions()); n != 0 {
		t.Fatalf("%d transactions recorded", n)
	}
}

func TestDebitDisabledSubAccount(t *testing.T) {
	svc, store := newService(t)
	w, sub := testutil.SeedWallet(t, store, "m-1", 1000, "alphabank")
	if err := store.DeleteSubAccount(context.Background(), "m-1", "alphabank"); err != nil {
		t.Fatal(err)
	}

	_, _, err := svc.Debit(context.Background(), ledger.DebitParams{Txn: debitTxn(t, w, 100, 0), SubAccountID: sub.ID})
	if !errors.Is(err, ledger.ErrSubAccountDisabled) {
		t.Fatalf("err = %v", err)
	}
}

func TestConcurrentDebitsNeverDoubleSpend(t *testing.T) {
	svc, store := newService(t)
	w, _ := testutil.SeedWallet(t, store, "m-1", 10000, "")

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.Debit(context.Background(), ledger.DebitParams{Txn: debitTxn(t, w, 2500, 0)})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ledger.ErrInsufficientBalance) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 4 {
		t.Fatalf("%d debits succeeded, want 4", ok)
	}
	if got := testutil.Balance(t, store, w.ID); got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}
}

func TestReverseRestoresBalances(t *testing.T) {
	cases := []struct {
		name   string
		addFee bool
		want   int64
	}{
		{"principal and fee", true, 10000},
		{"principal only", false, 9900},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, store := newService(t)
			w, sub := testutil.SeedWallet(t, store, "m-1", 10000, "alphabank")
			ctx := context.Background()

			txn, _, err := svc.Debit(ctx, ledger.DebitParams{Txn: debitTxn(t, w, 5000, 100), SubAccountID: sub.ID})
			if err != nil {
				t.Fatal(err)
			}

			rev, orig, err := svc.Reverse(ctx, ledger.ReverseParams{
				Reference: txn.Reference,
				AddFee:    tc.addFee,
				Reason:    "provider declined",
				Status:    domain.StatusFailed,
			})
			if err != nil {
				t.Fatalf("Reverse: %v", err)
			}
			if got := testutil.Balance(t, store, w.ID); got != tc.want {
				t.Fatalf("balance = %d, want %d", got, tc.want)
			}
			s, _ := store.GetSubAccount(ctx, "m-1", "alphabank")
			if s.Balance != tc.want {
				t.Fatalf("sub-account balance = %d, want %d", s.Balance, tc.want)
			}
			if orig.Status != domain.StatusFailed || !orig.IsReversed() {
				t.Fatalf("original = %+v", orig)
			}
			if rev.Type != domain.TypeCredit || rev.ReversalOf != txn.Reference {
				t.Fatalf("reversal = %+v", rev)
			}
		})
	}
}

func TestReverseIsIdempotent(t *testing.T) {
	svc, store := newService(t)
	w, _ := testutil.SeedWallet(t, store, "m-1", 10000, "")
	ctx := context.Background()

	txn, _, _ := svc.Debit(ctx, ledger.DebitParams{Txn: debitTxn(t, w, 3000, 0)})
	if _, _, err := svc.Reverse(ctx, ledger.ReverseParams{Reference: txn.Reference, Status: domain.StatusFailed}); err != nil {
		t.Fatal(err)
	}
	_, _, err := svc.Reverse(ctx, ledger.ReverseParams{Reference: txn.Reference, Status: domain.StatusRefunded})
	if !errors.Is(err, ledger.ErrAlreadyReversed) {
		t.Fatalf("second reverse err = %v", err)
	}
	if got := testutil.Balance(t, store, w.ID); got != 10000 {
		t.Fatalf("balance = %d", got)
	}
}

func TestReverseRejectsCredits(t *testing.T) {
	svc, store := newService(t)
	w, _ := testutil.SeedWallet(t, store, "m-1", 0, "")
	ctx := context.Background()

	in, _ := domain.NewTransaction(w, domain.TypeCredit, domain.FeatureBankAccountFunding, money.New(500, money.NGN))
	if _, _, err := svc.Credit(ctx, ledger.CreditParams{Txn: in}); err != nil {
		t.Fatal(err)
	}
	_, _, err := svc.Reverse(ctx, ledger.ReverseParams{Reference: in.Reference, Status: domain.StatusRefunded})
	if !errors.Is(err, domain.ErrNotReversible) {
		t.Fatalf("err = %v", err)
	}
}

func TestCreditSettlesPendingOnce(t *testing.T) {
	svc, store := newService(t)
	w, _ := testutil.SeedWallet(t, store, "m-1", 0, "")
	ctx := context.Background()

	expected, _ := domain.NewTransaction(w, domain.TypeCredit, domain.FeaturePaymentLinkInflow, money.New(10000, money.NGN))
	pending, err := svc.ExpectCredit(ctx, expected)
	if err != nil {
		t.Fatal(err)
	}
	if pending.Status != domain.StatusPending || testutil.Balance(t, store, w.ID) != 0 {
		t.Fatalf("expected credit = %+v", pending)
	}

	// Confirmed amount differs from the expected one; the confirmed figure wins.
	confirmed := *pending
	confirmed.Amount = money.New(9000, money.NGN)
	confirmed.Charges = domain.Charges{PlatformFee: 100}

	got, bal, err := svc.Credit(ctx, ledger.CreditParams{Txn: &confirmed})
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if got.Status != domain.StatusSuccessful || got.NetAmount != 8900 || bal.Wallet != 8900 {
		t.Fatalf("credit = %+v, balances %+v", got, bal)
	}

	again := confirmed
	if _, _, err := svc.Credit(ctx, ledger.CreditParams{Txn: &again}); !errors.Is(err, ledger.ErrAlreadyApplied) {
		t.Fatalf("second credit err = %v", err)
	}
	if b := testutil.Balance(t, store, w.ID); b != 8900 {
		t.Fatalf("balance = %d", b)
	}
}

func TestCreditRejectsChargesAboveAmount(t *testing.T) {
	svc, store := newService(t)
	w, sub := testutil.SeedWallet(t, store, "m-1", 1000, "alphabank")
	ctx := context.Background()

	in, _ := domain.NewTransaction(w, domain.TypeCredit, domain.FeatureBankAccountFunding, money.New(50, money.NGN))
	in.Charges = domain.Charges{ProviderFee: 200}
	// A stale net figure from the caller is ignored.
	in.NetAmount = 50
	if _, _, err := svc.Credit(ctx, ledger.CreditParams{Txn: in, SubAccountID: sub.ID}); !errors.Is(err, ledger.ErrChargesExceedAmount) {
		t.Fatalf("err = %v", err)
	}
	if b := testutil.Balance(t, store, w.ID); b != 1000 {
		t.Fatalf("balance = %d", b)
	}

	// Charges equal to the amount credit nothing but still record the inflow.
	in.Charges = domain.Charges{ProviderFee: 50}
	got, bal, err := svc.Credit(ctx, ledger.CreditParams{Txn: in, SubAccountID: sub.ID})
	if err != nil {
		t.Fatal(err)
	}
	if got.NetAmount != 0 || bal.Wallet != 1000 || bal.SubAccount != 1000 {
		t.Fatalf("credit = %+v, balances %+v", got, bal)
	}
}

func TestTransferMovesBetweenWallets(t *testing.T) {
	svc, store := newService(t)
	from, _ := testutil.SeedWallet(t, store, "m-1", 5000, "")
	to, _ := testutil.SeedWallet(t, store, "m-2", 0, "")

	debit, _ := domain.NewTransaction(from, domain.TypeDebit, domain.FeatureWalletTransfer, money.New(2000, money.NGN))
	credit, _ := domain.NewTransaction(to, domain.TypeCredit, domain.FeatureWalletTransfer, money.New(2000, money.NGN))

	if _, err := svc.Transfer(context.Background(), ledger.TransferParams{Debit: debit, Credit: credit}); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if got := testutil.Balance(t, store, from.ID); got != 3000 {
		t.Fatalf("sender balance = %d", got)
	}
	if got := testutil.Balance(t, store, to.ID); got != 2000 {
		t.Fatalf("recipient balance = %d", got)
	}

	big, _ := domain.NewTransaction(from, domain.TypeDebit, domain.FeatureWalletTransfer, money.New(9000, money.NGN))
	bigCredit, _ := domain.NewTransaction(to, domain.TypeCredit, domain.FeatureWalletTransfer, money.New(9000, money.NGN))
	if _, err := svc.Transfer(context.Background(), ledger.TransferParams{Debit: big, Credit: bigCredit}); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("overdraft transfer err = %v", err)
	}
}

func TestTransitionReportsChange(t *testing.T) {
	svc, store := newService(t)
	w, _ := testutil.SeedWallet(t, store, "m-1", 1000, "")
	ctx := context.Background()
	txn, _, _ := svc.Debit(ctx, ledger.DebitParams{Txn: debitTxn(t, w, 100, 0)})

	_, changed, err := svc.Transition(ctx, txn.Reference, domain.StatusProcessing, nil)
	if err != nil || !changed {
		t.Fatalf("first transition changed=%v err=%v", changed, err)
	}
	_, changed, err = svc.Transition(ctx, txn.Reference, domain.StatusProcessing, nil)
	if err != nil || changed {
		t.Fatalf("repeat transition changed=%v err=%v", changed, err)
	}
	if _, _, err := svc.Transition(ctx, txn.Reference, domain.StatusCreated, nil); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("backwards transition err = %v", err)
	}
}
