package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"paycore/internal/common/events"
	"paycore/internal/fees"
	"paycore/internal/idempotency"
	"paycore/internal/ledger"
	"paycore/internal/ledger/domain"
	"paycore/internal/orchestrator"
	"paycore/internal/provider"
	"paycore/internal/testutil"
)

func TestWithdrawSucceeds(t *testing.T) {
	h := newHarness(t)
	w, sub := testutil.SeedWallet(t, h.store, "m-1", 100000, "alphabank")

	var got provider.PayoutRequest
	h.bank.PayoutFn = func(_ context.Context, req provider.PayoutRequest) (*provider.Result, error) {
		got = req
		return &provider.Result{Outcome: provider.OutcomeSuccessful, ProviderReference: "AB-1"}, nil
	}

	r, err := h.svc.Withdraw(context.Background(), caller("k-1"), withdrawal(10000))
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if r.Transaction.Status != domain.StatusSuccessful || r.Transaction.ProviderReference != "AB-1" {
		t.Fatalf("transaction = %+v", r.Transaction)
	}
	if r.Transaction.Charges.Fee() != 200 {
		t.Fatalf("fee = %d, want 200", r.Transaction.Charges.Fee())
	}
	if bal := testutil.Balance(t, h.store, w.ID); bal != 89800 {
		t.Fatalf("balance = %d, want 89800", bal)
	}
	if got.SourceAccount != sub.AccountNumber || got.Reference != r.Transaction.Reference {
		t.Fatalf("payout request = %+v", got)
	}
	if h.pub.Count(events.TransactionDebited) != 1 || h.pub.Count(events.TransactionSucceeded) != 1 {
		t.Fatalf("events = %v", h.pub.Types())
	}
}

func TestProviderFailureReversesDebit(t *testing.T) {
	h := newHarness(t)
	w, _ := testutil.SeedWallet(t, h.store, "m-1", 100000, "alphabank")
	h.bank.PayoutFn = func(context.Context, provider.PayoutRequest) (*provider.Result, error) {
		return nil, provider.Rejected(provider.Alphabank, 400, "beneficiary bank unavailable")
	}

	_, err := h.svc.Withdraw(context.Background(), caller("k-1"), withdrawal(10000))
	pe, ok := provider.AsError(err)
	if !ok || pe.Code != 400 {
		t.Fatalf("err = %v, want provider rejection", err)
	}

	if bal := testutil.Balance(t, h.store, w.ID); bal != 100000 {
		t.Fatalf("wallet balance = %d, want 100000", bal)
	}
	if bal := h.subBalance(t, "m-1", provider.Alphabank); bal != 100000 {
		t.Fatalf("sub-account balance = %d, want 100000", bal)
	}

	txns := h.store.Transactions()
	if len(txns) != 2 {
		t.Fatalf("%d transactions, want debit and reversal", len(txns))
	}
	if txns[0].Status != domain.StatusFailed || !txns[0].IsReversed() {
		t.Fatalf("original = %+v", txns[0])
	}
	if txns[1].ReversalOf != txns[0].Reference || txns[1].Amount.AmountMinor != 10200 {
		t.Fatalf("reversal = %+v", txns[1])
	}
	if h.pub.Count(events.TransactionReversed) != 1 {
		t.Fatalf("events = %v", h.pub.Types())
	}
}

func TestFailedOutcomeReversesDebit(t *testing.T) {
	h := newHarness(t)
	w, _ := testutil.SeedWallet(t, h.store, "m-1", 100000, "alphabank")
	h.bank.PayoutFn = func(context.Context, provider.PayoutRequest) (*provider.Result, error) {
		return &provider.Result{Outcome: provider.OutcomeFailed, Message: "account closed"}, nil
	}

	if _, err := h.svc.Withdraw(context.Background(), caller("k-1"), withdrawal(10000)); err == nil {
		t.Fatal("expected error")
	}
	if bal := testutil.Balance(t, h.store, w.ID); bal != 100000 {
		t.Fatalf("balance = %d", bal)
	}
}

func TestTimeoutReversesDebit(t *testing.T) {
	h := newHarness(t, withTimeout(20*time.Millisecond))
	w, _ := testutil.SeedWallet(t, h.store, "m-1", 100000, "alphabank")
	h.bank.PayoutFn = func(ctx context.Context, _ provider.PayoutRequest) (*provider.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := h.svc.Withdraw(context.Background(), caller("k-1"), withdrawal(10000))
	pe, ok := provider.AsError(err)
	if !ok || pe.Code != provider.CodeTransport {
		t.Fatalf("err = %v, want transport error", err)
	}
	if bal := testutil.Balance(t, h.store, w.ID); bal != 100000 {
		t.Fatalf("balance = %d", bal)
	}
}

func TestPanicAfterDebitReverses(t *testing.T) {
	h := newHarness(t)
	w, _ := testutil.SeedWallet(t, h.store, "m-1", 100000, "alphabank")
	h.bank.PayoutFn = func(context.Context, provider.PayoutRequest) (*provider.Result, error) {
		panic("adapter bug")
	}

	_, err := h.svc.Withdraw(context.Background(), caller("k-1"), withdrawal(10000))
	if !errors.Is(err, orchestrator.ErrUnexpected) {
		t.Fatalf("err = %v, want ErrUnexpected", err)
	}
	if bal := testutil.Balance(t, h.store, w.ID); bal != 100000 {
		t.Fatalf("balance = %d", bal)
	}
}

func TestPendingOutcomeKeepsDebit(t *testing.T) {
	h := newHarness(t)
	w, _ := testutil.SeedWallet(t, h.store, "m-1", 100000, "alphabank")
	h.bank.PayoutFn = pending

	r, err := h.svc.Withdraw(context.Background(), caller("k-1"), withdrawal(10000))
	if err != nil {
		t.Fatal(err)
	}
	if r.Transaction.Status != domain.StatusPending {
		t.Fatalf("status = %s", r.Transaction.Status)
	}
	if bal := testutil.Balance(t, h.store, w.ID); bal != 89800 {
		t.Fatalf("balance = %d", bal)
	}
}

func TestNoDoubleSpend(t *testing.T) {
	h := newHarness(t)
	w, _ := testutil.SeedWallet(t, h.store, "m-1", 100000, "alphabank")
	h.bank.PayoutFn = succeed("AB")

	const attempts = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.Withdraw(context.Background(), caller(fmt.Sprintf("k-%d", i)), withdrawal(10000))
			switch {
			case err == nil:
				mu.Lock()
				successes++
				mu.Unlock()
			case !errors.Is(err, ledger.ErrInsufficientBalance):
				t.Errorf("withdraw %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	// 100000 / 10200 per withdrawal
	if successes != 9 {
		t.Fatalf("successes = %d, want 9", successes)
	}
	if bal := testutil.Balance(t, h.store, w.ID); bal != 100000-9*10200 {
		t.Fatalf("balance = %d", bal)
	}
}

func TestIdempotentRetry(t *testing.T) {
	h := newHarness(t)
	w, _ := testutil.SeedWallet(t, h.store, "m-1", 100000, "alphabank")
	h.bank.PayoutFn = succeed("AB-1")
	ctx := context.Background()

	first, err := h.svc.Withdraw(ctx, caller("k-1"), withdrawal(10000))
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.svc.Withdraw(ctx, caller("k-1"), withdrawal(10000))
	if err != nil {
		t.Fatal(err)
	}
	if !second.Replayed || second.Transaction.Reference != first.Transaction.Reference {
		t.Fatalf("second = %+v", second)
	}
	if n := h.bank.Calls("payout"); n != 1 {
		t.Fatalf("payout calls = %d", n)
	}
	if bal := testutil.Balance(t, h.store, w.ID); bal != 89800 {
		t.Fatalf("balance = %d", bal)
	}

	if _, err := h.svc.Withdraw(ctx, caller("k-1"), withdrawal(20000)); !errors.Is(err, idempotency.ErrKeyReused) {
		t.Fatalf("different body err = %v, want ErrKeyReused", err)
	}
}

func TestRetryAfterProviderFailureReplaysFailure(t *testing.T) {
	h := newHarness(t)
	testutil.SeedWallet(t, h.store, "m-1", 100000, "alphabank")
	h.bank.PayoutFn = func(context.Context, provider.PayoutRequest) (*provider.Result, error) {
		return nil, provider.Rejected(provider.Alphabank, 400, "declined")
	}
	ctx := context.Background()

	if _, err := h.svc.Withdraw(ctx, caller("k-1"), withdrawal(10000)); err == nil {
		t.Fatal("expected failure")
	}
	r, err := h.svc.Withdraw(ctx, caller("k-1"), withdrawal(10000))
	if err != nil {
		t.Fatal(err)
	}
	if !r.Replayed || r.Transaction.Status != domain.StatusFailed {
		t.Fatalf("replay = %+v", r.Transaction)
	}
	if n := h.bank.Calls("payout"); n != 1 {
		t.Fatalf("payout calls = %d", n)
	}
}

func TestRejectionBeforeDebitReleasesKey(t *testing.T) {
	h := newHarness(t)
	testutil.SeedWallet(t, h.store, "m-1", 1000, "alphabank")

	_, err := h.svc.Withdraw(context.Background(), caller("k-1"), withdrawal(10000))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := h.idem.Record("m-1", "k-1"); ok {
		t.Fatal("key still reserved")
	}
	if h.bank.Calls("payout") != 0 {
		t.Fatal("provider called")
	}
}

func TestComplianceGate(t *testing.T) {
	h := newHarness(t, withCompliance(false))
	w, _ := testutil.SeedWallet(t, h.store, "m-1", 100000, "alphabank")

	_, err := h.svc.Withdraw(context.Background(), caller("k-1"), withdrawal(10000))
	if !errors.Is(err, orchestrator.ErrComplianceRequired) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := h.idem.Record("m-1", "k-1"); ok {
		t.Fatal("key reserved for non-compliant merchant")
	}
	if bal := testutil.Balance(t, h.store, w.ID); bal != 100000 {
		t.Fatalf("balance = %d", bal)
	}
}

func TestNonPositiveAmount(t *testing.T) {
	h := newHarness(t)
	testutil.SeedWallet(t, h.store, "m-1", 100000, "alphabank")
	if _, err := h.svc.Withdraw(context.Background(), caller("k-1"), withdrawal(0)); !errors.Is(err, orchestrator.ErrInvalidAmount) {
		t.Fatalf("err = %v", err)
	}
}

func TestSendMoneyToWallet(t *testing.T) {
	h := newHarness(t)
	from, _ := testutil.SeedWallet(t, h.store, "m-1", 50000, "")
	to, _ := testutil.SeedWallet(t, h.store, "m-2", 0, "")

	r, err := h.svc.SendMoney(context.Background(), caller("k-1"), orchestrator.SendMoneyRequest{
		Amount:              ngn(20000),
		RecipientMerchantID: "m-2",
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.Balances.Wallet != 30000 {
		t.Fatalf("sender balance = %d", r.Balances.Wallet)
	}
	if testutil.Balance(t, h.store, from.ID) != 30000 || testutil.Balance(t, h.store, to.ID) != 20000 {
		t.Fatal("balances not moved")
	}
	if h.pub.Count(events.WalletCredited) != 1 {
		t.Fatalf("events = %v", h.pub.Types())
	}

	_, err = h.svc.SendMoney(context.Background(), caller("k-2"), orchestrator.SendMoneyRequest{
		Amount:              ngn(100),
		RecipientMerchantID: "m-1",
	})
	if err == nil {
		t.Fatal("send to own wallet accepted")
	}
}

func TestSendMoneySavesBeneficiary(t *testing.T) {
	h := newHarness(t)
	testutil.SeedWallet(t, h.store, "m-1", 100000, "alphabank")
	h.bank.PayoutFn = succeed("AB-1")

	_, err := h.svc.SendMoney(context.Background(), caller("k-1"), orchestrator.SendMoneyRequest{
		Amount:          ngn(10000),
		AccountNumber:   "0123456789",
		BankCode:        "058",
		AccountName:     "Ada Obi",
		SaveBeneficiary: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	list, err := h.svc.ListBeneficiaries(context.Background(), "m-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].AccountName != "Ada Obi" {
		t.Fatalf("beneficiaries = %+v", list)
	}
}

func TestBillsUseBillsRail(t *testing.T) {
	h := newHarness(t)
	w, _ := testutil.SeedWallet(t, h.store, "m-1", 100000, "")
	h.bills.AirtimeFn = func(req provider.AirtimeRequest) (*provider.Result, error) {
		return &provider.Result{Outcome: provider.OutcomeSuccessful, ProviderReference: "BP-1"}, nil
	}
	h.bills.BillFn = func(req provider.BillRequest) (*provider.Result, error) {
		return &provider.Result{Outcome: provider.OutcomeSuccessful, Token: "1234-5678"}, nil
	}

	ctx := context.Background()
	if _, err := h.svc.BuyAirtime(ctx, caller("k-1"), orchestrator.AirtimeRequest{Amount: ngn(1000), Phone: "08030000000", Network: "mtn"}); err != nil {
		t.Fatal(err)
	}
	r, err := h.svc.PayBill(ctx, caller("k-2"), orchestrator.BillRequest{Amount: ngn(5000), BillerCode: "ikedc", CustomerID: "45"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Token != "1234-5678" || r.Transaction.Provider != string(provider.Betapay) {
		t.Fatalf("receipt = %+v", r)
	}
	if bal := testutil.Balance(t, h.store, w.ID); bal != 100000-1200-5200 {
		t.Fatalf("balance = %d", bal)
	}
	if h.bank.Calls("airtime") != 0 {
		t.Fatal("banking rail used for airtime")
	}
}

func TestDefaultProviderWhenStoreFails(t *testing.T) {
	h := newHarness(t)
	testutil.SeedWallet(t, h.store, "m-1", 100000, "alphabank")
	h.bank.PayoutFn = succeed("AB-1")
	h.providers.Err = errors.New("connection refused")

	if got := h.svc.ConfigProviderName(context.Background(), provider.CapabilityBanking); got != provider.Alphabank {
		t.Fatalf("provider = %s", got)
	}
	if _, err := h.svc.Withdraw(context.Background(), caller("k-1"), withdrawal(1000)); err != nil {
		t.Fatal(err)
	}
}

func TestSwitchProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.svc.SwitchProvider(ctx, "admin-1", orchestrator.SwitchRequest{Name: provider.Betapay, Capability: provider.CapabilityBanking, Active: true})
	if err != nil {
		t.Fatal(err)
	}
	if a.Provider != provider.Betapay || a.Version != 1 {
		t.Fatalf("assignment = %+v", a)
	}
	if got := h.svc.ConfigProviderName(ctx, provider.CapabilityBanking); got != provider.Betapay {
		t.Fatalf("active = %s", got)
	}

	_, err = h.svc.SwitchProvider(ctx, "admin-1", orchestrator.SwitchRequest{Name: provider.Betapay, Capability: provider.CapabilityBanking})
	if !errors.Is(err, orchestrator.ErrLastActiveProvider) {
		t.Fatalf("deactivate active err = %v", err)
	}
	a, err = h.svc.SwitchProvider(ctx, "admin-1", orchestrator.SwitchRequest{Name: provider.Alphabank, Capability: provider.CapabilityBanking})
	if err != nil || a.Provider != provider.Betapay {
		t.Fatalf("deactivate inactive = %+v, %v", a, err)
	}

	_, err = h.svc.SwitchProvider(ctx, "admin-1", orchestrator.SwitchRequest{Name: provider.Gammacard, Capability: provider.CapabilityBanking, Active: true})
	if !errors.Is(err, orchestrator.ErrCapabilityUnsupported) {
		t.Fatalf("unsupported err = %v", err)
	}
	if _, err := h.svc.SwitchProvider(ctx, "admin-1", orchestrator.SwitchRequest{Name: provider.Betapay, Capability: "crypto", Active: true}); err == nil {
		t.Fatal("unknown capability accepted")
	}

	if h.pub.Count(events.ProviderSwitched) != 1 {
		t.Fatalf("events = %v", h.pub.Types())
	}

	views, err := h.svc.ListProviders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range views {
		if v.Name == provider.Betapay && len(v.Active) != 2 {
			t.Fatalf("betapay active = %v", v.Active)
		}
	}
}

func TestConcurrentSwitchesLeaveOneActiveProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		versions = map[int64]provider.Name{}
	)
	for i := 0; i < 20; i++ {
		name := provider.Alphabank
		if i%2 == 0 {
			name = provider.Betapay
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := h.svc.SwitchProvider(ctx, "admin", orchestrator.SwitchRequest{Name: name, Capability: provider.CapabilityBanking, Active: true})
			if errors.Is(err, provider.ErrVersionConflict) {
				return
			}
			if err != nil {
				t.Errorf("switch: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, ok := versions[a.Version]; ok && prev != a.Provider {
				t.Errorf("version %d granted to %s and %s", a.Version, prev, a.Provider)
			}
			versions[a.Version] = a.Provider
		}()
	}
	wg.Wait()

	final, err := h.providers.Assignment(ctx, provider.CapabilityBanking)
	if err != nil {
		t.Fatal(err)
	}
	if versions[final.Version] != final.Provider {
		t.Fatalf("final assignment %+v not among winners %v", final, versions)
	}
}

func TestUpdateFeeSchedule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	two := decimal.NewFromInt(2)

	_, err := h.svc.UpdateFeeSchedule(ctx, "admin", orchestrator.UpdateFeeRequest{
		Provider:  provider.Alphabank,
		Direction: fees.Outflow,
		Kind:      fees.KindTransfer,
		Schedule:  fees.ScheduleInput{Type: fees.TypeFlat, Value: &two},
	})
	if !errors.Is(err, fees.ErrInvalidSchedule) {
		t.Fatalf("err = %v, want ErrInvalidSchedule", err)
	}

	_, err = h.svc.UpdateFeeSchedule(ctx, "admin", orchestrator.UpdateFeeRequest{
		Provider:  provider.Alphabank,
		Direction: fees.Outflow,
		Kind:      fees.KindTransfer,
		Schedule:  fees.ScheduleInput{Type: fees.TypeFlat, Value: &two, Markup: &two, ProviderValue: &two, ProviderMarkup: &two},
	})
	if err != nil {
		t.Fatal(err)
	}

	// 2+2 on each side is 8.00
	testutil.SeedWallet(t, h.store, "m-1", 100000, "alphabank")
	h.bank.PayoutFn = succeed("AB-1")
	r, err := h.svc.Withdraw(ctx, caller("k-1"), withdrawal(10000))
	if err != nil {
		t.Fatal(err)
	}
	if fee := r.Transaction.Charges.Fee(); fee != 800 {
		t.Fatalf("fee = %d, want 800", fee)
	}
	if h.pub.Count(events.FeeScheduleUpdated) != 1 {
		t.Fatalf("events = %v", h.pub.Types())
	}
}
