package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"paycore/internal/common/money"
	"paycore/internal/fees"
	"paycore/internal/idempotency"
	"paycore/internal/ledger"
	"paycore/internal/orchestrator"
	"paycore/internal/provider"
	"paycore/internal/testutil"
)

const webhookSecret = "whsec_test"

type harness struct {
	svc       *orchestrator.Service
	ledger    *ledger.Service
	store     *testutil.LedgerStore
	providers *testutil.ProviderStore
	bank      *testutil.FakeAdapter
	bills     *testutil.FakeAdapter
	card      *testutil.FakeAdapter
	idem      *testutil.IdempotencyStore
	jobs      *testutil.InlineJobs
	pub       *testutil.Publisher
	inbox     *testutil.Inbox
	saved     *testutil.BeneficiaryStore
	inflows   *inflows
}

type option func(*orchestrator.Config, *orchestrator.Deps)

func withCompliance(ok bool) option {
	return func(_ *orchestrator.Config, d *orchestrator.Deps) {
		d.Compliance = compliance(ok)
	}
}

func withTimeout(d time.Duration) option {
	return func(c *orchestrator.Config, _ *orchestrator.Deps) {
		c.ProviderTimeout = d
	}
}

// flatFees charges 1.00 to the provider and 1.00 to the platform on every
// schedule, so every fee is 200 minor units.
func flatFees() fees.Table {
	t := fees.Table{}
	s := fees.Schedule{Type: fees.TypeFlat, Value: decimal.NewFromInt(1), ProviderValue: decimal.NewFromInt(1)}
	for _, dir := range []fees.Direction{fees.Inflow, fees.Outflow} {
		for _, k := range []fees.Kind{fees.KindTransfer, fees.KindAirtime, fees.KindData, fees.KindBill, fees.KindCard} {
			t.Set(dir, k, s)
		}
	}
	return t
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	logger := testutil.Logger()

	h := &harness{
		store: testutil.NewLedgerStore(),
		providers: testutil.NewProviderStore(
			&provider.Provider{Name: provider.Alphabank, Banking: true, DirectDebit: true, Enabled: true, Fees: flatFees()},
			&provider.Provider{Name: provider.Betapay, Banking: true, Bills: true, Enabled: true, Fees: flatFees()},
			&provider.Provider{Name: provider.Gammacard, Card: true, Enabled: true, Fees: flatFees()},
		),
		bank:    testutil.NewFakeAdapter(provider.Alphabank),
		bills:   testutil.NewFakeAdapter(provider.Betapay),
		card:    testutil.NewFakeAdapter(provider.Gammacard),
		idem:    testutil.NewIdempotencyStore(),
		jobs:    &testutil.InlineJobs{},
		pub:     &testutil.Publisher{},
		inbox:   testutil.NewInbox(),
		saved:   &testutil.BeneficiaryStore{},
		inflows: &inflows{},
	}
	for _, a := range []*testutil.FakeAdapter{h.bank, h.bills, h.card} {
		a.Secret = webhookSecret
		a.ParseFn = parseHook(a.Rail)
	}
	h.ledger = ledger.NewService(h.store, logger)

	cfg := orchestrator.Config{
		ProviderTimeout:   time.Second,
		SweepPendingAfter: time.Minute,
		SweepBatchSize:    10,
		InboxReplayAfter:  time.Minute,
		InboxMaxAttempts:  3,
	}
	deps := orchestrator.Deps{
		Ledger:        h.ledger,
		Providers:     h.providers,
		Registry:      provider.NewRegistry(h.bank, h.bills, h.card),
		Fees:          fees.NewEngine(decimal.Zero),
		Guard:         idempotency.NewGuard(idempotency.Config{}, h.idem, h.jobs, logger),
		Jobs:          h.jobs,
		Publisher:     h.pub,
		Beneficiaries: h.saved,
		Inbox:         h.inbox,
		Inflows:       h.inflows,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	h.svc = orchestrator.NewService(cfg, deps, logger)
	return h
}

func caller(key string) orchestrator.Caller {
	return orchestrator.Caller{MerchantID: "m-1", UserID: "u-1", IdempotencyKey: key}
}

func ngn(minor int64) money.Money {
	return money.New(minor, money.NGN)
}

func withdrawal(amount int64) orchestrator.WithdrawRequest {
	return orchestrator.WithdrawRequest{Amount: ngn(amount), AccountNumber: "0123456789", BankCode: "058", AccountName: "Ada Obi"}
}

func succeed(ref string) func(context.Context, provider.PayoutRequest) (*provider.Result, error) {
	return func(context.Context, provider.PayoutRequest) (*provider.Result, error) {
		return &provider.Result{Outcome: provider.OutcomeSuccessful, ProviderReference: ref}, nil
	}
}

func pending(context.Context, provider.PayoutRequest) (*provider.Result, error) {
	return &provider.Result{Outcome: provider.OutcomePending, ProviderReference: "AB-PENDING"}, nil
}

func (h *harness) subBalance(t *testing.T, merchantID string, rail provider.Name) int64 {
	t.Helper()
	sub, err := h.store.GetSubAccount(context.Background(), merchantID, string(rail))
	if err != nil {
		t.Fatalf("sub-account: %v", err)
	}
	return sub.Balance
}

var errCommit = errors.New("commit failed")

// failCommitsAfter lets the next n ledger transactions commit and fails
// every one after that until the returned func runs.
func (h *harness) failCommitsAfter(n int) (restore func()) {
	calls := 0
	h.store.BeforeCommit = func() error {
		calls++
		if calls > n {
			return errCommit
		}
		return nil
	}
	return func() { h.store.BeforeCommit = nil }
}

type compliance bool

func (c compliance) Compliant(context.Context, string) (bool, error) {
	return bool(c), nil
}

type inflows struct {
	mu   sync.Mutex
	refs []string
}

func (r *inflows) RecordInflow(_ context.Context, _ string, _ money.Money, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = append(r.refs, reference)
	return nil
}

func (r *inflows) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs)
}

// hook is the webhook body the fake adapters understand.
type hook struct {
	Kind              provider.EventKind `json:"kind"`
	Reference         string             `json:"reference,omitempty"`
	ProviderReference string             `json:"provider_reference,omitempty"`
	AccountNumber     string             `json:"account_number,omitempty"`
	MerchantID        string             `json:"merchant_id,omitempty"`
	Amount            int64              `json:"amount"`
	Reason            string             `json:"reason,omitempty"`
	Partial           bool               `json:"partial,omitempty"`
}

func parseHook(name provider.Name) func([]byte) (*provider.WebhookEvent, error) {
	return func(payload []byte) (*provider.WebhookEvent, error) {
		var hk hook
		if err := json.Unmarshal(payload, &hk); err != nil {
			return nil, fmt.Errorf("%w: %v", provider.ErrMalformedWebhook, err)
		}
		return &provider.WebhookEvent{
			Kind:              hk.Kind,
			Provider:          name,
			EventName:         string(hk.Kind),
			Reference:         hk.Reference,
			ProviderReference: hk.ProviderReference,
			AccountNumber:     hk.AccountNumber,
			MerchantID:        hk.MerchantID,
			Amount:            ngn(hk.Amount),
			Sender:            provider.Counterparty{AccountNumber: "1111111111", AccountName: "Sender", BankCode: "044"},
			Reason:            hk.Reason,
			Partial:           hk.Partial,
			OccurredAt:        time.Now().UTC(),
			Raw:               payload,
		}, nil
	}
}

func signed(t *testing.T, hk hook) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(hk)
	if err != nil {
		t.Fatal(err)
	}
	return payload, provider.SignHMAC(provider.SHA256, webhookSecret, payload)
}

func (h *harness) deliver(t *testing.T, name provider.Name, hk hook) string {
	t.Helper()
	payload, sig := signed(t, hk)
	outcome, err := h.svc.ProcessWebhook(context.Background(), name, payload, sig)
	if err != nil {
		t.Fatalf("ProcessWebhook(%s): %v", hk.Kind, err)
	}
	return outcome
}
