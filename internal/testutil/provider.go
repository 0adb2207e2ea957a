package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"paycore/internal/common/money"
	"paycore/internal/fees"
	"paycore/internal/provider"
)

// ProviderStore is an in-memory provider.Store.
type ProviderStore struct {
	mu          sync.Mutex
	providers   map[provider.Name]provider.Provider
	assignments map[provider.Capability]provider.Assignment
	// Err, when set, is returned by Assignment.
	Err error
}

var _ provider.Store = (*ProviderStore)(nil)

// NewProviderStore creates a store seeded with the given rails.
func NewProviderStore(ps ...*provider.Provider) *ProviderStore {
	s := &ProviderStore{
		providers:   make(map[provider.Name]provider.Provider),
		assignments: make(map[provider.Capability]provider.Assignment),
	}
	for _, p := range ps {
		_ = s.Upsert(context.Background(), p)
	}
	return s
}

func (s *ProviderStore) List(context.Context) ([]*provider.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*provider.Provider, 0, len(s.providers))
	for _, n := range provider.Names {
		if p, ok := s.providers[n]; ok {
			out = append(out, &p)
		}
	}
	return out, nil
}

func (s *ProviderStore) Get(_ context.Context, name provider.Name) (*provider.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[name]
	if !ok {
		return nil, provider.ErrProviderNotFound
	}
	return &p, nil
}

func (s *ProviderStore) Upsert(_ context.Context, p *provider.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	if cp.Fees == nil {
		cp.Fees = fees.Table{}
	}
	cp.UpdatedAt = time.Now().UTC()
	s.providers[p.Name] = cp
	return nil
}

func (s *ProviderStore) UpdateSchedule(_ context.Context, name provider.Name, dir fees.Direction, kind fees.Kind, sched fees.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[name]
	if !ok {
		return fmt.Errorf("%w: %s", provider.ErrProviderNotFound, name)
	}
	table := fees.Table{}
	for d, byKind := range p.Fees {
		for k, v := range byKind {
			table.Set(d, k, v)
		}
	}
	table.Set(dir, kind, sched)
	p.Fees = table
	s.providers[name] = p
	return nil
}

func (s *ProviderStore) Assignment(_ context.Context, c provider.Capability) (*provider.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	a, ok := s.assignments[c]
	if !ok {
		return nil, provider.ErrAssignmentNotFound
	}
	return &a, nil
}

func (s *ProviderStore) Assignments(context.Context) ([]*provider.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*provider.Assignment
	for _, c := range provider.Capabilities {
		if a, ok := s.assignments[c]; ok {
			out = append(out, &a)
		}
	}
	return out, nil
}

func (s *ProviderStore) SwapAssignment(_ context.Context, c provider.Capability, to provider.Name, expectedVersion int64, updatedBy string) (*provider.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.assignments[c]
	switch {
	case !ok && expectedVersion != 0, ok && current.Version != expectedVersion:
		return nil, fmt.Errorf("%w: %s", provider.ErrVersionConflict, c)
	}
	a := provider.Assignment{
		Capability: c,
		Provider:   to,
		Version:    expectedVersion + 1,
		UpdatedBy:  updatedBy,
		UpdatedAt:  time.Now().UTC(),
	}
	s.assignments[c] = a
	return &a, nil
}

// FakeAdapter is a scriptable provider.Adapter. Unset hooks answer 501.
type FakeAdapter struct {
	provider.Unimplemented

	mu    sync.Mutex
	calls map[string]int

	ResolveFn        func(provider.ResolveAccountRequest) (*provider.Counterparty, error)
	VirtualAccountFn func(provider.VirtualAccountRequest) (*provider.VirtualAccount, error)
	PayoutFn         func(context.Context, provider.PayoutRequest) (*provider.Result, error)
	FundFn           func(provider.FundRequest) (*provider.Result, error)
	AirtimeFn        func(provider.AirtimeRequest) (*provider.Result, error)
	DataFn           func(provider.DataRequest) (*provider.Result, error)
	BillerFn         func(provider.BillerRequest) (*provider.BillerCustomer, error)
	BillFn           func(provider.BillRequest) (*provider.Result, error)
	BalanceFn        func() (money.Money, error)
	StatusFn         func(reference string) (*provider.Result, error)
	// Secret signs webhooks; ParseFn decodes them.
	Secret  string
	ParseFn func([]byte) (*provider.WebhookEvent, error)
}

// NewFakeAdapter creates a fake for a rail.
func NewFakeAdapter(name provider.Name) *FakeAdapter {
	return &FakeAdapter{Unimplemented: provider.Unimplemented{Rail: name}, calls: make(map[string]int)}
}

// Calls returns how many times an operation was invoked.
func (f *FakeAdapter) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FakeAdapter) record(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *FakeAdapter) Name() provider.Name { return f.Rail }

func (f *FakeAdapter) ResolveAccount(ctx context.Context, req provider.ResolveAccountRequest) (*provider.Counterparty, error) {
	f.record("resolve")
	if f.ResolveFn == nil {
		return f.Unimplemented.ResolveAccount(ctx, req)
	}
	return f.ResolveFn(req)
}

func (f *FakeAdapter) CreateVirtualAccount(ctx context.Context, req provider.VirtualAccountRequest) (*provider.VirtualAccount, error) {
	f.record("virtual_account")
	if f.VirtualAccountFn == nil {
		return f.Unimplemented.CreateVirtualAccount(ctx, req)
	}
	return f.VirtualAccountFn(req)
}

func (f *FakeAdapter) Payout(ctx context.Context, req provider.PayoutRequest) (*provider.Result, error) {
	f.record("payout")
	if f.PayoutFn == nil {
		return f.Unimplemented.Payout(ctx, req)
	}
	return f.PayoutFn(ctx, req)
}

func (f *FakeAdapter) FundAccount(ctx context.Context, req provider.FundRequest) (*provider.Result, error) {
	f.record("fund")
	if f.FundFn == nil {
		return f.Unimplemented.FundAccount(ctx, req)
	}
	return f.FundFn(req)
}

func (f *FakeAdapter) TopUpAirtime(ctx context.Context, req provider.AirtimeRequest) (*provider.Result, error) {
	f.record("airtime")
	if f.AirtimeFn == nil {
		return f.Unimplemented.TopUpAirtime(ctx, req)
	}
	return f.AirtimeFn(req)
}

func (f *FakeAdapter) TopUpData(ctx context.Context, req provider.DataRequest) (*provider.Result, error) {
	f.record("data")
	if f.DataFn == nil {
		return f.Unimplemented.TopUpData(ctx, req)
	}
	return f.DataFn(req)
}

func (f *FakeAdapter) ValidateBiller(ctx context.Context, req provider.BillerRequest) (*provider.BillerCustomer, error) {
	f.record("biller")
	if f.BillerFn == nil {
		return f.Unimplemented.ValidateBiller(ctx, req)
	}
	return f.BillerFn(req)
}

func (f *FakeAdapter) PayBill(ctx context.Context, req provider.BillRequest) (*provider.Result, error) {
	f.record("bill")
	if f.BillFn == nil {
		return f.Unimplemented.PayBill(ctx, req)
	}
	return f.BillFn(req)
}

func (f *FakeAdapter) GetBalance(ctx context.Context) (money.Money, error) {
	f.record("balance")
	if f.BalanceFn == nil {
		return f.Unimplemented.GetBalance(ctx)
	}
	return f.BalanceFn()
}

func (f *FakeAdapter) TransactionStatus(ctx context.Context, reference string) (*provider.Result, error) {
	f.record("status")
	if f.StatusFn == nil {
		return f.Unimplemented.TransactionStatus(ctx, reference)
	}
	return f.StatusFn(reference)
}

func (f *FakeAdapter) VerifyWebhookSignature(payload []byte, signature string) bool {
	return provider.VerifyHMAC(provider.SHA256, f.Secret, payload, signature)
}

func (f *FakeAdapter) ParseWebhook(payload []byte) (*provider.WebhookEvent, error) {
	if f.ParseFn == nil {
		return nil, provider.ErrMalformedWebhook
	}
	return f.ParseFn(payload)
}
