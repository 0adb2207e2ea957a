package provider

import (
	"context"

	"paycore/internal/common/money"
)

// Unimplemented answers every Adapter operation with CodeUnsupported.
// Adapters embed it and override what their rail offers.
type Unimplemented struct {
	Rail Name
}

func (u Unimplemented) ResolveAccount(context.Context, ResolveAccountRequest) (*Counterparty, error) {
	return nil, Unsupported(u.Rail, "account resolution")
}

func (u Unimplemented) CreateVirtualAccount(context.Context, VirtualAccountRequest) (*VirtualAccount, error) {
	return nil, Unsupported(u.Rail, "virtual accounts")
}

func (u Unimplemented) Payout(context.Context, PayoutRequest) (*Result, error) {
	return nil, Unsupported(u.Rail, "payouts")
}

func (u Unimplemented) FundAccount(context.Context, FundRequest) (*Result, error) {
	return nil, Unsupported(u.Rail, "account funding")
}

func (u Unimplemented) TopUpAirtime(context.Context, AirtimeRequest) (*Result, error) {
	return nil, Unsupported(u.Rail, "airtime")
}

func (u Unimplemented) TopUpData(context.Context, DataRequest) (*Result, error) {
	return nil, Unsupported(u.Rail, "data bundles")
}

func (u Unimplemented) ValidateBiller(context.Context, BillerRequest) (*BillerCustomer, error) {
	return nil, Unsupported(u.Rail, "biller validation")
}

func (u Unimplemented) PayBill(context.Context, BillRequest) (*Result, error) {
	return nil, Unsupported(u.Rail, "bill payment")
}

func (u Unimplemented) GetBalance(context.Context) (money.Money, error) {
	return money.Money{}, Unsupported(u.Rail, "balance lookup")
}

func (u Unimplemented) TransactionStatus(context.Context, string) (*Result, error) {
	return nil, Unsupported(u.Rail, "status lookup")
}
