package domain

import (
	"errors"
	"testing"

	"paycore/internal/common/money"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusCreated, StatusDebited, true},
		{StatusDebited, StatusProcessing, true},
		{StatusProcessing, StatusPending, true},
		{StatusPending, StatusCompleted, true},
		{StatusSuccessful, StatusRefunded, true},
		{StatusSuccessful, StatusPending, false},
		{StatusFailed, StatusSuccessful, false},
		{StatusRefunded, StatusFailed, false},
		{StatusCompleted, StatusFailed, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			txn := &Transaction{Status: tc.from}
			err := txn.TransitionTo(tc.to)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("error = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []Status{StatusSuccessful, StatusCompleted, StatusFailed, StatusRefunded} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusCreated, StatusDebited, StatusProcessing, StatusPending} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestDebitTotalAndReversalAmount(t *testing.T) {
	w, _ := NewWallet("m-1", money.NGN)
	txn, err := NewTransaction(w, TypeDebit, FeatureWalletWithdraw, money.New(500000, money.NGN))
	if err != nil {
		t.Fatal(err)
	}
	txn.Charges = Charges{ProviderFee: 1000, PlatformFee: 500, VAT: 113, StampDuty: 0}

	if got := txn.DebitTotal(); got != 501613 {
		t.Fatalf("DebitTotal = %d", got)
	}
	if got := txn.ReversalAmount(false); got != 500000 {
		t.Fatalf("ReversalAmount(false) = %d", got)
	}
	if got := txn.ReversalAmount(true); got != 501613 {
		t.Fatalf("ReversalAmount(true) = %d", got)
	}
}

func TestNewTransactionRejectsCurrencyMismatch(t *testing.T) {
	w, _ := NewWallet("m-1", money.NGN)
	if _, err := NewTransaction(w, TypeDebit, FeatureWalletWithdraw, money.New(1, money.USD)); err == nil {
		t.Fatal("expected currency mismatch")
	}
}

func TestChargesCapTo(t *testing.T) {
	c := Charges{ProviderFee: 100, PlatformFee: 60, VAT: 12, StampDuty: 50}
	cases := []struct {
		amount int64
		want   Charges
	}{
		{1000, c},
		{222, c},
		{170, Charges{ProviderFee: 100, StampDuty: 50, VAT: 12, PlatformFee: 8}},
		{120, Charges{ProviderFee: 100, StampDuty: 20}},
		{50, Charges{ProviderFee: 50}},
		{0, Charges{}},
	}
	for _, tc := range cases {
		got := c.CapTo(tc.amount)
		if got != tc.want {
			t.Errorf("CapTo(%d) = %+v, want %+v", tc.amount, got, tc.want)
		}
		if got.Total() > tc.amount {
			t.Errorf("CapTo(%d) total %d exceeds amount", tc.amount, got.Total())
		}
	}
}
