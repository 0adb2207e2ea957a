package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"paycore/internal/beneficiary"
	"paycore/internal/common/database"
	"paycore/internal/common/events"
	"paycore/internal/common/metrics"
	"paycore/internal/common/money"
	"paycore/internal/fees"
	"paycore/internal/idempotency"
	"paycore/internal/jobs"
	"paycore/internal/ledger"
	"paycore/internal/ledger/domain"
	"paycore/internal/provider"
)

// Receipt is the result of a money movement.
type Receipt struct {
	Transaction *domain.Transaction `json:"transaction"`
	Balances    domain.Balances     `json:"balances"`
	Token       string              `json:"token,omitempty"`
	// Replayed is true when an idempotency key resolved to an earlier
	// transaction.
	Replayed bool `json:"-"`
}

// WithdrawRequest pays wallet funds out to the merchant's own bank account.
type WithdrawRequest struct {
	Amount        money.Money `json:"amount" validate:"required"`
	AccountNumber string      `json:"account_number" validate:"required,numeric,len=10"`
	BankCode      string      `json:"bank_code" validate:"required"`
	AccountName   string      `json:"account_name"`
	Narration     string      `json:"narration" validate:"max=100"`
}

// SendMoneyRequest pays another bank account or, when RecipientMerchantID
// is set, another merchant's wallet.
type SendMoneyRequest struct {
	Amount              money.Money `json:"amount" validate:"required"`
	AccountNumber       string      `json:"account_number" validate:"required_without=RecipientMerchantID,omitempty,numeric,len=10"`
	BankCode            string      `json:"bank_code" validate:"required_with=AccountNumber"`
	AccountName         string      `json:"account_name"`
	RecipientMerchantID string      `json:"recipient_merchant_id"`
	Narration           string      `json:"narration" validate:"max=100"`
	SaveBeneficiary     bool        `json:"save_beneficiary"`
}

// AirtimeRequest buys airtime from the wallet.
type AirtimeRequest struct {
	Amount  money.Money `json:"amount" validate:"required"`
	Phone   string      `json:"phone" validate:"required,e164|numeric"`
	Network string      `json:"network" validate:"required"`
}

// DataRequest buys a data bundle from the wallet.
type DataRequest struct {
	Amount   money.Money `json:"amount" validate:"required"`
	Phone    string      `json:"phone" validate:"required,e164|numeric"`
	Network  string      `json:"network" validate:"required"`
	PlanCode string      `json:"plan_code" validate:"required"`
}

// BillRequest pays a biller from the wallet.
type BillRequest struct {
	Amount     money.Money `json:"amount" validate:"required"`
	BillerCode string      `json:"biller_code" validate:"required"`
	ItemCode   string      `json:"item_code"`
	CustomerID string      `json:"customer_id" validate:"required"`
}

// movement is one debit-call-settle run.
type movement struct {
	caller     Caller
	request    any
	capability provider.Capability
	feature    domain.Feature
	kind       fees.Kind
	amount     money.Money
	party      domain.Counterparty
	narration  string
	call       func(ctx context.Context, a provider.Adapter, t *domain.Transaction, source string) (*provider.Result, error)
	onSuccess  func(t *domain.Transaction)
}

// Withdraw pays out to the merchant's bank account.
func (s *Service) Withdraw(ctx context.Context, c Caller, req WithdrawRequest) (*Receipt, error) {
	party := domain.Counterparty{AccountNumber: req.AccountNumber, BankCode: req.BankCode, AccountName: req.AccountName}
	return s.execute(ctx, movement{
		caller:     c,
		request:    req,
		capability: provider.CapabilityBanking,
		feature:    domain.FeatureWalletWithdraw,
		kind:       fees.KindTransfer,
		amount:     req.Amount,
		party:      party,
		narration:  req.Narration,
		call:       payout(party, req.Narration),
	})
}

// SendMoney pays an external account through the banking rail, or another
// merchant's wallet directly.
func (s *Service) SendMoney(ctx context.Context, c Caller, req SendMoneyRequest) (*Receipt, error) {
	if req.RecipientMerchantID != "" {
		return s.sendToWallet(ctx, c, req)
	}
	party := domain.Counterparty{AccountNumber: req.AccountNumber, BankCode: req.BankCode, AccountName: req.AccountName}
	m := movement{
		caller:     c,
		request:    req,
		capability: provider.CapabilityBanking,
		feature:    domain.FeatureWalletTransfer,
		kind:       fees.KindTransfer,
		amount:     req.Amount,
		party:      party,
		narration:  req.Narration,
		call:       payout(party, req.Narration),
	}
	if req.SaveBeneficiary && s.Beneficiaries != nil {
		m.onSuccess = func(t *domain.Transaction) {
			b, err := beneficiary.New(c.MerchantID, party.AccountNumber, party.BankCode, party.BankName, party.AccountName)
			if err != nil {
				s.logger.Warn("beneficiary not saved", "reference", t.Reference, "error", err)
				return
			}
			s.Jobs.Enqueue(jobs.SaveBeneficiary(s.Beneficiaries, b))
		}
	}
	return s.execute(ctx, m)
}

func payout(party domain.Counterparty, narration string) func(context.Context, provider.Adapter, *domain.Transaction, string) (*provider.Result, error) {
	return func(ctx context.Context, a provider.Adapter, t *domain.Transaction, source string) (*provider.Result, error) {
		return a.Payout(ctx, provider.PayoutRequest{
			Reference:     t.Reference,
			Amount:        t.Amount,
			SourceAccount: source,
			Recipient: provider.Counterparty{
				AccountNumber: party.AccountNumber,
				AccountName:   party.AccountName,
				BankCode:      party.BankCode,
			},
			Narration: narration,
		})
	}
}

// BuyAirtime tops up a phone number through the bills rail.
func (s *Service) BuyAirtime(ctx context.Context, c Caller, req AirtimeRequest) (*Receipt, error) {
	return s.execute(ctx, movement{
		caller:     c,
		request:    req,
		capability: provider.CapabilityBills,
		feature:    domain.FeatureWalletAirtime,
		kind:       fees.KindAirtime,
		amount:     req.Amount,
		party:      domain.Counterparty{Phone: req.Phone, Network: req.Network},
		narration:  "Airtime " + req.Phone,
		call: func(ctx context.Context, a provider.Adapter, t *domain.Transaction, _ string) (*provider.Result, error) {
			return a.TopUpAirtime(ctx, provider.AirtimeRequest{
				Reference: t.Reference,
				Phone:     req.Phone,
				Network:   req.Network,
				Amount:    t.Amount,
			})
		},
	})
}

// BuyData buys a data bundle through the bills rail.
func (s *Service) BuyData(ctx context.Context, c Caller, req DataRequest) (*Receipt, error) {
	return s.execute(ctx, movement{
		caller:     c,
		request:    req,
		capability: provider.CapabilityBills,
		feature:    domain.FeatureWalletData,
		kind:       fees.KindData,
		amount:     req.Amount,
		party:      domain.Counterparty{Phone: req.Phone, Network: req.Network},
		narration:  "Data " + req.PlanCode + " " + req.Phone,
		call: func(ctx context.Context, a provider.Adapter, t *domain.Transaction, _ string) (*provider.Result, error) {
			return a.TopUpData(ctx, provider.DataRequest{
				Reference: t.Reference,
				Phone:     req.Phone,
				Network:   req.Network,
				PlanCode:  req.PlanCode,
				Amount:    t.Amount,
			})
		},
	})
}

// PayBill pays a biller through the bills rail.
func (s *Service) PayBill(ctx context.Context, c Caller, req BillRequest) (*Receipt, error) {
	return s.execute(ctx, movement{
		caller:     c,
		request:    req,
		capability: provider.CapabilityBills,
		feature:    domain.FeatureWalletBill,
		kind:       fees.KindBill,
		amount:     req.Amount,
		party:      domain.Counterparty{BillerCode: req.BillerCode, CustomerID: req.CustomerID},
		narration:  "Bill " + req.BillerCode + " " + req.CustomerID,
		call: func(ctx context.Context, a provider.Adapter, t *domain.Transaction, _ string) (*provider.Result, error) {
			return a.PayBill(ctx, provider.BillRequest{
				Reference:  t.Reference,
				BillerCode: req.BillerCode,
				ItemCode:   req.ItemCode,
				CustomerID: req.CustomerID,
				Amount:     t.Amount,
			})
		},
	})
}

// reserve runs the compliance gate and the idempotency check. A non-nil
// receipt is a replay of an earlier request.
func (s *Service) reserve(ctx context.Context, c Caller, request any) (idempotency.Key, *Receipt, error) {
	if err := s.checkCompliance(ctx, c.MerchantID); err != nil {
		return idempotency.Key{}, nil, err
	}
	hash, err := idempotency.HashRequest(request)
	if err != nil {
		return idempotency.Key{}, nil, err
	}
	key := idempotency.Key{Key: c.IdempotencyKey, MerchantID: c.MerchantID, UserID: c.UserID, RequestHash: hash}
	res, err := s.Guard.CheckOrReserve(ctx, key)
	if err != nil {
		return key, nil, err
	}
	if res.IsNew {
		return key, nil, nil
	}

	t, err := s.Ledger.Transaction(ctx, res.Reference)
	if err != nil {
		return key, nil, fmt.Errorf("loading replayed transaction %s: %w", res.Reference, err)
	}
	s.logger.Info("idempotent replay",
		"merchant_id", c.MerchantID,
		"idempotency_key", c.IdempotencyKey,
		"reference", t.Reference,
	)
	return key, &Receipt{Transaction: t, Replayed: true}, nil
}

func (s *Service) release(key idempotency.Key) {
	if err := s.Guard.Release(context.Background(), key); err != nil {
		s.logger.Warn("idempotency key not released", "merchant_id", key.MerchantID, "key", key.Key, "error", err)
	}
}

// execute debits first, calls the rail, and either settles or reverses.
// Every exit after the debit either leaves the transaction successful or
// pending, or reverses it.
func (s *Service) execute(ctx context.Context, m movement) (receipt *Receipt, err error) {
	if !m.amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	key, replay, err := s.reserve(ctx, m.caller, m.request)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return replay, nil
	}

	var debited *domain.Transaction
	defer func() {
		if debited == nil && err != nil {
			s.release(key)
		}
	}()

	adapter, rail, err := s.rail(ctx, m.capability)
	if err != nil {
		return nil, err
	}
	wallet, err := s.Ledger.WalletByMerchant(ctx, m.caller.MerchantID)
	if err != nil {
		return nil, fmt.Errorf("loading wallet: %w", err)
	}

	if m.amount.Currency == "" {
		m.amount.Currency = wallet.Currency
	}
	t, err := domain.NewTransaction(wallet, domain.TypeDebit, m.feature, m.amount)
	if err != nil {
		return nil, err
	}
	t.Charges, _ = s.quote(rail, wallet, m.amount, fees.Outflow, m.kind)
	t.NetAmount = m.amount.AmountMinor
	t.Provider = string(rail.Name)
	t.Counterparty = m.party
	t.Narration = m.narration
	t.IdempotencyKey = m.caller.IdempotencyKey

	var subID, source string
	sub, err := s.Ledger.SubAccount(ctx, m.caller.MerchantID, string(rail.Name))
	switch {
	case err == nil:
		subID, source = sub.ID, sub.AccountNumber
	case !database.IsNotFound(err):
		return nil, fmt.Errorf("loading sub-account: %w", err)
	}

	t, bal, err := s.Ledger.Debit(ctx, ledger.DebitParams{Txn: t, SubAccountID: subID})
	if err != nil {
		return nil, err
	}
	debited = t
	s.Guard.Complete(key, t.Reference)
	s.publishTxn(events.TransactionDebited, t, "")

	// From here on the money has left the wallet. Panics and unexpected
	// errors still reverse.
	callReturned := false
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("panic after debit", "reference", t.Reference, "panic", p)
			if !callReturned {
				s.compensate(t, "panic", fmt.Sprint(p))
			} else {
				s.needsReconciliation(t, "panic", fmt.Errorf("panic after provider response: %v", p))
			}
			receipt, err = nil, fmt.Errorf("%w: %v", ErrUnexpected, p)
		}
	}()

	unlock, err := s.Locks.Lock(ctx, t.Reference)
	if err != nil {
		s.compensate(t, "lock", err.Error())
		return nil, err
	}
	defer unlock()

	if _, _, err := s.Ledger.Transition(ctx, t.Reference, domain.StatusProcessing, nil); err != nil {
		s.compensate(t, "error", err.Error())
		return nil, fmt.Errorf("%w: %v", ErrUnexpected, err)
	}

	result, callErr := s.callRail(ctx, adapter.Name(), string(m.feature), func(ctx context.Context) (*provider.Result, error) {
		return m.call(ctx, adapter, t, source)
	})
	callReturned = true

	if callErr == nil && (result.Outcome == provider.OutcomeFailed || result.Outcome == provider.OutcomeReversed) {
		callErr = provider.Rejected(adapter.Name(), http.StatusBadRequest, result.Message)
	}
	if callErr != nil {
		trigger := "provider_error"
		if pe, ok := provider.AsError(callErr); ok && pe.Code == provider.CodeTransport {
			trigger = "provider_timeout"
		}
		s.compensate(t, trigger, callErr.Error())
		return nil, callErr
	}

	next := domain.StatusSuccessful
	if result.Outcome == provider.OutcomePending {
		next = domain.StatusPending
	}
	settled, _, err := s.Ledger.Transition(ctx, t.Reference, next, func(t *domain.Transaction) {
		t.ProviderReference = result.ProviderReference
		t.ProviderPayload = result.Raw
	})
	if err != nil {
		// The rail accepted the payment; reversing now would pay twice.
		s.needsReconciliation(t, "settle", err)
		t.Status = domain.StatusProcessing
		return &Receipt{Transaction: t, Balances: bal, Token: result.Token}, nil
	}

	if next == domain.StatusSuccessful {
		s.publishTxn(events.TransactionSucceeded, settled, "")
		if m.onSuccess != nil {
			m.onSuccess(settled)
		}
	} else {
		s.publishTxn(events.TransactionPending, settled, "")
	}
	s.audit(m.caller.MerchantID, m.caller.UserID, string(m.feature), settled.Reference, map[string]string{
		"provider": settled.Provider,
		"status":   string(settled.Status),
	})
	s.notify(Notification{
		MerchantID: settled.MerchantID,
		Template:   "wallet.debit",
		Reference:  settled.Reference,
		Data: map[string]string{
			"amount": settled.Amount.String(),
			"status": string(settled.Status),
		},
	})
	return &Receipt{Transaction: settled, Balances: bal, Token: result.Token}, nil
}

// callRail runs a money movement on a rail. A nil result is a transport
// failure.
func (s *Service) callRail(ctx context.Context, name provider.Name, op string, fn func(ctx context.Context) (*provider.Result, error)) (*provider.Result, error) {
	res, err := timed(ctx, s, name, op, fn)
	if err == nil && res == nil {
		err = provider.Transport(name, errors.New("empty response"))
	}
	return res, err
}

// timed runs one adapter call under the provider timeout and records its
// latency. Errors that are not already a *provider.Error become transport
// errors.
func timed[T any](ctx context.Context, s *Service, name provider.Name, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	res, err := fn(ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
		}
		if _, ok := provider.AsError(err); !ok {
			err = provider.Transport(name, err)
		}
		s.logger.Warn("provider call failed", "provider", name, "operation", op, "error", err)
	}
	metrics.ProviderCallDuration.WithLabelValues(string(name), op, outcome).Observe(time.Since(start).Seconds())
	return res, err
}

// compensate reverses a debit after a failure, detached from the caller's
// context so a cancelled request still gets its money back.
func (s *Service) compensate(t *domain.Transaction, trigger, reason string) {
	ctx := context.Background()
	_, orig, err := s.Ledger.Reverse(ctx, ledger.ReverseParams{
		Reference: t.Reference,
		AddFee:    true,
		Reason:    reason,
		Status:    domain.StatusFailed,
	})
	switch {
	case err == nil:
		metrics.LedgerReversals.WithLabelValues(trigger).Inc()
		s.publishTxn(events.TransactionReversed, orig, reason)
	case errors.Is(err, ledger.ErrAlreadyReversed):
	default:
		metrics.ReversalFailures.Inc()
		s.logger.Error("reversal failed",
			"reference", t.Reference,
			"merchant_id", t.MerchantID,
			"amount", t.DebitTotal(),
			"trigger", trigger,
			"reason", reason,
			"error", err,
			"manual_reconciliation", true,
		)
	}
}

// needsReconciliation flags a transaction whose money already moved but
// whose state write failed. Nothing is reversed.
func (s *Service) needsReconciliation(t *domain.Transaction, stage string, err error) {
	metrics.ReconciliationRequired.WithLabelValues(stage).Inc()
	s.logger.Error("transaction state not recorded after money moved",
		"reference", t.Reference,
		"merchant_id", t.MerchantID,
		"stage", stage,
		"error", err,
		"manual_reconciliation", true,
	)
}

// sendToWallet moves money between two merchants without a rail.
func (s *Service) sendToWallet(ctx context.Context, c Caller, req SendMoneyRequest) (receipt *Receipt, err error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if req.RecipientMerchantID == c.MerchantID {
		return nil, ErrSelfTransfer
	}
	key, replay, err := s.reserve(ctx, c, req)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return replay, nil
	}
	posted := false
	defer func() {
		if !posted {
			s.release(key)
		}
	}()

	from, err := s.Ledger.WalletByMerchant(ctx, c.MerchantID)
	if err != nil {
		return nil, fmt.Errorf("loading wallet: %w", err)
	}
	to, err := s.Ledger.WalletByMerchant(ctx, req.RecipientMerchantID)
	if err != nil {
		return nil, fmt.Errorf("loading recipient wallet: %w", err)
	}

	if req.Amount.Currency == "" {
		req.Amount.Currency = from.Currency
	}
	debit, err := domain.NewTransaction(from, domain.TypeDebit, domain.FeatureWalletTransfer, req.Amount)
	if err != nil {
		return nil, err
	}
	debit.NetAmount = req.Amount.AmountMinor
	debit.Counterparty = domain.Counterparty{MerchantID: to.MerchantID, WalletID: to.ID}
	debit.Narration = req.Narration
	debit.IdempotencyKey = c.IdempotencyKey

	credit, err := domain.NewTransaction(to, domain.TypeCredit, domain.FeatureWalletTransfer, req.Amount)
	if err != nil {
		return nil, err
	}
	credit.Counterparty = domain.Counterparty{MerchantID: from.MerchantID, WalletID: from.ID}
	credit.Narration = req.Narration

	bal, err := s.Ledger.Transfer(ctx, ledger.TransferParams{Debit: debit, Credit: credit})
	if err != nil {
		return nil, err
	}
	posted = true
	s.Guard.Complete(key, debit.Reference)

	s.publishTxn(events.TransactionSucceeded, debit, "")
	s.publish(events.WalletCredited, to.MerchantID, "wallet", to.ID, events.WalletCreditedData{
		WalletID:    to.ID,
		Reference:   credit.Reference,
		AmountMinor: credit.Amount.AmountMinor,
		NetMinor:    credit.NetAmount,
		Currency:    string(credit.Amount.Currency),
		NewBalance:  credit.BalanceAfter,
	})
	s.audit(c.MerchantID, c.UserID, string(domain.FeatureWalletTransfer), debit.Reference, map[string]string{
		"recipient_merchant_id": to.MerchantID,
	})
	return &Receipt{Transaction: debit, Balances: bal}, nil
}
