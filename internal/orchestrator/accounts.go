package orchestrator

import (
	"context"
	"fmt"

	"paycore/internal/beneficiary"
	"paycore/internal/common/database"
	"paycore/internal/common/events"
	"paycore/internal/common/money"
	"paycore/internal/fees"
	"paycore/internal/ledger/domain"
	"paycore/internal/provider"
)

// BankAccountRequest asks for a dedicated collection account.
type BankAccountRequest struct {
	AccountName string `json:"account_name" validate:"required,max=100"`
	Email       string `json:"email" validate:"omitempty,email"`
}

// GenerateBankAccount issues a virtual account on the active banking rail
// and records it as the merchant's sub-account there.
func (s *Service) GenerateBankAccount(ctx context.Context, c Caller, req BankAccountRequest) (*domain.SubAccount, error) {
	if err := s.checkCompliance(ctx, c.MerchantID); err != nil {
		return nil, err
	}
	adapter, rail, err := s.rail(ctx, provider.CapabilityBanking)
	if err != nil {
		return nil, err
	}
	wallet, err := s.Ledger.WalletByMerchant(ctx, c.MerchantID)
	if err != nil {
		return nil, fmt.Errorf("loading wallet: %w", err)
	}
	if _, err := s.Ledger.SubAccount(ctx, c.MerchantID, string(rail.Name)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountExists, rail.Name)
	} else if !database.IsNotFound(err) {
		return nil, err
	}

	va, err := timed(ctx, s, rail.Name, "create_virtual_account", func(ctx context.Context) (*provider.VirtualAccount, error) {
		return adapter.CreateVirtualAccount(ctx, provider.VirtualAccountRequest{
			MerchantID:  c.MerchantID,
			Reference:   domain.NewReference(),
			AccountName: req.AccountName,
			Email:       req.Email,
		})
	})
	if err != nil {
		return nil, err
	}

	sub, err := domain.NewSubAccount(wallet, string(rail.Name), va.AccountNumber, va.AccountName, va.BankCode)
	if err != nil {
		return nil, provider.Transport(rail.Name, fmt.Errorf("incomplete virtual account: %w", err))
	}
	sub.BankName = va.BankName
	sub.ProviderAccountRef = va.ProviderAccountRef
	if err := s.Ledger.CreateSubAccount(ctx, sub); err != nil {
		return nil, err
	}

	s.audit(c.MerchantID, c.UserID, "bank_account.generate", sub.ID, map[string]string{
		"provider":       sub.Provider,
		"account_number": sub.AccountNumber,
	})
	return sub, nil
}

// InflowRequest announces a payment the merchant expects into its
// collection account, such as an invoice paid by bank transfer.
type InflowRequest struct {
	Amount    money.Money `json:"amount" validate:"required"`
	Narration string      `json:"narration" validate:"max=100"`
}

// ExpectedInflow tells the payer where to send the money and which
// reference to quote.
type ExpectedInflow struct {
	Transaction *domain.Transaction `json:"transaction"`
	Account     *domain.SubAccount  `json:"account"`
}

// ExpectInflow records a pending credit on the merchant's sub-account on the
// active banking rail. The rail's inbound webhook quoting the reference
// settles it with whatever amount actually arrived.
func (s *Service) ExpectInflow(ctx context.Context, c Caller, req InflowRequest) (*ExpectedInflow, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if err := s.checkCompliance(ctx, c.MerchantID); err != nil {
		return nil, err
	}
	name := s.ConfigProviderName(ctx, provider.CapabilityBanking)
	sub, err := s.Ledger.SubAccount(ctx, c.MerchantID, string(name))
	if err != nil {
		return nil, fmt.Errorf("collection account on %s: %w", name, err)
	}
	wallet, err := s.Ledger.WalletByMerchant(ctx, c.MerchantID)
	if err != nil {
		return nil, fmt.Errorf("loading wallet: %w", err)
	}

	amount := req.Amount
	if amount.Currency == "" {
		amount.Currency = wallet.Currency
	}
	t, err := domain.NewTransaction(wallet, domain.TypeCredit, domain.FeatureBankAccountFunding, amount)
	if err != nil {
		return nil, err
	}
	t.Provider = string(name)
	t.SubAccountID = sub.ID
	t.Narration = req.Narration
	if t, err = s.Ledger.ExpectCredit(ctx, t); err != nil {
		return nil, err
	}

	s.publishTxn(events.TransactionPending, t, "")
	s.audit(c.MerchantID, c.UserID, "inflow.expect", t.Reference, map[string]string{
		"provider": t.Provider,
		"amount":   t.Amount.String(),
	})
	return &ExpectedInflow{Transaction: t, Account: sub}, nil
}

// DeleteBankAccount retires the merchant's sub-account on a rail, or on the
// active banking rail when name is empty.
func (s *Service) DeleteBankAccount(ctx context.Context, c Caller, name provider.Name) error {
	if name == "" {
		name = s.ConfigProviderName(ctx, provider.CapabilityBanking)
	}
	if err := s.Ledger.DeleteSubAccount(ctx, c.MerchantID, string(name)); err != nil {
		return err
	}
	s.logger.Info("bank sub-account deleted", "merchant_id", c.MerchantID, "provider", name)
	s.audit(c.MerchantID, c.UserID, "bank_account.delete", "", map[string]string{"provider": string(name)})
	return nil
}

// ResolveBankAccount looks up the name on a bank account through the
// banking rail.
func (s *Service) ResolveBankAccount(ctx context.Context, req provider.ResolveAccountRequest) (*provider.Counterparty, error) {
	adapter, rail, err := s.rail(ctx, provider.CapabilityBanking)
	if err != nil {
		return nil, err
	}
	return timed(ctx, s, rail.Name, "resolve_account", func(ctx context.Context) (*provider.Counterparty, error) {
		return adapter.ResolveAccount(ctx, req)
	})
}

// ValidateBiller checks a customer with a biller through the bills rail.
func (s *Service) ValidateBiller(ctx context.Context, req provider.BillerRequest) (*provider.BillerCustomer, error) {
	adapter, rail, err := s.rail(ctx, provider.CapabilityBills)
	if err != nil {
		return nil, err
	}
	return timed(ctx, s, rail.Name, "validate_biller", func(ctx context.Context) (*provider.BillerCustomer, error) {
		return adapter.ValidateBiller(ctx, req)
	})
}

// ProviderBalance returns the float held with a rail.
func (s *Service) ProviderBalance(ctx context.Context, name provider.Name) (money.Money, error) {
	adapter, err := s.Registry.Get(name)
	if err != nil {
		return money.Money{}, err
	}
	return timed(ctx, s, name, "balance", adapter.GetBalance)
}

// FundFloatRequest moves platform float into an account held with a rail.
type FundFloatRequest struct {
	Provider      provider.Name `json:"provider" validate:"required"`
	Amount        money.Money   `json:"amount" validate:"required"`
	AccountNumber string        `json:"account_number" validate:"required"`
	Narration     string        `json:"narration" validate:"max=100"`
}

// FundFloat tops up a rail account. It touches no merchant wallet.
func (s *Service) FundFloat(ctx context.Context, actorID string, req FundFloatRequest) (*provider.Result, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	adapter, rail, err := s.railByName(ctx, req.Provider)
	if err != nil {
		return nil, err
	}
	ref := domain.NewReference()
	res, err := s.callRail(ctx, rail.Name, "fund_account", func(ctx context.Context) (*provider.Result, error) {
		return adapter.FundAccount(ctx, provider.FundRequest{
			Reference:     ref,
			Amount:        req.Amount,
			AccountNumber: req.AccountNumber,
			Narration:     req.Narration,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("float funded",
		"provider", rail.Name,
		"reference", ref,
		"amount", req.Amount.AmountMinor,
		"outcome", res.Outcome,
		"actor_id", actorID,
	)
	s.audit("", actorID, "provider.fund", ref, map[string]string{
		"provider": string(rail.Name),
		"amount":   req.Amount.String(),
		"outcome":  string(res.Outcome),
	})
	return res, nil
}

// ListBeneficiaries returns the merchant's most recent saved accounts.
func (s *Service) ListBeneficiaries(ctx context.Context, merchantID string) ([]*beneficiary.Beneficiary, error) {
	if s.Beneficiaries == nil {
		return nil, nil
	}
	limit := s.cfg.BeneficiaryListSize
	if limit <= 0 {
		limit = 50
	}
	return s.Beneficiaries.List(ctx, merchantID, limit)
}

// OpenWalletRequest onboards a merchant.
type OpenWalletRequest struct {
	MerchantID string         `json:"merchant_id" validate:"required,max=64"`
	Currency   money.Currency `json:"currency" validate:"omitempty,len=3"`
	Pricing    fees.Pricing   `json:"pricing"`
}

// OpenWallet creates the merchant's wallet. A second wallet for the same
// merchant fails with database.ErrAlreadyExists.
func (s *Service) OpenWallet(ctx context.Context, actorID string, req OpenWalletRequest) (*domain.Wallet, error) {
	w, err := s.Ledger.CreateWallet(ctx, req.MerchantID, req.Currency, req.Pricing)
	if err != nil {
		return nil, err
	}
	s.audit(w.MerchantID, actorID, "wallet.open", "", map[string]string{"currency": string(w.Currency)})
	return w, nil
}

// SetPricing replaces a merchant's VAT and platform fee overrides.
func (s *Service) SetPricing(ctx context.Context, actorID, merchantID string, pricing fees.Pricing) error {
	if err := s.Ledger.SetPricing(ctx, merchantID, pricing); err != nil {
		return err
	}
	s.logger.Info("merchant pricing updated",
		"merchant_id", merchantID,
		"overrides", len(pricing.Overrides),
		"actor_id", actorID,
	)
	s.audit(merchantID, actorID, "wallet.pricing", "", nil)
	return nil
}
