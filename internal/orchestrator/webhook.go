package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"paycore/internal/common/database"
	"paycore/internal/common/events"
	"paycore/internal/common/metrics"
	"paycore/internal/fees"
	"paycore/internal/jobs"
	"paycore/internal/ledger"
	"paycore/internal/ledger/domain"
	"paycore/internal/provider"
)

// Dispatch outcomes, also used as the inbox outcome column.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeMalformed = "malformed"
)

// ProcessWebhook verifies, parses and dispatches a webhook synchronously.
func (s *Service) ProcessWebhook(ctx context.Context, name provider.Name, payload []byte, signature string) (string, error) {
	adapter, err := s.verifyWebhook(name, payload, signature)
	if err != nil {
		return "", err
	}
	ev, err := adapter.ParseWebhook(payload)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues(string(name), "unknown", OutcomeMalformed).Inc()
		return "", err
	}
	return s.Dispatch(ctx, ev)
}

// AcceptWebhook verifies a webhook and stores it in the inbox for
// asynchronous dispatch. Redeliveries of a stored payload are accepted and
// dropped.
func (s *Service) AcceptWebhook(ctx context.Context, name provider.Name, payload []byte, signature string) error {
	if _, err := s.verifyWebhook(name, payload, signature); err != nil {
		return err
	}
	entry := NewInboxEntry(name, payload, signature)
	if err := s.Inbox.Insert(ctx, entry); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			s.logger.Debug("webhook redelivered", "provider", name, "fingerprint", entry.Fingerprint)
			return nil
		}
		return fmt.Errorf("recording webhook: %w", err)
	}
	// A dropped job is picked up by the sweep's inbox replay.
	s.Jobs.Enqueue(s.inboxJob(entry))
	return nil
}

// HandleEvent dispatches an event delivered over a trusted channel, such
// as the card acquirer's NATS subjects.
func (s *Service) HandleEvent(ctx context.Context, ev *provider.WebhookEvent) {
	outcome, err := s.Dispatch(ctx, ev)
	if err != nil {
		s.logger.Error("event dispatch failed",
			"provider", ev.Provider,
			"kind", ev.Kind,
			"reference", ev.LookupReference(),
			"error", err,
		)
		return
	}
	s.logger.Debug("event dispatched", "provider", ev.Provider, "kind", ev.Kind, "outcome", outcome)
}

func (s *Service) verifyWebhook(name provider.Name, payload []byte, signature string) (provider.Adapter, error) {
	adapter, err := s.Registry.Get(name)
	if err != nil {
		return nil, err
	}
	if adapter.VerifyWebhookSignature(payload, signature) {
		return adapter, nil
	}
	fingerprint := Fingerprint(payload)
	metrics.WebhookSignatureFailures.WithLabelValues(string(name)).Inc()
	s.logger.Warn("webhook signature rejected",
		"provider", name,
		"fingerprint", fingerprint,
		"payload_size", len(payload),
		"security_event", true,
	)
	s.publish(events.WebhookRejected, "", "webhook", fingerprint, map[string]string{
		"provider":    string(name),
		"fingerprint": fingerprint,
	})
	return nil, ErrInvalidSignature
}

func (s *Service) inboxJob(e *InboxEntry) jobs.Job {
	return jobs.Job{
		Kind: jobs.KindWebhook,
		Ref:  e.ID,
		Run: func(ctx context.Context) error {
			return s.processEntry(ctx, e)
		},
	}
}

// processEntry dispatches a stored webhook and records the result. Failed
// entries stay unprocessed for the sweep to replay.
func (s *Service) processEntry(ctx context.Context, e *InboxEntry) error {
	adapter, err := s.Registry.Get(e.Provider)
	if err != nil {
		return err
	}
	ev, err := adapter.ParseWebhook(e.Payload)
	if errors.Is(err, provider.ErrMalformedWebhook) {
		s.logger.Warn("malformed webhook", "provider", e.Provider, "inbox_id", e.ID, "error", err)
		metrics.WebhooksTotal.WithLabelValues(string(e.Provider), "unknown", OutcomeMalformed).Inc()
		return s.Inbox.MarkProcessed(ctx, e.ID, OutcomeMalformed)
	}

	outcome := ""
	if err == nil {
		outcome, err = s.Dispatch(ctx, ev)
	}
	if err != nil {
		if markErr := s.Inbox.MarkFailed(ctx, e.ID, err.Error()); markErr != nil {
			s.logger.Error("marking webhook failed", "inbox_id", e.ID, "error", markErr)
		}
		return err
	}
	return s.Inbox.MarkProcessed(ctx, e.ID, outcome)
}

// Dispatch applies a normalized event to the ledger under the reference
// lock. Every case is idempotent: a redelivery reports OutcomeDuplicate and
// changes nothing.
func (s *Service) Dispatch(ctx context.Context, ev *provider.WebhookEvent) (outcome string, err error) {
	defer func() {
		label := outcome
		if err != nil {
			label = "error"
		}
		metrics.WebhooksTotal.WithLabelValues(string(ev.Provider), string(ev.Kind), label).Inc()
	}()

	if ev.Kind == provider.EventIgnored {
		s.logger.Debug("webhook ignored", "provider", ev.Provider, "event", ev.EventName)
		return OutcomeIgnored, nil
	}
	if ref := ev.LookupReference(); ref != "" {
		unlock, err := s.Locks.Lock(ctx, ref)
		if err != nil {
			return "", err
		}
		defer unlock()
	}

	switch ev.Kind {
	case provider.EventInboundTransfer:
		return s.applyInbound(ctx, ev)
	case provider.EventPayoutSucceeded, provider.EventVASCompleted:
		return s.applySuccess(ctx, ev)
	case provider.EventPayoutFailed, provider.EventVASFailed:
		return s.applyFailure(ctx, ev, domain.StatusFailed)
	case provider.EventPayoutReversed:
		return s.applyFailure(ctx, ev, domain.StatusRefunded)
	case provider.EventCardCaptured:
		return s.applyCardCapture(ctx, ev)
	case provider.EventCardRefunded, provider.EventChargeback:
		return s.applyChargeback(ctx, ev)
	}
	return "", fmt.Errorf("unknown event kind %q", ev.Kind)
}

// findTransaction resolves an event to a ledger row by our reference, then
// by the rail's.
func (s *Service) findTransaction(ctx context.Context, ev *provider.WebhookEvent) (*domain.Transaction, error) {
	if ev.Reference != "" {
		t, err := s.Ledger.Transaction(ctx, ev.Reference)
		if err == nil || !database.IsNotFound(err) || ev.ProviderReference == "" {
			return t, err
		}
	}
	if ev.ProviderReference == "" {
		return nil, fmt.Errorf("event without reference: %w", database.ErrNotFound)
	}
	return s.Ledger.TransactionByProviderRef(ctx, string(ev.Provider), ev.ProviderReference)
}

func (s *Service) unknownReference(ev *provider.WebhookEvent) (string, error) {
	s.logger.Warn("webhook for unknown transaction",
		"provider", ev.Provider,
		"kind", ev.Kind,
		"reference", ev.Reference,
		"provider_reference", ev.ProviderReference,
	)
	return OutcomeIgnored, nil
}

func isDuplicate(err error) bool {
	return errors.Is(err, ledger.ErrAlreadyApplied) ||
		errors.Is(err, ledger.ErrAlreadyReversed) ||
		errors.Is(err, database.ErrAlreadyExists)
}

// applyInbound credits a transfer into a sub-account. A pending credit is
// settled with the confirmed amount, not the expected one. Events are
// deduplicated by provider reference, so a further instalment toward an
// already settled credit is booked as its own credit linked to it.
func (s *Service) applyInbound(ctx context.Context, ev *provider.WebhookEvent) (string, error) {
	if ev.ProviderReference != "" {
		_, err := s.Ledger.TransactionByProviderRef(ctx, string(ev.Provider), ev.ProviderReference)
		if err == nil {
			return OutcomeDuplicate, nil
		}
		if !database.IsNotFound(err) {
			return "", err
		}
	}
	existing, err := s.findTransaction(ctx, ev)
	if err != nil && !database.IsNotFound(err) {
		return "", err
	}

	var (
		wallet *domain.Wallet
		subID  string
		parent *domain.Transaction
	)
	if existing != nil {
		if existing.Type != domain.TypeCredit {
			s.logger.Warn("inbound event for a debit", "reference", existing.Reference, "provider", ev.Provider)
			return OutcomeIgnored, nil
		}
		switch {
		case existing.Status == domain.StatusPending:
		case ev.ProviderReference != "" && (existing.Status == domain.StatusSuccessful || existing.Status == domain.StatusCompleted):
			parent, existing = existing, nil
		default:
			return OutcomeDuplicate, nil
		}
	}

	switch {
	case existing != nil || parent != nil:
		from := existing
		if from == nil {
			from = parent
		}
		if wallet, err = s.Ledger.Wallet(ctx, from.WalletID); err != nil {
			return "", fmt.Errorf("loading wallet: %w", err)
		}
		subID = from.SubAccountID
	default:
		sub, err := s.Ledger.SubAccountByNumber(ctx, ev.AccountNumber)
		if database.IsNotFound(err) {
			s.logger.Warn("inbound transfer to unknown account",
				"provider", ev.Provider,
				"account_number", ev.AccountNumber,
				"provider_reference", ev.ProviderReference,
			)
			return OutcomeIgnored, nil
		}
		if err != nil {
			return "", fmt.Errorf("loading sub-account: %w", err)
		}
		if wallet, err = s.Ledger.Wallet(ctx, sub.WalletID); err != nil {
			return "", fmt.Errorf("loading wallet: %w", err)
		}
		subID = sub.ID
	}

	amount := ev.Amount
	if amount.Currency == "" {
		amount.Currency = wallet.Currency
	}
	rail, err := s.Providers.Get(ctx, ev.Provider)
	if err != nil {
		return "", fmt.Errorf("loading provider %s: %w", ev.Provider, err)
	}

	t, err := domain.NewTransaction(wallet, domain.TypeCredit, domain.FeatureBankAccountFunding, amount)
	if err != nil {
		return "", err
	}
	if parent != nil {
		t.SettlementOf = parent.Reference
		s.logger.Info("further instalment toward settled credit",
			"reference", parent.Reference,
			"provider_reference", ev.ProviderReference,
			"amount", amount.AmountMinor,
			"partial", ev.Partial,
		)
	}
	if existing != nil {
		t.Reference = existing.Reference
		if existing.Amount.AmountMinor != amount.AmountMinor {
			s.logger.Warn("inbound amount differs from expected",
				"reference", existing.Reference,
				"expected", existing.Amount.AmountMinor,
				"confirmed", amount.AmountMinor,
				"partial", ev.Partial,
			)
		}
	}
	t.Charges, _ = s.quote(rail, wallet, amount, fees.Inflow, fees.KindTransfer)
	t.Provider = string(ev.Provider)
	t.ProviderReference = ev.ProviderReference
	t.ProviderPayload = ev.Raw
	t.WebhookApplied = true
	t.WebhookEvent = ev.EventName
	t.Counterparty = domain.Counterparty{
		AccountNumber: ev.Sender.AccountNumber,
		AccountName:   ev.Sender.AccountName,
		BankCode:      ev.Sender.BankCode,
		BankName:      ev.Sender.BankName,
	}
	t.Narration = "Transfer from " + ev.Sender.AccountName

	credited, _, err := s.Ledger.Credit(ctx, ledger.CreditParams{Txn: t, SubAccountID: subID})
	if isDuplicate(err) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}

	if s.Inflows != nil {
		if err := s.Inflows.RecordInflow(ctx, credited.MerchantID, credited.Amount, credited.Reference); err != nil {
			s.logger.Warn("inflow not recorded", "reference", credited.Reference, "error", err)
		}
	}
	s.credited(credited, "wallet.funded")
	return OutcomeApplied, nil
}

// credited queues the side effects of any wallet credit.
func (s *Service) credited(t *domain.Transaction, template string) {
	s.publishTxn(events.TransactionSucceeded, t, "")
	s.publish(events.WalletCredited, t.MerchantID, "wallet", t.WalletID, events.WalletCreditedData{
		WalletID:    t.WalletID,
		Reference:   t.Reference,
		AmountMinor: t.Amount.AmountMinor,
		NetMinor:    t.NetAmount,
		Currency:    string(t.Amount.Currency),
		NewBalance:  t.BalanceAfter,
	})
	s.notify(Notification{
		MerchantID: t.MerchantID,
		Template:   template,
		Reference:  t.Reference,
		Data: map[string]string{
			"amount": t.Amount.String(),
			"net":    fmt.Sprint(t.NetAmount),
		},
	})
}

// applySuccess finalizes an outbound movement.
func (s *Service) applySuccess(ctx context.Context, ev *provider.WebhookEvent) (string, error) {
	t, err := s.findTransaction(ctx, ev)
	if database.IsNotFound(err) {
		return s.unknownReference(ev)
	}
	if err != nil {
		return "", err
	}

	outcome := OutcomeApplied
	updated, err := s.Ledger.Update(ctx, t.Reference, func(t *domain.Transaction) error {
		switch {
		case t.Status == domain.StatusCompleted:
			outcome = OutcomeDuplicate
			return ledger.ErrNoChange
		case t.IsReversed() || t.Status == domain.StatusFailed || t.Status == domain.StatusRefunded:
			outcome = OutcomeIgnored
			return ledger.ErrNoChange
		}
		if t.Status == domain.StatusDebited {
			if err := t.TransitionTo(domain.StatusProcessing); err != nil {
				return err
			}
		}
		if t.Status == domain.StatusProcessing {
			if err := t.TransitionTo(domain.StatusSuccessful); err != nil {
				return err
			}
		}
		if err := t.TransitionTo(domain.StatusCompleted); err != nil {
			return err
		}
		if t.ProviderReference == "" {
			t.ProviderReference = ev.ProviderReference
		}
		t.WebhookApplied = true
		t.WebhookEvent = ev.EventName
		return nil
	})
	if err != nil {
		return "", err
	}

	switch outcome {
	case OutcomeIgnored:
		s.logger.Error("provider reported success for a reversed transaction",
			"reference", updated.Reference,
			"merchant_id", updated.MerchantID,
			"status", updated.Status,
			"provider", ev.Provider,
			"manual_reconciliation", true,
		)
	case OutcomeApplied:
		s.publishTxn(events.TransactionSucceeded, updated, "")
	}
	return outcome, nil
}

// applyFailure reverses an outbound movement the rail did not complete.
// A failure after completion, or an explicit reversal, refunds instead.
func (s *Service) applyFailure(ctx context.Context, ev *provider.WebhookEvent, status domain.Status) (string, error) {
	t, err := s.findTransaction(ctx, ev)
	if database.IsNotFound(err) {
		return s.unknownReference(ev)
	}
	if err != nil {
		return "", err
	}
	if t.Type != domain.TypeDebit {
		s.logger.Warn("failure event for a credit", "reference", t.Reference, "kind", ev.Kind)
		return OutcomeIgnored, nil
	}
	if t.IsReversed() || t.Status == domain.StatusFailed || t.Status == domain.StatusRefunded {
		return OutcomeDuplicate, nil
	}
	if !t.Status.CanTransition(status) {
		status = domain.StatusRefunded
	}

	reason := ev.Reason
	if reason == "" {
		reason = ev.EventName
	}
	_, orig, err := s.Ledger.Reverse(ctx, ledger.ReverseParams{
		Reference: t.Reference,
		AddFee:    true,
		Reason:    reason,
		Status:    status,
	})
	if isDuplicate(err) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		metrics.ReversalFailures.Inc()
		s.logger.Error("webhook reversal failed",
			"reference", t.Reference,
			"merchant_id", t.MerchantID,
			"amount", t.DebitTotal(),
			"error", err,
			"manual_reconciliation", true,
		)
		return "", err
	}

	metrics.LedgerReversals.WithLabelValues("webhook").Inc()
	s.publishTxn(events.TransactionReversed, orig, reason)
	s.notify(Notification{
		MerchantID: orig.MerchantID,
		Template:   "wallet.reversal",
		Reference:  orig.Reference,
		Data: map[string]string{
			"amount": orig.Amount.String(),
			"reason": reason,
		},
	})
	return OutcomeApplied, nil
}

// applyCardCapture credits a captured card payment to the merchant's wallet.
func (s *Service) applyCardCapture(ctx context.Context, ev *provider.WebhookEvent) (string, error) {
	if ev.ProviderReference == "" || ev.MerchantID == "" {
		s.logger.Warn("card capture without transaction or merchant", "provider", ev.Provider, "reference", ev.Reference)
		return OutcomeIgnored, nil
	}
	if _, err := s.Ledger.TransactionByProviderRef(ctx, string(ev.Provider), ev.ProviderReference); err == nil {
		return OutcomeDuplicate, nil
	} else if !database.IsNotFound(err) {
		return "", err
	}

	wallet, err := s.Ledger.WalletByMerchant(ctx, ev.MerchantID)
	if err != nil {
		return "", fmt.Errorf("loading wallet: %w", err)
	}
	rail, err := s.Providers.Get(ctx, ev.Provider)
	if err != nil {
		return "", fmt.Errorf("loading provider %s: %w", ev.Provider, err)
	}

	t, err := domain.NewTransaction(wallet, domain.TypeCredit, domain.FeaturePaymentLinkInflow, ev.Amount)
	if err != nil {
		return "", err
	}
	t.Charges, _ = s.quote(rail, wallet, ev.Amount, fees.Inflow, fees.KindCard)
	t.Provider = string(ev.Provider)
	t.ProviderReference = ev.ProviderReference
	t.ProviderPayload = ev.Raw
	t.WebhookApplied = true
	t.WebhookEvent = ev.EventName
	t.Narration = "Card payment " + ev.Reference

	credited, _, err := s.Ledger.Credit(ctx, ledger.CreditParams{Txn: t})
	if isDuplicate(err) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	if s.Inflows != nil {
		if err := s.Inflows.RecordInflow(ctx, credited.MerchantID, credited.Amount, credited.Reference); err != nil {
			s.logger.Warn("inflow not recorded", "reference", credited.Reference, "error", err)
		}
	}
	s.credited(credited, "payment.received")
	return OutcomeApplied, nil
}

// applyChargeback takes a refunded or charged-back card payment back out of
// the wallet. The money has already left, so the debit may overdraw.
func (s *Service) applyChargeback(ctx context.Context, ev *provider.WebhookEvent) (string, error) {
	if ev.ProviderReference == "" || ev.MerchantID == "" {
		s.logger.Warn("chargeback without transaction or merchant", "provider", ev.Provider, "reference", ev.Reference)
		return OutcomeIgnored, nil
	}
	ref := string(ev.Kind) + ":" + ev.ProviderReference
	if _, err := s.Ledger.TransactionByProviderRef(ctx, string(ev.Provider), ref); err == nil {
		return OutcomeDuplicate, nil
	} else if !database.IsNotFound(err) {
		return "", err
	}

	wallet, err := s.Ledger.WalletByMerchant(ctx, ev.MerchantID)
	if err != nil {
		return "", fmt.Errorf("loading wallet: %w", err)
	}
	t, err := domain.NewTransaction(wallet, domain.TypeDebit, domain.FeatureChargebackPayout, ev.Amount)
	if err != nil {
		return "", err
	}
	t.NetAmount = ev.Amount.AmountMinor
	t.Provider = string(ev.Provider)
	t.ProviderReference = ref
	t.ProviderPayload = ev.Raw
	t.WebhookApplied = true
	t.WebhookEvent = ev.EventName
	t.FailureReason = ev.Reason
	t.Narration = "Chargeback " + ev.ProviderReference

	debited, bal, err := s.Ledger.Debit(ctx, ledger.DebitParams{Txn: t, AllowOverdraft: true})
	if isDuplicate(err) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	for _, next := range []domain.Status{domain.StatusProcessing, domain.StatusSuccessful} {
		if debited, _, err = s.Ledger.Transition(ctx, debited.Reference, next, nil); err != nil {
			// The debit stands; only the status lags.
			s.needsReconciliation(t, "chargeback", err)
			return OutcomeApplied, nil
		}
	}

	if bal.Wallet < 0 {
		s.logger.Warn("wallet overdrawn by chargeback",
			"merchant_id", debited.MerchantID,
			"reference", debited.Reference,
			"balance", bal.Wallet,
		)
	}
	s.publishTxn(events.WalletDebited, debited, ev.Reason)
	s.notify(Notification{
		MerchantID: debited.MerchantID,
		Template:   "wallet.chargeback",
		Reference:  debited.Reference,
		Data: map[string]string{
			"amount": debited.Amount.String(),
			"reason": ev.Reason,
		},
	})
	return OutcomeApplied, nil
}
