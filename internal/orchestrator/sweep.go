package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"time"

	"paycore/internal/common/events"
	"paycore/internal/common/metrics"
	"paycore/internal/ledger"
	"paycore/internal/ledger/domain"
	"paycore/internal/provider"
)

// SweepReport counts what one sweep did.
type SweepReport struct {
	Checked       int `json:"checked"`
	Settled       int `json:"settled"`
	StillPending  int `json:"still_pending"`
	Errors        int `json:"errors"`
	InboxReplayed int `json:"inbox_replayed"`
	InboxFailed   int `json:"inbox_failed"`
}

// Sweep resolves transactions stuck in debited, pending or processing, then
// replays inbox rows whose processing never finished. A debit that never
// reached processing was never sent to a rail and is reversed outright; the
// rest are re-queried and their verdict goes through Dispatch.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	stale, err := s.Ledger.StalePending(ctx, s.now().Add(-s.cfg.SweepPendingAfter), s.batchSize())
	if err != nil {
		return report, err
	}
	for _, t := range stale {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		settled, err := s.reconcile(ctx, t)
		switch {
		case err != nil:
			report.Errors++
			s.logger.Warn("sweep could not settle transaction", "reference", t.Reference, "provider", t.Provider, "error", err)
		case settled:
			report.Settled++
		default:
			report.StillPending++
		}
	}

	if s.Inbox != nil {
		entries, err := s.Inbox.ListUnprocessed(ctx, s.now().Add(-s.cfg.InboxReplayAfter), s.maxInboxAttempts(), s.batchSize())
		if err != nil {
			return report, err
		}
		for _, e := range entries {
			if err := s.processEntry(ctx, e); err != nil {
				report.InboxFailed++
				continue
			}
			report.InboxReplayed++
		}
	}

	s.logger.Info("sweep finished",
		"checked", report.Checked,
		"settled", report.Settled,
		"still_pending", report.StillPending,
		"errors", report.Errors,
		"inbox_replayed", report.InboxReplayed,
		"inbox_failed", report.InboxFailed,
	)
	return report, nil
}

// RunSweeper sweeps every SweepInterval until ctx ends.
func (s *Service) RunSweeper(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// reconcile resolves one stale transaction and reports whether it left the
// in-flight states.
func (s *Service) reconcile(ctx context.Context, t *domain.Transaction) (bool, error) {
	switch {
	case t.Feature == domain.FeatureChargebackPayout:
		return s.finishChargeback(ctx, t)
	case t.Status == domain.StatusDebited:
		return s.reverseUnsent(ctx, t)
	case t.Type == domain.TypeCredit && t.ProviderReference == "":
		// An expected inflow waits for the payer.
		return false, nil
	}

	name := provider.Name(t.Provider)
	adapter, err := s.Registry.Get(name)
	if err != nil {
		return false, err
	}
	res, err := timed(ctx, s, name, "status", func(ctx context.Context) (*provider.Result, error) {
		return adapter.TransactionStatus(ctx, t.Reference)
	})
	if err != nil {
		// A rail that never heard of a processing transaction never moved
		// the money.
		pe, ok := provider.AsError(err)
		if !ok || pe.Code != http.StatusNotFound || t.Status != domain.StatusProcessing {
			return false, err
		}
		res = &provider.Result{Outcome: provider.OutcomeFailed, Message: "unknown to provider"}
	}
	if res == nil || res.Outcome == provider.OutcomePending {
		return false, nil
	}

	ev := &provider.WebhookEvent{
		Kind:              sweepEventKind(t, res.Outcome),
		Provider:          name,
		EventName:         "sweep." + string(res.Outcome),
		Reference:         t.Reference,
		ProviderReference: res.ProviderReference,
		Amount:            t.Amount,
		Reason:            res.Message,
		OccurredAt:        s.now(),
		Raw:               res.Raw,
	}
	if ev.Kind == provider.EventIgnored {
		return false, nil
	}
	if ev.ProviderReference == "" {
		ev.ProviderReference = t.ProviderReference
	}
	if _, err := s.Dispatch(ctx, ev); err != nil {
		return false, err
	}
	return true, nil
}

// reverseUnsent reverses a debit left in debited. The rail is only called
// after the move to processing, so no money left through it.
func (s *Service) reverseUnsent(ctx context.Context, t *domain.Transaction) (bool, error) {
	unlock, err := s.Locks.Lock(ctx, t.Reference)
	if err != nil {
		return false, err
	}
	defer unlock()

	cur, err := s.Ledger.Transaction(ctx, t.Reference)
	if err != nil {
		return false, err
	}
	if cur.Status != domain.StatusDebited {
		return cur.Status.IsTerminal(), nil
	}

	const reason = "debit never sent to provider"
	_, orig, err := s.Ledger.Reverse(ctx, ledger.ReverseParams{
		Reference: cur.Reference,
		AddFee:    true,
		Reason:    reason,
		Status:    domain.StatusFailed,
	})
	if errors.Is(err, ledger.ErrAlreadyReversed) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	metrics.LedgerReversals.WithLabelValues("sweep").Inc()
	s.logger.Warn("reversed stale debit",
		"reference", orig.Reference,
		"merchant_id", orig.MerchantID,
		"amount", orig.DebitTotal(),
	)
	s.publishTxn(events.TransactionReversed, orig, reason)
	return true, nil
}

// finishChargeback completes the status of a chargeback whose debit landed.
// The acquirer already took the money, so it is never reversed.
func (s *Service) finishChargeback(ctx context.Context, t *domain.Transaction) (bool, error) {
	for _, next := range []domain.Status{domain.StatusProcessing, domain.StatusSuccessful} {
		if _, _, err := s.Ledger.Transition(ctx, t.Reference, next, nil); err != nil {
			return false, err
		}
	}
	return true, nil
}

func sweepEventKind(t *domain.Transaction, outcome provider.Outcome) provider.EventKind {
	if t.Type == domain.TypeCredit {
		if outcome == provider.OutcomeSuccessful {
			return provider.EventInboundTransfer
		}
		return provider.EventIgnored
	}
	vas := t.Feature == domain.FeatureWalletAirtime || t.Feature == domain.FeatureWalletData || t.Feature == domain.FeatureWalletBill
	switch outcome {
	case provider.OutcomeSuccessful:
		if vas {
			return provider.EventVASCompleted
		}
		return provider.EventPayoutSucceeded
	case provider.OutcomeFailed:
		if vas {
			return provider.EventVASFailed
		}
		return provider.EventPayoutFailed
	case provider.OutcomeReversed:
		return provider.EventPayoutReversed
	}
	return provider.EventIgnored
}

func (s *Service) batchSize() int {
	if s.cfg.SweepBatchSize > 0 {
		return s.cfg.SweepBatchSize
	}
	return 100
}

func (s *Service) maxInboxAttempts() int {
	if s.cfg.InboxMaxAttempts > 0 {
		return s.cfg.InboxMaxAttempts
	}
	return 10
}
