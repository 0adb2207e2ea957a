// Package orchestrator picks a rail for every money movement, drives the
// debit-call-settle sequence against the ledger and reconciles provider
// webhooks back into it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"paycore/internal/beneficiary"
	"paycore/internal/common/events"
	"paycore/internal/common/keylock"
	"paycore/internal/common/money"
	"paycore/internal/fees"
	"paycore/internal/idempotency"
	"paycore/internal/jobs"
	"paycore/internal/ledger"
	"paycore/internal/ledger/domain"
	"paycore/internal/provider"
)

var (
	ErrComplianceRequired    = errors.New("merchant compliance verification required")
	ErrLastActiveProvider    = errors.New("cannot deactivate the active provider; activate another provider instead")
	ErrCapabilityUnsupported = errors.New("provider does not support capability")
	ErrProviderDisabled      = errors.New("provider is disabled")
	ErrInvalidSignature      = errors.New("invalid webhook signature")
	ErrAccountExists         = errors.New("bank account already exists for provider")
	ErrUnexpected            = errors.New("unexpected failure after debit")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrSelfTransfer          = errors.New("cannot send money to own wallet")
)

// ComplianceChecker gates money movement on merchant verification.
type ComplianceChecker interface {
	Compliant(ctx context.Context, merchantID string) (bool, error)
}

// InflowRecorder tracks inbound volume outside the ledger, e.g. for limits.
type InflowRecorder interface {
	RecordInflow(ctx context.Context, merchantID string, amount money.Money, reference string) error
}

// Notification is a message for the merchant.
type Notification struct {
	MerchantID string
	Template   string
	Reference  string
	Data       map[string]string
}

// Notifier delivers merchant notifications by email or SMS.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Config holds orchestrator configuration
type Config struct {
	ProviderTimeout     time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"30s"`
	SweepInterval       time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m"`
	SweepPendingAfter   time.Duration `envconfig:"SWEEP_PENDING_AFTER" default:"15m"`
	SweepBatchSize      int           `envconfig:"SWEEP_BATCH_SIZE" default:"100"`
	InboxReplayAfter    time.Duration `envconfig:"INBOX_REPLAY_AFTER" default:"1m"`
	InboxMaxAttempts    int           `envconfig:"INBOX_MAX_ATTEMPTS" default:"10"`
	BeneficiaryListSize int           `envconfig:"BENEFICIARY_LIST_SIZE" default:"50"`
}

// Deps are the collaborators of the Service. Compliance, Inflows and
// Notifier are optional.
type Deps struct {
	Ledger        *ledger.Service
	Providers     provider.Store
	Registry      *provider.Registry
	Fees          *fees.Engine
	Guard         *idempotency.Guard
	Jobs          jobs.Enqueuer
	Publisher     events.Publisher
	Beneficiaries beneficiary.Store
	Inbox         Inbox
	Locks         *keylock.Locker

	Compliance ComplianceChecker
	Inflows    InflowRecorder
	Notifier   Notifier
}

// Service orchestrates money movement across rails.
type Service struct {
	cfg Config
	Deps
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new orchestrator.
func NewService(cfg Config, deps Deps, logger *slog.Logger) *Service {
	if deps.Locks == nil {
		deps.Locks = keylock.New()
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 30 * time.Second
	}
	return &Service{
		cfg:    cfg,
		Deps:   deps,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Caller identifies who asked for an operation. The HTTP layer fills it
// from authenticated headers; nothing below reads it from a context.
type Caller struct {
	MerchantID     string
	UserID         string
	IdempotencyKey string
}

// ConfigProviderName returns the rail active for a capability, falling back
// to the built-in default when no assignment exists or the store fails.
func (s *Service) ConfigProviderName(ctx context.Context, c provider.Capability) provider.Name {
	a, err := s.Providers.Assignment(ctx, c)
	if err == nil && a.Provider != "" {
		return a.Provider
	}
	if err != nil && !errors.Is(err, provider.ErrAssignmentNotFound) {
		s.logger.Warn("provider assignment lookup failed, using default",
			"capability", c,
			"default", provider.Defaults[c],
			"error", err,
		)
	}
	return provider.Defaults[c]
}

// rail resolves the active adapter and configuration for a capability.
func (s *Service) rail(ctx context.Context, c provider.Capability) (provider.Adapter, *provider.Provider, error) {
	name := s.ConfigProviderName(ctx, c)
	return s.railByName(ctx, name)
}

func (s *Service) railByName(ctx context.Context, name provider.Name) (provider.Adapter, *provider.Provider, error) {
	adapter, err := s.Registry.Get(name)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.Providers.Get(ctx, name)
	if err != nil {
		return nil, nil, fmt.Errorf("loading provider %s: %w", name, err)
	}
	if !p.Enabled {
		return nil, nil, fmt.Errorf("%w: %s", ErrProviderDisabled, name)
	}
	return adapter, p, nil
}

// ProviderView is a rail with the capabilities it currently serves.
type ProviderView struct {
	*provider.Provider
	Active []provider.Capability `json:"active"`
}

// ListProviders returns every rail and where it is active.
func (s *Service) ListProviders(ctx context.Context) ([]ProviderView, error) {
	ps, err := s.Providers.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	active := make(map[provider.Name][]provider.Capability)
	for _, c := range provider.Capabilities {
		name := s.ConfigProviderName(ctx, c)
		active[name] = append(active[name], c)
	}
	out := make([]ProviderView, 0, len(ps))
	for _, p := range ps {
		out = append(out, ProviderView{Provider: p, Active: active[p.Name]})
	}
	return out, nil
}

// SwitchRequest activates or deactivates a rail for a capability.
type SwitchRequest struct {
	Name       provider.Name       `json:"name" validate:"required"`
	Capability provider.Capability `json:"capability" validate:"required"`
	Active     bool                `json:"active"`
}

// SwitchProvider makes req.Name the only active rail for req.Capability.
// The assignment row is replaced with a compare-and-swap on its version, so
// of two concurrent switches exactly one lands and the other sees
// provider.ErrVersionConflict.
func (s *Service) SwitchProvider(ctx context.Context, actorID string, req SwitchRequest) (*provider.Assignment, error) {
	if _, err := provider.ParseCapability(string(req.Capability)); err != nil {
		return nil, err
	}
	p, err := s.Providers.Get(ctx, req.Name)
	if err != nil {
		return nil, fmt.Errorf("loading provider %s: %w", req.Name, err)
	}
	if !p.Supports(req.Capability) {
		return nil, fmt.Errorf("%w: %s does not offer %s", ErrCapabilityUnsupported, req.Name, req.Capability)
	}

	current, err := s.Providers.Assignment(ctx, req.Capability)
	if err != nil && !errors.Is(err, provider.ErrAssignmentNotFound) {
		return nil, fmt.Errorf("loading assignment: %w", err)
	}
	if current == nil {
		current = &provider.Assignment{Capability: req.Capability, Provider: provider.Defaults[req.Capability]}
	}

	if !req.Active {
		if current.Provider == req.Name {
			return nil, ErrLastActiveProvider
		}
		return current, nil
	}
	if current.Provider == req.Name && current.Version > 0 {
		return current, nil
	}
	if !p.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrProviderDisabled, req.Name)
	}

	next, err := s.Providers.SwapAssignment(ctx, req.Capability, req.Name, current.Version, actorID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("provider switched",
		"capability", req.Capability,
		"previous", current.Provider,
		"current", next.Provider,
		"version", next.Version,
		"actor_id", actorID,
	)
	s.publish(events.ProviderSwitched, "", "provider_assignment", string(req.Capability), events.ProviderSwitchedData{
		Capability: string(req.Capability),
		Previous:   string(current.Provider),
		Current:    string(next.Provider),
		Version:    next.Version,
		ActorID:    actorID,
	})
	s.audit("", actorID, "provider.switch", "", map[string]string{
		"capability": string(req.Capability),
		"provider":   string(req.Name),
	})
	return next, nil
}

// UpdateFeeRequest replaces one fee schedule of a rail.
type UpdateFeeRequest struct {
	Provider  provider.Name      `json:"provider" validate:"required"`
	Direction fees.Direction     `json:"direction" validate:"required,oneof=inflow outflow"`
	Kind      fees.Kind          `json:"kind" validate:"required,oneof=transfer airtime data bill card"`
	Schedule  fees.ScheduleInput `json:"schedule" validate:"required"`
}

// UpdateFeeSchedule validates and stores a schedule.
func (s *Service) UpdateFeeSchedule(ctx context.Context, actorID string, req UpdateFeeRequest) (fees.Schedule, error) {
	sched, err := req.Schedule.Build()
	if err != nil {
		return fees.Schedule{}, err
	}
	if err := s.Providers.UpdateSchedule(ctx, req.Provider, req.Direction, req.Kind, sched); err != nil {
		return fees.Schedule{}, fmt.Errorf("updating schedule: %w", err)
	}
	s.logger.Info("fee schedule updated",
		"provider", req.Provider,
		"direction", req.Direction,
		"kind", req.Kind,
		"actor_id", actorID,
	)
	s.audit("", actorID, "provider.fees", "", map[string]string{
		"provider":  string(req.Provider),
		"direction": string(req.Direction),
		"kind":      string(req.Kind),
	})
	s.publish(events.FeeScheduleUpdated, "", "provider", string(req.Provider), req)
	return sched, nil
}

// quote prices amount on a rail for a merchant. Inbound charges are capped
// at the amount so a small inflow never shrinks the wallet.
func (s *Service) quote(p *provider.Provider, w *domain.Wallet, amount money.Money, dir fees.Direction, kind fees.Kind) (domain.Charges, fees.Breakdown) {
	sched, ok := p.Fees.Lookup(dir, kind)
	if !ok {
		s.logger.Warn("no fee schedule configured", "provider", p.Name, "direction", dir, "kind", kind)
	}
	b := s.Fees.Calculate(amount.Decimal(), sched, w.Pricing, dir, kind)
	cur := amount.Currency
	c := domain.Charges{
		ProviderFee: money.FromDecimal(b.ProviderFee, cur).AmountMinor,
		PlatformFee: money.FromDecimal(b.PlatformFee, cur).AmountMinor,
		VAT:         money.FromDecimal(b.VAT, cur).AmountMinor,
		StampDuty:   money.FromDecimal(b.StampDuty, cur).AmountMinor,
	}
	if dir == fees.Inflow && c.Total() > amount.AmountMinor {
		s.logger.Warn("inbound charges capped at amount",
			"provider", p.Name,
			"kind", kind,
			"amount", amount.AmountMinor,
			"charges", c.Total(),
		)
		c = c.CapTo(amount.AmountMinor)
	}
	return c, b
}

func (s *Service) checkCompliance(ctx context.Context, merchantID string) error {
	if s.Compliance == nil {
		return nil
	}
	ok, err := s.Compliance.Compliant(ctx, merchantID)
	if err != nil {
		return fmt.Errorf("checking compliance: %w", err)
	}
	if !ok {
		return ErrComplianceRequired
	}
	return nil
}

// publish queues a domain event. Side effects never fail the caller.
func (s *Service) publish(typ, merchantID, aggType, aggID string, data any) {
	if s.Publisher == nil || s.Jobs == nil {
		return
	}
	ev, err := events.NewEvent(typ, merchantID, aggType, aggID, data)
	if err != nil {
		s.logger.Error("building event", "type", typ, "error", err)
		return
	}
	s.Jobs.Enqueue(jobs.Publish(jobs.KindNotification, s.Publisher, ev))
}

func (s *Service) publishTxn(typ string, t *domain.Transaction, reason string) {
	s.publish(typ, t.MerchantID, "transaction", t.Reference, events.TransactionData{
		Reference:    t.Reference,
		Feature:      string(t.Feature),
		Status:       string(t.Status),
		Provider:     t.Provider,
		AmountMinor:  t.Amount.AmountMinor,
		FeeMinor:     t.Charges.Fee(),
		Currency:     string(t.Amount.Currency),
		BalanceAfter: t.BalanceAfter,
		Reason:       reason,
	})
}

func (s *Service) audit(merchantID, actorID, action, reference string, details map[string]string) {
	if s.Publisher == nil || s.Jobs == nil {
		return
	}
	job, err := jobs.Audit(s.Publisher, merchantID, events.AuditData{
		ActorID:   actorID,
		Action:    action,
		Reference: reference,
		Details:   details,
	})
	if err != nil {
		s.logger.Error("building audit job", "action", action, "error", err)
		return
	}
	s.Jobs.Enqueue(job)
}

func (s *Service) notify(n Notification) {
	if s.Notifier == nil || s.Jobs == nil {
		return
	}
	s.Jobs.Enqueue(jobs.Job{
		Kind: jobs.KindNotification,
		Ref:  n.Reference,
		Run: func(ctx context.Context) error {
			return s.Notifier.Notify(ctx, n)
		},
	})
}
