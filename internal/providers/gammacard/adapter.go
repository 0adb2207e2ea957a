// Package gammacard is the card-acquirer rail C adapter. Lookups use NATS
// request-reply; captures, refunds and chargebacks arrive as NATS events or
// signed HTTP webhooks.
package gammacard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"paycore/internal/common/money"
	"paycore/internal/provider"
)

// NATS subjects served by the acquirer.
const (
	SubjectBalance = "acquiring.balance"
	SubjectStatus  = "acquiring.status"

	SubjectTxnCaptured   = "acquiring.events.txn.captured"
	SubjectTxnRefunded   = "acquiring.events.txn.refunded"
	SubjectTxnChargeback = "acquiring.events.txn.chargeback"
)

// SignatureHeader carries the hex HMAC-SHA256 of an HTTP webhook body.
const SignatureHeader = "X-Gamma-Signature"

// Config holds gammacard configuration.
type Config struct {
	MerchantID     string        `envconfig:"GAMMACARD_MERCHANT_ID"`
	WebhookSecret  string        `envconfig:"GAMMACARD_WEBHOOK_SECRET"`
	RequestTimeout time.Duration `envconfig:"GAMMACARD_TIMEOUT" default:"10s"`
}

// Conn is the part of *nats.Conn the adapter uses.
type Conn interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// EventSink receives normalized acquirer events.
type EventSink func(ctx context.Context, ev *provider.WebhookEvent)

// Adapter implements provider.Adapter for gammacard.
type Adapter struct {
	provider.Unimplemented

	config Config
	nc     Conn
	logger *slog.Logger
	subs   []*nats.Subscription
}

var _ provider.Adapter = (*Adapter)(nil)

// NewAdapter creates a new gammacard adapter. nc may be nil when NATS is
// not configured; lookups then fail as transport errors.
func NewAdapter(cfg Config, nc Conn, logger *slog.Logger) *Adapter {
	return &Adapter{
		Unimplemented: provider.Unimplemented{Rail: provider.Gammacard},
		config:        cfg,
		nc:            nc,
		logger:        logger,
	}
}

// Name implements provider.Adapter.
func (a *Adapter) Name() provider.Name { return provider.Gammacard }

// Subscribe feeds acquirer events into sink until Close.
func (a *Adapter) Subscribe(sink EventSink) error {
	if a.nc == nil {
		return errors.New("gammacard: no NATS connection")
	}
	for _, subject := range []string{SubjectTxnCaptured, SubjectTxnRefunded, SubjectTxnChargeback} {
		sub, err := a.nc.Subscribe(subject, a.handler(sink))
		if err != nil {
			a.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		if sub != nil {
			a.subs = append(a.subs, sub)
		}
		a.logger.Info("subscribed to acquiring events", "subject", subject)
	}
	return nil
}

func (a *Adapter) handler(sink EventSink) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ev, err := a.ParseWebhook(msg.Data)
		if err != nil {
			a.logger.Error("unmarshal acquiring event", "subject", msg.Subject, "error", err)
			return
		}
		sink(context.Background(), ev)
	}
}

// Close removes event subscriptions.
func (a *Adapter) Close() {
	for _, sub := range a.subs {
		if err := sub.Unsubscribe(); err != nil {
			a.logger.Warn("unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
	a.subs = nil
}

type reply[T any] struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    int    `json:"code,omitempty"`
	Data    T      `json:"data"`
}

func request[T any](ctx context.Context, a *Adapter, subject string, body any) (*reply[T], json.RawMessage, error) {
	if a.nc == nil {
		return nil, nil, provider.Transport(provider.Gammacard, errors.New("no NATS connection"))
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}
	if a.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.RequestTimeout)
		defer cancel()
	}

	msg, err := a.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, nil, provider.Transport(provider.Gammacard, err)
	}
	var r reply[T]
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		return nil, nil, provider.Transport(provider.Gammacard, fmt.Errorf("unmarshal reply: %w", err))
	}
	if !r.Success {
		code := r.Code
		if code == 0 {
			code = http.StatusBadRequest
		}
		return nil, msg.Data, provider.Rejected(provider.Gammacard, code, r.Error)
	}
	return &r, msg.Data, nil
}

// GetBalance returns the unsettled acquiring balance.
func (a *Adapter) GetBalance(ctx context.Context) (money.Money, error) {
	r, _, err := request[struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}](ctx, a, SubjectBalance, map[string]string{"merchantId": a.config.MerchantID})
	if err != nil {
		return money.Money{}, err
	}
	return money.New(r.Data.Amount, money.Currency(r.Data.Currency)), nil
}

// TransactionStatus looks a card transaction up by our reference.
func (a *Adapter) TransactionStatus(ctx context.Context, reference string) (*provider.Result, error) {
	r, raw, err := request[struct {
		TransactionID string `json:"transactionId"`
		Status        string `json:"status"`
	}](ctx, a, SubjectStatus, map[string]string{"merchantId": a.config.MerchantID, "reference": reference})
	if err != nil {
		return nil, err
	}
	res := &provider.Result{ProviderReference: r.Data.TransactionID, Raw: raw}
	switch strings.ToUpper(r.Data.Status) {
	case "CAPTURED":
		res.Outcome = provider.OutcomeSuccessful
	case "DECLINED", "FAILED", "VOIDED":
		res.Outcome = provider.OutcomeFailed
	case "REFUNDED", "CHARGEBACK":
		res.Outcome = provider.OutcomeReversed
	default:
		res.Outcome = provider.OutcomePending
	}
	return res, nil
}

// event is the acquirer's event body, shared by NATS and HTTP delivery.
type event struct {
	Type          string `json:"type"`
	TransactionID string `json:"transactionId"`
	Reference     string `json:"reference"`
	MerchantRef   string `json:"merchantRef"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Reason        string `json:"reason"`
	ReasonCode    string `json:"reasonCode"`
	Timestamp     string `json:"timestamp"`
}

var eventKinds = map[string]provider.EventKind{
	"txn.captured":   provider.EventCardCaptured,
	"txn.refunded":   provider.EventCardRefunded,
	"txn.chargeback": provider.EventChargeback,
}

// VerifyWebhookSignature checks the HMAC-SHA256 of an HTTP webhook body.
func (a *Adapter) VerifyWebhookSignature(payload []byte, signature string) bool {
	return provider.VerifyHMAC(provider.SHA256, a.config.WebhookSecret, payload, signature)
}

// ParseWebhook normalizes an acquirer event.
func (a *Adapter) ParseWebhook(payload []byte) (*provider.WebhookEvent, error) {
	var e event
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedWebhook, err)
	}
	currency := money.Currency(e.Currency)
	if currency == "" {
		currency = money.NGN
	}
	ev := &provider.WebhookEvent{
		Kind:              provider.EventIgnored,
		Provider:          provider.Gammacard,
		EventName:         e.Type,
		Reference:         e.Reference,
		ProviderReference: e.TransactionID,
		MerchantID:        e.MerchantRef,
		Amount:            money.New(e.Amount, currency),
		Reason:            e.Reason,
		OccurredAt:        time.Now().UTC(),
		Raw:               json.RawMessage(payload),
	}
	if e.ReasonCode != "" {
		ev.Reason = fmt.Sprintf("%s (%s)", e.Reason, e.ReasonCode)
	}
	if kind, ok := eventKinds[e.Type]; ok {
		ev.Kind = kind
	}
	if e.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, e.Timestamp); err == nil {
			ev.OccurredAt = ts
		}
	}
	return ev, nil
}
