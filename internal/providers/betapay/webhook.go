package betapay

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"paycore/internal/common/money"
	"paycore/internal/provider"
)

type webhookPayload struct {
	EventType        string `json:"eventType"`
	Reference        string `json:"reference"`
	TransactionRef   string `json:"transactionReference"`
	Amount           string `json:"amount"`
	SenderAccount    string `json:"senderAccount"`
	SenderName       string `json:"senderName"`
	SenderBank       string `json:"senderBankCode"`
	RecipientAccount string `json:"recipientAccount"`
	BankCode         string `json:"bankCode"`
	Partial          bool   `json:"partial"`
	Reason           string `json:"reason"`
	Hash             string `json:"hash"`
	Timestamp        string `json:"timestamp"`
}

var eventKinds = map[string]provider.EventKind{
	"inbound_transfer": provider.EventInboundTransfer,
	"payout_success":   provider.EventPayoutSucceeded,
	"payout_failed":    provider.EventPayoutFailed,
	"payout_reversed":  provider.EventPayoutReversed,
	"vas_success":      provider.EventVASCompleted,
	"vas_failed":       provider.EventVASFailed,
}

// VerifyWebhookSignature recomputes the integrity hash from the payload
// fields and compares it, ignoring case, with the header value or, when
// the header is absent, the hash embedded in the body.
func (a *Adapter) VerifyWebhookSignature(payload []byte, signature string) bool {
	if a.config.Secret == "" {
		return false
	}
	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return false
	}
	if signature == "" {
		signature = p.Hash
	}
	if signature == "" {
		return false
	}
	amount, err := money.ParseMajor(p.Amount, money.NGN)
	if err != nil {
		return false
	}
	want := IntegrityHash(a.config.Secret, amount, p.SenderAccount, p.RecipientAccount, p.BankCode, p.Reference)
	got := strings.ToLower(strings.TrimSpace(signature))
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// ParseWebhook normalizes a betapay notification.
func (a *Adapter) ParseWebhook(payload []byte) (*provider.WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedWebhook, err)
	}

	ev := &provider.WebhookEvent{
		Kind:              provider.EventIgnored,
		Provider:          provider.Betapay,
		EventName:         p.EventType,
		Reference:         p.Reference,
		ProviderReference: p.TransactionRef,
		AccountNumber:     p.RecipientAccount,
		Partial:           p.Partial,
		Reason:            p.Reason,
		Sender: provider.Counterparty{
			AccountNumber: p.SenderAccount,
			AccountName:   p.SenderName,
			BankCode:      p.SenderBank,
		},
		OccurredAt: time.Now().UTC(),
		Raw:        json.RawMessage(payload),
	}
	if kind, ok := eventKinds[p.EventType]; ok {
		ev.Kind = kind
	}
	// Inbound transfers are keyed by the rail's reference; ours is only
	// echoed on outbound events.
	if ev.Kind == provider.EventInboundTransfer {
		ev.Reference = ""
		if ev.ProviderReference == "" {
			ev.ProviderReference = p.Reference
		}
	}
	if p.Amount != "" {
		amt, err := money.ParseMajor(p.Amount, money.NGN)
		if err != nil {
			return nil, fmt.Errorf("%w: amount %q", provider.ErrMalformedWebhook, p.Amount)
		}
		ev.Amount = amt
	}
	if p.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
			ev.OccurredAt = ts
		}
	}
	return ev, nil
}
