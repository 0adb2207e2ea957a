package alphabank

import (
	"encoding/json"
	"fmt"
	"time"

	"paycore/internal/common/money"
	"paycore/internal/provider"
)

// webhookPayload is the body alphabank posts for every notification.
type webhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		Reference     string `json:"reference"`
		SessionID     string `json:"session_id"`
		AccountNumber string `json:"account_number"`
		Amount        string `json:"amount"`
		Currency      string `json:"currency"`
		Reason        string `json:"reason"`
		Timestamp     string `json:"timestamp"`
		Sender        struct {
			AccountNumber string `json:"account_number"`
			AccountName   string `json:"account_name"`
			BankCode      string `json:"bank_code"`
			BankName      string `json:"bank_name"`
		} `json:"sender"`
	} `json:"data"`
}

var eventKinds = map[string]provider.EventKind{
	"transfer.inbound":         provider.EventInboundTransfer,
	"transfer.inbound.partial": provider.EventInboundTransfer,
	"payout.successful":        provider.EventPayoutSucceeded,
	"payout.failed":            provider.EventPayoutFailed,
	"payout.reversed":          provider.EventPayoutReversed,
}

// VerifyWebhookSignature checks the HMAC-SHA512 of the raw body.
func (a *Adapter) VerifyWebhookSignature(payload []byte, signature string) bool {
	return provider.VerifyHMAC(provider.SHA512, a.config.WebhookSecret, payload, signature)
}

// ParseWebhook normalizes an alphabank notification.
func (a *Adapter) ParseWebhook(payload []byte) (*provider.WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedWebhook, err)
	}

	ev := &provider.WebhookEvent{
		Kind:              provider.EventIgnored,
		Provider:          provider.Alphabank,
		EventName:         p.Event,
		Reference:         p.Data.Reference,
		ProviderReference: p.Data.SessionID,
		AccountNumber:     p.Data.AccountNumber,
		Partial:           p.Event == "transfer.inbound.partial",
		Reason:            p.Data.Reason,
		Sender: provider.Counterparty{
			AccountNumber: p.Data.Sender.AccountNumber,
			AccountName:   p.Data.Sender.AccountName,
			BankCode:      p.Data.Sender.BankCode,
			BankName:      p.Data.Sender.BankName,
		},
		OccurredAt: time.Now().UTC(),
		Raw:        json.RawMessage(payload),
	}
	if kind, ok := eventKinds[p.Event]; ok {
		ev.Kind = kind
	}

	if p.Data.Amount != "" {
		currency := money.Currency(p.Data.Currency)
		if currency == "" {
			currency = money.NGN
		}
		amt, err := money.ParseMajor(p.Data.Amount, currency)
		if err != nil {
			return nil, fmt.Errorf("%w: amount %q", provider.ErrMalformedWebhook, p.Data.Amount)
		}
		ev.Amount = amt
	}
	if p.Data.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, p.Data.Timestamp); err == nil {
			ev.OccurredAt = ts
		}
	}
	return ev, nil
}
