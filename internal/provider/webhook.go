package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"hash"
	"strings"
	"time"

	"paycore/internal/common/money"
)

// EventKind is the normalized meaning of a rail notification. Dispatch
// switches on it and never on the payload shape.
type EventKind string

const (
	EventInboundTransfer EventKind = "inbound_transfer"
	EventPayoutSucceeded EventKind = "payout_succeeded"
	EventPayoutFailed    EventKind = "payout_failed"
	EventPayoutReversed  EventKind = "payout_reversed"
	EventVASCompleted    EventKind = "vas_completed"
	EventVASFailed       EventKind = "vas_failed"
	EventCardCaptured    EventKind = "card_captured"
	EventCardRefunded    EventKind = "card_refunded"
	EventChargeback      EventKind = "chargeback"
	EventIgnored         EventKind = "ignored"
)

// ErrMalformedWebhook is returned by ParseWebhook for payloads that cannot
// be decoded at all.
var ErrMalformedWebhook = errors.New("malformed webhook payload")

// WebhookEvent is a rail notification after normalization. Which fields are
// set depends on Kind.
type WebhookEvent struct {
	Kind     EventKind `json:"kind"`
	Provider Name      `json:"provider"`
	// EventName is the rail's own name for the event, kept for audit.
	EventName         string          `json:"event_name"`
	Reference         string          `json:"reference,omitempty"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	AccountNumber     string          `json:"account_number,omitempty"`
	MerchantID        string          `json:"merchant_id,omitempty"`
	Amount            money.Money     `json:"amount"`
	Partial           bool            `json:"partial,omitempty"`
	Sender            Counterparty    `json:"sender"`
	Reason            string          `json:"reason,omitempty"`
	OccurredAt        time.Time       `json:"occurred_at"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}

// LookupReference is the key dispatch locks and searches on.
func (e *WebhookEvent) LookupReference() string {
	if e.Reference != "" {
		return e.Reference
	}
	return e.ProviderReference
}

// SignHMAC returns the lower-case hex HMAC of payload.
func SignHMAC(newHash func() hash.Hash, secret string, payload []byte) string {
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC compares a hex signature in constant time. Case is ignored.
func VerifyHMAC(newHash func() hash.Hash, secret string, payload []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	want := SignHMAC(newHash, secret, payload)
	got := strings.ToLower(strings.TrimSpace(signature))
	return hmac.Equal([]byte(want), []byte(got))
}

// SHA256 and SHA512 are the hash constructors rails sign with.
var (
	SHA256 = sha256.New
	SHA512 = sha512.New
)
