package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	MerchantID    string          `json:"merchant_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, merchantID, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		MerchantID:    merchantID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// Publisher publishes events to a message broker
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Event types
const (
	TransactionDebited   = "transaction.debited"
	TransactionSucceeded = "transaction.succeeded"
	TransactionPending   = "transaction.pending"
	TransactionReversed  = "transaction.reversed"
	WalletCredited       = "wallet.credited"
	WalletDebited        = "wallet.debited"
	ProviderSwitched     = "provider.switched"
	FeeScheduleUpdated   = "provider.fee_schedule.updated"
	WebhookRejected      = "webhook.rejected"
	AuditRecorded        = "audit.recorded"
)

// TransactionData is the payload for transaction.* events
type TransactionData struct {
	Reference    string `json:"reference"`
	Feature      string `json:"feature"`
	Status       string `json:"status"`
	Provider     string `json:"provider,omitempty"`
	AmountMinor  int64  `json:"amount_minor"`
	FeeMinor     int64  `json:"fee_minor"`
	Currency     string `json:"currency"`
	BalanceAfter int64  `json:"balance_after"`
	Reason       string `json:"reason,omitempty"`
}

// WalletCreditedData is the payload for wallet.credited events
type WalletCreditedData struct {
	WalletID    string `json:"wallet_id"`
	Reference   string `json:"reference"`
	AmountMinor int64  `json:"amount_minor"`
	NetMinor    int64  `json:"net_minor"`
	Currency    string `json:"currency"`
	NewBalance  int64  `json:"new_balance"`
}

// ProviderSwitchedData is the payload for provider.switched events
type ProviderSwitchedData struct {
	Capability string `json:"capability"`
	Previous   string `json:"previous"`
	Current    string `json:"current"`
	Version    int64  `json:"version"`
	ActorID    string `json:"actor_id"`
}

// AuditData is the payload for audit.recorded events
type AuditData struct {
	ActorID   string            `json:"actor_id"`
	Action    string            `json:"action"`
	Reference string            `json:"reference,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}
