package jobs

import (
	"context"
	"fmt"

	"paycore/internal/beneficiary"
	"paycore/internal/common/events"
)

// SaveBeneficiary remembers a recipient after a successful transfer.
func SaveBeneficiary(store beneficiary.Store, b *beneficiary.Beneficiary) Job {
	return Job{
		Kind: KindBeneficiary,
		Ref:  b.MerchantID + "/" + b.AccountNumber,
		Run: func(ctx context.Context) error {
			if err := store.Save(ctx, b); err != nil {
				return fmt.Errorf("saving beneficiary: %w", err)
			}
			return nil
		},
	}
}

// Publish sends a domain event. kind is KindAudit or KindNotification.
func Publish(kind Kind, pub events.Publisher, ev *events.Event) Job {
	return Job{
		Kind: kind,
		Ref:  ev.AggregateID,
		Run: func(ctx context.Context) error {
			return pub.Publish(ctx, ev)
		},
	}
}

// Audit builds an audit.recorded event job.
func Audit(pub events.Publisher, merchantID string, data events.AuditData) (Job, error) {
	ev, err := events.NewEvent(events.AuditRecorded, merchantID, "audit", data.Reference, data)
	if err != nil {
		return Job{}, fmt.Errorf("building audit event: %w", err)
	}
	return Publish(KindAudit, pub, ev), nil
}
