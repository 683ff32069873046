package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FormatInvoiceNumber renders INV-YYYYMMDD-NNNNNN. The date is cosmetic;
// uniqueness comes from seq alone.
func FormatInvoiceNumber(at time.Time, seq int64) string {
	return fmt.Sprintf("INV-%s-%06d", at.UTC().Format("20060102"), seq)
}

// Ledger appends payment records with freshly allocated invoice numbers.
type Ledger struct {
	store Store
	now   func() time.Time
}

func NewLedger(store Store, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, now: now}
}

// Record appends a payment for sub within repo's transaction.
func (l *Ledger) Record(ctx context.Context, repo Repository, sub *Subscription, amount Money, status PaymentStatus, gatewayRef string) (*PaymentRecord, error) {
	seq, err := repo.NextInvoiceSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate invoice number: %w", err)
	}
	now := l.now()
	rec := &PaymentRecord{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		Amount:         amount,
		Status:         status,
		GatewayRef:     gatewayRef,
		InvoiceNumber:  FormatInvoiceNumber(now, seq),
		CreatedAt:      now,
	}
	if err := repo.AppendPayment(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Payments lists a subscription's records, oldest first.
func (l *Ledger) Payments(ctx context.Context, subscriptionID uuid.UUID) ([]*PaymentRecord, error) {
	return l.store.Payments(ctx, subscriptionID)
}
