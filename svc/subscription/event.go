package subscription

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// EventKind is a normalized webhook event kind.
type EventKind string

const (
	KindCheckoutCompleted       EventKind = "checkout_completed"
	KindSubscriptionUpdated     EventKind = "subscription_updated"
	KindSubscriptionDeleted     EventKind = "subscription_deleted"
	KindInvoicePaymentSucceeded EventKind = "invoice_payment_succeeded"
	KindInvoicePaymentFailed    EventKind = "invoice_payment_failed"
)

// ModeSubscription is the only checkout mode that creates subscriptions.
const ModeSubscription = "subscription"

// GatewayEvent is a webhook event after decoding and authentication,
// independent of which gateway sent it.
type GatewayEvent struct {
	ID            string
	Kind          EventKind
	Mode          string
	GatewayRef    string
	GatewayStatus string
	PriceID       string
	PeriodEnd     *time.Time
	Amount        Money
	InvoiceRef    string
	Metadata      map[string]string
	OccurredAt    time.Time
}

// EventDecoder authenticates and decodes a raw delivery. It returns
// ErrAuthentication or ErrMalformedEvent, joined with the cause.
type EventDecoder interface {
	Decode(ctx context.Context, payload []byte, header http.Header) (*GatewayEvent, error)
}

func (ev *GatewayEvent) meta(key string) string {
	if ev.Metadata == nil {
		return ""
	}
	return ev.Metadata[key]
}

func (ev *GatewayEvent) metaUUID(key string) (uuid.UUID, bool) {
	v := ev.meta(key)
	if v == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
