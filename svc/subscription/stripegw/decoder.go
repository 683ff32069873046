package stripegw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/fitfusion/billing/svc/subscription"
)

// SignatureHeader carries the Stripe webhook signature.
const SignatureHeader = "Stripe-Signature"

var eventKinds = map[stripe.EventType]subscription.EventKind{
	"checkout.session.completed":    subscription.KindCheckoutCompleted,
	"customer.subscription.updated": subscription.KindSubscriptionUpdated,
	"customer.subscription.deleted": subscription.KindSubscriptionDeleted,
	"invoice.payment_succeeded":     subscription.KindInvoicePaymentSucceeded,
	"invoice.payment_failed":        subscription.KindInvoicePaymentFailed,
}

// Decoder verifies Stripe-Signature headers and normalizes Stripe events.
type Decoder struct {
	secret    string
	tolerance time.Duration
}

func NewDecoder(cfg Config) *Decoder {
	return &Decoder{secret: cfg.WebhookSecret, tolerance: cfg.WebhookTolerance}
}

func (d *Decoder) Decode(_ context.Context, payload []byte, header http.Header) (*subscription.GatewayEvent, error) {
	sig := header.Get(SignatureHeader)
	if sig == "" {
		return nil, errors.Join(subscription.ErrAuthentication, webhook.ErrNotSigned)
	}
	ev, err := webhook.ConstructEventWithOptions(payload, sig, d.secret, webhook.ConstructEventOptions{
		Tolerance:                d.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrNoValidSignature) || errors.Is(err, webhook.ErrTooOld) {
			return nil, errors.Join(subscription.ErrAuthentication, err)
		}
		return nil, errors.Join(subscription.ErrMalformedEvent, err)
	}
	if ev.ID == "" || ev.Data == nil {
		return nil, errors.Join(subscription.ErrMalformedEvent, fmt.Errorf("stripe event without id or data"))
	}

	out := &subscription.GatewayEvent{
		ID:         ev.ID,
		Kind:       subscription.EventKind(ev.Type),
		OccurredAt: time.Unix(ev.Created, 0).UTC(),
	}
	kind, ok := eventKinds[ev.Type]
	if !ok {
		// Passed through so the processor records and ignores it.
		return out, nil
	}
	out.Kind = kind

	switch kind {
	case subscription.KindCheckoutCompleted:
		err = decodeSession(ev.Data.Raw, out)
	case subscription.KindSubscriptionUpdated, subscription.KindSubscriptionDeleted:
		err = decodeSubscription(ev.Data.Raw, out)
	default:
		err = decodeInvoice(ev.Data.Raw, out)
	}
	if err != nil {
		return nil, errors.Join(subscription.ErrMalformedEvent, err)
	}
	return out, nil
}

// objectID reads an expandable field: either an id string or an object.
type objectID string

func (o *objectID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*o = objectID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*o = objectID(obj.ID)
	return nil
}

type sessionObject struct {
	Mode         string            `json:"mode"`
	Subscription objectID          `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type subscriptionObject struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Metadata         map[string]string `json:"metadata"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Items            struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

type invoiceObject struct {
	ID           string   `json:"id"`
	AmountPaid   int64    `json:"amount_paid"`
	AmountDue    int64    `json:"amount_due"`
	Currency     string   `json:"currency"`
	Subscription objectID `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription objectID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func decodeSession(raw json.RawMessage, out *subscription.GatewayEvent) error {
	var s sessionObject
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	out.Mode = s.Mode
	out.GatewayRef = string(s.Subscription)
	out.Metadata = s.Metadata
	return nil
}

func decodeSubscription(raw json.RawMessage, out *subscription.GatewayEvent) error {
	var s subscriptionObject
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	if s.ID == "" {
		return fmt.Errorf("subscription object without id")
	}
	out.GatewayRef = s.ID
	out.GatewayStatus = s.Status
	out.Metadata = s.Metadata
	end := s.CurrentPeriodEnd
	if len(s.Items.Data) > 0 {
		out.PriceID = s.Items.Data[0].Price.ID
		if e := s.Items.Data[0].CurrentPeriodEnd; e > 0 {
			end = e
		}
	}
	if end > 0 {
		t := time.Unix(end, 0).UTC()
		out.PeriodEnd = &t
	}
	return nil
}

func decodeInvoice(raw json.RawMessage, out *subscription.GatewayEvent) error {
	var inv invoiceObject
	if err := json.Unmarshal(raw, &inv); err != nil {
		return err
	}
	ref := string(inv.Subscription)
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != "" {
		ref = string(inv.Parent.SubscriptionDetails.Subscription)
	}
	amount := inv.AmountPaid
	if out.Kind == subscription.KindInvoicePaymentFailed {
		amount = inv.AmountDue
	}
	out.GatewayRef = ref
	out.InvoiceRef = inv.ID
	out.Amount = subscription.Money{Amount: amount, Currency: strings.ToUpper(inv.Currency)}
	return nil
}
