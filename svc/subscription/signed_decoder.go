package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fitfusion/billing/pkg/webhook"
)

// SignedEvent is the canonical JSON body accepted by SignedDecoder.
type SignedEvent struct {
	ID        string          `json:"id"`
	Kind      EventKind       `json:"kind"`
	CreatedAt time.Time       `json:"created_at"`
	Data      SignedEventData `json:"data"`
}

type SignedEventData struct {
	Mode             string            `json:"mode,omitempty"`
	SubscriptionRef  string            `json:"subscription_ref,omitempty"`
	Status           string            `json:"status,omitempty"`
	PriceID          string            `json:"price_id,omitempty"`
	CurrentPeriodEnd *time.Time        `json:"current_period_end,omitempty"`
	Amount           int64             `json:"amount,omitempty"`
	Currency         string            `json:"currency,omitempty"`
	InvoiceRef       string            `json:"invoice_ref,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// SignedDecoder verifies X-Webhook-Signature HMAC headers and decodes
// SignedEvent bodies.
type SignedDecoder struct {
	secret string
	maxAge time.Duration
	now    func() time.Time
}

// NewSignedDecoder returns a decoder rejecting deliveries older than maxAge.
func NewSignedDecoder(secret string, maxAge time.Duration, now func() time.Time) *SignedDecoder {
	if now == nil {
		now = time.Now
	}
	return &SignedDecoder{secret: secret, maxAge: maxAge, now: now}
}

func (d *SignedDecoder) Decode(_ context.Context, payload []byte, header http.Header) (*GatewayEvent, error) {
	sig, err := webhook.ExtractSignatureHeaders(header)
	if err != nil {
		return nil, errors.Join(ErrAuthentication, err)
	}
	if err := webhook.VerifySignature(d.secret, payload, sig, d.maxAge, d.now()); err != nil {
		if errors.Is(err, webhook.ErrInvalidPayload) {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		return nil, errors.Join(ErrAuthentication, err)
	}

	var body SignedEvent
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}
	if body.ID == "" || body.Kind == "" {
		return nil, errors.Join(ErrMalformedEvent, fmt.Errorf("event id and kind are required"))
	}

	return &GatewayEvent{
		ID:            body.ID,
		Kind:          body.Kind,
		Mode:          body.Data.Mode,
		GatewayRef:    body.Data.SubscriptionRef,
		GatewayStatus: body.Data.Status,
		PriceID:       body.Data.PriceID,
		PeriodEnd:     body.Data.CurrentPeriodEnd,
		Amount:        Money{Amount: body.Data.Amount, Currency: strings.ToUpper(body.Data.Currency)},
		InvoiceRef:    body.Data.InvoiceRef,
		Metadata:      body.Data.Metadata,
		OccurredAt:    body.CreatedAt,
	}, nil
}

// RoutedDecoder accepts both gateway deliveries and SignedEvent bodies on
// one endpoint. A delivery carrying the X-Webhook-Signature header goes to
// the signed decoder, anything else to the gateway's decoder.
type RoutedDecoder struct {
	gateway EventDecoder
	signed  *SignedDecoder
}

func NewRoutedDecoder(gateway EventDecoder, signed *SignedDecoder) *RoutedDecoder {
	return &RoutedDecoder{gateway: gateway, signed: signed}
}

func (d *RoutedDecoder) Decode(ctx context.Context, payload []byte, header http.Header) (*GatewayEvent, error) {
	if header.Get(webhook.HeaderSignature) != "" {
		return d.signed.Decode(ctx, payload, header)
	}
	return d.gateway.Decode(ctx, payload, header)
}
