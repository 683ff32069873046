package paddlegw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"

	"github.com/fitfusion/billing/svc/subscription"
)

// SignatureHeader carries the Paddle webhook signature.
const SignatureHeader = "Paddle-Signature"

// defaultTolerance applies when Config.WebhookTolerance is unset.
const defaultTolerance = 5 * time.Minute

// Decoder verifies Paddle-Signature headers and normalizes Paddle
// notifications.
type Decoder struct {
	verifier *paddle.WebhookVerifier
}

// NewDecoder rejects deliveries signed further than cfg.WebhookTolerance from now.
func NewDecoder(cfg Config) *Decoder {
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	return &Decoder{verifier: paddle.NewWebhookVerifier(cfg.WebhookSecret,
		paddle.VerifierWithTimestampTolerance(tolerance),
	)}
}

type notification struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt string          `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type paddleItem struct {
	PriceID string `json:"price_id"`
	Price   *struct {
		ID string `json:"id"`
	} `json:"price"`
}

func (i paddleItem) priceID() string {
	if i.Price != nil && i.Price.ID != "" {
		return i.Price.ID
	}
	return i.PriceID
}

type period struct {
	EndsAt string `json:"ends_at"`
}

type entity struct {
	ID                   string         `json:"id"`
	Status               string         `json:"status"`
	SubscriptionID       string         `json:"subscription_id"`
	Origin               string         `json:"origin"`
	CurrencyCode         string         `json:"currency_code"`
	CustomData           map[string]any `json:"custom_data"`
	Items                []paddleItem   `json:"items"`
	CurrentBillingPeriod *period        `json:"current_billing_period"`
	BillingPeriod        *period        `json:"billing_period"`
	Details              *struct {
		Totals struct {
			GrandTotal string `json:"grand_total"`
		} `json:"totals"`
	} `json:"details"`
}

func (d *Decoder) Decode(ctx context.Context, payload []byte, header http.Header) (*subscription.GatewayEvent, error) {
	sig := header.Get(SignatureHeader)
	if sig == "" {
		return nil, errors.Join(subscription.ErrAuthentication, fmt.Errorf("missing %s header", SignatureHeader))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Join(subscription.ErrMalformedEvent, err)
	}
	req.Header.Set(SignatureHeader, sig)
	valid, err := d.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(subscription.ErrAuthentication, err)
	}
	if !valid {
		return nil, errors.Join(subscription.ErrAuthentication, fmt.Errorf("paddle signature mismatch"))
	}

	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, errors.Join(subscription.ErrMalformedEvent, err)
	}
	if n.EventID == "" || n.EventType == "" {
		return nil, errors.Join(subscription.ErrMalformedEvent, fmt.Errorf("event id and type are required"))
	}
	var data entity
	if len(n.Data) > 0 {
		if err := json.Unmarshal(n.Data, &data); err != nil {
			return nil, errors.Join(subscription.ErrMalformedEvent, err)
		}
	}

	ev := &subscription.GatewayEvent{
		ID:         n.EventID,
		Kind:       subscription.EventKind(n.EventType),
		OccurredAt: parseTime(n.OccurredAt),
		Metadata:   stringMap(data.CustomData),
	}
	if len(data.Items) > 0 {
		ev.PriceID = data.Items[0].priceID()
	}

	switch n.EventType {
	case "transaction.completed":
		ev.GatewayRef = data.SubscriptionID
		ev.InvoiceRef = data.ID
		ev.Amount = amount(data)
		ev.PeriodEnd = periodEnd(data.BillingPeriod)
		if strings.HasPrefix(data.Origin, "subscription_") {
			ev.Kind = subscription.KindInvoicePaymentSucceeded
			break
		}
		ev.Kind = subscription.KindCheckoutCompleted
		ev.Mode = "payment"
		if data.SubscriptionID != "" {
			ev.Mode = subscription.ModeSubscription
		}
	case "transaction.payment_failed":
		ev.Kind = subscription.KindInvoicePaymentFailed
		ev.GatewayRef = data.SubscriptionID
		ev.InvoiceRef = data.ID
		ev.Amount = amount(data)
	case "subscription.updated", "subscription.canceled":
		ev.Kind = subscription.KindSubscriptionUpdated
		if n.EventType == "subscription.canceled" {
			ev.Kind = subscription.KindSubscriptionDeleted
		}
		if data.ID == "" {
			return nil, errors.Join(subscription.ErrMalformedEvent, fmt.Errorf("subscription without id"))
		}
		ev.GatewayRef = data.ID
		ev.GatewayStatus = normalizeStatus(data.Status)
		ev.PeriodEnd = periodEnd(data.CurrentBillingPeriod)
	}
	return ev, nil
}

func amount(data entity) subscription.Money {
	m := subscription.Money{Currency: strings.ToUpper(data.CurrencyCode)}
	if data.Details != nil {
		// Paddle sends totals as strings in the lowest denomination.
		m.Amount, _ = strconv.ParseInt(data.Details.Totals.GrandTotal, 10, 64)
	}
	return m
}

func periodEnd(p *period) *time.Time {
	if p == nil {
		return nil
	}
	t := parseTime(p.EndsAt)
	if t.IsZero() {
		return nil
	}
	return &t
}

func stringMap(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch v := v.(type) {
		case string:
			out[k] = v
		case bool:
			out[k] = strconv.FormatBool(v)
		case nil:
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
