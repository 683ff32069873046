package stripegw_test

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/fitfusion/billing/svc/subscription"
	"github.com/fitfusion/billing/svc/subscription/stripegw"
)

const whsec = "whsec_stripe_test"

func signed(t *testing.T, secret, eventType, object string) ([]byte, http.Header) {
	t.Helper()
	body := fmt.Sprintf(`{"id":"evt_%d","object":"event","type":%q,"created":1772366400,"data":{"object":%s}}`,
		time.Now().UnixNano(), eventType, object)
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: []byte(body), Secret: secret})
	h := http.Header{}
	h.Set(stripegw.SignatureHeader, sp.Header)
	return sp.Payload, h
}

func newDecoder() *stripegw.Decoder {
	return stripegw.NewDecoder(stripegw.Config{WebhookSecret: whsec, WebhookTolerance: 5 * time.Minute})
}

func TestDecoder_Kinds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dec := newDecoder()

	t.Run("checkout session", func(t *testing.T) {
		t.Parallel()
		payload, h := signed(t, whsec, "checkout.session.completed",
			`{"id":"cs_1","mode":"subscription","subscription":"sub_1","metadata":{"subscriber_id":"abc","plan_id":"pro"}}`)
		ev, err := dec.Decode(ctx, payload, h)
		require.NoError(t, err)
		assert.Equal(t, subscription.KindCheckoutCompleted, ev.Kind)
		assert.Equal(t, "subscription", ev.Mode)
		assert.Equal(t, "sub_1", ev.GatewayRef)
		assert.Equal(t, "pro", ev.Metadata["plan_id"])
		assert.Equal(t, time.Unix(1772366400, 0).UTC(), ev.OccurredAt)
	})

	t.Run("expanded subscription on a session", func(t *testing.T) {
		t.Parallel()
		payload, h := signed(t, whsec, "checkout.session.completed",
			`{"id":"cs_2","mode":"subscription","subscription":{"id":"sub_2","object":"subscription"}}`)
		ev, err := dec.Decode(ctx, payload, h)
		require.NoError(t, err)
		assert.Equal(t, "sub_2", ev.GatewayRef)
	})

	t.Run("subscription updated", func(t *testing.T) {
		t.Parallel()
		payload, h := signed(t, whsec, "customer.subscription.updated",
			`{"id":"sub_1","status":"active","items":{"data":[{"price":{"id":"price_pro"},"current_period_end":1775044800}]}}`)
		ev, err := dec.Decode(ctx, payload, h)
		require.NoError(t, err)
		assert.Equal(t, subscription.KindSubscriptionUpdated, ev.Kind)
		assert.Equal(t, "active", ev.GatewayStatus)
		assert.Equal(t, "price_pro", ev.PriceID)
		require.NotNil(t, ev.PeriodEnd)
		assert.Equal(t, time.Unix(1775044800, 0).UTC(), *ev.PeriodEnd)
	})

	t.Run("legacy period end", func(t *testing.T) {
		t.Parallel()
		payload, h := signed(t, whsec, "customer.subscription.deleted",
			`{"id":"sub_1","status":"canceled","current_period_end":1775044800}`)
		ev, err := dec.Decode(ctx, payload, h)
		require.NoError(t, err)
		assert.Equal(t, subscription.KindSubscriptionDeleted, ev.Kind)
		require.NotNil(t, ev.PeriodEnd)
		assert.Equal(t, int64(1775044800), ev.PeriodEnd.Unix())
	})

	t.Run("invoice paid", func(t *testing.T) {
		t.Parallel()
		payload, h := signed(t, whsec, "invoice.payment_succeeded",
			`{"id":"in_1","amount_paid":1999,"amount_due":1999,"currency":"usd","parent":{"subscription_details":{"subscription":"sub_1"}}}`)
		ev, err := dec.Decode(ctx, payload, h)
		require.NoError(t, err)
		assert.Equal(t, subscription.KindInvoicePaymentSucceeded, ev.Kind)
		assert.Equal(t, "sub_1", ev.GatewayRef)
		assert.Equal(t, "in_1", ev.InvoiceRef)
		assert.Equal(t, subscription.Money{Amount: 1999, Currency: "USD"}, ev.Amount)
	})

	t.Run("invoice failed uses the amount due", func(t *testing.T) {
		t.Parallel()
		payload, h := signed(t, whsec, "invoice.payment_failed",
			`{"id":"in_2","amount_paid":0,"amount_due":1999,"currency":"eur","subscription":"sub_9"}`)
		ev, err := dec.Decode(ctx, payload, h)
		require.NoError(t, err)
		assert.Equal(t, subscription.KindInvoicePaymentFailed, ev.Kind)
		assert.Equal(t, "sub_9", ev.GatewayRef)
		assert.Equal(t, subscription.Money{Amount: 1999, Currency: "EUR"}, ev.Amount)
	})

	t.Run("unhandled types pass through", func(t *testing.T) {
		t.Parallel()
		payload, h := signed(t, whsec, "customer.created", `{"id":"cus_1"}`)
		ev, err := dec.Decode(ctx, payload, h)
		require.NoError(t, err)
		assert.Equal(t, subscription.EventKind("customer.created"), ev.Kind)
		assert.Empty(t, ev.GatewayRef)
	})
}

func TestDecoder_Rejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dec := newDecoder()

	t.Run("missing signature", func(t *testing.T) {
		t.Parallel()
		payload, _ := signed(t, whsec, "customer.created", `{"id":"cus_1"}`)
		_, err := dec.Decode(ctx, payload, http.Header{})
		assert.ErrorIs(t, err, subscription.ErrAuthentication)
	})

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()
		payload, h := signed(t, "whsec_other", "customer.created", `{"id":"cus_1"}`)
		_, err := dec.Decode(ctx, payload, h)
		assert.ErrorIs(t, err, subscription.ErrAuthentication)
	})

	t.Run("tampered body", func(t *testing.T) {
		t.Parallel()
		payload, h := signed(t, whsec, "customer.created", `{"id":"cus_1"}`)
		tampered := append([]byte{}, payload...)
		tampered[len(tampered)-3] = ' '
		_, err := dec.Decode(ctx, tampered, h)
		assert.ErrorIs(t, err, subscription.ErrAuthentication)
	})

	t.Run("subscription without id", func(t *testing.T) {
		t.Parallel()
		payload, h := signed(t, whsec, "customer.subscription.updated", `{"status":"active"}`)
		_, err := dec.Decode(ctx, payload, h)
		assert.ErrorIs(t, err, subscription.ErrMalformedEvent)
	})
}
