// Package paddlegw connects the subscription engine to Paddle Billing.
package paddlegw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"

	"github.com/fitfusion/billing/pkg/logger"
	"github.com/fitfusion/billing/svc/subscription"
)

// checkoutTTL is how long Paddle keeps a draft transaction payable.
const checkoutTTL = 24 * time.Hour

// Gateway implements subscription.Gateway on the Paddle API.
type Gateway struct {
	client *paddle.SDK
	now    func() time.Time
	log    *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// New creates a Paddle gateway for the configured environment.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	if cfg.APIKey == "" || cfg.WebhookSecret == "" {
		return nil, ErrMissingCredentials
	}

	var (
		client *paddle.SDK
		err    error
	)
	switch strings.ToLower(cfg.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(cfg.APIKey)
	case "production", "":
		client, err = paddle.New(cfg.APIKey)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidEnvironment, cfg.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	g := &Gateway{client: client, now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.With(logger.Component("paddle"))
	return g, nil
}

// CreateSession creates a draft transaction whose checkout URL the
// subscriber completes. Metadata travels as custom data and is copied by
// Paddle onto the subscription it creates.
func (g *Gateway) CreateSession(ctx context.Context, req subscription.SessionRequest) (*subscription.CheckoutSession, error) {
	if req.Plan.GatewayPriceID == "" {
		return nil, errors.Join(subscription.ErrGatewayRejected, fmt.Errorf("plan %s has no paddle price", req.Plan.ID))
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.Plan.GatewayPriceID,
		Quantity: 1,
	})
	txReq := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomData: customData(req),
	}
	if req.SuccessURL != "" {
		txReq.Checkout = &paddle.TransactionCheckout{URL: paddle.PtrTo(req.SuccessURL)}
	}

	tx, err := g.client.TransactionsClient.CreateTransaction(ctx, txReq)
	if err != nil {
		return nil, mapError(err)
	}
	if tx.Checkout == nil || tx.Checkout.URL == nil {
		return nil, errors.Join(subscription.ErrGatewayRejected, ErrNoCheckoutURL)
	}
	expires := g.now().Add(checkoutTTL)
	if !req.ExpiresAt.IsZero() && req.ExpiresAt.Before(expires) {
		expires = req.ExpiresAt
	}
	return &subscription.CheckoutSession{
		ID:        tx.ID,
		URL:       *tx.Checkout.URL,
		ExpiresAt: expires,
	}, nil
}

func customData(req subscription.SessionRequest) paddle.CustomData {
	data := paddle.CustomData{}
	for k, v := range req.Metadata {
		data[k] = v
	}
	data[subscription.MetaSubscriberID] = req.SubscriberID.String()
	data[subscription.MetaPlanID] = req.Plan.ID
	// Paddle identifies customers by its own ctm_ ids; the email rides along.
	if req.Email != "" {
		data["email"] = req.Email
	}
	return data
}

func (g *Gateway) RetrieveSubscription(ctx context.Context, ref string) (*subscription.GatewaySubscription, error) {
	sub, err := g.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{SubscriptionID: ref})
	if err != nil {
		return nil, mapError(err)
	}
	return fromPaddle(sub), nil
}

// Cancel cancels now or schedules the cancellation for the next billing period.
func (g *Gateway) Cancel(ctx context.Context, ref string, atPeriodEnd bool) error {
	effective := paddle.EffectiveFromImmediately
	if atPeriodEnd {
		effective = paddle.EffectiveFromNextBillingPeriod
	}
	_, err := g.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
		SubscriptionID: ref,
		EffectiveFrom:  paddle.PtrTo(effective),
	})
	if err != nil {
		g.log.WarnContext(ctx, "paddle cancel failed", logger.GatewayRef(ref), logger.Error(err))
		return mapError(err)
	}
	return nil
}

// Modify replaces the subscription's items with newPriceID, prorated now.
func (g *Gateway) Modify(ctx context.Context, ref string, newPriceID string) error {
	item := paddle.NewUpdateSubscriptionItemsSubscriptionUpdateItemFromCatalog(&paddle.SubscriptionUpdateItemFromCatalog{
		PriceID:  newPriceID,
		Quantity: 1,
	})
	_, err := g.client.SubscriptionsClient.UpdateSubscription(ctx, &paddle.UpdateSubscriptionRequest{
		SubscriptionID:       ref,
		Items:                paddle.NewPatchField([]paddle.UpdateSubscriptionItems{*item}),
		ProrationBillingMode: paddle.NewPatchField(paddle.ProrationBillingModeProratedImmediately),
	})
	return mapError(err)
}

func fromPaddle(sub *paddle.Subscription) *subscription.GatewaySubscription {
	out := &subscription.GatewaySubscription{
		Ref:    sub.ID,
		Status: normalizeStatus(string(sub.Status)),
	}
	if len(sub.Items) > 0 {
		out.PriceID = sub.Items[0].Price.ID
	}
	if sub.CurrentBillingPeriod != nil {
		out.CurrentPeriodEnd = parseTime(sub.CurrentBillingPeriod.EndsAt)
	}
	if sub.ScheduledChange != nil {
		out.CancelAtPeriodEnd = string(sub.ScheduledChange.Action) == "cancel"
	}
	return out
}

// normalizeStatus maps "cancelled" onto the single spelling the engine keys on.
func normalizeStatus(s string) string {
	s = strings.ToLower(s)
	if s == "cancelled" {
		return "canceled"
	}
	return s
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
