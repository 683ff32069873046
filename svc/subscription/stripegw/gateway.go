// Package stripegw connects the subscription engine to Stripe Billing:
// hosted checkout sessions, subscription retrieval, cancellation and price
// changes, and signed webhook decoding.
package stripegw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/fitfusion/billing/pkg/logger"
	"github.com/fitfusion/billing/svc/subscription"
)

// Gateway implements subscription.Gateway. The Stripe client is owned by the
// gateway; the package-level stripe.Key is never touched.
type Gateway struct {
	sc        *stripe.Client
	proration string
	log       *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClient replaces the Stripe client built from the config.
func WithClient(sc *stripe.Client) Option {
	return func(g *Gateway) {
		if sc != nil {
			g.sc = sc
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// New returns a Stripe gateway.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	if cfg.SecretKey == "" {
		return nil, ErrMissingCredentials
	}
	g := &Gateway{
		proration: cfg.ProrationBehavior,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.sc == nil {
		g.sc = stripe.NewClient(cfg.SecretKey)
	}
	if g.proration == "" {
		g.proration = "create_prorations"
	}
	g.log = g.log.With(logger.Component("stripe"))
	return g, nil
}

// CreateSession opens a subscription-mode checkout. Metadata is attached to
// both the session and the resulting subscription so later events carry it.
func (g *Gateway) CreateSession(ctx context.Context, req subscription.SessionRequest) (*subscription.CheckoutSession, error) {
	if req.Plan.GatewayPriceID == "" {
		return nil, errors.Join(subscription.ErrGatewayRejected, fmt.Errorf("plan %s has no stripe price", req.Plan.ID))
	}

	sess, err := g.sc.V1CheckoutSessions.Create(ctx, sessionParams(req, time.Now()))
	if err != nil {
		return nil, mapError(err)
	}

	out := &subscription.CheckoutSession{ID: sess.ID, URL: sess.URL}
	if sess.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(sess.ExpiresAt, 0).UTC()
	}
	return out, nil
}

// Stripe accepts checkout expiry between 30 minutes and 24 hours from creation.
const (
	minSessionTTL = 30 * time.Minute
	maxSessionTTL = 24 * time.Hour
)

func sessionParams(req subscription.SessionRequest, now time.Time) *stripe.CheckoutSessionCreateParams {
	meta := maps.Clone(req.Metadata)
	if meta == nil {
		meta = map[string]string{}
	}
	meta[subscription.MetaSubscriberID] = req.SubscriberID.String()
	meta[subscription.MetaPlanID] = req.Plan.ID

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{Price: stripe.String(req.Plan.GatewayPriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.SubscriberID.String()),
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: maps.Clone(meta),
		},
	}
	params.Metadata = meta
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	if !req.ExpiresAt.IsZero() {
		at := req.ExpiresAt
		if lo := now.Add(minSessionTTL); at.Before(lo) {
			at = lo
		} else if hi := now.Add(maxSessionTTL); at.After(hi) {
			at = hi
		}
		params.ExpiresAt = stripe.Int64(at.Unix())
	}
	return params
}

func (g *Gateway) RetrieveSubscription(ctx context.Context, ref string) (*subscription.GatewaySubscription, error) {
	sub, err := g.sc.V1Subscriptions.Retrieve(ctx, ref, &stripe.SubscriptionRetrieveParams{})
	if err != nil {
		return nil, mapError(err)
	}
	return fromStripe(sub), nil
}

// Cancel ends the subscription now, or flags it to end with the paid period.
func (g *Gateway) Cancel(ctx context.Context, ref string, atPeriodEnd bool) error {
	var err error
	if atPeriodEnd {
		_, err = g.sc.V1Subscriptions.Update(ctx, ref, &stripe.SubscriptionUpdateParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		})
	} else {
		_, err = g.sc.V1Subscriptions.Cancel(ctx, ref, &stripe.SubscriptionCancelParams{})
	}
	if err != nil {
		g.log.WarnContext(ctx, "stripe cancel failed", logger.GatewayRef(ref), logger.Error(err))
		return mapError(err)
	}
	return nil
}

// Modify moves the subscription's single item to newPriceID.
func (g *Gateway) Modify(ctx context.Context, ref string, newPriceID string) error {
	sub, err := g.sc.V1Subscriptions.Retrieve(ctx, ref, &stripe.SubscriptionRetrieveParams{})
	if err != nil {
		return mapError(err)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return errors.Join(subscription.ErrGatewayRejected, fmt.Errorf("stripe subscription %s has no items", ref))
	}
	_, err = g.sc.V1Subscriptions.Update(ctx, ref, &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{
			{ID: stripe.String(sub.Items.Data[0].ID), Price: stripe.String(newPriceID)},
		},
		ProrationBehavior: stripe.String(g.proration),
	})
	return mapError(err)
}

func fromStripe(sub *stripe.Subscription) *subscription.GatewaySubscription {
	out := &subscription.GatewaySubscription{
		Ref:               sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		if item.CurrentPeriodEnd > 0 {
			out.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	return out
}
