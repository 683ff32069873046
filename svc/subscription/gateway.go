package subscription

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fitfusion/billing/pkg/circuitbreaker"
	"github.com/fitfusion/billing/pkg/logger"
)

// Metadata keys attached to checkout sessions and echoed back by webhooks.
const (
	MetaSubscriberID          = "subscriber_id"
	MetaPlanID                = "plan_id"
	MetaTrialSubscriptionID   = "trial_subscription_id"
	MetaPlanSwitch            = "is_plan_switch"
	MetaCurrentSubscriptionID = "current_subscription_id"
	MetaPendingSubscriptionID = "pending_subscription_id"
)

// SessionRequest asks the gateway for a hosted checkout.
type SessionRequest struct {
	Plan         Plan
	SubscriberID uuid.UUID
	Email        string
	SuccessURL   string
	CancelURL    string
	Metadata     map[string]string
	// ExpiresAt asks the gateway to close the checkout at this time. Zero
	// keeps the gateway default.
	ExpiresAt time.Time
}

// CheckoutSession is the opaque handle the subscriber completes out-of-band.
type CheckoutSession struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

// GatewaySubscription is the gateway's view of a recurring subscription.
type GatewaySubscription struct {
	Ref               string
	Status            string
	PriceID           string
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
}

// Gateway is the outbound payment gateway API. Implementations return
// ErrTransientGateway for retryable failures, ErrGatewayRejected for requests
// the gateway refused and ErrNotFound for unknown references.
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (*CheckoutSession, error)
	RetrieveSubscription(ctx context.Context, ref string) (*GatewaySubscription, error)
	Cancel(ctx context.Context, ref string, atPeriodEnd bool) error
	Modify(ctx context.Context, ref string, newPriceID string) error
}

// GuardedGateway bounds every call with a timeout and a circuit breaker.
// Timeouts and an open circuit surface as ErrTransientGateway.
type GuardedGateway struct {
	next    Gateway
	breaker *circuitbreaker.Breaker
	timeout time.Duration
	log     *slog.Logger
}

// GuardOption configures a GuardedGateway.
type GuardOption func(*GuardedGateway)

func WithCallTimeout(d time.Duration) GuardOption {
	return func(g *GuardedGateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func WithBreaker(b *circuitbreaker.Breaker) GuardOption {
	return func(g *GuardedGateway) {
		if b != nil {
			g.breaker = b
		}
	}
}

func WithGatewayLogger(l *slog.Logger) GuardOption {
	return func(g *GuardedGateway) {
		if l != nil {
			g.log = l
		}
	}
}

// NewGuardedGateway wraps next. Defaults: 10s timeout, breaker opening after
// 5 consecutive transient failures.
func NewGuardedGateway(next Gateway, opts ...GuardOption) *GuardedGateway {
	g := &GuardedGateway{
		next:    next,
		timeout: 10 * time.Second,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.breaker == nil {
		g.breaker = circuitbreaker.New(circuitbreaker.WithStateChangeHook(func(from, to circuitbreaker.State) {
			g.log.Warn("gateway circuit state changed",
				logger.Component("gateway"),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		}))
	}
	return g
}

func (g *GuardedGateway) CreateSession(ctx context.Context, req SessionRequest) (out *CheckoutSession, err error) {
	err = g.call(ctx, func(ctx context.Context) error {
		out, err = g.next.CreateSession(ctx, req)
		return err
	})
	return out, err
}

func (g *GuardedGateway) RetrieveSubscription(ctx context.Context, ref string) (out *GatewaySubscription, err error) {
	err = g.call(ctx, func(ctx context.Context) error {
		out, err = g.next.RetrieveSubscription(ctx, ref)
		return err
	})
	return out, err
}

func (g *GuardedGateway) Cancel(ctx context.Context, ref string, atPeriodEnd bool) error {
	return g.call(ctx, func(ctx context.Context) error {
		return g.next.Cancel(ctx, ref, atPeriodEnd)
	})
}

func (g *GuardedGateway) Modify(ctx context.Context, ref string, newPriceID string) error {
	return g.call(ctx, func(ctx context.Context) error {
		return g.next.Modify(ctx, ref, newPriceID)
	})
}

func (g *GuardedGateway) call(ctx context.Context, fn func(context.Context) error) error {
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(ctx)
	}, countsAgainstGateway)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, circuitbreaker.ErrOpen),
		errors.Is(err, context.DeadlineExceeded):
		return errors.Join(ErrTransientGateway, err)
	}
	return err
}

// countsAgainstGateway excludes caller mistakes from breaker accounting.
func countsAgainstGateway(err error) bool {
	return !errors.Is(err, ErrGatewayRejected) && !errors.Is(err, ErrNotFound) && !errors.Is(err, context.Canceled)
}
