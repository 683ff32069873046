package subscription

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fitfusion/billing/pkg/logger"
)

// CheckoutOptions carries redirect URLs for a hosted checkout.
type CheckoutOptions struct {
	SuccessURL string
	CancelURL  string
}

// CheckoutInitiator opens gateway checkouts for new subscriptions. It never
// writes a subscription row; only the confirming webhook does.
type CheckoutInitiator struct {
	store    Repository
	catalog  *Catalog
	gateway  Gateway
	accounts Accounts
	now      func() time.Time
	log      *slog.Logger
}

// CheckoutOption configures a CheckoutInitiator.
type CheckoutOption func(*CheckoutInitiator)

func WithCheckoutAccounts(a Accounts) CheckoutOption {
	return func(c *CheckoutInitiator) { c.accounts = a }
}

func WithCheckoutClock(now func() time.Time) CheckoutOption {
	return func(c *CheckoutInitiator) {
		if now != nil {
			c.now = now
		}
	}
}

func WithCheckoutLogger(l *slog.Logger) CheckoutOption {
	return func(c *CheckoutInitiator) {
		if l != nil {
			c.log = l
		}
	}
}

func NewCheckoutInitiator(store Repository, catalog *Catalog, gateway Gateway, opts ...CheckoutOption) *CheckoutInitiator {
	c := &CheckoutInitiator{
		store:   store,
		catalog: catalog,
		gateway: gateway,
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin validates the purchase and returns a session for the subscriber to
// complete. Any open row conflicts: a live trial (ErrTrialActive), a switch
// awaiting payment (ErrSwitchInProgress), a live paid row on another plan
// priced at or above the new one (ErrDowngradeNotAllowed), and every other
// open row, PAYMENT_FAILED included (ErrAlreadySubscribed).
func (c *CheckoutInitiator) Begin(ctx context.Context, subscriberID uuid.UUID, planID string, opts CheckoutOptions) (*CheckoutSession, error) {
	plan, err := c.catalog.Purchasable(planID)
	if err != nil {
		return nil, err
	}

	rows, err := c.store.SubscriberSubscriptions(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	if err := c.checkConflicts(rows, plan); err != nil {
		return nil, err
	}

	req := SessionRequest{
		Plan:         plan,
		SubscriberID: subscriberID,
		SuccessURL:   opts.SuccessURL,
		CancelURL:    opts.CancelURL,
		Metadata: map[string]string{
			MetaSubscriberID: subscriberID.String(),
			MetaPlanID:       plan.ID,
		},
	}
	if c.accounts != nil {
		if acct, err := c.accounts.Lookup(ctx, subscriberID); err == nil {
			req.Email = acct.Email
		} else {
			c.log.DebugContext(ctx, "billing email not prefilled", logger.SubscriberID(subscriberID), logger.Error(err))
		}
	}

	session, err := c.gateway.CreateSession(ctx, req)
	if err != nil {
		return nil, err
	}
	c.log.InfoContext(ctx, "checkout session created",
		logger.SubscriberID(subscriberID),
		logger.PlanID(plan.ID),
		slog.String("session_id", session.ID))
	return session, nil
}

func (c *CheckoutInitiator) checkConflicts(rows []*Subscription, plan Plan) error {
	now := c.now()
	var reason error
	for _, s := range rows {
		if !s.openAt(now) {
			continue
		}
		switch s.Status {
		case StatusTrial:
			return conflict(ErrTrialActive)
		case StatusSwitching, StatusPending:
			return conflict(ErrSwitchInProgress)
		case StatusActive:
			if s.PlanID != plan.ID && reason == nil {
				if cur, err := c.catalog.Plan(s.PlanID); err == nil && cur.Price.Amount >= plan.Price.Amount {
					reason = ErrDowngradeNotAllowed
				}
			}
		}
		if reason == nil {
			reason = ErrAlreadySubscribed
		}
	}
	if reason != nil {
		return conflict(reason)
	}
	return nil
}
