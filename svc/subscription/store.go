package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the transactional surface of the subscription store.
//
// UpdateSubscription is a compare-and-swap on Version: the write succeeds only
// if the stored row still has s.Version, and on success s.Version is bumped.
// A mismatch returns ErrStaleVersion. Inserts and updates that would give a
// subscriber a second ACTIVE/TRIAL row fail with ErrConflict+ErrAlreadySubscribed,
// and a second trial row with ErrConflict+ErrTrialAlreadyUsed.
type Repository interface {
	Subscription(ctx context.Context, id uuid.UUID) (*Subscription, error)
	// SubscriptionByGatewayRef prefers a non-terminal non-pending row, then a
	// pending one, then the newest.
	SubscriptionByGatewayRef(ctx context.Context, ref string) (*Subscription, error)
	// SubscriberSubscriptions returns every row of the subscriber, newest first.
	SubscriberSubscriptions(ctx context.Context, subscriberID uuid.UUID) ([]*Subscription, error)
	InsertSubscription(ctx context.Context, s *Subscription) error
	UpdateSubscription(ctx context.Context, s *Subscription) error

	AppendPayment(ctx context.Context, p *PaymentRecord) error
	// Payments returns the ledger of a subscription, oldest first.
	Payments(ctx context.Context, subscriptionID uuid.UUID) ([]*PaymentRecord, error)
	NextInvoiceSequence(ctx context.Context) (int64, error)

	// ClaimEvent records a webhook event id. It returns false when the id was
	// already claimed.
	ClaimEvent(ctx context.Context, eventID, kind string) (bool, error)
}

// Store adds transactions and sweep queries to Repository.
type Store interface {
	Repository

	// InTx runs fn atomically. An error from fn rolls back every write made
	// through the Repository it received.
	InTx(ctx context.Context, fn func(Repository) error) error

	// DueForRenewal lists ACTIVE auto-renewing rows ending at or before before.
	DueForRenewal(ctx context.Context, before time.Time) ([]*Subscription, error)
	// DueForExpiry lists ACTIVE, TRIAL, PAYMENT_FAILED and PENDING rows ending
	// at or before now.
	DueForExpiry(ctx context.Context, now time.Time) ([]*Subscription, error)
	// StaleSwitches lists SWITCHING rows last updated at or before olderThan.
	StaleSwitches(ctx context.Context, olderThan time.Time) ([]*Subscription, error)
}
