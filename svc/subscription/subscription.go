package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a subscription row. It is the single
// source of truth for entitlement.
type Status string

const (
	StatusPending       Status = "pending"
	StatusTrial         Status = "trial"
	StatusActive        Status = "active"
	StatusPaymentFailed Status = "payment_failed"
	StatusSwitching     Status = "switching"
	StatusCancelled     Status = "cancelled"
	StatusExpired       Status = "expired"
)

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// IsLive reports whether s counts toward the one-live-row rule.
func (s Status) IsLive() bool {
	return s == StatusActive || s == StatusTrial
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusTrial, StatusActive, StatusPaymentFailed,
		StatusSwitching, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Subscription is one subscriber's claim on a plan for a period. Rows are
// never deleted.
type Subscription struct {
	ID           uuid.UUID
	SubscriberID uuid.UUID
	PlanID       string
	Status       Status
	StartDate    time.Time
	EndDate      time.Time
	GatewayRef   string
	AutoRenew    bool
	IsTrial      bool
	TrialEnd     *time.Time
	// ReplacesID links a pending switch target to the row it replaces.
	ReplacesID *uuid.UUID
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Validate checks structural invariants before a write.
func (s *Subscription) Validate() error {
	switch {
	case s.ID == uuid.Nil:
		return fmt.Errorf("%w: id is required", ErrInvalidSubscription)
	case s.SubscriberID == uuid.Nil:
		return fmt.Errorf("%w: subscriber is required", ErrInvalidSubscription)
	case s.PlanID == "":
		return fmt.Errorf("%w: plan is required", ErrInvalidSubscription)
	case !s.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidSubscription, s.Status)
	case !s.EndDate.After(s.StartDate):
		return fmt.Errorf("%w: end date must be after start date", ErrInvalidSubscription)
	case s.IsTrial && s.TrialEnd == nil:
		return fmt.Errorf("%w: trial row without trial end", ErrInvalidSubscription)
	}
	return nil
}

// IsLiveAt reports whether the row occupies the subscriber's single live slot.
func (s *Subscription) IsLiveAt(now time.Time) bool {
	return s.Status.IsLive() && s.EndDate.After(now)
}

// HasAccessAt reports entitlement. Soft-cancelled rows keep access until the
// end date and PAYMENT_FAILED rows keep it as a grace period.
func (s *Subscription) HasAccessAt(now time.Time) bool {
	switch s.Status {
	case StatusActive, StatusTrial, StatusPaymentFailed, StatusSwitching, StatusCancelled:
		return s.EndDate.After(now)
	}
	return false
}

// openAt reports a non-terminal row whose period has not run out.
func (s *Subscription) openAt(now time.Time) bool {
	return !s.Status.IsTerminal() && s.EndDate.After(now)
}

// pastDueAt reports a row the expiry sweep would expire.
func (s *Subscription) pastDueAt(now time.Time) bool {
	switch s.Status {
	case StatusActive, StatusTrial, StatusPaymentFailed, StatusPending:
		return !s.EndDate.After(now)
	}
	return false
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.TrialEnd != nil {
		t := *s.TrialEnd
		c.TrialEnd = &t
	}
	if s.ReplacesID != nil {
		id := *s.ReplacesID
		c.ReplacesID = &id
	}
	return &c
}

// PaymentStatus is the outcome of one charge attempt.
type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentPending   PaymentStatus = "pending"
	PaymentRefunded  PaymentStatus = "refunded"
)

// PaymentRecord is an append-only ledger entry.
type PaymentRecord struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	Amount         Money
	Status         PaymentStatus
	GatewayRef     string
	InvoiceNumber  string
	CreatedAt      time.Time
}

// Account is what the billing side needs to know about a subscriber.
type Account struct {
	SubscriberID uuid.UUID
	Email        string
	DisplayName  string
}

// Accounts resolves subscribers. ErrNotFound when unknown.
type Accounts interface {
	Lookup(ctx context.Context, subscriberID uuid.UUID) (Account, error)
}
