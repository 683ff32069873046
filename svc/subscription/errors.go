package subscription

import (
	"errors"
	"fmt"
)

var (
	ErrAuthentication     = errors.New("webhook authentication failed")
	ErrMalformedEvent     = errors.New("malformed webhook event")
	ErrConflict           = errors.New("subscription conflict")
	ErrNotFound           = errors.New("not found")
	ErrTransientGateway   = errors.New("payment gateway temporarily unavailable")
	ErrGatewayRejected    = errors.New("payment gateway rejected the request")
	ErrExpired            = errors.New("subscription period has expired")
	ErrStaleVersion       = errors.New("subscription was modified concurrently")
	ErrInvalidTransition  = errors.New("invalid subscription state transition")
	ErrPlanNotPurchasable = errors.New("plan is not purchasable")
	ErrForbidden          = errors.New("subscription belongs to another subscriber")

	ErrInvalidPlan         = errors.New("invalid subscription plan")
	ErrLoadPlans           = errors.New("failed to load subscription plans")
	ErrInvalidSubscription = errors.New("invalid subscription record")
)

// Conflict reasons. Always joined with ErrConflict.
var (
	ErrAlreadySubscribed   = errors.New("subscriber already holds a live subscription")
	ErrTrialActive         = errors.New("subscriber is on an active trial")
	ErrDowngradeNotAllowed = errors.New("plan change must be an upgrade")
	ErrTrialAlreadyUsed    = errors.New("subscriber already used their trial")
	ErrSamePlan            = errors.New("subscriber is already on this plan")
	ErrSwitchInProgress    = errors.New("subscriber has a plan switch awaiting payment")
)

func conflict(reason error) error {
	return errors.Join(ErrConflict, reason)
}

var conflictReasons = []struct {
	err error
	key string
}{
	{ErrAlreadySubscribed, "already_subscribed"},
	{ErrTrialActive, "trial_active"},
	{ErrDowngradeNotAllowed, "downgrade_not_allowed"},
	{ErrTrialAlreadyUsed, "trial_already_used"},
	{ErrSamePlan, "same_plan"},
	{ErrSwitchInProgress, "switch_in_progress"},
}

// ConflictReason returns a stable key for a conflict error, or "" when err is
// not a conflict. A conflict without a known reason maps to "conflict".
func ConflictReason(err error) string {
	if !errors.Is(err, ErrConflict) {
		return ""
	}
	for _, r := range conflictReasons {
		if errors.Is(err, r.err) {
			return r.key
		}
	}
	return "conflict"
}

// orphanedCheckoutError marks a switch checkout that was paid after its switch
// was reverted or cancelled. The gateway subscription it created has no row
// to land on and must be cancelled.
type orphanedCheckoutError struct {
	ref            string
	subscriptionID string
	status         Status
}

func (e *orphanedCheckoutError) Error() string {
	return fmt.Sprintf("checkout %s completed for a switch of %s that is already %s", e.ref, e.subscriptionID, e.status)
}

// acknowledgeable reports webhook handler failures that will never succeed on
// redelivery, so the event is acknowledged without action.
func acknowledgeable(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrStaleVersion) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrForbidden)
}
