package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fitfusion/billing/pkg/statemachine"
)

// Trigger names a lifecycle event that moves a row between statuses.
type Trigger string

const (
	TriggerStartTrial     Trigger = "start_trial"
	TriggerCreate         Trigger = "create"
	TriggerActivate       Trigger = "activate"
	TriggerRenew          Trigger = "renew"
	TriggerRefresh        Trigger = "refresh"
	TriggerPaymentFailed  Trigger = "payment_failed"
	TriggerPaymentRecover Trigger = "payment_recovered"
	TriggerBeginSwitch    Trigger = "begin_switch"
	TriggerCompleteSwitch Trigger = "complete_switch"
	TriggerAbandonSwitch  Trigger = "abandon_switch"
	TriggerCancel         Trigger = "cancel"
	TriggerExpire         Trigger = "expire"
)

func autoRenewing(_ context.Context, _ Status, _ Trigger, data any) bool {
	s, ok := data.(*Subscription)
	return ok && s.AutoRenew
}

func trialRow(_ context.Context, _ Status, _ Trigger, data any) bool {
	s, ok := data.(*Subscription)
	return ok && s.IsTrial
}

// lifecycle is the full transition table. Creation (start_trial, create) is
// not a transition and is not listed.
var lifecycle = statemachine.NewTable(
	statemachine.WithTransition(StatusTrial, TriggerActivate, StatusActive, trialRow),
	statemachine.WithTransition(StatusPending, TriggerActivate, StatusActive),

	statemachine.WithTransition(StatusActive, TriggerRenew, StatusActive, autoRenewing),
	statemachine.WithTransition(StatusActive, TriggerRefresh, StatusActive),
	statemachine.WithTransition(StatusPaymentFailed, TriggerRefresh, StatusActive),

	statemachine.WithTransition(StatusActive, TriggerPaymentFailed, StatusPaymentFailed),
	statemachine.WithTransition(StatusPaymentFailed, TriggerPaymentFailed, StatusPaymentFailed),
	statemachine.WithTransition(StatusPaymentFailed, TriggerPaymentRecover, StatusActive),

	statemachine.WithTransition(StatusActive, TriggerBeginSwitch, StatusSwitching),
	statemachine.WithTransition(StatusSwitching, TriggerCompleteSwitch, StatusCancelled),
	statemachine.WithTransition(StatusSwitching, TriggerAbandonSwitch, StatusActive),
	statemachine.WithTransition(StatusPending, TriggerAbandonSwitch, StatusExpired),

	statemachine.WithTransition(StatusActive, TriggerCancel, StatusCancelled),
	statemachine.WithTransition(StatusTrial, TriggerCancel, StatusCancelled),
	statemachine.WithTransition(StatusPaymentFailed, TriggerCancel, StatusCancelled),
	statemachine.WithTransition(StatusSwitching, TriggerCancel, StatusCancelled),
	statemachine.WithTransition(StatusPending, TriggerCancel, StatusCancelled),

	statemachine.WithTransition(StatusActive, TriggerExpire, StatusExpired),
	statemachine.WithTransition(StatusTrial, TriggerExpire, StatusExpired),
	statemachine.WithTransition(StatusPaymentFailed, TriggerExpire, StatusExpired),
	statemachine.WithTransition(StatusPending, TriggerExpire, StatusExpired),

	statemachine.WithTerminal[Status, Trigger](StatusCancelled, StatusExpired),
)

// nextStatus resolves a trigger against the table.
func nextStatus(ctx context.Context, s *Subscription, t Trigger) (Status, error) {
	next, err := lifecycle.Next(ctx, s.Status, t, s)
	if err != nil {
		return "", errors.Join(ErrInvalidTransition, err)
	}
	return next, nil
}

// canTrigger reports whether t is legal for s right now.
func canTrigger(ctx context.Context, s *Subscription, t Trigger) bool {
	return lifecycle.Can(ctx, s.Status, t, s)
}

// TransitionEvent describes one committed status change. From is empty for
// newly created rows.
type TransitionEvent struct {
	SubscriptionID uuid.UUID
	SubscriberID   uuid.UUID
	PlanID         string
	From           Status
	To             Status
	Trigger        Trigger
	// Cause is the webhook event id, or "api"/"sweep".
	Cause string
	At    time.Time
}

// Observer receives transition events after their transaction commits.
// Implementations must not block for long.
type Observer interface {
	OnTransition(ctx context.Context, ev TransitionEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev TransitionEvent)

func (f ObserverFunc) OnTransition(ctx context.Context, ev TransitionEvent) { f(ctx, ev) }

const (
	causeAPI   = "api"
	causeSweep = "sweep"
)
