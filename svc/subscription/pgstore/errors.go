package pgstore

import (
	"errors"

	"github.com/fitfusion/billing/pkg/pg"
	"github.com/fitfusion/billing/svc/subscription"
)

// Constraint names from the migrations.
const (
	constraintOneLive  = "subscriptions_one_live_idx"
	constraintOneTrial = "subscriptions_one_trial_idx"
)

// mapWriteError turns unique violations into the store's conflict errors.
func mapWriteError(err error) error {
	if err == nil || !pg.IsDuplicateKeyError(err) {
		return err
	}
	switch pg.ConstraintName(err) {
	case constraintOneLive:
		return errors.Join(subscription.ErrConflict, subscription.ErrAlreadySubscribed, err)
	case constraintOneTrial:
		return errors.Join(subscription.ErrConflict, subscription.ErrTrialAlreadyUsed, err)
	}
	return errors.Join(subscription.ErrConflict, err)
}
