package stripegw

import (
	"context"
	"errors"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/fitfusion/billing/svc/subscription"
)

var ErrMissingCredentials = errors.New("stripe secret key and webhook secret are required")

// mapError classifies a Stripe API failure for the lifecycle engine.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode == http.StatusNotFound || se.Code == stripe.ErrorCodeResourceMissing:
			return errors.Join(subscription.ErrNotFound, err)
		case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= http.StatusInternalServerError:
			return errors.Join(subscription.ErrTransientGateway, err)
		default:
			return errors.Join(subscription.ErrGatewayRejected, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Anything else failed before Stripe answered.
	return errors.Join(subscription.ErrTransientGateway, err)
}
