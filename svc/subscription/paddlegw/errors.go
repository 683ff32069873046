package paddlegw

import (
	"context"
	"errors"
	"net"

	"github.com/fitfusion/billing/svc/subscription"
)

var (
	ErrMissingCredentials = errors.New("paddle API key and webhook secret are required")
	ErrInvalidEnvironment = errors.New("invalid paddle environment")
	ErrNoCheckoutURL      = errors.New("no checkout URL returned from paddle")
)

// mapError classifies a Paddle SDK failure. Transport failures are retryable;
// anything Paddle answered is treated as a refusal.
func mapError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return errors.Join(subscription.ErrTransientGateway, err)
	}
	return errors.Join(subscription.ErrGatewayRejected, err)
}
