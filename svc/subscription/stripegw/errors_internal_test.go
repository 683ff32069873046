package stripegw

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	stripe "github.com/stripe/stripe-go/v82"

	"github.com/fitfusion/billing/svc/subscription"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not found", &stripe.Error{HTTPStatusCode: 404}, subscription.ErrNotFound},
		{"resource missing", &stripe.Error{HTTPStatusCode: 400, Code: stripe.ErrorCodeResourceMissing}, subscription.ErrNotFound},
		{"rate limited", &stripe.Error{HTTPStatusCode: 429}, subscription.ErrTransientGateway},
		{"server error", &stripe.Error{HTTPStatusCode: 502}, subscription.ErrTransientGateway},
		{"card declined", &stripe.Error{HTTPStatusCode: 402}, subscription.ErrGatewayRejected},
		{"network", errors.New("dial tcp: connection refused"), subscription.ErrTransientGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := mapError(tt.err)
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.err)
		})
	}

	assert.NoError(t, mapError(nil))
	assert.Equal(t, context.Canceled, mapError(context.Canceled))
}
