package pgstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/fitfusion/billing/svc/subscription"
)

func TestMapWriteError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{"second live row", &pgconn.PgError{Code: "23505", ConstraintName: constraintOneLive}, "already_subscribed"},
		{"second trial", &pgconn.PgError{Code: "23505", ConstraintName: constraintOneTrial}, "trial_already_used"},
		{"invoice number", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "payment_records_invoice_number_key"}), "conflict"},
		{"not a duplicate", &pgconn.PgError{Code: "23514", ConstraintName: "subscriptions_period_check"}, ""},
		{"plain error", errors.New("connection reset"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := mapWriteError(tt.err)
			assert.ErrorIs(t, got, tt.err)
			assert.Equal(t, tt.reason, subscription.ConflictReason(got))
		})
	}

	assert.NoError(t, mapWriteError(nil))
}
