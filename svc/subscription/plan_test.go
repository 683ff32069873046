package subscription_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitfusion/billing/svc/subscription"
)

type failingSource struct{ err error }

func (f failingSource) Load(context.Context) ([]subscription.Plan, error) { return nil, f.err }

func TestCatalog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	plans := subscription.DefaultPlans()
	plans = append(plans, subscription.Plan{
		ID:           "legacy",
		Name:         "Legacy",
		Tier:         subscription.TierBasic,
		Price:        subscription.Money{Amount: 500, Currency: "USD"},
		PeriodMonths: 12,
	})
	catalog, err := subscription.NewCatalog(ctx, subscription.NewInMemSource(plans...))
	require.NoError(t, err)

	t.Run("active plans in order", func(t *testing.T) {
		t.Parallel()
		var ids []string
		for _, p := range catalog.Active() {
			ids = append(ids, p.ID)
		}
		assert.Equal(t, []string{"basic", "premium", "pro"}, ids)
	})

	t.Run("retired plans resolve but are not purchasable", func(t *testing.T) {
		t.Parallel()
		p, err := catalog.Plan("legacy")
		require.NoError(t, err)
		assert.Equal(t, "Legacy", p.Name)

		_, err = catalog.Purchasable("legacy")
		assert.ErrorIs(t, err, subscription.ErrPlanNotPurchasable)
	})

	t.Run("unknown plan", func(t *testing.T) {
		t.Parallel()
		_, err := catalog.Plan("platinum")
		assert.ErrorIs(t, err, subscription.ErrNotFound)

		_, err = catalog.Purchasable("platinum")
		assert.ErrorIs(t, err, subscription.ErrPlanNotPurchasable)
	})

	t.Run("by gateway price", func(t *testing.T) {
		t.Parallel()
		p, err := catalog.PlanByGatewayPrice("price_premium_monthly")
		require.NoError(t, err)
		assert.Equal(t, "premium", p.ID)

		_, err = catalog.PlanByGatewayPrice("price_unknown")
		assert.ErrorIs(t, err, subscription.ErrNotFound)
	})

	t.Run("returned plans are copies", func(t *testing.T) {
		t.Parallel()
		p, err := catalog.Plan("pro")
		require.NoError(t, err)
		p.Features[0] = "tampered"
		p.Price.Amount = 1

		again, err := catalog.Plan("pro")
		require.NoError(t, err)
		assert.Equal(t, "workout_library", again.Features[0])
		assert.Equal(t, int64(4500), again.Price.Amount)
	})

	t.Run("period end uses calendar months", func(t *testing.T) {
		t.Parallel()
		p, err := catalog.Plan("legacy")
		require.NoError(t, err)
		from := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC), p.PeriodEnd(from))
	})
}

func TestNewCatalog_Invalid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	valid := subscription.DefaultPlans()[0]
	tests := []struct {
		name  string
		plans []subscription.Plan
	}{
		{name: "missing id", plans: []subscription.Plan{func() subscription.Plan { p := valid; p.ID = ""; return p }()}},
		{name: "zero period", plans: []subscription.Plan{func() subscription.Plan { p := valid; p.PeriodMonths = 0; return p }()}},
		{name: "negative price", plans: []subscription.Plan{func() subscription.Plan { p := valid; p.Price.Amount = -1; return p }()}},
		{name: "active without gateway price", plans: []subscription.Plan{func() subscription.Plan { p := valid; p.GatewayPriceID = ""; return p }()}},
		{name: "duplicate", plans: []subscription.Plan{valid, valid}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := subscription.NewCatalog(ctx, subscription.NewInMemSource(tt.plans...))
			assert.ErrorIs(t, err, subscription.ErrInvalidPlan)
		})
	}

	t.Run("source failure", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("config unreadable")
		_, err := subscription.NewCatalog(ctx, failingSource{err: boom})
		assert.ErrorIs(t, err, subscription.ErrLoadPlans)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("empty source panics", func(t *testing.T) {
		t.Parallel()
		assert.Panics(t, func() { subscription.NewInMemSource() })
	})
}

func TestMoney_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "10.00 USD", subscription.Money{Amount: 1000, Currency: "USD"}.String())
	assert.Equal(t, "0.99 EUR", subscription.Money{Amount: 99, Currency: "EUR"}.String())
}
