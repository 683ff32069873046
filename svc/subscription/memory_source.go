package subscription

import (
	"context"
	"sync"
)

type inMemSource struct {
	mu    sync.RWMutex
	plans []Plan
}

// NewInMemSource returns a PlanSource over a copy of plans.
// Panics if no plans are provided.
func NewInMemSource(plans ...Plan) PlanSource {
	if len(plans) < 1 {
		panic("at least one plan is required")
	}
	cp := make([]Plan, 0, len(plans))
	for _, p := range plans {
		cp = append(cp, p.clone())
	}
	return &inMemSource{plans: cp}
}

func (s *inMemSource) Load(context.Context) ([]Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p.clone())
	}
	return out, nil
}

// DefaultPlans is the seed catalog: three monthly tiers.
func DefaultPlans() []Plan {
	return []Plan{
		{
			ID:             "basic",
			Name:           "Basic",
			Description:    "Gym floor access and the workout library.",
			Tier:           TierBasic,
			Price:          Money{Amount: 1000, Currency: "USD"},
			PeriodMonths:   1,
			Features:       []string{"workout_library", "progress_tracking"},
			Active:         true,
			GatewayPriceID: "price_basic_monthly",
		},
		{
			ID:             "premium",
			Name:           "Premium",
			Description:    "Everything in Basic plus live classes.",
			Tier:           TierPremium,
			Price:          Money{Amount: 2000, Currency: "USD"},
			PeriodMonths:   1,
			Features:       []string{"workout_library", "progress_tracking", "live_classes", "nutrition_plans"},
			Active:         true,
			GatewayPriceID: "price_premium_monthly",
		},
		{
			ID:             "pro",
			Name:           "Pro",
			Description:    "Everything in Premium plus personal coaching.",
			Tier:           TierPro,
			Price:          Money{Amount: 4500, Currency: "USD"},
			PeriodMonths:   1,
			Features:       []string{"workout_library", "progress_tracking", "live_classes", "nutrition_plans", "personal_coach"},
			Active:         true,
			GatewayPriceID: "price_pro_monthly",
		},
	}
}
