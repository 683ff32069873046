package httpapi

import (
	"time"

	"github.com/fitfusion/billing/svc/subscription"
)

type moneyView struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type planView struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Tier         string    `json:"tier"`
	Price        moneyView `json:"price"`
	PeriodMonths int       `json:"period_months"`
	Features     []string  `json:"features,omitempty"`
}

type subscriptionView struct {
	ID        string     `json:"id"`
	PlanID    string     `json:"plan_id"`
	Status    string     `json:"status"`
	StartDate time.Time  `json:"start_date"`
	EndDate   time.Time  `json:"end_date"`
	AutoRenew bool       `json:"auto_renew"`
	IsTrial   bool       `json:"is_trial"`
	TrialEnd  *time.Time `json:"trial_end,omitempty"`
	HasAccess bool       `json:"has_access"`
}

type sessionView struct {
	ID        string     `json:"id"`
	URL       string     `json:"url"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type switchView struct {
	Current subscriptionView  `json:"current"`
	Pending *subscriptionView `json:"pending,omitempty"`
	Session *sessionView      `json:"session,omitempty"`
}

func viewPlan(p subscription.Plan) planView {
	return planView{
		ID:           p.ID,
		Name:         p.Name,
		Description:  p.Description,
		Tier:         string(p.Tier),
		Price:        moneyView{Amount: p.Price.Amount, Currency: p.Price.Currency},
		PeriodMonths: p.PeriodMonths,
		Features:     p.Features,
	}
}

func viewSubscription(s *subscription.Subscription, now time.Time) subscriptionView {
	return subscriptionView{
		ID:        s.ID.String(),
		PlanID:    s.PlanID,
		Status:    string(s.Status),
		StartDate: s.StartDate.UTC(),
		EndDate:   s.EndDate.UTC(),
		AutoRenew: s.AutoRenew,
		IsTrial:   s.IsTrial,
		TrialEnd:  s.TrialEnd,
		HasAccess: s.HasAccessAt(now),
	}
}

func viewSession(s *subscription.CheckoutSession) *sessionView {
	if s == nil {
		return nil
	}
	v := &sessionView{ID: s.ID, URL: s.URL}
	if !s.ExpiresAt.IsZero() {
		t := s.ExpiresAt.UTC()
		v.ExpiresAt = &t
	}
	return v
}
