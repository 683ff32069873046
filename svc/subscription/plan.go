package subscription

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Tier is the marketing level of a plan.
type Tier string

const (
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
	TierPro     Tier = "pro"
)

// Money is an amount in the smallest currency unit: $10.99 is {1099, "USD"}.
type Money struct {
	Amount   int64
	Currency string
}

func (m Money) String() string {
	return fmt.Sprintf("%d.%02d %s", m.Amount/100, m.Amount%100, m.Currency)
}

// Plan is a purchasable pricing tier. GatewayPriceID maps it to the gateway's
// catalog so checkout and webhooks can resolve it in both directions.
type Plan struct {
	ID             string
	Name           string
	Description    string
	Tier           Tier
	Price          Money
	PeriodMonths   int
	Features       []string
	Active         bool
	GatewayPriceID string
}

// PeriodEnd returns the end of one billing period starting at from.
func (p Plan) PeriodEnd(from time.Time) time.Time {
	return from.AddDate(0, p.PeriodMonths, 0)
}

// Validate checks the plan is usable for billing.
func (p Plan) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: plan ID is required", ErrInvalidPlan)
	case p.PeriodMonths <= 0:
		return fmt.Errorf("%w: plan %s must have a positive billing period", ErrInvalidPlan, p.ID)
	case p.Price.Amount < 0:
		return fmt.Errorf("%w: plan %s has a negative price", ErrInvalidPlan, p.ID)
	case p.Active && p.GatewayPriceID == "":
		return fmt.Errorf("%w: active plan %s has no gateway price", ErrInvalidPlan, p.ID)
	}
	return nil
}

func (p Plan) clone() Plan {
	p.Features = slices.Clone(p.Features)
	return p
}

// PlanSource loads the catalog once at startup.
type PlanSource interface {
	Load(ctx context.Context) ([]Plan, error)
}

// Catalog is an immutable, validated view of the plans. Plans handed out are
// copies; callers may not alter the catalog through them.
type Catalog struct {
	plans   map[string]Plan
	byPrice map[string]string
	order   []string
}

// NewCatalog loads and validates every plan from src.
func NewCatalog(ctx context.Context, src PlanSource) (*Catalog, error) {
	plans, err := src.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrLoadPlans, err)
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("%w: catalog is empty", ErrInvalidPlan)
	}

	c := &Catalog{
		plans:   make(map[string]Plan, len(plans)),
		byPrice: make(map[string]string, len(plans)),
	}
	for _, p := range plans {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate plan %s", ErrInvalidPlan, p.ID)
		}
		c.plans[p.ID] = p.clone()
		c.order = append(c.order, p.ID)
		if p.GatewayPriceID != "" {
			c.byPrice[p.GatewayPriceID] = p.ID
		}
	}
	return c, nil
}

// Plan returns the plan with id, active or not.
func (c *Catalog) Plan(id string) (Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, errors.Join(ErrNotFound, fmt.Errorf("plan %q", id))
	}
	return p.clone(), nil
}

// Purchasable returns the plan only if it can be bought right now.
func (c *Catalog) Purchasable(id string) (Plan, error) {
	p, err := c.Plan(id)
	if err != nil {
		return Plan{}, errors.Join(ErrPlanNotPurchasable, err)
	}
	if !p.Active {
		return Plan{}, errors.Join(ErrPlanNotPurchasable, fmt.Errorf("plan %q is retired", id))
	}
	return p, nil
}

// PlanByGatewayPrice resolves a gateway price id to a plan.
func (c *Catalog) PlanByGatewayPrice(priceID string) (Plan, error) {
	id, ok := c.byPrice[priceID]
	if !ok {
		return Plan{}, errors.Join(ErrNotFound, fmt.Errorf("gateway price %q", priceID))
	}
	return c.Plan(id)
}

// Active lists purchasable plans in catalog order.
func (c *Catalog) Active() []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, id := range c.order {
		if p := c.plans[id]; p.Active {
			out = append(out, p.clone())
		}
	}
	return out
}
