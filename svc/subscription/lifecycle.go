package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/fitfusion/billing/pkg/logger"
)

const (
	defaultTrialPeriod   = 14 * 24 * time.Hour
	defaultRenewWindow   = 24 * time.Hour
	defaultSwitchTimeout = 24 * time.Hour

	// minSwitchTimeout is the shortest checkout lifetime gateways accept.
	minSwitchTimeout = 30 * time.Minute
)

// Engine owns every status mutation. Each mutation resolves its target status
// through the transition table and writes with a version check.
type Engine struct {
	store      Store
	catalog    *Catalog
	gateway    Gateway
	accounts   Accounts
	dispatcher *Dispatcher
	observers  []Observer
	ledger     *Ledger
	log        *slog.Logger
	now        func() time.Time

	trialPeriod   time.Duration
	renewWindow   time.Duration
	switchTimeout time.Duration
	inPlaceSwitch bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithAccounts(a Accounts) EngineOption {
	return func(e *Engine) { e.accounts = a }
}

func WithDispatcher(d *Dispatcher) EngineOption {
	return func(e *Engine) { e.dispatcher = d }
}

// WithObservers registers transition observers, called after commit.
func WithObservers(obs ...Observer) EngineOption {
	return func(e *Engine) { e.observers = append(e.observers, obs...) }
}

func WithTrialPeriod(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.trialPeriod = d
		}
	}
}

// WithRenewWindow sets how close to its end date a row must be to renew.
func WithRenewWindow(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.renewWindow = d
		}
	}
}

// WithSwitchTimeout sets when an unconfirmed plan switch counts as abandoned.
// The switch checkout expires at the same moment, so a revert never races a
// payment. Values below 30 minutes are raised to it.
func WithSwitchTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.switchTimeout = max(d, minSwitchTimeout)
		}
	}
}

// WithInPlaceSwitch modifies the existing gateway subscription on upgrade
// instead of opening a new checkout; subscription_updated confirms it.
func WithInPlaceSwitch() EngineOption {
	return func(e *Engine) { e.inPlaceSwitch = true }
}

// NewEngine builds an Engine. Panics on missing required collaborators.
func NewEngine(store Store, catalog *Catalog, gateway Gateway, opts ...EngineOption) *Engine {
	if store == nil {
		panic("subscription: Store is required")
	}
	if catalog == nil {
		panic("subscription: Catalog is required")
	}
	if gateway == nil {
		panic("subscription: Gateway is required")
	}

	e := &Engine{
		store:         store,
		catalog:       catalog,
		gateway:       gateway,
		log:           slog.Default(),
		now:           time.Now,
		trialPeriod:   defaultTrialPeriod,
		renewWindow:   defaultRenewWindow,
		switchTimeout: defaultSwitchTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(logger.Component("subscription"))
	e.ledger = NewLedger(store, e.now)
	return e
}

// Catalog returns the plan catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// Ledger returns the payment ledger.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Subscriptions lists a subscriber's history, newest first.
func (e *Engine) Subscriptions(ctx context.Context, subscriberID uuid.UUID) ([]*Subscription, error) {
	return e.store.SubscriberSubscriptions(ctx, subscriberID)
}

// Access returns the row currently granting the subscriber access, if any.
func (e *Engine) Access(ctx context.Context, subscriberID uuid.UUID) (*Subscription, bool, error) {
	rows, err := e.store.SubscriberSubscriptions(ctx, subscriberID)
	if err != nil {
		return nil, false, err
	}
	now := e.now()
	for _, s := range rows {
		if s.HasAccessAt(now) {
			return s, true, nil
		}
	}
	return nil, false, nil
}

// StartTrial opens the subscriber's one lifetime trial.
func (e *Engine) StartTrial(ctx context.Context, subscriberID uuid.UUID, planID string) (*Subscription, error) {
	plan, err := e.catalog.Purchasable(planID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	end := now.Add(e.trialPeriod)
	trialEnd := end
	trial := &Subscription{
		ID:           uuid.New(),
		SubscriberID: subscriberID,
		PlanID:       plan.ID,
		Status:       StatusTrial,
		StartDate:    now,
		EndDate:      end,
		IsTrial:      true,
		TrialEnd:     &trialEnd,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	fx := &effects{}
	err = e.store.InTx(ctx, func(repo Repository) error {
		rows, err := repo.SubscriberSubscriptions(ctx, subscriberID)
		if err != nil {
			return err
		}
		if slices.ContainsFunc(rows, func(s *Subscription) bool { return s.IsTrial }) {
			return conflict(ErrTrialAlreadyUsed)
		}
		if err := e.expirePastDue(ctx, repo, fx, rows, causeAPI); err != nil {
			return err
		}
		if open := firstOpen(rows, now); open != nil {
			if open.Status == StatusTrial {
				return conflict(ErrTrialActive)
			}
			return conflict(ErrAlreadySubscribed)
		}
		return e.insert(ctx, repo, fx, trial, TriggerStartTrial, causeAPI)
	})
	if err != nil {
		return nil, err
	}

	fx.notify(subscriberID, TemplateTrialStarted, NotificationData{
		SubscriptionID: trial.ID,
		PlanName:       plan.Name,
		Price:          plan.Price,
		EndDate:        end,
	})
	e.commit(ctx, fx)
	return trial, nil
}

// ConvertTrial opens a checkout that, once paid, turns the trial row itself
// into an ACTIVE subscription. Nothing is written here.
func (e *Engine) ConvertTrial(ctx context.Context, id, subscriberID uuid.UUID, opts CheckoutOptions) (*CheckoutSession, error) {
	s, err := e.owned(ctx, id, subscriberID)
	if err != nil {
		return nil, err
	}
	if !s.IsTrial || s.Status != StatusTrial {
		return nil, errors.Join(ErrInvalidTransition, fmt.Errorf("subscription %s is not an open trial", id))
	}
	if s.TrialEnd == nil || !s.TrialEnd.After(e.now()) {
		return nil, ErrExpired
	}
	plan, err := e.catalog.Purchasable(s.PlanID)
	if err != nil {
		return nil, err
	}

	return e.gateway.CreateSession(ctx, SessionRequest{
		Plan:         plan,
		SubscriberID: subscriberID,
		Email:        e.email(ctx, subscriberID),
		SuccessURL:   opts.SuccessURL,
		CancelURL:    opts.CancelURL,
		Metadata: map[string]string{
			MetaSubscriberID:        subscriberID.String(),
			MetaPlanID:              plan.ID,
			MetaTrialSubscriptionID: s.ID.String(),
		},
	})
}

// Cancel ends a subscription. Immediate cancellation stops access now and is
// confirmed with the gateway before anything is written. Soft cancellation
// first turns auto-renew off, then asks the gateway to stop at period end;
// access continues until EndDate. A soft-cancelled row can still be ended
// immediately while it grants access. Cancelling a row mid-switch also
// expires the replacement awaiting payment.
func (e *Engine) Cancel(ctx context.Context, id, subscriberID uuid.UUID, immediate bool) (*Subscription, error) {
	s, err := e.owned(ctx, id, subscriberID)
	if err != nil {
		return nil, err
	}
	if s.Status == StatusCancelled && immediate && s.EndDate.After(e.now()) {
		return e.endNow(ctx, s)
	}
	if !canTrigger(ctx, s, TriggerCancel) {
		return nil, errors.Join(ErrInvalidTransition, fmt.Errorf("cannot cancel a %s subscription", s.Status))
	}

	if immediate {
		if s.GatewayRef != "" {
			if err := e.gateway.Cancel(ctx, s.GatewayRef, false); err != nil {
				return nil, err
			}
		}
	} else {
		if s.AutoRenew {
			s.AutoRenew = false
			s.UpdatedAt = e.now()
			if err := e.store.UpdateSubscription(ctx, s); err != nil {
				return nil, err
			}
		}
		if s.GatewayRef != "" {
			if err := e.gateway.Cancel(ctx, s.GatewayRef, true); err != nil {
				return nil, err
			}
		}
	}

	now := e.now()
	fx := &effects{}
	err = e.store.InTx(ctx, func(repo Repository) error {
		if s.Status == StatusSwitching {
			pending, err := e.pendingFor(ctx, repo, s)
			if err != nil {
				return err
			}
			for _, p := range pending {
				if err := e.apply(ctx, repo, fx, p, TriggerAbandonSwitch, causeAPI, nil); err != nil {
					return err
				}
			}
		}
		return e.apply(ctx, repo, fx, s, TriggerCancel, causeAPI, func(s *Subscription) {
			s.AutoRenew = false
			if immediate {
				s.EndDate = endedAt(s, now)
			}
		})
	})
	if err != nil {
		return nil, err
	}

	fx.notify(s.SubscriberID, TemplateCancelled, NotificationData{
		SubscriptionID: s.ID,
		PlanName:       e.planName(s.PlanID),
		EndDate:        s.EndDate,
		Immediate:      immediate,
	})
	e.commit(ctx, fx)
	return s, nil
}

// endNow cuts the remaining access of a soft-cancelled row. The status does
// not change, so no transition is emitted.
func (e *Engine) endNow(ctx context.Context, s *Subscription) (*Subscription, error) {
	if s.GatewayRef != "" {
		if err := e.gateway.Cancel(ctx, s.GatewayRef, false); err != nil {
			return nil, err
		}
	}
	now := e.now()
	s.EndDate = endedAt(s, now)
	s.UpdatedAt = now
	if err := e.store.UpdateSubscription(ctx, s); err != nil {
		return nil, err
	}

	fx := &effects{}
	fx.notify(s.SubscriberID, TemplateCancelled, NotificationData{
		SubscriptionID: s.ID,
		PlanName:       e.planName(s.PlanID),
		EndDate:        s.EndDate,
		Immediate:      true,
	})
	e.commit(ctx, fx)
	return s, nil
}

// endedAt keeps EndDate after StartDate for rows cancelled the moment they start.
func endedAt(s *Subscription, now time.Time) time.Time {
	if !now.After(s.StartDate) {
		return s.StartDate.Add(time.Microsecond)
	}
	return now
}

// Renew extends an auto-renewing ACTIVE row by one billing period when it is
// within the renew window of its end date. It reports false, without writing,
// in every other case, so running it twice renews once.
func (e *Engine) Renew(ctx context.Context, id uuid.UUID) (bool, error) {
	s, err := e.store.Subscription(ctx, id)
	if err != nil {
		return false, err
	}
	if s.Status != StatusActive || !s.AutoRenew || s.EndDate.Sub(e.now()) > e.renewWindow {
		return false, nil
	}
	plan, err := e.catalog.Plan(s.PlanID)
	if err != nil {
		return false, err
	}

	fx := &effects{}
	err = e.store.InTx(ctx, func(repo Repository) error {
		return e.apply(ctx, repo, fx, s, TriggerRenew, causeSweep, func(s *Subscription) {
			s.EndDate = plan.PeriodEnd(s.EndDate)
		})
	})
	if err != nil {
		return false, err
	}

	fx.notify(s.SubscriberID, TemplateRenewed, NotificationData{
		SubscriptionID: s.ID,
		PlanName:       plan.Name,
		Price:          plan.Price,
		EndDate:        s.EndDate,
	})
	e.commit(ctx, fx)
	return true, nil
}

// SwitchOptions carries the checkout redirects for a plan switch.
type SwitchOptions = CheckoutOptions

// SwitchResult is the outcome of SwitchPlan. Session is nil for in-place switches.
type SwitchResult struct {
	Current *Subscription
	Pending *Subscription
	Session *CheckoutSession
}

// SwitchPlan starts an upgrade. The gateway is called first; only after it
// succeeds does the current row move to SWITCHING alongside a new PENDING row
// that inherits the current end date.
func (e *Engine) SwitchPlan(ctx context.Context, id, subscriberID uuid.UUID, newPlanID string, opts SwitchOptions) (*SwitchResult, error) {
	s, err := e.owned(ctx, id, subscriberID)
	if err != nil {
		return nil, err
	}
	if s.PlanID == newPlanID {
		return nil, conflict(ErrSamePlan)
	}
	if !canTrigger(ctx, s, TriggerBeginSwitch) {
		return nil, errors.Join(ErrInvalidTransition, fmt.Errorf("cannot switch a %s subscription", s.Status))
	}
	now := e.now()
	if !s.IsLiveAt(now) {
		return nil, ErrExpired
	}

	current, err := e.catalog.Plan(s.PlanID)
	if err != nil {
		return nil, err
	}
	next, err := e.catalog.Purchasable(newPlanID)
	if err != nil {
		return nil, err
	}
	if next.Price.Amount <= current.Price.Amount {
		return nil, conflict(ErrDowngradeNotAllowed)
	}

	replaces := s.ID
	pending := &Subscription{
		ID:           uuid.New(),
		SubscriberID: subscriberID,
		PlanID:       next.ID,
		Status:       StatusPending,
		StartDate:    now,
		EndDate:      s.EndDate,
		AutoRenew:    true,
		ReplacesID:   &replaces,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var session *CheckoutSession
	if e.inPlaceSwitch && s.GatewayRef != "" {
		if err := e.gateway.Modify(ctx, s.GatewayRef, next.GatewayPriceID); err != nil {
			return nil, err
		}
		pending.GatewayRef = s.GatewayRef
	} else {
		session, err = e.gateway.CreateSession(ctx, SessionRequest{
			Plan:         next,
			SubscriberID: subscriberID,
			Email:        e.email(ctx, subscriberID),
			SuccessURL:   opts.SuccessURL,
			CancelURL:    opts.CancelURL,
			ExpiresAt:    now.Add(e.switchTimeout),
			Metadata: map[string]string{
				MetaSubscriberID:          subscriberID.String(),
				MetaPlanID:                next.ID,
				MetaPlanSwitch:            "true",
				MetaCurrentSubscriptionID: s.ID.String(),
				MetaPendingSubscriptionID: pending.ID.String(),
			},
		})
		if err != nil {
			return nil, err
		}
	}

	fx := &effects{}
	err = e.store.InTx(ctx, func(repo Repository) error {
		if err := e.apply(ctx, repo, fx, s, TriggerBeginSwitch, causeAPI, nil); err != nil {
			return err
		}
		return e.insert(ctx, repo, fx, pending, TriggerCreate, causeAPI)
	})
	if err != nil {
		return nil, err
	}
	e.commit(ctx, fx)
	return &SwitchResult{Current: s, Pending: pending, Session: session}, nil
}

// RenewDue renews every row inside the renew window.
func (e *Engine) RenewDue(ctx context.Context) (int, error) {
	rows, err := e.store.DueForRenewal(ctx, e.now().Add(e.renewWindow))
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, s := range rows {
		ok, err := e.Renew(ctx, s.ID)
		switch {
		case err == nil && ok:
			n++
		case errors.Is(err, ErrStaleVersion), errors.Is(err, ErrInvalidTransition):
			e.log.DebugContext(ctx, "renewal skipped", logger.SubscriptionID(s.ID), logger.Error(err))
		case err != nil:
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}

// ExpireDue expires ACTIVE, TRIAL, PAYMENT_FAILED and PENDING rows past their
// end date.
func (e *Engine) ExpireDue(ctx context.Context) (int, error) {
	now := e.now()
	rows, err := e.store.DueForExpiry(ctx, now)
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, row := range rows {
		fx := &effects{}
		var (
			expired *Subscription
			unpaid  bool
		)
		err := e.store.InTx(ctx, func(repo Repository) error {
			s, err := repo.Subscription(ctx, row.ID)
			if err != nil {
				return err
			}
			if !s.pastDueAt(now) {
				return nil
			}
			expired, unpaid = s, s.Status == StatusPending
			return e.apply(ctx, repo, fx, s, TriggerExpire, causeSweep, nil)
		})
		switch {
		case err == nil && expired != nil:
			n++
			// A replacement that was never paid for expires silently.
			if !unpaid {
				fx.notify(expired.SubscriberID, TemplateExpired, NotificationData{
					SubscriptionID: expired.ID,
					PlanName:       e.planName(expired.PlanID),
					EndDate:        expired.EndDate,
				})
			}
			e.commit(ctx, fx)
		case errors.Is(err, ErrStaleVersion), errors.Is(err, ErrInvalidTransition):
			e.log.DebugContext(ctx, "expiry skipped", logger.SubscriptionID(row.ID), logger.Error(err))
		case err != nil:
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}

// RevertAbandonedSwitches restores SWITCHING rows whose checkout never
// completed and expires their PENDING counterparts. Rows are picked only once
// the switch checkout has expired.
func (e *Engine) RevertAbandonedSwitches(ctx context.Context) (int, error) {
	rows, err := e.store.StaleSwitches(ctx, e.now().Add(-e.switchTimeout))
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, row := range rows {
		fx := &effects{}
		err := e.store.InTx(ctx, func(repo Repository) error {
			cur, err := repo.Subscription(ctx, row.ID)
			if err != nil {
				return err
			}
			if cur.Status != StatusSwitching {
				return nil
			}
			pending, err := e.pendingFor(ctx, repo, cur)
			if err != nil {
				return err
			}
			for _, p := range pending {
				if err := e.apply(ctx, repo, fx, p, TriggerAbandonSwitch, causeSweep, nil); err != nil {
					return err
				}
			}
			return e.apply(ctx, repo, fx, cur, TriggerAbandonSwitch, causeSweep, nil)
		})
		switch {
		case err == nil && len(fx.transitions) > 0:
			n++
			e.commit(ctx, fx)
		case err == nil:
		case errors.Is(err, ErrStaleVersion), errors.Is(err, ErrInvalidTransition):
			e.log.DebugContext(ctx, "switch revert skipped", logger.SubscriptionID(row.ID), logger.Error(err))
		default:
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}

// owned loads id and hides rows of other subscribers behind ErrNotFound.
func (e *Engine) owned(ctx context.Context, id, subscriberID uuid.UUID) (*Subscription, error) {
	s, err := e.store.Subscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.SubscriberID != subscriberID {
		return nil, errors.Join(ErrNotFound, fmt.Errorf("subscription %s", id))
	}
	return s, nil
}

// apply moves s through trigger t, lets mutate adjust fields and writes the
// row with a version check.
func (e *Engine) apply(ctx context.Context, repo Repository, fx *effects, s *Subscription, t Trigger, cause string, mutate func(*Subscription)) error {
	next, err := nextStatus(ctx, s, t)
	if err != nil {
		return err
	}
	from := s.Status
	s.Status = next
	if mutate != nil {
		mutate(s)
	}
	s.UpdatedAt = e.now()
	if err := repo.UpdateSubscription(ctx, s); err != nil {
		return err
	}
	fx.transition(s, from, t, cause, s.UpdatedAt)
	return nil
}

func (e *Engine) insert(ctx context.Context, repo Repository, fx *effects, s *Subscription, t Trigger, cause string) error {
	if err := repo.InsertSubscription(ctx, s); err != nil {
		return err
	}
	fx.transition(s, "", t, cause, s.CreatedAt)
	return nil
}

// expirePastDue expires rows in rows that ran out without the sweep noticing,
// so they no longer block a new live row.
func (e *Engine) expirePastDue(ctx context.Context, repo Repository, fx *effects, rows []*Subscription, cause string) error {
	now := e.now()
	for _, s := range rows {
		if !s.pastDueAt(now) {
			continue
		}
		if err := e.apply(ctx, repo, fx, s, TriggerExpire, cause, nil); err != nil {
			return err
		}
	}
	return nil
}

// pendingFor returns PENDING rows created to replace cur.
func (e *Engine) pendingFor(ctx context.Context, repo Repository, cur *Subscription) ([]*Subscription, error) {
	rows, err := repo.SubscriberSubscriptions(ctx, cur.SubscriberID)
	if err != nil {
		return nil, err
	}
	var out []*Subscription
	for _, s := range rows {
		if s.Status == StatusPending && s.ReplacesID != nil && *s.ReplacesID == cur.ID {
			out = append(out, s)
		}
	}
	return out, nil
}

func firstOpen(rows []*Subscription, now time.Time) *Subscription {
	for _, s := range rows {
		if s.openAt(now) {
			return s
		}
	}
	return nil
}

func (e *Engine) email(ctx context.Context, subscriberID uuid.UUID) string {
	if e.accounts == nil {
		return ""
	}
	acct, err := e.accounts.Lookup(ctx, subscriberID)
	if err != nil {
		e.log.DebugContext(ctx, "billing email not prefilled", logger.SubscriberID(subscriberID), logger.Error(err))
		return ""
	}
	return acct.Email
}

func (e *Engine) planName(id string) string {
	if p, err := e.catalog.Plan(id); err == nil {
		return p.Name
	}
	return id
}

// commit runs post-commit effects: transition logs and observers, then
// notifications, then best-effort follow-ups.
func (e *Engine) commit(ctx context.Context, fx *effects) {
	for _, t := range fx.transitions {
		e.log.InfoContext(ctx, "subscription transition",
			logger.SubscriptionID(t.SubscriptionID),
			logger.SubscriberID(t.SubscriberID),
			logger.PlanID(t.PlanID),
			logger.Transition(string(t.From), string(t.To)),
			slog.String("trigger", string(t.Trigger)),
			slog.String("cause", t.Cause))
		for _, o := range e.observers {
			o.OnTransition(ctx, t)
		}
	}
	for _, n := range fx.notices {
		e.dispatcher.Dispatch(ctx, n.subscriberID, n.tmpl, n.data)
	}
	for _, fn := range fx.after {
		fn(ctx)
	}
}

// effects collects what happens once a transaction commits.
type effects struct {
	transitions []TransitionEvent
	notices     []notice
	after       []func(context.Context)
}

type notice struct {
	subscriberID uuid.UUID
	tmpl         Template
	data         NotificationData
}

func (fx *effects) transition(s *Subscription, from Status, t Trigger, cause string, at time.Time) {
	fx.transitions = append(fx.transitions, TransitionEvent{
		SubscriptionID: s.ID,
		SubscriberID:   s.SubscriberID,
		PlanID:         s.PlanID,
		From:           from,
		To:             s.Status,
		Trigger:        t,
		Cause:          cause,
		At:             at,
	})
}

func (fx *effects) notify(subscriberID uuid.UUID, tmpl Template, data NotificationData) {
	fx.notices = append(fx.notices, notice{subscriberID: subscriberID, tmpl: tmpl, data: data})
}
