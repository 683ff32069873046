package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fitfusion/billing/pkg/logger"
)

// ErrorReporter receives unexpected processing failures.
type ErrorReporter interface {
	Capture(ctx context.Context, err error, tags map[string]string)
}

// Webhook outcomes, also used as metric labels.
const (
	OutcomeProcessed    = "processed"
	OutcomeDuplicate    = "duplicate"
	OutcomeIgnored      = "ignored"
	OutcomeAcknowledged = "acknowledged"
	OutcomeRejected     = "rejected"
	OutcomeFailed       = "failed"
)

// WebhookProcessor is the single ingress for gateway events. An event is
// claimed by id in the same transaction as its state changes, so a redelivery
// is a no-op and nothing is acknowledged before it is durable.
type WebhookProcessor struct {
	engine   *Engine
	decoder  EventDecoder
	log      *slog.Logger
	reporter ErrorReporter
	metrics  *Metrics
}

// ProcessorOption configures a WebhookProcessor.
type ProcessorOption func(*WebhookProcessor)

func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *WebhookProcessor) {
		if l != nil {
			p.log = l
		}
	}
}

func WithErrorReporter(r ErrorReporter) ProcessorOption {
	return func(p *WebhookProcessor) { p.reporter = r }
}

func WithWebhookMetrics(m *Metrics) ProcessorOption {
	return func(p *WebhookProcessor) { p.metrics = m }
}

func NewWebhookProcessor(engine *Engine, decoder EventDecoder, opts ...ProcessorOption) *WebhookProcessor {
	p := &WebhookProcessor{
		engine:  engine,
		decoder: decoder,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With(logger.Component("webhooks"))
	return p
}

// Process handles one delivery. A nil error means the delivery may be
// acknowledged. ErrAuthentication and ErrMalformedEvent mean it must be
// rejected; any other error means it should be retried.
func (p *WebhookProcessor) Process(ctx context.Context, payload []byte, header http.Header) error {
	start := time.Now()
	ev, err := p.decoder.Decode(ctx, payload, header)
	if err != nil {
		p.log.WarnContext(ctx, "webhook rejected", logger.Error(err))
		p.observe("unknown", OutcomeRejected, start)
		return err
	}

	log := p.log.With(logger.EventID(ev.ID), logger.EventType(string(ev.Kind)))
	outcome, err := p.process(ctx, log, ev)
	p.observe(string(ev.Kind), outcome, start)
	return err
}

func (p *WebhookProcessor) process(ctx context.Context, log *slog.Logger, ev *GatewayEvent) (string, error) {
	var (
		duplicate bool
		handled   = true
		fx        = &effects{}
	)
	p.resolvePeriodEnd(ctx, log, ev)
	err := p.engine.store.InTx(ctx, func(repo Repository) error {
		claimed, err := repo.ClaimEvent(ctx, ev.ID, string(ev.Kind))
		if err != nil {
			return err
		}
		if !claimed {
			duplicate = true
			return nil
		}
		handled, err = p.dispatch(ctx, log, repo, fx, ev)
		return err
	})

	switch {
	case err == nil && duplicate:
		log.InfoContext(ctx, "duplicate webhook ignored")
		return OutcomeDuplicate, nil
	case err == nil:
		p.engine.commit(ctx, fx)
		if !handled {
			return OutcomeIgnored, nil
		}
		log.DebugContext(ctx, "webhook processed")
		return OutcomeProcessed, nil
	case errors.As(err, new(*orphanedCheckoutError)):
		return p.cancelOrphan(ctx, log, ev, err)
	case acknowledgeable(err):
		log.WarnContext(ctx, "webhook acknowledged without action", logger.Error(err))
		return p.acknowledge(ctx, log, ev)
	default:
		log.ErrorContext(ctx, "webhook processing failed", logger.Error(err))
		p.report(ctx, err, ev)
		return OutcomeFailed, err
	}
}

func (p *WebhookProcessor) acknowledge(ctx context.Context, log *slog.Logger, ev *GatewayEvent) (string, error) {
	if _, err := p.engine.store.ClaimEvent(ctx, ev.ID, string(ev.Kind)); err != nil {
		log.ErrorContext(ctx, "failed to claim acknowledged webhook", logger.Error(err))
		p.report(ctx, err, ev)
		return OutcomeFailed, err
	}
	return OutcomeAcknowledged, nil
}

// cancelOrphan cancels the gateway subscription of a switch checkout that
// completed too late. A transient gateway failure retries the delivery; a
// rejection is reported and the delivery acknowledged.
func (p *WebhookProcessor) cancelOrphan(ctx context.Context, log *slog.Logger, ev *GatewayEvent, cause error) (string, error) {
	log.WarnContext(ctx, "cancelling orphaned switch checkout", logger.GatewayRef(ev.GatewayRef), logger.Error(cause))
	if err := p.engine.gateway.Cancel(ctx, ev.GatewayRef, false); err != nil {
		if errors.Is(err, ErrTransientGateway) {
			log.ErrorContext(ctx, "orphaned checkout not cancelled, will retry", logger.Error(err))
			return OutcomeFailed, err
		}
		log.ErrorContext(ctx, "orphaned checkout cancel rejected", logger.Error(err))
		p.report(ctx, errors.Join(cause, err), ev)
	}
	return p.acknowledge(ctx, log, ev)
}

// dispatch routes ev to its handler. handled is false for kinds and modes
// this service does not act on.
func (p *WebhookProcessor) dispatch(ctx context.Context, log *slog.Logger, repo Repository, fx *effects, ev *GatewayEvent) (bool, error) {
	switch ev.Kind {
	case KindCheckoutCompleted:
		if ev.Mode != "" && ev.Mode != ModeSubscription {
			log.InfoContext(ctx, "checkout mode ignored", slog.String("mode", ev.Mode))
			return false, nil
		}
		return true, p.checkoutCompleted(ctx, log, repo, fx, ev)
	case KindSubscriptionUpdated:
		return true, p.subscriptionUpdated(ctx, log, repo, fx, ev)
	case KindSubscriptionDeleted:
		return true, p.subscriptionDeleted(ctx, repo, fx, ev)
	case KindInvoicePaymentFailed:
		return true, p.invoicePaymentFailed(ctx, repo, fx, ev)
	case KindInvoicePaymentSucceeded:
		return true, p.invoicePaymentSucceeded(ctx, repo, fx, ev)
	default:
		log.InfoContext(ctx, "unhandled webhook kind")
		return false, nil
	}
}

func (p *WebhookProcessor) checkoutCompleted(ctx context.Context, log *slog.Logger, repo Repository, fx *effects, ev *GatewayEvent) error {
	e := p.engine
	subscriberID, ok := ev.metaUUID(MetaSubscriberID)
	if !ok {
		return errors.Join(ErrNotFound, fmt.Errorf("checkout without a valid %s", MetaSubscriberID))
	}
	plan, err := p.resolvePlan(ev)
	if err != nil {
		return err
	}

	if ev.meta(MetaPlanSwitch) == "true" {
		return p.finalizeSwitch(ctx, log, repo, fx, ev, subscriberID, plan)
	}

	if trialID, ok := ev.metaUUID(MetaTrialSubscriptionID); ok {
		trial, err := repo.Subscription(ctx, trialID)
		if err != nil {
			return err
		}
		if trial.SubscriberID != subscriberID {
			return errors.Join(ErrForbidden, fmt.Errorf("trial %s", trialID))
		}
		end := p.periodEnd(ev, plan)
		err = e.apply(ctx, repo, fx, trial, TriggerActivate, ev.ID, func(s *Subscription) {
			s.PlanID = plan.ID
			s.GatewayRef = ev.GatewayRef
			s.AutoRenew = true
			s.EndDate = end
		})
		if err != nil {
			return err
		}
		p.confirm(fx, trial, plan)
		return nil
	}

	// A redelivered checkout under a new event id must not open a second row.
	if ev.GatewayRef != "" {
		if _, err := repo.SubscriptionByGatewayRef(ctx, ev.GatewayRef); err == nil {
			log.InfoContext(ctx, "checkout already recorded", logger.GatewayRef(ev.GatewayRef))
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	rows, err := repo.SubscriberSubscriptions(ctx, subscriberID)
	if err != nil {
		return err
	}
	if err := e.expirePastDue(ctx, repo, fx, rows, ev.ID); err != nil {
		return err
	}

	now := e.now()
	sub := &Subscription{
		ID:           uuid.New(),
		SubscriberID: subscriberID,
		PlanID:       plan.ID,
		Status:       StatusActive,
		StartDate:    now,
		EndDate:      p.periodEnd(ev, plan),
		GatewayRef:   ev.GatewayRef,
		AutoRenew:    true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.insert(ctx, repo, fx, sub, TriggerCreate, ev.ID); err != nil {
		return err
	}
	p.confirm(fx, sub, plan)
	return nil
}

func (p *WebhookProcessor) finalizeSwitch(ctx context.Context, log *slog.Logger, repo Repository, fx *effects, ev *GatewayEvent, subscriberID uuid.UUID, plan Plan) error {
	e := p.engine
	curID, ok := ev.metaUUID(MetaCurrentSubscriptionID)
	if !ok {
		return errors.Join(ErrNotFound, fmt.Errorf("plan switch without %s", MetaCurrentSubscriptionID))
	}
	cur, err := repo.Subscription(ctx, curID)
	if err != nil {
		return err
	}
	if cur.SubscriberID != subscriberID {
		return errors.Join(ErrForbidden, fmt.Errorf("subscription %s", curID))
	}

	if ev.GatewayRef != "" {
		if _, err := repo.SubscriptionByGatewayRef(ctx, ev.GatewayRef); err == nil {
			log.InfoContext(ctx, "switch checkout already recorded", logger.GatewayRef(ev.GatewayRef))
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	if cur.Status != StatusSwitching {
		return p.orphaned(ev, cur)
	}

	pending, err := p.pendingTarget(ctx, repo, ev, cur)
	if err != nil {
		return err
	}
	if pending.Status != StatusPending {
		return p.orphaned(ev, pending)
	}

	oldRef := cur.GatewayRef
	if err := e.apply(ctx, repo, fx, cur, TriggerCompleteSwitch, ev.ID, func(s *Subscription) {
		s.AutoRenew = false
	}); err != nil {
		return err
	}
	if err := e.apply(ctx, repo, fx, pending, TriggerActivate, ev.ID, func(s *Subscription) {
		s.PlanID = plan.ID
		if ev.GatewayRef != "" {
			s.GatewayRef = ev.GatewayRef
		}
	}); err != nil {
		return err
	}

	if oldRef != "" && oldRef != pending.GatewayRef {
		fx.after = append(fx.after, func(ctx context.Context) {
			if err := e.gateway.Cancel(ctx, oldRef, false); err != nil {
				log.WarnContext(ctx, "old gateway subscription not cancelled", logger.GatewayRef(oldRef), logger.Error(err))
			}
		})
	}
	p.confirm(fx, pending, plan)
	return nil
}

// orphaned reports a switch checkout whose rows have moved on. Without a
// gateway ref there is nothing to cancel.
func (p *WebhookProcessor) orphaned(ev *GatewayEvent, s *Subscription) error {
	if ev.GatewayRef == "" {
		return errors.Join(ErrInvalidTransition, fmt.Errorf("switch of %s is already %s", s.ID, s.Status))
	}
	return &orphanedCheckoutError{ref: ev.GatewayRef, subscriptionID: s.ID.String(), status: s.Status}
}

func (p *WebhookProcessor) pendingTarget(ctx context.Context, repo Repository, ev *GatewayEvent, cur *Subscription) (*Subscription, error) {
	if id, ok := ev.metaUUID(MetaPendingSubscriptionID); ok {
		s, err := repo.Subscription(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.ReplacesID == nil || *s.ReplacesID != cur.ID {
			return nil, errors.Join(ErrNotFound, fmt.Errorf("pending subscription %s does not replace %s", id, cur.ID))
		}
		return s, nil
	}
	rows, err := p.engine.pendingFor(ctx, repo, cur)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		return rows[0], nil
	}
	return nil, errors.Join(ErrNotFound, fmt.Errorf("no pending switch for %s", cur.ID))
}

func (p *WebhookProcessor) subscriptionUpdated(ctx context.Context, log *slog.Logger, repo Repository, fx *effects, ev *GatewayEvent) error {
	e := p.engine
	s, err := repo.SubscriptionByGatewayRef(ctx, ev.GatewayRef)
	if err != nil {
		return err
	}

	if e.inPlaceSwitch && s.Status == StatusSwitching {
		return p.finalizeInPlaceSwitch(ctx, log, repo, fx, ev, s)
	}

	if ev.GatewayStatus != "active" {
		log.InfoContext(ctx, "subscription update ignored", slog.String("gateway_status", ev.GatewayStatus))
		return nil
	}

	advanced := ev.PeriodEnd != nil && ev.PeriodEnd.After(s.EndDate)
	if s.Status == StatusActive && !advanced {
		log.DebugContext(ctx, "subscription update carries no newer period", logger.SubscriptionID(s.ID))
		return nil
	}

	err = e.apply(ctx, repo, fx, s, TriggerRefresh, ev.ID, func(s *Subscription) {
		if advanced {
			s.EndDate = *ev.PeriodEnd
		}
	})
	if err != nil {
		return err
	}
	if advanced {
		plan, _ := e.catalog.Plan(s.PlanID)
		fx.notify(s.SubscriberID, TemplateRenewed, NotificationData{
			SubscriptionID: s.ID,
			PlanName:       e.planName(s.PlanID),
			Price:          plan.Price,
			EndDate:        s.EndDate,
		})
	}
	return nil
}

func (p *WebhookProcessor) finalizeInPlaceSwitch(ctx context.Context, log *slog.Logger, repo Repository, fx *effects, ev *GatewayEvent, cur *Subscription) error {
	e := p.engine
	pending, err := e.pendingFor(ctx, repo, cur)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return errors.Join(ErrNotFound, fmt.Errorf("no pending switch for %s", cur.ID))
	}
	target := pending[0]
	plan, err := e.catalog.Plan(target.PlanID)
	if err != nil {
		return err
	}
	if ev.PriceID != plan.GatewayPriceID {
		log.InfoContext(ctx, "switch not yet reflected by gateway", logger.SubscriptionID(cur.ID))
		return nil
	}

	if err := e.apply(ctx, repo, fx, cur, TriggerCompleteSwitch, ev.ID, func(s *Subscription) {
		s.AutoRenew = false
	}); err != nil {
		return err
	}
	if err := e.apply(ctx, repo, fx, target, TriggerActivate, ev.ID, func(s *Subscription) {
		if ev.PeriodEnd != nil && ev.PeriodEnd.After(s.EndDate) {
			s.EndDate = *ev.PeriodEnd
		}
	}); err != nil {
		return err
	}
	p.confirm(fx, target, plan)
	return nil
}

func (p *WebhookProcessor) subscriptionDeleted(ctx context.Context, repo Repository, fx *effects, ev *GatewayEvent) error {
	e := p.engine
	s, err := repo.SubscriptionByGatewayRef(ctx, ev.GatewayRef)
	if err != nil {
		return err
	}
	switch {
	case s.Status == StatusExpired:
		return nil
	case s.Status == StatusCancelled && !s.AutoRenew:
		return nil
	case s.Status == StatusCancelled:
		s.AutoRenew = false
		s.UpdatedAt = e.now()
		return repo.UpdateSubscription(ctx, s)
	}

	if err := e.apply(ctx, repo, fx, s, TriggerCancel, ev.ID, func(s *Subscription) {
		s.AutoRenew = false
	}); err != nil {
		return err
	}
	fx.notify(s.SubscriberID, TemplateCancelled, NotificationData{
		SubscriptionID: s.ID,
		PlanName:       e.planName(s.PlanID),
		EndDate:        s.EndDate,
	})
	return nil
}

func (p *WebhookProcessor) invoicePaymentFailed(ctx context.Context, repo Repository, fx *effects, ev *GatewayEvent) error {
	e := p.engine
	s, err := repo.SubscriptionByGatewayRef(ctx, ev.GatewayRef)
	if err != nil {
		return err
	}
	if err := e.apply(ctx, repo, fx, s, TriggerPaymentFailed, ev.ID, nil); err != nil {
		return err
	}
	rec, err := e.ledger.Record(ctx, repo, s, p.amount(ev, s), PaymentFailed, ev.InvoiceRef)
	if err != nil {
		return err
	}
	fx.notify(s.SubscriberID, TemplatePaymentFailed, NotificationData{
		SubscriptionID: s.ID,
		PlanName:       e.planName(s.PlanID),
		EndDate:        s.EndDate,
		Amount:         rec.Amount,
		InvoiceNumber:  rec.InvoiceNumber,
	})
	return nil
}

func (p *WebhookProcessor) invoicePaymentSucceeded(ctx context.Context, repo Repository, fx *effects, ev *GatewayEvent) error {
	e := p.engine
	s, err := repo.SubscriptionByGatewayRef(ctx, ev.GatewayRef)
	if err != nil {
		return err
	}
	if _, err := e.ledger.Record(ctx, repo, s, p.amount(ev, s), PaymentSucceeded, ev.InvoiceRef); err != nil {
		return err
	}
	if s.Status == StatusPaymentFailed {
		return e.apply(ctx, repo, fx, s, TriggerPaymentRecover, ev.ID, nil)
	}
	return nil
}

// resolvePlan prefers the plan id in metadata, then the gateway price.
func (p *WebhookProcessor) resolvePlan(ev *GatewayEvent) (Plan, error) {
	if id := ev.meta(MetaPlanID); id != "" {
		return p.engine.catalog.Plan(id)
	}
	if ev.PriceID != "" {
		return p.engine.catalog.PlanByGatewayPrice(ev.PriceID)
	}
	return Plan{}, errors.Join(ErrNotFound, fmt.Errorf("checkout names no plan"))
}

// resolvePeriodEnd fills in the period end of a new checkout from the gateway
// when the event lacks one. It runs before the transaction opens so no
// gateway call holds a database transaction.
func (p *WebhookProcessor) resolvePeriodEnd(ctx context.Context, log *slog.Logger, ev *GatewayEvent) {
	if ev.Kind != KindCheckoutCompleted || ev.GatewayRef == "" || ev.meta(MetaPlanSwitch) == "true" {
		return
	}
	if ev.Mode != "" && ev.Mode != ModeSubscription {
		return
	}
	now := p.engine.now()
	if ev.PeriodEnd != nil && ev.PeriodEnd.After(now) {
		return
	}
	gs, err := p.engine.gateway.RetrieveSubscription(ctx, ev.GatewayRef)
	switch {
	case err != nil:
		log.WarnContext(ctx, "gateway period end unavailable", logger.GatewayRef(ev.GatewayRef), logger.Error(err))
	case gs.CurrentPeriodEnd.After(now):
		end := gs.CurrentPeriodEnd
		ev.PeriodEnd = &end
	}
}

// periodEnd takes the event's period end, else one plan period from now.
func (p *WebhookProcessor) periodEnd(ev *GatewayEvent, plan Plan) time.Time {
	now := p.engine.now()
	if ev.PeriodEnd != nil && ev.PeriodEnd.After(now) {
		return *ev.PeriodEnd
	}
	return plan.PeriodEnd(now)
}

func (p *WebhookProcessor) amount(ev *GatewayEvent, s *Subscription) Money {
	if ev.Amount.Amount != 0 || ev.Amount.Currency != "" {
		return ev.Amount
	}
	if plan, err := p.engine.catalog.Plan(s.PlanID); err == nil {
		return plan.Price
	}
	return Money{}
}

func (p *WebhookProcessor) confirm(fx *effects, s *Subscription, plan Plan) {
	fx.notify(s.SubscriberID, TemplateConfirmation, NotificationData{
		SubscriptionID: s.ID,
		PlanName:       plan.Name,
		Price:          plan.Price,
		EndDate:        s.EndDate,
	})
}

func (p *WebhookProcessor) report(ctx context.Context, err error, ev *GatewayEvent) {
	if p.reporter != nil {
		p.reporter.Capture(ctx, err, map[string]string{"event_id": ev.ID, "event_type": string(ev.Kind)})
	}
}

func (p *WebhookProcessor) observe(kind, outcome string, start time.Time) {
	if p.metrics != nil {
		p.metrics.ObserveWebhook(kind, outcome, time.Since(start))
	}
}
