// Package httpapi exposes the subscription engine over HTTP: the gateway
// webhook, checkout, the plan list and the subscriber's own subscriptions.
package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fitfusion/billing/pkg/binder"
	"github.com/fitfusion/billing/pkg/logger"
	"github.com/fitfusion/billing/pkg/validator"
	"github.com/fitfusion/billing/svc/subscription"
)

const defaultMaxBody = 1 << 20

// Handler serves the billing API.
type Handler struct {
	engine    *subscription.Engine
	initiator *subscription.CheckoutInitiator
	processor *subscription.WebhookProcessor
	auth      Authenticator
	log       *slog.Logger
	now       func() time.Time
	maxBody   int64
	bindJSON  func(r *http.Request, v any) error
}

// Option configures a Handler.
type Option func(*Handler)

func WithAuthenticator(a Authenticator) Option {
	return func(h *Handler) {
		if a != nil {
			h.auth = a
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// WithMaxBodyBytes caps request bodies, webhooks included.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

func New(engine *subscription.Engine, initiator *subscription.CheckoutInitiator, processor *subscription.WebhookProcessor, opts ...Option) *Handler {
	h := &Handler{
		engine:    engine,
		initiator: initiator,
		processor: processor,
		auth:      HeaderAuthenticator,
		log:       slog.Default(),
		now:       time.Now,
		maxBody:   defaultMaxBody,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.bindJSON = binder.JSON(binder.WithMaxBytes(h.maxBody), binder.AllowEmpty())
	h.log = h.log.With(logger.Component("httpapi"))
	return h
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhooks/gateway", h.webhook)
	r.Get("/plans", h.plans)
	r.Get("/plans/{id}", h.plan)

	r.Group(func(r chi.Router) {
		r.Use(h.authenticated)
		r.Post("/checkout", h.checkout)
		r.Get("/subscriptions", h.list)
		r.Post("/subscriptions/trial", h.startTrial)
		r.Route("/subscriptions/{id}", func(r chi.Router) {
			r.Post("/convert", h.convert)
			r.Post("/cancel", h.cancel)
			r.Post("/switch", h.switchPlan)
		})
	})
}

// Router returns a chi router with only the API mounted.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		respondError(r.Context(), h.log, w, errors.Join(subscription.ErrMalformedEvent, err))
		return
	}
	if err := h.processor.Process(r.Context(), payload, r.Header); err != nil {
		if errors.Is(err, subscription.ErrAuthentication) || errors.Is(err, subscription.ErrMalformedEvent) {
			respondError(r.Context(), h.log, w, ErrBadRequest)
			return
		}
		// Anything else is retried by the gateway.
		respondError(r.Context(), h.log, w, errors.Join(ErrInternal, err))
		return
	}
	respond(w, http.StatusOK, "received", nil, nil)
}

func (h *Handler) plans(w http.ResponseWriter, r *http.Request) {
	active := h.engine.Catalog().Active()
	out := make([]planView, 0, len(active))
	for _, p := range active {
		out = append(out, viewPlan(p))
	}
	respond(w, http.StatusOK, "plans", out, nil)
}

// plan answers 404 for unknown and retired plans alike.
func (h *Handler) plan(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Catalog().Plan(chi.URLParam(r, "id"))
	if err != nil || !p.Active {
		respondError(r.Context(), h.log, w, ErrNotFound)
		return
	}
	respond(w, http.StatusOK, "plan", viewPlan(p), nil)
}

const maxPlanIDLen = 64

var redirectSchemes = []string{"https", "http"}

func redirectRules(successURL, cancelURL string) []validator.Rule {
	return []validator.Rule{
		validator.When(successURL != "", validator.ValidURLWithScheme("success_url", successURL, redirectSchemes)),
		validator.When(cancelURL != "", validator.ValidURLWithScheme("cancel_url", cancelURL, redirectSchemes)),
	}
}

func planRules(planID string) []validator.Rule {
	return []validator.Rule{
		validator.RequiredString("plan_id", planID),
		validator.When(planID != "", validator.ValidSlug("plan_id", planID)),
		validator.MaxLenString("plan_id", planID, maxPlanIDLen),
	}
}

type checkoutRequest struct {
	PlanID     string `json:"plan_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

func (c checkoutRequest) options() subscription.CheckoutOptions {
	return subscription.CheckoutOptions{SuccessURL: c.SuccessURL, CancelURL: c.CancelURL}
}

func (c checkoutRequest) Validate() error {
	return validator.Apply(append(planRules(c.PlanID), redirectRules(c.SuccessURL, c.CancelURL)...)...)
}

// convertRequest carries only redirects; the plan is the trial's.
type convertRequest struct {
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

func (c convertRequest) options() subscription.CheckoutOptions {
	return subscription.CheckoutOptions{SuccessURL: c.SuccessURL, CancelURL: c.CancelURL}
}

func (c convertRequest) Validate() error {
	return validator.Apply(redirectRules(c.SuccessURL, c.CancelURL)...)
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !h.bind(w, r, &req) {
		return
	}
	sess, err := h.initiator.Begin(r.Context(), subscriberFrom(r.Context()), req.PlanID, req.options())
	if err != nil {
		respondError(r.Context(), h.log, w, err)
		return
	}
	respond(w, http.StatusCreated, "checkout_created", viewSession(sess), nil)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriberID := subscriberFrom(ctx)
	rows, err := h.engine.Subscriptions(ctx, subscriberID)
	if err != nil {
		respondError(ctx, h.log, w, err)
		return
	}
	current, access, err := h.engine.Access(ctx, subscriberID)
	if err != nil {
		respondError(ctx, h.log, w, err)
		return
	}

	now := h.now()
	out := make([]subscriptionView, 0, len(rows))
	for _, s := range rows {
		out = append(out, viewSubscription(s, now))
	}
	meta := map[string]any{"has_access": access}
	if current != nil {
		meta["current_subscription_id"] = current.ID.String()
	}
	respond(w, http.StatusOK, "subscriptions", out, meta)
}

type trialRequest struct {
	PlanID string `json:"plan_id"`
}

func (t trialRequest) Validate() error {
	return validator.Apply(planRules(t.PlanID)...)
}

func (h *Handler) startTrial(w http.ResponseWriter, r *http.Request) {
	var req trialRequest
	if !h.bind(w, r, &req) {
		return
	}
	s, err := h.engine.StartTrial(r.Context(), subscriberFrom(r.Context()), req.PlanID)
	if err != nil {
		respondError(r.Context(), h.log, w, err)
		return
	}
	respond(w, http.StatusCreated, "trial_started", viewSubscription(s, h.now()), nil)
}

func (h *Handler) convert(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req convertRequest
	if !h.bind(w, r, &req) {
		return
	}
	sess, err := h.engine.ConvertTrial(r.Context(), id, subscriberFrom(r.Context()), req.options())
	if err != nil {
		respondError(r.Context(), h.log, w, err)
		return
	}
	respond(w, http.StatusCreated, "checkout_created", viewSession(sess), nil)
}

type cancelRequest struct {
	Immediate bool `json:"immediate"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if !h.bind(w, r, &req) {
		return
	}
	s, err := h.engine.Cancel(r.Context(), id, subscriberFrom(r.Context()), req.Immediate)
	if err != nil {
		respondError(r.Context(), h.log, w, err)
		return
	}
	respond(w, http.StatusOK, "subscription_cancelled", viewSubscription(s, h.now()), nil)
}

func (h *Handler) switchPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req checkoutRequest
	if !h.bind(w, r, &req) {
		return
	}
	res, err := h.engine.SwitchPlan(r.Context(), id, subscriberFrom(r.Context()), req.PlanID, req.options())
	if err != nil {
		respondError(r.Context(), h.log, w, err)
		return
	}
	now := h.now()
	out := switchView{Current: viewSubscription(res.Current, now), Session: viewSession(res.Session)}
	if res.Pending != nil {
		p := viewSubscription(res.Pending, now)
		out.Pending = &p
	}
	respond(w, http.StatusAccepted, "switch_started", out, nil)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(r.Context(), h.log, w, ErrNotFound)
		return uuid.Nil, false
	}
	return id, true
}

type validatable interface {
	Validate() error
}

// bind reads an optional JSON body into dst and validates it. An empty body
// leaves dst zero.
func (h *Handler) bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := h.bindJSON(r, dst); err != nil {
		respondError(r.Context(), h.log, w, err)
		return false
	}
	if v, ok := dst.(validatable); ok {
		if err := v.Validate(); err != nil {
			respondError(r.Context(), h.log, w, err)
			return false
		}
	}
	return true
}
