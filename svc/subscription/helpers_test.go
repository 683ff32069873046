package subscription_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/fitfusion/billing/pkg/logger"
	"github.com/fitfusion/billing/pkg/webhook"
	"github.com/fitfusion/billing/svc/subscription"
)

const testSecret = "whsec_test"

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: epoch} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type cancelCall struct {
	Ref         string
	AtPeriodEnd bool
}

type modifyCall struct {
	Ref     string
	PriceID string
}

type fakeGateway struct {
	mu       sync.Mutex
	sessions []subscription.SessionRequest
	cancels  []cancelCall
	modifies []modifyCall
	remote   map[string]*subscription.GatewaySubscription
	fail     error
	delay    time.Duration
	calls    int

	// onRetrieve runs before every RetrieveSubscription.
	onRetrieve func()
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{remote: make(map[string]*subscription.GatewaySubscription)}
}

func (g *fakeGateway) enter(ctx context.Context) error {
	g.mu.Lock()
	g.calls++
	delay, fail := g.delay, g.fail
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fail
}

func (g *fakeGateway) CreateSession(ctx context.Context, req subscription.SessionRequest) (*subscription.CheckoutSession, error) {
	if err := g.enter(ctx); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions = append(g.sessions, req)
	id := fmt.Sprintf("cs_test_%d", len(g.sessions))
	return &subscription.CheckoutSession{ID: id, URL: "https://pay.example.com/" + id, ExpiresAt: epoch.Add(24 * time.Hour)}, nil
}

func (g *fakeGateway) RetrieveSubscription(ctx context.Context, ref string) (*subscription.GatewaySubscription, error) {
	if g.onRetrieve != nil {
		g.onRetrieve()
	}
	if err := g.enter(ctx); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.remote[ref]
	if !ok {
		return nil, errors.Join(subscription.ErrNotFound, fmt.Errorf("remote %s", ref))
	}
	cp := *s
	return &cp, nil
}

func (g *fakeGateway) Cancel(ctx context.Context, ref string, atPeriodEnd bool) error {
	if err := g.enter(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, cancelCall{Ref: ref, AtPeriodEnd: atPeriodEnd})
	return nil
}

func (g *fakeGateway) Modify(ctx context.Context, ref, priceID string) error {
	if err := g.enter(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.modifies = append(g.modifies, modifyCall{Ref: ref, PriceID: priceID})
	return nil
}

func (g *fakeGateway) setFail(err error) {
	g.mu.Lock()
	g.fail = err
	g.mu.Unlock()
}

func (g *fakeGateway) lastSession() subscription.SessionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions[len(g.sessions)-1]
}

func (g *fakeGateway) cancelCalls() []cancelCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]cancelCall(nil), g.cancels...)
}

type sentNotice struct {
	To       subscription.Recipient
	Template subscription.Template
	Data     subscription.NotificationData
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
	fail error
}

func (n *recordingNotifier) Send(_ context.Context, to subscription.Recipient, tmpl subscription.Template, data subscription.NotificationData) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.sent = append(n.sent, sentNotice{To: to, Template: tmpl, Data: data})
	return nil
}

func (n *recordingNotifier) templates() []subscription.Template {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]subscription.Template, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.Template)
	}
	return out
}

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Capture(_ context.Context, err error, _ map[string]string) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

type harness struct {
	clock      *clock
	store      subscription.Store
	mem        *subscription.MemoryStore
	catalog    *subscription.Catalog
	gw         *fakeGateway
	notifier   *recordingNotifier
	accounts   *subscription.StaticAccounts
	dispatcher *subscription.Dispatcher
	engine     *subscription.Engine
	processor  *subscription.WebhookProcessor
	initiator  *subscription.CheckoutInitiator
	registry   *prometheus.Registry
	metrics    *subscription.Metrics
	reporter   *recordingReporter

	tmu         sync.Mutex
	transitions []subscription.TransitionEvent
}

type harnessConfig struct {
	plans  []subscription.Plan
	store  func(*subscription.MemoryStore) subscription.Store
	engine []subscription.EngineOption
}

type harnessOption func(*harnessConfig)

func withPlans(plans ...subscription.Plan) harnessOption {
	return func(c *harnessConfig) { c.plans = plans }
}

func withStore(wrap func(*subscription.MemoryStore) subscription.Store) harnessOption {
	return func(c *harnessConfig) { c.store = wrap }
}

func withEngineOptions(opts ...subscription.EngineOption) harnessOption {
	return func(c *harnessConfig) { c.engine = append(c.engine, opts...) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{plans: subscription.DefaultPlans()}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &harness{
		clock:    newClock(),
		mem:      subscription.NewMemoryStore(),
		gw:       newFakeGateway(),
		notifier: &recordingNotifier{},
		accounts: subscription.NewStaticAccounts(),
		registry: prometheus.NewRegistry(),
		reporter: &recordingReporter{},
	}
	h.store = h.mem
	if cfg.store != nil {
		h.store = cfg.store(h.mem)
	}

	catalog, err := subscription.NewCatalog(context.Background(), subscription.NewInMemSource(cfg.plans...))
	require.NoError(t, err)
	h.catalog = catalog
	h.metrics = subscription.NewMetrics(h.registry)
	h.dispatcher = subscription.NewDispatcher(h.notifier, h.accounts, subscription.WithDispatcherLogger(logger.Discard()))

	base := []subscription.EngineOption{
		subscription.WithClock(h.clock.Now),
		subscription.WithLogger(logger.Discard()),
		subscription.WithAccounts(h.accounts),
		subscription.WithDispatcher(h.dispatcher),
		subscription.WithObservers(h.metrics, subscription.ObserverFunc(func(_ context.Context, ev subscription.TransitionEvent) {
			h.tmu.Lock()
			h.transitions = append(h.transitions, ev)
			h.tmu.Unlock()
		})),
	}
	h.engine = subscription.NewEngine(h.store, catalog, h.gw, append(base, cfg.engine...)...)
	h.processor = subscription.NewWebhookProcessor(h.engine,
		subscription.NewSignedDecoder(testSecret, 5*time.Minute, h.clock.Now),
		subscription.WithProcessorLogger(logger.Discard()),
		subscription.WithWebhookMetrics(h.metrics),
		subscription.WithErrorReporter(h.reporter),
	)
	h.initiator = subscription.NewCheckoutInitiator(h.store, catalog, h.gw,
		subscription.WithCheckoutClock(h.clock.Now),
		subscription.WithCheckoutAccounts(h.accounts),
		subscription.WithCheckoutLogger(logger.Discard()),
	)
	t.Cleanup(h.dispatcher.Wait)
	return h
}

func (h *harness) newSubscriber() uuid.UUID {
	id := uuid.New()
	h.accounts.Put(subscription.Account{SubscriberID: id, Email: id.String()[:8] + "@example.com", DisplayName: "Member"})
	return id
}

// deliver signs ev the way the gateway would and feeds it to the processor.
func (h *harness) deliver(ev subscription.SignedEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = h.clock.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	sig, err := webhook.SignPayload(testSecret, payload, h.clock.Now())
	if err != nil {
		return err
	}
	header := http.Header{}
	sig.Apply(header)
	return h.processor.Process(context.Background(), payload, header)
}

func eventID() string { return "evt_" + uuid.NewString()[:12] }

func checkoutEvent(subscriberID uuid.UUID, planID, ref string, periodEnd *time.Time) subscription.SignedEvent {
	return subscription.SignedEvent{
		ID:   eventID(),
		Kind: subscription.KindCheckoutCompleted,
		Data: subscription.SignedEventData{
			Mode:             subscription.ModeSubscription,
			SubscriptionRef:  ref,
			Status:           "active",
			CurrentPeriodEnd: periodEnd,
			Metadata: map[string]string{
				subscription.MetaSubscriberID: subscriberID.String(),
				subscription.MetaPlanID:       planID,
			},
		},
	}
}

// switchCheckoutEvent completes the checkout of a plan switch from cur to pending.
func switchCheckoutEvent(subscriberID uuid.UUID, planID, ref string, cur, pending uuid.UUID) subscription.SignedEvent {
	ev := checkoutEvent(subscriberID, planID, ref, nil)
	ev.Data.Metadata[subscription.MetaPlanSwitch] = "true"
	ev.Data.Metadata[subscription.MetaCurrentSubscriptionID] = cur.String()
	ev.Data.Metadata[subscription.MetaPendingSubscriptionID] = pending.String()
	return ev
}

func refEvent(kind subscription.EventKind, ref string) subscription.SignedEvent {
	return subscription.SignedEvent{
		ID:   eventID(),
		Kind: kind,
		Data: subscription.SignedEventData{SubscriptionRef: ref},
	}
}

// subscribe activates planID for subscriberID through a confirmed checkout.
func (h *harness) subscribe(t *testing.T, subscriberID uuid.UUID, planID, ref string, runsFor time.Duration) *subscription.Subscription {
	t.Helper()
	end := h.clock.Now().Add(runsFor)
	require.NoError(t, h.deliver(checkoutEvent(subscriberID, planID, ref, &end)))
	s, err := h.store.SubscriptionByGatewayRef(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, subscription.StatusActive, s.Status)
	return s
}

func (h *harness) get(t *testing.T, id uuid.UUID) *subscription.Subscription {
	t.Helper()
	s, err := h.store.Subscription(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (h *harness) rows(t *testing.T, subscriberID uuid.UUID) []*subscription.Subscription {
	t.Helper()
	rows, err := h.store.SubscriberSubscriptions(context.Background(), subscriberID)
	require.NoError(t, err)
	return rows
}

func (h *harness) sentTemplates() []subscription.Template {
	h.dispatcher.Wait()
	return h.notifier.templates()
}

func liveCount(rows []*subscription.Subscription, now time.Time) int {
	n := 0
	for _, s := range rows {
		if s.IsLiveAt(now) {
			n++
		}
	}
	return n
}

// counterValue reads one labelled sample from the harness registry.
func (h *harness) counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := h.registry.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, m := range f.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}
