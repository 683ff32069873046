package subscription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fitfusion/billing/pkg/logger"
)

// Template names an email the dispatcher can send.
type Template string

const (
	TemplateConfirmation  Template = "subscription_confirmation"
	TemplateRenewed       Template = "subscription_renewed"
	TemplateCancelled     Template = "subscription_cancelled"
	TemplatePaymentFailed Template = "payment_failed"
	TemplateExpired       Template = "subscription_expired"
	TemplateTrialStarted  Template = "trial_started"
)

// Recipient is who a notification goes to.
type Recipient struct {
	Email string
	Name  string
}

// NotificationData is the template context.
type NotificationData struct {
	SubscriptionID uuid.UUID
	PlanName       string
	Price          Money
	EndDate        time.Time
	Immediate      bool
	Amount         Money
	InvoiceNumber  string
}

// Notifier delivers one rendered notification.
type Notifier interface {
	Send(ctx context.Context, to Recipient, tmpl Template, data NotificationData) error
}

// Dispatcher sends notifications in the background. Failures are logged and
// never reach the caller.
type Dispatcher struct {
	notifier Notifier
	accounts Accounts
	log      *slog.Logger
	timeout  time.Duration
	wg       sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

func WithSendTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

func NewDispatcher(notifier Notifier, accounts Accounts, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		notifier: notifier,
		accounts: accounts,
		log:      slog.Default(),
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch resolves the subscriber and sends tmpl without waiting. The send
// outlives ctx cancellation but keeps its values.
func (d *Dispatcher) Dispatch(ctx context.Context, subscriberID uuid.UUID, tmpl Template, data NotificationData) {
	if d == nil || d.notifier == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		log := d.log.With(logger.Component("notifications"), logger.SubscriberID(subscriberID), slog.String("template", string(tmpl)))

		acct, err := d.accounts.Lookup(ctx, subscriberID)
		if err != nil {
			log.WarnContext(ctx, "notification skipped: subscriber lookup failed", logger.Error(err))
			return
		}
		to := Recipient{Email: acct.Email, Name: acct.DisplayName}
		if err := d.notifier.Send(ctx, to, tmpl, data); err != nil {
			log.ErrorContext(ctx, "notification failed", logger.Error(err))
			return
		}
		log.DebugContext(ctx, "notification sent")
	}()
}

// Wait blocks until in-flight notifications finish.
func (d *Dispatcher) Wait() {
	if d != nil {
		d.wg.Wait()
	}
}
