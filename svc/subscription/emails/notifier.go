package emails

import (
	"context"
	"fmt"

	"github.com/a-h/templ"

	"github.com/fitfusion/billing/pkg/email"
	"github.com/fitfusion/billing/pkg/email/templates"
	"github.com/fitfusion/billing/svc/subscription"
)

var registry = map[subscription.Template]func(Params) templ.Component{
	subscription.TemplateConfirmation:  Confirmation,
	subscription.TemplateRenewed:       Renewed,
	subscription.TemplateCancelled:     Cancelled,
	subscription.TemplatePaymentFailed: PaymentFailed,
	subscription.TemplateExpired:       Expired,
	subscription.TemplateTrialStarted:  TrialStarted,
}

// Subject returns the subject line of tmpl.
func Subject(tmpl subscription.Template, data subscription.NotificationData) string {
	switch tmpl {
	case subscription.TemplateConfirmation:
		return "Welcome to FitFusion Premium!"
	case subscription.TemplateRenewed:
		return "Your FitFusion Subscription Has Been Renewed"
	case subscription.TemplateCancelled:
		return "Your FitFusion Subscription Has Been Cancelled"
	case subscription.TemplatePaymentFailed:
		return "Action Required: Payment Failed"
	case subscription.TemplateExpired:
		return "Your FitFusion Subscription Has Expired"
	case subscription.TemplateTrialStarted:
		return fmt.Sprintf("Your %s Trial Has Started", data.PlanName)
	}
	return ""
}

// Notifier implements subscription.Notifier over an email.EmailSender.
type Notifier struct {
	sender  email.EmailSender
	support string
}

func NewNotifier(sender email.EmailSender, cfg email.Config) *Notifier {
	return &Notifier{sender: sender, support: cfg.SupportEmail}
}

func (n *Notifier) Send(ctx context.Context, to subscription.Recipient, tmpl subscription.Template, data subscription.NotificationData) error {
	build, ok := registry[tmpl]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTemplate, tmpl)
	}
	body, err := templates.Render(ctx, build(Params{Name: to.Name, SupportEmail: n.support, Data: data}))
	if err != nil {
		return fmt.Errorf("render %s: %w", tmpl, err)
	}
	return n.sender.SendEmail(ctx, email.SendEmailParams{
		SendTo:   to.Email,
		Subject:  Subject(tmpl, data),
		BodyHTML: body,
		Tag:      string(tmpl),
	})
}
