// Package emails renders and sends the subscription lifecycle emails.
package emails

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/a-h/templ"

	"github.com/fitfusion/billing/svc/subscription"
)

// Params is the context every email body receives.
type Params struct {
	Name         string
	SupportEmail string
	Data         subscription.NotificationData
}

const dateLayout = "January 2, 2006"

func date(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateLayout)
}

// writer collects html fragments and keeps the first write error.
type writer struct {
	w   io.Writer
	err error
}

func (w *writer) raw(s string) {
	if w.err == nil {
		_, w.err = io.WriteString(w.w, s)
	}
}

func (w *writer) text(s string) {
	w.raw(templ.EscapeString(s))
}

func (w *writer) para(parts ...string) {
	w.raw("<p>")
	for _, p := range parts {
		w.text(p)
	}
	w.raw("</p>\n")
}

func layout(title string, p Params, body func(w *writer)) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, out io.Writer) error {
		w := &writer{w: out}
		w.raw("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>")
		w.text(title)
		w.raw("</title></head>\n<body style=\"font-family:sans-serif\">\n<h1>")
		w.text(title)
		w.raw("</h1>\n")
		if p.Name != "" {
			w.para("Hi ", p.Name, ",")
		} else {
			w.para("Hi,")
		}
		body(w)
		if p.SupportEmail != "" {
			w.raw("<p>Questions? Write to <a href=\"mailto:")
			w.text(p.SupportEmail)
			w.raw("\">")
			w.text(p.SupportEmail)
			w.raw("</a>.</p>\n")
		}
		w.raw("<p>The FitFusion team</p>\n</body></html>\n")
		return w.err
	})
}

func Confirmation(p Params) templ.Component {
	return layout("Welcome to FitFusion Premium!", p, func(w *writer) {
		w.para("Your ", p.Data.PlanName, " subscription is active.")
		if p.Data.Price.Currency != "" {
			w.para("Price: ", p.Data.Price.String())
		}
		w.para("Your current period runs until ", date(p.Data.EndDate), ".")
	})
}

func Renewed(p Params) templ.Component {
	return layout("Your FitFusion Subscription Has Been Renewed", p, func(w *writer) {
		w.para("Your ", p.Data.PlanName, " subscription has been renewed.")
		w.para("Next billing date: ", date(p.Data.EndDate), ".")
	})
}

func Cancelled(p Params) templ.Component {
	return layout("Your FitFusion Subscription Has Been Cancelled", p, func(w *writer) {
		if p.Data.Immediate {
			w.para("Your ", p.Data.PlanName, " subscription has been cancelled and access has ended.")
			return
		}
		w.para("Your ", p.Data.PlanName, " subscription has been cancelled.")
		w.para("You keep access until ", date(p.Data.EndDate), ".")
	})
}

func PaymentFailed(p Params) templ.Component {
	return layout("Action Required: Payment Failed", p, func(w *writer) {
		w.para("We could not collect the payment for your ", p.Data.PlanName, " subscription.")
		if p.Data.InvoiceNumber != "" {
			w.para("Invoice ", p.Data.InvoiceNumber, ": ", p.Data.Amount.String())
		}
		w.para("Please update your payment method before ", date(p.Data.EndDate), " to keep your access.")
	})
}

func Expired(p Params) templ.Component {
	return layout("Your FitFusion Subscription Has Expired", p, func(w *writer) {
		w.para("Your ", p.Data.PlanName, " subscription expired on ", date(p.Data.EndDate), ".")
		w.para("You can subscribe again at any time.")
	})
}

func TrialStarted(p Params) templ.Component {
	return layout(fmt.Sprintf("Your %s Trial Has Started", p.Data.PlanName), p, func(w *writer) {
		w.para("Enjoy full access to ", p.Data.PlanName, " until ", date(p.Data.EndDate), ".")
		w.para("Upgrade before then to keep your progress going.")
	})
}
