// Package errtrack reports unexpected failures to Sentry. It owns its hub
// instead of the package-global one so tests and multiple services in one
// process do not share state.
package errtrack

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/fitfusion/billing/pkg/requestid"
)

// Tracker captures errors. The zero value and a Tracker built from an empty
// DSN are no-ops.
type Tracker struct {
	hub *sentry.Hub
}

// Option tweaks the underlying client options.
type Option func(*sentry.ClientOptions)

// WithBeforeSend installs a hook that sees every event before it is sent.
// Returning nil drops the event.
func WithBeforeSend(fn func(*sentry.Event, *sentry.EventHint) *sentry.Event) Option {
	return func(o *sentry.ClientOptions) {
		o.BeforeSend = fn
	}
}

// New builds a Tracker.
func New(cfg Config, opts ...Option) (*Tracker, error) {
	if cfg.DSN == "" {
		return &Tracker{}, nil
	}

	co := sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		SampleRate:       cfg.SampleRate,
		AttachStacktrace: true,
	}
	for _, opt := range opts {
		opt(&co)
	}

	client, err := sentry.NewClient(co)
	if err != nil {
		return nil, errors.Join(ErrInit, err)
	}
	return &Tracker{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Enabled reports whether events are sent anywhere.
func (t *Tracker) Enabled() bool {
	return t != nil && t.hub != nil
}

// Capture reports err with the request id from ctx and the given tags.
func (t *Tracker) Capture(ctx context.Context, err error, tags map[string]string) {
	if !t.Enabled() || err == nil {
		return
	}

	hub := t.hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		if id := requestid.FromContext(ctx); id != "" {
			scope.SetTag("request_id", id)
		}
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		hub.CaptureException(err)
	})
}

// Recover reports a recovered panic value and re-panics.
func (t *Tracker) Recover(ctx context.Context) {
	if r := recover(); r != nil {
		t.Capture(ctx, fmt.Errorf("panic: %v", r), map[string]string{"panic": "true"})
		t.Flush(2 * time.Second)
		panic(r)
	}
}

// Flush waits for buffered events.
func (t *Tracker) Flush(timeout time.Duration) bool {
	if !t.Enabled() {
		return true
	}
	return t.hub.Flush(timeout)
}
