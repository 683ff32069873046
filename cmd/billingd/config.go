package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fitfusion/billing/pkg/config"
	"github.com/fitfusion/billing/svc/subscription"
	"github.com/fitfusion/billing/svc/subscription/paddlegw"
	"github.com/fitfusion/billing/svc/subscription/stripegw"
)

var errUnknownProvider = errors.New("unknown gateway provider")

type appConfig struct {
	Env         string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"billingd"`

	GatewayProvider string        `env:"GATEWAY_PROVIDER" envDefault:"stripe"`
	GatewayTimeout  time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`
	InPlaceSwitch   bool          `env:"IN_PLACE_SWITCH" envDefault:"false"`

	TrialPeriod   time.Duration `env:"TRIAL_PERIOD" envDefault:"336h"`
	RenewWindow   time.Duration `env:"RENEW_WINDOW" envDefault:"24h"`
	SwitchTimeout time.Duration `env:"SWITCH_TIMEOUT" envDefault:"24h"`

	SweepSchedule string        `env:"SWEEP_SCHEDULE" envDefault:"*/15 * * * *"`
	SweepLockTTL  time.Duration `env:"SWEEP_LOCK_TTL" envDefault:"10m"`
	LockPrefix    string        `env:"LOCK_PREFIX" envDefault:"billing:lock:"`

	// WebhookSecret enables SignedEvent deliveries next to the provider's own.
	WebhookSecret string        `env:"WEBHOOK_SECRET"`
	WebhookMaxAge time.Duration `env:"WEBHOOK_MAX_AGE" envDefault:"5m"`

	BreakerFailures int           `env:"BREAKER_FAILURES" envDefault:"5"`
	BreakerRecovery time.Duration `env:"BREAKER_RECOVERY" envDefault:"30s"`
}

const (
	providerStripe = "stripe"
	providerPaddle = "paddle"
)

// newGateway builds the provider client and its webhook decoder. Provider
// credentials are only required for the provider in use.
func newGateway(provider string, log *slog.Logger) (subscription.Gateway, subscription.EventDecoder, error) {
	switch provider {
	case providerStripe:
		var cfg stripegw.Config
		if err := config.Load(&cfg); err != nil {
			return nil, nil, fmt.Errorf("stripe config: %w", err)
		}
		gw, err := stripegw.New(cfg, stripegw.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		return gw, stripegw.NewDecoder(cfg), nil
	case providerPaddle:
		var cfg paddlegw.Config
		if err := config.Load(&cfg); err != nil {
			return nil, nil, fmt.Errorf("paddle config: %w", err)
		}
		gw, err := paddlegw.New(cfg, paddlegw.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		return gw, paddlegw.NewDecoder(cfg), nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", errUnknownProvider, provider)
	}
}
