package stripegw

import "time"

// Config holds Stripe credentials.
type Config struct {
	SecretKey        string        `env:"STRIPE_SECRET_KEY,required"`
	WebhookSecret    string        `env:"STRIPE_WEBHOOK_SECRET,required"`
	WebhookTolerance time.Duration `env:"STRIPE_WEBHOOK_TOLERANCE" envDefault:"5m"`
	// ProrationBehavior applies to in-place plan switches.
	ProrationBehavior string `env:"STRIPE_PRORATION_BEHAVIOR" envDefault:"create_prorations"`
}
