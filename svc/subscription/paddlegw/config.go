package paddlegw

import "time"

// Config holds configuration for the Paddle billing gateway.
type Config struct {
	APIKey        string `env:"PADDLE_API_KEY,required"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET,required"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
	// WebhookTolerance bounds the clock skew between a delivery's signed
	// timestamp and now, in either direction.
	WebhookTolerance time.Duration `env:"PADDLE_WEBHOOK_TOLERANCE" envDefault:"5m"`
}
