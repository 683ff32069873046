package errtrack

// Config configures Sentry. An empty DSN disables reporting.
type Config struct {
	DSN         string  `env:"SENTRY_DSN"`
	Environment string  `env:"SENTRY_ENVIRONMENT" envDefault:"development"`
	Release     string  `env:"SENTRY_RELEASE"`
	SampleRate  float64 `env:"SENTRY_SAMPLE_RATE" envDefault:"1.0"`
}
