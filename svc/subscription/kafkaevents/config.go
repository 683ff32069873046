package kafkaevents

const (
	Scram256 = "SCRAM-SHA-256"
	Scram512 = "SCRAM-SHA-512"
)

// Config selects the brokers and topic for transition events. Publishing is
// off when Brokers is empty.
type Config struct {
	Brokers        []string `env:"KAFKA_BROKERS" envSeparator:","`
	Topic          string   `env:"KAFKA_TOPIC" envDefault:"billing.subscription-transitions"`
	ScramAlgorithm string   `env:"KAFKA_SCRAM_ALGORITHM"`
	UserName       string   `env:"KAFKA_USERNAME"`
	Password       string   `env:"KAFKA_PASSWORD"`
	TLS            bool     `env:"KAFKA_TLS" envDefault:"false"`
}

func (c Config) Enabled() bool {
	return len(c.Brokers) > 0
}
