package publish

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Config holds the publisher and broker session settings.
type Config struct {
	// TransactionalIDPrefix prefixes every session key; the broker uses the
	// key as transactional id.
	TransactionalIDPrefix string
	// CloseTimeout bounds closing one producer.
	CloseTimeout time.Duration
	// MaxBlock bounds how long the producer blocks on metadata and the
	// broker transaction.
	MaxBlock time.Duration
	// RequestTimeout bounds a single produce request.
	RequestTimeout time.Duration
	// ClientID is reported to the broker.
	ClientID string
	// KafkaVersion must support transactions (0.11 or newer).
	KafkaVersion sarama.KafkaVersion
}

// DefaultConfig returns the default publisher configuration.
func DefaultConfig() Config {
	return Config{
		TransactionalIDPrefix: "catlock",
		CloseTimeout:          15 * time.Second,
		MaxBlock:              900 * time.Second,
		RequestTimeout:        30 * time.Second,
		ClientID:              "catlock",
		KafkaVersion:          sarama.V2_8_0_0,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.TransactionalIDPrefix == "" {
		return fmt.Errorf("%w: TransactionalIDPrefix must not be empty", ErrInvalidConfig)
	}
	if c.CloseTimeout <= 0 {
		return fmt.Errorf("%w: CloseTimeout must be positive", ErrInvalidConfig)
	}
	if c.MaxBlock <= 0 {
		return fmt.Errorf("%w: MaxBlock must be positive", ErrInvalidConfig)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: RequestTimeout must be positive", ErrInvalidConfig)
	}
	if !c.KafkaVersion.IsAtLeast(sarama.V0_11_0_0) {
		return fmt.Errorf("%w: KafkaVersion %s does not support transactions", ErrInvalidConfig, c.KafkaVersion)
	}
	return nil
}

// SaramaConfig returns the producer configuration for one broker session.
func (c *Config) SaramaConfig(transactionalID string) *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = c.ClientID
	sc.Version = c.KafkaVersion

	sc.Producer.Idempotent = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Timeout = c.RequestTimeout
	sc.Producer.Transaction.ID = transactionalID
	sc.Producer.Transaction.Timeout = c.MaxBlock
	sc.Net.MaxOpenRequests = 1
	sc.Net.DialTimeout = c.RequestTimeout
	sc.Net.ReadTimeout = c.RequestTimeout
	sc.Net.WriteTimeout = c.RequestTimeout
	sc.Metadata.Timeout = c.MaxBlock
	return sc
}

// Option configures a Config.
type Option func(*Config)

// WithTransactionalIDPrefix sets the session key prefix.
func WithTransactionalIDPrefix(prefix string) Option {
	return func(c *Config) {
		c.TransactionalIDPrefix = prefix
	}
}

// WithCloseTimeout sets the producer close timeout.
func WithCloseTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.CloseTimeout = d
	}
}

// WithMaxBlock sets the producer blocking bound.
func WithMaxBlock(d time.Duration) Option {
	return func(c *Config) {
		c.MaxBlock = d
	}
}

// WithRequestTimeout sets the per-request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.RequestTimeout = d
	}
}

// WithClientID sets the client id.
func WithClientID(id string) Option {
	return func(c *Config) {
		c.ClientID = id
	}
}

// WithKafkaVersion sets the protocol version.
func WithKafkaVersion(v sarama.KafkaVersion) Option {
	return func(c *Config) {
		c.KafkaVersion = v
	}
}

// ApplyOptions applies the given options to a default configuration.
func ApplyOptions(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
