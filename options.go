package catlock

import (
	"time"
)

// DefaultChunkSize bounds the number of entries sent in one conflict lookup.
const DefaultChunkSize = 100

// Config holds the configuration for the lock manager.
type Config struct {
	// ChunkSize is the maximum number of entries per conflict lookup, default 100
	ChunkSize int

	// AcquireRetries is how often an acquisition that lost a uniqueness race
	// to an already released lock is retried, default 3
	AcquireRetries int

	// CompletionReleaseTimeout bounds the automatic release of transactional
	// locks after their ambient transaction completes, default 15s
	CompletionReleaseTimeout time.Duration
}

// DefaultConfig returns the default configuration for the lock manager.
func DefaultConfig() Config {
	return Config{
		ChunkSize:                DefaultChunkSize,
		AcquireRetries:           3,
		CompletionReleaseTimeout: 15 * time.Second,
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return ErrInvalidConfig
	}
	if c.AcquireRetries < 0 {
		return ErrInvalidConfig
	}
	if c.CompletionReleaseTimeout <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Option is a function that modifies the Config.
type Option func(*Config)

// WithChunkSize sets the conflict lookup chunk size.
func WithChunkSize(size int) Option {
	return func(c *Config) {
		c.ChunkSize = size
	}
}

// WithAcquireRetries sets the number of retries after a lost uniqueness race.
func WithAcquireRetries(retries int) Option {
	return func(c *Config) {
		c.AcquireRetries = retries
	}
}

// WithCompletionReleaseTimeout sets the timeout for releasing transactional locks.
func WithCompletionReleaseTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.CompletionReleaseTimeout = timeout
	}
}

// ApplyOptions applies the given options to a default config and returns the result.
func ApplyOptions(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
