// Package circuit provides a circuit breaker and a lock store guarded by one.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed is the normal state where requests are allowed
	StateClosed State = iota
	// StateOpen is the state where requests are blocked
	StateOpen
	// StateHalfOpen is the state where limited requests are allowed to test recovery
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrOpen indicates a request was rejected without being attempted
	ErrOpen = errors.New("circuit breaker open")

	// ErrInvalidConfig indicates the breaker configuration is invalid
	ErrInvalidConfig = errors.New("invalid circuit breaker configuration")
)

// Config holds the configuration for a circuit breaker
type Config struct {
	// Threshold is the number of consecutive failures before opening the circuit
	Threshold int
	// Timeout is the duration to wait before transitioning from OPEN to HALF_OPEN
	Timeout time.Duration
	// HalfOpenMaxReqs is the number of trial requests allowed in HALF_OPEN,
	// and the number of successes that close the circuit again
	HalfOpenMaxReqs int
}

// DefaultConfig returns the default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		Threshold:       5,
		Timeout:         30 * time.Second,
		HalfOpenMaxReqs: 3,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Threshold <= 0 {
		return fmt.Errorf("%w: threshold must be positive", ErrInvalidConfig)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	if c.HalfOpenMaxReqs <= 0 {
		return fmt.Errorf("%w: half-open requests must be positive", ErrInvalidConfig)
	}
	return nil
}

// Counts holds the statistics for a circuit breaker
type Counts struct {
	Requests             int64
	TotalSuccesses       int64
	TotalFailures        int64
	ConsecutiveSuccesses int64
	ConsecutiveFailures  int64
	// Rejected counts requests refused while open
	Rejected int64
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	mu      sync.Mutex
	name    string
	config  Config
	state   State
	counts  Counts
	logger  *zap.Logger
	now     func() time.Time
	failure func(error) bool

	openedAt         time.Time
	halfOpenRequests int
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithConfig sets the thresholds.
func WithConfig(c Config) Option {
	return func(b *Breaker) {
		b.config = c
	}
}

// WithLogger sets the logger state changes are reported to.
func WithLogger(l *zap.Logger) Option {
	return func(b *Breaker) {
		b.logger = l
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithFailurePredicate decides which errors count as failures. Errors it
// rejects count as successes: the dependency answered.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) {
		b.failure = fn
	}
}

// New creates a closed breaker.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:    name,
		config:  DefaultConfig(),
		state:   StateClosed,
		logger:  zap.NewNop(),
		now:     time.Now,
		failure: func(err error) bool { return err != nil },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn unless the circuit is open, in which case it returns
// ErrOpen without calling fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	b.afterRequest(!b.failure(err))
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.counts.Requests++
		return nil

	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.config.Timeout {
			b.setState(StateHalfOpen)
			b.halfOpenRequests = 1
			b.counts.Requests++
			return nil
		}
		b.counts.Rejected++
		return fmt.Errorf("%w: %s", ErrOpen, b.name)

	case StateHalfOpen:
		if b.halfOpenRequests >= b.config.HalfOpenMaxReqs {
			b.counts.Rejected++
			return fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
		b.counts.Requests++
		b.halfOpenRequests++
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrOpen, b.name)
	}
}

func (b *Breaker) afterRequest(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if b.state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= int64(b.config.HalfOpenMaxReqs) {
			b.setState(StateClosed)
			b.halfOpenRequests = 0
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch b.state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= int64(b.config.Threshold) {
			b.open()
		}
	case StateHalfOpen:
		// Any failure in half-open opens the circuit again.
		b.open()
	case StateOpen:
	}
}

func (b *Breaker) open() {
	b.setState(StateOpen)
	b.openedAt = b.now()
	b.halfOpenRequests = 0
}

// setState must be called with mu held.
func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if to == StateOpen {
		b.logger.Warn("circuit opened",
			zap.String("breaker", b.name),
			zap.Int64("consecutive_failures", b.counts.ConsecutiveFailures),
			zap.Duration("retry_after", b.config.Timeout))
		return
	}
	b.logger.Info("circuit state changed",
		zap.String("breaker", b.name), zap.Stringer("from", from), zap.Stringer("to", to))
}

// State returns the current state. An open circuit whose timeout has passed
// reports HALF_OPEN; the transition happens on the next request.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.Timeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the circuit and clears the counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.counts = Counts{}
	b.halfOpenRequests = 0
}

// Counts returns the current statistics
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}
