// Package idempotency remembers which keys were already handled, so that a
// redelivered message is processed at most once within a retention window.
package idempotency

import (
	"context"
	"time"
)

// Checker records handled keys.
type Checker interface {
	// Check reports whether key was marked and has not expired.
	Check(ctx context.Context, key string) (bool, error)

	// Mark records key as handled for ttl.
	Mark(ctx context.Context, key string, ttl time.Duration) error
}
