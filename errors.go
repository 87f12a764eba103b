package catlock

import (
	"errors"
	"fmt"
	"strings"
)

// Input errors
var (
	// ErrInvalidOwner indicates the owner sets neither or both of editor and transaction
	ErrInvalidOwner = errors.New("invalid lock owner")

	// ErrNoTargets indicates an acquire or conflict lookup without any target
	ErrNoTargets = errors.New("no lock targets")

	// ErrInvalidTargetType indicates a target type outside the closed set
	ErrInvalidTargetType = errors.New("invalid target type")

	// ErrInvalidPolicy indicates an unknown exclusion policy or one the owner cannot express
	ErrInvalidPolicy = errors.New("invalid exclusion policy")
)

// Lock errors
var (
	// ErrLockNotFound indicates the lock does not exist or was already released
	ErrLockNotFound = errors.New("lock not found")
)

// Store errors
var (
	// ErrLockStore indicates an underlying storage failure
	ErrLockStore = errors.New("lock store operation failed")

	// ErrDuplicateEntry indicates the store rejected an insert because one of
	// the entries is already held by an active lock
	ErrDuplicateEntry = errors.New("lock entry already held")

	// ErrConstraintTranslation indicates a uniqueness violation that could not
	// be mapped back to a conflicting lock after all retries
	ErrConstraintTranslation = errors.New("uniqueness violation without conflicting lock")
)

// Config errors
var (
	// ErrInvalidConfig indicates the configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")
)

// LockConflict lists the active locks that prevent an acquisition.
// It is an expected outcome, not a fault; it implements error only so callers
// that prefer error returns can pass it on unchanged.
type LockConflict struct {
	Conflicting []*Lock
}

func (c *LockConflict) Error() string {
	ids := make([]string, 0, len(c.Conflicting))
	for _, l := range c.Conflicting {
		ids = append(ids, l.ID)
	}
	return fmt.Sprintf("lock conflict with %d lock(s): %s", len(ids), strings.Join(ids, ", "))
}

// LockIDs returns the ids of the conflicting locks in order.
func (c *LockConflict) LockIDs() []string {
	ids := make([]string, len(c.Conflicting))
	for i, l := range c.Conflicting {
		ids[i] = l.ID
	}
	return ids
}
