package catlock

import (
	"context"
)

// LockStore defines the durable storage for locks and their entries.
// This interface is implemented by store/mysql, store/redis and store/memory.
//
// Implementations must reject an Insert whose entries intersect any active
// lock with ErrDuplicateEntry; this uniqueness check is the only arbiter
// between concurrent acquisitions.
type LockStore interface {
	// Insert persists a new lock with all of its entries atomically.
	Insert(ctx context.Context, l *Lock) error

	// Delete removes a lock and its entries. Returns ErrLockNotFound for unknown ids.
	Delete(ctx context.Context, lockID string) error

	// Get retrieves a lock by id. Returns ErrLockNotFound for unknown ids.
	Get(ctx context.Context, lockID string) (*Lock, error)

	// FindByEditor returns manual locks held by the editor.
	FindByEditor(ctx context.Context, editorID string) ([]*Lock, error)

	// FindByAmbientTx returns locks owned by the ambient transaction.
	FindByAmbientTx(ctx context.Context, txID string) ([]*Lock, error)

	// FindCovering returns active locks holding any of the entries, minus the
	// locks the exclusion marks as the caller's own. Callers bound the number
	// of entries per call.
	FindCovering(ctx context.Context, entries []Entry, excl Exclusion) ([]*Lock, error)
}
