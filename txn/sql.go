package txn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// SQLResource enlists a database transaction. Prepare votes yes. The
// database commit decides the outcome: last resources such as broker
// sessions commit only after it succeeded and are rolled back if it fails.
type SQLResource struct {
	db   *sql.DB
	opts *sql.TxOptions

	mu sync.Mutex
	tx *sql.Tx
}

// NewSQLResource creates a resource that opens a transaction on db when started.
func NewSQLResource(db *sql.DB, opts *sql.TxOptions) *SQLResource {
	return &SQLResource{db: db, opts: opts}
}

// Start begins the database transaction.
func (r *SQLResource) Start(ctx context.Context, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, r.opts)
	if err != nil {
		return fmt.Errorf("failed to begin database transaction: %w", err)
	}
	r.tx = tx
	return nil
}

// Prepare votes yes.
func (r *SQLResource) Prepare(_ context.Context) error {
	return nil
}

// Commit commits the database transaction.
func (r *SQLResource) Commit(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tx == nil {
		return fmt.Errorf("%w: database transaction not started", ErrNotActive)
	}
	return r.tx.Commit()
}

// Rollback rolls back the database transaction.
func (r *SQLResource) Rollback(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tx == nil {
		return nil
	}
	return r.tx.Rollback()
}

// Tx returns the underlying database transaction.
func (r *SQLResource) Tx() *sql.Tx {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tx
}

// EnlistSQL opens a database transaction bound to the ambient transaction in ctx.
func EnlistSQL(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	tx, ok := FromContext(ctx)
	if !ok {
		return nil, ErrNoTransaction
	}
	r := NewSQLResource(db, nil)
	if err := tx.Enlist(ctx, r); err != nil {
		return nil, err
	}
	return r.Tx(), nil
}
