// Package txn provides the ambient transaction coordinator.
//
// A Tx is carried in a context.Context. Resources (a database transaction, a
// broker session) enlist with it and are driven through two-phase commit:
// every resource is prepared, and only if all vote yes is each one committed.
// Last resources commit after the others and only if those succeeded.
// Synchronizations run after completion with the final status.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNoTransaction indicates the context carries no ambient transaction
	ErrNoTransaction = errors.New("no ambient transaction")

	// ErrTransactionActive indicates Begin was called inside an active transaction
	ErrTransactionActive = errors.New("ambient transaction already active")

	// ErrNotActive indicates an operation on a transaction that already completed
	ErrNotActive = errors.New("transaction not active")

	// ErrPrepareFailed indicates a resource voted no and the transaction rolled back
	ErrPrepareFailed = errors.New("transaction prepare failed")

	// ErrCommitFailed indicates the first resource failed to commit and
	// everything else was rolled back
	ErrCommitFailed = errors.New("transaction commit failed")

	// ErrHeuristicCommit indicates a resource failed after another one had
	// already committed, leaving the outcome mixed
	ErrHeuristicCommit = errors.New("heuristic commit: resource failed after commit decision")
)

// Status is the state of an ambient transaction
type Status string

const (
	// StatusActive indicates resources may still enlist
	StatusActive Status = "ACTIVE"
	// StatusPreparing indicates the prepare phase is running
	StatusPreparing Status = "PREPARING"
	// StatusCommitting indicates the commit decision was taken
	StatusCommitting Status = "COMMITTING"
	// StatusCommitted indicates the transaction committed
	StatusCommitted Status = "COMMITTED"
	// StatusRollingBack indicates rollback is running
	StatusRollingBack Status = "ROLLING_BACK"
	// StatusRolledBack indicates the transaction rolled back
	StatusRolledBack Status = "ROLLED_BACK"
)

// IsTerminal returns true if the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCommitted || s == StatusRolledBack
}

// Resource is a participant driven by the coordinator.
type Resource interface {
	// Start is called once, on enlistment.
	Start(ctx context.Context, txID string) error
	// Prepare returns nil to vote yes.
	Prepare(ctx context.Context) error
	// Commit is called only after every resource voted yes.
	Commit(ctx context.Context) error
	// Rollback is called on any failure before the commit decision.
	Rollback(ctx context.Context) error
}

// LastResource marks a resource without a durable prepare of its own, such
// as a broker session. It is committed after every other resource and only
// if they all committed.
type LastResource interface {
	Resource
	LastResource()
}

// Synchronization runs after the transaction reached a terminal status.
type Synchronization func(ctx context.Context, status Status)

type ctxKey struct{}

// FromContext returns the ambient transaction carried by ctx.
func FromContext(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(ctxKey{}).(*Tx)
	return tx, ok && tx != nil
}

// CurrentID returns the id of the ambient transaction carried by ctx.
func CurrentID(ctx context.Context) (string, error) {
	tx, ok := FromContext(ctx)
	if !ok {
		return "", ErrNoTransaction
	}
	return tx.ID(), nil
}

// NewContext returns a context carrying tx.
func NewContext(ctx context.Context, tx *Tx) context.Context {
	return context.WithValue(ctx, ctxKey{}, tx)
}

// Manager begins ambient transactions.
type Manager struct {
	logger *zap.Logger
	newID  func() string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithIDGenerator overrides the transaction id generator.
func WithIDGenerator(fn func() string) ManagerOption {
	return func(m *Manager) {
		m.newID = fn
	}
}

// NewManager creates a new transaction manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger: zap.NewNop(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin starts a new ambient transaction and returns a context carrying it.
// Nested transactions are not supported.
func (m *Manager) Begin(ctx context.Context) (context.Context, *Tx, error) {
	if existing, ok := FromContext(ctx); ok && existing.Status() == StatusActive {
		return ctx, nil, fmt.Errorf("%w: %s", ErrTransactionActive, existing.ID())
	}
	tx := &Tx{
		id:     m.newID(),
		status: StatusActive,
		logger: m.logger,
	}
	m.logger.Debug("transaction begun", zap.String("tx_id", tx.id))
	return NewContext(ctx, tx), tx, nil
}

// Run executes fn inside a new transaction, committing on success and
// rolling back when fn returns an error or panics.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	txCtx, tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx rollback failed: %v (original err: %w)", rbErr, err)
		}
		return err
	}
	return tx.Commit(ctx)
}

// Tx is an ambient transaction.
type Tx struct {
	id     string
	logger *zap.Logger

	mu        sync.Mutex
	status    Status
	resources []Resource
	syncs     []Synchronization
}

// ID returns the transaction id.
func (t *Tx) ID() string {
	return t.id
}

// Status returns the current status.
func (t *Tx) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Enlist starts r and adds it to the transaction. If Start fails the
// resource is not enlisted. Start runs without holding the transaction; if
// the transaction completed meanwhile, r is rolled back and ErrNotActive
// returned.
func (t *Tx) Enlist(ctx context.Context, r Resource) error {
	if s := t.Status(); s != StatusActive {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, t.id, s)
	}
	if err := r.Start(ctx, t.id); err != nil {
		return err
	}

	t.mu.Lock()
	if t.status != StatusActive {
		status := t.status
		t.mu.Unlock()
		if err := r.Rollback(ctx); err != nil {
			t.logger.Debug("rolling back resource enlisted too late",
				zap.String("tx_id", t.id), zap.Error(err))
		}
		return fmt.Errorf("%w: %s is %s", ErrNotActive, t.id, status)
	}
	t.resources = append(t.resources, r)
	t.mu.Unlock()
	return nil
}

// RegisterSynchronization adds fn to run after completion.
func (t *Tx) RegisterSynchronization(fn Synchronization) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusActive {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, t.id, t.status)
	}
	t.syncs = append(t.syncs, fn)
	return nil
}

// begin moves the transaction out of ACTIVE and snapshots its participants.
func (t *Tx) begin(next Status) ([]Resource, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, t.id, t.status)
	}
	t.status = next
	return append([]Resource(nil), t.resources...), nil
}

func (t *Tx) finish(ctx context.Context, status Status) {
	t.mu.Lock()
	t.status = status
	syncs := append([]Synchronization(nil), t.syncs...)
	t.mu.Unlock()

	for _, fn := range syncs {
		t.runSync(ctx, fn, status)
	}
}

func (t *Tx) runSync(ctx context.Context, fn Synchronization, status Status) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("synchronization panic", zap.String("tx_id", t.id), zap.Any("panic", r))
		}
	}()
	fn(ctx, status)
}

// Commit prepares every resource and, if all vote yes, commits them: first
// the other resources in enlistment order, then every LastResource. A
// prepare failure rolls everything back and returns ErrPrepareFailed.
//
// The first commit failure among the other resources stops the commit: the
// resources not yet committed, last resources included, are rolled back.
// If nothing had committed the transaction ends ROLLED_BACK with
// ErrCommitFailed, otherwise COMMITTED with ErrHeuristicCommit. Failures of
// last resources do not affect the outcome and are reported as
// ErrHeuristicCommit.
func (t *Tx) Commit(ctx context.Context) error {
	resources, err := t.begin(StatusPreparing)
	if err != nil {
		return err
	}

	for i, r := range resources {
		if err := r.Prepare(ctx); err != nil {
			t.logger.Warn("resource voted no, rolling back",
				zap.String("tx_id", t.id), zap.Int("resource", i), zap.Error(err))
			t.setStatus(StatusRollingBack)
			rbErr := rollbackAll(ctx, resources)
			t.finish(ctx, StatusRolledBack)
			if rbErr != nil {
				return fmt.Errorf("%w: %v (rollback: %v)", ErrPrepareFailed, err, rbErr)
			}
			return fmt.Errorf("%w: %v", ErrPrepareFailed, err)
		}
	}

	t.setStatus(StatusCommitting)
	first, last := splitLastResources(resources)
	for i, r := range first {
		err := r.Commit(ctx)
		if err == nil {
			continue
		}
		t.logger.Error("resource commit failed, rolling back the rest",
			zap.String("tx_id", t.id), zap.Int("committed", i), zap.Error(err))
		rest := append(append([]Resource(nil), first[i+1:]...), last...)
		if rbErr := rollbackAll(ctx, rest); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		if i == 0 {
			t.finish(ctx, StatusRolledBack)
			return fmt.Errorf("%w: %w", ErrCommitFailed, err)
		}
		t.finish(ctx, StatusCommitted)
		return fmt.Errorf("%w: %w", ErrHeuristicCommit, err)
	}

	var commitErr error
	for i, r := range last {
		if err := r.Commit(ctx); err != nil {
			t.logger.Error("last resource commit failed after commit decision",
				zap.String("tx_id", t.id), zap.Int("resource", i), zap.Error(err))
			commitErr = errors.Join(commitErr, err)
		}
	}
	t.finish(ctx, StatusCommitted)

	if commitErr != nil {
		return fmt.Errorf("%w: %w", ErrHeuristicCommit, commitErr)
	}
	t.logger.Debug("transaction committed", zap.String("tx_id", t.id), zap.Int("resources", len(resources)))
	return nil
}

// splitLastResources separates the last resources, keeping enlistment order
// within both groups.
func splitLastResources(resources []Resource) (first, last []Resource) {
	for _, r := range resources {
		if _, ok := r.(LastResource); ok {
			last = append(last, r)
		} else {
			first = append(first, r)
		}
	}
	return first, last
}

// Rollback rolls back every enlisted resource.
func (t *Tx) Rollback(ctx context.Context) error {
	resources, err := t.begin(StatusRollingBack)
	if err != nil {
		return err
	}
	rbErr := rollbackAll(ctx, resources)
	t.finish(ctx, StatusRolledBack)
	t.logger.Debug("transaction rolled back", zap.String("tx_id", t.id), zap.Int("resources", len(resources)))
	return rbErr
}

func (t *Tx) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

// rollbackAll attempts every rollback even if some fail
func rollbackAll(ctx context.Context, resources []Resource) error {
	var rbErr error
	for i := len(resources) - 1; i >= 0; i-- {
		if err := resources[i].Rollback(ctx); err != nil {
			rbErr = errors.Join(rbErr, err)
		}
	}
	return rbErr
}
