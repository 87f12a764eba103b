package catlock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"catlock/metrics"
	"catlock/tracing"
	"catlock/txn"
)

// AcquireResult is the outcome of Acquire. Either Conflict is set, or the
// targets are now held by the caller through Lock and Held.
type AcquireResult struct {
	// Lock is the lock created by this call. It is nil when every target was
	// already held by one of the caller's own locks.
	Lock *Lock

	// Held lists the caller's own active locks that already covered some of
	// the targets; their entries are not repeated in Lock.
	Held []*Lock

	// Conflict lists the foreign locks that prevented the acquisition.
	Conflict *LockConflict
}

// Acquired reports whether the caller now holds every target.
func (r AcquireResult) Acquired() bool {
	return r.Conflict == nil && (r.Lock != nil || len(r.Held) > 0)
}

// Manager grants, releases and looks up locks on catalog records.
// It holds no in-process lock of its own: the store's uniqueness constraint
// arbitrates between concurrent acquisitions, and the conflict pre-check only
// exists to return the list of conflicting locks.
type Manager struct {
	store   LockStore
	logger  *zap.Logger
	metrics metrics.Metrics
	tracer  tracing.Tracer
	config  Config
	now     func() time.Time
	newID   func() string
}

// ManagerOption is a function that configures the Manager.
type ManagerOption func(*Manager)

// WithStore sets the lock store.
func WithStore(s LockStore) ManagerOption {
	return func(m *Manager) {
		m.store = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(mt metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithTracer sets the tracer.
func WithTracer(t tracing.Tracer) ManagerOption {
	return func(m *Manager) {
		m.tracer = t
	}
}

// WithManagerConfig sets the configuration.
func WithManagerConfig(cfg Config) ManagerOption {
	return func(m *Manager) {
		m.config = cfg
	}
}

// WithClock overrides the time source used for StartedAt.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithIDGenerator overrides the lock id generator.
func WithIDGenerator(fn func() string) ManagerOption {
	return func(m *Manager) {
		m.newID = fn
	}
}

// NewManager creates a new lock manager with the given options.
func NewManager(opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		logger:  zap.NewNop(),
		metrics: &metrics.NoopMetrics{},
		tracer:  &tracing.NoopTracer{},
		config:  DefaultConfig(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.store == nil {
		return nil, fmt.Errorf("%w: lock store is required", ErrInvalidConfig)
	}
	if err := m.config.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Acquire grants one lock over all targets to owner, or reports the active
// locks that prevent it. Locks the policy marks as the owner's own never
// conflict: targets they already cover are reported in Held and left out of
// the new lock, so acquiring is reentrant for the same transaction or editor.
// A conflict is returned in the result, not as an error; errors are reserved
// for invalid input and store failures.
//
// When owner is a transaction carried by ctx, the lock is released
// automatically once that transaction commits or rolls back.
func (m *Manager) Acquire(ctx context.Context, owner Owner, policy Policy, reason string, targets []Entry) (AcquireResult, error) {
	if err := owner.Validate(); err != nil {
		return AcquireResult{}, err
	}
	excl, err := owner.Exclusion(policy)
	if err != nil {
		return AcquireResult{}, err
	}
	entries, err := NormalizeEntries(targets)
	if err != nil {
		return AcquireResult{}, err
	}

	ctx, span := m.tracer.StartLockOp(ctx, "acquire", owner.String(), len(entries))
	defer span.End()

	kind := owner.Kind()
	startTime := m.now()

	for attempt := 0; attempt <= m.config.AcquireRetries; attempt++ {
		// The store reports every holder; ownership is decided here so the
		// caller's own entries can be skipped instead of colliding on insert.
		covering, err := m.findConflicts(ctx, entries, NoExclusion)
		if err != nil {
			span.SetError(err)
			return AcquireResult{}, err
		}
		own, conflicting := partitionLocks(covering, excl)
		if len(conflicting) > 0 {
			span.AddEvent("conflict", attribute.Int("lock.conflicts", len(conflicting)))
			return m.conflict(kind, owner, conflicting), nil
		}

		remaining := uncovered(entries, own)
		if len(remaining) == 0 {
			m.logger.Debug("all targets already held by owner",
				zap.String("owner", owner.String()), zap.Int("locks", len(own)))
			return AcquireResult{Held: own}, nil
		}

		l := m.newLock(owner, reason, remaining)
		err = m.store.Insert(ctx, l)
		if err == nil {
			if err := m.bindToTransaction(ctx, l); err != nil {
				span.SetError(err)
				return AcquireResult{}, err
			}
			span.SetAttributes(attribute.String("lock.id", l.ID), attribute.Int("lock.held", len(own)))
			m.metrics.LockAcquired(string(kind), m.now().Sub(startTime))
			m.logger.Info("lock acquired",
				zap.String("lock_id", l.ID),
				zap.String("owner", owner.String()),
				zap.String("kind", string(kind)),
				zap.Int("entries", len(remaining)),
				zap.Int("held", len(own)))
			return AcquireResult{Lock: l, Held: own}, nil
		}
		if !errors.Is(err, ErrDuplicateEntry) {
			m.metrics.LockStoreFailed("insert")
			span.SetError(err)
			return AcquireResult{}, m.storeError("insert lock", err)
		}

		// Lost the race; the next lookup translates the uniqueness violation
		// back into the locks that won it.
		span.AddEvent("retry", attribute.Int("attempt", attempt))
		m.logger.Debug("uniqueness violation on insert, re-checking",
			zap.String("owner", owner.String()), zap.Int("attempt", attempt))
	}

	err = fmt.Errorf("%w: %w after %d attempts", ErrLockStore, ErrConstraintTranslation, m.config.AcquireRetries+1)
	m.metrics.LockStoreFailed("constraint_translation")
	span.SetError(err)
	return AcquireResult{}, err
}

func (m *Manager) newLock(owner Owner, reason string, entries []Entry) *Lock {
	l := &Lock{
		ID:          m.newID(),
		StartedAt:   m.now(),
		AmbientTxID: owner.TxID,
		Reason:      reason,
		Kind:        owner.Kind(),
		Entries:     append([]Entry(nil), entries...),
	}
	if owner.Editor != nil {
		ed := *owner.Editor
		l.Editor = &ed
	}
	return l
}

func (m *Manager) conflict(kind Kind, owner Owner, conflicting []*Lock) AcquireResult {
	c := &LockConflict{Conflicting: conflicting}
	m.metrics.LockConflict(string(kind))
	m.logger.Info("lock conflict",
		zap.String("owner", owner.String()),
		zap.Strings("conflicting", c.LockIDs()))
	return AcquireResult{Conflict: c}
}

// bindToTransaction registers the automatic release of a transactional lock
// with the ambient transaction that owns it. If the lock cannot be bound it
// is released again so it does not outlive its owner.
func (m *Manager) bindToTransaction(ctx context.Context, l *Lock) error {
	if l.Kind != KindTransactional {
		return nil
	}
	tx, ok := txn.FromContext(ctx)
	if !ok || tx.ID() != l.AmbientTxID {
		m.logger.Debug("transactional lock acquired outside its transaction context",
			zap.String("lock_id", l.ID), zap.String("tx_id", l.AmbientTxID))
		return nil
	}

	err := tx.RegisterSynchronization(func(ctx context.Context, status txn.Status) {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.CompletionReleaseTimeout)
		defer cancel()
		if _, err := m.releaseByAmbientTx(releaseCtx, l.AmbientTxID, "tx_completion"); err != nil {
			m.logger.Error("failed to release transactional locks",
				zap.String("tx_id", l.AmbientTxID), zap.String("status", string(status)), zap.Error(err))
		}
	})
	if err != nil {
		if delErr := m.store.Delete(ctx, l.ID); delErr != nil && !errors.Is(delErr, ErrLockNotFound) {
			return m.storeError("undo unbound lock", errors.Join(err, delErr))
		}
		return fmt.Errorf("bind lock to transaction %s: %w", l.AmbientTxID, err)
	}
	return nil
}

// Release deletes the lock. Releasing an unknown or already released id
// returns ErrLockNotFound every time.
func (m *Manager) Release(ctx context.Context, lockID string) error {
	ctx, span := m.tracer.StartLockOp(ctx, "release", "", 0)
	defer span.End()
	span.SetAttributes(attribute.String("lock.id", lockID))

	if err := m.store.Delete(ctx, lockID); err != nil {
		if errors.Is(err, ErrLockNotFound) {
			return err
		}
		m.metrics.LockStoreFailed("delete")
		span.SetError(err)
		return m.storeError("delete lock", err)
	}
	m.metrics.LockReleased("explicit")
	m.logger.Info("lock released", zap.String("lock_id", lockID))
	return nil
}

// ReleaseByAmbientTx releases every lock owned by the transaction and
// returns how many were released.
func (m *Manager) ReleaseByAmbientTx(ctx context.Context, txID string) (int, error) {
	return m.releaseByAmbientTx(ctx, txID, "explicit")
}

func (m *Manager) releaseByAmbientTx(ctx context.Context, txID, trigger string) (int, error) {
	locks, err := m.FindByAmbientTx(ctx, txID)
	if err != nil {
		return 0, err
	}
	released := 0
	var releaseErr error
	for _, l := range locks {
		if err := m.store.Delete(ctx, l.ID); err != nil {
			if errors.Is(err, ErrLockNotFound) {
				continue
			}
			m.metrics.LockStoreFailed("delete")
			releaseErr = errors.Join(releaseErr, err)
			continue
		}
		released++
		m.metrics.LockReleased(trigger)
	}
	if releaseErr != nil {
		return released, m.storeError("release transaction locks", releaseErr)
	}
	if released > 0 {
		m.logger.Info("transaction locks released",
			zap.String("tx_id", txID), zap.Int("count", released), zap.String("trigger", trigger))
	}
	return released, nil
}

// Get returns the lock with the given id.
func (m *Manager) Get(ctx context.Context, lockID string) (*Lock, error) {
	l, err := m.store.Get(ctx, lockID)
	if err != nil {
		if errors.Is(err, ErrLockNotFound) {
			return nil, err
		}
		return nil, m.storeError("get lock", err)
	}
	return l, nil
}

// FindByEditor returns the manual locks the editor holds.
func (m *Manager) FindByEditor(ctx context.Context, editorID string) ([]*Lock, error) {
	locks, err := m.store.FindByEditor(ctx, editorID)
	if err != nil {
		return nil, m.storeError("find by editor", err)
	}
	out := locks[:0]
	for _, l := range locks {
		if l.AmbientTxID == "" {
			out = append(out, l)
		}
	}
	return out, nil
}

// FindByAmbientTx returns the locks owned by the transaction.
func (m *Manager) FindByAmbientTx(ctx context.Context, txID string) ([]*Lock, error) {
	locks, err := m.store.FindByAmbientTx(ctx, txID)
	if err != nil {
		return nil, m.storeError("find by ambient transaction", err)
	}
	return locks, nil
}

// FindConflicts returns the active locks that would prevent acquiring
// targets, without acquiring anything.
func (m *Manager) FindConflicts(ctx context.Context, targets []Entry, excl Exclusion) ([]*Lock, error) {
	entries, err := NormalizeEntries(targets)
	if err != nil {
		return nil, err
	}
	return m.findConflicts(ctx, entries, excl)
}

func (m *Manager) findConflicts(ctx context.Context, entries []Entry, excl Exclusion) ([]*Lock, error) {
	chunks := chunkEntries(entries, m.config.ChunkSize)
	m.metrics.ConflictQueries(len(chunks))

	union, err := foldChunks(chunks, map[string]*Lock{}, func(acc map[string]*Lock, chunk []Entry) (map[string]*Lock, error) {
		found, err := m.store.FindCovering(ctx, chunk, excl)
		if err != nil {
			m.metrics.LockStoreFailed("find_covering")
			return nil, m.storeError("find conflicting locks", err)
		}
		return unionLocks(acc, found), nil
	})
	if err != nil {
		return nil, err
	}
	return sortedLocks(union), nil
}

func (m *Manager) storeError(op string, err error) error {
	m.logger.Error("lock store failure", zap.String("op", op), zap.Error(err))
	if errors.Is(err, ErrLockStore) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrLockStore, op, err)
}

// ============================================================================
// Chunking
// ============================================================================

// chunkEntries splits entries into consecutive chunks of at most size.
func chunkEntries(entries []Entry, size int) [][]Entry {
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := make([][]Entry, 0, (len(entries)+size-1)/size)
	for start := 0; start < len(entries); start += size {
		end := min(start+size, len(entries))
		chunks = append(chunks, entries[start:end:end])
	}
	return chunks
}

// foldChunks threads acc through fn for every chunk, stopping at the first error.
func foldChunks[A any](chunks [][]Entry, acc A, fn func(A, []Entry) (A, error)) (A, error) {
	for _, chunk := range chunks {
		next, err := fn(acc, chunk)
		if err != nil {
			var zero A
			return zero, err
		}
		acc = next
	}
	return acc, nil
}

// unionLocks returns a new map holding acc plus found, deduplicated by id.
func unionLocks(acc map[string]*Lock, found []*Lock) map[string]*Lock {
	out := make(map[string]*Lock, len(acc)+len(found))
	for id, l := range acc {
		out[id] = l
	}
	for _, l := range found {
		if _, ok := out[l.ID]; !ok {
			out[l.ID] = l
		}
	}
	return out
}

// partitionLocks splits locks into those the exclusion marks as the
// caller's own and the foreign ones.
func partitionLocks(locks []*Lock, excl Exclusion) (own, foreign []*Lock) {
	for _, l := range locks {
		if excl.Excludes(l) {
			own = append(own, l)
		} else {
			foreign = append(foreign, l)
		}
	}
	return own, foreign
}

// uncovered returns the entries none of the locks covers, in input order.
func uncovered(entries []Entry, locks []*Lock) []Entry {
	held := make(map[Entry]struct{})
	for _, l := range locks {
		for _, e := range l.Entries {
			held[e] = struct{}{}
		}
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if _, ok := held[e]; !ok {
			out = append(out, e)
		}
	}
	return out
}

// sortedLocks orders locks by start time, then id.
func sortedLocks(set map[string]*Lock) []*Lock {
	out := make([]*Lock, 0, len(set))
	for _, l := range set {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
