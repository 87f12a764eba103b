// Package admin provides administrative interfaces for catlock.
// It allows operators to inspect active locks, force-release abandoned ones
// and watch the publisher and consumer.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"catlock"
	"catlock/circuit"
	"catlock/consume"
	"catlock/event"
	"catlock/txn"
)

// Stats is a snapshot of the running daemon.
type Stats struct {
	// OpenSessions is the number of broker sessions bound to live transactions.
	OpenSessions int `json:"open_sessions"`
	// Consumer holds the consumer counters, nil without a consumer.
	Consumer *consume.Stats `json:"consumer,omitempty"`
	// RecentEvents is the number of consumed events kept for inspection.
	RecentEvents int `json:"recent_events"`
	// StoreCircuit is the state of the lock store circuit breaker, empty
	// when the store is not guarded.
	StoreCircuit string `json:"store_circuit,omitempty"`
}

// Admin provides administrative operations over the lock manager.
type Admin interface {
	// ListLocks lists the manual locks of an editor or the locks of an ambient transaction.
	ListLocks(ctx context.Context, filter LockFilter) ([]*catlock.Lock, error)

	// GetLock returns one active lock.
	GetLock(ctx context.Context, lockID string) (*catlock.Lock, error)

	// ForceRelease releases a lock on behalf of its owner.
	ForceRelease(ctx context.Context, lockID, reason string) error

	// Conflicts returns the active locks covering any of targets.
	Conflicts(ctx context.Context, targets []catlock.Entry) ([]*catlock.Lock, error)

	// Reindex publishes a REINDEX event for targets while holding
	// transactional locks on them.
	Reindex(ctx context.Context, actor string, targets []catlock.Entry) (*ReindexResult, error)

	// GetStats returns a snapshot of the daemon.
	GetStats(ctx context.Context) (*Stats, error)
}

// ReindexResult lists the events a reindex published.
type ReindexResult struct {
	TxID     string   `json:"tx_id"`
	EventIDs []string `json:"event_ids"`
}

// EventSender publishes events inside the ambient transaction.
type EventSender interface {
	SendFor(ctx context.Context, tt catlock.TargetType, e *event.Event) error
}

// LockFilter selects locks by owner. Exactly one field must be set.
type LockFilter struct {
	EditorID string
	TxID     string
}

// SessionCounter reports open broker sessions.
type SessionCounter interface {
	OpenSessions() int
}

// ConsumerStatter reports consumer counters.
type ConsumerStatter interface {
	Stats() consume.Stats
}

// BreakerStater reports a circuit breaker state.
type BreakerStater interface {
	State() circuit.State
}

// AdminImpl implements the Admin interface.
type AdminImpl struct {
	manager   *catlock.Manager
	sessions  SessionCounter
	consumer  ConsumerStatter
	breaker   BreakerStater
	events    *EventStore
	txns      *txn.Manager
	sender    EventSender
	logger    *zap.Logger
	forceTime func() time.Time
}

var _ Admin = (*AdminImpl)(nil)

// AdminOption is a functional option for configuring AdminImpl.
type AdminOption func(*AdminImpl)

// WithManager sets the lock manager.
func WithManager(m *catlock.Manager) AdminOption {
	return func(a *AdminImpl) {
		a.manager = m
	}
}

// WithSessions sets the open session source, usually the publisher.
func WithSessions(s SessionCounter) AdminOption {
	return func(a *AdminImpl) {
		a.sessions = s
	}
}

// WithConsumer sets the consumer whose counters are reported.
func WithConsumer(c ConsumerStatter) AdminOption {
	return func(a *AdminImpl) {
		a.consumer = c
	}
}

// WithStoreBreaker sets the breaker guarding the lock store.
func WithStoreBreaker(b BreakerStater) AdminOption {
	return func(a *AdminImpl) {
		a.breaker = b
	}
}

// WithAdminEventStore sets the store of recently consumed events.
func WithAdminEventStore(s *EventStore) AdminOption {
	return func(a *AdminImpl) {
		a.events = s
	}
}

// WithReindex enables Reindex, running each reindex in a transaction of txns
// and publishing through sender.
func WithReindex(txns *txn.Manager, sender EventSender) AdminOption {
	return func(a *AdminImpl) {
		a.txns = txns
		a.sender = sender
	}
}

// WithAdminLogger sets the logger.
func WithAdminLogger(l *zap.Logger) AdminOption {
	return func(a *AdminImpl) {
		a.logger = l
	}
}

// NewAdmin creates a new AdminImpl.
func NewAdmin(opts ...AdminOption) *AdminImpl {
	a := &AdminImpl{
		logger:    zap.NewNop(),
		forceTime: time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ErrManagerNotConfigured indicates an operation needing the lock manager was
// called on an admin without one.
var ErrManagerNotConfigured = errors.New("lock manager not configured")

// ErrReindexNotConfigured indicates Reindex was called without a publisher.
var ErrReindexNotConfigured = errors.New("reindex not configured")

// ErrInvalidFilter indicates a lock filter without exactly one owner.
var ErrInvalidFilter = errors.New("exactly one of editor or tx must be set")

// ListLocks lists the locks matching filter.
func (a *AdminImpl) ListLocks(ctx context.Context, filter LockFilter) ([]*catlock.Lock, error) {
	if a.manager == nil {
		return nil, ErrManagerNotConfigured
	}
	switch {
	case filter.EditorID != "" && filter.TxID == "":
		return a.manager.FindByEditor(ctx, filter.EditorID)
	case filter.TxID != "" && filter.EditorID == "":
		return a.manager.FindByAmbientTx(ctx, filter.TxID)
	default:
		return nil, ErrInvalidFilter
	}
}

// GetLock returns one active lock.
func (a *AdminImpl) GetLock(ctx context.Context, lockID string) (*catlock.Lock, error) {
	if a.manager == nil {
		return nil, ErrManagerNotConfigured
	}
	return a.manager.Get(ctx, lockID)
}

// ForceRelease releases a lock regardless of who holds it. The reason is
// only logged; the manager keeps no release history.
func (a *AdminImpl) ForceRelease(ctx context.Context, lockID, reason string) error {
	if a.manager == nil {
		return ErrManagerNotConfigured
	}
	l, err := a.manager.Get(ctx, lockID)
	if err != nil {
		return err
	}
	if err := a.manager.Release(ctx, lockID); err != nil {
		return err
	}
	a.logger.Warn("lock force released",
		zap.String("lock_id", lockID),
		zap.String("owner", l.Owner().String()),
		zap.String("reason", reason),
		zap.Duration("held_for", a.forceTime().Sub(l.StartedAt)),
	)
	return nil
}

// Conflicts returns every active lock covering one of targets.
func (a *AdminImpl) Conflicts(ctx context.Context, targets []catlock.Entry) ([]*catlock.Lock, error) {
	if a.manager == nil {
		return nil, ErrManagerNotConfigured
	}
	return a.manager.FindConflicts(ctx, targets, catlock.NoExclusion)
}

// Reindex locks targets for one ambient transaction and sends one REINDEX
// event per target type. The events become visible only if the transaction
// commits; the locks go away with it either way. A conflict is returned as
// *catlock.LockConflict.
func (a *AdminImpl) Reindex(ctx context.Context, actor string, targets []catlock.Entry) (*ReindexResult, error) {
	if a.manager == nil {
		return nil, ErrManagerNotConfigured
	}
	if a.txns == nil || a.sender == nil {
		return nil, ErrReindexNotConfigured
	}
	entries, err := catlock.NormalizeEntries(targets)
	if err != nil {
		return nil, err
	}

	result := &ReindexResult{}
	err = a.txns.Run(ctx, func(ctx context.Context) error {
		txID, err := txn.CurrentID(ctx)
		if err != nil {
			return err
		}
		result.TxID = txID

		res, err := a.manager.Acquire(ctx, catlock.TxOwner(txID), catlock.ExcludeSameTx, "reindex by "+actor, entries)
		if err != nil {
			return err
		}
		if res.Conflict != nil {
			return res.Conflict
		}

		byType := make(map[catlock.TargetType][]event.Object)
		for _, e := range entries {
			byType[e.TargetType] = append(byType[e.TargetType], event.NewObject(e.TargetID, string(e.TargetType), nil))
		}
		for _, tt := range catlock.TargetTypes() {
			objects, ok := byType[tt]
			if !ok {
				continue
			}
			ev := event.New(event.ActionReindex, actor, "", objects...)
			if err := a.sender.SendFor(ctx, tt, ev); err != nil {
				return err
			}
			result.EventIDs = append(result.EventIDs, ev.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("reindex published",
		zap.String("tx_id", result.TxID), zap.String("actor", actor),
		zap.Int("targets", len(entries)), zap.Strings("event_ids", result.EventIDs))
	return result, nil
}

// GetStats returns a snapshot of the daemon.
func (a *AdminImpl) GetStats(_ context.Context) (*Stats, error) {
	stats := &Stats{}
	if a.sessions != nil {
		stats.OpenSessions = a.sessions.OpenSessions()
	}
	if a.consumer != nil {
		cs := a.consumer.Stats()
		stats.Consumer = &cs
	}
	if a.events != nil {
		stats.RecentEvents = a.events.Len()
	}
	if a.breaker != nil {
		stats.StoreCircuit = a.breaker.State().String()
	}
	return stats, nil
}

// ParseTarget parses the "TYPE:id" form produced by catlock.Entry.Key.
func ParseTarget(s string) (catlock.Entry, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return catlock.Entry{}, fmt.Errorf("%w: target %q, want TYPE:id", catlock.ErrNoTargets, s)
	}
	tt, err := catlock.ParseTargetType(typ)
	if err != nil {
		return catlock.Entry{}, err
	}
	return catlock.NewEntry(tt, id), nil
}
