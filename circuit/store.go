package circuit

import (
	"context"
	"errors"
	"fmt"

	"catlock"
)

// Store guards a catlock.LockStore with a Breaker. While the circuit is open
// every call fails with catlock.ErrLockStore wrapping ErrOpen, without
// reaching the backend.
type Store struct {
	next    catlock.LockStore
	breaker *Breaker
}

var _ catlock.LockStore = (*Store)(nil)

// NewStore wraps next. Only backend faults trip the circuit: a missing lock,
// a taken entry or a cancelled caller are answers, not outages.
func NewStore(next catlock.LockStore, opts ...Option) *Store {
	opts = append([]Option{WithFailurePredicate(IsStoreFault)}, opts...)
	return &Store{next: next, breaker: New("lock-store", opts...)}
}

// IsStoreFault reports whether err indicates the store itself failed.
func IsStoreFault(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, catlock.ErrLockNotFound), errors.Is(err, catlock.ErrDuplicateEntry):
		return false
	case errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

// Breaker returns the breaker guarding the store.
func (s *Store) Breaker() *Breaker {
	return s.breaker
}

func (s *Store) do(ctx context.Context, fn func(ctx context.Context) error) error {
	err := s.breaker.Execute(ctx, fn)
	if errors.Is(err, ErrOpen) {
		return fmt.Errorf("%w: %w", catlock.ErrLockStore, err)
	}
	return err
}

func (s *Store) Insert(ctx context.Context, l *catlock.Lock) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.next.Insert(ctx, l)
	})
}

func (s *Store) Delete(ctx context.Context, lockID string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.next.Delete(ctx, lockID)
	})
}

func (s *Store) Get(ctx context.Context, lockID string) (*catlock.Lock, error) {
	var l *catlock.Lock
	err := s.do(ctx, func(ctx context.Context) (err error) {
		l, err = s.next.Get(ctx, lockID)
		return err
	})
	return l, err
}

func (s *Store) FindByEditor(ctx context.Context, editorID string) ([]*catlock.Lock, error) {
	var locks []*catlock.Lock
	err := s.do(ctx, func(ctx context.Context) (err error) {
		locks, err = s.next.FindByEditor(ctx, editorID)
		return err
	})
	return locks, err
}

func (s *Store) FindByAmbientTx(ctx context.Context, txID string) ([]*catlock.Lock, error) {
	var locks []*catlock.Lock
	err := s.do(ctx, func(ctx context.Context) (err error) {
		locks, err = s.next.FindByAmbientTx(ctx, txID)
		return err
	})
	return locks, err
}

func (s *Store) FindCovering(ctx context.Context, entries []catlock.Entry, excl catlock.Exclusion) ([]*catlock.Lock, error) {
	var locks []*catlock.Lock
	err := s.do(ctx, func(ctx context.Context) (err error) {
		locks, err = s.next.FindCovering(ctx, entries, excl)
		return err
	})
	return locks, err
}
