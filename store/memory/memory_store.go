// Package memory provides an in-process implementation of catlock.LockStore.
// It is meant for tests, demos and single-node deployments; production
// setups should use store/mysql or store/redis.
package memory

import (
	"context"
	"sort"
	"sync"

	"catlock"
)

// Store keeps locks in maps guarded by a single mutex. The entry index plays
// the role of the unique key over active (target_type, target_id) pairs.
type Store struct {
	mu      sync.RWMutex
	locks   map[string]*catlock.Lock
	entries map[catlock.Entry]string // entry -> lock id
}

// New creates an empty store.
func New() *Store {
	return &Store{
		locks:   make(map[string]*catlock.Lock),
		entries: make(map[catlock.Entry]string),
	}
}

var _ catlock.LockStore = (*Store)(nil)

// Insert stores the lock if none of its entries is held, all or nothing.
func (s *Store) Insert(_ context.Context, l *catlock.Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.locks[l.ID]; exists {
		return catlock.ErrDuplicateEntry
	}
	for _, e := range l.Entries {
		if _, held := s.entries[e]; held {
			return catlock.ErrDuplicateEntry
		}
	}

	stored := l.Clone()
	s.locks[l.ID] = stored
	for _, e := range stored.Entries {
		s.entries[e] = stored.ID
	}
	return nil
}

// Delete removes the lock and frees its entries.
func (s *Store) Delete(_ context.Context, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[lockID]
	if !ok {
		return catlock.ErrLockNotFound
	}
	for _, e := range l.Entries {
		if s.entries[e] == lockID {
			delete(s.entries, e)
		}
	}
	delete(s.locks, lockID)
	return nil
}

// Get returns a copy of the lock.
func (s *Store) Get(_ context.Context, lockID string) (*catlock.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.locks[lockID]
	if !ok {
		return nil, catlock.ErrLockNotFound
	}
	return l.Clone(), nil
}

// FindByEditor returns the manual locks of the editor.
func (s *Store) FindByEditor(_ context.Context, editorID string) ([]*catlock.Lock, error) {
	return s.filter(func(l *catlock.Lock) bool {
		return l.AmbientTxID == "" && l.Editor != nil && l.Editor.ID == editorID
	}), nil
}

// FindByAmbientTx returns the locks of the transaction.
func (s *Store) FindByAmbientTx(_ context.Context, txID string) ([]*catlock.Lock, error) {
	return s.filter(func(l *catlock.Lock) bool {
		return l.AmbientTxID == txID
	}), nil
}

// FindCovering returns the locks holding any of the entries, minus excluded ones.
func (s *Store) FindCovering(_ context.Context, entries []catlock.Entry, excl catlock.Exclusion) ([]*catlock.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []*catlock.Lock
	for _, e := range entries {
		id, held := s.entries[e]
		if !held {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		l := s.locks[id]
		if excl.Excludes(l) {
			continue
		}
		out = append(out, l.Clone())
	}
	return out, nil
}

// Len returns the number of active locks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.locks)
}

func (s *Store) filter(keep func(*catlock.Lock) bool) []*catlock.Lock {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*catlock.Lock
	for _, l := range s.locks {
		if keep(l) {
			out = append(out, l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
