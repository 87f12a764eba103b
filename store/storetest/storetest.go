// Package storetest provides a behavioral test suite shared by every
// catlock.LockStore implementation.
package storetest

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"catlock"
)

// Factory returns an empty store, or one whose existing content does not
// collide with the random ids the suite generates.
type Factory func(t *testing.T) catlock.LockStore

type fixture struct {
	t     *testing.T
	store catlock.LockStore
	ctx   context.Context
	run   string
}

func newFixture(t *testing.T, newStore Factory) *fixture {
	t.Helper()
	return &fixture{
		t:     t,
		store: newStore(t),
		ctx:   context.Background(),
		run:   uuid.NewString()[:8],
	}
}

func (f *fixture) id(name string) string {
	return f.run + "-" + name
}

func (f *fixture) obj(name string) catlock.Entry {
	return catlock.NewEntry(catlock.TargetCulturalObject, f.id(name))
}

func (f *fixture) desc(name string) catlock.Entry {
	return catlock.NewEntry(catlock.TargetDescription, f.id(name))
}

// insert stores the lock and deletes it again when the test ends.
func (f *fixture) insert(l *catlock.Lock) {
	f.t.Helper()
	if err := f.store.Insert(f.ctx, l); err != nil {
		f.t.Fatalf("insert %s: %v", l.ID, err)
	}
	f.t.Cleanup(func() { _ = f.store.Delete(context.Background(), l.ID) })
}

func (f *fixture) manual(name, editor string, offset time.Duration, entries ...catlock.Entry) *catlock.Lock {
	return &catlock.Lock{
		ID:        f.id(name),
		StartedAt: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC).Add(offset),
		Editor:    &catlock.Editor{ID: f.id(editor), Name: editor},
		Reason:    "suite",
		Kind:      catlock.KindManual,
		Entries:   entries,
	}
}

func (f *fixture) transactional(name, tx string, entries ...catlock.Entry) *catlock.Lock {
	return &catlock.Lock{
		ID:          f.id(name),
		StartedAt:   time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
		AmbientTxID: f.id(tx),
		Kind:        catlock.KindTransactional,
		Entries:     entries,
	}
}

func lockIDs(locks []*catlock.Lock) []string {
	ids := make([]string, len(locks))
	for i, l := range locks {
		ids[i] = l.ID
	}
	sort.Strings(ids)
	return ids
}

func expectIDs(t *testing.T, got []*catlock.Lock, want ...string) {
	t.Helper()
	ids := lockIDs(got)
	sort.Strings(want)
	if len(ids) != len(want) {
		t.Fatalf("expected locks %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected locks %v, got %v", want, ids)
		}
	}
}

// Run exercises the LockStore contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertAndGet", func(t *testing.T) {
		f := newFixture(t, newStore)
		l := f.manual("l1", "alice", 0, f.obj("o1"), f.desc("d1"))
		f.insert(l)

		got, err := f.store.Get(f.ctx, l.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Kind != catlock.KindManual || got.Reason != "suite" {
			t.Errorf("unexpected lock: %+v", got)
		}
		if got.Editor == nil || got.Editor.ID != f.id("alice") {
			t.Errorf("unexpected editor: %+v", got.Editor)
		}
		if got.AmbientTxID != "" {
			t.Errorf("manual lock must not carry a transaction, got %q", got.AmbientTxID)
		}
		if !got.StartedAt.Equal(l.StartedAt) {
			t.Errorf("expected started at %v, got %v", l.StartedAt, got.StartedAt)
		}
		if len(got.Entries) != 2 || !got.Covers(f.obj("o1")) || !got.Covers(f.desc("d1")) {
			t.Errorf("unexpected entries: %v", got.Entries)
		}
	})

	t.Run("GetUnknown", func(t *testing.T) {
		f := newFixture(t, newStore)
		if _, err := f.store.Get(f.ctx, f.id("missing")); !errors.Is(err, catlock.ErrLockNotFound) {
			t.Errorf("expected ErrLockNotFound, got %v", err)
		}
	})

	t.Run("OverlappingInsertRejectedWhole", func(t *testing.T) {
		f := newFixture(t, newStore)
		f.insert(f.manual("l1", "alice", 0, f.obj("o1")))

		err := f.store.Insert(f.ctx, f.manual("l2", "bob", 0, f.obj("free"), f.obj("o1")))
		if !errors.Is(err, catlock.ErrDuplicateEntry) {
			t.Fatalf("expected ErrDuplicateEntry, got %v", err)
		}
		if _, err := f.store.Get(f.ctx, f.id("l2")); !errors.Is(err, catlock.ErrLockNotFound) {
			t.Errorf("rejected lock must not be stored, got %v", err)
		}
		f.insert(f.manual("l3", "bob", 0, f.obj("free")))
	})

	t.Run("SameEditorCannotDoubleLock", func(t *testing.T) {
		f := newFixture(t, newStore)
		f.insert(f.manual("l1", "alice", 0, f.obj("o1")))

		err := f.store.Insert(f.ctx, f.manual("l2", "alice", 0, f.obj("o1")))
		if !errors.Is(err, catlock.ErrDuplicateEntry) {
			t.Errorf("expected ErrDuplicateEntry, got %v", err)
		}
	})

	t.Run("DeleteFreesEntries", func(t *testing.T) {
		f := newFixture(t, newStore)
		l := f.manual("l1", "alice", 0, f.obj("o1"), f.desc("d1"))
		if err := f.store.Insert(f.ctx, l); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := f.store.Delete(f.ctx, l.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := f.store.Delete(f.ctx, l.ID); !errors.Is(err, catlock.ErrLockNotFound) {
			t.Errorf("expected ErrLockNotFound on second delete, got %v", err)
		}

		covering, err := f.store.FindCovering(f.ctx, []catlock.Entry{f.obj("o1"), f.desc("d1")}, catlock.NoExclusion)
		if err != nil {
			t.Fatalf("find covering: %v", err)
		}
		expectIDs(t, covering)
		f.insert(f.manual("l2", "bob", 0, f.obj("o1")))
	})

	t.Run("FindByEditor", func(t *testing.T) {
		f := newFixture(t, newStore)
		f.insert(f.manual("late", "alice", time.Minute, f.obj("o1")))
		f.insert(f.manual("early", "alice", 0, f.obj("o2")))
		f.insert(f.manual("other", "bob", 0, f.obj("o3")))

		locks, err := f.store.FindByEditor(f.ctx, f.id("alice"))
		if err != nil {
			t.Fatalf("find by editor: %v", err)
		}
		expectIDs(t, locks, f.id("early"), f.id("late"))
		if locks[0].ID != f.id("early") {
			t.Errorf("expected locks ordered by start time, got %v", lockIDs(locks))
		}
	})

	t.Run("FindByAmbientTx", func(t *testing.T) {
		f := newFixture(t, newStore)
		f.insert(f.transactional("t1", "tx1", f.obj("o1")))
		f.insert(f.transactional("t2", "tx1", f.obj("o2")))
		f.insert(f.transactional("t3", "tx2", f.obj("o3")))

		locks, err := f.store.FindByAmbientTx(f.ctx, f.id("tx1"))
		if err != nil {
			t.Fatalf("find by tx: %v", err)
		}
		expectIDs(t, locks, f.id("t1"), f.id("t2"))
		for _, l := range locks {
			if l.Editor != nil {
				t.Errorf("transactional lock %s carries an editor", l.ID)
			}
			if l.Kind != catlock.KindTransactional {
				t.Errorf("expected TRANSACTIONAL, got %s", l.Kind)
			}
		}
	})

	t.Run("FindCovering", func(t *testing.T) {
		f := newFixture(t, newStore)
		f.insert(f.manual("alice", "alice", 0, f.obj("o1"), f.desc("d1")))
		f.insert(f.transactional("tx", "tx1", f.obj("o2")))

		targets := []catlock.Entry{f.obj("o1"), f.desc("d1"), f.obj("o2"), f.obj("free")}

		tests := []struct {
			name string
			excl catlock.Exclusion
			want []string
		}{
			{"none", catlock.NoExclusion, []string{f.id("alice"), f.id("tx")}},
			{"same editor", catlock.Exclusion{Policy: catlock.ExcludeSameEditor, Key: f.id("alice")}, []string{f.id("tx")}},
			{"same tx", catlock.Exclusion{Policy: catlock.ExcludeSameTx, Key: f.id("tx1")}, []string{f.id("alice")}},
			{"foreign editor", catlock.Exclusion{Policy: catlock.ExcludeSameEditor, Key: f.id("bob")}, []string{f.id("alice"), f.id("tx")}},
			{"foreign tx", catlock.Exclusion{Policy: catlock.ExcludeSameTx, Key: f.id("tx9")}, []string{f.id("alice"), f.id("tx")}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				locks, err := f.store.FindCovering(f.ctx, targets, tt.excl)
				if err != nil {
					t.Fatalf("find covering: %v", err)
				}
				expectIDs(t, locks, tt.want...)
			})
		}
	})

	t.Run("FindCoveringUnlocked", func(t *testing.T) {
		f := newFixture(t, newStore)
		locks, err := f.store.FindCovering(f.ctx, []catlock.Entry{f.obj("nothing")}, catlock.NoExclusion)
		if err != nil {
			t.Fatalf("find covering: %v", err)
		}
		if len(locks) != 0 {
			t.Errorf("expected no locks, got %v", lockIDs(locks))
		}
	})
}
