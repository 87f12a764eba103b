package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"pgregory.net/rapid"

	"catlock"
	"catlock/store/storetest"
)

func TestStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) catlock.LockStore {
		return New()
	})
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	l := &catlock.Lock{
		ID:        "lock-1",
		StartedAt: time.Now(),
		Editor:    &catlock.Editor{ID: "alice"},
		Kind:      catlock.KindManual,
		Entries:   []catlock.Entry{catlock.NewEntry(catlock.TargetCatalog, "c-1")},
	}
	if err := s.Insert(ctx, l); err != nil {
		t.Fatalf("insert: %v", err)
	}

	l.Entries[0].TargetID = "mutated"
	got, err := s.Get(ctx, "lock-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Entries[0].TargetID != "c-1" {
		t.Errorf("store must not share the caller's slice, got %s", got.Entries[0].TargetID)
	}

	got.Editor.ID = "mallory"
	again, _ := s.Get(ctx, "lock-1")
	if again.Editor.ID != "alice" {
		t.Errorf("store must hand out copies, got editor %s", again.Editor.ID)
	}
}

func TestStore_DuplicateLockID(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := &catlock.Lock{ID: "same", Kind: catlock.KindManual, Entries: []catlock.Entry{catlock.NewEntry(catlock.TargetCatalog, "a")}}
	second := &catlock.Lock{ID: "same", Kind: catlock.KindManual, Entries: []catlock.Entry{catlock.NewEntry(catlock.TargetCatalog, "b")}}
	if err := s.Insert(ctx, first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(ctx, second); !errors.Is(err, catlock.ErrDuplicateEntry) {
		t.Errorf("expected ErrDuplicateEntry for a reused id, got %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 lock, got %d", s.Len())
	}
}

// Property: the store behaves like a map from entry to holder in which an
// insert succeeds exactly when all of its entries are free.
func TestProperty_InsertSucceedsIffEntriesFree(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := New()
		ctx := context.Background()
		model := map[catlock.Entry]string{}
		live := map[string][]catlock.Entry{}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if len(live) > 0 && rapid.Bool().Draw(rt, fmt.Sprintf("release-%d", i)) {
				ids := make([]string, 0, len(live))
				for id := range live {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				victim := rapid.SampledFrom(ids).Draw(rt, fmt.Sprintf("victim-%d", i))
				if err := s.Delete(ctx, victim); err != nil {
					rt.Fatalf("delete %s: %v", victim, err)
				}
				for _, e := range live[victim] {
					delete(model, e)
				}
				delete(live, victim)
				continue
			}

			nums := rapid.SliceOfNDistinct(rapid.IntRange(0, 7), 1, 3, rapid.ID[int]).Draw(rt, fmt.Sprintf("targets-%d", i))
			entries := make([]catlock.Entry, len(nums))
			free := true
			for j, n := range nums {
				entries[j] = catlock.NewEntry(catlock.TargetDescription, fmt.Sprintf("d-%d", n))
				if _, held := model[entries[j]]; held {
					free = false
				}
			}

			id := fmt.Sprintf("lock-%d", i)
			err := s.Insert(ctx, &catlock.Lock{ID: id, Kind: catlock.KindManual, Editor: &catlock.Editor{ID: "e"}, Entries: entries})
			if free != (err == nil) {
				rt.Fatalf("entries free=%v but insert returned %v", free, err)
			}
			if err == nil {
				live[id] = entries
				for _, e := range entries {
					model[e] = id
				}
			}
		}

		for e, holder := range model {
			covering, err := s.FindCovering(ctx, []catlock.Entry{e}, catlock.NoExclusion)
			if err != nil {
				rt.Fatalf("find covering: %v", err)
			}
			if len(covering) != 1 || covering[0].ID != holder {
				rt.Fatalf("entry %s should be held by %s only, got %v", e, holder, covering)
			}
		}
		if s.Len() != len(live) {
			rt.Fatalf("expected %d live locks, got %d", len(live), s.Len())
		}
	})
}
