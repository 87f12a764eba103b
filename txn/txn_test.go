package txn

import (
	"context"
	"errors"
	"sync"
	"testing"

	"pgregory.net/rapid"
)

// recordingResource records the calls the coordinator makes.
type recordingResource struct {
	name       string
	log        *[]string
	mu         *sync.Mutex
	startErr   error
	prepareErr error
	commitErr  error
	onStart    func()
}

// lastRecordingResource is a recordingResource committed last.
type lastRecordingResource struct {
	*recordingResource
}

func (lastRecordingResource) LastResource() {}

func (r *recordingResource) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.log = append(*r.log, r.name+"."+call)
}

func (r *recordingResource) Start(_ context.Context, _ string) error {
	r.record("start")
	if r.onStart != nil {
		r.onStart()
	}
	return r.startErr
}

func (r *recordingResource) Prepare(_ context.Context) error {
	r.record("prepare")
	return r.prepareErr
}

func (r *recordingResource) Commit(_ context.Context) error {
	r.record("commit")
	return r.commitErr
}

func (r *recordingResource) Rollback(_ context.Context) error {
	r.record("rollback")
	return nil
}

func newRecorder() (func(name string) *recordingResource, func() []string) {
	var (
		mu  sync.Mutex
		log []string
	)
	newRes := func(name string) *recordingResource {
		return &recordingResource{name: name, log: &log, mu: &mu}
	}
	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), log...)
	}
	return newRes, snapshot
}

func equalCalls(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, got)
		}
	}
}

func TestBegin_CarriesTransactionInContext(t *testing.T) {
	m := NewManager(WithIDGenerator(func() string { return "tx-1" }))

	ctx, tx, err := m.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if tx.ID() != "tx-1" {
		t.Errorf("expected tx-1, got %s", tx.ID())
	}
	if tx.Status() != StatusActive {
		t.Errorf("expected ACTIVE, got %s", tx.Status())
	}

	id, err := CurrentID(ctx)
	if err != nil || id != "tx-1" {
		t.Errorf("expected current id tx-1, got %q (%v)", id, err)
	}
	if _, err := CurrentID(context.Background()); !errors.Is(err, ErrNoTransaction) {
		t.Errorf("expected ErrNoTransaction, got %v", err)
	}
}

func TestBegin_RejectsNesting(t *testing.T) {
	m := NewManager()
	ctx, _, err := m.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, _, err := m.Begin(ctx); !errors.Is(err, ErrTransactionActive) {
		t.Errorf("expected ErrTransactionActive, got %v", err)
	}
}

func TestCommit_PreparesAllThenCommitsAll(t *testing.T) {
	newRes, calls := newRecorder()
	m := NewManager()
	ctx, tx, _ := m.Begin(context.Background())

	if err := tx.Enlist(ctx, newRes("db")); err != nil {
		t.Fatalf("enlist db: %v", err)
	}
	if err := tx.Enlist(ctx, newRes("broker")); err != nil {
		t.Fatalf("enlist broker: %v", err)
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	equalCalls(t, calls(), []string{
		"db.start", "broker.start",
		"db.prepare", "broker.prepare",
		"db.commit", "broker.commit",
	})
	if tx.Status() != StatusCommitted {
		t.Errorf("expected COMMITTED, got %s", tx.Status())
	}
}

func TestCommit_PrepareFailureRollsBackEverything(t *testing.T) {
	newRes, calls := newRecorder()
	m := NewManager()
	ctx, tx, _ := m.Begin(context.Background())

	db := newRes("db")
	broker := newRes("broker")
	broker.prepareErr = errors.New("session fenced")
	_ = tx.Enlist(ctx, db)
	_ = tx.Enlist(ctx, broker)

	err := tx.Commit(ctx)
	if !errors.Is(err, ErrPrepareFailed) {
		t.Fatalf("expected ErrPrepareFailed, got %v", err)
	}
	equalCalls(t, calls(), []string{
		"db.start", "broker.start",
		"db.prepare", "broker.prepare",
		"broker.rollback", "db.rollback",
	})
	if tx.Status() != StatusRolledBack {
		t.Errorf("expected ROLLED_BACK, got %s", tx.Status())
	}
}

func TestCommit_FailureAfterDecisionIsHeuristic(t *testing.T) {
	newRes, calls := newRecorder()
	m := NewManager()
	ctx, tx, _ := m.Begin(context.Background())

	db := newRes("db")
	broker := lastRecordingResource{newRes("broker")}
	broker.commitErr = errors.New("broker unreachable")
	_ = tx.Enlist(ctx, db)
	_ = tx.Enlist(ctx, broker)

	err := tx.Commit(ctx)
	if !errors.Is(err, ErrHeuristicCommit) {
		t.Fatalf("expected ErrHeuristicCommit, got %v", err)
	}
	if !errors.Is(err, broker.commitErr) {
		t.Errorf("expected the resource error to be wrapped, got %v", err)
	}
	equalCalls(t, calls(), []string{
		"db.start", "broker.start",
		"db.prepare", "broker.prepare",
		"db.commit", "broker.commit",
	})
	if tx.Status() != StatusCommitted {
		t.Errorf("expected COMMITTED after the commit decision, got %s", tx.Status())
	}
}

func TestCommit_LastResourcesCommitAfterOthers(t *testing.T) {
	newRes, calls := newRecorder()
	m := NewManager()
	ctx, tx, _ := m.Begin(context.Background())

	_ = tx.Enlist(ctx, lastRecordingResource{newRes("broker")})
	_ = tx.Enlist(ctx, newRes("db"))

	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	equalCalls(t, calls(), []string{
		"broker.start", "db.start",
		"broker.prepare", "db.prepare",
		"db.commit", "broker.commit",
	})
}

func TestCommit_CommitFailureRollsBackLastResources(t *testing.T) {
	tests := []struct {
		name       string
		failing    string
		wantErr    error
		wantStatus Status
		wantCalls  []string
	}{
		{
			name:       "first resource fails",
			failing:    "db1",
			wantErr:    ErrCommitFailed,
			wantStatus: StatusRolledBack,
			wantCalls:  []string{"db1.commit", "broker.rollback", "db2.rollback"},
		},
		{
			name:       "later resource fails",
			failing:    "db2",
			wantErr:    ErrHeuristicCommit,
			wantStatus: StatusCommitted,
			wantCalls:  []string{"db1.commit", "db2.commit", "broker.rollback"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			newRes, calls := newRecorder()
			m := NewManager()
			ctx, tx, _ := m.Begin(context.Background())

			var final Status
			_ = tx.RegisterSynchronization(func(_ context.Context, s Status) { final = s })

			broker := lastRecordingResource{newRes("broker")}
			db1, db2 := newRes("db1"), newRes("db2")
			failure := errors.New("serialization failure")
			if tt.failing == "db1" {
				db1.commitErr = failure
			} else {
				db2.commitErr = failure
			}
			_ = tx.Enlist(ctx, broker)
			_ = tx.Enlist(ctx, db1)
			_ = tx.Enlist(ctx, db2)

			err := tx.Commit(ctx)
			if !errors.Is(err, tt.wantErr) || !errors.Is(err, failure) {
				t.Fatalf("expected %v wrapping the failure, got %v", tt.wantErr, err)
			}
			got := calls()[6:]
			equalCalls(t, got, tt.wantCalls)
			if tx.Status() != tt.wantStatus || final != tt.wantStatus {
				t.Errorf("expected %s, got status %s and synchronization %s", tt.wantStatus, tx.Status(), final)
			}
		})
	}
}

func TestEnlist_StartDoesNotBlockTheTransaction(t *testing.T) {
	newRes, calls := newRecorder()
	m := NewManager()
	ctx, tx, _ := m.Begin(context.Background())

	slow := newRes("slow")
	slow.onStart = func() {
		if tx.Status() != StatusActive {
			t.Errorf("expected ACTIVE during start, got %s", tx.Status())
		}
		if err := tx.RegisterSynchronization(func(context.Context, Status) {}); err != nil {
			t.Errorf("register during start: %v", err)
		}
		// The transaction completes while the resource is starting.
		if err := tx.Rollback(ctx); err != nil {
			t.Errorf("rollback during start: %v", err)
		}
	}

	if err := tx.Enlist(ctx, slow); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	equalCalls(t, calls(), []string{"slow.start", "slow.rollback"})
}

func TestEnlist_StartFailureDoesNotEnlist(t *testing.T) {
	newRes, calls := newRecorder()
	m := NewManager()
	ctx, tx, _ := m.Begin(context.Background())

	bad := newRes("bad")
	bad.startErr = errors.New("cannot begin")
	if err := tx.Enlist(ctx, bad); err == nil {
		t.Fatal("expected enlist to fail")
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	equalCalls(t, calls(), []string{"bad.start"})
}

func TestCompletedTransactionRejectsWork(t *testing.T) {
	newRes, _ := newRecorder()
	m := NewManager()
	ctx, tx, _ := m.Begin(context.Background())
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := tx.Enlist(ctx, newRes("late")); !errors.Is(err, ErrNotActive) {
		t.Errorf("expected ErrNotActive on enlist, got %v", err)
	}
	if err := tx.RegisterSynchronization(func(context.Context, Status) {}); !errors.Is(err, ErrNotActive) {
		t.Errorf("expected ErrNotActive on register, got %v", err)
	}
	if err := tx.Commit(ctx); !errors.Is(err, ErrNotActive) {
		t.Errorf("expected ErrNotActive on second commit, got %v", err)
	}
	if err := tx.Rollback(ctx); !errors.Is(err, ErrNotActive) {
		t.Errorf("expected ErrNotActive on rollback after commit, got %v", err)
	}

	// A finished transaction in the context does not block a new one.
	if _, _, err := m.Begin(ctx); err != nil {
		t.Errorf("expected begin after completion to succeed, got %v", err)
	}
}

func TestSynchronizations_RunWithFinalStatus(t *testing.T) {
	tests := []struct {
		name   string
		finish func(ctx context.Context, tx *Tx) error
		want   Status
	}{
		{"commit", func(ctx context.Context, tx *Tx) error { return tx.Commit(ctx) }, StatusCommitted},
		{"rollback", func(ctx context.Context, tx *Tx) error { return tx.Rollback(ctx) }, StatusRolledBack},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			ctx, tx, _ := m.Begin(context.Background())

			var got []Status
			_ = tx.RegisterSynchronization(func(_ context.Context, s Status) {
				panic("a failing synchronization must not stop the others")
			})
			_ = tx.RegisterSynchronization(func(_ context.Context, s Status) {
				got = append(got, s)
			})

			if err := tt.finish(ctx, tx); err != nil {
				t.Fatalf("finish: %v", err)
			}
			if len(got) != 1 || got[0] != tt.want {
				t.Errorf("expected synchronization with %s, got %v", tt.want, got)
			}
		})
	}
}

func TestRun(t *testing.T) {
	m := NewManager()

	t.Run("commits on success", func(t *testing.T) {
		var status Status
		err := m.Run(context.Background(), func(ctx context.Context) error {
			tx, _ := FromContext(ctx)
			return tx.RegisterSynchronization(func(_ context.Context, s Status) { status = s })
		})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if status != StatusCommitted {
			t.Errorf("expected COMMITTED, got %s", status)
		}
	})

	t.Run("rolls back on error", func(t *testing.T) {
		boom := errors.New("boom")
		var status Status
		err := m.Run(context.Background(), func(ctx context.Context) error {
			tx, _ := FromContext(ctx)
			_ = tx.RegisterSynchronization(func(_ context.Context, s Status) { status = s })
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if status != StatusRolledBack {
			t.Errorf("expected ROLLED_BACK, got %s", status)
		}
	})

	t.Run("rolls back on panic", func(t *testing.T) {
		var status Status
		func() {
			defer func() { _ = recover() }()
			_ = m.Run(context.Background(), func(ctx context.Context) error {
				tx, _ := FromContext(ctx)
				_ = tx.RegisterSynchronization(func(_ context.Context, s Status) { status = s })
				panic("handler crashed")
			})
		}()
		if status != StatusRolledBack {
			t.Errorf("expected ROLLED_BACK, got %s", status)
		}
	})
}

// Property: a resource is committed only if every resource voted yes, and
// exactly one of commit or rollback reaches every enlisted resource.
func TestProperty_AllOrNothingCommit(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(rt, "resources")
		noVote := rapid.IntRange(-1, n-1).Draw(rt, "noVote")

		newRes, calls := newRecorder()
		m := NewManager()
		ctx, tx, _ := m.Begin(context.Background())

		names := make([]string, n)
		for i := 0; i < n; i++ {
			names[i] = string(rune('a' + i))
			r := newRes(names[i])
			if i == noVote {
				r.prepareErr = errors.New("no")
			}
			_ = tx.Enlist(ctx, r)
		}

		err := tx.Commit(ctx)
		counts := map[string]int{}
		for _, c := range calls() {
			counts[c]++
		}

		for _, name := range names {
			commits := counts[name+".commit"]
			rollbacks := counts[name+".rollback"]
			if commits+rollbacks != 1 {
				rt.Fatalf("%s got %d commits and %d rollbacks", name, commits, rollbacks)
			}
			if noVote >= 0 && commits != 0 {
				rt.Fatalf("%s committed although %s voted no", name, names[noVote])
			}
		}
		if (noVote >= 0) != errors.Is(err, ErrPrepareFailed) {
			rt.Fatalf("noVote=%d but commit returned %v", noVote, err)
		}
	})
}
