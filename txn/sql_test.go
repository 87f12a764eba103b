package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestEnlistSQL_CommitsWithAmbientTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE cultural_objects SET title").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m := NewManager()
	err = m.Run(context.Background(), func(ctx context.Context) error {
		sqlTx, err := EnlistSQL(ctx, db)
		if err != nil {
			return err
		}
		_, err = sqlTx.ExecContext(ctx, "UPDATE cultural_objects SET title = ? WHERE id = ?", "Mask", "o-1")
		return err
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestEnlistSQL_RollsBackWithAmbientTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("validation failed")
	m := NewManager()
	err = m.Run(context.Background(), func(ctx context.Context) error {
		if _, err := EnlistSQL(ctx, db); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestEnlistSQL_RequiresAmbientTransaction(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	if _, err := EnlistSQL(context.Background(), db); !errors.Is(err, ErrNoTransaction) {
		t.Errorf("expected ErrNoTransaction, got %v", err)
	}
}

func TestSQLResource_BeginFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))

	r := NewSQLResource(db, nil)
	if err := r.Start(context.Background(), "tx-1"); err == nil {
		t.Fatal("expected start to fail")
	}
	if err := r.Commit(context.Background()); !errors.Is(err, ErrNotActive) {
		t.Errorf("expected ErrNotActive on commit without start, got %v", err)
	}
	if err := r.Rollback(context.Background()); err != nil {
		t.Errorf("rollback without start should be a no-op, got %v", err)
	}
}
