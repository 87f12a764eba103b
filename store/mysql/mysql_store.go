// Package mysql provides a MySQL implementation of the catlock.LockStore interface.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"catlock"
)

// Schema creates the lock tables. The primary key of catalog_lock_entries is
// the uniqueness constraint over active (target_type, target_id) pairs:
// releasing a lock deletes its entries through the cascade.
const Schema = `
CREATE TABLE IF NOT EXISTS catalog_locks (
	id            VARCHAR(64)  NOT NULL,
	started_at    DATETIME(6)  NOT NULL,
	editor_id     VARCHAR(128) NULL,
	editor_name   VARCHAR(255) NULL,
	ambient_tx_id VARCHAR(128) NULL,
	reason        VARCHAR(1024) NOT NULL DEFAULT '',
	kind          VARCHAR(32)  NOT NULL,
	PRIMARY KEY (id),
	KEY idx_catalog_locks_editor (editor_id),
	KEY idx_catalog_locks_tx (ambient_tx_id)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS catalog_lock_entries (
	lock_id     VARCHAR(64)  NOT NULL,
	target_type VARCHAR(32)  NOT NULL,
	target_id   VARCHAR(255) NOT NULL,
	PRIMARY KEY (target_type, target_id),
	KEY idx_catalog_lock_entries_lock (lock_id),
	CONSTRAINT fk_catalog_lock_entries_lock FOREIGN KEY (lock_id)
		REFERENCES catalog_locks (id) ON DELETE CASCADE
) ENGINE=InnoDB;
`

// insertBatch bounds the number of entry rows per INSERT statement.
const insertBatch = 100

const lockColumns = `l.id, l.started_at, l.editor_id, l.editor_name, l.ambient_tx_id, l.reason, l.kind`

// MySQLStore implements the catlock.LockStore interface using MySQL.
// The DSN must enable parseTime.
type MySQLStore struct {
	db *sql.DB
}

// New creates a new MySQLStore with the given database connection.
func New(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Migrate creates the lock tables if they do not exist.
func (s *MySQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(Schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: migrate: %v", catlock.ErrLockStore, err)
		}
	}
	return nil
}

// ============================================================================
// Write Operations
// ============================================================================

// Insert persists the lock and its entries in one local transaction. A
// duplicate entry key means another lock already holds one of the targets.
func (s *MySQLStore) Insert(ctx context.Context, l *catlock.Lock) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin insert: %v", catlock.ErrLockStore, err)
	}

	if err := insertLock(ctx, tx, l); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx rollback failed: %v (original err: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if isInsertContention(err) {
			return catlock.ErrDuplicateEntry
		}
		return fmt.Errorf("%w: commit insert: %v", catlock.ErrLockStore, err)
	}
	return nil
}

func insertLock(ctx context.Context, tx *sql.Tx, l *catlock.Lock) error {
	query := `
		INSERT INTO catalog_locks (
			id, started_at, editor_id, editor_name, ambient_tx_id, reason, kind
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	var editorID, editorName sql.NullString
	if l.Editor != nil {
		editorID = sql.NullString{String: l.Editor.ID, Valid: true}
		editorName = sql.NullString{String: l.Editor.Name, Valid: true}
	}
	txID := sql.NullString{String: l.AmbientTxID, Valid: l.AmbientTxID != ""}

	_, err := tx.ExecContext(ctx, query,
		l.ID, l.StartedAt, editorID, editorName, txID, l.Reason, string(l.Kind),
	)
	if err != nil {
		if isInsertContention(err) {
			return catlock.ErrDuplicateEntry
		}
		return fmt.Errorf("%w: insert lock: %v", catlock.ErrLockStore, err)
	}

	for start := 0; start < len(l.Entries); start += insertBatch {
		batch := l.Entries[start:min(start+insertBatch, len(l.Entries))]

		placeholders := make([]string, len(batch))
		args := make([]any, 0, len(batch)*3)
		for i, e := range batch {
			placeholders[i] = "(?, ?, ?)"
			args = append(args, l.ID, string(e.TargetType), e.TargetID)
		}
		query := "INSERT INTO catalog_lock_entries (lock_id, target_type, target_id) VALUES " +
			strings.Join(placeholders, ", ")

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if isInsertContention(err) {
				return catlock.ErrDuplicateEntry
			}
			return fmt.Errorf("%w: insert lock entries: %v", catlock.ErrLockStore, err)
		}
	}
	return nil
}

// Delete removes the lock; its entries follow through the foreign key cascade.
func (s *MySQLStore) Delete(ctx context.Context, lockID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM catalog_locks WHERE id = ?", lockID)
	if err != nil {
		return fmt.Errorf("%w: delete lock: %v", catlock.ErrLockStore, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return catlock.ErrLockNotFound
	}
	return nil
}

// ============================================================================
// Queries
// ============================================================================

// Get retrieves a lock by its ID.
func (s *MySQLStore) Get(ctx context.Context, lockID string) (*catlock.Lock, error) {
	query := `SELECT ` + lockColumns + ` FROM catalog_locks l WHERE l.id = ?`

	locks, err := s.queryLocks(ctx, query, lockID)
	if err != nil {
		return nil, err
	}
	if len(locks) == 0 {
		return nil, catlock.ErrLockNotFound
	}
	return locks[0], nil
}

// FindByEditor returns the manual locks of an editor.
func (s *MySQLStore) FindByEditor(ctx context.Context, editorID string) ([]*catlock.Lock, error) {
	query := `
		SELECT ` + lockColumns + `
		FROM catalog_locks l
		WHERE l.editor_id = ? AND l.ambient_tx_id IS NULL
		ORDER BY l.started_at ASC, l.id ASC
	`
	return s.queryLocks(ctx, query, editorID)
}

// FindByAmbientTx returns the locks owned by a transaction.
func (s *MySQLStore) FindByAmbientTx(ctx context.Context, txID string) ([]*catlock.Lock, error) {
	query := `
		SELECT ` + lockColumns + `
		FROM catalog_locks l
		WHERE l.ambient_tx_id = ?
		ORDER BY l.started_at ASC, l.id ASC
	`
	return s.queryLocks(ctx, query, txID)
}

// FindCovering returns the locks holding any of the entries, minus the
// locks the exclusion marks as the caller's own.
func (s *MySQLStore) FindCovering(ctx context.Context, entries []catlock.Entry, excl catlock.Exclusion) ([]*catlock.Lock, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(entries))
	args := make([]any, 0, len(entries)*2+1)
	for i, e := range entries {
		placeholders[i] = "(?, ?)"
		args = append(args, string(e.TargetType), e.TargetID)
	}

	conditions := []string{
		fmt.Sprintf("(e.target_type, e.target_id) IN (%s)", strings.Join(placeholders, ", ")),
	}
	if excl.Key != "" {
		switch excl.Policy {
		case catlock.ExcludeSameTx:
			conditions = append(conditions, "(l.ambient_tx_id IS NULL OR l.ambient_tx_id <> ?)")
			args = append(args, excl.Key)
		case catlock.ExcludeSameEditor:
			conditions = append(conditions, "(l.ambient_tx_id IS NOT NULL OR l.editor_id <> ?)")
			args = append(args, excl.Key)
		}
	}

	query := fmt.Sprintf(`
		SELECT DISTINCT %s
		FROM catalog_locks l
		JOIN catalog_lock_entries e ON e.lock_id = l.id
		WHERE %s
		ORDER BY l.started_at ASC, l.id ASC
	`, lockColumns, strings.Join(conditions, " AND "))

	return s.queryLocks(ctx, query, args...)
}

// queryLocks runs a lock query and attaches the entries of every result.
func (s *MySQLStore) queryLocks(ctx context.Context, query string, args ...any) ([]*catlock.Lock, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query locks: %v", catlock.ErrLockStore, err)
	}
	defer rows.Close()

	var locks []*catlock.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate locks: %v", catlock.ErrLockStore, err)
	}

	if err := s.loadEntries(ctx, locks); err != nil {
		return nil, err
	}
	return locks, nil
}

func scanLock(rows *sql.Rows) (*catlock.Lock, error) {
	var (
		l                          catlock.Lock
		editorID, editorName, txID sql.NullString
		kind                       string
	)
	if err := rows.Scan(&l.ID, &l.StartedAt, &editorID, &editorName, &txID, &l.Reason, &kind); err != nil {
		return nil, fmt.Errorf("%w: scan lock: %v", catlock.ErrLockStore, err)
	}

	k, err := catlock.ParseKind(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: lock %s: %v", catlock.ErrLockStore, l.ID, err)
	}
	l.Kind = k
	if editorID.Valid {
		l.Editor = &catlock.Editor{ID: editorID.String, Name: editorName.String}
	}
	l.AmbientTxID = txID.String
	return &l, nil
}

// loadEntries fills Entries for the given locks with one query per batch of locks.
func (s *MySQLStore) loadEntries(ctx context.Context, locks []*catlock.Lock) error {
	if len(locks) == 0 {
		return nil
	}
	byID := make(map[string]*catlock.Lock, len(locks))
	for _, l := range locks {
		byID[l.ID] = l
	}

	for start := 0; start < len(locks); start += insertBatch {
		batch := locks[start:min(start+insertBatch, len(locks))]

		placeholders := make([]string, len(batch))
		args := make([]any, len(batch))
		for i, l := range batch {
			placeholders[i] = "?"
			args[i] = l.ID
		}
		query := fmt.Sprintf(`
			SELECT lock_id, target_type, target_id
			FROM catalog_lock_entries
			WHERE lock_id IN (%s)
			ORDER BY lock_id ASC, target_type ASC, target_id ASC
		`, strings.Join(placeholders, ", "))

		if err := s.scanEntries(ctx, byID, query, args); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLStore) scanEntries(ctx context.Context, byID map[string]*catlock.Lock, query string, args []any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: query lock entries: %v", catlock.ErrLockStore, err)
	}
	defer rows.Close()

	for rows.Next() {
		var lockID, targetType, targetID string
		if err := rows.Scan(&lockID, &targetType, &targetID); err != nil {
			return fmt.Errorf("%w: scan lock entry: %v", catlock.ErrLockStore, err)
		}
		tt, err := catlock.ParseTargetType(targetType)
		if err != nil {
			return fmt.Errorf("%w: lock %s: %v", catlock.ErrLockStore, lockID, err)
		}
		if l, ok := byID[lockID]; ok {
			l.Entries = append(l.Entries, catlock.NewEntry(tt, targetID))
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: iterate lock entries: %v", catlock.ErrLockStore, err)
	}
	return nil
}

// ============================================================================
// Helper Functions
// ============================================================================

const (
	// mysqlDuplicateEntry is the MySQL server error for a unique key violation.
	mysqlDuplicateEntry = 1062
	// InnoDB reports these to some of the inserts racing on one unique key
	// when its holder rolls back.
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// isInsertContention reports whether an insert lost against another
// transaction claiming the same entry. The caller re-checks conflicts.
func isInsertContention(err error) bool {
	if isDuplicateKeyError(err) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDeadlock || myErr.Number == mysqlLockWaitTimeout
	}
	return false
}

// isDuplicateKeyError checks if the error is a MySQL duplicate key error.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	return strings.Contains(err.Error(), "Duplicate entry")
}

// Ensure MySQLStore implements catlock.LockStore interface.
var _ catlock.LockStore = (*MySQLStore)(nil)
