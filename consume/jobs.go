package consume

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// JobRecorder records the outcome of import jobs driven by events.
type JobRecorder interface {
	MarkFailed(ctx context.Context, jobID, message string) error
}

// ImportJobSchema creates the table SQLJobRecorder writes to.
const ImportJobSchema = `CREATE TABLE IF NOT EXISTS import_jobs (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	status VARCHAR(32) NOT NULL,
	error_message TEXT NULL,
	updated_at DATETIME(6) NOT NULL
)`

// maxErrorMessage bounds the stored failure message.
const maxErrorMessage = 4000

// SQLJobRecorder marks import jobs FAILED in the import_jobs table.
type SQLJobRecorder struct {
	db  *sql.DB
	now func() time.Time
}

var _ JobRecorder = (*SQLJobRecorder)(nil)

// NewSQLJobRecorder creates a recorder on db.
func NewSQLJobRecorder(db *sql.DB) *SQLJobRecorder {
	return &SQLJobRecorder{db: db, now: time.Now}
}

// MarkFailed sets the job status to FAILED with message. A job already
// FAILED keeps its first message.
func (r *SQLJobRecorder) MarkFailed(ctx context.Context, jobID, message string) error {
	if len(message) > maxErrorMessage {
		message = message[:maxErrorMessage]
	}
	query := `UPDATE import_jobs SET status = 'FAILED', error_message = ?, updated_at = ?
		WHERE id = ? AND status <> 'FAILED'`
	if _, err := r.db.ExecContext(ctx, query, message, r.now().UTC(), jobID); err != nil {
		return fmt.Errorf("mark import job %s failed: %w", jobID, err)
	}
	return nil
}
