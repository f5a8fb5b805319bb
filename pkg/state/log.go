package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/jira"
)

// ProcessingLog is the per-table authoritative local store mapping issue key
// to the last-seen source timestamp, outcome, and target record id.
//
// One SQLite file per table keeps lock scope narrow and enables file-level
// admin (backup, delete) per table. All operations are serialized by a
// process-local lock; result recording happens inside one transaction.
type ProcessingLog struct {
	mu      sync.Mutex
	db      *sql.DB
	tableID string
	path    string
}

var logMigrations = []string{
	`CREATE TABLE IF NOT EXISTS processing_log (
		issue_key TEXT PRIMARY KEY,
		jira_updated_time INTEGER,
		processed_at INTEGER,
		processing_result TEXT,
		lark_record_id TEXT,
		created_at INTEGER DEFAULT (strftime('%s', 'now') * 1000)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_processing_log_jira_updated_time
		ON processing_log (jira_updated_time)`,
	`CREATE INDEX IF NOT EXISTS idx_processing_log_processed_at
		ON processing_log (processed_at)`,
}

// LogPath returns the store file for a table inside the data directory.
func LogPath(dataDir, tableID string) string {
	return filepath.Join(dataDir, fmt.Sprintf("processing_log_%s.db", tableID))
}

// OpenProcessingLog opens (creating if needed) the processing log for a table.
func OpenProcessingLog(dataDir, tableID string) (*ProcessingLog, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, &StorageError{Op: "open", TableID: tableID, Err: err}
	}

	path := LogPath(dataDir, tableID)
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=30000")
	if err != nil {
		return nil, &StorageError{Op: "open", TableID: tableID, Err: err}
	}

	log := &ProcessingLog{db: db, tableID: tableID, path: path}
	for _, stmt := range logMigrations {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, &StorageError{Op: "migrate", TableID: tableID, Err: err}
		}
	}
	return log, nil
}

// Path returns the backing file path.
func (l *ProcessingLog) Path() string { return l.path }

// GetRecord returns the row for an issue key, or nil when absent.
func (l *ProcessingLog) GetRecord(issueKey string) (*LogRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getRecordLocked(issueKey)
}

func (l *ProcessingLog) getRecordLocked(issueKey string) (*LogRecord, error) {
	row := l.db.QueryRow(
		`SELECT issue_key, COALESCE(jira_updated_time, 0), COALESCE(processed_at, 0),
			COALESCE(processing_result, ''), COALESCE(lark_record_id, ''), COALESCE(created_at, 0)
		 FROM processing_log WHERE issue_key = ?`, issueKey)

	record := &LogRecord{}
	err := row.Scan(&record.IssueKey, &record.JIRAUpdatedTime, &record.ProcessedAt,
		&record.Result, &record.LarkRecordID, &record.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "get", TableID: l.tableID, Err: err}
	}
	return record, nil
}

// GetLastProcessedTime returns the stored source timestamp for an issue key.
// ok is false when the key is unknown.
func (l *ProcessingLog) GetLastProcessedTime(issueKey string) (int64, bool, error) {
	record, err := l.GetRecord(issueKey)
	if err != nil || record == nil {
		return 0, false, err
	}
	return record.JIRAUpdatedTime, true, nil
}

// GetLarkRecordID returns the stored target record id for an issue key.
// ok is false when the key is unknown or the stored id is empty.
func (l *ProcessingLog) GetLarkRecordID(issueKey string) (string, bool, error) {
	record, err := l.GetRecord(issueKey)
	if err != nil || record == nil {
		return "", false, err
	}
	return record.LarkRecordID, record.LarkRecordID != "", nil
}

// Record upserts one row with processed_at set to now.
func (l *ProcessingLog) Record(issueKey string, jiraUpdated int64, result, larkRecordID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(
		`REPLACE INTO processing_log
			(issue_key, jira_updated_time, processed_at, processing_result, lark_record_id)
		 VALUES (?, ?, ?, ?, ?)`,
		issueKey, jiraUpdated, time.Now().UnixMilli(), result, larkRecordID)
	if err != nil {
		return &StorageError{Op: "record", TableID: l.tableID, Err: err}
	}
	return nil
}

// BatchRecord upserts rows inside one transaction; all-or-nothing.
func (l *ProcessingLog) BatchRecord(records []*LogRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return &StorageError{Op: "batch_record", TableID: l.tableID, Err: err}
	}
	if err := l.batchRecordTx(tx, records); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "batch_record", TableID: l.tableID, Err: err}
	}
	return nil
}

func (l *ProcessingLog) batchRecordTx(tx *sql.Tx, records []*LogRecord) error {
	stmt, err := tx.Prepare(
		`REPLACE INTO processing_log
			(issue_key, jira_updated_time, processed_at, processing_result, lark_record_id)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return &StorageError{Op: "batch_record", TableID: l.tableID, Err: err}
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UnixMilli()
	for _, record := range records {
		processedAt := record.ProcessedAt
		if processedAt == 0 {
			processedAt = now
		}
		if _, err := stmt.Exec(record.IssueKey, record.JIRAUpdatedTime, processedAt,
			record.Result, record.LarkRecordID); err != nil {
			return &StorageError{Op: "batch_record", TableID: l.tableID, Err: err}
		}
	}
	return nil
}

// Count returns the number of rows in the log.
func (l *ProcessingLog) Count() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var count int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM processing_log`).Scan(&count); err != nil {
		return 0, &StorageError{Op: "count", TableID: l.tableID, Err: err}
	}
	return count, nil
}

// MaxJIRAUpdatedTime returns the newest stored source timestamp.
// ok is false when the log is empty.
func (l *ProcessingLog) MaxJIRAUpdatedTime() (int64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var max sql.NullInt64
	if err := l.db.QueryRow(`SELECT MAX(jira_updated_time) FROM processing_log`).Scan(&max); err != nil {
		return 0, false, &StorageError{Op: "max_updated", TableID: l.tableID, Err: err}
	}
	return max.Int64, max.Valid, nil
}

// LastProcessedAt returns the newest local processing timestamp.
// ok is false when the log is empty.
func (l *ProcessingLog) LastProcessedAt() (int64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var max sql.NullInt64
	if err := l.db.QueryRow(`SELECT MAX(processed_at) FROM processing_log`).Scan(&max); err != nil {
		return 0, false, &StorageError{Op: "last_processed", TableID: l.tableID, Err: err}
	}
	return max.Int64, max.Valid, nil
}

// FilterByTimestamp keeps an issue iff its `updated` timestamp is newer than
// the stored one, the timestamp is missing or unparsable, or the key is
// unknown. Unparsable and missing timestamps always pass (fail-open keeps
// data integrity ahead of efficiency).
func (l *ProcessingLog) FilterByTimestamp(issues []*jira.Issue) ([]*jira.Issue, error) {
	var filtered []*jira.Issue
	for _, issue := range issues {
		updated, parsed := issue.UpdatedTime()
		if !parsed {
			filtered = append(filtered, issue)
			continue
		}

		stored, known, err := l.GetLastProcessedTime(issue.Key)
		if err != nil {
			// Storage trouble must not drop issues silently.
			filtered = append(filtered, issue)
			continue
		}
		if !known || updated > stored {
			filtered = append(filtered, issue)
		}
	}
	return filtered, nil
}

// Clear removes every row (full-update and cache-rebuild paths).
func (l *ProcessingLog) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.Exec(`DELETE FROM processing_log`); err != nil {
		return &StorageError{Op: "clear", TableID: l.tableID, Err: err}
	}
	return nil
}

// CleanupOlderThan removes rows whose processed_at is older than the cutoff
// and returns the number of rows removed.
func (l *ProcessingLog) CleanupOlderThan(days int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()
	result, err := l.db.Exec(`DELETE FROM processing_log WHERE processed_at < ?`, cutoff)
	if err != nil {
		return 0, &StorageError{Op: "cleanup", TableID: l.tableID, Err: err}
	}
	removed, _ := result.RowsAffected()
	return int(removed), nil
}

// Vacuum reclaims space after bulk deletes.
func (l *ProcessingLog) Vacuum() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.Exec(`VACUUM`); err != nil {
		return &StorageError{Op: "vacuum", TableID: l.tableID, Err: err}
	}
	return nil
}

// Close releases the underlying database handle.
func (l *ProcessingLog) Close() error {
	return l.db.Close()
}
