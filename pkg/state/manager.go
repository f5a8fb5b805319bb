package state

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/jira"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/lark"
)

// coldStartMaxAge is how stale the newest processed_at may be before the
// table is treated as a cold start again.
const coldStartMaxAge = 7 * 24 * time.Hour

// Manager coordinates per-table processing logs: cold-start detection and
// bootstrap, timestamp filtering, operation classification, and result
// recording. Logs are opened lazily and cached per table id.
type Manager struct {
	dataDir string
	logger  *logrus.Entry

	mu   sync.Mutex
	logs map[string]*ProcessingLog
}

// NewManager creates a state manager rooted at dataDir.
func NewManager(dataDir string, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		dataDir: dataDir,
		logger:  logger.WithField("component", "state-manager"),
		logs:    make(map[string]*ProcessingLog),
	}
}

// Log returns the (lazily opened) processing log for a table.
func (m *Manager) Log(tableID string) (*ProcessingLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if log, ok := m.logs[tableID]; ok {
		return log, nil
	}
	log, err := OpenProcessingLog(m.dataDir, tableID)
	if err != nil {
		return nil, err
	}
	m.logs[tableID] = log
	return log, nil
}

// IsColdStart reports whether a table needs a cold-start bootstrap: the log
// is empty, its newest processed_at is older than seven days, or the log
// cannot be read at all. Errors resolve to cold start so a broken log never
// turns into silent duplicate creation.
func (m *Manager) IsColdStart(tableID string) bool {
	log, err := m.Log(tableID)
	if err != nil {
		m.logger.WithError(err).WithField("table_id", tableID).
			Warn("processing log unavailable, treating as cold start")
		return true
	}

	count, err := log.Count()
	if err != nil {
		m.logger.WithError(err).WithField("table_id", tableID).
			Warn("processing log unreadable, treating as cold start")
		return true
	}
	if count == 0 {
		return true
	}

	lastProcessed, ok, err := log.LastProcessedAt()
	if err != nil || !ok {
		return true
	}
	age := time.Since(time.UnixMilli(lastProcessed))
	return age > coldStartMaxAge
}

// PrepareColdStart scans the existing target rows, extracts their ticket
// keys, and seeds the processing log with one row per known record. Seeded
// rows carry jira_updated_time=0 and the cold-start marker result, so the
// first incremental pass refreshes every one of them while reusing its
// record id (update, never duplicate create).
//
// When clearFirst is set the log is wiped before seeding (cache rebuild).
func (m *Manager) PrepareColdStart(tableID, ticketField string, existing []*lark.Record, clearFirst bool) (int, error) {
	log, err := m.Log(tableID)
	if err != nil {
		return 0, err
	}

	if clearFirst {
		if err := log.Clear(); err != nil {
			return 0, err
		}
	}

	seeded := make([]*LogRecord, 0, len(existing))
	seen := make(map[string]bool, len(existing))
	for _, record := range existing {
		key, ok := ExtractTicketKey(record.Fields[ticketField])
		if !ok {
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		seeded = append(seeded, &LogRecord{
			IssueKey:        key,
			JIRAUpdatedTime: 0,
			Result:          ResultColdStartExisting,
			LarkRecordID:    record.RecordID,
		})
	}

	if len(seeded) > 0 {
		if err := log.BatchRecord(seeded); err != nil {
			return 0, err
		}
	}

	m.logger.WithFields(logrus.Fields{
		"table_id": tableID,
		"existing": len(existing),
		"seeded":   len(seeded),
	}).Info("cold start prepared from existing records")
	return len(seeded), nil
}

// FilterIssues drops issues already processed at their current timestamp and
// returns the survivors plus pass statistics. Fail-open: issues with missing
// or unparsable timestamps always survive.
func (m *Manager) FilterIssues(tableID string, issues []*jira.Issue) ([]*jira.Issue, *FilterStats, error) {
	log, err := m.Log(tableID)
	if err != nil {
		return nil, nil, err
	}

	filtered, err := log.FilterByTimestamp(issues)
	if err != nil {
		return nil, nil, err
	}

	stats := &FilterStats{
		Total:    len(issues),
		Filtered: len(filtered),
		Skipped:  len(issues) - len(filtered),
	}
	if stats.Total > 0 {
		stats.FilterRate = float64(stats.Skipped) / float64(stats.Total) * 100
	}
	return filtered, stats, nil
}

// DetermineOperations classifies issues into create or update based on
// whether the log already holds a target record id for the key.
func (m *Manager) DetermineOperations(tableID string, issues []*jira.Issue) ([]*SyncOperation, error) {
	log, err := m.Log(tableID)
	if err != nil {
		return nil, err
	}

	operations := make([]*SyncOperation, 0, len(issues))
	for _, issue := range issues {
		op := &SyncOperation{IssueKey: issue.Key, RawIssue: issue, OpType: OpCreate}
		if updated, ok := issue.UpdatedTime(); ok {
			op.JIRAUpdatedTime = updated
		}

		recordID, known, err := log.GetLarkRecordID(issue.Key)
		if err != nil {
			return nil, err
		}
		if known {
			op.OpType = OpUpdate
			op.LarkRecordID = recordID
		}
		operations = append(operations, op)
	}
	return operations, nil
}

// DetermineOperationsForceUpdate classifies issues against the live target
// table instead of the log: the log is wiped and reseeded from the target
// rows, and every issue found in the rebuilt index becomes an update.
// Issues without a match fall back to create with a warning.
func (m *Manager) DetermineOperationsForceUpdate(tableID, ticketField string, issues []*jira.Issue, existing []*lark.Record) ([]*SyncOperation, error) {
	if _, err := m.PrepareColdStart(tableID, ticketField, existing, true); err != nil {
		return nil, err
	}

	index := make(map[string]string, len(existing))
	for _, record := range existing {
		if key, ok := ExtractTicketKey(record.Fields[ticketField]); ok {
			index[key] = record.RecordID
		}
	}

	operations := make([]*SyncOperation, 0, len(issues))
	for _, issue := range issues {
		op := &SyncOperation{IssueKey: issue.Key, RawIssue: issue, OpType: OpCreate}
		if updated, ok := issue.UpdatedTime(); ok {
			op.JIRAUpdatedTime = updated
		}

		if recordID, ok := index[issue.Key]; ok {
			op.OpType = OpUpdate
			op.LarkRecordID = recordID
		} else {
			m.logger.WithFields(logrus.Fields{
				"table_id":  tableID,
				"issue_key": issue.Key,
			}).Warn("full update found no existing record, will create")
		}
		operations = append(operations, op)
	}
	return operations, nil
}

// RecordResults persists the successful results in one transaction. Failed
// results are never written; their issues stay eligible for the next pass.
func (m *Manager) RecordResults(tableID string, results []*SyncResult) error {
	log, err := m.Log(tableID)
	if err != nil {
		return err
	}

	records := make([]*LogRecord, 0, len(results))
	for _, result := range results {
		if !result.Success {
			continue
		}
		records = append(records, &LogRecord{
			IssueKey:        result.IssueKey,
			JIRAUpdatedTime: result.JIRAUpdatedTime,
			Result:          ResultSuccess,
			LarkRecordID:    result.LarkRecordID,
		})
	}
	if len(records) == 0 {
		return nil
	}
	return log.BatchRecord(records)
}

// Summarize reports the current state of a table's processing log.
func (m *Manager) Summarize(tableID string) (*Summary, error) {
	log, err := m.Log(tableID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{TableID: tableID}
	total, err := log.Count()
	if err != nil {
		return nil, err
	}
	summary.TotalRecords = total

	row := log.db.QueryRow(
		`SELECT
			COALESCE(SUM(CASE WHEN processing_result = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processing_result = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processing_result LIKE 'error:%' THEN 1 ELSE 0 END), 0)
		 FROM processing_log`, ResultSuccess, ResultColdStartExisting)
	if err := row.Scan(&summary.SuccessRecords, &summary.ColdStartRows, &summary.ErrorRecords); err != nil {
		return nil, &StorageError{Op: "summarize", TableID: tableID, Err: err}
	}

	if lastProcessed, ok, err := log.LastProcessedAt(); err == nil && ok {
		summary.LastProcessedAt = lastProcessed
	}
	summary.IsColdStart = m.IsColdStart(tableID)
	return summary, nil
}

// CleanupOldRecords removes rows older than the retention window from every
// processing log file under the data directory and returns removed counts
// per table.
func (m *Manager) CleanupOldRecords(retentionDays int) (map[string]int, error) {
	tableIDs, err := m.discoverTables()
	if err != nil {
		return nil, err
	}

	removed := make(map[string]int, len(tableIDs))
	for _, tableID := range tableIDs {
		log, err := m.Log(tableID)
		if err != nil {
			m.logger.WithError(err).WithField("table_id", tableID).Warn("cleanup skipped table")
			continue
		}
		count, err := log.CleanupOlderThan(retentionDays)
		if err != nil {
			m.logger.WithError(err).WithField("table_id", tableID).Warn("cleanup failed for table")
			continue
		}
		removed[tableID] = count
	}
	return removed, nil
}

// VacuumAll compacts every known processing log file.
func (m *Manager) VacuumAll() error {
	tableIDs, err := m.discoverTables()
	if err != nil {
		return err
	}

	for _, tableID := range tableIDs {
		log, err := m.Log(tableID)
		if err != nil {
			continue
		}
		if err := log.Vacuum(); err != nil {
			m.logger.WithError(err).WithField("table_id", tableID).Warn("vacuum failed for table")
		}
	}
	return nil
}

var logFileRe = regexp.MustCompile(`^processing_log_(.+)\.db$`)

// discoverTables lists the table ids with a log file on disk.
func (m *Manager) discoverTables() ([]string, error) {
	entries, err := os.ReadDir(m.dataDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan data directory: %w", err)
	}

	var tableIDs []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if match := logFileRe.FindStringSubmatch(filepath.Base(entry.Name())); match != nil {
			tableIDs = append(tableIDs, match[1])
		}
	}
	return tableIDs, nil
}

// Close releases every open processing log.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for tableID, log := range m.logs {
		if err := log.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.logs, tableID)
	}
	return firstErr
}

// ExtractTicketKey pulls an issue key out of a ticket-field cell. Cells may
// be plain strings, link objects ({text, url/link}), or lists containing
// either. The first non-empty key wins.
func ExtractTicketKey(value interface{}) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case string:
		return normalizeTicketKey(v)
	case map[string]interface{}:
		if text, ok := v["text"].(string); ok {
			if key, found := normalizeTicketKey(text); found {
				return key, true
			}
		}
		for _, field := range []string{"url", "link"} {
			if raw, ok := v[field].(string); ok {
				if key, found := keyFromURL(raw); found {
					return key, true
				}
			}
		}
		return "", false
	case []interface{}:
		for _, item := range v {
			if key, found := ExtractTicketKey(item); found {
				return key, true
			}
		}
		return "", false
	default:
		return "", false
	}
}

var issueKeyRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*-\d+$`)

func normalizeTicketKey(raw string) (string, bool) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	if key == "" || !issueKeyRe.MatchString(key) {
		return "", false
	}
	return key, true
}

// keyFromURL extracts the issue key from a browse URL's last path segment.
func keyFromURL(raw string) (string, bool) {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return "", false
	}
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	return normalizeTicketKey(trimmed)
}
