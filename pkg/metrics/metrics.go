package metrics

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// MetricsDBName is the metrics store file inside the data directory.
const MetricsDBName = "sync_metrics.db"

// SessionRecord is one coordinator run.
type SessionRecord struct {
	SessionID       string `json:"session_id"`
	StartedAt       int64  `json:"started_at"`
	FinishedAt      int64  `json:"finished_at"`
	DurationMs      int64  `json:"duration_ms"`
	Trigger         string `json:"trigger"`
	TablesTotal     int    `json:"tables_total"`
	TablesSucceeded int    `json:"tables_succeeded"`
	TablesFailed    int    `json:"tables_failed"`
	TotalCreated    int    `json:"total_created"`
	TotalUpdated    int    `json:"total_updated"`
	TotalFailed     int    `json:"total_failed"`
}

// TableRecord is one table sync within a session.
type TableRecord struct {
	SessionID   string `json:"session_id"`
	Team        string `json:"team"`
	TableKey    string `json:"table_key"`
	TableID     string `json:"table_id"`
	StartedAt   int64  `json:"started_at"`
	DurationMs  int64  `json:"duration_ms"`
	Success     bool   `json:"success"`
	IsColdStart bool   `json:"is_cold_start"`
	Fetched     int    `json:"fetched"`
	Filtered    int    `json:"filtered"`
	Skipped     int    `json:"skipped"`
	Created     int    `json:"created"`
	Updated     int    `json:"updated"`
	Failed      int    `json:"failed"`
	Error       string `json:"error,omitempty"`
}

// Summary aggregates sessions over a window.
type Summary struct {
	Days            int     `json:"days"`
	Sessions        int     `json:"sessions"`
	TableSyncs      int     `json:"table_syncs"`
	SuccessfulSyncs int     `json:"successful_syncs"`
	FailedSyncs     int     `json:"failed_syncs"`
	TotalCreated    int     `json:"total_created"`
	TotalUpdated    int     `json:"total_updated"`
	SuccessRate     float64 `json:"success_rate"`
	AvgDurationMs   float64 `json:"avg_duration_ms"`
}

// TableReport aggregates one table's syncs over a window.
type TableReport struct {
	TableID       string  `json:"table_id"`
	Days          int     `json:"days"`
	Syncs         int     `json:"syncs"`
	Successes     int     `json:"successes"`
	Failures      int     `json:"failures"`
	Created       int     `json:"created"`
	Updated       int     `json:"updated"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	LastSyncAt    int64   `json:"last_sync_at"`
	LastError     string  `json:"last_error,omitempty"`
}

var metricsMigrations = []string{
	`CREATE TABLE IF NOT EXISTS sync_session_metrics (
		session_id TEXT PRIMARY KEY,
		started_at INTEGER,
		finished_at INTEGER,
		duration_ms INTEGER,
		trigger TEXT,
		tables_total INTEGER DEFAULT 0,
		tables_succeeded INTEGER DEFAULT 0,
		tables_failed INTEGER DEFAULT 0,
		total_created INTEGER DEFAULT 0,
		total_updated INTEGER DEFAULT 0,
		total_failed INTEGER DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS table_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT,
		team TEXT,
		table_key TEXT,
		table_id TEXT,
		started_at INTEGER,
		duration_ms INTEGER,
		success INTEGER,
		is_cold_start INTEGER,
		fetched INTEGER DEFAULT 0,
		filtered INTEGER DEFAULT 0,
		skipped INTEGER DEFAULT 0,
		created INTEGER DEFAULT 0,
		updated INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_table_metrics_table_id
		ON table_metrics (table_id, started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_table_metrics_session
		ON table_metrics (session_id)`,
}

// Collector persists per-session and per-table sync metrics in an embedded
// store and mirrors the hot counters to a Prometheus registry. All writes
// are non-critical: failures are logged, never propagated to the caller.
type Collector struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *logrus.Entry

	registry *prometheus.Registry

	syncsTotal    *prometheus.CounterVec
	rowsTotal     *prometheus.CounterVec
	syncDuration  prometheus.Histogram
	pendingUsers  prometheus.Gauge
	sessionsTotal prometheus.Counter
}

// NewCollector opens (creating if needed) the metrics store under dataDir.
func NewCollector(dataDir string, logger *logrus.Logger) (*Collector, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metrics directory: %w", err)
	}

	path := filepath.Join(dataDir, MetricsDBName)
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics store: %w", err)
	}
	for _, stmt := range metricsMigrations {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("metrics migration failed: %w", err)
		}
	}

	c := &Collector{
		db:       db,
		logger:   logger.WithField("component", "metrics"),
		registry: prometheus.NewRegistry(),
	}
	c.syncsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jira_lark_sync_table_syncs_total",
		Help: "Table sync passes by result.",
	}, []string{"table_id", "result"})
	c.rowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jira_lark_sync_rows_total",
		Help: "Rows written to the target by operation type.",
	}, []string{"table_id", "op"})
	c.syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "jira_lark_sync_duration_seconds",
		Help:    "Duration of one table sync pass.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	c.pendingUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jira_lark_sync_pending_users",
		Help: "Usernames awaiting directory resolution.",
	})
	c.sessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jira_lark_sync_sessions_total",
		Help: "Coordinator sessions started.",
	})
	c.registry.MustRegister(c.syncsTotal, c.rowsTotal, c.syncDuration, c.pendingUsers, c.sessionsTotal)

	return c, nil
}

// Registry exposes the Prometheus registry for the daemon's /metrics server.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// StartSession opens a session row and returns its id.
func (c *Collector) StartSession(trigger string) string {
	sessionID := uuid.NewString()
	c.sessionsTotal.Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.Exec(
		`INSERT INTO sync_session_metrics (session_id, started_at, trigger) VALUES (?, ?, ?)`,
		sessionID, time.Now().UnixMilli(), trigger)
	if err != nil {
		c.logger.WithError(err).Warn("failed to record session start")
	}
	return sessionID
}

// FinishSession closes a session row with its aggregate totals.
func (c *Collector) FinishSession(record *SessionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.Exec(
		`UPDATE sync_session_metrics SET
			finished_at = ?, duration_ms = ?, tables_total = ?, tables_succeeded = ?,
			tables_failed = ?, total_created = ?, total_updated = ?, total_failed = ?
		 WHERE session_id = ?`,
		time.Now().UnixMilli(), record.DurationMs, record.TablesTotal, record.TablesSucceeded,
		record.TablesFailed, record.TotalCreated, record.TotalUpdated, record.TotalFailed,
		record.SessionID)
	if err != nil {
		c.logger.WithError(err).Warn("failed to record session finish")
	}
}

// RecordTableSync writes one table sync row and bumps the live counters.
func (c *Collector) RecordTableSync(record *TableRecord) {
	result := "success"
	if !record.Success {
		result = "failure"
	}
	c.syncsTotal.WithLabelValues(record.TableID, result).Inc()
	c.rowsTotal.WithLabelValues(record.TableID, "create").Add(float64(record.Created))
	c.rowsTotal.WithLabelValues(record.TableID, "update").Add(float64(record.Updated))
	c.syncDuration.Observe(float64(record.DurationMs) / 1000)

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.Exec(
		`INSERT INTO table_metrics
			(session_id, team, table_key, table_id, started_at, duration_ms, success,
			 is_cold_start, fetched, filtered, skipped, created, updated, failed, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.SessionID, record.Team, record.TableKey, record.TableID, record.StartedAt,
		record.DurationMs, boolToInt(record.Success), boolToInt(record.IsColdStart),
		record.Fetched, record.Filtered, record.Skipped, record.Created, record.Updated,
		record.Failed, record.Error)
	if err != nil {
		c.logger.WithError(err).WithField("table_id", record.TableID).
			Warn("failed to record table sync metrics")
	}
}

// SetPendingUsers updates the pending-user gauge.
func (c *Collector) SetPendingUsers(count int) {
	c.pendingUsers.Set(float64(count))
}

// Summarize aggregates the last N days of activity.
func (c *Collector) Summarize(days int) (*Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()
	summary := &Summary{Days: days}

	row := c.db.QueryRow(
		`SELECT COUNT(*) FROM sync_session_metrics WHERE started_at >= ?`, cutoff)
	if err := row.Scan(&summary.Sessions); err != nil {
		return nil, fmt.Errorf("failed to read session metrics: %w", err)
	}

	row = c.db.QueryRow(
		`SELECT COUNT(*),
			COALESCE(SUM(success), 0),
			COALESCE(SUM(1 - success), 0),
			COALESCE(SUM(created), 0),
			COALESCE(SUM(updated), 0),
			COALESCE(AVG(duration_ms), 0)
		 FROM table_metrics WHERE started_at >= ?`, cutoff)
	if err := row.Scan(&summary.TableSyncs, &summary.SuccessfulSyncs, &summary.FailedSyncs,
		&summary.TotalCreated, &summary.TotalUpdated, &summary.AvgDurationMs); err != nil {
		return nil, fmt.Errorf("failed to read table metrics: %w", err)
	}

	if summary.TableSyncs > 0 {
		summary.SuccessRate = float64(summary.SuccessfulSyncs) / float64(summary.TableSyncs) * 100
	}
	return summary, nil
}

// ReportTable aggregates one table's syncs over the last N days.
func (c *Collector) ReportTable(tableID string, days int) (*TableReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()
	report := &TableReport{TableID: tableID, Days: days}

	row := c.db.QueryRow(
		`SELECT COUNT(*),
			COALESCE(SUM(success), 0),
			COALESCE(SUM(1 - success), 0),
			COALESCE(SUM(created), 0),
			COALESCE(SUM(updated), 0),
			COALESCE(AVG(duration_ms), 0),
			COALESCE(MAX(started_at), 0)
		 FROM table_metrics WHERE table_id = ? AND started_at >= ?`, tableID, cutoff)
	if err := row.Scan(&report.Syncs, &report.Successes, &report.Failures,
		&report.Created, &report.Updated, &report.AvgDurationMs, &report.LastSyncAt); err != nil {
		return nil, fmt.Errorf("failed to read table report: %w", err)
	}

	row = c.db.QueryRow(
		`SELECT COALESCE(error, '') FROM table_metrics
		 WHERE table_id = ? AND success = 0 ORDER BY started_at DESC LIMIT 1`, tableID)
	if err := row.Scan(&report.LastError); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read last error: %w", err)
	}
	return report, nil
}

// ExportJSON serializes the raw table metrics of the last N days.
func (c *Collector) ExportJSON(days int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()
	rows, err := c.db.Query(
		`SELECT session_id, team, table_key, table_id, started_at, duration_ms,
			success, is_cold_start, fetched, filtered, skipped, created, updated,
			failed, COALESCE(error, '')
		 FROM table_metrics WHERE started_at >= ? ORDER BY started_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to export metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*TableRecord
	for rows.Next() {
		record := &TableRecord{}
		var success, coldStart int
		if err := rows.Scan(&record.SessionID, &record.Team, &record.TableKey, &record.TableID,
			&record.StartedAt, &record.DurationMs, &success, &coldStart,
			&record.Fetched, &record.Filtered, &record.Skipped, &record.Created,
			&record.Updated, &record.Failed, &record.Error); err != nil {
			return nil, err
		}
		record.Success = success != 0
		record.IsColdStart = coldStart != 0
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return json.MarshalIndent(records, "", "  ")
}

// Cleanup removes metrics rows older than the retention window and compacts
// the store.
func (c *Collector) Cleanup(retentionDays int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	if _, err := c.db.Exec(`DELETE FROM table_metrics WHERE started_at < ?`, cutoff); err != nil {
		c.logger.WithError(err).Warn("failed to clean up table metrics")
	}
	if _, err := c.db.Exec(`DELETE FROM sync_session_metrics WHERE started_at < ?`, cutoff); err != nil {
		c.logger.WithError(err).Warn("failed to clean up session metrics")
	}
	if _, err := c.db.Exec(`VACUUM`); err != nil {
		c.logger.WithError(err).Warn("failed to vacuum metrics store")
	}
}

// Close releases the underlying database handle.
func (c *Collector) Close() error {
	return c.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
