package metrics

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	collector, err := NewCollector(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = collector.Close() })
	return collector
}

func recordFixture(sessionID, tableID string, success bool) *TableRecord {
	return &TableRecord{
		SessionID:  sessionID,
		Team:       "alpha",
		TableKey:   "tickets",
		TableID:    tableID,
		StartedAt:  time.Now().UnixMilli(),
		DurationMs: 1500,
		Success:    success,
		Fetched:    10,
		Filtered:   4,
		Skipped:    6,
		Created:    1,
		Updated:    3,
	}
}

func TestSessionLifecycle(t *testing.T) {
	c := newTestCollector(t)

	sessionID := c.StartSession("manual")
	require.NotEmpty(t, sessionID)

	c.RecordTableSync(recordFixture(sessionID, "tbl_1", true))
	c.RecordTableSync(recordFixture(sessionID, "tbl_2", false))

	c.FinishSession(&SessionRecord{
		SessionID:       sessionID,
		DurationMs:      3000,
		TablesTotal:     2,
		TablesSucceeded: 1,
		TablesFailed:    1,
		TotalCreated:    1,
		TotalUpdated:    3,
	})

	summary, err := c.Summarize(1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sessions)
	assert.Equal(t, 2, summary.TableSyncs)
	assert.Equal(t, 1, summary.SuccessfulSyncs)
	assert.Equal(t, 1, summary.FailedSyncs)
	assert.Equal(t, 2, summary.TotalCreated)
	assert.Equal(t, 6, summary.TotalUpdated)
	assert.InDelta(t, 50.0, summary.SuccessRate, 0.01)
}

func TestReportTable(t *testing.T) {
	c := newTestCollector(t)
	sessionID := c.StartSession("scheduled")

	c.RecordTableSync(recordFixture(sessionID, "tbl_1", true))
	failed := recordFixture(sessionID, "tbl_1", false)
	failed.Error = "data incomplete"
	c.RecordTableSync(failed)
	c.RecordTableSync(recordFixture(sessionID, "tbl_other", true))

	report, err := c.ReportTable("tbl_1", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Syncs)
	assert.Equal(t, 1, report.Successes)
	assert.Equal(t, 1, report.Failures)
	assert.Equal(t, "data incomplete", report.LastError)
	assert.Greater(t, report.LastSyncAt, int64(0))
}

func TestExportJSON(t *testing.T) {
	c := newTestCollector(t)
	sessionID := c.StartSession("manual")
	c.RecordTableSync(recordFixture(sessionID, "tbl_1", true))

	data, err := c.ExportJSON(1)
	require.NoError(t, err)

	var records []*TableRecord
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "tbl_1", records[0].TableID)
	assert.True(t, records[0].Success)
}

func TestCleanupRemovesOldRows(t *testing.T) {
	c := newTestCollector(t)
	sessionID := c.StartSession("manual")

	old := recordFixture(sessionID, "tbl_1", true)
	old.StartedAt = time.Now().AddDate(0, 0, -120).UnixMilli()
	c.RecordTableSync(old)
	c.RecordTableSync(recordFixture(sessionID, "tbl_1", true))

	c.Cleanup(90)

	report, err := c.ReportTable("tbl_1", 365)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Syncs)
}

func TestRegistryServesCounters(t *testing.T) {
	c := newTestCollector(t)
	sessionID := c.StartSession("manual")
	c.RecordTableSync(recordFixture(sessionID, "tbl_1", true))

	families, err := c.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, family := range families {
		names[family.GetName()] = true
	}
	assert.True(t, names["jira_lark_sync_table_syncs_total"])
	assert.True(t, names["jira_lark_sync_rows_total"])
	assert.True(t, names["jira_lark_sync_sessions_total"])
}
