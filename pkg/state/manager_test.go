package state

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/jira"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/lark"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	manager := NewManager(t.TempDir(), logger)
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestIsColdStartEmptyLog(t *testing.T) {
	manager := newTestManager(t)
	assert.True(t, manager.IsColdStart("tbl_new"))
}

func TestIsColdStartRecentActivity(t *testing.T) {
	manager := newTestManager(t)

	log, err := manager.Log("tbl_active")
	require.NoError(t, err)
	require.NoError(t, log.Record("PROJ-1", 100, ResultSuccess, "rec_0001"))

	assert.False(t, manager.IsColdStart("tbl_active"))
}

func TestIsColdStartStaleActivity(t *testing.T) {
	manager := newTestManager(t)

	log, err := manager.Log("tbl_stale")
	require.NoError(t, err)
	stale := time.Now().AddDate(0, 0, -10).UnixMilli()
	require.NoError(t, log.BatchRecord([]*LogRecord{
		{IssueKey: "PROJ-1", JIRAUpdatedTime: 100, ProcessedAt: stale, Result: ResultSuccess},
	}))

	assert.True(t, manager.IsColdStart("tbl_stale"))
}

func TestPrepareColdStart(t *testing.T) {
	manager := newTestManager(t)

	existing := []*lark.Record{
		{RecordID: "rec_0001", Fields: map[string]interface{}{"Issue Key": "PROJ-1"}},
		{RecordID: "rec_0002", Fields: map[string]interface{}{"Issue Key": map[string]interface{}{
			"text": "PROJ-2",
			"link": "https://jira.example.com/browse/PROJ-2",
		}}},
		{RecordID: "rec_0003", Fields: map[string]interface{}{"Issue Key": "not a key"}},
		{RecordID: "rec_0004", Fields: map[string]interface{}{"Issue Key": "PROJ-1"}}, // duplicate key
		{RecordID: "rec_0005", Fields: map[string]interface{}{}},                      // no ticket field
	}

	seeded, err := manager.PrepareColdStart("tbl_cold", "Issue Key", existing, false)
	require.NoError(t, err)
	assert.Equal(t, 2, seeded)

	log, err := manager.Log("tbl_cold")
	require.NoError(t, err)

	record, err := log.GetRecord("PROJ-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, int64(0), record.JIRAUpdatedTime)
	assert.Equal(t, ResultColdStartExisting, record.Result)
	assert.Equal(t, "rec_0001", record.LarkRecordID)

	record, err = log.GetRecord("PROJ-2")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "rec_0002", record.LarkRecordID)
}

func TestPrepareColdStartSeededRowsAlwaysRefresh(t *testing.T) {
	manager := newTestManager(t)

	existing := []*lark.Record{
		{RecordID: "rec_0001", Fields: map[string]interface{}{"Issue Key": "PROJ-1"}},
	}
	_, err := manager.PrepareColdStart("tbl_cold", "Issue Key", existing, false)
	require.NoError(t, err)

	// Any real timestamp beats the seeded zero, so the issue passes the filter.
	issues := []*jira.Issue{
		{Key: "PROJ-1", Fields: map[string]interface{}{"updated": "2020-01-01T00:00:00.000+0000"}},
	}
	filtered, stats, err := manager.FilterIssues("tbl_cold", issues)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, 0, stats.Skipped)

	// And it classifies as update, reusing the seeded record id.
	ops, err := manager.DetermineOperations("tbl_cold", issues)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, OpUpdate, ops[0].OpType)
	assert.Equal(t, "rec_0001", ops[0].LarkRecordID)
}

func TestDetermineOperations(t *testing.T) {
	manager := newTestManager(t)

	log, err := manager.Log("tbl_ops")
	require.NoError(t, err)
	require.NoError(t, log.Record("PROJ-1", 100, ResultSuccess, "rec_0001"))

	issues := []*jira.Issue{
		{Key: "PROJ-1", Fields: map[string]interface{}{"updated": "2024-03-01T10:00:00.000+0000"}},
		{Key: "PROJ-9", Fields: map[string]interface{}{"updated": "2024-03-01T10:00:00.000+0000"}},
	}
	ops, err := manager.DetermineOperations("tbl_ops", issues)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	assert.Equal(t, OpUpdate, ops[0].OpType)
	assert.Equal(t, "rec_0001", ops[0].LarkRecordID)
	assert.Greater(t, ops[0].JIRAUpdatedTime, int64(0))

	assert.Equal(t, OpCreate, ops[1].OpType)
	assert.Empty(t, ops[1].LarkRecordID)
}

func TestDetermineOperationsForceUpdate(t *testing.T) {
	manager := newTestManager(t)

	// Stale log contents must not influence force-update classification.
	log, err := manager.Log("tbl_force")
	require.NoError(t, err)
	require.NoError(t, log.Record("PROJ-1", 100, ResultSuccess, "rec_stale"))

	existing := []*lark.Record{
		{RecordID: "rec_0001", Fields: map[string]interface{}{"Issue Key": "PROJ-1"}},
	}
	issues := []*jira.Issue{
		{Key: "PROJ-1", Fields: map[string]interface{}{"updated": "2024-03-01T10:00:00.000+0000"}},
		{Key: "PROJ-2", Fields: map[string]interface{}{"updated": "2024-03-01T10:00:00.000+0000"}},
	}

	ops, err := manager.DetermineOperationsForceUpdate("tbl_force", "Issue Key", issues, existing)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	assert.Equal(t, OpUpdate, ops[0].OpType)
	assert.Equal(t, "rec_0001", ops[0].LarkRecordID)
	assert.Equal(t, OpCreate, ops[1].OpType)

	// Log was wiped and reseeded from the target rows.
	count, err := log.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	record, err := log.GetRecord("PROJ-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "rec_0001", record.LarkRecordID)
	assert.Equal(t, ResultColdStartExisting, record.Result)
}

func TestRecordResultsOnlySuccesses(t *testing.T) {
	manager := newTestManager(t)

	results := []*SyncResult{
		{IssueKey: "PROJ-1", OpType: OpCreate, Success: true, LarkRecordID: "rec_0001", JIRAUpdatedTime: 100},
		{IssueKey: "PROJ-2", OpType: OpUpdate, Success: false, Error: "field type mismatch"},
		{IssueKey: "PROJ-3", OpType: OpCreate, Success: true, LarkRecordID: "rec_0003", JIRAUpdatedTime: 300},
	}
	require.NoError(t, manager.RecordResults("tbl_results", results))

	log, err := manager.Log("tbl_results")
	require.NoError(t, err)

	count, err := log.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	missing, err := log.GetRecord("PROJ-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSummarize(t *testing.T) {
	manager := newTestManager(t)

	log, err := manager.Log("tbl_summary")
	require.NoError(t, err)
	require.NoError(t, log.BatchRecord([]*LogRecord{
		{IssueKey: "PROJ-1", Result: ResultSuccess, LarkRecordID: "rec_0001"},
		{IssueKey: "PROJ-2", Result: ResultColdStartExisting, LarkRecordID: "rec_0002"},
		{IssueKey: "PROJ-3", Result: ErrorResult("boom")},
	}))

	summary, err := manager.Summarize("tbl_summary")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalRecords)
	assert.Equal(t, 1, summary.SuccessRecords)
	assert.Equal(t, 1, summary.ColdStartRows)
	assert.Equal(t, 1, summary.ErrorRecords)
	assert.False(t, summary.IsColdStart)
	assert.Greater(t, summary.LastProcessedAt, int64(0))
}

func TestCleanupOldRecordsAcrossTables(t *testing.T) {
	manager := newTestManager(t)

	old := time.Now().AddDate(0, 0, -100).UnixMilli()
	for _, tableID := range []string{"tbl_a", "tbl_b"} {
		log, err := manager.Log(tableID)
		require.NoError(t, err)
		require.NoError(t, log.BatchRecord([]*LogRecord{
			{IssueKey: "PROJ-1", ProcessedAt: old, Result: ResultSuccess},
			{IssueKey: "PROJ-2", Result: ResultSuccess},
		}))
	}

	removed, err := manager.CleanupOldRecords(90)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"tbl_a": 1, "tbl_b": 1}, removed)
}

func TestExtractTicketKey(t *testing.T) {
	tests := []struct {
		name   string
		value  interface{}
		want   string
		wantOK bool
	}{
		{name: "plain string", value: "PROJ-123", want: "PROJ-123", wantOK: true},
		{name: "lowercase normalized", value: "proj-123", want: "PROJ-123", wantOK: true},
		{name: "whitespace trimmed", value: "  PROJ-123  ", want: "PROJ-123", wantOK: true},
		{name: "link object text", value: map[string]interface{}{"text": "PROJ-7", "url": "https://x/browse/PROJ-7"}, want: "PROJ-7", wantOK: true},
		{name: "link object url fallback", value: map[string]interface{}{"text": "see ticket", "url": "https://jira/browse/PROJ-8"}, want: "PROJ-8", wantOK: true},
		{name: "link key variant", value: map[string]interface{}{"link": "https://jira/browse/PROJ-9/"}, want: "PROJ-9", wantOK: true},
		{name: "list of segments", value: []interface{}{map[string]interface{}{"text": "ticket "}, map[string]interface{}{"text": "PROJ-10"}}, want: "PROJ-10", wantOK: true},
		{name: "not a key", value: "hello world", want: "", wantOK: false},
		{name: "nil", value: nil, want: "", wantOK: false},
		{name: "number", value: 42, want: "", wantOK: false},
		{name: "empty list", value: []interface{}{}, want: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractTicketKey(tt.value)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
