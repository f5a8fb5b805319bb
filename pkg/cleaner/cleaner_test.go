package cleaner

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/jira"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/jql"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/lark"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/state"
)

func newFixture(t *testing.T) (*Cleaner, *jira.MockClient, *lark.MockClient, *state.Manager) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	jiraMock := jira.NewMockClient()
	larkMock := lark.NewMockClient()
	stateManager := state.NewManager(t.TempDir(), logger)
	t.Cleanup(func() { _ = stateManager.Close() })

	return NewCleaner(jiraMock, larkMock, stateManager, logger), jiraMock, larkMock, stateManager
}

func TestFindDuplicatesKeepsNewest(t *testing.T) {
	records := []*lark.Record{
		{RecordID: "rec_0001", Fields: map[string]interface{}{"Issue Key": "TP-1"}},
		{RecordID: "rec_0002", Fields: map[string]interface{}{"Issue Key": "TP-2"}},
		{RecordID: "rec_0003", Fields: map[string]interface{}{"Issue Key": "TP-1"}},
	}

	duplicates, byKey := findDuplicates(records, "Issue Key")
	assert.Equal(t, []string{"rec_0001"}, duplicates)
	assert.Equal(t, "rec_0003", byKey["TP-1"])
	assert.Equal(t, "rec_0002", byKey["TP-2"])
}

func TestCleanTableRemovesDuplicatesAndOrphans(t *testing.T) {
	cleaner, jiraMock, larkMock, stateManager := newFixture(t)

	larkMock.AddRecord("tbl_1", map[string]interface{}{"Issue Key": "TP-1"})
	larkMock.AddRecord("tbl_1", map[string]interface{}{"Issue Key": "TP-1"}) // duplicate
	larkMock.AddRecord("tbl_1", map[string]interface{}{"Issue Key": "TP-2"})
	larkMock.AddRecord("tbl_1", map[string]interface{}{"Issue Key": "TP-9"}) // gone from JIRA

	// TP-1 and TP-2 still exist upstream, TP-9 does not. The verification
	// query covers the surviving key set in sorted order.
	jiraMock.AddIssue(&jira.Issue{Key: "TP-1", Fields: map[string]interface{}{}})
	jiraMock.AddIssue(&jira.Issue{Key: "TP-2", Fields: map[string]interface{}{}})
	jiraMock.SetJQLResult(jql.BuildKeyInQuery([]string{"TP-1", "TP-2", "TP-9"}), []string{"TP-1", "TP-2"})

	report, err := cleaner.CleanTable(context.Background(), "wiki", "tbl_1", "Issue Key")
	require.NoError(t, err)

	assert.Equal(t, 4, report.Scanned)
	assert.Equal(t, 1, report.DuplicatesRemoved)
	assert.Equal(t, 1, report.OrphansRemoved)
	assert.Equal(t, 2, report.Reseeded)

	// Two rows survive, one per live ticket.
	records, err := larkMock.ListRecords(context.Background(), "wiki", "tbl_1")
	require.NoError(t, err)
	assert.Len(t, records, 2)

	// The processing log was rebuilt from the survivors.
	log, err := stateManager.Log("tbl_1")
	require.NoError(t, err)
	count, err := log.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCleanTableKeepsRowsWhenVerificationFails(t *testing.T) {
	cleaner, jiraMock, larkMock, _ := newFixture(t)

	larkMock.AddRecord("tbl_1", map[string]interface{}{"Issue Key": "TP-1"})
	jiraMock.SearchError = &jira.DataIncompleteError{JQL: "key in (...)", ExpectedTotal: 1}

	report, err := cleaner.CleanTable(context.Background(), "wiki", "tbl_1", "Issue Key")
	require.NoError(t, err)

	// No deletes when the existence check cannot be trusted.
	assert.Equal(t, 0, report.OrphansRemoved)
	records, err := larkMock.ListRecords(context.Background(), "wiki", "tbl_1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestCleanTableEmptyTable(t *testing.T) {
	cleaner, _, _, _ := newFixture(t)

	report, err := cleaner.CleanTable(context.Background(), "wiki", "tbl_empty", "Issue Key")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Scanned)
	assert.Equal(t, 0, report.Reseeded)
}
