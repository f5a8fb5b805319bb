package cleaner

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/jira"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/jql"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/lark"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/state"
)

// Report summarizes one table-scan cleaning pass.
type Report struct {
	TableID           string
	Scanned           int
	DuplicatesRemoved int
	OrphansRemoved    int
	Reseeded          int
}

// Cleaner scans a target table, removes duplicate and orphaned rows, and
// rebuilds the table's processing log from the surviving rows. Orphan
// verification queries JIRA in key batches; a batch that cannot be verified
// leaves its rows untouched rather than risking a wrong delete.
type Cleaner struct {
	jira   jira.Client
	lark   lark.Client
	state  *state.Manager
	logger *logrus.Entry
}

// NewCleaner creates a table cleaner.
func NewCleaner(jiraClient jira.Client, larkClient lark.Client, stateManager *state.Manager, logger *logrus.Logger) *Cleaner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Cleaner{
		jira:   jiraClient,
		lark:   larkClient,
		state:  stateManager,
		logger: logger.WithField("component", "table-cleaner"),
	}
}

// CleanTable runs one full cleaning pass over a table.
func (c *Cleaner) CleanTable(ctx context.Context, wikiToken, tableID, ticketField string) (*Report, error) {
	report := &Report{TableID: tableID}
	log := c.logger.WithField("table_id", tableID)

	records, err := c.lark.ListRecords(ctx, wikiToken, tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to list target records: %w", err)
	}
	report.Scanned = len(records)

	duplicates, byKey := findDuplicates(records, ticketField)
	orphans := c.findOrphans(ctx, byKey, log)

	toDelete := append(append([]string(nil), duplicates...), orphans...)
	if len(toDelete) > 0 {
		if err := c.lark.BatchDeleteRecords(ctx, wikiToken, tableID, toDelete); err != nil {
			return nil, fmt.Errorf("failed to delete %d rows: %w", len(toDelete), err)
		}
	}
	report.DuplicatesRemoved = len(duplicates)
	report.OrphansRemoved = len(orphans)

	// Rebuild the processing log from what actually survived.
	survivors, err := c.lark.ListRecords(ctx, wikiToken, tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to re-list target records: %w", err)
	}
	seeded, err := c.state.PrepareColdStart(tableID, ticketField, survivors, true)
	if err != nil {
		return nil, err
	}
	report.Reseeded = seeded

	log.WithFields(logrus.Fields{
		"scanned":    report.Scanned,
		"duplicates": report.DuplicatesRemoved,
		"orphans":    report.OrphansRemoved,
		"reseeded":   report.Reseeded,
	}).Info("table cleaning completed")
	return report, nil
}

// findDuplicates groups rows by ticket key. The most recently created row
// (last in listing order) is kept; earlier rows for the same key are
// returned for deletion. byKey maps each key to its surviving record id.
func findDuplicates(records []*lark.Record, ticketField string) (duplicates []string, byKey map[string]string) {
	byKey = make(map[string]string, len(records))
	for _, record := range records {
		key, ok := state.ExtractTicketKey(record.Fields[ticketField])
		if !ok {
			continue
		}
		if previous, seen := byKey[key]; seen {
			duplicates = append(duplicates, previous)
		}
		byKey[key] = record.RecordID
	}
	return duplicates, byKey
}

// findOrphans returns record ids whose ticket no longer exists in JIRA.
// Keys are verified in batches; a failed batch is skipped entirely.
func (c *Cleaner) findOrphans(ctx context.Context, byKey map[string]string, log *logrus.Entry) []string {
	if len(byKey) == 0 {
		return nil
	}

	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var orphans []string
	for _, batch := range jql.BatchKeys(keys) {
		issues, err := c.jira.SearchIssues(ctx, jql.BuildKeyInQuery(batch), []string{"key"})
		if err != nil {
			log.WithError(err).WithField("keys", len(batch)).
				Warn("orphan verification batch failed, keeping its rows")
			continue
		}

		exists := make(map[string]bool, len(issues))
		for _, issue := range issues {
			exists[issue.Key] = true
		}
		for _, key := range batch {
			if !exists[key] {
				orphans = append(orphans, byKey[key])
				log.WithField("issue_key", key).Info("removing orphaned row")
			}
		}
	}
	return orphans
}
