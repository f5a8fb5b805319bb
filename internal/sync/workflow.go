package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/config"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/fields"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/jira"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/jql"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/lark"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/schema"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/state"
)

// PendingReporter surfaces the usernames first sighted during a pass.
type PendingReporter interface {
	ReportPending() []string
}

// Request describes one table sync to execute.
type Request struct {
	TeamKey   string
	Team      config.TeamConfig
	TableKey  string
	Table     config.TableConfig
	WikiToken string

	// FullUpdate refreshes every row currently in the target instead of
	// querying JIRA with the configured JQL.
	FullUpdate bool

	// DisableColdStart skips cold-start detection (single-issue path and
	// full-update mode).
	DisableColdStart bool

	// JQLOverride replaces the table's configured query when set.
	JQLOverride string
}

// Result summarizes one executed workflow.
type Result struct {
	TableKey     string
	TableID      string
	Success      bool
	IsColdStart  bool
	Fetched      int
	Filtered     int
	Skipped      int
	Created      int
	Updated      int
	Failed       int
	PendingUsers []string
	Duration     time.Duration
	Err          error
}

// Workflow executes the end-to-end sync of one table: cold-start handling,
// fetch, timestamp filtering, field-mapping pruning, classification, batch
// execution, and atomic result recording.
type Workflow struct {
	jira    jira.Client
	lark    lark.Client
	state   *state.Manager
	batch   *BatchProcessor
	schema  *schema.Schema
	pending PendingReporter
	logger  *logrus.Entry
}

// NewWorkflow creates a workflow. pending may be nil when user mapping is
// disabled.
func NewWorkflow(jiraClient jira.Client, larkClient lark.Client, stateManager *state.Manager,
	batch *BatchProcessor, sc *schema.Schema, pending PendingReporter, logger *logrus.Logger) *Workflow {
	if logger == nil {
		logger = logrus.New()
	}
	return &Workflow{
		jira:    jiraClient,
		lark:    larkClient,
		state:   stateManager,
		batch:   batch,
		schema:  sc,
		pending: pending,
		logger:  logger.WithField("component", "sync-workflow"),
	}
}

// Execute runs one sync pass and returns its summary. A returned error means
// the pass recorded nothing; every issue in the batch stays eligible for the
// next cycle.
func (w *Workflow) Execute(ctx context.Context, req *Request) *Result {
	start := time.Now()
	tableID := req.Table.TableID
	ticketField := req.Table.TicketFieldName()
	result := &Result{TableKey: req.TableKey, TableID: tableID}
	defer func() { result.Duration = time.Since(start) }()

	log := w.logger.WithFields(logrus.Fields{
		"team":     req.TeamKey,
		"table":    req.TableKey,
		"table_id": tableID,
	})

	coldStartEnabled := !req.FullUpdate && !req.DisableColdStart
	if coldStartEnabled {
		result.IsColdStart = w.state.IsColdStart(tableID)
	}

	// Target rows are needed for cold-start bootstrap and for full-update
	// key extraction; fetch them once.
	var targetRows []*lark.Record
	if result.IsColdStart || req.FullUpdate {
		rows, err := w.lark.ListRecords(ctx, req.WikiToken, tableID)
		if err != nil {
			return w.fail(result, log, fmt.Errorf("failed to list target records: %w", err))
		}
		targetRows = rows
	}

	issues, err := w.fetchIssues(ctx, req, targetRows, log)
	if err != nil {
		return w.fail(result, log, err)
	}
	result.Fetched = len(issues)

	if result.IsColdStart {
		if _, err := w.state.PrepareColdStart(tableID, ticketField, targetRows, false); err != nil {
			return w.fail(result, log, err)
		}
	}

	filtered, stats, err := w.state.FilterIssues(tableID, issues)
	if err != nil {
		return w.fail(result, log, err)
	}
	result.Filtered = len(filtered)
	result.Skipped = stats.Skipped

	if len(filtered) == 0 {
		result.Success = true
		log.WithField("fetched", result.Fetched).Info("nothing to sync")
		return result
	}

	larkFields, err := w.lark.ListFields(ctx, req.WikiToken, tableID)
	if err != nil {
		return w.fail(result, log, fmt.Errorf("failed to list target fields: %w", err))
	}
	fieldTypes := make(map[string]string, len(larkFields))
	for _, field := range larkFields {
		fieldTypes[field.FieldName] = field.UIType
	}

	mappings := fields.EffectiveMappings(w.schema.FieldMappings, req.Table.ExcludedFields)

	var operations []*state.SyncOperation
	if req.FullUpdate {
		operations, err = w.state.DetermineOperationsForceUpdate(tableID, ticketField, filtered, targetRows)
	} else {
		operations, err = w.state.DetermineOperations(tableID, filtered)
	}
	if err != nil {
		return w.fail(result, log, err)
	}

	results, batchStats := w.batch.Process(ctx, req.WikiToken, tableID, operations, mappings, fieldTypes)
	result.Created = batchStats.SuccessfulCreates
	result.Updated = batchStats.SuccessfulUpdates
	result.Failed = batchStats.FailedOperations

	if w.pending != nil {
		result.PendingUsers = w.pending.ReportPending()
	}

	// All-or-nothing recording: a single failed operation aborts the write
	// and the next cycle reprocesses the whole batch.
	if batchStats.FailedOperations > 0 {
		return w.fail(result, log, fmt.Errorf("%d of %d operations failed, recording aborted",
			batchStats.FailedOperations, batchStats.TotalProcessed))
	}
	if err := w.state.RecordResults(tableID, results); err != nil {
		return w.fail(result, log, err)
	}

	result.Success = true
	log.WithFields(logrus.Fields{
		"fetched":    result.Fetched,
		"filtered":   result.Filtered,
		"skipped":    result.Skipped,
		"created":    result.Created,
		"updated":    result.Updated,
		"cold_start": result.IsColdStart,
		"duration":   result.Duration.Round(time.Millisecond),
	}).Info("sync completed")
	return result
}

// ExecuteSingleIssue syncs exactly one issue through the normal workflow
// with cold-start detection off.
func (w *Workflow) ExecuteSingleIssue(ctx context.Context, req *Request, issueKey string) *Result {
	single := *req
	single.JQLOverride = jql.BuildKeyQuery(issueKey)
	single.DisableColdStart = true
	single.FullUpdate = false
	return w.Execute(ctx, &single)
}

func (w *Workflow) fetchIssues(ctx context.Context, req *Request, targetRows []*lark.Record, log *logrus.Entry) ([]*jira.Issue, error) {
	required := w.schema.RequiredJIRAFields()

	if req.FullUpdate {
		keys := extractTicketKeys(targetRows, req.Table.TicketFieldName())
		log.WithField("keys", len(keys)).Info("full update: refreshing all target rows")
		if len(keys) == 0 {
			return nil, nil
		}
		return w.jira.SearchIssuesByKeys(ctx, keys, required)
	}

	jqlQuery := req.Table.JQLQuery
	if req.JQLOverride != "" {
		jqlQuery = req.JQLOverride
	}
	return w.jira.SearchIssues(ctx, jqlQuery, required)
}

func (w *Workflow) fail(result *Result, log *logrus.Entry, err error) *Result {
	result.Err = err
	log.WithError(err).Error("sync failed")
	return result
}

// extractTicketKeys pulls deduplicated issue keys out of target rows,
// preserving first-seen order.
func extractTicketKeys(rows []*lark.Record, ticketField string) []string {
	seen := make(map[string]bool, len(rows))
	var keys []string
	for _, row := range rows {
		key, ok := state.ExtractTicketKey(row.Fields[ticketField])
		if !ok || seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	return keys
}
