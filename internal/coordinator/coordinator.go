package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	syncengine "github.com/jackyhsuehtcg/jira-sync-sub000/internal/sync"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/cleaner"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/config"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/fields"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/jira"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/lark"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/metrics"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/schema"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/state"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/usercache"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/usermap"
)

// maxConcurrentTeams bounds team fan-out. Tables within one team run
// sequentially to keep that team's rate-limit budget coherent.
const maxConcurrentTeams = 3

// Coordinator owns the long-lived singletons (API clients, state manager,
// field processor, user mapper, metrics collector) and drives workflows
// across teams and tables.
type Coordinator struct {
	cfg      *config.Config
	schema   *schema.Schema
	jira     jira.Client
	lark     lark.Client
	state    *state.Manager
	mapper   *usermap.Mapper
	workflow *syncengine.Workflow
	cleaner  *cleaner.Cleaner
	metrics  *metrics.Collector
	logger   *logrus.Entry
}

// TeamResult aggregates the table results of one team.
type TeamResult struct {
	TeamKey string
	Tables  []*syncengine.Result
	Err     error
}

// SessionResult aggregates one coordinator run.
type SessionResult struct {
	SessionID string
	Teams     []*TeamResult
	Duration  time.Duration
}

// Options carries the injectable pieces of a Coordinator. Metrics and
// Mapper may be nil.
type Options struct {
	Config  *config.Config
	Schema  *schema.Schema
	JIRA    jira.Client
	Lark    lark.Client
	State   *state.Manager
	Mapper  *usermap.Mapper
	Metrics *metrics.Collector
	Logger  *logrus.Logger
}

// New assembles a coordinator from its dependencies.
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	fieldProcessor := fields.NewProcessor(opts.Config.JIRA.ServerURL, resolverOrNil(opts.Mapper), opts.Config, logger)
	batch := syncengine.NewBatchProcessor(opts.Lark, fieldProcessor, logger)

	var pending syncengine.PendingReporter
	if opts.Mapper != nil {
		pending = opts.Mapper
	}
	workflow := syncengine.NewWorkflow(opts.JIRA, opts.Lark, opts.State, batch, opts.Schema, pending, logger)

	return &Coordinator{
		cfg:      opts.Config,
		schema:   opts.Schema,
		jira:     opts.JIRA,
		lark:     opts.Lark,
		state:    opts.State,
		mapper:   opts.Mapper,
		workflow: workflow,
		cleaner:  cleaner.NewCleaner(opts.JIRA, opts.Lark, opts.State, logger),
		metrics:  opts.Metrics,
		logger:   logger.WithField("component", "coordinator"),
	}
}

func resolverOrNil(mapper *usermap.Mapper) fields.UserResolver {
	if mapper == nil {
		return nil
	}
	return mapper
}

// Workflow exposes the shared workflow for the daemon's dispatch loop.
func (c *Coordinator) Workflow() *syncengine.Workflow {
	return c.workflow
}

// SyncAllTeams runs every enabled table of every enabled team, fanning out
// over at most three teams at a time.
func (c *Coordinator) SyncAllTeams(ctx context.Context, fullUpdate bool) *SessionResult {
	start := time.Now()
	session := &SessionResult{}
	if c.metrics != nil {
		session.SessionID = c.metrics.StartSession(triggerName(fullUpdate))
	}

	teams := c.cfg.EnabledTeams()
	results := make([]*TeamResult, len(teams))

	sem := make(chan struct{}, maxConcurrentTeams)
	var wg sync.WaitGroup
	for i, team := range teams {
		wg.Add(1)
		go func(i int, teamKey string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = c.SyncTeam(ctx, teamKey, fullUpdate, session.SessionID)
		}(i, team)
	}
	wg.Wait()

	session.Teams = results
	session.Duration = time.Since(start)
	c.finishSession(session)
	return session
}

// SyncTeam runs every enabled table of one team sequentially.
func (c *Coordinator) SyncTeam(ctx context.Context, teamKey string, fullUpdate bool, sessionID string) *TeamResult {
	result := &TeamResult{TeamKey: teamKey}

	team, ok := c.cfg.Teams[teamKey]
	if !ok || !team.Enabled {
		result.Err = fmt.Errorf("team %q is not enabled", teamKey)
		return result
	}

	for _, tableKey := range sortedTableKeys(team.Tables) {
		table := team.Tables[tableKey]
		if !table.Enabled {
			continue
		}
		tableResult := c.runTable(ctx, teamKey, team, tableKey, table, fullUpdate, sessionID)
		result.Tables = append(result.Tables, tableResult)
	}
	return result
}

// SyncSingleTable runs exactly one table.
func (c *Coordinator) SyncSingleTable(ctx context.Context, teamKey, tableKey string, fullUpdate bool) (*syncengine.Result, error) {
	team, table, err := c.lookupTable(teamKey, tableKey)
	if err != nil {
		return nil, err
	}
	return c.runTable(ctx, teamKey, team, tableKey, table, fullUpdate, ""), nil
}

// SyncSingleIssue syncs one issue into one table.
func (c *Coordinator) SyncSingleIssue(ctx context.Context, teamKey, tableKey, issueKey string) (*syncengine.Result, error) {
	team, table, err := c.lookupTable(teamKey, tableKey)
	if err != nil {
		return nil, err
	}
	req := &syncengine.Request{
		TeamKey:   teamKey,
		Team:      team,
		TableKey:  tableKey,
		Table:     table,
		WikiToken: team.WikiToken,
	}
	return c.workflow.ExecuteSingleIssue(ctx, req, issueKey), nil
}

// RebuildCache wipes and reseeds a table's processing log from the live
// target contents.
func (c *Coordinator) RebuildCache(ctx context.Context, teamKey, tableKey string) (int, error) {
	team, table, err := c.lookupTable(teamKey, tableKey)
	if err != nil {
		return 0, err
	}

	records, err := c.lark.ListRecords(ctx, team.WikiToken, table.TableID)
	if err != nil {
		return 0, fmt.Errorf("failed to list target records: %w", err)
	}
	return c.state.PrepareColdStart(table.TableID, table.TicketFieldName(), records, true)
}

// CleanupOldData runs the table-scan cleaner over every enabled table, then
// trims old processing-log rows and metrics.
func (c *Coordinator) CleanupOldData(ctx context.Context, retentionDays int) []*cleaner.Report {
	var reports []*cleaner.Report
	for _, teamKey := range c.cfg.EnabledTeams() {
		team := c.cfg.Teams[teamKey]
		for _, tableKey := range sortedTableKeys(team.Tables) {
			table := team.Tables[tableKey]
			if !table.Enabled {
				continue
			}
			report, err := c.cleaner.CleanTable(ctx, team.WikiToken, table.TableID, table.TicketFieldName())
			if err != nil {
				c.logger.WithError(err).WithFields(logrus.Fields{
					"team":  teamKey,
					"table": tableKey,
				}).Error("table cleaning failed")
				continue
			}
			reports = append(reports, report)
		}
	}

	if _, err := c.state.CleanupOldRecords(retentionDays); err != nil {
		c.logger.WithError(err).Warn("processing log cleanup failed")
	}
	if err := c.state.VacuumAll(); err != nil {
		c.logger.WithError(err).Warn("processing log vacuum failed")
	}
	if c.metrics != nil {
		c.metrics.Cleanup(retentionDays)
	}
	return reports
}

// ResolvePendingUsers resolves parked usernames against the directory.
func (c *Coordinator) ResolvePendingUsers(ctx context.Context) (resolved, total int, err error) {
	if c.mapper == nil {
		return 0, 0, nil
	}
	return c.mapper.ResolvePending(ctx)
}

// TableStatus is one row of the system status report.
type TableStatus struct {
	TeamKey  string
	TableKey string
	TableID  string
	Name     string
	Summary  *state.Summary
	Err      error
}

// SystemStatus is the status report backing the CLI status command.
type SystemStatus struct {
	JIRAVersion  string
	JIRAErr      error
	Tables       []*TableStatus
	UserMappings *usercache.Stats
}

// GetSystemStatus probes JIRA and summarizes every enabled table's state.
func (c *Coordinator) GetSystemStatus(ctx context.Context) *SystemStatus {
	status := &SystemStatus{}

	if info, err := c.jira.ServerInfo(ctx); err != nil {
		status.JIRAErr = err
	} else {
		status.JIRAVersion = info.Version
	}

	for _, teamKey := range c.cfg.EnabledTeams() {
		team := c.cfg.Teams[teamKey]
		for _, tableKey := range sortedTableKeys(team.Tables) {
			table := team.Tables[tableKey]
			if !table.Enabled {
				continue
			}
			tableStatus := &TableStatus{
				TeamKey:  teamKey,
				TableKey: tableKey,
				TableID:  table.TableID,
				Name:     table.Name,
			}
			summary, err := c.state.Summarize(table.TableID)
			if err != nil {
				tableStatus.Err = err
			} else {
				tableStatus.Summary = summary
			}
			status.Tables = append(status.Tables, tableStatus)
		}
	}

	if c.mapper != nil {
		if stats, err := c.mapper.Stats(); err == nil {
			status.UserMappings = stats
		}
	}
	return status
}

// Metrics exposes the collector (may be nil).
func (c *Coordinator) Metrics() *metrics.Collector {
	return c.metrics
}

// Close releases the coordinator's storage handles.
func (c *Coordinator) Close() error {
	err := c.state.Close()
	if c.metrics != nil {
		if merr := c.metrics.Close(); err == nil {
			err = merr
		}
	}
	return err
}

func (c *Coordinator) runTable(ctx context.Context, teamKey string, team config.TeamConfig,
	tableKey string, table config.TableConfig, fullUpdate bool, sessionID string) *syncengine.Result {

	start := time.Now()
	req := &syncengine.Request{
		TeamKey:    teamKey,
		Team:       team,
		TableKey:   tableKey,
		Table:      table,
		WikiToken:  team.WikiToken,
		FullUpdate: fullUpdate,
	}
	result := c.workflow.Execute(ctx, req)

	if c.metrics != nil {
		record := &metrics.TableRecord{
			SessionID:   sessionID,
			Team:        teamKey,
			TableKey:    tableKey,
			TableID:     table.TableID,
			StartedAt:   start.UnixMilli(),
			DurationMs:  result.Duration.Milliseconds(),
			Success:     result.Success,
			IsColdStart: result.IsColdStart,
			Fetched:     result.Fetched,
			Filtered:    result.Filtered,
			Skipped:     result.Skipped,
			Created:     result.Created,
			Updated:     result.Updated,
			Failed:      result.Failed,
		}
		if result.Err != nil {
			record.Error = result.Err.Error()
		}
		c.metrics.RecordTableSync(record)
		c.metrics.SetPendingUsers(len(result.PendingUsers))
	}
	return result
}

func (c *Coordinator) lookupTable(teamKey, tableKey string) (config.TeamConfig, config.TableConfig, error) {
	team, ok := c.cfg.Teams[teamKey]
	if !ok {
		return config.TeamConfig{}, config.TableConfig{}, fmt.Errorf("unknown team %q", teamKey)
	}
	table, ok := team.Tables[tableKey]
	if !ok {
		return config.TeamConfig{}, config.TableConfig{}, fmt.Errorf("unknown table %q in team %q", tableKey, teamKey)
	}
	return team, table, nil
}

func (c *Coordinator) finishSession(session *SessionResult) {
	if c.metrics == nil || session.SessionID == "" {
		return
	}

	record := &metrics.SessionRecord{
		SessionID:  session.SessionID,
		DurationMs: session.Duration.Milliseconds(),
	}
	for _, team := range session.Teams {
		if team == nil {
			continue
		}
		for _, table := range team.Tables {
			record.TablesTotal++
			if table.Success {
				record.TablesSucceeded++
			} else {
				record.TablesFailed++
			}
			record.TotalCreated += table.Created
			record.TotalUpdated += table.Updated
			record.TotalFailed += table.Failed
		}
	}
	c.metrics.FinishSession(record)
}

func triggerName(fullUpdate bool) string {
	if fullUpdate {
		return "full_update"
	}
	return "sync"
}

func sortedTableKeys(tables map[string]config.TableConfig) []string {
	keys := make([]string, 0, len(tables))
	for key := range tables {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
