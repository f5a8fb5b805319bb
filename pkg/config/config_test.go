package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockEnvLoader implements EnvLoader for testing
type MockEnvLoader struct {
	vars map[string]string
}

func NewMockEnvLoader(vars map[string]string) *MockEnvLoader {
	return &MockEnvLoader{vars: vars}
}

func (m *MockEnvLoader) Getenv(key string) string {
	return m.vars[key]
}

func (m *MockEnvLoader) LookupEnv(key string) (string, bool) {
	val, exists := m.vars[key]
	return val, exists
}

const validYAML = `
global:
  schema_file: schema.yaml
  data_directory: ./data
jira:
  server_url: https://jira.example.com
  username: jira-bot
  password: secret
lark_base:
  app_id: cli_abc
  app_secret: shhh
teams:
  tp-team:
    enabled: true
    wiki_token: wiki_tp
    tables:
      tickets:
        enabled: true
        name: Tickets
        table_id: tbl_001
        jql_query: project = TP
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Success(t *testing.T) {
	loader := NewFileLoader(writeConfig(t, validYAML))
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "https://jira.example.com", cfg.JIRA.ServerURL)
	assert.Equal(t, "cli_abc", cfg.LarkBase.AppID)
	assert.Equal(t, "wiki_tp", cfg.Teams["tp-team"].WikiToken)
	assert.Equal(t, "tbl_001", cfg.Teams["tp-team"].Tables["tickets"].TableID)
}

func TestLoad_Defaults(t *testing.T) {
	loader := NewFileLoader(writeConfig(t, validYAML))
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, int(DefaultSyncInterval.Seconds()), cfg.Global.DefaultSyncInterval)
	assert.Equal(t, "info", cfg.Global.LogLevel)
	assert.Equal(t, int(DefaultJIRATimeout.Seconds()), cfg.JIRA.Timeout)
	assert.Equal(t, DefaultMaxResults, cfg.JIRA.MaxResults)
}

func TestLoad_EnvOverridesCredentials(t *testing.T) {
	env := NewMockEnvLoader(map[string]string{
		"JIRA_PASSWORD":   "from-env",
		"LARK_APP_SECRET": "also-from-env",
	})
	loader := NewFileLoaderWithEnv(writeConfig(t, validYAML), env)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.JIRA.Password)
	assert.Equal(t, "also-from-env", cfg.LarkBase.AppSecret)
	// Untouched values stay as written.
	assert.Equal(t, "jira-bot", cfg.JIRA.Username)
}

func TestLoad_ValidationAggregatesErrors(t *testing.T) {
	broken := `
global: {}
jira:
  server_url: "not a url"
teams:
  tp-team:
    enabled: true
    tables:
      tickets:
        enabled: true
`
	loader := NewFileLoader(writeConfig(t, broken))
	_, err := loader.Load()
	require.Error(t, err)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, err.Error(), "global.schema_file is required")
	assert.Contains(t, err.Error(), "jira.server_url is invalid")
	assert.Contains(t, err.Error(), "wiki_token is required")
	assert.Contains(t, err.Error(), "table_id is required")
}

func TestLoad_MalformedJQLRejected(t *testing.T) {
	broken := `
global:
  schema_file: schema.yaml
  data_directory: ./data
jira:
  server_url: https://jira.example.com
  username: jira-bot
  password: secret
lark_base:
  app_id: cli_abc
  app_secret: shhh
teams:
  tp-team:
    enabled: true
    wiki_token: wiki_tp
    tables:
      tickets:
        enabled: true
        name: Tickets
        table_id: tbl_001
        jql_query: 'project = "TP AND (status = Open'
`
	loader := NewFileLoader(writeConfig(t, broken))
	_, err := loader.Load()
	require.Error(t, err)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, err.Error(), "team tp-team table tickets: unbalanced quotes in JQL")
	assert.Contains(t, err.Error(), "team tp-team table tickets: unbalanced parentheses in JQL")
}

func TestLoad_MissingFile(t *testing.T) {
	loader := NewFileLoader(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := loader.Load()
	assert.Error(t, err)
}

func TestEnabledTeamsAndTables(t *testing.T) {
	cfg := &Config{Teams: map[string]TeamConfig{
		"beta": {Enabled: true, Tables: map[string]TableConfig{
			"bugs": {Enabled: true, TableID: "tbl_b"},
			"off":  {Enabled: false},
		}},
		"alpha":   {Enabled: true},
		"dormant": {Enabled: false},
	}}

	assert.Equal(t, []string{"alpha", "beta"}, cfg.EnabledTeams())

	tables := cfg.EnabledTables("beta")
	require.Len(t, tables, 1)
	assert.Equal(t, "bugs", tables[0].Key)

	assert.Nil(t, cfg.EnabledTables("dormant"))
	assert.Nil(t, cfg.EnabledTables("nope"))
}

func TestSyncIntervalPrecedence(t *testing.T) {
	cfg := &Config{
		Global: GlobalConfig{DefaultSyncInterval: 300},
		Teams: map[string]TeamConfig{
			"tp-team": {
				Enabled:      true,
				SyncInterval: 600,
				Tables: map[string]TableConfig{
					"fast": {Enabled: true, SyncInterval: 60},
					"slow": {Enabled: true},
				},
			},
			"plain": {
				Enabled: true,
				Tables:  map[string]TableConfig{"tickets": {Enabled: true}},
			},
		},
	}

	assert.Equal(t, 60*time.Second, cfg.SyncInterval("tp-team", "fast"))
	assert.Equal(t, 600*time.Second, cfg.SyncInterval("tp-team", "slow"))
	assert.Equal(t, 300*time.Second, cfg.SyncInterval("plain", "tickets"))
}

func TestTicketFieldName(t *testing.T) {
	table := TableConfig{}
	assert.Equal(t, DefaultTicketField, table.TicketFieldName())

	table.TicketField = "Ticket"
	assert.Equal(t, "Ticket", table.TicketFieldName())
}

func TestLinkRuleFor(t *testing.T) {
	cfg := &Config{LinkRules: map[string]LinkRule{
		"TCG":     {Enabled: true, DisplayLinkPrefixes: []string{"TP"}},
		"default": {Enabled: true},
	}}

	rule, ok := cfg.LinkRuleFor("TCG")
	require.True(t, ok)
	assert.Equal(t, []string{"TP"}, rule.DisplayLinkPrefixes)

	rule, ok = cfg.LinkRuleFor("OTHER")
	require.True(t, ok)
	assert.Empty(t, rule.DisplayLinkPrefixes)

	cfg.LinkRules = nil
	_, ok = cfg.LinkRuleFor("TCG")
	assert.False(t, ok)
}
