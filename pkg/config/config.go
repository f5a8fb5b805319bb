package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/jql"
)

// Config is the root of the application configuration loaded from YAML.
type Config struct {
	Global      GlobalConfig          `yaml:"global"`
	JIRA        JIRAConfig            `yaml:"jira"`
	LarkBase    LarkBaseConfig        `yaml:"lark_base"`
	UserMapping UserMappingConfig     `yaml:"user_mapping"`
	Teams       map[string]TeamConfig `yaml:"teams"`
	LinkRules   map[string]LinkRule   `yaml:"issue_link_rules"`
}

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	SchemaFile          string `yaml:"schema_file"`
	DataDirectory       string `yaml:"data_directory"`
	DefaultSyncInterval int    `yaml:"default_sync_interval"` // seconds
	LogLevel            string `yaml:"log_level"`
	LogFile             string `yaml:"log_file"`
	LogMaxSize          int    `yaml:"log_max_size"`
	LogBackupCount      int    `yaml:"log_backup_count"`
}

// JIRAConfig holds the JIRA server connection settings.
type JIRAConfig struct {
	ServerURL  string `yaml:"server_url"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Timeout    int    `yaml:"timeout"`     // seconds
	MaxResults int    `yaml:"max_results"` // page size cap for searches
}

// LarkBaseConfig holds the Lark application credentials.
type LarkBaseConfig struct {
	AppID     string `yaml:"app_id"`
	AppSecret string `yaml:"app_secret"`
}

// UserMappingConfig controls JIRA-to-Lark user resolution.
// Domains is an ordered candidate list; an entry of the form
// ".suffix@example.com" composes "username.suffix@example.com",
// a bare "example.com" composes "username@example.com".
type UserMappingConfig struct {
	Enabled bool     `yaml:"enabled"`
	CacheDB string   `yaml:"cache_db"`
	Domains []string `yaml:"domains"`
}

// TeamConfig describes one team and its synchronized tables.
type TeamConfig struct {
	Enabled      bool                   `yaml:"enabled"`
	DisplayName  string                 `yaml:"display_name"`
	WikiToken    string                 `yaml:"wiki_token"`
	SyncInterval int                    `yaml:"sync_interval"` // seconds, optional
	Tables       map[string]TableConfig `yaml:"tables"`
}

// TableConfig describes one target table and its source query.
type TableConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Name           string   `yaml:"name"`
	TableID        string   `yaml:"table_id"`
	JQLQuery       string   `yaml:"jql_query"`
	TicketField    string   `yaml:"ticket_field"`
	SyncInterval   int      `yaml:"sync_interval"` // seconds, optional
	ExcludedFields []string `yaml:"excluded_fields"`
}

// LinkRule controls which linked-issue prefixes are rendered for a ticket prefix.
type LinkRule struct {
	Enabled             bool     `yaml:"enabled"`
	DisplayLinkPrefixes []string `yaml:"display_link_prefixes"`
}

const (
	DefaultSyncInterval = 300 * time.Second
	DefaultJIRATimeout  = 30 * time.Second
	DefaultMaxResults   = 1000
	DefaultTicketField  = "Issue Key"
)

// Provider defines the interface for configuration loading.
// This enables dependency injection and easy testing.
type Provider interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// FileLoader implements Provider by reading a YAML file, with
// environment-variable overrides for credentials.
type FileLoader struct {
	path      string
	envLoader EnvLoader
}

// EnvLoader defines interface for environment variable loading.
// This allows for testing with mock environment variables.
type EnvLoader interface {
	Getenv(key string) string
	LookupEnv(key string) (string, bool)
}

// OSEnvLoader implements EnvLoader using os package
type OSEnvLoader struct{}

func (o *OSEnvLoader) Getenv(key string) string {
	return os.Getenv(key)
}

func (o *OSEnvLoader) LookupEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}

// NewFileLoader creates a configuration loader for the given YAML file.
func NewFileLoader(path string) Provider {
	return &FileLoader{path: path, envLoader: &OSEnvLoader{}}
}

// NewFileLoaderWithEnv creates a loader with a custom environment loader (for testing).
func NewFileLoaderWithEnv(path string, envLoader EnvLoader) Provider {
	return &FileLoader{path: path, envLoader: envLoader}
}

// Load reads, overrides, defaults, and validates the configuration.
func (l *FileLoader) Load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", l.path, err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", l.path, err)
	}

	l.applyEnvOverrides(config)
	l.applyDefaults(config)

	if err := l.Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides lets credentials come from the environment instead of
// living in the YAML file checked into version control.
func (l *FileLoader) applyEnvOverrides(config *Config) {
	if v, ok := l.envLoader.LookupEnv("JIRA_SERVER_URL"); ok {
		config.JIRA.ServerURL = v
	}
	if v, ok := l.envLoader.LookupEnv("JIRA_USERNAME"); ok {
		config.JIRA.Username = v
	}
	if v, ok := l.envLoader.LookupEnv("JIRA_PASSWORD"); ok {
		config.JIRA.Password = v
	}
	if v, ok := l.envLoader.LookupEnv("LARK_APP_ID"); ok {
		config.LarkBase.AppID = v
	}
	if v, ok := l.envLoader.LookupEnv("LARK_APP_SECRET"); ok {
		config.LarkBase.AppSecret = v
	}
}

func (l *FileLoader) applyDefaults(config *Config) {
	if config.Global.DefaultSyncInterval <= 0 {
		config.Global.DefaultSyncInterval = int(DefaultSyncInterval.Seconds())
	}
	if config.Global.LogLevel == "" {
		config.Global.LogLevel = "info"
	}
	if config.JIRA.Timeout <= 0 {
		config.JIRA.Timeout = int(DefaultJIRATimeout.Seconds())
	}
	if config.JIRA.MaxResults <= 0 {
		config.JIRA.MaxResults = DefaultMaxResults
	}
}

// Validate checks the configuration and aggregates every problem found.
func (l *FileLoader) Validate(config *Config) error {
	var errors []string

	if config.Global.SchemaFile == "" {
		errors = append(errors, "global.schema_file is required")
	}
	if config.Global.DataDirectory == "" {
		errors = append(errors, "global.data_directory is required")
	}
	if err := validateLogLevel(config.Global.LogLevel); err != nil {
		errors = append(errors, fmt.Sprintf("global.log_level is invalid: %v", err))
	}

	if config.JIRA.ServerURL == "" {
		errors = append(errors, "jira.server_url is required")
	} else if err := validateURL(config.JIRA.ServerURL); err != nil {
		errors = append(errors, fmt.Sprintf("jira.server_url is invalid: %v", err))
	}
	if config.JIRA.Username == "" {
		errors = append(errors, "jira.username is required")
	}
	if config.JIRA.Password == "" {
		errors = append(errors, "jira.password is required")
	}

	if config.LarkBase.AppID == "" {
		errors = append(errors, "lark_base.app_id is required")
	}
	if config.LarkBase.AppSecret == "" {
		errors = append(errors, "lark_base.app_secret is required")
	}

	if config.UserMapping.Enabled && config.UserMapping.CacheDB == "" {
		errors = append(errors, "user_mapping.cache_db is required when user mapping is enabled")
	}

	if len(config.Teams) == 0 {
		errors = append(errors, "at least one team must be configured")
	}

	for _, teamName := range sortedTeamNames(config.Teams) {
		team := config.Teams[teamName]
		if !team.Enabled {
			continue
		}
		if team.WikiToken == "" {
			errors = append(errors, fmt.Sprintf("team %s: wiki_token is required", teamName))
		}
		for _, tableName := range sortedTableNames(team.Tables) {
			table := team.Tables[tableName]
			if !table.Enabled {
				continue
			}
			if table.TableID == "" {
				errors = append(errors, fmt.Sprintf("team %s table %s: table_id is required", teamName, tableName))
			}
			if table.Name == "" {
				errors = append(errors, fmt.Sprintf("team %s table %s: name is required", teamName, tableName))
			}
			if strings.TrimSpace(table.JQLQuery) == "" {
				errors = append(errors, fmt.Sprintf("team %s table %s: jql_query is required", teamName, tableName))
			} else {
				for _, problem := range jql.Validate(table.JQLQuery) {
					errors = append(errors, fmt.Sprintf("team %s table %s: %s", teamName, tableName, problem))
				}
			}
		}
	}

	if len(errors) > 0 {
		return &ValidationError{Errors: errors}
	}

	return nil
}

// ValidationError aggregates every configuration problem found during Load.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// EnabledTeams returns the names of enabled teams in stable order.
func (c *Config) EnabledTeams() []string {
	var names []string
	for name, team := range c.Teams {
		if team.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// EnabledTables returns the enabled tables of a team keyed by table name,
// in stable order. Returns nil if the team is absent or disabled.
func (c *Config) EnabledTables(teamName string) []NamedTable {
	team, ok := c.Teams[teamName]
	if !ok || !team.Enabled {
		return nil
	}

	var tables []NamedTable
	for _, tableName := range sortedTableNames(team.Tables) {
		table := team.Tables[tableName]
		if table.Enabled {
			tables = append(tables, NamedTable{Key: tableName, TableConfig: table})
		}
	}
	return tables
}

// NamedTable pairs a table configuration with its key in the teams map.
type NamedTable struct {
	Key string
	TableConfig
}

// Table looks up an enabled table by team and table key.
func (c *Config) Table(teamName, tableName string) (*NamedTable, bool) {
	for _, table := range c.EnabledTables(teamName) {
		if table.Key == tableName {
			t := table
			return &t, true
		}
	}
	return nil, false
}

// SyncInterval resolves the effective interval for a table:
// table setting wins over team setting wins over the global default.
func (c *Config) SyncInterval(teamName, tableName string) time.Duration {
	if table, ok := c.Table(teamName, tableName); ok && table.SyncInterval > 0 {
		return time.Duration(table.SyncInterval) * time.Second
	}
	if team, ok := c.Teams[teamName]; ok && team.SyncInterval > 0 {
		return time.Duration(team.SyncInterval) * time.Second
	}
	return time.Duration(c.Global.DefaultSyncInterval) * time.Second
}

// TicketFieldName returns the configured ticket column for a table,
// falling back to the conventional default.
func (t *TableConfig) TicketFieldName() string {
	if t.TicketField != "" {
		return t.TicketField
	}
	return DefaultTicketField
}

// LinkRuleFor returns the link rule for a ticket prefix, falling back to
// the "default" rule when the prefix has no entry of its own.
func (c *Config) LinkRuleFor(prefix string) (LinkRule, bool) {
	if rule, ok := c.LinkRules[prefix]; ok {
		return rule, true
	}
	rule, ok := c.LinkRules["default"]
	return rule, ok
}

func sortedTeamNames(teams map[string]TeamConfig) []string {
	names := make([]string, 0, len(teams))
	for name := range teams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedTableNames(tables map[string]TableConfig) []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateURL(urlStr string) error {
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL must use http or https scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

func validateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("must be one of: %s", strings.Join(validLevels, ", "))
}
