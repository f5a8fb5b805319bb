package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jackyhsuehtcg/jira-sync-sub000/internal/coordinator"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/config"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/jira"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/lark"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/metrics"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/schema"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/state"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/usercache"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/usermap"
)

// App bundles the assembled runtime pieces a command needs.
type App struct {
	Config      *config.Config
	ConfigPath  string
	Schema      *schema.Schema
	Coordinator *coordinator.Coordinator
	Logger      *logrus.Logger

	logFile *os.File
}

// Close releases storage handles and the log file.
func (a *App) Close() {
	if a.Coordinator != nil {
		_ = a.Coordinator.Close()
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

// setup loads configuration and wires the full client stack. Every command
// goes through here so flag handling and bootstrap stay uniform.
func setup(cmd *cobra.Command) (*App, error) {
	configPath, _ := cmd.Flags().GetString("config")
	logLevelOverride, _ := cmd.Flags().GetString("log-level")

	fmt.Println("📄 Loading configuration...")
	loader := config.NewDotEnvLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	app := &App{Config: cfg, ConfigPath: configPath}

	logger, logFile, err := buildLogger(cfg, logLevelOverride)
	if err != nil {
		return nil, err
	}
	app.Logger = logger
	app.logFile = logFile

	cmd.Flags().Visit(func(flag *pflag.Flag) {
		logger.WithFields(logrus.Fields{
			"flag":  flag.Name,
			"value": flag.Value.String(),
		}).Debug("flag set on command line")
	})

	fmt.Printf("📋 Loading field schema from %s...\n", cfg.Global.SchemaFile)
	schemaDef, err := schema.NewYAMLLoader().Load(cfg.Global.SchemaFile)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	app.Schema = schemaDef

	fmt.Println("🔗 Connecting to JIRA...")
	jiraClient, err := jira.NewClient(jira.Options{
		ServerURL: cfg.JIRA.ServerURL,
		Username:  cfg.JIRA.Username,
		Password:  cfg.JIRA.Password,
		Timeout:   time.Duration(cfg.JIRA.Timeout) * time.Second,
		PageSize:  cfg.JIRA.MaxResults,
	}, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to create JIRA client: %w", err)
	}

	fmt.Println("🔗 Connecting to Lark Base...")
	larkClient, err := lark.NewClient(lark.Options{
		AppID:     cfg.LarkBase.AppID,
		AppSecret: cfg.LarkBase.AppSecret,
	}, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to create Lark client: %w", err)
	}

	stateManager := state.NewManager(cfg.Global.DataDirectory, logger)

	collector, err := metrics.NewCollector(cfg.Global.DataDirectory, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to open metrics store: %w", err)
	}

	var mapper *usermap.Mapper
	if cfg.UserMapping.Enabled {
		store, err := usercache.NewSQLiteStore(cfg.UserMapping.CacheDB)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to open user mapping cache: %w", err)
		}
		mapper, err = usermap.NewMapper(store, larkClient, cfg.UserMapping.Domains, logger)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to create user mapper: %w", err)
		}
	}

	app.Coordinator = coordinator.New(coordinator.Options{
		Config:  cfg,
		Schema:  schemaDef,
		JIRA:    jiraClient,
		Lark:    larkClient,
		State:   stateManager,
		Mapper:  mapper,
		Metrics: collector,
		Logger:  logger,
	})
	return app, nil
}

func buildLogger(cfg *config.Config, levelOverride string) (*logrus.Logger, *os.File, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	levelName := cfg.Global.LogLevel
	if levelOverride != "" {
		levelName = levelOverride
	}
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", levelName, err)
	}
	logger.SetLevel(level)

	var logFile *os.File
	if cfg.Global.LogFile != "" {
		logFile, err = os.OpenFile(cfg.Global.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(logFile)
	}
	return logger, logFile, nil
}
