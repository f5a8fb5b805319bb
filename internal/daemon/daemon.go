package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/jackyhsuehtcg/jira-sync-sub000/internal/coordinator"
	syncengine "github.com/jackyhsuehtcg/jira-sync-sub000/internal/sync"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/config"
)

const (
	scanInterval       = 10 * time.Second
	tickInterval       = 1 * time.Second
	configPollInterval = 2 * time.Second
	failureBackoff     = 60 * time.Second

	defaultCleanupSchedule = "0 0 * * *"
	defaultRetentionDays   = 90
)

// tableSchedule tracks the dispatch state of one (team, table) pair.
// A zero NextSyncAt means "run immediately".
type tableSchedule struct {
	TeamKey    string
	TableKey   string
	NextSyncAt time.Time
	Busy       bool
}

func scheduleKey(teamKey, tableKey string) string {
	return teamKey + "/" + tableKey
}

// Options configures the daemon.
type Options struct {
	ConfigPath string
	// MetricsAddr serves Prometheus metrics when non-empty (e.g. ":9090").
	MetricsAddr string
	// CleanupSchedule is a cron expression for the daily cleanup window.
	CleanupSchedule string
	RetentionDays   int
}

// Daemon runs the long-lived scheduler: a 10s dispatch scan over all
// enabled tables, a daily cleanup window with pause-and-drain, config hot
// reload by mtime polling, and an optional metrics endpoint.
type Daemon struct {
	coordinator *coordinator.Coordinator
	cfg         *config.Config
	opts        Options
	logger      *logrus.Entry

	mu       sync.Mutex
	schedule map[string]*tableSchedule
	paused   bool

	inflight sync.WaitGroup

	lastConfigModTime time.Time
}

// New creates a daemon around an assembled coordinator.
func New(c *coordinator.Coordinator, cfg *config.Config, opts Options, logger *logrus.Logger) *Daemon {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.CleanupSchedule == "" {
		opts.CleanupSchedule = defaultCleanupSchedule
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = defaultRetentionDays
	}

	d := &Daemon{
		coordinator: c,
		cfg:         cfg,
		opts:        opts,
		logger:      logger.WithField("component", "daemon"),
		schedule:    make(map[string]*tableSchedule),
	}
	d.rebuildSchedule(cfg)
	return d
}

// Run blocks until the context is cancelled. In-flight syncs drain before
// it returns; the processing-log transaction discipline guarantees nothing
// is left half-recorded.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.WithField("tables", len(d.schedule)).Info("daemon starting")

	if d.opts.MetricsAddr != "" && d.coordinator.Metrics() != nil {
		go d.serveMetrics(ctx)
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(d.opts.CleanupSchedule, func() { d.runDailyCleanup(ctx) }); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", d.opts.CleanupSchedule, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	if d.opts.ConfigPath != "" {
		if info, err := os.Stat(d.opts.ConfigPath); err == nil {
			d.lastConfigModTime = info.ModTime()
		}
		go d.watchConfig(ctx)
	}

	for {
		d.dispatchDue(ctx)
		if !d.sleep(ctx, scanInterval) {
			break
		}
	}

	d.logger.Info("daemon stopping, draining in-flight syncs")
	d.inflight.Wait()
	d.logger.Info("daemon stopped")
	return nil
}

// dispatchDue launches every due table on its own goroutine.
func (d *Daemon) dispatchDue(ctx context.Context) {
	now := time.Now()

	d.mu.Lock()
	if d.paused {
		d.mu.Unlock()
		return
	}
	var due []*tableSchedule
	for _, entry := range d.schedule {
		if !entry.Busy && !entry.NextSyncAt.After(now) {
			entry.Busy = true
			due = append(due, entry)
		}
	}
	d.mu.Unlock()

	for _, entry := range due {
		d.inflight.Add(1)
		go func(entry *tableSchedule) {
			defer d.inflight.Done()
			d.runTable(ctx, entry)
		}(entry)
	}
}

func (d *Daemon) runTable(ctx context.Context, entry *tableSchedule) {
	result, err := d.coordinator.SyncSingleTable(ctx, entry.TeamKey, entry.TableKey, false)

	success := err == nil && result != nil && result.Success
	var interval time.Duration
	if success {
		interval = d.syncInterval(entry.TeamKey, entry.TableKey)
	} else {
		interval = failureBackoff
		d.logFailure(entry, result, err)
	}

	d.mu.Lock()
	entry.Busy = false
	entry.NextSyncAt = time.Now().Add(interval)
	d.mu.Unlock()
}

func (d *Daemon) logFailure(entry *tableSchedule, result *syncengine.Result, err error) {
	log := d.logger.WithFields(logrus.Fields{
		"team":  entry.TeamKey,
		"table": entry.TableKey,
	})
	if err == nil && result != nil {
		err = result.Err
	}
	log.WithError(err).WithField("retry_in", failureBackoff).Warn("table sync failed")
}

func (d *Daemon) syncInterval(teamKey, tableKey string) time.Duration {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	if interval := cfg.SyncInterval(teamKey, tableKey); interval > 0 {
		return interval
	}
	return config.DefaultSyncInterval
}

// runDailyCleanup pauses dispatch, waits for in-flight syncs to drain, runs
// the table cleaner plus retention trims, then resumes.
func (d *Daemon) runDailyCleanup(ctx context.Context) {
	d.logger.Info("daily cleanup window opening, pausing dispatch")

	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()

	d.inflight.Wait()

	reports := d.coordinator.CleanupOldData(ctx, d.opts.RetentionDays)
	for _, report := range reports {
		d.logger.WithFields(logrus.Fields{
			"table_id":   report.TableID,
			"duplicates": report.DuplicatesRemoved,
			"orphans":    report.OrphansRemoved,
			"reseeded":   report.Reseeded,
		}).Info("table cleaned")
	}

	if resolved, total, err := d.coordinator.ResolvePendingUsers(ctx); err != nil {
		d.logger.WithError(err).Warn("pending user resolution failed")
	} else if total > 0 {
		d.logger.WithFields(logrus.Fields{"resolved": resolved, "total": total}).
			Info("pending users resolved")
	}

	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
	d.logger.Info("daily cleanup window closed, dispatch resumed")
}

// watchConfig polls the config file's mtime and hot-reloads on change,
// preserving each table's scheduling state.
func (d *Daemon) watchConfig(ctx context.Context) {
	ticker := time.NewTicker(configPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		info, err := os.Stat(d.opts.ConfigPath)
		if err != nil || !info.ModTime().After(d.lastConfigModTime) {
			continue
		}
		d.lastConfigModTime = info.ModTime()

		loader := config.NewFileLoader(d.opts.ConfigPath)
		cfg, err := loader.Load()
		if err != nil {
			d.logger.WithError(err).Error("config reload failed, keeping previous config")
			continue
		}
		if err := loader.Validate(cfg); err != nil {
			d.logger.WithError(err).Error("reloaded config invalid, keeping previous config")
			continue
		}

		d.mu.Lock()
		d.cfg = cfg
		d.mu.Unlock()
		d.rebuildSchedule(cfg)
		d.logger.Info("configuration reloaded")
	}
}

// rebuildSchedule reconciles the dispatch table with the config: new tables
// start immediately, removed tables are dropped, surviving tables keep
// their NextSyncAt.
func (d *Daemon) rebuildSchedule(cfg *config.Config) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := make(map[string]*tableSchedule)
	for _, teamKey := range cfg.EnabledTeams() {
		for _, table := range cfg.EnabledTables(teamKey) {
			key := scheduleKey(teamKey, table.Key)
			if existing, ok := d.schedule[key]; ok {
				next[key] = existing
			} else {
				next[key] = &tableSchedule{TeamKey: teamKey, TableKey: table.Key}
			}
		}
	}
	d.schedule = next
}

// sleep waits in 1s ticks so cancellation is observed promptly. Returns
// false when the context was cancelled.
func (d *Daemon) sleep(ctx context.Context, total time.Duration) bool {
	deadline := time.Now().Add(total)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(tickInterval):
		}
	}
	return true
}

func (d *Daemon) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.coordinator.Metrics().Registry(), promhttp.HandlerOpts{}))

	server := &http.Server{Addr: d.opts.MetricsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	d.logger.WithField("addr", d.opts.MetricsAddr).Info("metrics endpoint listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		d.logger.WithError(err).Error("metrics endpoint failed")
	}
}
