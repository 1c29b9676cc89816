// Package daemon hosts the long-running side of the cache: connectivity
// probing, the sync scheduler and worker, due-date reminders and the
// optional dashboard.
//
// The daemon:
//  1. Probes the server and feeds connectivity edges to the scheduler
//  2. Runs the worker whenever the scheduler decides to
//  3. Arms reminder timers from the cache and rebuilds them after every pull
//  4. Turns trigger file writes by other processes into run requests
//  5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/steveyegge/taskcache/internal/connectivity"
	"github.com/steveyegge/taskcache/internal/coordinator"
	"github.com/steveyegge/taskcache/internal/dashboard"
	"github.com/steveyegge/taskcache/internal/reminder"
	"github.com/steveyegge/taskcache/internal/remote"
	"github.com/steveyegge/taskcache/internal/scheduler"
	"github.com/steveyegge/taskcache/internal/schema"
	"github.com/steveyegge/taskcache/internal/store"
	"github.com/steveyegge/taskcache/internal/worker"
)

// LockFile is the name of the cross-process sync lock in the data directory.
const LockFile = "sync.lock"

// Config holds configuration for the daemon.
type Config struct {
	// DataDir holds the lock and trigger files (required)
	DataDir string

	// Connectivity configures the health probe
	Connectivity *connectivity.Config

	// Scheduler configures run timing; OnResult is chained after the
	// daemon's own handler
	Scheduler *scheduler.Config

	// MaxRetries and PageSize are passed to the worker (0 = default)
	MaxRetries int
	PageSize   int

	// Dashboard enables the WebSocket feed when non-nil
	Dashboard *dashboard.Config

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults. DataDir must still be set.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon wires the sync components together.
type Daemon struct {
	db     *store.DB
	api    remote.API
	config *Config

	monitor   *connectivity.Monitor
	reminders *reminder.Timers
	worker    *worker.Worker
	scheduler *scheduler.Scheduler
	server    *dashboard.Server
	feed      *dashboard.Feed
	watcher   *TriggerWatcher

	onResult func(*worker.Result, error)

	stopOnce sync.Once
	wg       sync.WaitGroup
	done     chan struct{}
}

// New creates a daemon. Use Start to run it.
func New(db *store.DB, api remote.API, config *Config) (*Daemon, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if api == nil {
		return nil, fmt.Errorf("api cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DataDir == "" {
		return nil, fmt.Errorf("data dir cannot be empty")
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	d := &Daemon{
		db:     db,
		api:    api,
		config: config,
		done:   make(chan struct{}),
	}

	if config.Dashboard != nil {
		d.server = dashboard.NewServer(config.Dashboard)
		d.feed = dashboard.NewFeed(d.server, db, config.Logger)
		if config.Dashboard.Welcome == nil {
			config.Dashboard.Welcome = d.feed.Welcome
		}
	}

	d.monitor = connectivity.NewMonitor(api, config.Connectivity)

	d.reminders = reminder.NewTimers(
		func(ctx context.Context) ([]*schema.Task, error) {
			return db.ListTasks(ctx, store.TaskFilter{})
		},
		&reminder.Config{Fire: d.fire, Logger: config.Logger},
	)

	w, err := worker.New(db, api, &worker.Config{
		MaxRetries: config.MaxRetries,
		PageSize:   config.PageSize,
		LockPath:   filepath.Join(config.DataDir, LockFile),
		Reminders:  d.reminders,
		Logger:     config.Logger,
	})
	if err != nil {
		return nil, err
	}
	d.worker = w

	schedConfig := config.Scheduler
	if schedConfig == nil {
		schedConfig = scheduler.DefaultConfig()
	}
	d.onResult = schedConfig.OnResult
	schedConfig.OnResult = d.handleResult
	s, err := scheduler.New(w, d.monitor, schedConfig)
	if err != nil {
		return nil, err
	}
	d.scheduler = s

	watcher, err := NewTriggerWatcher()
	if err != nil {
		return nil, err
	}
	d.watcher = watcher

	return d, nil
}

// Coordinator returns a coordinator wired to this daemon's scheduler,
// connectivity monitor and reminders.
func (d *Daemon) Coordinator() (*coordinator.Coordinator, error) {
	return coordinator.New(d.db, d.api, &coordinator.Config{
		Reminders: d.reminders,
		Trigger:   d.scheduler,
		Online:    d.monitor.Online,
		Observe:   d.monitor.Observe,
		Logger:    d.config.Logger,
	})
}

// Scheduler returns the daemon's scheduler.
func (d *Daemon) Scheduler() *scheduler.Scheduler {
	return d.scheduler
}

// DashboardAddr returns the dashboard's listening address, or "" when the
// dashboard is disabled.
func (d *Daemon) DashboardAddr() string {
	if d.server == nil {
		return ""
	}
	return d.server.Addr()
}

// Start brings every component up and blocks until ctx is cancelled or
// Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := os.MkdirAll(d.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	if d.server != nil {
		if err := d.server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		d.feed.Start()
	}

	if err := d.watcher.Start(d.config.DataDir); err != nil {
		d.stopDashboard()
		return err
	}
	d.config.Logger.Printf("Watching: %s", d.config.DataDir)

	// Armed only once nothing above can fail, so an aborted start leaves no
	// timers behind.
	if err := d.reminders.RescheduleAll(ctx); err != nil {
		d.config.Logger.Printf("WARNING: Failed to arm reminders: %v", err)
	}

	d.monitor.Start()
	d.scheduler.Start()

	d.wg.Add(1)
	go d.watchRequests()

	// Whatever is queued from before the restart goes out as soon as the
	// server is reachable.
	d.scheduler.EnqueueWhenOnline()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.done:
		return nil
	}
}

// Stop shuts everything down. An in-flight run is cancelled and its
// record returned to pending.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		close(d.done)

		if werr := d.watcher.Stop(); werr != nil {
			d.config.Logger.Printf("Error closing watcher: %v", werr)
		}
		d.wg.Wait()

		d.scheduler.Stop()
		d.monitor.Stop()
		d.reminders.Stop()
		err = d.stopDashboard()

		d.config.Logger.Println("Daemon stopped")
	})
	return err
}

func (d *Daemon) stopDashboard() error {
	if d.server == nil {
		return nil
	}
	d.feed.Stop()
	return d.server.Stop()
}

// watchRequests forwards trigger file writes to the scheduler.
func (d *Daemon) watchRequests() {
	defer d.wg.Done()

	requests := d.watcher.Requests()
	errs := d.watcher.Errors()
	for {
		select {
		case req, ok := <-requests:
			if !ok {
				return
			}
			d.config.Logger.Printf("Trigger: %s", req)
			switch req {
			case RequestImmediate:
				d.scheduler.EnqueueImmediate()
			case RequestWhenOnline:
				d.scheduler.EnqueueWhenOnline()
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) handleResult(res *worker.Result, err error) {
	if d.feed != nil {
		d.feed.OnSyncResult(res, err)
	}
	if d.onResult != nil {
		d.onResult(res, err)
	}
}

func (d *Daemon) fire(task *schema.Task) {
	if d.feed != nil {
		d.feed.OnReminder(task)
		return
	}
	d.config.Logger.Printf("Task %d due: %s", task.ID, task.Title)
}
