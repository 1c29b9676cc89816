package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/taskcache/internal/connectivity"
	"github.com/steveyegge/taskcache/internal/daemon"
	"github.com/steveyegge/taskcache/internal/dashboard"
	"github.com/steveyegge/taskcache/internal/logging"
	"github.com/steveyegge/taskcache/internal/scheduler"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon",
	Long: `Run the background sync daemon in the foreground.

The daemon probes the server, replays queued changes whenever it comes
back online, refreshes the cache periodically and fires due-date
reminders. Other tc commands hand it sync requests through trigger files
in the data directory.

When dashboard.port is set, a WebSocket feed of outbox counts, cache
changes and sync results is served on ws://127.0.0.1:<port>/ws.

Stop it with Ctrl+C or SIGTERM.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		client := requireClient()

		// The daemon always logs to stderr as well as the configured file.
		_ = logOut.Close()
		logOut = logging.Open(logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
			Stderr:     true,
		})

		db := openStore()
		defer db.Close()

		config := &daemon.Config{
			DataDir: cfg.Data.Dir,
			Connectivity: &connectivity.Config{
				ProbeInterval: cfg.Connectivity.ProbeInterval,
				ProbeTimeout:  cfg.Connectivity.ProbeTimeout,
				Logger:        logOut.Logger("connectivity"),
			},
			Scheduler: &scheduler.Config{
				Interval:    cfg.Sync.Interval,
				BackoffBase: cfg.Sync.BackoffBase,
				BackoffMax:  cfg.Sync.BackoffMax,
				Logger:      logOut.Logger("scheduler"),
			},
			MaxRetries: cfg.Sync.MaxRetries,
			PageSize:   cfg.Sync.PageSize,
			Logger:     logOut.Logger("daemon"),
		}
		if cfg.Dashboard.Port > 0 {
			config.Dashboard = &dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Logger: logOut.Logger("dashboard"),
			}
		}

		d, err := daemon.New(db, client, config)
		if err != nil {
			fatalf("%v", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			fatalf("%v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
