// Command tc is the command-line front end of the offline task cache.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/taskcache/internal/config"
	"github.com/steveyegge/taskcache/internal/coordinator"
	"github.com/steveyegge/taskcache/internal/daemon"
	"github.com/steveyegge/taskcache/internal/logging"
	"github.com/steveyegge/taskcache/internal/remote"
	"github.com/steveyegge/taskcache/internal/store"
	"github.com/steveyegge/taskcache/internal/ui"
)

var (
	configPath string
	cfg        *config.Config
	logOut     *logging.Output
	out        *ui.Renderer
)

var rootCmd = &cobra.Command{
	Use:   "tc",
	Short: "Offline-first task cache",
	Long: `tc manages tasks against a local cache that stays usable offline.

Every change is written to the cache first. When the server can't be
reached the change is queued and replayed later by 'tc sync' or by a
running 'tc daemon'.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loaded, err := config.Load(configPath)
		if err != nil {
			fatalf("%v", err)
		}
		cfg = loaded
		logOut = logging.Open(logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
		out = ui.NewRenderer(os.Stdout)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logOut != nil {
			_ = logOut.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $HOME/.taskcache/config.toml)")
	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Tasks and labels:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// openStore opens the cache in the configured data directory.
func openStore() *store.DB {
	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		fatalf("failed to create data dir: %v", err)
	}
	db, err := store.Open(cfg.DatabasePath(), store.WithLogger(logOut.Logger("store")))
	if err != nil {
		fatalf("opening cache: %v", err)
	}
	return db
}

// newClient returns the server client, or nil when no server is configured.
func newClient() *remote.Client {
	if cfg.Server.URL == "" {
		return nil
	}
	client, err := remote.NewClient(remote.Config{
		BaseURL: cfg.Server.URL,
		Token:   cfg.Server.Token,
		Timeout: cfg.Server.Timeout,
	})
	if err != nil {
		fatalf("%v", err)
	}
	return client
}

func requireClient() *remote.Client {
	client := newClient()
	if client == nil {
		fatalf("server.url is not configured (run 'tc config init' or set TASKCACHE_SERVER_URL)")
	}
	return client
}

// newCoordinator wires a coordinator for one command. Run requests are
// handed to a running daemon through trigger files.
func newCoordinator(db *store.DB) *coordinator.Coordinator {
	c, err := coordinator.New(db, requireClient(), &coordinator.Config{
		Trigger: daemon.NewFileTrigger(cfg.Data.Dir, logOut.Logger("trigger")),
		Logger:  logOut.Logger("coordinator"),
	})
	if err != nil {
		fatalf("%v", err)
	}
	return c
}

// commandContext bounds a single command.
func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Minute)
}

// reportMutation prints the outcome of a coordinator call. A server
// rejection keeps the local change, so it is a warning rather than a
// failure of the command.
func reportMutation(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, coordinator.ErrFatal) {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		fmt.Fprintf(os.Stderr, "The change is kept locally but was not synced.\n")
		return
	}
	fatalf("%v", err)
}
