package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/taskcache/internal/daemon"
	"github.com/steveyegge/taskcache/internal/store"
	"github.com/steveyegge/taskcache/internal/worker"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Replay queued changes and refresh the cache",
	Long: `Replay every queued change against the server, then pull the
authoritative task list into the cache.

If a daemon (or another 'tc sync') is already syncing, the request is
handed to it and this command returns immediately.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		client := requireClient()
		db := openStore()
		defer db.Close()

		w, err := worker.New(db, client, &worker.Config{
			MaxRetries: cfg.Sync.MaxRetries,
			PageSize:   cfg.Sync.PageSize,
			LockPath:   filepath.Join(cfg.Data.Dir, daemon.LockFile),
			Logger:     logOut.Logger("worker"),
		})
		if err != nil {
			fatalf("%v", err)
		}

		ctx, cancel := commandContext()
		defer cancel()

		res, err := w.Run(ctx)
		if errors.Is(err, worker.ErrBusy) {
			daemon.NewFileTrigger(cfg.Data.Dir, logOut.Logger("trigger")).EnqueueImmediate()
			fmt.Println("A sync is already running; another pass was requested.")
			return
		}
		if err != nil {
			fatalf("sync failed: %v", err)
		}
		printResult(res)

		if counts, err := db.Outbox().Counts(ctx); err == nil && (counts.Pending > 0 || counts.Failed > 0) {
			fmt.Println(out.Banner(counts, res.RefreshErr == nil))
		}
	},
}

func printResult(res *worker.Result) {
	fmt.Printf("Replayed %d change(s): %d synced, %d retrying, %d failed",
		res.Attempted, res.Completed, res.Retried, res.Failed)
	if res.Deferred > 0 {
		fmt.Printf(", %d waiting", res.Deferred)
	}
	fmt.Println()
	if res.Pruned > 0 {
		fmt.Printf("Removed %d task(s) deleted on the server\n", res.Pruned)
	}
	if res.RefreshErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: cache refresh failed: %v\n", res.RefreshErr)
	}
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show connectivity and outbox state",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		db := openStore()
		defer db.Close()
		ctx, cancel := commandContext()
		defer cancel()

		online := false
		if client := newClient(); client != nil {
			probeCtx, probeCancel := context.WithTimeout(ctx, cfg.Connectivity.ProbeTimeout)
			online = client.Health(probeCtx) == nil
			probeCancel()
		}

		counts, err := db.Outbox().Counts(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		tasks, err := db.CountTasks(ctx)
		if err != nil {
			fatalf("%v", err)
		}

		fmt.Println(out.Banner(counts, online))
		fmt.Println()
		fmt.Printf("Cached tasks: %d\n", tasks)
		fmt.Printf("Database:     %s\n", db.Path())
		server := cfg.Server.URL
		if server == "" {
			server = "(not configured)"
		}
		fmt.Printf("Server:       %s\n", server)
		if cfg.File != "" {
			fmt.Printf("Config:       %s\n", cfg.File)
		}
	},
}

var outboxCmd = &cobra.Command{
	Use:     "outbox",
	GroupID: "sync",
	Short:   "List queued changes",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		statusArg, _ := cmd.Flags().GetString("status")

		var statuses []store.Status
		switch statusArg {
		case "":
			statuses = []store.Status{store.StatusPending, store.StatusProcessing, store.StatusFailed}
		case "all":
		case string(store.StatusPending), string(store.StatusProcessing), string(store.StatusCompleted), string(store.StatusFailed):
			statuses = []store.Status{store.Status(statusArg)}
		default:
			fatalf("invalid status %q (pending, processing, completed, failed or all)", statusArg)
		}

		db := openStore()
		defer db.Close()
		ctx, cancel := commandContext()
		defer cancel()

		actions, err := db.Outbox().List(ctx, statuses...)
		if err != nil {
			fatalf("%v", err)
		}
		if len(actions) == 0 {
			fmt.Println("outbox is empty")
			return
		}
		for _, a := range actions {
			fmt.Println(out.Action(a))
		}
	},
}

var retryFailedCmd = &cobra.Command{
	Use:     "retry-failed",
	GroupID: "sync",
	Short:   "Move failed changes back into the queue",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		db := openStore()
		defer db.Close()
		coord := newCoordinator(db)
		ctx, cancel := commandContext()
		defer cancel()

		n, err := coord.RetryAllFailed(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Requeued %d failed change(s)\n", n)
	},
}

var clearFailedCmd = &cobra.Command{
	Use:     "clear-failed",
	GroupID: "sync",
	Short:   "Discard failed changes",
	Long: `Discard every failed change. The local copies stay in the cache and
keep their "not synced" marker until the next refresh replaces them.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		db := openStore()
		defer db.Close()
		coord := newCoordinator(db)
		ctx, cancel := commandContext()
		defer cancel()

		n, err := coord.ClearFailedActions(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Discarded %d failed change(s)\n", n)
	},
}

func init() {
	outboxCmd.Flags().StringP("status", "s", "", "Only records in this status (default: everything not completed)")

	rootCmd.AddCommand(syncCmd, statusCmd, outboxCmd, retryFailedCmd, clearFailedCmd)
}
