package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/taskcache/internal/schema"
	"github.com/steveyegge/taskcache/internal/store"
	"github.com/steveyegge/taskcache/internal/ui"
)

var addCmd = &cobra.Command{
	Use:     "add <title>",
	GroupID: "tasks",
	Short:   "Create a task",
	Long: `Create a task. It is sent to the server right away when possible and
queued otherwise; a queued task shows a temporary id like ~3 until it syncs.

Due dates accept RFC 3339, YYYY-MM-DD or natural language:
  tc add "Pay rent" --due "next friday 9am"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		desc, _ := cmd.Flags().GetString("desc")
		dueText, _ := cmd.Flags().GetString("due")
		priority, _ := cmd.Flags().GetInt("priority")
		projectID, _ := cmd.Flags().GetInt64("project")
		labelArgs, _ := cmd.Flags().GetStringSlice("label")

		due, err := parseDue(dueText, time.Now())
		if err != nil {
			fatalf("%v", err)
		}
		labelIDs := parseIDs(labelArgs)

		db := openStore()
		defer db.Close()
		coord := newCoordinator(db)
		ctx, cancel := commandContext()
		defer cancel()

		task, err := coord.CreateTask(ctx, &schema.Task{
			ProjectID:   projectID,
			Title:       args[0],
			Description: desc,
			DueAt:       due,
			Priority:    priority,
		})
		reportMutation(err)
		if task == nil {
			return
		}
		for _, labelID := range labelIDs {
			updated, err := coord.AddLabel(ctx, task.ID, labelID)
			reportMutation(err)
			if updated != nil {
				task = updated
			}
		}
		fmt.Println(out.Task(task))
	},
}

var editCmd = &cobra.Command{
	Use:     "edit <id>",
	GroupID: "tasks",
	Short:   "Change a task's title, description, due date or priority",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseID(args[0])

		db := openStore()
		defer db.Close()
		coord := newCoordinator(db)
		ctx, cancel := commandContext()
		defer cancel()

		task, err := db.GetTask(ctx, id)
		if err != nil {
			fatalf("%v", err)
		}

		flags := cmd.Flags()
		if flags.Changed("title") {
			task.Title, _ = flags.GetString("title")
		}
		if flags.Changed("desc") {
			task.Description, _ = flags.GetString("desc")
		}
		if flags.Changed("priority") {
			task.Priority, _ = flags.GetInt("priority")
		}
		if flags.Changed("project") {
			task.ProjectID, _ = flags.GetInt64("project")
		}
		if flags.Changed("due") {
			text, _ := flags.GetString("due")
			if task.DueAt, err = parseDue(text, time.Now()); err != nil {
				fatalf("%v", err)
			}
		}

		updated, err := coord.UpdateTask(ctx, task)
		reportMutation(err)
		if updated != nil {
			fmt.Println(out.Task(updated))
		}
	},
}

var doneCmd = &cobra.Command{
	Use:     "done <id>",
	GroupID: "tasks",
	Short:   "Toggle a task between done and open",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseID(args[0])

		db := openStore()
		defer db.Close()
		coord := newCoordinator(db)
		ctx, cancel := commandContext()
		defer cancel()

		task, err := coord.ToggleDone(ctx, id)
		reportMutation(err)
		if task != nil {
			fmt.Println(out.Task(task))
		}
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	GroupID: "tasks",
	Short:   "Delete a task",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseID(args[0])

		db := openStore()
		defer db.Close()
		coord := newCoordinator(db)
		ctx, cancel := commandContext()
		defer cancel()

		if err := coord.DeleteTask(ctx, id); err != nil {
			reportMutation(err)
			return
		}
		fmt.Printf("Deleted task %s\n", ui.FormatID(id))
	},
}

var lsCmd = &cobra.Command{
	Use:     "ls",
	GroupID: "tasks",
	Short:   "List cached tasks",
	Long: `List tasks from the local cache. This never contacts the server; run
'tc sync' to refresh the cache.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		projectID, _ := cmd.Flags().GetInt64("project")
		labelArg, _ := cmd.Flags().GetString("label")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.TaskFilter{IncludeDone: all, ProjectID: projectID, Limit: limit}
		if labelArg != "" {
			filter.LabelID = parseID(labelArg)
		}

		db := openStore()
		defer db.Close()
		ctx, cancel := commandContext()
		defer cancel()

		tasks, err := db.ListTasks(ctx, filter)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Println(out.Tasks(tasks))

		counts, err := db.Outbox().Counts(ctx)
		if err == nil && (counts.Pending > 0 || counts.Failed > 0) {
			fmt.Println()
			fmt.Println(out.Banner(counts, true))
		}
	},
}

func parseID(arg string) int64 {
	id, err := ui.ParseID(arg)
	if err != nil {
		fatalf("%v", err)
	}
	return id
}

func parseIDs(args []string) []int64 {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		ids = append(ids, parseID(a))
	}
	return ids
}

func init() {
	for _, c := range []*cobra.Command{addCmd, editCmd} {
		c.Flags().StringP("desc", "d", "", "Description")
		c.Flags().String("due", "", `Due date ("none" clears it)`)
		c.Flags().IntP("priority", "p", 0, fmt.Sprintf("Priority 0-%d", schema.MaxPriority))
		c.Flags().Int64("project", 0, "Project id")
	}
	addCmd.Flags().StringSliceP("label", "l", nil, "Label ids to attach")
	editCmd.Flags().StringP("title", "t", "", "New title")

	lsCmd.Flags().BoolP("all", "a", false, "Include done tasks")
	lsCmd.Flags().Int64("project", 0, "Only tasks of this project")
	lsCmd.Flags().String("label", "", "Only tasks carrying this label id")
	lsCmd.Flags().IntP("limit", "n", 0, "Maximum number of tasks")

	rootCmd.AddCommand(addCmd, editCmd, doneCmd, rmCmd, lsCmd)
}
