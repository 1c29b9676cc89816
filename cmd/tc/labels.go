package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/taskcache/internal/schema"
	"github.com/steveyegge/taskcache/internal/ui"
)

var labelCmd = &cobra.Command{
	Use:     "label",
	GroupID: "tasks",
	Short:   "Manage labels and attach them to tasks",
}

var labelCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a label",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		color, _ := cmd.Flags().GetString("color")

		db := openStore()
		defer db.Close()
		coord := newCoordinator(db)
		ctx, cancel := commandContext()
		defer cancel()

		label, err := coord.CreateLabel(ctx, &schema.Label{Title: args[0], HexColor: color})
		reportMutation(err)
		if label != nil {
			fmt.Println(out.LabelLine(label))
		}
	},
}

var labelEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Rename or recolour a label",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseID(args[0])

		db := openStore()
		defer db.Close()
		coord := newCoordinator(db)
		ctx, cancel := commandContext()
		defer cancel()

		label, err := db.GetLabel(ctx, id)
		if err != nil {
			fatalf("%v", err)
		}
		if cmd.Flags().Changed("title") {
			label.Title, _ = cmd.Flags().GetString("title")
		}
		if cmd.Flags().Changed("color") {
			label.HexColor, _ = cmd.Flags().GetString("color")
		}

		updated, err := coord.UpdateLabel(ctx, label)
		reportMutation(err)
		if updated != nil {
			fmt.Println(out.LabelLine(updated))
		}
	},
}

var labelRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a label",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseID(args[0])

		db := openStore()
		defer db.Close()
		coord := newCoordinator(db)
		ctx, cancel := commandContext()
		defer cancel()

		if err := coord.DeleteLabel(ctx, id); err != nil {
			reportMutation(err)
			return
		}
		fmt.Printf("Deleted label %s\n", ui.FormatID(id))
	},
}

var labelAttachCmd = &cobra.Command{
	Use:   "attach <task-id> <label-id>",
	Short: "Attach a label to a task",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		runAssociation(args, true)
	},
}

var labelDetachCmd = &cobra.Command{
	Use:   "detach <task-id> <label-id>",
	Short: "Detach a label from a task",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		runAssociation(args, false)
	},
}

func runAssociation(args []string, attach bool) {
	taskID, labelID := parseID(args[0]), parseID(args[1])

	db := openStore()
	defer db.Close()
	coord := newCoordinator(db)
	ctx, cancel := commandContext()
	defer cancel()

	var task *schema.Task
	var err error
	if attach {
		task, err = coord.AddLabel(ctx, taskID, labelID)
	} else {
		task, err = coord.RemoveLabel(ctx, taskID, labelID)
	}
	reportMutation(err)
	if task != nil {
		fmt.Println(out.Task(task))
	}
}

var labelLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cached labels",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		db := openStore()
		defer db.Close()
		ctx, cancel := commandContext()
		defer cancel()

		labels, err := db.ListLabels(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		if len(labels) == 0 {
			fmt.Println("no labels")
			return
		}
		for _, l := range labels {
			fmt.Println(out.LabelLine(l))
		}
	},
}

func init() {
	labelCreateCmd.Flags().StringP("color", "c", "", "Colour as six hex digits, e.g. e8a33d")
	labelEditCmd.Flags().StringP("title", "t", "", "New title")
	labelEditCmd.Flags().StringP("color", "c", "", "New colour")

	labelCmd.AddCommand(labelCreateCmd, labelEditCmd, labelRmCmd, labelAttachCmd, labelDetachCmd, labelLsCmd)
	rootCmd.AddCommand(labelCmd)
}
