package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/taskcache/internal/snapshot"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Dump the cache and outbox as JSON lines",
	Long: `Write every cached project, label and task, followed by every outbox
record, as one JSON object per line. Useful for backups and for filing
bug reports about stuck changes.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")

		db := openStore()
		defer db.Close()
		ctx, cancel := commandContext()
		defer cancel()

		var w io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				fatalf("failed to create %s: %v", output, err)
			}
			defer f.Close()
			w = f
		}
		buf := bufio.NewWriter(w)

		res, err := snapshot.Export(ctx, db, buf)
		if err != nil {
			fatalf("export failed: %v", err)
		}
		if err := buf.Flush(); err != nil {
			fatalf("export failed: %v", err)
		}
		if output != "" {
			fmt.Printf("Exported %d project(s), %d label(s), %d task(s) and %d outbox record(s) to %s\n",
				res.Projects, res.Labels, res.Tasks, res.Actions, output)
		}
	},
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "Output file (default stdout)")
	rootCmd.AddCommand(exportCmd)
}
