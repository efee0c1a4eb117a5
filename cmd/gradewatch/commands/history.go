package commands

import (
	"errors"
	"os"
	"time"

	"gradewatch/internal/components/telemetry"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var historyLimit *int

func init() {
	historyLimit = historyCmd.Flags().Int("limit", 20, "The number of runs to show.")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history [--limit N]",
	Short: "Lists the most recent checks, requires database.file (or GRADEWATCH_DB).",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(*configPath, os.Getenv)
		if err != nil {
			fatal("failed to read config", err)
		}
		storage, err := openStorage(cmd.Context(), cfg, telemetry.SlogAPI{})
		if err != nil {
			fatal("failed to open storage", err)
		}
		defer storage.close()

		if storage.history == nil {
			fatal("no run history", errors.New("database.file is not configured"))
		}
		runs, err := storage.history.Runs(cmd.Context(), *historyLimit)
		if err != nil {
			fatal("failed to read run history", err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"started", "outcome", "attempts", "extracted", "new", "error"})
		for _, run := range runs {
			t.AppendRow(table.Row{
				run.StartedAt.Local().Format(time.DateTime),
				run.Outcome,
				run.Attempts,
				run.Extracted,
				run.NewGrades,
				run.Err,
			})
		}
		t.Render()
	},
}
