package commands

import (
	"os"

	"gradewatch/internal/components/telemetry"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(showCmd)
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Prints the grades seen by the last check.",
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

		records, err := storage.store.Load(cmd.Context())
		if err != nil {
			fatal("failed to load grades", err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"学年", "学期", "课程代码", "课程名称", "课程性质", "学分", "成绩"})
		for _, r := range records {
			t.AppendRow(table.Row{
				r.AcademicYear, r.Term, r.CourseCode, r.CourseName,
				r.CourseType, r.Credits, r.Score,
			})
		}
		t.AppendFooter(table.Row{"", "", "", "", "", "total", len(records)})
		t.Render()
	},
}
