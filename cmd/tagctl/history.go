package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/store"
)

var (
	historyDB        string
	historyLimit     int
	historyTelemetry bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent composites or telemetry from the history database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.Open(historyDB)
		if err != nil {
			return fmt.Errorf("failed to open history database: %w", err)
		}
		defer db.Close()

		if historyTelemetry {
			return listTelemetry(cmd, db, cmd.OutOrStdout())
		}
		return listComposites(cmd, db, cmd.OutOrStdout())
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyDB, "db", "tagfusion.db", "SQLite history database")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of rows to show")
	historyCmd.Flags().BoolVar(&historyTelemetry, "telemetry", false, "Show telemetry windows instead of composites")
	rootCmd.AddCommand(historyCmd)
}

func listComposites(cmd *cobra.Command, db *store.Store, out io.Writer) error {
	rows, err := db.RecentComposites(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No composites recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FRAME\tTAG\tCENTER\tROLL\tRECORDED")
	fmt.Fprintln(w, "-----\t---\t------\t----\t--------")
	for _, c := range rows {
		fmt.Fprintf(w, "%d\t%d\t(%.1f, %.1f)\t%.1f\t%s\n",
			c.FrameSeq, c.TagID, c.Center[0], c.Center[1], c.Roll,
			c.RecordedAt.Local().Format("2006-01-02 15:04:05.000"))
	}
	return w.Flush()
}

func listTelemetry(cmd *cobra.Command, db *store.Store, out io.Writer) error {
	rows, err := db.RecentTelemetry(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No telemetry recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FPS\tLATENCY (ms)\tRECORDED")
	fmt.Fprintln(w, "---\t------------\t--------")
	for _, t := range rows {
		fmt.Fprintf(w, "%.1f\t%d\t%s\n", t.FPS, t.LatencyMs,
			t.RecordedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
