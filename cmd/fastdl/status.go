package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/BadgerOps/fastdl/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	statusTargets   []string
	statusLimit     int
	statusConflicts bool
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display recent sync runs from the run history",
		Long: `Display recent sync runs recorded in the run history database, with
per-target counters and any conflicts or unresolved failures. Requires
history.db_path (or FASTDL_HISTORY_DB) to be set.`,
		Example: `  fastdl status
  fastdl status --target main --limit 5
  fastdl status --conflicts`,
		RunE: statusRun,
	}

	cmd.Flags().StringSliceVar(&statusTargets, "target", nil, "comma-separated list of targets to show (default all)")
	cmd.Flags().IntVar(&statusLimit, "limit", 10, "maximum number of runs to show per target")
	cmd.Flags().BoolVar(&statusConflicts, "conflicts", false, "also list recorded conflicts")

	return cmd
}

func openHistory() (*store.Store, error) {
	if globalStore != nil {
		return globalStore, nil
	}
	if globalCfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	dbPath, err := globalCfg.HistoryPath()
	if err != nil {
		return nil, err
	}
	if dbPath == "" {
		return nil, fmt.Errorf("run history is disabled; set history.db_path or FASTDL_HISTORY_DB")
	}
	st, err := store.New(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}
	globalStore = st
	return st, nil
}

func statusRun(cmd *cobra.Command, args []string) error {
	st, err := openHistory()
	if err != nil {
		return err
	}
	return printStatus(os.Stdout, st, splitTargets(statusTargets), statusLimit, statusConflicts)
}

func printStatus(w io.Writer, st *store.Store, targets []string, limit int, withConflicts bool) error {
	if len(targets) == 0 {
		targets = []string{""}
	}

	var runs []store.SyncRun
	for _, t := range targets {
		r, err := st.ListSyncRuns(t, limit)
		if err != nil {
			return err
		}
		runs = append(runs, r...)
	}

	if len(runs) == 0 {
		fmt.Fprintln(w, "No sync runs recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tSTARTED\tSTATUS\tWRITTEN\tCURRENT\tPRUNED\tCONFLICTS\tFAILED\tBYTES\tDURATION")
	for _, r := range runs {
		status := r.Status
		if r.DryRun {
			status += " (dry run)"
		}
		duration := "-"
		if !r.EndTime.IsZero() && r.EndTime.After(r.StartTime) {
			duration = r.EndTime.Sub(r.StartTime).Truncate(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.Target,
			humanize.Time(r.StartTime),
			status,
			r.FilesCopied+r.FilesCompressed,
			r.FilesCurrent,
			r.FilesPruned,
			r.Conflicts,
			r.FilesFailed,
			humanize.Bytes(uint64(r.BytesWritten)),
			duration,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, t := range targets {
		failed, err := st.ListFailedFiles(t)
		if err != nil {
			return err
		}
		if len(failed) > 0 {
			fmt.Fprintf(w, "\nUnresolved failures (%d):\n", len(failed))
			for _, f := range failed {
				fmt.Fprintf(w, "  - [%s] %s: %s (retries: %d)\n", f.Target, f.Path, f.Error, f.RetryCount)
			}
		}
	}

	if !withConflicts {
		return nil
	}
	for _, t := range targets {
		conflicts, err := st.ListConflicts(t, limit)
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			continue
		}
		fmt.Fprintf(w, "\nConflicts (%d):\n", len(conflicts))
		for _, c := range conflicts {
			fmt.Fprintf(w, "  - [%s] %s/%s: %s vs %s (%s)\n",
				c.Target, c.Rule, c.Identity, c.ServerA, c.ServerB, humanize.Time(c.DetectedAt))
		}
	}
	return nil
}
