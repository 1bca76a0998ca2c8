package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BadgerOps/fastdl/internal/engine"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// progressInterval is how often a running sync logs a progress snapshot.
const progressInterval = 10 * time.Second

var (
	syncTargets []string
	syncDryRun  bool
	syncForce   bool
	syncWorkers int
	syncNoPrune bool
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror server content into the configured FastDL targets",
		Long: `Mirror server content into the configured FastDL targets. By default, all
targets are synced. Use --target to sync specific targets.

The sync command will:
  1. Walk every folder rule on every server of the target
  2. Verify that servers holding the same file agree on its content
  3. Copy or bzip2-compress files whose destination mtime differs
  4. Prune destination files that no server holds any longer

Files whose content differs between servers are skipped and reported; the
command then exits non-zero.`,
		Example: `  fastdl sync
  fastdl sync --target main,backup
  fastdl sync --target main --dry-run
  fastdl sync --force --workers 8`,
		RunE: syncRun,
	}

	cmd.Flags().StringSliceVar(&syncTargets, "target", nil, "comma-separated list of targets to sync (default all)")
	cmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "show what would be done without making changes")
	cmd.Flags().BoolVar(&syncForce, "force", false, "rewrite every destination regardless of modification time")
	cmd.Flags().IntVar(&syncWorkers, "workers", 0, "number of concurrent writers (default from config)")
	cmd.Flags().BoolVar(&syncNoPrune, "no-prune", false, "skip removing orphaned destination files")

	return cmd
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func syncRun(cmd *cobra.Command, args []string) error {
	if globalEngine == nil {
		return fmt.Errorf("sync engine not initialized")
	}

	ctx, cancel := signalContext()
	defer cancel()

	opts := engine.RunOptions{
		Targets: splitTargets(syncTargets),
		DryRun:  syncDryRun,
		Force:   syncForce,
		NoPrune: syncNoPrune,
	}
	slog.Default().Info("sync operation", "targets", opts.Targets, "dry_run", opts.DryRun, "force", opts.Force)

	stop := logProgress(ctx, globalEngine)
	reports, runErr := globalEngine.Run(ctx, opts)
	stop()

	if !quiet {
		printReports(os.Stdout, reports)
	}
	if runErr != nil {
		return runErr
	}
	return reportsError(reports)
}

// reportsError returns an error when any report carries failures or conflicts.
func reportsError(reports []*engine.Report) error {
	var failed, conflicts int
	for _, r := range reports {
		failed += len(r.Failed)
		conflicts += len(r.Conflicts)
	}
	if failed > 0 || conflicts > 0 {
		return fmt.Errorf("sync completed with %d failures and %d conflicts", failed, conflicts)
	}
	return nil
}

// logProgress periodically logs the engine's active progress until the
// returned stop function is called.
func logProgress(ctx context.Context, e *engine.Engine) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tracker := e.ActiveProgress()
				if tracker == nil {
					continue
				}
				snap := tracker.Snapshot()
				slog.Default().Info("sync progress",
					"target", snap.Target,
					"phase", snap.Phase,
					"completed", snap.CompletedFiles,
					"failed", snap.FailedFiles,
					"total", snap.TotalFiles,
					"percent", fmt.Sprintf("%.1f", snap.Percent),
					"written", humanize.Bytes(uint64(snap.BytesWritten)),
					"elapsed", snap.Elapsed,
				)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func printReports(w io.Writer, reports []*engine.Report) {
	var copied, compressed, current, pruned, failed, conflicts int
	var written int64

	for _, r := range reports {
		if r.DryRun {
			fmt.Fprintf(w, "\n%s (dry run):\n", r.Target)
		} else {
			fmt.Fprintf(w, "\n%s:\n", r.Target)
		}
		fmt.Fprintf(w, "  Copied:     %d\n", r.Copied)
		fmt.Fprintf(w, "  Compressed: %d\n", r.Compressed)
		fmt.Fprintf(w, "  Current:    %d\n", r.Current)
		fmt.Fprintf(w, "  Pruned:     %d\n", r.Pruned)
		fmt.Fprintf(w, "  Conflicts:  %d\n", len(r.Conflicts))
		fmt.Fprintf(w, "  Failed:     %d\n", len(r.Failed))
		fmt.Fprintf(w, "  Written:    %s\n", humanize.Bytes(uint64(r.BytesWritten)))
		if !r.EndTime.IsZero() && !r.StartTime.IsZero() {
			fmt.Fprintf(w, "  Duration:   %s\n", r.EndTime.Sub(r.StartTime).Truncate(time.Millisecond))
		}

		if len(r.MissingFolders) > 0 {
			fmt.Fprintln(w, "  Missing folders:")
			for _, m := range r.MissingFolders {
				fmt.Fprintf(w, "    - %s\n", m)
			}
		}
		if len(r.Conflicts) > 0 {
			fmt.Fprintln(w, "  Conflicts:")
			for _, c := range r.Conflicts {
				fmt.Fprintf(w, "    - %s/%s: %s (%s) vs %s (%s)\n",
					c.Rule, c.Identity, c.PathA, c.DigestA.String()[:12], c.PathB, c.DigestB.String()[:12])
			}
		}
		if len(r.Failed) > 0 {
			fmt.Fprintln(w, "  Failed files:")
			for _, ff := range r.Failed {
				fmt.Fprintf(w, "    - %s: %s\n", ff.Path, ff.Error)
			}
		}

		copied += r.Copied
		compressed += r.Compressed
		current += r.Current
		pruned += r.Pruned
		failed += len(r.Failed)
		conflicts += len(r.Conflicts)
		written += r.BytesWritten
	}

	fmt.Fprintln(w, "\n=== SYNC SUMMARY ===")
	fmt.Fprintf(w, "Total Copied:     %d\n", copied)
	fmt.Fprintf(w, "Total Compressed: %d\n", compressed)
	fmt.Fprintf(w, "Total Current:    %d\n", current)
	fmt.Fprintf(w, "Total Pruned:     %d\n", pruned)
	fmt.Fprintf(w, "Total Conflicts:  %d\n", conflicts)
	fmt.Fprintf(w, "Total Failed:     %d\n", failed)
	fmt.Fprintf(w, "Total Written:    %s\n", humanize.Bytes(uint64(written)))
}
