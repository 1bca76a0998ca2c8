package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/BadgerOps/fastdl/internal/engine"
	"github.com/spf13/cobra"
)

var (
	pruneTargets []string
	pruneDryRun  bool
)

func newPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove destination files no server holds any longer",
		Long: `Run only the pruning pass. Destination files are removed when no server of
the target holds the file any more, when they are the wrong representation
(raw or .bz2) for the current source size, or when they are temp files left
by an interrupted write. Files that are currently in conflict are kept.`,
		Example: `  fastdl prune
  fastdl prune --target main --dry-run`,
		RunE: pruneRun,
	}

	cmd.Flags().StringSliceVar(&pruneTargets, "target", nil, "comma-separated list of targets to prune (default all)")
	cmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "show what would be removed without removing it")

	return cmd
}

func pruneRun(cmd *cobra.Command, args []string) error {
	if globalEngine == nil {
		return fmt.Errorf("sync engine not initialized")
	}

	ctx, cancel := signalContext()
	defer cancel()

	opts := engine.RunOptions{Targets: splitTargets(pruneTargets), DryRun: pruneDryRun}
	slog.Default().Info("prune operation", "targets", opts.Targets, "dry_run", opts.DryRun)

	reports, err := globalEngine.Prune(ctx, opts)
	if !quiet {
		for _, r := range reports {
			verb := "Pruned"
			if r.DryRun {
				verb = "Would prune"
			}
			fmt.Fprintf(os.Stdout, "%s: %s %d files, %d failed\n", r.Target, verb, r.Pruned, len(r.Failed))
		}
	}
	if err != nil {
		return err
	}
	for _, r := range reports {
		if len(r.Failed) > 0 {
			return fmt.Errorf("prune completed with failures")
		}
	}
	return nil
}
