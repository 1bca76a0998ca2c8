package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BadgerOps/fastdl/internal/engine"
	"github.com/BadgerOps/fastdl/internal/watch"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
)

var (
	watchDebounce time.Duration
	watchNoPrune  bool
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync whenever server content changes",
		Long: `Run a sync, then watch every server folder and sync again once changes
have settled for the debounce period. Runs until interrupted.`,
		Example: `  fastdl watch
  fastdl watch --debounce 10s`,
		RunE: watchRun,
	}

	cmd.Flags().DurationVar(&watchDebounce, "debounce", watch.DefaultDelay, "quiet period after the last change before syncing")
	cmd.Flags().BoolVar(&watchNoPrune, "no-prune", false, "skip removing orphaned destination files")

	return cmd
}

func watchRun(cmd *cobra.Command, args []string) error {
	if globalEngine == nil || globalLayout == nil {
		return fmt.Errorf("sync engine not initialized")
	}

	ctx, cancel := signalContext()
	defer cancel()

	w, err := watch.New(globalLayout, clockwork.NewRealClock(), watchDebounce, logger)
	if err != nil {
		return err
	}

	return w.Run(ctx, func(ctx context.Context) error {
		reports, err := globalEngine.Run(ctx, engine.RunOptions{NoPrune: watchNoPrune})
		if err != nil {
			return err
		}
		for _, r := range reports {
			slog.Default().Info("sync finished",
				"target", r.Target,
				"written", r.Written(),
				"pruned", r.Pruned,
				"conflicts", len(r.Conflicts),
				"failed", len(r.Failed),
			)
		}
		return reportsError(reports)
	})
}
