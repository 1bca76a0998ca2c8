package main

import (
	"fmt"
	"io"
	"os"

	"github.com/BadgerOps/fastdl/internal/engine"
	"github.com/spf13/cobra"
)

var checkTargets []string

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report files whose content differs between servers",
		Long: `Walk every server of each target and compare the fingerprints of files that
more than one server holds. Nothing is written. Exits non-zero when a
conflict is found.`,
		Example: `  fastdl check
  fastdl check --target main`,
		RunE: checkRun,
	}

	cmd.Flags().StringSliceVar(&checkTargets, "target", nil, "comma-separated list of targets to check (default all)")

	return cmd
}

func checkRun(cmd *cobra.Command, args []string) error {
	if globalEngine == nil {
		return fmt.Errorf("sync engine not initialized")
	}

	ctx, cancel := signalContext()
	defer cancel()

	reports, err := globalEngine.Check(ctx, engine.RunOptions{Targets: splitTargets(checkTargets)})
	if err != nil {
		return err
	}

	if !quiet {
		printCheck(os.Stdout, reports)
	}
	return reportsError(reports)
}

func printCheck(w io.Writer, reports []*engine.Report) {
	for _, r := range reports {
		if len(r.Conflicts) == 0 && len(r.Failed) == 0 {
			fmt.Fprintf(w, "%s: OK\n", r.Target)
			continue
		}
		fmt.Fprintf(w, "%s: %d conflicts, %d errors\n", r.Target, len(r.Conflicts), len(r.Failed))
		for _, c := range r.Conflicts {
			fmt.Fprintf(w, "  - %s/%s\n", c.Rule, c.Identity)
			fmt.Fprintf(w, "      %s: %s  %s\n", c.ServerA, c.DigestA, c.PathA)
			fmt.Fprintf(w, "      %s: %s  %s\n", c.ServerB, c.DigestB, c.PathB)
		}
		for _, ff := range r.Failed {
			fmt.Fprintf(w, "  - %s: %s\n", ff.Path, ff.Error)
		}
	}
}
