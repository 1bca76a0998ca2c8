package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long: `Inspect fastdl configuration. Subcommands show the effective configuration
and the folder rules of each game.`,
		Example: `  fastdl config show
  fastdl config games`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigGamesCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration in YAML format, including built-in
defaults and FASTDL_* environment overrides.`,
		Example: `  fastdl config show
  fastdl config show --config /etc/fastdl/fastdl.yaml`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	data, err := yaml.Marshal(globalCfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	fmt.Fprintln(os.Stdout, "Current Configuration:")
	fmt.Fprintln(os.Stdout, "======================")
	fmt.Fprintln(os.Stdout, string(data))

	return nil
}

func newConfigGamesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "games",
		Short: "List the folder rules of each game type",
		RunE:  configGamesRun,
	}
}

func configGamesRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	table, err := globalCfg.RuleTable()
	if err != nil {
		return err
	}
	for _, game := range table.Games() {
		folders, err := table.Lookup(game)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s:\n", game)
		for _, f := range folders {
			mode := "recursive"
			if !f.Recursive {
				mode = "flat"
			}
			line := fmt.Sprintf("  %-22s %-9s %s", f.Path, mode, strings.Join(f.Extensions, " "))
			if len(f.Exclude) > 0 {
				line += "  exclude: " + strings.Join(f.Exclude, " ")
			}
			fmt.Fprintln(os.Stdout, line)
		}
	}
	return nil
}
