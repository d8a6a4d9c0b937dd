package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sykli-ci/sykli/internal/diag"
)

// globalFlags holds the persistent flags every subcommand shares (spec §6.2).
type globalFlags struct {
	filter     string
	target     string
	timeout    int
	allowDirty bool
	verbose    bool
	noColor    bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "sykli",
		Short:         "Content-addressed, graph-scheduled CI/CD task engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			diag.SetColorEnabled(!flags.noColor)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), ".", flags)
		},
	}

	root.PersistentFlags().StringVar(&flags.filter, "filter", "", "only run tasks matching this glob pattern")
	root.PersistentFlags().StringVar(&flags.target, "target", "", "default execution target (local|k8s)")
	root.PersistentFlags().IntVar(&flags.timeout, "timeout", 0, "overall run timeout in seconds (0 = no limit)")
	root.PersistentFlags().BoolVar(&flags.allowDirty, "allow-dirty", false, "accepted but not acted on: no dirty-workdir check runs before K8s tasks")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "stream task output as it happens")
	root.PersistentFlags().BoolVar(&flags.noColor, "no-color", false, "disable colored diagnostic output")

	root.AddCommand(
		newRunCmd(flags),
		newGraphCmd(flags),
		newDeltaCmd(flags),
		newContextCmd(flags),
		newCacheCmd(),
	)
	return root
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run [path]",
		Short: "Run the pipeline at path (default: current directory)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) == 1 {
				path = args[0]
			}
			return runPipeline(cmd.Context(), path, flags)
		},
	}
}

func newGraphCmd(flags *globalFlags) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "graph [path]",
		Short: "Print the resolved task graph and its topological levels as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) == 1 {
				path = args[0]
			}
			return runGraph(cmd.Context(), path, format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "output format: json (Mermaid/DOT rendering is out of scope)")
	return cmd
}

func newDeltaCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delta",
		Short: "Run only tasks whose inputs intersect the git diff since the last good run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelta(cmd.Context(), ".", flags)
		},
	}
}

func newContextCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "context",
		Short: "Write .sykli/context.json, an AI-consumable pipeline snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeContext(cmd.Context(), ".")
		},
	}
}

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or maintain the local content-addressed cache",
	}
	var cronExpr string
	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove cache entries older than the configured TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cronExpr != "" {
				return cacheGCSchedule(".", cronExpr, cmd.Context().Done())
			}
			return cacheGC(".")
		},
	}
	gcCmd.Flags().StringVar(&cronExpr, "cron", "", "run gc on this cron schedule instead of once, until interrupted")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Print cache entry count and total size",
			RunE: func(cmd *cobra.Command, args []string) error {
				return cacheStats(".")
			},
		},
		&cobra.Command{
			Use:   "clean",
			Short: "Remove every cache entry",
			RunE: func(cmd *cobra.Command, args []string) error {
				return cacheClean(".")
			},
		},
		gcCmd,
	)
	return cmd
}

func exitCodeForOverall(overall string) error {
	if overall != "passed" {
		return fmt.Errorf("cmd/sykli: one or more tasks failed")
	}
	return nil
}
