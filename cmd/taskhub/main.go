// Command taskhub runs the billing and workspace backend: the HTTP process
// receiving payment provider webhooks, the queue workers delivering delayed
// jobs and email, and the schema migrations.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "taskhub",
		Short:         "Multi-tenant billing and workspace backend",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newMigrateCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "taskhub %s (%s)\n", Version, GitCommit)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
