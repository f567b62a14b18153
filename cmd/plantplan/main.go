package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "plantplan",
		Short: "Admin tool for the treatment plan engine",
		Long: `plantplan manages the treatment plan database: schema migrations,
the product registry used for stage options, and housekeeping of sessions and metrics.

Configuration comes from the environment (and .env when present).`,
		SilenceUsage: true,
	}

	root.AddCommand(migrateCmd())
	root.AddCommand(catalogCmd())
	root.AddCommand(sessionsCmd())
	root.AddCommand(metricsCmd())
	return root
}
