package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"plant-treatment-planner/internal/app"
	"plant-treatment-planner/internal/config"
	"plant-treatment-planner/internal/database"
)

var (
	okMark   = color.New(color.FgGreen).Sprint("✓")
	warnMark = color.New(color.FgYellow).Sprint("!")
)

func loadConfig() (*config.Config, error) {
	config.LoadDotEnv()
	cfg, err := config.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// withApp builds the engine for one command and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := database.NewDB(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema up to date: %s\n", okMark, cfg.DatabasePath)
			return nil
		},
	}
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the product registry",
	}
	cmd.AddCommand(catalogImportCmd())
	cmd.AddCommand(catalogStatsCmd())
	return cmd
}

func catalogImportCmd() *cobra.Command {
	var file, url string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import products from a registry HTML table",
		Long: `Parse an HTML product registry and upsert its rows into the products table.

Examples:
  plantplan catalog import --file registry.html
  plantplan catalog import --url https://example.org/registry`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (file == "") == (url == "") {
				return errors.New("exactly one of --file or --url is required")
			}
			source := file
			if url != "" {
				source = url
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.ImportRegistry(ctx, source)
				if err != nil {
					return err
				}
				mark := okMark
				if n == 0 {
					mark = warnMark
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s imported %d products from %s\n", mark, n, source)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "path to a saved registry page")
	cmd.Flags().StringVar(&url, "url", "", "registry page URL")
	return cmd
}

func catalogStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show how many products are registered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Products.Count(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "products: %d\n", n)
				return nil
			})
		},
	}
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Wizard session maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired wizard sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.CleanupSessions(ctx)
				if errors.Is(err, app.ErrRemoteSessions) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %v; run cleanup on the session service host\n", warnMark, err)
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s removed %d expired sessions\n", okMark, n)
				return nil
			})
		},
	})
	return cmd
}

func metricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Wizard step metrics",
	}
	cmd.AddCommand(metricsReportCmd())
	cmd.AddCommand(metricsCleanupCmd())
	return cmd
}

func metricsReportCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print daily wizard totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				usage, err := a.Metrics.GetDailyUsage(ctx, days)
				if err != nil {
					return err
				}
				if len(usage) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "(no data)")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "DATE\tSTEPS\tOK\tFAILED\tAVG MS")
				for _, d := range usage {
					failed := fmt.Sprint(d.TotalFailed)
					if d.TotalFailed > 0 {
						failed = color.New(color.FgRed).Sprint(failed)
					}
					fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%d\n", d.Date, d.TotalSteps, d.TotalOK, failed, d.AvgLatencyMS)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "number of days to report")
	return cmd
}

func metricsCleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete step metrics older than --days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days <= 0 {
				return fmt.Errorf("--days must be positive, got %d", days)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Metrics.Cleanup(ctx, days)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s removed %d metric rows older than %d days\n", okMark, n, days)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "retention in days")
	return cmd
}
