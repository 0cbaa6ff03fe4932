package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/david/grant-tracker/internal/app"
	"github.com/david/grant-tracker/internal/config"
	"github.com/david/grant-tracker/internal/db"
)

var (
	orgID      string
	limit      int
	sqlitePath string
	showErrors bool
)

var rootCmd = &cobra.Command{
	Use:   "check_runs",
	Short: "Show the most recent extraction runs",
	RunE:  checkRuns,
}

func init() {
	rootCmd.Flags().StringVar(&orgID, "org", "", "Only show runs for this organization id")
	rootCmd.Flags().IntVar(&limit, "limit", 10, "Number of runs to show")
	rootCmd.Flags().StringVar(&sqlitePath, "sqlite", "", "Read from a SQLite database at this path")
	rootCmd.Flags().BoolVar(&showErrors, "errors", false, "Print each run's error list")
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func checkRuns(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	// Applied before Load so a local SQLite run needs no DATABASE_URL.
	if sqlitePath != "" {
		os.Setenv("GRANTS_STORE_DRIVER", "sqlite")        //nolint:errcheck
		os.Setenv("GRANTS_STORE_SQLITE_PATH", sqlitePath) //nolint:errcheck
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := config.InitLogger(cfg.Log); err != nil {
		return err
	}
	defer zap.L().Sync() //nolint:errcheck

	store, closeStore, err := app.OpenStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	runs, err := store.ListRuns(ctx, db.RunFilter{OrganizationID: orgID, Limit: limit})
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.AppendHeader(table.Row{"Run", "Type", "Status", "Sources", "Grants", "Errors", "Duration", "Started At"})
	for _, r := range runs {
		duration := "Running..."
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		t.AppendRow(table.Row{r.ID, r.RunType, r.Status, r.SourcesCount, r.GrantsFound, len(r.Errors), duration, r.StartedAt.Local().Format("2006-01-02 15:04:05")})
	}
	t.Render()

	if showErrors {
		for _, r := range runs {
			for _, e := range r.Errors {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", r.ID, e)
			}
		}
	}
	return nil
}
