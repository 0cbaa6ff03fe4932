package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/david/grant-tracker/internal/app"
	"github.com/david/grant-tracker/internal/config"
	"github.com/david/grant-tracker/internal/ingest"
	"github.com/david/grant-tracker/internal/models"
)

var (
	orgKey       string
	urls         []string
	registryPath string
	sqlitePath   string
	runType      string
	concurrency  int
	saveOrg      bool
	asJSON       bool
)

var rootCmd = &cobra.Command{
	Use:   "manual_ingest",
	Short: "Run one extraction pass from the command line",
	Long: `Runs the ingestion pipeline once, either for an organization from the
source registry (--org) or for ad-hoc pages (--url). Without an organization
the run is a preview: grants are printed but never stored.`,
	RunE: runIngest,
}

func init() {
	rootCmd.Flags().StringVar(&orgKey, "org", "", "Organization id or name from the source registry")
	rootCmd.Flags().StringArrayVar(&urls, "url", nil, "Source URL to scan (repeatable); overrides the registry list")
	rootCmd.Flags().StringVar(&registryPath, "registry", "", "Path to a sources.yaml registry (defaults to the built-in one)")
	rootCmd.Flags().StringVar(&sqlitePath, "sqlite", "", "Use a SQLite database at this path instead of the configured store")
	rootCmd.Flags().StringVar(&runType, "run-type", "", "manual or scheduled (defaults to the registry value, else manual)")
	rootCmd.Flags().IntVar(&concurrency, "concurrency", 0, "Sources processed in parallel (defaults to pipeline.max_concurrency)")
	rootCmd.Flags().BoolVar(&saveOrg, "save-org", false, "Register the organization and its sources in the store before running")
	rootCmd.Flags().BoolVar(&asJSON, "json", false, "Print the run outcome as JSON")
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runIngest(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

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

	if concurrency > 0 {
		cfg.Pipeline.MaxConcurrency = concurrency
	}

	req := ingest.RunRequest{SourceURLs: urls, RunType: models.RunType(runType)}

	var org *ingest.OrganizationConfig
	if orgKey != "" {
		reg, err := ingest.LoadRegistry(registryPath)
		if err != nil {
			return fmt.Errorf("load registry: %w", err)
		}
		var ok bool
		org, ok = reg.Organization(orgKey)
		if !ok {
			return fmt.Errorf("organization %q not found in registry", orgKey)
		}
		orgReq := org.Request()
		req.OrganizationID = orgReq.OrganizationID
		if len(req.SourceURLs) == 0 {
			req.SourceURLs = orgReq.SourceURLs
		}
		if req.RunType == "" {
			req.RunType = orgReq.RunType
		}
	}

	store, closeStore, err := app.OpenStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	if saveOrg {
		if org == nil {
			return fmt.Errorf("--save-org needs --org")
		}
		if err := store.SaveOrganization(ctx, org.ID, org.Name, org.Sources); err != nil {
			return err
		}
	}

	pipeline, err := app.NewPipeline(ctx, cfg, store)
	if err != nil {
		return err
	}

	outcome, err := pipeline.Run(ctx, req)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(outcome)
	}
	printOutcome(cmd, outcome)
	return nil
}

func printOutcome(cmd *cobra.Command, outcome *ingest.RunOutcome) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.AppendHeader(table.Row{"Title", "Funder", "Status", "Funding", "Deadline", "Source"})
	for _, g := range outcome.Grants {
		deadline := "-"
		switch {
		case g.RollingDeadline:
			deadline = "rolling"
		case g.DeadlineDate != nil:
			deadline = *g.DeadlineDate
		}
		funder := "-"
		if g.FunderName != nil {
			funder = *g.FunderName
		}
		t.AppendRow(table.Row{g.GrantTitle, funder, g.Status, fundingLabel(g.FundingAmount), deadline, g.SourceDomain})
	}
	t.Render()

	runID := "preview"
	if outcome.RunID != nil {
		runID = *outcome.RunID
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nRun %s: %s, %d grants, %d errors\n", runID, outcome.Status, outcome.GrantsFound, len(outcome.Errors))
	for _, e := range outcome.Errors {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", e)
	}
}

func fundingLabel(f models.FundingAmount) string {
	shape := f.Shape()
	money := func(v *float64) string {
		if v == nil {
			return "?"
		}
		return strconv.FormatFloat(*v, 'f', -1, 64)
	}
	currency := shape.Currency
	if currency != "" {
		currency = " " + currency
	}

	switch shape.Kind {
	case models.FundingExact:
		return money(shape.Amount) + currency
	case models.FundingRange:
		return money(shape.MinAmount) + "-" + money(shape.MaxAmount) + currency
	case models.FundingCap:
		return "up to " + money(shape.MaxAmount) + currency
	case models.FundingInKind:
		if shape.Details != "" {
			return "in kind: " + shape.Details
		}
		return "in kind"
	default:
		return "-"
	}
}
