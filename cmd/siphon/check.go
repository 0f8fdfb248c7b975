package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tinytelemetry/siphon/internal/bigquery"
	"github.com/tinytelemetry/siphon/internal/duckdb"
	"github.com/tinytelemetry/siphon/internal/postgres"
)

func newCheckCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check the destination setup without loading anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var ok bool
			switch app.cfg.Destination {
			case destinationBigQuery:
				ok = checkBigQuery(out, app.cfg)
			case destinationPostgres:
				ok = checkPostgres(cmd.Context(), out, app.cfg)
			default:
				ok = checkDuckDB(out, app.cfg)
			}
			if !ok {
				return errReported
			}
			fmt.Fprintf(out, "\n  %s %s\n\n", check, green.Render("Setup looks good"))
			return nil
		},
	}
}

func checkBigQuery(w io.Writer, cfg appConfig) bool {
	section(w, "bigquery setup check")
	r := bigquery.CheckSetup(bigQueryConfig(cfg))

	fmt.Fprintf(w, "\n  1. Checking credentials file...\n")
	switch {
	case r.CredentialsFound:
		item(w, check, "Found", dim.Render(shortenPath(r.CredentialsPath)))
		if r.ServiceAccount != "" {
			item(w, check, "Account", dim.Render(r.ServiceAccount))
		}
	case r.CredentialsPath != "":
		item(w, cross, "Not found", dim.Render(shortenPath(r.CredentialsPath)))
	default:
		item(w, cross, "Not set", dim.Render("BIGQUERY_CREDENTIALS_PATH"))
	}

	fmt.Fprintf(w, "\n  2. Checking project ID...\n")
	if r.ProjectID != "" {
		item(w, check, "Project ID", cyan.Render(r.ProjectID))
	} else {
		item(w, cross, "Project ID", dim.Render("not configured"))
	}

	fmt.Fprintf(w, "\n  3. Dataset configuration...\n")
	item(w, dot, "Dataset", cyan.Render(r.Dataset))
	item(w, dot, "Location", cyan.Render(r.Location))

	if r.Ready() {
		return true
	}
	fmt.Fprintf(w, "\n  %s\n", bold.Render("Problems:"))
	for _, p := range r.Problems {
		fmt.Fprintf(w, "  %s %s\n", cross, p)
	}
	section(w, "setup required")
	for i, step := range bigQuerySetupSteps {
		fmt.Fprintf(w, "\n  %d. %s\n", i+1, step[0])
		for _, line := range step[1:] {
			fmt.Fprintf(w, "     - %s\n", line)
		}
	}
	return false
}

var bigQuerySetupSteps = [][]string{
	{"Go to Google Cloud Console", "https://console.cloud.google.com/"},
	{"Create/Select a project", "Click project dropdown", "Create new project or select existing"},
	{"Enable BigQuery API", "Go to 'APIs & Services'", "Click 'Enable APIs and Services'", "Search 'BigQuery API'", "Click 'Enable'"},
	{"Create Service Account", "Go to 'IAM & Admin' > 'Service Accounts'", "Click 'Create Service Account'", "Grant role: 'BigQuery Admin'"},
	{"Create and Download Key", "Click on the service account", "Go to 'Keys' tab", "Click 'Add Key' > 'Create new key'", "Choose 'JSON'"},
	{"Update .env file", "BIGQUERY_PROJECT_ID=your-actual-project-id", "BIGQUERY_CREDENTIALS_PATH=./credentials/bigquery-key.json"},
}

func checkPostgres(ctx context.Context, w io.Writer, cfg appConfig) bool {
	section(w, "postgres setup check")
	d, err := postgres.Open(ctx, cfg.PostgresDSN, cfg.Dataset)
	if err != nil {
		item(w, cross, "Connect", err.Error())
		return false
	}
	defer d.Close()
	item(w, check, "Connect", dim.Render("ok"))
	item(w, check, "Schema", cyan.Render(cfg.Dataset))

	counts, err := d.TableRowCounts()
	if err != nil {
		item(w, cross, "Tables", err.Error())
		return false
	}
	item(w, check, "Tables", fmt.Sprintf("%d", len(counts)))
	return true
}

func checkDuckDB(w io.Writer, cfg appConfig) bool {
	section(w, "duckdb setup check")
	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		item(w, cross, "Directory", err.Error())
		return false
	}
	item(w, check, "Directory", dim.Render(shortenPath(dir)))
	if st, err := os.Stat(cfg.DBPath); err == nil {
		item(w, check, "Database", dim.Render(fmt.Sprintf("%s (%d bytes)", shortenPath(cfg.DBPath), st.Size())))
		current, pending, err := duckdb.MigrationStatus(cfg.DBPath)
		switch {
		case err != nil:
			// A running serve holds the file lock.
			item(w, dot, "Migrations", dim.Render("unavailable: "+err.Error()))
		case pending > 0:
			item(w, dot, "Migrations", fmt.Sprintf("version %d, %d pending (applied on next run)", current, pending))
		default:
			item(w, check, "Migrations", dim.Render(fmt.Sprintf("version %d, up to date", current)))
		}
	} else {
		item(w, dot, "Database", dim.Render(shortenPath(cfg.DBPath)+" (created on first run)"))
	}
	item(w, check, "Schema", cyan.Render(cfg.Dataset))
	return true
}
