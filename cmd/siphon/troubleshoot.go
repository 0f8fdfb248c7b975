package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/tinytelemetry/siphon/internal/bigquery"
	"github.com/tinytelemetry/siphon/internal/pipeline"
	"github.com/tinytelemetry/siphon/internal/postgres"
	"github.com/tinytelemetry/siphon/internal/restsource"
)

// troubleshootingSteps returns remediation hints for a failed run.
func troubleshootingSteps(cfg appConfig, err error) []string {
	var steps []string

	var statusErr *restsource.StatusError
	if errors.As(err, &statusErr) {
		steps = append(steps,
			fmt.Sprintf("The API answered %d; check base-url and the resource endpoint", statusErr.StatusCode),
			"Retry later if the API is rate limiting (lower http-rate)",
		)
	}

	switch cfg.Destination {
	case destinationBigQuery:
		steps = append(steps,
			"Check credentials file exists and is valid (siphon check)",
			"Verify project ID is correct (BIGQUERY_PROJECT_ID)",
			"Ensure BigQuery API is enabled",
			"Check service account has BigQuery Admin role",
		)
	case destinationPostgres:
		if errors.Is(err, postgres.ErrNoDSN) {
			steps = append(steps, "Set postgres-dsn or DATABASE_URL")
		}
		steps = append(steps,
			"Verify the server is reachable and the DSN credentials are correct",
			fmt.Sprintf("Check the role may create schema %q and tables in it", cfg.Dataset),
		)
	default:
		steps = append(steps,
			fmt.Sprintf("Check %s is writable and not locked by another process", shortenPath(cfg.DBPath)),
			"Stop siphon serve before running loads against the same file",
		)
	}
	if errors.Is(err, pipeline.ErrReplay) {
		steps = append([]string{
			"A package journaled by an earlier run keeps failing to load; other resources still run",
			"Drop it with siphon state --discard-pending, or reset the resource with siphon state --reset <resource>",
		}, steps...)
	}
	if errors.Is(err, pipeline.ErrLocked) {
		steps = append([]string{"Another siphon run or serve owns " + shortenPath(filepath.Join(cfg.WorkDir, cfg.PipelineName)) + "; stop it or wait for it to finish"}, steps...)
	}
	if errors.Is(err, bigquery.ErrNotConfigured) {
		steps = append([]string{"Run siphon check -d bigquery and complete the listed setup steps"}, steps...)
	}
	steps = append(steps, "Re-run with --verbose and check "+shortenPath(logPath()))
	return steps
}

func printTroubleshooting(w io.Writer, cfg appConfig, err error) {
	fmt.Fprintf(w, "\n  %s %s\n", cross, red.Render("Error running pipeline: "+err.Error()))
	fmt.Fprintf(w, "\n  %s\n", bold.Render("Troubleshooting:"))
	for i, step := range troubleshootingSteps(cfg, err) {
		fmt.Fprintf(w, "  %d. %s\n", i+1, step)
	}
	fmt.Fprintln(w)
}
