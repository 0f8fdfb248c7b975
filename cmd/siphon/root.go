package main

import (
	"github.com/spf13/cobra"
)

// cli carries state shared by every subcommand.
type cli struct {
	configPath string
	cfg        appConfig
	closeLog   func()
}

func newRootCmd() *cobra.Command {
	app := &cli{closeLog: func() {}}

	rootCmd := &cobra.Command{
		Use:   "siphon",
		Short: "siphon - incremental REST to warehouse ingestion",
		Long: `siphon fetches records from a JSON REST API, reshapes them into flat rows
and loads them into DuckDB, PostgreSQL or BigQuery. Incremental resources keep
a cursor between runs; each resource replaces, appends to or merges into its table.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(app.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			app.cfg = cfg
			app.closeLog = configureRuntimeLogger(cfg.Verbose)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.closeLog()
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&app.configPath, "config", "", "config file (default is $HOME/.config/siphon/config.yml)")
	pf.StringP("destination", "d", "", "destination: duckdb, postgres or bigquery")
	pf.String("dataset", "", "dataset (schema) to load into")
	pf.String("pipeline-name", "", "pipeline name; state lives under work-dir/<name>")
	pf.String("catalog", "", "resource catalog YAML (default: built-in jsonplaceholder catalog)")
	pf.BoolP("verbose", "v", false, "mirror the log file to stderr")

	rootCmd.AddCommand(
		newRunCmd(app),
		newServeCmd(app),
		newStateCmd(app),
		newQueryCmd(app),
		newCheckCmd(app),
		newExplainCmd(app),
		newVersionCmd(),
	)
	return rootCmd
}
