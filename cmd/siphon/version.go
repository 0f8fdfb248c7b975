package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// Skip config loading so version works with a broken config.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			gv := goVersion
			if gv == "unknown" {
				gv = runtime.Version()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "siphon %s (commit %s, built %s, %s)\n", version, commit, buildTime, gv)
		},
	}
}
