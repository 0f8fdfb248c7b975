package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

type columnQuerier interface {
	QueryColumns(query string) ([]string, []map[string]interface{}, error)
}

func newQueryCmd(app *cli) *cobra.Command {
	var describe bool

	cmd := &cobra.Command{
		Use:   "query [sql]",
		Short: "Run a read-only SQL query against the destination",
		Example: `  siphon query "SELECT COUNT(*) AS n FROM posts"
  siphon query --schema`,
		Args: func(cmd *cobra.Command, args []string) error {
			if describe {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.MinimumNArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			wh, err := openDestination(cmd.Context(), app.cfg)
			if err != nil {
				return err
			}
			defer wh.Close()

			out := cmd.OutOrStdout()
			if describe {
				fmt.Fprintln(out, wh.GetSchemaDescription())
				return nil
			}

			sql := strings.Join(args, " ")
			var (
				columns []string
				rows    []map[string]interface{}
			)
			if cq, ok := wh.(columnQuerier); ok {
				columns, rows, err = cq.QueryColumns(sql)
			} else {
				rows, err = wh.ExecuteQuery(sql)
			}
			if err != nil {
				return err
			}
			printRows(out, columns, rows)
			fmt.Fprintf(out, "  %s\n", dim.Render(fmt.Sprintf("%d row(s)", len(rows))))
			return nil
		},
	}
	cmd.Flags().BoolVar(&describe, "schema", false, "print the dataset schema instead of running a query")
	return cmd
}
