package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"

	"github.com/jedib0t/go-pretty/table"
	"github.com/spf13/cobra"

	"github.com/tinytelemetry/siphon/internal/journal"
	"github.com/tinytelemetry/siphon/internal/pipeline"
	"github.com/tinytelemetry/siphon/internal/state"
)

func newStateCmd(app *cli) *cobra.Command {
	var (
		reset          string
		resetAll       bool
		discardPending bool
	)

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show or reset the pipeline's incremental state",
		Example: `  siphon state
  siphon state --reset posts_incremental
  siphon state --reset-all
  siphon state --discard-pending`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.cfg
			out := cmd.OutOrStdout()
			dir := filepath.Join(cfg.WorkDir, cfg.PipelineName)
			if resetAll || reset != "" || discardPending {
				return mutateState(out, dir, cfg.PipelineName, reset, resetAll, discardPending)
			}
			st, err := state.Open(dir, cfg.PipelineName)
			if err != nil {
				return err
			}

			snap := st.Snapshot()
			section(out, "pipeline state")
			item(out, check, "Pipeline", cyan.Render(snap.Pipeline))
			item(out, check, "State file", dim.Render(shortenPath(st.Path())))
			if snap.LastLoadID != "" {
				item(out, check, "Last load", dim.Render(snap.LastLoadID))
			}
			if n, err := journal.CountPending(filepath.Join(dir, pipeline.JournalFile)); err == nil && n > 0 {
				item(out, yellow.Render("●"), "Pending", fmt.Sprintf("%d package(s) replay on the next run", n))
			}
			fmt.Fprintln(out)

			if len(snap.Resources) == 0 {
				fmt.Fprintf(out, "  %s\n\n", dim.Render("no resources have been loaded yet"))
				return nil
			}
			names := make([]string, 0, len(snap.Resources))
			for name := range snap.Resources {
				names = append(names, name)
			}
			slices.Sort(names)

			t := newTable(out)
			t.AppendHeader(table.Row{"resource", "cursor field", "last value", "rows loaded", "last load", "updated"})
			for _, name := range names {
				rs := snap.Resources[name]
				field, last := "-", any("-")
				if rs.CursorField != "" {
					field = rs.CursorField
				}
				if rs.LastValue != nil {
					last = rs.LastValue
				}
				t.AppendRow(table.Row{name, field, last, rs.RowsLoaded, rs.LastLoadID, formatValue(rs.UpdatedAt)})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&reset, "reset", "", "forget the cursor of one resource")
	cmd.Flags().BoolVar(&resetAll, "reset-all", false, "forget the state of every resource")
	cmd.Flags().BoolVar(&discardPending, "discard-pending", false, "drop journaled packages that failed to load instead of replaying them")
	cmd.MarkFlagsMutuallyExclusive("reset", "reset-all")
	return cmd
}

// mutateState resets cursors and drops pending packages. Resetting a
// resource also drops its pending packages, which would otherwise replay
// rows from before the reset. It refuses while a run or serve holds dir.
func mutateState(out io.Writer, dir, name, reset string, resetAll, discardPending bool) error {
	lock, err := pipeline.LockDir(dir)
	if err != nil {
		if errors.Is(err, pipeline.ErrLocked) {
			return fmt.Errorf("%w; stop siphon serve or the running load first", err)
		}
		return err
	}
	defer lock.Unlock()

	st, err := state.Open(dir, name)
	if err != nil {
		return err
	}

	var scope []string
	switch {
	case resetAll:
		if err := st.ResetAll(); err != nil {
			return err
		}
		fmt.Fprintf(out, "  %s reset all resources of %s\n", check, cyan.Render(name))
		discardPending = true
	case reset != "":
		found, err := st.Reset(reset)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no state for resource %q", reset)
		}
		fmt.Fprintf(out, "  %s reset %s; the next run starts from its initial value\n", check, cyan.Render(reset))
		scope = []string{reset}
		discardPending = true
	}
	if !discardPending {
		return nil
	}

	n, err := pipeline.DiscardPendingIn(dir, scope...)
	if err != nil {
		return err
	}
	if n > 0 {
		fmt.Fprintf(out, "  %s discarded %d pending package(s)\n", check, n)
	}
	return nil
}
