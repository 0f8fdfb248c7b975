package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"

	"github.com/tinytelemetry/siphon/internal/model"
)

const nullValue = "NULL"

var (
	dim    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	red    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	bold   = lipgloss.NewStyle().Bold(true)

	check = green.Render("●")
	dot   = dim.Render("●")
	cross = red.Render("●")
)

func section(w io.Writer, title string) {
	rule := dim.Render(strings.Repeat("─", 60))
	fmt.Fprintf(w, "\n%s\n  %s\n%s\n", rule, bold.Render(strings.ToUpper(title)), rule)
}

func item(w io.Writer, mark, label, value string) {
	fmt.Fprintf(w, "  %s  %-14s %s\n", mark, label, value)
}

// newTable returns a go-pretty writer that keeps header case as given.
func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.Style().Format.Header = text.FormatDefault
	return t
}

// printRows renders query results with columns in the given order.
func printRows(w io.Writer, columns []string, rows []map[string]interface{}) {
	if len(columns) == 0 && len(rows) > 0 {
		for c := range rows[0] {
			columns = append(columns, c)
		}
		slices.Sort(columns)
	}
	t := newTable(w)
	header := make(table.Row, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	t.AppendHeader(header)
	for _, r := range rows {
		row := make(table.Row, len(columns))
		for i, c := range columns {
			// go-pretty doesn't expect nil values.
			if v := r[c]; v == nil {
				row[i] = nullValue
			} else {
				row[i] = formatValue(v)
			}
		}
		t.AppendRow(row)
	}
	t.Render()
}

func formatValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case []byte:
		return string(x)
	}
	return v
}

func printLoadSummary(w io.Writer, info *model.LoadInfo) {
	if info.DryRun {
		section(w, "dry run completed")
	} else {
		section(w, "pipeline completed")
	}
	item(w, check, "Pipeline", cyan.Render(info.Pipeline))
	item(w, check, "Destination", cyan.Render(info.Destination))
	item(w, check, "Dataset", cyan.Render(info.Dataset))
	item(w, check, "Load ID", dim.Render(info.LoadID))
	item(w, check, "Duration", dim.Render(info.FinishedAt.Sub(info.StartedAt).Round(time.Millisecond).String()))

	fmt.Fprintf(w, "\n  %s\n", bold.Render("Load Summary"))
	t := newTable(w)
	t.AppendHeader(table.Row{"resource", "table", "disposition", "extracted", "filtered", "loaded", "cursor", "new columns"})
	for _, st := range info.Tables {
		name := st.Resource
		if st.Replayed {
			name += " (replayed)"
		}
		cursor := any("-")
		if st.Cursor != nil {
			cursor = st.Cursor
		}
		newCols := "-"
		if len(st.NewColumns) > 0 {
			newCols = strings.Join(st.NewColumns, ", ")
		}
		t.AppendRow(table.Row{name, st.Table, string(st.Disposition), st.Extracted, st.Filtered, st.Loaded, cursor, newCols})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", info.TotalLoaded(), "", ""})
	t.Render()
}

type sampleQuery struct {
	title   string
	table   string
	columns []string
	sql     string
}

var sampleQueries = []sampleQuery{
	{"Sample Users", "users", []string{"user_id", "name", "email", "city"},
		"SELECT user_id, name, email, city FROM users ORDER BY user_id LIMIT 5"},
	{"Sample Posts", "posts", []string{"post_id", "user_id", "title"},
		"SELECT post_id, user_id, LEFT(title, 50) AS title FROM posts ORDER BY post_id LIMIT 5"},
	{"Incremental Posts", "posts_incremental", []string{"count", "max_id"},
		"SELECT COUNT(*) AS count, MAX(post_id) AS max_id FROM posts_incremental"},
}

// printSampleQueries shows what landed, for the tables this run touched.
func printSampleQueries(w io.Writer, wh model.ReadAPI, info *model.LoadInfo) {
	touched := make(map[string]bool, len(info.Tables))
	for _, st := range info.Tables {
		touched[st.Table] = true
	}

	section(w, "querying loaded data")
	for _, q := range sampleQueries {
		if !touched[q.table] {
			continue
		}
		fmt.Fprintf(w, "\n  %s\n", bold.Render(q.title))
		rows, err := wh.ExecuteQuery(q.sql)
		if err != nil {
			fmt.Fprintf(w, "  %s %v\n", cross, err)
			continue
		}
		printRows(w, q.columns, rows)
	}

	counts, err := wh.TableRowCounts()
	if err != nil {
		return
	}
	fmt.Fprintf(w, "\n  %s\n", bold.Render("Record Counts"))
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	slices.Sort(names)
	t := newTable(w)
	t.AppendHeader(table.Row{"table", "rows"})
	for _, name := range names {
		t.AppendRow(table.Row{name, counts[name]})
	}
	t.Render()
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
