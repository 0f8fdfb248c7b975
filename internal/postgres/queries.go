package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/tinytelemetry/siphon/internal/model"
	"github.com/tinytelemetry/siphon/internal/sqlguard"
)

func (d *Destination) queryCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d.QueryTimeout)
}

// ExecuteQuery runs a screened query inside a read-only transaction.
func (d *Destination) ExecuteQuery(query string) ([]map[string]interface{}, error) {
	if err := sqlguard.ValidateReadOnly(query); err != nil {
		return nil, err
	}
	ctx, cancel := d.queryCtx()
	defer cancel()

	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, strings.TrimSpace(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var results []map[string]interface{}
	for rows.Next() && len(results) < sqlguard.MaxRows {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(fields))
		for i, f := range fields {
			row[f.Name] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// TableRowCounts counts the rows of every table in the dataset schema.
func (d *Destination) TableRowCounts() (map[string]int64, error) {
	ctx, cancel := d.queryCtx()
	defer cancel()

	rows, err := d.pool.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE' AND table_name <> $2
		ORDER BY table_name`, d.dataset, model.LoadsTable)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tables: %w", err)
	}
	tables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: list tables: %w", err)
	}

	counts := make(map[string]int64, len(tables))
	for _, t := range tables {
		var n int64
		if err := d.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+qualified(d.dataset, t)).Scan(&n); err != nil {
			return nil, fmt.Errorf("postgres: count %s: %w", t, err)
		}
		counts[t] = n
	}
	return counts, nil
}

// GetSchemaDescription lists dataset tables and their columns.
func (d *Destination) GetSchemaDescription() string {
	ctx, cancel := d.queryCtx()
	defer cancel()

	rows, err := d.pool.Query(ctx, `
		SELECT table_name, column_name, data_type FROM information_schema.columns
		WHERE table_schema = $1
		ORDER BY table_name, ordinal_position`, d.dataset)
	if err != nil {
		return fmt.Sprintf("Schema '%s': unavailable (%v).", d.dataset, err)
	}
	defer rows.Close()

	var (
		b       strings.Builder
		current string
		cols    []string
	)
	flush := func() {
		if current != "" {
			fmt.Fprintf(&b, "Table '%s': %s.\n", current, strings.Join(cols, ", "))
		}
	}
	fmt.Fprintf(&b, "Schema '%s' (PostgreSQL, first on search_path).\n", d.dataset)
	for rows.Next() {
		var table, col, typ string
		if err := rows.Scan(&table, &col, &typ); err != nil {
			break
		}
		if table != current {
			flush()
			current, cols = table, nil
		}
		cols = append(cols, fmt.Sprintf("%s (%s)", col, strings.ToUpper(typ)))
	}
	flush()
	return strings.TrimRight(b.String(), "\n")
}

// LoadHistory returns the newest ledger entries first.
func (d *Destination) LoadHistory(limit int) ([]model.LoadRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := d.queryCtx()
	defer cancel()

	rows, err := d.pool.Query(ctx, fmt.Sprintf(`
		SELECT load_id, pipeline, table_name, write_disposition, row_count, status, inserted_at
		FROM %s ORDER BY inserted_at DESC, table_name LIMIT $1`, qualified(d.dataset, model.LoadsTable)), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: load history: %w", err)
	}
	defer rows.Close()

	var out []model.LoadRecord
	for rows.Next() {
		var (
			rec  model.LoadRecord
			disp string
		)
		if err := rows.Scan(&rec.LoadID, &rec.Pipeline, &rec.Table, &disp, &rec.Rows, &rec.Status, &rec.InsertedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan load history: %w", err)
		}
		rec.Disposition = model.WriteDisposition(disp)
		out = append(out, rec)
	}
	return out, rows.Err()
}
