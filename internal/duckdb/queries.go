package duckdb

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/tinytelemetry/siphon/internal/model"
	"github.com/tinytelemetry/siphon/internal/sqlguard"
)

func (s *Store) queryCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.QueryTimeout)
}

// ExecuteQuery runs a read-only query and returns at most 1000 rows.
// Unqualified table names resolve in the dataset schema.
func (s *Store) ExecuteQuery(query string) ([]map[string]interface{}, error) {
	_, results, err := s.QueryColumns(query)
	return results, err
}

// QueryColumns is ExecuteQuery that also returns the result column order.
func (s *Store) QueryColumns(query string) ([]string, []map[string]interface{}, error) {
	if err := sqlguard.ValidateReadOnly(query); err != nil {
		return nil, nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, strings.TrimSpace(query))
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var results []map[string]interface{}
	for rows.Next() && len(results) < sqlguard.MaxRows {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			log.Printf("duckdb: scan error (ExecuteQuery): %v", err)
			continue
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}
	return columns, results, rows.Err()
}

// ListTables returns the tables of the dataset in name order.
func (s *Store) ListTables() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()
	return s.listTables(ctx)
}

func (s *Store) listTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = ? AND table_type = 'BASE TABLE'
		ORDER BY table_name`, s.dataset)
	if err != nil {
		return nil, fmt.Errorf("duckdb: list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// TableRowCounts returns the row count of every dataset table.
func (s *Store) TableRowCounts() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	tables, err := s.listTables(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		var count int64
		// Names come from information_schema and are quoted.
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+s.qualified(table)).Scan(&count); err != nil {
			return nil, fmt.Errorf("duckdb: count %s: %w", table, err)
		}
		counts[table] = count
	}
	return counts, nil
}

// TableSchema returns the live column layout of a dataset table, with
// primary-key flags taken from the table registry.
func (s *Store) TableSchema(table string) (model.TableSchema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()
	return s.tableSchema(ctx, table)
}

func (s *Store) tableSchema(ctx context.Context, table string) (model.TableSchema, error) {
	out := model.TableSchema{Name: table}
	rows, err := s.db.QueryContext(ctx, `
		SELECT column_name, data_type FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, s.dataset, table)
	if err != nil {
		return out, fmt.Errorf("duckdb: describe %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return out, err
		}
		out.Columns = append(out.Columns, model.Column{Name: name, Type: columnType(typ)})
	}
	if err := rows.Err(); err != nil {
		return out, err
	}
	if len(out.Columns) == 0 {
		return out, fmt.Errorf("duckdb: table %s.%s does not exist", s.dataset, table)
	}

	// The registry keeps what information_schema cannot: key flags and json columns.
	var registered string
	err = s.db.QueryRowContext(ctx,
		"SELECT columns FROM main._siphon_tables WHERE dataset = ? AND table_name = ?",
		s.dataset, table).Scan(&registered)
	if err != nil {
		return out, nil
	}
	var cols []model.Column
	if json.Unmarshal([]byte(registered), &cols) != nil {
		return out, nil
	}
	byName := make(map[string]model.Column, len(cols))
	for _, c := range cols {
		byName[c.Name] = c
	}
	for i := range out.Columns {
		reg, ok := byName[out.Columns[i].Name]
		if !ok {
			continue
		}
		out.Columns[i].PrimaryKey = reg.PrimaryKey
		if reg.Type == model.TypeJSON {
			out.Columns[i].Type = model.TypeJSON
		}
	}
	return out, nil
}

// GetSchemaDescription describes the dataset tables for humans and prompts.
func (s *Store) GetSchemaDescription() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	tables, err := s.listTables(ctx)
	if err != nil {
		return fmt.Sprintf("Dataset '%s': unavailable (%v).", s.dataset, err)
	}
	if len(tables) == 0 {
		return fmt.Sprintf("Dataset '%s' has no tables yet.", s.dataset)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Dataset '%s' (DuckDB schema, searched first for unqualified names).\n", s.dataset)
	for _, table := range tables {
		ts, err := s.tableSchema(ctx, table)
		if err != nil {
			continue
		}
		parts := make([]string, len(ts.Columns))
		for i, c := range ts.Columns {
			parts[i] = fmt.Sprintf("%s (%s", c.Name, sqlType(c.Type))
			if c.PrimaryKey {
				parts[i] += ", primary key"
			}
			parts[i] += ")"
		}
		fmt.Fprintf(&b, "Table '%s': %s.\n", table, strings.Join(parts, ", "))
	}
	fmt.Fprintf(&b, "Table 'main.%s': load_id, pipeline, dataset, table_name, write_disposition, row_count, status, inserted_at.", model.LoadsTable)
	return b.String()
}
