package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/tinytelemetry/siphon/internal/model"
)

// Load writes rows into the dataset table named by schema in one transaction:
// create or widen the table, then apply the disposition.
func (s *Store) Load(ctx context.Context, schema model.TableSchema, rows []model.Row, disposition model.WriteDisposition) (model.TableLoadResult, error) {
	res := model.TableLoadResult{Table: schema.Name, Disposition: disposition}
	if schema.Name == "" {
		return res, fmt.Errorf("duckdb: table name is empty")
	}
	keys := schema.PrimaryKey()
	if disposition == model.Merge {
		if len(keys) == 0 {
			return res, fmt.Errorf("duckdb: %s: %w", schema.Name, model.ErrMissingPrimaryKey)
		}
		var err error
		if rows, err = model.DedupByKey(rows, keys); err != nil {
			return res, fmt.Errorf("duckdb: %s: %w", schema.Name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("duckdb: begin load %s: %w", schema.Name, err)
	}
	defer tx.Rollback()

	change, err := s.ensureTable(ctx, tx, schema)
	if err != nil {
		return res, err
	}
	res.Created = change.created
	res.NewColumns = change.added
	res.Widened = change.widenedNames()

	table := s.qualified(schema.Name)
	switch disposition {
	case model.Replace:
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return res, fmt.Errorf("duckdb: replace %s: %w", schema.Name, err)
		}
	case model.Merge:
		if err := deleteByKey(ctx, tx, table, keys, rows); err != nil {
			return res, fmt.Errorf("duckdb: merge %s: %w", schema.Name, err)
		}
	case model.Append:
	default:
		return res, fmt.Errorf("duckdb: %w %q", model.ErrUnknownDisposition, disposition)
	}

	n, err := insertRows(ctx, tx, table, schema.ColumnNames(), rows)
	if err != nil {
		return res, fmt.Errorf("duckdb: insert %s: %w", schema.Name, err)
	}
	res.RowsLoaded = n

	if err := s.registerTable(ctx, tx, schema, disposition, change.widened); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("duckdb: commit %s: %w", schema.Name, err)
	}

	if change.created {
		log.Printf("duckdb: created table %s", table)
	}
	if len(change.added) > 0 {
		log.Printf("duckdb: added columns %v to %s", change.added, table)
	}
	if len(res.Widened) > 0 {
		log.Printf("duckdb: widened columns %v in %s", res.Widened, table)
	}
	return res, nil
}

// tableChange is what ensureTable did to the destination table.
type tableChange struct {
	created bool
	added   []string
	// widened maps retyped columns to the type they now hold.
	widened map[string]model.ColumnType
}

func (c tableChange) widenedNames() []string {
	if len(c.widened) == 0 {
		return nil
	}
	names := make([]string, 0, len(c.widened))
	for name := range c.widened {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ensureTable creates the table, adds the schema columns it is missing and
// widens existing columns whose type cannot hold the incoming values.
// Columns are never dropped or narrowed.
func (s *Store) ensureTable(ctx context.Context, tx *sql.Tx, schema model.TableSchema) (tableChange, error) {
	var change tableChange
	existing, err := tableColumns(ctx, tx, s.dataset, schema.Name)
	if err != nil {
		return change, err
	}

	if len(existing) == 0 {
		defs := make([]string, len(schema.Columns))
		for i, c := range schema.Columns {
			defs[i] = quoteIdent(c.Name) + " " + sqlType(c.Type)
		}
		ddl := fmt.Sprintf("CREATE TABLE %s (%s)", s.qualified(schema.Name), strings.Join(defs, ", "))
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return change, fmt.Errorf("duckdb: create %s: %w", schema.Name, err)
		}
		change.created = true
		return change, nil
	}

	for _, c := range schema.Columns {
		dataType, ok := existing[c.Name]
		if !ok {
			ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", s.qualified(schema.Name), quoteIdent(c.Name), sqlType(c.Type))
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return change, fmt.Errorf("duckdb: add column %s.%s: %w", schema.Name, c.Name, err)
			}
			change.added = append(change.added, c.Name)
			continue
		}
		have := columnType(dataType)
		want := model.WidenType(have, c.Type)
		if sqlType(want) == sqlType(have) {
			continue
		}
		ddl := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s", s.qualified(schema.Name), quoteIdent(c.Name), sqlType(want))
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return change, fmt.Errorf("duckdb: widen column %s.%s to %s: %w", schema.Name, c.Name, want, err)
		}
		if change.widened == nil {
			change.widened = make(map[string]model.ColumnType)
		}
		change.widened[c.Name] = want
	}
	return change, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// tableColumns returns column name -> DuckDB data type for dataset.table.
func tableColumns(ctx context.Context, q queryer, dataset, table string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?`, dataset, table)
	if err != nil {
		return nil, fmt.Errorf("duckdb: describe %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, fmt.Errorf("duckdb: describe %s: %w", table, err)
		}
		cols[name] = typ
	}
	return cols, rows.Err()
}

func deleteByKey(ctx context.Context, tx *sql.Tx, table string, keys []string, rows []model.Row) error {
	if len(rows) == 0 {
		return nil
	}
	conds := make([]string, len(keys))
	for i, k := range keys {
		conds[i] = quoteIdent(k) + " = ?"
	}
	stmt, err := tx.PrepareContext(ctx, "DELETE FROM "+table+" WHERE "+strings.Join(conds, " AND "))
	if err != nil {
		return err
	}
	defer stmt.Close()

	args := make([]any, len(keys))
	for _, row := range rows {
		for i, k := range keys {
			args[i] = row[k]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}

func insertRows(ctx context.Context, tx *sql.Tx, table string, columns []string, rows []model.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(quoted, ", "), placeholders))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var n int64
	args := make([]any, len(columns))
	for _, row := range rows {
		for i, c := range columns {
			args[i] = bindValue(row[c])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return n, fmt.Errorf("row %d: %w", n, err)
		}
		n++
	}
	return n, nil
}

// bindValue turns nested values that slipped past coercion into JSON text.
func bindValue(v any) any {
	switch t := v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		return string(b)
	case json.Number:
		return t.String()
	}
	return v
}

// registerTable records the union of every schema loaded into the table,
// with widened columns carrying their new type.
func (s *Store) registerTable(ctx context.Context, tx *sql.Tx, schema model.TableSchema, disposition model.WriteDisposition, widened map[string]model.ColumnType) error {
	merged := model.TableSchema{Name: schema.Name}
	var prev string
	err := tx.QueryRowContext(ctx,
		"SELECT columns FROM main._siphon_tables WHERE dataset = ? AND table_name = ?",
		s.dataset, schema.Name).Scan(&prev)
	switch {
	case err == nil:
		if jerr := json.Unmarshal([]byte(prev), &merged.Columns); jerr != nil {
			log.Printf("duckdb: ignoring unreadable registry entry for %s: %v", schema.Name, jerr)
			merged.Columns = nil
		}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("duckdb: read registry %s: %w", schema.Name, err)
	}
	for _, c := range schema.Columns {
		merged.AddColumn(c)
	}
	for i, c := range merged.Columns {
		if t, ok := widened[c.Name]; ok {
			merged.Columns[i].Type = t
		}
	}

	cols, err := json.Marshal(merged.Columns)
	if err != nil {
		return fmt.Errorf("duckdb: encode schema %s: %w", schema.Name, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO main._siphon_tables (dataset, table_name, columns, write_disposition)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (dataset, table_name) DO UPDATE SET
			columns = excluded.columns,
			write_disposition = excluded.write_disposition,
			updated_at = now()`,
		s.dataset, schema.Name, string(cols), string(disposition))
	if err != nil {
		return fmt.Errorf("duckdb: register %s: %w", schema.Name, err)
	}
	return nil
}
