// Package postgres loads rows into a PostgreSQL schema with pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tinytelemetry/siphon/internal/model"
	"github.com/tinytelemetry/siphon/internal/sqlguard"
)

// ErrNoDSN is returned when no connection string is configured.
var ErrNoDSN = errors.New("postgres: connection string is empty")

// Destination writes into one schema (the dataset) of a PostgreSQL database.
type Destination struct {
	pool         *pgxpool.Pool
	dataset      string
	QueryTimeout time.Duration
}

// Open connects, creates the dataset schema and the load ledger.
func Open(ctx context.Context, dsn, dataset string) (*Destination, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrNoDSN
	}
	if strings.TrimSpace(dataset) == "" {
		dataset = model.DefaultDataset
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = dataset + ",public"
	cfg.ConnConfig.RuntimeParams["application_name"] = "siphon"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	d := &Destination{pool: pool, dataset: dataset, QueryTimeout: model.DefaultQueryTimeout}
	if err := d.bootstrap(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return d, nil
}

func (d *Destination) bootstrap(ctx context.Context) error {
	stmts := []string{
		"CREATE SCHEMA IF NOT EXISTS " + sqlguard.QuoteIdent(d.dataset),
		fmt.Sprintf(ledgerDDL, qualified(d.dataset, model.LoadsTable)),
	}
	for _, stmt := range stmts {
		if _, err := d.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: bootstrap: %w", err)
		}
	}
	return nil
}

func (d *Destination) Name() string    { return "postgres" }
func (d *Destination) Dataset() string { return d.dataset }

// Close releases the pool.
func (d *Destination) Close() error {
	d.pool.Close()
	return nil
}

// Load applies one table load in a single transaction.
func (d *Destination) Load(ctx context.Context, schema model.TableSchema, rows []model.Row, disposition model.WriteDisposition) (model.TableLoadResult, error) {
	res := model.TableLoadResult{Table: schema.Name, Disposition: disposition}
	keys := schema.PrimaryKey()
	if disposition == model.Merge {
		if len(keys) == 0 {
			return res, fmt.Errorf("postgres: %s: %w", schema.Name, model.ErrMissingPrimaryKey)
		}
		var err error
		if rows, err = model.DedupByKey(rows, keys); err != nil {
			return res, fmt.Errorf("postgres: %s: %w", schema.Name, err)
		}
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("postgres: begin load %s: %w", schema.Name, err)
	}
	defer tx.Rollback(ctx)

	if res.Created, res.NewColumns, res.Widened, err = d.ensureTable(ctx, tx, schema); err != nil {
		return res, err
	}

	switch disposition {
	case model.Replace:
		if _, err := tx.Exec(ctx, "TRUNCATE "+qualified(d.dataset, schema.Name)); err != nil {
			return res, fmt.Errorf("postgres: truncate %s: %w", schema.Name, err)
		}
	case model.Merge:
		if err := d.deleteByKey(ctx, tx, schema.Name, keys, rows); err != nil {
			return res, err
		}
	case model.Append:
	default:
		return res, fmt.Errorf("postgres: %w %q", model.ErrUnknownDisposition, disposition)
	}

	if len(rows) > 0 {
		cols := schema.ColumnNames()
		values := make([][]any, len(rows))
		for i, row := range rows {
			vals := make([]any, len(cols))
			for j, c := range cols {
				vals[j] = bindValue(row[c])
			}
			values[i] = vals
		}
		n, err := tx.CopyFrom(ctx, pgx.Identifier{d.dataset, schema.Name}, cols, pgx.CopyFromRows(values))
		if err != nil {
			return res, fmt.Errorf("postgres: copy into %s: %w", schema.Name, err)
		}
		res.RowsLoaded = n
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("postgres: commit %s: %w", schema.Name, err)
	}
	if res.Created {
		log.Printf("postgres: created table %s.%s", d.dataset, schema.Name)
	}
	if len(res.NewColumns) > 0 {
		log.Printf("postgres: added columns %v to %s.%s", res.NewColumns, d.dataset, schema.Name)
	}
	if len(res.Widened) > 0 {
		log.Printf("postgres: widened columns %v in %s.%s", res.Widened, d.dataset, schema.Name)
	}
	return res, nil
}

type describedColumn struct {
	Name     string `db:"column_name"`
	DataType string `db:"data_type"`
}

// ensureTable creates the table, adds missing columns and widens existing
// ones that cannot hold the incoming values. It reports created, added and
// widened in that order.
func (d *Destination) ensureTable(ctx context.Context, tx pgx.Tx, schema model.TableSchema) (bool, []string, []string, error) {
	rows, err := tx.Query(ctx, `
		SELECT column_name::text AS column_name, data_type::text AS data_type
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2`, d.dataset, schema.Name)
	if err != nil {
		return false, nil, nil, fmt.Errorf("postgres: describe %s: %w", schema.Name, err)
	}
	existing, err := pgx.CollectRows(rows, pgx.RowToStructByName[describedColumn])
	if err != nil {
		return false, nil, nil, fmt.Errorf("postgres: describe %s: %w", schema.Name, err)
	}

	if len(existing) == 0 {
		if _, err := tx.Exec(ctx, createTableSQL(d.dataset, schema)); err != nil {
			return false, nil, nil, fmt.Errorf("postgres: create %s: %w", schema.Name, err)
		}
		return true, nil, nil, nil
	}

	have := make(map[string]model.ColumnType, len(existing))
	for _, c := range existing {
		have[c.Name] = columnType(c.DataType)
	}
	var added, widened []string
	for _, c := range schema.Columns {
		cur, ok := have[c.Name]
		if !ok {
			if _, err := tx.Exec(ctx, addColumnSQL(d.dataset, schema.Name, c)); err != nil {
				return false, nil, nil, fmt.Errorf("postgres: add column %s.%s: %w", schema.Name, c.Name, err)
			}
			added = append(added, c.Name)
			continue
		}
		want := model.WidenType(cur, c.Type)
		if sqlType(want) == sqlType(cur) {
			continue
		}
		alter := model.Column{Name: c.Name, Type: want}
		if _, err := tx.Exec(ctx, alterColumnTypeSQL(d.dataset, schema.Name, alter)); err != nil {
			return false, nil, nil, fmt.Errorf("postgres: widen column %s.%s to %s: %w", schema.Name, c.Name, want, err)
		}
		widened = append(widened, c.Name)
	}
	return false, added, widened, nil
}

func (d *Destination) deleteByKey(ctx context.Context, tx pgx.Tx, table string, keys []string, rows []model.Row) error {
	if len(rows) == 0 {
		return nil
	}
	stmt := deleteByKeySQL(d.dataset, table, keys)
	batch := &pgx.Batch{}
	for _, row := range rows {
		args := make([]any, len(keys))
		for i, k := range keys {
			args[i] = row[k]
		}
		batch.Queue(stmt, args...)
	}
	br := tx.SendBatch(ctx, batch)
	for range rows {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("postgres: merge delete %s: %w", table, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: merge delete %s: %w", table, err)
	}
	return nil
}

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

// RecordLoad appends one entry to the dataset's load ledger.
func (d *Destination) RecordLoad(ctx context.Context, rec model.LoadRecord) error {
	if rec.InsertedAt.IsZero() {
		rec.InsertedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = model.LoadStatusCommitted
	}
	_, err := d.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (load_id, pipeline, table_name, write_disposition, row_count, status, inserted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, qualified(d.dataset, model.LoadsTable)),
		rec.LoadID, rec.Pipeline, rec.Table, string(rec.Disposition), rec.Rows, rec.Status, rec.InsertedAt)
	if err != nil {
		return fmt.Errorf("postgres: record load %s/%s: %w", rec.LoadID, rec.Table, err)
	}
	return nil
}
