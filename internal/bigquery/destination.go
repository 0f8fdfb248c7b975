// Package bigquery loads rows into a BigQuery dataset through load jobs.
package bigquery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	bq "cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/tinytelemetry/siphon/internal/model"
	"github.com/tinytelemetry/siphon/internal/sqlguard"
)

const stagingSuffix = "__staging"

// Destination writes into one BigQuery dataset.
type Destination struct {
	client       *bq.Client
	project      string
	dataset      string
	location     string
	QueryTimeout time.Duration
}

// ledgerRow is the shape of the load ledger table.
type ledgerRow struct {
	LoadID           string    `bigquery:"load_id"`
	Pipeline         string    `bigquery:"pipeline"`
	TableName        string    `bigquery:"table_name"`
	WriteDisposition string    `bigquery:"write_disposition"`
	RowCount         int64     `bigquery:"row_count"`
	Status           string    `bigquery:"status"`
	InsertedAt       time.Time `bigquery:"inserted_at"`
}

// Open validates cfg, connects and creates the dataset and ledger when missing.
func Open(ctx context.Context, cfg Config) (*Destination, error) {
	report := CheckSetup(cfg)
	if !report.Ready() {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, strings.Join(report.Problems, "; "))
	}

	client, err := bq.NewClient(ctx, report.ProjectID, option.WithCredentialsFile(report.CredentialsPath))
	if err != nil {
		return nil, fmt.Errorf("bigquery: client: %w", err)
	}
	if report.Location != "" {
		client.Location = report.Location
	}

	d := &Destination{
		client:       client,
		project:      report.ProjectID,
		dataset:      report.Dataset,
		location:     report.Location,
		QueryTimeout: model.DefaultQueryTimeout,
	}
	if err := d.ensureDataset(ctx); err != nil {
		client.Close()
		return nil, err
	}
	if err := d.ensureLedger(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return d, nil
}

func (d *Destination) Name() string    { return "bigquery" }
func (d *Destination) Dataset() string { return d.dataset }

// Close releases the client.
func (d *Destination) Close() error { return d.client.Close() }

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func isAlreadyExists(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusConflict
}

func (d *Destination) ensureDataset(ctx context.Context) error {
	ds := d.client.Dataset(d.dataset)
	if _, err := ds.Metadata(ctx); err == nil {
		return nil
	} else if !isNotFound(err) {
		return fmt.Errorf("bigquery: dataset %s: %w", d.dataset, err)
	}
	err := ds.Create(ctx, &bq.DatasetMetadata{Location: d.location})
	if err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("bigquery: create dataset %s: %w", d.dataset, err)
	}
	log.Printf("bigquery: created dataset %s.%s (location %q)", d.project, d.dataset, d.location)
	return nil
}

func (d *Destination) ensureLedger(ctx context.Context) error {
	schema, err := bq.InferSchema(ledgerRow{})
	if err != nil {
		return fmt.Errorf("bigquery: ledger schema: %w", err)
	}
	t := d.client.Dataset(d.dataset).Table(model.LoadsTable)
	if _, err := t.Metadata(ctx); err == nil {
		return nil
	} else if !isNotFound(err) {
		return fmt.Errorf("bigquery: ledger: %w", err)
	}
	if err := t.Create(ctx, &bq.TableMetadata{Schema: schema}); err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("bigquery: create ledger: %w", err)
	}
	return nil
}

// ensureTable creates the table or widens it with missing fields.
func (d *Destination) ensureTable(ctx context.Context, schema model.TableSchema) (bool, []string, error) {
	want := toBQSchema(schema)
	t := d.client.Dataset(d.dataset).Table(schema.Name)
	md, err := t.Metadata(ctx)
	if isNotFound(err) {
		if err := t.Create(ctx, &bq.TableMetadata{Schema: want}); err != nil {
			return false, nil, fmt.Errorf("bigquery: create %s: %w", schema.Name, err)
		}
		return true, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("bigquery: describe %s: %w", schema.Name, err)
	}

	missing := missingFields(md.Schema, want)
	if len(missing) == 0 {
		return false, nil, nil
	}
	update := bq.TableMetadataToUpdate{Schema: append(md.Schema, missing...)}
	if _, err := t.Update(ctx, update, md.ETag); err != nil {
		return false, nil, fmt.Errorf("bigquery: widen %s: %w", schema.Name, err)
	}
	added := make([]string, len(missing))
	for i, f := range missing {
		added[i] = f.Name
	}
	return false, added, nil
}

// Load runs one load job per table; merge goes through a staging table.
func (d *Destination) Load(ctx context.Context, schema model.TableSchema, rows []model.Row, disposition model.WriteDisposition) (model.TableLoadResult, error) {
	res := model.TableLoadResult{Table: schema.Name, Disposition: disposition}
	switch disposition {
	case model.Replace, model.Append:
	case model.Merge:
		keys := schema.PrimaryKey()
		if len(keys) == 0 {
			return res, fmt.Errorf("bigquery: %s: %w", schema.Name, model.ErrMissingPrimaryKey)
		}
		var err error
		if rows, err = model.DedupByKey(rows, keys); err != nil {
			return res, fmt.Errorf("bigquery: %s: %w", schema.Name, err)
		}
	default:
		return res, fmt.Errorf("bigquery: %w %q", model.ErrUnknownDisposition, disposition)
	}

	var err error
	if res.Created, res.NewColumns, err = d.ensureTable(ctx, schema); err != nil {
		return res, err
	}

	switch {
	case len(rows) == 0 && disposition == model.Replace:
		err = d.runQuery(ctx, "TRUNCATE TABLE "+tableRef(d.project, d.dataset, schema.Name))
	case len(rows) == 0:
	case disposition == model.Merge:
		err = d.merge(ctx, schema, rows)
	default:
		wd := bq.WriteAppend
		if disposition == model.Replace {
			wd = bq.WriteTruncate
		}
		err = d.loadJob(ctx, schema.Name, schema, rows, wd)
	}
	if err != nil {
		return res, err
	}
	res.RowsLoaded = int64(len(rows))
	log.Printf("bigquery: loaded %d rows into %s.%s (%s)", res.RowsLoaded, d.dataset, schema.Name, disposition)
	return res, nil
}

func (d *Destination) loadJob(ctx context.Context, table string, schema model.TableSchema, rows []model.Row, wd bq.TableWriteDisposition) error {
	data, err := encodeNDJSON(schema, rows)
	if err != nil {
		return fmt.Errorf("bigquery: %s: %w", table, err)
	}
	src := bq.NewReaderSource(bytes.NewReader(data))
	src.SourceFormat = bq.JSON
	src.Schema = toBQSchema(schema)

	loader := d.client.Dataset(d.dataset).Table(table).LoaderFrom(src)
	loader.WriteDisposition = wd
	loader.CreateDisposition = bq.CreateIfNeeded
	if d.location != "" {
		loader.Location = d.location
	}
	job, err := loader.Run(ctx)
	if err != nil {
		return fmt.Errorf("bigquery: start load %s: %w", table, err)
	}
	return waitJob(ctx, job, "load "+table)
}

func (d *Destination) merge(ctx context.Context, schema model.TableSchema, rows []model.Row) error {
	staging := schema.Name + stagingSuffix
	if err := d.loadJob(ctx, staging, schema, rows, bq.WriteTruncate); err != nil {
		return err
	}
	defer func() {
		if err := d.client.Dataset(d.dataset).Table(staging).Delete(context.WithoutCancel(ctx)); err != nil && !isNotFound(err) {
			log.Printf("bigquery: drop staging %s: %v", staging, err)
		}
	}()
	return d.runQuery(ctx, mergeSQL(d.project, d.dataset, schema.Name, staging, schema))
}

func (d *Destination) runQuery(ctx context.Context, sql string) error {
	q := d.client.Query(sql)
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("bigquery: query: %w", err)
	}
	return waitJob(ctx, job, "query")
}

func waitJob(ctx context.Context, job *bq.Job, what string) error {
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("bigquery: %s: %w", what, err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("bigquery: %s job %s: %w", what, job.ID(), err)
	}
	return nil
}

// RecordLoad streams one entry into the ledger table.
func (d *Destination) RecordLoad(ctx context.Context, rec model.LoadRecord) error {
	if rec.InsertedAt.IsZero() {
		rec.InsertedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = model.LoadStatusCommitted
	}
	row := ledgerRow{
		LoadID:           rec.LoadID,
		Pipeline:         rec.Pipeline,
		TableName:        rec.Table,
		WriteDisposition: string(rec.Disposition),
		RowCount:         rec.Rows,
		Status:           rec.Status,
		InsertedAt:       rec.InsertedAt,
	}
	ins := d.client.Dataset(d.dataset).Table(model.LoadsTable).Inserter()
	if err := ins.Put(ctx, row); err != nil {
		return fmt.Errorf("bigquery: record load %s/%s: %w", rec.LoadID, rec.Table, err)
	}
	return nil
}

func (d *Destination) queryCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d.QueryTimeout)
}

// ExecuteQuery runs a screened read-only query with the dataset as default.
func (d *Destination) ExecuteQuery(query string) ([]map[string]interface{}, error) {
	if err := sqlguard.ValidateReadOnly(query); err != nil {
		return nil, err
	}
	ctx, cancel := d.queryCtx()
	defer cancel()

	q := d.client.Query(strings.TrimSpace(query))
	q.DefaultProjectID = d.project
	q.DefaultDatasetID = d.dataset
	it, err := q.Read(ctx)
	if err != nil {
		return nil, err
	}
	var results []map[string]interface{}
	for len(results) < sqlguard.MaxRows {
		var row map[string]bq.Value
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		out := make(map[string]interface{}, len(row))
		for k, v := range row {
			out[k] = v
		}
		results = append(results, out)
	}
	return results, nil
}

// TableRowCounts reports the row count BigQuery keeps for each dataset table.
func (d *Destination) TableRowCounts() (map[string]int64, error) {
	ctx, cancel := d.queryCtx()
	defer cancel()

	counts := make(map[string]int64)
	it := d.client.Dataset(d.dataset).Tables(ctx)
	for {
		t, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bigquery: list tables: %w", err)
		}
		if t.TableID == model.LoadsTable || strings.HasSuffix(t.TableID, stagingSuffix) {
			continue
		}
		md, err := t.Metadata(ctx)
		if err != nil {
			return nil, fmt.Errorf("bigquery: describe %s: %w", t.TableID, err)
		}
		counts[t.TableID] = int64(md.NumRows)
	}
	return counts, nil
}

// GetSchemaDescription lists dataset tables and their fields.
func (d *Destination) GetSchemaDescription() string {
	ctx, cancel := d.queryCtx()
	defer cancel()

	var b strings.Builder
	fmt.Fprintf(&b, "Dataset '%s.%s' (BigQuery, default dataset for queries).\n", d.project, d.dataset)
	it := d.client.Dataset(d.dataset).Tables(ctx)
	for {
		t, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			fmt.Fprintf(&b, "Tables unavailable: %v\n", err)
			break
		}
		md, err := t.Metadata(ctx)
		if err != nil {
			continue
		}
		cols := make([]string, len(md.Schema))
		for i, f := range md.Schema {
			cols[i] = fmt.Sprintf("%s (%s)", f.Name, f.Type)
		}
		fmt.Fprintf(&b, "Table '%s': %s.\n", t.TableID, strings.Join(cols, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

// LoadHistory returns the newest ledger entries first.
func (d *Destination) LoadHistory(limit int) ([]model.LoadRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := d.queryCtx()
	defer cancel()

	q := d.client.Query(fmt.Sprintf(
		"SELECT * FROM %s ORDER BY inserted_at DESC, table_name LIMIT @limit",
		tableRef(d.project, d.dataset, model.LoadsTable)))
	q.Parameters = []bq.QueryParameter{{Name: "limit", Value: limit}}
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("bigquery: load history: %w", err)
	}
	var out []model.LoadRecord
	for {
		var row ledgerRow
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bigquery: load history: %w", err)
		}
		out = append(out, model.LoadRecord{
			LoadID:      row.LoadID,
			Pipeline:    row.Pipeline,
			Table:       row.TableName,
			Disposition: model.WriteDisposition(row.WriteDisposition),
			Rows:        row.RowCount,
			Status:      row.Status,
			InsertedAt:  row.InsertedAt,
		})
	}
	return out, nil
}
