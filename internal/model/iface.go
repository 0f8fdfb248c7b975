package model

import "context"

// Destination loads rows into one dataset of an analytical store.
type Destination interface {
	Name() string
	Dataset() string
	Load(ctx context.Context, schema TableSchema, rows []Row, disposition WriteDisposition) (TableLoadResult, error)
	RecordLoad(ctx context.Context, rec LoadRecord) error
	Close() error
}

// SchemaQuerier provides schema introspection and arbitrary read-only queries.
type SchemaQuerier interface {
	ExecuteQuery(query string) ([]map[string]interface{}, error)
	GetSchemaDescription() string
	TableRowCounts() (map[string]int64, error)
}

// LoadHistoryReader exposes the destination-side load ledger.
type LoadHistoryReader interface {
	LoadHistory(limit int) ([]LoadRecord, error)
}

// ReadAPI is the unified read contract for read surfaces (HTTP API and CLI query).
type ReadAPI interface {
	SchemaQuerier
	LoadHistoryReader
}
