package model

import (
	"fmt"
	"strings"
	"time"
)

// Row is one flat, destination-ready record keyed by column name.
// It is the canonical type between the transformer, the journal and destinations.
type Row map[string]any

// ColumnType is the small portable type set every destination maps to its own DDL.
type ColumnType string

const (
	TypeBigint    ColumnType = "bigint"
	TypeDouble    ColumnType = "double"
	TypeBoolean   ColumnType = "boolean"
	TypeText      ColumnType = "text"
	TypeTimestamp ColumnType = "timestamp"
	TypeJSON      ColumnType = "json"
)

// ParseColumnType resolves a configured type name. Empty means "infer".
func ParseColumnType(s string) (ColumnType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "bigint", "int", "integer", "int64":
		return TypeBigint, nil
	case "double", "float", "float64", "decimal":
		return TypeDouble, nil
	case "boolean", "bool":
		return TypeBoolean, nil
	case "text", "string", "varchar":
		return TypeText, nil
	case "timestamp", "datetime":
		return TypeTimestamp, nil
	case "json", "complex":
		return TypeJSON, nil
	}
	return "", fmt.Errorf("unknown column type %q", s)
}

// WidenType returns the narrowest type that holds values of both a and b.
// An empty type means "no values seen" and yields the other.
func WidenType(a, b ColumnType) ColumnType {
	switch {
	case a == "":
		return b
	case b == "" || a == b:
		return a
	case (a == TypeBigint && b == TypeDouble) || (a == TypeDouble && b == TypeBigint):
		return TypeDouble
	}
	return TypeText
}

// Column describes one destination column.
type Column struct {
	Name       string     `json:"name"`
	Type       ColumnType `json:"type"`
	PrimaryKey bool       `json:"primary_key,omitempty"`
}

// TableSchema is an ordered set of columns for one destination table.
type TableSchema struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Column returns the named column, if present.
func (s *TableSchema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// HasColumn reports whether the schema contains name.
func (s *TableSchema) HasColumn(name string) bool {
	_, ok := s.Column(name)
	return ok
}

// AddColumn appends c unless a column with the same name exists.
// It returns true when the schema changed.
func (s *TableSchema) AddColumn(c Column) bool {
	if s.HasColumn(c.Name) {
		return false
	}
	s.Columns = append(s.Columns, c)
	return true
}

// PrimaryKey returns primary-key column names in schema order.
func (s *TableSchema) PrimaryKey() []string {
	var keys []string
	for _, c := range s.Columns {
		if c.PrimaryKey {
			keys = append(keys, c.Name)
		}
	}
	return keys
}

// ColumnNames returns all column names in schema order.
func (s *TableSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Clone returns a deep copy of the schema.
func (s TableSchema) Clone() TableSchema {
	out := TableSchema{Name: s.Name, Columns: make([]Column, len(s.Columns))}
	copy(out.Columns, s.Columns)
	return out
}

// WriteDisposition governs how a load interacts with existing table contents.
type WriteDisposition string

const (
	// Replace makes the table contain exactly the rows of the current load.
	Replace WriteDisposition = "replace"
	// Append adds rows without checking for duplicates.
	Append WriteDisposition = "append"
	// Merge upserts rows by primary key.
	Merge WriteDisposition = "merge"
)

// ParseWriteDisposition resolves a configured disposition. Empty defaults to Append.
func ParseWriteDisposition(s string) (WriteDisposition, error) {
	switch WriteDisposition(strings.ToLower(strings.TrimSpace(s))) {
	case "", Append:
		return Append, nil
	case Replace:
		return Replace, nil
	case Merge:
		return Merge, nil
	}
	return "", fmt.Errorf("%w %q (want replace, append or merge)", ErrUnknownDisposition, s)
}

// TableLoadResult is what a destination reports after committing one table load.
type TableLoadResult struct {
	Table       string
	Disposition WriteDisposition
	RowsLoaded  int64
	NewColumns  []string
	Widened     []string // existing columns retyped to hold this load
	Created     bool
}

// LoadRecord is one entry of the destination-side load ledger.
type LoadRecord struct {
	LoadID      string           `json:"load_id"`
	Pipeline    string           `json:"pipeline"`
	Table       string           `json:"table"`
	Disposition WriteDisposition `json:"write_disposition"`
	Rows        int64            `json:"rows"`
	Status      string           `json:"status"`
	InsertedAt  time.Time        `json:"inserted_at"`
}

// TableStats summarizes one resource within a pipeline run.
type TableStats struct {
	Resource    string
	Table       string
	Disposition WriteDisposition
	Extracted   int64
	Filtered    int64
	Loaded      int64
	NewColumns  []string
	Cursor      any
	Replayed    bool
}

// LoadInfo summarizes a full pipeline run.
type LoadInfo struct {
	Pipeline    string
	Destination string
	Dataset     string
	LoadID      string
	DryRun      bool
	StartedAt   time.Time
	FinishedAt  time.Time
	Tables      []TableStats
}

// TotalLoaded returns the number of rows committed across all tables.
func (li *LoadInfo) TotalLoaded() int64 {
	var n int64
	for _, t := range li.Tables {
		n += t.Loaded
	}
	return n
}

// LoadPackage is the unit the journal persists between extraction and load:
// one resource's rows plus the cursor to store once the load commits.
type LoadPackage struct {
	LoadID      string           `json:"load_id"`
	Pipeline    string           `json:"pipeline"`
	Resource    string           `json:"resource"`
	Disposition WriteDisposition `json:"write_disposition"`
	Schema      TableSchema      `json:"schema"`
	Rows        []Row            `json:"rows"`
	CursorField string           `json:"cursor_field,omitempty"`
	CursorValue any              `json:"cursor_value,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// DedupByKey keeps the last row for each primary-key value, ordered by where
// that last occurrence appeared. Rows with a NULL key part are an error.
func DedupByKey(rows []Row, keys []string) ([]Row, error) {
	if len(keys) == 0 {
		return nil, ErrMissingPrimaryKey
	}
	last := make(map[string]int, len(rows))
	ids := make([]string, len(rows))
	for i, row := range rows {
		var b strings.Builder
		for j, k := range keys {
			v, ok := row[k]
			if !ok || v == nil {
				return nil, fmt.Errorf("row %d: primary key column %q is null", i, k)
			}
			if j > 0 {
				b.WriteByte(0)
			}
			fmt.Fprintf(&b, "%v", v)
		}
		ids[i] = b.String()
		last[ids[i]] = i
	}
	if len(last) == len(rows) {
		return rows, nil
	}
	out := make([]Row, 0, len(last))
	for i, row := range rows {
		if last[ids[i]] == i {
			out = append(out, row)
		}
	}
	return out, nil
}
