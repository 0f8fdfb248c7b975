package bigquery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bq "cloud.google.com/go/bigquery"

	"github.com/tinytelemetry/siphon/internal/model"
)

func fieldType(t model.ColumnType) bq.FieldType {
	switch t {
	case model.TypeBigint:
		return bq.IntegerFieldType
	case model.TypeDouble:
		return bq.FloatFieldType
	case model.TypeBoolean:
		return bq.BooleanFieldType
	case model.TypeTimestamp:
		return bq.TimestampFieldType
	case model.TypeJSON:
		return bq.JSONFieldType
	}
	return bq.StringFieldType
}

func columnType(t bq.FieldType) model.ColumnType {
	switch t {
	case bq.IntegerFieldType:
		return model.TypeBigint
	case bq.FloatFieldType, bq.NumericFieldType, bq.BigNumericFieldType:
		return model.TypeDouble
	case bq.BooleanFieldType:
		return model.TypeBoolean
	case bq.TimestampFieldType, bq.DateTimeFieldType:
		return model.TypeTimestamp
	case bq.JSONFieldType, bq.RecordFieldType:
		return model.TypeJSON
	}
	return model.TypeText
}

func toBQSchema(s model.TableSchema) bq.Schema {
	out := make(bq.Schema, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = &bq.FieldSchema{Name: c.Name, Type: fieldType(c.Type)}
	}
	return out
}

// missingFields returns the fields of want absent from have, by name.
func missingFields(have, want bq.Schema) bq.Schema {
	seen := make(map[string]bool, len(have))
	for _, f := range have {
		seen[strings.ToLower(f.Name)] = true
	}
	var out bq.Schema
	for _, f := range want {
		if !seen[strings.ToLower(f.Name)] {
			out = append(out, f)
		}
	}
	return out
}

const timestampLayout = "2006-01-02T15:04:05.999999Z07:00"

// encodeNDJSON renders rows as newline-delimited JSON for a load job.
// JSON columns are embedded as raw documents, timestamps truncated to microseconds.
func encodeNDJSON(schema model.TableSchema, rows []model.Row) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, row := range rows {
		out := make(map[string]any, len(schema.Columns))
		for _, c := range schema.Columns {
			v, ok := row[c.Name]
			if !ok || v == nil {
				continue
			}
			out[c.Name] = encodeValue(c.Type, v)
		}
		if err := enc.Encode(out); err != nil {
			return nil, fmt.Errorf("encode row %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func encodeValue(t model.ColumnType, v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(timestampLayout)
	case string:
		if t == model.TypeJSON && json.Valid([]byte(x)) {
			return json.RawMessage(x)
		}
	}
	return v
}

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "") + "`"
}

func tableRef(project, dataset, table string) string {
	return quoteIdent(project + "." + dataset + "." + table)
}

// mergeSQL upserts staging into target on the primary key.
func mergeSQL(project, dataset, target, staging string, schema model.TableSchema) string {
	keys := schema.PrimaryKey()
	on := make([]string, len(keys))
	for i, k := range keys {
		on[i] = fmt.Sprintf("T.%s = S.%s", quoteIdent(k), quoteIdent(k))
	}
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var sets, cols, vals []string
	for _, c := range schema.Columns {
		q := quoteIdent(c.Name)
		cols = append(cols, q)
		vals = append(vals, "S."+q)
		if !isKey[c.Name] {
			sets = append(sets, fmt.Sprintf("%s = S.%s", q, q))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE %s T USING %s S ON %s",
		tableRef(project, dataset, target), tableRef(project, dataset, staging), strings.Join(on, " AND "))
	if len(sets) > 0 {
		fmt.Fprintf(&b, " WHEN MATCHED THEN UPDATE SET %s", strings.Join(sets, ", "))
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)", strings.Join(cols, ", "), strings.Join(vals, ", "))
	return b.String()
}
