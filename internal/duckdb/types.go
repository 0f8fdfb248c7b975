package duckdb

import (
	"strings"

	"github.com/tinytelemetry/siphon/internal/model"
)

// sqlType maps a portable column type to DuckDB DDL. JSON values are stored
// as text so they round-trip through database/sql as strings.
func sqlType(t model.ColumnType) string {
	switch t {
	case model.TypeBigint:
		return "BIGINT"
	case model.TypeDouble:
		return "DOUBLE"
	case model.TypeBoolean:
		return "BOOLEAN"
	case model.TypeTimestamp:
		return "TIMESTAMP"
	}
	return "VARCHAR"
}

// columnType maps an information_schema data_type back to a portable type.
func columnType(dataType string) model.ColumnType {
	dt := strings.ToUpper(dataType)
	switch {
	case dt == "BIGINT" || dt == "INTEGER" || dt == "SMALLINT" || dt == "TINYINT" || dt == "HUGEINT":
		return model.TypeBigint
	case dt == "DOUBLE" || dt == "FLOAT" || strings.HasPrefix(dt, "DECIMAL"):
		return model.TypeDouble
	case dt == "BOOLEAN":
		return model.TypeBoolean
	case strings.HasPrefix(dt, "TIMESTAMP") || dt == "DATE":
		return model.TypeTimestamp
	case dt == "JSON":
		return model.TypeJSON
	}
	return model.TypeText
}
