package postgres

import (
	"fmt"
	"strings"

	"github.com/tinytelemetry/siphon/internal/model"
	"github.com/tinytelemetry/siphon/internal/sqlguard"
)

func sqlType(t model.ColumnType) string {
	switch t {
	case model.TypeBigint:
		return "BIGINT"
	case model.TypeDouble:
		return "DOUBLE PRECISION"
	case model.TypeBoolean:
		return "BOOLEAN"
	case model.TypeTimestamp:
		return "TIMESTAMPTZ"
	case model.TypeJSON:
		return "JSONB"
	}
	return "TEXT"
}

// columnType maps an information_schema data_type back to a portable type.
func columnType(dataType string) model.ColumnType {
	switch strings.ToLower(dataType) {
	case "bigint", "integer", "smallint":
		return model.TypeBigint
	case "double precision", "real", "numeric":
		return model.TypeDouble
	case "boolean":
		return model.TypeBoolean
	case "timestamp with time zone", "timestamp without time zone", "date":
		return model.TypeTimestamp
	case "jsonb", "json":
		return model.TypeJSON
	}
	return model.TypeText
}

func qualified(schema, table string) string {
	return sqlguard.QuoteIdent(schema) + "." + sqlguard.QuoteIdent(table)
}

func createTableSQL(dataset string, schema model.TableSchema) string {
	defs := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		defs[i] = sqlguard.QuoteIdent(c.Name) + " " + sqlType(c.Type)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", qualified(dataset, schema.Name), strings.Join(defs, ", "))
}

func addColumnSQL(dataset, table string, c model.Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
		qualified(dataset, table), sqlguard.QuoteIdent(c.Name), sqlType(c.Type))
}

// alterColumnTypeSQL retypes an existing column, casting the stored values.
func alterColumnTypeSQL(dataset, table string, c model.Column) string {
	col := sqlguard.QuoteIdent(c.Name)
	typ := sqlType(c.Type)
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
		qualified(dataset, table), col, typ, col, typ)
}

// deleteByKeySQL builds a DELETE matching every key column by position.
func deleteByKeySQL(dataset, table string, keys []string) string {
	conds := make([]string, len(keys))
	for i, k := range keys {
		conds[i] = fmt.Sprintf("%s = $%d", sqlguard.QuoteIdent(k), i+1)
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", qualified(dataset, table), strings.Join(conds, " AND "))
}

const ledgerDDL = `CREATE TABLE IF NOT EXISTS %s (
	load_id           TEXT NOT NULL,
	pipeline          TEXT NOT NULL,
	table_name        TEXT NOT NULL,
	write_disposition TEXT NOT NULL,
	row_count         BIGINT NOT NULL,
	status            TEXT NOT NULL,
	inserted_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`
