package postgres

import (
	"testing"

	"github.com/tinytelemetry/siphon/internal/model"
)

func TestSQLType(t *testing.T) {
	cases := map[model.ColumnType]string{
		model.TypeBigint:    "BIGINT",
		model.TypeDouble:    "DOUBLE PRECISION",
		model.TypeBoolean:   "BOOLEAN",
		model.TypeTimestamp: "TIMESTAMPTZ",
		model.TypeJSON:      "JSONB",
		model.TypeText:      "TEXT",
		"":                  "TEXT",
	}
	for in, want := range cases {
		if got := sqlType(in); got != want {
			t.Errorf("sqlType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCreateTableSQL(t *testing.T) {
	schema := model.TableSchema{Name: "users", Columns: []model.Column{
		{Name: "user_id", Type: model.TypeBigint, PrimaryKey: true},
		{Name: "name", Type: model.TypeText},
		{Name: "loaded_at", Type: model.TypeTimestamp},
	}}
	got := createTableSQL("jsonplaceholder_data", schema)
	want := `CREATE TABLE IF NOT EXISTS "jsonplaceholder_data"."users" ("user_id" BIGINT, "name" TEXT, "loaded_at" TIMESTAMPTZ)`
	if got != want {
		t.Fatalf("createTableSQL:\n got %s\nwant %s", got, want)
	}
}

func TestAddColumnSQL(t *testing.T) {
	got := addColumnSQL("ds", "posts", model.Column{Name: "title_length", Type: model.TypeBigint})
	want := `ALTER TABLE "ds"."posts" ADD COLUMN IF NOT EXISTS "title_length" BIGINT`
	if got != want {
		t.Fatalf("addColumnSQL:\n got %s\nwant %s", got, want)
	}
}

func TestAlterColumnTypeSQL(t *testing.T) {
	got := alterColumnTypeSQL("ds", "users", model.Column{Name: "score", Type: model.TypeDouble})
	want := `ALTER TABLE "ds"."users" ALTER COLUMN "score" TYPE DOUBLE PRECISION USING "score"::DOUBLE PRECISION`
	if got != want {
		t.Fatalf("alterColumnTypeSQL:\n got %s\nwant %s", got, want)
	}
}

func TestColumnTypeRoundTrip(t *testing.T) {
	cases := map[string]model.ColumnType{
		"bigint":                   model.TypeBigint,
		"integer":                  model.TypeBigint,
		"double precision":         model.TypeDouble,
		"boolean":                  model.TypeBoolean,
		"timestamp with time zone": model.TypeTimestamp,
		"jsonb":                    model.TypeJSON,
		"text":                     model.TypeText,
		"character varying":        model.TypeText,
	}
	for in, want := range cases {
		if got := columnType(in); got != want {
			t.Errorf("columnType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDeleteByKeySQL(t *testing.T) {
	got := deleteByKeySQL("ds", "posts", []string{"user_id", "post_id"})
	want := `DELETE FROM "ds"."posts" WHERE "user_id" = $1 AND "post_id" = $2`
	if got != want {
		t.Fatalf("deleteByKeySQL:\n got %s\nwant %s", got, want)
	}
}

func TestBindValueEncodesNested(t *testing.T) {
	got := bindValue(map[string]any{"lat": "1.5"})
	if got != `{"lat":"1.5"}` {
		t.Fatalf("bindValue(map) = %v", got)
	}
	if got := bindValue(int64(7)); got != int64(7) {
		t.Fatalf("bindValue(int64) = %v", got)
	}
}
