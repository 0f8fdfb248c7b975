package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/tinytelemetry/siphon/internal/model"
	"github.com/tinytelemetry/siphon/internal/sqlguard"
)

// newTestDestination connects to the database named by SIPHON_TEST_POSTGRES_DSN
// and uses a schema unique to the test.
func newTestDestination(t *testing.T) *Destination {
	t.Helper()
	dsn := os.Getenv("SIPHON_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SIPHON_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	dataset := fmt.Sprintf("siphon_test_%d", time.Now().UnixNano())
	d, err := Open(ctx, dsn, dataset)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		d.pool.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+sqlguard.QuoteIdent(dataset)+" CASCADE")
		d.Close()
	})
	return d
}

func usersSchema() model.TableSchema {
	return model.TableSchema{Name: "users", Columns: []model.Column{
		{Name: "user_id", Type: model.TypeBigint, PrimaryKey: true},
		{Name: "name", Type: model.TypeText},
	}}
}

func userRows(n int, prefix string) []model.Row {
	rows := make([]model.Row, n)
	for i := range rows {
		rows[i] = model.Row{"user_id": int64(i + 1), "name": fmt.Sprintf("%s-%d", prefix, i+1)}
	}
	return rows
}

func rowCount(t *testing.T, d *Destination, table string) int64 {
	t.Helper()
	counts, err := d.TableRowCounts()
	if err != nil {
		t.Fatalf("TableRowCounts: %v", err)
	}
	return counts[table]
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), " ", "ds"); !errors.Is(err, ErrNoDSN) {
		t.Fatalf("Open with empty dsn: got %v, want ErrNoDSN", err)
	}
}

func TestLoadDispositions(t *testing.T) {
	d := newTestDestination(t)
	ctx := context.Background()

	for range 2 {
		if _, err := d.Load(ctx, usersSchema(), userRows(10, "r"), model.Replace); err != nil {
			t.Fatalf("replace: %v", err)
		}
	}
	if n := rowCount(t, d, "users"); n != 10 {
		t.Fatalf("after two replaces: %d rows, want 10", n)
	}

	if _, err := d.Load(ctx, usersSchema(), userRows(10, "a"), model.Append); err != nil {
		t.Fatalf("append: %v", err)
	}
	if n := rowCount(t, d, "users"); n != 20 {
		t.Fatalf("after append: %d rows, want 20", n)
	}

	if _, err := d.Load(ctx, usersSchema(), nil, model.Replace); err != nil {
		t.Fatalf("empty replace: %v", err)
	}
	if n := rowCount(t, d, "users"); n != 0 {
		t.Fatalf("after empty replace: %d rows, want 0", n)
	}
}

func TestLoadMergeUpserts(t *testing.T) {
	d := newTestDestination(t)
	ctx := context.Background()

	if _, err := d.Load(ctx, usersSchema(), userRows(5, "v1"), model.Merge); err != nil {
		t.Fatalf("merge: %v", err)
	}
	rows := append(userRows(3, "v2"), model.Row{"user_id": int64(3), "name": "v3-3"})
	res, err := d.Load(ctx, usersSchema(), rows, model.Merge)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.RowsLoaded != 3 {
		t.Fatalf("RowsLoaded = %d, want 3", res.RowsLoaded)
	}
	if n := rowCount(t, d, "users"); n != 5 {
		t.Fatalf("after merge: %d rows, want 5", n)
	}
	got, err := d.ExecuteQuery("SELECT name FROM users WHERE user_id = 3")
	if err != nil {
		t.Fatalf("ExecuteQuery: %v", err)
	}
	if len(got) != 1 || got[0]["name"] != "v3-3" {
		t.Fatalf("user 3 = %v, want v3-3", got)
	}
}

func TestLoadAddsColumns(t *testing.T) {
	d := newTestDestination(t)
	ctx := context.Background()

	if _, err := d.Load(ctx, usersSchema(), userRows(2, "x"), model.Append); err != nil {
		t.Fatalf("append: %v", err)
	}
	wider := usersSchema()
	wider.Columns = append(wider.Columns, model.Column{Name: "email", Type: model.TypeText})
	res, err := d.Load(ctx, wider, []model.Row{{"user_id": int64(9), "name": "n", "email": "e@x"}}, model.Append)
	if err != nil {
		t.Fatalf("append wider: %v", err)
	}
	if len(res.NewColumns) != 1 || res.NewColumns[0] != "email" {
		t.Fatalf("NewColumns = %v, want [email]", res.NewColumns)
	}
}

func TestLoadWidensColumnAcrossRuns(t *testing.T) {
	d := newTestDestination(t)
	ctx := context.Background()

	schema := model.TableSchema{Name: "scores", Columns: []model.Column{
		{Name: "id", Type: model.TypeBigint},
		{Name: "score", Type: model.TypeBigint},
	}}
	if _, err := d.Load(ctx, schema, []model.Row{{"id": int64(1), "score": int64(1)}}, model.Append); err != nil {
		t.Fatalf("load bigint: %v", err)
	}

	schema.Columns[1].Type = model.TypeDouble
	res, err := d.Load(ctx, schema, []model.Row{{"id": int64(2), "score": 1.5}}, model.Append)
	if err != nil {
		t.Fatalf("load double: %v", err)
	}
	if len(res.Widened) != 1 || res.Widened[0] != "score" {
		t.Fatalf("Widened = %v, want [score]", res.Widened)
	}

	schema.Columns[1].Type = model.TypeText
	if _, err := d.Load(ctx, schema, []model.Row{{"id": int64(3), "score": "n/a"}}, model.Append); err != nil {
		t.Fatalf("load text: %v", err)
	}
	if got := rowCount(t, d, "scores"); got != 3 {
		t.Fatalf("rows = %d, want 3", got)
	}
}

func TestReadOnlyQueries(t *testing.T) {
	d := newTestDestination(t)
	if _, err := d.ExecuteQuery("DROP TABLE users"); !errors.Is(err, sqlguard.ErrQueryNotAllowed) {
		t.Fatalf("DROP: got %v, want ErrQueryNotAllowed", err)
	}
}

func TestRecordLoadHistory(t *testing.T) {
	d := newTestDestination(t)
	ctx := context.Background()
	rec := model.LoadRecord{LoadID: "l1", Pipeline: "p", Table: "users", Disposition: model.Replace, Rows: 10}
	if err := d.RecordLoad(ctx, rec); err != nil {
		t.Fatalf("RecordLoad: %v", err)
	}
	hist, err := d.LoadHistory(10)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(hist) != 1 || hist[0].LoadID != "l1" || hist[0].Status != model.LoadStatusCommitted {
		t.Fatalf("history = %+v", hist)
	}
}
