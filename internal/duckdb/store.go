// Package duckdb is the embedded destination: one DuckDB file holding one
// schema per dataset plus the siphon bookkeeping tables in main.
package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	duckdbdrv "github.com/duckdb/duckdb-go/v2"

	"github.com/tinytelemetry/siphon/internal/duckdb/migrate"
	"github.com/tinytelemetry/siphon/internal/model"
	"github.com/tinytelemetry/siphon/internal/sqlguard"
)

// Store manages the DuckDB connection pool. Writes take the write lock,
// reads take the read lock.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	dataset      string
	QueryTimeout time.Duration
}

// NewStore opens or creates a DuckDB database and the dataset schema.
// An empty dbPath opens an in-memory database, an empty dataset uses the
// default, and queryTimeout defaults to 30s.
func NewStore(dbPath, dataset string, queryTimeout ...time.Duration) (*Store, error) {
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(dataset) == "" {
		dataset = model.DefaultDataset
	}

	// Every pooled connection resolves unqualified names in the dataset first,
	// so ad-hoc queries can say "FROM users".
	connector, err := duckdbdrv.NewConnector(dbPath, func(execer driver.ExecerContext) error {
		stmts := []string{
			"CREATE SCHEMA IF NOT EXISTS " + quoteIdent(dataset),
			"SET search_path = " + quoteLiteral(dataset+",main"),
		}
		for _, stmt := range stmts {
			if _, err := execer.ExecContext(context.Background(), stmt, nil); err != nil {
				return fmt.Errorf("init connection: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("duckdb: open %q: %w", dbPath, err)
	}
	db := sql.OpenDB(connector)

	if err := migrate.NewRunner(db).Run(); err != nil {
		db.Close()
		return nil, fmt.Errorf("duckdb: migrate: %w", err)
	}

	qt := model.DefaultQueryTimeout
	if len(queryTimeout) > 0 && queryTimeout[0] > 0 {
		qt = queryTimeout[0]
	}

	return &Store{
		db:           db,
		dbPath:       dbPath,
		dataset:      dataset,
		QueryTimeout: qt,
	}, nil
}

// MigrationStatus reports the bookkeeping schema version of the database at
// dbPath and how many embedded migrations the next open will apply. It does
// not apply them.
func MigrationStatus(dbPath string) (current, pending int, err error) {
	if dbPath == "" {
		return 0, 0, ErrInMemoryStore
	}
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return 0, 0, fmt.Errorf("duckdb: open %q: %w", dbPath, err)
	}
	defer db.Close()
	if current, pending, err = migrate.NewRunner(db).Status(); err != nil {
		return 0, 0, fmt.Errorf("duckdb: migration status: %w", err)
	}
	return current, pending, nil
}

// Name identifies the destination.
func (s *Store) Name() string { return "duckdb" }

// Dataset returns the schema tables are loaded into.
func (s *Store) Dataset() string { return s.dataset }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// qualified returns "dataset"."table".
func (s *Store) qualified(table string) string {
	return quoteIdent(s.dataset) + "." + quoteIdent(table)
}

func quoteIdent(name string) string { return sqlguard.QuoteIdent(name) }

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
