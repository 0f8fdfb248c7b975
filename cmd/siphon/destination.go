package main

import (
	"context"
	"fmt"

	"github.com/tinytelemetry/siphon/internal/bigquery"
	"github.com/tinytelemetry/siphon/internal/duckdb"
	"github.com/tinytelemetry/siphon/internal/model"
	"github.com/tinytelemetry/siphon/internal/postgres"
)

// warehouse is a destination that also serves the read API.
type warehouse interface {
	model.Destination
	model.ReadAPI
}

func bigQueryConfig(cfg appConfig) bigquery.Config {
	return bigquery.Config{
		CredentialsPath: cfg.BigQueryCredentialsPath,
		ProjectID:       cfg.BigQueryProjectID,
		Dataset:         cfg.effectiveDataset(),
		Location:        cfg.BigQueryLocation,
	}
}

func openDestination(ctx context.Context, cfg appConfig) (warehouse, error) {
	switch cfg.Destination {
	case destinationDuckDB:
		store, err := duckdb.NewStore(cfg.DBPath, cfg.Dataset, cfg.QueryTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to open DuckDB: %w", err)
		}
		return store, nil
	case destinationPostgres:
		d, err := postgres.Open(ctx, cfg.PostgresDSN, cfg.Dataset)
		if err != nil {
			return nil, err
		}
		d.QueryTimeout = cfg.QueryTimeout
		return d, nil
	case destinationBigQuery:
		d, err := bigquery.Open(ctx, bigQueryConfig(cfg))
		if err != nil {
			return nil, err
		}
		d.QueryTimeout = cfg.QueryTimeout
		return d, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownDestination, cfg.Destination)
}
