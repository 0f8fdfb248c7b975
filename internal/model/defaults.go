package model

import "time"

// Shared defaults used by the CLI and the library packages.
const (
	DefaultPipelineName = "jsonplaceholder_pipeline"
	DefaultDataset      = "jsonplaceholder_data"
	DefaultBaseURL      = "https://jsonplaceholder.typicode.com"
	DefaultHTTPTimeout  = 30 * time.Second
	DefaultQueryTimeout = 30 * time.Second

	// LoadTimestampColumn is added to rows of resources that request it.
	LoadTimestampColumn = "loaded_at"

	// LoadsTable is the ledger table every destination keeps.
	LoadsTable = "_siphon_loads"

	LoadStatusCommitted = "committed"
	LoadStatusReplayed  = "replayed"
)
