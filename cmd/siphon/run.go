package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinytelemetry/siphon/internal/backup"
	"github.com/tinytelemetry/siphon/internal/duckdb"
	"github.com/tinytelemetry/siphon/internal/model"
	"github.com/tinytelemetry/siphon/internal/pipeline"
	"github.com/tinytelemetry/siphon/internal/resource"
	"github.com/tinytelemetry/siphon/internal/restsource"
)

// session is an opened destination plus the pipeline loading into it.
type session struct {
	wh        warehouse
	pipe      *pipeline.Pipeline
	resources []*resource.Resource
}

func (s *session) Close() {
	if err := s.pipe.Close(); err != nil {
		log.Printf("close pipeline: %v", err)
	}
	if err := s.wh.Close(); err != nil {
		log.Printf("close %s: %v", s.wh.Name(), err)
	}
}

// openSession resolves the catalog, the selected resources and the destination.
func openSession(ctx context.Context, cfg appConfig, names []string) (*session, error) {
	catalog, err := resource.Load(cfg.Catalog)
	if err != nil {
		return nil, err
	}
	if cfg.BaseURL != "" {
		catalog.BaseURL = cfg.BaseURL
	}
	if len(names) == 0 {
		names = cfg.Resources
	}
	resources, err := catalog.Select(names)
	if err != nil {
		return nil, err
	}

	client := restsource.NewClient(restsource.Options{
		BaseURL:           catalog.BaseURL,
		Timeout:           cfg.HTTPTimeout,
		RetryMax:          cfg.HTTPRetries,
		RequestsPerSecond: cfg.HTTPRate,
	})

	wh, err := openDestination(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pipe, err := pipeline.New(pipeline.Options{
		Name:        cfg.PipelineName,
		WorkDir:     cfg.WorkDir,
		Source:      client,
		Destination: wh,
	})
	if err != nil {
		_ = wh.Close()
		return nil, err
	}
	return &session{wh: wh, pipe: pipe, resources: resources}, nil
}

func newRunCmd(app *cli) *cobra.Command {
	var (
		names    []string
		dryRun   bool
		snapshot bool
		every    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Extract the configured resources and load them into the destination",
		Example: `  siphon run
  siphon run -d postgres --resource posts_incremental
  siphon run --resource users_merge --every 10m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.cfg
			out := cmd.OutOrStdout()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := openSession(ctx, cfg, names)
			if err != nil {
				printTroubleshooting(cmd.ErrOrStderr(), cfg, err)
				return errReported
			}
			defer s.Close()

			for {
				if err := runOnce(ctx, cmd, cfg, s, dryRun, snapshot); err != nil {
					return err
				}
				if every <= 0 {
					return nil
				}
				fmt.Fprintf(out, "\n  %s next run in %s\n", dot, every)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(every):
				}
			}
		},
	}

	f := cmd.Flags()
	f.StringSliceVarP(&names, "resource", "r", nil, "resources to run (default: the configured resources)")
	f.BoolVar(&dryRun, "dry-run", false, "extract and transform only; do not load or advance state")
	f.BoolVar(&snapshot, "snapshot", false, "write a DuckDB snapshot after a successful load")
	f.DurationVar(&every, "every", 0, "repeat the run on this interval until interrupted")
	return cmd
}

func runOnce(ctx context.Context, cmd *cobra.Command, cfg appConfig, s *session, dryRun, snapshot bool) error {
	out := cmd.OutOrStdout()

	info, err := s.pipe.Run(ctx, s.resources, pipeline.RunOptions{DryRun: dryRun})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if info != nil && len(info.Tables) > 0 {
			printLoadSummary(out, info)
		}
		printTroubleshooting(cmd.ErrOrStderr(), cfg, err)
		return errReported
	}

	printLoadSummary(out, info)
	if !dryRun {
		printSampleQueries(out, s.wh, info)
	}

	if snapshot && !dryRun {
		if err := snapshotStore(ctx, out, cfg, s.wh); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "  %s snapshot failed: %v\n", cross, err)
		}
	}
	return nil
}

func backupConfig(cfg appConfig) backup.Config {
	return backup.Config{
		Enabled:        cfg.BackupEnabled,
		Interval:       cfg.BackupInterval,
		LocalDir:       cfg.BackupLocalDir,
		KeepLast:       cfg.BackupKeepLast,
		BucketURL:      cfg.BackupBucketURL,
		S3Endpoint:     cfg.BackupS3Endpoint,
		S3Region:       cfg.BackupS3Region,
		S3AccessKey:    cfg.BackupS3AccessKey,
		S3SecretKey:    cfg.BackupS3SecretKey,
		S3SessionToken: cfg.BackupS3SessionToken,
		S3UseSSL:       cfg.BackupS3UseSSL,
	}
}

func snapshotStore(ctx context.Context, w io.Writer, cfg appConfig, wh model.Destination) error {
	store, ok := wh.(*duckdb.Store)
	if !ok {
		return fmt.Errorf("snapshots are only supported for duckdb, not %s", wh.Name())
	}
	bc := backupConfig(cfg)
	bc.Enabled = true
	m, err := backup.NewManager(store, bc)
	if err != nil {
		return err
	}
	path, err := m.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  %s snapshot written to %s\n", check, dim.Render(shortenPath(path)))
	return nil
}
