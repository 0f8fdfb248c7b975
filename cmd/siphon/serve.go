package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/siphon/internal/backup"
	"github.com/tinytelemetry/siphon/internal/duckdb"
	"github.com/tinytelemetry/siphon/internal/httpserver"
	"github.com/tinytelemetry/siphon/internal/pipeline"
)

func newServeCmd(app *cli) *cobra.Command {
	var every time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read API, with optional scheduled runs and snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.cfg
			if cmd.Flags().Changed("every") {
				cfg.RunEvery = every
			}
			return runServer(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "run the pipeline on this interval (0 disables scheduled runs)")
	return cmd
}

// runServer blocks until SIGINT/SIGTERM, then stops every loop.
func runServer(parent context.Context, out io.Writer, cfg appConfig) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s, err := openSession(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	var backupManager *backup.Manager
	if store, ok := s.wh.(*duckdb.Store); ok {
		backupManager, err = backup.NewManager(store, backupConfig(cfg))
		if err != nil {
			return fmt.Errorf("failed to initialize backups: %w", err)
		}
	} else if cfg.BackupEnabled {
		log.Printf("serve: snapshots are only supported for duckdb; ignoring backup-enabled")
	}

	apiServer := httpserver.NewServer(cfg.APIAddr, s.wh, s.pipe.State())

	printStartupBanner(out, cfg, s, backupManager != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return apiServer.Run(gctx)
	})
	if cfg.RunEvery > 0 {
		g.Go(func() error {
			scheduleRuns(gctx, s, cfg.RunEvery)
			return nil
		})
	}
	if backupManager != nil {
		g.Go(func() error {
			return backupManager.Run(gctx)
		})
	}

	err = g.Wait()
	fmt.Fprintln(out, "\nShutting down...")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// scheduleRuns runs the pipeline immediately and then every interval.
// Failures are logged and retried on the next tick.
func scheduleRuns(ctx context.Context, s *session, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		info, err := s.pipe.Run(ctx, s.resources, pipeline.RunOptions{})
		switch {
		case err != nil && ctx.Err() == nil:
			log.Printf("serve: scheduled run failed: %v", err)
		case err == nil:
			log.Printf("serve: scheduled run %s loaded %d rows", info.LoadID, info.TotalLoaded())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func printStartupBanner(w io.Writer, cfg appConfig, s *session, snapshots bool) {
	logo := cyan.Bold(true).Render(`
    ╔═╗╦╔═╗╦ ╦╔═╗╔╗╔
    ╚═╗║╠═╝╠═╣║ ║║║║
    ╚═╝╩╩  ╩ ╩╚═╝╝╚╝`)

	var lines []string
	lines = append(lines, "", logo, "    "+dim.Render("v"+version), "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator, "")

	lines = append(lines, bold.Render("    Gateway"), "")
	lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(cfg.APIAddr)))
	lines = append(lines, fmt.Sprintf("    %s  Metrics        %s", check, cyan.Render("http://"+cfg.APIAddr+"/metrics")))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Destination"), "")
	lines = append(lines, fmt.Sprintf("    %s  Warehouse      %s", check, cyan.Render(s.wh.Name())))
	lines = append(lines, fmt.Sprintf("    %s  Dataset        %s", check, dim.Render(s.wh.Dataset())))
	if s.wh.Name() == destinationDuckDB {
		lines = append(lines, fmt.Sprintf("    %s  Storage        %s", check, dim.Render(shortenPath(cfg.DBPath))))
	}
	if snapshots {
		lines = append(lines, fmt.Sprintf("    %s  Snapshots      %s", check, dim.Render(shortenPath(cfg.BackupLocalDir))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Snapshots      %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Pipeline"), "")
	lines = append(lines, fmt.Sprintf("    %s  Name           %s", check, dim.Render(s.pipe.Name())))
	names := make([]string, len(s.resources))
	for i, r := range s.resources {
		names[i] = r.Name
	}
	lines = append(lines, fmt.Sprintf("    %s  Resources      %s", check, dim.Render(strings.Join(names, ", "))))
	if cfg.RunEvery > 0 {
		lines = append(lines, fmt.Sprintf("    %s  Schedule       %s", check, dim.Render("every "+cfg.RunEvery.String())))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Schedule       %s", dot, dim.Render("manual (siphon run)")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Fprintln(w, strings.Join(lines, "\n"))
}
