// mosaicd is the Mosaic media daemon: a priority job queue with a worker
// pool, recurring schedules, a durable SQLite mirror, and an HTTP/WebSocket
// API for submission and live updates.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mosaicvideo/mosaic/config"
	"github.com/mosaicvideo/mosaic/db"
	"github.com/mosaicvideo/mosaic/jobs"
	"github.com/mosaicvideo/mosaic/jobs/handlers"
	"github.com/mosaicvideo/mosaic/jobs/schedule"
	"github.com/mosaicvideo/mosaic/library"
	"github.com/mosaicvideo/mosaic/logger"
	"github.com/mosaicvideo/mosaic/media"
	"github.com/mosaicvideo/mosaic/server"
	"github.com/mosaicvideo/mosaic/sym"
)

var (
	configPath string
	jsonLogs   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mosaicd",
		Short: "Mosaic media daemon",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (TOML)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit JSON logs")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job daemon and API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe() error {
	if err := logger.Initialize(jsonLogs); err != nil {
		return err
	}
	log := logger.Logger

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		conn      *sql.DB
		mirror    *jobs.SQLiteMirror
		schedules *schedule.Store
	)
	if cfg.DB.Mirror {
		conn, err = db.Open(cfg.DB.Path, log)
	} else {
		// Library and schedules still need a database; an in-memory one
		// matches the no-durability contract.
		log.Warnw("Durable mirror disabled, jobs will not survive restarts", "symbol", sym.DB)
		conn, err = db.Open(":memory:", log)
	}
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.Migrate(conn, log); err != nil {
		return err
	}
	schedules = schedule.NewStore(conn)
	if cfg.DB.Mirror {
		mirror = jobs.NewSQLiteMirror(conn)
	}

	broadcaster := jobs.NewBroadcaster(log)

	var mirrorIface jobs.Mirror
	if mirror != nil {
		mirrorIface = mirror
	}
	store := jobs.NewStore(broadcaster, mirrorIface, log)
	defer store.Close()

	if mirror != nil {
		if _, err := mirror.RecoverInto(store, log); err != nil {
			log.Warnw("Crash recovery failed, continuing with empty queue", "error", err)
		}
	}

	registry := jobs.NewRegistry()
	handlers.RegisterAll(registry, handlers.Deps{
		Store:     store,
		Metadata:  media.NewHTTPMetadataClient(cfg.Media.MetadataURL, log),
		Downloads: media.NewExecDownloadClient(cfg.Media.DownloadDir, log),
		Library:   library.New(conn),
		Logger:    log,
	})

	pool := jobs.NewPool(ctx, store, registry, jobs.PoolConfig{
		Workers:         cfg.Jobs.Workers,
		PollInterval:    cfg.Jobs.PollInterval,
		ShutdownTimeout: cfg.Jobs.ShutdownTimeout,
	}, log)
	pool.Start()
	defer pool.Stop()

	var ticker *schedule.Ticker
	if schedules != nil {
		ticker = schedule.NewTicker(schedules, store, cfg.Jobs.TickerInterval, log)
		ticker.Start(ctx)
		defer ticker.Stop()
	}

	// Hourly retention sweep over finished jobs
	go func() {
		sweep := time.NewTicker(time.Hour)
		defer sweep.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sweep.C:
				store.Cleanup(cfg.Jobs.Retention)
			}
		}
	}()

	srv := server.New(ctx, server.Options{
		Addr:      cfg.Server.Addr,
		Store:     store,
		Pool:      pool,
		Schedules: schedules,
		Mirror:    mirror,
		Logger:    log,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Infow("Shutting down", "symbol", sym.Worker)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Jobs.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
