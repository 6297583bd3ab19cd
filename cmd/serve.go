package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/astroAycha/geospatial-mlops/internal/api"
	"github.com/astroAycha/geospatial-mlops/internal/config"
	"github.com/astroAycha/geospatial-mlops/internal/refresh"
)

var (
	listenAddr    string
	storageDriver string
	noRefresh     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the indexd daemon (default command)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().StringVar(&storageDriver, "storage-driver", "", "storage driver (overrides config)")
	serveCmd.Flags().BoolVar(&noRefresh, "no-refresh", false, "serve the API without refreshing configured AOIs")
	rootCmd.AddCommand(serveCmd)

	// Make serve the default command.
	rootCmd.RunE = runServe
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	// Apply flag overrides.
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if storageDriver != "" {
		cfg.Storage.Driver = storageDriver
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	slog.Info("starting indexd",
		"listen_addr", cfg.ListenAddr,
		"storage_driver", cfg.Storage.Driver,
		"data_source", cfg.DataSource,
		"aois", len(cfg.AOIs),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}

	ref := refresh.New(a.coordinator, a.store, refresh.Options{
		Interval:      cfg.Refresh.Interval,
		OnStartup:     cfg.Refresh.OnStartup,
		BootstrapDays: cfg.Refresh.BootstrapDays,
	}, slog.Default())
	for _, ac := range cfg.AOIs {
		aoi, err := ac.Resolve()
		if err != nil {
			_ = a.Close()
			return err
		}
		ref.AddAOI(aoi)
	}

	srv := api.NewServer(api.Deps{
		Store:      a.store,
		Updater:    ref,
		Extractor:  a.coordinator,
		Refresher:  ref,
		CORSOrigin: cfg.CORSOrigin,
	}, slog.Default())
	srv.SetVersion(Version)
	storagePath := storageLocation(cfg)
	if cfg.Storage.Driver == "postgres" {
		storagePath = redactDSN(storagePath)
	}
	srv.SetStorageInfo(cfg.Storage.Driver, storagePath)

	slog.Info("indexd ready", "addr", cfg.ListenAddr)

	// Start refresher and server using errgroup.
	g, gctx := errgroup.WithContext(ctx)
	if !noRefresh {
		g.Go(func() error { return ref.Start(gctx) })
	}
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.ListenAddr) })

	waitErr := g.Wait()
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		slog.Error("indexd exited with error", "error", waitErr)
	}

	// Always run graceful cleanup, even on error.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if err := a.Close(); err != nil {
		slog.Error("closing pipeline", "error", err)
	}

	slog.Info("indexd shutdown complete")
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}

// storageLocation describes where the configured store lives.
func storageLocation(cfg *config.Config) string {
	if cfg.Storage.Driver != "parquet" {
		return cfg.DSN()
	}
	p := cfg.Storage.Parquet
	switch p.Backend {
	case "gcs":
		return "gs://" + strings.TrimSuffix(p.Bucket+"/"+p.Prefix, "/")
	case "s3":
		return "s3://" + strings.TrimSuffix(p.Bucket+"/"+p.Prefix, "/")
	default:
		return p.Root
	}
}

// redactDSN masks the password in a PostgreSQL DSN for safe display.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
