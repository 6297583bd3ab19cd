package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/astroAycha/geospatial-mlops/internal/aggregate"
	"github.com/astroAycha/geospatial-mlops/internal/bands"
	"github.com/astroAycha/geospatial-mlops/internal/catalog"
	"github.com/astroAycha/geospatial-mlops/internal/config"
	"github.com/astroAycha/geospatial-mlops/internal/cube"
	"github.com/astroAycha/geospatial-mlops/internal/notify"
	"github.com/astroAycha/geospatial-mlops/internal/pipeline"
	"github.com/astroAycha/geospatial-mlops/internal/store"
)

// app bundles the components shared by the extract, update and serve commands.
type app struct {
	cfg         *config.Config
	store       store.Store
	publisher   notify.Publisher
	coordinator *pipeline.Coordinator
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	profile, err := bands.Lookup(cfg.DataSource)
	if err != nil {
		return nil, err
	}
	if len(cfg.Pipeline.InvalidCodes) > 0 {
		profile = profile.WithInvalidCodes(cfg.Pipeline.InvalidCodes)
	}

	granularity, err := aggregate.ParseGranularity(cfg.Pipeline.Granularity)
	if err != nil {
		return nil, err
	}

	catalogURL := cfg.Catalog.URL
	if catalogURL == "" {
		catalogURL = profile.DefaultCatalogURL
	}
	opts := []catalog.Option{
		catalog.WithTimeout(cfg.Catalog.Timeout),
		catalog.WithRetries(cfg.Catalog.Retries),
		catalog.WithPageLimit(cfg.Catalog.PageLimit),
		catalog.WithLogger(logger),
	}
	if profile.SignAssets {
		sasURL := cfg.Catalog.SASURL
		if sasURL == "" {
			sasURL = catalog.DefaultSASURL
		}
		opts = append(opts, catalog.WithSigner(catalog.NewSigner(sasURL)))
	}
	client := catalog.NewClient(catalogURL, opts...)

	s, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Storage.Driver, err)
	}

	var pub notify.Publisher = notify.Nop{}
	if cfg.Notify.NATSURL != "" {
		np, err := notify.Connect(cfg.Notify.NATSURL, cfg.Notify.Subject, logger)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		pub = np
	}

	coord := pipeline.New(client, cube.NewGDALLoader(cfg.Pipeline.Workers, logger), s, profile,
		pipeline.Settings{
			Granularity:      granularity,
			Indices:          cfg.Indices(),
			ResolutionMeters: cfg.Pipeline.ResolutionM,
			TileSize:         cfg.Pipeline.TileSize,
			Workers:          cfg.Pipeline.Workers,
			FillGaps:         cfg.Pipeline.FillGaps,
		},
		pipeline.WithLogger(logger),
		pipeline.WithPublisher(pub),
	)

	logger.Info("pipeline ready",
		"data_source", profile.Source,
		"catalog_url", catalogURL,
		"storage_driver", cfg.Storage.Driver,
		"granularity", granularity,
	)
	return &app{cfg: cfg, store: s, publisher: pub, coordinator: coord}, nil
}

// Close flushes pending events and closes the store.
func (a *app) Close() error {
	pubErr := a.publisher.Close()
	if err := a.store.Close(); err != nil {
		return err
	}
	return pubErr
}
