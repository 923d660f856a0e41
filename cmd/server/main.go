package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/agrosense/spectral-tiles/internal/cache/redisstore"
	"github.com/agrosense/spectral-tiles/internal/cache/tilecache"
	"github.com/agrosense/spectral-tiles/internal/compute"
	"github.com/agrosense/spectral-tiles/internal/core/config"
	"github.com/agrosense/spectral-tiles/internal/core/httpclient"
	"github.com/agrosense/spectral-tiles/internal/core/observability"
	"github.com/agrosense/spectral-tiles/internal/core/router"
	"github.com/agrosense/spectral-tiles/internal/core/server"
	"github.com/agrosense/spectral-tiles/internal/imagery"
	"github.com/agrosense/spectral-tiles/internal/invalidation/kafkaconsumer"
	"github.com/agrosense/spectral-tiles/internal/logger"
	"github.com/agrosense/spectral-tiles/internal/pipeline"
	"github.com/agrosense/spectral-tiles/internal/roi"
	"github.com/agrosense/spectral-tiles/internal/store"
	"github.com/agrosense/spectral-tiles/internal/viz"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		Component: "spectral-tiles",
	}, os.Stdout)

	observability.ExposeBuildInfo(Version)
	zl.Info().
		Str("addr", cfg.Addr).
		Str("version", Version).
		Str("imagery", cfg.ImageryURL).
		Str("redis", cfg.RedisAddr).
		Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		img imagery.Client
		err error
	)
	if cfg.ImageryURL == "memory" {
		// local development without the imagery service
		img = imagery.NewMemory()
	} else {
		img, err = imagery.NewREST(cfg.ImageryURL, httpclient.NewOutbound())
		if err != nil {
			zl.Error().Err(err).Msg("imagery client init failed")
			return 1
		}
	}

	rds, err := redisstore.New(ctx, cfg.RedisAddr, redisstore.WithOpTimeout(cfg.CacheOpTimeout))
	if err != nil {
		zl.Error().Err(err).Msg("redis init failed")
		return 1
	}
	defer func() { _ = rds.Close() }()

	cache, err := tilecache.New(rds, cfg.CacheLRUSize, zl)
	if err != nil {
		zl.Error().Err(err).Msg("tile cache init failed")
		return 1
	}

	var meta *store.Store
	if cfg.DatabaseURL != "" {
		meta, err = store.Open(cfg.DatabaseURL)
		if err != nil {
			zl.Error().Err(err).Msg("metadata store init failed")
			return 1
		}
		defer func() { _ = meta.Close() }()
		if err := meta.InitSchema(ctx); err != nil {
			zl.Error().Err(err).Msg("metadata schema init failed")
			return 1
		}
	} else {
		zl.Warn().Msg("no DATABASE_URL, metadata persistence disabled")
	}

	polys := roi.NewPolygonStore(cfg.PolygonDir)
	pipe := pipeline.New(pipeline.Deps{
		Imagery:  img,
		Resolver: roi.NewResolver(polys, cfg.DefaultBufferM),
		Polygons: polys,
		Compute: compute.NewAdapter(img, zl, compute.Config{
			CloudCeilingHeatmap: cfg.CloudCeilingHeatmap,
			CloudCeilingSeries:  cfg.CloudCeilingSeries,
			SeriesMaxImages:     cfg.SeriesMaxImages,
			SeriesScale:         cfg.SeriesScale,
			StatsScale:          cfg.StatsScale,
		}),
		Viz:        viz.NewBuilder(img),
		Cache:      cache,
		Meta:       meta,
		Downloader: httpclient.NewOutbound(),
		Log:        zl,
	}, pipeline.Config{
		DefaultCloudHeatmap: cfg.DefaultCloudHeatmap,
		DefaultCloudSeries:  cfg.DefaultCloudSeries,
		ExportScale:         cfg.ExportScale,
		OutputDir:           cfg.OutputDir,
		RequestTimeout:      cfg.RequestTimeout,
	})

	if cfg.Invalidation.Enabled {
		brokers := strings.Split(cfg.Invalidation.Brokers, ",")
		consumer := kafkaconsumer.New(
			kafkaconsumer.Default(brokers, cfg.Invalidation.Topic, cfg.Invalidation.GroupID),
			zl, cache)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				zl.Error().Err(err).Msg("invalidation consumer stopped")
			}
		}()
	}

	var metaReader router.MetaReader
	if meta != nil {
		metaReader = meta
	}
	if err := server.Run(ctx, cfg, zl, pipe, metaReader); err != nil {
		zl.Error().Err(err).Msg("server failed")
		return 1
	}
	return 0
}
