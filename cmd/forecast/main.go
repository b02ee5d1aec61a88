package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	httpadapter "github.com/couchcryptid/arbo-forecast/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/arbo-forecast/internal/adapter/kafka"
	"github.com/couchcryptid/arbo-forecast/internal/adapter/mapbox"
	"github.com/couchcryptid/arbo-forecast/internal/adapter/modelhttp"
	"github.com/couchcryptid/arbo-forecast/internal/adapter/openweather"
	"github.com/couchcryptid/arbo-forecast/internal/config"
	"github.com/couchcryptid/arbo-forecast/internal/domain"
	"github.com/couchcryptid/arbo-forecast/internal/forecast"
	"github.com/couchcryptid/arbo-forecast/internal/harmonizer"
	"github.com/couchcryptid/arbo-forecast/internal/model"
	"github.com/couchcryptid/arbo-forecast/internal/observability"
	"github.com/couchcryptid/arbo-forecast/internal/pipeline"
	"github.com/couchcryptid/arbo-forecast/internal/scheduler"
	"github.com/couchcryptid/arbo-forecast/internal/store"
	"github.com/couchcryptid/arbo-forecast/internal/store/postgres"
)

// backingStore is what the service needs from a store implementation.
type backingStore interface {
	store.Canonical
	store.ReportLog
}

// readiness combines the checks behind /readyz.
type readiness []func(ctx context.Context) error

func (r readiness) CheckReadiness(ctx context.Context) error {
	for _, check := range r {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, metrics); err != nil {
		logger.Error("service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) error {
	var ready readiness

	// Store: PostgreSQL when DATABASE_URL is set, memory otherwise.
	var st backingStore
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(ctx, postgres.Config{URL: cfg.DatabaseURL, MaxConns: cfg.DatabaseMaxConns})
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st = pg
		ready = append(ready, pg.Ping)
		logger.Info("using postgres store", "max_conns", cfg.DatabaseMaxConns)
	} else {
		st = store.NewMemory()
		logger.Warn("DATABASE_URL not set, using in-memory store")
	}

	capability, err := newCapability(ctx, cfg, logger)
	if err != nil {
		return err
	}
	svc, err := forecast.NewService(st, capability, cfg.HorizonPolicy, logger, metrics)
	if err != nil {
		return err
	}

	h := harmonizer.New(st, st, harmonizer.Config{
		Priorities: cfg.SourcePriorities,
		Calendar:   cfg.Calendar,
		Clock:      domain.Clock(),
	}, logger, metrics)

	// Initialize geocoder (feature-flagged via MAPBOX_ENABLED / MAPBOX_TOKEN).
	var geocoder domain.Geocoder
	if cfg.MapboxEnabled {
		client := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, metrics, logger)
		geocoder = mapbox.NewCachedGeocoder(client, cfg.MapboxCacheSize, metrics)
		metrics.GeocodeEnabled.Set(1)
		logger.Info("mapbox geocoding enabled", "cache_size", cfg.MapboxCacheSize, "timeout", cfg.MapboxTimeout)
	} else {
		logger.Info("mapbox geocoding disabled")
	}

	var sources []domain.Source
	if cfg.OpenWeatherEnabled() {
		sources = append(sources, openweather.NewClient(cfg.OpenWeatherAPIKey, cfg.OpenWeatherURL, metrics, logger,
			openweather.WithGeocoder(geocoder)))
		logger.Info("openweather source enabled", "interval", cfg.WeatherFetchInterval)
	}

	sched := scheduler.New(scheduler.Config{
		Locations:            cfg.Locations,
		HarmonizeInterval:    cfg.HarmonizeInterval,
		HarmonizeConcurrency: cfg.HarmonizeConcurrency,
		WeatherInterval:      cfg.WeatherFetchInterval,
	}, h, st, sources, logger)

	g, gctx := errgroup.WithContext(ctx)

	var reader *kafkaadapter.Reader
	if cfg.KafkaEnabled {
		reader = kafkaadapter.NewReader(cfg, logger)
		p := pipeline.New(reader, pipeline.NewTransformer(logger), st, logger, metrics, cfg.BatchSize)
		ready = append(ready, p.CheckReadiness)
		g.Go(func() error {
			return p.Run(gctx)
		})
	} else {
		logger.Info("kafka ingestion disabled")
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, httpadapter.Deps{
		Ready:      ready,
		Records:    st,
		Forecaster: svc,
		Harmonizer: h,
		Calendar:   cfg.Calendar,
		Locations:  cfg.Locations,
	}, logger)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if err := sched.Start(gctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	<-gctx.Done()
	logger.Info("shutting down")

	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if reader != nil {
		if err := reader.Close(); err != nil {
			logger.Error("kafka reader close error", "error", err)
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newCapability builds the configured model. A remote model's contract is
// discovered here, so a model that does not fit the weekly schema stops
// startup.
func newCapability(ctx context.Context, cfg *config.Config, logger *slog.Logger) (model.Capability, error) {
	switch cfg.ModelKind {
	case config.ModelHTTP:
		client, err := modelhttp.Discover(ctx, cfg.ModelURL, cfg.ModelTimeout, logger)
		if err != nil {
			return nil, fmt.Errorf("discover model at %s: %w", cfg.ModelURL, err)
		}
		return client, nil
	default:
		ma, err := model.NewMovingAverage(cfg.ModelWindow, cfg.ModelMaxHorizon)
		if err != nil {
			return nil, err
		}
		logger.Info("using moving average model", "window", cfg.ModelWindow, "max_horizon", cfg.ModelMaxHorizon)
		return ma, nil
	}
}
