// Command backfill loads historical SINAN case tables and INMET weather
// exports into the report log, either straight into the database or through
// the report topic.
//
// Usage:
//
//	go run ./cmd/backfill \
//	  -cases data/sinan_arboviroses_data.csv \
//	  -weather data/weather \
//	  -sink store -harmonize
//
// -cases and -weather accept comma separated files and directories. Weather
// files without a city column take the city from the file name.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/couchcryptid/arbo-forecast/internal/adapter/csvsource"
	kafkaadapter "github.com/couchcryptid/arbo-forecast/internal/adapter/kafka"
	"github.com/couchcryptid/arbo-forecast/internal/config"
	"github.com/couchcryptid/arbo-forecast/internal/domain"
	"github.com/couchcryptid/arbo-forecast/internal/harmonizer"
	"github.com/couchcryptid/arbo-forecast/internal/observability"
	"github.com/couchcryptid/arbo-forecast/internal/store/postgres"
)

const (
	sinkStore = "store"
	sinkKafka = "kafka"
)

type options struct {
	cases         string
	weather       string
	casesSource   string
	weatherSource string
	sink          string
	harmonize     bool
	dryRun        bool
}

// sink receives parsed reports and returns how many were new.
type sink interface {
	write(ctx context.Context, reports []domain.RawReport) (int, error)
}

type storeSink struct{ st *postgres.Store }

func (s storeSink) write(ctx context.Context, reports []domain.RawReport) (int, error) {
	return s.st.Append(ctx, reports...)
}

type kafkaSink struct{ w *kafkaadapter.Writer }

// write publishes reports. Deduplication happens when the consumer appends
// them, so every published report counts.
func (k kafkaSink) write(ctx context.Context, reports []domain.RawReport) (int, error) {
	if err := k.w.LoadBatch(ctx, reports); err != nil {
		return 0, err
	}
	return len(reports), nil
}

type discardSink struct{}

func (discardSink) write(context.Context, []domain.RawReport) (int, error) {
	return 0, nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("backfill failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flag.StringVar(&opts.cases, "cases", "", "case CSV files or directories, comma separated")
	flag.StringVar(&opts.weather, "weather", "", "weather CSV files or directories, comma separated")
	flag.StringVar(&opts.casesSource, "cases-source", csvsource.SourceSINAN, "source id stamped on case reports")
	flag.StringVar(&opts.weatherSource, "weather-source", csvsource.SourceINMET, "source id stamped on weather reports")
	flag.StringVar(&opts.sink, "sink", sinkStore, "where reports go: store or kafka")
	flag.BoolVar(&opts.harmonize, "harmonize", false, "harmonize loaded locations afterwards (store sink only)")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "parse and report without writing")
	flag.Parse()

	if opts.cases == "" && opts.weather == "" {
		flag.Usage()
		return errors.New("nothing to load: set -cases and/or -weather")
	}
	if opts.sink != sinkStore && opts.sink != sinkKafka {
		return fmt.Errorf("invalid -sink %q: want %s or %s", opts.sink, sinkStore, sinkKafka)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		out sink = discardSink{}
		pg  *postgres.Store
	)
	switch {
	case opts.dryRun:
	case opts.sink == sinkStore:
		if cfg.DatabaseURL == "" {
			return errors.New("-sink store needs DATABASE_URL")
		}
		if pg, err = postgres.Open(ctx, postgres.Config{URL: cfg.DatabaseURL, MaxConns: cfg.DatabaseMaxConns}); err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		out = storeSink{st: pg}
	case opts.sink == sinkKafka:
		w := kafkaadapter.NewWriter(cfg, logger)
		defer w.Close()
		out = kafkaSink{w: w}
	}

	stats, err := load(ctx, opts, out, cfg.BatchSize, logger)
	if err != nil {
		return err
	}
	logger.Info("backfill complete",
		"files", stats.files,
		"rows", stats.rows,
		"row_errors", stats.rowErrors,
		"merged", stats.merged,
		"reports", stats.reports,
		"written", stats.written,
		"locations", len(stats.locations),
	)

	if !opts.harmonize || pg == nil {
		return nil
	}
	h := harmonizer.New(pg, pg, harmonizer.Config{
		Priorities: cfg.SourcePriorities,
		Calendar:   cfg.Calendar,
	}, logger, observability.NewMetrics())
	failed := 0
	for _, o := range h.RunAll(ctx, stats.locations, time.Time{}, cfg.HarmonizeConcurrency) {
		if o.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("harmonize failed for %d of %d locations", failed, len(stats.locations))
	}
	return nil
}

type loadStats struct {
	files     int
	rows      int
	rowErrors int
	merged    int
	reports   int
	written   int
	locations []string
}

// load reads every file and writes its reports in batches of batchSize.
// Row errors are logged with their file and line and do not stop the load.
func load(ctx context.Context, opts options, out sink, batchSize int, logger *slog.Logger) (loadStats, error) {
	var stats loadStats
	seen := map[string]bool{}

	jobs := []struct {
		list   string
		kind   csvsource.Kind
		source string
	}{
		{opts.cases, csvsource.KindCases, opts.casesSource},
		{opts.weather, csvsource.KindWeather, opts.weatherSource},
	}
	for _, job := range jobs {
		if job.list == "" {
			continue
		}
		paths, err := csvsource.ExpandPaths(job.list)
		if err != nil {
			return stats, err
		}
		for _, path := range paths {
			res, err := csvsource.ReadFile(path, csvsource.Options{Kind: job.kind, SourceID: job.source})
			if err != nil {
				return stats, err
			}
			stats.files++
			stats.rows += res.Rows
			stats.rowErrors += len(res.RowErrors)
			stats.merged += res.Merged
			for _, re := range res.RowErrors {
				logger.Warn("skipping row", "file", path, "line", re.Line, "reason", re.Reason)
			}
			for _, r := range res.Reports {
				if !seen[r.LocationID] {
					seen[r.LocationID] = true
					stats.locations = append(stats.locations, r.LocationID)
				}
			}
			stats.reports += len(res.Reports)

			for batch := range slices.Chunk(res.Reports, max(batchSize, 1)) {
				n, err := out.write(ctx, batch)
				if err != nil {
					return stats, fmt.Errorf("write %s: %w", path, err)
				}
				stats.written += n
			}
			logger.Info("file loaded", "file", path, "kind", job.kind, "rows", res.Rows, "merged", res.Merged, "reports", len(res.Reports))
		}
	}
	slices.Sort(stats.locations)
	return stats, nil
}
