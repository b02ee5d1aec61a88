// Package scheduler runs the periodic harmonize and weather fetch jobs.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
	"github.com/couchcryptid/arbo-forecast/internal/harmonizer"
	"github.com/couchcryptid/arbo-forecast/internal/store"
)

const (
	harmonizeJobTimeout = 10 * time.Minute
	fetchTimeout        = 30 * time.Second
	fetchConcurrency    = 4
)

// Harmonizer runs merges for many locations.
type Harmonizer interface {
	RunAll(ctx context.Context, locationIDs []string, cutoff time.Time, concurrency int) []harmonizer.Outcome
}

// Config controls job intervals.
type Config struct {
	Locations            []domain.Location
	HarmonizeInterval    time.Duration
	HarmonizeConcurrency int
	// WeatherInterval is ignored when no sources are registered.
	WeatherInterval time.Duration
}

// Scheduler owns the gocron scheduler and the job state.
type Scheduler struct {
	scheduler  *gocron.Scheduler
	cfg        Config
	harmonizer Harmonizer
	reports    store.ReportLog
	sources    []domain.Source
	logger     *slog.Logger

	mu sync.Mutex
	// lastSeen holds the newest observation per source and location, so a
	// fetch only keeps readings that are new.
	lastSeen map[string]time.Time
}

// New creates a Scheduler. Weather fetches append to reports.
func New(cfg Config, h Harmonizer, reports store.ReportLog, sources []domain.Source, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		scheduler:  gocron.NewScheduler(time.UTC),
		cfg:        cfg,
		harmonizer: h,
		reports:    reports,
		sources:    sources,
		logger:     logger,
		lastSeen:   make(map[string]time.Time),
	}
}

// Start registers the jobs and starts the scheduler. Jobs run once right away
// and then on their interval; a job still running when its next tick comes
// is not started twice. ctx bounds every job run.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.HarmonizeInterval <= 0 {
		return errors.New("harmonize interval must be positive")
	}
	_, err := s.scheduler.Every(s.cfg.HarmonizeInterval).SingletonMode().Do(func() {
		jobCtx, cancel := context.WithTimeout(ctx, harmonizeJobTimeout)
		defer cancel()
		s.Harmonize(jobCtx)
	})
	if err != nil {
		return err
	}

	if len(s.sources) > 0 {
		if s.cfg.WeatherInterval <= 0 {
			return errors.New("weather interval must be positive")
		}
		_, err = s.scheduler.Every(s.cfg.WeatherInterval).SingletonMode().Do(func() {
			s.FetchWeather(ctx)
		})
		if err != nil {
			return err
		}
	}

	s.scheduler.StartAsync()
	s.logger.Info("scheduler started",
		"harmonize_interval", s.cfg.HarmonizeInterval,
		"weather_interval", s.cfg.WeatherInterval,
		"sources", len(s.sources),
	)
	return nil
}

// Stop stops the scheduler. Runs in flight finish on their own context.
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

// Harmonize runs the harmonizer over configured locations and every location
// seen in the report log.
func (s *Scheduler) Harmonize(ctx context.Context) []harmonizer.Outcome {
	locs, err := s.harmonizeTargets(ctx)
	if err != nil {
		s.logger.Error("list report locations", "error", err)
		return nil
	}
	if len(locs) == 0 {
		s.logger.Debug("harmonize job: no locations")
		return nil
	}

	start := time.Now()
	outcomes := s.harmonizer.RunAll(ctx, locs, time.Time{}, s.cfg.HarmonizeConcurrency)
	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	s.logger.Info("harmonize job complete", "locations", len(locs), "failed", failed, "duration", time.Since(start))
	return outcomes
}

func (s *Scheduler) harmonizeTargets(ctx context.Context) ([]string, error) {
	seen, err := s.reports.ReportLocations(ctx)
	if err != nil {
		return nil, err
	}
	locs := make([]string, 0, len(s.cfg.Locations)+len(seen))
	for _, l := range s.cfg.Locations {
		locs = append(locs, l.ID)
	}
	locs = append(locs, seen...)
	slices.Sort(locs)
	return slices.Compact(locs), nil
}

// FetchWeather polls every source for every configured location and appends
// the new readings to the report log. It returns the number of reports
// appended. Source failures are logged; they never stop the other fetches.
func (s *Scheduler) FetchWeather(ctx context.Context) int {
	var (
		mu       sync.Mutex
		appended int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, src := range s.sources {
		for _, loc := range s.cfg.Locations {
			g.Go(func() error {
				n := s.fetch(gctx, src, loc)
				mu.Lock()
				appended += n
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()
	s.logger.Info("weather fetch job complete", "appended", appended)
	return appended
}

func (s *Scheduler) fetch(ctx context.Context, src domain.Source, loc domain.Location) int {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	key := src.Name() + "|" + loc.ID
	s.mu.Lock()
	since := s.lastSeen[key]
	s.mu.Unlock()

	logger := s.logger.With("source", src.Name(), "location_id", loc.ID)
	reports, err := src.Fetch(ctx, loc, since)
	if err != nil {
		if errors.Is(err, domain.ErrRateLimited) {
			logger.Warn("source rate limited", "error", err)
		} else {
			logger.Error("source fetch failed", "error", err)
		}
		return 0
	}
	if len(reports) == 0 {
		return 0
	}

	n, err := s.reports.Append(ctx, reports...)
	if err != nil {
		logger.Error("append fetched reports", "error", err)
		return 0
	}

	newest := since
	for _, r := range reports {
		if r.ObservedAt.After(newest) {
			newest = r.ObservedAt
		}
	}
	s.mu.Lock()
	s.lastSeen[key] = newest
	s.mu.Unlock()

	logger.Debug("source fetched", "reports", len(reports), "appended", n)
	return n
}
