// Package harmonizer turns the raw report log into the canonical weekly
// series. Merge is the pure core; Harmonizer runs it against the stores.
package harmonizer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
	"github.com/couchcryptid/arbo-forecast/internal/observability"
	"github.com/couchcryptid/arbo-forecast/internal/store"
)

// Config carries the merge rules and the clock used for default cutoffs.
type Config struct {
	Priorities Priorities
	Calendar   domain.Calendar
	Clock      clockwork.Clock
}

// Summary describes one harmonizer run.
type Summary struct {
	RunID         string           `json:"run_id"`
	LocationID    string           `json:"location_id"`
	Cutoff        time.Time        `json:"cutoff"`
	FirstWeek     domain.WeekKey   `json:"first_week"`
	LastWeek      domain.WeekKey   `json:"last_week"`
	ReportsRead   int              `json:"reports_read"`
	WeeksUpserted int              `json:"weeks_upserted"`
	Flags         []Flag           `json:"flags"`
	Rejected      []RejectedReport `json:"rejected"`
}

// Harmonizer runs merges for locations and writes the canonical store.
type Harmonizer struct {
	reports store.ReportLog
	records store.Canonical
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a Harmonizer. A nil clock uses real time.
func New(reports store.ReportLog, records store.Canonical, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Harmonizer {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Priorities == nil {
		cfg.Priorities = DefaultPriorities()
	}
	return &Harmonizer{reports: reports, records: records, cfg: cfg, logger: logger, metrics: metrics}
}

// Run harmonizes one location from reports ingested at or before cutoff.
// A zero cutoff means now. The run holds the location's writer lock, so
// concurrent runs for the same location are serialized.
//
// Cancellation stops the run between record upserts; records already written
// stay valid since each upsert is atomic.
func (h *Harmonizer) Run(ctx context.Context, locationID string, cutoff time.Time) (Summary, error) {
	start := time.Now()
	if cutoff.IsZero() {
		cutoff = h.cfg.Clock.Now()
	}
	sum := Summary{RunID: uuid.NewString(), LocationID: locationID, Cutoff: cutoff.UTC()}
	logger := h.logger.With("run_id", sum.RunID, "location_id", locationID)

	sum, err := h.run(ctx, sum, logger)
	h.metrics.HarmonizeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		h.metrics.HarmonizeRuns.WithLabelValues("error").Inc()
		logger.Error("harmonize run failed", "weeks_upserted", sum.WeeksUpserted, "error", err)
		return sum, err
	}
	h.metrics.HarmonizeRuns.WithLabelValues("success").Inc()
	logger.Info("harmonize run complete",
		"reports", sum.ReportsRead,
		"first_week", sum.FirstWeek.String(),
		"last_week", sum.LastWeek.String(),
		"weeks_upserted", sum.WeeksUpserted,
		"flags", len(sum.Flags),
		"rejected", len(sum.Rejected),
	)
	return sum, nil
}

func (h *Harmonizer) run(ctx context.Context, sum Summary, logger *slog.Logger) (Summary, error) {
	unlock, err := h.records.LockLocation(ctx, sum.LocationID)
	if err != nil {
		return sum, fmt.Errorf("lock location %s: %w", sum.LocationID, err)
	}
	defer unlock()

	reports, err := h.reports.Reports(ctx, sum.LocationID, sum.Cutoff)
	if err != nil {
		return sum, fmt.Errorf("read reports for %s: %w", sum.LocationID, err)
	}
	sum.ReportsRead = len(reports)

	res := Merge(sum.LocationID, reports, h.cfg.Priorities, h.cfg.Calendar)
	sum.Flags = res.Flags
	sum.Rejected = res.Rejected

	for _, rj := range res.Rejected {
		logger.Warn("report rejected", "report_id", rj.ReportID, "source_id", rj.SourceID, "reason", rj.Reason)
	}
	if n := len(res.Rejected); n > 0 {
		h.metrics.ReportsRejected.WithLabelValues("harmonize").Add(float64(n))
	}
	for _, f := range res.Flags {
		logger.Warn("quality flag", "kind", f.Kind, "week", f.Week.String(), "metric", f.Metric, "error", f.Err())
		h.metrics.QualityFlags.WithLabelValues(f.Kind).Inc()
	}

	if len(res.Records) == 0 {
		return sum, nil
	}
	sum.FirstWeek = res.Records[0].Week
	sum.LastWeek = res.Records[len(res.Records)-1].Week

	for _, rec := range res.Records {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := h.records.Upsert(ctx, rec); err != nil {
			return sum, fmt.Errorf("upsert %s week %s: %w", rec.LocationID, rec.Week, err)
		}
		sum.WeeksUpserted++
		h.metrics.WeeksUpserted.Inc()
	}
	return sum, nil
}

// Outcome is one location's result from RunAll.
type Outcome struct {
	Summary Summary
	Err     error
}

// RunAll harmonizes locations in parallel with at most concurrency runs in
// flight. A failing location does not stop the others; outcomes are returned
// in the order of locationIDs.
func (h *Harmonizer) RunAll(ctx context.Context, locationIDs []string, cutoff time.Time, concurrency int) []Outcome {
	if cutoff.IsZero() {
		cutoff = h.cfg.Clock.Now()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	out := make([]Outcome, len(locationIDs))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, loc := range locationIDs {
		g.Go(func() error {
			sum, err := h.Run(ctx, loc, cutoff)
			out[i] = Outcome{Summary: sum, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
