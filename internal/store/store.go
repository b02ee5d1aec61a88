// Package store holds the Canonical Store and the append-only report log.
//
// The Canonical Store keeps one WeeklyRecord per (location, week). Reads
// always return contiguous runs of weeks: a stored gap comes back as a null
// record, never as a missing element. Writes are single-record upserts and
// are atomic, so a concurrent reader sees either the old or the new record.
//
// The report log keeps every accepted RawReport keyed by its content ID.
// Appending a report whose ID is already present is a no-op.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
)

// Reader is the read side of the Canonical Store.
type Reader interface {
	// LastNWeeks returns n contiguous records ending at the latest stored week.
	LastNWeeks(ctx context.Context, locationID string, n int) ([]domain.WeeklyRecord, error)
	// Range returns exactly from..to inclusive, null-filling unstored weeks.
	Range(ctx context.Context, locationID string, from, to domain.WeekKey) ([]domain.WeeklyRecord, error)
	// Bounds returns the first and last stored week of a location.
	Bounds(ctx context.Context, locationID string) (first, last domain.WeekKey, err error)
	// Locations lists locations with at least one stored record.
	Locations(ctx context.Context) ([]string, error)
}

// Canonical is the full Canonical Store.
type Canonical interface {
	Reader
	Upsert(ctx context.Context, rec domain.WeeklyRecord) error
	// LockLocation serializes writers of one location. The returned function
	// releases the lock and must always be called.
	LockLocation(ctx context.Context, locationID string) (unlock func(), err error)
}

// ReportLog is the append-only store of raw reports.
type ReportLog interface {
	// Append inserts reports whose ID is not yet present and returns how many were new.
	Append(ctx context.Context, reports ...domain.RawReport) (int, error)
	// Reports returns a location's reports ingested at or before cutoff,
	// ordered by ingestion time then ID.
	Reports(ctx context.Context, locationID string, cutoff time.Time) ([]domain.RawReport, error)
	// ReportLocations lists locations with at least one report.
	ReportLocations(ctx context.Context) ([]string, error)
}

// CheckRange validates a from..to week range.
func CheckRange(from, to domain.WeekKey) error {
	if from.IsZero() || to.IsZero() {
		return fmt.Errorf("%w: range bounds must be set", domain.ErrInvalidArgument)
	}
	if from.After(to) {
		return fmt.Errorf("%w: range from %s is after to %s", domain.ErrInvalidArgument, from, to)
	}
	return nil
}

// LastNStart returns the first week of the n-week run ending at last, or a
// *domain.HistoryError when first..last spans fewer than n weeks.
func LastNStart(locationID string, first, last domain.WeekKey, n int) (domain.WeekKey, error) {
	if n < 1 {
		return domain.WeekKey{}, fmt.Errorf("%w: n must be >= 1, got %d", domain.ErrInvalidArgument, n)
	}
	span := first.WeeksUntil(last) + 1
	if span < n {
		return domain.WeekKey{}, &domain.HistoryError{LocationID: locationID, EndWeek: last, Required: n, Available: span}
	}
	return last.AddWeeks(-(n - 1)), nil
}

// FillRange expands stored records into the contiguous run from..to.
// stored must be sorted by week; weeks outside the range are ignored.
func FillRange(locationID string, from, to domain.WeekKey, stored []domain.WeeklyRecord) []domain.WeeklyRecord {
	out := make([]domain.WeeklyRecord, 0, from.WeeksUntil(to)+1)
	i := 0
	for wk := from; !wk.After(to); wk = wk.AddWeeks(1) {
		for i < len(stored) && stored[i].Week.Before(wk) {
			i++
		}
		if i < len(stored) && stored[i].Week.Equal(wk) {
			out = append(out, stored[i])
			i++
			continue
		}
		out = append(out, domain.NullRecord(locationID, wk))
	}
	return out
}
