package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
)

// Memory is an in-process Canonical Store and ReportLog.
// Stored values are cloned on the way in and out.
type Memory struct {
	mu      sync.RWMutex
	records map[string]map[string]domain.WeeklyRecord // location -> week -> record
	bounds  map[string][2]domain.WeekKey
	reports map[string]domain.RawReport
	byLoc   map[string][]string

	lockMu sync.Mutex
	locks  map[string]chan struct{}
}

// NewMemory returns an empty memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]map[string]domain.WeeklyRecord),
		bounds:  make(map[string][2]domain.WeekKey),
		reports: make(map[string]domain.RawReport),
		byLoc:   make(map[string][]string),
		locks:   make(map[string]chan struct{}),
	}
}

// Upsert replaces the record for (location, week).
func (m *Memory) Upsert(ctx context.Context, rec domain.WeeklyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	weeks, ok := m.records[rec.LocationID]
	if !ok {
		weeks = make(map[string]domain.WeeklyRecord)
		m.records[rec.LocationID] = weeks
	}
	weeks[rec.Week.String()] = rec.Clone()

	b, ok := m.bounds[rec.LocationID]
	if !ok {
		m.bounds[rec.LocationID] = [2]domain.WeekKey{rec.Week, rec.Week}
		return nil
	}
	if rec.Week.Before(b[0]) {
		b[0] = rec.Week
	}
	if rec.Week.After(b[1]) {
		b[1] = rec.Week
	}
	m.bounds[rec.LocationID] = b
	return nil
}

// Bounds returns the stored span of a location.
func (m *Memory) Bounds(ctx context.Context, locationID string) (domain.WeekKey, domain.WeekKey, error) {
	if err := ctx.Err(); err != nil {
		return domain.WeekKey{}, domain.WeekKey{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bounds[locationID]
	if !ok {
		return domain.WeekKey{}, domain.WeekKey{}, fmt.Errorf("%w: %q", domain.ErrUnknownLocation, locationID)
	}
	return b[0], b[1], nil
}

// Range returns from..to inclusive with null records for unstored weeks.
func (m *Memory) Range(ctx context.Context, locationID string, from, to domain.WeekKey) ([]domain.WeeklyRecord, error) {
	if err := CheckRange(from, to); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	weeks, ok := m.records[locationID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownLocation, locationID)
	}
	out := make([]domain.WeeklyRecord, 0, from.WeeksUntil(to)+1)
	for wk := from; !wk.After(to); wk = wk.AddWeeks(1) {
		if rec, ok := weeks[wk.String()]; ok {
			out = append(out, rec.Clone())
			continue
		}
		out = append(out, domain.NullRecord(locationID, wk))
	}
	return out, nil
}

// LastNWeeks returns the n weeks ending at the latest stored week.
func (m *Memory) LastNWeeks(ctx context.Context, locationID string, n int) ([]domain.WeeklyRecord, error) {
	first, last, err := m.Bounds(ctx, locationID)
	if err != nil {
		return nil, err
	}
	from, err := LastNStart(locationID, first, last, n)
	if err != nil {
		return nil, err
	}
	return m.Range(ctx, locationID, from, last)
}

// Locations lists locations with stored records, sorted.
func (m *Memory) Locations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.bounds))
	for loc := range m.bounds {
		out = append(out, loc)
	}
	slices.Sort(out)
	return out, nil
}

// LockLocation acquires the per-location writer lock, honoring ctx while waiting.
func (m *Memory) LockLocation(ctx context.Context, locationID string) (func(), error) {
	m.lockMu.Lock()
	ch, ok := m.locks[locationID]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[locationID] = ch
	}
	m.lockMu.Unlock()

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Append stores reports not seen before.
func (m *Memory) Append(ctx context.Context, reports ...domain.RawReport) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for _, r := range reports {
		if r.ID == "" {
			return inserted, fmt.Errorf("%w: report without id", domain.ErrInvalidArgument)
		}
		if _, ok := m.reports[r.ID]; ok {
			continue
		}
		m.reports[r.ID] = r
		m.byLoc[r.LocationID] = append(m.byLoc[r.LocationID], r.ID)
		inserted++
	}
	return inserted, nil
}

// Reports returns a location's reports ingested at or before cutoff.
func (m *Memory) Reports(ctx context.Context, locationID string, cutoff time.Time) ([]domain.RawReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.RawReport
	for _, id := range m.byLoc[locationID] {
		r := m.reports[id]
		if r.IngestedAt.After(cutoff) {
			continue
		}
		if r.Value != nil {
			v := *r.Value
			r.Value = &v
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b domain.RawReport) int {
		if c := a.IngestedAt.Compare(b.IngestedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// ReportLocations lists locations with at least one report, sorted.
func (m *Memory) ReportLocations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.byLoc))
	for loc := range m.byLoc {
		out = append(out, loc)
	}
	slices.Sort(out)
	return out, nil
}
