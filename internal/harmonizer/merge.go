package harmonizer

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
)

// FlagSourceConflict marks equal-priority sources disagreeing on a week's value.
const FlagSourceConflict = "source_conflict"

// Flag is a data quality annotation produced by a merge.
type Flag struct {
	Kind       string         `json:"kind"`
	LocationID string         `json:"location_id"`
	Week       domain.WeekKey `json:"week"`
	Metric     domain.Metric  `json:"metric"`
	Chosen     string         `json:"chosen_source"`
	Sources    []string       `json:"sources"`
	Values     []float64      `json:"values"`
}

// Err renders the flag as an error matching domain.ErrSourceConflict.
func (f Flag) Err() error {
	return fmt.Errorf("%w: %s week %s %s: sources %v disagree (%v), chose %s",
		domain.ErrSourceConflict, f.LocationID, f.Week, f.Metric, f.Sources, f.Values, f.Chosen)
}

// RejectedReport names a report excluded from a merge and why.
type RejectedReport struct {
	ReportID string `json:"report_id"`
	SourceID string `json:"source_id"`
	Reason   string `json:"reason"`
}

// Result is the output of Merge.
type Result struct {
	Records  []domain.WeeklyRecord
	Flags    []Flag
	Rejected []RejectedReport
}

// valueEpsilon is the tolerance under which two aggregates are considered equal.
const valueEpsilon = 1e-9

type dedupeKey struct {
	source   string
	observed int64
	metric   domain.Metric
}

type aggKey struct {
	source string
	week   string
	metric domain.Metric
}

// aggregate is one source's weekly value for one metric.
type aggregate struct {
	source     string
	rank       int
	week       domain.WeekKey
	metric     domain.Metric
	value      *float64
	lastIngest time.Time
}

// Merge reconciles a location's reports into its contiguous weekly series.
// It is pure: the same reports always yield the same Result, whatever their order.
func Merge(locationID string, reports []domain.RawReport, priorities Priorities, cal domain.Calendar) Result {
	var res Result

	// Validate, then keep the latest report per (source, observed_at, metric).
	latest := make(map[dedupeKey]domain.RawReport)
	weeks := make(map[string]domain.WeekKey)
	for _, r := range reports {
		wk, reason := check(locationID, r, priorities, cal)
		if reason != "" {
			res.Rejected = append(res.Rejected, RejectedReport{ReportID: r.ID, SourceID: r.SourceID, Reason: reason})
			continue
		}
		weeks[r.ID] = wk
		k := dedupeKey{source: r.SourceID, observed: r.ObservedAt.UnixNano(), metric: r.Metric}
		if prev, ok := latest[k]; !ok || newer(r, prev) {
			latest[k] = r
		}
	}
	slices.SortFunc(res.Rejected, func(a, b RejectedReport) int { return cmp.Compare(a.ReportID, b.ReportID) })

	if len(latest) == 0 {
		return res
	}

	// Aggregate per (source, week, metric) in a stable order so float sums
	// don't depend on input order.
	kept := make([]domain.RawReport, 0, len(latest))
	for _, r := range latest {
		kept = append(kept, r)
	}
	slices.SortFunc(kept, func(a, b domain.RawReport) int {
		if c := a.ObservedAt.Compare(b.ObservedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	type acc struct {
		aggregate
		sum float64
		n   int
	}
	accs := make(map[aggKey]*acc)
	first, last := domain.WeekKey{}, domain.WeekKey{}
	for _, r := range kept {
		wk := weeks[r.ID]
		if first.IsZero() || wk.Before(first) {
			first = wk
		}
		if last.IsZero() || wk.After(last) {
			last = wk
		}
		k := aggKey{source: r.SourceID, week: wk.String(), metric: r.Metric}
		a, ok := accs[k]
		if !ok {
			rank, _ := priorities.Rank(r.SourceID)
			a = &acc{aggregate: aggregate{source: r.SourceID, rank: rank, week: wk, metric: r.Metric}}
			accs[k] = a
		}
		if r.IngestedAt.After(a.lastIngest) {
			a.lastIngest = r.IngestedAt
		}
		if r.Value != nil {
			a.sum += *r.Value
			a.n++
		}
	}

	// Group candidates per (week, metric).
	candidates := make(map[string][]aggregate)
	for _, a := range accs {
		if a.n > 0 {
			v := a.sum
			if !a.metric.Additive() {
				v = a.sum / float64(a.n)
			}
			a.value = &v
		}
		key := a.week.String() + "|" + string(a.metric)
		candidates[key] = append(candidates[key], a.aggregate)
	}

	for wk := first; !wk.After(last); wk = wk.AddWeeks(1) {
		rec := domain.NullRecord(locationID, wk)
		for _, m := range domain.Metrics {
			cands := candidates[wk.String()+"|"+string(m)]
			winner, flag := resolve(cands)
			if winner == nil {
				continue
			}
			rec.Set(m, winner.value)
			if flag != nil {
				flag.LocationID = locationID
				res.Flags = append(res.Flags, *flag)
			}
		}
		res.Records = append(res.Records, rec)
	}
	return res
}

// check validates one report and maps it to its week. A non-empty reason
// means the report is rejected.
func check(locationID string, r domain.RawReport, priorities Priorities, cal domain.Calendar) (domain.WeekKey, string) {
	if r.LocationID != locationID {
		return domain.WeekKey{}, fmt.Sprintf("location %q does not match %q", r.LocationID, locationID)
	}
	if err := r.Validate(); err != nil {
		return domain.WeekKey{}, err.Error()
	}
	if _, ok := priorities.Rank(r.SourceID); !ok {
		return domain.WeekKey{}, fmt.Sprintf("unknown source %q", r.SourceID)
	}
	wk, err := cal.WeekOf(r.ObservedAt)
	if err != nil {
		return domain.WeekKey{}, err.Error()
	}
	return wk, ""
}

func newer(a, b domain.RawReport) bool {
	if c := a.IngestedAt.Compare(b.IngestedAt); c != 0 {
		return c > 0
	}
	return a.ID > b.ID
}

// resolve picks the winning candidate for one (week, metric). Only candidates
// with a value compete; a null aggregate never beats a non-null one.
func resolve(cands []aggregate) (*aggregate, *Flag) {
	withValue := make([]aggregate, 0, len(cands))
	for _, c := range cands {
		if c.value != nil {
			withValue = append(withValue, c)
		}
	}
	if len(withValue) == 0 {
		return nil, nil
	}
	slices.SortFunc(withValue, func(a, b aggregate) int {
		if c := cmp.Compare(a.rank, b.rank); c != 0 {
			return c
		}
		if c := b.lastIngest.Compare(a.lastIngest); c != 0 {
			return c
		}
		return cmp.Compare(a.source, b.source)
	})
	winner := withValue[0]

	var peers []aggregate
	conflict := false
	for _, c := range withValue {
		if c.rank != winner.rank {
			break
		}
		peers = append(peers, c)
		if math.Abs(*c.value-*winner.value) > valueEpsilon {
			conflict = true
		}
	}
	if !conflict {
		return &winner, nil
	}

	slices.SortFunc(peers, func(a, b aggregate) int { return cmp.Compare(a.source, b.source) })
	flag := &Flag{Kind: FlagSourceConflict, Week: winner.week, Metric: winner.metric, Chosen: winner.source}
	for _, p := range peers {
		flag.Sources = append(flag.Sources, p.source)
		flag.Values = append(flag.Values, *p.value)
	}
	return &winner, flag
}
