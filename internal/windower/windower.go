// Package windower builds fixed-shape feature windows from the canonical
// weekly series, exactly as a model's contract declares them.
package windower

import (
	"context"
	"fmt"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
	"github.com/couchcryptid/arbo-forecast/internal/model"
	"github.com/couchcryptid/arbo-forecast/internal/store"
)

// Windower reads the canonical store and shapes windows for one contract.
type Windower struct {
	reader   store.Reader
	contract model.Contract
	seed     bool // some feature forward-fills from weeks before the window
}

// New validates the contract against the weekly schema. A contract error is
// a configuration error; the caller should not start serving.
func New(reader store.Reader, contract model.Contract) (*Windower, error) {
	if err := contract.Validate(); err != nil {
		return nil, err
	}
	w := &Windower{reader: reader, contract: contract}
	for _, f := range contract.Features {
		if contract.PolicyFor(f) == model.FillForward {
			w.seed = true
		}
	}
	return w, nil
}

// Contract returns the contract the windower shapes for.
func (w *Windower) Contract() model.Contract { return w.contract }

// BuildLatest builds the window ending at the latest stored week.
func (w *Windower) BuildLatest(ctx context.Context, locationID string) (domain.FeatureWindow, error) {
	_, last, err := w.reader.Bounds(ctx, locationID)
	if err != nil {
		return domain.FeatureWindow{}, err
	}
	return w.Build(ctx, locationID, last)
}

// Build returns the window covering [end-W+1 .. end]. The stored span must
// cover the whole window, otherwise a *domain.HistoryError is returned.
func (w *Windower) Build(ctx context.Context, locationID string, end domain.WeekKey) (domain.FeatureWindow, error) {
	length := w.contract.WindowLength
	first, last, err := w.reader.Bounds(ctx, locationID)
	if err != nil {
		return domain.FeatureWindow{}, err
	}
	start := end.AddWeeks(-(length - 1))
	if start.Before(first) || end.After(last) {
		return domain.FeatureWindow{}, &domain.HistoryError{
			LocationID: locationID,
			EndWeek:    end,
			Required:   length,
			Available:  overlap(start, end, first, last),
		}
	}

	recs, err := w.reader.Range(ctx, locationID, start, end)
	if err != nil {
		return domain.FeatureWindow{}, fmt.Errorf("read weeks for %s: %w", locationID, err)
	}

	features := w.contract.Features
	carry := make([]float64, len(features))
	if w.seed {
		if carry, err = w.lastValues(ctx, locationID, first, start); err != nil {
			return domain.FeatureWindow{}, err
		}
	}

	win := domain.FeatureWindow{
		LocationID: locationID,
		EndWeek:    end,
		Features:   append([]string(nil), features...),
		Weeks:      make([]domain.WeekKey, 0, length),
		Vectors:    make([][]float64, 0, length),
	}
	for _, rec := range recs {
		vec := make([]float64, len(features))
		for j, f := range features {
			v, ok, err := rec.Feature(f)
			if err != nil {
				return domain.FeatureWindow{}, domain.NewShapeError(w.contract.Version, "%v", err)
			}
			switch {
			case ok:
				vec[j] = v
				carry[j] = v
			case w.contract.PolicyFor(f) == model.FillForward:
				vec[j] = carry[j]
			case w.contract.PolicyFor(f) == model.FillReject:
				return domain.FeatureWindow{}, &domain.MissingValueError{LocationID: locationID, Week: rec.Week, Feature: f}
			default:
				vec[j] = 0
			}
		}
		win.Weeks = append(win.Weeks, rec.Week)
		win.Vectors = append(win.Vectors, vec)
	}

	if err := win.CheckShape(features, length); err != nil {
		return domain.FeatureWindow{}, domain.NewShapeError(w.contract.Version, "%v", err)
	}
	return win, nil
}

// seedLookback is the number of weeks each backward read covers while
// looking for forward-fill seeds.
const seedLookback = 52

// lastValues returns, for every forward-filled feature, its last non-null
// value before the week start. Features without one, and features with
// other policies, are 0. History is read backwards in seedLookback chunks
// and the search stops as soon as every seed is found.
func (w *Windower) lastValues(ctx context.Context, locationID string, first, start domain.WeekKey) ([]float64, error) {
	features := w.contract.Features
	values := make([]float64, len(features))
	pending := make(map[int]string, len(features))
	for j, f := range features {
		if w.contract.PolicyFor(f) == model.FillForward {
			pending[j] = f
		}
	}

	to := start.AddWeeks(-1)
	for len(pending) > 0 && !to.Before(first) {
		from := to.AddWeeks(-(seedLookback - 1))
		if from.Before(first) {
			from = first
		}
		recs, err := w.reader.Range(ctx, locationID, from, to)
		if err != nil {
			return nil, fmt.Errorf("read history for %s: %w", locationID, err)
		}
		for i := len(recs) - 1; i >= 0 && len(pending) > 0; i-- {
			for j, f := range pending {
				v, ok, err := recs[i].Feature(f)
				if err != nil {
					return nil, domain.NewShapeError(w.contract.Version, "%v", err)
				}
				if ok {
					values[j] = v
					delete(pending, j)
				}
			}
		}
		to = from.AddWeeks(-1)
	}
	return values, nil
}

// overlap counts the weeks of [start, end] inside [first, last].
func overlap(start, end, first, last domain.WeekKey) int {
	if start.Before(first) {
		start = first
	}
	if end.After(last) {
		end = last
	}
	if start.After(end) {
		return 0
	}
	return start.WeeksUntil(end) + 1
}
