package domain

import (
	"fmt"
	"math"
	"slices"
)

// FeatureWindow is the fixed-shape input handed to a model: one vector per
// week, oldest first, each vector ordered as Features.
type FeatureWindow struct {
	LocationID string      `json:"location_id"`
	EndWeek    WeekKey     `json:"end_week"`
	Features   []string    `json:"features"`
	Weeks      []WeekKey   `json:"weeks"`
	Vectors    [][]float64 `json:"window"`
}

// CheckShape verifies the window has exactly length vectors of the given
// features, consecutive weeks ending at EndWeek and finite values only.
func (w FeatureWindow) CheckShape(features []string, length int) error {
	if !slices.Equal(w.Features, features) {
		return fmt.Errorf("%w: features %v, want %v", ErrInvalidWindowShape, w.Features, features)
	}
	if len(w.Vectors) != length || len(w.Weeks) != length {
		return fmt.Errorf("%w: %d vectors over %d weeks, want %d", ErrInvalidWindowShape, len(w.Vectors), len(w.Weeks), length)
	}
	for i, vec := range w.Vectors {
		if len(vec) != len(features) {
			return fmt.Errorf("%w: vector %d has %d values, want %d", ErrInvalidWindowShape, i, len(vec), len(features))
		}
		for _, v := range vec {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: vector %d holds a non-finite value", ErrInvalidWindowShape, i)
			}
		}
		if i > 0 && !w.Weeks[i-1].AddWeeks(1).Equal(w.Weeks[i]) {
			return fmt.Errorf("%w: weeks %s and %s are not consecutive", ErrInvalidWindowShape, w.Weeks[i-1], w.Weeks[i])
		}
	}
	if length > 0 && !w.Weeks[length-1].Equal(w.EndWeek) {
		return fmt.Errorf("%w: last week %s, want end week %s", ErrInvalidWindowShape, w.Weeks[length-1], w.EndWeek)
	}
	return nil
}

// Column returns the values of one feature across the window.
func (w FeatureWindow) Column(feature string) ([]float64, bool) {
	idx := slices.Index(w.Features, feature)
	if idx < 0 {
		return nil, false
	}
	out := make([]float64, len(w.Vectors))
	for i, vec := range w.Vectors {
		out[i] = vec[idx]
	}
	return out, true
}

// ForecastSequence is a model's output: predictions for weeks end+1, end+2, ...
type ForecastSequence struct {
	ModelVersion string    `json:"model_version"`
	Values       []float64 `json:"predictions"`
}
