package model

import (
	"context"
	"fmt"
	"math"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
)

// MovingAverage forecasts every future week as the rounded mean of the case
// counts in the window.
type MovingAverage struct {
	contract Contract
}

// NewMovingAverage builds a moving-average model over window weeks that
// predicts horizon weeks ahead.
func NewMovingAverage(window, horizon int) (*MovingAverage, error) {
	c := Contract{
		Version:      fmt.Sprintf("moving-average-w%d-h%d", window, horizon),
		Features:     []string{domain.FeatureCases},
		WindowLength: window,
		MaxHorizon:   horizon,
		FillPolicy:   FillZero,
		Target:       domain.FeatureCases,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &MovingAverage{contract: c}, nil
}

func (m *MovingAverage) Contract() Contract { return m.contract }

func (m *MovingAverage) Predict(ctx context.Context, window domain.FeatureWindow) (domain.ForecastSequence, error) {
	if err := ctx.Err(); err != nil {
		return domain.ForecastSequence{}, err
	}
	if err := window.CheckShape(m.contract.Features, m.contract.WindowLength); err != nil {
		return domain.ForecastSequence{}, domain.NewShapeError(m.contract.Version, "%v", err)
	}
	col, _ := window.Column(domain.FeatureCases)
	var sum float64
	for _, v := range col {
		sum += v
	}
	mean := math.Round(sum / float64(len(col)))

	values := make([]float64, m.contract.MaxHorizon)
	for i := range values {
		values[i] = mean
	}
	return domain.ForecastSequence{ModelVersion: m.contract.Version, Values: values}, nil
}
