package model

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
)

func validContract() Contract {
	return Contract{
		Version:      "lstm-2024-06",
		Features:     []string{"cases", "temperature", "precipitation"},
		WindowLength: 12,
		MaxHorizon:   8,
		FillPolicy:   FillForward,
		Target:       "cases",
	}
}

func TestContract_Validate(t *testing.T) {
	require.NoError(t, validContract().Validate())

	tests := []struct {
		name   string
		mutate func(*Contract)
	}{
		{"empty version", func(c *Contract) { c.Version = "" }},
		{"zero window", func(c *Contract) { c.WindowLength = 0 }},
		{"zero horizon", func(c *Contract) { c.MaxHorizon = 0 }},
		{"no features", func(c *Contract) { c.Features = nil }},
		{"unknown feature", func(c *Contract) { c.Features = append(c.Features, "wind_speed") }},
		{"duplicate feature", func(c *Contract) { c.Features = append(c.Features, "cases") }},
		{"bad fill policy", func(c *Contract) { c.FillPolicy = "interpolate" }},
		{"override for undeclared feature", func(c *Contract) { c.FeatureFill = map[string]FillPolicy{"humidity": FillZero} }},
		{"unknown target", func(c *Contract) { c.Target = "deaths" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validContract()
			tt.mutate(&c)
			err := c.Validate()
			require.ErrorIs(t, err, domain.ErrInvalidWindowShape)
			var se *domain.ShapeError
			require.ErrorAs(t, err, &se)
		})
	}
}

func TestContract_PolicyFor(t *testing.T) {
	c := validContract()
	c.FeatureFill = map[string]FillPolicy{"precipitation": FillZero}

	assert.Equal(t, FillForward, c.PolicyFor("temperature"))
	assert.Equal(t, FillZero, c.PolicyFor("precipitation"))

	c.FillPolicy = ""
	assert.Equal(t, FillZero, c.PolicyFor("temperature"))
}

func TestContract_TargetIndex(t *testing.T) {
	c := validContract()
	assert.Equal(t, 0, c.TargetIndex())
	c.Features = []string{"temperature", "cases"}
	c.Target = ""
	assert.Equal(t, 1, c.TargetIndex())
	c.Features = []string{"temperature"}
	assert.Equal(t, -1, c.TargetIndex())
}

func TestParseFillPolicy(t *testing.T) {
	p, err := ParseFillPolicy("ffill")
	require.NoError(t, err)
	assert.Equal(t, FillForward, p)
	_, err = ParseFillPolicy("mean")
	require.Error(t, err)
}

func window(values ...float64) domain.FeatureWindow {
	end := domain.WeekKeyFromDate(time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC))
	w := domain.FeatureWindow{LocationID: "campinas", EndWeek: end, Features: []string{"cases"}}
	for i, v := range values {
		w.Weeks = append(w.Weeks, end.AddWeeks(i-len(values)+1))
		w.Vectors = append(w.Vectors, []float64{v})
	}
	return w
}

func TestMovingAverage(t *testing.T) {
	m, err := NewMovingAverage(4, 3)
	require.NoError(t, err)
	assert.Equal(t, "moving-average-w4-h3", m.Contract().Version)

	seq, err := m.Predict(context.Background(), window(10, 12, 0, 15))
	require.NoError(t, err)
	assert.Equal(t, m.Contract().Version, seq.ModelVersion)
	assert.Equal(t, []float64{9, 9, 9}, seq.Values) // 37/4 = 9.25
}

func TestMovingAverage_WrongShape(t *testing.T) {
	m, err := NewMovingAverage(4, 3)
	require.NoError(t, err)

	_, err = m.Predict(context.Background(), window(1, 2))
	require.ErrorIs(t, err, domain.ErrInvalidWindowShape)
}

func TestMovingAverage_Cancelled(t *testing.T) {
	m, err := NewMovingAverage(2, 1)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = m.Predict(ctx, window(1, 2))
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewMovingAverage_Invalid(t *testing.T) {
	_, err := NewMovingAverage(0, 3)
	require.ErrorIs(t, err, domain.ErrInvalidWindowShape)
}
