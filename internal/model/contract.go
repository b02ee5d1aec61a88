// Package model defines the contract between the service and a forecasting
// model, and ships an in-process moving-average model.
package model

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
)

// FillPolicy says how a null feature value becomes a number in a window.
// It must match the policy the model was trained with.
type FillPolicy string

const (
	FillZero    FillPolicy = "zero"
	FillForward FillPolicy = "forward_fill"
	FillReject  FillPolicy = "reject"
)

const defaultFillPolicy = FillZero

// ParseFillPolicy accepts zero, forward_fill (or ffill) and reject.
func ParseFillPolicy(s string) (FillPolicy, error) {
	switch p := FillPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case FillZero, FillForward, FillReject:
		return p, nil
	case "ffill":
		return FillForward, nil
	}
	return "", fmt.Errorf("unknown fill policy %q", s)
}

// Contract is what a model declares about its input and output.
type Contract struct {
	Version      string                `json:"model_version"`
	Features     []string              `json:"features"`
	WindowLength int                   `json:"window_length"`
	MaxHorizon   int                   `json:"max_horizon"`
	FillPolicy   FillPolicy            `json:"fill_policy"`
	FeatureFill  map[string]FillPolicy `json:"feature_fill,omitempty"`
	Target       string                `json:"target"`
}

// Validate checks the contract against the WeeklyRecord schema. Any error is
// a *domain.ShapeError and is meant to stop the service from starting.
func (c Contract) Validate() error {
	if c.Version == "" {
		return domain.NewShapeError(c.Version, "model version is empty")
	}
	if c.WindowLength < 1 {
		return domain.NewShapeError(c.Version, "window length %d < 1", c.WindowLength)
	}
	if c.MaxHorizon < 1 {
		return domain.NewShapeError(c.Version, "max horizon %d < 1", c.MaxHorizon)
	}
	if len(c.Features) == 0 {
		return domain.NewShapeError(c.Version, "no features declared")
	}
	seen := make(map[string]bool, len(c.Features))
	for _, f := range c.Features {
		if !domain.HasFeature(f) {
			return domain.NewShapeError(c.Version, "feature %q is not in the weekly record schema %v", f, domain.SchemaFeatures())
		}
		if seen[f] {
			return domain.NewShapeError(c.Version, "feature %q declared twice", f)
		}
		seen[f] = true
	}
	if c.FillPolicy != "" {
		if _, err := ParseFillPolicy(string(c.FillPolicy)); err != nil {
			return domain.NewShapeError(c.Version, "%v", err)
		}
	}
	for f, p := range c.FeatureFill {
		if !seen[f] {
			return domain.NewShapeError(c.Version, "fill override for undeclared feature %q", f)
		}
		if _, err := ParseFillPolicy(string(p)); err != nil {
			return domain.NewShapeError(c.Version, "feature %q: %v", f, err)
		}
	}
	if c.Target != "" && !domain.HasFeature(c.Target) {
		return domain.NewShapeError(c.Version, "target %q is not in the weekly record schema", c.Target)
	}
	return nil
}

// PolicyFor returns the fill policy of one feature.
func (c Contract) PolicyFor(feature string) FillPolicy {
	if p, ok := c.FeatureFill[feature]; ok {
		return p
	}
	if c.FillPolicy == "" {
		return defaultFillPolicy
	}
	return c.FillPolicy
}

// TargetIndex returns the position of the target in Features, or -1.
func (c Contract) TargetIndex() int {
	target := c.Target
	if target == "" {
		target = domain.FeatureCases
	}
	return slices.Index(c.Features, target)
}

// Capability is a versioned forecasting model.
type Capability interface {
	Contract() Contract
	// Predict returns at least MaxHorizon predictions for the weeks after
	// window.EndWeek. It must not retain the window.
	Predict(ctx context.Context, window domain.FeatureWindow) (domain.ForecastSequence, error)
}
