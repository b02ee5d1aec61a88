// Package forecast serves case-count forecasts for a location by feeding the
// latest feature window to the model capability.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
	"github.com/couchcryptid/arbo-forecast/internal/model"
	"github.com/couchcryptid/arbo-forecast/internal/observability"
	"github.com/couchcryptid/arbo-forecast/internal/store"
	"github.com/couchcryptid/arbo-forecast/internal/windower"
)

// HorizonPolicy decides what happens when a caller asks for more weeks than
// the model's max horizon.
type HorizonPolicy string

const (
	// HorizonCap honors min(requested, max horizon).
	HorizonCap HorizonPolicy = "cap"
	// HorizonReject fails with domain.ErrUnsupportedHorizon.
	HorizonReject HorizonPolicy = "reject"
	// HorizonRollout calls the model repeatedly, feeding predictions back as
	// pseudo-history for the target feature.
	HorizonRollout HorizonPolicy = "rollout"
)

// ParseHorizonPolicy accepts cap, reject and rollout.
func ParseHorizonPolicy(s string) (HorizonPolicy, error) {
	switch p := HorizonPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case HorizonCap, HorizonReject, HorizonRollout:
		return p, nil
	}
	return "", fmt.Errorf("unknown horizon policy %q", s)
}

// Forecast is the response to a forecast request.
type Forecast struct {
	LocationID       string           `json:"location_id"`
	ModelVersion     string           `json:"model_version"`
	EndWeek          domain.WeekKey   `json:"end_week"`
	RequestedHorizon int              `json:"requested_horizon"`
	HonoredHorizon   int              `json:"honored_horizon"`
	Policy           HorizonPolicy    `json:"horizon_policy"`
	WeeksCovered     []domain.WeekKey `json:"weeks_covered"`
	Values           []float64        `json:"forecast"`
}

// Service answers forecast requests. It never writes to the store.
type Service struct {
	windower *windower.Windower
	model    model.Capability
	contract model.Contract
	policy   HorizonPolicy
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewService wires the windower to the capability's declared contract so
// both always agree. Contract errors are fatal configuration errors.
func NewService(reader store.Reader, capability model.Capability, policy HorizonPolicy, logger *slog.Logger, metrics *observability.Metrics) (*Service, error) {
	contract := capability.Contract()
	w, err := windower.New(reader, contract)
	if err != nil {
		return nil, err
	}
	if policy == "" {
		policy = HorizonCap
	}
	if _, err := ParseHorizonPolicy(string(policy)); err != nil {
		return nil, err
	}
	if policy == HorizonRollout && contract.TargetIndex() < 0 {
		return nil, domain.NewShapeError(contract.Version, "rollout needs the target feature in the window, features %v", contract.Features)
	}
	return &Service{
		windower: w,
		model:    capability,
		contract: contract,
		policy:   policy,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// Contract returns the model contract the service was built with.
func (s *Service) Contract() model.Contract { return s.contract }

// Policy returns the configured horizon policy.
func (s *Service) Policy() HorizonPolicy { return s.policy }

// GetForecast forecasts horizon weeks after the location's latest stored week.
// The response always has len(Values) == HonoredHorizon <= horizon.
func (s *Service) GetForecast(ctx context.Context, locationID string, horizon int) (Forecast, error) {
	fc, err := s.getForecast(ctx, locationID, horizon)
	s.metrics.ForecastRequests.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		s.logger.Warn("forecast failed", "location_id", locationID, "horizon", horizon, "error", err)
		return Forecast{}, err
	}
	s.logger.Debug("forecast served",
		"location_id", locationID,
		"model_version", fc.ModelVersion,
		"end_week", fc.EndWeek.String(),
		"requested", fc.RequestedHorizon,
		"honored", fc.HonoredHorizon,
	)
	return fc, nil
}

func (s *Service) getForecast(ctx context.Context, locationID string, horizon int) (Forecast, error) {
	if horizon < 1 {
		return Forecast{}, fmt.Errorf("%w: horizon must be >= 1, got %d", domain.ErrInvalidArgument, horizon)
	}
	maxH := s.contract.MaxHorizon

	honored := horizon
	switch s.policy {
	case HorizonCap:
		honored = min(horizon, maxH)
	case HorizonReject:
		if horizon > maxH {
			return Forecast{}, &domain.HorizonError{LocationID: locationID, Requested: horizon, Max: maxH}
		}
	}

	win, err := s.windower.BuildLatest(ctx, locationID)
	if err != nil {
		return Forecast{}, err
	}

	var values []float64
	if s.policy == HorizonRollout {
		values, err = s.rollout(ctx, win, honored)
	} else {
		values, err = s.predict(ctx, win, honored)
	}
	if err != nil {
		return Forecast{}, err
	}

	fc := Forecast{
		LocationID:       locationID,
		ModelVersion:     s.contract.Version,
		EndWeek:          win.EndWeek,
		RequestedHorizon: horizon,
		HonoredHorizon:   honored,
		Policy:           s.policy,
		WeeksCovered:     make([]domain.WeekKey, honored),
		Values:           values,
	}
	for i := range fc.WeeksCovered {
		fc.WeeksCovered[i] = win.EndWeek.AddWeeks(i + 1)
	}
	return fc, nil
}

// predict invokes the model once and returns its first n values.
func (s *Service) predict(ctx context.Context, win domain.FeatureWindow, n int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	seq, err := s.model.Predict(ctx, win)
	label := "success"
	if err != nil {
		label = "error"
	}
	s.metrics.ModelPredictDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	if seq.ModelVersion != "" && seq.ModelVersion != s.contract.Version {
		return nil, domain.NewShapeError(s.contract.Version, "model answered as version %q", seq.ModelVersion)
	}
	if len(seq.Values) < n {
		return nil, fmt.Errorf("%w: model returned %d values, need %d", domain.ErrMalformedForecast, len(seq.Values), n)
	}
	out := make([]float64, n)
	for i, v := range seq.Values[:n] {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: value %d is not finite", domain.ErrMalformedForecast, i)
		}
		// Case counts can't be negative.
		out[i] = max(v, 0)
	}
	return out, nil
}

// rollout extends the forecast past the max horizon by sliding the window
// forward over predicted weeks. Non-target features of a predicted week
// repeat the last observed vector.
func (s *Service) rollout(ctx context.Context, win domain.FeatureWindow, n int) ([]float64, error) {
	target := s.contract.TargetIndex()
	step := s.contract.MaxHorizon
	out := make([]float64, 0, n)

	for len(out) < n {
		take := min(step, n-len(out))
		values, err := s.predict(ctx, win, take)
		if err != nil {
			return nil, err
		}
		out = append(out, values...)
		if len(out) < n {
			win = slide(win, values, target)
		}
	}
	return out, nil
}

func slide(win domain.FeatureWindow, predicted []float64, target int) domain.FeatureWindow {
	length := len(win.Vectors)
	last := win.Vectors[length-1]

	vectors := append([][]float64(nil), win.Vectors...)
	weeks := append([]domain.WeekKey(nil), win.Weeks...)
	end := win.EndWeek
	for _, p := range predicted {
		vec := append([]float64(nil), last...)
		vec[target] = p
		end = end.AddWeeks(1)
		vectors = append(vectors, vec)
		weeks = append(weeks, end)
	}
	return domain.FeatureWindow{
		LocationID: win.LocationID,
		EndWeek:    end,
		Features:   win.Features,
		Weeks:      weeks[len(weeks)-length:],
		Vectors:    vectors[len(vectors)-length:],
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, domain.ErrUnknownLocation):
		return "unknown_location"
	case errors.Is(err, domain.ErrInsufficientHistory):
		return "insufficient_history"
	case errors.Is(err, domain.ErrUnsupportedHorizon):
		return "unsupported_horizon"
	case errors.Is(err, domain.ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, domain.ErrInvalidWindowShape):
		return "invalid_window_shape"
	case errors.Is(err, domain.ErrMalformedForecast):
		return "malformed_forecast"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
