package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
)

type errorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	LocationID string `json:"location_id,omitempty"`
	Required   int    `json:"required_weeks,omitempty"`
	Available  int    `json:"available_weeks,omitempty"`
	MaxHorizon int    `json:"max_horizon,omitempty"`
}

// statusFor maps an error onto an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrInvalidWeek):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, domain.ErrUnknownLocation):
		return http.StatusNotFound, "unknown_location"
	case errors.Is(err, domain.ErrInsufficientHistory):
		return http.StatusUnprocessableEntity, "insufficient_history"
	case errors.Is(err, domain.ErrUnsupportedHorizon):
		return http.StatusUnprocessableEntity, "unsupported_horizon"
	case errors.Is(err, domain.ErrModelUnavailable):
		return http.StatusServiceUnavailable, "model_unavailable"
	case errors.Is(err, domain.ErrInvalidWindowShape):
		return http.StatusInternalServerError, "invalid_window_shape"
	case errors.Is(err, domain.ErrMalformedForecast):
		return http.StatusInternalServerError, "malformed_forecast"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "cancelled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, locationID string, err error) {
	status, code := statusFor(err)
	resp := errorResponse{Error: err.Error(), Code: code, LocationID: locationID}

	var he *domain.HistoryError
	if errors.As(err, &he) {
		resp.Required, resp.Available = he.Required, he.Available
	}
	var hz *domain.HorizonError
	if errors.As(err, &hz) {
		resp.MaxHorizon = hz.Max
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "location_id", locationID, "code", code, "error", err)
		if code == "internal" {
			resp.Error = "internal error"
		}
	}
	writeJSON(w, status, resp)
}
