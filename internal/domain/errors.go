package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedReport marks a report whose timestamp, location, metric,
	// source or value cannot be mapped. Rejected per report, never fatal to a batch.
	ErrMalformedReport = errors.New("malformed report")

	// ErrSourceConflict marks same-priority sources disagreeing on a value.
	// Always non-fatal; surfaced as a quality flag.
	ErrSourceConflict = errors.New("source conflict")

	ErrInsufficientHistory = errors.New("insufficient history")
	ErrUnsupportedHorizon  = errors.New("unsupported horizon")

	// ErrInvalidWindowShape marks a mismatch between a model contract and the
	// weekly schema or a window. Configuration errors of this kind are fatal.
	ErrInvalidWindowShape = errors.New("invalid window shape")

	ErrModelUnavailable  = errors.New("model unavailable")
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrRateLimited       = errors.New("rate limited")

	ErrUnknownLocation   = errors.New("unknown location")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidWeek       = errors.New("invalid week")
	ErrMissingValue      = errors.New("missing value")
	ErrMalformedForecast = errors.New("malformed forecast")
)

// ReportError describes why a single report was rejected.
type ReportError struct {
	ReportID   string
	LocationID string
	SourceID   string
	Reason     string
}

func (e *ReportError) Error() string {
	return fmt.Sprintf("malformed report %s (location %q, source %q): %s", e.ReportID, e.LocationID, e.SourceID, e.Reason)
}

func (e *ReportError) Unwrap() error { return ErrMalformedReport }

// HistoryError reports a window or lookback that the stored series cannot cover.
type HistoryError struct {
	LocationID string
	EndWeek    WeekKey
	Required   int
	Available  int
}

func (e *HistoryError) Error() string {
	return fmt.Sprintf("insufficient history for location %q: need %d weeks ending %s, have %d",
		e.LocationID, e.Required, e.EndWeek, e.Available)
}

func (e *HistoryError) Unwrap() error { return ErrInsufficientHistory }

// MissingValueError is raised by the reject fill policy. It matches both
// ErrMissingValue and ErrInsufficientHistory.
type MissingValueError struct {
	LocationID string
	Week       WeekKey
	Feature    string
}

func (e *MissingValueError) Error() string {
	return fmt.Sprintf("missing %s for location %q week %s under reject fill policy", e.Feature, e.LocationID, e.Week)
}

func (e *MissingValueError) Unwrap() []error {
	return []error{ErrMissingValue, ErrInsufficientHistory}
}

// HorizonError reports a forecast horizon beyond what the model supports.
type HorizonError struct {
	LocationID string
	Requested  int
	Max        int
}

func (e *HorizonError) Error() string {
	return fmt.Sprintf("horizon %d for location %q exceeds model max horizon %d", e.Requested, e.LocationID, e.Max)
}

func (e *HorizonError) Unwrap() error { return ErrUnsupportedHorizon }

// ShapeError reports a contract violation between the model, the window and
// the weekly schema.
type ShapeError struct {
	ModelVersion string
	Reason       string
}

// NewShapeError formats a ShapeError for the given model version.
func NewShapeError(version, format string, args ...any) *ShapeError {
	return &ShapeError{ModelVersion: version, Reason: fmt.Sprintf(format, args...)}
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("invalid window shape for model %q: %s", e.ModelVersion, e.Reason)
}

func (e *ShapeError) Unwrap() error { return ErrInvalidWindowShape }

// SourceError wraps an upstream provider failure. Kind is ErrSourceUnavailable
// or ErrRateLimited; both are retryable by the caller.
type SourceError struct {
	SourceID   string
	LocationID string
	Kind       error
	Err        error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: source %s, location %q", e.Kind, e.SourceID, e.LocationID)
	}
	return fmt.Sprintf("%s: source %s, location %q: %v", e.Kind, e.SourceID, e.LocationID, e.Err)
}

func (e *SourceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
