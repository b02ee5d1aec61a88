package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Metric names a reported quantity.
type Metric string

const (
	MetricCaseCount     Metric = "case_count"
	MetricTemperature   Metric = "temperature"
	MetricPrecipitation Metric = "precipitation"
	MetricHumidity      Metric = "humidity"
)

// Metrics lists every known metric in schema order.
var Metrics = []Metric{MetricCaseCount, MetricTemperature, MetricPrecipitation, MetricHumidity}

// ParseMetric accepts a metric name, case-insensitively. "cases" is accepted
// as an alias for case_count.
func ParseMetric(s string) (Metric, error) {
	m := Metric(strings.ToLower(strings.TrimSpace(s)))
	if m == "cases" {
		return MetricCaseCount, nil
	}
	if !m.Valid() {
		return "", fmt.Errorf("%w: unknown metric %q", ErrMalformedReport, s)
	}
	return m, nil
}

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	switch m {
	case MetricCaseCount, MetricTemperature, MetricPrecipitation, MetricHumidity:
		return true
	}
	return false
}

// Additive reports whether weekly aggregation sums the metric (true) or
// averages it (false).
func (m Metric) Additive() bool {
	return m == MetricCaseCount || m == MetricPrecipitation
}

// Feature returns the WeeklyRecord schema feature the metric populates.
func (m Metric) Feature() string {
	if m == MetricCaseCount {
		return FeatureCases
	}
	return string(m)
}

// RawReport is one metric observation for one location from one source.
type RawReport struct {
	ID         string    `json:"id"`
	LocationID string    `json:"location_id" validate:"required,max=128"`
	ObservedAt time.Time `json:"observed_at" validate:"required"`
	Metric     Metric    `json:"metric" validate:"required"`
	Value      *float64  `json:"value"`
	SourceID   string    `json:"source_id" validate:"required,max=64"`
	IngestedAt time.Time `json:"ingested_at"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewRawReport normalizes and validates r and assigns its content ID. A zero
// IngestedAt is stamped from the package clock.
func NewRawReport(r RawReport) (RawReport, error) {
	r.LocationID = NormalizeLocationID(r.LocationID)
	r.SourceID = strings.ToLower(strings.TrimSpace(r.SourceID))
	r.ObservedAt = r.ObservedAt.UTC()
	if r.IngestedAt.IsZero() {
		r.IngestedAt = Now()
	}
	r.IngestedAt = r.IngestedAt.UTC()

	if err := validate.Struct(r); err != nil {
		return RawReport{}, &ReportError{ReportID: r.ID, LocationID: r.LocationID, SourceID: r.SourceID, Reason: describeValidation(err)}
	}
	if err := r.checkValue(); err != nil {
		return RawReport{}, &ReportError{ReportID: r.ID, LocationID: r.LocationID, SourceID: r.SourceID, Reason: err.Error()}
	}

	r.ID = ReportID(r)
	return r, nil
}

// Validate re-checks a report that was built elsewhere, e.g. read back from
// the report log. It does not touch the ID.
func (r RawReport) Validate() error {
	if err := validate.Struct(r); err != nil {
		return &ReportError{ReportID: r.ID, LocationID: r.LocationID, SourceID: r.SourceID, Reason: describeValidation(err)}
	}
	if err := r.checkValue(); err != nil {
		return &ReportError{ReportID: r.ID, LocationID: r.LocationID, SourceID: r.SourceID, Reason: err.Error()}
	}
	return nil
}

func (r RawReport) checkValue() error {
	if !r.Metric.Valid() {
		return fmt.Errorf("unknown metric %q", r.Metric)
	}
	if r.Value == nil {
		return nil
	}
	v := *r.Value
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s value is not finite", r.Metric)
	}
	switch r.Metric {
	case MetricCaseCount:
		if v < 0 || v != math.Trunc(v) {
			return fmt.Errorf("case_count %v is not a non-negative integer", v)
		}
	case MetricPrecipitation:
		if v < 0 {
			return fmt.Errorf("precipitation %v is negative", v)
		}
	case MetricHumidity:
		if v < 0 || v > 100 {
			return fmt.Errorf("humidity %v outside [0, 100]", v)
		}
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// ReportID derives the deterministic content ID of a report.
// Redelivering an identical report yields the same ID.
func ReportID(r RawReport) string {
	value := "null"
	if r.Value != nil {
		value = strconv.FormatFloat(*r.Value, 'g', -1, 64)
	}
	input := strings.Join([]string{
		r.SourceID,
		r.LocationID,
		r.ObservedAt.UTC().Format(time.RFC3339Nano),
		string(r.Metric),
		value,
	}, "|")
	hash := sha256.Sum256([]byte(input))
	return string(r.Metric) + "-" + hex.EncodeToString(hash[:])
}

// Float returns a pointer to v. Convenient for building optional values.
func Float(v float64) *float64 { return &v }
