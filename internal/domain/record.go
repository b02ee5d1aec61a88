package domain

import (
	"fmt"
	"math"
	"slices"
)

// Schema feature names of a WeeklyRecord, in declaration order.
const (
	FeatureCases         = "cases"
	FeatureTemperature   = "temperature"
	FeaturePrecipitation = "precipitation"
	FeatureHumidity      = "humidity"
)

var schemaFeatures = []string{FeatureCases, FeatureTemperature, FeaturePrecipitation, FeatureHumidity}

// SchemaFeatures returns the feature names a WeeklyRecord exposes.
func SchemaFeatures() []string { return slices.Clone(schemaFeatures) }

// HasFeature reports whether name is a WeeklyRecord feature.
func HasFeature(name string) bool { return slices.Contains(schemaFeatures, name) }

// WeeklyRecord is the canonical per-location, per-week unit. Nil fields are
// explicit nulls: the week is known but the metric had no data.
type WeeklyRecord struct {
	LocationID    string   `json:"location_id"`
	Week          WeekKey  `json:"week"`
	Cases         *int64   `json:"cases"`
	Temperature   *float64 `json:"temperature"`
	Precipitation *float64 `json:"precipitation"`
	Humidity      *float64 `json:"humidity"`
}

// NullRecord returns a record with every metric null.
func NullRecord(locationID string, week WeekKey) WeeklyRecord {
	return WeeklyRecord{LocationID: locationID, Week: week}
}

// IsNull reports whether every metric of r is null.
func (r WeeklyRecord) IsNull() bool {
	return r.Cases == nil && r.Temperature == nil && r.Precipitation == nil && r.Humidity == nil
}

// Feature returns the value of a schema feature and whether it is non-null.
func (r WeeklyRecord) Feature(name string) (float64, bool, error) {
	switch name {
	case FeatureCases:
		if r.Cases == nil {
			return 0, false, nil
		}
		return float64(*r.Cases), true, nil
	case FeatureTemperature:
		return deref(r.Temperature)
	case FeaturePrecipitation:
		return deref(r.Precipitation)
	case FeatureHumidity:
		return deref(r.Humidity)
	}
	return 0, false, fmt.Errorf("%w: unknown feature %q", ErrInvalidWindowShape, name)
}

func deref(p *float64) (float64, bool, error) {
	if p == nil {
		return 0, false, nil
	}
	return *p, true, nil
}

// Set assigns a metric value. A nil v sets the metric to null. Case counts
// are rounded to the nearest integer.
func (r *WeeklyRecord) Set(m Metric, v *float64) {
	var fp *float64
	if v != nil {
		x := *v
		fp = &x
	}
	switch m {
	case MetricCaseCount:
		if fp == nil {
			r.Cases = nil
			return
		}
		n := int64(math.Round(*fp))
		r.Cases = &n
	case MetricTemperature:
		r.Temperature = fp
	case MetricPrecipitation:
		r.Precipitation = fp
	case MetricHumidity:
		r.Humidity = fp
	}
}

// Clone returns a deep copy of r so callers can't mutate stored values.
func (r WeeklyRecord) Clone() WeeklyRecord {
	out := r
	if r.Cases != nil {
		n := *r.Cases
		out.Cases = &n
	}
	out.Temperature = cloneFloat(r.Temperature)
	out.Precipitation = cloneFloat(r.Precipitation)
	out.Humidity = cloneFloat(r.Humidity)
	return out
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Validate checks the record identity and metric ranges.
func (r WeeklyRecord) Validate() error {
	if r.LocationID == "" {
		return fmt.Errorf("%w: record without location", ErrInvalidArgument)
	}
	if r.Week.IsZero() {
		return fmt.Errorf("%w: record for %q without week", ErrInvalidArgument, r.LocationID)
	}
	if r.Cases != nil && *r.Cases < 0 {
		return fmt.Errorf("%w: negative cases for %q week %s", ErrInvalidArgument, r.LocationID, r.Week)
	}
	for name, p := range map[string]*float64{
		FeatureTemperature:   r.Temperature,
		FeaturePrecipitation: r.Precipitation,
		FeatureHumidity:      r.Humidity,
	} {
		if p != nil && (math.IsNaN(*p) || math.IsInf(*p, 0)) {
			return fmt.Errorf("%w: %s for %q week %s is not finite", ErrInvalidArgument, name, r.LocationID, r.Week)
		}
	}
	return nil
}
