package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// reportPayload is the JSON shape producers publish to the report topic.
// Value is kept raw so that numbers, numeric strings with decimal commas and
// null are all accepted.
type reportPayload struct {
	LocationID string          `json:"location_id"`
	ObservedAt string          `json:"observed_at"`
	Metric     string          `json:"metric"`
	Value      json.RawMessage `json:"value"`
	SourceID   string          `json:"source_id"`
}

// observedLayouts are tried in order when parsing observed_at.
var observedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseRawMessage decodes a report-topic message into a validated RawReport.
// The source falls back to the "source_id" header when the payload omits it.
// IngestedAt is stamped from the package clock.
func ParseRawMessage(raw RawMessage) (RawReport, error) {
	var p reportPayload
	if err := json.Unmarshal(raw.Value, &p); err != nil {
		return RawReport{}, fmt.Errorf("%w: decode payload: %v", ErrMalformedReport, err)
	}
	if p.SourceID == "" {
		p.SourceID = raw.Headers["source_id"]
	}

	metric, err := ParseMetric(p.Metric)
	if err != nil {
		return RawReport{}, err
	}
	observed, err := parseObservedAt(p.ObservedAt)
	if err != nil {
		return RawReport{}, err
	}
	value, err := parseValue(p.Value)
	if err != nil {
		return RawReport{}, err
	}

	return NewRawReport(RawReport{
		LocationID: p.LocationID,
		ObservedAt: observed,
		Metric:     metric,
		Value:      value,
		SourceID:   p.SourceID,
		IngestedAt: Now(),
	})
}

// parseObservedAt reads timestamps without a zone as UTC.
func parseObservedAt(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: missing observed_at", ErrMalformedReport)
	}
	for _, layout := range observedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparsable observed_at %q", ErrMalformedReport, s)
}

func parseValue(raw json.RawMessage) (*float64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return nil, fmt.Errorf("%w: value: %v", ErrMalformedReport, err)
		}
		return ParseDecimal(str)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: value %s is not a number", ErrMalformedReport, s)
	}
	return &v, nil
}

// ParseDecimal parses a number that may use a decimal comma ("12,5").
// Blank input and the usual missing-data markers yield nil.
func ParseDecimal(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "null", "na", "nan", "-", "-9999":
		return nil, nil
	}
	if strings.Contains(s, ",") && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a number", ErrMalformedReport, s)
	}
	return &v, nil
}

// NewOutboundMessage serializes a report into the report-topic payload read
// by ParseRawMessage. Messages are keyed by location so that one location's
// reports stay on one partition.
func NewOutboundMessage(r RawReport) (OutboundMessage, error) {
	value := json.RawMessage("null")
	if r.Value != nil {
		value = json.RawMessage(strconv.FormatFloat(*r.Value, 'g', -1, 64))
	}
	data, err := json.Marshal(reportPayload{
		LocationID: r.LocationID,
		ObservedAt: r.ObservedAt.UTC().Format(time.RFC3339Nano),
		Metric:     string(r.Metric),
		Value:      value,
		SourceID:   r.SourceID,
	})
	if err != nil {
		return OutboundMessage{}, fmt.Errorf("serialize report %s: %w", r.ID, err)
	}
	return OutboundMessage{
		Key:   []byte(r.LocationID),
		Value: data,
		Headers: map[string]string{
			"metric":    string(r.Metric),
			"source_id": r.SourceID,
		},
	}, nil
}
