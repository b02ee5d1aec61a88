// Package csvsource reads historical case and weather exports into raw
// reports. It understands SINAN style case tables and INMET station exports:
// either separator, decimal commas, Latin-1 text and the metadata preamble
// INMET puts above the header.
package csvsource

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
)

// Kind selects which table layout a file holds.
type Kind string

const (
	KindCases   Kind = "cases"
	KindWeather Kind = "weather"
)

// Default source identifiers.
const (
	SourceSINAN = "sinan"
	SourceINMET = "inmet"
)

// Options describes one file to read.
type Options struct {
	Kind     Kind
	SourceID string
	// City is used for rows without a city column, as in per-station
	// weather exports.
	City string
}

// RowError describes one data row that could not be turned into reports.
type RowError struct {
	Line   int
	Reason string
}

func (e RowError) Error() string { return fmt.Sprintf("line %d: %s", e.Line, e.Reason) }

// Result holds the reports read from one file and the rows that failed.
type Result struct {
	Reports   []domain.RawReport
	Rows      int
	RowErrors []RowError
	// Merged counts readings folded into an earlier row for the same city,
	// day and metric.
	Merged int
}

// ErrNoHeader is returned when no row looks like a header for the kind.
var ErrNoHeader = errors.New("no recognizable header row")

const sniffBytes = 4096

// ReadFile reads one CSV file. For weather files an empty opts.City is
// derived from the file name, "teofilo_otoni.csv" giving "teofilo otoni".
// Case tables must name their cities.
func ReadFile(path string, opts Options) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, err
	}
	if opts.City == "" && opts.Kind == KindWeather {
		opts.City = CityFromFilename(path)
	}
	res, err := Read(bytes.NewReader(data), opts)
	if err != nil {
		return res, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return res, nil
}

// CityFromFilename turns a file stem into a municipality name.
func CityFromFilename(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	stem = strings.NewReplacer("_", " ", "-", " ").Replace(stem)
	return strings.Join(strings.Fields(stem), " ")
}

// ExpandPaths splits a comma separated list of files and directories into
// CSV file paths. Directories contribute their *.csv entries in name order.
func ExpandPaths(list string) ([]string, error) {
	var out []string
	for _, p := range strings.Split(list, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(p, "*.csv"))
		if err != nil {
			return nil, err
		}
		slices.Sort(matches)
		out = append(out, matches...)
	}
	return out, nil
}

// Read parses a CSV stream. Rows that cannot be mapped are collected in
// Result.RowErrors; the error return is reserved for unreadable input.
func Read(r io.Reader, opts Options) (Result, error) {
	def := map[Kind]string{KindCases: SourceSINAN, KindWeather: SourceINMET}[opts.Kind]
	if def == "" {
		return Result{}, fmt.Errorf("unknown kind %q", opts.Kind)
	}
	if opts.SourceID == "" {
		opts.SourceID = def
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return Result{}, err
	}
	if !utf8.Valid(data) {
		if data, err = charmap.ISO8859_1.NewDecoder().Bytes(data); err != nil {
			return Result{}, fmt.Errorf("decode latin-1: %w", err)
		}
	}
	data = bytes.TrimPrefix(data, []byte("\ufeff"))

	sep := inferSeparator(data)
	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = sep
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	var (
		cols  columns
		found bool
	)
	for !found {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return Result{}, ErrNoHeader
		}
		if err != nil {
			return Result{}, err
		}
		cols, found = detectColumns(rec, opts.Kind)
	}
	if !cols.has(cols.city) && opts.City == "" {
		return Result{}, errors.New("no city column and no city given")
	}

	var rows []row
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				rows = append(rows, row{line: perr.Line, err: perr.Err.Error()})
				continue
			}
			return Result{}, err
		}
		if blank(rec) {
			continue
		}
		line, _ := cr.FieldPos(0)
		rows = append(rows, row{line: line, fields: rec})
	}

	dayFirst := preferDayFirst(rows, cols.date)
	ingested := domain.Now()
	res := Result{Rows: len(rows)}
	for _, rw := range rows {
		if rw.err != "" {
			res.RowErrors = append(res.RowErrors, RowError{Line: rw.line, Reason: rw.err})
			continue
		}
		reports, err := rw.reports(cols, opts, dayFirst, ingested)
		if err != nil {
			res.RowErrors = append(res.RowErrors, RowError{Line: rw.line, Reason: err.Error()})
			continue
		}
		res.Reports = append(res.Reports, reports...)
	}
	res.Reports, res.Merged = mergeSameDay(res.Reports)
	return res, nil
}

// mergeSameDay folds reports sharing city, day and metric into one, the way
// the weekly aggregation treats them: additive metrics are summed, the others
// averaged, and nulls count only when a group has nothing else. Case tables
// listing notifications per health unit repeat a city and date on several
// rows. Groups keep the order of their first row.
func mergeSameDay(reports []domain.RawReport) ([]domain.RawReport, int) {
	type key struct {
		loc      string
		observed time.Time
		metric   domain.Metric
	}
	type group struct {
		first domain.RawReport
		sum   float64
		n     int
		rows  int
	}
	var order []key
	groups := make(map[key]*group, len(reports))
	for _, r := range reports {
		k := key{r.LocationID, r.ObservedAt, r.Metric}
		g, ok := groups[k]
		if !ok {
			g = &group{first: r}
			groups[k] = g
			order = append(order, k)
		}
		g.rows++
		if r.Value != nil {
			g.sum += *r.Value
			g.n++
		}
	}
	if len(order) == len(reports) {
		return reports, 0
	}

	out := make([]domain.RawReport, 0, len(order))
	for _, k := range order {
		g := groups[k]
		if g.rows == 1 {
			out = append(out, g.first)
			continue
		}
		merged := g.first
		merged.Value = nil
		if g.n > 0 {
			v := g.sum
			if !k.metric.Additive() {
				v /= float64(g.n)
			}
			merged.Value = &v
		}
		// Every member passed validation, so their sum or mean does too.
		merged.ID = domain.ReportID(merged)
		out = append(out, merged)
	}
	return out, len(reports) - len(out)
}

// inferSeparator picks ';' when at least as many lines in the head of the
// file carry a semicolon as carry a comma. Lines are counted rather than
// characters since semicolon files use decimal commas.
func inferSeparator(data []byte) rune {
	head := data[:min(len(data), sniffBytes)]
	var semis, commas int
	for line := range bytes.Lines(head) {
		if bytes.IndexByte(line, ';') >= 0 {
			semis++
		}
		if bytes.IndexByte(line, ',') >= 0 {
			commas++
		}
	}
	if semis > 0 && semis >= commas {
		return ';'
	}
	return ','
}

func blank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

type target struct {
	metric domain.Metric
	col    int
}

type row struct {
	line   int
	fields []string
	err    string
}

func (rw row) field(i int) string {
	if i < 0 || i >= len(rw.fields) {
		return ""
	}
	return strings.TrimSpace(rw.fields[i])
}

func (rw row) reports(cols columns, opts Options, dayFirst bool, ingested time.Time) ([]domain.RawReport, error) {
	city := opts.City
	if c := rw.field(cols.city); c != "" {
		city = c
	}
	if city == "" {
		return nil, errors.New("empty city")
	}
	day, err := parseDate(rw.field(cols.date), dayFirst)
	if err != nil {
		return nil, err
	}
	// Rows carry a calendar date only. Noon UTC keeps that date in any week
	// timezone within eleven hours of UTC.
	observed := time.Date(day.Year(), day.Month(), day.Day(), 12, 0, 0, 0, time.UTC)

	var targets []target
	switch opts.Kind {
	case KindCases:
		targets = []target{{domain.MetricCaseCount, cols.cases}}
	case KindWeather:
		for _, t := range []target{
			{domain.MetricTemperature, cols.temp},
			{domain.MetricPrecipitation, cols.prec},
			{domain.MetricHumidity, cols.humid},
		} {
			if cols.has(t.col) {
				targets = append(targets, t)
			}
		}
	}

	out := make([]domain.RawReport, 0, len(targets))
	for _, t := range targets {
		raw := rw.field(t.col)
		value, err := domain.ParseDecimal(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a number", t.metric, raw)
		}
		r, err := domain.NewRawReport(domain.RawReport{
			LocationID: city,
			ObservedAt: observed,
			Metric:     t.metric,
			Value:      value,
			SourceID:   opts.SourceID,
			IngestedAt: ingested,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

var isoLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.RFC3339,
}

func parseDate(s string, dayFirst bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty date")
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	layouts := []string{"01/02/2006", "02/01/2006"}
	if dayFirst {
		layouts[0], layouts[1] = layouts[1], layouts[0]
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable date %q", s)
}

// preferDayFirst reports whether slash dates in the file read day first.
// Month first is tried first; when more than half of the slash dates fail
// that way the file is taken as dd/mm/yyyy, as Brazilian exports usually are.
func preferDayFirst(rows []row, dateCol int) bool {
	var slashed, monthFirst int
	for _, rw := range rows {
		s := rw.field(dateCol)
		if !strings.Contains(s, "/") || strings.Index(s, "/") == 4 {
			continue
		}
		slashed++
		if _, err := time.Parse("01/02/2006", s); err == nil {
			monthFirst++
		}
	}
	return slashed > 0 && monthFirst*2 < slashed
}
