package harmonizer

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
)

const loc = "campinas"

// week1 is a Sunday, the start of the first test week.
var week1 = time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC)

var ingestBase = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func report(t *testing.T, source string, metric domain.Metric, week, day int, value *float64, ingestOffset time.Duration) domain.RawReport {
	t.Helper()
	r, err := domain.NewRawReport(domain.RawReport{
		LocationID: loc,
		ObservedAt: week1.AddDate(0, 0, 7*(week-1)+day),
		Metric:     metric,
		Value:      value,
		SourceID:   source,
		IngestedAt: ingestBase.Add(ingestOffset),
	})
	require.NoError(t, err)
	return r
}

func cases(t *testing.T, source string, week int, n float64) domain.RawReport {
	return report(t, source, domain.MetricCaseCount, week, 1, domain.Float(n), 0)
}

func merge(reports []domain.RawReport) Result {
	return Merge(loc, reports, DefaultPriorities(), domain.DefaultCalendar())
}

func casesOf(recs []domain.WeeklyRecord) []*int64 {
	out := make([]*int64, len(recs))
	for i, r := range recs {
		out[i] = r.Cases
	}
	return out
}

func i64(n int64) *int64 { return &n }

func TestMerge_ContiguousWeeksWithExplicitNulls(t *testing.T) {
	res := merge([]domain.RawReport{
		cases(t, "sinan", 1, 10),
		cases(t, "sinan", 2, 12),
		cases(t, "sinan", 4, 0),
		cases(t, "sinan", 5, 15),
	})

	require.Len(t, res.Records, 5)
	assert.Equal(t, []*int64{i64(10), i64(12), nil, i64(0), i64(15)}, casesOf(res.Records))
	for i, r := range res.Records {
		assert.Equal(t, week1.AddDate(0, 0, 7*i), r.Week.Time())
		assert.Equal(t, loc, r.LocationID)
	}
	assert.True(t, res.Records[2].IsNull(), "gap week is an explicit null record")
	assert.Empty(t, res.Flags)
	assert.Empty(t, res.Rejected)
}

func TestMerge_WeeklyAggregation(t *testing.T) {
	res := merge([]domain.RawReport{
		report(t, "sinan", domain.MetricCaseCount, 1, 0, domain.Float(3), 0),
		report(t, "sinan", domain.MetricCaseCount, 1, 3, domain.Float(4), 0),
		report(t, "inmet", domain.MetricPrecipitation, 1, 0, domain.Float(2.5), 0),
		report(t, "inmet", domain.MetricPrecipitation, 1, 1, domain.Float(1.5), 0),
		report(t, "inmet", domain.MetricTemperature, 1, 0, domain.Float(24), 0),
		report(t, "inmet", domain.MetricTemperature, 1, 1, domain.Float(28), 0),
		report(t, "inmet", domain.MetricTemperature, 1, 2, nil, 0),
		report(t, "inmet", domain.MetricHumidity, 1, 0, domain.Float(70), 0),
		report(t, "inmet", domain.MetricHumidity, 1, 6, domain.Float(80), 0),
	})

	require.Len(t, res.Records, 1)
	r := res.Records[0]
	assert.Equal(t, int64(7), *r.Cases, "cases are summed")
	assert.InDelta(t, 4.0, *r.Precipitation, 1e-9, "precipitation is summed")
	assert.InDelta(t, 26.0, *r.Temperature, 1e-9, "temperature is averaged, nulls ignored")
	assert.InDelta(t, 75.0, *r.Humidity, 1e-9, "humidity is averaged")
}

func TestMerge_PriorityBeatsIngestionOrder(t *testing.T) {
	high := report(t, "sinan", domain.MetricCaseCount, 1, 1, domain.Float(10), 0)
	low := report(t, "inmet", domain.MetricCaseCount, 1, 1, domain.Float(99), time.Hour)

	for _, order := range [][]domain.RawReport{{high, low}, {low, high}} {
		res := merge(order)
		require.Len(t, res.Records, 1)
		assert.Equal(t, int64(10), *res.Records[0].Cases)
		assert.Empty(t, res.Flags, "different ranks never conflict")
	}
}

func TestMerge_NullHigherPriorityDoesNotMaskLowerValue(t *testing.T) {
	res := merge([]domain.RawReport{
		report(t, "sinan", domain.MetricCaseCount, 1, 1, nil, 0),
		report(t, "inmet", domain.MetricCaseCount, 1, 1, domain.Float(4), 0),
	})

	require.Len(t, res.Records, 1)
	assert.Equal(t, int64(4), *res.Records[0].Cases)
}

func TestMerge_CorrectionSupersedesByRecency(t *testing.T) {
	original := report(t, "sinan", domain.MetricCaseCount, 1, 1, domain.Float(10), 0)
	corrected := report(t, "sinan", domain.MetricCaseCount, 1, 1, domain.Float(14), time.Hour)

	res := merge([]domain.RawReport{corrected, original})

	require.Len(t, res.Records, 1)
	assert.Equal(t, int64(14), *res.Records[0].Cases)
}

func TestMerge_EqualRankConflictIsFlagged(t *testing.T) {
	priorities := Priorities{"sinan": 0, "municipal": 0}
	older := report(t, "municipal", domain.MetricCaseCount, 1, 1, domain.Float(8), 0)
	newer := report(t, "sinan", domain.MetricCaseCount, 1, 1, domain.Float(9), time.Hour)

	res := Merge(loc, []domain.RawReport{older, newer}, priorities, domain.DefaultCalendar())

	require.Len(t, res.Records, 1)
	assert.Equal(t, int64(9), *res.Records[0].Cases, "most recently ingested wins among equals")
	require.Len(t, res.Flags, 1)
	f := res.Flags[0]
	assert.Equal(t, FlagSourceConflict, f.Kind)
	assert.Equal(t, "sinan", f.Chosen)
	assert.Equal(t, []string{"municipal", "sinan"}, f.Sources)
	assert.Equal(t, []float64{8, 9}, f.Values)
	assert.ErrorIs(t, f.Err(), domain.ErrSourceConflict)
}

func TestMerge_EqualRankAgreementIsNotFlagged(t *testing.T) {
	priorities := Priorities{"sinan": 0, "municipal": 0}
	res := Merge(loc, []domain.RawReport{
		report(t, "municipal", domain.MetricCaseCount, 1, 1, domain.Float(8), 0),
		report(t, "sinan", domain.MetricCaseCount, 1, 1, domain.Float(8), time.Hour),
	}, priorities, domain.DefaultCalendar())

	assert.Empty(t, res.Flags)
}

func TestMerge_RejectsAndReports(t *testing.T) {
	good := cases(t, "sinan", 1, 3)
	unknownSource := cases(t, "sinan", 2, 3)
	unknownSource.SourceID = "twitter"
	otherLocation := cases(t, "sinan", 2, 3)
	otherLocation.LocationID = "santos"
	ancient := cases(t, "sinan", 2, 3)
	ancient.ObservedAt = time.Date(1800, 1, 1, 0, 0, 0, 0, time.UTC)
	ancient.ID = "ancient"

	res := merge([]domain.RawReport{good, unknownSource, otherLocation, ancient})

	require.Len(t, res.Records, 1, "rejected reports never extend the range")
	require.Len(t, res.Rejected, 3)
	reasons := map[string]string{}
	for _, rj := range res.Rejected {
		reasons[rj.ReportID] = rj.Reason
	}
	assert.Contains(t, reasons["ancient"], "invalid week")
}

func TestMerge_NoReports(t *testing.T) {
	res := merge(nil)
	assert.Empty(t, res.Records)
	assert.Empty(t, res.Flags)
}

func TestMerge_IdempotentAndOrderIndependent(t *testing.T) {
	var reports []domain.RawReport
	for w := 1; w <= 8; w++ {
		for d := range 7 {
			reports = append(reports,
				report(t, "inmet", domain.MetricTemperature, w, d, domain.Float(20+0.1*float64(w*d)), 0),
				report(t, "inmet", domain.MetricPrecipitation, w, d, domain.Float(0.3*float64(d)), 0),
			)
		}
		if w != 5 {
			reports = append(reports, cases(t, "sinan", w, float64(w*3)))
		}
	}

	first := merge(reports)

	shuffled := append([]domain.RawReport(nil), reports...)
	rng := rand.New(rand.NewPCG(1, 2))
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	second := merge(shuffled)

	if diff := cmp.Diff(first.Records, second.Records, cmp.AllowUnexported(domain.WeekKey{})); diff != "" {
		t.Fatalf("merge depends on input order (-first +second):\n%s", diff)
	}

	// A superset with later weeks leaves already covered weeks unchanged.
	superset := append(shuffled, cases(t, "sinan", 12, 1))
	third := merge(superset)
	require.Len(t, third.Records, 12)
	if diff := cmp.Diff(first.Records, third.Records[:8], cmp.AllowUnexported(domain.WeekKey{})); diff != "" {
		t.Fatalf("superset changed covered weeks (-first +superset):\n%s", diff)
	}
}

func TestParsePriorities(t *testing.T) {
	p, err := ParsePriorities("SINAN:0, inmet:1 ,openweather:2")
	require.NoError(t, err)
	assert.Equal(t, Priorities{"sinan": 0, "inmet": 1, "openweather": 2}, p)

	for _, bad := range []string{"", "sinan", "sinan:x", "sinan:-1", "sinan:0,sinan:1"} {
		_, err := ParsePriorities(bad)
		assert.Error(t, err, bad)
	}
}
