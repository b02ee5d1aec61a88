package windower

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
	"github.com/couchcryptid/arbo-forecast/internal/model"
	"github.com/couchcryptid/arbo-forecast/internal/store"
)

const loc = "campinas"

var week0 = domain.WeekKeyFromDate(time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC))

// seed stores weeks 0..len(rows)-1. A nil entry stores a null record.
type row struct {
	cases *float64
	temp  *float64
}

func seed(t *testing.T, rows ...row) *store.Memory {
	t.Helper()
	mem := store.NewMemory()
	for i, r := range rows {
		rec := domain.NullRecord(loc, week0.AddWeeks(i))
		rec.Set(domain.MetricCaseCount, r.cases)
		rec.Set(domain.MetricTemperature, r.temp)
		require.NoError(t, mem.Upsert(context.Background(), rec))
	}
	return mem
}

func f(v float64) *float64 { return &v }

func contract(w int, policy model.FillPolicy) model.Contract {
	return model.Contract{
		Version:      "test-v1",
		Features:     []string{"cases", "temperature"},
		WindowLength: w,
		MaxHorizon:   4,
		FillPolicy:   policy,
		Target:       "cases",
	}
}

func TestNew_RejectsUnknownFeature(t *testing.T) {
	c := contract(3, model.FillZero)
	c.Features = []string{"cases", "dengue_index"}

	_, err := New(store.NewMemory(), c)
	require.ErrorIs(t, err, domain.ErrInvalidWindowShape)
}

func TestBuild_ShapeAndOrder(t *testing.T) {
	mem := seed(t,
		row{f(1), f(20)},
		row{f(2), f(21)},
		row{f(3), f(22)},
		row{f(4), f(23)},
	)
	w, err := New(mem, contract(3, model.FillZero))
	require.NoError(t, err)

	win, err := w.BuildLatest(context.Background(), loc)
	require.NoError(t, err)

	assert.Equal(t, []string{"cases", "temperature"}, win.Features)
	assert.Equal(t, [][]float64{{2, 21}, {3, 22}, {4, 23}}, win.Vectors)
	assert.True(t, win.EndWeek.Equal(week0.AddWeeks(3)))
	require.Len(t, win.Weeks, 3)
	assert.True(t, win.Weeks[0].Equal(week0.AddWeeks(1)))
}

func TestBuild_FeatureOrderFollowsContract(t *testing.T) {
	mem := seed(t, row{f(1), f(20)}, row{f(2), f(21)})
	c := contract(2, model.FillZero)
	c.Features = []string{"temperature", "cases"}
	w, err := New(mem, c)
	require.NoError(t, err)

	win, err := w.BuildLatest(context.Background(), loc)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{20, 1}, {21, 2}}, win.Vectors)
}

func TestBuild_FillPolicies(t *testing.T) {
	rows := []row{
		{f(5), f(20)},
		{nil, nil},
		{f(7), nil},
		{nil, f(24)},
	}

	t.Run("zero", func(t *testing.T) {
		w, err := New(seed(t, rows...), contract(3, model.FillZero))
		require.NoError(t, err)
		win, err := w.BuildLatest(context.Background(), loc)
		require.NoError(t, err)
		assert.Equal(t, [][]float64{{0, 0}, {7, 0}, {0, 24}}, win.Vectors)
	})

	t.Run("forward fill seeds from history before the window", func(t *testing.T) {
		w, err := New(seed(t, rows...), contract(3, model.FillForward))
		require.NoError(t, err)
		win, err := w.BuildLatest(context.Background(), loc)
		require.NoError(t, err)
		assert.Equal(t, [][]float64{{5, 20}, {7, 20}, {7, 24}}, win.Vectors)
	})

	t.Run("forward fill with no earlier value is zero", func(t *testing.T) {
		w, err := New(seed(t, row{nil, nil}, row{f(2), f(21)}), contract(2, model.FillForward))
		require.NoError(t, err)
		win, err := w.BuildLatest(context.Background(), loc)
		require.NoError(t, err)
		assert.Equal(t, [][]float64{{0, 0}, {2, 21}}, win.Vectors)
	})

	t.Run("reject", func(t *testing.T) {
		w, err := New(seed(t, rows...), contract(3, model.FillReject))
		require.NoError(t, err)
		_, err = w.BuildLatest(context.Background(), loc)
		require.ErrorIs(t, err, domain.ErrMissingValue)
		require.ErrorIs(t, err, domain.ErrInsufficientHistory)
		var mv *domain.MissingValueError
		require.ErrorAs(t, err, &mv)
		assert.Equal(t, "cases", mv.Feature)
		assert.True(t, mv.Week.Equal(week0.AddWeeks(1)))
	})

	t.Run("per feature override", func(t *testing.T) {
		c := contract(3, model.FillZero)
		c.FeatureFill = map[string]model.FillPolicy{"temperature": model.FillForward}
		w, err := New(seed(t, rows...), c)
		require.NoError(t, err)
		win, err := w.BuildLatest(context.Background(), loc)
		require.NoError(t, err)
		assert.Equal(t, [][]float64{{0, 20}, {7, 20}, {0, 24}}, win.Vectors)
	})
}

type rangeSpy struct {
	*store.Memory
	spans []int
}

func (r *rangeSpy) Range(ctx context.Context, locationID string, from, to domain.WeekKey) ([]domain.WeeklyRecord, error) {
	r.spans = append(r.spans, from.WeeksUntil(to)+1)
	return r.Memory.Range(ctx, locationID, from, to)
}

func TestBuild_ForwardFillReadsBoundedHistory(t *testing.T) {
	rows := make([]row, 300)
	for i := range rows {
		rows[i] = row{f(float64(i)), f(20)}
	}
	rows[298].cases = nil
	spy := &rangeSpy{Memory: seed(t, rows...)}

	w, err := New(spy, contract(2, model.FillForward))
	require.NoError(t, err)
	win, err := w.BuildLatest(context.Background(), loc)
	require.NoError(t, err)

	assert.Equal(t, [][]float64{{297, 20}, {299, 20}}, win.Vectors)
	// The window itself, then one lookback chunk.
	assert.Equal(t, []int{2, seedLookback}, spy.spans)
}

func TestBuild_ForwardFillSeedFarBack(t *testing.T) {
	rows := make([]row, 130)
	rows[0] = row{f(9), f(18)}
	rows[129] = row{nil, f(30)}
	spy := &rangeSpy{Memory: seed(t, rows...)}

	w, err := New(spy, contract(2, model.FillForward))
	require.NoError(t, err)
	win, err := w.BuildLatest(context.Background(), loc)
	require.NoError(t, err)

	assert.Equal(t, [][]float64{{9, 18}, {9, 30}}, win.Vectors)
	// Weeks 0..127 before the window: chunks of 52, 52 and the remaining 24.
	assert.Equal(t, []int{2, seedLookback, seedLookback, 24}, spy.spans)
}

func TestBuild_InsufficientHistory(t *testing.T) {
	mem := seed(t, row{f(1), f(20)}, row{f(2), f(21)})
	w, err := New(mem, contract(3, model.FillZero))
	require.NoError(t, err)

	_, err = w.BuildLatest(context.Background(), loc)
	require.ErrorIs(t, err, domain.ErrInsufficientHistory)
	var he *domain.HistoryError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, 3, he.Required)
	assert.Equal(t, 2, he.Available)

	_, err = w.Build(context.Background(), loc, week0.AddWeeks(5))
	require.ErrorIs(t, err, domain.ErrInsufficientHistory, "end week past the stored series")
}

func TestBuild_UnknownLocation(t *testing.T) {
	w, err := New(store.NewMemory(), contract(2, model.FillZero))
	require.NoError(t, err)

	_, err = w.BuildLatest(context.Background(), "santos")
	require.ErrorIs(t, err, domain.ErrUnknownLocation)
}

func TestBuild_ExplicitEndWeek(t *testing.T) {
	mem := seed(t, row{f(1), f(20)}, row{f(2), f(21)}, row{f(3), f(22)})
	w, err := New(mem, contract(2, model.FillZero))
	require.NoError(t, err)

	win, err := w.Build(context.Background(), loc, week0.AddWeeks(1))
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 20}, {2, 21}}, win.Vectors)
}

func TestBuild_WindowLengthAlwaysMatches(t *testing.T) {
	rows := make([]row, 30)
	for i := range rows {
		if i%4 != 0 {
			rows[i] = row{f(float64(i)), f(20)}
		}
	}
	mem := seed(t, rows...)
	for _, length := range []int{1, 2, 7, 13, 30} {
		for _, p := range []model.FillPolicy{model.FillZero, model.FillForward} {
			w, err := New(mem, contract(length, p))
			require.NoError(t, err)
			for end := length - 1; end < 30; end += 3 {
				win, err := w.Build(context.Background(), loc, week0.AddWeeks(end))
				require.NoError(t, err)
				assert.Len(t, win.Vectors, length)
				for _, v := range win.Vectors {
					assert.Len(t, v, 2)
				}
			}
		}
	}
}
