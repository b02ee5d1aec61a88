package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
	"github.com/couchcryptid/arbo-forecast/internal/harmonizer"
	"github.com/couchcryptid/arbo-forecast/internal/observability"
	"github.com/couchcryptid/arbo-forecast/internal/store"
)

type memorySink struct {
	st      *store.Memory
	batches int
	err     error
}

func (m *memorySink) write(ctx context.Context, reports []domain.RawReport) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.batches++
	return m.st.Append(ctx, reports...)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_CasesAndWeather(t *testing.T) {
	dir := t.TempDir()
	cases := writeFile(t, dir, "sinan.csv", "municipio,data,casos\nRecife,2024-03-03,4\nRecife,2024-03-04,5\nOlinda,2024-03-04,1\nOlinda,bad,1\n")
	weatherDir := filepath.Join(dir, "weather")
	require.NoError(t, os.Mkdir(weatherDir, 0o700))
	writeFile(t, weatherDir, "recife.csv", "data;temperatura;chuva\n2024-03-03;27,5;12\n")

	sink := &memorySink{st: store.NewMemory()}
	stats, err := load(context.Background(), options{
		cases:         cases,
		weather:       weatherDir,
		casesSource:   "sinan",
		weatherSource: "inmet",
	}, sink, 2, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	assert.Equal(t, 2, stats.files)
	assert.Equal(t, 5, stats.rows)
	assert.Equal(t, 1, stats.rowErrors)
	assert.Equal(t, 5, stats.reports)
	assert.Equal(t, 5, stats.written)
	assert.Equal(t, []string{"olinda", "recife"}, stats.locations)
	// Three case reports in batches of two, then one weather batch.
	assert.Equal(t, 3, sink.batches)

	got, err := sink.st.ReportLocations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"olinda", "recife"}, got)
}

func TestLoad_RepeatedDayRowsCountInWeeklyTotal(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := writeFile(t, t.TempDir(), "sinan.csv", "municipio,data,casos\n"+
		"Campinas,2024-03-04,3\n"+
		"Campinas,2024-03-04,3\n"+
		"Campinas,2024-03-05,2\n"+
		"Campinas,2024-03-05,5\n")

	mem := store.NewMemory()
	stats, err := load(ctx, options{cases: path, casesSource: "sinan"}, &memorySink{st: mem}, 10, logger)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.rows)
	assert.Equal(t, 2, stats.merged)
	assert.Equal(t, 2, stats.written)

	h := harmonizer.New(mem, mem, harmonizer.Config{
		Priorities: harmonizer.DefaultPriorities(),
		Calendar:   domain.DefaultCalendar(),
	}, logger, observability.NewMetricsForTesting())
	_, err = h.Run(ctx, "campinas", time.Time{})
	require.NoError(t, err)

	got, err := mem.LastNWeeks(ctx, "campinas", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2024-03-03", got[0].Week.String())
	require.NotNil(t, got[0].Cases)
	assert.Equal(t, int64(13), *got[0].Cases)
}

func TestLoad_CaseTableWithoutCityFails(t *testing.T) {
	path := writeFile(t, t.TempDir(), "recife.csv", "data,casos\n2024-03-03,4\n")
	_, err := load(context.Background(), options{cases: path}, discardSink{}, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestLoad_SinkErrorStops(t *testing.T) {
	path := writeFile(t, t.TempDir(), "sinan.csv", "city,date,cases\nRecife,2024-03-03,4\n")
	sink := &memorySink{st: store.NewMemory(), err: errors.New("broker down")}
	_, err := load(context.Background(), options{cases: path}, sink, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}
