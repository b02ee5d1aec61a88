package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
	"github.com/couchcryptid/arbo-forecast/internal/observability"
	"github.com/couchcryptid/arbo-forecast/internal/pipeline"
	"github.com/couchcryptid/arbo-forecast/internal/store"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockExtractor struct {
	batches [][]domain.RawMessage
	index   atomic.Int64
}

func (m *mockExtractor) ExtractBatch(ctx context.Context, _ int) ([]domain.RawMessage, error) {
	i := int(m.index.Add(1) - 1)
	if i >= len(m.batches) {
		// block until context cancelled to simulate waiting for messages
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return m.batches[i], nil
}

type flakyLoader struct {
	mu       sync.Mutex
	failures int
	calls    int
	appended []domain.RawReport
}

func (f *flakyLoader) Append(_ context.Context, reports ...domain.RawReport) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return 0, errors.New("database unavailable")
	}
	f.appended = append(f.appended, reports...)
	return len(reports), nil
}

func newTestMetrics() *observability.Metrics {
	// Use a fresh registry to avoid "already registered" panics in tests.
	return observability.NewMetricsForTesting()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freezeClock(t *testing.T) {
	t.Helper()
	domain.SetClock(clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
	t.Cleanup(func() { domain.SetClock(nil) })
}

func reportMessage(loc, day string, cases int) domain.RawMessage {
	return domain.RawMessage{
		Key:   []byte(loc),
		Value: []byte(fmt.Sprintf(`{"location_id":%q,"observed_at":%q,"metric":"case_count","value":%d,"source_id":"sinan"}`, loc, day, cases)),
		Topic: "raw-epi-reports",
	}
}

func withCommit(raw domain.RawMessage, counter *atomic.Int64) domain.RawMessage {
	raw.Commit = func(context.Context) error {
		counter.Add(1)
		return nil
	}
	return raw
}

// offsetLog records the offsets committed through the messages it tracks.
type offsetLog struct {
	mu        sync.Mutex
	committed []int64
}

func (l *offsetLog) at(raw domain.RawMessage, offset int64) domain.RawMessage {
	raw.Offset = offset
	raw.Commit = func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.committed = append(l.committed, offset)
		return nil
	}
	return raw
}

func (l *offsetLog) offsets() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int64(nil), l.committed...)
}

func runFor(t *testing.T, p *pipeline.Pipeline, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, p.Run(ctx))
}

// --- tests ---

func TestPipeline_Run_AppendsReports(t *testing.T) {
	freezeClock(t)
	log := store.NewMemory()
	ext := &mockExtractor{batches: [][]domain.RawMessage{{
		reportMessage("campinas", "2024-01-08", 3),
		reportMessage("campinas", "2024-01-09", 4),
	}}}
	metrics := newTestMetrics()

	p := pipeline.New(ext, pipeline.NewTransformer(discardLogger()), log, discardLogger(), metrics, 10)
	runFor(t, p, 300*time.Millisecond)

	reports, err := log.Reports(context.Background(), "campinas", time.Now())
	require.NoError(t, err)
	assert.Len(t, reports, 2)
	require.NoError(t, p.CheckReadiness(context.Background()))
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.ReportsConsumed), 1e-9)
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.ReportsAppended), 1e-9)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.PipelineRunning), 1e-9)
}

func TestPipeline_Run_RedeliveryIsNoOp(t *testing.T) {
	freezeClock(t)
	log := store.NewMemory()
	msg := reportMessage("campinas", "2024-01-08", 3)
	ext := &mockExtractor{batches: [][]domain.RawMessage{{msg}, {msg}}}
	metrics := newTestMetrics()

	p := pipeline.New(ext, pipeline.NewTransformer(discardLogger()), log, discardLogger(), metrics, 10)
	runFor(t, p, 300*time.Millisecond)

	reports, err := log.Reports(context.Background(), "campinas", time.Now())
	require.NoError(t, err)
	assert.Len(t, reports, 1)
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.ReportsConsumed), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.ReportsAppended), 1e-9)
}

func TestPipeline_Run_ContextCancellation(t *testing.T) {
	ext := &mockExtractor{}
	ldr := &flakyLoader{}

	p := pipeline.New(ext, pipeline.NewTransformer(discardLogger()), ldr, discardLogger(), newTestMetrics(), 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, p.Run(ctx))
	assert.Empty(t, ldr.appended)
	assert.Error(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_Run_MalformedMessageSkippedAndCommitted(t *testing.T) {
	freezeClock(t)
	var commits atomic.Int64
	bad := withCommit(domain.RawMessage{Value: []byte("not json")}, &commits)
	unknownMetric := withCommit(domain.RawMessage{Value: []byte(`{"location_id":"campinas","observed_at":"2024-01-08","metric":"wind","value":1,"source_id":"inmet"}`)}, &commits)
	good := withCommit(reportMessage("campinas", "2024-01-08", 3), &commits)

	ext := &mockExtractor{batches: [][]domain.RawMessage{{bad, unknownMetric, good}}}
	ldr := &flakyLoader{}
	metrics := newTestMetrics()

	p := pipeline.New(ext, pipeline.NewTransformer(discardLogger()), ldr, discardLogger(), metrics, 10)
	runFor(t, p, 300*time.Millisecond)

	assert.Len(t, ldr.appended, 1)
	assert.Equal(t, int64(3), commits.Load())
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.ReportsRejected.WithLabelValues("decode")), 1e-9)
}

func TestPipeline_Run_AllMalformedNotReady(t *testing.T) {
	ext := &mockExtractor{batches: [][]domain.RawMessage{{{Value: []byte("{")}}}}
	ldr := &flakyLoader{}

	p := pipeline.New(ext, pipeline.NewTransformer(discardLogger()), ldr, discardLogger(), newTestMetrics(), 10)
	runFor(t, p, 200*time.Millisecond)

	assert.Empty(t, ldr.appended)
	assert.Error(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_Run_RetriesAppendBeforeCommit(t *testing.T) {
	freezeClock(t)
	var commits atomic.Int64
	ext := &mockExtractor{batches: [][]domain.RawMessage{{withCommit(reportMessage("recife", "2024-01-08", 1), &commits)}}}
	ldr := &flakyLoader{failures: 1}

	p := pipeline.New(ext, pipeline.NewTransformer(discardLogger()), ldr, discardLogger(), newTestMetrics(), 10)
	runFor(t, p, time.Second)

	assert.Equal(t, 2, ldr.calls)
	assert.Len(t, ldr.appended, 1)
	assert.Equal(t, int64(1), commits.Load())
}

func TestPipeline_Run_StopsDuringAppendBackoff(t *testing.T) {
	freezeClock(t)
	var commits atomic.Int64
	ext := &mockExtractor{batches: [][]domain.RawMessage{{withCommit(reportMessage("recife", "2024-01-08", 1), &commits)}}}
	ldr := &flakyLoader{failures: 1000}

	p := pipeline.New(ext, pipeline.NewTransformer(discardLogger()), ldr, discardLogger(), newTestMetrics(), 10)
	runFor(t, p, 300*time.Millisecond)

	assert.Empty(t, ldr.appended)
	assert.Zero(t, commits.Load(), "offsets must not be committed before the reports are stored")
}

func TestPipeline_Run_MalformedOffsetNotCommittedAheadOfFailedAppend(t *testing.T) {
	freezeClock(t)
	commits := &offsetLog{}
	ext := &mockExtractor{batches: [][]domain.RawMessage{{
		commits.at(reportMessage("recife", "2024-01-08", 1), 10),
		commits.at(domain.RawMessage{Value: []byte("not json")}, 11),
	}}}
	ldr := &flakyLoader{failures: 1000}

	p := pipeline.New(ext, pipeline.NewTransformer(discardLogger()), ldr, discardLogger(), newTestMetrics(), 10)
	runFor(t, p, 300*time.Millisecond)

	assert.Empty(t, ldr.appended)
	assert.Empty(t, commits.offsets(), "a later offset must not be committed while an earlier report is unstored")
}

func TestPipeline_Run_CommitsBatchInOffsetOrder(t *testing.T) {
	freezeClock(t)
	commits := &offsetLog{}
	ext := &mockExtractor{batches: [][]domain.RawMessage{{
		commits.at(reportMessage("recife", "2024-01-08", 1), 20),
		commits.at(domain.RawMessage{Value: []byte("{")}, 21),
		commits.at(reportMessage("recife", "2024-01-09", 2), 22),
	}}}
	ldr := &flakyLoader{failures: 1}

	p := pipeline.New(ext, pipeline.NewTransformer(discardLogger()), ldr, discardLogger(), newTestMetrics(), 10)
	runFor(t, p, time.Second)

	assert.Len(t, ldr.appended, 2)
	assert.Equal(t, []int64{20, 21, 22}, commits.offsets())
}

func TestReportTransformer_Transform(t *testing.T) {
	freezeClock(t)
	tfm := pipeline.NewTransformer(discardLogger())

	report, err := tfm.Transform(context.Background(), reportMessage("Ribeirão Preto", "2024-01-08", 7))
	require.NoError(t, err)
	assert.Equal(t, "ribeirao-preto", report.LocationID)
	assert.Equal(t, domain.MetricCaseCount, report.Metric)
	require.NotNil(t, report.Value)
	assert.InDelta(t, 7.0, *report.Value, 1e-9)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), report.IngestedAt)

	_, err = tfm.Transform(context.Background(), domain.RawMessage{Value: []byte(`{}`)})
	assert.ErrorIs(t, err, domain.ErrMalformedReport)
}
