// Package pipeline runs the report ingestion loop: extract a batch of
// messages from the report topic, decode each into a RawReport, append the
// batch to the report log and commit offsets.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
	"github.com/couchcryptid/arbo-forecast/internal/observability"
)

const (
	minBackoff = 200 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// BatchExtractor reads up to batchSize raw messages from the source.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawMessage, error)
}

// Transformer decodes a raw message into a validated report.
type Transformer interface {
	Transform(ctx context.Context, raw domain.RawMessage) (domain.RawReport, error)
}

// BatchLoader appends reports to the report log and returns how many were new.
type BatchLoader interface {
	Append(ctx context.Context, reports ...domain.RawReport) (int, error)
}

// Pipeline moves reports from the topic into the report log.
type Pipeline struct {
	extractor   BatchExtractor
	transformer Transformer
	loader      BatchLoader
	logger      *slog.Logger
	metrics     *observability.Metrics
	batchSize   int

	ready atomic.Bool
}

// New creates a Pipeline with the given stages and observability.
func New(e BatchExtractor, t Transformer, l BatchLoader, logger *slog.Logger, metrics *observability.Metrics, batchSize int) *Pipeline {
	return &Pipeline{
		extractor:   e,
		transformer: t,
		loader:      l,
		logger:      logger,
		metrics:     metrics,
		batchSize:   batchSize,
	}
}

// CheckReadiness returns nil once the pipeline has appended at least one batch.
func (p *Pipeline) CheckReadiness(context.Context) error {
	if !p.ready.Load() {
		return errors.New("no report batch appended yet")
	}
	return nil
}

// Run consumes until ctx is cancelled. Extract and append failures are
// retried with exponential backoff; Run returns nil on shutdown.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "batch_size", p.batchSize)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	b := &backoff{}
	for ctx.Err() == nil {
		msgs, err := p.extractor.ExtractBatch(ctx, p.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Error("extract batch failed", "error", err)
			b.wait(ctx)
			continue
		}
		b.reset()
		if len(msgs) > 0 {
			p.ingest(ctx, msgs, b)
		}
	}
	p.logger.Info("pipeline stopping", "reason", ctx.Err())
	return nil
}

// ingest handles one batch. Undecodable messages are skipped and the valid
// reports appended; the batch's offsets are committed, in order, only after
// that append succeeds, so an interrupted append leaves every message of the
// batch to be redelivered.
func (p *Pipeline) ingest(ctx context.Context, msgs []domain.RawMessage, b *backoff) {
	start := time.Now()
	p.metrics.ReportsConsumed.Add(float64(len(msgs)))
	p.metrics.BatchSize.Observe(float64(len(msgs)))

	reports := make([]domain.RawReport, 0, len(msgs))
	for _, msg := range msgs {
		report, err := p.transformer.Transform(ctx, msg)
		if err != nil {
			p.logger.Warn("undecodable report, skipping",
				"error", err,
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			p.metrics.ReportsRejected.WithLabelValues("decode").Inc()
			continue
		}
		reports = append(reports, report)
	}

	if len(reports) > 0 {
		inserted, err := p.appendWithRetry(ctx, reports, b)
		if err != nil {
			// Shutting down; the uncommitted batch comes back on restart.
			return
		}
		p.metrics.ReportsAppended.Add(float64(inserted))
		p.metrics.BatchProcessingDuration.Observe(time.Since(start).Seconds())
		p.ready.Store(true)
		p.logger.Debug("batch appended", "received", len(reports), "new", inserted)
	}

	for _, msg := range msgs {
		p.commit(ctx, msg)
	}
}

func (p *Pipeline) appendWithRetry(ctx context.Context, reports []domain.RawReport, b *backoff) (int, error) {
	for {
		n, err := p.loader.Append(ctx, reports...)
		if err == nil {
			b.reset()
			return n, nil
		}
		p.logger.Error("append batch failed", "error", err, "batch_size", len(reports))
		if !b.wait(ctx) {
			return 0, ctx.Err()
		}
	}
}

func (p *Pipeline) commit(ctx context.Context, msg domain.RawMessage) {
	if msg.Commit == nil {
		return
	}
	if err := msg.Commit(ctx); err != nil {
		p.logger.Warn("commit offset failed", "error", err,
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
	}
}

// backoff doubles from minBackoff up to maxBackoff between failed attempts.
type backoff struct {
	next time.Duration
}

func (b *backoff) reset() { b.next = 0 }

// wait sleeps for the current delay and reports false if ctx ended first.
func (b *backoff) wait(ctx context.Context) bool {
	if b.next == 0 {
		b.next = minBackoff
	}
	t := time.NewTimer(b.next)
	defer t.Stop()
	b.next = min(b.next*2, maxBackoff)

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
