package pipeline

import (
	"context"
	"log/slog"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
)

// ReportTransformer implements Transformer with domain.ParseRawMessage.
type ReportTransformer struct {
	logger *slog.Logger
}

// NewTransformer creates a ReportTransformer.
func NewTransformer(logger *slog.Logger) *ReportTransformer {
	return &ReportTransformer{logger: logger}
}

func (t *ReportTransformer) Transform(_ context.Context, raw domain.RawMessage) (domain.RawReport, error) {
	report, err := domain.ParseRawMessage(raw)
	if err != nil {
		return domain.RawReport{}, err
	}
	t.logger.Debug("decoded report",
		"report_id", report.ID,
		"location_id", report.LocationID,
		"metric", report.Metric,
		"source_id", report.SourceID,
	)
	return report, nil
}
