package metrics

import (
	"context"
	"time"

	"github.com/HanTheDev/tryon-gateway/internal/models"
	"go.uber.org/zap"
)

// Sink persists metric rows.
type Sink interface {
	RecordMetric(ctx context.Context, m *models.Metric) error
}

// Recorder writes pipeline outcomes to the metric table and mirrors them
// into Prometheus. Persistence failures are logged, never returned: a lost
// observation must not fail a generation.
type Recorder struct {
	sink   Sink
	logger *zap.Logger
}

func NewRecorder(sink Sink, logger *zap.Logger) *Recorder {
	return &Recorder{sink: sink, logger: logger}
}

func (r *Recorder) Record(ctx context.Context, tenantID, model, status string, duration time.Duration, cause error) {
	m := &models.Metric{
		Type:       models.MetricTypeGeneration,
		TenantID:   tenantID,
		Model:      model,
		DurationMs: duration.Milliseconds(),
		Status:     status,
	}
	if cause != nil {
		msg := cause.Error()
		m.Error = &msg
	}

	ObserveGeneration(status, duration)

	if err := r.sink.RecordMetric(ctx, m); err != nil {
		r.logger.Warn("failed to persist metric",
			zap.String("tenant_id", tenantID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}
