package jobs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type jobMetrics struct {
	retained metric.Int64ObservableGauge
	finished metric.Int64Counter
}

func newJobMetrics(logger pslog.Logger, m *Manager) *jobMetrics {
	meter := otel.Meter("pkt.systems/middlewared/jobs")
	jm := &jobMetrics{}
	var err error
	jm.retained, err = meter.Int64ObservableGauge(
		"middlewared.jobs.retained",
		metric.WithDescription("Retained jobs by state"),
	)
	logMetricInitError(logger, "middlewared.jobs.retained", err)
	jm.finished, err = meter.Int64Counter(
		"middlewared.jobs.finished",
		metric.WithDescription("Jobs reaching a terminal state"),
	)
	logMetricInitError(logger, "middlewared.jobs.finished", err)
	if jm.retained != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			for state, n := range m.CountByState() {
				o.ObserveInt64(jm.retained, int64(n), metric.WithAttributes(attribute.String("middlewared.job.state", string(state))))
			}
			return nil
		}, jm.retained); err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "middlewared.jobs.retained", "error", err)
		}
	}
	return jm
}

func (jm *jobMetrics) recordFinished(method string, state State) {
	if jm == nil || jm.finished == nil {
		return
	}
	jm.finished.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("middlewared.job.method", method),
		attribute.String("middlewared.job.state", string(state)),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
