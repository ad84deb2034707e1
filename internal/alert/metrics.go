package alert

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type engineMetrics struct {
	active     metric.Int64ObservableGauge
	deliveries metric.Int64Counter
	sourceRuns metric.Int64Counter
}

func newEngineMetrics(logger pslog.Logger, e *Engine) *engineMetrics {
	meter := otel.Meter("pkt.systems/middlewared/alert")
	m := &engineMetrics{}
	var err error
	m.active, err = meter.Int64ObservableGauge(
		"middlewared.alert.active",
		metric.WithDescription("Active alerts by level"),
	)
	logMetricInitError(logger, "middlewared.alert.active", err)
	m.deliveries, err = meter.Int64Counter(
		"middlewared.alert.deliveries",
		metric.WithDescription("Alert service deliveries"),
	)
	logMetricInitError(logger, "middlewared.alert.deliveries", err)
	m.sourceRuns, err = meter.Int64Counter(
		"middlewared.alert.source_runs",
		metric.WithDescription("Alert source checks"),
	)
	logMetricInitError(logger, "middlewared.alert.source_runs", err)
	if m.active != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			for level, n := range e.CountByLevel() {
				o.ObserveInt64(m.active, int64(n), metric.WithAttributes(attribute.String("middlewared.alert.level", level.String())))
			}
			return nil
		}, m.active); err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "middlewared.alert.active", "error", err)
		}
	}
	return m
}

func (m *engineMetrics) recordDelivery(serviceType string, err error) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("middlewared.alert.service_type", serviceType),
		attribute.Bool("middlewared.alert.ok", err == nil),
	))
}

func (m *engineMetrics) recordSourceRun(source string, err error) {
	if m == nil || m.sourceRuns == nil {
		return
	}
	m.sourceRuns.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("middlewared.alert.source", source),
		attribute.Bool("middlewared.alert.ok", err == nil),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
