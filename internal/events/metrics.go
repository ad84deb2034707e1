package events

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type busMetrics struct {
	published metric.Int64Counter
	dropped   metric.Int64Counter
}

func newBusMetrics(logger pslog.Logger) *busMetrics {
	meter := otel.Meter("pkt.systems/middlewared/events")
	m := &busMetrics{}
	var err error
	m.published, err = meter.Int64Counter(
		"middlewared.events.published",
		metric.WithDescription("Events published on the bus"),
	)
	logMetricInitError(logger, "middlewared.events.published", err)
	m.dropped, err = meter.Int64Counter(
		"middlewared.events.sink_dropped",
		metric.WithDescription("Subscribers dropped after a failed delivery"),
	)
	logMetricInitError(logger, "middlewared.events.sink_dropped", err)
	return m
}

func (m *busMetrics) recordPublish(ev Event) {
	if m == nil || m.published == nil {
		return
	}
	m.published.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("middlewared.event.kind", string(ev.Kind)),
	))
}

func (m *busMetrics) recordDropSink(ev Event) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("middlewared.event.name", ev.Name),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
