package hostmetrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// RegisterMetrics exports the checker's latest sample as gauges.
func RegisterMetrics(c *Checker, logger pslog.Logger) {
	meter := otel.Meter("pkt.systems/middlewared/hostmetrics")
	memory, err := meter.Float64ObservableGauge(
		"middlewared.host.memory_used_percent",
		metric.WithDescription("Host memory in use"),
		metric.WithUnit("%"),
	)
	logMetricInitError(logger, "middlewared.host.memory_used_percent", err)
	loadGauge, err := meter.Float64ObservableGauge(
		"middlewared.host.load",
		metric.WithDescription("Host load average"),
	)
	logMetricInitError(logger, "middlewared.host.load", err)
	diskFree, err := meter.Int64ObservableGauge(
		"middlewared.host.disk_free_bytes",
		metric.WithDescription("Free bytes per checked path"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "middlewared.host.disk_free_bytes", err)
	if memory == nil || loadGauge == nil || diskFree == nil {
		return
	}
	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		s, ok := c.Last()
		if !ok {
			return nil
		}
		o.ObserveFloat64(memory, s.MemoryUsedPercent)
		o.ObserveFloat64(loadGauge, s.Load1, metric.WithAttributes(attribute.String("middlewared.host.window", "1m")))
		o.ObserveFloat64(loadGauge, s.Load5, metric.WithAttributes(attribute.String("middlewared.host.window", "5m")))
		o.ObserveFloat64(loadGauge, s.Load15, metric.WithAttributes(attribute.String("middlewared.host.window", "15m")))
		for _, d := range s.Disks {
			o.ObserveInt64(diskFree, int64(d.FreeBytes), metric.WithAttributes(attribute.String("middlewared.host.path", d.Path)))
		}
		return nil
	}, memory, loadGauge, diskFree); err != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "middlewared.host", "error", err)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
