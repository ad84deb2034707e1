package scheduler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type schedulerMetrics struct {
	blockingRunning metric.Int64ObservableGauge
	asyncRunning    metric.Int64ObservableGauge
	rejected        metric.Int64Counter
}

func newSchedulerMetrics(logger pslog.Logger, s *Scheduler) *schedulerMetrics {
	meter := otel.Meter("pkt.systems/middlewared/scheduler")
	m := &schedulerMetrics{}
	var err error

	m.blockingRunning, err = meter.Int64ObservableGauge(
		"middlewared.scheduler.blocking.running",
		metric.WithDescription("Blocking handlers currently running"),
	)
	logMetricInitError(logger, "middlewared.scheduler.blocking.running", err)

	m.asyncRunning, err = meter.Int64ObservableGauge(
		"middlewared.scheduler.async.running",
		metric.WithDescription("Non-blocking handlers currently running"),
	)
	logMetricInitError(logger, "middlewared.scheduler.async.running", err)

	m.rejected, err = meter.Int64Counter(
		"middlewared.scheduler.blocking.rejected",
		metric.WithDescription("Blocking submissions refused at the hard limit"),
	)
	logMetricInitError(logger, "middlewared.scheduler.blocking.rejected", err)

	if m.blockingRunning != nil && m.asyncRunning != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.blockingRunning, s.blocking.Running())
			o.ObserveInt64(m.asyncRunning, s.asyncRun.Load())
			return nil
		}, m.blockingRunning, m.asyncRunning); err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "middlewared.scheduler", "error", err)
		}
	}
	return m
}

func (m *schedulerMetrics) recordRejected(ctx context.Context) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(ctx, 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
