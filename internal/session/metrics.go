package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type sessionMetrics struct {
	active metric.Int64ObservableGauge
	opened metric.Int64Counter
	closed metric.Int64Counter
}

func newSessionMetrics(logger pslog.Logger, m *Manager) *sessionMetrics {
	meter := otel.Meter("pkt.systems/middlewared/session")
	sm := &sessionMetrics{}
	var err error
	sm.active, err = meter.Int64ObservableGauge(
		"middlewared.session.active",
		metric.WithDescription("Connected sessions"),
	)
	logMetricInitError(logger, "middlewared.session.active", err)
	sm.opened, err = meter.Int64Counter(
		"middlewared.session.opened",
		metric.WithDescription("Sessions opened"),
	)
	logMetricInitError(logger, "middlewared.session.opened", err)
	sm.closed, err = meter.Int64Counter(
		"middlewared.session.closed",
		metric.WithDescription("Sessions closed"),
	)
	logMetricInitError(logger, "middlewared.session.closed", err)
	if sm.active != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(sm.active, int64(m.Len()))
			return nil
		}, sm.active); err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "middlewared.session.active", "error", err)
		}
	}
	return sm
}

func (sm *sessionMetrics) recordOpen() {
	if sm == nil || sm.opened == nil {
		return
	}
	sm.opened.Add(context.Background(), 1)
}

func (sm *sessionMetrics) recordClose() {
	if sm == nil || sm.closed == nil {
		return
	}
	sm.closed.Add(context.Background(), 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
