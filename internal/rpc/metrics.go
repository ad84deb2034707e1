package rpc

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/apierr"
)

type rpcMetrics struct {
	calls    metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
	subs     metric.Int64Counter
	refused  metric.Int64Counter
}

func newRPCMetrics(logger pslog.Logger) *rpcMetrics {
	meter := otel.Meter("pkt.systems/middlewared/rpc")
	m := &rpcMetrics{}
	var err error
	m.calls, err = meter.Int64Counter(
		"middlewared.rpc.calls",
		metric.WithDescription("Method calls dispatched"),
	)
	logMetricInitError(logger, "middlewared.rpc.calls", err)
	m.errors, err = meter.Int64Counter(
		"middlewared.rpc.errors",
		metric.WithDescription("Method calls that returned an error"),
	)
	logMetricInitError(logger, "middlewared.rpc.errors", err)
	m.duration, err = meter.Float64Histogram(
		"middlewared.rpc.duration",
		metric.WithDescription("Method call latency"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "middlewared.rpc.duration", err)
	m.subs, err = meter.Int64Counter(
		"middlewared.rpc.subscriptions",
		metric.WithDescription("Accepted subscriptions"),
	)
	logMetricInitError(logger, "middlewared.rpc.subscriptions", err)
	m.refused, err = meter.Int64Counter(
		"middlewared.rpc.subscriptions_refused",
		metric.WithDescription("Refused subscriptions"),
	)
	logMetricInitError(logger, "middlewared.rpc.subscriptions_refused", err)
	return m
}

func (m *rpcMetrics) recordCall(ctx context.Context, method string, err *apierr.Error, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("method", method)}
	if m.calls != nil {
		m.calls.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("type", string(err.Kind)))...))
	}
}

func (m *rpcMetrics) recordSubscribe(ctx context.Context, collection string, accepted bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("collection", collection))
	if accepted {
		if m.subs != nil {
			m.subs.Add(ctx, 1, attrs)
		}
		return
	}
	if m.refused != nil {
		m.refused.Add(ctx, 1, attrs)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
