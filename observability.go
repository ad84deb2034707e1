package middlewared

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/version"
)

// observabilityConfig selects which outputs the controller exposes. Every
// field is optional; an all-empty config leaves the otel no-op providers
// in place.
type observabilityConfig struct {
	// OTLPEndpoint receives spans for method calls and jobs.
	OTLPEndpoint string
	// MetricsListen serves the call, job, alert and session instruments
	// on /metrics.
	MetricsListen string
	// PprofListen serves /debug/pprof. It may equal MetricsListen.
	PprofListen string
	// RuntimeMetrics adds Go runtime instruments to /metrics.
	RuntimeMetrics bool
	Hostname       string
	Node           string
}

func (c observabilityConfig) enabled() bool {
	return c.OTLPEndpoint != "" || c.MetricsListen != "" || c.PprofListen != "" || c.RuntimeMetrics
}

// Latency buckets for method calls. Most calls are local sqlite reads;
// the upper buckets catch calls that wait on a pool or a blocking executor.
var callLatencyBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// observability owns the providers and debug listeners installed by
// setupObservability. Closers run in reverse registration order.
type observability struct {
	logger  pslog.Logger
	closers []namedCloser
	// metricsAddr and pprofAddr hold the bound addresses, useful when
	// the configured port was 0.
	metricsAddr string
	pprofAddr   string
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

func (o *observability) onClose(name string, fn func(context.Context) error) {
	o.closers = append(o.closers, namedCloser{name: name, close: fn})
}

// Shutdown flushes pending spans and metrics and stops the debug listeners.
func (o *observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	var errs []error
	for i := len(o.closers) - 1; i >= 0; i-- {
		c := o.closers[i]
		if err := c.close(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.logger.Warn("observability.shutdown.failed", "component", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s shutdown: %w", c.name, err))
		}
	}
	o.closers = nil
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	o.logger.Debug("observability.shutdown.complete")
	return nil
}

type exporterErrorHandler struct {
	logger pslog.Logger
}

func (h exporterErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	// The grpc exporter reports every reconnect attempt while the
	// collector is down.
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("observability.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("observability.exporter.error", "error", err)
}

// setupObservability installs the global tracer and meter providers used by
// the rpc, jobs, alert, events, session and scheduler packages. It returns
// nil when nothing is enabled.
func setupObservability(ctx context.Context, cfg observabilityConfig, logger pslog.Logger) (_ *observability, err error) {
	if !cfg.enabled() {
		return nil, nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if cfg.RuntimeMetrics && cfg.MetricsListen == "" {
		return nil, errors.New("observability: runtime metrics require a metrics listen address")
	}
	obs := &observability{logger: logger}
	defer func() {
		if err != nil {
			_ = obs.Shutdown(context.Background())
		}
	}()

	res, err := controllerResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.OTLPEndpoint != "" {
		target, err := resolveOTLPTarget(cfg.OTLPEndpoint)
		if err != nil {
			return nil, err
		}
		exporter, err := newSpanExporter(ctx, target)
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithBatcher(exporter),
		)
		obs.onClose("tracer provider", tp.Shutdown)
		otel.SetTracerProvider(tp)
		logger.Info("observability.tracing.enabled",
			"protocol", target.protocol,
			"endpoint", target.endpoint,
			"path", target.path,
			"insecure", target.insecure,
		)
	}

	mux := map[string]*http.ServeMux{}
	muxFor := func(addr string) *http.ServeMux {
		if m, ok := mux[addr]; ok {
			return m
		}
		m := http.NewServeMux()
		mux[addr] = m
		return m
	}

	if cfg.MetricsListen != "" {
		registry := prometheus.NewRegistry()
		exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if cfg.RuntimeMetrics {
			exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		reader, err := otelprometheus.New(exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("observability: prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
			sdkmetric.WithView(sdkmetric.NewView(
				sdkmetric.Instrument{Name: "middlewared.rpc.duration"},
				sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: callLatencyBuckets}},
			)),
		)
		obs.onClose("meter provider", mp.Shutdown)
		otel.SetMeterProvider(mp)
		if cfg.RuntimeMetrics {
			if err := startRuntimeInstruments(mp); err != nil {
				return nil, err
			}
		}
		muxFor(cfg.MetricsListen).Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	if cfg.PprofListen != "" {
		m := muxFor(cfg.PprofListen)
		m.HandleFunc("/debug/pprof/", pprof.Index)
		m.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		m.HandleFunc("/debug/pprof/profile", pprof.Profile)
		m.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		m.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	for addr, handler := range mux {
		bound, err := obs.serveDebug(addr, handler)
		if err != nil {
			return nil, err
		}
		if addr == cfg.MetricsListen {
			obs.metricsAddr = bound
		}
		if addr == cfg.PprofListen {
			obs.pprofAddr = bound
		}
	}
	if obs.metricsAddr != "" {
		logger.Info("observability.metrics.enabled", "listen", obs.metricsAddr, "runtime", cfg.RuntimeMetrics)
	}
	if obs.pprofAddr != "" {
		logger.Info("observability.pprof.enabled", "listen", obs.pprofAddr)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(exporterErrorHandler{logger: logger})
	return obs, nil
}

func controllerResource(ctx context.Context, cfg observabilityConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName("middlewared"),
		semconv.ServiceVersion(version.Semver()),
	}
	if cfg.Hostname != "" {
		attrs = append(attrs, semconv.HostName(cfg.Hostname))
	}
	if cfg.Node != "" {
		attrs = append(attrs, attribute.String("middlewared.node", cfg.Node))
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}
	return res, nil
}

// serveDebug binds addr and serves handler until Shutdown. It returns the
// bound address.
func (o *observability) serveDebug(addr string, handler http.Handler) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("observability: listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	bound := ln.Addr().String()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.logger.Warn("observability.debug.serve_error", "listen", bound, "error", err)
		}
	}()
	o.onClose("debug listener "+bound, srv.Shutdown)
	return bound, nil
}

var (
	runtimeInstrumentsOnce sync.Once
	runtimeInstrumentsErr  error
)

// startRuntimeInstruments registers the Go runtime instruments once per
// process; otelruntime cannot unregister them.
func startRuntimeInstruments(mp *sdkmetric.MeterProvider) error {
	runtimeInstrumentsOnce.Do(func() {
		runtimeInstrumentsErr = otelruntime.Start(otelruntime.WithMeterProvider(mp))
	})
	if runtimeInstrumentsErr != nil {
		return fmt.Errorf("observability: runtime instruments: %w", runtimeInstrumentsErr)
	}
	return nil
}

type otlpTarget struct {
	protocol string // "grpc" or "http"
	endpoint string // host:port
	path     string
	insecure bool
}

func newSpanExporter(ctx context.Context, target otlpTarget) (sdktrace.SpanExporter, error) {
	const exportTimeout = 10 * time.Second
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch target.protocol {
	case "grpc":
		creds := credentials.NewClientTLSFromCert(nil, "")
		if target.insecure {
			creds = insecure.NewCredentials()
		}
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(exportTimeout),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)),
		)
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.path != "" {
			opts = append(opts, otlptracehttp.WithURLPath(target.path))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("observability: unsupported otlp protocol %q", target.protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("observability: %s span exporter: %w", target.protocol, err)
	}
	return exporter, nil
}

// otlpSchemes maps an endpoint URL scheme to its transport and default port.
var otlpSchemes = map[string]struct {
	protocol string
	insecure bool
	port     string
}{
	"grpc":  {"grpc", true, "4317"},
	"grpcs": {"grpc", false, "4317"},
	"http":  {"http", true, "4318"},
	"https": {"http", false, "4318"},
}

// resolveOTLPTarget parses an OTLP endpoint. A bare host or host:port means
// plaintext grpc.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return otlpTarget{}, errors.New("observability: empty otlp endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = "grpc://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("observability: otlp endpoint: %w", err)
	}
	scheme, ok := otlpSchemes[strings.ToLower(u.Scheme)]
	if !ok {
		return otlpTarget{}, fmt.Errorf("observability: unknown otlp scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return otlpTarget{}, errors.New("observability: otlp endpoint has no host")
	}
	endpoint := u.Host
	if u.Port() == "" {
		endpoint = net.JoinHostPort(u.Hostname(), scheme.port)
	}
	path := strings.TrimSuffix(u.Path, "/")
	return otlpTarget{
		protocol: scheme.protocol,
		endpoint: endpoint,
		path:     path,
		insecure: scheme.insecure,
	}, nil
}
