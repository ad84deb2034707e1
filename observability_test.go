package middlewared

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"

	"pkt.systems/pslog"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw  string
		want otlpTarget
	}{
		{"collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"collector:5317", otlpTarget{protocol: "grpc", endpoint: "collector:5317", insecure: true}},
		{"grpcs://collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317"}},
		{"http://collector", otlpTarget{protocol: "http", endpoint: "collector:4318", insecure: true}},
		{"https://collector:443/v1/traces/", otlpTarget{protocol: "http", endpoint: "collector:443", path: "/v1/traces"}},
		{" HTTP://collector ", otlpTarget{protocol: "http", endpoint: "collector:4318", insecure: true}},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("%q: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %+v want %+v", tc.raw, got, tc.want)
		}
	}
	for _, raw := range []string{"", "udp://collector", "http://"} {
		if _, err := resolveOTLPTarget(raw); err == nil {
			t.Fatalf("%q: expected error", raw)
		}
	}
}

func TestObservabilityDisabled(t *testing.T) {
	obs, err := setupObservability(context.Background(), observabilityConfig{}, nil)
	if err != nil || obs != nil {
		t.Fatalf("expected no outputs, got %v %v", obs, err)
	}
	if err := obs.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
	if _, err := setupObservability(context.Background(), observabilityConfig{RuntimeMetrics: true}, nil); err == nil {
		t.Fatal("expected runtime metrics without a listener to fail")
	}
}

func TestObservabilitySharedDebugListener(t *testing.T) {
	t.Cleanup(func() { otel.SetMeterProvider(noop.NewMeterProvider()) })
	obs, err := setupObservability(context.Background(), observabilityConfig{
		MetricsListen: "127.0.0.1:0",
		PprofListen:   "127.0.0.1:0",
		Hostname:      "nas01",
		Node:          "A",
	}, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	if obs.metricsAddr == "" || obs.metricsAddr != obs.pprofAddr {
		t.Fatalf("expected one listener for metrics and pprof, got %q and %q", obs.metricsAddr, obs.pprofAddr)
	}

	hist, err := otel.Meter("pkt.systems/middlewared/rpc").Float64Histogram("middlewared.rpc.duration")
	if err != nil {
		t.Fatalf("histogram: %v", err)
	}
	hist.Record(context.Background(), 0.002)

	body := httpGet(t, "http://"+obs.metricsAddr+"/metrics")
	for _, want := range []string{"middlewared_rpc_duration", `le="0.0025"`, `service_name="middlewared"`, `host_name="nas01"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %s:\n%s", want, body)
		}
	}
	if body := httpGet(t, "http://"+obs.pprofAddr+"/debug/pprof/"); !strings.Contains(body, "goroutine") {
		t.Fatalf("unexpected pprof index: %s", body)
	}
}

func httpGet(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	return string(data)
}
