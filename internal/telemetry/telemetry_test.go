package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/vrutkovs/ostbuild/internal/model"
)

func TestSetup_DisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), model.TelemetryConfig{}, "dev")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetup_RequiresServiceName(t *testing.T) {
	if _, err := Setup(context.Background(), model.TelemetryConfig{Enabled: true}, "dev"); err == nil {
		t.Fatal("expected error without service name")
	}
}

func TestExporterOptions(t *testing.T) {
	cases := []struct {
		endpoint string
		want     int
		wantErr  bool
	}{
		{endpoint: "", want: 2},
		{endpoint: "collector:4318", want: 2},
		{endpoint: "https://collector:4318", want: 1},
		{endpoint: "https://collector:4318/custom/traces", want: 2},
		{endpoint: "http://", wantErr: true},
	}
	for _, tc := range cases {
		opts, err := exporterOptions(model.TelemetryConfig{Endpoint: tc.endpoint})
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tc.endpoint)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.endpoint, err)
			continue
		}
		if len(opts) != tc.want {
			t.Errorf("%q: got %d options, want %d", tc.endpoint, len(opts), tc.want)
		}
	}
}

func TestNewProvider_EmitsSpansWithResource(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp, err := newProvider(exp, "ostbuild-test", "v1")
	if err != nil {
		t.Fatalf("newProvider: %v", err)
	}

	_, sp := tp.Tracer("test").Start(context.Background(), "ostbuild.task")
	sp.End()
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "ostbuild.task" {
		t.Fatalf("unexpected spans %+v", spans)
	}
	found := false
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == attribute.Key("service.name") && kv.Value.AsString() == "ostbuild-test" {
			found = true
		}
	}
	if !found {
		t.Error("expected service.name resource attribute")
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
