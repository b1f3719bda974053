package telemetry

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// NewProviderWithExporter builds the provider Setup would install around exporter, so tests in
// other packages can capture spans with an in-memory exporter.
func NewProviderWithExporter(exporter sdktrace.SpanExporter, service, version string) (*sdktrace.TracerProvider, error) {
	return newProvider(exporter, service, version)
}
