package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"
)

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TraceConfig{ServiceName: "test", Exporter: "none"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupTracingRejectsUnknownExporter(t *testing.T) {
	_, err := SetupTracing(context.Background(), TraceConfig{Exporter: "jaeger"}, nil)
	assert.ErrorContains(t, err, "unsupported trace exporter")
}

func TestSetupTracingOTLPNeedsEndpoint(t *testing.T) {
	_, err := SetupTracing(context.Background(), TraceConfig{Exporter: "otlp"}, nil)
	assert.ErrorContains(t, err, "requires endpoint")
}

func TestSamplerRatio(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}

func TestServiceAttrs(t *testing.T) {
	attrs := serviceAttrs(TraceConfig{ServiceName: "imageverse-api", ServiceVersion: "1.2.0", Environment: "staging"})
	require.Len(t, attrs, 3)
	assert.Equal(t, "imageverse-api", attrs[0].Value.AsString())
	assert.Len(t, serviceAttrs(TraceConfig{ServiceName: "x"}), 1)
}

func TestCarrierRoundTrip(t *testing.T) {
	_, err := SetupTracing(context.Background(), TraceConfig{Exporter: "none"}, nil)
	require.NoError(t, err)

	assert.Nil(t, Inject(context.Background()), "no span, nothing to carry")

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	parent := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	carrier := Inject(parent)
	require.Contains(t, carrier, "traceparent")

	got := trace.SpanContextFromContext(Extract(context.Background(), carrier))
	assert.Equal(t, traceID, got.TraceID())
	assert.True(t, got.IsRemote())
}
