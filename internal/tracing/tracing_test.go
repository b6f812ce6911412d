package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

func TestNew_DisabledIsNoop(t *testing.T) {
	p, err := New(context.Background(), Config{})
	require.NoError(t, err)
	assert.False(t, p.Enabled())

	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewWithExporter_ExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	exp := tracetest.NewInMemoryExporter()
	p, err := NewWithExporter(context.Background(), Config{Enabled: true, Version: "1.2.3"}, exp)
	require.NoError(t, err)
	assert.True(t, p.Enabled())
	assert.Same(t, p.TracerProvider(), otel.GetTracerProvider(), "installed globally")

	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "decision.decide")
	span.End()
	require.NoError(t, p.sdk.ForceFlush(context.Background()))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "decision.decide", spans[0].Name)
	attrs := spans[0].Resource.Attributes()
	assert.Contains(t, attrs, semconv.ServiceName(ServiceName))
	assert.Contains(t, attrs, semconv.ServiceVersion("1.2.3"))
	assert.NoError(t, p.Shutdown(context.Background()))
}
