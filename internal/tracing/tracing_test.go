package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestNewTracerProvider_Disabled(t *testing.T) {
	before := otel.GetTracerProvider()

	tp, err := NewTracerProvider(Config{})
	require.NoError(t, err)

	_, span := tp.Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, tp.Shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestNewTracerProvider_ExportsOnShutdown(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	var buf bytes.Buffer
	tp, err := NewTracerProvider(Config{Enabled: true, Writer: &buf})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "Reconcile")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, tp.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), `"Name":"Reconcile"`)
	assert.Contains(t, buf.String(), ServiceName)
}
