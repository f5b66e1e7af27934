package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/iTrooz/join-proxy/internal/config"
)

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{-1, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		assert.Contains(t, newSampler(tt.rate).Description(), tt.want, "rate %v", tt.rate)
	}
}

func TestSetupTracingWithUnreachableCollector(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	// Nothing listens there; the exporter connects lazily
	shutdown, err := SetupTracing(context.Background(), config.TracingConfig{
		Enabled:    true,
		Endpoint:   "127.0.0.1:1",
		SampleRate: 1,
	}, "test")
	require.NoError(t, err)
	assert.IsType(t, &sdktrace.TracerProvider{}, otel.GetTracerProvider())

	_, span := Tracer("test").Start(context.Background(), "fetch")
	assert.True(t, span.SpanContext().IsSampled())
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	_ = shutdown(ctx) // the export of the pending span fails
	assert.Less(t, time.Since(start), 3*time.Second)
}
