package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupTracing_Disabled(t *testing.T) {
	shutdown, err := SetupTracing(TracingConfig{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupTracing_ExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var out bytes.Buffer
	shutdown, err := SetupTracing(TracingConfig{Enabled: true, ServiceVersion: "test", NodeID: "n1", Output: &out})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "workflow workspace_create")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, out.String(), "workflow workspace_create")
	assert.Contains(t, out.String(), ServiceName)
}
