package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracerExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracer("worker-dispatch-test", "node-1", &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "dispatcher.Dispatch")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "dispatcher.Dispatch")
	assert.Contains(t, buf.String(), "worker-dispatch-test")
}
