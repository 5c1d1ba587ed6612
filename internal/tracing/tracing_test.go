package tracing

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitWithExporter(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	shutdown, err := InitWithExporter("sparkify", "test", exporter)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "Stage_events")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "Stage_events", spans[0].Name)
}

func TestInitFile(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "spans.json")
	shutdown, err := Init("sparkify", "test", fname)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "run final_project")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	data, err := os.ReadFile(fname)
	require.NoError(t, err)
	assert.Contains(t, string(data), "run final_project")
}
