package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	require.NoError(t, InitWithExporter("worktree-orch", "test", exporter))

	ctx, run := StartSpan(context.Background(), "run")
	run.WithAttributes(map[string]string{"run.id": "r1"})
	_, task := StartSpan(ctx, "task")
	EndSpan(task, errors.New("exit status 1"))
	EndSpan(run, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "task", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
	assert.Equal(t, codes.Ok, spans[1].Status.Code)
}

func TestEndSpanNil(t *testing.T) {
	assert.NotPanics(t, func() { EndSpan(nil, errors.New("x")) })
}
