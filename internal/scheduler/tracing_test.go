package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/vrutkovs/ostbuild/internal/telemetry"
)

func TestTaskSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp, err := telemetry.NewProviderWithExporter(exp, "ostbuild-test", "dev")
	require.NoError(t, err)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	h := newHarness(t, resolveBuild(), Options{})

	require.NoError(t, h.m.PushTask("mirror", nil))
	h.exec.next(t).fail("boom")
	h.waitComplete(t)
	h.waitIdle(t)

	require.NoError(t, tp.ForceFlush(context.Background()))
	spans := exp.GetSpans()
	require.Len(t, spans, 1)

	sp := spans[0]
	assert.Equal(t, "ostbuild.task", sp.Name)
	assert.Equal(t, codes.Error, sp.Status.Code)
	assert.Equal(t, "boom", sp.Status.Description)
	assert.Contains(t, sp.Attributes, attribute.String("task.name", "mirror"))

	var names []string
	for _, ev := range sp.Events {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{"task.started", "task.failed"}, names)
}
