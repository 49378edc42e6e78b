package trace

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureExporter struct {
	spans []*Span
	fail  bool
}

func (c *captureExporter) Export(span *Span) error {
	if c.fail {
		return errors.New("export down")
	}
	c.spans = append(c.spans, span)
	return nil
}

func (c *captureExporter) Shutdown() error { return nil }

func TestSpanParentChildLinkage(t *testing.T) {
	tr := NewTracer(DefaultConfig())

	ctx, parent := tr.StartSpan(context.Background(), "parent")
	_, child := tr.StartSpan(ctx, "child")

	assert.Equal(t, parent.TraceID, child.TraceID)
	assert.Equal(t, parent.SpanID, child.ParentSpanID)
	assert.Len(t, parent.TraceID, 32)
	assert.Len(t, parent.SpanID, 16)

	child.End()
	parent.End()

	spans := tr.Trace(parent.TraceID)
	require.Len(t, spans, 2)
}

func TestSpanStatusOnEnd(t *testing.T) {
	cap := &captureExporter{}
	tr := NewTracer(Config{SampleRate: 1.0, MaxTraces: 10, Exporters: []Exporter{cap}})

	_, ok := tr.StartSpan(context.Background(), "ok")
	ok.End()
	require.Len(t, cap.spans, 1)
	assert.Equal(t, StatusOK, cap.spans[0].SpanStatus)

	_, bad := tr.StartSpan(context.Background(), "bad")
	bad.RecordError(errors.New("exploded"))
	bad.End()
	require.Len(t, cap.spans, 2)
	assert.Equal(t, StatusError, cap.spans[1].SpanStatus)
	assert.Equal(t, "exploded", cap.spans[1].Attributes["error.message"])
}

func TestEndIsIdempotent(t *testing.T) {
	cap := &captureExporter{}
	tr := NewTracer(Config{SampleRate: 1.0, MaxTraces: 10, Exporters: []Exporter{cap}})

	_, span := tr.StartSpan(context.Background(), "once")
	span.End()
	span.End()
	assert.Len(t, cap.spans, 1)
}

func TestUnsampledTraceDoesNotExport(t *testing.T) {
	cap := &captureExporter{}
	tr := NewTracer(Config{SampleRate: 0.0, MaxTraces: 10, Exporters: []Exporter{cap}})

	ctx, parent := tr.StartSpan(context.Background(), "parent")
	_, child := tr.StartSpan(ctx, "child")
	child.End()
	parent.End()

	assert.Empty(t, cap.spans)
	// Spans are still recorded locally.
	assert.Len(t, tr.Trace(parent.TraceID), 2)
}

func TestExporterErrorsAreSwallowed(t *testing.T) {
	tr := NewTracer(Config{SampleRate: 1.0, MaxTraces: 10, Exporters: []Exporter{&captureExporter{fail: true}}})
	_, span := tr.StartSpan(context.Background(), "x")
	span.End() // must not panic
}

func TestHeaderRoundTrip(t *testing.T) {
	sc := SpanContext{TraceID: "0123456789abcdef0123456789abcdef", SpanID: "0123456789abcdef", Sampled: true}
	parsed, err := ParseHeader(RenderHeader(sc))
	require.NoError(t, err)
	assert.Equal(t, sc.TraceID, parsed.TraceID)
	assert.Equal(t, sc.SpanID, parsed.SpanID)
	assert.True(t, parsed.Sampled)
}

func TestParseHeaderRejectsGarbage(t *testing.T) {
	for _, h := range []string{"", "00-short-ids-01", "ff-0123456789abcdef0123456789abcdef-0123456789abcdef-01", "nonsense"} {
		_, err := ParseHeader(h)
		assert.Error(t, err, h)
	}
}

func TestTraceEviction(t *testing.T) {
	tr := NewTracer(Config{SampleRate: 0, MaxTraces: 5})
	for i := 0; i < 20; i++ {
		_, span := tr.StartSpan(context.Background(), fmt.Sprintf("s%d", i))
		span.End()
	}
	assert.LessOrEqual(t, tr.TraceCount(), 5)
}
