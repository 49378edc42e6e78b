package trace

import (
	"fmt"
	"strings"
)

// Traceparent header per the W3C layout: 00-<trace_id>-<span_id>-<flags>.
// Flags 01 means sampled.

// RenderHeader serializes a span context into a traceparent header.
func RenderHeader(sc SpanContext) string {
	flags := "00"
	if sc.Sampled {
		flags = "01"
	}
	return fmt.Sprintf("00-%s-%s-%s", sc.TraceID, sc.SpanID, flags)
}

// ParseHeader parses a traceparent header back into a span context.
func ParseHeader(header string) (SpanContext, error) {
	parts := strings.Split(header, "-")
	if len(parts) != 4 {
		return SpanContext{}, fmt.Errorf("malformed traceparent %q", header)
	}
	if parts[0] != "00" {
		return SpanContext{}, fmt.Errorf("unsupported traceparent version %q", parts[0])
	}
	if len(parts[1]) != 32 || len(parts[2]) != 16 {
		return SpanContext{}, fmt.Errorf("traceparent id lengths invalid in %q", header)
	}
	return SpanContext{
		TraceID: parts[1],
		SpanID:  parts[2],
		Sampled: parts[3] == "01",
	}, nil
}
