// Package trace implements the fabric tracer: span trees, explicit context
// propagation, sampled export through pluggable exporters.
package trace

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/ids"
)

// Kind classifies a span's role.
type Kind string

const (
	KindInternal Kind = "internal"
	KindClient   Kind = "client"
	KindServer   Kind = "server"
	KindProducer Kind = "producer"
	KindConsumer Kind = "consumer"
)

// Status is the span outcome.
type Status string

const (
	StatusUnset Status = "unset"
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Event is a timestamped annotation on a span.
type Event struct {
	Name       string         `json:"name"`
	At         time.Time      `json:"at"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Span is a single timed operation within a trace.
type Span struct {
	mu            sync.Mutex
	tracer        *Tracer
	Name          string         `json:"name"`
	TraceID       string         `json:"trace_id"`
	SpanID        string         `json:"span_id"`
	ParentSpanID  string         `json:"parent_span_id,omitempty"`
	SpanKind      Kind           `json:"kind"`
	SpanStatus    Status         `json:"status"`
	StatusMessage string         `json:"status_message,omitempty"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       time.Time      `json:"end_time"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Events        []Event        `json:"events,omitempty"`
	sampled       bool
	ended         bool
}

// Duration returns end minus start, zero until the span ends.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// SetAttribute records a key/value attribute.
func (s *Span) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Attributes == nil {
		s.Attributes = make(map[string]any)
	}
	s.Attributes[key] = value
}

// AddEvent appends a timestamped event.
func (s *Span) AddEvent(name string, attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, Event{Name: name, At: s.tracer.clock.Now(), Attributes: attrs})
}

// SetStatus overrides the span status.
func (s *Span) SetStatus(status Status, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SpanStatus = status
	s.StatusMessage = message
}

// RecordError marks the span failed and stamps error attributes.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SpanStatus = StatusError
	s.StatusMessage = err.Error()
	if s.Attributes == nil {
		s.Attributes = make(map[string]any)
	}
	s.Attributes["error.type"] = "error"
	s.Attributes["error.message"] = err.Error()
}

// End stamps the end time, defaults status to ok, and exports when sampled.
// Idempotent.
func (s *Span) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.EndTime = s.tracer.clock.Now()
	if s.SpanStatus == StatusUnset {
		s.SpanStatus = StatusOK
	}
	s.mu.Unlock()
	s.tracer.finish(s)
}

// SpanContext carries the identifiers needed for propagation.
type SpanContext struct {
	TraceID string
	SpanID  string
	Sampled bool
}

type ctxKey struct{}

// ContextWithSpan stores a span context in ctx.
func ContextWithSpan(ctx context.Context, sc SpanContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, sc)
}

// SpanFromContext extracts the active span context.
func SpanFromContext(ctx context.Context) (SpanContext, bool) {
	sc, ok := ctx.Value(ctxKey{}).(SpanContext)
	return sc, ok
}

// Exporter receives ended spans. Errors are logged, never propagated.
type Exporter interface {
	Export(span *Span) error
	Shutdown() error
}

// Config tunes the tracer.
type Config struct {
	SampleRate float64 // per-trace decision in [0,1]
	MaxTraces  int
	Exporters  []Exporter
}

// DefaultConfig samples everything with a bounded trace store.
func DefaultConfig() Config {
	return Config{SampleRate: 1.0, MaxTraces: 1000}
}

type traceEntry struct {
	spans   []*Span
	started time.Time
	sampled bool
}

// Tracer creates and stores spans.
type Tracer struct {
	mu        sync.Mutex
	cfg       Config
	traces    map[string]*traceEntry
	exporters []Exporter
	clock     ids.Clock
	rng       *rand.Rand
}

// NewTracer creates a tracer with the given config.
func NewTracer(cfg Config) *Tracer {
	if cfg.MaxTraces <= 0 {
		cfg.MaxTraces = 1000
	}
	if cfg.SampleRate < 0 {
		cfg.SampleRate = 0
	}
	if cfg.SampleRate > 1 {
		cfg.SampleRate = 1
	}
	return &Tracer{
		cfg:       cfg,
		traces:    make(map[string]*traceEntry),
		exporters: cfg.Exporters,
		clock:     ids.RealClock{},
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetClock replaces the clock (test hook).
func (t *Tracer) SetClock(c ids.Clock) {
	t.mu.Lock()
	t.clock = c
	t.mu.Unlock()
}

// StartOption configures a new span.
type StartOption func(*Span)

// WithKind sets the span kind.
func WithKind(k Kind) StartOption {
	return func(s *Span) { s.SpanKind = k }
}

// WithAttributes seeds span attributes.
func WithAttributes(attrs map[string]any) StartOption {
	return func(s *Span) {
		if s.Attributes == nil {
			s.Attributes = make(map[string]any, len(attrs))
		}
		for k, v := range attrs {
			s.Attributes[k] = v
		}
	}
}

// StartSpan begins a span. Parent resolution: span context already in ctx,
// else a new trace with a fresh sampling decision. The returned context
// carries the new span for children.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...StartOption) (context.Context, *Span) {
	t.mu.Lock()

	var traceID, parentID string
	var sampled bool
	if sc, ok := SpanFromContext(ctx); ok && sc.TraceID != "" {
		traceID = sc.TraceID
		parentID = sc.SpanID
		if entry, found := t.traces[traceID]; found {
			sampled = entry.sampled
		} else {
			sampled = sc.Sampled
		}
	} else {
		traceID = ids.NewTraceID()
		sampled = t.rng.Float64() < t.cfg.SampleRate
	}

	span := &Span{
		tracer:       t,
		Name:         name,
		TraceID:      traceID,
		SpanID:       ids.NewSpanID(),
		ParentSpanID: parentID,
		SpanKind:     KindInternal,
		SpanStatus:   StatusUnset,
		StartTime:    t.clock.Now(),
		sampled:      sampled,
	}
	for _, opt := range opts {
		opt(span)
	}

	entry, ok := t.traces[traceID]
	if !ok {
		entry = &traceEntry{started: span.StartTime, sampled: sampled}
		t.traces[traceID] = entry
		t.evictLocked()
	}
	entry.spans = append(entry.spans, span)
	t.mu.Unlock()

	return ContextWithSpan(ctx, SpanContext{TraceID: traceID, SpanID: span.SpanID, Sampled: sampled}), span
}

// Trace returns all spans recorded for a trace id.
func (t *Tracer) Trace(traceID string) []*Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.traces[traceID]
	if !ok {
		return nil
	}
	return append([]*Span(nil), entry.spans...)
}

// TraceCount returns the number of retained traces.
func (t *Tracer) TraceCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.traces)
}

func (t *Tracer) finish(s *Span) {
	if !s.sampled {
		return
	}
	t.mu.Lock()
	exporters := append([]Exporter(nil), t.exporters...)
	t.mu.Unlock()
	for _, e := range exporters {
		if err := e.Export(s); err != nil {
			log.Warn().Err(err).Str("span", s.Name).Msg("span export failed")
		}
	}
}

// evictLocked drops the oldest traces above MaxTraces. Caller holds t.mu.
func (t *Tracer) evictLocked() {
	if len(t.traces) <= t.cfg.MaxTraces {
		return
	}
	type aged struct {
		id      string
		started time.Time
	}
	all := make([]aged, 0, len(t.traces))
	for id, e := range t.traces {
		all = append(all, aged{id, e.started})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].started.Before(all[j].started) })
	for i := 0; len(t.traces) > t.cfg.MaxTraces && i < len(all); i++ {
		delete(t.traces, all[i].id)
	}
}

// Shutdown flushes every exporter.
func (t *Tracer) Shutdown() {
	t.mu.Lock()
	exporters := append([]Exporter(nil), t.exporters...)
	t.mu.Unlock()
	for _, e := range exporters {
		if err := e.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("exporter shutdown failed")
		}
	}
}
