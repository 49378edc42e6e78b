// Package metrics implements the fabric metrics registry: counters, gauges,
// histograms and summaries with windowed aggregation over retained points.
package metrics

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/ids"
)

// Kind identifies the metric type.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
	KindSummary   Kind = "summary"
)

// Aggregation selects how Get folds the windowed sample.
type Aggregation string

const (
	AggSum   Aggregation = "sum"
	AggAvg   Aggregation = "avg"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
	AggCount Aggregation = "count"
	AggRate  Aggregation = "rate"
	AggP50   Aggregation = "p50"
	AggP95   Aggregation = "p95"
	AggP99   Aggregation = "p99"
)

// ErrUnknownMetric is returned when a metric name was never registered.
var ErrUnknownMetric = errors.New("unknown metric")

// Definition describes a registered metric.
type Definition struct {
	Name        string    `json:"name"`
	Kind        Kind      `json:"kind"`
	Description string    `json:"description"`
	Unit        string    `json:"unit"`
	LabelKeys   []string  `json:"label_keys"`
	Buckets     []float64 `json:"buckets,omitempty"` // histogram upper bounds, ascending
}

// Point is a single recorded observation.
type Point struct {
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

// series holds per-(name,labels) state.
type series struct {
	labels       map[string]string
	points       []Point
	sum          float64
	count        int64
	lastValue    float64
	bucketCounts []int64 // parallel to Definition.Buckets, non-cumulative at write
}

// Callback is invoked synchronously after a successful observe. Errors are
// logged and never propagated.
type Callback func(name string, value float64, labels map[string]string)

// Config tunes registry retention and bounds.
type Config struct {
	RetentionHours  int
	MaxPointsSeries int
	Namespace       string
}

// DefaultConfig returns registry defaults matching production use.
func DefaultConfig() Config {
	return Config{RetentionHours: 24, MaxPointsSeries: 10000, Namespace: "ai_agent"}
}

// Registry stores metric definitions and their series.
type Registry struct {
	mu        sync.RWMutex
	defs      map[string]*Definition
	series    map[string]map[string]*series // name -> labelKey -> series
	callbacks []Callback
	cfg       Config
	clock     ids.Clock
}

// NewRegistry creates a registry with the given config.
func NewRegistry(cfg Config) *Registry {
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = 24
	}
	if cfg.MaxPointsSeries <= 0 {
		cfg.MaxPointsSeries = 10000
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "ai_agent"
	}
	return &Registry{
		defs:   make(map[string]*Definition),
		series: make(map[string]map[string]*series),
		cfg:    cfg,
		clock:  ids.RealClock{},
	}
}

// SetClock replaces the clock (test hook).
func (r *Registry) SetClock(c ids.Clock) {
	r.mu.Lock()
	r.clock = c
	r.mu.Unlock()
}

// Register adds a metric definition. Re-registering the same name replaces the
// description but keeps existing series.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("metric name required")
	}
	if def.Kind == "" {
		def.Kind = KindGauge
	}
	if def.Kind == KindHistogram && len(def.Buckets) == 0 {
		def.Buckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	}
	for i := 1; i < len(def.Buckets); i++ {
		if def.Buckets[i] <= def.Buckets[i-1] {
			return fmt.Errorf("histogram buckets must be strictly increasing")
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = &def
	if _, ok := r.series[def.Name]; !ok {
		r.series[def.Name] = make(map[string]*series)
	}
	return nil
}

// RegisterCallback appends an observe callback.
func (r *Registry) RegisterCallback(cb Callback) {
	r.mu.Lock()
	r.callbacks = append(r.callbacks, cb)
	r.mu.Unlock()
}

// Increment adds delta to a counter. Negative deltas are rejected to keep
// counters monotonic per label tuple.
func (r *Registry) Increment(name string, delta float64, labels map[string]string) error {
	if delta < 0 {
		return fmt.Errorf("counter %s: negative delta %f", name, delta)
	}
	return r.record(name, delta, labels, true)
}

// Set records a gauge value.
func (r *Registry) Set(name string, value float64, labels map[string]string) error {
	return r.record(name, value, labels, false)
}

// Observe records a histogram/summary observation.
func (r *Registry) Observe(name string, value float64, labels map[string]string) error {
	return r.record(name, value, labels, false)
}

func (r *Registry) record(name string, value float64, labels map[string]string, cumulative bool) error {
	r.mu.Lock()
	def, ok := r.defs[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	key := labelKey(def.LabelKeys, labels)
	s, ok := r.series[name][key]
	if !ok {
		s = &series{labels: copyLabels(def.LabelKeys, labels)}
		if def.Kind == KindHistogram {
			s.bucketCounts = make([]int64, len(def.Buckets))
		}
		r.series[name][key] = s
	}

	now := r.clock.Now()
	recorded := value
	if cumulative {
		s.lastValue += value
		recorded = s.lastValue
	} else {
		s.lastValue = value
	}
	s.points = append(s.points, Point{Value: value, At: now})
	if len(s.points) > r.cfg.MaxPointsSeries {
		s.points = s.points[len(s.points)-r.cfg.MaxPointsSeries:]
	}
	s.sum += value
	s.count++
	if def.Kind == KindHistogram {
		for i, ub := range def.Buckets {
			if value <= ub {
				s.bucketCounts[i]++
				break
			}
		}
	}
	callbacks := r.callbacks
	r.mu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error().Str("metric", name).Interface("panic", rec).Msg("metric callback panicked")
				}
			}()
			cb(name, recorded, labels)
		}()
	}
	return nil
}

// Get aggregates the windowed sample for (name, labels).
func (r *Registry) Get(name string, labels map[string]string, agg Aggregation, windowSeconds int) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	s, ok := r.series[name][labelKey(def.LabelKeys, labels)]
	if !ok {
		return 0, nil
	}
	if windowSeconds <= 0 {
		windowSeconds = 300
	}
	cutoff := r.clock.Now().Add(-time.Duration(windowSeconds) * time.Second)
	sample := make([]float64, 0, len(s.points))
	for _, p := range s.points {
		if !p.At.Before(cutoff) {
			sample = append(sample, p.Value)
		}
	}
	if len(sample) == 0 {
		if agg == AggCount || agg == AggSum || agg == AggRate {
			return 0, nil
		}
		return s.lastValue, nil
	}

	switch agg {
	case AggSum:
		return fsum(sample), nil
	case AggAvg:
		return fsum(sample) / float64(len(sample)), nil
	case AggMin:
		return fmin(sample), nil
	case AggMax:
		return fmax(sample), nil
	case AggCount:
		return float64(len(sample)), nil
	case AggRate:
		return float64(len(sample)) / float64(windowSeconds), nil
	case AggP50:
		return percentile(sample, 0.50), nil
	case AggP95:
		return percentile(sample, 0.95), nil
	case AggP99:
		return percentile(sample, 0.99), nil
	default:
		return s.lastValue, nil
	}
}

// Current returns the most recent value for (name, labels) without windowing.
func (r *Registry) Current(name string, labels map[string]string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return 0, false
	}
	s, ok := r.series[name][labelKey(def.LabelKeys, labels)]
	if !ok {
		return 0, false
	}
	return s.lastValue, true
}

// Snapshot returns the latest value of every series keyed by
// "name" or "name{k=v,...}" for labeled series. The alert manager evaluates
// rules against this map.
func (r *Registry) Snapshot() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64)
	for name, byLabel := range r.series {
		for key, s := range byLabel {
			if key == "" {
				out[name] = s.lastValue
			} else {
				out[name+"{"+key+"}"] = s.lastValue
			}
		}
	}
	return out
}

// Definitions returns registered metric definitions sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StartSweeper drops points older than the retention horizon until ctx ends.
func (r *Registry) StartSweeper(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.clock.Now().Add(-time.Duration(r.cfg.RetentionHours) * time.Hour)
	dropped := 0
	for _, byLabel := range r.series {
		for _, s := range byLabel {
			idx := sort.Search(len(s.points), func(i int) bool { return !s.points[i].At.Before(cutoff) })
			if idx > 0 {
				dropped += idx
				s.points = append([]Point(nil), s.points[idx:]...)
			}
		}
	}
	if dropped > 0 {
		log.Debug().Int("points", dropped).Msg("metrics retention sweep")
	}
}

func labelKey(schema []string, labels map[string]string) string {
	if len(schema) == 0 {
		return ""
	}
	parts := make([]string, 0, len(schema))
	for _, k := range schema {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}

func copyLabels(schema []string, labels map[string]string) map[string]string {
	out := make(map[string]string, len(schema))
	for _, k := range schema {
		out[k] = labels[k]
	}
	return out
}

func fsum(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s
}

func fmin(v []float64) float64 {
	m := math.Inf(1)
	for _, x := range v {
		if x < m {
			m = x
		}
	}
	return m
}

func fmax(v []float64) float64 {
	m := math.Inf(-1)
	for _, x := range v {
		if x > m {
			m = x
		}
	}
	return m
}

// percentile sorts a copy of the windowed sample; no streaming estimator.
func percentile(sample []float64, p float64) float64 {
	s := append([]float64(nil), sample...)
	sort.Float64s(s)
	if len(s) == 1 {
		return s[0]
	}
	rank := p * float64(len(s)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return s[lo]
	}
	frac := rank - float64(lo)
	return s[lo]*(1-frac) + s[hi]*frac
}
