// Package anomaly implements statistical anomaly detectors over metric value
// series: z-score, IQR, moving-average deviation, a percentile-based
// isolation-forest substitute, and a majority-vote ensemble.
package anomaly

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// DetectorType selects the detection algorithm.
type DetectorType string

const (
	DetectorZScore          DetectorType = "zscore"
	DetectorIQR             DetectorType = "iqr"
	DetectorMovingAverage   DetectorType = "moving_average"
	DetectorIsolationForest DetectorType = "isolation_forest"
	DetectorEnsemble        DetectorType = "ensemble"
)

// Severity classifies anomaly strength from the absolute score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Anomaly is a flagged index in the input series.
type Anomaly struct {
	Index      int          `json:"index"`
	Value      float64      `json:"value"`
	Score      float64      `json:"score"`
	Severity   Severity     `json:"severity"`
	Confidence float64      `json:"confidence"`
	Detector   DetectorType `json:"detector"`
}

// model holds per-metric trained statistics.
type model struct {
	mean   float64
	std    float64
	q1     float64
	q3     float64
	p01    float64
	p99    float64
	window int
}

// Config tunes the detector thresholds.
type Config struct {
	ZThreshold     float64 // z-score cutoff (default 3)
	IQRMultiplier  float64 // Tukey fence multiplier (default 1.5)
	MAWindow       int     // moving-average window (default 10)
	MADeviation    float64 // deviation cutoff in rolling stds (default 3)
	EnsembleQuorum float64 // fraction of voters required (default 0.5)
	MinSamples     int     // minimum training sample (default 10)
}

// DefaultConfig returns production detector thresholds.
func DefaultConfig() Config {
	return Config{
		ZThreshold:     3.0,
		IQRMultiplier:  1.5,
		MAWindow:       10,
		MADeviation:    3.0,
		EnsembleQuorum: 0.5,
		MinSamples:     10,
	}
}

// Detector lazily trains per-metric models and flags anomalies.
type Detector struct {
	mu     sync.RWMutex
	cfg    Config
	models map[string]*model
}

// NewDetector creates a detector with the given config.
func NewDetector(cfg Config) *Detector {
	if cfg.ZThreshold <= 0 {
		cfg.ZThreshold = 3.0
	}
	if cfg.IQRMultiplier <= 0 {
		cfg.IQRMultiplier = 1.5
	}
	if cfg.MAWindow <= 1 {
		cfg.MAWindow = 10
	}
	if cfg.MADeviation <= 0 {
		cfg.MADeviation = 3.0
	}
	if cfg.EnsembleQuorum <= 0 {
		cfg.EnsembleQuorum = 0.5
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	return &Detector{cfg: cfg, models: make(map[string]*model)}
}

// Train fits the per-metric model on a history sample.
func (d *Detector) Train(metric string, values []float64) error {
	if len(values) < d.cfg.MinSamples {
		return fmt.Errorf("train %s: need at least %d samples, got %d", metric, d.cfg.MinSamples, len(values))
	}
	m := fit(values, d.cfg.MAWindow)
	d.mu.Lock()
	d.models[metric] = m
	d.mu.Unlock()
	return nil
}

// Trained reports whether a model exists for the metric.
func (d *Detector) Trained(metric string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.models[metric]
	return ok
}

// Detect flags anomalous indices in values. When no prior Train call occurred
// the model is fitted on the supplied values themselves.
func (d *Detector) Detect(metric string, values []float64, detector DetectorType) ([]Anomaly, error) {
	if len(values) == 0 {
		return nil, nil
	}
	if detector == "" {
		detector = DetectorEnsemble
	}

	d.mu.RLock()
	m, ok := d.models[metric]
	d.mu.RUnlock()
	if !ok {
		if len(values) < d.cfg.MinSamples {
			return nil, nil
		}
		m = fit(values, d.cfg.MAWindow)
		d.mu.Lock()
		d.models[metric] = m
		d.mu.Unlock()
	}

	switch detector {
	case DetectorZScore:
		return d.zscore(m, values), nil
	case DetectorIQR:
		return d.iqr(m, values), nil
	case DetectorMovingAverage:
		return d.movingAverage(values), nil
	case DetectorIsolationForest:
		return d.isolationFallback(m, values), nil
	case DetectorEnsemble:
		return d.ensemble(m, values), nil
	default:
		return nil, fmt.Errorf("unknown detector %q", detector)
	}
}

func (d *Detector) zscore(m *model, values []float64) []Anomaly {
	if m.std == 0 {
		return nil
	}
	var out []Anomaly
	for i, v := range values {
		z := (v - m.mean) / m.std
		if math.Abs(z) > d.cfg.ZThreshold {
			out = append(out, mkAnomaly(i, v, z, DetectorZScore))
		}
	}
	return out
}

func (d *Detector) iqr(m *model, values []float64) []Anomaly {
	iqr := m.q3 - m.q1
	if iqr == 0 {
		return nil
	}
	lo := m.q1 - d.cfg.IQRMultiplier*iqr
	hi := m.q3 + d.cfg.IQRMultiplier*iqr
	var out []Anomaly
	for i, v := range values {
		if v < lo || v > hi {
			// Score as distance beyond the fence in IQR units.
			var score float64
			if v < lo {
				score = -(lo - v) / iqr
			} else {
				score = (v - hi) / iqr
			}
			out = append(out, mkAnomaly(i, v, score+math.Copysign(d.cfg.IQRMultiplier, score), DetectorIQR))
		}
	}
	return out
}

// movingAverage flags points deviating from the Wilder-smoothed rolling mean
// by more than MADeviation rolling standard deviations.
func (d *Detector) movingAverage(values []float64) []Anomaly {
	w := d.cfg.MAWindow
	if len(values) <= w {
		return nil
	}
	var out []Anomaly
	alpha := 1.0 / float64(w)
	ma := values[0]
	varAcc := 0.0
	for i := 1; i < len(values); i++ {
		diff := values[i] - ma
		std := math.Sqrt(varAcc)
		if i >= w && std > 0 {
			score := diff / std
			if math.Abs(score) > d.cfg.MADeviation {
				out = append(out, mkAnomaly(i, values[i], score, DetectorMovingAverage))
			}
		}
		ma = ma*(1-alpha) + values[i]*alpha
		varAcc = varAcc*(1-alpha) + diff*diff*alpha
	}
	return out
}

// isolationFallback substitutes a real isolation forest with extreme
// percentile isolation. Contract: same shape of output, degraded fidelity.
func (d *Detector) isolationFallback(m *model, values []float64) []Anomaly {
	var out []Anomaly
	span := m.p99 - m.p01
	if span == 0 {
		return nil
	}
	for i, v := range values {
		if v < m.p01 || v > m.p99 {
			var score float64
			if v > m.p99 {
				score = 2 + 3*(v-m.p99)/span
			} else {
				score = -(2 + 3*(m.p01-v)/span)
			}
			out = append(out, mkAnomaly(i, v, score, DetectorIsolationForest))
		}
	}
	return out
}

// ensemble majority-votes z-score, IQR and moving-average. An index is
// anomalous when at least quorum of the voters flag it; the reported score is
// the largest-magnitude voter score.
func (d *Detector) ensemble(m *model, values []float64) []Anomaly {
	voters := [][]Anomaly{
		d.zscore(m, values),
		d.iqr(m, values),
		d.movingAverage(values),
	}
	votes := make(map[int]int)
	best := make(map[int]Anomaly)
	for _, found := range voters {
		for _, a := range found {
			votes[a.Index]++
			if prev, ok := best[a.Index]; !ok || math.Abs(a.Score) > math.Abs(prev.Score) {
				best[a.Index] = a
			}
		}
	}
	need := int(math.Ceil(d.cfg.EnsembleQuorum * float64(len(voters))))
	if need < 1 {
		need = 1
	}
	var out []Anomaly
	for idx, n := range votes {
		if n >= need {
			a := best[idx]
			a.Detector = DetectorEnsemble
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func mkAnomaly(index int, value, score float64, det DetectorType) Anomaly {
	return Anomaly{
		Index:      index,
		Value:      value,
		Score:      score,
		Severity:   classify(math.Abs(score)),
		Confidence: clamp01(math.Abs(score) / 5.0),
		Detector:   det,
	}
}

func classify(abs float64) Severity {
	switch {
	case abs >= 5:
		return SeverityCritical
	case abs >= 4:
		return SeverityHigh
	case abs >= 3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func fit(values []float64, window int) *model {
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	if len(values) > 1 {
		variance /= float64(len(values) - 1)
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	return &model{
		mean:   mean,
		std:    math.Sqrt(variance),
		q1:     quantile(sorted, 0.25),
		q3:     quantile(sorted, 0.75),
		p01:    quantile(sorted, 0.01),
		p99:    quantile(sorted, 0.99),
		window: window,
	}
}

// quantile expects a sorted slice.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := q * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
