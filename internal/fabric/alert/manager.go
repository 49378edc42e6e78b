// Package alert implements rule-based alerting over metric snapshots with
// duration gating, silences, z-score anomaly alerts, and resilient notifier
// dispatch.
package alert

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/ids"
)

// Comparison is the rule operator.
type Comparison string

const (
	CompGT  Comparison = "gt"
	CompLT  Comparison = "lt"
	CompGTE Comparison = "gte"
	CompLTE Comparison = "lte"
	CompEQ  Comparison = "eq"
	CompNEQ Comparison = "neq"
)

// Severity ranks alert importance.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// State is the alert lifecycle phase.
type State string

const (
	StatePending  State = "pending"
	StateFiring   State = "firing"
	StateResolved State = "resolved"
	StateSilenced State = "silenced"
)

// Rule declares a threshold condition over a metric.
type Rule struct {
	Name            string            `json:"name"`
	MetricName      string            `json:"metric_name"`
	Comparison      Comparison        `json:"comparison"`
	Threshold       float64           `json:"threshold"`
	Severity        Severity          `json:"severity"`
	DurationSeconds int               `json:"duration_seconds"`
	Labels          map[string]string `json:"labels,omitempty"`
	Enabled         bool              `json:"enabled"`
	AnomalyDetect   bool              `json:"anomaly_detect"`
}

// Alert is a rule instance moving through the lifecycle.
type Alert struct {
	ID          string            `json:"id"`
	RuleName    string            `json:"rule_name"`
	MetricName  string            `json:"metric_name"`
	Value       float64           `json:"value"`
	Threshold   float64           `json:"threshold"`
	Severity    Severity          `json:"severity"`
	State       State             `json:"state"`
	Labels      map[string]string `json:"labels,omitempty"`
	Message     string            `json:"message"`
	FiringSince time.Time         `json:"firing_since,omitempty"`
	FiredAt     time.Time         `json:"fired_at,omitempty"`
	ResolvedAt  time.Time         `json:"resolved_at,omitempty"`
}

// Notifier delivers a firing alert. Failures never block evaluation.
type Notifier interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

type silence struct {
	until time.Time
}

// Config tunes the alert manager.
type Config struct {
	AnomalyWindow     int     // rolling history per metric (default 100)
	AnomalyThreshold  float64 // |z| cutoff (default 3)
	AnomalyMinSamples int     // minimum history before z-score applies (default 10)
	HistoryLimit      int     // resolved alert history cap (default 500)
	NotifyRatePerSec  float64 // notifier dispatch rate limit (default 10)
}

// DefaultConfig returns manager defaults.
func DefaultConfig() Config {
	return Config{
		AnomalyWindow:     100,
		AnomalyThreshold:  3.0,
		AnomalyMinSamples: 10,
		HistoryLimit:      500,
		NotifyRatePerSec:  10,
	}
}

// Stats tracks manager counters.
type Stats struct {
	Evaluations       int64 `json:"evaluations"`
	NotificationsSent int64 `json:"notifications_sent"`
	NotifyFailures    int64 `json:"notify_failures"`
	AnomaliesEmitted  int64 `json:"anomalies_emitted"`
}

// Manager evaluates rules against metric snapshots.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	rules     map[string]*Rule
	active    map[string]*Alert // rule name -> active alert
	history   []Alert
	silences  map[string]silence // rule name -> silence
	metricLog map[string][]float64
	notify    *dispatcher
	clock     ids.Clock
	stats     Stats
}

// NewManager creates an alert manager.
func NewManager(cfg Config) *Manager {
	if cfg.AnomalyWindow <= 0 {
		cfg.AnomalyWindow = 100
	}
	if cfg.AnomalyThreshold <= 0 {
		cfg.AnomalyThreshold = 3.0
	}
	if cfg.AnomalyMinSamples <= 0 {
		cfg.AnomalyMinSamples = 10
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 500
	}
	return &Manager{
		cfg:       cfg,
		rules:     make(map[string]*Rule),
		active:    make(map[string]*Alert),
		silences:  make(map[string]silence),
		metricLog: make(map[string][]float64),
		notify:    newDispatcher(cfg.NotifyRatePerSec),
		clock:     ids.RealClock{},
	}
}

// SetClock replaces the clock (test hook).
func (m *Manager) SetClock(c ids.Clock) {
	m.mu.Lock()
	m.clock = c
	m.mu.Unlock()
}

// AddRule registers or replaces a rule.
func (m *Manager) AddRule(rule Rule) error {
	if rule.Name == "" || rule.MetricName == "" {
		return fmt.Errorf("rule name and metric_name required")
	}
	switch rule.Comparison {
	case CompGT, CompLT, CompGTE, CompLTE, CompEQ, CompNEQ:
	default:
		return fmt.Errorf("unknown comparison %q", rule.Comparison)
	}
	m.mu.Lock()
	m.rules[rule.Name] = &rule
	m.mu.Unlock()
	return nil
}

// RemoveRule deletes a rule and any active alert on it.
func (m *Manager) RemoveRule(name string) {
	m.mu.Lock()
	delete(m.rules, name)
	delete(m.active, name)
	m.mu.Unlock()
}

// AddNotifier appends a notifier wrapped in a circuit breaker.
func (m *Manager) AddNotifier(n Notifier) {
	m.notify.add(n)
}

// Silence suppresses a rule for the given duration and forces its active
// alert into the silenced state.
func (m *Manager) Silence(ruleName string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silences[ruleName] = silence{until: m.clock.Now().Add(d)}
	if a, ok := m.active[ruleName]; ok {
		a.State = StateSilenced
	}
}

// Evaluate runs every enabled rule against the snapshot. Transitions:
// condition holds -> pending (stamp firing_since); held for duration ->
// firing + notify once; condition fails while firing -> resolved, moved to
// history.
func (m *Manager) Evaluate(ctx context.Context, snapshot map[string]float64) {
	m.mu.Lock()
	now := m.clock.Now()
	m.stats.Evaluations++

	var toNotify []Alert
	for name, rule := range m.rules {
		if !rule.Enabled {
			continue
		}
		value, present := snapshot[rule.MetricName]
		if !present {
			continue
		}

		if rule.AnomalyDetect {
			if a, ok := m.checkAnomaly(rule.MetricName, value, now); ok {
				m.stats.AnomaliesEmitted++
				toNotify = append(toNotify, a)
			}
		}
		m.pushHistory(rule.MetricName, value)

		silenced := false
		if s, ok := m.silences[name]; ok {
			if now.Before(s.until) {
				silenced = true
			} else {
				delete(m.silences, name)
			}
		}

		holds := compare(value, rule.Comparison, rule.Threshold)
		activeAlert, isActive := m.active[name]

		switch {
		case holds && !isActive:
			a := &Alert{
				ID:          ids.NewMessageID(),
				RuleName:    name,
				MetricName:  rule.MetricName,
				Value:       value,
				Threshold:   rule.Threshold,
				Severity:    rule.Severity,
				State:       StatePending,
				Labels:      rule.Labels,
				Message:     fmt.Sprintf("%s %s %g (value %g)", rule.MetricName, rule.Comparison, rule.Threshold, value),
				FiringSince: now,
			}
			if silenced {
				a.State = StateSilenced
			}
			m.active[name] = a
			// Zero duration fires on the same evaluation.
			if !silenced && rule.DurationSeconds <= 0 {
				a.State = StateFiring
				a.FiredAt = now
				toNotify = append(toNotify, *a)
			}

		case holds && isActive:
			activeAlert.Value = value
			if silenced {
				activeAlert.State = StateSilenced
				break
			}
			if activeAlert.State == StateSilenced {
				activeAlert.State = StatePending
			}
			held := now.Sub(activeAlert.FiringSince) >= time.Duration(rule.DurationSeconds)*time.Second
			if activeAlert.State == StatePending && held {
				activeAlert.State = StateFiring
				activeAlert.FiredAt = now
				toNotify = append(toNotify, *activeAlert)
			}

		case !holds && isActive:
			activeAlert.State = StateResolved
			activeAlert.ResolvedAt = now
			m.history = append(m.history, *activeAlert)
			if len(m.history) > m.cfg.HistoryLimit {
				m.history = m.history[len(m.history)-m.cfg.HistoryLimit:]
			}
			delete(m.active, name)
		}
	}
	m.mu.Unlock()

	for _, a := range toNotify {
		sent, failed := m.notify.dispatch(ctx, a)
		m.mu.Lock()
		m.stats.NotificationsSent += sent
		m.stats.NotifyFailures += failed
		m.mu.Unlock()
	}
}

// checkAnomaly emits a synthetic warning alert on |z| above threshold.
// Caller holds m.mu.
func (m *Manager) checkAnomaly(metric string, value float64, now time.Time) (Alert, bool) {
	hist := m.metricLog[metric]
	if len(hist) < m.cfg.AnomalyMinSamples {
		return Alert{}, false
	}
	mean := 0.0
	for _, v := range hist {
		mean += v
	}
	mean /= float64(len(hist))
	variance := 0.0
	for _, v := range hist {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(hist))
	std := math.Sqrt(variance)
	if std == 0 {
		return Alert{}, false
	}
	z := (value - mean) / std
	if math.Abs(z) <= m.cfg.AnomalyThreshold {
		return Alert{}, false
	}
	return Alert{
		ID:         ids.NewMessageID(),
		RuleName:   "anomaly:" + metric,
		MetricName: metric,
		Value:      value,
		Severity:   SeverityWarning,
		State:      StateFiring,
		Labels:     map[string]string{"type": "anomaly", "metric": metric},
		Message:    fmt.Sprintf("z-score anomaly on %s: z=%.2f", metric, z),
		FiredAt:    now,
	}, true
}

func (m *Manager) pushHistory(metric string, value float64) {
	hist := append(m.metricLog[metric], value)
	if len(hist) > m.cfg.AnomalyWindow {
		hist = hist[len(hist)-m.cfg.AnomalyWindow:]
	}
	m.metricLog[metric] = hist
}

// Active returns a copy of currently active alerts.
func (m *Manager) Active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	return out
}

// History returns resolved alerts, newest last.
func (m *Manager) History() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.history...)
}

// Stats returns a copy of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func compare(value float64, op Comparison, threshold float64) bool {
	switch op {
	case CompGT:
		return value > threshold
	case CompLT:
		return value < threshold
	case CompGTE:
		return value >= threshold
	case CompLTE:
		return value <= threshold
	case CompEQ:
		return value == threshold
	case CompNEQ:
		return value != threshold
	default:
		return false
	}
}
