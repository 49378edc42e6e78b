package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/ids"
)

type memNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (n *memNotifier) Name() string { return "mem" }

func (n *memNotifier) Send(_ context.Context, a Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *memNotifier) received() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Alert(nil), n.alerts...)
}

func newTestManager(t *testing.T, at time.Time) *Manager {
	t.Helper()
	m := NewManager(DefaultConfig())
	m.SetClock(ids.FixedClock{T: at})
	return m
}

func TestImmediateFiring(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := newTestManager(t, now)
	n := &memNotifier{}
	m.AddNotifier(n)

	require.NoError(t, m.AddRule(Rule{
		Name: "high-cpu", MetricName: "cpu", Comparison: CompGT,
		Threshold: 80, Severity: SeverityError, Enabled: true,
	}))

	m.Evaluate(context.Background(), map[string]float64{"cpu": 95})

	active := m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, StateFiring, active[0].State)
	require.Len(t, n.received(), 1)
	assert.Equal(t, int64(1), m.Stats().NotificationsSent)
}

func TestDurationGating(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := newTestManager(t, base)
	n := &memNotifier{}
	m.AddNotifier(n)

	require.NoError(t, m.AddRule(Rule{
		Name: "slow-burn", MetricName: "lag", Comparison: CompGTE,
		Threshold: 10, Severity: SeverityWarning, DurationSeconds: 60, Enabled: true,
	}))

	m.Evaluate(context.Background(), map[string]float64{"lag": 15})
	require.Len(t, m.Active(), 1)
	assert.Equal(t, StatePending, m.Active()[0].State)
	assert.Empty(t, n.received())

	// Still inside the duration window.
	m.SetClock(ids.FixedClock{T: base.Add(30 * time.Second)})
	m.Evaluate(context.Background(), map[string]float64{"lag": 20})
	assert.Equal(t, StatePending, m.Active()[0].State)

	// Held long enough: fires exactly once.
	m.SetClock(ids.FixedClock{T: base.Add(61 * time.Second)})
	m.Evaluate(context.Background(), map[string]float64{"lag": 20})
	assert.Equal(t, StateFiring, m.Active()[0].State)
	require.Len(t, n.received(), 1)

	m.SetClock(ids.FixedClock{T: base.Add(90 * time.Second)})
	m.Evaluate(context.Background(), map[string]float64{"lag": 20})
	assert.Len(t, n.received(), 1, "firing alert must notify only once")
}

func TestResolveMovesToHistory(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := newTestManager(t, now)

	require.NoError(t, m.AddRule(Rule{
		Name: "r", MetricName: "x", Comparison: CompGT, Threshold: 1,
		Severity: SeverityInfo, Enabled: true,
	}))

	m.Evaluate(context.Background(), map[string]float64{"x": 5})
	require.Len(t, m.Active(), 1)

	m.Evaluate(context.Background(), map[string]float64{"x": 0})
	assert.Empty(t, m.Active())
	hist := m.History()
	require.Len(t, hist, 1)
	assert.Equal(t, StateResolved, hist[0].State)
	assert.False(t, hist[0].ResolvedAt.IsZero())
}

func TestSilenceSuppressesNotification(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := newTestManager(t, now)
	n := &memNotifier{}
	m.AddNotifier(n)

	require.NoError(t, m.AddRule(Rule{
		Name: "noisy", MetricName: "x", Comparison: CompGT, Threshold: 1,
		Severity: SeverityInfo, Enabled: true,
	}))
	m.Silence("noisy", 10*time.Minute)

	m.Evaluate(context.Background(), map[string]float64{"x": 5})
	require.Len(t, m.Active(), 1)
	assert.Equal(t, StateSilenced, m.Active()[0].State)
	assert.Empty(t, n.received())
}

func TestSilenceExpiry(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := newTestManager(t, base)
	n := &memNotifier{}
	m.AddNotifier(n)

	require.NoError(t, m.AddRule(Rule{
		Name: "r", MetricName: "x", Comparison: CompGT, Threshold: 1,
		Severity: SeverityInfo, Enabled: true,
	}))
	m.Silence("r", time.Minute)

	m.Evaluate(context.Background(), map[string]float64{"x": 5})
	assert.Empty(t, n.received())

	m.SetClock(ids.FixedClock{T: base.Add(2 * time.Minute)})
	m.Evaluate(context.Background(), map[string]float64{"x": 5})
	assert.NotEmpty(t, n.received())
}

func TestDisabledRuleIgnored(t *testing.T) {
	m := newTestManager(t, time.Now())
	require.NoError(t, m.AddRule(Rule{
		Name: "off", MetricName: "x", Comparison: CompGT, Threshold: 1,
		Severity: SeverityInfo, Enabled: false,
	}))
	m.Evaluate(context.Background(), map[string]float64{"x": 100})
	assert.Empty(t, m.Active())
}

func TestAnomalyDetection(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := newTestManager(t, now)
	n := &memNotifier{}
	m.AddNotifier(n)

	require.NoError(t, m.AddRule(Rule{
		Name: "watch", MetricName: "qps", Comparison: CompGT, Threshold: 1e12,
		Severity: SeverityInfo, Enabled: true, AnomalyDetect: true,
	}))

	// Build a stable history, then spike.
	for i := 0; i < 20; i++ {
		m.Evaluate(context.Background(), map[string]float64{"qps": 100 + float64(i%3)})
	}
	m.Evaluate(context.Background(), map[string]float64{"qps": 10000})

	got := n.received()
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, "anomaly", last.Labels["type"])
	assert.Equal(t, "qps", last.Labels["metric"])
	assert.Equal(t, SeverityWarning, last.Severity)
	assert.Equal(t, int64(1), m.Stats().AnomaliesEmitted)
}

func TestNotifierFailureDoesNotBlock(t *testing.T) {
	m := newTestManager(t, time.Now())
	bad := &memNotifier{err: errors.New("webhook down")}
	good := &memNotifier{}
	m.AddNotifier(bad)
	m.AddNotifier(good)

	require.NoError(t, m.AddRule(Rule{
		Name: "r", MetricName: "x", Comparison: CompGT, Threshold: 1,
		Severity: SeverityInfo, Enabled: true,
	}))
	m.Evaluate(context.Background(), map[string]float64{"x": 5})

	assert.Len(t, good.received(), 1)
	stats := m.Stats()
	assert.Equal(t, int64(1), stats.NotificationsSent)
	assert.Equal(t, int64(1), stats.NotifyFailures)
}

func TestAddRuleValidation(t *testing.T) {
	m := newTestManager(t, time.Now())
	assert.Error(t, m.AddRule(Rule{Name: "", MetricName: "x", Comparison: CompGT}))
	assert.Error(t, m.AddRule(Rule{Name: "r", MetricName: "x", Comparison: "between"}))
}
