package ops

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/metrics"
)

func gatherFamilies(t *testing.T, reg *metrics.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	promReg := prometheus.NewRegistry()
	require.NoError(t, promReg.Register(NewCollector(reg, "tester")))
	families, err := promReg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestCollectorExportsCounterAndGauge(t *testing.T) {
	reg := metrics.NewRegistry(metrics.DefaultConfig())
	require.NoError(t, reg.Register(metrics.Definition{
		Name: "backtests_total", Kind: metrics.KindCounter,
		Description: "completed backtests", LabelKeys: []string{"status"},
	}))
	require.NoError(t, reg.Register(metrics.Definition{
		Name: "queue_depth", Kind: metrics.KindGauge, Description: "mailbox depth",
	}))
	require.NoError(t, reg.Increment("backtests_total", 3, map[string]string{"status": "ok"}))
	require.NoError(t, reg.Increment("backtests_total", 1, map[string]string{"status": "failed"}))
	require.NoError(t, reg.Set("queue_depth", 7, nil))

	families := gatherFamilies(t, reg)

	counter, ok := families["tester_backtests_total"]
	require.True(t, ok)
	require.Len(t, counter.Metric, 2)
	byStatus := map[string]float64{}
	for _, m := range counter.Metric {
		require.Len(t, m.Label, 1)
		assert.Equal(t, "status", m.Label[0].GetName())
		byStatus[m.Label[0].GetValue()] = m.Counter.GetValue()
	}
	assert.Equal(t, 3.0, byStatus["ok"])
	assert.Equal(t, 1.0, byStatus["failed"])

	gauge, ok := families["tester_queue_depth"]
	require.True(t, ok)
	require.Len(t, gauge.Metric, 1)
	assert.Equal(t, 7.0, gauge.Metric[0].Gauge.GetValue())
}

func TestCollectorEmptyRegistry(t *testing.T) {
	reg := metrics.NewRegistry(metrics.DefaultConfig())
	families := gatherFamilies(t, reg)
	assert.Empty(t, families)
}

func TestSplitSeriesKey(t *testing.T) {
	name, labels := splitSeriesKey("requests_total")
	assert.Equal(t, "requests_total", name)
	assert.Nil(t, labels)

	name, labels = splitSeriesKey("requests_total{method=GET,code=200}")
	assert.Equal(t, "requests_total", name)
	assert.Equal(t, map[string]string{"method": "GET", "code": "200"}, labels)
}
