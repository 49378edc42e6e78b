package fabric

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/engine"
)

func testRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := DefaultRuntimeConfig()
	cfg.SweepInterval = 0
	cfg.EvalInterval = 0
	rt := NewRuntime(cfg)
	t.Cleanup(rt.Shutdown)
	require.NoError(t, rt.RegisterBacktestTools())
	return rt
}

// toolCandles builds hourly bars in the loose map form tool arguments arrive in.
func toolCandles(closes []float64) []any {
	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	out := make([]any, len(closes))
	prev := closes[0]
	for i, c := range closes {
		hi, lo := prev, c
		if c > hi {
			hi = c
		}
		if prev < lo {
			lo = prev
		}
		out[i] = map[string]any{
			"open_time": float64(base.Add(time.Duration(i) * time.Hour).UnixMilli()),
			"open":      prev,
			"high":      hi * 1.001,
			"low":       lo * 0.999,
			"close":     c,
			"volume":    1000.0,
		}
		prev = c
	}
	return out
}

func TestRunBacktestTool(t *testing.T) {
	rt := testRuntime(t)

	closes := []float64{100, 100, 101, 102, 103, 104, 105, 104, 103, 102}
	entries := make([]any, len(closes))
	for i := range entries {
		entries[i] = i == 2
	}
	res, err := rt.Tools.Execute(context.Background(), "run_backtest", map[string]any{
		"candles":      toolCandles(closes),
		"long_entries": entries,
		"config":       map[string]any{"take_profit": 0.03, "stop_loss": 0.05},
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	out, ok := res.Data.(*engine.BacktestOutput)
	require.True(t, ok)
	assert.True(t, out.IsValid)
	assert.NotEmpty(t, out.Trades)
}

func TestRunBacktestToolRejectsBadInput(t *testing.T) {
	rt := testRuntime(t)

	res, err := rt.Tools.Execute(context.Background(), "run_backtest", map[string]any{
		"candles": []any{},
	})
	require.NoError(t, err, "handler failures are reported in the result")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid backtest input")
}

func TestMonteCarloTool(t *testing.T) {
	rt := testRuntime(t)

	pnls := make([]any, 50)
	for i := range pnls {
		if i%3 == 0 {
			pnls[i] = -20.0
		} else {
			pnls[i] = 15.0
		}
	}
	res, err := rt.Tools.Execute(context.Background(), "monte_carlo", map[string]any{
		"pnls":          pnls,
		"method":        "bootstrap",
		"n_simulations": 200.0,
		"seed":          42.0,
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	buf, err := json.Marshal(res.Data)
	require.NoError(t, err)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(buf, &parsed))
	assert.Equal(t, float64(200), parsed["n_simulations"])
	assert.Contains(t, parsed, "var_95")
}

func TestMonteCarloToolRejectsEnum(t *testing.T) {
	rt := testRuntime(t)

	_, err := rt.Tools.Execute(context.Background(), "monte_carlo", map[string]any{
		"pnls":   []any{1.0, 2.0},
		"method": "time_travel",
	})
	assert.Error(t, err, "schema validation runs before the handler")
}

func TestListIndicatorsTool(t *testing.T) {
	rt := testRuntime(t)

	res, err := rt.Tools.Execute(context.Background(), "list_indicators", map[string]any{})
	require.NoError(t, err)
	require.True(t, res.Success)

	catalog, ok := res.Data.([]map[string]any)
	require.True(t, ok)
	names := make([]string, 0, len(catalog))
	for _, ind := range catalog {
		names = append(names, ind["name"].(string))
	}
	assert.Contains(t, names, "rsi")
	assert.Contains(t, names, "supertrend")
	assert.Contains(t, names, "htf_filter")
}

func TestBacktestToolsListedByCategory(t *testing.T) {
	rt := testRuntime(t)

	tools := rt.Tools.List("backtest", "")
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"list_indicators", "monte_carlo", "optimize_grid", "run_backtest", "walk_forward"}, names)
}
