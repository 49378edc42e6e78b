package optimize

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/engine"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/market"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/mtf"
)

// syntheticSeries builds a seeded random walk with slight upward drift.
func syntheticSeries(n int, seed int64) []market.Candle {
	rng := rand.New(rand.NewSource(seed))
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, n)
	price := 100.0
	for i := 0; i < n; i++ {
		change := rng.NormFloat64()*0.01 + 0.0001
		next := price * (1 + change)
		hi := math.Max(price, next) * (1 + rng.Float64()*0.005)
		lo := math.Min(price, next) * (1 - rng.Float64()*0.005)
		out[i] = market.Candle{
			OpenTime: base.Add(time.Duration(i) * 5 * time.Minute),
			Open:     price, High: hi, Low: lo, Close: next,
			Volume: 500 + rng.Float64()*1000,
		}
		price = next
	}
	return out
}

// aggregate4h compresses 5-minute bars into 4-hour HTF bars.
func aggregate4h(candles []market.Candle) []market.Candle {
	const per = 48
	var out []market.Candle
	for start := 0; start+per <= len(candles); start += per {
		c := market.Candle{
			OpenTime: candles[start].OpenTime,
			Open:     candles[start].Open,
			High:     math.Inf(-1),
			Low:      math.Inf(1),
			Close:    candles[start+per-1].Close,
		}
		for i := start; i < start+per; i++ {
			c.High = math.Max(c.High, candles[i].High)
			c.Low = math.Min(c.Low, candles[i].Low)
			c.Volume += candles[i].Volume
		}
		out = append(out, c)
	}
	return out
}

func TestGridCombinationsSkipInverted(t *testing.T) {
	g := Grid{
		RSIPeriods:  []int{14},
		Overboughts: []float64{70, 20},
		Oversolds:   []float64{30},
		StopLosses:  []float64{0.02},
		TakeProfits: []float64{0.03},
	}
	combos := g.Combinations()
	require.Len(t, combos, 1, "overbought 20 <= oversold 30 skipped")
	assert.Equal(t, 70.0, combos[0].Overbought)
}

func TestOptimizerRanksByScore(t *testing.T) {
	candles := syntheticSeries(2000, 7)
	opt := New(Request{
		Candles:    candles,
		BaseConfig: engine.DefaultConfig(),
		Grid: Grid{
			RSIPeriods:  []int{7, 14, 21},
			Overboughts: []float64{70, 80},
			Oversolds:   []float64{20, 30},
			StopLosses:  []float64{0.02},
			TakeProfits: []float64{0.03, 0.05},
		},
		Metric:  MetricTotalReturn,
		TopK:    5,
		Workers: 4,
	})
	results, err := opt.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
	for _, r := range results {
		assert.False(t, math.IsNaN(r.Score))
		assert.False(t, math.IsInf(r.Score, 0))
	}
}

func TestOptimizerEmptyGrid(t *testing.T) {
	opt := New(Request{Candles: syntheticSeries(100, 1), BaseConfig: engine.DefaultConfig()})
	_, err := opt.Run(context.Background())
	assert.Error(t, err)
}

func TestOptimizerProgressCallback(t *testing.T) {
	var last, total int
	opt := New(Request{
		Candles:    syntheticSeries(500, 3),
		BaseConfig: engine.DefaultConfig(),
		Grid: Grid{
			RSIPeriods:  []int{14},
			Overboughts: []float64{70},
			Oversolds:   []float64{30},
			StopLosses:  []float64{0.02},
			TakeProfits: []float64{0.03},
		},
		Workers:    1,
		OnProgress: func(d, tot int) { last, total = d, tot },
	})
	_, err := opt.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, last)
	assert.Equal(t, 1, total)
}

func TestWalkForwardThreeWindows(t *testing.T) {
	candles := syntheticSeries(5000, 42)
	htf := aggregate4h(candles)

	res, err := WalkForward(context.Background(), WalkForwardRequest{
		Candles:    candles,
		HTFCandles: htf,
		BaseConfig: engine.DefaultConfig(),
		Grid: Grid{
			RSIPeriods:       []int{14},
			Oversolds:        []float64{30},
			Overboughts:      []float64{70},
			StopLosses:       []float64{0.02},
			TakeProfits:      []float64{0.03},
			HTFFilterTypes:   []mtf.FilterType{mtf.FilterTrendSMA},
			HTFFilterPeriods: []int{50},
		},
		Metric:     MetricSharpe,
		NWindows:   3,
		TrainPct:   0.7,
		OverlapPct: 0.5,
		Workers:    2,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.CompletedWindows)
	assert.GreaterOrEqual(t, res.ProfitablePct, 0.0)
	assert.LessOrEqual(t, res.ProfitablePct, 100.0)
	assert.False(t, math.IsNaN(res.MeanOOSReturn))
	assert.False(t, math.IsNaN(res.StdOOSReturn))
	assert.False(t, math.IsNaN(res.Stability))
	for _, w := range res.Windows {
		assert.False(t, math.IsNaN(w.OOSSharpe))
		assert.GreaterOrEqual(t, w.OOSMaxDD, 0.0)
	}
}

func TestWalkForwardValidation(t *testing.T) {
	_, err := WalkForward(context.Background(), WalkForwardRequest{NWindows: 0})
	assert.Error(t, err)

	_, err = WalkForward(context.Background(), WalkForwardRequest{NWindows: 3, TrainPct: 1.2})
	assert.Error(t, err)

	_, err = WalkForward(context.Background(), WalkForwardRequest{
		Candles: syntheticSeries(20, 1), NWindows: 3, TrainPct: 0.7,
	})
	assert.Error(t, err, "windows too small")
}
