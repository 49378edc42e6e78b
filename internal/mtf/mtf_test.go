package mtf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/market"
)

func hourly(base time.Time, n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = base.Add(time.Duration(i) * time.Hour)
	}
	return out
}

func every4h(base time.Time, n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = base.Add(time.Duration(i) * 4 * time.Hour)
	}
	return out
}

func TestIndexMapNoLookahead(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	baseOpens := hourly(base, 12) // 00:00 .. 11:00
	htfOpens := every4h(base, 3)  // 00:00, 04:00, 08:00

	got, err := BuildIndexMap(baseOpens, htfOpens, LookaheadNone)
	require.NoError(t, err)

	// HTF bar 0 closes when bar 1 opens at 04:00; before that nothing is
	// visible.
	want := []int{-1, -1, -1, -1, 0, 0, 0, 0, 1, 1, 1, 1}
	assert.Equal(t, want, got)
}

func TestIndexMapAllowLookahead(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	baseOpens := hourly(base, 12)
	htfOpens := every4h(base, 3)

	got, err := BuildIndexMap(baseOpens, htfOpens, LookaheadAllow)
	require.NoError(t, err)

	want := []int{0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2}
	assert.Equal(t, want, got)
}

func TestIndexMapMonotone(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	baseOpens := hourly(base, 50)
	htfOpens := every4h(base, 13)

	for _, mode := range []Lookahead{LookaheadNone, LookaheadAllow} {
		got, err := BuildIndexMap(baseOpens, htfOpens, mode)
		require.NoError(t, err)
		for i := 1; i < len(got); i++ {
			assert.GreaterOrEqual(t, got[i], got[i-1], "mode %s index %d", mode, i)
		}
	}
}

func TestIndexMapBadMode(t *testing.T) {
	_, err := BuildIndexMap(nil, nil, Lookahead("future"))
	assert.Error(t, err)
}

func trendCandles(n int, rising bool) []market.Candle {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, n)
	for i := range out {
		var c float64
		if rising {
			c = 100 + float64(i)
		} else {
			c = 100 + float64(n) - float64(i)
		}
		out[i] = market.Candle{
			OpenTime: base.Add(time.Duration(i) * 4 * time.Hour),
			Open:     c, High: c + 1, Low: c - 1, Close: c, Volume: 10,
		}
	}
	return out
}

func TestTrendFilterDirections(t *testing.T) {
	up, err := NewFilter(FilterConfig{Type: FilterTrendSMA, Period: 10}, trendCandles(60, true))
	require.NoError(t, err)
	p := up.Allow(59)
	assert.True(t, p.Long)
	assert.False(t, p.Short)

	down, err := NewFilter(FilterConfig{Type: FilterTrendSMA, Period: 10}, trendCandles(60, false))
	require.NoError(t, err)
	p = down.Allow(59)
	assert.False(t, p.Long)
	assert.True(t, p.Short)
}

func TestFilterWarmupAllowsBoth(t *testing.T) {
	f, err := NewFilter(FilterConfig{Type: FilterTrendEMA, Period: 50}, trendCandles(20, true))
	require.NoError(t, err)
	p := f.Allow(5)
	assert.True(t, p.Long)
	assert.True(t, p.Short)
}

func TestFilterIndexMinusOneAllowsBoth(t *testing.T) {
	f, err := NewFilter(FilterConfig{Type: FilterSuperTrend}, trendCandles(60, true))
	require.NoError(t, err)
	p := f.Allow(-1)
	assert.True(t, p.Long)
	assert.True(t, p.Short)
}

func TestSuperTrendFilter(t *testing.T) {
	f, err := NewFilter(FilterConfig{Type: FilterSuperTrend, Period: 10, Multiplier: 3}, trendCandles(60, true))
	require.NoError(t, err)
	p := f.Allow(59)
	assert.True(t, p.Long)
	assert.False(t, p.Short)
}

func TestMACDFilter(t *testing.T) {
	f, err := NewFilter(FilterConfig{Type: FilterMACD}, trendCandles(80, false))
	require.NoError(t, err)
	p := f.Allow(79)
	assert.False(t, p.Long)
	assert.True(t, p.Short)
}

func TestADXFilterRangingBlocksBoth(t *testing.T) {
	// Alternating closes produce a weak ADX.
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]market.Candle, 80)
	for i := range candles {
		c := 100.0
		if i%2 == 0 {
			c = 101.0
		}
		candles[i] = market.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Hour),
			Open:     c, High: c + 1, Low: c - 1, Close: c, Volume: 1,
		}
	}
	f, err := NewFilter(FilterConfig{Type: FilterADX, Period: 14, Threshold: 25}, candles)
	require.NoError(t, err)
	p := f.Allow(79)
	assert.False(t, p.Long)
	assert.False(t, p.Short)
}

func TestNoneFilterAllowsEverything(t *testing.T) {
	f, err := NewFilter(FilterConfig{Type: FilterNone}, trendCandles(10, true))
	require.NoError(t, err)
	for i := 0; i < f.Len(); i++ {
		p := f.Allow(i)
		assert.True(t, p.Long)
		assert.True(t, p.Short)
	}
}

func TestUnknownFilterType(t *testing.T) {
	_, err := NewFilter(FilterConfig{Type: "astrology"}, trendCandles(10, true))
	assert.Error(t, err)
}
