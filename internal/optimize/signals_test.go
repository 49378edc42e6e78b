package optimize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/mtf"
)

func TestBuildInputGeneratesCrossSignals(t *testing.T) {
	candles := syntheticSeries(1500, 9)
	in, err := BuildInput(candles, nil, Params{
		RSIPeriod: 14, Overbought: 70, Oversold: 30,
	})
	require.NoError(t, err)
	require.Len(t, in.LongEntries, len(candles))

	longs, shorts := 0, 0
	for i := range in.LongEntries {
		if in.LongEntries[i] {
			longs++
		}
		if in.ShortEntries[i] {
			shorts++
		}
	}
	assert.Greater(t, longs+shorts, 0, "a noisy series crosses the thresholds")
}

func TestBuildInputFilterGatesEntries(t *testing.T) {
	candles := syntheticSeries(2000, 9)
	htf := aggregate4h(candles)

	unfiltered, err := BuildInput(candles, nil, Params{RSIPeriod: 14, Overbought: 70, Oversold: 30})
	require.NoError(t, err)
	filtered, err := BuildInput(candles, htf, Params{
		RSIPeriod: 14, Overbought: 70, Oversold: 30,
		HTFFilterType: mtf.FilterTrendSMA, HTFFilterPeriod: 10,
	})
	require.NoError(t, err)

	count := func(sig []bool) int {
		n := 0
		for _, s := range sig {
			if s {
				n++
			}
		}
		return n
	}
	assert.LessOrEqual(t, count(filtered.LongEntries), count(unfiltered.LongEntries))
	assert.LessOrEqual(t, count(filtered.ShortEntries), count(unfiltered.ShortEntries))
	assert.Equal(t, count(unfiltered.LongExits), count(filtered.LongExits), "exits are never gated")
}

func TestBuildInputValidation(t *testing.T) {
	candles := syntheticSeries(100, 1)

	_, err := BuildInput(nil, nil, Params{RSIPeriod: 14, Overbought: 70, Oversold: 30})
	assert.Error(t, err)

	_, err = BuildInput(candles, nil, Params{RSIPeriod: 1, Overbought: 70, Oversold: 30})
	assert.Error(t, err)

	_, err = BuildInput(candles, nil, Params{RSIPeriod: 14, Overbought: 30, Oversold: 70})
	assert.Error(t, err)
}
