package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandleValidate(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ok := Candle{OpenTime: base, Open: 100, High: 105, Low: 98, Close: 103, Volume: 10}
	assert.NoError(t, ok.Validate())

	lowAboveBody := Candle{OpenTime: base, Open: 100, High: 105, Low: 101, Close: 103}
	assert.Error(t, lowAboveBody.Validate())

	highBelowBody := Candle{OpenTime: base, Open: 100, High: 102, Low: 98, Close: 103}
	assert.Error(t, highBelowBody.Validate())

	negative := Candle{OpenTime: base, Open: -1, High: 1, Low: -2, Close: 0}
	assert.Error(t, negative.Validate())
}

func TestIntervalMinutes(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"1", 1},
		{"15", 15},
		{"60", 60},
		{"240", 240},
		{"D", 1440},
		{"d", 1440},
		{"W", 10080},
		{"M", 43200},
	}
	for _, tc := range cases {
		got, err := IntervalMinutes(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"", "0", "-5", "abc", "1.5"} {
		_, err := IntervalMinutes(bad)
		assert.ErrorIs(t, err, ErrBadInterval, bad)
	}
}

func TestBarsRatio(t *testing.T) {
	r, err := BarsRatio("60", "240")
	require.NoError(t, err)
	assert.Equal(t, 4, r)

	r, err = BarsRatio("60", "D")
	require.NoError(t, err)
	assert.Equal(t, 24, r)

	// HTF below base clamps to 1.
	r, err = BarsRatio("240", "60")
	require.NoError(t, err)
	assert.Equal(t, 1, r)
}

func TestSeriesExtraction(t *testing.T) {
	candles := []Candle{
		{Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100},
		{Open: 1.5, High: 3, Low: 1, Close: 2.5, Volume: 200},
	}
	assert.Equal(t, []float64{1.5, 2.5}, Closes(candles))
	assert.Equal(t, []float64{2, 3}, Highs(candles))
	assert.Equal(t, []float64{0.5, 1}, Lows(candles))
	assert.Equal(t, []float64{100, 200}, Volumes(candles))
}
