package market

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCSVUnixSeconds(t *testing.T) {
	csv := `time,open,high,low,close,volume
1740902400,100,101,99,100.5,1500
1740906000,100.5,102,100,101.5,1800
`
	candles, err := ReadCSV(strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC), candles[0].OpenTime)
	assert.Equal(t, 100.5, candles[0].Close)
	assert.Equal(t, 1800.0, candles[1].Volume)
}

func TestReadCSVMillisAndAliases(t *testing.T) {
	csv := `open_time,open,high,low,close
1740902400000,100,101,99,100.5
`
	candles, err := ReadCSV(strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC), candles[0].OpenTime)
	assert.Zero(t, candles[0].Volume, "volume column is optional")
}

func TestReadCSVRFC3339(t *testing.T) {
	csv := `timestamp,open,high,low,close,volume
2025-03-02T08:00:00Z,100,101,99,100.5,10
`
	candles, err := ReadCSV(strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC), candles[0].OpenTime)
}

func TestReadCSVErrors(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("open,high,low,close\n1,2,0.5,1.5\n"))
	assert.ErrorContains(t, err, "time column")

	_, err = ReadCSV(strings.NewReader("time,open,high,low\n1740902400,1,2,0.5\n"))
	assert.ErrorContains(t, err, "close column")

	_, err = ReadCSV(strings.NewReader("time,open,high,low,close\n1740902400,abc,2,0.5,1\n"))
	assert.ErrorContains(t, err, "open")

	// High below the body is rejected by candle validation.
	_, err = ReadCSV(strings.NewReader("time,open,high,low,close\n1740902400,100,99,98,100\n"))
	assert.Error(t, err)
}

func TestReadJSON(t *testing.T) {
	payload := `[{"open_time":1740902400000,"open":100,"high":101,"low":99,"close":100.5,"volume":12}]`
	candles, err := ReadJSON(strings.NewReader(payload))
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC), candles[0].OpenTime)
	assert.Equal(t, 12.0, candles[0].Volume)

	_, err = ReadJSON(strings.NewReader(`[{"open_time":0,"open":100,"high":99,"low":98,"close":100}]`))
	assert.Error(t, err)
}
