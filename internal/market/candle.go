// Package market holds OHLCV candle types and timeframe arithmetic shared by
// the indicator, filter, and backtest layers.
package market

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrBadInterval marks an unparseable timeframe string.
var ErrBadInterval = errors.New("bad interval")

// Candle is one OHLCV bar. OpenTime is the bar's opening instant in UTC.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Validate checks OHLC consistency: low <= min(open, close) and
// max(open, close) <= high, all values non-negative.
func (c Candle) Validate() error {
	if c.Open < 0 || c.High < 0 || c.Low < 0 || c.Close < 0 || c.Volume < 0 {
		return fmt.Errorf("candle at %s: negative field", c.OpenTime.Format(time.RFC3339))
	}
	lo, hi := c.Open, c.Open
	if c.Close < lo {
		lo = c.Close
	}
	if c.Close > hi {
		hi = c.Close
	}
	if c.Low > lo {
		return fmt.Errorf("candle at %s: low %.8f above body %.8f", c.OpenTime.Format(time.RFC3339), c.Low, lo)
	}
	if c.High < hi {
		return fmt.Errorf("candle at %s: high %.8f below body %.8f", c.OpenTime.Format(time.RFC3339), c.High, hi)
	}
	return nil
}

// Closes extracts the close series.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Highs extracts the high series.
func Highs(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High
	}
	return out
}

// Lows extracts the low series.
func Lows(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low
	}
	return out
}

// Volumes extracts the volume series.
func Volumes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}

// IntervalMinutes parses a Bybit-style interval string into minutes.
// Numeric strings are minutes; "D", "W", "M" are day, week, and month
// (30 days).
func IntervalMinutes(interval string) (int, error) {
	switch interval {
	case "D", "d":
		return 1440, nil
	case "W", "w":
		return 10080, nil
	case "M":
		return 43200, nil
	}
	n, err := strconv.Atoi(interval)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadInterval, interval)
	}
	return n, nil
}

// BarsRatio returns how many base-timeframe bars fit in one higher-timeframe
// bar, never below 1.
func BarsRatio(baseInterval, htfInterval string) (int, error) {
	base, err := IntervalMinutes(baseInterval)
	if err != nil {
		return 0, err
	}
	htf, err := IntervalMinutes(htfInterval)
	if err != nil {
		return 0, err
	}
	ratio := htf / base
	if ratio < 1 {
		ratio = 1
	}
	return ratio, nil
}

// Duration converts an interval string to a time.Duration.
func Duration(interval string) (time.Duration, error) {
	m, err := IntervalMinutes(interval)
	if err != nil {
		return 0, err
	}
	return time.Duration(m) * time.Minute, nil
}
