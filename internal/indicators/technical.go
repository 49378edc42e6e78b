// Package indicators implements the technical indicator library used by the
// backtest engine and the higher-timeframe filters. Series functions return
// one value per input bar; positions before the warm-up window are NaN.
package indicators

import (
	"math"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/market"
)

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// SMA calculates the simple moving average series.
func SMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA calculates the exponential moving average series, seeded with the SMA
// of the first period values.
func EMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	seed := 0.0
	for i := 0; i < period; i++ {
		seed += values[i]
	}
	seed /= float64(period)
	out[period-1] = seed

	alpha := 2.0 / (float64(period) + 1.0)
	prev := seed
	for i := period; i < len(values); i++ {
		prev = values[i]*alpha + prev*(1-alpha)
		out[i] = prev
	}
	return out
}

// RSI calculates the Relative Strength Index series using Wilder's
// smoothing (alpha = 1/period).
func RSI(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period+1 {
		return out
	}

	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiFrom(avgGain, avgLoss)

	alpha := 1.0 / float64(period)
	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = avgGain*(1-alpha) + gain*alpha
		avgLoss = avgLoss*(1-alpha) + loss*alpha
		out[i] = rsiFrom(avgGain, avgLoss)
	}
	return out
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

// TrueRange calculates the true range series. The first bar uses high-low.
func TrueRange(candles []market.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		if i == 0 {
			out[i] = c.High - c.Low
			continue
		}
		prevClose := candles[i-1].Close
		hl := c.High - c.Low
		hc := math.Abs(c.High - prevClose)
		lc := math.Abs(c.Low - prevClose)
		out[i] = math.Max(hl, math.Max(hc, lc))
	}
	return out
}

// ATR calculates the Average True Range series with Wilder's smoothing.
func ATR(candles []market.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	if period <= 0 || len(candles) < period+1 {
		return out
	}
	tr := TrueRange(candles)

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	atr := sum / float64(period)
	out[period] = atr

	alpha := 1.0 / float64(period)
	for i := period + 1; i < len(candles); i++ {
		atr = atr*(1-alpha) + tr[i]*alpha
		out[i] = atr
	}
	return out
}

// MACDResult holds the three MACD series.
type MACDResult struct {
	MACD      []float64 `json:"macd"`
	Signal    []float64 `json:"signal"`
	Histogram []float64 `json:"histogram"`
}

// MACD calculates moving average convergence divergence with the usual
// fast/slow/signal EMA structure.
func MACD(values []float64, fast, slow, signal int) MACDResult {
	n := len(values)
	res := MACDResult{MACD: nanSeries(n), Signal: nanSeries(n), Histogram: nanSeries(n)}
	if fast <= 0 || slow <= fast || signal <= 0 || n < slow {
		return res
	}
	fastEMA := EMA(values, fast)
	slowEMA := EMA(values, slow)
	for i := slow - 1; i < n; i++ {
		res.MACD[i] = fastEMA[i] - slowEMA[i]
	}

	// Signal is an EMA over the defined portion of the MACD line.
	macdPart := res.MACD[slow-1:]
	signalPart := EMA(macdPart, signal)
	for i, v := range signalPart {
		res.Signal[slow-1+i] = v
		if !math.IsNaN(v) {
			res.Histogram[slow-1+i] = macdPart[i] - v
		}
	}
	return res
}

// BollingerResult holds the three Bollinger band series.
type BollingerResult struct {
	Upper  []float64 `json:"upper"`
	Middle []float64 `json:"middle"`
	Lower  []float64 `json:"lower"`
}

// Bollinger calculates Bollinger Bands: SMA middle with stdDev-scaled
// population standard deviation envelopes.
func Bollinger(values []float64, period int, stdDev float64) BollingerResult {
	n := len(values)
	res := BollingerResult{Upper: nanSeries(n), Middle: SMA(values, period), Lower: nanSeries(n)}
	if period <= 0 || n < period {
		return res
	}
	for i := period - 1; i < n; i++ {
		mean := res.Middle[i]
		variance := 0.0
		for j := i - period + 1; j <= i; j++ {
			d := values[j] - mean
			variance += d * d
		}
		sd := math.Sqrt(variance / float64(period))
		res.Upper[i] = mean + stdDev*sd
		res.Lower[i] = mean - stdDev*sd
	}
	return res
}

// SuperTrendResult holds the SuperTrend line and its direction.
// Direction is +1 for up-trend (price above line), -1 for down-trend.
type SuperTrendResult struct {
	Line      []float64 `json:"line"`
	Direction []int     `json:"direction"`
}

// SuperTrend calculates the SuperTrend indicator from ATR bands around the
// bar midpoint.
func SuperTrend(candles []market.Candle, period int, multiplier float64) SuperTrendResult {
	n := len(candles)
	res := SuperTrendResult{Line: nanSeries(n), Direction: make([]int, n)}
	if period <= 0 || n < period+1 {
		return res
	}
	atr := ATR(candles, period)

	upper := nanSeries(n)
	lower := nanSeries(n)
	for i := period; i < n; i++ {
		mid := (candles[i].High + candles[i].Low) / 2.0
		basicUpper := mid + multiplier*atr[i]
		basicLower := mid - multiplier*atr[i]

		if i == period || math.IsNaN(upper[i-1]) {
			upper[i] = basicUpper
			lower[i] = basicLower
		} else {
			// Bands only tighten until price crosses them.
			if basicUpper < upper[i-1] || candles[i-1].Close > upper[i-1] {
				upper[i] = basicUpper
			} else {
				upper[i] = upper[i-1]
			}
			if basicLower > lower[i-1] || candles[i-1].Close < lower[i-1] {
				lower[i] = basicLower
			} else {
				lower[i] = lower[i-1]
			}
		}

		dir := 1
		if i > period {
			dir = res.Direction[i-1]
		}
		if candles[i].Close > upper[i] {
			dir = 1
		} else if candles[i].Close < lower[i] {
			dir = -1
		}
		res.Direction[i] = dir
		if dir == 1 {
			res.Line[i] = lower[i]
		} else {
			res.Line[i] = upper[i]
		}
	}
	return res
}

// IchimokuResult holds the Ichimoku component series. Senkou spans are
// aligned to the bar they apply to (already shifted forward).
type IchimokuResult struct {
	Tenkan  []float64 `json:"tenkan"`
	Kijun   []float64 `json:"kijun"`
	SenkouA []float64 `json:"senkou_a"`
	SenkouB []float64 `json:"senkou_b"`
}

// Ichimoku calculates the Ichimoku cloud with conventional 9/26/52 style
// parameters.
func Ichimoku(candles []market.Candle, tenkanPeriod, kijunPeriod, senkouBPeriod int) IchimokuResult {
	n := len(candles)
	res := IchimokuResult{
		Tenkan:  donchianMid(candles, tenkanPeriod),
		Kijun:   donchianMid(candles, kijunPeriod),
		SenkouA: nanSeries(n),
		SenkouB: nanSeries(n),
	}
	senkouBRaw := donchianMid(candles, senkouBPeriod)
	for i := 0; i < n; i++ {
		src := i - kijunPeriod
		if src < 0 {
			continue
		}
		if !math.IsNaN(res.Tenkan[src]) && !math.IsNaN(res.Kijun[src]) {
			res.SenkouA[i] = (res.Tenkan[src] + res.Kijun[src]) / 2.0
		}
		res.SenkouB[i] = senkouBRaw[src]
	}
	return res
}

func donchianMid(candles []market.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	if period <= 0 {
		return out
	}
	for i := period - 1; i < len(candles); i++ {
		hi := math.Inf(-1)
		lo := math.Inf(1)
		for j := i - period + 1; j <= i; j++ {
			if candles[j].High > hi {
				hi = candles[j].High
			}
			if candles[j].Low < lo {
				lo = candles[j].Low
			}
		}
		out[i] = (hi + lo) / 2.0
	}
	return out
}

// ADXResult holds the directional movement series.
type ADXResult struct {
	ADX     []float64 `json:"adx"`
	PlusDI  []float64 `json:"plus_di"`
	MinusDI []float64 `json:"minus_di"`
}

// ADX calculates the Average Directional Index with Wilder's smoothing for
// both the DI lines and the DX average.
func ADX(candles []market.Candle, period int) ADXResult {
	n := len(candles)
	res := ADXResult{ADX: nanSeries(n), PlusDI: nanSeries(n), MinusDI: nanSeries(n)}
	if period <= 0 || n < 2*period+1 {
		return res
	}
	tr := TrueRange(candles)

	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		up := candles[i].High - candles[i-1].High
		down := candles[i-1].Low - candles[i].Low
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	var smTR, smPlus, smMinus float64
	for i := 1; i <= period; i++ {
		smTR += tr[i]
		smPlus += plusDM[i]
		smMinus += minusDM[i]
	}

	dx := nanSeries(n)
	alpha := 1.0 / float64(period)
	record := func(i int) {
		if smTR == 0 {
			res.PlusDI[i] = 0
			res.MinusDI[i] = 0
			dx[i] = 0
			return
		}
		res.PlusDI[i] = 100.0 * smPlus / smTR
		res.MinusDI[i] = 100.0 * smMinus / smTR
		sum := res.PlusDI[i] + res.MinusDI[i]
		if sum == 0 {
			dx[i] = 0
		} else {
			dx[i] = 100.0 * math.Abs(res.PlusDI[i]-res.MinusDI[i]) / sum
		}
	}
	record(period)

	for i := period + 1; i < n; i++ {
		smTR = smTR*(1-alpha) + tr[i]
		smPlus = smPlus*(1-alpha) + plusDM[i]
		smMinus = smMinus*(1-alpha) + minusDM[i]
		record(i)
	}

	adxSum := 0.0
	for i := period; i < 2*period; i++ {
		adxSum += dx[i]
	}
	adx := adxSum / float64(period)
	res.ADX[2*period-1] = adx
	for i := 2 * period; i < n; i++ {
		adx = adx*(1-alpha) + dx[i]*alpha
		res.ADX[i] = adx
	}
	return res
}
