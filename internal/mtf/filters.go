package mtf

import (
	"fmt"
	"math"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/indicators"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/market"
)

// FilterType selects the higher-timeframe regime filter.
type FilterType string

const (
	FilterNone       FilterType = "none"
	FilterTrendSMA   FilterType = "trend_sma"
	FilterTrendEMA   FilterType = "trend_ema"
	FilterSuperTrend FilterType = "supertrend"
	FilterIchimoku   FilterType = "ichimoku"
	FilterMACD       FilterType = "macd"
	FilterBollinger  FilterType = "bollinger"
	FilterADX        FilterType = "adx"
)

// FilterConfig parameterizes a single HTF filter.
type FilterConfig struct {
	Type       FilterType `json:"type" yaml:"type"`
	Period     int        `json:"period" yaml:"period"`
	Multiplier float64    `json:"multiplier" yaml:"multiplier"` // supertrend band width
	FastPeriod int        `json:"fast_period" yaml:"fast_period"`
	SlowPeriod int        `json:"slow_period" yaml:"slow_period"`
	Signal     int        `json:"signal" yaml:"signal"`
	Threshold  float64    `json:"threshold" yaml:"threshold"` // adx strength floor
}

// Defaults fills zero fields with conventional values.
func (c FilterConfig) Defaults() FilterConfig {
	if c.Period == 0 {
		c.Period = 14
	}
	if c.Multiplier == 0 {
		c.Multiplier = 3.0
	}
	if c.FastPeriod == 0 {
		c.FastPeriod = 12
	}
	if c.SlowPeriod == 0 {
		c.SlowPeriod = 26
	}
	if c.Signal == 0 {
		c.Signal = 9
	}
	if c.Threshold == 0 {
		c.Threshold = 25.0
	}
	return c
}

// Permission is the per-bar outcome of a filter.
type Permission struct {
	Long  bool
	Short bool
}

var allowAll = Permission{Long: true, Short: true}

// Filter is a precomputed HTF filter ready for per-bar queries.
type Filter struct {
	permissions []Permission
}

// NewFilter precomputes filter state over the HTF candle series. An
// unwarmed indicator value permits both sides.
func NewFilter(cfg FilterConfig, htf []market.Candle) (*Filter, error) {
	cfg = cfg.Defaults()
	n := len(htf)
	perms := make([]Permission, n)
	closes := market.Closes(htf)

	switch cfg.Type {
	case FilterNone, "":
		for i := range perms {
			perms[i] = allowAll
		}

	case FilterTrendSMA, FilterTrendEMA:
		var ma []float64
		if cfg.Type == FilterTrendSMA {
			ma = indicators.SMA(closes, cfg.Period)
		} else {
			ma = indicators.EMA(closes, cfg.Period)
		}
		for i := range perms {
			perms[i] = sideAbove(closes[i], ma[i])
		}

	case FilterSuperTrend:
		st := indicators.SuperTrend(htf, cfg.Period, cfg.Multiplier)
		for i := range perms {
			if math.IsNaN(st.Line[i]) {
				perms[i] = allowAll
			} else if st.Direction[i] == 1 {
				perms[i] = Permission{Long: true}
			} else {
				perms[i] = Permission{Short: true}
			}
		}

	case FilterIchimoku:
		ichi := indicators.Ichimoku(htf, 9, 26, 52)
		for i := range perms {
			a, b := ichi.SenkouA[i], ichi.SenkouB[i]
			if math.IsNaN(a) || math.IsNaN(b) {
				perms[i] = allowAll
				continue
			}
			top := math.Max(a, b)
			bottom := math.Min(a, b)
			switch {
			case closes[i] > top:
				perms[i] = Permission{Long: true}
			case closes[i] < bottom:
				perms[i] = Permission{Short: true}
			default:
				// Inside the cloud: no fresh entries either way.
				perms[i] = Permission{}
			}
		}

	case FilterMACD:
		macd := indicators.MACD(closes, cfg.FastPeriod, cfg.SlowPeriod, cfg.Signal)
		for i := range perms {
			m, s := macd.MACD[i], macd.Signal[i]
			if math.IsNaN(m) || math.IsNaN(s) {
				perms[i] = allowAll
			} else if m > s {
				perms[i] = Permission{Long: true}
			} else {
				perms[i] = Permission{Short: true}
			}
		}

	case FilterBollinger:
		bb := indicators.Bollinger(closes, cfg.Period, 2.0)
		for i := range perms {
			perms[i] = sideAbove(closes[i], bb.Middle[i])
		}

	case FilterADX:
		adx := indicators.ADX(htf, cfg.Period)
		for i := range perms {
			a := adx.ADX[i]
			if math.IsNaN(a) {
				perms[i] = allowAll
				continue
			}
			if a < cfg.Threshold {
				// Ranging regime: stand aside entirely.
				perms[i] = Permission{}
				continue
			}
			if adx.PlusDI[i] >= adx.MinusDI[i] {
				perms[i] = Permission{Long: true}
			} else {
				perms[i] = Permission{Short: true}
			}
		}

	default:
		return nil, fmt.Errorf("unknown filter type %q", cfg.Type)
	}

	return &Filter{permissions: perms}, nil
}

func sideAbove(price, level float64) Permission {
	if math.IsNaN(level) {
		return allowAll
	}
	if price > level {
		return Permission{Long: true}
	}
	return Permission{Short: true}
}

// Allow returns the entry permission for an HTF bar index. Index -1 (no HTF
// bar available yet) permits both sides.
func (f *Filter) Allow(htfIndex int) Permission {
	if htfIndex < 0 || htfIndex >= len(f.permissions) {
		return allowAll
	}
	return f.permissions[htfIndex]
}

// Len returns the number of precomputed HTF bars.
func (f *Filter) Len() int { return len(f.permissions) }
