// Package engine implements the event-ordered backtest engine: pyramiding
// position management, multi-level take profits, DCA safety orders, trailing
// stops, time and regime filters, and TradingView-parity fills.
package engine

import (
	"fmt"
	"math"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/market"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/mtf"
)

// TradingViewCommission is the taker rate used for TradingView parity runs.
const TradingViewCommission = 0.0007

// Direction of a position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// TPMode selects how take-profit prices are derived.
type TPMode string

const (
	TPFixed TPMode = "FIXED"
	TPATR   TPMode = "ATR"
	TPMulti TPMode = "MULTI"
)

// SLMode selects how stop-loss prices are derived.
type SLMode string

const (
	SLFixed SLMode = "FIXED"
	SLATR   SLMode = "ATR"
)

// CloseRule orders partial closes across stacked entries.
type CloseRule string

const (
	CloseAll  CloseRule = "ALL"
	CloseFIFO CloseRule = "FIFO"
	CloseLIFO CloseRule = "LIFO"
)

// SizingMode selects position sizing.
type SizingMode string

const (
	SizeFixed      SizingMode = "fixed"
	SizeRisk       SizingMode = "risk"
	SizeKelly      SizingMode = "kelly"
	SizeVolatility SizingMode = "volatility"
)

// OrderType selects entry execution.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
	OrderStop   OrderType = "stop"
)

// SlippageModel selects the effective slippage formula.
type SlippageModel string

const (
	SlipFixed      SlippageModel = "fixed"
	SlipVolume     SlippageModel = "volume"
	SlipVolatility SlippageModel = "volatility"
	SlipCombined   SlippageModel = "combined"
	SlipAdvanced   SlippageModel = "advanced"
)

// TradeDirection restricts which sides may open.
type TradeDirection string

const (
	DirLong  TradeDirection = "long"
	DirShort TradeDirection = "short"
	DirBoth  TradeDirection = "both"
)

// BreakevenMode controls how the break-even stop advances after TPs.
type BreakevenMode string

const (
	BreakevenAverage BreakevenMode = "average"
	BreakevenTP      BreakevenMode = "tp"
)

// Config is the full backtest configuration.
type Config struct {
	InitialCapital float64 `json:"initial_capital" yaml:"initial_capital"`
	PositionSize   float64 `json:"position_size" yaml:"position_size"`
	UseFixedAmount bool    `json:"use_fixed_amount" yaml:"use_fixed_amount"`
	FixedAmount    float64 `json:"fixed_amount" yaml:"fixed_amount"`
	Leverage       float64 `json:"leverage" yaml:"leverage"`

	Direction TradeDirection `json:"direction" yaml:"direction"`
	HedgeMode bool           `json:"hedge_mode" yaml:"hedge_mode"`

	Pyramiding      int       `json:"pyramiding" yaml:"pyramiding"`
	CloseEntriesRule CloseRule `json:"close_entries_rule" yaml:"close_entries_rule"`

	StopLoss   float64 `json:"stop_loss" yaml:"stop_loss"`
	TakeProfit float64 `json:"take_profit" yaml:"take_profit"`
	TPMode     TPMode  `json:"tp_mode" yaml:"tp_mode"`
	SLMode     SLMode  `json:"sl_mode" yaml:"sl_mode"`

	TPLevels   []float64 `json:"tp_levels" yaml:"tp_levels"`
	TPPortions []float64 `json:"tp_portions" yaml:"tp_portions"`

	ATRPeriod         int     `json:"atr_period" yaml:"atr_period"`
	ATRTPMultiplier   float64 `json:"atr_tp_multiplier" yaml:"atr_tp_multiplier"`
	ATRSLMultiplier   float64 `json:"atr_sl_multiplier" yaml:"atr_sl_multiplier"`
	SLMaxLimitEnabled bool    `json:"sl_max_limit_enabled" yaml:"sl_max_limit_enabled"`
	AdaptiveATREnabled bool   `json:"adaptive_atr_enabled" yaml:"adaptive_atr_enabled"`
	AdaptiveATRWindow  int    `json:"adaptive_atr_window" yaml:"adaptive_atr_window"`

	TrailingStopEnabled    bool    `json:"trailing_stop_enabled" yaml:"trailing_stop_enabled"`
	TrailingStopActivation float64 `json:"trailing_stop_activation" yaml:"trailing_stop_activation"`
	TrailingStopDistance   float64 `json:"trailing_stop_distance" yaml:"trailing_stop_distance"`

	BreakevenEnabled bool          `json:"breakeven_enabled" yaml:"breakeven_enabled"`
	BreakevenMode    BreakevenMode `json:"breakeven_mode" yaml:"breakeven_mode"`
	BreakevenOffset  float64       `json:"breakeven_offset" yaml:"breakeven_offset"`

	DCAEnabled     bool      `json:"dca_enabled" yaml:"dca_enabled"`
	DCACount       int       `json:"dca_count" yaml:"dca_count"`
	DCADeviation   float64   `json:"dca_deviation" yaml:"dca_deviation"`
	DCAStepScale   float64   `json:"dca_step_scale" yaml:"dca_step_scale"`
	DCAVolumeScale float64   `json:"dca_volume_scale" yaml:"dca_volume_scale"`
	DCABaseSize    float64   `json:"dca_base_size" yaml:"dca_base_size"`

	MaxBarsInTrade     int      `json:"max_bars_in_trade" yaml:"max_bars_in_trade"`
	ExitOnSessionClose bool     `json:"exit_on_session_close" yaml:"exit_on_session_close"`
	SessionStartHour   int      `json:"session_start_hour" yaml:"session_start_hour"`
	SessionEndHour     int      `json:"session_end_hour" yaml:"session_end_hour"`
	SessionFilter      bool     `json:"session_filter" yaml:"session_filter"`
	NoTradeDays        []string `json:"no_trade_days" yaml:"no_trade_days"`
	NoTradeHours       []int    `json:"no_trade_hours" yaml:"no_trade_hours"`
	ExitEndOfWeek      bool     `json:"exit_end_of_week" yaml:"exit_end_of_week"`
	ExitBeforeWeekend  bool     `json:"exit_before_weekend" yaml:"exit_before_weekend"`
	Timezone           string   `json:"timezone" yaml:"timezone"`

	PositionSizingMode SizingMode `json:"position_sizing_mode" yaml:"position_sizing_mode"`
	RiskPerTrade       float64    `json:"risk_per_trade" yaml:"risk_per_trade"`
	KellyFraction      float64    `json:"kelly_fraction" yaml:"kelly_fraction"`
	VolatilityTarget   float64    `json:"volatility_target" yaml:"volatility_target"`
	MinPositionSize    float64    `json:"min_position_size" yaml:"min_position_size"`
	MaxPositionSize    float64    `json:"max_position_size" yaml:"max_position_size"`

	AllowReEntry        bool `json:"allow_re_entry" yaml:"allow_re_entry"`
	ReEntryDelayBars    int  `json:"re_entry_delay_bars" yaml:"re_entry_delay_bars"`
	MaxTradesPerDay     int  `json:"max_trades_per_day" yaml:"max_trades_per_day"`
	MaxTradesPerWeek    int  `json:"max_trades_per_week" yaml:"max_trades_per_week"`
	MaxConsecutiveLosses int `json:"max_consecutive_losses" yaml:"max_consecutive_losses"`
	CooldownAfterLoss   int  `json:"cooldown_after_loss" yaml:"cooldown_after_loss"`

	EntryOrderType       OrderType `json:"entry_order_type" yaml:"entry_order_type"`
	LimitEntryOffset     float64   `json:"limit_entry_offset" yaml:"limit_entry_offset"`
	LimitEntryTimeoutBars int      `json:"limit_entry_timeout_bars" yaml:"limit_entry_timeout_bars"`
	StopEntryOffset      float64   `json:"stop_entry_offset" yaml:"stop_entry_offset"`

	ScaleInEnabled  bool      `json:"scale_in_enabled" yaml:"scale_in_enabled"`
	ScaleInLevels   []float64 `json:"scale_in_levels" yaml:"scale_in_levels"`
	ScaleInPortions []float64 `json:"scale_in_portions" yaml:"scale_in_portions"`

	SlippageModel          SlippageModel `json:"slippage_model" yaml:"slippage_model"`
	Slippage               float64       `json:"slippage" yaml:"slippage"`
	SlippageVolumeImpact   float64       `json:"slippage_volume_impact" yaml:"slippage_volume_impact"`
	SlippageVolatilityMult float64       `json:"slippage_volatility_mult" yaml:"slippage_volatility_mult"`

	IncludeFunding       bool    `json:"include_funding" yaml:"include_funding"`
	FundingRate          float64 `json:"funding_rate" yaml:"funding_rate"`
	FundingIntervalHours int     `json:"funding_interval_hours" yaml:"funding_interval_hours"`

	VolatilityFilterEnabled bool    `json:"volatility_filter_enabled" yaml:"volatility_filter_enabled"`
	VolatilityFilterMin     float64 `json:"volatility_filter_min" yaml:"volatility_filter_min"`
	VolatilityFilterMax     float64 `json:"volatility_filter_max" yaml:"volatility_filter_max"`
	VolumeFilterEnabled     bool    `json:"volume_filter_enabled" yaml:"volume_filter_enabled"`
	VolumeFilterPeriod      int     `json:"volume_filter_period" yaml:"volume_filter_period"`
	VolumeFilterMinRatio    float64 `json:"volume_filter_min_ratio" yaml:"volume_filter_min_ratio"`
	TrendFilterEnabled      bool    `json:"trend_filter_enabled" yaml:"trend_filter_enabled"`
	TrendFilterPeriod       int     `json:"trend_filter_period" yaml:"trend_filter_period"`
	MomentumFilterEnabled   bool    `json:"momentum_filter_enabled" yaml:"momentum_filter_enabled"`
	MomentumFilterPeriod    int     `json:"momentum_filter_period" yaml:"momentum_filter_period"`
	MomentumFilterOverbought float64 `json:"momentum_filter_overbought" yaml:"momentum_filter_overbought"`
	MomentumFilterOversold  float64 `json:"momentum_filter_oversold" yaml:"momentum_filter_oversold"`
	RangeFilterEnabled      bool    `json:"range_filter_enabled" yaml:"range_filter_enabled"`
	RangeFilterPeriod       int     `json:"range_filter_period" yaml:"range_filter_period"`
	RangeFilterMinPct       float64 `json:"range_filter_min_pct" yaml:"range_filter_min_pct"`
	RegimeFilterEnabled     bool    `json:"market_regime_enabled" yaml:"market_regime_enabled"`
	RegimeFilterPeriod      int     `json:"market_regime_period" yaml:"market_regime_period"`

	MTFEnabled       bool             `json:"mtf_enabled" yaml:"mtf_enabled"`
	MTFHTFInterval   string           `json:"mtf_htf_interval" yaml:"mtf_htf_interval"`
	MTFHTFCandles    []market.Candle  `json:"-" yaml:"-"`
	MTFIndexMap      []int            `json:"-" yaml:"-"`
	MTFFilter        mtf.FilterConfig `json:"mtf_filter" yaml:"mtf_filter"`
	MTFLookaheadMode mtf.Lookahead    `json:"mtf_lookahead_mode" yaml:"mtf_lookahead_mode"`

	TakerFee float64 `json:"taker_fee" yaml:"taker_fee"`
	MakerFee float64 `json:"maker_fee" yaml:"maker_fee"`

	UseBarMagnifier bool            `json:"use_bar_magnifier" yaml:"use_bar_magnifier"`
	Candles1m       []market.Candle `json:"-" yaml:"-"`
}

// DefaultConfig returns TradingView-parity defaults.
func DefaultConfig() Config {
	return Config{
		InitialCapital:     10000,
		PositionSize:       1.0,
		Leverage:           1.0,
		Direction:          DirBoth,
		Pyramiding:         1,
		CloseEntriesRule:   CloseFIFO,
		StopLoss:           0.02,
		TakeProfit:         0.04,
		TPMode:             TPFixed,
		SLMode:             SLFixed,
		ATRPeriod:          14,
		ATRTPMultiplier:    3.0,
		ATRSLMultiplier:    2.0,
		AdaptiveATRWindow:  100,
		BreakevenMode:      BreakevenAverage,
		DCACount:           3,
		DCADeviation:       0.02,
		DCAStepScale:       1.5,
		DCAVolumeScale:     1.5,
		DCABaseSize:        0.1,
		SessionStartHour:   0,
		SessionEndHour:     24,
		PositionSizingMode: SizeFixed,
		RiskPerTrade:       0.01,
		KellyFraction:      0.5,
		VolatilityTarget:   0.02,
		MinPositionSize:    0.01,
		MaxPositionSize:    1.0,
		AllowReEntry:       true,
		EntryOrderType:     OrderMarket,
		LimitEntryTimeoutBars: 10,
		SlippageModel:      SlipFixed,
		FundingIntervalHours: 8,
		VolumeFilterPeriod: 20,
		TrendFilterPeriod:  50,
		MomentumFilterPeriod: 14,
		MomentumFilterOverbought: 70,
		MomentumFilterOversold:   30,
		RangeFilterPeriod:  20,
		RegimeFilterPeriod: 50,
		MTFLookaheadMode:   mtf.LookaheadNone,
		TakerFee:           TradingViewCommission,
		MakerFee:           TradingViewCommission,
		Timezone:           "UTC",
	}
}

const portionTolerance = 1e-3

// Validate collects configuration errors. A non-empty result means the run
// is rejected with is_valid=false; validation never panics.
func (c *Config) Validate() []string {
	var errs []string
	if c.InitialCapital <= 0 {
		errs = append(errs, "initial_capital must be positive")
	}
	if c.Leverage <= 0 {
		errs = append(errs, "leverage must be positive")
	}
	if c.Pyramiding < 1 {
		errs = append(errs, "pyramiding must be at least 1")
	}
	if c.TPMode == TPMulti {
		if len(c.TPLevels) == 0 || len(c.TPLevels) != len(c.TPPortions) {
			errs = append(errs, "tp_levels and tp_portions must be non-empty and equal length")
		} else if !portionsSumToOne(c.TPPortions) {
			errs = append(errs, fmt.Sprintf("tp_portions must sum to 1.0 (got %.6f)", sum(c.TPPortions)))
		}
	}
	if c.ScaleInEnabled {
		if len(c.ScaleInLevels) == 0 || len(c.ScaleInLevels) != len(c.ScaleInPortions) {
			errs = append(errs, "scale_in_levels and scale_in_portions must be non-empty and equal length")
		} else if !portionsSumToOne(c.ScaleInPortions) {
			errs = append(errs, fmt.Sprintf("scale_in_portions must sum to 1.0 (got %.6f)", sum(c.ScaleInPortions)))
		} else if c.Pyramiding < len(c.ScaleInLevels) {
			// Each grid portion occupies an entry slot; a lower pyramiding
			// cap would strand the later portions unfillable.
			errs = append(errs, fmt.Sprintf("pyramiding (%d) must be at least len(scale_in_levels) (%d)",
				c.Pyramiding, len(c.ScaleInLevels)))
		}
	}
	if c.MomentumFilterEnabled && c.MomentumFilterOverbought <= c.MomentumFilterOversold {
		errs = append(errs, "momentum overbought must exceed oversold")
	}
	if c.StopLoss < 0 || c.TakeProfit < 0 {
		errs = append(errs, "stop_loss and take_profit must be non-negative")
	}
	if c.MTFEnabled && c.MTFIndexMap != nil && len(c.MTFHTFCandles) == 0 {
		errs = append(errs, "mtf index map supplied without htf candles")
	}
	if c.Timezone != "" {
		if _, err := loadZone(c.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("unknown timezone %q", c.Timezone))
		}
	}
	return errs
}

// WarmupBars returns the bar index where trading may begin: the maximum
// lookback among enabled features, at least 1.
func (c *Config) WarmupBars() int {
	warmup := 1
	consider := func(enabled bool, period int) {
		if enabled && period > warmup {
			warmup = period
		}
	}
	consider(c.TPMode == TPATR || c.SLMode == SLATR || c.PositionSizingMode == SizeVolatility ||
		c.SlippageModel == SlipVolatility || c.SlippageModel == SlipCombined || c.SlippageModel == SlipAdvanced ||
		c.VolatilityFilterEnabled, c.ATRPeriod)
	consider(c.TrendFilterEnabled, c.TrendFilterPeriod)
	consider(c.MomentumFilterEnabled, c.MomentumFilterPeriod)
	consider(c.VolumeFilterEnabled || c.SlippageModel == SlipVolume || c.SlippageModel == SlipCombined ||
		c.SlippageModel == SlipAdvanced, c.VolumeFilterPeriod)
	consider(c.RangeFilterEnabled, c.RangeFilterPeriod)
	consider(c.RegimeFilterEnabled, c.RegimeFilterPeriod)
	return warmup
}

func portionsSumToOne(portions []float64) bool {
	return math.Abs(sum(portions)-1.0) <= portionTolerance
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}
