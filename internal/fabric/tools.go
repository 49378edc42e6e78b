package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/engine"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/market"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/mcp"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/montecarlo"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/mtf"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/optimize"
)

// candleWire is the JSON shape tools accept for OHLCV bars. Timestamps are
// unix milliseconds.
type candleWire struct {
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

func decodeCandles(raw any) ([]market.Candle, error) {
	if raw == nil {
		return nil, nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("candles: %w", err)
	}
	var wire []candleWire
	if err := json.Unmarshal(buf, &wire); err != nil {
		return nil, fmt.Errorf("candles: %w", err)
	}
	out := make([]market.Candle, len(wire))
	for i, w := range wire {
		out[i] = market.Candle{
			OpenTime: time.UnixMilli(w.OpenTime).UTC(),
			Open:     w.Open, High: w.High, Low: w.Low, Close: w.Close,
			Volume: w.Volume,
		}
	}
	return out, nil
}

func decodeInto(raw any, dst any) error {
	if raw == nil {
		return nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, dst)
}

func decodeBools(raw any) ([]bool, error) {
	if raw == nil {
		return nil, nil
	}
	var out []bool
	return out, decodeInto(raw, &out)
}

// RegisterBacktestTools exposes the backtest engine, optimizer, and Monte
// Carlo simulator through the runtime's tool registry.
func (r *Runtime) RegisterBacktestTools() error {
	if err := mcp.NewTool("run_backtest", "Run a backtest over OHLCV candles with explicit entry/exit signals").
		Category("backtest").
		Param(mcp.Param{Name: "candles", Type: "array", Description: "OHLCV bars, unix-ms open_time", Required: true}).
		Param(mcp.Param{Name: "long_entries", Type: "array", Items: "boolean"}).
		Param(mcp.Param{Name: "long_exits", Type: "array", Items: "boolean"}).
		Param(mcp.Param{Name: "short_entries", Type: "array", Items: "boolean"}).
		Param(mcp.Param{Name: "short_exits", Type: "array", Items: "boolean"}).
		ObjectParam("config", "Engine config overrides, same keys as the YAML config", false).
		HandlerFunc(r.runBacktest).
		Register(r.Tools); err != nil {
		return err
	}

	if err := mcp.NewTool("optimize_grid", "Sweep a strategy parameter grid and rank combinations by metric").
		Category("backtest").
		Param(mcp.Param{Name: "candles", Type: "array", Required: true}).
		Param(mcp.Param{Name: "htf_candles", Type: "array", Description: "higher timeframe bars for MTF filters"}).
		ObjectParam("grid", "parameter candidates per dimension", true).
		EnumParam("metric", "optimization objective", false,
			"sharpe_ratio", "total_return", "calmar_ratio", "profit_factor", "net_profit", "win_rate").
		NumberParam("top_k", "how many results to return", false, 10.0).
		ObjectParam("config", "base engine config overrides", false).
		HandlerFunc(r.optimizeGrid).
		Register(r.Tools); err != nil {
		return err
	}

	if err := mcp.NewTool("walk_forward", "Walk-forward analysis: optimize on train slices, score out-of-sample").
		Category("backtest").
		Param(mcp.Param{Name: "candles", Type: "array", Required: true}).
		Param(mcp.Param{Name: "htf_candles", Type: "array"}).
		ObjectParam("grid", "parameter candidates per dimension", true).
		EnumParam("metric", "optimization objective", false,
			"sharpe_ratio", "total_return", "calmar_ratio", "profit_factor", "net_profit", "win_rate").
		NumberParam("n_windows", "number of rolling windows", false, 5.0).
		NumberParam("train_pct", "training share of each window", false, 0.7).
		NumberParam("overlap_pct", "overlap between consecutive windows", false, 0.0).
		ObjectParam("config", "base engine config overrides", false).
		HandlerFunc(r.walkForward).
		Register(r.Tools); err != nil {
		return err
	}

	if err := mcp.NewTool("monte_carlo", "Resample trade PnLs to estimate the outcome distribution").
		Category("backtest").
		Param(mcp.Param{Name: "pnls", Type: "array", Items: "number", Description: "closed trade PnLs in account currency", Required: true}).
		EnumParam("method", "resampling scheme", false, "permutation", "bootstrap", "block_bootstrap").
		NumberParam("n_simulations", "number of simulated paths", false, 1000.0).
		NumberParam("block_size", "block length for block_bootstrap", false, 10.0).
		NumberParam("initial_capital", "starting equity", false, 10000.0).
		NumberParam("benchmark", "return threshold for P(return > benchmark)", false, 0.0).
		NumberParam("seed", "RNG seed, 0 for default", false, 0.0).
		HandlerFunc(r.monteCarlo).
		Register(r.Tools); err != nil {
		return err
	}

	return mcp.NewTool("list_indicators", "List the available technical indicators and their parameters").
		Category("backtest").
		HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
			return indicatorCatalog, nil
		}).
		Register(r.Tools)
}

func (r *Runtime) runBacktest(ctx context.Context, args map[string]any) (any, error) {
	candles, err := decodeCandles(args["candles"])
	if err != nil {
		return nil, err
	}
	cfg := engine.DefaultConfig()
	if err := decodeInto(args["config"], &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	in := engine.Input{Candles: candles}
	if in.LongEntries, err = decodeBools(args["long_entries"]); err != nil {
		return nil, fmt.Errorf("long_entries: %w", err)
	}
	if in.LongExits, err = decodeBools(args["long_exits"]); err != nil {
		return nil, fmt.Errorf("long_exits: %w", err)
	}
	if in.ShortEntries, err = decodeBools(args["short_entries"]); err != nil {
		return nil, fmt.Errorf("short_entries: %w", err)
	}
	if in.ShortExits, err = decodeBools(args["short_exits"]); err != nil {
		return nil, fmt.Errorf("short_exits: %w", err)
	}
	out := r.RunBacktest(ctx, cfg, in)
	if !out.IsValid {
		return nil, fmt.Errorf("invalid backtest input: %v", out.Errors)
	}
	return out, nil
}

func (r *Runtime) optimizeGrid(ctx context.Context, args map[string]any) (any, error) {
	candles, err := decodeCandles(args["candles"])
	if err != nil {
		return nil, err
	}
	htf, err := decodeCandles(args["htf_candles"])
	if err != nil {
		return nil, err
	}
	cfg := engine.DefaultConfig()
	if err := decodeInto(args["config"], &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var grid optimize.Grid
	if err := decodeInto(args["grid"], &grid); err != nil {
		return nil, fmt.Errorf("grid: %w", err)
	}
	req := optimize.Request{
		Candles:    candles,
		HTFCandles: htf,
		BaseConfig: cfg,
		Grid:       grid,
		Metric:     optimize.Metric(asString(args["metric"])),
		TopK:       int(asFloat(args["top_k"])),
	}
	return optimize.New(req).Run(ctx)
}

func (r *Runtime) walkForward(ctx context.Context, args map[string]any) (any, error) {
	candles, err := decodeCandles(args["candles"])
	if err != nil {
		return nil, err
	}
	htf, err := decodeCandles(args["htf_candles"])
	if err != nil {
		return nil, err
	}
	cfg := engine.DefaultConfig()
	if err := decodeInto(args["config"], &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var grid optimize.Grid
	if err := decodeInto(args["grid"], &grid); err != nil {
		return nil, fmt.Errorf("grid: %w", err)
	}
	return optimize.WalkForward(ctx, optimize.WalkForwardRequest{
		Candles:    candles,
		HTFCandles: htf,
		BaseConfig: cfg,
		Grid:       grid,
		Metric:     optimize.Metric(asString(args["metric"])),
		NWindows:   int(asFloat(args["n_windows"])),
		TrainPct:   asFloat(args["train_pct"]),
		OverlapPct: asFloat(args["overlap_pct"]),
	})
}

func (r *Runtime) monteCarlo(ctx context.Context, args map[string]any) (any, error) {
	var pnls []float64
	if err := decodeInto(args["pnls"], &pnls); err != nil {
		return nil, fmt.Errorf("pnls: %w", err)
	}
	cfg := montecarlo.DefaultConfig()
	if m := asString(args["method"]); m != "" {
		cfg.Method = montecarlo.Method(m)
	}
	if n := int(asFloat(args["n_simulations"])); n > 0 {
		cfg.NSimulations = n
	}
	if b := int(asFloat(args["block_size"])); b > 0 {
		cfg.BlockSize = b
	}
	if c := asFloat(args["initial_capital"]); c > 0 {
		cfg.InitialCapital = c
	}
	cfg.Benchmark = asFloat(args["benchmark"])
	cfg.Seed = int64(asFloat(args["seed"]))
	return montecarlo.RunPnL(cfg, pnls)
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

var indicatorCatalog = []map[string]any{
	{"name": "sma", "params": []string{"period"}},
	{"name": "ema", "params": []string{"period"}},
	{"name": "rsi", "params": []string{"period"}},
	{"name": "atr", "params": []string{"period"}},
	{"name": "macd", "params": []string{"fast_period", "slow_period", "signal_period"}},
	{"name": "bollinger", "params": []string{"period", "std_dev"}},
	{"name": "supertrend", "params": []string{"period", "multiplier"}},
	{"name": "ichimoku", "params": []string{"tenkan_period", "kijun_period", "senkou_b_period"}},
	{"name": "adx", "params": []string{"period"}},
	{"name": "htf_filter", "params": []string{"type", "period", "multiplier", "threshold"},
		"types": []mtf.FilterType{
			mtf.FilterTrendSMA, mtf.FilterTrendEMA, mtf.FilterSuperTrend,
			mtf.FilterIchimoku, mtf.FilterMACD, mtf.FilterBollinger, mtf.FilterADX,
		}},
}
