package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/engine"
	atomicio "github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/io"
	applog "github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/log"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/market"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/montecarlo"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/mtf"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/optimize"
)

// strategyFlags are the RSI strategy knobs shared by backtest and the CLI
// sweep commands.
type strategyFlags struct {
	candlesPath string
	htfPath     string
	rsiPeriod   int
	overbought  float64
	oversold    float64
	filterType  string
	filterPeriod int
	outPath     string
}

func (f *strategyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.candlesPath, "candles", "", "candle file (.csv or .json)")
	cmd.Flags().StringVar(&f.htfPath, "htf-candles", "", "higher timeframe candle file for MTF filtering")
	cmd.Flags().IntVar(&f.rsiPeriod, "rsi-period", 14, "RSI lookback")
	cmd.Flags().Float64Var(&f.overbought, "overbought", 70, "RSI overbought threshold")
	cmd.Flags().Float64Var(&f.oversold, "oversold", 30, "RSI oversold threshold")
	cmd.Flags().StringVar(&f.filterType, "htf-filter", "", "HTF filter type (trend_sma, trend_ema, supertrend, ichimoku, macd, bollinger, adx)")
	cmd.Flags().IntVar(&f.filterPeriod, "htf-filter-period", 50, "HTF filter lookback")
	cmd.Flags().StringVar(&f.outPath, "out", "", "write the JSON report here instead of stdout")
	cmd.MarkFlagRequired("candles")
}

func (f *strategyFlags) load() (candles, htf []market.Candle, err error) {
	candles, err = market.LoadFile(f.candlesPath)
	if err != nil {
		return nil, nil, err
	}
	if f.htfPath != "" {
		htf, err = market.LoadFile(f.htfPath)
		if err != nil {
			return nil, nil, err
		}
	}
	return candles, htf, nil
}

func (f *strategyFlags) params(cfg engine.Config) optimize.Params {
	return optimize.Params{
		RSIPeriod:       f.rsiPeriod,
		Overbought:      f.overbought,
		Oversold:        f.oversold,
		StopLoss:        cfg.StopLoss,
		TakeProfit:      cfg.TakeProfit,
		HTFFilterType:   mtf.FilterType(f.filterType),
		HTFFilterPeriod: f.filterPeriod,
	}
}

// emit writes the report to --out or stdout.
func emit(outPath string, v any) error {
	if outPath != "" {
		if err := atomicio.WriteJSONAtomic(outPath, v); err != nil {
			return err
		}
		log.Info().Str("path", outPath).Msg("report written")
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newBacktestCmd() *cobra.Command {
	var flags strategyFlags
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run one backtest with RSI cross signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			candles, htf, err := flags.load()
			if err != nil {
				return err
			}
			in, err := optimize.BuildInput(candles, htf, flags.params(appCfg.Engine))
			if err != nil {
				return err
			}
			out := engine.Run(appCfg.Engine, in)
			if !out.IsValid {
				return fmt.Errorf("invalid input: %v", out.Errors)
			}
			log.Info().Int("trades", out.TotalTrades).
				Float64("net_profit", out.NetProfit).
				Float64("sharpe", out.SharpeRatio).
				Msg("backtest complete")
			return emit(flags.outPath, out)
		},
	}
	flags.register(cmd)
	return cmd
}

func newOptimizeCmd() *cobra.Command {
	var flags strategyFlags
	var (
		rsiPeriods  []int
		overboughts []float64
		oversolds   []float64
		stopLosses  []float64
		takeProfits []float64
		metric      string
		topK        int
		workers     int
	)
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Sweep a parameter grid and rank combinations",
		RunE: func(cmd *cobra.Command, args []string) error {
			candles, htf, err := flags.load()
			if err != nil {
				return err
			}
			grid := optimize.Grid{
				RSIPeriods:  rsiPeriods,
				Overboughts: overboughts,
				Oversolds:   oversolds,
				StopLosses:  stopLosses,
				TakeProfits: takeProfits,
			}
			if flags.filterType != "" {
				grid.HTFFilterTypes = []mtf.FilterType{mtf.FilterType(flags.filterType)}
				grid.HTFFilterPeriods = []int{flags.filterPeriod}
			}
			var prog *applog.Progress
			opt := optimize.New(optimize.Request{
				Candles:    candles,
				HTFCandles: htf,
				BaseConfig: appCfg.Engine,
				Grid:       grid,
				Metric:     optimize.Metric(metric),
				TopK:       topK,
				Workers:    workers,
				OnProgress: func(done, total int) {
					if prog == nil {
						prog = applog.NewProgress("grid sweep", total)
					}
					prog.Increment()
				},
			})
			results, err := opt.Run(context.Background())
			if err != nil {
				return err
			}
			if prog != nil {
				prog.Done()
			}
			return emit(flags.outPath, results)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntSliceVar(&rsiPeriods, "rsi-periods", []int{7, 14, 21}, "RSI lookbacks to sweep")
	cmd.Flags().Float64SliceVar(&overboughts, "overboughts", []float64{70, 75, 80}, "overbought thresholds")
	cmd.Flags().Float64SliceVar(&oversolds, "oversolds", []float64{20, 25, 30}, "oversold thresholds")
	cmd.Flags().Float64SliceVar(&stopLosses, "stop-losses", []float64{0.01, 0.02, 0.03}, "stop loss fractions")
	cmd.Flags().Float64SliceVar(&takeProfits, "take-profits", []float64{0.02, 0.04, 0.06}, "take profit fractions")
	cmd.Flags().StringVar(&metric, "metric", "sharpe_ratio", "objective metric")
	cmd.Flags().IntVar(&topK, "top-k", 10, "results to keep")
	cmd.Flags().IntVar(&workers, "workers", 0, "worker goroutines, 0 = NumCPU")
	return cmd
}

func newWalkForwardCmd() *cobra.Command {
	var flags strategyFlags
	var (
		nWindows   int
		trainPct   float64
		overlapPct float64
		metric     string
		workers    int
	)
	cmd := &cobra.Command{
		Use:   "walkforward",
		Short: "Validate the strategy with rolling out-of-sample windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			candles, htf, err := flags.load()
			if err != nil {
				return err
			}
			grid := optimize.Grid{
				RSIPeriods:  []int{flags.rsiPeriod},
				Overboughts: []float64{flags.overbought},
				Oversolds:   []float64{flags.oversold},
				StopLosses:  []float64{appCfg.Engine.StopLoss},
				TakeProfits: []float64{appCfg.Engine.TakeProfit},
			}
			if flags.filterType != "" {
				grid.HTFFilterTypes = []mtf.FilterType{mtf.FilterType(flags.filterType)}
				grid.HTFFilterPeriods = []int{flags.filterPeriod}
			}
			res, err := optimize.WalkForward(context.Background(), optimize.WalkForwardRequest{
				Candles:    candles,
				HTFCandles: htf,
				BaseConfig: appCfg.Engine,
				Grid:       grid,
				Metric:     optimize.Metric(metric),
				NWindows:   nWindows,
				TrainPct:   trainPct,
				OverlapPct: overlapPct,
				Workers:    workers,
			})
			if err != nil {
				return err
			}
			log.Info().Int("windows", res.CompletedWindows).
				Float64("stability", res.Stability).
				Float64("profitable_pct", res.ProfitablePct).
				Msg("walk-forward complete")
			return emit(flags.outPath, res)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&nWindows, "windows", 5, "number of rolling windows")
	cmd.Flags().Float64Var(&trainPct, "train-pct", 0.7, "training share of each window")
	cmd.Flags().Float64Var(&overlapPct, "overlap-pct", 0.0, "window overlap fraction")
	cmd.Flags().StringVar(&metric, "metric", "sharpe_ratio", "objective metric")
	cmd.Flags().IntVar(&workers, "workers", 0, "worker goroutines, 0 = NumCPU")
	return cmd
}

func newMonteCarloCmd() *cobra.Command {
	var (
		pnlsPath  string
		method    string
		nSims     int
		blockSize int
		capital   float64
		benchmark float64
		seed      int64
		outPath   string
	)
	cmd := &cobra.Command{
		Use:   "montecarlo",
		Short: "Resample a trade PnL sequence to estimate outcome risk",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(pnlsPath)
			if err != nil {
				return fmt.Errorf("read pnls: %w", err)
			}
			var pnls []float64
			if err := json.Unmarshal(data, &pnls); err != nil {
				return fmt.Errorf("parse pnls (expect a JSON number array): %w", err)
			}
			cfg := montecarlo.Config{
				Method:         montecarlo.Method(method),
				NSimulations:   nSims,
				BlockSize:      blockSize,
				InitialCapital: capital,
				Benchmark:      benchmark,
				Seed:           seed,
			}
			res, err := montecarlo.RunPnL(cfg, pnls)
			if err != nil {
				return err
			}
			log.Info().Float64("mean_return", res.MeanReturn).
				Float64("var_95", res.VaR95).
				Float64("prob_positive", res.ProbPositive).
				Msg("monte carlo complete")
			return emit(outPath, res)
		},
	}
	cmd.Flags().StringVar(&pnlsPath, "pnls", "", "JSON file with the trade PnL array")
	cmd.Flags().StringVar(&method, "method", "permutation", "permutation, bootstrap, or block_bootstrap")
	cmd.Flags().IntVar(&nSims, "simulations", 1000, "number of simulated paths")
	cmd.Flags().IntVar(&blockSize, "block-size", 10, "block length for block_bootstrap")
	cmd.Flags().Float64Var(&capital, "capital", 10000, "initial capital")
	cmd.Flags().Float64Var(&benchmark, "benchmark", 0, "benchmark return")
	cmd.Flags().Int64Var(&seed, "seed", 0, "RNG seed")
	cmd.Flags().StringVar(&outPath, "out", "", "write the JSON report here instead of stdout")
	cmd.MarkFlagRequired("pnls")
	return cmd
}
