// Package optimize sweeps strategy parameter grids over the backtest engine
// and validates the winners out-of-sample with walk-forward analysis.
package optimize

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/engine"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/indicators"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/market"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/mtf"
)

// invalidScore replaces NaN/Inf metric values so sorting stays total.
const invalidScore = -999.0

// Metric selects the optimization objective.
type Metric string

const (
	MetricSharpe       Metric = "sharpe_ratio"
	MetricTotalReturn  Metric = "total_return"
	MetricCalmar       Metric = "calmar_ratio"
	MetricProfitFactor Metric = "profit_factor"
	MetricNetProfit    Metric = "net_profit"
	MetricWinRate      Metric = "win_rate"
)

// Params is one point in the sweep.
type Params struct {
	RSIPeriod       int            `json:"rsi_period"`
	Overbought      float64        `json:"rsi_overbought"`
	Oversold        float64        `json:"rsi_oversold"`
	StopLoss        float64        `json:"stop_loss"`
	TakeProfit      float64        `json:"take_profit"`
	HTFFilterType   mtf.FilterType `json:"htf_filter_type"`
	HTFFilterPeriod int            `json:"htf_filter_period"`
}

// Grid lists the candidate values per dimension. Empty dimensions get a
// single zero-value entry so the product stays non-empty.
type Grid struct {
	RSIPeriods       []int            `json:"rsi_periods" yaml:"rsi_periods"`
	Overboughts      []float64        `json:"rsi_overboughts" yaml:"rsi_overboughts"`
	Oversolds        []float64        `json:"rsi_oversolds" yaml:"rsi_oversolds"`
	StopLosses       []float64        `json:"stop_losses" yaml:"stop_losses"`
	TakeProfits      []float64        `json:"take_profits" yaml:"take_profits"`
	HTFFilterTypes   []mtf.FilterType `json:"htf_filter_types" yaml:"htf_filter_types"`
	HTFFilterPeriods []int            `json:"htf_filter_periods" yaml:"htf_filter_periods"`
}

// Combinations enumerates the cartesian product, skipping combinations with
// overbought <= oversold.
func (g Grid) Combinations() []Params {
	types := g.HTFFilterTypes
	if len(types) == 0 {
		types = []mtf.FilterType{mtf.FilterNone}
	}
	periods := g.HTFFilterPeriods
	if len(periods) == 0 {
		periods = []int{0}
	}
	var out []Params
	for _, rsi := range g.RSIPeriods {
		for _, ob := range g.Overboughts {
			for _, os := range g.Oversolds {
				if ob <= os {
					continue
				}
				for _, sl := range g.StopLosses {
					for _, tp := range g.TakeProfits {
						for _, ft := range types {
							for _, fp := range periods {
								out = append(out, Params{
									RSIPeriod: rsi, Overbought: ob, Oversold: os,
									StopLoss: sl, TakeProfit: tp,
									HTFFilterType: ft, HTFFilterPeriod: fp,
								})
							}
						}
					}
				}
			}
		}
	}
	return out
}

// Result is one evaluated combination.
type Result struct {
	Params Params  `json:"params"`
	Score  float64 `json:"score"`

	TotalReturn float64 `json:"total_return"`
	SharpeRatio float64 `json:"sharpe_ratio"`
	MaxDrawdown float64 `json:"max_drawdown"`
	TotalTrades int     `json:"total_trades"`
	WinRate     float64 `json:"win_rate"`
}

// Request configures a sweep.
type Request struct {
	Candles    []market.Candle
	HTFCandles []market.Candle
	BaseConfig engine.Config
	Grid       Grid
	Metric     Metric
	TopK       int
	Workers    int
	OnProgress func(done, total int)
}

// Optimizer runs parameter sweeps with a worker pool and per-(type,period)
// precomputed HTF filters.
type Optimizer struct {
	req      Request
	filters  map[filterKey]*mtf.Filter
	indexMap []int
	rsiCache map[int][]float64
	mu       sync.Mutex
}

type filterKey struct {
	typ    mtf.FilterType
	period int
}

// New builds an optimizer for the request.
func New(req Request) *Optimizer {
	if req.TopK <= 0 {
		req.TopK = 10
	}
	if req.Workers <= 0 {
		req.Workers = runtime.NumCPU()
	}
	if req.Metric == "" {
		req.Metric = MetricSharpe
	}
	return &Optimizer{
		req:      req,
		filters:  make(map[filterKey]*mtf.Filter),
		rsiCache: make(map[int][]float64),
	}
}

// Run sweeps the grid and returns the top-K results, best first.
func (o *Optimizer) Run(ctx context.Context) ([]Result, error) {
	combos := o.req.Grid.Combinations()
	if len(combos) == 0 {
		return nil, fmt.Errorf("empty parameter grid")
	}
	if len(o.req.Candles) == 0 {
		return nil, fmt.Errorf("no candles")
	}
	o.precompute(combos)

	jobs := make(chan Params)
	results := make([]Result, 0, len(combos))
	var resultMu sync.Mutex
	var wg sync.WaitGroup
	done := 0

	for w := 0; w < o.req.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				r := o.evaluate(p)
				resultMu.Lock()
				results = append(results, r)
				done++
				if o.req.OnProgress != nil {
					o.req.OnProgress(done, len(combos))
				}
				resultMu.Unlock()
			}
		}()
	}

loop:
	for _, p := range combos {
		select {
		case <-ctx.Done():
			break loop
		case jobs <- p:
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > o.req.TopK {
		results = results[:o.req.TopK]
	}
	return results, nil
}

// precompute builds each distinct HTF filter and RSI series once before the
// sweep.
func (o *Optimizer) precompute(combos []Params) {
	if len(o.req.HTFCandles) > 0 {
		baseOpens := opens(o.req.Candles)
		htfOpens := opens(o.req.HTFCandles)
		o.indexMap, _ = mtf.BuildIndexMap(baseOpens, htfOpens, mtf.LookaheadNone)

		seen := map[filterKey]bool{}
		for _, p := range combos {
			key := filterKey{p.HTFFilterType, p.HTFFilterPeriod}
			if seen[key] || p.HTFFilterType == mtf.FilterNone || p.HTFFilterType == "" {
				continue
			}
			seen[key] = true
			f, err := mtf.NewFilter(mtf.FilterConfig{Type: p.HTFFilterType, Period: p.HTFFilterPeriod}, o.req.HTFCandles)
			if err != nil {
				log.Warn().Err(err).Str("type", string(p.HTFFilterType)).Msg("skipping htf filter")
				continue
			}
			o.filters[key] = f
		}
	}
	closes := market.Closes(o.req.Candles)
	for _, p := range combos {
		if _, ok := o.rsiCache[p.RSIPeriod]; !ok {
			o.rsiCache[p.RSIPeriod] = indicators.RSI(closes, p.RSIPeriod)
		}
	}
}

// evaluate runs one combination through a fresh engine instance.
func (o *Optimizer) evaluate(p Params) Result {
	longEntries, shortEntries, longExits, shortExits := o.signals(p)

	cfg := o.req.BaseConfig
	cfg.StopLoss = p.StopLoss
	cfg.TakeProfit = p.TakeProfit

	out := engine.Run(cfg, engine.Input{
		Candles:      o.req.Candles,
		LongEntries:  longEntries,
		LongExits:    longExits,
		ShortEntries: shortEntries,
		ShortExits:   shortExits,
	})

	r := Result{Params: p}
	if out.IsValid {
		r.TotalReturn = out.TotalReturn
		r.SharpeRatio = out.SharpeRatio
		r.MaxDrawdown = out.MaxDrawdown
		r.TotalTrades = out.TotalTrades
		r.WinRate = out.WinRate
		r.Score = sanitize(score(out, o.req.Metric))
	} else {
		r.Score = invalidScore
	}
	return r
}

// signals generates RSI mean-reversion signals gated by the combination's
// HTF filter.
func (o *Optimizer) signals(p Params) (longEntries, shortEntries, longExits, shortExits []bool) {
	o.mu.Lock()
	rsi := o.rsiCache[p.RSIPeriod]
	filter := o.filters[filterKey{p.HTFFilterType, p.HTFFilterPeriod}]
	o.mu.Unlock()

	n := len(o.req.Candles)
	longEntries = make([]bool, n)
	shortEntries = make([]bool, n)
	longExits = make([]bool, n)
	shortExits = make([]bool, n)
	for i := 1; i < n; i++ {
		if math.IsNaN(rsi[i]) || math.IsNaN(rsi[i-1]) {
			continue
		}
		perm := mtf.Permission{Long: true, Short: true}
		if filter != nil && o.indexMap != nil {
			perm = filter.Allow(o.indexMap[i])
		}
		// Cross up through oversold / down through overbought.
		if rsi[i-1] < p.Oversold && rsi[i] >= p.Oversold {
			if perm.Long {
				longEntries[i] = true
			}
			shortExits[i] = true
		}
		if rsi[i-1] > p.Overbought && rsi[i] <= p.Overbought {
			if perm.Short {
				shortEntries[i] = true
			}
			longExits[i] = true
		}
	}
	return longEntries, shortEntries, longExits, shortExits
}

func score(out *engine.BacktestOutput, metric Metric) float64 {
	switch metric {
	case MetricTotalReturn:
		return out.TotalReturn
	case MetricCalmar:
		return out.CalmarRatio
	case MetricProfitFactor:
		return out.ProfitFactor
	case MetricNetProfit:
		return out.NetProfit
	case MetricWinRate:
		return out.WinRate
	default:
		return out.SharpeRatio
	}
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return invalidScore
	}
	return v
}

func opens(candles []market.Candle) []time.Time {
	out := make([]time.Time, len(candles))
	for i, c := range candles {
		out[i] = c.OpenTime
	}
	return out
}
