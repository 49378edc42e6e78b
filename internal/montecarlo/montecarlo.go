// Package montecarlo resamples trade sequences to estimate the distribution
// of strategy outcomes: permutation for path-dependence, bootstrap and block
// bootstrap for sampling variability.
package montecarlo

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/engine"
)

// Method selects the resampling scheme.
type Method string

const (
	// Permutation shuffles the trades, preserving the multiset.
	Permutation Method = "permutation"
	// Bootstrap samples with replacement to the same length.
	Bootstrap Method = "bootstrap"
	// BlockBootstrap samples contiguous blocks to preserve local dependence.
	BlockBootstrap Method = "block_bootstrap"
)

const annualization = 252.0

// Config parameterizes a simulation run.
type Config struct {
	Method         Method  `json:"method" yaml:"method"`
	NSimulations   int     `json:"n_simulations" yaml:"n_simulations"`
	BlockSize      int     `json:"block_size" yaml:"block_size"`
	InitialCapital float64 `json:"initial_capital" yaml:"initial_capital"`
	Benchmark      float64 `json:"benchmark" yaml:"benchmark"`
	Seed           int64   `json:"seed" yaml:"seed"`
}

// DefaultConfig returns the stock simulation parameters.
func DefaultConfig() Config {
	return Config{
		Method:         Permutation,
		NSimulations:   1000,
		BlockSize:      10,
		InitialCapital: 10000,
	}
}

// Result is the aggregated outcome distribution.
type Result struct {
	Method       Method `json:"method"`
	NSimulations int    `json:"n_simulations"`

	MeanReturn   float64 `json:"mean_return"`
	MedianReturn float64 `json:"median_return"`
	StdReturn    float64 `json:"std_return"`
	CILower      float64 `json:"ci_lower"`
	CIUpper      float64 `json:"ci_upper"`
	VaR95        float64 `json:"var_95"`
	CVaR95       float64 `json:"cvar_95"`
	WorstReturn  float64 `json:"worst_return"`
	BestReturn   float64 `json:"best_return"`
	ProbPositive float64 `json:"prob_positive"`
	ProbBeatBenchmark float64 `json:"prob_beat_benchmark"`

	MeanSharpe  float64 `json:"mean_sharpe"`
	MeanMaxDD   float64 `json:"mean_max_dd"`
	MedianMaxDD float64 `json:"median_max_dd"`

	returns   []float64
	drawdowns []float64
}

// RunTrades simulates from a closed trade list using each trade's net PnL.
func RunTrades(cfg Config, trades []engine.Trade) (*Result, error) {
	pnls := make([]float64, len(trades))
	for i, t := range trades {
		pnls[i] = t.PnL
	}
	return RunPnL(cfg, pnls)
}

// RunPnL simulates from a raw PnL sequence.
func RunPnL(cfg Config, pnls []float64) (*Result, error) {
	if len(pnls) == 0 {
		return nil, fmt.Errorf("no trades to simulate")
	}
	if cfg.NSimulations <= 0 {
		return nil, fmt.Errorf("n_simulations must be positive")
	}
	if cfg.InitialCapital <= 0 {
		return nil, fmt.Errorf("initial_capital must be positive")
	}
	if cfg.Method == BlockBootstrap && cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("block_size must be positive")
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	returns := make([]float64, cfg.NSimulations)
	sharpes := make([]float64, cfg.NSimulations)
	drawdowns := make([]float64, cfg.NSimulations)

	sample := make([]float64, len(pnls))
	for s := 0; s < cfg.NSimulations; s++ {
		switch cfg.Method {
		case Bootstrap:
			for i := range sample {
				sample[i] = pnls[rng.Intn(len(pnls))]
			}
		case BlockBootstrap:
			fillBlocks(rng, sample, pnls, cfg.BlockSize)
		default:
			copy(sample, pnls)
			rng.Shuffle(len(sample), func(i, j int) {
				sample[i], sample[j] = sample[j], sample[i]
			})
		}
		returns[s], sharpes[s], drawdowns[s] = pathStats(sample, cfg.InitialCapital)
	}

	res := &Result{
		Method:       cfg.Method,
		NSimulations: cfg.NSimulations,
		returns:      append([]float64(nil), returns...),
		drawdowns:    append([]float64(nil), drawdowns...),
	}
	sort.Float64s(res.returns)
	sort.Float64s(res.drawdowns)

	res.MeanReturn, res.StdReturn = meanStd(returns)
	res.MedianReturn = percentile(res.returns, 50)
	res.CILower = percentile(res.returns, 2.5)
	res.CIUpper = percentile(res.returns, 97.5)
	res.VaR95 = percentile(res.returns, 5)
	res.WorstReturn = res.returns[0]
	res.BestReturn = res.returns[len(res.returns)-1]

	var tailSum float64
	tailN := 0
	for _, r := range res.returns {
		if r <= res.VaR95 {
			tailSum += r
			tailN++
		}
	}
	if tailN > 0 {
		res.CVaR95 = tailSum / float64(tailN)
	}

	positive, beat := 0, 0
	for _, r := range returns {
		if r > 0 {
			positive++
		}
		if r > cfg.Benchmark {
			beat++
		}
	}
	res.ProbPositive = float64(positive) / float64(cfg.NSimulations)
	res.ProbBeatBenchmark = float64(beat) / float64(cfg.NSimulations)

	res.MeanSharpe, _ = meanStd(sharpes)
	res.MeanMaxDD, _ = meanStd(drawdowns)
	res.MedianMaxDD = percentile(res.drawdowns, 50)
	return res, nil
}

// ProbabilityOfReturn estimates P(return >= target).
func (r *Result) ProbabilityOfReturn(target float64) float64 {
	idx := sort.SearchFloat64s(r.returns, target)
	return float64(len(r.returns)-idx) / float64(len(r.returns))
}

// DrawdownPercentile returns the p-th percentile simulated max drawdown.
func (r *Result) DrawdownPercentile(p float64) float64 {
	return percentile(r.drawdowns, p)
}

func fillBlocks(rng *rand.Rand, dst, src []float64, blockSize int) {
	n := len(src)
	if blockSize > n {
		blockSize = n
	}
	pos := 0
	for pos < len(dst) {
		start := rng.Intn(n - blockSize + 1)
		take := blockSize
		if pos+take > len(dst) {
			take = len(dst) - pos
		}
		copy(dst[pos:pos+take], src[start:start+take])
		pos += take
	}
}

// pathStats walks one simulated equity path.
func pathStats(pnls []float64, capital float64) (totalReturn, sharpe, maxDD float64) {
	equity := capital
	peak := capital
	rets := make([]float64, 0, len(pnls))
	for _, p := range pnls {
		if equity > 0 {
			rets = append(rets, p/equity)
		}
		equity += p
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			dd := (peak - equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	totalReturn = (equity - capital) / capital
	mean, std := meanStd(rets)
	if std > 0 {
		sharpe = mean / std * math.Sqrt(annualization)
	}
	return totalReturn, sharpe, maxDD
}

// percentile interpolates linearly on a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}
