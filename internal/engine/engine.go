package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/indicators"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/market"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/mtf"
)

// Input carries the candle series and the externally computed entry/exit
// signal arrays. Signal slices must match the candle length; nil slices mean
// no signals on that side. Bars1m optionally indexes each bar's 1-minute
// slice for magnifier-aware callers; fills stay bar-level either way.
type Input struct {
	Candles      []market.Candle
	LongEntries  []bool
	LongExits    []bool
	ShortEntries []bool
	ShortExits   []bool
	Bars1m       [][2]int
}

type pendingExit struct {
	price  float64
	reason string
}

type orderKind int

const (
	orderLimit orderKind = iota
	orderStop
)

type pendingOrder struct {
	dir        Direction
	kind       orderKind
	price      float64
	capital    float64
	timeoutBar int
	reason     string
}

// dirState is the per-direction mutable state of the bar loop.
type dirState struct {
	pendingExit *pendingExit

	tpPrices []float64
	tpHit    []bool
	tpCount  int

	breakevenActive bool
	breakevenPrice  float64

	trailActive bool
	trailBest   float64
	trailStop   float64

	dcaBase   float64
	dcaFilled int

	barsInTrade int
}

func (s *dirState) resetPosition() {
	s.tpPrices = nil
	s.tpHit = nil
	s.tpCount = 0
	s.breakevenActive = false
	s.breakevenPrice = 0
	s.trailActive = false
	s.trailBest = 0
	s.trailStop = 0
	s.dcaBase = 0
	s.dcaFilled = 0
	s.barsInTrade = 0
}

// Engine runs one backtest per instance. Instances are not safe for
// concurrent use; the optimizer creates one per run.
type Engine struct {
	cfg Config
	in  Input

	pm     *PositionManager
	cash   float64
	out    *BacktestOutput
	states map[Direction]*dirState
	orders []pendingOrder

	atr       []float64
	avgVolume []float64
	trendMA   []float64
	rsi       []float64
	regimeMA  []float64

	mtfFilter *mtf.Filter
	indexMap  []int
	loc       *time.Location

	consecutiveLosses int
	cooldownUntil     int
	lastExitBar       int
	dayKey            string
	weekKey           string
	tradesToday       int
	tradesThisWeek    int
	lastFundingSlot   int64
}

// NewEngine prepares a run. Validation happens in Run.
func NewEngine(cfg Config, in Input) *Engine {
	return &Engine{cfg: cfg, in: in, lastExitBar: -1 << 30, lastFundingSlot: -1}
}

// Run executes the backtest. It always returns an output; invalid inputs
// yield IsValid=false with the reasons listed.
func Run(cfg Config, in Input) *BacktestOutput {
	return NewEngine(cfg, in).Run()
}

// Run executes the bar loop.
func (e *Engine) Run() *BacktestOutput {
	out := &BacktestOutput{IsValid: true, InitialCapital: e.cfg.InitialCapital}
	e.out = out

	if errs := e.validate(); len(errs) > 0 {
		out.IsValid = false
		out.Errors = errs
		return out
	}

	candles := e.in.Candles
	n := len(candles)
	e.pm = NewPositionManager(e.cfg.Pyramiding, e.cfg.CloseEntriesRule, e.cfg.TakerFee)
	e.cash = e.cfg.InitialCapital
	e.states = map[Direction]*dirState{Long: {}, Short: {}}
	e.loc, _ = loadZone(e.cfg.Timezone)
	e.precompute()

	warmup := e.cfg.WarmupBars()
	out.EquityCurve = make([]float64, 0, n+1)
	out.EquityCurve = append(out.EquityCurve, e.cfg.InitialCapital)

	if warmup >= n {
		// Not enough bars to trade at all.
		for i := 0; i < n; i++ {
			out.EquityCurve = append(out.EquityCurve, e.cfg.InitialCapital)
		}
		out.finalize()
		return out
	}
	for i := 0; i < warmup; i++ {
		out.EquityCurve = append(out.EquityCurve, e.cfg.InitialCapital)
	}

	for i := warmup; i < n; i++ {
		e.step(i)
		out.EquityCurve = append(out.EquityCurve, e.equity(candles[i].Close))
	}

	// End of data: force-close at the last close.
	last := candles[n-1]
	for _, d := range []Direction{Long, Short} {
		if e.pm.HasPosition(d) {
			e.executeClose(d, last.Close, 1.0, last.OpenTime, n-1, "end_of_data")
			e.states[d].resetPosition()
		}
	}
	out.EquityCurve[len(out.EquityCurve)-1] = e.equity(last.Close)

	out.finalize()
	return out
}

func (e *Engine) validate() []string {
	errs := e.cfg.Validate()
	if len(e.in.Candles) == 0 {
		errs = append(errs, "empty candle series")
		return errs
	}
	n := len(e.in.Candles)
	check := func(name string, sig []bool) {
		if sig != nil && len(sig) != n {
			errs = append(errs, name+" length does not match candles")
		}
	}
	check("long_entries", e.in.LongEntries)
	check("long_exits", e.in.LongExits)
	check("short_entries", e.in.ShortEntries)
	check("short_exits", e.in.ShortExits)
	return errs
}

func (e *Engine) precompute() {
	candles := e.in.Candles
	closes := market.Closes(candles)
	e.atr = indicators.ATR(candles, e.cfg.ATRPeriod)
	e.avgVolume = indicators.SMA(market.Volumes(candles), e.cfg.VolumeFilterPeriod)
	if e.cfg.TrendFilterEnabled {
		e.trendMA = indicators.SMA(closes, e.cfg.TrendFilterPeriod)
	}
	if e.cfg.MomentumFilterEnabled {
		e.rsi = indicators.RSI(closes, e.cfg.MomentumFilterPeriod)
	}
	if e.cfg.RegimeFilterEnabled {
		e.regimeMA = indicators.SMA(closes, e.cfg.RegimeFilterPeriod)
	}

	if e.cfg.MTFEnabled && len(e.cfg.MTFHTFCandles) > 0 {
		filter, err := mtf.NewFilter(e.cfg.MTFFilter, e.cfg.MTFHTFCandles)
		if err != nil {
			log.Warn().Err(err).Msg("mtf filter disabled")
			return
		}
		e.mtfFilter = filter
		if e.cfg.MTFIndexMap != nil {
			e.indexMap = e.cfg.MTFIndexMap
		} else {
			baseOpens := make([]time.Time, len(candles))
			for i, c := range candles {
				baseOpens[i] = c.OpenTime
			}
			htfOpens := make([]time.Time, len(e.cfg.MTFHTFCandles))
			for i, c := range e.cfg.MTFHTFCandles {
				htfOpens[i] = c.OpenTime
			}
			mode := e.cfg.MTFLookaheadMode
			if mode == "" {
				mode = mtf.LookaheadNone
			}
			e.indexMap, _ = mtf.BuildIndexMap(baseOpens, htfOpens, mode)
		}
	}
}

// step runs the per-bar algorithm in its fixed order.
func (e *Engine) step(i int) {
	c := e.in.Candles[i]

	// 1. Mark-to-market excursions.
	for _, d := range []Direction{Long, Short} {
		if e.pm.HasPosition(d) {
			e.pm.UpdateExcursions(d, c.High, c.Low)
			e.states[d].barsInTrade++
		}
	}

	// 2. Flush exits scheduled on the previous bar.
	for _, d := range []Direction{Long, Short} {
		st := e.states[d]
		if st.pendingExit == nil {
			continue
		}
		pe := *st.pendingExit
		st.pendingExit = nil
		if e.pm.HasPosition(d) {
			e.executeClose(d, pe.price, 1.0, c.OpenTime, i, pe.reason)
			st.resetPosition()
		}
	}

	// 3. Pending limit/stop/scale-in fills.
	e.fillPendingOrders(i, c)

	// 4-7. Exit logic per open direction.
	for _, d := range []Direction{Long, Short} {
		if !e.pm.HasPosition(d) || e.states[d].pendingExit != nil {
			continue
		}
		if e.cfg.TPMode == TPMulti {
			e.stepMultiTP(d, i, c)
			if !e.pm.HasPosition(d) {
				e.states[d].resetPosition()
				continue
			}
			e.checkMultiSL(d, i, c)
		}
		if e.pm.HasPosition(d) && e.cfg.TrailingStopEnabled {
			e.stepTrailing(d, i, c)
		}
		if e.pm.HasPosition(d) && e.cfg.TPMode != TPMulti && e.states[d].pendingExit == nil {
			e.checkStandardExits(d, i, c)
		}
	}

	// 8. Signal exits.
	if at(e.in.LongExits, i) && e.pm.HasPosition(Long) && e.states[Long].pendingExit == nil {
		s := e.slippage(i, c)
		e.states[Long].pendingExit = &pendingExit{price: c.Close * (1 - s), reason: "signal"}
	}
	if at(e.in.ShortExits, i) && e.pm.HasPosition(Short) && e.states[Short].pendingExit == nil {
		s := e.slippage(i, c)
		e.states[Short].pendingExit = &pendingExit{price: c.Close * (1 + s), reason: "signal"}
	}

	// 9. DCA safety orders.
	if e.cfg.DCAEnabled {
		e.stepDCA(i, c)
	}

	// 10. Time / regime forced exits.
	e.timeForcedExits(i, c)

	// 11. Entries.
	e.stepEntries(i, c)

	// 12. Funding accrual.
	e.applyFunding(c)
}

func (e *Engine) stepMultiTP(d Direction, i int, c market.Candle) {
	st := e.states[d]
	if st.tpPrices == nil {
		st.tpPrices = e.pm.MultiTPPrices(d, e.cfg.TPLevels)
		st.tpHit = make([]bool, len(st.tpPrices))
	}
	for st.tpCount < len(st.tpPrices) {
		idx := st.tpCount
		tp := st.tpPrices[idx]
		touched := (d == Long && c.High >= tp) || (d == Short && c.Low <= tp)
		if !touched {
			break
		}
		e.executeClose(d, tp, e.cfg.TPPortions[idx], c.OpenTime, i, "take_profit")
		st.tpHit[idx] = true
		st.tpCount++

		if idx == 0 && e.cfg.BreakevenEnabled {
			st.breakevenActive = true
			st.breakevenPrice = e.breakevenPrice(d)
		} else if idx > 0 && e.cfg.BreakevenEnabled && e.cfg.BreakevenMode == BreakevenTP {
			st.breakevenPrice = st.tpPrices[idx-1]
		}
	}
	// With break-even armed the remainder rides until the promoted SL takes
	// it out; otherwise the leftover after the last TP closes next bar.
	if st.tpCount == len(st.tpPrices) && e.pm.HasPosition(d) && !st.breakevenActive {
		s := e.slippage(i, c)
		price := c.Close * (1 - s)
		if d == Short {
			price = c.Close * (1 + s)
		}
		st.pendingExit = &pendingExit{price: price, reason: "take_profit"}
	}
}

func (e *Engine) breakevenPrice(d Direction) float64 {
	avg := e.pm.AvgEntryPrice(d)
	if d == Long {
		return avg * (1 + e.cfg.BreakevenOffset)
	}
	return avg * (1 - e.cfg.BreakevenOffset)
}

func (e *Engine) checkMultiSL(d Direction, i int, c market.Candle) {
	st := e.states[d]
	if st.pendingExit != nil {
		return
	}
	var sl float64
	switch {
	case st.breakevenActive:
		sl = st.breakevenPrice
	case e.cfg.SLMode == SLATR && !math.IsNaN(e.atr[i]):
		sl = e.pm.ATRSLPrice(d, e.adaptiveATR(i), e.cfg.ATRSLMultiplier)
		if e.cfg.SLMaxLimitEnabled {
			fixed := e.pm.SLPrice(d, e.cfg.StopLoss)
			if d == Long && sl < fixed {
				sl = fixed
			}
			if d == Short && sl > fixed {
				sl = fixed
			}
		}
	default:
		sl = e.pm.SLPrice(d, e.cfg.StopLoss)
	}
	if pierced(d, c, sl) {
		// A promoted break-even stop is still a stop loss.
		st.pendingExit = &pendingExit{price: sl, reason: "stop_loss"}
	}
}

func pierced(d Direction, c market.Candle, sl float64) bool {
	if d == Long {
		return c.Low <= sl
	}
	return c.High >= sl
}

func (e *Engine) stepTrailing(d Direction, i int, c market.Candle) {
	st := e.states[d]
	if st.pendingExit != nil {
		return
	}
	avg := e.pm.AvgEntryPrice(d)
	if avg == 0 {
		return
	}
	var unrealized float64
	if d == Long {
		unrealized = (c.High - avg) / avg
	} else {
		unrealized = (avg - c.Low) / avg
	}
	if !st.trailActive {
		if unrealized < e.cfg.TrailingStopActivation {
			return
		}
		st.trailActive = true
		if d == Long {
			st.trailBest = c.High
		} else {
			st.trailBest = c.Low
		}
	}
	if d == Long {
		if c.High > st.trailBest {
			st.trailBest = c.High
		}
		st.trailStop = st.trailBest * (1 - e.cfg.TrailingStopDistance)
		if c.Low <= st.trailStop {
			st.pendingExit = &pendingExit{price: st.trailStop, reason: "trailing_stop"}
		}
	} else {
		if c.Low < st.trailBest {
			st.trailBest = c.Low
		}
		st.trailStop = st.trailBest * (1 + e.cfg.TrailingStopDistance)
		if c.High >= st.trailStop {
			st.pendingExit = &pendingExit{price: st.trailStop, reason: "trailing_stop"}
		}
	}
}

// checkStandardExits applies the tp_mode/sl_mode matrix, SL before TP.
func (e *Engine) checkStandardExits(d Direction, i int, c market.Candle) {
	st := e.states[d]
	atr := e.adaptiveATR(i)

	var sl float64
	if e.cfg.SLMode == SLATR && !math.IsNaN(atr) {
		sl = e.pm.ATRSLPrice(d, atr, e.cfg.ATRSLMultiplier)
		if e.cfg.SLMaxLimitEnabled {
			fixed := e.pm.SLPrice(d, e.cfg.StopLoss)
			if d == Long && sl < fixed {
				sl = fixed
			}
			if d == Short && sl > fixed {
				sl = fixed
			}
		}
	} else {
		sl = e.pm.SLPrice(d, e.cfg.StopLoss)
	}
	if pierced(d, c, sl) {
		st.pendingExit = &pendingExit{price: sl, reason: "stop_loss"}
		return
	}

	var tp float64
	if e.cfg.TPMode == TPATR && !math.IsNaN(atr) {
		tp = e.pm.ATRTPPrice(d, atr, e.cfg.ATRTPMultiplier)
	} else {
		tp = e.pm.TPPrice(d, e.cfg.TakeProfit)
	}
	touched := (d == Long && c.High >= tp) || (d == Short && c.Low <= tp)
	if touched {
		st.pendingExit = &pendingExit{price: tp, reason: "take_profit"}
	}
}

// adaptiveATR scales the raw ATR by the optional percentile-based multiplier.
func (e *Engine) adaptiveATR(i int) float64 {
	atr := e.atr[i]
	if !e.cfg.AdaptiveATREnabled || math.IsNaN(atr) {
		return atr
	}
	window := e.cfg.AdaptiveATRWindow
	start := i - window
	if start < 0 {
		start = 0
	}
	var below, total int
	for j := start; j <= i; j++ {
		if math.IsNaN(e.atr[j]) {
			continue
		}
		total++
		if e.atr[j] < atr {
			below++
		}
	}
	if total == 0 {
		return atr
	}
	pct := 100.0 * float64(below) / float64(total)
	switch {
	case pct < 25:
		return atr * 1.5
	case pct > 75:
		return atr * 0.7
	default:
		return atr
	}
}

func (e *Engine) stepDCA(i int, c market.Candle) {
	for _, d := range []Direction{Long, Short} {
		st := e.states[d]
		if !e.pm.HasPosition(d) || st.dcaBase == 0 || st.pendingExit != nil {
			continue
		}
		for st.dcaFilled < e.cfg.DCACount {
			dev := e.cfg.DCADeviation
			vol := e.cfg.DCABaseSize
			for k := 0; k < st.dcaFilled; k++ {
				dev *= e.cfg.DCAStepScale
				vol *= e.cfg.DCAVolumeScale
			}
			var trigger float64
			var touched bool
			if d == Long {
				trigger = st.dcaBase * (1 - dev)
				touched = c.Low <= trigger
			} else {
				trigger = st.dcaBase * (1 + dev)
				touched = c.High >= trigger
			}
			if !touched {
				break
			}
			capital := e.cash * vol
			if capital <= 0 {
				break
			}
			e.openEntry(d, trigger, capital, c.OpenTime, i, "dca")
			st.dcaFilled++
			// Multi-TP prices track the new average entry.
			if e.cfg.TPMode == TPMulti && st.tpPrices != nil {
				st.tpPrices = e.pm.MultiTPPrices(d, e.cfg.TPLevels)
			}
		}
	}
}

func (e *Engine) timeForcedExits(i int, c market.Candle) {
	local := c.OpenTime.In(e.loc)
	for _, d := range []Direction{Long, Short} {
		st := e.states[d]
		if !e.pm.HasPosition(d) || st.pendingExit != nil {
			continue
		}
		reason := ""
		switch {
		case e.cfg.MaxBarsInTrade > 0 && st.barsInTrade >= e.cfg.MaxBarsInTrade:
			reason = "time_exit"
		case e.cfg.ExitOnSessionClose && local.Hour() >= e.cfg.SessionEndHour && e.cfg.SessionEndHour < 24:
			reason = "session_close"
		case (e.cfg.ExitEndOfWeek || e.cfg.ExitBeforeWeekend) && local.Weekday() == time.Friday && local.Hour() >= 20:
			reason = "weekend_close"
		}
		if reason != "" {
			s := e.slippage(i, c)
			price := c.Close * (1 - s)
			if d == Short {
				price = c.Close * (1 + s)
			}
			st.pendingExit = &pendingExit{price: price, reason: reason}
		}
	}
}

func (e *Engine) stepEntries(i int, c market.Candle) {
	if !e.timeAllowsEntry(c) || !e.reentryAllowed(i, c) {
		return
	}
	wantLong := at(e.in.LongEntries, i) && e.cfg.Direction != DirShort
	wantShort := at(e.in.ShortEntries, i) && e.cfg.Direction != DirLong

	if !e.cfg.HedgeMode {
		if wantLong && e.pm.HasPosition(Short) {
			wantLong = false
		}
		if wantShort && e.pm.HasPosition(Long) {
			wantShort = false
		}
	}

	perm := e.mtfPermission(i)
	if wantLong && perm.Long && e.marketFiltersAllow(Long, i) &&
		e.states[Long].pendingExit == nil && e.pm.CanAddEntry(Long) {
		e.placeEntry(Long, i, c)
	}
	if wantShort && perm.Short && e.marketFiltersAllow(Short, i) &&
		e.states[Short].pendingExit == nil && e.pm.CanAddEntry(Short) {
		e.placeEntry(Short, i, c)
	}
}

func (e *Engine) mtfPermission(i int) mtf.Permission {
	if e.mtfFilter == nil || e.indexMap == nil {
		return mtf.Permission{Long: true, Short: true}
	}
	return e.mtfFilter.Allow(e.indexMap[i])
}

func (e *Engine) timeAllowsEntry(c market.Candle) bool {
	local := c.OpenTime.In(e.loc)
	if e.cfg.SessionFilter {
		h := local.Hour()
		if h < e.cfg.SessionStartHour || h >= e.cfg.SessionEndHour {
			return false
		}
	}
	for _, day := range e.cfg.NoTradeDays {
		if local.Weekday().String() == day {
			return false
		}
	}
	for _, h := range e.cfg.NoTradeHours {
		if local.Hour() == h {
			return false
		}
	}
	return true
}

func (e *Engine) reentryAllowed(i int, c market.Candle) bool {
	if !e.cfg.AllowReEntry && len(e.out.Trades) > 0 {
		return false
	}
	if e.cfg.ReEntryDelayBars > 0 && i-e.lastExitBar < e.cfg.ReEntryDelayBars {
		return false
	}
	if i < e.cooldownUntil {
		return false
	}
	if e.cfg.MaxConsecutiveLosses > 0 && e.consecutiveLosses >= e.cfg.MaxConsecutiveLosses {
		return false
	}

	local := c.OpenTime.In(e.loc)
	day := local.Format("2006-01-02")
	year, week := local.ISOWeek()
	wk := weekKey(year, week)
	if day != e.dayKey {
		e.dayKey = day
		e.tradesToday = 0
	}
	if wk != e.weekKey {
		e.weekKey = wk
		e.tradesThisWeek = 0
	}
	if e.cfg.MaxTradesPerDay > 0 && e.tradesToday >= e.cfg.MaxTradesPerDay {
		return false
	}
	if e.cfg.MaxTradesPerWeek > 0 && e.tradesThisWeek >= e.cfg.MaxTradesPerWeek {
		return false
	}
	return true
}

func weekKey(year, week int) string {
	return fmt.Sprintf("%d-W%02d", year, week)
}

func (e *Engine) marketFiltersAllow(d Direction, i int) bool {
	c := e.in.Candles[i]
	if e.cfg.VolatilityFilterEnabled && !math.IsNaN(e.atr[i]) && c.Close > 0 {
		atrPct := e.atr[i] / c.Close
		if atrPct < e.cfg.VolatilityFilterMin || (e.cfg.VolatilityFilterMax > 0 && atrPct > e.cfg.VolatilityFilterMax) {
			return false
		}
	}
	if e.cfg.VolumeFilterEnabled && !math.IsNaN(e.avgVolume[i]) && e.avgVolume[i] > 0 {
		if c.Volume/e.avgVolume[i] < e.cfg.VolumeFilterMinRatio {
			return false
		}
	}
	if e.cfg.TrendFilterEnabled && e.trendMA != nil && !math.IsNaN(e.trendMA[i]) {
		if d == Long && c.Close < e.trendMA[i] {
			return false
		}
		if d == Short && c.Close > e.trendMA[i] {
			return false
		}
	}
	if e.cfg.MomentumFilterEnabled && e.rsi != nil && !math.IsNaN(e.rsi[i]) {
		if d == Long && e.rsi[i] > e.cfg.MomentumFilterOverbought {
			return false
		}
		if d == Short && e.rsi[i] < e.cfg.MomentumFilterOversold {
			return false
		}
	}
	if e.cfg.RangeFilterEnabled {
		start := i - e.cfg.RangeFilterPeriod
		if start >= 0 {
			hi, lo := math.Inf(-1), math.Inf(1)
			for j := start; j <= i; j++ {
				hi = math.Max(hi, e.in.Candles[j].High)
				lo = math.Min(lo, e.in.Candles[j].Low)
			}
			if lo > 0 && (hi-lo)/lo < e.cfg.RangeFilterMinPct {
				return false
			}
		}
	}
	if e.cfg.RegimeFilterEnabled && e.regimeMA != nil && !math.IsNaN(e.regimeMA[i]) {
		if d == Long && c.Close < e.regimeMA[i] {
			return false
		}
		if d == Short && c.Close > e.regimeMA[i] {
			return false
		}
	}
	return true
}

// placeEntry sizes and executes (or schedules) one entry.
func (e *Engine) placeEntry(d Direction, i int, c market.Candle) {
	s := e.slippage(i, c)
	capital := e.orderCapital(d, i, c)
	if capital <= 0 || capital > e.cash {
		return
	}

	var fillPrice float64
	if d == Long {
		fillPrice = c.Close * (1 + s)
	} else {
		fillPrice = c.Close * (1 - s)
	}

	switch e.cfg.EntryOrderType {
	case OrderLimit:
		var limit float64
		if d == Long {
			limit = c.Close * (1 - e.cfg.LimitEntryOffset)
		} else {
			limit = c.Close * (1 + e.cfg.LimitEntryOffset)
		}
		e.orders = append(e.orders, pendingOrder{
			dir: d, kind: orderLimit, price: limit, capital: capital,
			timeoutBar: i + e.cfg.LimitEntryTimeoutBars, reason: "limit_entry",
		})
		return
	case OrderStop:
		var stop float64
		if d == Long {
			stop = c.Close * (1 + e.cfg.StopEntryOffset)
		} else {
			stop = c.Close * (1 - e.cfg.StopEntryOffset)
		}
		e.orders = append(e.orders, pendingOrder{
			dir: d, kind: orderStop, price: stop, capital: capital,
			timeoutBar: i + e.cfg.LimitEntryTimeoutBars, reason: "stop_entry",
		})
		return
	}

	if e.cfg.ScaleInEnabled && len(e.cfg.ScaleInLevels) > 0 {
		// First portion fills now; the rest rest as limit orders on a price
		// grid below (long) or above (short) the base price.
		e.openEntry(d, fillPrice, capital*e.cfg.ScaleInPortions[0], c.OpenTime, i, "scale_in")
		for k := 1; k < len(e.cfg.ScaleInLevels); k++ {
			var level float64
			if d == Long {
				level = fillPrice * (1 - e.cfg.ScaleInLevels[k])
			} else {
				level = fillPrice * (1 + e.cfg.ScaleInLevels[k])
			}
			e.orders = append(e.orders, pendingOrder{
				dir: d, kind: orderLimit, price: level, capital: capital * e.cfg.ScaleInPortions[k],
				timeoutBar: i + e.cfg.LimitEntryTimeoutBars, reason: "scale_in",
			})
		}
	} else {
		e.openEntry(d, fillPrice, capital, c.OpenTime, i, "signal")
	}

	e.tradesToday++
	e.tradesThisWeek++
}

// openEntry books a fill and initializes per-position state.
func (e *Engine) openEntry(d Direction, price, capital float64, ts time.Time, bar int, reason string) {
	size := capital * e.cfg.Leverage / price
	e.pm.AddEntry(d, Entry{Price: price, Size: size, Time: ts, BarIndex: bar, Reason: reason})
	e.cash -= capital

	st := e.states[d]
	if st.dcaBase == 0 {
		st.dcaBase = price
	}
	if e.cfg.TPMode == TPMulti {
		st.tpPrices = e.pm.MultiTPPrices(d, e.cfg.TPLevels)
		if st.tpHit == nil {
			st.tpHit = make([]bool, len(st.tpPrices))
		}
	}
}

// executeClose realizes a partial or full close, releasing margin to cash.
func (e *Engine) executeClose(d Direction, price, portion float64, ts time.Time, bar int, reason string) {
	trades := e.pm.ClosePartial(d, price, portion, ts, bar, reason)
	for _, t := range trades {
		e.cash += t.EntryPrice*t.Size/e.cfg.Leverage + t.PnL
		e.out.Trades = append(e.out.Trades, t)
		if t.PnL < 0 {
			e.consecutiveLosses++
			if e.cfg.CooldownAfterLoss > 0 {
				e.cooldownUntil = bar + e.cfg.CooldownAfterLoss
			}
		} else {
			e.consecutiveLosses = 0
		}
	}
	if len(trades) > 0 {
		e.lastExitBar = bar
	}
}

func (e *Engine) fillPendingOrders(i int, c market.Candle) {
	var keep []pendingOrder
	for _, o := range e.orders {
		if i > o.timeoutBar {
			continue // cancelled
		}
		filled := false
		fillPrice := o.price
		switch o.kind {
		case orderLimit:
			if o.dir == Long && c.Low <= o.price {
				filled = true
			}
			if o.dir == Short && c.High >= o.price {
				filled = true
			}
		case orderStop:
			s := e.slippage(i, c)
			if o.dir == Long && c.High >= o.price {
				filled = true
				fillPrice = o.price * (1 + s)
			}
			if o.dir == Short && c.Low <= o.price {
				filled = true
				fillPrice = o.price * (1 - s)
			}
		}
		if filled && o.capital <= e.cash && e.pm.CanAddEntry(o.dir) {
			e.openEntry(o.dir, fillPrice, o.capital, c.OpenTime, i, o.reason)
			// A filled limit/stop entry opens a new trade and counts against
			// the daily and weekly quotas. Scale-in portions do not; they
			// extend the trade opened by the first portion.
			if o.reason == "limit_entry" || o.reason == "stop_entry" {
				e.tradesToday++
				e.tradesThisWeek++
			}
		} else if !filled {
			keep = append(keep, o)
		}
	}
	e.orders = keep
}

func (e *Engine) applyFunding(c market.Candle) {
	if !e.cfg.IncludeFunding || e.cfg.FundingIntervalHours <= 0 {
		return
	}
	slot := c.OpenTime.Unix() / int64(e.cfg.FundingIntervalHours*3600)
	if e.lastFundingSlot < 0 {
		e.lastFundingSlot = slot
		return
	}
	if slot == e.lastFundingSlot {
		return
	}
	e.lastFundingSlot = slot

	for _, d := range []Direction{Long, Short} {
		notional := e.pm.TotalSize(d) * c.Close
		if notional == 0 {
			continue
		}
		payment := notional * e.cfg.FundingRate
		if d == Long {
			e.cash -= payment
			e.out.TotalFunding -= payment
		} else {
			e.cash += payment
			e.out.TotalFunding += payment
		}
	}
}

// orderCapital sizes a single order per the configured mode.
func (e *Engine) orderCapital(d Direction, i int, c market.Candle) float64 {
	switch e.cfg.PositionSizingMode {
	case SizeRisk:
		if e.cfg.StopLoss <= 0 {
			return 0
		}
		capital := (e.cash * e.cfg.RiskPerTrade) / (e.cfg.StopLoss * e.cfg.Leverage)
		return clamp(capital, e.cfg.MinPositionSize*e.cash, e.cfg.MaxPositionSize*e.cash)
	case SizeKelly:
		trades := e.out.Trades
		if len(trades) < 10 {
			return e.fixedCapital()
		}
		recent := trades
		if len(recent) > 20 {
			recent = recent[len(recent)-20:]
		}
		var wins, winSum, lossSum float64
		for _, t := range recent {
			if t.PnL > 0 {
				wins++
				winSum += t.PnL
			} else {
				lossSum += -t.PnL
			}
		}
		winRate := wins / float64(len(recent))
		if wins == 0 || lossSum == 0 || winSum == 0 {
			return e.fixedCapital()
		}
		ratio := (winSum / wins) / (lossSum / (float64(len(recent)) - wins))
		kelly := winRate - (1-winRate)/ratio
		frac := clamp(kelly*e.cfg.KellyFraction, 0, e.cfg.MaxPositionSize)
		return frac * e.cash
	case SizeVolatility:
		atr := e.atr[i]
		if math.IsNaN(atr) || atr <= 0 || c.Close <= 0 {
			return e.fixedCapital()
		}
		capital := e.cash * e.cfg.PositionSize * e.cfg.VolatilityTarget / (atr / c.Close)
		return clamp(capital, e.cfg.MinPositionSize*e.cash, e.cfg.MaxPositionSize*e.cash)
	default:
		return e.fixedCapital()
	}
}

func (e *Engine) fixedCapital() float64 {
	if e.cfg.UseFixedAmount {
		return e.cfg.FixedAmount
	}
	return e.cash * e.cfg.PositionSize
}

func (e *Engine) slippage(i int, c market.Candle) float64 {
	return effectiveSlippage(
		e.cfg.SlippageModel, e.cfg.Slippage,
		c.Volume, e.avgVolume[i], e.atr[i], c.Close,
		e.cfg.SlippageVolumeImpact, e.cfg.SlippageVolatilityMult,
	)
}

// equity is cash + allocated margin + unrealized PnL.
func (e *Engine) equity(price float64) float64 {
	total := e.cash
	for _, d := range []Direction{Long, Short} {
		for _, entry := range e.pm.Entries(d) {
			total += entry.Price * entry.Size / e.cfg.Leverage
		}
		total += e.pm.UnrealizedPnL(d, price)
	}
	return total
}

func at(sig []bool, i int) bool {
	return sig != nil && i < len(sig) && sig[i]
}

func loadZone(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}
