package engine

import (
	"time"
)

// Entry is one fill inside a (possibly pyramided) position.
type Entry struct {
	Price    float64   `json:"price"`
	Size     float64   `json:"size"` // base units
	Time     time.Time `json:"time"`
	BarIndex int       `json:"bar_index"`
	Reason   string    `json:"reason"` // signal, scale_in, dca
}

// Trade is one closed slice of a position.
type Trade struct {
	Direction    Direction `json:"direction"`
	EntryPrice   float64   `json:"entry_price"`
	ExitPrice    float64   `json:"exit_price"`
	Size         float64   `json:"size"`
	PnL          float64   `json:"pnl"`
	Fees         float64   `json:"fees"`
	EntryTime    time.Time `json:"entry_time"`
	ExitTime     time.Time `json:"exit_time"`
	EntryBar     int       `json:"entry_bar"`
	ExitBar      int       `json:"exit_bar"`
	DurationBars int       `json:"duration_bars"`
	ExitReason   string    `json:"exit_reason"`
	MFE          float64   `json:"mfe"`
	MAE          float64   `json:"mae"`
}

// PositionManager maintains per-direction entry stacks with pyramiding and
// partial-close accounting.
type PositionManager struct {
	pyramiding int
	closeRule  CloseRule
	feeRate    float64
	entries    map[Direction][]Entry
	mfe        map[Direction]float64
	mae        map[Direction]float64
}

// NewPositionManager builds a manager. Fee rate applies per side.
func NewPositionManager(pyramiding int, rule CloseRule, feeRate float64) *PositionManager {
	if pyramiding < 1 {
		pyramiding = 1
	}
	if rule == "" {
		rule = CloseFIFO
	}
	return &PositionManager{
		pyramiding: pyramiding,
		closeRule:  rule,
		feeRate:    feeRate,
		entries:    map[Direction][]Entry{},
		mfe:        map[Direction]float64{},
		mae:        map[Direction]float64{},
	}
}

// CanAddEntry reports whether another entry fits under the pyramiding cap.
func (p *PositionManager) CanAddEntry(d Direction) bool {
	return len(p.entries[d]) < p.pyramiding
}

// AddEntry appends a fill.
func (p *PositionManager) AddEntry(d Direction, e Entry) {
	p.entries[d] = append(p.entries[d], e)
}

// HasPosition reports whether any entry is open in the direction.
func (p *PositionManager) HasPosition(d Direction) bool {
	return len(p.entries[d]) > 0
}

// EntryCount returns the number of stacked entries.
func (p *PositionManager) EntryCount(d Direction) int {
	return len(p.entries[d])
}

// Entries returns a copy of the open entries.
func (p *PositionManager) Entries(d Direction) []Entry {
	return append([]Entry(nil), p.entries[d]...)
}

// AvgEntryPrice is the size-weighted average entry price, 0 when flat.
func (p *PositionManager) AvgEntryPrice(d Direction) float64 {
	var notional, size float64
	for _, e := range p.entries[d] {
		notional += e.Price * e.Size
		size += e.Size
	}
	if size == 0 {
		return 0
	}
	return notional / size
}

// TotalSize is the summed base size of the open entries.
func (p *PositionManager) TotalSize(d Direction) float64 {
	var size float64
	for _, e := range p.entries[d] {
		size += e.Size
	}
	return size
}

// UpdateExcursions accumulates MFE/MAE from the bar's high and low.
func (p *PositionManager) UpdateExcursions(d Direction, high, low float64) {
	avg := p.AvgEntryPrice(d)
	if avg == 0 {
		return
	}
	var favorable, adverse float64
	if d == Long {
		favorable = (high - avg) / avg
		adverse = (avg - low) / avg
	} else {
		favorable = (avg - low) / avg
		adverse = (high - avg) / avg
	}
	if favorable > p.mfe[d] {
		p.mfe[d] = favorable
	}
	if adverse > p.mae[d] {
		p.mae[d] = adverse
	}
}

// UnrealizedPnL marks the position to the given price.
func (p *PositionManager) UnrealizedPnL(d Direction, price float64) float64 {
	var pnl float64
	for _, e := range p.entries[d] {
		if d == Long {
			pnl += (price - e.Price) * e.Size
		} else {
			pnl += (e.Price - price) * e.Size
		}
	}
	return pnl
}

// ClosePartial closes the given portion of the open position at price and
// returns one trade per consumed slice. The close rule decides which entries
// are consumed first: ALL closes proportionally across every entry, FIFO and
// LIFO consume whole entries from the respective end.
func (p *PositionManager) ClosePartial(d Direction, price, portion float64, exitTime time.Time, exitBar int, reason string) []Trade {
	if portion <= 0 || !p.HasPosition(d) {
		return nil
	}
	if portion > 1 {
		portion = 1
	}
	target := p.TotalSize(d) * portion

	var trades []Trade
	switch p.closeRule {
	case CloseAll:
		remaining := make([]Entry, 0, len(p.entries[d]))
		for _, e := range p.entries[d] {
			slice := e.Size * portion
			trades = append(trades, p.makeTrade(d, e, price, slice, exitTime, exitBar, reason))
			e.Size -= slice
			if e.Size > 1e-12 {
				remaining = append(remaining, e)
			}
		}
		p.entries[d] = remaining
	case CloseLIFO:
		trades = p.consume(d, price, target, exitTime, exitBar, reason, true)
	default: // FIFO
		trades = p.consume(d, price, target, exitTime, exitBar, reason, false)
	}

	if !p.HasPosition(d) {
		p.mfe[d] = 0
		p.mae[d] = 0
	}
	return trades
}

func (p *PositionManager) consume(d Direction, price, target float64, exitTime time.Time, exitBar int, reason string, lifo bool) []Trade {
	var trades []Trade
	entries := p.entries[d]
	for target > 1e-12 && len(entries) > 0 {
		idx := 0
		if lifo {
			idx = len(entries) - 1
		}
		e := entries[idx]
		slice := e.Size
		if slice > target {
			slice = target
		}
		trades = append(trades, p.makeTrade(d, e, price, slice, exitTime, exitBar, reason))
		target -= slice
		e.Size -= slice
		if e.Size <= 1e-12 {
			if lifo {
				entries = entries[:idx]
			} else {
				entries = entries[1:]
			}
		} else {
			entries[idx] = e
		}
	}
	p.entries[d] = entries
	return trades
}

// ClosePosition closes everything open in the direction.
func (p *PositionManager) ClosePosition(d Direction, price float64, exitTime time.Time, exitBar int, reason string) []Trade {
	return p.ClosePartial(d, price, 1.0, exitTime, exitBar, reason)
}

func (p *PositionManager) makeTrade(d Direction, e Entry, exitPrice, size float64, exitTime time.Time, exitBar int, reason string) Trade {
	var pnl float64
	if d == Long {
		pnl = (exitPrice - e.Price) * size
	} else {
		pnl = (e.Price - exitPrice) * size
	}
	fees := (e.Price + exitPrice) * size * p.feeRate
	return Trade{
		Direction:    d,
		EntryPrice:   e.Price,
		ExitPrice:    exitPrice,
		Size:         size,
		PnL:          pnl - fees,
		Fees:         fees,
		EntryTime:    e.Time,
		ExitTime:     exitTime,
		EntryBar:     e.BarIndex,
		ExitBar:      exitBar,
		DurationBars: exitBar - e.BarIndex,
		ExitReason:   reason,
		MFE:          p.mfe[d],
		MAE:          p.mae[d],
	}
}

// TPPrice returns the fixed-percentage take profit from the average entry.
func (p *PositionManager) TPPrice(d Direction, takeProfit float64) float64 {
	avg := p.AvgEntryPrice(d)
	if d == Long {
		return avg * (1 + takeProfit)
	}
	return avg * (1 - takeProfit)
}

// SLPrice returns the fixed-percentage stop loss from the average entry.
func (p *PositionManager) SLPrice(d Direction, stopLoss float64) float64 {
	avg := p.AvgEntryPrice(d)
	if d == Long {
		return avg * (1 - stopLoss)
	}
	return avg * (1 + stopLoss)
}

// ATRTPPrice returns the ATR-scaled take profit.
func (p *PositionManager) ATRTPPrice(d Direction, atr, multiplier float64) float64 {
	avg := p.AvgEntryPrice(d)
	if d == Long {
		return avg + atr*multiplier
	}
	return avg - atr*multiplier
}

// ATRSLPrice returns the ATR-scaled stop loss.
func (p *PositionManager) ATRSLPrice(d Direction, atr, multiplier float64) float64 {
	avg := p.AvgEntryPrice(d)
	if d == Long {
		return avg - atr*multiplier
	}
	return avg + atr*multiplier
}

// MultiTPPrices derives the staircase prices from the average entry and the
// configured levels (absolute percentages).
func (p *PositionManager) MultiTPPrices(d Direction, levels []float64) []float64 {
	avg := p.AvgEntryPrice(d)
	out := make([]float64, len(levels))
	for i, level := range levels {
		if d == Long {
			out[i] = avg * (1 + level)
		} else {
			out[i] = avg * (1 - level)
		}
	}
	return out
}
