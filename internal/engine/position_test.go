package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tradeTime = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func TestPyramidingCap(t *testing.T) {
	pm := NewPositionManager(2, CloseFIFO, 0)
	assert.True(t, pm.CanAddEntry(Long))
	pm.AddEntry(Long, Entry{Price: 100, Size: 1, Time: tradeTime})
	assert.True(t, pm.CanAddEntry(Long))
	pm.AddEntry(Long, Entry{Price: 110, Size: 1, Time: tradeTime})
	assert.False(t, pm.CanAddEntry(Long))
	assert.True(t, pm.CanAddEntry(Short), "directions are independent")
}

func TestAvgEntryPriceWeighted(t *testing.T) {
	pm := NewPositionManager(3, CloseFIFO, 0)
	pm.AddEntry(Long, Entry{Price: 100, Size: 1})
	pm.AddEntry(Long, Entry{Price: 110, Size: 3})
	assert.InDelta(t, 107.5, pm.AvgEntryPrice(Long), 1e-12)
	assert.InDelta(t, 4.0, pm.TotalSize(Long), 1e-12)
	assert.Zero(t, pm.AvgEntryPrice(Short))
}

func TestClosePartialFIFO(t *testing.T) {
	pm := NewPositionManager(3, CloseFIFO, 0)
	pm.AddEntry(Long, Entry{Price: 100, Size: 2, BarIndex: 1})
	pm.AddEntry(Long, Entry{Price: 110, Size: 2, BarIndex: 2})

	trades := pm.ClosePartial(Long, 120, 0.5, tradeTime, 5, "take_profit")
	require.Len(t, trades, 1, "half the size is exactly the first entry")
	assert.InDelta(t, 100.0, trades[0].EntryPrice, 1e-12)
	assert.InDelta(t, 2.0, trades[0].Size, 1e-12)
	assert.InDelta(t, 40.0, trades[0].PnL, 1e-12)
	assert.InDelta(t, 2.0, pm.TotalSize(Long), 1e-12)
	assert.InDelta(t, 110.0, pm.AvgEntryPrice(Long), 1e-12)
}

func TestClosePartialLIFO(t *testing.T) {
	pm := NewPositionManager(3, CloseLIFO, 0)
	pm.AddEntry(Long, Entry{Price: 100, Size: 2, BarIndex: 1})
	pm.AddEntry(Long, Entry{Price: 110, Size: 2, BarIndex: 2})

	trades := pm.ClosePartial(Long, 120, 0.5, tradeTime, 5, "take_profit")
	require.Len(t, trades, 1)
	assert.InDelta(t, 110.0, trades[0].EntryPrice, 1e-12, "LIFO consumes newest entry")
	assert.InDelta(t, 100.0, pm.AvgEntryPrice(Long), 1e-12)
}

func TestClosePartialAllProportional(t *testing.T) {
	pm := NewPositionManager(3, CloseAll, 0)
	pm.AddEntry(Long, Entry{Price: 100, Size: 2})
	pm.AddEntry(Long, Entry{Price: 110, Size: 2})

	trades := pm.ClosePartial(Long, 120, 0.5, tradeTime, 5, "take_profit")
	require.Len(t, trades, 2, "ALL closes a slice of every entry")
	assert.InDelta(t, 1.0, trades[0].Size, 1e-12)
	assert.InDelta(t, 1.0, trades[1].Size, 1e-12)
	assert.InDelta(t, 2.0, pm.TotalSize(Long), 1e-12)
	assert.InDelta(t, 105.0, pm.AvgEntryPrice(Long), 1e-12, "average preserved")
}

func TestClosePositionEmptiesStack(t *testing.T) {
	pm := NewPositionManager(3, CloseFIFO, 0)
	pm.AddEntry(Short, Entry{Price: 100, Size: 1})
	pm.AddEntry(Short, Entry{Price: 95, Size: 1})

	trades := pm.ClosePosition(Short, 90, tradeTime, 9, "signal")
	require.Len(t, trades, 2)
	assert.False(t, pm.HasPosition(Short))
	assert.InDelta(t, 10.0, trades[0].PnL, 1e-12)
	assert.InDelta(t, 5.0, trades[1].PnL, 1e-12)
}

func TestFeesOnBothSides(t *testing.T) {
	pm := NewPositionManager(1, CloseFIFO, 0.0007)
	pm.AddEntry(Long, Entry{Price: 100, Size: 10})
	trades := pm.ClosePosition(Long, 102, tradeTime, 3, "take_profit")
	require.Len(t, trades, 1)
	wantFees := (100.0 + 102.0) * 10 * 0.0007
	assert.InDelta(t, wantFees, trades[0].Fees, 1e-12)
	assert.InDelta(t, 20.0-wantFees, trades[0].PnL, 1e-12)
}

func TestPriceHelpers(t *testing.T) {
	pm := NewPositionManager(1, CloseFIFO, 0)
	pm.AddEntry(Long, Entry{Price: 200, Size: 1})

	assert.InDelta(t, 208.0, pm.TPPrice(Long, 0.04), 1e-12)
	assert.InDelta(t, 196.0, pm.SLPrice(Long, 0.02), 1e-12)
	assert.InDelta(t, 215.0, pm.ATRTPPrice(Long, 5, 3), 1e-12)
	assert.InDelta(t, 190.0, pm.ATRSLPrice(Long, 5, 2), 1e-12)
	assert.Equal(t, []float64{202, 206}, pm.MultiTPPrices(Long, []float64{0.01, 0.03}))

	pm.AddEntry(Short, Entry{Price: 100, Size: 1})
	assert.InDelta(t, 96.0, pm.TPPrice(Short, 0.04), 1e-12)
	assert.InDelta(t, 102.0, pm.SLPrice(Short, 0.02), 1e-12)
	assert.Equal(t, []float64{99, 97}, pm.MultiTPPrices(Short, []float64{0.01, 0.03}))
}

func TestExcursionsTracked(t *testing.T) {
	pm := NewPositionManager(1, CloseFIFO, 0)
	pm.AddEntry(Long, Entry{Price: 100, Size: 1})
	pm.UpdateExcursions(Long, 105, 98)
	pm.UpdateExcursions(Long, 103, 96)

	trades := pm.ClosePosition(Long, 101, tradeTime, 2, "signal")
	require.Len(t, trades, 1)
	assert.InDelta(t, 0.05, trades[0].MFE, 1e-12)
	assert.InDelta(t, 0.04, trades[0].MAE, 1e-12)
}

func TestMultiDCAAverageRecalc(t *testing.T) {
	pm := NewPositionManager(5, CloseFIFO, 0)
	pm.AddEntry(Long, Entry{Price: 100, Size: 1})
	first := pm.MultiTPPrices(Long, []float64{0.02})
	pm.AddEntry(Long, Entry{Price: 90, Size: 1})
	second := pm.MultiTPPrices(Long, []float64{0.02})
	assert.Less(t, second[0], first[0], "tp tracks the cheaper average entry")
	assert.InDelta(t, 95.0*1.02, second[0], 1e-12)
}
