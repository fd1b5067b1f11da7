package report

import (
	"strings"
	"testing"

	"replaydesk/internal/market"
	"replaydesk/internal/replay"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hour = int64(3_600_000)

func hourly(closes ...float64) []market.Candle {
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{Time: int64(i+1) * hour, Open: c, High: c + 0.001, Low: c - 0.001, Close: c}
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func TestEquityCurve(t *testing.T) {
	candles := hourly(1.10, 1.11, 1.12, 1.13)
	positions := []replay.Position{
		{
			ID: "a", Type: replay.SideBuy, EntryPrice: 1.10, Size: 1, Status: replay.StatusClosed,
			EntryTime: candles[0].Time, ExitTime: ptr(candles[2].Time), ExitPrice: ptr(1.12), ClosedPnl: 2000,
		},
		{
			ID: "b", Type: replay.SideSell, EntryPrice: 1.12, Size: 0.5, Status: replay.StatusOpen,
			EntryTime: candles[2].Time + 60_000,
		},
		{ID: "c", Type: replay.SideBuy, EntryPrice: 1.0, Size: 1, Status: replay.StatusPending},
	}
	curve := EquityCurve(candles, positions, 10000, 100000)
	require.Len(t, curve, 4)

	assert.InDelta(t, 10000, curve[0].Balance, 1e-9)
	assert.InDelta(t, 10000, curve[0].Equity, 1e-9)
	// a floats +1000 on the second bar
	assert.InDelta(t, 11000, curve[1].Equity, 1e-6)
	// a realised, b entered inside the third bar at 1.12
	assert.InDelta(t, 12000, curve[2].Balance, 1e-9)
	assert.InDelta(t, 12000, curve[2].Equity, 1e-6)
	// b short 0.5 lot loses 500 on the move to 1.13
	assert.InDelta(t, 11500, curve[3].Equity, 1e-6)
}

func TestTradeMarkers(t *testing.T) {
	candles := hourly(1.10, 1.11, 1.12)
	positions := []replay.Position{
		{ID: "a", EntryPrice: 1.105, Status: replay.StatusClosed, EntryTime: candles[0].Time + 1, ExitTime: ptr(candles[2].Time), ExitPrice: ptr(1.12)},
		{ID: "f", ParentID: "a", ExitReason: replay.ExitPartial, EntryPrice: 1.105, Status: replay.StatusClosed, EntryTime: candles[0].Time + 1, ExitTime: ptr(candles[1].Time), ExitPrice: ptr(1.11)},
	}
	entries, exits := tradeMarkers(candles, positions)
	assert.Equal(t, 1.105, entries[0])
	assert.NotEqual(t, entries[1], entries[1]) // NaN
	assert.Equal(t, 1.11, exits[1])
	assert.Equal(t, 1.12, exits[2])
}

func TestRenderHTML(t *testing.T) {
	candles := hourly(1.10, 1.11, 1.12, 1.115, 1.118)
	snap := replay.Snapshot{
		ID: "s1", Name: "practice", Symbol: "EURUSD", Timeframe: "1h",
		Balance: 10000, InitialBalance: 10000, Positions: []replay.Position{},
	}
	html, err := RenderHTML(Input{Snapshot: snap, Candles: candles, ContractSize: 100000, Digits: 5})
	require.NoError(t, err)
	page := string(html)
	assert.True(t, strings.Contains(page, "echarts"))
	assert.Contains(t, page, "EURUSD 1h")
	assert.Contains(t, page, "Equity")

	_, err = RenderHTML(Input{Snapshot: snap})
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	snap := replay.Snapshot{Balance: 10100, Positions: []replay.Position{
		{Status: replay.StatusClosed, ClosedPnl: 150},
		{Status: replay.StatusClosed, ClosedPnl: -50},
		{Status: replay.StatusOpen},
	}}
	assert.Equal(t, "balance 10100.00 | net +100.00 | trades 2 | win 50%", summarize(snap))
}
