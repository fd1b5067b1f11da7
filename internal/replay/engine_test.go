package replay

import (
	"fmt"
	"testing"

	"replaydesk/internal/asset"
	"replaydesk/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func forexAsset() asset.Asset {
	return asset.Default("EURUSD")
}

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("p%d", n)
	}
}

func newTestEngine() *Engine {
	return NewEngine(forexAsset(), 10000, WithIDGenerator(seqIDs()))
}

func candle(ts int64, o, h, l, c float64) market.Candle {
	return market.Candle{Time: ts, Open: o, High: h, Low: l, Close: c}
}

func mustPosition(t *testing.T, e *Engine, id string) Position {
	t.Helper()
	p, ok := e.Position(id)
	require.True(t, ok, "position %s not found", id)
	return p
}

func TestMarketBuyImmediateStopLoss(t *testing.T) {
	e := newTestEngine()
	c := candle(0, 1.1000, 1.1005, 1.0990, 1.0995)
	e.SetMark(Mark{Cursor: 0, CandleTime: 0, Price: c.Close})

	id := e.OpenPosition(OpenRequest{Side: SideBuy, OrderType: OrderMarket, Size: 1, EntryPrice: 1.1000, SL: ptr(1.0995)})
	require.NotEmpty(t, id)

	events := e.Evaluate(c)
	require.Len(t, events, 1)
	assert.Equal(t, TriggerSL, events[0].Kind)

	p := mustPosition(t, e, id)
	assert.Equal(t, StatusClosed, p.Status)
	assert.Equal(t, ExitSL, p.ExitReason)
	require.NotNil(t, p.ExitPrice)
	assert.Equal(t, 1.0995, *p.ExitPrice)
	assert.InDelta(t, (1.0995-1.1000)*1*100000, p.ClosedPnl, 1e-6)
	assert.InDelta(t, 10000+p.ClosedPnl, e.Balance(), 1e-9)
}

func sellStopCandles() []market.Candle {
	return []market.Candle{
		candle(0, 0.9030, 0.9040, 0.9010, 0.9020),
		candle(1000, 0.9020, 0.9030, 0.8990, 0.8995),
		candle(2000, 0.8995, 0.8998, 0.8950, 0.8955),
	}
}

func TestSellStopTriggersThenTakeProfit(t *testing.T) {
	e := newTestEngine()
	cs := sellStopCandles()
	e.SetMark(Mark{Cursor: 0, CandleTime: 0, Price: cs[0].Close})
	e.Evaluate(cs[0])

	id := e.OpenPosition(OpenRequest{Side: SideSell, OrderType: OrderStop, Size: 1, EntryPrice: 0.9000, SL: ptr(0.9050), TP: ptr(0.8960)})
	require.NotEmpty(t, id)
	assert.Equal(t, StatusPending, mustPosition(t, e, id).Status)
	assert.Empty(t, e.Evaluate(cs[0]))

	events := e.Evaluate(cs[1])
	require.Len(t, events, 1)
	assert.Equal(t, TriggerEntry, events[0].Kind)
	p := mustPosition(t, e, id)
	assert.Equal(t, StatusOpen, p.Status)
	assert.Equal(t, int64(1000), p.EntryTime)

	events = e.Evaluate(cs[2])
	require.Len(t, events, 1)
	assert.Equal(t, TriggerTP, events[0].Kind)
	p = mustPosition(t, e, id)
	assert.Equal(t, StatusClosed, p.Status)
	assert.Equal(t, ExitTP, p.ExitReason)
	assert.Equal(t, 0.8960, *p.ExitPrice)
	assert.Equal(t, int64(2000), *p.ExitTime)
	assert.InDelta(t, 400, p.ClosedPnl, 1e-6)
}

func TestRewindReopensClosedTrade(t *testing.T) {
	e := newTestEngine()
	cs := sellStopCandles()
	e.SetMark(Mark{Cursor: 0, CandleTime: 0, Price: cs[0].Close})
	id := e.OpenPosition(OpenRequest{Side: SideSell, OrderType: OrderStop, Size: 1, EntryPrice: 0.9000, TP: ptr(0.8960)})
	for _, c := range cs {
		e.Evaluate(c)
	}
	require.Equal(t, StatusClosed, mustPosition(t, e, id).Status)

	e.Evaluate(cs[1])
	p := mustPosition(t, e, id)
	assert.Equal(t, StatusOpen, p.Status)
	assert.Nil(t, p.ExitTime)
	assert.Nil(t, p.ExitPrice)
	assert.Empty(t, p.ExitReason)
	assert.Zero(t, p.ClosedPnl)
	assert.Equal(t, int64(1000), p.EntryTime)
	assert.Equal(t, 10000.0, e.Balance())

	e.Evaluate(cs[0])
	p = mustPosition(t, e, id)
	assert.Equal(t, StatusPending, p.Status)
	assert.Zero(t, p.EntryTime)
}

func TestStopLossWinsWhenBothHit(t *testing.T) {
	e := newTestEngine()
	e.SetMark(Mark{CandleTime: 0, Price: 1.1})
	buy := e.OpenPosition(OpenRequest{Side: SideBuy, Size: 1, EntryPrice: 1.1, SL: ptr(1.0990), TP: ptr(1.1010)})
	sell := e.OpenPosition(OpenRequest{Side: SideSell, Size: 1, EntryPrice: 1.1, SL: ptr(1.1010), TP: ptr(1.0990)})

	e.Evaluate(candle(60_000, 1.1, 1.1020, 1.0980, 1.1))

	assert.Equal(t, ExitSL, mustPosition(t, e, buy).ExitReason)
	assert.Equal(t, 1.0990, *mustPosition(t, e, buy).ExitPrice)
	assert.Equal(t, ExitSL, mustPosition(t, e, sell).ExitReason)
	assert.Equal(t, 1.1010, *mustPosition(t, e, sell).ExitPrice)
}

func TestEntryConditions(t *testing.T) {
	c := candle(60_000, 1.1000, 1.1010, 1.0990, 1.1005)
	tests := []struct {
		name  string
		side  Side
		typ   OrderType
		entry float64
		fills bool
	}{
		{"buy limit touched", SideBuy, OrderLimit, 1.0990, true},
		{"buy limit below low", SideBuy, OrderLimit, 1.0985, false},
		{"buy stop touched", SideBuy, OrderStop, 1.1010, true},
		{"buy stop above high", SideBuy, OrderStop, 1.1015, false},
		{"sell limit touched", SideSell, OrderLimit, 1.1010, true},
		{"sell limit above high", SideSell, OrderLimit, 1.1011, false},
		{"sell stop touched", SideSell, OrderStop, 1.0990, true},
		{"sell stop below low", SideSell, OrderStop, 1.0980, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine()
			id := e.OpenPosition(OpenRequest{Side: tt.side, OrderType: tt.typ, Size: 0.5, EntryPrice: tt.entry})
			require.NotEmpty(t, id)
			e.Evaluate(c)
			p := mustPosition(t, e, id)
			if tt.fills {
				assert.Equal(t, StatusOpen, p.Status)
				assert.Equal(t, c.Time, p.EntryTime)
			} else {
				assert.Equal(t, StatusPending, p.Status)
				assert.Zero(t, p.EntryTime)
			}
		})
	}
}

func TestTriggerCandleIsNotExitEvaluated(t *testing.T) {
	e := newTestEngine()
	id := e.OpenPosition(OpenRequest{Side: SideBuy, OrderType: OrderLimit, Size: 1, EntryPrice: 1.1000, SL: ptr(1.0990)})
	// the candle both fills the limit and trades through the stop
	c := candle(60_000, 1.1010, 1.1015, 1.0980, 1.0985)
	e.Evaluate(c)
	assert.Equal(t, StatusOpen, mustPosition(t, e, id).Status)

	e.Evaluate(candle(120_000, 1.0985, 1.0995, 1.0985, 1.0990))
	p := mustPosition(t, e, id)
	assert.Equal(t, StatusClosed, p.Status)
	assert.Equal(t, ExitSL, p.ExitReason)
}

func TestIdempotentReevaluation(t *testing.T) {
	e := newTestEngine()
	cs := sellStopCandles()
	e.SetMark(Mark{CandleTime: 0, Price: cs[0].Close})
	e.OpenPosition(OpenRequest{Side: SideSell, OrderType: OrderStop, Size: 1, EntryPrice: 0.9000, TP: ptr(0.8960)})
	e.OpenPosition(OpenRequest{Side: SideBuy, Size: 2, EntryPrice: 0.9020, SL: ptr(0.8970)})

	for _, c := range cs {
		e.Evaluate(c)
		once := e.Positions()
		rev := e.Revision()
		assert.Empty(t, e.Evaluate(c))
		assert.Equal(t, once, e.Positions())
		assert.Equal(t, rev, e.Revision(), "second evaluation must not mutate")
	}
}

func TestDeterminismUnderScrub(t *testing.T) {
	cs := []market.Candle{
		candle(0, 1.1000, 1.1004, 1.0996, 1.1000),
		candle(60_000, 1.1000, 1.1012, 1.0998, 1.1010),
		candle(120_000, 1.1010, 1.1025, 1.1005, 1.1020),
		candle(180_000, 1.1020, 1.1022, 1.0985, 1.0990),
		candle(240_000, 1.0990, 1.0995, 1.0960, 1.0970),
		candle(300_000, 1.0970, 1.1000, 1.0965, 1.0995),
	}
	build := func() *Engine {
		e := newTestEngine()
		e.SetMark(Mark{CandleTime: 0, Price: cs[0].Close})
		e.OpenPosition(OpenRequest{Side: SideBuy, OrderType: OrderStop, Size: 1, EntryPrice: 1.1010, SL: ptr(1.0990), TP: ptr(1.1030)})
		e.OpenPosition(OpenRequest{Side: SideSell, OrderType: OrderLimit, Size: 0.5, EntryPrice: 1.1020, SL: ptr(1.1040), TP: ptr(1.0970)})
		e.OpenPosition(OpenRequest{Side: SideBuy, Size: 0.3, EntryPrice: 1.1000, TP: ptr(1.1024)})
		e.OpenPosition(OpenRequest{Side: SideBuy, OrderType: OrderLimit, Size: 0.2, EntryPrice: 1.0962})
		return e
	}

	reference := make([][]Position, len(cs))
	fwd := build()
	for i, c := range cs {
		fwd.Evaluate(c)
		reference[i] = fwd.Positions()
	}

	// scrub backwards from the end, evaluating only the target candle
	for i := len(cs) - 1; i >= 0; i-- {
		fwd.Evaluate(cs[i])
		assert.Equal(t, reference[i], fwd.Positions(), "backward seek to %d", i)
	}
	// and forward again candle by candle
	for i, c := range cs {
		fwd.Evaluate(c)
		assert.Equal(t, reference[i], fwd.Positions(), "forward replay to %d", i)
	}
	// a jump back from the end to the middle
	for i := range cs {
		fwd.Evaluate(cs[i])
	}
	fwd.Evaluate(cs[2])
	assert.Equal(t, reference[2], fwd.Positions())
}

func TestBalanceIsRecomputed(t *testing.T) {
	e := newTestEngine()
	e.SetMark(Mark{CandleTime: 0, Price: 1.1})
	a := e.OpenPosition(OpenRequest{Side: SideBuy, Size: 1, EntryPrice: 1.1000})
	b := e.OpenPosition(OpenRequest{Side: SideSell, Size: 0.5, EntryPrice: 1.1000})

	require.True(t, e.ClosePosition(a, 1.1010))
	require.True(t, e.ClosePosition(b, 1.1020))
	want := 10000 + (1.1010-1.1000)*100000 + (1.1000-1.1020)*0.5*100000
	assert.InDelta(t, want, e.Balance(), 1e-6)

	require.True(t, e.DeletePosition(a))
	assert.InDelta(t, 10000+(1.1000-1.1020)*0.5*100000, e.Balance(), 1e-6)
}

func TestEquityIncludesOpenPositions(t *testing.T) {
	e := newTestEngine()
	e.SetMark(Mark{CandleTime: 0, Price: 1.1})
	e.OpenPosition(OpenRequest{Side: SideBuy, Size: 1, EntryPrice: 1.1000})
	e.OpenPosition(OpenRequest{Side: SideBuy, OrderType: OrderLimit, Size: 1, EntryPrice: 1.0900})
	assert.InDelta(t, 10000+0.0020*100000, e.Equity(1.1020), 1e-6)
}

func TestMarketOrderUsesMarkPrice(t *testing.T) {
	e := newTestEngine()
	e.SetMark(Mark{Cursor: 90_000, CandleTime: 60_000, Price: 1.2345})
	id := e.OpenPosition(OpenRequest{Side: SideBuy, Size: 0.1})
	p := mustPosition(t, e, id)
	assert.Equal(t, 1.2345, p.EntryPrice)
	assert.Equal(t, int64(60_000), p.EntryTime)
	assert.Equal(t, int64(60_000), p.CreatedAt)
	assert.Equal(t, StatusOpen, p.Status)
	assert.Equal(t, "EURUSD", p.Asset)
}

func TestOpenPositionRejectsBadInput(t *testing.T) {
	e := newTestEngine()
	e.SetMark(Mark{Price: 1.1})
	assert.Empty(t, e.OpenPosition(OpenRequest{Side: "HOLD", Size: 1}))
	assert.Empty(t, e.OpenPosition(OpenRequest{Side: SideBuy, Size: 0.001}))
	assert.Empty(t, e.OpenPosition(OpenRequest{Side: SideBuy, OrderType: OrderLimit, Size: 1}))
	assert.Empty(t, e.OpenPosition(OpenRequest{Side: SideBuy, OrderType: "ICEBERG", Size: 1, EntryPrice: 1}))
	assert.Empty(t, e.Positions())
}

func TestExistenceGuard(t *testing.T) {
	e := newTestEngine()
	e.SetMark(Mark{Cursor: 180_000, CandleTime: 180_000, Price: 1.1})
	id := e.OpenPosition(OpenRequest{Side: SideBuy, OrderType: OrderLimit, Size: 1, EntryPrice: 1.0990})

	// an earlier candle that traded through the limit must not fill it
	assert.Empty(t, e.Evaluate(candle(60_000, 1.1, 1.1, 1.0950, 1.0960)))
	assert.Equal(t, StatusPending, mustPosition(t, e, id).Status)

	e.Evaluate(candle(240_000, 1.1, 1.1, 1.0980, 1.0985))
	assert.Equal(t, StatusOpen, mustPosition(t, e, id).Status)
}

func TestClosePosition(t *testing.T) {
	e := newTestEngine()
	e.SetMark(Mark{Cursor: 90_000, CandleTime: 60_000, Price: 1.1010})
	id := e.OpenPosition(OpenRequest{Side: SideBuy, Size: 1, EntryPrice: 1.1000})

	require.True(t, e.ClosePosition(id, 0))
	p := mustPosition(t, e, id)
	assert.Equal(t, ExitManual, p.ExitReason)
	assert.Equal(t, 1.1010, *p.ExitPrice)
	assert.Equal(t, int64(60_000), *p.ExitTime)
	assert.False(t, e.ClosePosition(id, 0), "already closed")
	assert.False(t, e.ClosePosition("missing", 0))

	// re-evaluating the candle of a manual close keeps it closed
	e.Evaluate(candle(60_000, 1.1, 1.1015, 1.0995, 1.1010))
	assert.Equal(t, StatusClosed, mustPosition(t, e, id).Status)
}

func TestSameCandleOpenAndCloseKeepsOrder(t *testing.T) {
	e := newTestEngine()
	e.SetMark(Mark{Cursor: 90_000, CandleTime: 60_000, Price: 1.1})
	id := e.OpenPosition(OpenRequest{Side: SideBuy, Size: 1})
	require.True(t, e.ClosePosition(id, 0))
	p := mustPosition(t, e, id)
	require.NotNil(t, p.ExitTime)
	assert.GreaterOrEqual(t, *p.ExitTime, p.EntryTime)

	e.SetMark(Mark{Cursor: 150_000, CandleTime: 120_000, Price: 1.1})
	id = e.OpenPosition(OpenRequest{Side: SideSell, Size: 1})
	fragID, ok := e.PartialClose(id, 0.4, 0)
	require.True(t, ok)
	frag := mustPosition(t, e, fragID)
	assert.Equal(t, int64(120_000), frag.EntryTime)
	assert.GreaterOrEqual(t, *frag.ExitTime, frag.EntryTime)
}

func TestClosePendingCancels(t *testing.T) {
	e := newTestEngine()
	id := e.OpenPosition(OpenRequest{Side: SideSell, OrderType: OrderLimit, Size: 1, EntryPrice: 1.2})
	require.True(t, e.ClosePosition(id, 0))
	_, ok := e.Position(id)
	assert.False(t, ok)
}

func TestPartialCloseConservesSize(t *testing.T) {
	e := newTestEngine()
	e.SetMark(Mark{Cursor: 0, CandleTime: 0, Price: 1.1})
	id := e.OpenPosition(OpenRequest{Side: SideBuy, Size: 1, EntryPrice: 1.1000, SL: ptr(1.0900)})
	e.Evaluate(candle(0, 1.1, 1.1005, 1.0995, 1.1))

	e.SetMark(Mark{Cursor: 120_000, CandleTime: 120_000, Price: 1.1020})
	fragID, ok := e.PartialClose(id, 0.3, 0)
	require.True(t, ok)
	require.NotEqual(t, id, fragID)

	parent := mustPosition(t, e, id)
	frag := mustPosition(t, e, fragID)
	assert.Equal(t, 0.7, parent.Size)
	assert.Equal(t, 1.0, parent.InitialSize)
	assert.Equal(t, StatusOpen, parent.Status)
	assert.Equal(t, id, frag.ParentID)
	assert.Equal(t, ExitPartial, frag.ExitReason)
	assert.Equal(t, StatusClosed, frag.Status)
	assert.Equal(t, 0.3, frag.Size)
	assert.Equal(t, 0.3, frag.InitialSize)
	assert.InDelta(t, 0.0020*0.3*100000, frag.ClosedPnl, 1e-6)
	assert.InDelta(t, 1.0, parent.Size+frag.Size, 1e-9)

	// rewinding before the partial close folds the fragment back
	e.Evaluate(candle(60_000, 1.1, 1.1010, 1.0995, 1.1005))
	_, ok = e.Position(fragID)
	assert.False(t, ok)
	assert.Equal(t, 1.0, mustPosition(t, e, id).Size)
	assert.Equal(t, 10000.0, e.Balance())
}

func TestPartialCloseEdges(t *testing.T) {
	e := newTestEngine()
	e.SetMark(Mark{CandleTime: 0, Price: 1.1})
	id := e.OpenPosition(OpenRequest{Side: SideBuy, Size: 0.5, EntryPrice: 1.1})

	_, ok := e.PartialClose(id, 0, 0)
	assert.False(t, ok)
	_, ok = e.PartialClose(id, 0.004, 0)
	assert.False(t, ok, "rounds to zero")
	_, ok = e.PartialClose(id, 0.005, 0)
	assert.False(t, ok, "below the minimum lot")
	assert.Equal(t, 0.5, mustPosition(t, e, id).Size)
	assert.Len(t, e.Positions(), 1)

	// sizes are floored, never rounded up past the request
	fragID, ok := e.PartialClose(id, 0.019, 0)
	require.True(t, ok)
	assert.Equal(t, 0.01, mustPosition(t, e, fragID).Size)
	assert.Equal(t, 0.49, mustPosition(t, e, id).Size)

	// requesting more than the position closes it fully without a fragment
	closedID, ok := e.PartialClose(id, 2, 1.1010)
	require.True(t, ok)
	assert.Equal(t, id, closedID)
	p := mustPosition(t, e, id)
	assert.Equal(t, StatusClosed, p.Status)
	assert.Equal(t, ExitManual, p.ExitReason)
	assert.Len(t, e.Positions(), 2)

	pending := e.OpenPosition(OpenRequest{Side: SideBuy, OrderType: OrderLimit, Size: 1, EntryPrice: 1.0})
	_, ok = e.PartialClose(pending, 0.5, 0)
	assert.False(t, ok, "only OPEN positions can be split")
}

func TestUpdatePosition(t *testing.T) {
	e := newTestEngine()
	e.SetMark(Mark{CandleTime: 0, Price: 1.1})
	id := e.OpenPosition(OpenRequest{Side: SideBuy, Size: 1, EntryPrice: 1.1, SL: ptr(1.09)})

	require.True(t, e.UpdatePosition(id, PositionPatch{TP: ptr(1.12)}))
	p := mustPosition(t, e, id)
	assert.Equal(t, 1.09, *p.SL)
	assert.Equal(t, 1.12, *p.TP)

	// an SL above the market is accepted and fills on the next evaluation
	require.True(t, e.UpdatePosition(id, PositionPatch{SL: ptr(1.2)}))
	e.Evaluate(candle(60_000, 1.1, 1.101, 1.099, 1.1))
	p = mustPosition(t, e, id)
	assert.Equal(t, ExitSL, p.ExitReason)
	assert.Equal(t, 1.2, *p.ExitPrice)

	assert.False(t, e.UpdatePosition(id, PositionPatch{ClearSL: true}), "closed positions are frozen")
	assert.False(t, e.UpdatePosition("missing", PositionPatch{}))

	other := e.OpenPosition(OpenRequest{Side: SideSell, OrderType: OrderLimit, Size: 1, EntryPrice: 1.2, TP: ptr(1.1)})
	require.True(t, e.UpdatePosition(other, PositionPatch{ClearTP: true, EntryPrice: ptr(1.21)}))
	p = mustPosition(t, e, other)
	assert.Nil(t, p.TP)
	assert.Equal(t, 1.21, p.EntryPrice)
}

func TestPositionsReturnsCopy(t *testing.T) {
	e := newTestEngine()
	e.SetMark(Mark{Price: 1.1})
	id := e.OpenPosition(OpenRequest{Side: SideBuy, Size: 1, SL: ptr(1.0)})
	list := e.Positions()
	*list[0].SL = 5
	list[0].Size = 9
	p := mustPosition(t, e, id)
	assert.Equal(t, 1.0, *p.SL)
	assert.Equal(t, 1.0, p.Size)
}
