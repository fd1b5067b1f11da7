package replay

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"replaydesk/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSaver struct {
	mu    sync.Mutex
	saved []Snapshot
}

func (r *recordingSaver) Save(s Snapshot) {
	r.mu.Lock()
	r.saved = append(r.saved, s)
	r.mu.Unlock()
}

func (r *recordingSaver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saved)
}

func (r *recordingSaver) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved[len(r.saved)-1]
}

// flatCandles returns n one-minute candles at price, starting at one minute.
func flatCandles(n int, price float64) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		out[i] = market.Candle{Time: int64(i+1) * minute, Open: price, High: price, Low: price, Close: price}
	}
	return out
}

func newTestSession(t *testing.T, candles []market.Candle, mutate func(*SessionConfig)) *Session {
	t.Helper()
	tf, err := market.ParseTimeframe("1m")
	require.NoError(t, err)
	cfg := SessionConfig{
		ID:             "s1",
		Name:           "test",
		Symbol:         "EURUSD",
		Timeframe:      tf,
		Asset:          forexAsset(),
		InitialBalance: 10000,
		Now:            func() time.Time { return time.UnixMilli(1_700_000_000_000) },
		IDGenerator:    seqIDs(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSession(cfg, candles)
	require.NoError(t, err)
	return s
}

func TestNewSessionNeedsTwoCandles(t *testing.T) {
	_, err := NewSession(SessionConfig{ID: "x"}, flatCandles(1, 1.1))
	assert.ErrorIs(t, err, ErrInsufficientData)
	_, err = NewSession(SessionConfig{ID: "x"}, nil)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestSessionStartsPausedAtFirstCandle(t *testing.T) {
	s := newTestSession(t, flatCandles(5, 1.1), nil)
	v := s.View()
	assert.Equal(t, ClockPaused, v.State)
	assert.Equal(t, minute, v.Cursor)
	assert.Equal(t, 0, v.VisibleIndex)
	require.NotNil(t, v.Candle)
	assert.Equal(t, 10000.0, v.Balance)
	assert.Equal(t, 10000.0, v.Equity)
	assert.NotNil(t, v.Positions)
}

func TestFrameEvaluatesSkippedCandles(t *testing.T) {
	candles := flatCandles(6, 1.1)
	candles[1].Low = 1.095
	s := newTestSession(t, candles, nil)

	id := s.OpenPosition(OpenRequest{Side: SideBuy, OrderType: OrderLimit, Size: 1, EntryPrice: 1.096})
	require.NotEmpty(t, id)
	require.True(t, s.Play())

	// three candles in one frame; the fill sits on the first skipped one
	require.True(t, s.Frame(3000))
	v := s.View()
	assert.Equal(t, 3, v.VisibleIndex)
	require.Len(t, v.Positions, 1)
	assert.Equal(t, StatusOpen, v.Positions[0].Status)
	assert.Equal(t, candles[1].Time, v.Positions[0].EntryTime)
}

func TestFrameIgnoredWhenPaused(t *testing.T) {
	s := newTestSession(t, flatCandles(5, 1.1), nil)
	assert.False(t, s.Frame(1000))
	assert.Equal(t, minute, s.View().Cursor)
}

func TestAutoPauseStopsOnTriggerCandle(t *testing.T) {
	candles := flatCandles(8, 1.1)
	candles[2].Low = 1.097
	s := newTestSession(t, candles, func(cfg *SessionConfig) { cfg.AutoPause = true })

	id := s.OpenPosition(OpenRequest{Side: SideBuy, Size: 1, SL: ptr(1.098)})
	require.NotEmpty(t, id)
	require.True(t, s.Play())
	require.True(t, s.Frame(5000))

	v := s.View()
	assert.Equal(t, ClockPaused, v.State)
	assert.Equal(t, candles[2].Time, v.Cursor)
	require.Len(t, v.Triggered, 1)
	assert.Equal(t, TriggerSL, v.Triggered[0].Kind)
	assert.Equal(t, id, v.Triggered[0].PositionID)
	assert.Equal(t, StatusClosed, v.Positions[0].Status)

	s.ClearTriggered()
	assert.Empty(t, s.View().Triggered)
}

func TestAutoPauseRecordsTriggerOnLastCandle(t *testing.T) {
	candles := flatCandles(4, 1.1)
	candles[3].Low = 1.097
	s := newTestSession(t, candles, func(cfg *SessionConfig) { cfg.AutoPause = true })

	id := s.OpenPosition(OpenRequest{Side: SideBuy, Size: 1, SL: ptr(1.098)})
	require.NotEmpty(t, id)
	require.True(t, s.Play())
	// one frame runs past the end bound
	require.True(t, s.Frame(10000))

	v := s.View()
	assert.Equal(t, ClockPaused, v.State)
	assert.Equal(t, candles[3].Time, v.Cursor)
	require.Len(t, v.Triggered, 1)
	assert.Equal(t, TriggerSL, v.Triggered[0].Kind)
	assert.Equal(t, id, v.Triggered[0].PositionID)
	assert.Equal(t, candles[3].Time, v.Triggered[0].Time)
	assert.Equal(t, StatusClosed, v.Positions[0].Status)
}

func TestNoAutoPauseKeepsPlaying(t *testing.T) {
	candles := flatCandles(8, 1.1)
	candles[2].Low = 1.097
	s := newTestSession(t, candles, nil)

	s.OpenPosition(OpenRequest{Side: SideBuy, Size: 1, SL: ptr(1.098)})
	require.True(t, s.Play())
	require.True(t, s.Frame(5000))

	v := s.View()
	assert.Equal(t, ClockPlaying, v.State)
	assert.Equal(t, 6*minute, v.Cursor)
	assert.Empty(t, v.Triggered)
	assert.Equal(t, StatusClosed, v.Positions[0].Status)
}

func TestSeekBackwardReopensTrade(t *testing.T) {
	candles := flatCandles(6, 1.1)
	candles[2].Low = 1.097
	s := newTestSession(t, candles, nil)
	id := s.OpenPosition(OpenRequest{Side: SideBuy, Size: 1, SL: ptr(1.098)})

	require.True(t, s.Seek(candles[5].Time))
	closed := s.View()
	assert.Equal(t, StatusClosed, closed.Positions[0].Status)
	assert.Less(t, closed.Balance, 10000.0)

	require.True(t, s.Seek(candles[1].Time))
	v := s.View()
	require.Len(t, v.Positions, 1)
	assert.Equal(t, id, v.Positions[0].ID)
	assert.Equal(t, StatusOpen, v.Positions[0].Status)
	assert.Nil(t, v.Positions[0].ExitTime)
	assert.Equal(t, 10000.0, v.Balance)

	require.True(t, s.Step(1))
	assert.Equal(t, StatusClosed, s.View().Positions[0].Status)
}

func TestSaverCalledOnlyOnChange(t *testing.T) {
	saver := &recordingSaver{}
	s := newTestSession(t, flatCandles(6, 1.1), func(cfg *SessionConfig) { cfg.Saver = saver })
	assert.Equal(t, 0, saver.count())

	id := s.OpenPosition(OpenRequest{Side: SideBuy, Size: 1})
	require.Equal(t, 1, saver.count())
	assert.Len(t, saver.last().Positions, 1)

	require.True(t, s.Play())
	require.True(t, s.Frame(1000))
	assert.Equal(t, 1, saver.count(), "no position changed")

	require.True(t, s.Pause())
	assert.Equal(t, 2, saver.count(), "pause records the cursor")
	assert.Equal(t, 2*minute, saver.last().Cursor)

	require.True(t, s.ClosePosition(id, 1.1010))
	assert.Equal(t, 3, saver.count())
	snap := saver.last()
	assert.Equal(t, "s1", snap.ID)
	assert.Equal(t, "1m", snap.Timeframe)
	assert.InDelta(t, 10100, snap.Balance, 1e-6)
	assert.Equal(t, 10000.0, snap.InitialBalance)
}

func TestSnapshotJSONKeepsFragments(t *testing.T) {
	s := newTestSession(t, flatCandles(6, 1.1), nil)
	id := s.OpenPosition(OpenRequest{Side: SideSell, Size: 1, SL: ptr(1.2), TP: ptr(1.0)})
	fragID, ok := s.PartialClose(id, 0.4, 1.0990)
	require.True(t, ok)

	snap := s.Snapshot()
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"parentId":"`+id+`"`)
	assert.Contains(t, string(raw), `"initialBalance":10000`)

	var back Snapshot
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, snap, back)

	var frag Position
	for _, p := range back.Positions {
		if p.ID == fragID {
			frag = p
		}
	}
	assert.Equal(t, id, frag.ParentID)
	assert.Equal(t, ExitPartial, frag.ExitReason)
}

func TestResumeFromSnapshot(t *testing.T) {
	candles := flatCandles(6, 1.1)
	s1 := newTestSession(t, candles, nil)
	s1.OpenPosition(OpenRequest{Side: SideBuy, Size: 0.5, TP: ptr(1.2)})
	s1.OpenPosition(OpenRequest{Side: SideSell, OrderType: OrderLimit, Size: 0.2, EntryPrice: 1.15})
	require.True(t, s1.Seek(candles[3].Time))
	snap := s1.Snapshot()

	tf, _ := market.ParseTimeframe(snap.Timeframe)
	cfg := ConfigFromSnapshot(snap, tf, forexAsset())
	s2, err := NewSession(cfg, candles)
	require.NoError(t, err)

	v := s2.View()
	assert.Equal(t, candles[3].Time, v.Cursor)
	assert.Equal(t, snap.Positions, v.Positions)
	assert.Equal(t, snap.Created, s2.Snapshot().Created)
}

func TestRestoreRejectsForeignSnapshot(t *testing.T) {
	s := newTestSession(t, flatCandles(4, 1.1), nil)
	err := s.Restore(Snapshot{ID: "other"})
	assert.Error(t, err)

	s.OpenPosition(OpenRequest{Side: SideBuy, Size: 1})
	require.NoError(t, s.Restore(Snapshot{ID: "s1", Positions: []Position{}}))
	assert.Empty(t, s.View().Positions)
}

func TestVisibleCandlesHidesFuture(t *testing.T) {
	candles := flatCandles(10, 1.1)
	s := newTestSession(t, candles, nil)
	require.True(t, s.Seek(candles[4].Time+30_000))

	all := s.VisibleCandles(0)
	require.Len(t, all, 5)
	assert.Equal(t, candles[4].Time, all[4].Time)

	last := s.VisibleCandles(2)
	require.Len(t, last, 2)
	assert.Equal(t, candles[3].Time, last[0].Time)
}

func TestSubmitDraftSizesFromRisk(t *testing.T) {
	s := newTestSession(t, flatCandles(4, 1.1), nil)
	d := OrderDraft{Side: SideBuy, OrderType: OrderMarket, SL: ptr(1.0950), RiskMode: "percent", RiskValue: 1}

	sized := s.SizeDraft(d)
	assert.InDelta(t, 0.2, sized.Size, 1e-9)

	id := s.Submit(d)
	require.NotEmpty(t, id)
	p := s.View().Positions[0]
	assert.InDelta(t, 0.2, p.Size, 1e-9)
	assert.Equal(t, 1.1, p.EntryPrice)
}

func TestSpeedPresetsThroughSession(t *testing.T) {
	s := newTestSession(t, flatCandles(4, 1.1), func(cfg *SessionConfig) { cfg.Speed = 2 })
	assert.Equal(t, 2.0, s.View().Speed)
	assert.Equal(t, 5.0, s.Faster())
	assert.Equal(t, 2.0, s.Slower())
	require.True(t, s.SetSpeed(0.01))
	assert.Equal(t, MinSpeed, s.View().Speed)
}
