package indicator

import (
	"math"
	"testing"

	"replaydesk/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minute = int64(60_000)

func series(closes ...float64) []market.Candle {
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{Time: int64(i+1) * minute, Open: c, High: c + 0.5, Low: c - 0.5, Close: c}
	}
	return out
}

func rising(n int) []market.Candle {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = float64(i + 1)
	}
	return series(closes...)
}

func flat(n int, v float64) []market.Candle {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = v
	}
	return series(closes...)
}

func TestSMAAlignsToCandleTimes(t *testing.T) {
	candles := rising(10)
	res, err := Compute(candles, Request{Kind: KindSMA, Period: 3})
	require.NoError(t, err)
	require.Len(t, res.Lines, 1)
	pts := res.Lines[0].Points
	require.Len(t, pts, 8)
	assert.Equal(t, candles[2].Time, pts[0].Time)
	assert.InDelta(t, 2.0, pts[0].Value, 1e-9)
	assert.InDelta(t, 9.0, res.Latest, 1e-9)
	assert.Equal(t, "above", res.State)
}

func TestEMAOfFlatSeries(t *testing.T) {
	res, err := Compute(flat(30, 1.25), Request{Kind: "EMA", Period: 5})
	require.NoError(t, err)
	for _, p := range res.Lines[0].Points {
		assert.InDelta(t, 1.25, p.Value, 1e-9)
	}
	assert.Equal(t, "touch", res.State)
}

func TestRSIOfRisingSeries(t *testing.T) {
	res, err := Compute(rising(30), Request{Kind: KindRSI})
	require.NoError(t, err)
	assert.Equal(t, 14, res.Period)
	assert.InDelta(t, 100.0, res.Latest, 1e-6)
	assert.Equal(t, "overbought", res.State)
}

func TestBBandsCollapseOnFlatSeries(t *testing.T) {
	res, err := Compute(flat(25, 2), Request{Kind: KindBBands, Period: 10})
	require.NoError(t, err)
	require.Len(t, res.Lines, 3)
	names := []string{res.Lines[0].Name, res.Lines[1].Name, res.Lines[2].Name}
	assert.Equal(t, []string{"upper", "middle", "lower"}, names)
	assert.InDelta(t, 2.0, res.Latest, 1e-9)
	assert.Equal(t, "inside", res.State)
}

func TestMACDReturnsThreeLines(t *testing.T) {
	res, err := Compute(rising(60), Request{Kind: KindMACD})
	require.NoError(t, err)
	require.Len(t, res.Lines, 3)
	assert.Equal(t, "dif", res.Lines[0].Name)
	assert.NotEmpty(t, res.Lines[2].Points)
}

func TestComputeRejects(t *testing.T) {
	_, err := Compute(rising(5), Request{Kind: KindSMA, Period: 10})
	assert.Error(t, err)
	_, err = Compute(rising(50), Request{Kind: "vwap"})
	assert.Error(t, err)
	_, err = Compute(rising(50), Request{Kind: KindEMA, Period: 1})
	assert.Error(t, err)
}

func TestSeriesIsIndexAligned(t *testing.T) {
	candles := rising(6)
	out := Series(candles, Request{Kind: KindSMA, Period: 3})
	require.Len(t, out, 6)
	assert.True(t, math.IsNaN(out[0]))
	assert.True(t, math.IsNaN(out[1]))
	assert.InDelta(t, 2.0, out[2], 1e-9)
	assert.InDelta(t, 5.0, out[5], 1e-9)

	short := Series(rising(2), Request{Kind: KindSMA, Period: 3})
	assert.True(t, math.IsNaN(short[1]))
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind(" Ema ")
	assert.True(t, ok)
	assert.Equal(t, KindEMA, k)
	_, ok = ParseKind("")
	assert.False(t, ok)
}
