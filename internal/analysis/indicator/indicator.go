// Package indicator computes chart overlays over the candles a replay has
// revealed so far. Callers pass only visible candles so no value ever looks
// past the cursor.
package indicator

import (
	"fmt"
	"math"
	"strings"

	"github.com/markcheno/go-talib"

	"replaydesk/internal/market"
)

type Kind string

const (
	KindSMA    Kind = "sma"
	KindEMA    Kind = "ema"
	KindRSI    Kind = "rsi"
	KindMACD   Kind = "macd"
	KindATR    Kind = "atr"
	KindBBands Kind = "bbands"
)

// Request 描述一次指标计算；Period 为 0 时使用各指标的常用默认值。
type Request struct {
	Kind   Kind `json:"kind"`
	Period int  `json:"period,omitempty"`
}

type Point struct {
	Time  int64   `json:"time"`
	Value float64 `json:"value"`
}

// Line is one plotted series; MACD and Bollinger bands return several.
type Line struct {
	Name   string  `json:"name"`
	Points []Point `json:"points"`
}

type Result struct {
	Kind   Kind    `json:"kind"`
	Period int     `json:"period"`
	Lines  []Line  `json:"lines"`
	Latest float64 `json:"latest"`
	State  string  `json:"state,omitempty"`
}

// ParseKind 解析指标名称（大小写不敏感）。
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindSMA, KindEMA, KindRSI, KindMACD, KindATR, KindBBands:
		return k, true
	}
	return "", false
}

func defaultPeriod(k Kind) int {
	switch k {
	case KindSMA, KindEMA, KindBBands:
		return 20
	case KindRSI, KindATR:
		return 14
	case KindMACD:
		return 26
	}
	return 0
}

// lookback is the number of leading outputs TA-Lib leaves unset.
func lookback(k Kind, period int) int {
	switch k {
	case KindSMA, KindEMA, KindBBands:
		return period - 1
	case KindRSI, KindATR:
		return period
	case KindMACD:
		return (period - 1) + (macdSignal - 1)
	}
	return 0
}

const macdSignal = 9

// Compute 计算单个指标，输出与 K 线时间对齐。
func Compute(candles []market.Candle, req Request) (Result, error) {
	kind, ok := ParseKind(string(req.Kind))
	if !ok {
		return Result{}, fmt.Errorf("unsupported indicator %q", req.Kind)
	}
	period := req.Period
	if period <= 0 {
		period = defaultPeriod(kind)
	}
	if period < 2 || period > 500 {
		return Result{}, fmt.Errorf("period %d out of range [2,500]", period)
	}
	skip := lookback(kind, period)
	if len(candles) <= skip {
		return Result{}, fmt.Errorf("%s(%d) 需要至少 %d 根K线，当前 %d", kind, period, skip+1, len(candles))
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}
	lastClose := closes[len(closes)-1]

	res := Result{Kind: kind, Period: period}
	switch kind {
	case KindSMA:
		res.Lines = []Line{align("sma", candles, talib.Sma(closes, period), skip)}
		res.Latest = lastValue(res.Lines[0])
		res.State = relativeState(lastClose, res.Latest)
	case KindEMA:
		res.Lines = []Line{align("ema", candles, talib.Ema(closes, period), skip)}
		res.Latest = lastValue(res.Lines[0])
		res.State = relativeState(lastClose, res.Latest)
	case KindRSI:
		res.Lines = []Line{align("rsi", candles, talib.Rsi(closes, period), skip)}
		res.Latest = lastValue(res.Lines[0])
		res.State = rsiState(res.Latest)
	case KindATR:
		res.Lines = []Line{align("atr", candles, talib.Atr(highs, lows, closes, period), skip)}
		res.Latest = lastValue(res.Lines[0])
		res.State = "volatility"
	case KindMACD:
		// period 为慢线，快线按 12/26 比例缩放
		fast := period * 12 / 26
		if fast < 2 {
			fast = 2
		}
		macd, signal, hist := talib.Macd(closes, fast, period, macdSignal)
		res.Lines = []Line{
			align("dif", candles, macd, skip),
			align("dea", candles, signal, skip),
			align("hist", candles, hist, skip),
		}
		res.Latest = lastValue(res.Lines[0])
		res.State = polarityState(lastValue(res.Lines[2]), "bullish", "bearish")
	case KindBBands:
		upper, middle, lower := talib.BBands(closes, period, 2, 2, talib.SMA)
		res.Lines = []Line{
			align("upper", candles, upper, skip),
			align("middle", candles, middle, skip),
			align("lower", candles, lower, skip),
		}
		res.Latest = lastValue(res.Lines[1])
		res.State = bandState(lastClose, lastValue(res.Lines[0]), lastValue(res.Lines[2]))
	}
	return res, nil
}

// Series returns a single line keyed by candle index, NaN where unset. The
// report chart uses it to overlay an average on the price series.
func Series(candles []market.Candle, req Request) []float64 {
	out := make([]float64, len(candles))
	for i := range out {
		out[i] = math.NaN()
	}
	res, err := Compute(candles, req)
	if err != nil || len(res.Lines) == 0 {
		return out
	}
	j := 0
	for _, p := range res.Lines[0].Points {
		for j < len(candles) && candles[j].Time < p.Time {
			j++
		}
		if j < len(candles) && candles[j].Time == p.Time {
			out[j] = p.Value
		}
	}
	return out
}

func align(name string, candles []market.Candle, series []float64, skip int) Line {
	out := Line{Name: name, Points: make([]Point, 0, len(series))}
	for i, v := range series {
		if i < skip || i >= len(candles) || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out.Points = append(out.Points, Point{Time: candles[i].Time, Value: round(v, 6)})
	}
	return out
}

func lastValue(l Line) float64 {
	if len(l.Points) == 0 {
		return 0
	}
	return l.Points[len(l.Points)-1].Value
}

func relativeState(price, ref float64) string {
	if ref == 0 {
		return "unknown"
	}
	switch {
	case price > ref*1.002:
		return "above"
	case price < ref*0.998:
		return "below"
	default:
		return "touch"
	}
}

func rsiState(v float64) string {
	switch {
	case v >= 70:
		return "overbought"
	case v <= 30:
		return "oversold"
	default:
		return "neutral"
	}
}

func polarityState(v float64, pos, neg string) string {
	switch {
	case v > 0:
		return pos
	case v < 0:
		return neg
	default:
		return "flat"
	}
}

func bandState(price, upper, lower float64) string {
	switch {
	case price > upper:
		return "above"
	case price < lower:
		return "below"
	default:
		return "inside"
	}
}

func round(val float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}
