package market

import (
	"sort"
	"time"
)

// Candle 是单根 OHLC K 线，Time 为所在周期桶的起点（UTC 毫秒）。
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

type Candles []Candle

func (c Candle) TimeString() string {
	if c.Time <= 0 {
		return "-"
	}
	return time.UnixMilli(c.Time).UTC().Format("2006-01-02 15:04") + "Z"
}

// Valid reports whether the OHLC values are internally consistent.
func (c Candle) Valid() bool {
	if c.High < c.Low {
		return false
	}
	if c.Open > c.High || c.Open < c.Low {
		return false
	}
	if c.Close > c.High || c.Close < c.Low {
		return false
	}
	return true
}

// Normalize 将 K 线时间对齐到周期网格，按时间升序排列并去重（同一桶以后出现者为准）。
func Normalize(tf Timeframe, candles []Candle) []Candle {
	if len(candles) == 0 {
		return nil
	}
	out := make([]Candle, len(candles))
	copy(out, candles)
	for i := range out {
		out[i].Time = tf.AlignDown(out[i].Time)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	dedup := out[:0]
	for _, c := range out {
		n := len(dedup)
		if n > 0 && dedup[n-1].Time == c.Time {
			dedup[n-1] = c
			continue
		}
		dedup = append(dedup, c)
	}
	return dedup
}

// First returns the earliest candle time, or 0 for an empty slice.
func (cs Candles) First() int64 {
	if len(cs) == 0 {
		return 0
	}
	return cs[0].Time
}

// Last returns the latest candle time, or 0 for an empty slice.
func (cs Candles) Last() int64 {
	if len(cs) == 0 {
		return 0
	}
	return cs[len(cs)-1].Time
}
