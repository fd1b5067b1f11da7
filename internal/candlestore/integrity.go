package candlestore

import (
	"context"

	"replaydesk/internal/market"
)

// Gap 是一段缺失的 K 线区间（闭区间，对齐到周期网格）。
type Gap struct {
	From  int64 `json:"from"`
	To    int64 `json:"to"`
	Count int64 `json:"count"`
}

// IntegrityReport 汇总区间内应有与实际存在的 K 线数量。
type IntegrityReport struct {
	Start    int64 `json:"start"`
	End      int64 `json:"end"`
	Expected int64 `json:"expected"`
	Present  int64 `json:"present"`
	Gaps     []Gap `json:"gaps"`
}

func (r IntegrityReport) Complete() bool {
	return len(r.Gaps) == 0
}

// CheckIntegrity walks the aligned grid between start and end and reports
// every run of missing candles. Weekend gaps of forex data show up here too;
// callers decide what to refetch.
func (s *Store) CheckIntegrity(ctx context.Context, symbol string, tf market.Timeframe, start, end int64) (IntegrityReport, error) {
	start, end = tf.AlignRange(start, end)
	report := IntegrityReport{
		Start:    start,
		End:      end,
		Expected: tf.ExpectedCandles(start, end),
	}
	times, err := s.LoadTimes(ctx, symbol, tf.Key, start, end)
	if err != nil {
		return report, err
	}
	report.Present = int64(len(times))
	report.Gaps = findGaps(times, start, end, tf.DurationMillis())
	return report, nil
}

func findGaps(times []int64, start, end, step int64) []Gap {
	if step <= 0 {
		return nil
	}
	var gaps []Gap
	add := func(from, to int64) {
		if to < from {
			return
		}
		gaps = append(gaps, Gap{From: from, To: to, Count: (to-from)/step + 1})
	}
	expect := start
	for _, ts := range times {
		if ts < expect {
			continue
		}
		if ts > expect {
			add(expect, ts-step)
		}
		expect = ts + step
	}
	add(expect, end)
	return gaps
}
