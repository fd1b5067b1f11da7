package replay

import (
	"math"
	"sort"
)

// Stats 汇总已平仓交易的收益与风险指标，供前端展示。
// 部分平仓的碎片各自计为一次实现盈亏。
type Stats struct {
	Trades         int     `json:"trades"`
	Wins           int     `json:"wins"`
	Losses         int     `json:"losses"`
	WinRate        float64 `json:"winRate"`
	GrossProfit    float64 `json:"grossProfit"`
	GrossLoss      float64 `json:"grossLoss"`
	ProfitFactor   float64 `json:"profitFactor"`
	NetPnl         float64 `json:"netPnl"`
	ReturnPct      float64 `json:"returnPct"`
	MaxDrawdownPct float64 `json:"maxDrawdownPct"`
	EquityPeak     float64 `json:"equityPeak"`
	EquityValley   float64 `json:"equityValley"`
	OpenPositions  int     `json:"openPositions"`
	PendingOrders  int     `json:"pendingOrders"`
}

// Stats walks the closed trades in exit order to build the realised equity
// curve.
func (e *Engine) Stats() Stats {
	var (
		st     Stats
		closed []Position
	)
	for _, p := range e.positions {
		switch p.Status {
		case StatusOpen:
			st.OpenPositions++
		case StatusPending:
			st.PendingOrders++
		case StatusClosed:
			closed = append(closed, p)
		}
	}
	sort.SliceStable(closed, func(i, j int) bool {
		return exitTimeOf(closed[i]) < exitTimeOf(closed[j])
	})

	equity := e.initialBalance
	st.EquityPeak = equity
	st.EquityValley = equity
	for _, p := range closed {
		st.Trades++
		switch {
		case p.ClosedPnl > 0:
			st.Wins++
			st.GrossProfit += p.ClosedPnl
		case p.ClosedPnl < 0:
			st.Losses++
			st.GrossLoss += -p.ClosedPnl
		}
		equity += p.ClosedPnl
		if equity > st.EquityPeak {
			st.EquityPeak = equity
		}
		if equity < st.EquityValley {
			st.EquityValley = equity
		}
		if st.EquityPeak > 0 {
			if dd := (st.EquityPeak - equity) / st.EquityPeak; dd > st.MaxDrawdownPct {
				st.MaxDrawdownPct = dd
			}
		}
	}
	if st.Trades > 0 {
		st.WinRate = float64(st.Wins) / float64(st.Trades)
	}
	switch {
	case st.GrossLoss > 0:
		st.ProfitFactor = st.GrossProfit / st.GrossLoss
	case st.GrossProfit > 0:
		st.ProfitFactor = math.MaxFloat64
	}
	st.NetPnl = equity - e.initialBalance
	if e.initialBalance > 0 {
		st.ReturnPct = st.NetPnl / e.initialBalance
	}
	return st
}

func exitTimeOf(p Position) int64 {
	if p.ExitTime == nil {
		return 0
	}
	return *p.ExitTime
}
