package replay

import (
	"replaydesk/internal/risk"
)

// OrderDraft is the order ticket being edited before submission. It is never
// persisted.
type OrderDraft struct {
	Side      Side      `json:"side"`
	OrderType OrderType `json:"orderType"`
	Entry     float64   `json:"entry"`
	SL        *float64  `json:"sl,omitempty"`
	TP        *float64  `json:"tp,omitempty"`
	RiskMode  risk.Mode `json:"riskMode"`
	RiskValue float64   `json:"riskValue"`
	Size      float64   `json:"size"`
	Comment   string    `json:"comment,omitempty"`
}

// entryFor resolves the price the draft would fill at; MARKET drafts use the
// current price.
func (d OrderDraft) entryFor(current float64) float64 {
	if d.OrderType == OrderMarket || d.OrderType == "" || !(d.Entry > 0) {
		return current
	}
	return d.Entry
}

// Sized returns a copy with Size computed from the risk settings. Without a
// stop loss there is no risk distance, so an explicit Size is kept (or the
// minimum lot used).
func (d OrderDraft) Sized(e *Engine) OrderDraft {
	out := d
	if d.SL == nil {
		if !(out.Size >= risk.MinLot) {
			out.Size = risk.MinLot
		}
		return out
	}
	entry := d.entryFor(e.Mark().Price)
	out.Size = risk.ComputeLotSize(entry, *d.SL, d.RiskValue, d.RiskMode, e.Balance(), e.Asset())
	return out
}

// RewardRatio of the draft at the current price; 0 without both levels.
func (d OrderDraft) RewardRatio(current float64) float64 {
	if d.SL == nil || d.TP == nil {
		return 0
	}
	return risk.RewardRatio(d.Side == SideBuy, d.entryFor(current), *d.SL, *d.TP)
}

// Submit sizes the draft and opens it on the engine.
func (d OrderDraft) Submit(e *Engine) string {
	sized := d.Sized(e)
	req := OpenRequest{
		Side:      sized.Side,
		OrderType: sized.OrderType,
		Size:      sized.Size,
		SL:        sized.SL,
		TP:        sized.TP,
		Comment:   sized.Comment,
	}
	if sized.OrderType != OrderMarket && sized.OrderType != "" {
		req.EntryPrice = sized.Entry
	}
	return e.OpenPosition(req)
}
