package replay

import "strings"

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
	OrderStop   OrderType = "STOP"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusOpen    Status = "OPEN"
	StatusClosed  Status = "CLOSED"
)

type ExitReason string

const (
	ExitTP      ExitReason = "TP"
	ExitSL      ExitReason = "SL"
	ExitManual  ExitReason = "MANUAL"
	ExitPartial ExitReason = "PARTIAL"
)

// ParseSide accepts BUY/SELL as well as long/short.
func ParseSide(s string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return SideBuy, true
	case "SELL", "SHORT":
		return SideSell, true
	default:
		return "", false
	}
}

// ParseOrderType defaults an empty string to MARKET.
func ParseOrderType(s string) (OrderType, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "MARKET":
		return OrderMarket, true
	case "LIMIT":
		return OrderLimit, true
	case "STOP":
		return OrderStop, true
	default:
		return "", false
	}
}

// Position is a simulated order or trade. Its JSON form is the persisted
// session contract and must round-trip unchanged.
type Position struct {
	ID          string     `json:"id"`
	ParentID    string     `json:"parentId,omitempty"`
	Type        Side       `json:"type"`
	OrderType   OrderType  `json:"orderType"`
	EntryPrice  float64    `json:"entryPrice"`
	Size        float64    `json:"size"`
	InitialSize float64    `json:"initialSize"`
	SL          *float64   `json:"sl,omitempty"`
	TP          *float64   `json:"tp,omitempty"`
	Asset       string     `json:"asset"`
	Status      Status     `json:"status"`
	EntryTime   int64      `json:"entryTime"`
	ExitPrice   *float64   `json:"exitPrice,omitempty"`
	ExitTime    *int64     `json:"exitTime,omitempty"`
	ExitReason  ExitReason `json:"exitReason,omitempty"`
	ClosedPnl   float64    `json:"closedPnl"`
	CreatedAt   int64      `json:"createdAt,omitempty"`
	Comment     string     `json:"comment,omitempty"`
}

func (p Position) IsBuy() bool { return p.Type == SideBuy }

// direction is +1 for BUY and -1 for SELL.
func (p Position) direction() float64 {
	if p.IsBuy() {
		return 1
	}
	return -1
}

// PnlAt returns the profit of size units closed at price.
func (p Position) PnlAt(price, size, contractSize float64) float64 {
	return (price - p.EntryPrice) * p.direction() * size * contractSize
}

// IsFragment reports whether p is the closed-off part of a partial close.
func (p Position) IsFragment() bool {
	return p.ParentID != "" && p.ExitReason == ExitPartial
}

// Clone deep-copies the pointer fields.
func (p Position) Clone() Position {
	out := p
	out.SL = clonePtr(p.SL)
	out.TP = clonePtr(p.TP)
	out.ExitPrice = clonePtr(p.ExitPrice)
	out.ExitTime = clonePtr(p.ExitTime)
	return out
}

func (p *Position) clearExit() {
	p.ExitPrice = nil
	p.ExitTime = nil
	p.ExitReason = ""
	p.ClosedPnl = 0
}

func (p *Position) close(price float64, ts int64, reason ExitReason, pnl float64) {
	p.Status = StatusClosed
	p.ExitPrice = ptr(price)
	p.ExitTime = ptr(ts)
	p.ExitReason = reason
	p.ClosedPnl = pnl
}

func clonePositions(src []Position) []Position {
	if src == nil {
		return nil
	}
	out := make([]Position, len(src))
	for i, p := range src {
		out[i] = p.Clone()
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
