package replay

import (
	"math"

	"replaydesk/internal/asset"
	"replaydesk/internal/market"
	"replaydesk/internal/risk"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TriggerKind names what fired on a candle.
type TriggerKind string

const (
	TriggerEntry TriggerKind = "ENTRY"
	TriggerSL    TriggerKind = "SL"
	TriggerTP    TriggerKind = "TP"
)

// TriggerEvent records a fill produced by candle evaluation.
type TriggerEvent struct {
	PositionID string      `json:"positionId"`
	Kind       TriggerKind `json:"kind"`
	Side       Side        `json:"side"`
	Price      float64     `json:"price"`
	Time       int64       `json:"time"`
}

// Mark is where the replay currently stands; commands stamp times and default
// prices from it.
type Mark struct {
	Cursor     int64
	CandleTime int64
	Price      float64
}

// OpenRequest carries the terms of a new order.
type OpenRequest struct {
	Side       Side
	OrderType  OrderType
	Size       float64
	EntryPrice float64
	SL         *float64
	TP         *float64
	Comment    string
}

// PositionPatch overwrites fields of a live position. Nil pointers leave the
// field unchanged; the Clear flags remove a level.
type PositionPatch struct {
	SL         *float64
	TP         *float64
	EntryPrice *float64
	ClearSL    bool
	ClearTP    bool
}

// Engine owns the position list and replays it against candles. Commands never
// return errors: invalid input is a no-op reported through the bool result.
type Engine struct {
	asset          asset.Asset
	initialBalance float64
	positions      []Position
	mark           Mark
	newID          func() string
	revision       uint64
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithIDGenerator replaces the uuid generator, mainly for reproducible tests.
func WithIDGenerator(fn func() string) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

func NewEngine(a asset.Asset, initialBalance float64, opts ...EngineOption) *Engine {
	e := &Engine{
		asset:          a,
		initialBalance: initialBalance,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Asset() asset.Asset      { return e.asset }
func (e *Engine) InitialBalance() float64 { return e.initialBalance }
func (e *Engine) Mark() Mark              { return e.mark }

// Revision increases on every mutation of the position list.
func (e *Engine) Revision() uint64 { return e.revision }

// SetMark records the current cursor, visible candle time and price.
func (e *Engine) SetMark(m Mark) { e.mark = m }

// Load replaces the position list, e.g. when resuming a snapshot.
func (e *Engine) Load(positions []Position) {
	e.positions = clonePositions(positions)
	e.touch()
}

// Positions returns a deep copy of the position list.
func (e *Engine) Positions() []Position {
	return clonePositions(e.positions)
}

// Position returns a copy of one position.
func (e *Engine) Position(id string) (Position, bool) {
	if i := e.indexOf(id); i >= 0 {
		return e.positions[i].Clone(), true
	}
	return Position{}, false
}

// Balance is recomputed from closed P&L on every call so it cannot drift.
func (e *Engine) Balance() float64 {
	total := e.initialBalance
	for _, p := range e.positions {
		total += p.ClosedPnl
	}
	return total
}

// UnrealizedPnl is the open P&L of p at price; zero unless p is OPEN.
func (e *Engine) UnrealizedPnl(p Position, price float64) float64 {
	if p.Status != StatusOpen {
		return 0
	}
	return p.PnlAt(price, p.Size, e.asset.ContractSize)
}

// Equity is balance plus the unrealised P&L of every OPEN position at price.
func (e *Engine) Equity(price float64) float64 {
	eq := e.Balance()
	for _, p := range e.positions {
		eq += e.UnrealizedPnl(p, price)
	}
	return eq
}

// Evaluate brings every position in line with candle c. It is idempotent for
// a given candle and reversible: evaluating an earlier candle undoes fills
// that happened after it.
func (e *Engine) Evaluate(c market.Candle) []TriggerEvent {
	changed := e.rewind(c.Time)
	var events []TriggerEvent
	for i := range e.positions {
		p := &e.positions[i]
		if p.CreatedAt > c.Time {
			continue
		}
		switch p.Status {
		case StatusOpen:
			if ev, ok := e.evaluateExit(p, c); ok {
				events = append(events, ev)
			}
		case StatusPending:
			if ev, ok := e.evaluateEntry(p, c); ok {
				events = append(events, ev)
			}
		}
	}
	if changed || len(events) > 0 {
		e.touch()
	}
	return events
}

// rewind undoes everything that happened after t: fragments closed later are
// folded back into their parent, later closes are reopened and later limit or
// stop triggers revert to PENDING.
func (e *Engine) rewind(t int64) bool {
	changed := false
	resized := make(map[string]bool)
	kept := e.positions[:0]
	for _, p := range e.positions {
		if p.IsFragment() && p.ExitTime != nil && *p.ExitTime > t {
			resized[p.ParentID] = true
			changed = true
			continue
		}
		kept = append(kept, p)
	}
	e.positions = kept

	for i := range e.positions {
		p := &e.positions[i]
		if p.Status == StatusClosed && !p.IsFragment() && p.ExitTime != nil && *p.ExitTime > t {
			p.clearExit()
			p.Status = StatusOpen
			if p.OrderType != OrderMarket && t < p.EntryTime {
				p.Status = StatusPending
				p.EntryTime = 0
			}
			resized[p.ID] = true
			changed = true
		}
		if p.Status == StatusOpen && p.OrderType != OrderMarket && t < p.EntryTime {
			p.Status = StatusPending
			p.EntryTime = 0
			changed = true
		}
	}

	for i := range e.positions {
		p := &e.positions[i]
		if resized[p.ID] && p.Status != StatusClosed {
			p.Size = e.remainingSize(*p)
		}
	}
	return changed
}

// remainingSize is the initial size less every surviving fragment of p.
func (e *Engine) remainingSize(p Position) float64 {
	rest := decimal.NewFromFloat(p.InitialSize)
	for _, f := range e.positions {
		if f.ParentID == p.ID && f.IsFragment() {
			rest = rest.Sub(decimal.NewFromFloat(f.Size))
		}
	}
	out, _ := rest.Round(2).Float64()
	if out < 0 {
		return 0
	}
	return out
}

func (e *Engine) evaluateExit(p *Position, c market.Candle) (TriggerEvent, bool) {
	// a limit/stop filled on this candle is only exposed from the next one
	if p.OrderType != OrderMarket && p.EntryTime == c.Time {
		return TriggerEvent{}, false
	}
	var (
		level  float64
		reason ExitReason
		hit    bool
	)
	if p.IsBuy() {
		switch {
		case p.SL != nil && c.Low <= *p.SL:
			level, reason, hit = *p.SL, ExitSL, true
		case p.TP != nil && c.High >= *p.TP:
			level, reason, hit = *p.TP, ExitTP, true
		}
	} else {
		switch {
		case p.SL != nil && c.High >= *p.SL:
			level, reason, hit = *p.SL, ExitSL, true
		case p.TP != nil && c.Low <= *p.TP:
			level, reason, hit = *p.TP, ExitTP, true
		}
	}
	if !hit {
		return TriggerEvent{}, false
	}
	p.close(level, c.Time, reason, p.PnlAt(level, p.Size, e.asset.ContractSize))
	kind := TriggerSL
	if reason == ExitTP {
		kind = TriggerTP
	}
	return TriggerEvent{PositionID: p.ID, Kind: kind, Side: p.Type, Price: level, Time: c.Time}, true
}

func (e *Engine) evaluateEntry(p *Position, c market.Candle) (TriggerEvent, bool) {
	var hit bool
	switch {
	case p.IsBuy() && p.OrderType == OrderLimit:
		hit = c.Low <= p.EntryPrice
	case p.IsBuy() && p.OrderType == OrderStop:
		hit = c.High >= p.EntryPrice
	case !p.IsBuy() && p.OrderType == OrderLimit:
		hit = c.High >= p.EntryPrice
	case !p.IsBuy() && p.OrderType == OrderStop:
		hit = c.Low <= p.EntryPrice
	}
	if !hit {
		return TriggerEvent{}, false
	}
	p.Status = StatusOpen
	p.EntryTime = c.Time
	return TriggerEvent{PositionID: p.ID, Kind: TriggerEntry, Side: p.Type, Price: p.EntryPrice, Time: c.Time}, true
}

// OpenPosition creates a MARKET trade OPEN at the mark, or a LIMIT/STOP order
// PENDING. A MARKET request without a price fills at the mark price. Returns ""
// when the request is unusable.
func (e *Engine) OpenPosition(req OpenRequest) string {
	if req.Side != SideBuy && req.Side != SideSell {
		return ""
	}
	if req.OrderType == "" {
		req.OrderType = OrderMarket
	}
	size := risk.RoundLots(req.Size)
	if size < risk.MinLot {
		return ""
	}
	entry := req.EntryPrice
	if req.OrderType == OrderMarket && !(entry > 0) {
		entry = e.mark.Price
	}
	if !(entry > 0) || math.IsInf(entry, 0) {
		return ""
	}
	p := Position{
		ID:          e.newID(),
		Type:        req.Side,
		OrderType:   req.OrderType,
		EntryPrice:  entry,
		Size:        size,
		InitialSize: size,
		SL:          clonePtr(req.SL),
		TP:          clonePtr(req.TP),
		Asset:       e.asset.Symbol,
		CreatedAt:   e.mark.CandleTime,
		Comment:     req.Comment,
	}
	switch req.OrderType {
	case OrderMarket:
		p.Status = StatusOpen
		// 与平仓一致按可见K线打时间戳，同一根K线内开平不会出现 exit < entry
		p.EntryTime = e.mark.CandleTime
	case OrderLimit, OrderStop:
		p.Status = StatusPending
	default:
		return ""
	}
	e.positions = append(e.positions, p)
	e.touch()
	return p.ID
}

// ClosePosition closes an OPEN position manually. The exit is stamped on the
// visible candle so re-evaluating that candle does not reopen it. Closing a
// PENDING order cancels it: the order is removed instead of being kept as a
// CLOSED record, since it never held exposure. exitPrice <= 0 uses the mark
// price.
func (e *Engine) ClosePosition(id string, exitPrice float64) bool {
	i := e.indexOf(id)
	if i < 0 {
		return false
	}
	p := &e.positions[i]
	switch p.Status {
	case StatusClosed:
		return false
	case StatusPending:
		return e.DeletePosition(id)
	}
	price := e.exitPrice(exitPrice)
	if price <= 0 {
		return false
	}
	p.close(price, e.mark.CandleTime, ExitManual, p.PnlAt(price, p.Size, e.asset.ContractSize))
	e.touch()
	return true
}

// PartialClose splits size off an OPEN position into a CLOSED fragment linked
// by ParentID. The requested size is floored to 0.01, so a request below the
// minimum lot is a no-op and never closes more than asked. When the remainder
// would fall below the minimum lot the whole position is closed instead and no
// fragment is created.
func (e *Engine) PartialClose(id string, size, exitPrice float64) (string, bool) {
	if !(size > 0) {
		return "", false
	}
	i := e.indexOf(id)
	if i < 0 || e.positions[i].Status != StatusOpen {
		return "", false
	}
	price := e.exitPrice(exitPrice)
	if price <= 0 {
		return "", false
	}
	parent := e.positions[i]
	cut := decimal.NewFromFloat(math.Min(size, parent.Size)).RoundDown(2)
	rest := decimal.NewFromFloat(parent.Size).Sub(cut).Round(2)
	if cut.LessThan(decimal.NewFromFloat(risk.MinLot)) {
		return "", false
	}
	if rest.LessThan(decimal.NewFromFloat(risk.MinLot)) {
		return id, e.ClosePosition(id, price)
	}
	cutSize, _ := cut.Float64()
	restSize, _ := rest.Float64()

	frag := parent.Clone()
	frag.ID = e.newID()
	frag.ParentID = parent.ID
	frag.Size = cutSize
	frag.InitialSize = cutSize
	frag.close(price, e.mark.CandleTime, ExitPartial, parent.PnlAt(price, cutSize, e.asset.ContractSize))

	e.positions[i].Size = restSize
	e.positions = append(e.positions, frag)
	e.touch()
	return frag.ID, true
}

// UpdatePosition overwrites SL/TP/entry without validating them against the
// market; a level that is already crossed fills on the next evaluation.
// CLOSED positions are left alone.
func (e *Engine) UpdatePosition(id string, patch PositionPatch) bool {
	i := e.indexOf(id)
	if i < 0 || e.positions[i].Status == StatusClosed {
		return false
	}
	p := &e.positions[i]
	switch {
	case patch.ClearSL:
		p.SL = nil
	case patch.SL != nil:
		p.SL = clonePtr(patch.SL)
	}
	switch {
	case patch.ClearTP:
		p.TP = nil
	case patch.TP != nil:
		p.TP = clonePtr(patch.TP)
	}
	if patch.EntryPrice != nil && *patch.EntryPrice > 0 {
		p.EntryPrice = *patch.EntryPrice
	}
	e.touch()
	return true
}

// DeletePosition removes a position unconditionally. It is meant for
// cancelling PENDING orders; the UI gates other uses.
func (e *Engine) DeletePosition(id string) bool {
	i := e.indexOf(id)
	if i < 0 {
		return false
	}
	e.positions = append(e.positions[:i], e.positions[i+1:]...)
	e.touch()
	return true
}

func (e *Engine) exitPrice(price float64) float64 {
	if price > 0 && !math.IsInf(price, 0) {
		return price
	}
	return e.mark.Price
}

func (e *Engine) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i := range e.positions {
		if e.positions[i].ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) touch() { e.revision++ }
